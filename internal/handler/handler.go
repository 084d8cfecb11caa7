package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	appI18n "github.com/pavelanni/gradeflow/internal/i18n"
	"github.com/pavelanni/gradeflow/internal/model"
	"github.com/pavelanni/gradeflow/internal/workflow"
)

// DefaultMaxUpload caps the size of an uploaded exam file.
const DefaultMaxUpload = 32 << 20

// Handler exposes the workflow machine as a JSON API.
type Handler struct {
	machine   *workflow.Machine
	logger    *slog.Logger
	maxUpload int64
}

// New creates a new Handler.
func New(m *workflow.Machine, logger *slog.Logger, maxUpload int64) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUpload
	}
	return &Handler{machine: m, logger: logger, maxUpload: maxUpload}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Route("/api/session", func(r chi.Router) {
		r.Get("/", h.handleState)
		r.Post("/upload", h.handleUpload)
		r.Get("/text", h.handleText)
		r.Post("/parse", h.handleParse)
		r.Put("/answers/{index}", h.handleSetAnswer)
		r.Post("/grade", h.handleGrade)
		r.Post("/reset", h.handleReset)
	})
}

// stateResponse is a workflow snapshot with its localized labels.
type stateResponse struct {
	workflow.State
	StageTitle string `json:"stage_title"`
	Grade      string `json:"grade,omitempty"`
}

type errorResponse struct {
	Detail string `json:"detail"`
	Kind   string `json:"kind"`
	Title  string `json:"title"`
}

type answerRequest struct {
	Answer string `json:"answer"`
}

type gradeRequest struct {
	Answers []model.Answer `json:"answers"`
}

var stageTitles = map[model.Stage]string{
	model.StageUpload:  "StageUpload",
	model.StageParse:   "StageParse",
	model.StageAnswer:  "StageAnswer",
	model.StageResults: "StageResults",
}

func (h *Handler) snapshot(ctx context.Context) stateResponse {
	st := h.machine.State()
	resp := stateResponse{State: st, StageTitle: appI18n.T(ctx, stageTitles[st.Stage()])}
	if r := st.Session.Report; r != nil {
		resp.Grade = model.LetterGrade(r.FinalScore)
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// classify maps an error to its HTTP status, kind label and message ID.
func classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, workflow.ErrBusy):
		return http.StatusConflict, "busy", "ErrBusy"
	case errors.Is(err, workflow.ErrWrongStage):
		return http.StatusConflict, "wrong_stage", "ErrWrongStage"
	case errors.Is(err, workflow.ErrStale):
		return http.StatusConflict, "stale", "ErrStale"
	}
	kind := model.KindOf(err)
	switch kind {
	case model.KindValidation:
		return http.StatusUnprocessableEntity, string(kind), "ErrValidation"
	case model.KindNotFound:
		return http.StatusNotFound, string(kind), "ErrNotFound"
	case model.KindUpload:
		return http.StatusBadGateway, string(kind), "ErrUpload"
	case model.KindParse:
		return http.StatusBadGateway, string(kind), "ErrParse"
	case model.KindGrading:
		return http.StatusBadGateway, string(kind), "ErrGrading"
	case model.KindTransport:
		return http.StatusGatewayTimeout, string(kind), "ErrTransport"
	}
	return http.StatusInternalServerError, "internal", "ErrTransport"
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind, msgID := classify(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorResponse{
		Detail: model.ReasonOf(err),
		Kind:   kind,
		Title:  appI18n.T(r.Context(), msgID),
	})
}

func invalid(op, reason string) error {
	return model.NewError(model.KindValidation, op, reason, nil)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.snapshot(r.Context()))
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		h.writeError(w, r, invalid("upload", fmt.Sprintf("could not read the upload form: %v", err)))
		return
	}
	f, fh, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, r, invalid("upload", `form field "file" is required`))
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		h.writeError(w, r, invalid("upload", fmt.Sprintf("could not read the file: %v", err)))
		return
	}
	if err := h.machine.SubmitFile(r.Context(), data, fh.Filename); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.snapshot(r.Context()))
}

func (h *Handler) handleText(w http.ResponseWriter, r *http.Request) {
	text, err := h.machine.ViewExtractedText(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, text)
}

func (h *Handler) handleParse(w http.ResponseWriter, r *http.Request) {
	if err := h.machine.Parse(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.snapshot(r.Context()))
}

func (h *Handler) handleSetAnswer(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		h.writeError(w, r, invalid("set answer", "question index must be an integer"))
		return
	}
	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, invalid("set answer", "request body must be {\"answer\": \"...\"}"))
		return
	}
	if err := h.machine.SetAnswer(index, req.Answer); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.snapshot(r.Context()))
}

func (h *Handler) handleGrade(w http.ResponseWriter, r *http.Request) {
	var req gradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, r, invalid("grade", "request body must be {\"answers\": [...]}"))
		return
	}
	if err := h.machine.SubmitAnswers(r.Context(), req.Answers); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.snapshot(r.Context()))
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := h.machine.Reset(); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.snapshot(r.Context()))
}
