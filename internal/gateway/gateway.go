// Package gateway is the HTTP client for the exam grading backend. It turns
// the four backend calls (upload, extracted text, parse, grade) into typed
// operations and normalises every failure into a *model.Error.
//
// The client keeps no state between calls and never retries; retrying is the
// caller's decision.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pavelanni/gradeflow/internal/model"
)

const (
	opUpload = "upload exam"
	opText   = "fetch extracted text"
	opParse  = "parse exam"
	opGrade  = "grade exam"
	opPing   = "health check"

	maxResponseSize = 8 << 20
)

// Client talks to the grading backend.
type Client struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
	metrics *Metrics
}

// DefaultTimeout bounds each backend request unless WithTimeout says otherwise.
const DefaultTimeout = 120 * time.Second

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.client = hc
	}
}

// WithTimeout sets the per-request timeout. It applies to a client given by
// WithHTTPClient too, in either order, without changing the caller's value.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithMetrics records call counts and latencies in m.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// New creates a client for the backend at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base URL %q must be http or https", baseURL)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	switch {
	case c.client == nil:
		if c.timeout == 0 {
			c.timeout = DefaultTimeout
		}
		c.client = &http.Client{Timeout: c.timeout}
	case c.timeout != 0:
		hc := *c.client
		hc.Timeout = c.timeout
		c.client = &hc
	}
	return c, nil
}

// statusError is a non-2xx response that carried a readable detail.
type statusError struct {
	status int
	detail string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, e.detail)
}

// do sends req and decodes a 2xx JSON body into out. Non-2xx responses with
// a parseable detail come back as *statusError; everything else that goes
// wrong is a transport error.
func (c *Client) do(req *http.Request, op string, out any) error {
	c.logger.Debug("backend request", "op", op, "method", req.Method, "url", req.URL.String())

	resp, err := c.client.Do(req)
	if err != nil {
		return model.NewError(model.KindTransport, op, "could not reach the grading service", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return model.NewError(model.KindTransport, op, "could not read the grading service response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, ok := parseDetail(body)
		if !ok {
			return model.NewError(model.KindTransport, op,
				fmt.Sprintf("grading service returned status %d", resp.StatusCode), nil)
		}
		return &statusError{status: resp.StatusCode, detail: detail}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return model.NewError(model.KindTransport, op, "grading service sent an invalid response", err)
	}
	return nil
}

// classify turns a *statusError into a model error of the kind chosen by
// kindFor. Other errors pass through unchanged.
func classify(err error, op string, kindFor func(status int) model.ErrorKind) error {
	var se *statusError
	if !errors.As(err, &se) {
		return err
	}
	return model.NewError(kindFor(se.status), op, se.detail, nil)
}

func (c *Client) finish(op string, start time.Time, err error) error {
	c.metrics.observe(op, err, time.Since(start))
	if err != nil {
		c.logger.Warn("backend call failed", "op", op, "kind", model.KindOf(err), "error", err)
	}
	return err
}

func (c *Client) examURL(examID, suffix string) string {
	return c.baseURL + "/api/exams/" + url.PathEscape(examID) + suffix
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// UploadExam sends the exam file and returns the backend-assigned exam id.
func (c *Client) UploadExam(ctx context.Context, file []byte, filename string) (examID string, err error) {
	start := time.Now()
	defer func() { err = c.finish(opUpload, start, err) }()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	contentType, ok := model.AcceptedFileType(filename)
	if !ok {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(filename)))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(file); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/exams/upload", &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	var resp uploadResponse
	if err := c.do(req, opUpload, &resp); err != nil {
		return "", classify(err, opUpload, func(int) model.ErrorKind { return model.KindUpload })
	}
	if strings.TrimSpace(resp.ExamID) == "" {
		return "", model.NewError(model.KindUpload, opUpload, "grading service did not assign an exam id", nil)
	}

	c.logger.Info("exam uploaded", "exam_id", resp.ExamID, "filename", filename, "size", len(file))
	return resp.ExamID, nil
}

// FetchExtractedText returns the OCR text of an uploaded exam. It is
// read-only and safe to call repeatedly.
func (c *Client) FetchExtractedText(ctx context.Context, examID string) (text model.ExtractedText, err error) {
	start := time.Now()
	defer func() { err = c.finish(opText, start, err) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.examURL(examID, "/text"), nil)
	if err != nil {
		return text, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	var resp textResponse
	if err := c.do(req, opText, &resp); err != nil {
		return text, classify(err, opText, notFoundOr(model.KindTransport))
	}

	text.Text = resp.Text
	if text.Text == "" {
		text.Text = resp.Preview
	}
	text.Length = resp.TextLength
	if text.Length == 0 {
		text.Length = utf8.RuneCountInString(text.Text)
	}
	return text, nil
}

// ParseExam asks the backend to segment the uploaded exam into questions.
// Repeated calls may return a different segmentation.
func (c *Client) ParseExam(ctx context.Context, examID string) (questions []model.Question, err error) {
	start := time.Now()
	defer func() { err = c.finish(opParse, start, err) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.examURL(examID, "/parse"), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	var resp parseResponse
	if err := c.do(req, opParse, &resp); err != nil {
		return nil, classify(err, opParse, notFoundOr(model.KindParse))
	}
	if len(resp.Questions) == 0 {
		return nil, model.NewError(model.KindParse, opParse, "no questions detected", nil)
	}

	questions, err = normalizeQuestions(resp.Questions)
	if err != nil {
		return nil, err
	}
	c.logger.Info("exam parsed", "exam_id", examID, "questions", len(questions))
	return questions, nil
}

// normalizeQuestions orders questions by index, filling a missing index from
// the question's position. The result must be indexed 0..n-1.
func normalizeQuestions(in []questionWire) ([]model.Question, error) {
	out := make([]model.Question, len(in))
	for i, q := range in {
		idx := i
		if q.Index != nil {
			idx = *q.Index
		}
		out[i] = model.Question{Index: idx, Question: q.Question, CorrectAnswer: q.CorrectAnswer}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	for i, q := range out {
		if q.Index != i {
			return nil, model.NewError(model.KindParse, opParse,
				fmt.Sprintf("question indices are not contiguous: position %d has index %d", i, q.Index), nil)
		}
	}
	return out, nil
}

// GradeExam submits the student's answers and returns the grading report.
func (c *Client) GradeExam(ctx context.Context, examID string, answers []model.Answer) (report model.GradingReport, err error) {
	start := time.Now()
	defer func() { err = c.finish(opGrade, start, err) }()

	if err := checkGradeRequest(examID, answers); err != nil {
		return report, err
	}

	body, err := json.Marshal(gradeRequest{ExamID: examID, StudentAnswers: answers})
	if err != nil {
		return report, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.examURL(examID, "/grade"), bytes.NewReader(body))
	if err != nil {
		return report, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if err := c.do(req, opGrade, &report); err != nil {
		return model.GradingReport{}, classify(err, opGrade, func(status int) model.ErrorKind {
			switch status {
			case http.StatusNotFound:
				return model.KindNotFound
			case http.StatusUnprocessableEntity:
				return model.KindValidation
			default:
				return model.KindGrading
			}
		})
	}

	c.logger.Info("exam graded",
		"exam_id", examID,
		"final_score", report.FinalScore,
		"correct", report.CorrectAnswers,
		"total", report.TotalQuestions,
	)
	return report, nil
}

func checkGradeRequest(examID string, answers []model.Answer) error {
	if strings.TrimSpace(examID) == "" {
		return model.NewError(model.KindValidation, opGrade, "exam id is required", nil)
	}
	if len(answers) == 0 {
		return model.NewError(model.KindValidation, opGrade, "no answers to grade", nil)
	}
	seen := make(map[int]bool, len(answers))
	for _, a := range answers {
		if a.QuestionIndex < 0 {
			return model.NewError(model.KindValidation, opGrade,
				fmt.Sprintf("question index %d is negative", a.QuestionIndex), nil)
		}
		if seen[a.QuestionIndex] {
			return model.NewError(model.KindValidation, opGrade,
				fmt.Sprintf("question index %d answered more than once", a.QuestionIndex), nil)
		}
		seen[a.QuestionIndex] = true
	}
	return nil
}

// Ping checks that the backend's health endpoint answers.
func (c *Client) Ping(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { err = c.finish(opPing, start, err) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if err := c.do(req, opPing, nil); err != nil {
		return classify(err, opPing, func(int) model.ErrorKind { return model.KindTransport })
	}
	return nil
}

func notFoundOr(kind model.ErrorKind) func(int) model.ErrorKind {
	return func(status int) model.ErrorKind {
		if status == http.StatusNotFound {
			return model.KindNotFound
		}
		return kind
	}
}
