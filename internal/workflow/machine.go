// Package workflow drives one exam through upload, parse, answer and results.
//
// A Machine owns the current session. Intents either succeed and advance the
// stage, or fail and leave every artifact of the session untouched with the
// failure recorded on the state. At most one backend call is in flight at a
// time; the machine's lock is never held while that call runs.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/gradeflow/internal/model"
)

var (
	// ErrBusy is returned when an intent arrives while a backend call is
	// still pending.
	ErrBusy = errors.New("another operation is in progress")
	// ErrWrongStage is returned when an intent does not belong to the
	// current stage.
	ErrWrongStage = errors.New("operation not allowed in the current stage")
	// ErrStale is returned when a backend call completes after its session
	// was reset. Its result is discarded.
	ErrStale = errors.New("session was reset before the operation completed")
)

// Gateway is the grading backend as seen by the machine.
type Gateway interface {
	UploadExam(ctx context.Context, file []byte, filename string) (string, error)
	FetchExtractedText(ctx context.Context, examID string) (model.ExtractedText, error)
	ParseExam(ctx context.Context, examID string) ([]model.Question, error)
	GradeExam(ctx context.Context, examID string, answers []model.Answer) (model.GradingReport, error)
}

// ArtifactStore keeps the artifacts of the current session.
type ArtifactStore interface {
	CreateSession(sess model.ExamSession) error
	RecordUpload(sessionID, examID, filename string) error
	RecordQuestions(sessionID string, questions []model.Question) error
	SaveAnswers(sessionID string, answers []model.Answer) error
	RecordReport(sessionID string, answers []model.Answer, report model.GradingReport) error
	Session(sessionID string) (model.ExamSession, error)
}

// Op names the backend call a pending state is waiting for.
type Op string

const (
	OpUpload Op = "upload"
	OpText   Op = "text"
	OpParse  Op = "parse"
	OpGrade  Op = "grade"
)

// StageError is the failure of the last intent in the current stage.
type StageError struct {
	Kind    model.ErrorKind `json:"kind"`
	Message string          `json:"message"`
}

// State is an immutable snapshot of the machine.
type State struct {
	Session   model.ExamSession `json:"session"`
	Pending   bool              `json:"pending"`
	PendingOp Op                `json:"pending_op,omitempty"`
	Error     *StageError       `json:"error,omitempty"`
}

// Stage is shorthand for s.Session.Stage.
func (s State) Stage() model.Stage { return s.Session.Stage }

// Machine is the workflow state machine. It is safe for concurrent use.
type Machine struct {
	gw     Gateway
	store  ArtifactStore
	logger *slog.Logger

	mu      sync.Mutex
	sess    model.ExamSession
	pending Op
	cancel  context.CancelFunc
	lastErr *StageError
	subs    map[int]chan State
	nextSub int
}

// New creates a machine with a fresh session at the upload stage.
func New(gw Gateway, store ArtifactStore, logger *slog.Logger) (*Machine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Machine{
		gw:     gw,
		store:  store,
		logger: logger,
		subs:   make(map[int]chan State),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.startSession(); err != nil {
		return nil, err
	}
	return m, nil
}

// startSession replaces the current session. Callers hold m.mu.
func (m *Machine) startSession() error {
	sess := model.ExamSession{
		ID:        uuid.NewString(),
		Stage:     model.StageUpload,
		StartedAt: time.Now().UTC(),
	}
	if err := m.store.CreateSession(sess); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if err := m.reload(sess.ID); err != nil {
		return err
	}
	m.logger.Info("session started", "session", sess.ID)
	return nil
}

func (m *Machine) reload(sessionID string) error {
	sess, err := m.store.Session(sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	m.sess = sess
	return nil
}

// State returns a snapshot of the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

func (m *Machine) snapshot() State {
	st := State{
		Session:   m.sess.Clone(),
		Pending:   m.pending != "",
		PendingOp: m.pending,
	}
	if m.lastErr != nil {
		e := *m.lastErr
		st.Error = &e
	}
	return st
}

// Subscribe returns a channel that receives a snapshot after every change,
// and a function that ends the subscription. A slow subscriber only sees
// the latest snapshot.
func (m *Machine) Subscribe() (<-chan State, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan State, 1)
	m.subs[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
	}
}

// publish sends the current snapshot to every subscriber. Callers hold m.mu.
func (m *Machine) publish() {
	st := m.snapshot()
	for _, ch := range m.subs {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- st
		}
	}
}

// fail records err as the stage error. Callers hold m.mu.
func (m *Machine) fail(op Op, err error) error {
	kind := model.KindOf(err)
	if kind == "" {
		kind = model.KindTransport
	}
	m.lastErr = &StageError{Kind: kind, Message: model.ReasonOf(err)}
	m.logger.Warn("operation failed", "session", m.sess.ID, "op", op, "stage", m.sess.Stage, "error", err)
	m.publish()
	return err
}

// call is one backend request started by begin and finished by complete.
type call struct {
	ctx     context.Context
	cancel  context.CancelFunc
	op      Op
	session model.ExamSession
}

// begin marks op as pending after checking the machine is idle and in
// stage. prepare, when set, runs under the lock before the call starts; its
// error is recorded and nothing goes to the backend.
func (m *Machine) begin(ctx context.Context, op Op, stage model.Stage, prepare func() error) (*call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending != "" {
		return nil, ErrBusy
	}
	if m.sess.Stage != stage {
		return nil, fmt.Errorf("%s in %s stage: %w", op, m.sess.Stage, ErrWrongStage)
	}
	if prepare != nil {
		if err := prepare(); err != nil {
			return nil, m.fail(op, err)
		}
	}

	cctx, cancel := context.WithCancel(ctx)
	m.pending = op
	m.cancel = cancel
	if op != OpText {
		m.lastErr = nil
	}
	m.publish()
	return &call{ctx: cctx, cancel: cancel, op: op, session: m.sess.Clone()}, nil
}

// complete applies the outcome of c. A completion for a session that is no
// longer current is dropped with ErrStale.
func (m *Machine) complete(c *call, err error, apply func() error) error {
	c.cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess.ID != c.session.ID || m.pending != c.op {
		m.logger.Info("discarding stale result", "session", c.session.ID, "op", c.op)
		return ErrStale
	}
	m.pending = ""
	m.cancel = nil

	if err == nil && apply != nil {
		err = apply()
	}
	if err != nil && c.op == OpText {
		// The text preview is a query; it leaves the stage error alone.
		m.logger.Warn("operation failed", "session", m.sess.ID, "op", c.op, "stage", m.sess.Stage, "error", err)
		m.publish()
		return err
	}
	if err != nil {
		return m.fail(c.op, err)
	}
	if err := m.reload(c.session.ID); err != nil {
		return m.fail(c.op, err)
	}
	m.logger.Info("operation completed", "session", m.sess.ID, "op", c.op, "stage", m.sess.Stage)
	m.publish()
	return nil
}

// SubmitFile uploads the exam file and moves to the parse stage.
func (m *Machine) SubmitFile(ctx context.Context, file []byte, filename string) error {
	c, err := m.begin(ctx, OpUpload, model.StageUpload, func() error {
		if len(file) == 0 {
			return model.NewError(model.KindValidation, "submit file", "the selected file is empty", nil)
		}
		if _, ok := model.AcceptedFileType(filename); !ok {
			return model.NewError(model.KindValidation, "submit file",
				fmt.Sprintf("unsupported file type: %q (accepted: PDF, PNG, JPEG, TXT)", filename), nil)
		}
		return nil
	})
	if err != nil {
		return err
	}

	examID, err := m.gw.UploadExam(c.ctx, file, filename)
	return m.complete(c, err, func() error {
		return m.store.RecordUpload(c.session.ID, examID, filename)
	})
}

// ViewExtractedText returns the backend's OCR text for the uploaded exam.
// It is only available in the parse stage and never changes the stage.
func (m *Machine) ViewExtractedText(ctx context.Context) (model.ExtractedText, error) {
	c, err := m.begin(ctx, OpText, model.StageParse, nil)
	if err != nil {
		return model.ExtractedText{}, err
	}

	text, err := m.gw.FetchExtractedText(c.ctx, c.session.ExamID)
	if err := m.complete(c, err, nil); err != nil {
		return model.ExtractedText{}, err
	}
	return text, nil
}

// Parse asks the backend for the exam's questions and moves to the answer
// stage with one empty answer per question.
func (m *Machine) Parse(ctx context.Context) error {
	c, err := m.begin(ctx, OpParse, model.StageParse, nil)
	if err != nil {
		return err
	}

	questions, err := m.gw.ParseExam(c.ctx, c.session.ExamID)
	return m.complete(c, err, func() error {
		return m.store.RecordQuestions(c.session.ID, questions)
	})
}

// editable checks that the draft answers may be changed. Callers hold m.mu.
func (m *Machine) editable() error {
	if m.pending != "" {
		return ErrBusy
	}
	if m.sess.Stage != model.StageAnswer {
		return fmt.Errorf("edit answers in %s stage: %w", m.sess.Stage, ErrWrongStage)
	}
	return nil
}

// SetAnswer replaces the draft answer for one question.
func (m *Machine) SetAnswer(index int, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.editable(); err != nil {
		return err
	}
	answers := append([]model.Answer(nil), m.sess.Answers...)
	found := false
	for i := range answers {
		if answers[i].QuestionIndex == index {
			answers[i].Answer = text
			found = true
			break
		}
	}
	if !found {
		return model.NewError(model.KindValidation, "set answer", fmt.Sprintf("there is no question %d", index), nil)
	}
	return m.saveDraft(answers)
}

// SetAnswers replaces the whole draft. Blank answers are allowed here; they
// are rejected on submission.
func (m *Machine) SetAnswers(answers []model.Answer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.editable(); err != nil {
		return err
	}
	if err := checkDraft(m.sess.Questions, answers); err != nil {
		return err
	}
	return m.saveDraft(answers)
}

// saveDraft stores answers and refreshes the snapshot. Callers hold m.mu.
func (m *Machine) saveDraft(answers []model.Answer) error {
	if err := m.store.SaveAnswers(m.sess.ID, answers); err != nil {
		return fmt.Errorf("save answers: %w", err)
	}
	if err := m.reload(m.sess.ID); err != nil {
		return err
	}
	m.publish()
	return nil
}

// checkDraft validates the shape of answers without requiring text.
func checkDraft(questions []model.Question, answers []model.Answer) error {
	filled := make([]model.Answer, len(answers))
	for i, a := range answers {
		filled[i] = model.Answer{QuestionIndex: a.QuestionIndex, Answer: "-"}
	}
	return model.ValidateAnswers(questions, filled)
}

// Submit grades the current draft answers.
func (m *Machine) Submit(ctx context.Context) error {
	return m.SubmitAnswers(ctx, nil)
}

// SubmitAnswers stores answers as the draft, when given, and sends the draft
// for grading. Incomplete answers fail locally. On success the report is
// stored and the session moves to results; on failure the answers stay as
// they were submitted.
func (m *Machine) SubmitAnswers(ctx context.Context, answers []model.Answer) error {
	c, err := m.begin(ctx, OpGrade, model.StageAnswer, func() error {
		if answers != nil {
			if err := checkDraft(m.sess.Questions, answers); err != nil {
				return err
			}
			if err := m.store.SaveAnswers(m.sess.ID, answers); err != nil {
				return fmt.Errorf("save answers: %w", err)
			}
			if err := m.reload(m.sess.ID); err != nil {
				return err
			}
		}
		return model.ValidateAnswers(m.sess.Questions, m.sess.Answers)
	})
	if err != nil {
		return err
	}

	submitted := append([]model.Answer(nil), c.session.Answers...)
	sort.Slice(submitted, func(i, j int) bool { return submitted[i].QuestionIndex < submitted[j].QuestionIndex })

	report, err := m.gw.GradeExam(c.ctx, c.session.ExamID, submitted)
	return m.complete(c, err, func() error {
		if err := report.Validate(c.session.Questions); err != nil {
			return err
		}
		return m.store.RecordReport(c.session.ID, submitted, report)
	})
}

// Reset discards the current session, abandons any pending backend call and
// starts over at the upload stage.
func (m *Machine) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	old := m.sess.ID
	m.pending = ""
	m.lastErr = nil
	if err := m.startSession(); err != nil {
		return err
	}
	m.logger.Info("session reset", "previous", old, "session", m.sess.ID)
	m.publish()
	return nil
}
