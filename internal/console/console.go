// Package console runs the grading workflow in a terminal: it reads the exam
// file and the student's answers, drives the machine one stage at a time and
// prints the report.
package console

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	appI18n "github.com/pavelanni/gradeflow/internal/i18n"
	"github.com/pavelanni/gradeflow/internal/model"
	"github.com/pavelanni/gradeflow/internal/workflow"
)

// ErrAborted is returned when the user declines to retry a failed step or
// input ends before the workflow is finished.
var ErrAborted = errors.New("aborted")

// Options configures one terminal run.
type Options struct {
	// File is the exam to upload. The user is prompted when it is empty.
	File string
	// Answers are used in order instead of prompting.
	Answers []string
	// ShowText prints the extracted text before parsing.
	ShowText bool
	// Output, when set, receives the accepted report as indented JSON.
	Output string
}

// Console is a terminal front-end for a workflow machine.
type Console struct {
	machine *workflow.Machine
	in      *bufio.Reader
	out     io.Writer
	logger  *slog.Logger
	opts    Options
}

func New(m *workflow.Machine, in io.Reader, out io.Writer, logger *slog.Logger, opts Options) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{machine: m, in: bufio.NewReader(in), out: out, logger: logger, opts: opts}
}

// Run drives exams through the workflow until the user stops.
func (c *Console) Run(ctx context.Context) error {
	c.printf("%s\n", appI18n.T(ctx, "AppTitle"))
	for {
		if err := c.gradeOne(ctx); err != nil {
			return err
		}
		if !c.confirm(ctx, "AnotherExam") {
			return nil
		}
		if err := c.machine.Reset(); err != nil {
			return fmt.Errorf("reset session: %w", err)
		}
		// File and answers belong to the first exam only.
		c.opts.File = ""
		c.opts.Answers = nil
	}
}

func (c *Console) gradeOne(ctx context.Context) error {
	for {
		st := c.machine.State()
		var err error
		switch st.Stage() {
		case model.StageUpload:
			err = c.upload(ctx)
		case model.StageParse:
			err = c.parse(ctx)
		case model.StageAnswer:
			err = c.answer(ctx, st.Session.Questions)
		case model.StageResults:
			return c.results(ctx, st.Session)
		}
		if err == nil {
			continue
		}
		if errors.Is(err, ErrAborted) {
			return err
		}
		c.printError(ctx, err)
		if !c.confirm(ctx, "RetryPrompt") {
			return fmt.Errorf("%s: %w", st.Stage(), ErrAborted)
		}
	}
}

func (c *Console) step(ctx context.Context, n int, stage model.Stage) {
	titles := map[model.Stage]string{
		model.StageUpload:  "StageUpload",
		model.StageParse:   "StageParse",
		model.StageAnswer:  "StageAnswer",
		model.StageResults: "StageResults",
	}
	c.printf("\n%s\n", appI18n.Td(ctx, "StepN", map[string]any{"N": n, "Title": appI18n.T(ctx, titles[stage])}))
}

func (c *Console) upload(ctx context.Context) error {
	c.step(ctx, 1, model.StageUpload)
	path := c.opts.File
	if path == "" {
		var err error
		if path, err = c.prompt(ctx, "PromptFile"); err != nil {
			return err
		}
	}
	err := c.submitFile(ctx, path)
	if model.KindOf(err) == model.KindValidation {
		// Retrying the same file cannot succeed; ask for another one.
		c.opts.File = ""
	}
	if err != nil {
		return err
	}
	c.printf("%s\n", appI18n.Td(ctx, "Uploaded", map[string]any{"ExamID": c.machine.State().Session.ExamID}))
	return nil
}

func (c *Console) submitFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.NewError(model.KindValidation, "read exam file", err.Error(), nil)
	}
	name := filepath.Base(path)
	c.printf("%s\n", appI18n.Td(ctx, "FileSelected", map[string]any{"Name": name, "Size": megabytes(len(data))}))
	c.printf("%s\n", appI18n.T(ctx, "Uploading"))
	return c.machine.SubmitFile(ctx, data, name)
}

func megabytes(n int) string {
	return strconv.FormatFloat(float64(n)/(1024*1024), 'f', 2, 64)
}

func (c *Console) parse(ctx context.Context) error {
	c.step(ctx, 2, model.StageParse)
	if c.opts.ShowText {
		text, err := c.machine.ViewExtractedText(ctx)
		if err != nil {
			// The preview is optional; parsing can go ahead without it.
			c.printError(ctx, err)
		} else {
			c.printf("%s\n%s\n", appI18n.Td(ctx, "ExtractedText", map[string]any{"Length": text.Length}), text.Text)
		}
	}
	c.printf("%s\n", appI18n.T(ctx, "Parsing"))
	if err := c.machine.Parse(ctx); err != nil {
		return err
	}
	c.printf("%s\n", appI18n.Tp(ctx, "QuestionsFound", len(c.machine.State().Session.Questions)))
	return nil
}

func (c *Console) answer(ctx context.Context, questions []model.Question) error {
	c.step(ctx, 3, model.StageAnswer)
	draft := c.machine.State().Session.Answers

	answers := make([]model.Answer, len(questions))
	for i, q := range questions {
		c.printf("\n%s\n", appI18n.Td(ctx, "QuestionN", map[string]any{"N": q.Index + 1, "Text": q.Question}))
		text := ""
		switch {
		case i < len(c.opts.Answers):
			text = c.opts.Answers[i]
			c.printf("> %s\n", text)
		case i < len(draft) && strings.TrimSpace(draft[i].Answer) != "":
			text = draft[i].Answer
			c.printf("> %s\n", text)
		default:
			var err error
			if text, err = c.prompt(ctx, "PromptAnswer"); err != nil {
				return err
			}
		}
		answers[i] = model.Answer{QuestionIndex: q.Index, Answer: text}
	}
	// Preloaded answers are used once; a retry prompts for what is missing.
	c.opts.Answers = nil

	c.printf("%s\n", appI18n.T(ctx, "Grading"))
	return c.machine.SubmitAnswers(ctx, answers)
}

func (c *Console) results(ctx context.Context, sess model.ExamSession) error {
	c.step(ctx, 4, model.StageResults)
	r := sess.Report
	c.printf("%s\n", appI18n.Td(ctx, "FinalScore", map[string]any{
		"Score": strconv.FormatFloat(r.FinalScore, 'f', 1, 64),
		"Grade": model.LetterGrade(r.FinalScore),
	}))
	c.printf("%s\n", appI18n.Td(ctx, "CorrectCount", map[string]any{"Correct": r.CorrectAnswers, "Total": r.TotalQuestions}))

	for _, g := range r.QuestionGrades {
		verdict := appI18n.T(ctx, "Incorrect")
		if g.IsCorrect {
			verdict = appI18n.T(ctx, "Correct")
		}
		c.printf("\n%s [%s]\n", appI18n.Td(ctx, "QuestionN", map[string]any{"N": g.QuestionIndex + 1, "Text": g.Question}), verdict)
		c.printf("  %s: %s\n", appI18n.T(ctx, "StudentAnswer"), g.StudentAnswer)
		c.printf("  %s: %s\n", appI18n.T(ctx, "ReferenceAnswer"), g.CorrectAnswer)
		c.printf("  %s: %s\n", appI18n.T(ctx, "Score"), strconv.FormatFloat(g.Score, 'f', 1, 64))
		if g.Explanation != "" {
			c.printf("  %s: %s\n", appI18n.T(ctx, "Explanation"), g.Explanation)
		}
	}

	if c.opts.Output != "" {
		if err := writeReport(c.opts.Output, sess, time.Now().UTC()); err != nil {
			return err
		}
		c.printf("\n%s\n", appI18n.Td(ctx, "ReportSaved", map[string]any{"Path": c.opts.Output}))
		// Another exam in the same run must not overwrite this report.
		c.opts.Output = ""
	}
	return nil
}

func writeReport(path string, sess model.ExamSession, gradedAt time.Time) error {
	export, ok := model.NewReportExport(sess, gradedAt)
	if !ok {
		return fmt.Errorf("export report: session %s has no report", sess.ID)
	}
	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

func (c *Console) printError(ctx context.Context, err error) {
	msgID := "ErrTransport"
	switch model.KindOf(err) {
	case model.KindValidation:
		msgID = "ErrValidation"
	case model.KindNotFound:
		msgID = "ErrNotFound"
	case model.KindUpload:
		msgID = "ErrUpload"
	case model.KindParse:
		msgID = "ErrParse"
	case model.KindGrading:
		msgID = "ErrGrading"
	}
	c.logger.Debug("step failed", "error", err)
	c.printf("%s: %s\n", appI18n.T(ctx, msgID), model.ReasonOf(err))
}

// prompt asks for one line of input. End of input aborts the run.
func (c *Console) prompt(ctx context.Context, msgID string) (string, error) {
	c.printf("%s: ", appI18n.T(ctx, msgID))
	line, err := c.in.ReadString('\n')
	if err != nil {
		if !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read input: %w", err)
		}
		if line == "" {
			return "", ErrAborted
		}
	}
	return strings.TrimSpace(line), nil
}

func (c *Console) confirm(ctx context.Context, msgID string) bool {
	c.printf("%s ", appI18n.T(ctx, msgID))
	line, err := c.in.ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes", "д", "да":
		return true
	}
	return false
}

func (c *Console) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.out, format, args...)
}

// LoadAnswers reads preloaded answers: either a JSON array of strings or
// one answer per line.
func LoadAnswers(r io.Reader) ([]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read answers: %w", err)
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var answers []string
		if err := json.Unmarshal([]byte(trimmed), &answers); err != nil {
			return nil, fmt.Errorf("parse answers JSON: %w", err)
		}
		return answers, nil
	}
	var answers []string
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		answers = append(answers, strings.TrimSpace(line))
	}
	return answers, nil
}
