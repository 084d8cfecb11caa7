package console

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	appI18n "github.com/pavelanni/gradeflow/internal/i18n"
	"github.com/pavelanni/gradeflow/internal/model"
	"github.com/pavelanni/gradeflow/internal/store"
	"github.com/pavelanni/gradeflow/internal/workflow"
)

type scriptedGateway struct {
	uploads, grades int
	gradeFailures   int
}

func (g *scriptedGateway) UploadExam(ctx context.Context, file []byte, filename string) (string, error) {
	g.uploads++
	return "abc123", nil
}

func (g *scriptedGateway) FetchExtractedText(ctx context.Context, examID string) (model.ExtractedText, error) {
	return model.ExtractedText{Text: "1) 2+2? 4  2) capital of France? Paris", Length: 38}, nil
}

func (g *scriptedGateway) ParseExam(ctx context.Context, examID string) ([]model.Question, error) {
	return []model.Question{
		{Index: 0, Question: "2+2?", CorrectAnswer: "4"},
		{Index: 1, Question: "capital of France?", CorrectAnswer: "Paris"},
	}, nil
}

func (g *scriptedGateway) GradeExam(ctx context.Context, examID string, answers []model.Answer) (model.GradingReport, error) {
	g.grades++
	if g.gradeFailures > 0 {
		g.gradeFailures--
		return model.GradingReport{}, model.NewError(model.KindTransport, "grade exam", "could not reach the grading service", nil)
	}
	return model.GradingReport{
		FinalScore:     100,
		TotalQuestions: 2,
		CorrectAnswers: 2,
		QuestionGrades: []model.QuestionGrade{
			{QuestionIndex: 0, Question: "2+2?", CorrectAnswer: "4", StudentAnswer: answers[0].Answer, IsCorrect: true, Score: 100},
			{QuestionIndex: 1, Question: "capital of France?", CorrectAnswer: "Paris", StudentAnswer: answers[1].Answer, IsCorrect: true, Score: 100, Explanation: "Correct."},
		},
	}, nil
}

func newTestMachine(t *testing.T, gw workflow.Gateway) *workflow.Machine {
	t.Helper()
	if err := appI18n.Init("en"); err != nil {
		t.Fatalf("i18n.Init: %v", err)
	}
	st, err := store.New()
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	m, err := workflow.New(gw, st, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("workflow.New: %v", err)
	}
	return m
}

func writeExam(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "exam.txt")
	if err := os.WriteFile(path, []byte("1) 2+2? 4\n2) capital of France? Paris\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunHappyPath(t *testing.T) {
	gw := &scriptedGateway{}
	m := newTestMachine(t, gw)
	output := filepath.Join(t.TempDir(), "report.json")

	var out bytes.Buffer
	c := New(m, strings.NewReader("4\nParis\nn\n"), &out, nil, Options{
		File:     writeExam(t),
		ShowText: true,
		Output:   output,
	})
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v\noutput:\n%s", err, out.String())
	}

	for _, want := range []string{
		"Selected exam.txt (0.00 MB)",
		"Exam uploaded. ID: abc123",
		"Extracted text (38 characters):",
		"2 questions found.",
		"Final score: 100.0% (grade A)",
		"2 of 2 correct",
		"Explanation: Correct.",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q\n%s", want, out.String())
		}
	}

	data, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var export model.ReportExport
	if err := json.Unmarshal(data, &export); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if export.ExamID != "abc123" || export.Grade != "A" || export.Filename != "exam.txt" || export.Report.CorrectAnswers != 2 {
		t.Errorf("unexpected export: %+v", export)
	}
}

func TestRunPreloadedAnswers(t *testing.T) {
	gw := &scriptedGateway{}
	m := newTestMachine(t, gw)

	var out bytes.Buffer
	c := New(m, strings.NewReader(""), &out, nil, Options{File: writeExam(t), Answers: []string{"4", "Paris"}})
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if gw.grades != 1 || m.State().Stage() != model.StageResults {
		t.Errorf("grades = %d, stage = %s", gw.grades, m.State().Stage())
	}
}

func TestRunRetriesWithoutRetyping(t *testing.T) {
	gw := &scriptedGateway{gradeFailures: 1}
	m := newTestMachine(t, gw)

	var out bytes.Buffer
	c := New(m, strings.NewReader("4\nParis\ny\nn\n"), &out, nil, Options{File: writeExam(t)})
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v\n%s", err, out.String())
	}
	if gw.grades != 2 {
		t.Errorf("grade called %d times, want 2", gw.grades)
	}
	if !strings.Contains(out.String(), "Could not reach the grading service: could not reach the grading service") {
		t.Errorf("error not reported:\n%s", out.String())
	}
	if got := strings.Count(out.String(), "Your answer:"); got != 2 {
		t.Errorf("prompted %d times for answers, want 2", got)
	}
}

func TestRunDeclineRetry(t *testing.T) {
	gw := &scriptedGateway{gradeFailures: 1}
	m := newTestMachine(t, gw)

	c := New(m, strings.NewReader("4\nParis\nn\n"), io.Discard, nil, Options{File: writeExam(t)})
	err := c.Run(context.Background())
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	st := m.State()
	if st.Stage() != model.StageAnswer || st.Session.Answers[1].Answer != "Paris" {
		t.Errorf("answers lost after failed grade: %+v", st.Session)
	}
}

func TestRunAnotherExam(t *testing.T) {
	gw := &scriptedGateway{}
	m := newTestMachine(t, gw)
	second := writeExam(t)

	input := "4\nParis\ny\n" + second + "\n4\nParis\nn\n"
	var out bytes.Buffer
	c := New(m, strings.NewReader(input), &out, nil, Options{File: writeExam(t)})
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v\n%s", err, out.String())
	}
	if gw.uploads != 2 || gw.grades != 2 {
		t.Errorf("uploads = %d, grades = %d", gw.uploads, gw.grades)
	}
}

func TestRunEndOfInput(t *testing.T) {
	m := newTestMachine(t, &scriptedGateway{})
	c := New(m, strings.NewReader(""), io.Discard, nil, Options{})
	if err := c.Run(context.Background()); !errors.Is(err, ErrAborted) {
		t.Errorf("expected ErrAborted, got %v", err)
	}
}

func TestRunMissingFile(t *testing.T) {
	gw := &scriptedGateway{}
	m := newTestMachine(t, gw)
	missing := filepath.Join(t.TempDir(), "nope.pdf")

	// The bad path fails, the user retries and then gives up at the prompt.
	c := New(m, strings.NewReader("y\n"), io.Discard, nil, Options{File: missing})
	if err := c.Run(context.Background()); !errors.Is(err, ErrAborted) {
		t.Errorf("expected ErrAborted, got %v", err)
	}
	if gw.uploads != 0 {
		t.Errorf("uploads = %d", gw.uploads)
	}
}

func TestLoadAnswers(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{"json array", `["4", "Paris"]`, []string{"4", "Paris"}, false},
		{"lines", "4\r\n\n  Paris  \n", []string{"4", "Paris"}, false},
		{"empty", "", nil, false},
		{"broken json", `["4", `, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LoadAnswers(strings.NewReader(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("LoadAnswers() error = %v, wantErr %v", err, tt.wantErr)
			}
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("LoadAnswers() = %q, want %q", got, tt.want)
			}
		})
	}
}
