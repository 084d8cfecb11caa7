package model

import (
	"path/filepath"
	"strings"
	"time"
)

// Stage is one phase of the grading workflow.
type Stage string

const (
	StageUpload  Stage = "upload"
	StageParse   Stage = "parse"
	StageAnswer  Stage = "answer"
	StageResults Stage = "results"
)

// Next returns the stage that follows s, or s itself for the last stage.
func (s Stage) Next() Stage {
	switch s {
	case StageUpload:
		return StageParse
	case StageParse:
		return StageAnswer
	case StageAnswer:
		return StageResults
	default:
		return s
	}
}

// Question is a parsed question with its reference answer.
type Question struct {
	Index         int    `json:"question_index"`
	Question      string `json:"question"`
	CorrectAnswer string `json:"correct_answer"`
}

// Answer is a student's answer to the question with the same index.
type Answer struct {
	QuestionIndex int    `json:"question_index"`
	Answer        string `json:"answer"`
}

// QuestionGrade is the backend's verdict for one question.
type QuestionGrade struct {
	QuestionIndex int     `json:"question_index"`
	Question      string  `json:"question"`
	CorrectAnswer string  `json:"correct_answer"`
	StudentAnswer string  `json:"student_answer"`
	IsCorrect     bool    `json:"is_correct"`
	Score         float64 `json:"score"`
	Explanation   string  `json:"explanation"`
}

// GradingReport holds aggregate and per-question scores. FinalScore is
// computed by the backend and is never re-derived here.
type GradingReport struct {
	FinalScore     float64         `json:"final_score"`
	TotalQuestions int             `json:"total_questions"`
	CorrectAnswers int             `json:"correct_answers"`
	QuestionGrades []QuestionGrade `json:"question_grades"`
}

// ExtractedText is the OCR output preview for an uploaded exam.
type ExtractedText struct {
	Text   string `json:"text"`
	Length int    `json:"text_length"`
}

// ExamSession is the aggregate root for one grading run.
type ExamSession struct {
	ID        string         `json:"id"`
	ExamID    string         `json:"exam_id,omitempty"`
	Stage     Stage          `json:"stage"`
	Filename  string         `json:"filename,omitempty"`
	Questions []Question     `json:"questions"`
	Answers   []Answer       `json:"answers"`
	Report    *GradingReport `json:"report,omitempty"`
	StartedAt time.Time      `json:"started_at"`
}

// Clone returns a deep copy so callers can't reach into the owner's slices.
// Questions and Answers are never nil in the copy.
func (s ExamSession) Clone() ExamSession {
	out := s
	out.Questions = append([]Question{}, s.Questions...)
	out.Answers = append([]Answer{}, s.Answers...)
	if s.Report != nil {
		r := *s.Report
		r.QuestionGrades = append([]QuestionGrade(nil), s.Report.QuestionGrades...)
		out.Report = &r
	}
	return out
}

// EmptyAnswers returns one blank answer per question, in index order.
func EmptyAnswers(questions []Question) []Answer {
	answers := make([]Answer, len(questions))
	for i, q := range questions {
		answers[i] = Answer{QuestionIndex: q.Index}
	}
	return answers
}

var acceptedTypes = map[string]string{
	".pdf":  "application/pdf",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".txt":  "text/plain",
}

// AcceptedFileType reports the media type for an exam file name. The check is
// advisory; the backend does the authoritative validation.
func AcceptedFileType(filename string) (string, bool) {
	mime, ok := acceptedTypes[strings.ToLower(filepath.Ext(filename))]
	return mime, ok
}
