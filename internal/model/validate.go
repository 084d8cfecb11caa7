package model

import (
	"fmt"
	"math"
	"strings"
)

// ValidateAnswers checks that answers cover every question exactly once with
// non-blank text.
func ValidateAnswers(questions []Question, answers []Answer) error {
	const op = "validate answers"
	if len(answers) != len(questions) {
		return NewError(KindValidation, op,
			fmt.Sprintf("expected %d answers, got %d", len(questions), len(answers)), nil)
	}
	known := make(map[int]bool, len(questions))
	for _, q := range questions {
		known[q.Index] = true
	}
	seen := make(map[int]bool, len(answers))
	for _, a := range answers {
		if !known[a.QuestionIndex] {
			return NewError(KindValidation, op,
				fmt.Sprintf("question index %d does not exist", a.QuestionIndex), nil)
		}
		if seen[a.QuestionIndex] {
			return NewError(KindValidation, op,
				fmt.Sprintf("question %d answered more than once", a.QuestionIndex+1), nil)
		}
		seen[a.QuestionIndex] = true
		if strings.TrimSpace(a.Answer) == "" {
			return NewError(KindValidation, op,
				fmt.Sprintf("question %d has no answer", a.QuestionIndex+1), nil)
		}
	}
	return nil
}

// Validate checks the report's internal consistency against the questions it
// grades.
func (r GradingReport) Validate(questions []Question) error {
	const op = "validate report"
	if r.TotalQuestions != len(r.QuestionGrades) {
		return NewError(KindGrading, op,
			fmt.Sprintf("total_questions is %d but %d grades were returned", r.TotalQuestions, len(r.QuestionGrades)), nil)
	}
	if len(r.QuestionGrades) != len(questions) {
		return NewError(KindGrading, op,
			fmt.Sprintf("exam has %d questions but %d were graded", len(questions), len(r.QuestionGrades)), nil)
	}
	if !inPercentRange(r.FinalScore) {
		return NewError(KindGrading, op, fmt.Sprintf("final score %v out of range", r.FinalScore), nil)
	}
	correct := 0
	for i, g := range r.QuestionGrades {
		if g.QuestionIndex != questions[i].Index {
			return NewError(KindGrading, op,
				fmt.Sprintf("grade %d is for question index %d, want %d", i, g.QuestionIndex, questions[i].Index), nil)
		}
		if !inPercentRange(g.Score) {
			return NewError(KindGrading, op,
				fmt.Sprintf("question %d score %v out of range", g.QuestionIndex+1, g.Score), nil)
		}
		if g.IsCorrect {
			correct++
		}
	}
	if correct != r.CorrectAnswers {
		return NewError(KindGrading, op,
			fmt.Sprintf("correct_answers is %d but %d grades are correct", r.CorrectAnswers, correct), nil)
	}
	return nil
}

func inPercentRange(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 100
}
