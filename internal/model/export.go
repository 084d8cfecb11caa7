package model

import "time"

// ReportExport is the top-level JSON structure written by `run --output`.
type ReportExport struct {
	ExamID   string        `json:"exam_id"`
	Filename string        `json:"filename,omitempty"`
	GradedAt time.Time     `json:"graded_at"`
	Grade    string        `json:"grade"`
	Report   GradingReport `json:"report"`
}

// LetterGrade maps a percentage to the A-F scale.
func LetterGrade(score float64) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}

// NewReportExport builds the export document for a graded session.
func NewReportExport(s ExamSession, gradedAt time.Time) (ReportExport, bool) {
	if s.Report == nil {
		return ReportExport{}, false
	}
	return ReportExport{
		ExamID:   s.ExamID,
		Filename: s.Filename,
		GradedAt: gradedAt,
		Grade:    LetterGrade(s.Report.FinalScore),
		Report:   *s.Report,
	}, true
}
