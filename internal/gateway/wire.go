package gateway

import (
	"encoding/json"
	"strings"

	"github.com/pavelanni/gradeflow/internal/model"
)

type uploadResponse struct {
	ExamID string `json:"exam_id"`
}

type textResponse struct {
	Text       string `json:"text"`
	Preview    string `json:"preview"`
	TextLength int    `json:"text_length"`
}

// questionWire keeps question_index optional; older backends omit it.
type questionWire struct {
	Index         *int   `json:"question_index"`
	Question      string `json:"question"`
	CorrectAnswer string `json:"correct_answer"`
}

type parseResponse struct {
	Questions []questionWire `json:"questions"`
}

type gradeRequest struct {
	ExamID         string         `json:"exam_id"`
	StudentAnswers []model.Answer `json:"student_answers"`
}

type errorResponse struct {
	Detail json.RawMessage `json:"detail"`
}

// parseDetail extracts the human-readable detail from an error body. The
// detail is either a string or a list of {"msg": ...} validation items.
func parseDetail(body []byte) (string, bool) {
	var resp errorResponse
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Detail) == 0 {
		return "", false
	}

	var s string
	if err := json.Unmarshal(resp.Detail, &s); err == nil {
		s = strings.TrimSpace(s)
		return s, s != ""
	}

	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(resp.Detail, &items); err == nil {
		var msgs []string
		for _, it := range items {
			if it.Msg != "" {
				msgs = append(msgs, it.Msg)
			}
		}
		if len(msgs) > 0 {
			return strings.Join(msgs, "; "), true
		}
	}
	return "", false
}
