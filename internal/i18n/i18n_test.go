package i18n

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func initLang(t *testing.T, lang string) context.Context {
	t.Helper()
	if err := Init(lang); err != nil {
		t.Fatalf("Init(%q): %v", lang, err)
	}
	return WithLocalizer(context.Background(), NewLocalizer(lang))
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		lang string
		id   string
		want string
	}{
		{"en", "AppTitle", "Exam Grader"},
		{"en", "StageAnswer", "Enter Answers"},
		{"ru", "AppTitle", "Проверка экзаменов"},
		{"ru", "StageResults", "Результаты"},
	}
	for _, tt := range tests {
		t.Run(tt.lang+"/"+tt.id, func(t *testing.T) {
			ctx := initLang(t, tt.lang)
			if got := T(ctx, tt.id); got != tt.want {
				t.Errorf("T(%s) = %q, want %q", tt.id, got, tt.want)
			}
		})
	}
}

func TestPluralTranslation(t *testing.T) {
	ctx := initLang(t, "en")
	if got := Tp(ctx, "QuestionsFound", 1); got != "1 question found." {
		t.Errorf("Tp(QuestionsFound, 1) = %q", got)
	}
	if got := Tp(ctx, "QuestionsFound", 5); got != "5 questions found." {
		t.Errorf("Tp(QuestionsFound, 5) = %q", got)
	}

	ctx = initLang(t, "ru")
	if got := Tp(ctx, "QuestionsFound", 2); got != "Найдено 2 вопроса." {
		t.Errorf("Tp(QuestionsFound, 2) = %q", got)
	}
	if got := Tp(ctx, "QuestionsFound", 5); got != "Найдено 5 вопросов." {
		t.Errorf("Tp(QuestionsFound, 5) = %q", got)
	}
}

func TestTemplateDataTranslation(t *testing.T) {
	ctx := initLang(t, "en")
	got := Td(ctx, "FinalScore", map[string]any{"Score": "87.5", "Grade": "B"})
	if got != "Final score: 87.5% (grade B)" {
		t.Errorf("Td(FinalScore) = %q", got)
	}
}

func TestMissingKey(t *testing.T) {
	ctx := initLang(t, "en")
	if got := T(ctx, "NonExistentKey"); got != "NonExistentKey" {
		t.Errorf("T(NonExistentKey) = %q, want the ID back", got)
	}
}

func TestInitRejectsBadTag(t *testing.T) {
	if err := Init("not a language"); err == nil {
		t.Error("expected error for invalid tag")
	}
}

func TestMiddlewareUsesAcceptLanguage(t *testing.T) {
	if err := Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	var got string
	h := Middleware("en")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = T(r.Context(), "StageUpload")
	}))

	tests := []struct {
		header string
		want   string
	}{
		{"ru-RU,ru;q=0.9", "Загрузка экзамена"},
		{"de", "Upload Exam"},
		{"", "Upload Exam"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Accept-Language", tt.header)
		}
		h.ServeHTTP(httptest.NewRecorder(), req)
		if got != tt.want {
			t.Errorf("Accept-Language %q: got %q, want %q", tt.header, got, tt.want)
		}
	}
}
