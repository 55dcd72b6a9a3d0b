package importer

import (
	"context"
	"strings"
	"testing"

	"github.com/pavelanni/coursegrader/internal/model"
	"github.com/pavelanni/coursegrader/internal/store"
)

const courseJSON = `{
  "questionnaires": [
    {
      "lesson_id": "l1",
      "title": "Goroutines",
      "ai_grading_criteria": "accuracy",
      "questions": [
        {"id": "q1", "title": "Scheduler", "text": "Explain it.", "required": true, "min_words": 50}
      ]
    }
  ],
  "quizzes": [
    {
      "id": "quiz-1",
      "title": "Basics",
      "questions": [
        {"id": "a", "type": "single_choice", "options": [{"id": "x", "text": "X"}], "correct_option": "x"},
        {"id": "b", "type": "multiple_choice", "correct_options": ["x", "y"], "scoring_mode": "partial"}
      ]
    }
  ]
}`

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestImport(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	res, err := Import(ctx, st, "course.json", []byte(courseJSON), 1)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.Skipped || res.Questionnaires != 1 || res.Quizzes != 1 {
		t.Fatalf("unexpected result %+v", res)
	}

	quiz, err := st.GetQuiz(ctx, "quiz-1")
	if err != nil || quiz == nil {
		t.Fatalf("GetQuiz: %v %v", quiz, err)
	}
	if len(quiz.Questions) != 2 || quiz.Questions[1].ScoringMode != model.ScoringPartial {
		t.Errorf("unexpected quiz %+v", quiz)
	}

	res, err = Import(ctx, st, "course.json", []byte(courseJSON), 1)
	if err != nil {
		t.Fatalf("second Import: %v", err)
	}
	if !res.Skipped || res.Reason != "unchanged" {
		t.Errorf("expected unchanged skip, got %+v", res)
	}

	changed := strings.Replace(courseJSON, "Basics", "Basics v2", 1)
	res, err = Import(ctx, st, "course.json", []byte(changed), 1)
	if err != nil {
		t.Fatalf("changed Import: %v", err)
	}
	if !res.Skipped || res.Reason != "changed" {
		t.Errorf("expected changed skip, got %+v", res)
	}
}

func TestImportDefaultsMaxScore(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := Import(ctx, st, "c.json", []byte(courseJSON), 9); err != nil {
		t.Fatalf("Import: %v", err)
	}
	subs, err := st.DB().Query(`SELECT max_score, created_by FROM series_questionnaires`)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer subs.Close()
	if !subs.Next() {
		t.Fatal("expected one questionnaire")
	}
	var (
		maxScore  float64
		createdBy int64
	)
	if err := subs.Scan(&maxScore, &createdBy); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if maxScore != 100 || createdBy != 9 {
		t.Errorf("expected max 100 by 9, got %g by %d", maxScore, createdBy)
	}
}

func TestImportRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{`},
		{"missing title", `{"questionnaires": [{"questions": []}]}`},
		{"word bounds", `{"questionnaires": [{"title": "t", "questions": [{"title": "q", "min_words": 10, "max_words": 5}]}]}`},
		{"unknown quiz type", `{"quizzes": [{"title": "q", "questions": [{"id": "a", "type": "essay"}]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newTestStore(t)
			if _, err := Import(context.Background(), st, "f.json", []byte(tt.body), 1); err == nil {
				t.Fatal("expected error")
			}
			hash, _ := st.GetImportedFileHash(context.Background(), "f.json")
			if hash != "" {
				t.Errorf("failed import recorded hash %q", hash)
			}
		})
	}
}
