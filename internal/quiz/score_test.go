package quiz

import (
	"testing"

	"github.com/pavelanni/coursegrader/internal/model"
)

func sampleQuiz() []model.Question {
	return []model.Question{
		{ID: "q1", Type: model.QuestionSingleChoice, CorrectOption: "a"},
		{ID: "q2", Type: model.QuestionMultipleChoice, CorrectOptions: []string{"a", "b"}, ScoringMode: model.ScoringPartial},
		{ID: "q3", Type: model.QuestionTrueFalse, CorrectOption: "false"},
		{ID: "q4", Type: model.QuestionShortAnswer},
	}
}

func TestCalculateQuizScore(t *testing.T) {
	tests := []struct {
		name        string
		answers     model.Answers
		score       int
		strictCount int
		average     float64
	}{
		{
			name: "all correct",
			answers: model.Answers{
				"q1": model.TextAnswer("a"),
				"q2": model.ChoiceAnswer("a", "b"),
				"q3": model.TextAnswer("false"),
				"q4": model.TextAnswer("text"),
			},
			score: 100, strictCount: 4, average: 1,
		},
		{
			name: "partial credit rounds",
			answers: model.Answers{
				"q1": model.TextAnswer("a"),
				"q2": model.ChoiceAnswer("a"),
			},
			score: 38, strictCount: 1, average: 0.375,
		},
		{
			name:    "nothing answered",
			answers: model.Answers{},
			score:   0, strictCount: 0, average: 0,
		},
		{
			name:    "nil answers",
			answers: nil,
			score:   0, strictCount: 0, average: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateQuizScore(sampleQuiz(), tt.answers)
			if got.Score != tt.score {
				t.Errorf("Score = %d, want %d", got.Score, tt.score)
			}
			if got.StrictCorrectCount != tt.strictCount {
				t.Errorf("StrictCorrectCount = %d, want %d", got.StrictCorrectCount, tt.strictCount)
			}
			if got.AverageScore != tt.average {
				t.Errorf("AverageScore = %v, want %v", got.AverageScore, tt.average)
			}
			if got.TotalQuestions != 4 {
				t.Errorf("TotalQuestions = %d, want 4", got.TotalQuestions)
			}
			if len(got.QuestionResults) != 4 {
				t.Errorf("QuestionResults has %d entries, want 4", len(got.QuestionResults))
			}
		})
	}
}

func TestCalculateQuizScoreUnansweredRecorded(t *testing.T) {
	got := CalculateQuizScore(sampleQuiz(), model.Answers{"q1": model.TextAnswer("a")})
	r, ok := got.QuestionResults["q2"]
	if !ok {
		t.Fatal("unanswered question missing from results")
	}
	if r.IsCorrect || r.Score != 0 || r.PartialScore != nil {
		t.Errorf("unanswered result = %+v, want zero without partial score", r)
	}
}

func TestCalculateQuizScoreEmpty(t *testing.T) {
	got := CalculateQuizScore(nil, model.Answers{"x": model.TextAnswer("a")})
	if got.Score != 0 || got.AverageScore != 0 || got.TotalQuestions != 0 {
		t.Errorf("empty quiz = %+v, want zero result", got)
	}
	if got.QuestionResults == nil {
		t.Error("QuestionResults should be an empty map, not nil")
	}
}

func TestCalculateQuizScoreRange(t *testing.T) {
	for n := 0; n < 20; n++ {
		questions := make([]model.Question, n)
		answers := model.Answers{}
		for i := range questions {
			id := string(rune('a' + i))
			questions[i] = model.Question{ID: id, Type: model.QuestionSingleChoice, CorrectOption: "x"}
			if i%3 == 0 {
				answers[id] = model.TextAnswer("x")
			}
		}
		got := CalculateQuizScore(questions, answers)
		if got.Score < 0 || got.Score > 100 {
			t.Errorf("n=%d: score %d out of range", n, got.Score)
		}
	}
}

func TestAllQuestionsAnswered(t *testing.T) {
	tests := []struct {
		name      string
		questions []model.Question
		answers   model.Answers
		want      bool
	}{
		{"empty quiz", nil, model.Answers{}, false},
		{"empty multiple choice array", []model.Question{{ID: "m", Type: model.QuestionMultipleChoice}}, model.Answers{"m": model.ChoiceAnswer()}, false},
		{"multiple choice answered", []model.Question{{ID: "m", Type: model.QuestionMultipleChoice}}, model.Answers{"m": model.ChoiceAnswer("a")}, true},
		{"multiple choice scalar", []model.Question{{ID: "m", Type: model.QuestionMultipleChoice}}, model.Answers{"m": model.TextAnswer("a")}, false},
		{"blank text", []model.Question{{ID: "s", Type: model.QuestionShortAnswer}}, model.Answers{"s": model.TextAnswer("  ")}, false},
		{"missing answer", sampleQuiz(), model.Answers{"q1": model.TextAnswer("a")}, false},
		{"all answered", sampleQuiz(), model.Answers{
			"q1": model.TextAnswer("b"),
			"q2": model.ChoiceAnswer("c"),
			"q3": model.TextAnswer("true"),
			"q4": model.TextAnswer("x"),
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AllQuestionsAnswered(tt.questions, tt.answers); got != tt.want {
				t.Errorf("AllQuestionsAnswered() = %v, want %v", got, tt.want)
			}
		})
	}
}
