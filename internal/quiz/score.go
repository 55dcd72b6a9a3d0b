package quiz

import (
	"math"
	"strings"

	"github.com/pavelanni/coursegrader/internal/model"
)

// CalculateQuizScore folds per-question results into a quiz result.
// Unanswered questions score zero without consulting the validator.
func CalculateQuizScore(questions []model.Question, answers model.Answers) model.QuizResult {
	res := model.QuizResult{
		TotalQuestions:  len(questions),
		QuestionResults: make(map[string]model.ValidationResult, len(questions)),
	}
	if len(questions) == 0 {
		return res
	}

	var sum float64
	for _, q := range questions {
		a, ok := answers[q.ID]
		if !ok {
			res.QuestionResults[q.ID] = wrong
			continue
		}
		vr := ValidateAnswer(q, a)
		res.QuestionResults[q.ID] = vr
		sum += vr.Score
		if vr.IsCorrect {
			res.StrictCorrectCount++
		}
	}

	res.AverageScore = sum / float64(len(questions))
	res.Score = int(math.Round(res.AverageScore * 100))
	res.Score = min(max(res.Score, 0), 100)
	return res
}

// AllQuestionsAnswered reports whether every question has a non-empty answer.
// An empty quiz is never complete.
func AllQuestionsAnswered(questions []model.Question, answers model.Answers) bool {
	if len(questions) == 0 {
		return false
	}
	for _, q := range questions {
		a, ok := answers[q.ID]
		if !ok {
			return false
		}
		if q.Type == model.QuestionMultipleChoice {
			if !a.IsList || len(a.Choices) == 0 {
				return false
			}
			continue
		}
		if a.IsList || strings.TrimSpace(a.Value) == "" {
			return false
		}
	}
	return true
}
