// Package quiz scores structured quiz questions. Every function here is
// pure: no I/O and no shared state, so it is safe for concurrent use.
package quiz

import (
	"strings"

	"github.com/pavelanni/coursegrader/internal/model"
)

var wrong = model.ValidationResult{IsCorrect: false, Score: 0}

// ValidateAnswer scores a single answer against its question.
// Malformed input never errors; it scores zero.
func ValidateAnswer(q model.Question, a model.Answer) model.ValidationResult {
	switch q.Type {
	case model.QuestionSingleChoice, model.QuestionTrueFalse:
		return validateSingle(q, a)
	case model.QuestionMultipleChoice:
		return validateMultiple(q, a)
	case model.QuestionShortAnswer:
		// Presence only. Content is not checked here.
		if !a.IsList && strings.TrimSpace(a.Value) != "" {
			return model.ValidationResult{IsCorrect: true, Score: 1}
		}
		return wrong
	default:
		return wrong
	}
}

func validateSingle(q model.Question, a model.Answer) model.ValidationResult {
	if a.IsList || q.CorrectOption == "" {
		return wrong
	}
	if a.Value == q.CorrectOption {
		return model.ValidationResult{IsCorrect: true, Score: 1}
	}
	return wrong
}

func validateMultiple(q model.Question, a model.Answer) model.ValidationResult {
	correct := toSet(q.CorrectOptions)
	if !a.IsList || len(correct) == 0 {
		return wrong
	}
	chosen := toSet(a.Choices)

	var hits, misses int
	for id := range chosen {
		if _, ok := correct[id]; ok {
			hits++
		} else {
			misses++
		}
	}
	strict := misses == 0 && hits == len(correct)

	if q.ScoringMode != model.ScoringPartial {
		if strict {
			return model.ValidationResult{IsCorrect: true, Score: 1}
		}
		return wrong
	}

	raw := float64(hits-misses) / float64(len(correct))
	raw = min(max(raw, 0), 1)
	return model.ValidationResult{IsCorrect: strict, Score: raw, PartialScore: &raw}
}

func toSet(ids []string) map[string]struct{} {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}
