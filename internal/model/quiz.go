package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// QuestionType is the kind of a structured quiz question.
type QuestionType string

const (
	QuestionSingleChoice   QuestionType = "single_choice"
	QuestionMultipleChoice QuestionType = "multiple_choice"
	QuestionTrueFalse      QuestionType = "true_false"
	QuestionShortAnswer    QuestionType = "short_answer"
)

// ScoringMode selects how multiple-choice answers earn credit.
type ScoringMode string

const (
	// ScoringStrict gives all-or-nothing credit. Used when unset.
	ScoringStrict ScoringMode = "strict"
	// ScoringPartial gives (correct - wrong) / |correct| credit, clamped to [0,1].
	ScoringPartial ScoringMode = "partial"
)

// Option is one selectable choice of a quiz question.
type Option struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Question is a structured quiz question.
// Multiple-choice questions carry CorrectOptions; the others carry CorrectOption.
type Question struct {
	ID             string       `json:"id"`
	QuizID         string       `json:"quiz_id,omitempty"`
	Type           QuestionType `json:"type"`
	Text           string       `json:"text,omitempty"`
	Options        []Option     `json:"options,omitempty"`
	CorrectOption  string       `json:"correct_option,omitempty"`
	CorrectOptions []string     `json:"correct_options,omitempty"`
	ScoringMode    ScoringMode  `json:"scoring_mode,omitempty"`
	Position       int          `json:"position,omitempty"`
}

// Quiz groups questions belonging to one lesson.
type Quiz struct {
	ID        string     `json:"id"`
	LessonID  string     `json:"lesson_id"`
	Title     string     `json:"title"`
	Questions []Question `json:"questions,omitempty"`
}

// Answer is a learner's answer to one quiz question: either a single
// option id / free text, or a list of option ids.
type Answer struct {
	Value   string
	Choices []string
	IsList  bool
}

// TextAnswer builds a scalar answer.
func TextAnswer(v string) Answer { return Answer{Value: v} }

// ChoiceAnswer builds a list answer.
func ChoiceAnswer(ids ...string) Answer {
	if ids == nil {
		ids = []string{}
	}
	return Answer{Choices: ids, IsList: true}
}

// UnmarshalJSON accepts a JSON string or an array of strings. Any other
// shape decodes to an empty scalar so scoring degrades to zero instead of
// rejecting the whole submission.
func (a *Answer) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*a = Answer{}
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	switch data[0] {
	case '"':
		return json.Unmarshal(data, &a.Value)
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("decode answer list: %w", err)
		}
		a.IsList = true
		a.Choices = make([]string, 0, len(raw))
		for _, r := range raw {
			var s string
			if err := json.Unmarshal(r, &s); err != nil {
				// Non-string elements never match an option id.
				s = string(r)
			}
			a.Choices = append(a.Choices, s)
		}
		return nil
	default:
		a.Value = string(data)
		return nil
	}
}

// MarshalJSON writes the answer back in the shape it was given.
func (a Answer) MarshalJSON() ([]byte, error) {
	if a.IsList {
		choices := a.Choices
		if choices == nil {
			choices = []string{}
		}
		return json.Marshal(choices)
	}
	return json.Marshal(a.Value)
}

// Answers maps question id to the learner's answer.
type Answers map[string]Answer

// ValidationResult is the outcome of scoring one question.
type ValidationResult struct {
	IsCorrect    bool     `json:"is_correct"`
	Score        float64  `json:"score"`
	PartialScore *float64 `json:"partial_score,omitempty"`
}

// QuizResult is the aggregate outcome of a quiz attempt.
type QuizResult struct {
	Score              int                         `json:"score"`
	StrictCorrectCount int                         `json:"strict_correct_count"`
	TotalQuestions     int                         `json:"total_questions"`
	AverageScore       float64                     `json:"average_score"`
	QuestionResults    map[string]ValidationResult `json:"question_results"`
}

// QuizAttempt is a persisted scoring of a learner's quiz answers.
type QuizAttempt struct {
	ID                 string    `json:"id"`
	QuizID             string    `json:"quiz_id"`
	StudentID          int64     `json:"student_id"`
	Answers            Answers   `json:"answers"`
	Score              int       `json:"score"`
	StrictCorrectCount int       `json:"strict_correct_count"`
	TotalQuestions     int       `json:"total_questions"`
	Complete           bool      `json:"complete"`
	CreatedAt          time.Time `json:"created_at"`
}
