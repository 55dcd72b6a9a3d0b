package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/coursegrader/internal/model"
)

//go:embed templates/*.txt
var templateFS embed.FS

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

// NotAnswered is sent in place of a missing answer.
const NotAnswered = "not answered"

const maxAnswerRunes = 10000

// PromptVariant represents a grading prompt variant.
type PromptVariant string

const (
	// PromptStrict is a strict grading variant for majors.
	PromptStrict PromptVariant = "strict"
	// PromptStandard is the default grading variant.
	PromptStandard PromptVariant = "standard"
	// PromptLenient is a lenient grading variant for electives.
	PromptLenient PromptVariant = "lenient"
)

var validVariants = map[PromptVariant]bool{
	PromptStrict:   true,
	PromptStandard: true,
	PromptLenient:  true,
}

var (
	loadOnce        sync.Once
	loadErr         error
	seriesTemplates map[PromptVariant]*template.Template
)

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[PromptVariant(v)]
}

// SeriesData holds template data for a questionnaire grading prompt.
type SeriesData struct {
	Title        string
	Description  string
	Instructions string
	Criteria     string
	MaxScore     float64
	Questions    []QuestionData
}

// QuestionData is one question with the learner's answer.
type QuestionData struct {
	ID        string
	Title     string
	Text      string
	Required  bool
	MinWords  int
	MaxWords  int
	Answer    string
	Answered  bool
	WordCount int
}

func load() error {
	loadOnce.Do(func() {
		seriesTemplates = make(map[PromptVariant]*template.Template)
		base, err := templateFS.ReadFile("templates/series.txt")
		if err != nil {
			loadErr = fmt.Errorf("read series template: %w", err)
			return
		}
		for v := range validVariants {
			name := "templates/tone_" + string(v) + ".txt"
			tone, err := templateFS.ReadFile(name)
			if err != nil {
				loadErr = fmt.Errorf("read prompt file %s: %w", name, err)
				return
			}
			tmpl, err := template.New("series").Parse(string(base))
			if err == nil {
				_, err = tmpl.Parse(string(tone))
			}
			if err != nil {
				loadErr = fmt.Errorf("parse prompt template %s: %w", name, err)
				return
			}
			seriesTemplates[v] = tmpl
		}
	})
	return loadErr
}

// BuildSeriesPrompt renders the grading prompt for a questionnaire submission.
func BuildSeriesPrompt(variant PromptVariant, q model.SeriesQuestionnaire, questions []model.SeriesQuestion, answers []model.SeriesAnswer) (string, error) {
	if err := load(); err != nil {
		return "", err
	}
	tmpl, ok := seriesTemplates[variant]
	if !ok {
		return "", errors.New("invalid prompt variant: " + string(variant))
	}

	byQuestion := make(map[string]string, len(answers))
	for _, a := range answers {
		byQuestion[a.QuestionID] = a.Text
	}

	data := SeriesData{
		Title:        q.Title,
		Description:  q.Description,
		Instructions: q.AIGradingPrompt,
		Criteria:     q.AIGradingCriteria,
		MaxScore:     q.MaxScore,
	}
	for _, sq := range questions {
		answer := strings.TrimSpace(byQuestion[sq.ID])
		qd := QuestionData{
			ID:       sq.ID,
			Title:    sq.Title,
			Text:     sq.Text,
			Required: sq.Required,
			MinWords: sq.MinWords,
			MaxWords: sq.MaxWords,
			Answer:   NotAnswered,
		}
		if answer != "" {
			qd.Answered = true
			qd.WordCount = WordCount(answer)
			qd.Answer = sanitizeAnswer(answer)
		}
		data.Questions = append(data.Questions, qd)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// WordCount counts whitespace-separated words.
func WordCount(s string) int {
	return len(strings.Fields(s))
}

func sanitizeAnswer(answer string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return NotAnswered
	}

	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		runes := []rune(answer)
		answer = string(runes[:maxAnswerRunes]) + "\n\n[Answer truncated due to length]"
	}

	return answer
}
