// Package llm grades questionnaire submissions through an
// OpenAI-compatible chat-completion endpoint.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/pavelanni/coursegrader/internal/llm/prompts"
	"github.com/pavelanni/coursegrader/internal/metrics"
	"github.com/pavelanni/coursegrader/internal/model"
	"github.com/pavelanni/coursegrader/internal/retry"
)

const systemPrompt = "You are an objective educational evaluator. " +
	"Grade consistently against the stated criteria and answer with JSON only."

// Config configures a Client. Zero values take the defaults noted.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	// Variant selects the grading prompt tone. Default standard.
	Variant prompts.PromptVariant
	// Timeout bounds one blocking attempt. Default 30s.
	Timeout time.Duration
	// StreamTimeout bounds one streaming attempt. Default 2m.
	StreamTimeout time.Duration
	// MaxTokens bounds the completion length. Default 2000.
	MaxTokens int
	// Temperature defaults to 0.3 when nil. Zero is honored.
	Temperature *float32
	// Retry defaults to retry.DefaultPolicy. Retryable is always IsRetryable.
	Retry retry.Policy
	// RequestsPerSecond limits outgoing attempts. Zero means unlimited.
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api         *openai.Client
	http        *http.Client
	cfg         Config
	temperature float32
	limiter     *rate.Limiter
}

// GradeRequest is everything the grader needs about one submission.
type GradeRequest struct {
	Questionnaire model.SeriesQuestionnaire
	Questions     []model.SeriesQuestion
	Answers       []model.SeriesAnswer
}

// New creates a new LLM client.
func New(cfg Config) (*Client, error) {
	if cfg.Model == "" {
		return nil, errors.New("llm: model name is required")
	}
	if cfg.Variant == "" {
		cfg.Variant = prompts.PromptStandard
	}
	if !prompts.IsValidVariant(string(cfg.Variant)) {
		return nil, fmt.Errorf("llm: invalid prompt variant %q", cfg.Variant)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 2 * time.Minute
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2000
	}
	temperature := float32(0.3)
	if cfg.Temperature != nil {
		if *cfg.Temperature < 0 {
			return nil, fmt.Errorf("llm: negative temperature %g", *cfg.Temperature)
		}
		temperature = *cfg.Temperature
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	} else {
		cfg.BaseURL = config.BaseURL
	}
	config.HTTPClient = cfg.HTTPClient

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Client{
		api:         openai.NewClientWithConfig(config),
		http:        cfg.HTTPClient,
		cfg:         cfg,
		temperature: temperature,
		limiter:     limiter,
	}, nil
}

// Variant returns the prompt variant in use.
func (c *Client) Variant() prompts.PromptVariant {
	return c.cfg.Variant
}

// Ping checks that the endpoint answers a model listing.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

// GradeSeries grades a questionnaire submission. It never returns a
// result built from a reply it could not parse: such replies yield an
// error matching ErrUnparsableResponse or ErrInvalidResult with the raw
// text attached.
func (c *Client) GradeSeries(ctx context.Context, req GradeRequest) (*model.GradingResult, error) {
	prompt, err := prompts.BuildSeriesPrompt(c.cfg.Variant, req.Questionnaire, req.Questions, req.Answers)
	if err != nil {
		return nil, fmt.Errorf("build grading prompt: %w", err)
	}

	start := time.Now()
	raw, err := c.complete(ctx, prompt)
	if err != nil {
		observe("failed", start)
		return nil, err
	}
	slog.Debug("LLM response", "raw", raw)

	res, err := ParseGradingResult(raw, req.Questionnaire.MaxScore)
	if err != nil {
		observe("unparsable", start)
		slog.Warn("AI grading reply rejected", "questionnaire_id", req.Questionnaire.ID, "error", err)
		return nil, err
	}
	observe("ok", start)
	return res, nil
}

func (c *Client) chatRequest(prompt string) openai.ChatCompletionRequest {
	temperature := c.temperature
	if temperature == 0 {
		// go-openai omits a zero temperature, which servers read as their default.
		temperature = math.SmallestNonzeroFloat32
	}
	return openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}
}

func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	req := c.chatRequest(prompt)
	raw, err := retry.Do(ctx, c.policy(nil), func(ctx context.Context) (string, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
		metrics.AIAttempts.Inc()

		actx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		resp, err := c.api.CreateChatCompletion(actx, req)
		if err != nil {
			return "", classify(ctx, err)
		}
		if len(resp.Choices) == 0 {
			return "", &GradingError{Kind: ErrPermanent, Err: errors.New("LLM returned no choices")}
		}
		return resp.Choices[0].Message.Content, nil
	})
	if err != nil {
		return "", fmt.Errorf("LLM grading API call: %w", err)
	}
	return raw, nil
}

// policy returns the configured retry policy. A non-nil stop vetoes
// further attempts once it reports true.
func (c *Client) policy(stop func() bool) retry.Policy {
	p := c.cfg.Retry
	p.Retryable = func(err error) bool {
		if stop != nil && stop() {
			return false
		}
		return IsRetryable(err)
	}
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		slog.Warn("AI grading attempt failed, retrying",
			"attempt", attempt,
			"max_attempts", p.MaxAttempts,
			"delay", delay,
			"error", err,
		)
	}
	return p
}

func observe(outcome string, start time.Time) {
	metrics.AIRequests.WithLabelValues(outcome).Inc()
	metrics.AIDuration.Observe(time.Since(start).Seconds())
}

type rawFeedback struct {
	QuestionID   *string  `json:"question_id"`
	Score        *float64 `json:"score"`
	Feedback     string   `json:"feedback"`
	Strengths    []string `json:"strengths"`
	Improvements []string `json:"improvements"`
}

type rawResult struct {
	OverallScore     *float64           `json:"overall_score"`
	OverallFeedback  *string            `json:"overall_feedback"`
	DetailedFeedback []rawFeedback      `json:"detailed_feedback"`
	CriteriaScores   map[string]float64 `json:"criteria_scores"`
	Suggestions      []string           `json:"suggestions"`
}

// ParseGradingResult validates a model reply. overall_score and
// overall_feedback are required; overall_score must lie in [0, maxScore]
// when maxScore is positive. Each detailed_feedback entry needs a
// question_id and a score.
func ParseGradingResult(raw string, maxScore float64) (*model.GradingResult, error) {
	text := sanitizeJSONText(raw)
	if text == "" {
		return nil, &GradingError{Kind: ErrUnparsableResponse, Raw: raw, Err: errors.New("empty reply")}
	}

	var r rawResult
	if err := json.Unmarshal([]byte(text), &r); err != nil {
		return nil, &GradingError{Kind: ErrUnparsableResponse, Raw: raw, Err: err}
	}

	invalid := func(format string, args ...any) error {
		return &GradingError{Kind: ErrInvalidResult, Raw: raw, Err: fmt.Errorf(format, args...)}
	}
	if r.OverallScore == nil {
		return nil, invalid("missing overall_score")
	}
	if r.OverallFeedback == nil {
		return nil, invalid("missing overall_feedback")
	}
	score := *r.OverallScore
	if score < 0 || (maxScore > 0 && score > maxScore) {
		return nil, invalid("overall_score %g outside [0, %g]", score, maxScore)
	}

	res := &model.GradingResult{
		OverallScore:    score,
		OverallFeedback: *r.OverallFeedback,
		CriteriaScores:  r.CriteriaScores,
		Suggestions:     r.Suggestions,
	}
	for i, f := range r.DetailedFeedback {
		if f.QuestionID == nil || *f.QuestionID == "" {
			return nil, invalid("detailed_feedback[%d]: missing question_id", i)
		}
		if f.Score == nil {
			return nil, invalid("detailed_feedback[%d]: missing score", i)
		}
		res.DetailedFeedback = append(res.DetailedFeedback, model.QuestionFeedback{
			QuestionID:   *f.QuestionID,
			Score:        *f.Score,
			Feedback:     f.Feedback,
			Strengths:    f.Strengths,
			Improvements: f.Improvements,
		})
	}
	return res, nil
}

// sanitizeJSONText strips surrounding whitespace and markdown code fences.
func sanitizeJSONText(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		// Drop the info string, e.g. ```json.
		s = s[i+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
