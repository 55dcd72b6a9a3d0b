package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pavelanni/coursegrader/internal/model"
	"github.com/pavelanni/coursegrader/internal/retry"
)

const validReply = `{"overall_score": 72, "overall_feedback": "Solid start.",
 "detailed_feedback": [{"question_id": "q1", "score": 40, "feedback": "Good", "strengths": ["clear"], "improvements": []},
                       {"question_id": "q2", "score": 0, "feedback": "Missing", "strengths": [], "improvements": ["answer it"]}],
 "criteria_scores": {"clarity": 8}, "suggestions": ["review chapter 2"]}`

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	return newTestClientWith(t, h, func(*Config) {})
}

func newTestClientWith(t *testing.T, h http.HandlerFunc, edit func(*Config)) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := Config{
		BaseURL: srv.URL + "/v1",
		APIKey:  "test-key",
		Model:   "test-model",
		Timeout: time.Second,
		Retry: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			Multiplier:  1.5,
			MaxDelay:    5 * time.Millisecond,
		},
	}
	edit(&cfg)
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func writeCompletion(t *testing.T, w http.ResponseWriter, content string) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "test-model",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
	})
}

func sampleRequest() GradeRequest {
	return GradeRequest{
		Questionnaire: model.SeriesQuestionnaire{
			ID:                "sq1",
			Title:             "Photosynthesis",
			Description:       "Week 3 reflection",
			AIGradingCriteria: "accuracy, depth",
			MaxScore:          100,
		},
		Questions: []model.SeriesQuestion{
			{ID: "q1", Title: "Explain light reactions", Required: true, MinWords: 50},
			{ID: "q2", Title: "Explain the Calvin cycle", Required: true},
		},
		Answers: []model.SeriesAnswer{
			{QuestionID: "q1", Text: strings.TrimSpace(strings.Repeat("word ", 98))},
		},
	}
}

func TestZeroTemperatureIsSent(t *testing.T) {
	zero := float32(0)
	var temps []float64
	c := newTestClientWith(t, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		temp, ok := req["temperature"].(float64)
		if !ok {
			t.Errorf("temperature missing from request: %v", req)
		}
		temps = append(temps, temp)
		if req["stream"] == true {
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = io.WriteString(w, sseBody(t, validReply, 2, false))
			return
		}
		writeCompletion(t, w, validReply)
	}, func(cfg *Config) { cfg.Temperature = &zero })

	if _, err := c.GradeSeries(context.Background(), sampleRequest()); err != nil {
		t.Fatalf("GradeSeries: %v", err)
	}
	if _, err := c.StreamGradeSeries(context.Background(), sampleRequest(), func(string) error { return nil }); err != nil {
		t.Fatalf("StreamGradeSeries: %v", err)
	}
	if len(temps) != 2 {
		t.Fatalf("got %d requests, want 2", len(temps))
	}
	for i, temp := range temps {
		if temp > 1e-6 {
			t.Errorf("request %d: temperature = %v, want 0", i, temp)
		}
	}
}

func TestNegativeTemperatureRejected(t *testing.T) {
	neg := float32(-0.5)
	if _, err := New(Config{Model: "m", Temperature: &neg}); err == nil {
		t.Fatal("expected error for negative temperature")
	}
}

func TestGradeSeriesSuccess(t *testing.T) {
	var body []byte
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		body, _ = io.ReadAll(r.Body)
		writeCompletion(t, w, validReply)
	})

	res, err := c.GradeSeries(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("GradeSeries: %v", err)
	}
	if res.OverallScore != 72 || res.OverallFeedback != "Solid start." {
		t.Errorf("result = %+v", res)
	}
	if len(res.DetailedFeedback) != 2 || res.DetailedFeedback[1].QuestionID != "q2" {
		t.Errorf("detailed feedback = %+v", res.DetailedFeedback)
	}

	var req struct {
		Model       string  `json:"model"`
		Temperature float64 `json:"temperature"`
		MaxTokens   int     `json:"max_tokens"`
		Messages    []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if req.MaxTokens != 2000 {
		t.Errorf("max_tokens = %d, want 2000", req.MaxTokens)
	}
	if req.Temperature <= 0 || req.Temperature > 0.5 {
		t.Errorf("temperature = %v, want low", req.Temperature)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Role != "user" {
		t.Fatalf("messages = %+v", req.Messages)
	}
	if !strings.Contains(req.Messages[0].Content, "objective educational evaluator") {
		t.Errorf("system prompt = %q", req.Messages[0].Content)
	}
	prompt := req.Messages[1].Content
	for _, want := range []string{"Photosynthesis", "accuracy, depth", "MAX SCORE: 100", "Word count: 98", "not answered", "Explain the Calvin cycle"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

// Malformed model text must fail rather than turn into a zero score.
func TestGradeSeriesUnparsable(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeCompletion(t, w, "I think this deserves a B+")
	})

	res, err := c.GradeSeries(context.Background(), sampleRequest())
	if res != nil {
		t.Fatalf("expected no result, got %+v", res)
	}
	if !errors.Is(err, ErrUnparsableResponse) {
		t.Fatalf("err = %v, want ErrUnparsableResponse", err)
	}
	if !errors.Is(err, ErrPermanent) {
		t.Error("unparsable reply should also be permanent")
	}
	if got := RawResponse(err); got != "I think this deserves a B+" {
		t.Errorf("RawResponse = %q", got)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestGradeSeriesRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
			return
		}
		writeCompletion(t, w, validReply)
	})

	res, err := c.GradeSeries(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("GradeSeries: %v", err)
	}
	if res.OverallScore != 72 {
		t.Errorf("score = %v", res.OverallScore)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestGradeSeriesGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := c.GradeSeries(context.Background(), sampleRequest())
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("err = %v, want ErrTransient", err)
	}
	var ge *GradingError
	if !errors.As(err, &ge) || ge.StatusCode != http.StatusInternalServerError {
		t.Errorf("GradingError = %+v", ge)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestGradeSeriesDoesNotRetryClientErrors(t *testing.T) {
	for _, code := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusTooManyRequests} {
		var calls atomic.Int32
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			_, _ = io.WriteString(w, `{"error": {"message": "bad request", "type": "invalid_request_error"}}`)
		})

		_, err := c.GradeSeries(context.Background(), sampleRequest())
		if !errors.Is(err, ErrPermanent) {
			t.Errorf("%d: err = %v, want ErrPermanent", code, err)
		}
		var ge *GradingError
		if !errors.As(err, &ge) || ge.StatusCode != code {
			t.Errorf("%d: GradingError = %+v", code, ge)
		}
		if calls.Load() != 1 {
			t.Errorf("%d: calls = %d, want 1", code, calls.Load())
		}
	}
}

func TestGradeSeriesRetriesTimeout(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		writeCompletion(t, w, validReply)
	})
	c.cfg.Timeout = 50 * time.Millisecond

	if _, err := c.GradeSeries(context.Background(), sampleRequest()); err != nil {
		t.Fatalf("GradeSeries: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestGradeSeriesCallerCancel(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusBadGateway)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.GradeSeries(ctx, sampleRequest())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls.Load() > 1 {
		t.Errorf("calls = %d, want at most 1", calls.Load())
	}
}

func TestParseGradingResult(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		max     float64
		wantErr error
		score   float64
	}{
		{"valid", validReply, 100, nil, 72},
		{"code fence", "```json\n" + validReply + "\n```", 100, nil, 72},
		{"bare fence", "```\n{\"overall_score\": 5, \"overall_feedback\": \"\"}\n```", 10, nil, 5},
		{"empty", "   ", 100, ErrUnparsableResponse, 0},
		{"prose", "Score: 80", 100, ErrUnparsableResponse, 0},
		{"truncated", `{"overall_score": 80, "overall_feedback": "ok`, 100, ErrUnparsableResponse, 0},
		{"score as string", `{"overall_score": "80", "overall_feedback": "ok"}`, 100, ErrUnparsableResponse, 0},
		{"missing score", `{"overall_feedback": "ok"}`, 100, ErrInvalidResult, 0},
		{"missing feedback", `{"overall_score": 1}`, 100, ErrInvalidResult, 0},
		{"negative", `{"overall_score": -1, "overall_feedback": "x"}`, 100, ErrInvalidResult, 0},
		{"above max", `{"overall_score": 101, "overall_feedback": "x"}`, 100, ErrInvalidResult, 0},
		{"no max bound", `{"overall_score": 101, "overall_feedback": "x"}`, 0, nil, 101},
		{"zero is a real score", `{"overall_score": 0, "overall_feedback": "blank"}`, 100, nil, 0},
		{"feedback without id", `{"overall_score": 1, "overall_feedback": "x", "detailed_feedback": [{"score": 1}]}`, 100, ErrInvalidResult, 0},
		{"feedback without score", `{"overall_score": 1, "overall_feedback": "x", "detailed_feedback": [{"question_id": "q1"}]}`, 100, ErrInvalidResult, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ParseGradingResult(tt.raw, tt.max)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				if res != nil {
					t.Errorf("result should be nil on error, got %+v", res)
				}
				if RawResponse(err) != tt.raw {
					t.Errorf("raw response not attached")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.OverallScore != tt.score {
				t.Errorf("score = %v, want %v", res.OverallScore, tt.score)
			}
		})
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error for missing model")
	}
	if _, err := New(Config{Model: "m", Variant: "harsh"}); err == nil {
		t.Error("expected error for unknown variant")
	}
	c, err := New(Config{Model: "m"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.cfg.Timeout != 30*time.Second || c.cfg.Retry.MaxAttempts != 3 || c.cfg.Retry.Multiplier != 1.5 {
		t.Errorf("defaults not applied: %+v", c.cfg)
	}
}
