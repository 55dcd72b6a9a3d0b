package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pavelanni/coursegrader/internal/llm/prompts"
	"github.com/pavelanni/coursegrader/internal/metrics"
	"github.com/pavelanni/coursegrader/internal/model"
	"github.com/pavelanni/coursegrader/internal/retry"
)

const doneSentinel = "[DONE]"

// Sink receives content fragments as they arrive.
type Sink func(fragment string) error

type streamRequest struct {
	Model          string            `json:"model"`
	Messages       []streamMessage   `json:"messages"`
	Temperature    float32           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens"`
	Stream         bool              `json:"stream"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type streamMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// StreamGradeSeries grades like GradeSeries but streams the reply,
// forwarding each content fragment to sink. The accumulated text is
// validated exactly as in GradeSeries. Failed attempts are retried only
// until the first fragment has been forwarded.
func (c *Client) StreamGradeSeries(ctx context.Context, req GradeRequest, sink Sink) (*model.GradingResult, error) {
	prompt, err := prompts.BuildSeriesPrompt(c.cfg.Variant, req.Questionnaire, req.Questions, req.Answers)
	if err != nil {
		return nil, fmt.Errorf("build grading prompt: %w", err)
	}
	body, err := json.Marshal(streamRequest{
		Model: c.cfg.Model,
		Messages: []streamMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature:    c.temperature,
		MaxTokens:      c.cfg.MaxTokens,
		Stream:         true,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal stream request: %w", err)
	}

	start := time.Now()
	started := false
	raw, err := retry.Do(ctx, c.policy(func() bool { return started }), func(ctx context.Context) (string, error) {
		return c.streamOnce(ctx, body, sink, &started)
	})
	if err != nil {
		observe("failed", start)
		return nil, fmt.Errorf("LLM streaming API call: %w", err)
	}

	res, err := ParseGradingResult(raw, req.Questionnaire.MaxScore)
	if err != nil {
		observe("unparsable", start)
		slog.Warn("AI grading stream rejected", "questionnaire_id", req.Questionnaire.ID, "error", err)
		return nil, err
	}
	observe("ok", start)
	return res, nil
}

func (c *Client) streamOnce(ctx context.Context, body []byte, sink Sink, started *bool) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	metrics.AIAttempts.Inc()

	actx, cancel := context.WithTimeout(ctx, c.cfg.StreamTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(actx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", &GradingError{Kind: ErrPermanent, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", classify(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return "", classify(ctx, &HTTPError{StatusCode: resp.StatusCode, Body: string(b)})
	}

	var (
		out     strings.Builder
		sinkErr error
	)
	err = decodeSSE(resp.Body, func(data string) (bool, error) {
		if data == doneSentinel {
			return true, nil
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return false, &GradingError{Kind: ErrUnparsableResponse, Raw: data, Err: fmt.Errorf("decode stream chunk: %w", err)}
		}
		if chunk.Error != nil {
			return false, &GradingError{Kind: ErrPermanent, Raw: data, Err: errors.New(chunk.Error.Message)}
		}
		for _, ch := range chunk.Choices {
			frag := ch.Delta.Content
			if frag == "" {
				continue
			}
			*started = true
			out.WriteString(frag)
			if sink != nil {
				if err := sink(frag); err != nil {
					sinkErr = fmt.Errorf("stream sink: %w", err)
					return false, sinkErr
				}
			}
		}
		return false, nil
	})
	if err != nil {
		var ge *GradingError
		if sinkErr != nil || errors.As(err, &ge) {
			return "", err
		}
		return "", classify(ctx, err)
	}
	return out.String(), nil
}

// decodeSSE reads server-sent events from r and hands each data payload
// to onData until it reports done. Multi-line data is joined with "\n".
// A payload is dispatched on a blank line, as soon as it forms complete
// JSON or the done sentinel, and at end of input, so a final event
// without a trailing newline is not lost.
func decodeSSE(r io.Reader, onData func(data string) (done bool, err error)) error {
	br := bufio.NewReader(r)
	var pending []string

	flush := func() (bool, error) {
		if len(pending) == 0 {
			return false, nil
		}
		data := strings.Join(pending, "\n")
		pending = pending[:0]
		return onData(data)
	}

	for {
		line, readErr := br.ReadString('\n')
		if line != "" {
			line = strings.TrimRight(line, "\r\n")
			switch {
			case line == "":
				if done, err := flush(); err != nil || done {
					return err
				}
			case strings.HasPrefix(line, ":"):
				// comment
			case strings.HasPrefix(line, "data:"):
				v := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
				pending = append(pending, v)
				joined := strings.Join(pending, "\n")
				if joined == doneSentinel || json.Valid([]byte(joined)) {
					if done, err := flush(); err != nil || done {
						return err
					}
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				_, err := flush()
				return err
			}
			return readErr
		}
	}
}
