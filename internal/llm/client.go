// Package llm implements the Model client collaborator (§4.7): a
// chat-completion call to an external LLM provider with an outer
// model-fallback loop and an inner per-model retry loop, defensive
// response sanitization, and a per-model circuit breaker.
//
// The nested-loop shape is adapted almost line for line from the
// teacher's internal/proxy/handler.go forwardWithRetry, generalizing its
// "provider" candidate list into a "model" candidate list (primary, then
// one fallback); the HTTP client tuning follows
// internal/proxy/upstream.go; the backoff/jitter follows
// internal/proxy/retry.go (now shared via internal/backoff). A Retry-After
// response header is not consulted.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexai-io/contract-intel/internal/apierrors"
	"github.com/lexai-io/contract-intel/internal/backoff"
	"github.com/lexai-io/contract-intel/internal/docstore"
	"github.com/lexai-io/contract-intel/internal/metrics"
	"github.com/lexai-io/contract-intel/internal/tracing"
)

const (
	maxBodyChars     = 15000
	truncationMarker = "\n\n[... truncated ...]"
	callTimeout      = 60 * time.Second
	maxAttemptsPerModel = 3
	baseRetryDelay   = 2 * time.Second
	maxRetryDelay    = 8 * time.Second
)

// Model describes one candidate model endpoint.
type Model struct {
	Name    string
	BaseURL string
	APIKey  string
}

// Client is the Model client: primary model, one fallback, each wrapped
// in an inner retry loop and guarded by its own circuit breaker.
type Client struct {
	http     *http.Client
	primary  Model
	fallback Model
	breakers *breakerRegistry
	log      zerolog.Logger
	metrics  *metrics.Collector
}

// SetMetrics attaches a metrics collector. Safe to call once after
// construction; nil is a valid no-op collector.
func (c *Client) SetMetrics(m *metrics.Collector) {
	c.metrics = m
}

// New constructs a Client. fallback.Name == "" disables the fallback tier.
func New(primary, fallback Model, log zerolog.Logger) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &Client{
		http:     &http.Client{Transport: transport, Timeout: callTimeout},
		primary:  primary,
		fallback: fallback,
		breakers: newBreakerRegistry(5, 30*time.Second, 2),
		log:      log.With().Str("component", "llm").Logger(),
	}
}

type chatRequest struct {
	Model          string           `json:"model"`
	Messages       []chatMessage    `json:"messages"`
	Temperature    float64          `json:"temperature"`
	MaxTokens      int              `json:"max_tokens"`
	ResponseFormat *responseFormat  `json:"response_format,omitempty"`
	Timeout        int              `json:"timeout"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Outcome carries the sanitised result plus bookkeeping the worker
// persists onto the Analysis row.
type Outcome struct {
	Result     docstore.Result
	Model      string
	TokensUsed int
}

// Analyze truncates body if needed, then runs the outer model-fallback
// loop (primary, then fallback) with the inner retry loop per model
// (§4.7). Returns apierrors.PermanentUpstream if both models exhaust
// their retries.
func (c *Client) Analyze(ctx context.Context, prompt string) (Outcome, error) {
	prompt = truncate(prompt)

	candidates := []Model{c.primary}
	if c.fallback.Name != "" {
		candidates = append(candidates, c.fallback)
	}

	var lastErr error
	for _, m := range candidates {
		spanCtx, span := tracing.StartLLMCallSpan(ctx, m.Name)

		cb := c.breakers.Get(m.Name)
		c.metrics.SetLLMCircuitState(m.Name, int(cb.State()))
		if !cb.Allow() {
			lastErr = fmt.Errorf("model %s: circuit open", m.Name)
			tracing.SetLLMCallAttributes(spanCtx, "circuit_open", 0)
			span.End()
			continue
		}

		callStart := time.Now()
		content, tokens, err := c.callWithRetry(spanCtx, m, prompt)
		if err != nil {
			cb.RecordFailure()
			c.metrics.SetLLMCircuitState(m.Name, int(cb.State()))
			c.metrics.ObserveLLMCall(m.Name, "error", time.Since(callStart))
			tracing.SetLLMCallAttributes(spanCtx, "error", 0)
			tracing.RecordError(spanCtx, err)
			span.End()
			lastErr = err
			continue
		}
		cb.RecordSuccess()
		c.metrics.SetLLMCircuitState(m.Name, int(cb.State()))
		c.metrics.ObserveLLMCall(m.Name, "ok", time.Since(callStart))
		tracing.SetLLMCallAttributes(spanCtx, "ok", tokens)
		span.End()

		result := Sanitize(content)
		return Outcome{Result: result, Model: m.Name, TokensUsed: tokens}, nil
	}

	return Outcome{}, apierrors.PermanentUpstream("llm analysis failed on all models", lastErr)
}

// callWithRetry runs the inner retry loop for a single model: up to
// maxAttemptsPerModel attempts, retrying on 429/5xx with exponential
// backoff with full jitter (a random wait below 2s before the second
// attempt and below 4s before the third, capped at 8s); other errors
// fail fast.
func (c *Client) callWithRetry(ctx context.Context, m Model, prompt string) (string, int, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttemptsPerModel; attempt++ {
		if attempt > 0 {
			delay := backoff.Delay(attempt-1, baseRetryDelay, maxRetryDelay)
			if err := backoff.Sleep(ctx, delay); err != nil {
				return "", 0, err
			}
		}

		content, tokens, status, err := c.call(ctx, m, prompt)
		if err != nil {
			return "", 0, err
		}
		if status == http.StatusTooManyRequests || (status >= 500 && status < 600) {
			lastErr = fmt.Errorf("model %s: retryable status %d", m.Name, status)
			continue
		}
		if status < 200 || status >= 300 {
			return "", 0, fmt.Errorf("model %s: non-retryable status %d", m.Name, status)
		}
		return content, tokens, nil
	}
	return "", 0, lastErr
}

func (c *Client) call(ctx context.Context, m Model, prompt string) (content string, tokens int, status int, err error) {
	reqBody := chatRequest{
		Model: m.Name,
		Messages: []chatMessage{
			{Role: "user", Content: prompt},
		},
		Temperature:    0.2,
		MaxTokens:      2048,
		ResponseFormat: &responseFormat{Type: "json_object"},
		Timeout:        int(callTimeout.Seconds()),
	}
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return "", 0, 0, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.BaseURL, bytes.NewReader(raw))
	if err != nil {
		return "", 0, 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+m.APIKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", 0, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, resp.StatusCode, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", 0, resp.StatusCode, nil
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", 0, resp.StatusCode, err
	}
	if len(parsed.Choices) == 0 {
		return "", 0, resp.StatusCode, fmt.Errorf("model %s: empty choices", m.Name)
	}
	return parsed.Choices[0].Message.Content, parsed.Usage.TotalTokens, resp.StatusCode, nil
}

// truncate bounds prompt to maxBodyChars, appending an explicit marker.
func truncate(body string) string {
	runes := []rune(body)
	if len(runes) <= maxBodyChars {
		return body
	}
	return string(runes[:maxBodyChars]) + truncationMarker
}
