// Package providerclient defines the ProviderClient external interface
// (spec.md §6) the Dispatch Scheduler (C5) calls through, plus an HTTP
// reference implementation and a deterministic stub for tests.
package providerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Options carries per-call generation parameters.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// Result is one provider call's outcome (spec.md §6's
// "{text, tokensIn, tokensOut, cost}").
type Result struct {
	Text      string
	TokensIn  int
	TokensOut int
	Cost      float64
}

// ProviderClient is the external collaborator the Dispatch Scheduler calls
// for each fragment. Implementations must respect ctx cancellation — a
// canceled ctx must abort the in-flight HTTP call, not merely the retry
// loop around it.
type ProviderClient interface {
	Generate(ctx context.Context, prompt string, opts Options) (Result, error)
}

// HTTPClient is the reference ProviderClient implementation: a single JSON
// POST to an OpenAI/Ollama-style completion endpoint, instrumented with
// otelhttp so each call's span is a child of the Dispatch Scheduler's
// fragment span. Grounded on the teacher's queryOllamaHTTP (anonymizer.go)
// request/response shape, generalized from Ollama's /api/generate to a
// configurable endpoint per provider and extended with a cost-per-token
// rate since spec.md's FragmentResult carries a cost field the teacher
// never computed.
type HTTPClient struct {
	id           string
	endpoint     string
	apiKey       string
	costPerToken float64
	httpClient   *http.Client
}

// NewHTTPClient returns an HTTPClient for one provider endpoint.
// costPerToken prices both input and output tokens uniformly; real
// per-provider rate cards are a deployment-time configuration concern, not
// core pipeline logic.
func NewHTTPClient(id, endpoint, apiKey string, costPerToken float64) *HTTPClient {
	return &HTTPClient{
		id:           id,
		endpoint:     endpoint,
		apiKey:       apiKey,
		costPerToken: costPerToken,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type completionRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	Stream      bool    `json:"stream"`
}

type completionResponse struct {
	Text  string `json:"text"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Generate issues one synchronous completion request. The ctx deadline (set
// by the Dispatch Scheduler to fragmentTimeout) bounds the whole round
// trip; canceling ctx aborts the in-flight request via otelhttp's
// context-aware transport.
func (c *HTTPClient) Generate(ctx context.Context, prompt string, opts Options) (Result, error) {
	body, err := json.Marshal(completionRequest{
		Model:       opts.Model,
		Prompt:      prompt,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Stream:      false,
	})
	if err != nil {
		return Result{}, fmt.Errorf("%s: marshal request: %w", c.id, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("%s: build request: %w", c.id, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%s: request failed: %w", c.id, err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close on HTTP response body

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return Result{}, fmt.Errorf("%s: read response: %w", c.id, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("%s: status %d: %s", c.id, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed completionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Result{}, fmt.Errorf("%s: parse response: %w", c.id, err)
	}

	tokensIn := parsed.Usage.PromptTokens
	tokensOut := parsed.Usage.CompletionTokens
	return Result{
		Text:      parsed.Text,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		Cost:      float64(tokensIn+tokensOut) * c.costPerToken,
	}, nil
}

// StubClient is a deterministic ProviderClient for tests: it returns a
// canned response after an optional simulated delay, or the configured
// error. Used by dispatch/aggregator/coordinator tests in place of a real
// network call, mirroring the teacher's approach of testing anonymizer.go
// against fixed strings rather than a live Ollama instance.
type StubClient struct {
	Response string
	Err      error
	Delay    time.Duration
	// Sleeper overrides time.Sleep for deterministic tests; nil uses a
	// context-respecting real sleep via time.After.
	Sleeper func(ctx context.Context, d time.Duration) error
}

// Generate returns the stub's canned Response/Err after Delay, honoring ctx
// cancellation.
func (s *StubClient) Generate(ctx context.Context, prompt string, _ Options) (Result, error) {
	if s.Delay > 0 {
		if s.Sleeper != nil {
			if err := s.Sleeper(ctx, s.Delay); err != nil {
				return Result{}, err
			}
		} else {
			select {
			case <-time.After(s.Delay):
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
		}
	}
	if s.Err != nil {
		return Result{}, s.Err
	}
	return Result{
		Text:      s.Response,
		TokensIn:  len(strings.Fields(prompt)),
		TokensOut: len(strings.Fields(s.Response)),
		Cost:      0.001,
	}, nil
}
