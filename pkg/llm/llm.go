// Package llm talks to an OpenAI-compatible chat completion endpoint. It
// enforces JSON-object responses, retries transport and parse failures, and
// salvages almost-JSON payloads before giving up.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/margo-ai/margo/pkg/httpclient"
	"github.com/margo-ai/margo/pkg/prompt"

	margoerrors "github.com/margo-ai/margo/pkg/errors"
)

// Options configures a Client.
type Options struct {
	Model          string
	BaseURL        string
	APIKey         string
	Temperature    float64
	TopP           float64
	MaxRetries     int
	RequestTimeout time.Duration
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Logger         *slog.Logger
}

// Client is a deterministic-settings chat completion client.
type Client struct {
	opts Options
	http *httpclient.Client
}

func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 120 * time.Second
	}
	if opts.BaseDelay == 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay == 0 {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.TopP == 0 {
		opts.TopP = 1
	}
	return &Client{
		opts: opts,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: opts.RequestTimeout}),
			httpclient.WithMaxRetries(opts.MaxRetries),
			httpclient.WithBaseDelay(opts.BaseDelay),
			httpclient.WithMaxDelay(opts.MaxDelay),
			httpclient.WithHeaderParser(httpclient.ParseRateLimitHeaders),
			httpclient.WithLogger(opts.Logger),
		),
	}
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	TopP           float64         `json:"top_p"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
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
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code,omitempty"`
}

// Call sends one prompt pair and returns the raw response content. The
// request asks for a single JSON object and deterministic sampling.
func (c *Client) Call(ctx context.Context, p prompt.Pair) (string, error) {
	reqBody := chatRequest{
		Model: c.opts.Model,
		Messages: []chatMessage{
			{Role: "system", Content: p.System},
			{Role: "user", Content: p.User},
		},
		Temperature:    c.opts.Temperature,
		TopP:           c.opts.TopP,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", margoerrors.Wrap(margoerrors.KindLLMFormat, "cannot encode request", err)
	}

	url := strings.TrimSuffix(c.opts.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", margoerrors.Wrap(margoerrors.KindLLMTransport, "cannot build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", margoerrors.Wrap(margoerrors.KindLLMCancelled, "request cancelled", ctx.Err())
		}
		if resp != nil {
			defer resp.Body.Close()
			return "", c.statusError(resp)
		}
		return "", margoerrors.Wrap(margoerrors.KindLLMTransport, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", c.statusError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", margoerrors.Wrap(margoerrors.KindLLMTransport, "cannot read response", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", margoerrors.Wrap(margoerrors.KindLLMFormat, "response is not valid JSON", err)
	}
	if parsed.Error != nil {
		return "", margoerrors.Newf(margoerrors.KindLLMTransport, "API error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", margoerrors.New(margoerrors.KindLLMFormat, "response has no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func (c *Client) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	msg := strings.TrimSpace(string(body))
	var parsed chatResponse
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != nil {
		msg = parsed.Error.Message
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return margoerrors.Newf(margoerrors.KindLLMAuth,
			"authentication failed (HTTP %d): %s", resp.StatusCode, msg)
	default:
		return margoerrors.Newf(margoerrors.KindLLMTransport,
			"HTTP %d: %s", resp.StatusCode, msg)
	}
}

// CallWithJSONRetry calls the model until the response parses as a JSON
// object, re-requesting on transport failures, empty bodies and parse
// failures, up to maxRetries re-requests. Salvage is attempted before each
// re-request; a successful salvage is reported as a warning, not an error.
func (c *Client) CallWithJSONRetry(ctx context.Context, p prompt.Pair, maxRetries int) (json.RawMessage, []string, error) {
	var warnings []string
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, warnings, margoerrors.Wrap(margoerrors.KindLLMCancelled,
				"cancelled between attempts", ctx.Err())
		}
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, warnings, margoerrors.Wrap(margoerrors.KindLLMCancelled,
					"cancelled during backoff", err)
			}
		}

		raw, err := c.Call(ctx, p)
		if err != nil {
			if margoerrors.IsKind(err, margoerrors.KindLLMAuth) ||
				margoerrors.IsKind(err, margoerrors.KindLLMCancelled) {
				return nil, warnings, err
			}
			lastErr = err
			c.opts.Logger.Warn("model call failed", "attempt", attempt+1, "error", err)
			continue
		}
		if strings.TrimSpace(raw) == "" {
			lastErr = margoerrors.New(margoerrors.KindLLMFormat, "empty response body")
			c.opts.Logger.Warn("model returned empty response", "attempt", attempt+1)
			continue
		}

		if obj, ok := tryParse(raw); ok {
			return obj, warnings, nil
		}

		if fixed, ok := Salvage(raw); ok {
			if obj, ok := tryParse(fixed); ok {
				warnings = append(warnings, "model response required JSON repair")
				c.opts.Logger.Warn("salvaged malformed model response", "attempt", attempt+1)
				return obj, warnings, nil
			}
		}

		lastErr = margoerrors.New(margoerrors.KindLLMFormat, "response is not a JSON object")
		c.opts.Logger.Warn("model response failed to parse", "attempt", attempt+1)
	}

	return nil, warnings, margoerrors.Wrap(margoerrors.KindLLMFormat,
		fmt.Sprintf("no parsable response after %d attempts", maxRetries+1), lastErr)
}

func tryParse(s string) (json.RawMessage, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	return json.RawMessage(s), true
}

func (c *Client) backoff(ctx context.Context, attempt int) error {
	delay := time.Duration(math.Pow(2, float64(attempt-1))) * c.opts.BaseDelay
	delay += time.Duration(rand.Float64() * 0.25 * float64(delay))
	if delay > c.opts.MaxDelay {
		delay = c.opts.MaxDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
