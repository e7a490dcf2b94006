package llm

// client.go implements the HTTP client for OpenAI-compatible chat
// completion APIs, which all configured providers speak.

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"agenttrader/internal/config"
)

// APIError carries the HTTP status of a failed completion call so the
// router can classify it.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm api: status %d: %s", e.Status, e.Body)
}

// Classify maps a call error to the failover policy's error kinds.
func Classify(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusTooManyRequests:
			return ErrKindRateLimit
		case http.StatusUnauthorized, http.StatusForbidden:
			return ErrKindAuth
		}
	}
	return ErrKindNetwork
}

// HTTPClient is the resty-backed Client for one provider endpoint.
type HTTPClient struct {
	http *resty.Client
}

// NewHTTPClient builds a client for one provider. No retry at this layer:
// the router owns failover and cooldowns.
func NewHTTPClient(cfg config.LLMProviderConfig) *HTTPClient {
	return &HTTPClient{
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(60 * time.Second).
			SetHeader("Content-Type", "application/json").
			SetAuthToken(cfg.APIKey),
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete performs one chat completion.
func (c *HTTPClient) Complete(ctx context.Context, model, prompt string) (string, int, error) {
	var result chatResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(chatRequest{
			Model:    model,
			Messages: []chatMessage{{Role: "user", Content: prompt}},
		}).
		SetResult(&result).
		Post("/chat/completions")
	if err != nil {
		return "", 0, fmt.Errorf("completion request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", 0, &APIError{Status: resp.StatusCode(), Body: resp.String()}
	}
	if len(result.Choices) == 0 {
		return "", 0, fmt.Errorf("completion response has no choices")
	}
	return result.Choices[0].Message.Content, result.Usage.TotalTokens, nil
}

var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// StripCodeBlock removes a markdown code fence around a model response,
// returning the inner text. Models often wrap JSON answers in fences.
func StripCodeBlock(s string) string {
	if m := codeBlockRe.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(s)
}
