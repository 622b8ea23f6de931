// Package llm is a minimal client for OpenAI-compatible chat completion
// endpoints.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/snarg/sitevoice/internal/failure"
)

const workerName = "llm"

// maxResponseBytes caps how much of a completion response is read. A body
// cut off at the cap fails to decode and is reported as fatal.
const maxResponseBytes = 4 << 20

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Client posts chat completion requests.
type Client struct {
	url         string
	apiKey      string
	model       string
	temperature *float64
	client      *http.Client
}

// Options configures a Client.
type Options struct {
	URL         string
	APIKey      string
	Model       string
	Temperature *float64
	Timeout     time.Duration
}

// NewClient creates a chat completion client.
func NewClient(opts Options) *Client {
	return &Client{
		url:         opts.URL,
		apiKey:      opts.APIKey,
		model:       opts.Model,
		temperature: opts.Temperature,
		client:      &http.Client{Timeout: opts.Timeout},
	}
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.model }

// Complete sends messages and returns the content of the first choice.
//
// Transport and status failures are classified with the failure package.
// An envelope that cannot be decoded, or that carries no choice, is a
// *failure.FatalWorkerError: the worker broke protocol. Whether the content
// itself is usable is for the caller to decide.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", failure.ClassifyTransport(workerName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", failure.ClassifyTransport(workerName, err)
	}
	if err := failure.ClassifyHTTP(workerName, resp.StatusCode, body); err != nil {
		return "", err
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", &failure.FatalWorkerError{Worker: workerName, Status: resp.StatusCode, Detail: "malformed completion envelope", Err: err}
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == nil {
		return "", &failure.FatalWorkerError{Worker: workerName, Status: resp.StatusCode, Detail: "completion has no message content"}
	}
	return *parsed.Choices[0].Message.Content, nil
}
