package stt

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

// RawClient posts raw audio bytes to a hosted inference endpoint and expects
// {"text": "..."} back. The Content-Type header names the audio codec.
type RawClient struct {
	url     string
	apiKey  string
	model   string
	timeout time.Duration
	client  *http.Client
}

// NewRawClient creates a raw-bytes inference client.
func NewRawClient(url, apiKey, model string, timeout time.Duration) *RawClient {
	return &RawClient{
		url:     url,
		apiKey:  apiKey,
		model:   model,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name returns the provider name.
func (rc *RawClient) Name() string { return "raw" }

// Model returns the configured model identifier.
func (rc *RawClient) Model() string { return rc.model }

type rawResponse struct {
	Text *string `json:"text"`
}

// Transcribe sends the audio and returns the decoded text. Errors are
// classified: overload statuses and dropped connections are transient,
// everything else (including an undecodable body) is fatal.
func (rc *RawClient) Transcribe(ctx context.Context, audio []byte, contentType string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rc.url, bytes.NewReader(audio))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", contentType)
	if rc.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+rc.apiKey)
	}

	resp, err := rc.client.Do(req)
	if err != nil {
		return nil, failure.ClassifyTransport(workerName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, failure.ClassifyTransport(workerName, err)
	}
	if err := failure.ClassifyHTTP(workerName, resp.StatusCode, body); err != nil {
		return nil, err
	}

	var result rawResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &failure.FatalWorkerError{Worker: workerName, Status: resp.StatusCode, Detail: "malformed response", Err: err}
	}
	if result.Text == nil {
		return nil, &failure.FatalWorkerError{Worker: workerName, Status: resp.StatusCode, Detail: "response has no text field"}
	}
	return &Response{Text: *result.Text}, nil
}

// Warmup issues a GET so a scaled-to-zero endpoint starts loading its model.
// A 503 here means the endpoint is still waking up and is reported as
// transient.
func (rc *RawClient) Warmup(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rc.url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if rc.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+rc.apiKey)
	}
	resp, err := rc.client.Do(req)
	if err != nil {
		return failure.ClassifyTransport(workerName, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return failure.ClassifyHTTP(workerName, resp.StatusCode, body)
}
