package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/snarg/sitevoice/internal/failure"
)

// WhisperClient calls an OpenAI-compatible /v1/audio/transcriptions endpoint.
type WhisperClient struct {
	url     string
	apiKey  string
	model   string
	opts    TranscribeOpts
	timeout time.Duration
	client  *http.Client
}

// TranscribeOpts are request options for the Whisper API.
// Zero-value fields are omitted from the request.
type TranscribeOpts struct {
	Temperature float64
	Language    string
	Prompt      string // domain vocabulary, e.g. trade terms
}

// WhisperResponse is the parsed response from the Whisper API (verbose_json format).
type WhisperResponse struct {
	Text     *string `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
}

// NewWhisperClient creates a new Whisper HTTP client.
func NewWhisperClient(url, apiKey, model string, opts TranscribeOpts, timeout time.Duration) *WhisperClient {
	return &WhisperClient{
		url:     url,
		apiKey:  apiKey,
		model:   model,
		opts:    opts,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name returns the provider name.
func (wc *WhisperClient) Name() string { return "whisper" }

// Model returns the configured model identifier.
func (wc *WhisperClient) Model() string { return wc.model }

// Transcribe sends audio to the Whisper API as multipart/form-data.
// Only non-default parameters are sent, so this works with any
// OpenAI-compatible endpoint.
func (wc *WhisperClient) Transcribe(ctx context.Context, audio []byte, contentType string) (*Response, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", "recording"+extensionFor(contentType))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return nil, fmt.Errorf("copy audio data: %w", err)
	}

	if wc.model != "" {
		w.WriteField("model", wc.model)
	}
	if wc.opts.Language != "" {
		w.WriteField("language", wc.opts.Language)
	}
	if wc.opts.Prompt != "" {
		w.WriteField("prompt", wc.opts.Prompt)
	}
	w.WriteField("temperature", fmt.Sprintf("%.2f", wc.opts.Temperature))
	w.WriteField("response_format", "verbose_json")

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wc.url, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if wc.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+wc.apiKey)
	}

	resp, err := wc.client.Do(req)
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

	var result WhisperResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &failure.FatalWorkerError{Worker: workerName, Status: resp.StatusCode, Detail: "malformed response", Err: err}
	}
	if result.Text == nil {
		return nil, &failure.FatalWorkerError{Worker: workerName, Status: resp.StatusCode, Detail: "response has no text field"}
	}

	return &Response{
		Text:     *result.Text,
		Language: result.Language,
		Duration: result.Duration,
	}, nil
}
