// Package stt holds the speech-to-text worker clients.
package stt

import (
	"context"
	"mime"
	"strings"
)

// workerName labels STT failures in errors and metrics.
const workerName = "stt"

// maxResponseBytes caps how much of a worker response is read.
const maxResponseBytes = 1 << 20

// Provider is the interface for speech-to-text backends.
type Provider interface {
	Transcribe(ctx context.Context, audio []byte, contentType string) (*Response, error)
	Name() string  // "raw", "whisper"
	Model() string // model identifier for logs
}

// Warmer is implemented by providers whose endpoint can be woken ahead of
// the first real request.
type Warmer interface {
	Warmup(ctx context.Context) error
}

// Response is the common transcription result from any provider.
type Response struct {
	Text     string
	Language string
	Duration float64 // audio duration in seconds, 0 if unknown
}

// extensionFor picks a filename extension for multipart uploads.
func extensionFor(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = contentType
	}
	switch strings.ToLower(mt) {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/ogg":
		return ".ogg"
	case "audio/flac", "audio/x-flac":
		return ".flac"
	case "audio/webm":
		return ".webm"
	}
	return ".m4a"
}
