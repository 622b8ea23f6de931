package stt

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/snarg/sitevoice/internal/failure"
)

func TestRawClient_Success(t *testing.T) {
	var gotCT, gotAuth string
	var gotLen int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCT = r.Header.Get("Content-Type")
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotLen = len(b)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text":"fix the sink"}`))
	}))
	defer srv.Close()

	c := NewRawClient(srv.URL, "secret", "whisper-large-v3", 5*time.Second)
	resp, err := c.Transcribe(context.Background(), make([]byte, 120), "audio/m4a")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if resp.Text != "fix the sink" {
		t.Errorf("Text = %q, want %q", resp.Text, "fix the sink")
	}
	if gotCT != "audio/m4a" {
		t.Errorf("Content-Type = %q, want audio/m4a", gotCT)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q, want Bearer secret", gotAuth)
	}
	if gotLen != 120 {
		t.Errorf("body length = %d, want 120", gotLen)
	}
}

func TestRawClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"overloaded", 503, `{"error":"Service Unavailable"}`, failure.KindTransient},
		{"unauthorized", 401, `{"error":"bad token"}`, failure.KindFatal},
		{"server_error", 500, `oops`, failure.KindFatal},
		{"malformed_json", 200, `<html>`, failure.KindFatal},
		{"missing_text", 200, `{"transcript":"x"}`, failure.KindFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewRawClient(srv.URL, "", "", 5*time.Second)
			_, err := c.Transcribe(context.Background(), []byte("a"), "audio/m4a")
			if got := failure.Kind(err); got != tt.want {
				t.Errorf("Kind = %q, want %q (err=%v)", got, tt.want, err)
			}
		})
	}
}

func TestRawClient_ConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewRawClient(url, "", "", time.Second)
	_, err := c.Transcribe(context.Background(), []byte("a"), "audio/m4a")
	if !failure.IsTransient(err) {
		t.Errorf("err = %v, want transient", err)
	}
}

func TestRawClient_EmptyTextIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"text":""}`))
	}))
	defer srv.Close()

	// The client reports what the worker said; rejecting empty transcripts
	// is the transcription stage's job.
	resp, err := NewRawClient(srv.URL, "", "", time.Second).Transcribe(context.Background(), []byte("a"), "audio/wav")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if resp.Text != "" {
		t.Errorf("Text = %q, want empty", resp.Text)
	}
}

func TestRawClient_OversizedResponseIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"text":"` + strings.Repeat("a", maxResponseBytes) + `"}`))
	}))
	defer srv.Close()

	_, err := NewRawClient(srv.URL, "", "", 5*time.Second).Transcribe(context.Background(), []byte("a"), "audio/wav")
	if failure.Kind(err) != failure.KindFatal {
		t.Errorf("kind = %q (%v), want fatal", failure.Kind(err), err)
	}
}

func TestRawClient_Warmup(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c := NewRawClient(srv.URL, "k", "", time.Second)
	if err := c.Warmup(context.Background()); !failure.IsTransient(err) {
		t.Errorf("Warmup while loading = %v, want transient", err)
	}
	status = http.StatusOK
	if err := c.Warmup(context.Background()); err != nil {
		t.Errorf("Warmup ready = %v, want nil", err)
	}
}

func TestWhisperClient_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
		}
		if got := r.FormValue("model"); got != "whisper-1" {
			t.Errorf("model = %q, want whisper-1", got)
		}
		if got := r.FormValue("language"); got != "de" {
			t.Errorf("language = %q, want de", got)
		}
		_, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if hdr.Filename != "recording.wav" {
			t.Errorf("filename = %q, want recording.wav", hdr.Filename)
		}
		w.Write([]byte(`{"text":"Fliesen im Bad","language":"de","duration":4.2}`))
	}))
	defer srv.Close()

	c := NewWhisperClient(srv.URL, "", "whisper-1", TranscribeOpts{Language: "de"}, 5*time.Second)
	resp, err := c.Transcribe(context.Background(), []byte("RIFF"), "audio/wav")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if resp.Text != "Fliesen im Bad" || resp.Language != "de" || resp.Duration != 4.2 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestWhisperClient_Overloaded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewWhisperClient(srv.URL, "", "", TranscribeOpts{}, time.Second).Transcribe(context.Background(), []byte("a"), "audio/m4a")
	var te *failure.TransientWorkerError
	if !errors.As(err, &te) || te.Status != 503 {
		t.Errorf("err = %v, want transient 503", err)
	}
}

func TestExtensionFor(t *testing.T) {
	tests := map[string]string{
		"audio/mpeg":             ".mp3",
		"audio/wav":              ".wav",
		"audio/ogg; codecs=opus": ".ogg",
		"audio/m4a":              ".m4a",
		"":                       ".m4a",
	}
	for ct, want := range tests {
		if got := extensionFor(ct); got != want {
			t.Errorf("extensionFor(%q) = %q, want %q", ct, got, want)
		}
	}
}
