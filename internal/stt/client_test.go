package stt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"interview-pipeline/internal/logger"
)

func writeChunk(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chunk_000.mp3")
	if err := os.WriteFile(path, []byte("fake-mp3"), 0o644); err != nil {
		t.Fatalf("write chunk: %v", err)
	}
	return path
}

func TestClientTranscribeRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("missing auth header")
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.FormValue("model") != "whisper-1" || r.FormValue("language") != "ja" {
			t.Errorf("unexpected form %v", r.MultipartForm.Value)
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"text":" こんにちは "}`))
	}))
	defer srv.Close()

	c := NewClient(ClientOptions{
		BaseURL:         srv.URL,
		APIKey:          "key",
		Language:        "ja",
		RetryInitial:    time.Millisecond,
		RetryMaxElapsed: time.Second,
	}, logger.Discard())

	text, err := c.Transcribe(context.Background(), writeChunk(t))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "こんにちは" || calls.Load() != 2 {
		t.Fatalf("got %q after %d calls", text, calls.Load())
	}
}

func TestClientTranscribeClientErrorIsFinal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "bad audio", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(ClientOptions{BaseURL: srv.URL, RetryInitial: time.Millisecond, RetryMaxElapsed: time.Second}, logger.Discard())
	_, err := c.Transcribe(context.Background(), writeChunk(t))
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("expected 400 error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("client error retried %d times", calls.Load())
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	cases := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{name: "short", in: "  rate limited  ", max: 300, want: "rate limited"},
		{name: "ascii", in: strings.Repeat("a", 10), max: 4, want: "aaaa..."},
		{name: "multibyte boundary", in: "x" + strings.Repeat("音声", 200), max: 300},
		{name: "cut inside rune", in: "音声", max: 4, want: "音..."},
		{name: "invalid bytes", in: "bad\xe5\xa3 body", max: 300, want: "bad\uFFFD body"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := truncate(tc.in, tc.max)
			if !utf8.ValidString(got) {
				t.Fatalf("truncate(%q) produced invalid utf8 %q", tc.name, got)
			}
			if len(got) > tc.max+len("...") {
				t.Fatalf("expected at most %d bytes got %d", tc.max+3, len(got))
			}
			if tc.want != "" && got != tc.want {
				t.Fatalf("expected %q got %q", tc.want, got)
			}
			if tc.want == "" && !strings.HasSuffix(got, "...") {
				t.Fatalf("expected ellipsis on %q", got)
			}
		})
	}
}
