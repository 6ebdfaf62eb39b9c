// Package stt transcribes audio chunks through an OpenAI-compatible
// speech-to-text endpoint and aggregates per-chunk quality.
package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Transcriber turns one audio file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (string, error)
}

type ClientOptions struct {
	BaseURL  string
	APIKey   string
	Model    string
	Language string
	Timeout  time.Duration

	RetryInitial    time.Duration
	RetryMaxElapsed time.Duration
}

type Client struct {
	opts ClientOptions
	http *http.Client
	log  *logrus.Entry
}

func NewClient(opts ClientOptions, log *logrus.Entry) *Client {
	if opts.Model == "" {
		opts.Model = "whisper-1"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = time.Second
	}
	if opts.RetryMaxElapsed <= 0 {
		opts.RetryMaxElapsed = 90 * time.Second
	}
	return &Client{
		opts: opts,
		http: &http.Client{Timeout: opts.Timeout},
		log:  log,
	}
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

// Transcribe posts the file to /v1/audio/transcriptions. 5xx, 429 and
// transport errors are retried with exponential backoff; other 4xx are final.
func (c *Client) Transcribe(ctx context.Context, path string) (string, error) {
	endpoint := strings.TrimRight(c.opts.BaseURL, "/") + "/v1/audio/transcriptions"

	var (
		out     transcriptionResponse
		lastErr error
		attempt int
	)
	op := func() error {
		attempt++
		body, contentType, err := c.buildForm(path)
		if err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", contentType)
		if c.opts.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			return err
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))

		if resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("stt status %d: %s", resp.StatusCode, truncate(string(raw), 300))
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				c.log.WithField("attempt", attempt).WithError(lastErr).Warn("stt request failed, retrying")
				return lastErr
			}
			return backoff.Permanent(lastErr)
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			lastErr = fmt.Errorf("stt decode: %w", err)
			return backoff.Permanent(lastErr)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.RetryInitial
	bo.MaxElapsedTime = c.opts.RetryMaxElapsed
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if lastErr == nil {
			lastErr = err
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			lastErr = perm.Err
		}
		return "", fmt.Errorf("transcribe %s: %w", filepath.Base(path), lastErr)
	}
	return strings.TrimSpace(out.Text), nil
}

func (c *Client) buildForm(path string) (io.Reader, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open chunk: %w", err)
	}
	defer f.Close()

	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	part, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("read chunk: %w", err)
	}
	_ = w.WriteField("model", c.opts.Model)
	if c.opts.Language != "" {
		_ = w.WriteField("language", c.opts.Language)
	}
	_ = w.WriteField("response_format", "json")
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &b, w.FormDataContentType(), nil
}

// truncate shortens s to at most n bytes without splitting a rune. Error
// bodies end up in TEXT columns, so invalid bytes are replaced too.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(strings.TrimSpace(s), "\uFFFD")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
