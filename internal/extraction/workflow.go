// Package extraction runs the LLM extraction workflow over a merged
// transcript and normalizes its outputs.
package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

type Options struct {
	BaseURL  string
	APIKey   string
	InputKey string
	User     string
	Timeout  time.Duration

	RetryInitial    time.Duration
	RetryMaxElapsed time.Duration
}

type Runner struct {
	opts Options
	http *http.Client
	log  *logrus.Entry
}

func NewRunner(opts Options, log *logrus.Entry) *Runner {
	if opts.InputKey == "" {
		opts.InputKey = "transcript"
	}
	if opts.User == "" {
		opts.User = "interview-pipeline"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 2 * time.Second
	}
	if opts.RetryMaxElapsed <= 0 {
		opts.RetryMaxElapsed = 2 * time.Minute
	}
	return &Runner{opts: opts, http: &http.Client{Timeout: opts.Timeout}, log: log}
}

type runRequest struct {
	Inputs       map[string]string `json:"inputs"`
	ResponseMode string            `json:"response_mode"`
	User         string            `json:"user"`
}

type runResponse struct {
	WorkflowRunID string `json:"workflow_run_id"`
	Data          struct {
		Status  string          `json:"status"`
		Outputs json.RawMessage `json:"outputs"`
		Error   string          `json:"error"`
	} `json:"data"`
}

// ExecuteMainWorkflow submits the transcript in blocking mode and returns the
// workflow's raw outputs object.
func (r *Runner) ExecuteMainWorkflow(ctx context.Context, jobID, text string) (json.RawMessage, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("workflow: empty transcript")
	}
	payload, err := json.Marshal(runRequest{
		Inputs:       map[string]string{r.opts.InputKey: text},
		ResponseMode: "blocking",
		User:         r.opts.User,
	})
	if err != nil {
		return nil, err
	}
	endpoint := strings.TrimRight(r.opts.BaseURL, "/") + "/workflows/run"
	log := r.log.WithField("job_id", jobID)

	var (
		out     runResponse
		lastErr error
	)
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if r.opts.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+r.opts.APIKey)
		}
		resp, err := r.http.Do(req)
		if err != nil {
			lastErr = err
			return err
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<20))

		if resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("workflow status %d: %s", resp.StatusCode, snippet(body))
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				log.WithError(lastErr).Warn("workflow request failed, retrying")
				return lastErr
			}
			return backoff.Permanent(lastErr)
		}
		if err := json.Unmarshal(body, &out); err != nil {
			lastErr = fmt.Errorf("workflow decode: %w body=%s", err, snippet(body))
			return backoff.Permanent(lastErr)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.opts.RetryInitial
	bo.MaxElapsedTime = r.opts.RetryMaxElapsed
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return nil, fmt.Errorf("workflow: %w", lastErr)
	}

	if out.Data.Status != "" && out.Data.Status != "succeeded" {
		msg := out.Data.Error
		if msg == "" {
			msg = "no error detail"
		}
		return nil, fmt.Errorf("workflow run %s %s: %s", out.WorkflowRunID, out.Data.Status, msg)
	}
	log.WithField("workflow_run_id", out.WorkflowRunID).Info("workflow finished")
	return out.Data.Outputs, nil
}

// snippet returns at most 300 bytes of b for error messages, cut on a rune
// boundary and with invalid bytes replaced.
func snippet(b []byte) string {
	const max = 300
	s := strings.ToValidUTF8(strings.TrimSpace(string(b)), "\uFFFD")
	if len(s) <= max {
		return s
	}
	n := max
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
