package stt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"interview-pipeline/internal/models"
	"interview-pipeline/internal/telemetry"
)

// CodeInsufficientSuccessRate marks a transcript too incomplete to use.
const CodeInsufficientSuccessRate = "INSUFFICIENT_SUCCESS_RATE"

// Progress band owned by the STT step.
const (
	ProgressStart = 15
	ProgressEnd   = 85
)

// ChunkFunc records one resolved chunk. A returned error aborts the batch.
type ChunkFunc func(ctx context.Context, r models.ChunkResult) error

// ProgressFunc publishes job progress as chunks resolve.
type ProgressFunc func(ctx context.Context, progress int, message string) error

type Processor struct {
	transcriber    Transcriber
	concurrency    int
	minSuccessRate float64
	log            *logrus.Entry
}

func NewProcessor(t Transcriber, concurrency int, minSuccessRate float64, log *logrus.Entry) *Processor {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Processor{transcriber: t, concurrency: concurrency, minSuccessRate: minSuccessRate, log: log}
}

// ProcessAllChunks transcribes every chunk with at most concurrency calls in
// flight. A chunk's transcription error is recorded as a failed result and
// never cancels its siblings; only callback errors abort the batch.
func (p *Processor) ProcessAllChunks(ctx context.Context, jobID string, chunks []models.Chunk, onChunk ChunkFunc, onProgress ProgressFunc) ([]models.ChunkResult, error) {
	results := make([]models.ChunkResult, len(chunks))
	log := p.log.WithField("job_id", jobID)

	var (
		mu   sync.Mutex
		done int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res := models.ChunkResult{Index: chunk.Index}
			text, err := p.transcriber.Transcribe(gctx, chunk.Path)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				res.Status = models.ChunkFailed
				res.Error = err.Error()
				log.WithField("chunk", chunk.Index).WithError(err).Warn("chunk transcription failed")
			} else {
				res.Status = models.ChunkCompleted
				res.Text = text
			}
			results[i] = res
			telemetry.ChunkResults.WithLabelValues(string(res.Status)).Inc()

			if onChunk != nil {
				if err := onChunk(gctx, res); err != nil {
					return fmt.Errorf("record chunk %d: %w", chunk.Index, err)
				}
			}

			mu.Lock()
			defer mu.Unlock()
			done++
			if onProgress == nil {
				return nil
			}
			pct := ProgressStart + (ProgressEnd-ProgressStart)*done/len(chunks)
			if err := onProgress(gctx, pct, fmt.Sprintf("Transcribing audio (%d/%d chunks)", done, len(chunks))); err != nil {
				return fmt.Errorf("report progress: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Quality summarizes a transcription batch.
type Quality struct {
	TotalChunks    int
	SuccessRate    float64
	Successful     []models.ChunkResult
	Failed         []models.ChunkResult
	MeetsThreshold bool
	Status         models.QualityStatus
}

// CalculateQuality partitions results and compares the success rate with the
// configured floor. An empty batch never meets it.
func (p *Processor) CalculateQuality(jobID string, results []models.ChunkResult, totalChunks int) Quality {
	q := Quality{TotalChunks: totalChunks}
	for _, r := range results {
		if r.Status == models.ChunkCompleted {
			q.Successful = append(q.Successful, r)
		} else {
			q.Failed = append(q.Failed, r)
		}
	}
	if totalChunks > 0 {
		q.SuccessRate = float64(len(q.Successful)) / float64(totalChunks)
	}
	q.MeetsThreshold = totalChunks > 0 && q.SuccessRate >= p.minSuccessRate
	q.Status = models.QualityPartial
	if totalChunks > 0 && len(q.Successful) == totalChunks {
		q.Status = models.QualityComplete
	}

	p.log.WithFields(logrus.Fields{
		"job_id":       jobID,
		"success_rate": q.SuccessRate,
		"failed":       len(q.Failed),
		"total":        totalChunks,
	}).Info("transcription quality")
	return q
}

// Check returns a *QualityError when the batch is below the floor.
func (p *Processor) Check(q Quality) error {
	if q.MeetsThreshold {
		return nil
	}
	return &QualityError{
		Code:        CodeInsufficientSuccessRate,
		SuccessRate: q.SuccessRate,
		Threshold:   p.minSuccessRate,
		Failed:      len(q.Failed),
		Total:       q.TotalChunks,
	}
}

// Warnings lists one line per failed chunk in index order.
func (q Quality) Warnings() []string {
	failed := append([]models.ChunkResult(nil), q.Failed...)
	sort.Slice(failed, func(i, j int) bool { return failed[i].Index < failed[j].Index })
	out := make([]string, 0, len(failed))
	for _, r := range failed {
		out = append(out, fmt.Sprintf("chunk %d transcription failed: %s", r.Index, r.Error))
	}
	return out
}

// MergeResults joins successful chunk texts in chunk index order, whatever
// order they completed in.
func MergeResults(results []models.ChunkResult) string {
	sorted := append([]models.ChunkResult(nil), results...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	parts := make([]string, 0, len(sorted))
	for _, r := range sorted {
		if r.Status != models.ChunkCompleted {
			continue
		}
		if text := strings.TrimSpace(r.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

// QualityError is the distinguished too-little-transcribed failure.
type QualityError struct {
	Code        string
	SuccessRate float64
	Threshold   float64
	Failed      int
	Total       int
}

func (e *QualityError) Error() string {
	return fmt.Sprintf("%s: %d of %d chunks failed transcription (success rate %.0f%%, minimum %.0f%%)",
		e.Code, e.Failed, e.Total, e.SuccessRate*100, e.Threshold*100)
}

func IsInsufficientSuccessRate(err error) bool {
	var qe *QualityError
	return errors.As(err, &qe) && qe.Code == CodeInsufficientSuccessRate
}
