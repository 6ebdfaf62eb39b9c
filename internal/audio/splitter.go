package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"interview-pipeline/internal/models"
)

// SplitOptions tunes silence detection and chunk bounds.
type SplitOptions struct {
	Options
	SilenceThresholdDB float64
	SilenceMinDuration time.Duration
	ChunkMaxDuration   time.Duration
	ChunkMinDuration   time.Duration
}

func (o *SplitOptions) defaults() {
	o.Options.defaults()
	if o.SilenceThresholdDB == 0 {
		o.SilenceThresholdDB = -35
	}
	if o.SilenceMinDuration <= 0 {
		o.SilenceMinDuration = 500 * time.Millisecond
	}
	if o.ChunkMaxDuration <= 0 {
		o.ChunkMaxDuration = 5 * time.Minute
	}
	if o.ChunkMinDuration < 0 || o.ChunkMinDuration >= o.ChunkMaxDuration {
		o.ChunkMinDuration = o.ChunkMaxDuration / 10
	}
}

type Splitter struct {
	opts   SplitOptions
	runner commandRunner
	log    *logrus.Entry
}

func NewSplitter(opts SplitOptions, log *logrus.Entry) *Splitter {
	opts.defaults()
	return &Splitter{opts: opts, runner: execRunner{}, log: log}
}

type silence struct {
	start, end time.Duration
}

type segment struct {
	start, end time.Duration
}

// SplitAudioWithSilenceDetection cuts path into ordered chunks, preferring the
// midpoint of a detected silence and forcing a cut at ChunkMaxDuration.
func (s *Splitter) SplitAudioWithSilenceDetection(ctx context.Context, jobID, path string) ([]models.Chunk, error) {
	total, err := s.mediaDuration(ctx, path)
	if err != nil {
		return nil, err
	}
	silences, err := s.detectSilences(ctx, path)
	if err != nil {
		return nil, err
	}

	segs := planChunks(total, silences, s.opts.ChunkMinDuration, s.opts.ChunkMaxDuration)
	if len(segs) == 0 {
		return nil, errors.New("split: audio has zero duration")
	}

	dir := filepath.Join(s.opts.WorkDir, jobID, "chunks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create chunk dir: %w", err)
	}

	chunks := make([]models.Chunk, 0, len(segs))
	for i, seg := range segs {
		out := filepath.Join(dir, fmt.Sprintf("chunk_%03d%s", i, CanonicalExt))
		args := []string{
			"-hide_banner", "-nostdin", "-y",
			"-ss", formatSeconds(seg.start),
			"-t", formatSeconds(seg.end - seg.start),
			"-i", path,
			"-vn", "-c", "copy",
			out,
		}
		if _, err := run(ctx, s.runner, s.opts.FFmpegPath, args...); err != nil {
			return chunks, fmt.Errorf("extract chunk %d: %w", i, err)
		}
		chunks = append(chunks, models.Chunk{
			Index:    i,
			Path:     out,
			Start:    seg.start,
			Duration: seg.end - seg.start,
		})
	}

	s.log.WithFields(logrus.Fields{
		"job_id":   jobID,
		"chunks":   len(chunks),
		"silences": len(silences),
		"duration": total.String(),
	}).Info("audio split")
	return chunks, nil
}

// CleanupChunkFiles removes chunk files and, when set, the intermediate
// converted file. Failures are logged only.
func (s *Splitter) CleanupChunkFiles(jobID string, chunks []models.Chunk, processedPath string) {
	log := s.log.WithField("job_id", jobID)
	for _, c := range chunks {
		removeQuiet(log, c.Path)
	}
	if processedPath != "" {
		removeQuiet(log, processedPath)
	}
	// Only succeeds when empty.
	_ = os.Remove(filepath.Join(s.opts.WorkDir, jobID, "chunks"))
}

func removeQuiet(log *logrus.Entry, path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).WithField("path", path).Warn("cleanup failed")
	}
}

func (s *Splitter) mediaDuration(ctx context.Context, path string) (time.Duration, error) {
	res, err := run(ctx, s.runner, s.opts.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, fmt.Errorf("read duration: %w", err)
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(res.Stdout), 64)
	if err != nil {
		return 0, fmt.Errorf("read duration: parse %q: %w", strings.TrimSpace(res.Stdout), err)
	}
	return seconds(secs), nil
}

func (s *Splitter) detectSilences(ctx context.Context, path string) ([]silence, error) {
	filter := fmt.Sprintf("silencedetect=noise=%gdB:d=%s",
		s.opts.SilenceThresholdDB, strconv.FormatFloat(s.opts.SilenceMinDuration.Seconds(), 'f', -1, 64))
	res, err := run(ctx, s.runner, s.opts.FFmpegPath,
		"-hide_banner", "-nostdin",
		"-i", path,
		"-af", filter,
		"-f", "null", "-",
	)
	if err != nil {
		return nil, fmt.Errorf("detect silence: %w", err)
	}
	return parseSilences(res.Stderr), nil
}

var (
	silenceStartRe = regexp.MustCompile(`silence_start:\s*(-?[0-9.]+)`)
	silenceEndRe   = regexp.MustCompile(`silence_end:\s*([0-9.]+)`)
)

// parseSilences reads silencedetect log lines. An unterminated trailing
// silence runs to the end of input and is dropped.
func parseSilences(stderr string) []silence {
	var (
		out     []silence
		open    bool
		pending time.Duration
	)
	for _, line := range strings.Split(stderr, "\n") {
		if m := silenceStartRe.FindStringSubmatch(line); m != nil {
			v, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				continue
			}
			if v < 0 {
				v = 0
			}
			pending, open = seconds(v), true
			continue
		}
		if m := silenceEndRe.FindStringSubmatch(line); m != nil && open {
			v, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				continue
			}
			out = append(out, silence{start: pending, end: seconds(v)})
			open = false
		}
	}
	return out
}

// planChunks picks cut points. Within each window [start+min, start+max] the
// latest silence midpoint wins; with none, the cut is forced at start+max.
// A tail shorter than min is folded into the previous chunk and the pair is
// split at its midpoint.
func planChunks(total time.Duration, silences []silence, minLen, maxLen time.Duration) []segment {
	if total <= 0 {
		return nil
	}
	var segs []segment
	start := time.Duration(0)
	for total-start > maxLen {
		limit := start + maxLen
		cut := limit
		for _, sil := range silences {
			mid := sil.start + (sil.end-sil.start)/2
			if mid > limit {
				break
			}
			if mid >= start+minLen && mid > start {
				cut = mid
			}
		}
		segs = append(segs, segment{start: start, end: cut})
		start = cut
	}
	if n := len(segs); n > 0 && total-start < minLen {
		prev := segs[n-1].start
		mid := prev + (total-prev)/2
		segs[n-1].end = mid
		start = mid
	}
	return append(segs, segment{start: start, end: total})
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
