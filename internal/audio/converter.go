// Package audio normalizes uploaded interview audio and cuts it into
// transcription-sized chunks with ffmpeg.
package audio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// CanonicalExt is the only container that skips conversion.
const CanonicalExt = ".mp3"

// Options holds the binaries and tuning shared by the converter and splitter.
type Options struct {
	FFmpegPath  string
	FFprobePath string
	Bitrate     string
	WorkDir     string
}

func (o *Options) defaults() {
	if o.FFmpegPath == "" {
		o.FFmpegPath = "ffmpeg"
	}
	if o.FFprobePath == "" {
		o.FFprobePath = "ffprobe"
	}
	if o.Bitrate == "" {
		o.Bitrate = "64k"
	}
	if o.WorkDir == "" {
		o.WorkDir = filepath.Join(os.TempDir(), "interview-jobs")
	}
}

// NeedsConversion is false only for an exact, case-insensitive .mp3 extension.
func NeedsConversion(path string) bool {
	return !strings.EqualFold(filepath.Ext(path), CanonicalExt)
}

type ConvertResult struct {
	Converted  bool
	OutputPath string
}

type Converter struct {
	opts   Options
	runner commandRunner
	log    *logrus.Entry
}

func NewConverter(opts Options, log *logrus.Entry) *Converter {
	opts.defaults()
	return &Converter{opts: opts, runner: execRunner{}, log: log}
}

// ConvertToMp3 transcodes path to mono constant-bitrate mp3 under the job's
// work directory. Canonical input is returned untouched.
func (c *Converter) ConvertToMp3(ctx context.Context, jobID, path string) (ConvertResult, error) {
	if !NeedsConversion(path) {
		return ConvertResult{OutputPath: path}, nil
	}

	dir := filepath.Join(c.opts.WorkDir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ConvertResult{}, fmt.Errorf("create work dir: %w", err)
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	out := filepath.Join(dir, base+".converted"+CanonicalExt)

	if _, err := run(ctx, c.runner, c.opts.FFmpegPath, buildConvertArgs(path, out, c.opts.Bitrate)...); err != nil {
		return ConvertResult{}, fmt.Errorf("convert %s: %w", filepath.Base(path), err)
	}
	if info, err := os.Stat(out); err != nil || info.Size() == 0 {
		return ConvertResult{}, fmt.Errorf("convert %s: ffmpeg produced no output", filepath.Base(path))
	}

	c.log.WithFields(logrus.Fields{"job_id": jobID, "output": out}).Info("audio converted")
	return ConvertResult{Converted: true, OutputPath: out}, nil
}

func buildConvertArgs(in, out, bitrate string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", in,
		"-vn",
		"-ac", "1",
		"-codec:a", "libmp3lame",
		"-b:a", bitrate,
		out,
	}
}
