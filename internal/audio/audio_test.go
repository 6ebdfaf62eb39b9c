package audio

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"interview-pipeline/internal/logger"
	"interview-pipeline/internal/models"
)

type call struct {
	name string
	args []string
}

type fakeRunner struct {
	mu     sync.Mutex
	calls  []call
	handle func(name string, args []string) (commandResult, error)
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (commandResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{name: name, args: args})
	f.mu.Unlock()
	return f.handle(name, args)
}

// writeOutput creates the file ffmpeg would have produced (its last arg).
func writeOutput(args []string) error {
	return os.WriteFile(args[len(args)-1], []byte("ID3"), 0o644)
}

func TestNeedsConversion(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"interview.mp3", false},
		{"INTERVIEW.MP3", false},
		{"a/b/c.Mp3", false},
		{"interview.m4a", true},
		{"interview.wav", true},
		{"interview.mp3.wav", true},
		{"interview.mp33", true},
		{"mp3", true},
		{"", true},
	}
	for _, tc := range cases {
		if got := NeedsConversion(tc.path); got != tc.want {
			t.Fatalf("NeedsConversion(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestConvertSkipsCanonicalInput(t *testing.T) {
	fr := &fakeRunner{handle: func(string, []string) (commandResult, error) {
		t.Fatalf("ffmpeg should not run")
		return commandResult{}, nil
	}}
	c := NewConverter(Options{WorkDir: t.TempDir()}, logger.Discard())
	c.runner = fr

	res, err := c.ConvertToMp3(context.Background(), "job-1", "/data/in.mp3")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if res.Converted || res.OutputPath != "/data/in.mp3" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestConvertRunsFFmpeg(t *testing.T) {
	work := t.TempDir()
	fr := &fakeRunner{handle: func(_ string, args []string) (commandResult, error) {
		return commandResult{}, writeOutput(args)
	}}
	c := NewConverter(Options{FFmpegPath: "/usr/bin/ffmpeg", Bitrate: "96k", WorkDir: work}, logger.Discard())
	c.runner = fr

	res, err := c.ConvertToMp3(context.Background(), "job-1", "/data/in.m4a")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !res.Converted || res.OutputPath != filepath.Join(work, "job-1", "in.converted.mp3") {
		t.Fatalf("unexpected result %+v", res)
	}
	got := strings.Join(fr.calls[0].args, " ")
	for _, want := range []string{"-ac 1", "-b:a 96k", "libmp3lame", "-i /data/in.m4a"} {
		if !strings.Contains(got, want) {
			t.Fatalf("args %q missing %q", got, want)
		}
	}
}

func TestConvertFailureCarriesCommandError(t *testing.T) {
	fr := &fakeRunner{handle: func(string, []string) (commandResult, error) {
		return commandResult{ExitCode: 1, Stderr: "header\nInvalid data found when processing input"}, errors.New("exit status 1")
	}}
	c := NewConverter(Options{WorkDir: t.TempDir()}, logger.Discard())
	c.runner = fr

	_, err := c.ConvertToMp3(context.Background(), "job-1", "/data/broken.wav")
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %v", err)
	}
	if cmdErr.ExitCode != 1 || !strings.Contains(err.Error(), "Invalid data found") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestParseSilences(t *testing.T) {
	stderr := strings.Join([]string{
		"[silencedetect @ 0x1] silence_start: -0.01",
		"[silencedetect @ 0x1] silence_end: 1.2 | silence_duration: 1.21",
		"size=N/A time=00:00:10.00",
		"[silencedetect @ 0x1] silence_start: 61.5",
		"[silencedetect @ 0x1] silence_end: 62.5 | silence_duration: 1",
		"[silencedetect @ 0x1] silence_start: 119.0",
	}, "\n")

	got := parseSilences(stderr)
	if len(got) != 2 {
		t.Fatalf("expected 2 silences, got %d", len(got))
	}
	if got[0].start != 0 || got[0].end != 1200*time.Millisecond {
		t.Fatalf("first silence %+v", got[0])
	}
	if got[1].start != 61500*time.Millisecond || got[1].end != 62500*time.Millisecond {
		t.Fatalf("second silence %+v", got[1])
	}
}

func TestPlanChunks(t *testing.T) {
	minLen := 30 * time.Second
	maxLen := 5 * time.Minute
	sec := func(v float64) time.Duration { return seconds(v) }

	cases := []struct {
		name     string
		total    time.Duration
		silences []silence
		want     []segment
	}{
		{
			name:  "shorter than ceiling",
			total: sec(120),
			want:  []segment{{0, sec(120)}},
		},
		{
			name:  "forced cut without silence",
			total: sec(700),
			want:  []segment{{0, sec(300)}, {sec(300), sec(600)}, {sec(600), sec(700)}},
		},
		{
			name:     "latest silence in window wins",
			total:    sec(500),
			silences: []silence{{sec(100), sec(102)}, {sec(250), sec(252)}, {sec(310), sec(312)}},
			want:     []segment{{0, sec(251)}, {sec(251), sec(500)}},
		},
		{
			name:     "silence before minimum ignored",
			total:    sec(400),
			silences: []silence{{sec(10), sec(12)}},
			want:     []segment{{0, sec(300)}, {sec(300), sec(400)}},
		},
		{
			name:  "short tail rebalanced",
			total: 300*time.Second + 200*time.Millisecond,
			want:  []segment{{0, 150*time.Second + 100*time.Millisecond}, {150*time.Second + 100*time.Millisecond, 300*time.Second + 200*time.Millisecond}},
		},
		{
			name:     "short tail after silence cut",
			total:    sec(560),
			silences: []silence{{sec(250), sec(252)}},
			want:     []segment{{0, sec(251)}, {sec(251), sec(405.5)}, {sec(405.5), sec(560)}},
		},
		{
			name:  "zero duration",
			total: 0,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := planChunks(tc.total, tc.silences, minLen, maxLen)
			if len(got) != len(tc.want) {
				t.Fatalf("got %d segments %+v, want %+v", len(got), got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("segment %d = %+v, want %+v", i, got[i], tc.want[i])
				}
				if got[i].end-got[i].start > maxLen {
					t.Fatalf("segment %d exceeds ceiling", i)
				}
				if len(got) > 1 && got[i].end-got[i].start < minLen {
					t.Fatalf("segment %d shorter than minimum", i)
				}
			}
		})
	}
}

func TestSplitAudio(t *testing.T) {
	work := t.TempDir()
	fr := &fakeRunner{handle: func(name string, args []string) (commandResult, error) {
		switch {
		case name == "ffprobe":
			return commandResult{Stdout: "420.5\n"}, nil
		case strings.HasPrefix(strings.Join(args, " "), "-hide_banner -nostdin -i"):
			return commandResult{Stderr: "silence_start: 200\nsilence_end: 202 | silence_duration: 2\n"}, nil
		default:
			return commandResult{}, writeOutput(args)
		}
	}}
	s := NewSplitter(SplitOptions{
		Options:          Options{WorkDir: work},
		ChunkMaxDuration: 5 * time.Minute,
		ChunkMinDuration: 30 * time.Second,
	}, logger.Discard())
	s.runner = fr

	chunks, err := s.SplitAudioWithSilenceDetection(context.Background(), "job-1", "/data/in.mp3")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].Index != 0 || chunks[1].Index != 1 {
		t.Fatalf("chunk indexes out of order")
	}
	if chunks[0].Duration != 201*time.Second || chunks[1].Start != 201*time.Second {
		t.Fatalf("unexpected cut: %+v", chunks)
	}
	for _, c := range chunks {
		if _, err := os.Stat(c.Path); err != nil {
			t.Fatalf("chunk file missing: %v", err)
		}
	}

	processed := filepath.Join(work, "job-1", "in.converted.mp3")
	_ = os.WriteFile(processed, []byte("x"), 0o644)
	s.CleanupChunkFiles("job-1", append(chunks, models.Chunk{Index: 9, Path: filepath.Join(work, "gone.mp3")}), processed)
	for _, p := range []string{chunks[0].Path, chunks[1].Path, processed, filepath.Join(work, "job-1", "chunks")} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("%s not removed", p)
		}
	}
}
