package models

import "time"

// ChunkStatus tracks transcription of one chunk.
type ChunkStatus string

const (
	ChunkPending   ChunkStatus = "pending"
	ChunkCompleted ChunkStatus = "completed"
	ChunkFailed    ChunkStatus = "failed"
)

// Chunk is a bounded-duration slice of the job's audio. Index defines merge order.
type Chunk struct {
	Index    int           `json:"index"`
	Path     string        `json:"path"`
	Start    time.Duration `json:"start"`
	Duration time.Duration `json:"duration"`
}

// ChunkResult is the transcription outcome for one chunk.
type ChunkResult struct {
	Index  int         `json:"index"`
	Status ChunkStatus `json:"status"`
	Text   string      `json:"text,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// ChunkRow is the persisted view of a chunk's progress.
type ChunkRow struct {
	JobID     string      `json:"job_id"`
	Index     int         `json:"chunk_index"`
	Status    ChunkStatus `json:"status"`
	Text      *string     `json:"text,omitempty"`
	Error     *string     `json:"error,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}
