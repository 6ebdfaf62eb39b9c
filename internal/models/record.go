package models

import "time"

// QualityStatus says whether every chunk transcribed.
type QualityStatus string

const (
	QualityComplete QualityStatus = "complete"
	QualityPartial  QualityStatus = "partial"
)

// Record is the durable result of a successful job. JobID is unique.
type Record struct {
	ID                 string        `json:"id"`
	JobID              string        `json:"job_id"`
	FileID             string        `json:"file_id"`
	UserID             string        `json:"user_id"`
	CompanyID          string        `json:"company_id"`
	StaffID            string        `json:"staff_id"`
	AudioFilePath      string        `json:"audio_file_path"`
	STT                string        `json:"stt"`
	SkillSheet         string        `json:"skill_sheet"`
	LOR                string        `json:"lor"`
	Salesforce         []string      `json:"salesforce"`
	Skills             []string      `json:"skills"`
	Hope               string        `json:"hope"`
	QualityStatus      QualityStatus `json:"quality_status"`
	ChunkSuccessRate   float64       `json:"chunk_success_rate"`
	ProcessingWarnings []string      `json:"processing_warnings"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}
