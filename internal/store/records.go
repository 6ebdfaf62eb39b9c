package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"interview-pipeline/internal/models"
)

const recordColumns = `id, job_id, file_id, user_id, company_id, staff_id, audio_file_path, stt, skill_sheet, lor,
	salesforce, skills, hope, quality_status, chunk_success_rate, processing_warnings, created_at, updated_at`

// UpsertRecord inserts or updates the record for rec.JobID and returns its id.
// job_id is unique, so repeated calls never duplicate rows.
func (s *Store) UpsertRecord(ctx context.Context, rec models.Record) (string, error) {
	salesforce, err := json.Marshal(nonNil(rec.Salesforce))
	if err != nil {
		return "", fmt.Errorf("marshal salesforce: %w", err)
	}
	skills, err := json.Marshal(nonNil(rec.Skills))
	if err != nil {
		return "", fmt.Errorf("marshal skills: %w", err)
	}
	warnings, err := json.Marshal(nonNil(rec.ProcessingWarnings))
	if err != nil {
		return "", fmt.Errorf("marshal warnings: %w", err)
	}

	now := time.Now().UTC()
	var id string
	err = s.pool.QueryRow(ctx, `
		INSERT INTO records (id, job_id, file_id, user_id, company_id, staff_id, audio_file_path, stt, skill_sheet, lor,
		                     salesforce, skills, hope, quality_status, chunk_success_rate, processing_warnings, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $17)
		ON CONFLICT (job_id) DO UPDATE SET
			file_id = EXCLUDED.file_id,
			user_id = EXCLUDED.user_id,
			company_id = EXCLUDED.company_id,
			staff_id = EXCLUDED.staff_id,
			audio_file_path = EXCLUDED.audio_file_path,
			stt = EXCLUDED.stt,
			skill_sheet = EXCLUDED.skill_sheet,
			lor = EXCLUDED.lor,
			salesforce = EXCLUDED.salesforce,
			skills = EXCLUDED.skills,
			hope = EXCLUDED.hope,
			quality_status = EXCLUDED.quality_status,
			chunk_success_rate = EXCLUDED.chunk_success_rate,
			processing_warnings = EXCLUDED.processing_warnings,
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`, uuid.New().String(), rec.JobID, rec.FileID, rec.UserID, rec.CompanyID, rec.StaffID, rec.AudioFilePath, rec.STT,
		rec.SkillSheet, rec.LOR, salesforce, skills, rec.Hope, rec.QualityStatus, rec.ChunkSuccessRate, warnings, now).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert record: %w", err)
	}
	return id, nil
}

// GetRecord fetches a record by id.
func (s *Store) GetRecord(ctx context.Context, id string) (models.Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Record{}, fmt.Errorf("record %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Record{}, fmt.Errorf("scan record: %w", err)
	}
	return rec, nil
}

// ListRecordsByCompany returns the newest records for a company.
func (s *Store) ListRecordsByCompany(ctx context.Context, companyID string, limit int) ([]models.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+` FROM records WHERE company_id = $1 ORDER BY updated_at DESC LIMIT $2
	`, companyID, limit)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (models.Record, error) {
	var (
		rec                          models.Record
		quality                      string
		salesforce, skills, warnings []byte
	)
	err := row.Scan(&rec.ID, &rec.JobID, &rec.FileID, &rec.UserID, &rec.CompanyID, &rec.StaffID, &rec.AudioFilePath,
		&rec.STT, &rec.SkillSheet, &rec.LOR, &salesforce, &skills, &rec.Hope, &quality, &rec.ChunkSuccessRate,
		&warnings, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return models.Record{}, err
	}
	rec.QualityStatus = models.QualityStatus(quality)
	if err := json.Unmarshal(salesforce, &rec.Salesforce); err != nil {
		return models.Record{}, fmt.Errorf("unmarshal salesforce: %w", err)
	}
	if err := json.Unmarshal(skills, &rec.Skills); err != nil {
		return models.Record{}, fmt.Errorf("unmarshal skills: %w", err)
	}
	if err := json.Unmarshal(warnings, &rec.ProcessingWarnings); err != nil {
		return models.Record{}, fmt.Errorf("unmarshal warnings: %w", err)
	}
	return rec, nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
