package pipeline

import (
	"context"
	"errors"
	"fmt"

	"interview-pipeline/internal/audio"
	"interview-pipeline/internal/extraction"
	"interview-pipeline/internal/models"
	"interview-pipeline/internal/stt"
)

// Each stage consumes the previous stage's value and returns a new one.

type convertedAudio struct {
	path      string
	converted bool
}

type splitAudio struct {
	convertedAudio
	chunks []models.Chunk
}

type transcript struct {
	splitAudio
	text    string
	quality stt.Quality
}

type extracted struct {
	transcript
	outputs extraction.Outputs
}

type persisted struct {
	extracted
	recordID string
}

func (r *run) execute(ctx context.Context) (persisted, error) {
	if err := r.o.Steps.InitializeSteps(ctx, r.job.ID); err != nil {
		return persisted{}, err
	}

	conv, err := r.convert(ctx)
	if err != nil {
		return persisted{}, err
	}
	sp, err := stage(ctx, r, models.StepSplit, progressSplit, "Splitting audio on silence", r.split(conv))
	if err != nil {
		return persisted{}, err
	}
	tr, err := stage(ctx, r, models.StepSTT, progressSTT, "Transcribing audio", r.transcribe(sp))
	if err != nil {
		return persisted{}, err
	}
	ex, err := stage(ctx, r, models.StepWorkflow, progressWorkflow, "Extracting interview details", r.extract(tr))
	if err != nil {
		return persisted{}, err
	}
	done, err := stage(ctx, r, models.StepPersist, progressPersist, "Saving record", r.persist(ex))
	if err != nil {
		return persisted{}, err
	}
	if _, err := stage(ctx, r, models.StepCleanup, progressCleanup, "Cleaning up temporary files", r.cleanup(done)); err != nil {
		return persisted{}, err
	}
	return done, nil
}

// convert is skipped, and recorded as skipped, for canonical input. The
// checkpoint and heartbeat are still published.
func (r *run) convert(ctx context.Context) (convertedAudio, error) {
	if !audio.NeedsConversion(r.job.AudioFilePath) {
		r.active = models.StepConvert
		r.progress = progressConvert
		if err := r.rep.UpdateJobStatus(ctx, r.job.ID, models.StatusUpdate{
			Status:   models.StatusProcessing,
			Step:     models.StepConvert,
			Progress: progressConvert,
			Message:  "Audio already in canonical format",
		}); err != nil {
			return convertedAudio{}, &StepError{Step: models.StepConvert, Err: fmt.Errorf("update status: %w", err)}
		}
		if err := r.o.Steps.SkipStep(ctx, r.job.ID, models.StepConvert, "audio already in canonical format"); err != nil {
			return convertedAudio{}, &StepError{Step: models.StepConvert, Err: err}
		}
		r.o.Locks.UpdateHeartbeat(ctx, r.job.ID, r.attempt)
		return convertedAudio{path: r.job.AudioFilePath}, nil
	}
	return stage(ctx, r, models.StepConvert, progressConvert, "Converting audio", func(ctx context.Context) (convertedAudio, any, error) {
		res, err := r.o.Converter.ConvertToMp3(ctx, r.job.ID, r.job.AudioFilePath)
		if err != nil {
			return convertedAudio{}, nil, err
		}
		return convertedAudio{path: res.OutputPath, converted: res.Converted},
			map[string]any{"output": res.OutputPath, "converted": res.Converted}, nil
	})
}

func (r *run) split(in convertedAudio) func(context.Context) (splitAudio, any, error) {
	return func(ctx context.Context) (splitAudio, any, error) {
		chunks, err := r.o.Splitter.SplitAudioWithSilenceDetection(ctx, r.job.ID, in.path)
		if err != nil {
			return splitAudio{}, nil, err
		}
		if len(chunks) == 0 {
			return splitAudio{}, nil, errors.New("splitter produced no chunks")
		}
		if err := r.rep.RegisterChunks(ctx, r.job.ID, len(chunks)); err != nil {
			return splitAudio{}, nil, fmt.Errorf("register chunks: %w", err)
		}
		return splitAudio{convertedAudio: in, chunks: chunks}, map[string]any{"chunks": len(chunks)}, nil
	}
}

func (r *run) transcribe(in splitAudio) func(context.Context) (transcript, any, error) {
	return func(ctx context.Context) (transcript, any, error) {
		onChunk := func(ctx context.Context, res models.ChunkResult) error {
			return r.rep.UpdateChunkStatus(ctx, r.job.ID, res.Index, res)
		}
		onProgress := func(ctx context.Context, pct int, msg string) error {
			r.progress = pct
			return r.rep.UpdateJobStatus(ctx, r.job.ID, models.StatusUpdate{
				Status:   models.StatusProcessing,
				Step:     models.StepSTT,
				Progress: pct,
				Message:  msg,
			})
		}

		results, err := r.o.STT.ProcessAllChunks(ctx, r.job.ID, in.chunks, onChunk, onProgress)
		if err != nil {
			return transcript{}, nil, err
		}
		q := r.o.STT.CalculateQuality(r.job.ID, results, len(in.chunks))
		if err := r.o.STT.Check(q); err != nil {
			return transcript{}, nil, err
		}
		meta := map[string]any{
			"total_chunks":   q.TotalChunks,
			"success_chunks": len(q.Successful),
			"failed_chunks":  len(q.Failed),
			"success_rate":   q.SuccessRate,
			"quality_status": q.Status,
		}
		return transcript{splitAudio: in, text: stt.MergeResults(results), quality: q}, meta, nil
	}
}

func (r *run) extract(in transcript) func(context.Context) (extracted, any, error) {
	return func(ctx context.Context) (extracted, any, error) {
		raw, err := r.o.Extractor.ExecuteMainWorkflow(ctx, r.job.ID, in.text)
		if err != nil {
			return extracted{}, nil, err
		}
		out := r.o.Extractor.ParseOutputs(r.job.ID, raw)
		meta := map[string]any{
			"work_content_items": len(out.WorkContent),
			"skills":             len(out.Skills),
			"has_hope":           out.Hope != "",
		}
		return extracted{transcript: in, outputs: out}, meta, nil
	}
}

func (r *run) persist(in extracted) func(context.Context) (persisted, any, error) {
	return func(ctx context.Context) (persisted, any, error) {
		rec := models.Record{
			JobID:              r.job.ID,
			FileID:             r.job.FileID,
			UserID:             r.job.UserID,
			CompanyID:          r.job.CompanyID,
			StaffID:            r.job.StaffID,
			AudioFilePath:      r.job.recordPath(),
			STT:                in.text,
			SkillSheet:         in.outputs.SkillSheet,
			LOR:                in.outputs.LOR,
			Salesforce:         in.outputs.WorkContent,
			Skills:             in.outputs.Skills,
			Hope:               in.outputs.Hope,
			QualityStatus:      in.quality.Status,
			ChunkSuccessRate:   in.quality.SuccessRate,
			ProcessingWarnings: in.quality.Warnings(),
		}
		res := r.o.Persister.CompleteRecordPersistence(ctx, r.job.ID, rec)
		if !res.Success {
			return persisted{}, nil, errors.New(res.Err)
		}
		return persisted{extracted: in, recordID: res.RecordID}, map[string]any{"record_id": res.RecordID}, nil
	}
}

func (r *run) cleanup(in persisted) func(context.Context) (struct{}, any, error) {
	return func(context.Context) (struct{}, any, error) {
		processed := ""
		if in.converted {
			processed = in.path
		}
		r.o.Splitter.CleanupChunkFiles(r.job.ID, in.chunks, processed)
		return struct{}{}, map[string]any{"chunks_removed": len(in.chunks), "converted_removed": in.converted}, nil
	}
}
