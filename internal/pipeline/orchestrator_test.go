package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"interview-pipeline/internal/audio"
	"interview-pipeline/internal/extraction"
	"interview-pipeline/internal/heartbeat"
	"interview-pipeline/internal/logger"
	"interview-pipeline/internal/models"
	"interview-pipeline/internal/persist"
	"interview-pipeline/internal/steps"
	"interview-pipeline/internal/store"
	"interview-pipeline/internal/store/memstore"
	"interview-pipeline/internal/stt"
)

type fakeConverter struct {
	calls int
	err   error
	hook  func()
}

func (f *fakeConverter) ConvertToMp3(ctx context.Context, jobID, path string) (audio.ConvertResult, error) {
	f.calls++
	if f.hook != nil {
		f.hook()
	}
	if err := ctx.Err(); err != nil {
		return audio.ConvertResult{}, err
	}
	if f.err != nil {
		return audio.ConvertResult{}, f.err
	}
	return audio.ConvertResult{Converted: true, OutputPath: "/work/" + jobID + "/converted.mp3"}, nil
}

type fakeSplitter struct {
	chunks    int
	input     string
	cleaned   int
	processed string
	panicWith string
}

func (f *fakeSplitter) SplitAudioWithSilenceDetection(_ context.Context, _ string, path string) ([]models.Chunk, error) {
	if f.panicWith != "" {
		panic(f.panicWith)
	}
	f.input = path
	out := make([]models.Chunk, f.chunks)
	for i := range out {
		out[i] = models.Chunk{Index: i, Path: fmt.Sprintf("c%02d", i), Duration: time.Minute}
	}
	return out, nil
}

func (f *fakeSplitter) CleanupChunkFiles(_ string, chunks []models.Chunk, processed string) {
	f.cleaned = len(chunks)
	f.processed = processed
}

type fakeTranscriber struct {
	fail map[int]bool
}

func (f *fakeTranscriber) Transcribe(_ context.Context, path string) (string, error) {
	idx, _ := strconv.Atoi(strings.TrimPrefix(path, "c"))
	if f.fail[idx] {
		return "", errors.New("stt 500")
	}
	return fmt.Sprintf("part-%d", idx), nil
}

type fakeExtractor struct {
	mu   sync.Mutex
	text string
	err  error
}

func (f *fakeExtractor) ExecuteMainWorkflow(_ context.Context, _ string, text string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.text = text
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(`{"skillsheet":"sheet","lor":"letter","work_content":["sales"],"skills":["Go"]}`), nil
}

func (f *fakeExtractor) ParseOutputs(_ string, raw json.RawMessage) extraction.Outputs {
	var out extraction.Outputs
	_ = json.Unmarshal(raw, &out)
	return out
}

type harness struct {
	st        *memstore.Store
	locks     *heartbeat.Manager
	conv      *fakeConverter
	split     *fakeSplitter
	extractor *fakeExtractor
	orch      *Orchestrator
}

func newHarness(chunks int, failing ...int) *harness {
	st := memstore.New()
	log := logger.Discard()
	fail := map[int]bool{}
	for _, i := range failing {
		fail[i] = true
	}
	h := &harness{
		st:        st,
		locks:     heartbeat.NewManager(st, heartbeat.Options{Interval: 5 * time.Millisecond}, log),
		conv:      &fakeConverter{},
		split:     &fakeSplitter{chunks: chunks},
		extractor: &fakeExtractor{},
	}
	h.orch = New(Deps{
		Locks:     h.locks,
		Steps:     steps.NewTracker(st, log),
		Converter: h.conv,
		Splitter:  h.split,
		STT:       stt.NewProcessor(&fakeTranscriber{fail: fail}, 3, 0.7, log),
		Extractor: h.extractor,
		Persister: persist.NewPersister(st, nil, log),
		Log:       log,
	})
	return h
}

func (h *harness) createJob(t *testing.T, path string) Job {
	t.Helper()
	job, err := h.st.CreateJob(context.Background(), store.CreateJobParams{
		FileID:        "file-1",
		UserID:        "user-1",
		CompanyID:     "acme",
		StaffID:       "staff-1",
		AudioFilePath: path,
		MaxAttempts:   3,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return Job{
		ID:            job.ID,
		AudioFilePath: path,
		FileID:        job.FileID,
		UserID:        job.UserID,
		CompanyID:     job.CompanyID,
		StaffID:       job.StaffID,
	}
}

func stepStatuses(t *testing.T, st *memstore.Store, jobID string) map[models.StepName]models.StepStatus {
	t.Helper()
	rows, err := st.ListSteps(context.Background(), jobID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	out := map[models.StepName]models.StepStatus{}
	for _, r := range rows {
		out[r.Step] = r.Status
	}
	return out
}

func TestProcessCanonicalAudioCompletes(t *testing.T) {
	h := newHarness(2)
	job := h.createJob(t, "/data/interview.MP3")

	out := h.orch.ProcessAudioJob(context.Background(), job, h.st)
	if !out.Success || out.Err != nil {
		t.Fatalf("expected success, got %+v", out)
	}
	if out.QualityStatus != models.QualityComplete || out.RecordID == "" || out.Attempts != 1 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if h.conv.calls != 0 || h.split.input != job.AudioFilePath {
		t.Fatalf("canonical input should bypass the converter")
	}

	statuses := stepStatuses(t, h.st, job.ID)
	if statuses[models.StepConvert] != models.StepSkipped {
		t.Fatalf("convert status %s", statuses[models.StepConvert])
	}
	for _, s := range models.PipelineSteps[1:] {
		if statuses[s] != models.StepCompleted {
			t.Fatalf("step %s status %s", s, statuses[s])
		}
	}

	got, _ := h.st.GetJob(context.Background(), job.ID)
	if got.Status != models.StatusCompleted || got.Progress != 100 || got.StatusMessage != "Processing complete" {
		t.Fatalf("unexpected job row %+v", got)
	}
	if got.TotalChunks != 2 || got.CompletedChunks != 2 {
		t.Fatalf("chunk counters %d/%d", got.CompletedChunks, got.TotalChunks)
	}
	if got.RecordID == nil || *got.RecordID != out.RecordID {
		t.Fatalf("job not linked to record")
	}
	if h.st.RecordCount() != 1 {
		t.Fatalf("expected one record, got %d", h.st.RecordCount())
	}
	if h.extractor.text != "part-0\npart-1" {
		t.Fatalf("merged text %q", h.extractor.text)
	}
	if h.split.cleaned != 2 || h.split.processed != "" {
		t.Fatalf("cleanup got %d chunks, processed %q", h.split.cleaned, h.split.processed)
	}
	if h.locks.ActivePulses() != 0 {
		t.Fatalf("heartbeat still running")
	}
}

func TestProcessPartialTranscriptionCompletes(t *testing.T) {
	h := newHarness(10, 2, 6)
	job := h.createJob(t, "/data/interview.m4a")

	out := h.orch.ProcessAudioJob(context.Background(), job, h.st)
	if !out.Success || out.QualityStatus != models.QualityPartial {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if h.conv.calls != 1 || h.split.processed != "/work/"+job.ID+"/converted.mp3" {
		t.Fatalf("converted file not used or not cleaned")
	}

	rec, err := h.st.GetRecord(context.Background(), out.RecordID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.ChunkSuccessRate != 0.8 || rec.QualityStatus != models.QualityPartial {
		t.Fatalf("record quality %v %s", rec.ChunkSuccessRate, rec.QualityStatus)
	}
	if len(rec.ProcessingWarnings) != 2 || !strings.Contains(rec.ProcessingWarnings[0], "chunk 2") {
		t.Fatalf("warnings %v", rec.ProcessingWarnings)
	}
	if rec.SkillSheet != "sheet" || len(rec.Salesforce) != 1 || rec.Skills[0] != "Go" {
		t.Fatalf("extraction not persisted: %+v", rec)
	}
	if strings.Contains(rec.STT, "part-2") || !strings.HasPrefix(rec.STT, "part-0\npart-1\npart-3") {
		t.Fatalf("merged text %q", rec.STT)
	}

	got, _ := h.st.GetJob(context.Background(), job.ID)
	if got.Status != models.StatusCompleted || !strings.Contains(got.StatusMessage, "partial") {
		t.Fatalf("unexpected job row %s %q", got.Status, got.StatusMessage)
	}
	chunks, _ := h.st.ListChunks(context.Background(), job.ID)
	if len(chunks) != 10 || chunks[2].Status != models.ChunkFailed || chunks[3].Status != models.ChunkCompleted {
		t.Fatalf("chunk rows %+v", chunks)
	}
}

func TestProcessInsufficientSuccessRateFailsAtSTT(t *testing.T) {
	h := newHarness(10, 0, 1, 2, 3, 4, 5)
	job := h.createJob(t, "/data/interview.mp3")

	out := h.orch.ProcessAudioJob(context.Background(), job, h.st)
	if out.Success || out.FailedStep != models.StepSTT {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if !stt.IsInsufficientSuccessRate(out.Err) {
		t.Fatalf("expected INSUFFICIENT_SUCCESS_RATE, got %v", out.Err)
	}
	if h.st.RecordCount() != 0 {
		t.Fatalf("record must not be persisted")
	}
	if h.extractor.text != "" {
		t.Fatalf("workflow must not run")
	}

	statuses := stepStatuses(t, h.st, job.ID)
	if statuses[models.StepSTT] != models.StepFailed || statuses[models.StepPersist] != models.StepPending {
		t.Fatalf("unexpected step statuses %v", statuses)
	}
	got, _ := h.st.GetJob(context.Background(), job.ID)
	if got.Status != models.StatusFailed || got.CurrentStep != string(models.StepSTT) {
		t.Fatalf("unexpected job row %s step=%s", got.Status, got.CurrentStep)
	}
	if got.StatusMessage != "Processing failed at step stt" || got.ErrorMessage == nil || !strings.Contains(*got.ErrorMessage, "INSUFFICIENT_SUCCESS_RATE") {
		t.Fatalf("unexpected failure message %q / %v", got.StatusMessage, got.ErrorMessage)
	}
	if h.locks.ActivePulses() != 0 {
		t.Fatalf("heartbeat still running after failure")
	}
}

func TestProcessStopsWhenLockHeld(t *testing.T) {
	h := newHarness(1)
	job := h.createJob(t, "/data/interview.m4a")
	row, _ := h.st.GetJob(context.Background(), job.ID)
	row.Status = models.StatusProcessing
	row.Attempts = 1
	h.st.SetJob(row)

	out := h.orch.ProcessAudioJob(context.Background(), job, h.st)
	if out.Success || !IsLockContention(out.Err) {
		t.Fatalf("expected lock contention, got %+v", out)
	}
	var le *LockError
	if !errors.As(out.Err, &le) || le.Reason != heartbeat.ReasonAlreadyProcessing {
		t.Fatalf("unexpected lock error %v", out.Err)
	}
	if h.conv.calls != 0 {
		t.Fatalf("no step may run without the lock")
	}
	if rows, _ := h.st.ListSteps(context.Background(), job.ID); len(rows) != 0 {
		t.Fatalf("steps initialized without the lock")
	}
	got, _ := h.st.GetJob(context.Background(), job.ID)
	if got.Attempts != 1 || got.Status != models.StatusProcessing {
		t.Fatalf("lock loser changed the row: %+v", got)
	}
}

func TestProcessConvertFailure(t *testing.T) {
	h := newHarness(1)
	h.conv.err = &audio.CommandError{Command: "ffmpeg", ExitCode: 1, Stderr: "Invalid data found when processing input"}
	job := h.createJob(t, "/data/broken.wav")

	out := h.orch.ProcessAudioJob(context.Background(), job, h.st)
	if out.Success || out.FailedStep != models.StepConvert {
		t.Fatalf("unexpected outcome %+v", out)
	}
	var cmdErr *audio.CommandError
	if !errors.As(out.Err, &cmdErr) {
		t.Fatalf("command error lost: %v", out.Err)
	}
	statuses := stepStatuses(t, h.st, job.ID)
	if statuses[models.StepConvert] != models.StepFailed || statuses[models.StepSplit] != models.StepPending {
		t.Fatalf("unexpected statuses %v", statuses)
	}
	got, _ := h.st.GetJob(context.Background(), job.ID)
	if got.Status != models.StatusFailed || got.Progress != progressConvert {
		t.Fatalf("unexpected job row %s progress=%d", got.Status, got.Progress)
	}
}

func TestRetryAfterFailureRunsFullPipeline(t *testing.T) {
	h := newHarness(2)
	h.extractor.err = errors.New("workflow 502")
	job := h.createJob(t, "/data/interview.mp3")

	first := h.orch.ProcessAudioJob(context.Background(), job, h.st)
	if first.Success || first.FailedStep != models.StepWorkflow {
		t.Fatalf("unexpected first outcome %+v", first)
	}

	h.extractor.err = nil
	second := h.orch.ProcessAudioJob(context.Background(), job, h.st)
	if !second.Success || second.Attempts != 2 {
		t.Fatalf("unexpected retry outcome %+v", second)
	}
	statuses := stepStatuses(t, h.st, job.ID)
	if statuses[models.StepWorkflow] != models.StepCompleted {
		t.Fatalf("workflow status after retry %s", statuses[models.StepWorkflow])
	}
	got, _ := h.st.GetJob(context.Background(), job.ID)
	if got.ErrorMessage != nil {
		t.Fatalf("retry kept stale error %q", *got.ErrorMessage)
	}
}

// ctxStore rejects writes on a done context the way the Postgres driver does.
type ctxStore struct {
	*memstore.Store
}

func (s ctxStore) FinishJob(ctx context.Context, id string, attempt int, status models.JobStatus, reason models.TimeoutReason, errMsg *string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.FinishJob(ctx, id, attempt, status, reason, errMsg, now)
}

func (s ctxStore) FinishStep(ctx context.Context, jobID string, step models.StepName, status models.StepStatus, result []byte, errDetail *string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.FinishStep(ctx, jobID, step, status, result, errDetail, now)
}

func (s ctxStore) UpdateJobStatus(ctx context.Context, id string, u models.StatusUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.UpdateJobStatus(ctx, id, u)
}

func TestCancelledJobStillRecordsFailure(t *testing.T) {
	h := newHarness(1)
	cs := ctxStore{h.st}
	log := logger.Discard()
	locks := heartbeat.NewManager(cs, heartbeat.Options{}, log)
	orch := New(Deps{
		Locks:     locks,
		Steps:     steps.NewTracker(cs, log),
		Converter: h.conv,
		Splitter:  h.split,
		STT:       stt.NewProcessor(&fakeTranscriber{}, 1, 0.7, log),
		Extractor: h.extractor,
		Persister: persist.NewPersister(cs, nil, log),
		Log:       log,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.conv.hook = cancel
	job := h.createJob(t, "/data/interview.wav")

	out := orch.ProcessAudioJob(ctx, job, cs)
	if out.Success || out.FailedStep != models.StepConvert || !errors.Is(out.Err, context.Canceled) {
		t.Fatalf("unexpected outcome %+v", out)
	}
	got, _ := h.st.GetJob(context.Background(), job.ID)
	if got.Status != models.StatusFailed || got.StatusMessage != "Processing failed at step convert" {
		t.Fatalf("failure not recorded after cancellation: %s %q", got.Status, got.StatusMessage)
	}
	if statuses := stepStatuses(t, h.st, job.ID); statuses[models.StepConvert] != models.StepFailed {
		t.Fatalf("convert step %s", statuses[models.StepConvert])
	}
	if locks.ActivePulses() != 0 {
		t.Fatalf("heartbeat still running")
	}
}

func TestPanicIsAttributedToActiveStep(t *testing.T) {
	h := newHarness(2)
	h.split.panicWith = "index out of range"
	job := h.createJob(t, "/data/interview.mp3")

	out := h.orch.ProcessAudioJob(context.Background(), job, h.st)
	if out.Success || out.FailedStep != models.StepSplit || out.Attempts != 1 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.Err == nil || !strings.Contains(out.Err.Error(), "panic: index out of range") {
		t.Fatalf("panic not surfaced: %v", out.Err)
	}
	statuses := stepStatuses(t, h.st, job.ID)
	if statuses[models.StepSplit] != models.StepFailed || statuses[models.StepSTT] != models.StepPending {
		t.Fatalf("unexpected statuses %v", statuses)
	}
	got, _ := h.st.GetJob(context.Background(), job.ID)
	if got.Status != models.StatusFailed || got.CurrentStep != string(models.StepSplit) {
		t.Fatalf("unexpected job row %s step=%s", got.Status, got.CurrentStep)
	}
	if h.locks.ActivePulses() != 0 {
		t.Fatalf("heartbeat still running after panic")
	}
}

func TestPersistFailureKeepsChunksAndRecordsNothing(t *testing.T) {
	h := newHarness(2)
	h.st.Fail = func(op string) error {
		if op == "UpsertRecord" {
			return errors.New("disk full")
		}
		return nil
	}
	job := h.createJob(t, "/data/interview.mp3")

	out := h.orch.ProcessAudioJob(context.Background(), job, h.st)
	if out.Success || out.FailedStep != models.StepPersist {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if h.st.RecordCount() != 0 {
		t.Fatalf("record persisted despite failure")
	}
	if h.split.cleaned != 0 {
		t.Fatalf("cleanup ran after persist failure")
	}
	statuses := stepStatuses(t, h.st, job.ID)
	if statuses[models.StepPersist] != models.StepFailed || statuses[models.StepCleanup] != models.StepPending {
		t.Fatalf("unexpected statuses %v", statuses)
	}
	got, _ := h.st.GetJob(context.Background(), job.ID)
	if got.Status != models.StatusFailed || got.RecordID != nil {
		t.Fatalf("unexpected job row %+v", got)
	}
}

type recordingReporter struct {
	*memstore.Store
	mu      sync.Mutex
	updates []models.StatusUpdate
}

func (r *recordingReporter) UpdateJobStatus(ctx context.Context, id string, u models.StatusUpdate) error {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
	return r.Store.UpdateJobStatus(ctx, id, u)
}

func TestSkippedConvertPublishesCheckpoint(t *testing.T) {
	h := newHarness(1)
	var touches int
	h.st.Fail = func(op string) error {
		if op == "TouchHeartbeat" {
			touches++
		}
		return nil
	}
	rep := &recordingReporter{Store: h.st}
	job := h.createJob(t, "/data/interview.mp3")

	if out := h.orch.ProcessAudioJob(context.Background(), job, rep); !out.Success {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(rep.updates) == 0 || rep.updates[0].Step != models.StepConvert || rep.updates[0].Progress != progressConvert {
		t.Fatalf("first update %+v", rep.updates)
	}
	// one touch for the skipped convert, one per completed step after it
	if want := len(models.PipelineSteps); touches < want {
		t.Fatalf("heartbeat touched %d times, want at least %d", touches, want)
	}
}
