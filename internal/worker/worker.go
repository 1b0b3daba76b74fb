package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rpattn/surveyingest/internal/blobstore"
	"github.com/rpattn/surveyingest/internal/domain"
	"github.com/rpattn/surveyingest/internal/logger"
	"github.com/rpattn/surveyingest/internal/queue"
	"github.com/rpattn/surveyingest/internal/repository"
	"github.com/rpattn/surveyingest/internal/resolver"
	"github.com/rpattn/surveyingest/internal/tabular"
	"github.com/rpattn/surveyingest/internal/validation"

	"github.com/google/uuid"
)

// Config tunes one worker loop. The Prefetch messages of one receive are
// handled one after another, so the queue's visibility timeout must cover
// Prefetch times the longest job or the tail of the batch is redelivered
// while it still waits here.
type Config struct {
	ChunkSize    int
	Prefetch     int
	ReceiveWait  time.Duration
	ErrorBackoff time.Duration
	MaxAttempts  int
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:    1000,
		Prefetch:     1,
		ReceiveWait:  20 * time.Second,
		ErrorBackoff: 5 * time.Second,
		MaxAttempts:  5,
	}
}

// Dependencies are the collaborators a worker talks to.
type Dependencies struct {
	Queue     queue.Queue
	Blobs     blobstore.Store
	Jobs      repository.UploadJobRepository
	Surveys   repository.SurveyRepository
	Agents    repository.AgentRepository
	JobErrors repository.JobErrorRepository
	Metrics   *Metrics
	Logger    *logger.Logger
}

// Worker consumes job descriptors and turns uploaded files into survey entries.
type Worker struct {
	deps Dependencies
	cfg  Config
	log  *logger.Logger
}

// New builds a worker, filling unset config values with defaults.
func New(deps Dependencies, cfg Config) *Worker {
	defaults := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaults.ChunkSize
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = defaults.Prefetch
	}
	if cfg.ReceiveWait <= 0 {
		cfg.ReceiveWait = defaults.ReceiveWait
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = defaults.ErrorBackoff
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	return &Worker{deps: deps, cfg: cfg, log: deps.Logger.With("component", "worker")}
}

// withLogger returns a copy logging under extra keys.
func (w *Worker) withLogger(keysAndValues ...interface{}) *Worker {
	clone := *w
	clone.log = w.log.With(keysAndValues...)
	return &clone
}

// Run polls the queue until ctx is cancelled. The receive call is the only
// place the loop waits when there is no work.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started", "chunk_size", w.cfg.ChunkSize, "prefetch", w.cfg.Prefetch)
	defer w.log.Info("worker stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := w.deps.Queue.Receive(ctx, w.cfg.Prefetch, w.cfg.ReceiveWait)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.deps.Metrics.receiveErrors.Inc()
			w.log.Error("queue receive failed", "error", err, "backoff", w.cfg.ErrorBackoff)
			timer := time.NewTimer(w.cfg.ErrorBackoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			continue
		}
		for _, msg := range msgs {
			w.HandleMessage(ctx, msg)
		}
	}
}

// HandleMessage processes one delivery and reports whether it was acknowledged.
// A message is acknowledged only once the job's terminal status is durable or
// the message can never succeed.
func (w *Worker) HandleMessage(ctx context.Context, msg queue.Message) (acked bool) {
	log := w.log.With("message_id", msg.ID, "receive_count", msg.ReceiveCount)
	var claimed *domain.UploadJob
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		log.Error("panic while processing message", "panic", r)
		acked = false
		if claimed != nil {
			// Not fatal, so the message stays queued for redelivery.
			w.failJob(context.WithoutCancel(ctx), log, msg, *claimed, fmt.Errorf("panic: %v", r))
		}
	}()

	descriptor, err := domain.DecodeJobDescriptor(msg.Body)
	if err != nil {
		log.Warn("dropping malformed job descriptor", "error", err)
		return w.ack(ctx, log, msg)
	}
	log = log.With("job_id", descriptor.JobID)

	job, err := w.deps.Jobs.Claim(ctx, descriptor.JobID)
	switch {
	case errors.Is(err, repository.ErrJobStatusConflict):
		log.Info("job already completed; acknowledging duplicate delivery")
		return w.ack(ctx, log, msg)
	case errors.Is(err, domain.ErrJobNotFound):
		log.Warn("dropping descriptor for unknown job")
		return w.ack(ctx, log, msg)
	case err != nil:
		log.Error("failed to claim job", "error", err)
		return false
	}
	w.deps.Metrics.jobsClaimed.Inc()
	claimed = &job
	log = log.With("attempt", job.Attempts)

	if job.Attempts > w.cfg.MaxAttempts {
		reason := fmt.Sprintf("giving up after %d attempts", w.cfg.MaxAttempts)
		if err := w.deps.Jobs.MarkFailed(ctx, job.ID, []string{reason}); err != nil {
			log.Error("failed to mark exhausted job failed", "error", err)
			return false
		}
		w.deps.Metrics.finished(domain.JobStatusFailed)
		log.Warn("job exceeded max attempts", "max_attempts", w.cfg.MaxAttempts)
		return w.ack(ctx, log, msg)
	}

	started := time.Now()
	result, err := w.processJob(ctx, job, log)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown; the job stays PROCESSING and is reclaimed on redelivery.
			log.Warn("job interrupted", "error", err)
			return false
		}
		return w.failJob(ctx, log, msg, job, err)
	}

	status := domain.JobStatusCompleted
	if result.committed == 0 && len(result.errors) > 0 {
		status = domain.JobStatusFailed
	}
	if status == domain.JobStatusCompleted {
		err = w.deps.Jobs.MarkCompleted(ctx, job.ID, result.errors)
	} else {
		err = w.deps.Jobs.MarkFailed(ctx, job.ID, result.errors)
	}
	if err != nil {
		log.Error("failed to record terminal status", "status", status, "error", err)
		return false
	}
	w.deps.Metrics.finished(status)
	w.deps.Metrics.jobDuration.Observe(time.Since(started).Seconds())
	log.Info("job finished",
		"status", status,
		"rows", result.processed,
		"committed", result.committed,
		"row_errors", len(result.errors),
		"duration", time.Since(started),
	)
	return w.ack(ctx, log, msg)
}

// failJob records an escaping error. Fatal decode errors are acknowledged;
// anything else is left for the queue to redeliver.
func (w *Worker) failJob(ctx context.Context, log *logger.Logger, msg queue.Message, job domain.UploadJob, cause error) bool {
	fatal := domain.IsFatal(cause)
	log.Error("job failed", "error", cause, "fatal", fatal)

	if err := w.deps.JobErrors.RecordBatch(ctx, job.ID, []domain.JobRowError{{JobID: job.ID, Message: cause.Error()}}); err != nil {
		log.Warn("failed to log job error", "error", err)
	}
	if err := w.deps.Jobs.MarkFailed(ctx, job.ID, []string{cause.Error()}); err != nil {
		log.Error("failed to mark job failed", "error", err)
		return false
	}
	w.deps.Metrics.finished(domain.JobStatusFailed)
	if !fatal {
		return false
	}
	return w.ack(ctx, log, msg)
}

func (w *Worker) ack(ctx context.Context, log *logger.Logger, msg queue.Message) bool {
	if err := w.deps.Queue.Ack(ctx, msg); err != nil {
		log.Error("failed to acknowledge message", "error", err)
		return false
	}
	return true
}

type jobResult struct {
	processed int
	committed int
	errors    []string
}

func (w *Worker) processJob(ctx context.Context, job domain.UploadJob, log *logger.Logger) (jobResult, error) {
	if err := w.deps.JobErrors.Reset(ctx, job.ID); err != nil {
		return jobResult{}, domain.Transient("reset job error log", err)
	}

	payload, err := w.deps.Blobs.Get(ctx, job.BlobKey)
	if errors.Is(err, blobstore.ErrNotFound) {
		return jobResult{}, domain.NewFatalDecodeError(err)
	}
	if err != nil {
		return jobResult{}, domain.Transient("fetch upload", err)
	}

	fileName := job.FileName
	if strings.TrimSpace(fileName) == "" {
		fileName = job.BlobKey
	}
	table, err := tabular.Decode(fileName, payload)
	if err != nil {
		return jobResult{}, err
	}

	identifiers := make([]string, 0, len(table.Rows))
	for _, row := range table.Rows {
		identifiers = append(identifiers, row.Fields[tabular.FieldTargetIdentifier])
	}
	agentIDs, err := resolver.New(w.deps.Agents).Resolve(ctx, identifiers)
	if err != nil {
		return jobResult{}, err
	}

	total := len(table.Rows)
	result := jobResult{errors: []string{}}
	for start := 0; start < total; start += w.cfg.ChunkSize {
		end := start + w.cfg.ChunkSize
		if end > total {
			end = total
		}
		entries, rowErrors := stageChunk(job.ID, table.Rows[start:end], agentIDs)

		chunkStarted := time.Now()
		if err := w.deps.Surveys.UpsertBatch(ctx, entries); err != nil {
			return result, domain.Transient(fmt.Sprintf("write rows %d-%d", table.Rows[start].Number, table.Rows[end-1].Number), err)
		}
		w.deps.Metrics.chunkDuration.Observe(time.Since(chunkStarted).Seconds())
		w.deps.Metrics.rowsCommitted.Add(float64(len(entries)))
		w.deps.Metrics.rowErrors.Add(float64(len(rowErrors)))

		result.processed = end
		result.committed += len(entries)
		if err := w.deps.Jobs.UpdateProgress(ctx, job.ID, domain.ProgressPercent(end, total)); err != nil {
			return result, domain.Transient("update progress", err)
		}

		if len(rowErrors) > 0 {
			if err := w.deps.JobErrors.RecordBatch(ctx, job.ID, rowErrors); err != nil {
				return result, domain.Transient("record row errors", err)
			}
			for _, rowErr := range rowErrors {
				result.errors = append(result.errors, rowErr.Message)
			}
		}
		log.Debug("chunk committed", "first_row", table.Rows[start].Number, "entries", len(entries), "row_errors", len(rowErrors))
	}
	return result, nil
}

// stageChunk validates and resolves every row of a chunk. Rows sharing an
// upsert key collapse onto the last one.
func stageChunk(jobID uuid.UUID, rows []tabular.Row, agentIDs map[string]uuid.UUID) ([]domain.SurveyEntry, []domain.JobRowError) {
	entries := make([]domain.SurveyEntry, 0, len(rows))
	positions := make(map[domain.SurveyKey]int, len(rows))
	var rowErrors []domain.JobRowError

	for _, row := range rows {
		rowNumber := row.Number
		outcome := validation.ValidateRow(row)
		if !outcome.Valid() {
			rowErrors = append(rowErrors, domain.JobRowError{JobID: jobID, RowNumber: &rowNumber, Message: outcome.Err().Error()})
			continue
		}
		agentID, ok := agentIDs[outcome.Record.TargetIdentifier]
		if !ok {
			miss := &domain.ResolutionMiss{RowNumber: rowNumber, Identifier: outcome.Record.TargetIdentifier}
			rowErrors = append(rowErrors, domain.JobRowError{JobID: jobID, RowNumber: &rowNumber, Message: miss.Error()})
			continue
		}

		entry := domain.NewSurveyEntry(agentID, jobID, *outcome.Record)
		if idx, seen := positions[entry.Key()]; seen {
			entries[idx] = entry
			continue
		}
		positions[entry.Key()] = len(entries)
		entries = append(entries, entry)
	}
	return entries, rowErrors
}
