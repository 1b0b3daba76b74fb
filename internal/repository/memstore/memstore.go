// Package memstore keeps the ledger and survey tables in process memory. It
// backs the dev command and the service tests, and follows the same
// conditional-update rules as the Postgres repositories.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rpattn/surveyingest/internal/domain"
	"github.com/rpattn/surveyingest/internal/repository"

	"github.com/google/uuid"
)

// UpsertHook runs before a batch is applied; a non-nil error aborts the whole batch.
type UpsertHook func(entries []domain.SurveyEntry) error

// Store holds every table.
type Store struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]domain.UploadJob
	agents    map[string]domain.Agent
	surveys   map[domain.SurveyKey]domain.SurveyEntry
	jobErrors map[uuid.UUID][]domain.JobRowError
	progress  map[uuid.UUID][]int
	batches   int
	hook      UpsertHook
}

func New() *Store {
	return &Store{
		jobs:      map[uuid.UUID]domain.UploadJob{},
		agents:    map[string]domain.Agent{},
		surveys:   map[domain.SurveyKey]domain.SurveyEntry{},
		jobErrors: map[uuid.UUID][]domain.JobRowError{},
		progress:  map[uuid.UUID][]int{},
	}
}

func (s *Store) Jobs() repository.UploadJobRepository { return jobRepo{s} }
func (s *Store) Surveys() repository.SurveyRepository { return surveyRepo{s} }
func (s *Store) Agents() repository.AgentRepository { return agentRepo{s} }
func (s *Store) JobErrors() repository.JobErrorRepository { return jobErrorRepo{s} }

// AddAgent registers an agent under voiceName and returns it.
func (s *Store) AddAgent(voiceName string) domain.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent := domain.Agent{ID: uuid.New(), VoiceName: voiceName, DisplayName: voiceName}
	s.agents[voiceName] = agent
	return agent
}

// SetUpsertHook installs fn in front of every UpsertBatch call.
func (s *Store) SetUpsertHook(fn UpsertHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = fn
}

// SurveyEntries returns every committed entry ordered by date, then agent.
func (s *Store) SurveyEntries() []domain.SurveyEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SurveyEntry, 0, len(s.surveys))
	for _, e := range s.surveys {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurredOn.Equal(out[j].OccurredOn) {
			return out[i].OccurredOn.Before(out[j].OccurredOn)
		}
		return out[i].AgentID.String() < out[j].AgentID.String()
	})
	return out
}

// CommittedBatches counts successful UpsertBatch calls.
func (s *Store) CommittedBatches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches
}

// ProgressHistory lists the stored percentage after every accepted progress write.
func (s *Store) ProgressHistory(jobID uuid.UUID) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.progress[jobID]...)
}

// conflictOrMissing must be called with mu held.
func (s *Store) conflictOrMissing(id uuid.UUID) error {
	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	return fmt.Errorf("%w: job %s is %s", repository.ErrJobStatusConflict, id, job.Status)
}

type jobRepo struct{ s *Store }

func (r jobRepo) Create(ctx context.Context, job domain.UploadJob) (domain.UploadJob, error) {
	if err := ctx.Err(); err != nil {
		return domain.UploadJob{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if _, exists := r.s.jobs[job.ID]; exists {
		return domain.UploadJob{}, fmt.Errorf("upload job %s already exists", job.ID)
	}
	if job.Status == "" {
		job.Status = domain.JobStatusQueued
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	job.ErrorSummary = append([]string{}, job.ErrorSummary...)
	r.s.jobs[job.ID] = job
	return job, nil
}

func (r jobRepo) GetByID(ctx context.Context, id uuid.UUID) (domain.UploadJob, error) {
	if err := ctx.Err(); err != nil {
		return domain.UploadJob{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	job, ok := r.s.jobs[id]
	if !ok {
		return domain.UploadJob{}, domain.ErrJobNotFound
	}
	return job, nil
}

func (r jobRepo) ListBySubmitter(ctx context.Context, submitterID uuid.UUID, limit int) ([]domain.UploadJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	jobs := []domain.UploadJob{}
	for _, job := range r.s.jobs {
		if job.SubmitterID == submitterID {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (r jobRepo) Claim(ctx context.Context, id uuid.UUID) (domain.UploadJob, error) {
	if err := ctx.Err(); err != nil {
		return domain.UploadJob{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	job, ok := r.s.jobs[id]
	if !ok || !domain.CanTransition(job.Status, domain.JobStatusProcessing) {
		return domain.UploadJob{}, r.s.conflictOrMissing(id)
	}
	now := time.Now().UTC()
	job.Status = domain.JobStatusProcessing
	job.Attempts++
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.CompletedAt = nil
	job.UpdatedAt = now
	r.s.jobs[id] = job
	return job, nil
}

func (r jobRepo) UpdateProgress(ctx context.Context, id uuid.UUID, percent int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	job, ok := r.s.jobs[id]
	if !ok || job.Status != domain.JobStatusProcessing {
		return r.s.conflictOrMissing(id)
	}
	if percent > 100 {
		percent = 100
	}
	if percent > job.ProgressPercent {
		job.ProgressPercent = percent
	}
	job.UpdatedAt = time.Now().UTC()
	r.s.jobs[id] = job
	r.s.progress[id] = append(r.s.progress[id], job.ProgressPercent)
	return nil
}

func (r jobRepo) MarkCompleted(ctx context.Context, id uuid.UUID, errorSummary []string) error {
	return r.finish(ctx, id, domain.JobStatusCompleted, errorSummary)
}

func (r jobRepo) MarkFailed(ctx context.Context, id uuid.UUID, errorSummary []string) error {
	return r.finish(ctx, id, domain.JobStatusFailed, errorSummary)
}

func (r jobRepo) finish(ctx context.Context, id uuid.UUID, status domain.JobStatus, errorSummary []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	job, ok := r.s.jobs[id]
	if !ok || !domain.CanTransition(job.Status, status) {
		return r.s.conflictOrMissing(id)
	}
	now := time.Now().UTC()
	job.Status = status
	if status == domain.JobStatusCompleted {
		job.ProgressPercent = 100
	}
	job.ErrorSummary = append([]string{}, domain.CapErrors(errorSummary)...)
	job.CompletedAt = &now
	job.UpdatedAt = now
	r.s.jobs[id] = job
	return nil
}

type surveyRepo struct{ s *Store }

func (r surveyRepo) UpsertBatch(ctx context.Context, entries []domain.SurveyEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.hook != nil {
		if err := r.s.hook(entries); err != nil {
			return err
		}
	}
	now := time.Now().UTC()
	for _, entry := range entries {
		entry.UpdatedAt = &now
		r.s.surveys[entry.Key()] = entry
	}
	r.s.batches++
	return nil
}

type agentRepo struct{ s *Store }

func (r agentRepo) ListByVoiceNames(ctx context.Context, voiceNames []string) ([]domain.Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	agents := []domain.Agent{}
	for _, name := range voiceNames {
		if agent, ok := r.s.agents[name]; ok {
			agents = append(agents, agent)
		}
	}
	return agents, nil
}

type jobErrorRepo struct{ s *Store }

func (r jobErrorRepo) RecordBatch(ctx context.Context, jobID uuid.UUID, entries []domain.JobRowError) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := time.Now().UTC()
	for _, entry := range entries {
		entry.ID = uuid.New()
		entry.JobID = jobID
		entry.CreatedAt = now
		r.s.jobErrors[jobID] = append(r.s.jobErrors[jobID], entry)
	}
	return nil
}

func (r jobErrorRepo) List(ctx context.Context, jobID uuid.UUID, limit int, offset int) ([]domain.JobRowError, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	entries := append([]domain.JobRowError(nil), r.s.jobErrors[jobID]...)
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].RowNumber, entries[j].RowNumber
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return *a < *b
		}
	})
	if offset > len(entries) {
		offset = len(entries)
	}
	if offset > 0 {
		entries = entries[offset:]
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	if entries == nil {
		entries = []domain.JobRowError{}
	}
	return entries, nil
}

func (r jobErrorRepo) Reset(ctx context.Context, jobID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.jobErrors, jobID)
	return nil
}
