package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/rpattn/surveyingest/internal/auth"
	"github.com/rpattn/surveyingest/internal/blobstore"
	"github.com/rpattn/surveyingest/internal/domain"
	"github.com/rpattn/surveyingest/internal/logger"
	"github.com/rpattn/surveyingest/internal/queue"
	"github.com/rpattn/surveyingest/internal/repository"
	"github.com/rpattn/surveyingest/internal/tabular"
	"github.com/rpattn/surveyingest/internal/validation"

	"github.com/google/uuid"
)

// validationCheckEvery is how many rows are validated between deadline checks.
const validationCheckEvery = 256

// Options tunes the intake path.
type Options struct {
	MaxUploadBytes    int64
	ValidationTimeout time.Duration
	KeyPrefix         string
	RecentJobsLimit   int
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		MaxUploadBytes:    50 << 20,
		ValidationTimeout: 30 * time.Second,
		KeyPrefix:         "uploads/",
		RecentJobsLimit:   10,
	}
}

// Service accepts survey uploads and answers job status queries.
type Service struct {
	blobs     blobstore.Store
	jobs      repository.UploadJobRepository
	jobErrors repository.JobErrorRepository
	queue     queue.Queue
	log       *logger.Logger
	opts      Options
}

// NewService wires the intake service.
func NewService(
	blobs blobstore.Store,
	jobs repository.UploadJobRepository,
	jobErrors repository.JobErrorRepository,
	q queue.Queue,
	log *logger.Logger,
	opts Options,
) *Service {
	defaults := DefaultOptions()
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaults.MaxUploadBytes
	}
	if opts.ValidationTimeout <= 0 {
		opts.ValidationTimeout = defaults.ValidationTimeout
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = defaults.KeyPrefix
	}
	if opts.RecentJobsLimit <= 0 {
		opts.RecentJobsLimit = defaults.RecentJobsLimit
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{
		blobs:     blobs,
		jobs:      jobs,
		jobErrors: jobErrors,
		queue:     q,
		log:       log.With("service", "intake"),
		opts:      opts,
	}
}

// MaxUploadBytes is the configured size ceiling.
func (s *Service) MaxUploadBytes() int64 { return s.opts.MaxUploadBytes }

// SubmitRequest describes one uploaded file. Size is the declared size, or
// zero when unknown.
type SubmitRequest struct {
	Principal auth.Principal
	FileName  string
	Size      int64
	Data      io.Reader
}

// JobHandle is returned for an accepted upload.
type JobHandle struct {
	JobID     uuid.UUID `json:"jobId"`
	TotalRows int       `json:"totalRows"`
}

// InvalidRow reports one row rejected by pre-validation.
type InvalidRow struct {
	Row   int               `json:"row"`
	Error string            `json:"error"`
	Data  map[string]string `json:"data"`
}

// ValidationFailure rejects a whole submission. InvalidRows holds at most
// CappedAt rows; TotalInvalid counts all of them.
type ValidationFailure struct {
	InvalidRows  []InvalidRow
	TotalInvalid int
	CappedAt     int
}

func (v *ValidationFailure) Error() string {
	return fmt.Sprintf("%d rows failed validation", v.TotalInvalid)
}

// Submit validates the whole file synchronously and, only when every row is
// valid, stores it, records a QUEUED job and announces it on the queue.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (JobHandle, error) {
	if err := req.Principal.Require(auth.CapabilityIngestion); err != nil {
		return JobHandle{}, err
	}
	if req.Size > s.opts.MaxUploadBytes {
		return JobHandle{}, s.tooLarge()
	}
	if req.Data == nil {
		return JobHandle{}, domain.NewRequestError(domain.ErrMalformedUpload, "file is required")
	}

	payload, err := io.ReadAll(io.LimitReader(req.Data, s.opts.MaxUploadBytes+1))
	if err != nil {
		return JobHandle{}, domain.NewRequestError(domain.ErrMalformedUpload, "failed to read file: %v", err)
	}
	if int64(len(payload)) > s.opts.MaxUploadBytes {
		return JobHandle{}, s.tooLarge()
	}

	totalRows, err := s.prevalidate(ctx, req.FileName, payload)
	if err != nil {
		return JobHandle{}, err
	}

	key := blobstore.NewKey(s.opts.KeyPrefix, req.FileName)
	if err := s.blobs.Put(ctx, key, contentTypeFor(req.FileName), payload); err != nil {
		return JobHandle{}, domain.Transient("store upload", err)
	}

	job, err := s.jobs.Create(ctx, domain.NewUploadJob(req.Principal.UserID, key, req.FileName, totalRows))
	if err != nil {
		return JobHandle{}, domain.Transient("create upload job", err)
	}

	if err := s.queue.Publish(ctx, job.Descriptor()); err != nil {
		message := fmt.Sprintf("failed to enqueue job: %v", err)
		if markErr := s.jobs.MarkFailed(context.WithoutCancel(ctx), job.ID, []string{message}); markErr != nil {
			s.log.Error("failed to mark unpublished job failed", "job_id", job.ID, "error", markErr)
		}
		return JobHandle{}, domain.Transient("publish job", err)
	}

	s.log.Info("upload accepted",
		"job_id", job.ID,
		"submitter_id", req.Principal.UserID,
		"file_name", req.FileName,
		"total_rows", totalRows,
	)
	return JobHandle{JobID: job.ID, TotalRows: totalRows}, nil
}

type prevalidation struct {
	totalRows int
	err       error
}

// prevalidate decodes and validates every row under the validation timeout.
func (s *Service) prevalidate(ctx context.Context, fileName string, payload []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ValidationTimeout)
	defer cancel()

	done := make(chan prevalidation, 1)
	go func() {
		total, err := validateUpload(ctx, fileName, payload)
		done <- prevalidation{totalRows: total, err: err}
	}()

	select {
	case <-ctx.Done():
		return 0, s.abortValidation(ctx)
	case res := <-done:
		if errors.Is(res.err, context.DeadlineExceeded) || errors.Is(res.err, context.Canceled) {
			return 0, s.abortValidation(ctx)
		}
		return res.totalRows, res.err
	}
}

func (s *Service) abortValidation(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.NewRequestError(domain.ErrValidationTimeout, "validation did not finish within %s", s.opts.ValidationTimeout)
	}
	return ctx.Err()
}

func validateUpload(ctx context.Context, fileName string, payload []byte) (int, error) {
	table, err := tabular.Decode(fileName, payload)
	if err != nil {
		return 0, domain.NewRequestError(domain.ErrMalformedUpload, "%v", unwrapFatal(err))
	}
	if len(table.Rows) == 0 {
		return 0, domain.NewRequestError(domain.ErrEmptyUpload, "%s has a header but no data rows", fileName)
	}

	failure := &ValidationFailure{CappedAt: domain.InvalidRowsCap}
	for idx, row := range table.Rows {
		if idx%validationCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		outcome := validation.ValidateRow(row)
		if outcome.Valid() {
			continue
		}
		failure.TotalInvalid++
		if len(failure.InvalidRows) < failure.CappedAt {
			failure.InvalidRows = append(failure.InvalidRows, InvalidRow{
				Row:   outcome.RowNumber,
				Error: outcome.Reason,
				Data:  outcome.Raw,
			})
		}
	}
	if failure.TotalInvalid > 0 {
		return 0, failure
	}
	return len(table.Rows), nil
}

// GetStatus returns a job to its submitter or to an ingestion admin.
func (s *Service) GetStatus(ctx context.Context, principal auth.Principal, jobID uuid.UUID) (domain.UploadJob, error) {
	if principal.UserID == uuid.Nil {
		return domain.UploadJob{}, domain.ErrUnauthenticated
	}
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return domain.UploadJob{}, err
		}
		return domain.UploadJob{}, domain.Transient("get upload job", err)
	}
	if !principal.CanView(job.SubmitterID) {
		return domain.UploadJob{}, domain.NewRequestError(domain.ErrForbidden, "job %s belongs to another submitter", jobID)
	}
	return job, nil
}

// ListRecent returns the caller's most recent jobs, newest first.
func (s *Service) ListRecent(ctx context.Context, principal auth.Principal, limit int) ([]domain.UploadJob, error) {
	if principal.UserID == uuid.Nil {
		return nil, domain.ErrUnauthenticated
	}
	if limit <= 0 || limit > s.opts.RecentJobsLimit {
		limit = s.opts.RecentJobsLimit
	}
	jobs, err := s.jobs.ListBySubmitter(ctx, principal.UserID, limit)
	if err != nil {
		return nil, domain.Transient("list upload jobs", err)
	}
	return jobs, nil
}

// ListErrors pages through the full row error log of a visible job.
func (s *Service) ListErrors(ctx context.Context, principal auth.Principal, jobID uuid.UUID, limit, offset int) ([]domain.JobRowError, error) {
	if _, err := s.GetStatus(ctx, principal, jobID); err != nil {
		return nil, err
	}
	entries, err := s.jobErrors.List(ctx, jobID, limit, offset)
	if err != nil {
		return nil, domain.Transient("list job row errors", err)
	}
	return entries, nil
}

// Template returns a blank workbook carrying the expected header row.
func (s *Service) Template() ([]byte, error) {
	return tabular.EncodeWorkbook(tabular.TemplateHeader, nil)
}

func (s *Service) tooLarge() error {
	return domain.NewRequestError(domain.ErrFileTooLarge, "limit is %d bytes", s.opts.MaxUploadBytes)
}

func contentTypeFor(fileName string) string {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".xlsx":
		return tabular.ContentTypeXLSX
	case ".csv":
		return "text/csv"
	default:
		return "application/octet-stream"
	}
}

func unwrapFatal(err error) error {
	var fatal *domain.FatalDecodeError
	if errors.As(err, &fatal) {
		return fatal.Err
	}
	return err
}
