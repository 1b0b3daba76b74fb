package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rpattn/surveyingest/internal/blobstore"
	"github.com/rpattn/surveyingest/internal/domain"
	"github.com/rpattn/surveyingest/internal/logger"
	"github.com/rpattn/surveyingest/internal/queue"
	"github.com/rpattn/surveyingest/internal/repository/memstore"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store   *memstore.Store
	blobs   *blobstore.MemoryStore
	queue   *queue.MemoryQueue
	metrics *Metrics
	worker  *Worker
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		store:   memstore.New(),
		blobs:   blobstore.NewMemoryStore(),
		queue:   queue.NewMemoryQueue(time.Minute),
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	f.worker = New(Dependencies{
		Queue:     f.queue,
		Blobs:     f.blobs,
		Jobs:      f.store.Jobs(),
		Surveys:   f.store.Surveys(),
		Agents:    f.store.Agents(),
		JobErrors: f.store.JobErrors(),
		Metrics:   f.metrics,
		Logger:    logger.NewNop(),
	}, cfg)
	return f
}

func csvPayload(rows ...string) []byte {
	return []byte("voiceName,AHT,CSAT,date,comment\n" + strings.Join(rows, "\n") + "\n")
}

// enqueue stores payload, records a QUEUED job for it and publishes the descriptor.
func (f *fixture) enqueue(t *testing.T, fileName string, payload []byte, totalRows int) domain.UploadJob {
	t.Helper()
	ctx := context.Background()
	key := blobstore.NewKey("uploads/", fileName)
	require.NoError(t, f.blobs.Put(ctx, key, "text/csv", payload))
	job, err := f.store.Jobs().Create(ctx, domain.NewUploadJob(uuid.New(), key, fileName, totalRows))
	require.NoError(t, err)
	require.NoError(t, f.queue.Publish(ctx, job.Descriptor()))
	return job
}

// deliver receives the next message and hands it to the worker.
func (f *fixture) deliver(t *testing.T, ctx context.Context) bool {
	t.Helper()
	msgs, err := f.queue.Receive(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "expected a visible message")
	return f.worker.HandleMessage(ctx, msgs[0])
}

func (f *fixture) job(t *testing.T, id uuid.UUID) domain.UploadJob {
	t.Helper()
	job, err := f.store.Jobs().GetByID(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestHandleMessageCompletesValidUpload(t *testing.T) {
	f := newFixture(t, Config{})
	alice := f.store.AddAgent("alice")
	f.store.AddAgent("bob")
	job := f.enqueue(t, "week.csv", csvPayload(
		"alice,04:12,5,2024-03-01,great",
		"bob,03:00,4,2024-03-01,",
		"alice,05:00,3,2024-03-02,",
	), 3)

	assert.True(t, f.deliver(t, context.Background()))
	assert.Equal(t, 0, f.queue.Len())

	done := f.job(t, job.ID)
	assert.Equal(t, domain.JobStatusCompleted, done.Status)
	assert.Equal(t, 100, done.ProgressPercent)
	assert.Empty(t, done.ErrorSummary)
	assert.Equal(t, 1, done.Attempts)
	require.NotNil(t, done.CompletedAt)

	entries := f.store.SurveyEntries()
	require.Len(t, entries, 3)
	assert.Equal(t, alice.ID, entries[0].AgentID)
	assert.Equal(t, job.ID, entries[0].SourceJobID)
	require.NotNil(t, entries[0].Comment)
	assert.Equal(t, "great", *entries[0].Comment)

	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.rowsCommitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.jobsFinished.WithLabelValues("COMPLETED")))
}

func TestHandleMessageRecordsPartialSuccess(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.AddAgent("alice")
	job := f.enqueue(t, "week.csv", csvPayload(
		"alice,04:12,5,2024-03-01,",
		"alice,04:12,6,2024-03-02,",
		"ghost,04:12,4,2024-03-03,",
		"alice,04:12,4,2024-03-04,",
	), 4)

	assert.True(t, f.deliver(t, context.Background()))

	done := f.job(t, job.ID)
	assert.Equal(t, domain.JobStatusCompleted, done.Status)
	assert.Equal(t, 100, done.ProgressPercent)
	assert.Equal(t, []string{
		`Row 3: invalid CSAT value "6": must be between 1 and 5`,
		`Row 4: no agent found with voice name "ghost"`,
	}, done.ErrorSummary)
	assert.Len(t, f.store.SurveyEntries(), 2)

	logged, err := f.store.JobErrors().List(context.Background(), job.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, logged, 2)
	require.NotNil(t, logged[0].RowNumber)
	assert.Equal(t, 3, *logged[0].RowNumber)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.rowErrors))
}

func TestHandleMessageFailsWhenNoRowCommits(t *testing.T) {
	f := newFixture(t, Config{})
	job := f.enqueue(t, "week.csv", csvPayload(
		"nobody,04:12,5,2024-03-01,",
		",04:12,5,2024-03-01,",
	), 2)

	assert.True(t, f.deliver(t, context.Background()))

	done := f.job(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, done.Status)
	assert.Len(t, done.ErrorSummary, 2)
	assert.Empty(t, f.store.SurveyEntries())
	assert.Equal(t, 0, f.queue.Len())
}

func TestLastRowForTheSameAgentAndDateWins(t *testing.T) {
	f := newFixture(t, Config{ChunkSize: 10})
	f.store.AddAgent("alice")
	f.enqueue(t, "week.csv", csvPayload(
		"alice,04:12,2,2024-03-01,first",
		"alice,04:12,4,2024-03-01T18:00:00Z,second",
	), 2)

	assert.True(t, f.deliver(t, context.Background()))

	entries := f.store.SurveyEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, 4.0, entries[0].SatisfactionScore)
	assert.Equal(t, "second", *entries[0].Comment)
}

func TestReprocessingTheSameFileIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.AddAgent("alice")
	f.store.AddAgent("bob")
	payload := csvPayload(
		"alice,04:12,5,2024-03-01,",
		"bob,03:00,2,2024-03-01,",
	)

	f.enqueue(t, "week.csv", payload, 2)
	require.True(t, f.deliver(t, context.Background()))
	first := f.store.SurveyEntries()

	second := f.enqueue(t, "week-again.csv", payload, 2)
	require.True(t, f.deliver(t, context.Background()))
	again := f.store.SurveyEntries()

	require.Len(t, again, len(first))
	for i := range first {
		assert.Equal(t, first[i].Key(), again[i].Key())
		assert.Equal(t, first[i].SatisfactionScore, again[i].SatisfactionScore)
		assert.Equal(t, second.ID, again[i].SourceJobID)
	}
}

func TestFailedChunkIsAllOrNothingAndRedeliveryRecovers(t *testing.T) {
	f := newFixture(t, Config{ChunkSize: 2})
	f.store.AddAgent("alice")
	job := f.enqueue(t, "week.csv", csvPayload(
		"alice,04:12,5,2024-03-01,",
		"alice,04:12,5,2024-03-02,",
		"alice,04:12,5,2024-03-03,",
		"alice,04:12,5,2024-03-04,",
	), 4)

	var calls int32
	f.store.SetUpsertHook(func(entries []domain.SurveyEntry) error {
		if atomic.AddInt32(&calls, 1) == 2 {
			return errors.New("connection reset by peer")
		}
		return nil
	})

	assert.False(t, f.deliver(t, context.Background()), "transient failures leave the message for redelivery")
	failed := f.job(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, failed.Status)
	assert.Equal(t, 50, failed.ProgressPercent)
	require.Len(t, failed.ErrorSummary, 1)
	assert.Contains(t, failed.ErrorSummary[0], "write rows 4-5")
	assert.Len(t, f.store.SurveyEntries(), 2, "only the first chunk is committed")
	assert.Equal(t, 1, f.queue.Len())

	f.store.SetUpsertHook(nil)
	f.queue.Expire()
	assert.True(t, f.deliver(t, context.Background()))

	done := f.job(t, job.ID)
	assert.Equal(t, domain.JobStatusCompleted, done.Status)
	assert.Equal(t, 2, done.Attempts)
	assert.Empty(t, done.ErrorSummary)
	assert.Len(t, f.store.SurveyEntries(), 4)

	logged, err := f.store.JobErrors().List(context.Background(), job.ID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, logged, "a new attempt starts with a clean error log")
}

func TestProgressIsReportedPerChunkAndNeverDecreases(t *testing.T) {
	f := newFixture(t, Config{ChunkSize: 1000})
	f.store.AddAgent("alice")

	start := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := make([]string, 10000)
	for i := range rows {
		rows[i] = fmt.Sprintf("alice,04:12,%d,%s,", i%5+1, start.AddDate(0, 0, i).Format(domain.DateLayout))
	}
	job := f.enqueue(t, "year.csv", csvPayload(rows...), len(rows))

	require.True(t, f.deliver(t, context.Background()))

	assert.Equal(t, []int{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}, f.store.ProgressHistory(job.ID))
	assert.Equal(t, 10, f.store.CommittedBatches())
	assert.Len(t, f.store.SurveyEntries(), 10000)
}

func TestDuplicateDeliveryOfCompletedJobIsAcknowledged(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.AddAgent("alice")
	job := f.enqueue(t, "week.csv", csvPayload("alice,04:12,5,2024-03-01,"), 1)
	require.True(t, f.deliver(t, context.Background()))
	committedAt := f.job(t, job.ID).CompletedAt

	require.NoError(t, f.queue.Publish(context.Background(), job.Descriptor()))
	assert.True(t, f.deliver(t, context.Background()))

	done := f.job(t, job.ID)
	assert.Equal(t, domain.JobStatusCompleted, done.Status)
	assert.Equal(t, 1, done.Attempts)
	assert.Equal(t, committedAt, done.CompletedAt)
	assert.Equal(t, 1, f.store.CommittedBatches())
	assert.Equal(t, 0, f.queue.Len())
}

func TestUnprocessableMessagesAreAcknowledged(t *testing.T) {
	t.Run("malformed descriptor", func(t *testing.T) {
		f := newFixture(t, Config{})
		require.NoError(t, f.queue.PublishRaw(context.Background(), []byte("not json")))
		assert.True(t, f.deliver(t, context.Background()))
		assert.Equal(t, 0, f.queue.Len())
	})

	t.Run("unknown job", func(t *testing.T) {
		f := newFixture(t, Config{})
		ghost := domain.NewUploadJob(uuid.New(), "uploads/ghost.csv", "ghost.csv", 1)
		require.NoError(t, f.queue.Publish(context.Background(), ghost.Descriptor()))
		assert.True(t, f.deliver(t, context.Background()))
		assert.Equal(t, 0, f.queue.Len())
	})
}

func TestFatalDecodeFailuresAreNotRetried(t *testing.T) {
	t.Run("corrupt workbook", func(t *testing.T) {
		f := newFixture(t, Config{})
		job := f.enqueue(t, "week.xlsx", []byte("PK not really a zip"), 1)

		assert.True(t, f.deliver(t, context.Background()))
		failed := f.job(t, job.ID)
		assert.Equal(t, domain.JobStatusFailed, failed.Status)
		require.Len(t, failed.ErrorSummary, 1)
		assert.Contains(t, failed.ErrorSummary[0], "decode upload")
		assert.Equal(t, 0, f.queue.Len())
	})

	t.Run("missing blob", func(t *testing.T) {
		f := newFixture(t, Config{})
		ctx := context.Background()
		job, err := f.store.Jobs().Create(ctx, domain.NewUploadJob(uuid.New(), "uploads/gone.csv", "gone.csv", 1))
		require.NoError(t, err)
		require.NoError(t, f.queue.Publish(ctx, job.Descriptor()))

		assert.True(t, f.deliver(t, ctx))
		assert.Equal(t, domain.JobStatusFailed, f.job(t, job.ID).Status)
		assert.Equal(t, 0, f.queue.Len())
	})
}

func TestJobsBeyondMaxAttemptsAreFailedAndAcknowledged(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 1})
	f.store.AddAgent("alice")
	job := f.enqueue(t, "week.csv", csvPayload("alice,04:12,5,2024-03-01,"), 1)
	f.store.SetUpsertHook(func([]domain.SurveyEntry) error { return errors.New("database is down") })

	assert.False(t, f.deliver(t, context.Background()))
	f.queue.Expire()
	assert.True(t, f.deliver(t, context.Background()))

	failed := f.job(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, failed.Status)
	assert.Equal(t, 2, failed.Attempts)
	assert.Equal(t, []string{"giving up after 1 attempts"}, failed.ErrorSummary)
	assert.Equal(t, 0, f.queue.Len())
}

func TestRedeliveryAfterCrashMidJobReachesSameState(t *testing.T) {
	payload := csvPayload(
		"alice,04:12,5,2024-03-01,",
		"alice,04:12,2,2024-03-02,",
		"alice,04:12,4,2024-03-01,",
	)

	clean := newFixture(t, Config{ChunkSize: 1})
	clean.store.AddAgent("alice")
	clean.enqueue(t, "week.csv", payload, 3)
	require.True(t, clean.deliver(t, context.Background()))

	f := newFixture(t, Config{ChunkSize: 1})
	f.store.AddAgent("alice")
	job := f.enqueue(t, "week.csv", payload, 3)

	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	f.store.SetUpsertHook(func([]domain.SurveyEntry) error {
		if atomic.AddInt32(&calls, 1) == 2 {
			cancel()
			return context.Canceled
		}
		return nil
	})

	assert.False(t, f.deliver(t, ctx))
	interrupted := f.job(t, job.ID)
	assert.Equal(t, domain.JobStatusProcessing, interrupted.Status)
	assert.Equal(t, 33, interrupted.ProgressPercent)
	assert.Len(t, f.store.SurveyEntries(), 1)
	assert.Equal(t, 1, f.queue.Len())

	f.store.SetUpsertHook(nil)
	f.queue.Expire()
	assert.True(t, f.deliver(t, context.Background()))

	done := f.job(t, job.ID)
	assert.Equal(t, domain.JobStatusCompleted, done.Status)
	assert.Equal(t, 2, done.Attempts)

	want, got := clean.store.SurveyEntries(), f.store.SurveyEntries()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].OccurredOn, got[i].OccurredOn)
		assert.Equal(t, want[i].SatisfactionScore, got[i].SatisfactionScore)
	}
	assert.Equal(t, 4.0, got[0].SatisfactionScore)
}

type panickingSurveys struct{}

func (panickingSurveys) UpsertBatch(context.Context, []domain.SurveyEntry) error {
	panic("driver exploded")
}

func TestPanicMarksJobFailedAndLeavesMessageQueued(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.AddAgent("alice")
	job := f.enqueue(t, "week.csv", csvPayload("alice,04:12,5,2024-03-01,"), 1)

	f.worker.deps.Surveys = panickingSurveys{}
	assert.False(t, f.deliver(t, context.Background()))

	failed := f.job(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, failed.Status)
	assert.Equal(t, []string{"panic: driver exploded"}, failed.ErrorSummary)
	assert.Equal(t, 1, f.queue.Len())

	f.worker.deps.Surveys = f.store.Surveys()
	f.queue.Expire()
	assert.True(t, f.deliver(t, context.Background()))
	assert.Equal(t, domain.JobStatusCompleted, f.job(t, job.ID).Status)
}

func TestPoolDrainsQueueUntilCancelled(t *testing.T) {
	f := newFixture(t, Config{ReceiveWait: 50 * time.Millisecond})
	f.store.AddAgent("alice")
	first := f.enqueue(t, "a.csv", csvPayload("alice,04:12,5,2024-03-01,"), 1)
	second := f.enqueue(t, "b.csv", csvPayload("alice,04:12,3,2024-03-02,"), 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewPool(f.worker, 2).Run(ctx) }()

	completed := func(id uuid.UUID) bool {
		job, err := f.store.Jobs().GetByID(context.Background(), id)
		return err == nil && job.Status == domain.JobStatusCompleted
	}
	assert.Eventually(t, func() bool {
		return completed(first.ID) && completed(second.ID)
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop after cancellation")
	}
	assert.Equal(t, 0, f.queue.Len())
}

func TestPrefetchedTailRedeliveredAfterVisibilityLapse(t *testing.T) {
	f := newFixture(t, Config{Prefetch: 2})
	f.store.AddAgent("alice")
	first := f.enqueue(t, "a.csv", csvPayload("alice,04:12,5,2024-03-01,"), 1)
	second := f.enqueue(t, "b.csv", csvPayload("alice,04:12,3,2024-03-02,"), 1)

	msgs, err := f.queue.Receive(context.Background(), 2, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.True(t, f.worker.HandleMessage(context.Background(), msgs[0]))
	// The first job outlived the visibility timeout, so another consumer sees the second message.
	f.queue.Expire()
	assert.True(t, f.deliver(t, context.Background()))
	assert.Equal(t, domain.JobStatusCompleted, f.job(t, second.ID).Status)

	// The stale copy is acked as a duplicate and does not reprocess the job.
	assert.True(t, f.worker.HandleMessage(context.Background(), msgs[1]))
	assert.Equal(t, 1, f.job(t, second.ID).Attempts)
	assert.Equal(t, domain.JobStatusCompleted, f.job(t, first.ID).Status)
	assert.Equal(t, 0, f.queue.Len())
}

func TestNewFillsConfigDefaults(t *testing.T) {
	w := New(Dependencies{}, Config{})
	assert.Equal(t, DefaultConfig(), w.cfg)
	assert.NotNil(t, w.deps.Metrics)
}
