package repository

import (
	"context"
	"errors"
	"net/url"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rpattn/surveyingest/internal/db"
	"github.com/rpattn/surveyingest/internal/domain"

	"github.com/google/uuid"
)

// testDatabaseEnv names a disposable Postgres database; the tests below skip without it.
const testDatabaseEnv = "SURVEYINGEST_TEST_DATABASE_URL"

type postgresFixture struct {
	conn    *db.Connection
	jobs    UploadJobRepository
	surveys SurveyRepository
	agents  AgentRepository
	rowErrs JobErrorRepository
}

func newPostgresFixture(t *testing.T) *postgresFixture {
	t.Helper()

	raw := os.Getenv(testDatabaseEnv)
	if raw == "" {
		t.Skipf("%s not set", testDatabaseEnv)
	}
	cfg := parseDatabaseURL(t, raw)

	if err := db.RunMigrations(cfg); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := db.NewConnection(ctx, cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(conn.Close)

	return &postgresFixture{
		conn:    conn,
		jobs:    NewUploadJobRepository(conn.Pool),
		surveys: NewSurveyRepository(conn),
		agents:  NewAgentRepository(conn.Pool),
		rowErrs: NewJobErrorRepository(conn.Pool),
	}
}

func parseDatabaseURL(t *testing.T, raw string) db.Config {
	t.Helper()

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %s: %v", testDatabaseEnv, err)
	}
	port := 5432
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil {
			t.Fatalf("parse port %q: %v", p, err)
		}
	}
	password, _ := u.User.Password()
	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}
	return db.Config{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
	}
}

// seedAgent inserts an agent with a unique voice name and removes everything hanging off it afterwards.
func (f *postgresFixture) seedAgent(t *testing.T) domain.Agent {
	t.Helper()

	agent := domain.Agent{VoiceName: "agent-" + uuid.NewString()}
	err := f.conn.Pool.QueryRow(
		context.Background(),
		`INSERT INTO agents (voice_name) VALUES ($1) RETURNING id`,
		agent.VoiceName,
	).Scan(&agent.ID)
	if err != nil {
		t.Fatalf("insert agent: %v", err)
	}

	t.Cleanup(func() {
		ctx := context.Background()
		_, _ = f.conn.Pool.Exec(ctx, `DELETE FROM surveys WHERE agent_id = $1`, agent.ID)
		_, _ = f.conn.Pool.Exec(ctx, `DELETE FROM agents WHERE id = $1`, agent.ID)
	})
	return agent
}

func (f *postgresFixture) createJob(t *testing.T) domain.UploadJob {
	t.Helper()

	job, err := f.jobs.Create(context.Background(), domain.UploadJob{
		SubmitterID: uuid.New(),
		BlobKey:     "uploads/" + uuid.NewString(),
		FileName:    "surveys.csv",
		TotalRows:   10,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	t.Cleanup(func() {
		_, _ = f.conn.Pool.Exec(context.Background(), `DELETE FROM upload_jobs WHERE id = $1`, job.ID)
	})
	return job
}

type storedSurvey struct {
	voiceName string
	aht       string
	csat      float64
	jobID     uuid.UUID
}

func (f *postgresFixture) surveysFor(t *testing.T, agentID uuid.UUID) map[string]storedSurvey {
	t.Helper()

	rows, err := f.conn.Pool.Query(
		context.Background(),
		`SELECT occurred_on, voice_name, aht, csat, source_job_id FROM surveys WHERE agent_id = $1`,
		agentID,
	)
	if err != nil {
		t.Fatalf("query surveys: %v", err)
	}
	defer rows.Close()

	out := map[string]storedSurvey{}
	for rows.Next() {
		var (
			occurredOn time.Time
			s          storedSurvey
		)
		if err := rows.Scan(&occurredOn, &s.voiceName, &s.aht, &s.csat, &s.jobID); err != nil {
			t.Fatalf("scan survey: %v", err)
		}
		out[occurredOn.Format(domain.DateLayout)] = s
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("iterate surveys: %v", err)
	}
	return out
}

func surveyOn(agent domain.Agent, jobID uuid.UUID, day int, aht string, csat float64) domain.SurveyEntry {
	return domain.SurveyEntry{
		AgentID:           agent.ID,
		VoiceName:         agent.VoiceName,
		DurationMetric:    aht,
		SatisfactionScore: csat,
		OccurredOn:        time.Date(2024, time.March, day, 0, 0, 0, 0, time.UTC),
		SourceJobID:       jobID,
	}
}

func TestPostgresJobLedgerTransitions(t *testing.T) {
	f := newPostgresFixture(t)
	ctx := context.Background()
	job := f.createJob(t)

	if job.Status != domain.JobStatusQueued || job.Attempts != 0 {
		t.Fatalf("expected fresh QUEUED job, got %s attempts=%d", job.Status, job.Attempts)
	}

	claimed, err := f.jobs.Claim(ctx, job.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != domain.JobStatusProcessing || claimed.Attempts != 1 || claimed.StartedAt == nil {
		t.Fatalf("unexpected claimed job: %+v", claimed)
	}

	if err := f.jobs.UpdateProgress(ctx, job.ID, 50); err != nil {
		t.Fatalf("progress 50: %v", err)
	}
	if err := f.jobs.UpdateProgress(ctx, job.ID, 30); err != nil {
		t.Fatalf("progress 30: %v", err)
	}
	current, err := f.jobs.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.ProgressPercent != 50 {
		t.Fatalf("progress went backwards: %d", current.ProgressPercent)
	}

	if err := f.jobs.MarkCompleted(ctx, job.ID, []string{"row 3: bad csat"}); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	done, err := f.jobs.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if done.Status != domain.JobStatusCompleted || done.ProgressPercent != 100 || done.CompletedAt == nil {
		t.Fatalf("unexpected completed job: %+v", done)
	}
	if len(done.ErrorSummary) != 1 || done.ErrorSummary[0] != "row 3: bad csat" {
		t.Fatalf("unexpected error summary: %v", done.ErrorSummary)
	}

	if _, err := f.jobs.Claim(ctx, job.ID); !errors.Is(err, ErrJobStatusConflict) {
		t.Fatalf("expected claim conflict on completed job, got %v", err)
	}
	if err := f.jobs.UpdateProgress(ctx, job.ID, 10); !errors.Is(err, ErrJobStatusConflict) {
		t.Fatalf("expected progress conflict on completed job, got %v", err)
	}
	if _, err := f.jobs.GetByID(ctx, uuid.New()); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestPostgresFailedJobCanBeReclaimed(t *testing.T) {
	f := newPostgresFixture(t)
	ctx := context.Background()
	job := f.createJob(t)

	if _, err := f.jobs.Claim(ctx, job.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := f.jobs.UpdateProgress(ctx, job.ID, 40); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if err := f.jobs.MarkFailed(ctx, job.ID, []string{"write rows 1-10: connection reset"}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	failed, err := f.jobs.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if failed.Status != domain.JobStatusFailed || failed.ProgressPercent != 40 {
		t.Fatalf("unexpected failed job: %+v", failed)
	}

	reclaimed, err := f.jobs.Claim(ctx, job.ID)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if reclaimed.Attempts != 2 || reclaimed.CompletedAt != nil {
		t.Fatalf("unexpected reclaimed job: %+v", reclaimed)
	}
	if reclaimed.StartedAt == nil || failed.StartedAt == nil || !reclaimed.StartedAt.Equal(*failed.StartedAt) {
		t.Fatalf("started_at should survive a reclaim: %v vs %v", reclaimed.StartedAt, failed.StartedAt)
	}
}

func TestPostgresUpsertBatchIsAllOrNothing(t *testing.T) {
	f := newPostgresFixture(t)
	ctx := context.Background()
	agent := f.seedAgent(t)
	job := f.createJob(t)

	if err := f.surveys.UpsertBatch(ctx, []domain.SurveyEntry{surveyOn(agent, job.ID, 1, "00:04:00", 4)}); err != nil {
		t.Fatalf("seed survey: %v", err)
	}

	// The second entry breaks the csat CHECK after the first has already been sent.
	err := f.surveys.UpsertBatch(ctx, []domain.SurveyEntry{
		surveyOn(agent, job.ID, 1, "00:09:00", 2),
		surveyOn(agent, job.ID, 2, "00:05:00", 6),
		surveyOn(agent, job.ID, 3, "00:06:00", 3),
	})
	if err == nil {
		t.Fatalf("expected batch with out of range csat to fail")
	}

	stored := f.surveysFor(t, agent.ID)
	if len(stored) != 1 {
		t.Fatalf("expected only the seeded row to remain, got %v", stored)
	}
	if got := stored["2024-03-01"]; got.aht != "00:04:00" || got.csat != 4 {
		t.Fatalf("failed batch leaked an update: %+v", got)
	}
}

func TestPostgresUpsertBatchRedeliveryIsIdempotent(t *testing.T) {
	f := newPostgresFixture(t)
	ctx := context.Background()
	agent := f.seedAgent(t)
	first := f.createJob(t)

	batch := []domain.SurveyEntry{
		surveyOn(agent, first.ID, 1, "00:04:00", 4),
		surveyOn(agent, first.ID, 2, "00:05:30", 5),
	}
	if err := f.surveys.UpsertBatch(ctx, batch); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	before := f.surveysFor(t, agent.ID)

	if err := f.surveys.UpsertBatch(ctx, batch); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	after := f.surveysFor(t, agent.ID)

	if len(after) != 2 || len(before) != len(after) {
		t.Fatalf("redelivery changed row count: before=%d after=%d", len(before), len(after))
	}
	for day, want := range before {
		if after[day] != want {
			t.Fatalf("redelivery changed %s: %+v -> %+v", day, want, after[day])
		}
	}

	// A later job overwrites the same key instead of adding a row.
	second := f.createJob(t)
	if err := f.surveys.UpsertBatch(ctx, []domain.SurveyEntry{surveyOn(agent, second.ID, 2, "00:07:00", 1)}); err != nil {
		t.Fatalf("second job: %v", err)
	}
	latest := f.surveysFor(t, agent.ID)
	if len(latest) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(latest))
	}
	if got := latest["2024-03-02"]; got.aht != "00:07:00" || got.csat != 1 || got.jobID != second.ID {
		t.Fatalf("expected last write to win, got %+v", got)
	}
}

func TestPostgresAgentLookupByVoiceName(t *testing.T) {
	f := newPostgresFixture(t)
	agent := f.seedAgent(t)

	agents, err := f.agents.ListByVoiceNames(context.Background(), []string{agent.VoiceName, "nobody-" + uuid.NewString()})
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 1 || agents[0].ID != agent.ID {
		t.Fatalf("unexpected agents: %+v", agents)
	}
}

func TestPostgresJobErrorLog(t *testing.T) {
	f := newPostgresFixture(t)
	ctx := context.Background()
	job := f.createJob(t)

	row := func(n int) *int { return &n }
	err := f.rowErrs.RecordBatch(ctx, job.ID, []domain.JobRowError{
		{RowNumber: row(7), Message: "csat out of range"},
		{Message: "file has no data rows"},
		{RowNumber: row(2), Message: "unknown agent"},
	})
	if err != nil {
		t.Fatalf("record batch: %v", err)
	}

	entries, err := f.rowErrs.List(ctx, job.ID, 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].RowNumber == nil || *entries[0].RowNumber != 2 {
		t.Fatalf("expected row 2 first, got %+v", entries[0])
	}
	if entries[1].RowNumber == nil || *entries[1].RowNumber != 7 {
		t.Fatalf("expected row 7 second, got %+v", entries[1])
	}
	if entries[2].RowNumber != nil || entries[2].Message != "file has no data rows" {
		t.Fatalf("expected the row-less entry last, got %+v", entries[2])
	}

	page, err := f.rowErrs.List(ctx, job.ID, 1, 1)
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(page) != 1 || *page[0].RowNumber != 7 {
		t.Fatalf("unexpected page: %+v", page)
	}

	if err := f.rowErrs.Reset(ctx, job.ID); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if entries, err = f.rowErrs.List(ctx, job.ID, 0, 0); err != nil || len(entries) != 0 {
		t.Fatalf("expected empty log after reset, got %d entries (err=%v)", len(entries), err)
	}
}
