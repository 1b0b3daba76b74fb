package main

import (
	"context"
	"fmt"

	"github.com/rpattn/surveyingest/internal/blobstore"
	"github.com/rpattn/surveyingest/internal/config"
	"github.com/rpattn/surveyingest/internal/db"
	"github.com/rpattn/surveyingest/internal/queue"
	"github.com/rpattn/surveyingest/internal/repository"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
)

// closer releases a backend; it is never nil.
type closer func()

func noopCloser() {}

func awsSession(region, endpoint string) (*session.Session, error) {
	awsCfg := aws.NewConfig().WithRegion(region)
	if endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(endpoint)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create aws session: %w", err)
	}
	return sess, nil
}

func openBlobStore(ctx context.Context, cfg config.StorageConfig) (blobstore.Store, closer, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return blobstore.NewMemoryStore(), noopCloser, nil
	case config.BackendS3:
		sess, err := awsSession(cfg.Region, cfg.Endpoint)
		if err != nil {
			return nil, nil, err
		}
		return blobstore.NewS3StoreFromSession(sess, cfg.Bucket, cfg.Endpoint), noopCloser, nil
	case config.BackendGCS:
		store, err := blobstore.NewGCSStore(ctx, cfg.Bucket, cfg.CredentialsFile)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func openQueue(ctx context.Context, cfg config.QueueConfig) (queue.Queue, closer, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return queue.NewMemoryQueue(cfg.VisibilityTimeout), noopCloser, nil
	case config.BackendSQS:
		sess, err := awsSession(cfg.Region, cfg.Endpoint)
		if err != nil {
			return nil, nil, err
		}
		return queue.NewSQSQueueFromSession(sess, cfg.URL, cfg.Endpoint, cfg.VisibilityTimeout), noopCloser, nil
	case config.BackendRedis:
		q, err := queue.NewRedisQueue(ctx, queue.RedisOptions{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			DB:         cfg.RedisDB,
			Stream:     cfg.Stream,
			Group:      cfg.Group,
			Visibility: cfg.VisibilityTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return q, func() { _ = q.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

// repositories groups the Postgres-backed stores.
type repositories struct {
	conn      *db.Connection
	jobs      repository.UploadJobRepository
	surveys   repository.SurveyRepository
	agents    repository.AgentRepository
	jobErrors repository.JobErrorRepository
}

func openRepositories(ctx context.Context, cfg db.Config) (*repositories, error) {
	conn, err := db.NewConnection(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &repositories{
		conn:      conn,
		jobs:      repository.NewUploadJobRepository(conn.Pool),
		surveys:   repository.NewSurveyRepository(conn),
		agents:    repository.NewAgentRepository(conn.Pool),
		jobErrors: repository.NewJobErrorRepository(conn.Pool),
	}, nil
}

func (r *repositories) Close() {
	r.conn.Close()
}
