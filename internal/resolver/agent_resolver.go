package resolver

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rpattn/surveyingest/internal/domain"
	"github.com/rpattn/surveyingest/internal/repository"

	"github.com/google/uuid"
	"github.com/graph-gophers/dataloader"
)

// DefaultMaxWait bounds how long the loader holds a partial batch open.
const DefaultMaxWait = 250 * time.Millisecond

// AgentResolver maps voice names to agent ids for the lifetime of one job.
// Results, hits and misses alike, are cached so a name is looked up once.
type AgentResolver struct {
	repo    repository.AgentRepository
	maxWait time.Duration

	once   sync.Once
	loader *dataloader.Loader
}

// New returns a resolver with an empty cache. Build one per job.
func New(repo repository.AgentRepository) *AgentResolver {
	return &AgentResolver{repo: repo, maxWait: DefaultMaxWait}
}

// Resolve looks up every distinct identifier in one batched query. Identifiers
// with no agent are absent from the returned map. A lookup failure is a
// transient infrastructure error.
func (r *AgentResolver) Resolve(ctx context.Context, identifiers []string) (map[string]uuid.UUID, error) {
	distinct := distinctIdentifiers(identifiers)
	resolved := make(map[string]uuid.UUID, len(distinct))
	if len(distinct) == 0 {
		return resolved, nil
	}

	r.once.Do(func() {
		// The first call carries the whole job, so the batch fires as soon as
		// every key is queued instead of waiting out the timer.
		r.loader = dataloader.NewBatchedLoader(
			r.batch,
			dataloader.WithWait(r.maxWait),
			dataloader.WithBatchCapacity(len(distinct)),
		)
	})

	values, errs := r.loader.LoadMany(ctx, dataloader.NewKeysFromStrings(distinct))()
	for _, err := range errs {
		if err != nil {
			return nil, domain.Transient("resolve agents", err)
		}
	}
	for i, value := range values {
		if id, ok := value.(uuid.UUID); ok {
			resolved[distinct[i]] = id
		}
	}
	return resolved, nil
}

func (r *AgentResolver) batch(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
	names := keys.Keys()

	agents, err := r.repo.ListByVoiceNames(ctx, names)
	if err != nil {
		results := make([]*dataloader.Result, len(keys))
		for i := range results {
			results[i] = &dataloader.Result{Error: err}
		}
		return results
	}

	byName := make(map[string]uuid.UUID, len(agents))
	for _, a := range agents {
		byName[a.VoiceName] = a.ID
	}

	// Build results in the same order as keys
	results := make([]*dataloader.Result, len(keys))
	for i, name := range names {
		if id, ok := byName[name]; ok {
			results[i] = &dataloader.Result{Data: id}
		} else {
			results[i] = &dataloader.Result{Data: nil}
		}
	}
	return results
}

func distinctIdentifiers(identifiers []string) []string {
	seen := make(map[string]struct{}, len(identifiers))
	out := make([]string, 0, len(identifiers))
	for _, id := range identifiers {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
