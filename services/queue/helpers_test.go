package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"smallbiznis-jobqueue/pkg/config"
	"smallbiznis-jobqueue/pkg/featureflags"
	"smallbiznis-jobqueue/pkg/gen"
	"smallbiznis-jobqueue/services/testutil"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc      *Service
	repo     Repository
	registry *Registry
	clock    *fakeClock
}

type fixtureOption func(*config.Config, *Params)

func withQueueConfig(fn func(*config.QueueConfig)) fixtureOption {
	return func(cfg *config.Config, _ *Params) { fn(&cfg.Queue) }
}

func withFlags(flags featureflags.FeatureFlag) fixtureOption {
	return func(_ *config.Config, p *Params) { p.Flags = flags }
}

// withRepo wraps the store the service sees. The fixture keeps reading
// through the unwrapped store.
func withRepo(wrap func(Repository) Repository) fixtureOption {
	return func(_ *config.Config, p *Params) { p.Repo = wrap(p.Repo) }
}

// flakyRepo fails the selected store calls and passes everything else through.
type flakyRepo struct {
	Repository
	leaseErr  error
	updateErr error
}

func (r *flakyRepo) Lease(ctx context.Context, runID string, now time.Time, limit int) ([]*Job, error) {
	if r.leaseErr != nil {
		return nil, r.leaseErr
	}
	return r.Repository.Lease(ctx, runID, now, limit)
}

func (r *flakyRepo) UpdateJob(ctx context.Context, guard Guard, values map[string]any) (bool, error) {
	if r.updateErr != nil {
		return false, r.updateErr
	}
	return r.Repository.UpdateJob(ctx, guard, values)
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t, Models()...)
	node, err := gen.NewSnowflakeNode(1)
	require.NoError(t, err)

	cfg := &config.Config{Queue: config.DefaultQueueConfig()}
	cfg.Flagsmith.ProcessingFlag = "job_processing"

	clock := &fakeClock{now: epoch}
	repo := NewRepository(db)
	p := Params{
		Repo:     repo,
		Registry: NewRegistry(),
		IDs:      node,
		Config:   cfg,
		Clock:    clock.Now,
	}
	for _, opt := range opts {
		opt(cfg, &p)
	}

	return &fixture{
		svc:      NewService(p),
		repo:     repo,
		registry: p.Registry,
		clock:    clock,
	}
}

func (f *fixture) enqueue(t *testing.T, req EnqueueRequest) *Job {
	t.Helper()
	job, err := f.svc.Enqueue(context.Background(), req)
	require.NoError(t, err)
	return job
}

func (f *fixture) job(t *testing.T, id string) *Job {
	t.Helper()
	job, err := f.repo.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (f *fixture) runOnce(t *testing.T) *WorkerRun {
	t.Helper()
	run, err := f.svc.RunOnce(context.Background(), SourceManual, 0)
	require.NoError(t, err)
	return run
}

func intPtr(v int) *int { return &v }
