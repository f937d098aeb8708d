package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pipewatch/pipewatch/internal/cache"
	"github.com/pipewatch/pipewatch/internal/ci"
)

// volatileTTL caps how long run collections and run details are served from
// cache. Runs change while they execute, so these entries go stale much
// faster than project or pipeline lists.
const volatileTTL = 15 * time.Second

// Gateway is everything the service needs from the remote CI client.
type Gateway interface {
	ci.RunSource
	FetchProjects(ctx context.Context) ([]ci.Project, error)
	FetchPipelines(ctx context.Context, projectID string) ([]ci.Pipeline, error)
	TriggerRun(ctx context.Context, key ci.PipelineKey, ref string) (*ci.Run, error)
	CancelRun(ctx context.Context, key ci.RunKey) error
}

// Service serves CI reads through the cache and applies mutations with
// explicit cache invalidation. Safe for concurrent use.
type Service struct {
	gw    Gateway
	cache *cache.Cache[any]
	group singleflight.Group
}

// New creates a Service backed by gw and c.
func New(gw Gateway, c *cache.Cache[any]) *Service {
	return &Service{gw: gw, cache: c}
}

// Cache key layout. A project-wide invalidation is a single prefix scan:
//
//	projects
//	project/<proj>/pipelines
//	project/<proj>/pipeline/<pipe>/runs
//	project/<proj>/pipeline/<pipe>/run/<run>
func projectsKey() string { return "projects" }

func pipelinesKey(projectID string) string {
	return "project/" + projectID + "/pipelines"
}

func runsKey(key ci.PipelineKey) string {
	return "project/" + key.ProjectID + "/pipeline/" + key.PipelineID + "/runs"
}

func runKey(key ci.RunKey) string {
	return "project/" + key.ProjectID + "/pipeline/" + key.PipelineID + "/run/" + key.RunID
}

func pipelineScope(key ci.PipelineKey) string {
	return "project/" + key.ProjectID + "/pipeline/" + key.PipelineID + "/"
}

// Projects returns all projects, served from cache within the default TTL.
func (s *Service) Projects(ctx context.Context) ([]ci.Project, error) {
	return cached(ctx, s, projectsKey(), 0, func(ctx context.Context) ([]ci.Project, error) {
		return s.gw.FetchProjects(ctx)
	})
}

// Pipelines returns the pipelines of a project, served from cache within
// the default TTL.
func (s *Service) Pipelines(ctx context.Context, projectID string) ([]ci.Pipeline, error) {
	return cached(ctx, s, pipelinesKey(projectID), 0, func(ctx context.Context) ([]ci.Pipeline, error) {
		return s.gw.FetchPipelines(ctx, projectID)
	})
}

// FetchPipelineRuns returns a pipeline's run collection, served from cache
// within volatileTTL. Implements ci.RunSource.
func (s *Service) FetchPipelineRuns(ctx context.Context, key ci.PipelineKey) ([]ci.Run, error) {
	return cached(ctx, s, runsKey(key), volatileTTL, func(ctx context.Context) ([]ci.Run, error) {
		return s.gw.FetchPipelineRuns(ctx, key)
	})
}

// FetchRunDetails returns one run's details, served from cache within
// volatileTTL. Implements ci.RunSource.
func (s *Service) FetchRunDetails(ctx context.Context, key ci.RunKey) (*ci.RunDetails, error) {
	return cached(ctx, s, runKey(key), volatileTTL, func(ctx context.Context) (*ci.RunDetails, error) {
		return s.gw.FetchRunDetails(ctx, key)
	})
}

// TriggerRun starts a new run and invalidates the pipeline's cached runs so
// the next read sees it.
func (s *Service) TriggerRun(ctx context.Context, key ci.PipelineKey, ref string) (*ci.Run, error) {
	run, err := s.gw.TriggerRun(ctx, key, ref)
	if err != nil {
		return nil, err
	}
	n := s.cache.InvalidateScope(pipelineScope(key))
	slog.Debug("service: invalidated after trigger",
		"pipeline", key.String(), "entries", n)
	return run, nil
}

// CancelRun cancels a run and invalidates its pipeline scope, covering both
// the run collection and the run's own details entry.
func (s *Service) CancelRun(ctx context.Context, key ci.RunKey) error {
	if err := s.gw.CancelRun(ctx, key); err != nil {
		return err
	}
	n := s.cache.InvalidateScope(pipelineScope(key.Pipeline()))
	slog.Debug("service: invalidated after cancel",
		"run", key.String(), "entries", n)
	return nil
}

// InvalidateProject drops every cached entry belonging to one project.
func (s *Service) InvalidateProject(projectID string) int {
	return s.cache.InvalidateScope("project/" + projectID + "/")
}

// CacheStats exposes the underlying cache counters for the stats endpoint.
func (s *Service) CacheStats() cache.Stats {
	return s.cache.Stats()
}

// cached is the shared read-through path: cache hit, otherwise a
// singleflight-deduplicated gateway fetch followed by a cache fill.
// A zero ttl uses the cache's default.
func cached[T any](ctx context.Context, s *Service, key string, ttl time.Duration, fetch func(context.Context) (T, error)) (T, error) {
	var zero T

	if v, ok := s.cache.Get(key); ok {
		typed, ok := v.(T)
		if !ok {
			// A key collision across types is a programming bug; drop the
			// entry and fall through to a fresh fetch.
			s.cache.Invalidate(key)
		} else {
			return typed, nil
		}
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		fetched, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if ttl > 0 {
			s.cache.SetTTL(key, any(fetched), ttl)
		} else {
			s.cache.Set(key, any(fetched))
		}
		return fetched, nil
	})
	if err != nil {
		return zero, fmt.Errorf("service: fetch %s: %w", key, err)
	}
	return v.(T), nil
}
