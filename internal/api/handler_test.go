package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pipewatch/pipewatch/internal/cache"
	"github.com/pipewatch/pipewatch/internal/ci"
	"github.com/pipewatch/pipewatch/internal/service"
	"github.com/pipewatch/pipewatch/internal/updates"
)

// stubGateway serves fixed data for handler tests.
type stubGateway struct {
	triggered bool
	canceled  bool
}

func (g *stubGateway) FetchProjects(ctx context.Context) ([]ci.Project, error) {
	return []ci.Project{{ID: "p1", Name: "alpha"}}, nil
}

func (g *stubGateway) FetchPipelines(ctx context.Context, projectID string) ([]ci.Pipeline, error) {
	return []ci.Pipeline{{ID: "pl1", ProjectID: projectID, Name: "build"}}, nil
}

func (g *stubGateway) FetchPipelineRuns(ctx context.Context, key ci.PipelineKey) ([]ci.Run, error) {
	return []ci.Run{{ID: "r1", State: ci.RunStateRunning}}, nil
}

func (g *stubGateway) FetchRunDetails(ctx context.Context, key ci.RunKey) (*ci.RunDetails, error) {
	return &ci.RunDetails{Run: ci.Run{ID: key.RunID, State: ci.RunStateRunning}}, nil
}

func (g *stubGateway) TriggerRun(ctx context.Context, key ci.PipelineKey, ref string) (*ci.Run, error) {
	g.triggered = true
	return &ci.Run{ID: "new", State: ci.RunStateQueued, Branch: ref}, nil
}

func (g *stubGateway) CancelRun(ctx context.Context, key ci.RunKey) error {
	g.canceled = true
	return nil
}

func newTestHandler(t *testing.T) (http.Handler, *stubGateway) {
	t.Helper()
	gw := &stubGateway{}
	svc := service.New(gw, cache.New[any](cache.Config{}))
	engine := updates.New(gw, svc, updates.Config{PollingInterval: time.Hour})
	t.Cleanup(engine.Dispose)
	return New(svc, engine), gw
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := get(t, h, "/api/v1/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status field: got %q, want ok", resp.Status)
	}
}

func TestStats(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := get(t, h, "/api/v1/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}

	var resp StatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Cache.Size != 0 || resp.Engine.ActiveSubscriptions != 0 {
		t.Errorf("fresh stats: got %+v", resp)
	}
}

func TestListProjects(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := get(t, h, "/api/v1/projects")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}

	var projects []ci.Project
	if err := json.Unmarshal(rec.Body.Bytes(), &projects); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(projects) != 1 || projects[0].ID != "p1" {
		t.Errorf("projects: got %+v", projects)
	}
}

func TestListRuns(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := get(t, h, "/api/v1/projects/p1/pipelines/pl1/runs")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}

	var runs []ci.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "r1" {
		t.Errorf("runs: got %+v", runs)
	}
}

func TestGetRun(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := get(t, h, "/api/v1/projects/p1/pipelines/pl1/runs/r1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}

	var details ci.RunDetails
	if err := json.Unmarshal(rec.Body.Bytes(), &details); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if details.ID != "r1" {
		t.Errorf("run ID: got %q, want r1", details.ID)
	}
}

func TestTriggerRun(t *testing.T) {
	h, gw := newTestHandler(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/p1/pipelines/pl1/runs",
		strings.NewReader(`{"ref":"main"}`))
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status: got %d, want 201", rec.Code)
	}
	if !gw.triggered {
		t.Error("gateway TriggerRun was not called")
	}
}

func TestCancelRun(t *testing.T) {
	h, gw := newTestHandler(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/p1/pipelines/pl1/runs/r1/cancel", nil)
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status: got %d, want 204", rec.Code)
	}
	if !gw.canceled {
		t.Error("gateway CancelRun was not called")
	}
}

func TestUnknownPath(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := get(t, h, "/api/v1/projects/p1/unknown")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/projects", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", rec.Code)
	}
}

func TestMetrics(t *testing.T) {
	h, _ := newTestHandler(t)

	// Generate some cache traffic so the counters are non-trivial.
	rec := get(t, h, "/api/v1/projects")
	if rec.Code != http.StatusOK {
		t.Fatal("seed request failed")
	}

	rec = get(t, h, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"pipewatch_cache_hits_total",
		"pipewatch_cache_misses_total",
		"pipewatch_cache_size",
		"pipewatch_updates_total",
		"pipewatch_active_subscriptions",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics body missing %q", want)
		}
	}
}
