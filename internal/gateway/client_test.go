package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pipewatch/pipewatch/internal/ci"
	"github.com/pipewatch/pipewatch/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, auth config.AuthConfig) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(config.ClientConfig{BaseURL: srv.URL, Auth: auth})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestFetchRunDetails(t *testing.T) {
	var gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(ci.RunDetails{
			Run: ci.Run{ID: "run-1", State: ci.RunStateRunning},
		})
	}, config.AuthConfig{})

	key := ci.RunKey{ProjectID: "proj", PipelineID: "pipe", RunID: "run-1"}
	details, err := c.FetchRunDetails(context.Background(), key)
	if err != nil {
		t.Fatalf("FetchRunDetails: %v", err)
	}
	if details.ID != "run-1" || details.State != ci.RunStateRunning {
		t.Errorf("details: got %+v", details.Run)
	}
	if want := "/projects/proj/pipelines/pipe/runs/run-1"; gotPath != want {
		t.Errorf("path: got %q, want %q", gotPath, want)
	}
}

func TestFetchPipelineRuns(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]ci.Run{
			{ID: "r1", State: ci.RunStateCompleted, Result: ci.RunResultSucceeded},
			{ID: "r2", State: ci.RunStateRunning},
		})
	}, config.AuthConfig{})

	runs, err := c.FetchPipelineRuns(context.Background(), ci.PipelineKey{ProjectID: "p", PipelineID: "pl"})
	if err != nil {
		t.Fatalf("FetchPipelineRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs: got %d, want 2", len(runs))
	}
}

func TestFetch_NonOKStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "run not found", http.StatusNotFound)
	}, config.AuthConfig{})

	_, err := c.FetchRunDetails(context.Background(), ci.RunKey{ProjectID: "p", PipelineID: "pl", RunID: "gone"})
	if err == nil {
		t.Fatal("expected error on 404")
	}
}

func TestAuthHeaders(t *testing.T) {
	t.Setenv("TEST_GW_TOKEN", "tok-123")

	var gotAuth, gotReqID string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotReqID = r.Header.Get("X-Request-ID")
		json.NewEncoder(w).Encode([]ci.Project{})
	}, config.AuthConfig{Mode: "bearer", TokenEnv: "TEST_GW_TOKEN"})

	if _, err := c.FetchProjects(context.Background()); err != nil {
		t.Fatalf("FetchProjects: %v", err)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("Authorization: got %q, want Bearer tok-123", gotAuth)
	}
	if gotReqID == "" {
		t.Error("X-Request-ID: want non-empty")
	}
}

func TestTriggerRun(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method: got %s, want POST", r.Method)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["ref"] != "main" {
			t.Errorf("ref: got %q, want main", body["ref"])
		}
		json.NewEncoder(w).Encode(ci.Run{ID: "new-run", State: ci.RunStateQueued})
	}, config.AuthConfig{})

	run, err := c.TriggerRun(context.Background(), ci.PipelineKey{ProjectID: "p", PipelineID: "pl"}, "main")
	if err != nil {
		t.Fatalf("TriggerRun: %v", err)
	}
	if run.ID != "new-run" {
		t.Errorf("run ID: got %q, want new-run", run.ID)
	}
}

func TestCancelRun(t *testing.T) {
	var gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}, config.AuthConfig{})

	err := c.CancelRun(context.Background(), ci.RunKey{ProjectID: "p", PipelineID: "pl", RunID: "r9"})
	if err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	if want := "/projects/p/pipelines/pl/runs/r9/cancel"; gotPath != want {
		t.Errorf("path: got %q, want %q", gotPath, want)
	}
}
