package ci

import (
	"context"
	"time"
)

// RunState is the lifecycle state of a CI run as reported by the remote
// service.
type RunState string

const (
	RunStatePending RunState = "pending"
	RunStateQueued  RunState = "queued"
	RunStateRunning RunState = "running"

	// RunStateCompleted is the terminal state: once a run reports it, no
	// further transitions are expected and subscriptions observing the run
	// retire themselves.
	RunStateCompleted RunState = "completed"
)

// Terminal reports whether no further state transitions are expected.
func (s RunState) Terminal() bool { return s == RunStateCompleted }

// RunResult is the outcome of a completed run. Empty while the run is still
// in flight.
type RunResult string

const (
	RunResultNone      RunResult = ""
	RunResultSucceeded RunResult = "succeeded"
	RunResultFailed    RunResult = "failed"
	RunResultCanceled  RunResult = "canceled"
)

// Project is a top-level grouping of pipelines on the remote CI service.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// Pipeline is a build definition belonging to a project.
type Pipeline struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	Branch    string `json:"default_branch,omitempty"`
}

// Run is one execution of a pipeline.
type Run struct {
	ID         string    `json:"id"`
	PipelineID string    `json:"pipeline_id"`
	ProjectID  string    `json:"project_id"`
	Number     int       `json:"number"`
	State      RunState  `json:"state"`
	Result     RunResult `json:"result,omitempty"`
	Branch     string    `json:"branch,omitempty"`
	CommitSHA  string    `json:"commit_sha,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	WebURL     string    `json:"web_url,omitempty"`
}

// Step is one stage within a run, present only in RunDetails.
type Step struct {
	Name     string        `json:"name"`
	State    RunState      `json:"state"`
	Result   RunResult     `json:"result,omitempty"`
	Duration time.Duration `json:"duration_ns,omitempty"`
}

// RunDetails is the full view of a single run, including its steps.
type RunDetails struct {
	Run
	Steps []Step `json:"steps,omitempty"`
}

// RunKey identifies one run subscription slot. All three components are
// required: run IDs are only unique within a pipeline, and pipeline IDs
// only within a project.
type RunKey struct {
	ProjectID  string
	PipelineID string
	RunID      string
}

func (k RunKey) String() string {
	return k.ProjectID + "/" + k.PipelineID + "/" + k.RunID
}

// Pipeline returns the collection-level key for the run's pipeline.
func (k RunKey) Pipeline() PipelineKey {
	return PipelineKey{ProjectID: k.ProjectID, PipelineID: k.PipelineID}
}

// PipelineKey identifies a collection-level (all runs of one pipeline)
// subscription.
type PipelineKey struct {
	ProjectID  string
	PipelineID string
}

func (k PipelineKey) String() string {
	return k.ProjectID + "/" + k.PipelineID
}

// RunSource fetches run data from the remote CI service. It is everything
// the update engine needs; errors are opaque to callers, which only
// distinguish success from failure.
type RunSource interface {
	// FetchRunDetails returns the current details of a single run.
	FetchRunDetails(ctx context.Context, key RunKey) (*RunDetails, error)

	// FetchPipelineRuns returns the current run collection of a pipeline.
	FetchPipelineRuns(ctx context.Context, key PipelineKey) ([]Run, error)
}
