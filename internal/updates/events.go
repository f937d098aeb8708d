package updates

import (
	"time"

	"github.com/pipewatch/pipewatch/internal/ci"
)

// StatusChange describes one observed run state transition. The first
// observation of a run always produces a StatusChange with First set, since
// there is no prior state to compare against.
type StatusChange struct {
	Key ci.RunKey `json:"key"`

	PreviousState  ci.RunState  `json:"previous_state,omitempty"`
	State          ci.RunState  `json:"state"`
	PreviousResult ci.RunResult `json:"previous_result,omitempty"`
	Result         ci.RunResult `json:"result,omitempty"`

	// First marks the initial observation of this run key.
	First bool `json:"first,omitempty"`

	At time.Time `json:"at"`
}

// RunCallback receives the full run snapshot on every poll tick, changed or
// not, so observers can refresh time-derived rendering. Callbacks run on the
// engine's polling goroutines and must not block.
type RunCallback func(*ci.RunDetails)

// PipelineCallback receives a pipeline's full run collection on every poll
// tick. No per-item diffing is done at this level; the collection replaces
// itself wholesale downstream.
type PipelineCallback func([]ci.Run)

// OnRunStatusChanged registers an observer for state-transition deltas
// across all run subscriptions. The returned handle removes the observer;
// Dispose on the engine removes all observers.
func (e *Engine) OnRunStatusChanged(fn func(StatusChange)) (*Subscription, error) {
	if fn == nil {
		return nil, errNilCallback
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return nil, ErrDisposed
	}

	id := e.nextObserverID
	e.nextObserverID++
	e.observers[id] = fn

	return newSubscription(func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.observers, id)
	}), nil
}

// observerSnapshotLocked copies the observer list so emission happens
// outside the engine lock. Callers hold e.mu.
func (e *Engine) observerSnapshotLocked() []func(StatusChange) {
	if len(e.observers) == 0 {
		return nil
	}
	out := make([]func(StatusChange), 0, len(e.observers))
	for _, fn := range e.observers {
		out = append(out, fn)
	}
	return out
}
