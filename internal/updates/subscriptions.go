package updates

import (
	"sync"
	"time"

	"github.com/pipewatch/pipewatch/internal/ci"
)

// subState is the liveness of a run subscription slot. A slot exists from
// subscribe until its handle is disposed; whether it is polled is a separate
// question, which is why this is a tagged state and not a boolean.
type subState int

const (
	// stateActive slots are polled on every tick.
	stateActive subState = iota

	// stateRetired slots observed the terminal state. They stay in the
	// registry so re-subscription of the same key is recognized, but ticks
	// skip them. There is no transition back to stateActive; subscribing
	// the same key again installs a fresh slot.
	stateRetired
)

// observedState is the last (state, result) pair seen for a run key, kept
// for change detection across ticks.
type observedState struct {
	state  ci.RunState
	result ci.RunResult
}

// runSubscription is one entity-level subscription slot.
type runSubscription struct {
	key         ci.RunKey
	cb          RunCallback
	state       subState
	prev        *observedState
	lastUpdated time.Time
}

// observe records a fetched snapshot and reports whether it differs from the
// previous observation. The first observation always counts as changed.
func (s *runSubscription) observe(d *ci.RunDetails, now time.Time) (StatusChange, bool) {
	change := StatusChange{
		Key:    s.key,
		State:  d.State,
		Result: d.Result,
		At:     now,
	}

	changed := true
	if s.prev == nil {
		change.First = true
	} else {
		change.PreviousState = s.prev.state
		change.PreviousResult = s.prev.result
		changed = s.prev.state != d.State || s.prev.result != d.Result
	}

	s.prev = &observedState{state: d.State, result: d.Result}
	s.lastUpdated = now
	return change, changed
}

// registry holds both subscription maps. It is not locked itself — every
// method assumes the owning engine's mutex is held.
type registry struct {
	maxActive int

	runs map[ci.RunKey]*runSubscription

	// pipelines maps a collection key to its callback set. Callback IDs
	// exist only so individual callbacks can be removed on disposal.
	pipelines  map[ci.PipelineKey]map[uint64]PipelineCallback
	nextPipeID uint64
}

func newRegistry(maxActive int) *registry {
	return &registry{
		maxActive: maxActive,
		runs:      make(map[ci.RunKey]*runSubscription),
		pipelines: make(map[ci.PipelineKey]map[uint64]PipelineCallback),
	}
}

// addRun installs or replaces the slot for key. Replacing the callback of a
// live slot is last-writer-wins and never counts against capacity; creating
// a slot (first subscribe, or re-subscribe after retirement) does.
func (r *registry) addRun(key ci.RunKey, cb RunCallback) error {
	if existing, ok := r.runs[key]; ok && existing.state == stateActive {
		existing.cb = cb
		return nil
	}
	if r.activeRunCount() >= r.maxActive {
		return ErrCapacityExceeded
	}
	r.runs[key] = &runSubscription{key: key, cb: cb, state: stateActive}
	return nil
}

// removeRun deletes the slot outright. Used by handle disposal and distinct
// from retirement, which only stops polling.
func (r *registry) removeRun(key ci.RunKey) {
	delete(r.runs, key)
}

// addPipeline registers cb under key, creating the callback set lazily.
func (r *registry) addPipeline(key ci.PipelineKey, cb PipelineCallback) uint64 {
	set, ok := r.pipelines[key]
	if !ok {
		set = make(map[uint64]PipelineCallback)
		r.pipelines[key] = set
	}
	id := r.nextPipeID
	r.nextPipeID++
	set[id] = cb
	return id
}

// removePipeline removes one callback and drops the set when it empties.
func (r *registry) removePipeline(key ci.PipelineKey, id uint64) {
	set, ok := r.pipelines[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(r.pipelines, key)
	}
}

// activeRunCount counts slots that ticks still poll.
func (r *registry) activeRunCount() int {
	n := 0
	for _, s := range r.runs {
		if s.state == stateActive {
			n++
		}
	}
	return n
}

// pipelineCallbackCount counts registered collection-level callbacks.
func (r *registry) pipelineCallbackCount() int {
	n := 0
	for _, set := range r.pipelines {
		n += len(set)
	}
	return n
}

// empty reports whether no slots of either kind remain. Retired run slots
// count as present: they are removed only by disposal.
func (r *registry) empty() bool {
	return len(r.runs) == 0 && len(r.pipelines) == 0
}

func (r *registry) clear() {
	r.runs = make(map[ci.RunKey]*runSubscription)
	r.pipelines = make(map[ci.PipelineKey]map[uint64]PipelineCallback)
}

// activeRunKeys snapshots the keys ticks must poll.
func (r *registry) activeRunKeys() []ci.RunKey {
	keys := make([]ci.RunKey, 0, len(r.runs))
	for key, s := range r.runs {
		if s.state == stateActive {
			keys = append(keys, key)
		}
	}
	return keys
}

// pipelineKeys snapshots the collection keys ticks must poll.
func (r *registry) pipelineKeys() []ci.PipelineKey {
	keys := make([]ci.PipelineKey, 0, len(r.pipelines))
	for key := range r.pipelines {
		keys = append(keys, key)
	}
	return keys
}

// pipelineCallbacks snapshots the callback set for one key, or nil if the
// key is gone (all observers disposed mid-flight).
func (r *registry) pipelineCallbacks(key ci.PipelineKey) []PipelineCallback {
	set, ok := r.pipelines[key]
	if !ok {
		return nil
	}
	out := make([]PipelineCallback, 0, len(set))
	for _, cb := range set {
		out = append(out, cb)
	}
	return out
}

// Subscription is the disposable handle returned by the engine's subscribe
// methods. Dispose is idempotent and safe to call from any goroutine.
type Subscription struct {
	once    sync.Once
	dispose func()
}

func newSubscription(dispose func()) *Subscription {
	return &Subscription{dispose: dispose}
}

// Dispose removes the subscription. Effective immediately for future ticks;
// a fetch already in flight checks slot existence before invoking callbacks.
func (s *Subscription) Dispose() {
	s.once.Do(s.dispose)
}
