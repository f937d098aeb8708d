package updates

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pipewatch/pipewatch/internal/ci"
)

// Default engine configuration values.
const (
	DefaultPollingInterval        = 30 * time.Second
	DefaultMaxActiveSubscriptions = 50
)

var (
	// ErrCapacityExceeded is returned by subscribe calls made while the
	// number of active run subscriptions is at the configured maximum.
	ErrCapacityExceeded = errors.New("updates: active subscription limit reached")

	// ErrDisposed is returned by every public call made after Dispose.
	ErrDisposed = errors.New("updates: engine disposed")

	errNilCallback = errors.New("updates: nil callback")
)

// Config controls the engine's polling behavior. It can be replaced at
// runtime through UpdateConfiguration.
type Config struct {
	// PollingInterval is the shared timer period.
	PollingInterval time.Duration

	// MaxActiveSubscriptions caps concurrently active run subscriptions.
	MaxActiveSubscriptions int

	// IncrementalFetch routes collection fetches through the cached source
	// on poll ticks instead of the direct gateway.
	IncrementalFetch bool

	// BackgroundRefresh starts the shared timer on the first subscribe.
	// When false, subscribers receive only their initial snapshot and
	// whatever RefreshAllSubscriptions delivers.
	BackgroundRefresh bool
}

func (c Config) withDefaults() Config {
	if c.PollingInterval <= 0 {
		c.PollingInterval = DefaultPollingInterval
	}
	if c.MaxActiveSubscriptions <= 0 {
		c.MaxActiveSubscriptions = DefaultMaxActiveSubscriptions
	}
	return c
}

// Stats is an aggregate snapshot of engine activity.
type Stats struct {
	// ActiveSubscriptions counts subscriptions ticks still serve: run
	// slots in the active state plus registered pipeline callbacks.
	ActiveSubscriptions int `json:"active_subscriptions"`

	// TrackedRunSubscriptions counts all run slots, including retired ones
	// that are kept until their handles are disposed.
	TrackedRunSubscriptions int `json:"tracked_run_subscriptions"`

	// PipelineSubscriptions counts distinct pipeline keys with observers.
	PipelineSubscriptions int `json:"pipeline_subscriptions"`

	TotalUpdates    int64         `json:"total_updates"`
	ErrorCount      int64         `json:"error_count"`
	AverageResponse time.Duration `json:"average_response_ns"`
	LastUpdate      time.Time     `json:"last_update"`

	BackgroundRefreshActive bool `json:"background_refresh_active"`
}

// Engine polls the remote source on behalf of all subscriptions and fans
// results out to their callbacks. All exported methods are safe for
// concurrent use. Construct with New; one instance serves the whole
// process session and is disposed once.
type Engine struct {
	src    ci.RunSource // direct gateway; initial fetches bypass the cache
	cached ci.RunSource // cache-backed source for collection fetches; may be nil

	mu  sync.Mutex
	cfg Config
	reg *registry

	observers      map[uint64]func(StatusChange)
	nextObserverID uint64

	running  bool
	stop     chan struct{}
	disposed bool

	totalUpdates int64
	errorCount   int64
	avgResponse  time.Duration
	lastUpdate   time.Time

	now    func() time.Time // injectable for deterministic tests
	loopWG sync.WaitGroup
}

// New creates an Engine that fetches from src. If cached is non-nil,
// collection fetches go through it whenever IncrementalFetch is enabled;
// run-detail fetches and initial snapshots always use src so subscribers
// never start from a stale cache entry.
func New(src ci.RunSource, cached ci.RunSource, cfg Config) *Engine {
	return &Engine{
		src:       src,
		cached:    cached,
		cfg:       cfg.withDefaults(),
		reg:       newRegistry(cfg.withDefaults().MaxActiveSubscriptions),
		observers: make(map[uint64]func(StatusChange)),
		now:       time.Now,
	}
}

// SubscribeToRunUpdates registers cb for a single run and returns its
// disposal handle. An immediate out-of-band fetch delivers the first
// snapshot without waiting for the next tick; its failure is logged, not
// surfaced — the subscription stays active for the next tick. Subscribing
// an already-subscribed key replaces the callback (last-writer-wins)
// instead of creating a duplicate slot.
func (e *Engine) SubscribeToRunUpdates(runID, pipelineID, projectID string, cb RunCallback) (*Subscription, error) {
	if cb == nil {
		return nil, errNilCallback
	}
	key := ci.RunKey{ProjectID: projectID, PipelineID: pipelineID, RunID: runID}

	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return nil, ErrDisposed
	}
	if err := e.reg.addRun(key, cb); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if e.cfg.BackgroundRefresh && !e.running {
		e.startLocked()
	}
	src := e.src
	e.mu.Unlock()

	go e.pollRun(context.Background(), src, key)

	return newSubscription(func() { e.unsubscribeRun(key) }), nil
}

// SubscribeToPipelineUpdates registers cb for a pipeline's run collection.
// Multiple observers share one collection-level subscription per key; the
// set is created lazily and removed when its last callback is disposed.
func (e *Engine) SubscribeToPipelineUpdates(pipelineID, projectID string, cb PipelineCallback) (*Subscription, error) {
	if cb == nil {
		return nil, errNilCallback
	}
	key := ci.PipelineKey{ProjectID: projectID, PipelineID: pipelineID}

	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return nil, ErrDisposed
	}
	id := e.reg.addPipeline(key, cb)
	if e.cfg.BackgroundRefresh && !e.running {
		e.startLocked()
	}
	src := e.collectionSourceLocked()
	e.mu.Unlock()

	go e.pollPipeline(context.Background(), src, key)

	return newSubscription(func() { e.unsubscribePipeline(key, id) }), nil
}

// StartBackgroundRefresh starts the shared poll timer. Starting an already
// running timer is a no-op.
func (e *Engine) StartBackgroundRefresh() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return ErrDisposed
	}
	e.startLocked()
	return nil
}

// StopBackgroundRefresh stops the shared poll timer. Stopping an already
// stopped timer is a no-op. Subscriptions are retained.
func (e *Engine) StopBackgroundRefresh() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return ErrDisposed
	}
	e.stopLocked()
	return nil
}

// IsBackgroundRefreshActive reports whether the shared timer is running.
func (e *Engine) IsBackgroundRefreshActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// ActiveSubscriptionCount returns the number of subscriptions ticks still
// serve: run slots in the active state plus pipeline callbacks. Retired run
// slots are excluded; Stats reports them under TrackedRunSubscriptions.
func (e *Engine) ActiveSubscriptionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reg.activeRunCount() + e.reg.pipelineCallbackCount()
}

// Configuration returns the current engine configuration.
func (e *Engine) Configuration() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// UpdateConfiguration replaces the engine configuration at runtime. A
// changed polling interval restarts the running timer without losing
// subscriptions; toggling BackgroundRefresh starts or stops it.
func (e *Engine) UpdateConfiguration(cfg Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return ErrDisposed
	}

	old := e.cfg
	e.cfg = cfg.withDefaults()
	e.reg.maxActive = e.cfg.MaxActiveSubscriptions

	switch {
	case e.running && !e.cfg.BackgroundRefresh:
		e.stopLocked()
	case e.running && e.cfg.PollingInterval != old.PollingInterval:
		// Cancel-then-reschedule under the lock, atomically relative to
		// concurrent subscribe/unsubscribe calls.
		e.stopLocked()
		e.startLocked()
	case !e.running && e.cfg.BackgroundRefresh && !old.BackgroundRefresh:
		e.startLocked()
	}

	slog.Info("updates: configuration applied",
		"polling_interval", e.cfg.PollingInterval,
		"max_active_subscriptions", e.cfg.MaxActiveSubscriptions,
		"incremental_fetch", e.cfg.IncrementalFetch,
		"background_refresh", e.cfg.BackgroundRefresh,
	)
	return nil
}

// RefreshAllSubscriptions re-fetches every active subscription immediately
// and returns once all fetches have settled. Individual failures are logged
// and counted; they never abort sibling refreshes.
func (e *Engine) RefreshAllSubscriptions(ctx context.Context) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrDisposed
	}
	e.mu.Unlock()

	e.tick(ctx)
	return nil
}

// Stats returns an aggregate snapshot of engine activity.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		ActiveSubscriptions:     e.reg.activeRunCount() + e.reg.pipelineCallbackCount(),
		TrackedRunSubscriptions: len(e.reg.runs),
		PipelineSubscriptions:   len(e.reg.pipelines),
		TotalUpdates:            e.totalUpdates,
		ErrorCount:              e.errorCount,
		AverageResponse:         e.avgResponse,
		LastUpdate:              e.lastUpdate,
		BackgroundRefreshActive: e.running,
	}
}

// Dispose stops the timer, drops all subscriptions and observers, and
// zeroes the counters. The engine is permanently unusable afterwards:
// every subsequent public call returns ErrDisposed. Dispose itself is
// idempotent.
func (e *Engine) Dispose() {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.disposed = true
	e.stopLocked()
	e.reg.clear()
	e.observers = make(map[uint64]func(StatusChange))
	e.totalUpdates = 0
	e.errorCount = 0
	e.avgResponse = 0
	e.lastUpdate = time.Time{}
	e.mu.Unlock()

	e.loopWG.Wait()
	slog.Info("updates: engine disposed")
}

// --- timer ----------------------------------------------------------------

// startLocked launches the poll loop. Callers hold e.mu.
func (e *Engine) startLocked() {
	if e.running {
		return
	}
	stop := make(chan struct{})
	e.stop = stop
	e.running = true
	e.loopWG.Add(1)
	go e.loop(e.cfg.PollingInterval, stop)
	slog.Debug("updates: background refresh started", "interval", e.cfg.PollingInterval)
}

// stopLocked cancels the poll loop. Callers hold e.mu.
func (e *Engine) stopLocked() {
	if !e.running {
		return
	}
	close(e.stop)
	e.stop = nil
	e.running = false
	slog.Debug("updates: background refresh stopped")
}

// loop is the shared timer goroutine. Ticks never overlap: tick blocks until
// its whole fan-out settles before the next ticker fire is consumed.
func (e *Engine) loop(interval time.Duration, stop chan struct{}) {
	defer e.loopWG.Done()
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-t.C:
			e.tick(context.Background())
		}
	}
}

// --- poll tick --------------------------------------------------------------

// tick re-fetches every active subscription concurrently and waits for the
// fan-out to settle.
func (e *Engine) tick(ctx context.Context) {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	runKeys := e.reg.activeRunKeys()
	pipeKeys := e.reg.pipelineKeys()
	src := e.src
	collSrc := e.collectionSourceLocked()
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, key := range runKeys {
		wg.Add(1)
		go func(key ci.RunKey) {
			defer wg.Done()
			e.pollRun(ctx, src, key)
		}(key)
	}
	for _, key := range pipeKeys {
		wg.Add(1)
		go func(key ci.PipelineKey) {
			defer wg.Done()
			e.pollPipeline(ctx, collSrc, key)
		}(key)
	}
	wg.Wait()

	e.mu.Lock()
	if !e.disposed {
		e.lastUpdate = e.now()
	}
	e.mu.Unlock()
}

// pollRun fetches one run and delivers the result: a StatusChange to the
// observers when the (state, result) pair moved, then the subscriber's own
// callback unconditionally. A terminal state retires the slot.
func (e *Engine) pollRun(ctx context.Context, src ci.RunSource, key ci.RunKey) {
	start := e.now()
	details, err := src.FetchRunDetails(ctx, key)
	elapsed := e.now().Sub(start)

	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.recordFetchLocked(elapsed, err)
	if err != nil {
		e.mu.Unlock()
		slog.Warn("updates: run fetch failed",
			"run", key.RunID, "pipeline", key.PipelineID, "project", key.ProjectID, "err", err)
		return
	}

	// The handle may have been disposed while the fetch was in flight;
	// never invoke a callback whose subscription no longer exists.
	sub, ok := e.reg.runs[key]
	if !ok || sub.state != stateActive {
		e.mu.Unlock()
		return
	}

	change, changed := sub.observe(details, e.now())
	if changed {
		e.totalUpdates++
	}
	if details.State.Terminal() {
		sub.state = stateRetired
	}
	cb := sub.cb
	var observers []func(StatusChange)
	if changed {
		observers = e.observerSnapshotLocked()
	}
	e.mu.Unlock()

	if details.State.Terminal() {
		slog.Debug("updates: run reached terminal state, subscription retired",
			"run", key.RunID, "result", details.Result)
	}

	// Change emission precedes the subscriber callback for a given key.
	for _, fn := range observers {
		fn(change)
	}
	cb(details)
}

// pollPipeline fetches one pipeline's run collection and hands it to every
// callback registered for the key.
func (e *Engine) pollPipeline(ctx context.Context, src ci.RunSource, key ci.PipelineKey) {
	start := e.now()
	runs, err := src.FetchPipelineRuns(ctx, key)
	elapsed := e.now().Sub(start)

	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.recordFetchLocked(elapsed, err)
	if err != nil {
		e.mu.Unlock()
		slog.Warn("updates: pipeline fetch failed",
			"pipeline", key.PipelineID, "project", key.ProjectID, "err", err)
		return
	}
	cbs := e.reg.pipelineCallbacks(key)
	e.mu.Unlock()

	for _, cb := range cbs {
		cb(runs)
	}
}

// recordFetchLocked updates the aggregate counters for one settled fetch.
// Callers hold e.mu.
func (e *Engine) recordFetchLocked(elapsed time.Duration, err error) {
	if err != nil {
		e.errorCount++
		return
	}
	if e.avgResponse == 0 {
		e.avgResponse = elapsed
	} else {
		e.avgResponse = (e.avgResponse + elapsed) / 2
	}
}

// collectionSourceLocked picks the source for collection fetches. Callers
// hold e.mu.
func (e *Engine) collectionSourceLocked() ci.RunSource {
	if e.cfg.IncrementalFetch && e.cached != nil {
		return e.cached
	}
	return e.src
}

// --- unsubscribe --------------------------------------------------------------

func (e *Engine) unsubscribeRun(key ci.RunKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return
	}
	e.reg.removeRun(key)
	if e.reg.empty() {
		e.stopLocked()
	}
}

func (e *Engine) unsubscribePipeline(key ci.PipelineKey, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return
	}
	e.reg.removePipeline(key, id)
	if e.reg.empty() {
		e.stopLocked()
	}
}
