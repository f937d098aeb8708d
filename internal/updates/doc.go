// Package updates implements the subscription registry and the polling
// update engine that keeps observers current on remote CI runs.
//
// Callers subscribe to a single run or to a pipeline's whole run collection
// and receive an immediate snapshot plus a callback on every poll tick. One
// shared timer drives all polling: each tick fans out fetches for every
// active subscription concurrently, waits for them to settle, compares each
// run's (state, result) pair against the previous observation, and emits a
// StatusChange to registered observers before invoking the subscriber's own
// callback. A run that reaches the terminal state retires its subscription:
// the slot stays in the registry (so re-subscribing the same key is detected
// as such) but is skipped by later ticks until the handle is disposed.
//
// Background fetch failures are logged and counted, never surfaced; the only
// errors callers see are ErrCapacityExceeded on subscribe and ErrDisposed on
// any call after Dispose. The timer stops itself when the last subscription
// is disposed and restarts transparently when the polling interval or the
// background-refresh flag changes through UpdateConfiguration.
package updates
