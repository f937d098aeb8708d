// Package api implements the local HTTP surface consumed by IDE and webview
// clients.
//
// All /api/v1/* endpoints return JSON. Reads are served through the cached
// data service; trigger and cancel mutations go to the gateway and
// invalidate the affected cache scope. /metrics exposes cache and engine
// counters in Prometheus text exposition format so staleness (lastUpdate,
// error counts) can be watched from the outside, as background poll
// failures are never surfaced as errors.
package api
