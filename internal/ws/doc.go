// Package ws implements the WebSocket hub that streams update-engine events
// to IDE and webview clients.
//
// Unlike a fixed-interval broadcast, the hub is event-driven: the daemon
// registers it as a status-change observer on the update engine and as the
// callback of its pipeline subscriptions, so clients receive a message the
// moment a poll tick detects something. Slow clients whose outgoing buffer
// fills are disconnected rather than allowed to stall the engine's
// callbacks.
//
// Message format sent to clients:
//
//	{
//	  "event": "run_status_changed" | "pipeline_runs",
//	  "data":  { ... }
//	}
//
// The upgrader accepts all origins; the daemon binds to localhost and is
// not meant to be exposed directly.
package ws
