// Package service is the cached data-access layer between the HTTP/WS
// surface, the update engine, and the remote gateway.
//
// Reads go through the TTL+LRU cache: project and pipeline lists use the
// cache's default TTL, while run collections and run details use a short
// TTL since they change while a run executes. Concurrent identical reads
// are collapsed into a single gateway call with singleflight. Mutations
// (TriggerRun, CancelRun) call the gateway and then invalidate the cache
// scope they affect, so the next read observes the mutation.
//
// Service implements ci.RunSource, which lets the update engine fetch
// collection data through the cache when incremental fetch is enabled.
package service
