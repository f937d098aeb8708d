// Package ci defines the domain model shared across pipewatch: projects,
// pipelines, runs, and the composite keys that identify them.
//
// It also declares RunSource, the narrow fetch interface the update engine
// consumes. The HTTP gateway implements it directly; the cached data service
// implements it on top of the TTL cache, so callers choose per call site
// whether a fetch may be served from cache.
package ci
