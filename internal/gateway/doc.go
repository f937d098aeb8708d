// Package gateway implements the remote data gateway: an HTTP client for the
// CI service's REST API.
//
// Client implements ci.RunSource plus the list and mutation operations the
// cached data service needs. The http.Client is built once per Client and
// reused; authentication headers are injected by a RoundTripper so every
// request picks up credentials resolved from the environment at call time.
// Each request carries a generated X-Request-ID for correlation with
// CI-service logs.
package gateway
