package api

import (
	"github.com/pipewatch/pipewatch/internal/cache"
	"github.com/pipewatch/pipewatch/internal/updates"
)

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	Status              string `json:"status"`
	ActiveSubscriptions int    `json:"active_subscriptions"`
	BackgroundRefresh   bool   `json:"background_refresh"`
	LastUpdate          string `json:"last_update,omitempty"` // RFC3339
}

// StatsResponse is the payload for GET /api/v1/stats.
type StatsResponse struct {
	Engine updates.Stats `json:"engine"`
	Cache  cache.Stats   `json:"cache"`
}

// TriggerRequest is the body for POST .../runs.
type TriggerRequest struct {
	Ref string `json:"ref"`
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
