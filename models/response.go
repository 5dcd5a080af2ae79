package models

// APIResponse is the JSON envelope for management endpoints and for scrape
// failures. Successful scrape responses mirror the upstream page instead
// and never use this envelope.
type APIResponse struct {
	// Success indicates whether the operation completed without errors.
	Success bool `json:"success"`

	// Data carries the operation-specific payload when Success is true.
	Data any `json:"data,omitempty"`

	// Error is populated only when Success is false.
	Error *ErrorDetail `json:"error,omitempty"`
}

// HealthResponse is the response for GET /api/v1/health.
type HealthResponse struct {
	Status  string       `json:"status"` // "healthy" or "degraded"
	Uptime  string       `json:"uptime"`
	Pool    PoolStats    `json:"pool"`
	Egress  EgressStats  `json:"egress"`
	Process ProcessStats `json:"process"`
	Version string       `json:"version"`
}

// PoolStats reports the state of the browsing session pool.
type PoolStats struct {
	MaxSessions  int `json:"max_sessions"`
	ActiveCount  int `json:"active"`
	IdleCount    int `json:"idle"`
	LiveCount    int `json:"live"`
	EngineResets int `json:"engine_resets"`
}

// EgressStats summarizes the egress registry for the health endpoint.
type EgressStats struct {
	Registered int    `json:"registered"`
	Healthy    int    `json:"healthy"`
	ActiveID   string `json:"active_id,omitempty"`
}

// ProcessStats reports resource usage of the serving process.
type ProcessStats struct {
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
}
