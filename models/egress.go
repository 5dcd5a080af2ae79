package models

import "time"

// EgressPoint is one named tunnel configuration the system can activate to
// change the apparent network origin of outbound traffic.
//
// Invariant: at most one point has Active == true system-wide at any
// instant. The egress registry owns the canonical copies and enforces the
// invariant; values handed out by the registry are snapshots.
type EgressPoint struct {
	// ID is the slugged identifier, also used as the tunnel interface
	// name and the persisted config filename.
	ID string `json:"id"`

	// Name is the display name the point was registered under.
	Name string `json:"name"`

	// Location is a free-form location code used for candidate filtering.
	Location string `json:"location,omitempty"`

	// Endpoint is the host:port of the remote peer, parsed out of the
	// configuration text.
	Endpoint string `json:"endpoint"`

	// Conf is the raw configuration text. Secret material, never
	// serialized outward.
	Conf string `json:"-"`

	// Active reports whether this point is the current egress.
	Active bool `json:"active"`

	// Healthy is the result of the most recent reachability probe.
	Healthy bool `json:"healthy"`

	// LastCheck is when the point was last probed; zero before the
	// first probe completes.
	LastCheck time.Time `json:"last_check"`
}

// EgressHealth is one per-point record in GET /api/v1/egress/status.
type EgressHealth struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Location  string    `json:"location,omitempty"`
	Endpoint  string    `json:"endpoint"`
	Active    bool      `json:"active"`
	Healthy   bool      `json:"healthy"`
	LastCheck time.Time `json:"last_check"`
}
