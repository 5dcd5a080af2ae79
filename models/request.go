package models

// ScrapeRequest is the input for GET /scrape, bound from query parameters.
type ScrapeRequest struct {
	// URL is the target page to fetch. Required.
	URL string `form:"url" binding:"required,url"`

	// Scroll enables progressive reveal: the page is scrolled repeatedly
	// to trigger lazily loaded content until the document height stops
	// growing, and the rendered document replaces the network payload.
	// Default: false.
	Scroll bool `form:"scroll"`

	// ScrollIterations caps the number of reveal iterations.
	// Default: 10. Max: 50.
	ScrollIterations int `form:"scroll_iterations" binding:"omitempty,min=1,max=50"`

	// WaitNetworkIdle waits for the page's network activity to quiesce
	// after the main document arrives, up to a bounded deadline that
	// degrades to "proceed anyway". Useful for SPAs.
	// Default: false.
	WaitNetworkIdle bool `form:"wait_network_idle"`

	// Screenshot returns a PNG capture of the rendered page instead of
	// the document body. Mutually exclusive with Light.
	Screenshot bool `form:"screenshot"`

	// Light performs a single direct HTTP fetch with no browser session,
	// no retry, no failover and no challenge handling.
	// Mutually exclusive with Screenshot.
	Light bool `form:"light"`

	// Location is an optional egress-location hint (e.g. "de") used to
	// restrict candidate egress points during rate-limit failover.
	Location string `form:"location"`

	// Timeout is the maximum duration in seconds for the entire scrape
	// operation. Default: 60. Max: 120.
	Timeout int `form:"timeout" binding:"omitempty,min=1,max=120"`
}

// Defaults applies default values to unset fields.
func (r *ScrapeRequest) Defaults() {
	if r.ScrollIterations == 0 {
		r.ScrollIterations = 10
	}
	if r.Timeout == 0 {
		r.Timeout = 60
	}
}

// Validate rejects flag combinations the pipeline cannot serve.
func (r *ScrapeRequest) Validate() error {
	if r.Light && r.Screenshot {
		return NewScrapeError(ErrCodeInvalidInput,
			"light and screenshot are mutually exclusive", nil)
	}
	return nil
}

// RegisterEgressRequest is the payload for POST /api/v1/egress.
type RegisterEgressRequest struct {
	// Name is the display name; its slug becomes the point id.
	Name string `json:"name" binding:"required"`

	// Location is a free-form location code (e.g. "de", "us-east").
	Location string `json:"location"`

	// Conf is the tunnel configuration text for the point.
	Conf string `json:"conf" binding:"required"`
}

// BulkRegisterEgressRequest is the payload for POST /api/v1/egress/bulk.
type BulkRegisterEgressRequest struct {
	Points []RegisterEgressRequest `json:"points" binding:"required,min=1,dive"`
}
