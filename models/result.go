package models

import (
	"strings"
	"time"
)

// PageResponse is the raw outcome of one fetch attempt as observed on the
// wire: the upstream status line, headers and payload. Challenge
// classification runs against this type and nothing else.
type PageResponse struct {
	// Status is the HTTP status code of the main document response.
	Status int

	// StatusText is the upstream reason phrase (may be empty on HTTP/2).
	StatusText string

	// Headers holds the response headers. Insertion order is irrelevant;
	// repeated headers are joined with ", ".
	Headers map[string]string

	// Body is the payload. On rendered fetches this is the document HTML
	// after waits and reveal; on light fetches it is the decoded body.
	Body []byte

	// FinalURL is the URL after following all redirects.
	FinalURL string
}

// Header returns the value for key using case-insensitive lookup,
// or "" when absent.
func (p *PageResponse) Header(key string) string {
	for k, v := range p.Headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// ScrapeResult is the normalized outcome of a scrape operation.
type ScrapeResult struct {
	// Status and StatusText mirror the upstream response.
	Status     int
	StatusText string

	// Headers are the upstream response headers as observed.
	Headers map[string]string

	// Body is the final payload handed to the caller.
	Body []byte

	// FinalURL is the resolved URL after redirects.
	FinalURL string

	// Egress references the egress point the request ended up using,
	// or nil when no failover happened.
	Egress *EgressPoint

	// Screenshot holds PNG bytes when a capture was requested.
	Screenshot []byte

	// Duration is the end-to-end time spent serving the request.
	Duration time.Duration
}
