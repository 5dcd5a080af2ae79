// Package session maintains a bounded pool of instrumented browsing
// contexts on top of a relaunchable rendering engine.
package session

import (
	"context"
	"time"

	"github.com/use-agent/gatecrash/captcha"
	"github.com/use-agent/gatecrash/models"
)

// Target is one isolated browsing context. Implementations are not
// safe for concurrent use; the pool hands each session to exactly one
// request at a time.
type Target interface {
	// Navigate loads url and returns the main document's status,
	// headers and body. With waitIdle the call additionally waits for
	// network quiescence, degrading to the rendered state on timeout.
	Navigate(ctx context.Context, url string, waitIdle bool) (*models.PageResponse, error)

	// WaitQuiesce waits for the network to go quiet after an
	// in-page state change (token delivery, script-driven reload).
	WaitQuiesce(ctx context.Context) error

	// HTML returns the rendered document markup.
	HTML() (string, error)

	// ContentHeight reports the current document height in CSS pixels.
	ContentHeight() (int, error)

	// ScrollToBottom nudges the viewport to the document end to
	// trigger lazy loading.
	ScrollToBottom(ctx context.Context) error

	// Screenshot captures the current viewport as PNG.
	Screenshot() ([]byte, error)

	// Reset returns the context to a neutral blank state. Also used
	// as the liveness check at creation time.
	Reset() error

	// Challenge reports the widget parameters captured by the
	// interception hook since the last Reset, if any.
	Challenge() (*captcha.Task, bool)

	// SolveChallenge hands a solved token to the widget's pending
	// callback inside the page.
	SolveChallenge(ctx context.Context, token string) error

	Close() error
}

// Session is a pooled browsing context with bookkeeping for eviction.
type Session struct {
	ID       string
	Target   Target
	Created  time.Time
	LastUsed time.Time

	gen int // engine generation the session was minted on
}

// Age is the time since the session was created.
func (s *Session) Age() time.Duration {
	return time.Since(s.Created)
}

// IdleFor is the time since the session was last returned to the pool.
func (s *Session) IdleFor() time.Duration {
	return time.Since(s.LastUsed)
}
