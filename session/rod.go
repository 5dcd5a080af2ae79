package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/ysmood/gson"

	"github.com/use-agent/gatecrash/captcha"
	"github.com/use-agent/gatecrash/config"
	"github.com/use-agent/gatecrash/models"
)

const challengeBinding = "__gcChallenge"

// challengeHookJS wraps the challenge widget's render entry point so
// the widget's parameters and completion callback are captured the
// moment the page registers it. Runs on every new document, before any
// page script. The captured callback is reachable later through
// window.__gcDeliver(token).
const challengeHookJS = `(() => {
	const wrap = (ts) => {
		if (!ts || typeof ts.render !== 'function' || ts.__gcWrapped) return ts;
		ts.__gcWrapped = true;
		ts.render = (container, opts) => {
			opts = opts || {};
			window.__gcDeliver = (token) => {
				try {
					if (typeof opts.callback === 'function') opts.callback(token);
				} catch (e) {}
			};
			try {
				window.` + challengeBinding + `({
					kind: 'turnstile',
					sitekey: opts.sitekey || '',
					action: opts.action || '',
					cdata: opts.cData || '',
					url: window.location.href,
				});
			} catch (e) {}
			return '__gc-widget';
		};
		return ts;
	};
	let real = wrap(window.turnstile);
	Object.defineProperty(window, 'turnstile', {
		configurable: true,
		get: () => real,
		set: (v) => { real = wrap(v); },
	});
})();`

// rodTarget is the rod-backed Target. One goroutine at a time; the
// challenge state is still mutex-guarded because the capture callback
// arrives on rod's event goroutine.
type rodTarget struct {
	page           *rod.Page
	quiesceWindow  time.Duration
	quiesceTimeout time.Duration

	mu   sync.Mutex
	task *captcha.Task
}

// newRodTarget instruments a fresh blank page. Ordering matters: the
// stealth script, the capture binding and the widget hook must all be
// installed before the first navigation or the page's own scripts win
// the race.
func newRodTarget(page *rod.Page, cfg config.ScrapeConfig) (*rodTarget, error) {
	t := &rodTarget{
		page:           page,
		quiesceWindow:  cfg.QuiesceWindow,
		quiesceTimeout: cfg.QuiesceTimeout,
	}

	if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
		slog.Warn("stealth injection failed, proceeding without stealth", "error", err)
	}
	if _, err := page.Expose(challengeBinding, t.onChallenge); err != nil {
		return nil, fmt.Errorf("expose challenge binding: %w", err)
	}
	if _, err := page.EvalOnNewDocument(challengeHookJS); err != nil {
		return nil, fmt.Errorf("install challenge hook: %w", err)
	}
	return t, nil
}

// onChallenge receives the structured widget message from the page.
func (t *rodTarget) onChallenge(msg gson.JSON) (interface{}, error) {
	task := &captcha.Task{
		Kind:    msg.Get("kind").Str(),
		SiteKey: msg.Get("sitekey").Str(),
		PageURL: msg.Get("url").Str(),
		Action:  msg.Get("action").Str(),
	}
	if c := msg.Get("cdata").Str(); c != "" {
		task.Data = map[string]string{"cdata": c}
	}

	t.mu.Lock()
	t.task = task
	t.mu.Unlock()

	slog.Debug("challenge widget captured", "kind", task.Kind, "url", task.PageURL)
	return nil, nil
}

// Navigate loads url and captures the main document's network response.
//
// The response listener and the quiescence waiter are both registered
// BEFORE the navigation call: a listener attached afterwards misses
// the in-flight document response and reports a false idle.
func (t *rodTarget) Navigate(ctx context.Context, url string, waitIdle bool) (*models.PageResponse, error) {
	t.mu.Lock()
	t.task = nil
	t.mu.Unlock()

	p := t.page.Context(ctx)

	var (
		status     int
		statusText string
		headers    map[string]string
	)
	waitResp := p.EachEvent(func(e *proto.NetworkResponseReceived) bool {
		if e.Type != proto.NetworkResourceTypeDocument {
			return false
		}
		status = e.Response.Status
		statusText = e.Response.StatusText
		headers = flattenHeaders(e.Response.Headers)
		return true
	})

	var quiesce func()
	if waitIdle {
		qctx, cancel := context.WithTimeout(ctx, t.quiesceTimeout)
		defer cancel()
		quiesce = t.page.Context(qctx).WaitRequestIdle(t.quiesceWindow, nil, nil, nil)
	}

	if err := p.Navigate(url); err != nil {
		return nil, categorizeError(err, "navigation to target URL failed")
	}

	waitResp()
	if err := ctx.Err(); err != nil {
		return nil, categorizeError(err, "navigation to target URL failed")
	}
	if status == 0 {
		return nil, models.NewScrapeError(models.ErrCodeNavigation, "no document response observed", nil)
	}

	if quiesce != nil {
		quiesce()
	}
	if err := p.WaitDOMStable(300*time.Millisecond, 0.1); err != nil {
		slog.Debug("DOM did not stabilize, proceeding with current state", "url", url, "error", err)
	}

	html, err := p.HTML()
	if err != nil {
		return nil, categorizeError(err, "failed to extract page HTML")
	}
	finalURL := evalStringOrEmpty(p, `() => window.location.href`)
	if finalURL == "" {
		finalURL = url
	}
	if statusText == "" {
		statusText = http.StatusText(status)
	}

	return &models.PageResponse{
		Status:     status,
		StatusText: statusText,
		Headers:    headers,
		Body:       []byte(html),
		FinalURL:   finalURL,
	}, nil
}

// WaitQuiesce waits for the network to settle after an in-page state
// change. Degrades to returning early on timeout rather than failing.
func (t *rodTarget) WaitQuiesce(ctx context.Context) error {
	qctx, cancel := context.WithTimeout(ctx, t.quiesceTimeout)
	defer cancel()

	p := t.page.Context(qctx)
	p.WaitRequestIdle(t.quiesceWindow, nil, nil, nil)()
	if err := p.WaitDOMStable(300*time.Millisecond, 0.1); err != nil {
		slog.Debug("DOM did not stabilize after quiesce", "error", err)
	}
	return nil
}

func (t *rodTarget) HTML() (string, error) {
	html, err := t.page.Timeout(15 * time.Second).HTML()
	if err != nil {
		return "", categorizeError(err, "failed to extract page HTML")
	}
	return html, nil
}

func (t *rodTarget) ContentHeight() (int, error) {
	res, err := t.page.Timeout(10 * time.Second).Eval(`() => document.documentElement ? document.documentElement.scrollHeight : 0`)
	if err != nil {
		return 0, categorizeError(err, "failed to read document height")
	}
	return res.Value.Int(), nil
}

// ScrollToBottom wheels the viewport down to the document end. Wheel
// input (rather than scrollTo) fires the same events a user would,
// which is what lazy loaders listen for.
func (t *rodTarget) ScrollToBottom(ctx context.Context) error {
	p := t.page.Context(ctx)
	res, err := p.Eval(`() => Math.max(0, document.documentElement.scrollHeight - window.innerHeight - window.scrollY)`)
	if err != nil {
		return categorizeError(err, "failed to compute scroll distance")
	}
	delta := res.Value.Int()
	if delta < 200 {
		delta = 200
	}
	if err := p.Mouse.Scroll(0, float64(delta), 1); err != nil {
		return categorizeError(err, "scroll failed")
	}
	return nil
}

func (t *rodTarget) Screenshot() ([]byte, error) {
	img, err := t.page.Timeout(20 * time.Second).Screenshot(false, nil)
	if err != nil {
		return nil, categorizeError(err, "screenshot failed")
	}
	return img, nil
}

// Reset navigates to a blank document. Doubles as the liveness check
// at creation time: an unresponsive engine fails the blank navigation.
func (t *rodTarget) Reset() error {
	t.mu.Lock()
	t.task = nil
	t.mu.Unlock()

	if err := t.page.Timeout(10 * time.Second).Navigate("about:blank"); err != nil {
		return fmt.Errorf("reset to blank: %w", err)
	}
	return nil
}

func (t *rodTarget) Challenge() (*captcha.Task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.task == nil {
		return nil, false
	}
	task := *t.task
	return &task, true
}

// SolveChallenge hands the token to the callback captured at widget
// registration.
func (t *rodTarget) SolveChallenge(ctx context.Context, token string) error {
	p := t.page.Context(ctx)
	res, err := p.Eval(`(token) => {
		if (typeof window.__gcDeliver === 'function') {
			window.__gcDeliver(token);
			return true;
		}
		return false;
	}`, token)
	if err != nil {
		return categorizeError(err, "token delivery failed")
	}
	if !res.Value.Bool() {
		return models.NewScrapeError(models.ErrCodeNavigation, "no pending challenge callback in page", nil)
	}
	return nil
}

func (t *rodTarget) Close() error {
	return t.page.Close()
}

// evalStringOrEmpty evaluates a JS expression and returns the string
// result, swallowing any errors (useful for optional metadata).
func evalStringOrEmpty(page *rod.Page, js string) string {
	res, err := page.Eval(js)
	if err != nil {
		return ""
	}
	return res.Value.Str()
}

// flattenHeaders converts CDP headers to a plain string map.
func flattenHeaders(h proto.NetworkHeaders) map[string]string {
	m := make(map[string]string, len(h))
	for k, v := range h {
		m[k] = v.Str()
	}
	return m
}

// categorizeError wraps raw errors into typed ScrapeErrors so the API
// layer can map them to appropriate HTTP status codes.
func categorizeError(err error, msg string) *models.ScrapeError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.NewScrapeError(models.ErrCodeTimeout, msg, err)
	case errors.Is(err, context.Canceled):
		return models.NewScrapeError(models.ErrCodeTimeout, "request canceled", err)
	default:
		return models.NewScrapeError(models.ErrCodeNavigation, msg, err)
	}
}
