package scrape

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/use-agent/gatecrash/challenge"
	"github.com/use-agent/gatecrash/config"
	"github.com/use-agent/gatecrash/metrics"
	"github.com/use-agent/gatecrash/models"
	"github.com/use-agent/gatecrash/session"
)

// Service owns the scrape pipeline. One Scrape call is one request:
// validate, pick the light or rendered path, run recovery, shape the
// result.
type Service struct {
	pool       *session.Pool
	controller *challenge.Controller
	light      *LightFetcher
	cfg        config.ScrapeConfig
	metrics    *metrics.Metrics
}

func NewService(pool *session.Pool, controller *challenge.Controller, light *LightFetcher, cfg config.ScrapeConfig, m *metrics.Metrics) *Service {
	if light == nil {
		light = NewLightFetcher()
	}
	return &Service{
		pool:       pool,
		controller: controller,
		light:      light,
		cfg:        cfg,
		metrics:    m,
	}
}

// Scrape serves one request within its timeout budget.
func (s *Service) Scrape(ctx context.Context, req *models.ScrapeRequest) (*models.ScrapeResult, error) {
	start := time.Now()
	req.Defaults()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	timeout := time.Duration(req.Timeout) * time.Second
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	if s.cfg.MaxTimeout > 0 && timeout > s.cfg.MaxTimeout {
		timeout = s.cfg.MaxTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		result *models.ScrapeResult
		err    error
	)
	if req.Light {
		result, err = s.lightScrape(ctx, req)
	} else {
		result, err = s.renderScrape(ctx, req)
	}

	elapsed := time.Since(start)
	if err != nil {
		s.metrics.Scrape("error", elapsed)
		return nil, err
	}
	result.Duration = elapsed
	s.metrics.Scrape(outcomeLabel(result.Status), elapsed)
	return result, nil
}

func (s *Service) lightScrape(ctx context.Context, req *models.ScrapeRequest) (*models.ScrapeResult, error) {
	resp, err := s.light.Fetch(ctx, req.URL)
	if err != nil {
		return nil, err
	}
	return &models.ScrapeResult{
		Status:     resp.Status,
		StatusText: resp.StatusText,
		Headers:    resp.Headers,
		Body:       resp.Body,
		FinalURL:   resp.FinalURL,
	}, nil
}

func (s *Service) renderScrape(ctx context.Context, req *models.ScrapeRequest) (*models.ScrapeResult, error) {
	sess, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	result, err := s.runOnSession(ctx, sess.Target, req)
	if err != nil {
		s.diagnosticShot(sess.Target, req.URL)
		// A failed scrape can leave the page wedged mid navigation or
		// mid challenge. Never hand it to the next request.
		s.pool.Destroy(sess)
		return nil, err
	}

	if rerr := sess.Target.Reset(); rerr != nil {
		slog.Warn("session reset failed, destroying", "session", sess.ID, "error", rerr)
		s.pool.Destroy(sess)
	} else {
		s.pool.Release(sess)
	}
	return result, nil
}

func (s *Service) runOnSession(ctx context.Context, target session.Target, req *models.ScrapeRequest) (*models.ScrapeResult, error) {
	fetch := func(ctx context.Context) (*models.PageResponse, error) {
		resp, err := target.Navigate(ctx, req.URL, req.WaitNetworkIdle)
		if err != nil {
			return nil, err
		}
		if req.Scroll && resp.Status < 400 {
			s.reveal(ctx, target, resp, req.ScrollIterations)
		}
		return resp, nil
	}

	resp, point, err := s.controller.Run(ctx, target, fetch, req.URL, req.Location)
	if err != nil {
		return nil, err
	}

	result := &models.ScrapeResult{
		Status:     resp.Status,
		StatusText: resp.StatusText,
		Headers:    resp.Headers,
		Body:       resp.Body,
		FinalURL:   resp.FinalURL,
		Egress:     point,
	}
	if req.Screenshot {
		shot, serr := target.Screenshot()
		if serr != nil {
			return nil, models.NewScrapeError(models.ErrCodeInternal, "screenshot capture failed", serr)
		}
		result.Screenshot = shot
	}
	return result, nil
}

// diagnosticShot keeps a PNG of the wedged page for postmortems.
// Disabled unless a diagnostic directory is configured.
func (s *Service) diagnosticShot(target session.Target, url string) {
	if s.cfg.DiagnosticDir == "" {
		return
	}
	shot, err := target.Screenshot()
	if err != nil || len(shot) == 0 {
		return
	}
	path := filepath.Join(s.cfg.DiagnosticDir, fmt.Sprintf("scrape-fail-%d.png", time.Now().UnixNano()))
	if werr := os.WriteFile(path, shot, 0o644); werr != nil {
		slog.Debug("diagnostic screenshot not written", "error", werr)
		return
	}
	slog.Warn("scrape failed, diagnostic screenshot kept", "url", url, "path", path)
}

// reveal scrolls until the document stops growing, then swaps the
// rendered DOM in as the payload. Failures here degrade to whatever
// the navigation already captured.
func (s *Service) reveal(ctx context.Context, target session.Target, resp *models.PageResponse, iterations int) {
	height, err := target.ContentHeight()
	if err != nil {
		slog.Debug("reveal skipped", "error", err)
		return
	}
	for i := 0; i < iterations; i++ {
		if ctx.Err() != nil {
			break
		}
		if err := target.ScrollToBottom(ctx); err != nil {
			slog.Debug("reveal scroll failed", "iteration", i, "error", err)
			break
		}
		grown, next := s.waitGrowth(ctx, target, height)
		if !grown {
			break
		}
		height = next
	}
	if html, err := target.HTML(); err == nil && html != "" {
		resp.Body = []byte(html)
	}
}

// waitGrowth polls the document height until it exceeds prev or the
// growth window closes.
func (s *Service) waitGrowth(ctx context.Context, target session.Target, prev int) (bool, int) {
	window := s.cfg.RevealGrowthTimeout
	if window <= 0 {
		window = 3 * time.Second
	}
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false, prev
		case <-time.After(100 * time.Millisecond):
		}
		h, err := target.ContentHeight()
		if err != nil {
			return false, prev
		}
		if h > prev {
			return true, h
		}
	}
	return false, prev
}

// outcomeLabel buckets a served status for metrics.
func outcomeLabel(status int) string {
	switch {
	case status == 403 || status == 429:
		return "blocked"
	case status >= 400:
		return "upstream_error"
	default:
		return "ok"
	}
}
