package challenge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/use-agent/gatecrash/captcha"
	"github.com/use-agent/gatecrash/config"
	"github.com/use-agent/gatecrash/metrics"
	"github.com/use-agent/gatecrash/models"
)

// FetchFunc re-runs the original navigation and returns the fresh
// response.
type FetchFunc func(ctx context.Context) (*models.PageResponse, error)

// Solvable is the slice of a browser target the recovery loop needs:
// the intercepted widget parameters and a way to hand the token back.
type Solvable interface {
	Challenge() (*captcha.Task, bool)
	SolveChallenge(ctx context.Context, token string) error
	WaitQuiesce(ctx context.Context) error
}

// EgressSwitcher moves traffic to a different egress point.
type EgressSwitcher interface {
	Failover(ctx context.Context, location string) (*models.EgressPoint, error)
}

// Controller applies the recovery policy to one scrape: solve managed
// challenges through the captcha oracle, reroute around rate limits
// through the egress registry. Each remedy has its own budget; when a
// budget runs out or a remedy cannot proceed, the blocked response is
// returned to the caller untouched so it can see what the site said.
type Controller struct {
	classifier Classifier
	oracle     captcha.Oracle
	egress     EgressSwitcher
	cfg        config.RecoveryConfig
	metrics    *metrics.Metrics
}

func NewController(classifier Classifier, oracle captcha.Oracle, egress EgressSwitcher, cfg config.RecoveryConfig, m *metrics.Metrics) *Controller {
	if classifier == nil {
		classifier = HeaderClassifier{}
	}
	return &Controller{
		classifier: classifier,
		oracle:     oracle,
		egress:     egress,
		cfg:        cfg,
		metrics:    m,
	}
}

// Run performs the initial fetch and loops until the response is
// clean, a budget is exhausted, or recovery cannot continue. The
// returned point is the egress the loop rerouted to, nil when traffic
// never moved.
//
// A challenge that survives every allowed solve is an error: the
// caller asked for content and got an interstitial twice, so there is
// nothing useful to return. Rate limiting degrades instead, handing
// back the 429 as-is once rerouting is off the table.
func (c *Controller) Run(ctx context.Context, target Solvable, fetch FetchFunc, url, location string) (*models.PageResponse, *models.EgressPoint, error) {
	resp, err := fetch(ctx)
	if err != nil {
		return nil, nil, err
	}

	var used *models.EgressPoint
	solves, failovers := 0, 0
	for {
		outcome := c.classifier.Classify(resp)
		if outcome == None {
			return resp, used, nil
		}
		c.metrics.Challenge(outcome.String())

		switch outcome {
		case ManagedChallenge:
			if solves >= c.cfg.CaptchaRetries {
				return nil, used, models.NewScrapeError(models.ErrCodeMaxAttempts,
					fmt.Sprintf("challenge persisted on %s after %d attempts", url, solves+1), nil)
			}
			solves++
			if !c.solve(ctx, target, url) {
				return resp, used, nil
			}

		case RateLimited:
			if c.egress == nil || failovers >= c.cfg.MaxFailovers {
				slog.Warn("rate limited with no reroute left", "url", url, "failovers", failovers)
				return resp, used, nil
			}
			failovers++
			point, ferr := c.egress.Failover(ctx, location)
			if ferr != nil {
				slog.Warn("egress failover failed", "url", url, "error", ferr)
				return resp, used, nil
			}
			if point == nil {
				slog.Warn("rate limited but no egress point available", "url", url, "location", location)
				return resp, used, nil
			}
			used = point
			slog.Info("rerouted after rate limit", "url", url, "egress", point.ID)
			if !c.settle(ctx) {
				return resp, used, nil
			}
		}

		resp, err = fetch(ctx)
		if err != nil {
			return nil, used, err
		}
	}
}

// solve runs one oracle round trip. It reports false when the blocked
// response should be surfaced instead of retried.
func (c *Controller) solve(ctx context.Context, target Solvable, url string) bool {
	if c.oracle == nil {
		slog.Warn("challenge detected but no captcha oracle configured", "url", url)
		return false
	}
	task, ok := target.Challenge()
	if !ok {
		slog.Warn("challenge page carried no solvable widget", "url", url)
		return false
	}
	solution, err := c.oracle.Solve(ctx, task)
	if err != nil {
		c.metrics.Solve("error")
		slog.Warn("captcha oracle failed", "url", url, "sitekey", task.SiteKey, "error", err)
		return false
	}
	if err := target.SolveChallenge(ctx, solution.Token); err != nil {
		c.metrics.Solve("error")
		slog.Warn("token delivery failed", "url", url, "error", err)
		return false
	}
	c.metrics.Solve("ok")
	// Give the interstitial a moment to trade the token for clearance.
	_ = target.WaitQuiesce(ctx)
	return true
}

// settle pauses after a reroute so the new tunnel can carry the retry.
func (c *Controller) settle(ctx context.Context) bool {
	if c.cfg.SettleDelay <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.cfg.SettleDelay):
		return true
	}
}
