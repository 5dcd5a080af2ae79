package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/use-agent/gatecrash/config"
	"github.com/use-agent/gatecrash/metrics"
	"github.com/use-agent/gatecrash/models"
)

// maxCreateAttempts bounds session creation, engine relaunches included.
const maxCreateAttempts = 5

// Pool hands out instrumented sessions up to a fixed cap. Requests
// beyond the cap wait for a release. Faulted sessions are destroyed,
// never released; a session whose page cannot even close takes the
// whole engine down with it and a fresh one comes up.
type Pool struct {
	engine  Engine
	cfg     config.PoolConfig
	metrics *metrics.Metrics

	mu      sync.Mutex
	idle    chan *Session
	live    map[string]*Session
	pending int // reservations held by in-flight creations
	gen     int // bumped on every engine relaunch
	resets  int
	closed  bool

	stopOnce  sync.Once
	stopped   chan struct{}
	sweepDone chan struct{}
}

// NewPool builds the pool around an already running engine and starts
// the idle sweeper.
func NewPool(engine Engine, cfg config.PoolConfig, m *metrics.Metrics) *Pool {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 1
	}
	p := &Pool{
		engine:    engine,
		cfg:       cfg,
		metrics:   m,
		idle:      make(chan *Session, cfg.MaxSessions),
		live:      make(map[string]*Session),
		stopped:   make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// Acquire returns an idle session, creates one when under the cap, or
// waits for a release.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	select {
	case s := <-p.idle:
		p.publishStats()
		return s, nil
	default:
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, models.NewScrapeError(models.ErrCodeInternal, "session pool is closed", nil)
	}
	if len(p.live)+p.pending < p.cfg.MaxSessions {
		p.pending++
		p.mu.Unlock()

		s, err := p.create(ctx)

		p.mu.Lock()
		p.pending--
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		p.live[s.ID] = s
		p.mu.Unlock()
		p.publishStats()
		return s, nil
	}
	p.mu.Unlock()

	select {
	case s := <-p.idle:
		p.publishStats()
		return s, nil
	case <-p.stopped:
		return nil, models.NewScrapeError(models.ErrCodeInternal, "session pool is closed", nil)
	case <-ctx.Done():
		return nil, categorizeError(ctx.Err(), "timed out waiting for a free session")
	}
}

// create makes an instrumented target and proves it alive with a
// throwaway blank navigation. An unresponsive engine is relaunched
// between attempts.
func (p *Pool) create(ctx context.Context) (*Session, error) {
	var lastErr error
	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, categorizeError(err, "session creation aborted")
		}

		target, err := p.engine.NewTarget(ctx)
		if err == nil {
			if err = target.Reset(); err == nil {
				now := time.Now()
				s := &Session{
					ID:       "sess-" + uuid.NewString()[:8],
					Target:   target,
					Created:  now,
					LastUsed: now,
					gen:      p.currentGen(),
				}
				p.metrics.SessionCreated()
				slog.Debug("session created", "id", s.ID, "attempt", attempt)
				return s, nil
			}
			_ = target.Close()
		}
		lastErr = err
		slog.Warn("session creation failed", "attempt", attempt, "error", err)

		if attempt < maxCreateAttempts {
			if rerr := p.relaunch(); rerr != nil {
				lastErr = rerr
			}
		}
	}
	return nil, models.NewScrapeError(models.ErrCodeSessionCreate,
		fmt.Sprintf("could not create a browsing session after %d attempts", maxCreateAttempts), lastErr)
}

// Release returns a healthy session to the idle set. Sessions past
// their maximum age, or minted before the last engine relaunch, are
// retired instead.
func (p *Pool) Release(s *Session) {
	p.mu.Lock()
	closed := p.closed
	stale := s.gen != p.gen
	p.mu.Unlock()

	if closed || stale {
		p.Destroy(s)
		return
	}
	if p.cfg.MaxAge > 0 && s.Age() > p.cfg.MaxAge {
		slog.Debug("retiring aged session", "id", s.ID, "age", s.Age().Round(time.Second))
		p.Destroy(s)
		return
	}

	s.LastUsed = time.Now()
	select {
	case p.idle <- s:
	default:
		p.Destroy(s)
	}
	p.publishStats()
}

// Destroy disposes of a session permanently. A page that cannot close
// is evidence of a wedged engine, so the engine is torn down and
// relaunched, unless a relaunch already replaced it.
func (p *Pool) Destroy(s *Session) {
	p.mu.Lock()
	delete(p.live, s.ID)
	wasCurrent := s.gen == p.gen
	p.mu.Unlock()

	p.metrics.SessionClosed()

	if err := s.Target.Close(); err != nil {
		if wasCurrent {
			slog.Error("session close failed, relaunching engine", "id", s.ID, "error", err)
			if rerr := p.relaunch(); rerr != nil {
				slog.Error("engine relaunch failed", "error", rerr)
			}
		} else {
			slog.Debug("closing stale session failed", "id", s.ID, "error", err)
		}
	}
	p.publishStats()
}

// relaunch replaces the engine process and invalidates every session
// minted on the old one.
func (p *Pool) relaunch() error {
	err := p.engine.Relaunch()

	p.mu.Lock()
	p.gen++
	p.resets++
	stale := p.drainIdleLocked()
	for _, s := range stale {
		delete(p.live, s.ID)
	}
	p.mu.Unlock()

	for _, s := range stale {
		_ = s.Target.Close()
		p.metrics.SessionClosed()
	}
	p.metrics.EngineRelaunched()
	p.publishStats()
	return err
}

func (p *Pool) currentGen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen
}

func (p *Pool) drainIdleLocked() []*Session {
	var out []*Session
	for {
		select {
		case s := <-p.idle:
			out = append(out, s)
		default:
			return out
		}
	}
}

// sweepLoop periodically evicts sessions idle past the TTL.
func (p *Pool) sweepLoop() {
	defer close(p.sweepDone)

	interval := p.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopped:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	if p.cfg.IdleTTL <= 0 {
		return
	}

	p.mu.Lock()
	candidates := p.drainIdleLocked()
	p.mu.Unlock()

	var kept []*Session
	for _, s := range candidates {
		if s.IdleFor() > p.cfg.IdleTTL {
			slog.Debug("evicting idle session", "id", s.ID, "idle", s.IdleFor().Round(time.Second))
			p.Destroy(s)
			continue
		}
		kept = append(kept, s)
	}
	for _, s := range kept {
		select {
		case p.idle <- s:
		default:
			p.Destroy(s)
		}
	}
	p.publishStats()
}

// Stats returns a snapshot for the health endpoint.
func (p *Pool) Stats() models.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	idle := len(p.idle)
	return models.PoolStats{
		MaxSessions:  p.cfg.MaxSessions,
		ActiveCount:  len(p.live) - idle,
		IdleCount:    idle,
		LiveCount:    len(p.live),
		EngineResets: p.resets,
	}
}

// Close destroys every session. Safe to call once; Acquire fails
// afterwards. The engine itself is owned by the caller.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stopped) })
	<-p.sweepDone

	p.mu.Lock()
	p.closed = true
	p.drainIdleLocked()
	all := make([]*Session, 0, len(p.live))
	for _, s := range p.live {
		all = append(all, s)
	}
	p.live = make(map[string]*Session)
	p.mu.Unlock()

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, s := range all {
		eg.Go(func() error {
			if err := s.Target.Close(); err != nil {
				slog.Warn("session close failed during pool shutdown", "id", s.ID, "error", err)
			}
			p.metrics.SessionClosed()
			return nil
		})
	}
	_ = eg.Wait()
	slog.Info("session pool shut down", "closed", len(all))
}

func (p *Pool) publishStats() {
	p.mu.Lock()
	idle := len(p.idle)
	active := len(p.live) - idle
	p.mu.Unlock()
	p.metrics.SetPool(active, idle)
}
