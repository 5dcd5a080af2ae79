package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/use-agent/gatecrash/captcha"
	"github.com/use-agent/gatecrash/config"
	"github.com/use-agent/gatecrash/models"
)

type fakeTarget struct {
	resetErr error
	closeErr error
	closed   atomic.Bool
}

func (f *fakeTarget) Navigate(ctx context.Context, url string, waitIdle bool) (*models.PageResponse, error) {
	return &models.PageResponse{Status: 200, StatusText: "OK", Body: []byte("<html></html>"), FinalURL: url}, nil
}
func (f *fakeTarget) WaitQuiesce(ctx context.Context) error                  { return nil }
func (f *fakeTarget) HTML() (string, error)                                  { return "<html></html>", nil }
func (f *fakeTarget) ContentHeight() (int, error)                            { return 600, nil }
func (f *fakeTarget) ScrollToBottom(ctx context.Context) error               { return nil }
func (f *fakeTarget) Screenshot() ([]byte, error)                            { return []byte{0x89, 'P', 'N', 'G'}, nil }
func (f *fakeTarget) Reset() error                                           { return f.resetErr }
func (f *fakeTarget) Challenge() (*captcha.Task, bool)                       { return nil, false }
func (f *fakeTarget) SolveChallenge(ctx context.Context, token string) error { return nil }
func (f *fakeTarget) Close() error {
	f.closed.Store(true)
	return f.closeErr
}

type fakeEngine struct {
	mu              sync.Mutex
	created         int
	relaunches      int
	failNextCreates int
	resetFailures   int
	closeErr        error
	targets         []*fakeTarget
}

func (e *fakeEngine) NewTarget(ctx context.Context) (Target, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failNextCreates > 0 {
		e.failNextCreates--
		return nil, errors.New("engine unresponsive")
	}
	t := &fakeTarget{closeErr: e.closeErr}
	if e.resetFailures > 0 {
		e.resetFailures--
		t.resetErr = errors.New("dead page")
	}
	e.created++
	e.targets = append(e.targets, t)
	return t, nil
}

func (e *fakeEngine) Relaunch() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.relaunches++
	return nil
}

func (e *fakeEngine) Close() {}

func (e *fakeEngine) counts() (created, relaunches int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.created, e.relaunches
}

func poolConfig(maxSessions int) config.PoolConfig {
	return config.PoolConfig{
		MaxSessions:   maxSessions,
		IdleTTL:       time.Hour,
		MaxAge:        time.Hour,
		SweepInterval: time.Hour,
	}
}

func TestAcquire_CreatesThenReuses(t *testing.T) {
	engine := &fakeEngine{}
	p := NewPool(engine, poolConfig(2), nil)
	defer p.Close()
	ctx := context.Background()

	s1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(s1)

	s2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if s1.ID != s2.ID {
		t.Errorf("expected the idle session to be reused, got %s then %s", s1.ID, s2.ID)
	}
	created, _ := engine.counts()
	if created != 1 {
		t.Errorf("created = %d, want 1", created)
	}
}

func TestAcquire_RelaunchesUntilLivenessPasses(t *testing.T) {
	engine := &fakeEngine{resetFailures: 2}
	p := NewPool(engine, poolConfig(1), nil)
	defer p.Close()

	s, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if s == nil || s.Target == nil {
		t.Fatal("expected a live session")
	}
	created, relaunches := engine.counts()
	if created != 3 {
		t.Errorf("created = %d, want 3 (two failed liveness checks)", created)
	}
	if relaunches != 2 {
		t.Errorf("relaunches = %d, want 2", relaunches)
	}
}

func TestAcquire_FailsAfterMaxAttempts(t *testing.T) {
	engine := &fakeEngine{failNextCreates: 100}
	p := NewPool(engine, poolConfig(1), nil)
	defer p.Close()

	_, err := p.Acquire(context.Background())
	var se *models.ScrapeError
	if !errors.As(err, &se) || se.Code != models.ErrCodeSessionCreate {
		t.Fatalf("expected %s, got %v", models.ErrCodeSessionCreate, err)
	}
	created, relaunches := engine.counts()
	if created != 0 {
		t.Errorf("created = %d, want 0", created)
	}
	if relaunches != maxCreateAttempts-1 {
		t.Errorf("relaunches = %d, want %d", relaunches, maxCreateAttempts-1)
	}
}

func TestAcquire_BlocksAtCapacityUntilRelease(t *testing.T) {
	engine := &fakeEngine{}
	p := NewPool(engine, poolConfig(1), nil)
	defer p.Close()
	ctx := context.Background()

	s1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan *Session, 1)
	go func() {
		s, err := p.Acquire(ctx)
		if err != nil {
			t.Errorf("waiting Acquire: %v", err)
		}
		got <- s
	}()

	select {
	case <-got:
		t.Fatal("Acquire should block while the pool is exhausted")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release(s1)

	select {
	case s2 := <-got:
		if s2.ID != s1.ID {
			t.Errorf("waiter got %s, want the released %s", s2.ID, s1.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke after release")
	}

	created, _ := engine.counts()
	if created != 1 {
		t.Errorf("created = %d, want 1", created)
	}
}

func TestAcquire_ContextExpiresWhileWaiting(t *testing.T) {
	engine := &fakeEngine{}
	p := NewPool(engine, poolConfig(1), nil)
	defer p.Close()

	s1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Release(s1)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	var se *models.ScrapeError
	if !errors.As(err, &se) || se.Code != models.ErrCodeTimeout {
		t.Fatalf("expected %s, got %v", models.ErrCodeTimeout, err)
	}
}

func TestDestroy_CloseFailureRelaunchesEngine(t *testing.T) {
	engine := &fakeEngine{closeErr: errors.New("target not closing")}
	p := NewPool(engine, poolConfig(1), nil)
	defer p.Close()

	s, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	p.Destroy(s)

	_, relaunches := engine.counts()
	if relaunches != 1 {
		t.Errorf("relaunches = %d, want 1", relaunches)
	}
	if stats := p.Stats(); stats.EngineResets != 1 || stats.LiveCount != 0 {
		t.Errorf("stats = %+v, want 1 reset and no live sessions", stats)
	}
}

func TestDestroy_CleanCloseDoesNotRelaunch(t *testing.T) {
	engine := &fakeEngine{}
	p := NewPool(engine, poolConfig(1), nil)
	defer p.Close()

	s, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	p.Destroy(s)

	_, relaunches := engine.counts()
	if relaunches != 0 {
		t.Errorf("relaunches = %d, want 0", relaunches)
	}
}

func TestRelease_RetiresAgedSessions(t *testing.T) {
	engine := &fakeEngine{}
	cfg := poolConfig(2)
	cfg.MaxAge = time.Nanosecond
	p := NewPool(engine, cfg, nil)
	defer p.Close()

	s, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)
	p.Release(s)

	if stats := p.Stats(); stats.IdleCount != 0 || stats.LiveCount != 0 {
		t.Errorf("aged session should be retired, stats = %+v", stats)
	}
	engine.mu.Lock()
	closed := engine.targets[0].closed.Load()
	engine.mu.Unlock()
	if !closed {
		t.Error("retired session's target was not closed")
	}
}

func TestRelease_StaleGenerationDestroyed(t *testing.T) {
	engine := &fakeEngine{}
	p := NewPool(engine, poolConfig(2), nil)
	defer p.Close()
	ctx := context.Background()

	s1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// s2's close failure forces a relaunch, so s1 predates the engine.
	engine.mu.Lock()
	engine.targets[1].closeErr = errors.New("target not closing")
	engine.mu.Unlock()
	p.Destroy(s2)

	p.Release(s1)
	if stats := p.Stats(); stats.IdleCount != 0 || stats.LiveCount != 0 {
		t.Errorf("stale session should be destroyed on release, stats = %+v", stats)
	}
}

func TestSweep_EvictsIdleSessions(t *testing.T) {
	engine := &fakeEngine{}
	cfg := config.PoolConfig{
		MaxSessions:   2,
		IdleTTL:       time.Millisecond,
		MaxAge:        time.Hour,
		SweepInterval: 10 * time.Millisecond,
	}
	p := NewPool(engine, cfg, nil)
	defer p.Close()

	s, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	p.Release(s)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.Stats().LiveCount == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("idle session never evicted, stats = %+v", p.Stats())
}

func TestClose_ShutsDownSessionsAndRejectsAcquire(t *testing.T) {
	engine := &fakeEngine{}
	p := NewPool(engine, poolConfig(2), nil)
	ctx := context.Background()

	s, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	p.Release(s)
	p.Close()

	engine.mu.Lock()
	closed := engine.targets[0].closed.Load()
	engine.mu.Unlock()
	if !closed {
		t.Error("pool close left a session open")
	}

	if _, err := p.Acquire(ctx); err == nil {
		t.Error("Acquire after Close should fail")
	}
}
