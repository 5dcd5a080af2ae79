package egress

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/use-agent/gatecrash/config"
	"github.com/use-agent/gatecrash/metrics"
	"github.com/use-agent/gatecrash/models"
	"github.com/use-agent/gatecrash/webhook"
)

// point pairs a record with the mutex that keeps health probes from
// overlapping a connect/disconnect transition on the same point.
type point struct {
	mu       sync.Mutex
	rec      models.EgressPoint
	confPath string
}

// Registry tracks egress points, their health, and the single active
// tunnel. All accessors return snapshot copies; callers never see live
// registry state.
//
// Locking: transitionMu serializes whole connect/disconnect/failover
// sequences. Each point's own mutex serializes its probe against its
// transitions. mu guards the map and record fields. Order is always
// transitionMu → point.mu → mu.
type Registry struct {
	workDir      string
	tunnel       Tunnel
	prober       Prober
	metrics      *metrics.Metrics
	notifier     *webhook.Notifier
	healthPeriod time.Duration

	transitionMu sync.Mutex

	mu       sync.RWMutex
	points   map[string]*point
	activeID string

	stopOnce sync.Once
	stopped  chan struct{}
	loopDone chan struct{}
}

// New builds a registry and restores any points persisted under the
// work directory by a previous run. Restored points start unhealthy
// until the first probe passes.
func New(cfg config.EgressConfig, tunnel Tunnel, prober Prober, m *metrics.Metrics, notifier *webhook.Notifier) (*Registry, error) {
	period := cfg.HealthInterval
	if period <= 0 {
		period = 30 * time.Second
	}
	r := &Registry{
		workDir:      cfg.WorkDir,
		tunnel:       tunnel,
		prober:       prober,
		metrics:      m,
		notifier:     notifier,
		healthPeriod: period,
		points:       make(map[string]*point),
		stopped:      make(chan struct{}),
		loopDone:     make(chan struct{}),
	}

	restored, err := loadPersisted(cfg.WorkDir)
	if err != nil {
		return nil, err
	}
	for _, meta := range restored {
		r.points[meta.ID] = &point{
			rec: models.EgressPoint{
				ID:       meta.ID,
				Name:     meta.Name,
				Location: meta.Location,
				Endpoint: meta.Endpoint,
				Conf:     meta.Conf,
			},
			confPath: r.confPath(meta.ID),
		}
	}
	if len(restored) > 0 {
		slog.Info("egress: restored persisted points", "count", len(restored), "dir", cfg.WorkDir)
	}
	return r, nil
}

func (r *Registry) confPath(id string) string {
	return filepath.Join(r.workDir, id+".conf")
}

// ── Registration ──────────────────────────────────────────────────────

// Add validates and registers a new egress point, persists its config,
// and kicks off an immediate background health probe.
func (r *Registry) Add(name, location, confText string) (*models.EgressPoint, error) {
	endpoint, err := validateConf(confText)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	id := slugID(name)
	if _, taken := r.points[id]; taken {
		id = fallbackID()
	}
	rec := models.EgressPoint{
		ID:       id,
		Name:     name,
		Location: location,
		Endpoint: endpoint,
		Conf:     confText,
	}
	pt := &point{rec: rec, confPath: r.confPath(id)}
	r.points[id] = pt
	r.mu.Unlock()

	if _, err := persistConf(r.workDir, &rec); err != nil {
		r.mu.Lock()
		delete(r.points, id)
		r.mu.Unlock()
		return nil, err
	}

	slog.Info("egress: point registered", "id", id, "name", name, "location", location, "endpoint", endpoint)
	r.publishHealthGauge()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		r.probeOne(ctx, id)
	}()

	snapshot := rec
	return &snapshot, nil
}

// Remove deletes a point, disconnecting first when it is the active
// one. Returns false for an unknown id.
func (r *Registry) Remove(ctx context.Context, id string) (bool, error) {
	r.transitionMu.Lock()
	defer r.transitionMu.Unlock()

	r.mu.RLock()
	pt, ok := r.points[id]
	isActive := ok && r.activeID == id
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}

	if isActive {
		if err := r.disconnectLocked(ctx); err != nil {
			return true, err
		}
	}

	r.mu.Lock()
	delete(r.points, id)
	r.mu.Unlock()

	if err := os.Remove(pt.confPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("egress: remove persisted config", "id", id, "error", err)
	}
	slog.Info("egress: point removed", "id", id)
	r.publishHealthGauge()
	return true, nil
}

// ── Selection ─────────────────────────────────────────────────────────

// SelectBest picks a candidate point. Candidates are narrowed to the
// given location when the filter matches at least one point, healthy
// candidates win over unhealthy ones, and remaining ties break by
// uniform random choice. Returns nil only when the registry is empty.
func (r *Registry) SelectBest(location string) *models.EgressPoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched, all []*models.EgressPoint
	for _, pt := range r.points {
		rec := pt.rec
		all = append(all, &rec)
		if location != "" && rec.Location == location {
			matched = append(matched, &rec)
		}
	}
	if len(all) == 0 {
		return nil
	}

	candidates := all
	if location != "" && len(matched) > 0 {
		candidates = matched
	}

	var healthy []*models.EgressPoint
	for _, c := range candidates {
		if c.Healthy {
			healthy = append(healthy, c)
		}
	}
	if len(healthy) > 0 {
		candidates = healthy
	}
	return candidates[rand.Intn(len(candidates))]
}

// ── Transitions ───────────────────────────────────────────────────────

// Connect makes id the single active point, tearing down whichever
// point was active before. When the tunnel tool is not installed the
// transition is simulated so the rest of the pipeline still works.
func (r *Registry) Connect(ctx context.Context, id string) error {
	r.transitionMu.Lock()
	defer r.transitionMu.Unlock()
	return r.connectLocked(ctx, id)
}

func (r *Registry) connectLocked(ctx context.Context, id string) error {
	r.mu.RLock()
	pt, ok := r.points[id]
	r.mu.RUnlock()
	if !ok {
		return models.NewScrapeError(models.ErrCodeEgressUnknown, fmt.Sprintf("no egress point with id %q", id), nil)
	}

	if err := r.disconnectLocked(ctx); err != nil {
		return err
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()

	if r.tunnel.Available() {
		if err := r.tunnel.Up(ctx, pt.confPath); err != nil {
			slog.Error("egress: tunnel up failed", "id", id, "error", err)
			return err
		}
	} else {
		slog.Warn("egress: tunnel tool unavailable, simulating connect", "id", id)
	}

	r.mu.Lock()
	pt.rec.Active = true
	r.activeID = id
	r.mu.Unlock()

	slog.Info("egress: point connected", "id", id, "endpoint", pt.rec.Endpoint)
	return nil
}

// Disconnect tears down the active point. Idempotent.
func (r *Registry) Disconnect(ctx context.Context) error {
	r.transitionMu.Lock()
	defer r.transitionMu.Unlock()
	return r.disconnectLocked(ctx)
}

// disconnectLocked requires transitionMu.
func (r *Registry) disconnectLocked(ctx context.Context) error {
	r.mu.RLock()
	id := r.activeID
	pt := r.points[id]
	r.mu.RUnlock()
	if id == "" || pt == nil {
		return nil
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()

	if r.tunnel.Available() {
		if err := r.tunnel.Down(ctx, pt.confPath); err != nil {
			// The interface may already be gone; clear state either way.
			slog.Warn("egress: tunnel down failed", "id", id, "error", err)
		}
	}

	r.mu.Lock()
	pt.rec.Active = false
	r.activeID = ""
	r.mu.Unlock()

	slog.Info("egress: point disconnected", "id", id)
	return nil
}

// Failover picks the best point for the location hint and connects it,
// as one serialized sequence. Returns nil when no point is registered.
func (r *Registry) Failover(ctx context.Context, location string) (*models.EgressPoint, error) {
	r.transitionMu.Lock()
	defer r.transitionMu.Unlock()

	pick := r.SelectBest(location)
	if pick == nil {
		r.metrics.Failover("none")
		return nil, nil
	}
	if err := r.connectLocked(ctx, pick.ID); err != nil {
		r.metrics.Failover("error")
		return nil, err
	}
	pick.Active = true
	r.metrics.Failover("ok")
	r.notifier.Notify(webhook.EventEgressFailover, pick.ID, map[string]string{
		"location": location,
		"endpoint": pick.Endpoint,
	})
	return pick, nil
}

// ── Introspection ─────────────────────────────────────────────────────

// Get returns a snapshot of one point.
func (r *Registry) Get(id string) (*models.EgressPoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pt, ok := r.points[id]
	if !ok {
		return nil, false
	}
	rec := pt.rec
	return &rec, true
}

// Active returns a snapshot of the active point, or nil.
func (r *Registry) Active() *models.EgressPoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pt := r.points[r.activeID]
	if pt == nil {
		return nil
	}
	rec := pt.rec
	return &rec
}

// List returns snapshots of all points, ordered by name then id.
func (r *Registry) List() []models.EgressPoint {
	r.mu.RLock()
	out := make([]models.EgressPoint, 0, len(r.points))
	for _, pt := range r.points {
		out = append(out, pt.rec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// HealthStatus reports per-point health records for the management API.
func (r *Registry) HealthStatus() []models.EgressHealth {
	pts := r.List()
	out := make([]models.EgressHealth, 0, len(pts))
	for _, p := range pts {
		out = append(out, models.EgressHealth{
			ID:        p.ID,
			Name:      p.Name,
			Location:  p.Location,
			Endpoint:  p.Endpoint,
			Active:    p.Active,
			Healthy:   p.Healthy,
			LastCheck: p.LastCheck,
		})
	}
	return out
}

// Stats summarizes the registry for the health endpoint.
func (r *Registry) Stats() models.EgressStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := models.EgressStats{Registered: len(r.points), ActiveID: r.activeID}
	for _, pt := range r.points {
		if pt.rec.Healthy {
			s.Healthy++
		}
	}
	return s
}

// ── Health loop ───────────────────────────────────────────────────────

// Start launches the periodic health loop. One probe pass runs
// immediately so freshly restored points get a verdict without waiting
// a full period.
func (r *Registry) Start() {
	go func() {
		defer close(r.loopDone)

		ctx, cancel := context.WithTimeout(context.Background(), r.healthPeriod)
		r.CheckNow(ctx)
		cancel()

		ticker := time.NewTicker(r.healthPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopped:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), r.healthPeriod)
				r.CheckNow(ctx)
				cancel()
			}
		}
	}()
}

// Stop terminates the health loop and waits for it to exit.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopped) })
	<-r.loopDone
}

// CheckNow probes every registered point concurrently and waits for
// the pass to finish.
func (r *Registry) CheckNow(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.points))
	for id := range r.points {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			r.probeOne(ctx, id)
			return nil
		})
	}
	g.Wait()
	r.publishHealthGauge()
}

// probeOne probes a single point and records the verdict. Holding the
// point mutex keeps the probe from interleaving with a transition.
func (r *Registry) probeOne(ctx context.Context, id string) {
	r.mu.RLock()
	pt := r.points[id]
	r.mu.RUnlock()
	if pt == nil {
		return
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()

	err := r.prober.Probe(ctx, pt.rec.Endpoint)
	healthy := err == nil

	r.mu.Lock()
	was := pt.rec.Healthy
	pt.rec.Healthy = healthy
	pt.rec.LastCheck = time.Now()
	r.mu.Unlock()

	if healthy == was {
		return
	}
	if healthy {
		slog.Info("egress: point recovered", "id", id, "endpoint", pt.rec.Endpoint)
		r.notifier.Notify(webhook.EventEgressRecovered, id, map[string]string{"endpoint": pt.rec.Endpoint})
	} else {
		slog.Warn("egress: point unhealthy", "id", id, "endpoint", pt.rec.Endpoint, "error", err)
		r.notifier.Notify(webhook.EventEgressUnhealthy, id, map[string]string{
			"endpoint": pt.rec.Endpoint,
			"error":    err.Error(),
		})
	}
}

func (r *Registry) publishHealthGauge() {
	r.mu.RLock()
	healthy := 0
	for _, pt := range r.points {
		if pt.rec.Healthy {
			healthy++
		}
	}
	r.mu.RUnlock()
	r.metrics.SetEgressHealthy(healthy)
}
