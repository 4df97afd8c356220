// Package monitor provides the builtin runtime metrics module. It samples
// process statistics into a bounded per-user history and can schedule report
// tasks through the automation module's public API.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"binsys/pkg/config"
	"binsys/pkg/module"
	"binsys/pkg/modules/automation"
)

// ModuleName is the name the module registers under.
const ModuleName = "monitor"

const (
	defaultSampleInterval = 30 * time.Second
	defaultHistoryLimit   = 60
	reportTaskName        = "monitor-report"
)

// Sample is one point-in-time runtime reading.
type Sample struct {
	Goroutines      int       `json:"goroutines"`
	HeapAllocBytes  uint64    `json:"heap_alloc_bytes"`
	TotalAllocBytes uint64    `json:"total_alloc_bytes"`
	NumGC           uint32    `json:"num_gc"`
	TakenAt         time.Time `json:"taken_at"`
}

// HistoryParams bounds the history API method.
type HistoryParams struct {
	Limit int `json:"limit,omitempty"`
}

// ReportParams configures the scheduleReport API method.
type ReportParams struct {
	DelaySeconds int `json:"delay_seconds,omitempty"`
}

// Module owns the per-user samplers behind the monitor definition.
type Module struct {
	cfg      config.MonitorConfig
	resolver module.APIResolver
	log      *slog.Logger
	tick     time.Duration
	limit    int

	mu       sync.Mutex
	sessions map[string]*Session
}

// New builds the shared monitor module state. The resolver reaches the
// automation module's API for report scheduling.
func New(cfg config.MonitorConfig, resolver module.APIResolver, log *slog.Logger) (*Module, error) {
	if log == nil {
		log = slog.Default()
	}

	tick := defaultSampleInterval
	if cfg.SampleIntervalSeconds > 0 {
		tick = time.Duration(cfg.SampleIntervalSeconds) * time.Second
	}

	limit := defaultHistoryLimit
	if cfg.HistoryLimit > 0 {
		limit = cfg.HistoryLimit
	}

	return &Module{
		cfg:      cfg,
		resolver: resolver,
		log:      log.With("component", "modules.monitor"),
		tick:     tick,
		limit:    limit,
		sessions: make(map[string]*Session),
	}, nil
}

// Factory returns the factory the registry invokes to build the definition.
func (m *Module) Factory() module.Factory {
	return func(context.Context) (*module.Definition, error) {
		return &module.Definition{
			Name:         ModuleName,
			Description:  "Samples runtime metrics into a bounded per-user history",
			Version:      "1.0.0",
			Dependencies: []string{automation.ModuleName},
			PublicAPI: module.API{
				"sample":         m.sample,
				"history":        m.history,
				"scheduleReport": m.scheduleReport,
			},
			Initialize: m.initialize,
			Cleanup:    m.cleanup,
		}, nil
	}
}

func (m *Module) initialize(_ context.Context, userID string) (module.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[userID]; ok {
		return existing, nil
	}

	session := &Session{
		userID: userID,
		limit:  m.limit,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go session.run(m.tick)

	m.sessions[userID] = session
	return session, nil
}

func (m *Module) cleanup(_ context.Context, userID string) error {
	m.mu.Lock()
	session, ok := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()

	if ok {
		session.shutdown()
	}
	return nil
}

func (m *Module) session(ctx context.Context) (*Session, error) {
	userID := module.UserFromContext(ctx)
	if userID == "" {
		return nil, errors.New("no user in request context")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[userID]
	if !ok {
		return nil, fmt.Errorf("monitor is not loaded for user %q", userID)
	}
	return session, nil
}

func (m *Module) sample(ctx context.Context, _ any) (any, error) {
	session, err := m.session(ctx)
	if err != nil {
		return nil, err
	}
	return session.record(), nil
}

func (m *Module) history(ctx context.Context, params any) (any, error) {
	var p HistoryParams
	if err := module.DecodeParams(params, &p); err != nil {
		return nil, err
	}

	session, err := m.session(ctx)
	if err != nil {
		return nil, err
	}
	return session.history(p.Limit), nil
}

// scheduleReport asks the automation module to schedule a report task for
// the calling user.
func (m *Module) scheduleReport(ctx context.Context, params any) (any, error) {
	var p ReportParams
	if err := module.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	if _, err := m.session(ctx); err != nil {
		return nil, err
	}
	if m.resolver == nil {
		return nil, errors.New("module resolver is not configured")
	}

	api := m.resolver(automation.ModuleName)
	if api == nil {
		return nil, fmt.Errorf("%s API is unavailable", automation.ModuleName)
	}
	scheduleTask, ok := api["scheduleTask"]
	if !ok {
		return nil, fmt.Errorf("%s does not expose scheduleTask", automation.ModuleName)
	}

	return scheduleTask(ctx, automation.ScheduleParams{
		Name:         reportTaskName,
		DelaySeconds: p.DelaySeconds,
	})
}

// Session is the sampler instance for one user.
type Session struct {
	userID string
	limit  int

	mu      sync.Mutex
	samples []Sample

	stop chan struct{}
	done chan struct{}
}

// UserID identifies the session owner.
func (s *Session) UserID() string {
	return s.userID
}

// record takes a sample now and appends it to the bounded history.
func (s *Session) record() Sample {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	sample := Sample{
		Goroutines:      runtime.NumGoroutine(),
		HeapAllocBytes:  stats.HeapAlloc,
		TotalAllocBytes: stats.TotalAlloc,
		NumGC:           stats.NumGC,
		TakenAt:         time.Now(),
	}

	s.mu.Lock()
	s.samples = append(s.samples, sample)
	if len(s.samples) > s.limit {
		s.samples = s.samples[len(s.samples)-s.limit:]
	}
	s.mu.Unlock()

	return sample
}

// history returns up to limit samples, oldest first. A non-positive limit
// returns the full retained history.
func (s *Session) history(limit int) []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := len(s.samples)
	if limit > 0 && limit < count {
		count = limit
	}

	out := make([]Sample, count)
	copy(out, s.samples[len(s.samples)-count:])
	return out
}

func (s *Session) run(interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.record()
		}
	}
}

func (s *Session) shutdown() {
	close(s.stop)
	<-s.done
}
