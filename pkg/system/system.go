package system

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"binsys/pkg/bus"
	"binsys/pkg/config"
	"binsys/pkg/coordinator"
	"binsys/pkg/module"
	"binsys/pkg/registry"
)

// SystemUserID is the synthetic user the core module group is loaded for
// during initialization.
const SystemUserID = "system"

// ErrNotInitialized guards every facade operation that requires a completed
// Initialize.
var ErrNotInitialized = errors.New("bin system is not initialized")

// System is the top-level facade over bus, registry, and coordinator. It owns
// the startup sequence and exposes a guarded API: nothing is usable before
// Initialize completes.
type System struct {
	cfg   *config.Config
	bus   *bus.Bus
	reg   *registry.Registry
	coord *coordinator.Coordinator
	log   *slog.Logger

	mu          sync.Mutex
	initialized bool
	initDone    chan struct{}
	initErr     error
	startedAt   time.Time
	stopFns     []func()
}

// Options configures a System. Config, Bus, Registry, and Coordinator are
// required.
type Options struct {
	Config      *config.Config
	Bus         *bus.Bus
	Registry    *registry.Registry
	Coordinator *coordinator.Coordinator
	Logger      *slog.Logger
}

func New(opts Options) (*System, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("bus is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.Coordinator == nil {
		return nil, errors.New("coordinator is required")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &System{
		cfg:   opts.Config,
		bus:   opts.Bus,
		reg:   opts.Registry,
		coord: opts.Coordinator,
		log:   log.With("component", "system"),
	}, nil
}

// Initialize brings the system up: bus enabled, system log taps subscribed,
// registry initialized, core group loaded for the system user, and the bus
// request listeners attached. It is idempotent, and a concurrent caller
// joins the in-flight attempt instead of starting a second one.
func (s *System) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		s.log.Debug("Already initialized")
		return nil
	}
	if s.initDone != nil {
		done := s.initDone
		s.mu.Unlock()

		select {
		case <-done:
			s.mu.Lock()
			err := s.initErr
			s.mu.Unlock()
			return err
		case <-ctx.Done():
			return fmt.Errorf("wait for initialization: %w", ctx.Err())
		}
	}
	done := make(chan struct{})
	s.initDone = done
	s.mu.Unlock()

	err := s.runInitialize(ctx)

	s.mu.Lock()
	s.initialized = err == nil
	s.initErr = err
	s.initDone = nil
	if err == nil {
		s.startedAt = time.Now().UTC()
	}
	s.mu.Unlock()
	close(done)

	return err
}

func (s *System) runInitialize(ctx context.Context) error {
	s.log.Info("Initializing bin system")
	s.bus.SetEnabled(true)

	eventTap := s.bus.Subscribe(bus.ChannelSystemEvent, s.logSystemEvent)
	errorTap := s.bus.Subscribe(bus.ChannelSystemError, s.logSystemError)

	registered := s.reg.Initialize(ctx)

	if _, err := s.coord.LoadGroupForUser(ctx, config.CoreGroup, SystemUserID); err != nil {
		// The system still comes up without its core modules.
		s.log.Warn("Core group load failed", "group", config.CoreGroup, "error", err)
	}

	stopCoordinator := s.coord.ListenBus(ctx)
	cleanupSub := s.bus.Subscribe(bus.ChannelSessionCleanupRequest, s.handleSessionCleanup(ctx))

	s.mu.Lock()
	s.stopFns = []func(){
		eventTap.Unsubscribe,
		errorTap.Unsubscribe,
		stopCoordinator,
		cleanupSub.Unsubscribe,
	}
	s.mu.Unlock()

	s.bus.Publish(bus.ChannelSystemInitialized, bus.SystemEvent{
		Type: "bin-system-initialized",
		Data: map[string]any{
			"modules": registered,
		},
		Timestamp: time.Now().UTC(),
	})
	s.log.Info("Bin system initialized", "modules", len(registered))

	return nil
}

func (s *System) logSystemEvent(msg bus.Message) {
	event, ok := msg.Payload().(bus.SystemEvent)
	if !ok {
		return
	}
	s.log.Debug("System event", "type", event.Type)
}

func (s *System) logSystemError(msg bus.Message) {
	failure, ok := msg.Payload().(bus.SystemError)
	if !ok {
		return
	}
	s.log.Error("System error reported", "context", failure.Context, "error", failure.Error)
}

// handleSessionCleanup forwards user-session-cleanup bus requests into the
// coordinator without blocking the publisher.
func (s *System) handleSessionCleanup(ctx context.Context) bus.Handler {
	return func(msg bus.Message) {
		req, ok := msg.Payload().(bus.SessionCleanupRequest)
		if !ok {
			s.log.Warn("Dropping malformed session cleanup request", "message_id", msg.ID)
			return
		}

		go func() {
			s.coord.CleanupUserSession(ctx, req.UserID)
			s.bus.Respond(msg, bus.LoadResponse{Ok: true})
		}()
	}
}

// Initialized reports whether Initialize has completed successfully.
func (s *System) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

func (s *System) ensureInitialized() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return ErrNotInitialized
	}
	return nil
}

// LoadModuleForUser is the guarded delegation to the coordinator.
func (s *System) LoadModuleForUser(ctx context.Context, name string, userID string, priority module.Priority) error {
	if err := s.ensureInitialized(); err != nil {
		return err
	}

	return s.coord.LoadModuleForUser(ctx, name, userID, priority)
}

// LoadGroupForUser is the guarded delegation to the coordinator.
func (s *System) LoadGroupForUser(ctx context.Context, groupName string, userID string) ([]string, error) {
	if err := s.ensureInitialized(); err != nil {
		return nil, err
	}

	return s.coord.LoadGroupForUser(ctx, groupName, userID)
}

// ModuleAPI returns a copy of a registered module's public API table.
func (s *System) ModuleAPI(name string) (module.API, error) {
	if err := s.ensureInitialized(); err != nil {
		return nil, err
	}

	return s.coord.PublicAPI(name)
}

// CleanupUserSession is the guarded delegation to the coordinator.
func (s *System) CleanupUserSession(ctx context.Context, userID string) error {
	if err := s.ensureInitialized(); err != nil {
		return err
	}

	s.coord.CleanupUserSession(ctx, userID)
	return nil
}

// ExecuteModuleAction loads the module for userID on demand at high priority,
// then invokes one of its public API methods with the user identity on the
// context.
func (s *System) ExecuteModuleAction(ctx context.Context, moduleName string, action string, params any, userID string) (any, error) {
	if err := s.ensureInitialized(); err != nil {
		return nil, err
	}

	if err := s.coord.LoadModuleForUser(ctx, moduleName, userID, module.PriorityHigh); err != nil {
		return nil, fmt.Errorf("load %q for %q: %w", moduleName, userID, err)
	}

	return s.coord.CallModuleAPI(module.WithUser(ctx, userID), moduleName, action, params)
}

// Status snapshots the coordination layer. Available before Initialize so
// the status server can report on a system that is still coming up.
func (s *System) Status() coordinator.SystemStatus {
	return s.coord.Status()
}

// Restart tears the runtime state down and runs the full initialization
// sequence again. The module catalog survives; sessions, bus state, and
// registry discovery state do not.
func (s *System) Restart(ctx context.Context) error {
	s.log.Info("Restarting bin system")

	s.mu.Lock()
	s.initialized = false
	stopFns := s.stopFns
	s.stopFns = nil
	s.mu.Unlock()

	for _, stop := range stopFns {
		stop()
	}

	s.coord.Restart(ctx)
	s.bus.ClearAll()
	s.reg.Clear()

	return s.Initialize(ctx)
}

// Shutdown cleans up every known user session best-effort, detaches the bus
// listeners, and disables the bus. The module catalog stays registered; the
// process is expected to exit afterwards.
func (s *System) Shutdown(ctx context.Context) {
	s.log.Info("Shutting down bin system")

	users := s.coord.ActiveUsers()
	for _, userID := range users {
		s.coord.CleanupUserSession(ctx, userID)
	}

	s.mu.Lock()
	s.initialized = false
	stopFns := s.stopFns
	s.stopFns = nil
	s.mu.Unlock()

	for _, stop := range stopFns {
		stop()
	}
	s.bus.SetEnabled(false)

	s.log.Info("Bin system shut down", "sessions_cleaned", len(users))
}

// Uptime reports how long the system has been initialized, or zero before
// that.
func (s *System) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}
