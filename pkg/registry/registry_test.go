package registry

import (
	"context"
	"errors"
	"testing"

	"binsys/pkg/bus"
	"binsys/pkg/coordinator"
	"binsys/pkg/module"
)

type instanceStub struct {
	userID string
}

func (s *instanceStub) UserID() string {
	return s.userID
}

func factoryFor(name string, version string, deps ...string) module.Factory {
	return func(context.Context) (*module.Definition, error) {
		return &module.Definition{
			Name:         name,
			Description:  name + " test module",
			Version:      version,
			Dependencies: append([]string{}, deps...),
			PublicAPI: module.API{
				"ping": func(context.Context, any) (any, error) { return "pong", nil },
			},
			Initialize: func(_ context.Context, userID string) (module.Instance, error) {
				return &instanceStub{userID: userID}, nil
			},
			Cleanup: func(context.Context, string) error { return nil },
		}, nil
	}
}

func newTestRegistry() (*Registry, *coordinator.Coordinator, *bus.Bus) {
	b := bus.New(bus.Options{})
	coord := coordinator.New(coordinator.Options{Bus: b})
	return New(Options{Coordinator: coord, Bus: b}), coord, b
}

func TestAddRejectsDuplicates(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRegistry()

	if err := r.Add("alpha", factoryFor("alpha", "1.0.0")); err != nil {
		t.Fatalf("Add error: %v", err)
	}

	err := r.Add("alpha", factoryFor("alpha", "1.0.0"))
	if coordinator.CategoryFromError(err) != coordinator.ErrorAlreadyRegistered {
		t.Fatalf("error = %v, want category %s", err, coordinator.ErrorAlreadyRegistered)
	}
}

func TestInitializeRegistersAllFactories(t *testing.T) {
	t.Parallel()

	r, coord, b := newTestRegistry()
	events := make(chan bus.Message, 1)
	b.Subscribe(bus.ChannelSystemEvent, func(msg bus.Message) { events <- msg })

	for _, name := range []string{"alpha", "beta", "gamma"} {
		if err := r.Add(name, factoryFor(name, "1.0.0")); err != nil {
			t.Fatalf("Add error: %v", err)
		}
	}

	registered := r.Initialize(context.Background())
	if len(registered) != 3 {
		t.Fatalf("registered = %v, want 3 modules", registered)
	}
	for _, name := range []string{"alpha", "beta", "gamma"} {
		if !coord.Registered(name) {
			t.Fatalf("expected %s in the catalog", name)
		}
	}

	select {
	case msg := <-events:
		event, ok := msg.Data.(bus.SystemEvent)
		if !ok || event.Type != "registry-initialized" {
			t.Fatalf("system event = %+v", msg.Data)
		}
		data, ok := event.Data.(map[string]any)
		if !ok || data["count"] != 3 {
			t.Fatalf("system event data = %+v", event.Data)
		}
	default:
		t.Fatal("expected a system-event publication")
	}
}

func TestInitializeSecondCallIsNoOp(t *testing.T) {
	t.Parallel()

	r, coord, _ := newTestRegistry()
	if err := r.Add("alpha", factoryFor("alpha", "1.0.0")); err != nil {
		t.Fatalf("Add error: %v", err)
	}

	if registered := r.Initialize(context.Background()); len(registered) != 1 {
		t.Fatalf("first initialize = %v, want [alpha]", registered)
	}
	if registered := r.Initialize(context.Background()); registered != nil {
		t.Fatalf("second initialize = %v, want nil", registered)
	}
	if got := coord.RegisteredModules(); len(got) != 1 {
		t.Fatalf("catalog = %v, want exactly [alpha]", got)
	}
}

func TestInitializeToleratesFactoryFailure(t *testing.T) {
	t.Parallel()

	r, coord, _ := newTestRegistry()

	if err := r.Add("fine", factoryFor("fine", "1.0.0")); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	broken := func(context.Context) (*module.Definition, error) {
		return nil, errors.New("no parts")
	}
	if err := r.Add("broken", broken); err != nil {
		t.Fatalf("Add error: %v", err)
	}

	registered := r.Initialize(context.Background())
	if len(registered) != 1 || registered[0] != "fine" {
		t.Fatalf("registered = %v, want [fine]", registered)
	}
	if coord.Registered("broken") {
		t.Fatal("broken factory must not reach the catalog")
	}
}

func TestRegisterRejectsNameMismatch(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRegistry()

	if err := r.Add("alias", factoryFor("actual", "1.0.0")); err != nil {
		t.Fatalf("Add error: %v", err)
	}

	err := r.Register(context.Background(), "alias")
	if err == nil {
		t.Fatal("expected a name mismatch error")
	}
}

func TestRegisterUnknownName(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRegistry()

	err := r.Register(context.Background(), "ghost")
	if coordinator.CategoryFromError(err) != coordinator.ErrorNotRegistered {
		t.Fatalf("error = %v, want category %s", err, coordinator.ErrorNotRegistered)
	}
}

func TestReloadReplacesDefinition(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, _, b := newTestRegistry()
	reloads := make(chan bus.Message, 1)
	b.Subscribe(bus.ChannelModuleReloaded, func(msg bus.Message) { reloads <- msg })

	// Reload re-runs the factory, so a factory reading mutable state hands
	// out whatever is current at reload time.
	version := "1.0.0"
	factory := func(ctx context.Context) (*module.Definition, error) {
		return factoryFor("alpha", version)(ctx)
	}
	if err := r.Add("alpha", factory); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if err := r.Register(ctx, "alpha"); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	version = "2.0.0"
	if err := r.Reload(ctx, "alpha"); err != nil {
		t.Fatalf("Reload error: %v", err)
	}

	info, err := r.Info("alpha")
	if err != nil {
		t.Fatalf("Info error: %v", err)
	}
	if info.Version != "2.0.0" {
		t.Fatalf("version after reload = %s, want 2.0.0", info.Version)
	}

	select {
	case msg := <-reloads:
		event, ok := msg.Data.(bus.ModuleEvent)
		if !ok || event.ModuleName != "alpha" || event.Version != "2.0.0" {
			t.Fatalf("module-reloaded event = %+v", msg.Data)
		}
	default:
		t.Fatal("expected a module-reloaded publication")
	}
}

func TestReloadRequiresRegisteredModule(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRegistry()

	if err := r.Add("alpha", factoryFor("alpha", "1.0.0")); err != nil {
		t.Fatalf("Add error: %v", err)
	}

	// Never registered with the coordinator, so there is nothing to replace.
	err := r.Reload(context.Background(), "alpha")
	if coordinator.CategoryFromError(err) != coordinator.ErrorNotRegistered {
		t.Fatalf("error = %v, want category %s", err, coordinator.ErrorNotRegistered)
	}
}

func TestDiscoveredAndAvailable(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRegistry()

	for _, name := range []string{"zeta", "alpha"} {
		if err := r.Add(name, factoryFor(name, "1.0.0")); err != nil {
			t.Fatalf("Add error: %v", err)
		}
	}

	discovered := r.Discovered()
	if len(discovered) != 2 || discovered[0] != "alpha" || discovered[1] != "zeta" {
		t.Fatalf("discovered = %v, want [alpha zeta]", discovered)
	}
	if !r.Available("zeta") {
		t.Fatal("expected zeta to be available")
	}
	if r.Available("ghost") {
		t.Fatal("ghost must not be available")
	}
}

func TestInfoListsSortedAPIMethods(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, _, _ := newTestRegistry()

	factory := func(context.Context) (*module.Definition, error) {
		return &module.Definition{
			Name:         "alpha",
			Description:  "alpha test module",
			Version:      "1.0.0",
			Dependencies: []string{"beta"},
			PublicAPI: module.API{
				"zap":  func(context.Context, any) (any, error) { return nil, nil },
				"ping": func(context.Context, any) (any, error) { return nil, nil },
			},
			Initialize: func(_ context.Context, userID string) (module.Instance, error) {
				return &instanceStub{userID: userID}, nil
			},
			Cleanup: func(context.Context, string) error { return nil },
		}, nil
	}
	if err := r.Add("alpha", factory); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if err := r.Register(ctx, "alpha"); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	info, err := r.Info("alpha")
	if err != nil {
		t.Fatalf("Info error: %v", err)
	}
	if len(info.APIMethods) != 2 || info.APIMethods[0] != "ping" || info.APIMethods[1] != "zap" {
		t.Fatalf("api methods = %v, want [ping zap]", info.APIMethods)
	}
	if len(info.Dependencies) != 1 || info.Dependencies[0] != "beta" {
		t.Fatalf("dependencies = %v, want [beta]", info.Dependencies)
	}
}

func TestClearAllowsReinitialize(t *testing.T) {
	t.Parallel()

	r, coord, _ := newTestRegistry()

	if err := r.Add("alpha", factoryFor("alpha", "1.0.0")); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	r.Initialize(context.Background())

	r.Clear()

	// The factory table is configured input and survives a clear.
	if !r.Available("alpha") {
		t.Fatal("clear must keep the factory table")
	}
	if !coord.Registered("alpha") {
		t.Fatal("clear must not touch the coordinator catalog")
	}

	// A cleared registry runs a fresh initialize cycle; re-registering into
	// an intact catalog is tolerated as a per-module failure.
	registered := r.Initialize(context.Background())
	if len(registered) != 0 {
		t.Fatalf("registered after clear = %v, want none", registered)
	}
	if !coord.Registered("alpha") {
		t.Fatal("alpha must stay in the catalog")
	}
}
