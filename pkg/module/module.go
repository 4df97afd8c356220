package module

import (
	"context"
	"fmt"
	"sort"
)

// APIFunc is one callable entry in a module's public API surface.
//
// Params and results are opaque values so the coordination layer never needs
// to know a module's internals; modules document their own shapes.
type APIFunc func(ctx context.Context, params any) (any, error)

// API maps method names to callables a module exposes to other code.
type API map[string]APIFunc

// APIResolver looks up the public API of a registered module by name.
//
// Returns nil when the module is unknown. The coordinator provides the
// canonical implementation; module factories receive it so instances can
// call across module boundaries without holding coordinator references.
type APIResolver func(moduleName string) API

// Instance is a live per-user module object produced by Definition.Initialize.
// An instance is owned exclusively by the (module, user) pair that created it
// and is destroyed by Definition.Cleanup.
type Instance interface {
	UserID() string
}

// InitializeFunc builds a per-user instance. It may block and must honor ctx.
type InitializeFunc func(ctx context.Context, userID string) (Instance, error)

// CleanupFunc tears down the per-user instance created for userID.
type CleanupFunc func(ctx context.Context, userID string) error

// Definition is the static, author-supplied descriptor for a loadable unit.
//
// A definition registered under a name is immutable; replacing it requires an
// explicit reload through the registry.
type Definition struct {
	Name         string
	Description  string
	Version      string
	Dependencies []string
	PublicAPI    API
	Initialize   InitializeFunc
	Cleanup      CleanupFunc
}

// Factory produces a definition on demand. Factories replace dynamic loading:
// the embedding application registers an explicit name -> factory table.
type Factory func(ctx context.Context) (*Definition, error)

// Priority tags a load request; dependency loads are escalated to high.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Validate checks that a definition carries every required field with a
// usable value. All problems are collected so authors see the full list at
// once rather than fixing fields one at a time.
func Validate(def *Definition) error {
	if def == nil {
		return ErrNilDefinition
	}

	var fields []string
	if def.Name == "" {
		fields = append(fields, "name is empty")
	}
	if def.Description == "" {
		fields = append(fields, "description is empty")
	}
	if def.Version == "" {
		fields = append(fields, "version is empty")
	}
	if def.Dependencies == nil {
		fields = append(fields, "dependencies is nil")
	}
	for _, dep := range def.Dependencies {
		if dep == "" {
			fields = append(fields, "dependencies contains an empty name")
			continue
		}
		if dep == def.Name {
			fields = append(fields, fmt.Sprintf("dependencies contains self-reference %q", dep))
		}
	}
	if def.PublicAPI == nil {
		fields = append(fields, "publicAPI is nil")
	}
	for method, fn := range def.PublicAPI {
		if method == "" {
			fields = append(fields, "publicAPI contains an empty method name")
		}
		if fn == nil {
			fields = append(fields, fmt.Sprintf("publicAPI method %q is nil", method))
		}
	}
	if def.Initialize == nil {
		fields = append(fields, "initialize is nil")
	}
	if def.Cleanup == nil {
		fields = append(fields, "cleanup is nil")
	}

	if len(fields) == 0 {
		return nil
	}

	sort.Strings(fields)
	return &InvalidDefinitionError{Name: def.Name, Fields: fields}
}

// APIMethods returns the sorted method names of a public API for logs and
// introspection output.
func APIMethods(api API) []string {
	methods := make([]string, 0, len(api))
	for method := range api {
		methods = append(methods, method)
	}
	sort.Strings(methods)

	return methods
}

// InstanceKey builds the composite cache key for one (module, user) pair.
func InstanceKey(moduleName, userID string) string {
	return moduleName + "_" + userID
}
