package bus

import (
	"time"

	"binsys/pkg/module"
)

// Well-known channels of the coordination layer. External collaborators
// drive and observe the system purely through these.
const (
	// Requests accepted by the coordinator's bus listeners.
	ChannelModuleLoadRequest     = "module-load-request"
	ChannelGroupLoadRequest      = "group-load-request"
	ChannelModuleAPIRequest      = "module-api-request"
	ChannelSessionCleanupRequest = "user-session-cleanup"

	// Lifecycle notifications published by the coordinator.
	ChannelModuleRegistered  = "module-registered"
	ChannelModuleReloaded    = "module-reloaded"
	ChannelModuleLoaded      = "module-loaded"
	ChannelModuleUnloaded    = "module-unloaded"
	ChannelModuleLoadError   = "module-load-error"
	ChannelModuleGroupLoaded = "module-group-loaded"

	// System-level notifications.
	ChannelSystemEvent       = "system-event"
	ChannelSystemError       = "system-error"
	ChannelSystemInitialized = "bin-system-initialized"
)

// ModuleLoadRequest asks the coordinator to load one module for a user.
type ModuleLoadRequest struct {
	ModuleName string          `json:"module_name"`
	UserID     string          `json:"user_id"`
	Priority   module.Priority `json:"priority,omitempty"`
}

// GroupLoadRequest asks the coordinator to load a whole module group.
type GroupLoadRequest struct {
	GroupName string `json:"group_name"`
	UserID    string `json:"user_id"`
}

// APIRequest invokes a module's public API method over the bus. Publish it
// through Request so the result comes back on the reply channel.
type APIRequest struct {
	ModuleName string `json:"module_name"`
	Method     string `json:"method"`
	Params     any    `json:"params,omitempty"`
	UserID     string `json:"user_id"`
}

// APIResponse carries the outcome of an APIRequest.
type APIResponse struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// LoadResponse acknowledges a ModuleLoadRequest or GroupLoadRequest that was
// published through Request.
type LoadResponse struct {
	Ok     bool     `json:"ok"`
	Loaded []string `json:"loaded,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// SessionCleanupRequest asks for teardown of every module loaded for a user.
type SessionCleanupRequest struct {
	UserID string `json:"user_id"`
}

// ModuleEvent is the common payload of module lifecycle notifications.
//
// Instance is set on module-loaded only and never serialized; it is an
// in-process reference for same-process subscribers.
type ModuleEvent struct {
	ModuleName string          `json:"module_name"`
	UserID     string          `json:"user_id,omitempty"`
	Version    string          `json:"version,omitempty"`
	Priority   module.Priority `json:"priority,omitempty"`
	Error      string          `json:"error,omitempty"`
	Instance   module.Instance `json:"-"`
	Timestamp  time.Time       `json:"timestamp"`
}

// GroupEvent reports the outcome of a group load: only the modules that
// actually ended up loaded appear in Loaded.
type GroupEvent struct {
	GroupName string    `json:"group_name"`
	UserID    string    `json:"user_id"`
	Requested []string  `json:"requested"`
	Loaded    []string  `json:"loaded"`
	Timestamp time.Time `json:"timestamp"`
}

// SystemEvent is a generic system-level notification.
type SystemEvent struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SystemError is a generic system-level failure notification.
type SystemError struct {
	Context   string    `json:"context"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}
