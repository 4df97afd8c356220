// Package security provides the builtin token and audit module. Tokens are
// short-lived per-user credentials; the audit log records module lifecycle
// events observed on the bus while the session is loaded.
package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"binsys/pkg/bus"
	"binsys/pkg/config"
	"binsys/pkg/module"

	"github.com/google/uuid"
)

// ModuleName is the name the module registers under.
const ModuleName = "security"

const (
	defaultTokenTTL   = time.Hour
	defaultAuditLimit = 100
)

// Token is an issued bearer credential with expiry.
type Token struct {
	Value     string    `json:"value"`
	UserID    string    `json:"user_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ValidationResult reports the outcome of validateToken.
type ValidationResult struct {
	Valid     bool      `json:"valid"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenParams identifies a token for validateToken and revokeToken.
type TokenParams struct {
	Token string `json:"token"`
}

// AuditParams bounds the auditLog API method.
type AuditParams struct {
	Limit int `json:"limit,omitempty"`
}

// AuditEntry records one observed module lifecycle event.
type AuditEntry struct {
	Channel    string    `json:"channel"`
	ModuleName string    `json:"module_name"`
	UserID     string    `json:"user_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Module owns the per-user token stores behind the security definition.
type Module struct {
	cfg        config.SecurityConfig
	bus        *bus.Bus
	log        *slog.Logger
	ttl        time.Duration
	auditLimit int

	mu       sync.Mutex
	sessions map[string]*Session
}

// New builds the shared security module state.
func New(cfg config.SecurityConfig, b *bus.Bus, log *slog.Logger) (*Module, error) {
	if b == nil {
		return nil, errors.New("bus is required")
	}
	if log == nil {
		log = slog.Default()
	}

	ttl := defaultTokenTTL
	if cfg.TokenTTLMinutes > 0 {
		ttl = time.Duration(cfg.TokenTTLMinutes) * time.Minute
	}

	auditLimit := defaultAuditLimit
	if cfg.AuditLimit > 0 {
		auditLimit = cfg.AuditLimit
	}

	return &Module{
		cfg:        cfg,
		bus:        b,
		log:        log.With("component", "modules.security"),
		ttl:        ttl,
		auditLimit: auditLimit,
		sessions:   make(map[string]*Session),
	}, nil
}

// Factory returns the factory the registry invokes to build the definition.
func (m *Module) Factory() module.Factory {
	return func(context.Context) (*module.Definition, error) {
		return &module.Definition{
			Name:         ModuleName,
			Description:  "Issues short-lived user tokens and audits module lifecycle events",
			Version:      "1.0.0",
			Dependencies: []string{},
			PublicAPI: module.API{
				"issueToken":    m.issueToken,
				"validateToken": m.validateToken,
				"revokeToken":   m.revokeToken,
				"auditLog":      m.auditLog,
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
		limit:  m.auditLimit,
		tokens: make(map[string]Token),
	}
	session.subs = []*bus.Subscription{
		m.bus.Subscribe(bus.ChannelModuleLoaded, session.observe),
		m.bus.Subscribe(bus.ChannelModuleUnloaded, session.observe),
		m.bus.Subscribe(bus.ChannelModuleLoadError, session.observe),
	}

	m.sessions[userID] = session
	return session, nil
}

func (m *Module) cleanup(_ context.Context, userID string) error {
	m.mu.Lock()
	session, ok := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()

	if ok {
		for _, sub := range session.subs {
			sub.Unsubscribe()
		}
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
		return nil, fmt.Errorf("security is not loaded for user %q", userID)
	}
	return session, nil
}

func (m *Module) issueToken(ctx context.Context, _ any) (any, error) {
	session, err := m.session(ctx)
	if err != nil {
		return nil, err
	}

	token := session.issue(m.ttl)
	m.log.Debug("Token issued", "user_id", session.userID, "expires_at", token.ExpiresAt)
	return token, nil
}

func (m *Module) validateToken(ctx context.Context, params any) (any, error) {
	var p TokenParams
	if err := module.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Token == "" {
		return nil, errors.New("token is required")
	}

	session, err := m.session(ctx)
	if err != nil {
		return nil, err
	}
	return session.validate(p.Token, time.Now()), nil
}

func (m *Module) revokeToken(ctx context.Context, params any) (any, error) {
	var p TokenParams
	if err := module.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Token == "" {
		return nil, errors.New("token is required")
	}

	session, err := m.session(ctx)
	if err != nil {
		return nil, err
	}

	token, ok := session.revoke(p.Token)
	if !ok {
		return nil, fmt.Errorf("token %q not found", p.Token)
	}

	m.log.Debug("Token revoked", "user_id", session.userID)
	return token, nil
}

func (m *Module) auditLog(ctx context.Context, params any) (any, error) {
	var p AuditParams
	if err := module.DecodeParams(params, &p); err != nil {
		return nil, err
	}

	session, err := m.session(ctx)
	if err != nil {
		return nil, err
	}
	return session.auditEntries(p.Limit), nil
}

// Session is the token store and audit recorder for one user.
type Session struct {
	userID string
	limit  int
	subs   []*bus.Subscription

	mu     sync.Mutex
	tokens map[string]Token
	audit  []AuditEntry
}

// UserID identifies the session owner.
func (s *Session) UserID() string {
	return s.userID
}

func (s *Session) issue(ttl time.Duration) Token {
	now := time.Now()
	token := Token{
		Value:     uuid.NewString(),
		UserID:    s.userID,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	s.mu.Lock()
	s.tokens[token.Value] = token
	s.mu.Unlock()

	return token
}

// validate checks a token and drops it once expired.
func (s *Session) validate(value string, now time.Time) ValidationResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[value]
	if !ok {
		return ValidationResult{}
	}
	if now.After(token.ExpiresAt) {
		delete(s.tokens, value)
		return ValidationResult{}
	}

	return ValidationResult{Valid: true, ExpiresAt: token.ExpiresAt}
}

func (s *Session) revoke(value string) (Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[value]
	if ok {
		delete(s.tokens, value)
	}
	return token, ok
}

// observe appends a module lifecycle event to the bounded audit log.
func (s *Session) observe(msg bus.Message) {
	event, ok := msg.Data.(bus.ModuleEvent)
	if !ok {
		return
	}

	entry := AuditEntry{
		Channel:    msg.Channel,
		ModuleName: event.ModuleName,
		UserID:     event.UserID,
		Error:      event.Error,
		At:         msg.Timestamp,
	}

	s.mu.Lock()
	s.audit = append(s.audit, entry)
	if len(s.audit) > s.limit {
		s.audit = s.audit[len(s.audit)-s.limit:]
	}
	s.mu.Unlock()
}

// auditEntries returns up to limit entries, oldest first. A non-positive
// limit returns the full retained log.
func (s *Session) auditEntries(limit int) []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := len(s.audit)
	if limit > 0 && limit < count {
		count = limit
	}

	out := make([]AuditEntry, count)
	copy(out, s.audit[len(s.audit)-count:])
	return out
}
