// Package notify provides the builtin Telegram alert module. While loaded it
// forwards system errors and module load failures to a configured chat, and
// exposes a direct send API.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"binsys/pkg/bus"
	"binsys/pkg/config"
	"binsys/pkg/module"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// ModuleName is the name the module registers under.
const ModuleName = "notify"

const messagePreviewLimit = 240
const sendTimeout = 10 * time.Second

// sender is the slice of the Telegram bot API the module uses.
type sender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

// SendParams configures the send API method.
type SendParams struct {
	Text string `json:"text"`
}

// SendResult reports a completed send.
type SendResult struct {
	Delivered bool `json:"delivered"`
}

// Module owns the bot connection and alert subscriptions behind the notify
// definition. Alert forwarding is process-wide: the first loaded session
// subscribes and the last cleanup unsubscribes.
type Module struct {
	cfg config.NotifyConfig
	bus *bus.Bus
	log *slog.Logger
	bot sender

	mu       sync.Mutex
	sessions map[string]*Session
	subs     []*bus.Subscription
}

// New validates the Telegram configuration and builds the module state.
func New(cfg config.NotifyConfig, b *bus.Bus, log *slog.Logger) (*Module, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("modules.notify.token is required")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("modules.notify.chat_id is required")
	}
	if b == nil {
		return nil, errors.New("bus is required")
	}
	if log == nil {
		log = slog.Default()
	}

	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}

	return &Module{
		cfg:      cfg,
		bus:      b,
		log:      log.With("component", "modules.notify"),
		bot:      bot,
		sessions: make(map[string]*Session),
	}, nil
}

// Factory returns the factory the registry invokes to build the definition.
func (m *Module) Factory() module.Factory {
	return func(context.Context) (*module.Definition, error) {
		return &module.Definition{
			Name:         ModuleName,
			Description:  "Forwards system alerts to Telegram and sends direct messages",
			Version:      "1.0.0",
			Dependencies: []string{},
			PublicAPI: module.API{
				"send": m.send,
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

	if len(m.sessions) == 0 {
		m.subs = []*bus.Subscription{
			m.bus.Subscribe(bus.ChannelSystemError, m.forwardSystemError),
			m.bus.Subscribe(bus.ChannelModuleLoadError, m.forwardLoadFailure),
		}
	}

	session := &Session{userID: userID}
	m.sessions[userID] = session
	return session, nil
}

func (m *Module) cleanup(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[userID]; !ok {
		return nil
	}
	delete(m.sessions, userID)

	if len(m.sessions) == 0 {
		for _, sub := range m.subs {
			sub.Unsubscribe()
		}
		m.subs = nil
	}
	return nil
}

func (m *Module) send(ctx context.Context, params any) (any, error) {
	var p SendParams
	if err := module.DecodeParams(params, &p); err != nil {
		return nil, err
	}

	text := strings.TrimSpace(p.Text)
	if text == "" {
		return nil, errors.New("text is required")
	}

	if _, err := m.bot.SendMessage(ctx, tu.Message(tu.ID(m.cfg.ChatID), text)); err != nil {
		return nil, fmt.Errorf("send telegram message: %w", err)
	}

	return SendResult{Delivered: true}, nil
}

func (m *Module) forwardSystemError(msg bus.Message) {
	failure, ok := msg.Data.(bus.SystemError)
	if !ok {
		return
	}
	m.deliver(formatSystemAlert(failure))
}

func (m *Module) forwardLoadFailure(msg bus.Message) {
	event, ok := msg.Data.(bus.ModuleEvent)
	if !ok {
		return
	}
	m.deliver(formatLoadFailure(event))
}

// deliver sends asynchronously so bus publishers never block on Telegram.
func (m *Module) deliver(text string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		if _, err := m.bot.SendMessage(ctx, tu.Message(tu.ID(m.cfg.ChatID), text)); err != nil {
			m.log.Error("Failed to send telegram alert", "error", err)
		}
	}()
}

// Session marks the notify module loaded for one user.
type Session struct {
	userID string
}

// UserID identifies the session owner.
func (s *Session) UserID() string {
	return s.userID
}

// formatSystemAlert renders a system-error publication as a chat message.
func formatSystemAlert(failure bus.SystemError) string {
	return fmt.Sprintf("binsys error [%s]: %s", failure.Context, previewText(failure.Error))
}

// formatLoadFailure renders a module load failure as a chat message.
func formatLoadFailure(event bus.ModuleEvent) string {
	return fmt.Sprintf("binsys load failure [%s] user=%s: %s", event.ModuleName, event.UserID, previewText(event.Error))
}

// previewText returns a bounded chat-safe preview of alert text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}
