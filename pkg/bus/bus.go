package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultHistoryLimit   = 100
	defaultHistoryQuery   = 10
	defaultRequestTimeout = 5 * time.Second

	replyChannelPrefix = "reply."
)

// Options tunes a Bus. Zero values fall back to defaults.
type Options struct {
	// HistoryLimit caps the per-channel message history (default 100).
	HistoryLimit int
	// RequestTimeout bounds Request calls without an explicit timeout
	// (default 5s).
	RequestTimeout time.Duration
	// Logger receives subscriber failures and disabled-bus warnings.
	Logger *slog.Logger
}

// Bus is an in-process publish/subscribe channel registry with bounded
// per-channel message history.
//
// Publishing delivers synchronously to the current subscribers of a channel
// in subscription order. Publishing to a channel nobody subscribes to only
// records history; it is not an error.
type Bus struct {
	log            *slog.Logger
	historyLimit   int
	requestTimeout time.Duration

	mu       sync.RWMutex
	subs     map[string][]*subscriber
	history  map[string][]Message
	nextID   uint64
	disabled bool
}

type subscriber struct {
	id uint64
	fn Handler
}

// New builds a Bus ready for use. The bus starts enabled.
func New(opts Options) *Bus {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	historyLimit := opts.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}

	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}

	return &Bus{
		log:            log.With("component", "bus"),
		historyLimit:   historyLimit,
		requestTimeout: requestTimeout,
		subs:           make(map[string][]*subscriber),
		history:        make(map[string][]Message),
	}
}

// Subscribe registers a handler for future publishes on channel.
//
// On a disabled bus the call is a warning-logged no-op and the returned
// subscription is inert.
func (b *Bus) Subscribe(channel string, fn Handler) *Subscription {
	if channel == "" || fn == nil {
		return &Subscription{}
	}

	b.mu.Lock()
	if b.disabled {
		b.mu.Unlock()
		b.log.Warn("Subscribe ignored, bus is disabled", "channel", channel)
		return &Subscription{}
	}

	b.nextID++
	id := b.nextID
	b.subs[channel] = append(b.subs[channel], &subscriber{id: id, fn: fn})
	b.mu.Unlock()

	return &Subscription{bus: b, channel: channel, id: id}
}

// Publish delivers data to every current subscriber of channel and appends
// the message to the channel's history, dropping the oldest entry at
// capacity. Returns the constructed message.
//
// A panicking subscriber is logged and skipped; delivery continues with the
// remaining subscribers. On a disabled bus the call is a warning-logged
// no-op that touches neither subscribers nor history.
func (b *Bus) Publish(channel string, data any) (Message, bool) {
	if channel == "" {
		return Message{}, false
	}

	msg := Message{
		ID:        uuid.NewString(),
		Channel:   channel,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	b.mu.Lock()
	if b.disabled {
		b.mu.Unlock()
		b.log.Warn("Publish ignored, bus is disabled", "channel", channel)
		return Message{}, false
	}

	entries := append(b.history[channel], msg)
	if overflow := len(entries) - b.historyLimit; overflow > 0 {
		entries = append([]Message(nil), entries[overflow:]...)
	}
	b.history[channel] = entries

	targets := make([]*subscriber, len(b.subs[channel]))
	copy(targets, b.subs[channel])
	b.mu.Unlock()

	for _, target := range targets {
		b.deliver(target, msg)
	}

	return msg, true
}

// deliver invokes one subscriber with panic isolation.
func (b *Bus) deliver(target *subscriber, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("Subscriber failed", "channel", msg.Channel, "message_id", msg.ID, "panic", r)
		}
	}()

	target.fn(msg)
}

// Request publishes data wrapped in a RequestMessage carrying an ephemeral
// reply channel and waits for the first response published there.
//
// timeout <= 0 uses the bus default. The ephemeral subscription is always
// removed before Request returns, on every path.
func (b *Bus) Request(ctx context.Context, channel string, data any, timeout time.Duration) (Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		timeout = b.requestTimeout
	}

	replyTo := channel + "." + replyChannelPrefix + uuid.NewString()
	replies := make(chan Message, 1)

	sub := b.Subscribe(replyTo, func(msg Message) {
		select {
		case replies <- msg:
		default:
		}
	})
	defer func() {
		sub.Unsubscribe()
		b.dropHistory(replyTo)
	}()

	if _, ok := b.Publish(channel, RequestMessage{ReplyTo: replyTo, Data: data}); !ok {
		return Message{}, fmt.Errorf("request on %q: bus is disabled", channel)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-replies:
		return msg, nil
	case <-ctx.Done():
		return Message{}, fmt.Errorf("request on %q: %w", channel, ctx.Err())
	case <-timer.C:
		return Message{}, &RequestTimeoutError{Channel: channel, Timeout: timeout}
	}
}

// Respond publishes data on the reply channel of a received request message.
// It reports false when msg does not carry a RequestMessage payload.
func (b *Bus) Respond(msg Message, data any) bool {
	req, ok := msg.Data.(RequestMessage)
	if !ok || req.ReplyTo == "" {
		return false
	}

	_, ok = b.Publish(req.ReplyTo, data)
	return ok
}

// History returns up to limit of the most recent messages on channel, oldest
// first. limit <= 0 selects the default of 10.
func (b *Bus) History(channel string, limit int) []Message {
	if limit <= 0 {
		limit = defaultHistoryQuery
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	entries := b.history[channel]
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	out := make([]Message, len(entries))
	copy(out, entries)
	return out
}

// SubscriberCount returns the number of handlers currently registered on
// channel.
func (b *Bus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// Enabled reports whether the bus currently accepts publishes and
// subscriptions.
func (b *Bus) Enabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.disabled
}

// SetEnabled gates Publish and Subscribe globally. Disabling preserves
// existing subscriptions and history.
func (b *Bus) SetEnabled(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disabled = !enabled
}

// ClearAll drops every channel, subscription, and history entry.
func (b *Bus) ClearAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]*subscriber)
	b.history = make(map[string][]Message)
}

func (b *Bus) removeSubscriber(channel string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.subs[channel]
	for i, entry := range entries {
		if entry.id != id {
			continue
		}
		entries = append(entries[:i], entries[i+1:]...)
		break
	}

	if len(entries) == 0 {
		delete(b.subs, channel)
		return
	}
	b.subs[channel] = entries
}

// dropHistory removes the history of an ephemeral reply channel so finished
// requests leave nothing behind.
func (b *Bus) dropHistory(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.history, channel)
}
