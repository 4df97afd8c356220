package notify

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"binsys/pkg/bus"
	"binsys/pkg/config"

	"github.com/mymmrac/telego"
)

type recordingSender struct {
	mu       sync.Mutex
	sent     []*telego.SendMessageParams
	notify   chan struct{}
	sendErr  error
	sendsLog []string
}

func newRecordingSender() *recordingSender {
	return &recordingSender{notify: make(chan struct{}, 8)}
}

func (r *recordingSender) SendMessage(_ context.Context, params *telego.SendMessageParams) (*telego.Message, error) {
	r.mu.Lock()
	r.sent = append(r.sent, params)
	r.sendsLog = append(r.sendsLog, params.Text)
	err := r.sendErr
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}

	if err != nil {
		return nil, err
	}
	return &telego.Message{MessageID: len(r.sendsLog)}, nil
}

func (r *recordingSender) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sendsLog...)
}

func (r *recordingSender) lastChatID() telego.ChatID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return telego.ChatID{}
	}
	return r.sent[len(r.sent)-1].ChatID
}

func newTestModule(t *testing.T) (*Module, *bus.Bus, *recordingSender) {
	t.Helper()

	b := bus.New(bus.Options{})
	m, err := New(config.NotifyConfig{Enabled: true, Token: "12345:testtoken", ChatID: 77}, b, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	fake := newRecordingSender()
	m.bot = fake
	return m, b, fake
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	b := bus.New(bus.Options{})
	if _, err := New(config.NotifyConfig{ChatID: 1}, b, nil); err == nil {
		t.Fatal("expected an error without a token")
	}
	if _, err := New(config.NotifyConfig{Token: "12345:testtoken"}, b, nil); err == nil {
		t.Fatal("expected an error without a chat id")
	}
	if _, err := New(config.NotifyConfig{Token: "12345:testtoken", ChatID: 1}, nil, nil); err == nil {
		t.Fatal("expected an error without a bus")
	}
}

func TestSendDeliversToConfiguredChat(t *testing.T) {
	t.Parallel()

	m, _, fake := newTestModule(t)

	result, err := m.send(context.Background(), SendParams{Text: " deploy done "})
	if err != nil {
		t.Fatalf("send error: %v", err)
	}
	if delivered, ok := result.(SendResult); !ok || !delivered.Delivered {
		t.Fatalf("send result = %+v", result)
	}

	texts := fake.texts()
	if len(texts) != 1 || texts[0] != "deploy done" {
		t.Fatalf("sent texts = %v", texts)
	}
	if got := fake.lastChatID(); got.ID != 77 {
		t.Fatalf("chat id = %+v, want 77", got)
	}
}

func TestSendRequiresText(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestModule(t)
	if _, err := m.send(context.Background(), SendParams{Text: "   "}); err == nil {
		t.Fatal("expected an error for empty text")
	}
}

func TestSystemErrorIsForwardedWhileLoaded(t *testing.T) {
	t.Parallel()

	m, b, fake := newTestModule(t)
	if _, err := m.initialize(context.Background(), "system"); err != nil {
		t.Fatalf("initialize error: %v", err)
	}
	t.Cleanup(func() { _ = m.cleanup(context.Background(), "system") })

	b.Publish(bus.ChannelSystemError, bus.SystemError{Context: "registry", Error: "factory exploded"})

	select {
	case <-fake.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the forwarded alert")
	}

	texts := fake.texts()
	if len(texts) != 1 || !strings.Contains(texts[0], "registry") || !strings.Contains(texts[0], "factory exploded") {
		t.Fatalf("forwarded texts = %v", texts)
	}
}

func TestLoadFailureIsForwardedWhileLoaded(t *testing.T) {
	t.Parallel()

	m, b, fake := newTestModule(t)
	if _, err := m.initialize(context.Background(), "system"); err != nil {
		t.Fatalf("initialize error: %v", err)
	}
	t.Cleanup(func() { _ = m.cleanup(context.Background(), "system") })

	b.Publish(bus.ChannelModuleLoadError, bus.ModuleEvent{ModuleName: "ghost", UserID: "alice", Error: "no such module"})

	select {
	case <-fake.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the forwarded alert")
	}

	texts := fake.texts()
	if len(texts) != 1 || !strings.Contains(texts[0], "ghost") || !strings.Contains(texts[0], "alice") {
		t.Fatalf("forwarded texts = %v", texts)
	}
}

func TestAlertSubscriptionsFollowSessionCount(t *testing.T) {
	t.Parallel()

	m, b, _ := newTestModule(t)

	if _, err := m.initialize(context.Background(), "system"); err != nil {
		t.Fatalf("initialize error: %v", err)
	}
	if _, err := m.initialize(context.Background(), "alice"); err != nil {
		t.Fatalf("initialize error: %v", err)
	}

	// One shared subscription regardless of session count.
	if got := b.SubscriberCount(bus.ChannelSystemError); got != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", got)
	}

	if err := m.cleanup(context.Background(), "alice"); err != nil {
		t.Fatalf("cleanup error: %v", err)
	}
	if got := b.SubscriberCount(bus.ChannelSystemError); got != 1 {
		t.Fatalf("SubscriberCount after first cleanup = %d, want 1", got)
	}

	if err := m.cleanup(context.Background(), "system"); err != nil {
		t.Fatalf("cleanup error: %v", err)
	}
	if got := b.SubscriberCount(bus.ChannelSystemError); got != 0 {
		t.Fatalf("SubscriberCount after last cleanup = %d, want 0", got)
	}
}

func TestFormatSystemAlert(t *testing.T) {
	t.Parallel()

	got := formatSystemAlert(bus.SystemError{Context: "bus", Error: "handler panicked"})
	want := "binsys error [bus]: handler panicked"
	if got != want {
		t.Fatalf("formatSystemAlert = %q, want %q", got, want)
	}
}

func TestFormatLoadFailure(t *testing.T) {
	t.Parallel()

	got := formatLoadFailure(bus.ModuleEvent{ModuleName: "monitor", UserID: "bob", Error: "dependency missing"})
	want := "binsys load failure [monitor] user=bob: dependency missing"
	if got != want {
		t.Fatalf("formatLoadFailure = %q, want %q", got, want)
	}
}

func TestPreviewText(t *testing.T) {
	t.Parallel()

	if got := previewText(" short "); got != "short" {
		t.Fatalf("previewText = %q, want %q", got, "short")
	}

	long := strings.Repeat("x", messagePreviewLimit+50)
	got := previewText(long)
	if len(got) != messagePreviewLimit+3 {
		t.Fatalf("previewText long len = %d, want %d", len(got), messagePreviewLimit+3)
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("previewText long = %q, want ellipsis suffix", got)
	}
}
