package bus

import (
	"fmt"
	"sync"
	"time"
)

// RequestTimeoutError reports that no response arrived on a Request's reply
// channel within the allowed window.
type RequestTimeoutError struct {
	Channel string
	Timeout time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("request on %q timed out after %s", e.Channel, e.Timeout)
}

// Message is the immutable record delivered to subscribers and appended to a
// channel's bounded history.
type Message struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Payload returns the message data with the request envelope stripped, so
// handlers see the same payload whether it arrived through Publish or
// Request.
func (m Message) Payload() any {
	if wrapped, ok := m.Data.(RequestMessage); ok {
		return wrapped.Data
	}

	return m.Data
}

// Handler receives one published message. Handlers run synchronously inside
// Publish, in subscription order; a panicking handler is isolated and does
// not stop delivery to later subscribers.
type Handler func(Message)

// RequestMessage wraps the payload of a Request publish with the ephemeral
// channel a responder should reply on.
type RequestMessage struct {
	ReplyTo string `json:"reply_to"`
	Data    any    `json:"data"`
}

// Subscription identifies one registered handler. Unsubscribe removes it;
// calling Unsubscribe more than once is a no-op.
type Subscription struct {
	bus     *Bus
	channel string
	id      uint64
	once    sync.Once
}

// Channel returns the channel this subscription listens on.
func (s *Subscription) Channel() string {
	return s.channel
}

// Unsubscribe removes the handler from its channel. When the last handler of
// a channel is removed the channel entry itself is dropped.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		if s.bus == nil {
			return
		}
		s.bus.removeSubscriber(s.channel, s.id)
	})
}
