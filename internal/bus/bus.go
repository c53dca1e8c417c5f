// Package bus carries chat traffic between channels and the bot
// dispatcher, and job lifecycle events between the worker and observers.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"omnimap/internal/domain"
)

const publishTimeout = 10 * time.Second

var _ domain.MessageBus = (*InMemoryBus)(nil)

// InMemoryBus is a buffered channel for inbound messages plus a
// per-channel table of outbound senders.
type InMemoryBus struct {
	inbound chan domain.InboundMessage
	senders map[string]func(domain.OutboundMessage)
	mu      sync.RWMutex
	closed  bool
	logger  *slog.Logger
}

func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryBus{
		inbound: make(chan domain.InboundMessage, bufferSize),
		senders: make(map[string]func(domain.OutboundMessage)),
		logger:  logger,
	}
}

// Publish enqueues msg for the dispatcher. When the buffer is full it waits
// up to publishTimeout before dropping; the return value reports delivery.
func (b *InMemoryBus) Publish(msg domain.InboundMessage) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("publish on closed bus", "channel", msg.Channel, "chat", msg.ChatID)
		return false
	}

	select {
	case b.inbound <- msg:
		return true
	default:
	}

	b.logger.Warn("inbound bus full, waiting", "channel", msg.Channel, "chat", msg.ChatID)
	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()
	select {
	case b.inbound <- msg:
		return true
	case <-timer.C:
		b.logger.Error("message dropped: bus full", "channel", msg.Channel, "chat", msg.ChatID, "waited", publishTimeout)
		return false
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.InboundMessage {
	return b.inbound
}

// SendOutbound hands msg to the sender registered for msg.Channel.
func (b *InMemoryBus) SendOutbound(msg domain.OutboundMessage) {
	b.mu.RLock()
	send, ok := b.senders[msg.Channel]
	b.mu.RUnlock()

	if !ok {
		b.logger.Warn("no sender registered for channel", "channel", msg.Channel)
		return
	}
	send(msg)
}

func (b *InMemoryBus) OnOutbound(channelName string, send func(domain.OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.senders[channelName] = send
}

// Close stops delivery; Subscribe's channel is closed once.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}
