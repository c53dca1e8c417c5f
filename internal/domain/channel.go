package domain

import "context"

// Channel is the interface for user-facing chat I/O.
type Channel interface {
	Name() string
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
	Send(ctx context.Context, chatID int64, content string) error
}

// Notifier pushes a plain text message to a chat. The worker uses it to
// report job outcomes.
type Notifier interface {
	Notify(ctx context.Context, chatID int64, text string) error
}
