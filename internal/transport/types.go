package transport

import "context"

// ChatTarget addresses an operator chat (optionally a forum topic thread).
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Sender delivers operator alerts. The log sink is its only consumer; the
// delivery of user batches goes through internal/delivery instead.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}
