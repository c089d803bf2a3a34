package ratelimit

import (
	"context"
	"time"
)

// Verdict is the outcome of a consume attempt.
type Verdict struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Gate limits failed login attempts per remote address.
//
// Consuming more than Options.Points inside one window blocks the key for
// Options.Block. While blocked, or while the window budget is spent,
// CanConsume reports false. Store failures fail open.
type Gate interface {
	TryConsume(ctx context.Context, key string) Verdict
	CanConsume(ctx context.Context, key string) bool
	Reset(ctx context.Context, key string)
}

type Options struct {
	Points int
	Window time.Duration
	Block  time.Duration
}

func DefaultOptions() Options {
	return Options{
		Points: 2,
		Window: time.Hour,
		Block:  15 * time.Minute,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Points <= 0 {
		o.Points = def.Points
	}
	if o.Window <= 0 {
		o.Window = def.Window
	}
	if o.Block <= 0 {
		o.Block = def.Block
	}
	return o
}

// Noop never limits anything.
type Noop struct{}

func (Noop) TryConsume(context.Context, string) Verdict { return Verdict{Allowed: true} }
func (Noop) CanConsume(context.Context, string) bool { return true }
func (Noop) Reset(context.Context, string) {}
