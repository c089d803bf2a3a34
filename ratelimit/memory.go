package ratelimit

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

type memoryEntry struct {
	count        int
	windowEnd    time.Time
	blockedUntil time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !now.Before(e.windowEnd) && !now.Before(e.blockedUntil)
}

// MemoryGate keeps counters in process memory.
type MemoryGate struct {
	opts    Options
	entries *xsync.Map[string, memoryEntry]
	now     func() time.Time
}

func NewMemoryGate(opts Options) *MemoryGate {
	return &MemoryGate{
		opts:    opts.withDefaults(),
		entries: xsync.NewMap[string, memoryEntry](),
		now:     time.Now,
	}
}

func (g *MemoryGate) TryConsume(_ context.Context, key string) Verdict {
	now := g.now()
	var verdict Verdict
	g.entries.Compute(key, func(e memoryEntry, _ bool) (memoryEntry, xsync.ComputeOp) {
		if now.Before(e.blockedUntil) {
			verdict = Verdict{RetryAfter: e.blockedUntil.Sub(now)}
			return e, xsync.CancelOp
		}
		if !now.Before(e.windowEnd) {
			e.count = 0
			e.windowEnd = now.Add(g.opts.Window)
		}
		e.count++
		if e.count > g.opts.Points {
			// the block replaces the window; a fresh budget starts once it lifts
			e.count = 0
			e.windowEnd = now
			e.blockedUntil = now.Add(g.opts.Block)
			verdict = Verdict{RetryAfter: g.opts.Block}
			return e, xsync.UpdateOp
		}
		verdict = Verdict{Allowed: true}
		return e, xsync.UpdateOp
	})
	return verdict
}

func (g *MemoryGate) CanConsume(_ context.Context, key string) bool {
	e, ok := g.entries.Load(key)
	if !ok {
		return true
	}
	now := g.now()
	if e.expired(now) {
		g.entries.Compute(key, func(cur memoryEntry, loaded bool) (memoryEntry, xsync.ComputeOp) {
			if loaded && cur.expired(now) {
				return cur, xsync.DeleteOp
			}
			return cur, xsync.CancelOp
		})
		return true
	}
	if now.Before(e.blockedUntil) {
		return false
	}
	return !now.Before(e.windowEnd) || e.count < g.opts.Points
}

func (g *MemoryGate) Reset(_ context.Context, key string) {
	g.entries.Delete(key)
}

// Size returns the number of tracked keys.
func (g *MemoryGate) Size() int {
	return g.entries.Size()
}
