package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/sirupsen/logrus"

	"github.com/kdimentionaltree/wallet-notifier/auth"
	"github.com/kdimentionaltree/wallet-notifier/models"
	"github.com/kdimentionaltree/wallet-notifier/observability"
	"github.com/kdimentionaltree/wallet-notifier/ratelimit"
	"github.com/kdimentionaltree/wallet-notifier/tasks"
)

var ErrLoginRateLimited = errors.New("too many failed logins from this address")

// WalletSubscriber keeps remote subscriptions in line with logged-in wallets.
type WalletSubscriber interface {
	AddWalletsToAllChains(ctx context.Context, wallets []string) map[models.ChainID]bool
	RemoveWallet(ctx context.Context, wallet string)
}

type walletLock struct {
	mu   sync.Mutex
	refs int
}

// Registry owns every live session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	// walletLocks orders remote adds and removals of the same wallet.
	walletLocks *xsync.Map[string, *walletLock]

	gate       ratelimit.Gate
	verifier   auth.Verifier
	subscriber WalletSubscriber
	tasks      *tasks.Queue
	closing    atomic.Bool
	now        func() time.Time
	log        *logrus.Entry
}

// NewRegistry builds a registry. queue may be nil, in which case wallet
// removals after an inactivity sweep run inline.
func NewRegistry(gate ratelimit.Gate, verifier auth.Verifier, subscriber WalletSubscriber, queue *tasks.Queue, log *logrus.Entry) *Registry {
	if gate == nil {
		gate = ratelimit.Noop{}
	}
	return &Registry{
		sessions:    make(map[string]*Session),
		walletLocks: xsync.NewMap[string, *walletLock](),
		gate:        gate,
		verifier:    verifier,
		subscriber:  subscriber,
		tasks:       queue,
		now:         time.Now,
		log:         log,
	}
}

// lockWallet serializes remote subscription changes for wallet and returns
// the matching unlock.
func (r *Registry) lockWallet(wallet string) func() {
	l, _ := r.walletLocks.Compute(wallet, func(cur *walletLock, loaded bool) (*walletLock, xsync.ComputeOp) {
		if !loaded {
			cur = &walletLock{}
		}
		cur.refs++
		return cur, xsync.UpdateOp
	})
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.walletLocks.Compute(wallet, func(cur *walletLock, loaded bool) (*walletLock, xsync.ComputeOp) {
			if !loaded {
				return cur, xsync.CancelOp
			}
			cur.refs--
			if cur.refs == 0 {
				return cur, xsync.DeleteOp
			}
			return cur, xsync.UpdateOp
		})
	}
}

// bindWallet sets the wallet of s while s is still registered, so that a
// concurrent release counts it.
func (r *Registry) bindWallet(s *Session, wallet string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.id]; !ok {
		return false
	}
	s.mu.Lock()
	s.wallet = wallet
	s.mu.Unlock()
	return true
}

// AddSession registers a new anonymous session for transport. Addresses that
// exhausted their login budget are refused without side effects.
func (r *Registry) AddSession(ctx context.Context, t Transport, ip string) (*Session, error) {
	if !r.gate.CanConsume(ctx, ip) {
		observability.RateLimited.Inc()
		r.log.WithField("ip", ip).Warn("connection refused, login rate limited")
		return nil, ErrLoginRateLimited
	}
	s := newSession(r, t, ip)

	r.mu.Lock()
	r.sessions[s.id] = s
	n := len(r.sessions)
	r.mu.Unlock()

	observability.ActiveSessions.Set(float64(n))
	s.log.Debug("session opened")
	return s, nil
}

// RemoveSession drops s from the registry. Reports whether it was present.
func (r *Registry) RemoveSession(s *Session) bool {
	r.mu.Lock()
	_, ok := r.sessions[s.id]
	delete(r.sessions, s.id)
	n := len(r.sessions)
	r.mu.Unlock()

	observability.ActiveSessions.Set(float64(n))
	return ok
}

// release removes s and, when it was the last session holding its wallet,
// removes the wallet from remote subscriptions. The uniqueness check and the
// deletion happen under one lock so two sessions of the same wallet closing
// together cannot both skip the wallet removal. With detach set the remote
// removal runs on the task queue.
func (r *Registry) release(ctx context.Context, s *Session, detach bool) {
	r.mu.Lock()
	_, present := r.sessions[s.id]
	wallet := s.Wallet()
	unique := present && wallet != "" && r.countWalletLocked(wallet) == 1
	delete(r.sessions, s.id)
	n := len(r.sessions)
	r.mu.Unlock()

	if !present {
		return
	}
	observability.ActiveSessions.Set(float64(n))
	s.log.Debug("session closed")
	if !unique || r.subscriber == nil || r.closing.Load() {
		return
	}
	if detach && r.tasks != nil {
		r.tasks.Submit("remove wallet", func(ctx context.Context) error {
			r.removeUnheldWallet(ctx, wallet)
			return nil
		})
		return
	}
	r.removeUnheldWallet(ctx, wallet)
}

// removeUnheldWallet drops wallet from remote subscriptions unless a session
// logged in with it after the release.
func (r *Registry) removeUnheldWallet(ctx context.Context, wallet string) {
	unlock := r.lockWallet(wallet)
	defer unlock()

	r.mu.RLock()
	held := r.countWalletLocked(wallet) > 0
	r.mu.RUnlock()
	if held {
		return
	}
	r.subscriber.RemoveWallet(ctx, wallet)
}

func (r *Registry) countWalletLocked(wallet string) int {
	n := 0
	for _, s := range r.sessions {
		if s.Wallet() == wallet {
			n++
		}
	}
	return n
}

// HasUniqueWallet reports whether no other live session shares s's wallet.
// Anonymous sessions have no wallet and are never unique.
func (r *Registry) HasUniqueWallet(s *Session) bool {
	wallet := s.Wallet()
	if wallet == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, other := range r.sessions {
		if other != s && other.Wallet() == wallet {
			return false
		}
	}
	return true
}

// SweepInactive closes sessions idle for longer than timeout and returns how
// many were closed. Wallet removals go to the task queue so a slow provider
// does not hold up the sweep.
func (r *Registry) SweepInactive(ctx context.Context, timeout time.Duration) int {
	cutoff := r.now().Add(-timeout)

	r.mu.RLock()
	var stale []*Session
	for _, s := range r.sessions {
		if s.LastActiveAt().Before(cutoff) {
			stale = append(stale, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range stale {
		s.terminate(ctx, CloseTryAgainLater, "inactive", true)
	}
	if len(stale) > 0 {
		r.log.WithField("count", len(stale)).Info("closed inactive sessions")
	}
	return len(stale)
}

func (r *Registry) RecordFailedLogin(ctx context.Context, ip string) {
	if v := r.gate.TryConsume(ctx, ip); !v.Allowed {
		r.log.WithFields(logrus.Fields{"ip": ip, "retry_after": v.RetryAfter}).Warn("address blocked after failed logins")
	}
}

func (r *Registry) RecordSuccessfulLogin(ctx context.Context, ip string) {
	r.gate.Reset(ctx, ip)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Wallets returns the distinct wallets of logged-in sessions.
func (r *Registry) Wallets() []string {
	set := mapset.NewThreadUnsafeSet[string]()
	r.mu.RLock()
	for _, s := range r.sessions {
		if w := s.Wallet(); w != "" {
			set.Add(w)
		}
	}
	r.mu.RUnlock()
	return set.ToSlice()
}

// SessionsForWallet matches wallets case-insensitively.
func (r *Registry) SessionsForWallet(wallet string) []*Session {
	wallet = strings.ToLower(wallet)
	if wallet == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var res []*Session
	for _, s := range r.sessions {
		if s.Wallet() == wallet {
			res = append(res, s)
		}
	}
	return res
}

// NotifyWallet sends n to every session of wallet, one at a time, and
// returns the number of successful deliveries.
func (r *Registry) NotifyWallet(ctx context.Context, wallet string, n *models.Notification) int {
	delivered := 0
	for _, s := range r.SessionsForWallet(wallet) {
		res := s.SendNotify(ctx, n)
		observability.NotificationsSent.WithLabelValues(string(n.Category), res.String()).Inc()
		if res == SendSuccessful {
			delivered++
		}
	}
	return delivered
}

// Shutdown closes every session without touching remote subscriptions.
func (r *Registry) Shutdown(ctx context.Context) {
	r.closing.Store(true)
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()
	for _, s := range all {
		s.Terminate(ctx, CloseGoingAway, "server shutting down")
	}
}
