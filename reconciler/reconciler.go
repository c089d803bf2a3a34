package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kdimentionaltree/wallet-notifier/models"
	"github.com/kdimentionaltree/wallet-notifier/observability"
	"github.com/kdimentionaltree/wallet-notifier/tasks"
)

var (
	ErrUnknownChain = errors.New("unknown chain")
	ErrInvalidState = errors.New("invalid subscription state")
)

type State int

const (
	StateUninitialized State = iota
	StateResolving
	StateActive
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateResolving:
		return "resolving"
	case StateActive:
		return "active"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// AddResult tells the caller what happened to wallets passed to AddWallets.
type AddResult int

const (
	AddFailed AddResult = iota
	AddSent
	AddQueued
)

// WalletsFunc adapts a function to WalletSource.
type WalletsFunc func() []string

func (f WalletsFunc) Wallets() []string { return f() }

type Config struct {
	CallbackURL string
	Chains      []models.Chain
	Retry       RetryPolicy
}

type chainSubscription struct {
	mu         sync.Mutex
	chain      models.Chain
	state      State
	remoteID   string
	signingKey string
	// pending holds wallets, most recent first, waiting for an active subscription.
	pending []string
	// flushing counts batches in flight; removed collects wallets dropped
	// meanwhile so a failed batch does not bring them back.
	flushing int
	removed  mapset.Set[string]
}

// forget drops wallet from the queue and from any batch in flight.
// Must be called with mu held.
func (cs *chainSubscription) forget(wallet string) {
	cs.pending = removeWallet(cs.pending, wallet)
	if cs.flushing > 0 {
		cs.removed.Add(wallet)
	}
	cs.observe()
}

// observe must be called with mu held.
func (cs *chainSubscription) observe() {
	label := cs.chain.Network
	observability.ChainState.WithLabelValues(label).Set(float64(cs.state))
	observability.PendingWallets.WithLabelValues(label).Set(float64(len(cs.pending)))
}

func (cs *chainSubscription) transition(from, to State) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.state != from {
		return false
	}
	cs.state = to
	cs.observe()
	return true
}

func (cs *chainSubscription) reset() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.state = StateUninitialized
	cs.remoteID = ""
	cs.signingKey = ""
	cs.observe()
}

// Reconciler keeps one remote address-activity subscription per chain in
// line with the wallets of connected sessions.
type Reconciler struct {
	service     Service
	wallets     WalletSource
	tasks       *tasks.Queue
	callbackURL string
	retry       RetryPolicy
	chains      []*chainSubscription
	byID        map[models.ChainID]*chainSubscription
	log         *logrus.Entry
}

func New(cfg Config, service Service, wallets WalletSource, queue *tasks.Queue, log *logrus.Entry) *Reconciler {
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	r := &Reconciler{
		service:     service,
		wallets:     wallets,
		tasks:       queue,
		callbackURL: cfg.CallbackURL,
		retry:       cfg.Retry,
		byID:        make(map[models.ChainID]*chainSubscription),
		log:         log,
	}
	for _, c := range cfg.Chains {
		if _, dup := r.byID[c.ID]; dup {
			continue
		}
		cs := &chainSubscription{chain: c}
		cs.observe()
		r.chains = append(r.chains, cs)
		r.byID[c.ID] = cs
	}
	return r
}

func (r *Reconciler) chainLog(cs *chainSubscription) *logrus.Entry {
	return r.log.WithFields(logrus.Fields{"chain": cs.chain.ID, "network": cs.chain.Network})
}

// Init resolves every chain in parallel and returns once all have settled.
func (r *Reconciler) Init(ctx context.Context) {
	r.forEachChain(func(cs *chainSubscription) {
		r.resolve(ctx, cs)
	})
}

func (r *Reconciler) forEachChain(fn func(cs *chainSubscription)) {
	var g errgroup.Group
	for _, cs := range r.chains {
		g.Go(func() error {
			fn(cs)
			return nil
		})
	}
	_ = g.Wait()
}

// resolve discovers the remote subscription for cs and adopts or creates one.
// It is a no-op unless cs is Uninitialized.
func (r *Reconciler) resolve(ctx context.Context, cs *chainSubscription) {
	if !cs.transition(StateUninitialized, StateResolving) {
		return
	}
	log := r.chainLog(cs)

	found, err := r.discover(ctx, cs)
	if errors.Is(err, ErrMalformedResponse) {
		log.WithError(err).Warn("subscription list unreadable, treating as empty")
		found, err = nil, nil
	}
	if err != nil {
		log.WithError(err).Error("failed to discover subscriptions")
		cs.reset()
		return
	}

	if len(found) == 0 {
		if err := r.createResolving(ctx, cs); err != nil {
			log.WithError(err).Error("failed to create subscription")
		}
		return
	}

	keep, orphans := pickAuthoritative(found)
	for _, o := range orphans {
		id := o.ID
		log.WithField("subscription", id).Info("deleting duplicate subscription")
		r.tasks.Submit("delete duplicate subscription", func(ctx context.Context) error {
			return r.service.Delete(ctx, id)
		})
	}
	log.WithFields(logrus.Fields{"subscription": keep.ID, "addresses": len(keep.Addresses)}).Info("adopted subscription")
	r.setActive(ctx, cs, keep.ID, keep.SigningKey)
}

func (r *Reconciler) discover(ctx context.Context, cs *chainSubscription) ([]Subscription, error) {
	return withRetry(ctx, r.retry, r.chainLog(cs), "discover", func() ([]Subscription, error) {
		all, err := r.service.List(ctx)
		if err != nil {
			return nil, err
		}
		var found []Subscription
		for _, s := range all {
			if s.URL != r.callbackURL {
				continue
			}
			if c, ok := models.ChainForNetwork(s.Network); !ok || c.ID != cs.chain.ID {
				continue
			}
			addrs, err := r.service.Addresses(ctx, s.ID)
			if err != nil {
				return nil, err
			}
			s.Addresses = addrs
			found = append(found, s)
		}
		return found, nil
	})
}

// pickAuthoritative keeps the subscription watching the most addresses; the
// first one wins ties.
func pickAuthoritative(found []Subscription) (Subscription, []Subscription) {
	best := 0
	for i := 1; i < len(found); i++ {
		if len(found[i].Addresses) > len(found[best].Addresses) {
			best = i
		}
	}
	orphans := make([]Subscription, 0, len(found)-1)
	orphans = append(orphans, found[:best]...)
	orphans = append(orphans, found[best+1:]...)
	return found[best], orphans
}

// Create creates a new remote subscription for chain, seeded with the
// wallets of current sessions. Only valid while the chain is Uninitialized.
func (r *Reconciler) Create(ctx context.Context, chain models.ChainID) error {
	cs, ok := r.byID[chain]
	if !ok {
		return ErrUnknownChain
	}
	return r.create(ctx, cs)
}

func (r *Reconciler) create(ctx context.Context, cs *chainSubscription) error {
	if !cs.transition(StateUninitialized, StateResolving) {
		return ErrInvalidState
	}
	return r.createResolving(ctx, cs)
}

// createResolving creates the remote subscription for a chain already moved
// to Resolving by the caller.
func (r *Reconciler) createResolving(ctx context.Context, cs *chainSubscription) error {
	var seed []string
	if r.wallets != nil {
		seed = normalizeWallets(r.wallets.Wallets())
	}
	sub, err := r.service.Create(ctx, cs.chain.Network, r.callbackURL, seed)
	if err != nil {
		cs.reset()
		return err
	}
	r.chainLog(cs).WithFields(logrus.Fields{"subscription": sub.ID, "addresses": len(seed)}).Info("created subscription")
	r.setActive(ctx, cs, sub.ID, sub.SigningKey)
	return nil
}

// SetActive marks chain as served by remote subscription id and drains its queue.
func (r *Reconciler) SetActive(ctx context.Context, chain models.ChainID, id, signingKey string) error {
	cs, ok := r.byID[chain]
	if !ok {
		return ErrUnknownChain
	}
	r.setActive(ctx, cs, id, signingKey)
	return nil
}

func (r *Reconciler) setActive(ctx context.Context, cs *chainSubscription, id, signingKey string) {
	cs.mu.Lock()
	cs.state = StateActive
	cs.remoteID = id
	cs.signingKey = signingKey
	cs.observe()
	cs.mu.Unlock()

	if err := r.flush(ctx, cs); err != nil {
		r.chainLog(cs).WithError(err).Warn("failed to flush pending wallets, will retry")
	}
}

// flush sends queued wallets in one batch. On failure the batch is restored
// behind anything queued in the meantime.
func (r *Reconciler) flush(ctx context.Context, cs *chainSubscription) error {
	cs.mu.Lock()
	if cs.state != StateActive || len(cs.pending) == 0 {
		cs.mu.Unlock()
		return nil
	}
	snapshot := cs.pending
	cs.pending = nil
	id := cs.remoteID
	if cs.flushing == 0 {
		cs.removed = mapset.NewThreadUnsafeSet[string]()
	}
	cs.flushing++
	cs.observe()
	cs.mu.Unlock()

	err := r.service.AddAddresses(ctx, id, dedupe(snapshot))

	cs.mu.Lock()
	var stale []string
	restored := cs.pending
	for _, w := range snapshot {
		switch {
		case cs.removed.Contains(w):
			stale = append(stale, w)
		case err != nil:
			restored = append(restored, w)
		}
	}
	if err != nil {
		cs.pending = dedupe(restored)
	}
	cs.flushing--
	if cs.flushing == 0 {
		cs.removed = nil
	}
	cs.observe()
	cs.mu.Unlock()

	if err != nil {
		return err
	}
	r.chainLog(cs).WithField("count", len(snapshot)).Debug("flushed pending wallets")
	if stale = dedupe(stale); len(stale) > 0 {
		// removed while the batch was in flight and possibly re-added by it
		if err := r.service.RemoveAddresses(ctx, id, stale); err != nil {
			r.chainLog(cs).WithError(err).WithField("wallets", stale).Warn("failed to remove wallets dropped during flush")
		}
	}
	return nil
}

// FlushPending retries flushing restored queues of active chains.
func (r *Reconciler) FlushPending(ctx context.Context) {
	r.forEachChain(func(cs *chainSubscription) {
		if err := r.flush(ctx, cs); err != nil {
			r.chainLog(cs).WithError(err).Warn("failed to flush pending wallets")
		}
	})
}

// AddWallets adds wallets to chain's subscription, or queues them when no
// authoritative subscription exists yet.
func (r *Reconciler) AddWallets(ctx context.Context, chain models.ChainID, wallets []string) AddResult {
	cs, ok := r.byID[chain]
	if !ok || len(wallets) == 0 {
		return AddFailed
	}
	wallets = normalizeWallets(wallets)

	cs.mu.Lock()
	if cs.flushing > 0 {
		for _, w := range wallets {
			cs.removed.Remove(w)
		}
	}
	if cs.state == StateActive {
		id := cs.remoteID
		cs.mu.Unlock()
		if err := r.service.AddAddresses(ctx, id, wallets); err != nil {
			r.chainLog(cs).WithError(err).Warn("failed to add wallets, queued for retry")
			r.enqueue(cs, wallets)
			return AddFailed
		}
		return AddSent
	}
	kick := cs.state == StateUninitialized
	cs.pending = append(append([]string{}, wallets...), cs.pending...)
	cs.observe()
	cs.mu.Unlock()

	if kick {
		r.tasks.Submit("resolve subscription", func(ctx context.Context) error {
			r.resolve(ctx, cs)
			return nil
		})
	}
	return AddQueued
}

func (r *Reconciler) enqueue(cs *chainSubscription, wallets []string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.pending = append(append([]string{}, wallets...), cs.pending...)
	cs.observe()
}

// AddWalletsToAllChains reports per chain whether the wallets were sent or queued.
func (r *Reconciler) AddWalletsToAllChains(ctx context.Context, wallets []string) map[models.ChainID]bool {
	var mu sync.Mutex
	res := make(map[models.ChainID]bool, len(r.chains))
	r.forEachChain(func(cs *chainSubscription) {
		outcome := r.AddWallets(ctx, cs.chain.ID, wallets)
		mu.Lock()
		res[cs.chain.ID] = outcome != AddFailed
		mu.Unlock()
	})
	return res
}

// RemoveWallet stops watching wallet on every chain. Failures after retries
// are logged only.
func (r *Reconciler) RemoveWallet(ctx context.Context, wallet string) {
	wallet = strings.ToLower(wallet)
	r.forEachChain(func(cs *chainSubscription) {
		cs.mu.Lock()
		cs.forget(wallet)
		if cs.state != StateActive {
			cs.mu.Unlock()
			return
		}
		id := cs.remoteID
		cs.mu.Unlock()

		_, err := withRetry(ctx, r.retry, r.chainLog(cs), "remove wallet", func() (struct{}, error) {
			return struct{}{}, r.service.RemoveAddresses(ctx, id, []string{wallet})
		})
		if err != nil {
			r.chainLog(cs).WithError(err).WithField("wallet", wallet).Error("failed to remove wallet")
		}
	})
}

// Teardown deletes every active remote subscription and resets all chains.
func (r *Reconciler) Teardown(ctx context.Context) {
	r.forEachChain(func(cs *chainSubscription) {
		cs.mu.Lock()
		if cs.state != StateActive {
			cs.mu.Unlock()
			return
		}
		id := cs.remoteID
		cs.state = StateResolving
		cs.observe()
		cs.mu.Unlock()

		_, err := withRetry(ctx, r.retry, r.chainLog(cs), "delete subscription", func() (struct{}, error) {
			return struct{}{}, r.service.Delete(ctx, id)
		})
		if err != nil {
			r.chainLog(cs).WithError(err).WithField("subscription", id).Error("failed to delete subscription")
		} else {
			r.chainLog(cs).WithField("subscription", id).Info("deleted subscription")
		}
		cs.reset()

		// wallets that logged in while the delete was running
		cs.mu.Lock()
		waiting := len(cs.pending) > 0
		cs.mu.Unlock()
		if waiting {
			r.tasks.Submit("resolve subscription", func(ctx context.Context) error {
				r.resolve(ctx, cs)
				return nil
			})
		}
	})
}

// Reconcile resolves chains left Uninitialized while wallets are waiting
// and retries restored queues.
func (r *Reconciler) Reconcile(ctx context.Context) {
	hasWallets := r.wallets != nil && len(r.wallets.Wallets()) > 0
	r.forEachChain(func(cs *chainSubscription) {
		cs.mu.Lock()
		needed := cs.state == StateUninitialized && (hasWallets || len(cs.pending) > 0)
		cs.mu.Unlock()
		if needed {
			r.resolve(ctx, cs)
		}
	})
	r.FlushPending(ctx)
}

// SigningKeys returns the signing keys of adopted or created subscriptions.
func (r *Reconciler) SigningKeys() []string {
	var keys []string
	for _, cs := range r.chains {
		cs.mu.Lock()
		if cs.state == StateActive && cs.signingKey != "" {
			keys = append(keys, cs.signingKey)
		}
		cs.mu.Unlock()
	}
	return keys
}

type ChainStatus struct {
	Chain          models.ChainID `json:"chain"`
	Network        string         `json:"network"`
	State          string         `json:"state"`
	SubscriptionID string         `json:"subscription_id,omitempty"`
	Pending        int            `json:"pending"`
}

func (r *Reconciler) Status() []ChainStatus {
	res := make([]ChainStatus, 0, len(r.chains))
	for _, cs := range r.chains {
		cs.mu.Lock()
		res = append(res, ChainStatus{
			Chain:          cs.chain.ID,
			Network:        cs.chain.Network,
			State:          cs.state.String(),
			SubscriptionID: cs.remoteID,
			Pending:        len(cs.pending),
		})
		cs.mu.Unlock()
	}
	return res
}

// State returns the current state of chain.
func (r *Reconciler) State(chain models.ChainID) (State, bool) {
	cs, ok := r.byID[chain]
	if !ok {
		return StateUninitialized, false
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.state, true
}

// Pending returns a copy of chain's queue, most recent first.
func (r *Reconciler) Pending(chain models.ChainID) []string {
	cs, ok := r.byID[chain]
	if !ok {
		return nil
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]string(nil), cs.pending...)
}

func normalizeWallets(wallets []string) []string {
	res := make([]string, 0, len(wallets))
	for _, w := range wallets {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			res = append(res, w)
		}
	}
	return dedupe(res)
}

// dedupe keeps the first occurrence of every wallet.
func dedupe(wallets []string) []string {
	seen := mapset.NewThreadUnsafeSetWithSize[string](len(wallets))
	res := make([]string, 0, len(wallets))
	for _, w := range wallets {
		if seen.Add(w) {
			res = append(res, w)
		}
	}
	return res
}

func removeWallet(wallets []string, wallet string) []string {
	res := wallets[:0]
	for _, w := range wallets {
		if w != wallet {
			res = append(res, w)
		}
	}
	return res
}
