package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/kdimentionaltree/wallet-notifier/models"
	"github.com/kdimentionaltree/wallet-notifier/tasks"
)

var errUnavailable = errors.New("service unavailable")

// fakeService is an in-memory subscription provider with failure knobs.
type fakeService struct {
	mu     sync.Mutex
	subs   []*Subscription
	nextID int

	listErr    error
	listFails  int // number of upcoming List calls that fail with errUnavailable
	createErr  error
	addErr     error
	addFails   int
	removeErr  error
	deleteErr  error
	createGate chan struct{}
	// addGate and deleteGate hold the call after announcing it on the
	// matching entered channel.
	addGate       chan struct{}
	addEntered    chan struct{}
	deleteGate    chan struct{}
	deleteEntered chan struct{}

	listCalls   int
	createCalls int
	addCalls    [][]string
	removeCalls [][]string
	deleted     []string
}

func (f *fakeService) seed(network, url string, addresses ...string) *Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	s := &Subscription{
		ID:         fmt.Sprintf("wh_%d", f.nextID),
		Network:    network,
		URL:        url,
		SigningKey: fmt.Sprintf("whsec_%d", f.nextID),
		Active:     true,
		Addresses:  addresses,
	}
	f.subs = append(f.subs, s)
	return s
}

func (f *fakeService) List(context.Context) ([]Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listFails > 0 {
		f.listFails--
		return nil, errUnavailable
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	res := make([]Subscription, 0, len(f.subs))
	for _, s := range f.subs {
		c := *s
		c.Addresses = nil
		res = append(res, c)
	}
	return res, nil
}

func (f *fakeService) find(id string) *Subscription {
	for _, s := range f.subs {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (f *fakeService) Addresses(_ context.Context, id string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.find(id)
	if s == nil {
		return nil, errUnavailable
	}
	return append([]string(nil), s.Addresses...), nil
}

func (f *fakeService) Create(_ context.Context, network, url string, addresses []string) (Subscription, error) {
	if f.createGate != nil {
		<-f.createGate
	}
	f.mu.Lock()
	f.createCalls++
	err := f.createErr
	f.mu.Unlock()
	if err != nil {
		return Subscription{}, err
	}
	return *f.seed(network, url, addresses...), nil
}

func (f *fakeService) AddAddresses(_ context.Context, id string, addresses []string) error {
	if f.addGate != nil {
		f.addEntered <- struct{}{}
		<-f.addGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addCalls = append(f.addCalls, append([]string(nil), addresses...))
	if f.addFails > 0 {
		f.addFails--
		return errUnavailable
	}
	if f.addErr != nil {
		return f.addErr
	}
	s := f.find(id)
	if s == nil {
		return errUnavailable
	}
	s.Addresses = append(s.Addresses, addresses...)
	return nil
}

func (f *fakeService) RemoveAddresses(_ context.Context, id string, addresses []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeCalls = append(f.removeCalls, append([]string(nil), addresses...))
	if f.removeErr != nil {
		return f.removeErr
	}
	return nil
}

func (f *fakeService) Delete(_ context.Context, id string) error {
	if f.deleteGate != nil {
		f.deleteEntered <- struct{}{}
		<-f.deleteGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	if f.deleteErr != nil {
		return f.deleteErr
	}
	for i, s := range f.subs {
		if s.ID == id {
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeService) snapshot() (created int, adds [][]string, removes [][]string, deleted []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls, append([][]string(nil), f.addCalls...), append([][]string(nil), f.removeCalls...), append([]string(nil), f.deleted...)
}

type staticWallets struct {
	mu      sync.Mutex
	wallets []string
}

func (s *staticWallets) Wallets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.wallets...)
}

const testCallback = "https://notifier.example/hook"

var (
	eth     = models.Chain{ID: models.ChainEthereum, Network: "ETH_MAINNET", Aliases: []string{"MAINNET"}}
	polygon = models.Chain{ID: models.ChainPolygon, Network: "MATIC_MAINNET"}
)

func fastRetry() RetryPolicy {
	return RetryPolicy{Retries: 2, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2}
}

type harness struct {
	r       *Reconciler
	svc     *fakeService
	wallets *staticWallets
	queue   *tasks.Queue
	logs    *test.Hook
}

func newHarness(chains ...models.Chain) *harness {
	if len(chains) == 0 {
		chains = []models.Chain{eth}
	}
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	log := logrus.NewEntry(logger)
	svc := &fakeService{}
	wallets := &staticWallets{}
	queue := tasks.NewQueue(context.Background(), 4, time.Second, log)
	r := New(Config{CallbackURL: testCallback, Chains: chains, Retry: fastRetry()}, svc, wallets, queue, log)
	return &harness{r: r, svc: svc, wallets: wallets, queue: queue, logs: hook}
}
