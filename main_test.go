package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdimentionaltree/wallet-notifier/auth"
	"github.com/kdimentionaltree/wallet-notifier/config"
	"github.com/kdimentionaltree/wallet-notifier/models"
	"github.com/kdimentionaltree/wallet-notifier/ratelimit"
	"github.com/kdimentionaltree/wallet-notifier/reconciler"
	"github.com/kdimentionaltree/wallet-notifier/router"
	"github.com/kdimentionaltree/wallet-notifier/session"
	"github.com/kdimentionaltree/wallet-notifier/tasks"
	"github.com/kdimentionaltree/wallet-notifier/webhook"
)

// memoryService is a minimal subscription provider.
type memoryService struct {
	mu      sync.Mutex
	nextID  int
	subs    map[string]reconciler.Subscription
	deleted []string

	deleteGate    chan struct{}
	deleteEntered chan struct{}
}

func (m *memoryService) List(context.Context) ([]reconciler.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]reconciler.Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		res = append(res, s)
	}
	return res, nil
}

func (m *memoryService) Addresses(_ context.Context, id string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[id].Addresses, nil
}

func (m *memoryService) Create(_ context.Context, network, url string, addresses []string) (reconciler.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	s := reconciler.Subscription{
		ID:         fmt.Sprintf("wh_%d", m.nextID),
		Network:    network,
		URL:        url,
		SigningKey: fmt.Sprintf("whsec_%d", m.nextID),
		Active:     true,
		Addresses:  addresses,
	}
	m.subs[s.ID] = s
	return s, nil
}

func (m *memoryService) AddAddresses(_ context.Context, id string, addresses []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.subs[id]
	s.Addresses = append(s.Addresses, addresses...)
	m.subs[id] = s
	return nil
}

func (m *memoryService) RemoveAddresses(context.Context, string, []string) error { return nil }

func (m *memoryService) Delete(_ context.Context, id string) error {
	if m.deleteGate != nil {
		m.deleteEntered <- struct{}{}
		<-m.deleteGate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	m.deleted = append(m.deleted, id)
	return nil
}

const testSecret = "test-secret"

type nopTransport struct{}

func (nopTransport) Send(context.Context, []byte) session.SendResult { return session.SendSuccessful }
func (nopTransport) Close(int, string) {}

type fixture struct {
	srv   *server
	svc   *memoryService
	queue *tasks.Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()
	log := logrus.NewEntry(logger)

	queue := tasks.NewQueue(context.Background(), 2, time.Second, log)
	t.Cleanup(queue.Stop)

	svc := &memoryService{subs: map[string]reconciler.Subscription{}}
	var registry *session.Registry
	rec := reconciler.New(reconciler.Config{
		CallbackURL: "https://notifier.example.org/hook",
		Chains:      []models.Chain{{ID: models.ChainEthereum, Network: "ETH_MAINNET"}},
		Retry:       reconciler.RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1},
	}, svc, reconciler.WalletsFunc(func() []string { return registry.Wallets() }), queue, log)
	verifier, err := auth.NewJWTVerifier(testSecret)
	require.NoError(t, err)
	registry = session.NewRegistry(ratelimit.Noop{}, verifier, rec, queue, log)

	rt, err := router.New(router.DefaultConfig(), registry, nil, queue, log)
	require.NoError(t, err)
	hook := webhook.NewHandler(webhook.Config{}, rt, rec, queue, log)

	return &fixture{
		srv: &server{
			settings:   config.Settings{
				CORSOrigins:       "https://cryptovoxels.com",
				TrustedProxies:    []string{"127.0.0.1"},
				InactivityTimeout: time.Minute,
			},
			registry:   registry,
			reconciler: rec,
			hook:       hook,
			log:        log,
		},
		svc:   svc,
		queue: queue,
	}
}

func do(t *testing.T, app *fiber.App, method, path string, body []byte) (int, []byte) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestRoutes(t *testing.T) {
	f := newFixture(t)
	app := f.srv.app()

	status, body := do(t, app, fiber.MethodGet, "/", nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.NotEmpty(t, body)

	status, _ = do(t, app, fiber.MethodGet, "/favicon.ico", nil)
	assert.Equal(t, fiber.StatusNoContent, status)

	status, body = do(t, app, fiber.MethodGet, "/ws", nil)
	assert.Equal(t, fiber.StatusUpgradeRequired, status)
	assert.Contains(t, string(body), "error")

	status, body = do(t, app, fiber.MethodGet, "/metrics", nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Contains(t, string(body), "wallet_notifier_active_sessions")

	status, body = do(t, app, fiber.MethodPost, "/hook", []byte(`{"activity":[]}`))
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "Nothing to see here", string(body))
}

func TestForwardedForOnlyFromTrustedProxies(t *testing.T) {
	f := newFixture(t)
	remoteIP := func(app *fiber.App, forwarded string) string {
		app.Get("/ip", func(c *fiber.Ctx) error { return c.SendString(c.IP()) })
		req := httptest.NewRequest(fiber.MethodGet, "/ip", nil)
		req.Header.Set(fiber.HeaderXForwardedFor, forwarded)
		resp, err := app.Test(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return string(data)
	}

	// app.Test connections come from 0.0.0.0, which is not a trusted proxy.
	assert.Equal(t, "0.0.0.0", remoteIP(f.srv.app(), "203.0.113.7"))

	f.srv.settings.TrustedProxies = []string{"0.0.0.0"}
	assert.Equal(t, "203.0.113.7", remoteIP(f.srv.app(), "203.0.113.7"))
}

func TestCORSAllowList(t *testing.T) {
	f := newFixture(t)
	app := f.srv.app()

	preflight := func(origin string) string {
		req := httptest.NewRequest(fiber.MethodOptions, "/healthz", nil)
		req.Header.Set(fiber.HeaderOrigin, origin)
		req.Header.Set(fiber.HeaderAccessControlRequestMethod, fiber.MethodGet)
		resp, err := app.Test(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		return resp.Header.Get(fiber.HeaderAccessControlAllowOrigin)
	}

	assert.Equal(t, "https://cryptovoxels.com", preflight("https://cryptovoxels.com"))
	assert.Empty(t, preflight("https://evil.example.org"))
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	app := f.srv.app()

	status, body := do(t, app, fiber.MethodGet, "/healthz", nil)
	require.Equal(t, fiber.StatusOK, status)
	var resp healthzResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.True(t, resp.OK)
	require.Contains(t, resp.Components, "subscription:ETH_MAINNET")
	assert.Equal(t, "uninitialized", resp.Components["subscription:ETH_MAINNET"].State)

	// A connected session without a subscription is unhealthy.
	_, err := f.srv.registry.AddSession(context.Background(), nopTransport{}, "10.0.0.1")
	require.NoError(t, err)
	status, _ = do(t, app, fiber.MethodGet, "/healthz", nil)
	assert.Equal(t, fiber.StatusServiceUnavailable, status)

	f.srv.reconciler.Init(context.Background())
	status, body = do(t, app, fiber.MethodGet, "/healthz", nil)
	assert.Equal(t, fiber.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "active", resp.Components["subscription:ETH_MAINNET"].State)
}

func TestTickTearsDownWithoutSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.srv.reconciler.Init(ctx)
	state, _ := f.srv.reconciler.State(models.ChainEthereum)
	require.Equal(t, reconciler.StateActive, state)

	f.srv.tick(ctx)
	state, _ = f.srv.reconciler.State(models.ChainEthereum)
	assert.Equal(t, reconciler.StateUninitialized, state)
	assert.Equal(t, []string{"wh_1"}, f.svc.deleted)
}

func loginFrame(t *testing.T, wallet string) []byte {
	t.Helper()
	tok, err := auth.Sign(testSecret, wallet, jwt.RegisteredClaims{})
	require.NoError(t, err)
	pkg, err := auth.EncodeLoginPackage(tok)
	require.NoError(t, err)
	frame, err := json.Marshal(map[string]any{"type": "login", "bytes": pkg})
	require.NoError(t, err)
	return frame
}

func TestTickResubscribesLoginDuringTeardown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.srv.reconciler.Init(ctx)

	f.svc.deleteGate = make(chan struct{})
	f.svc.deleteEntered = make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.srv.tick(ctx)
	}()
	<-f.svc.deleteEntered

	s, err := f.srv.registry.AddSession(ctx, nopTransport{}, "10.0.0.3")
	require.NoError(t, err)
	s.OnMessage(ctx, loginFrame(t, "0xabc"))
	require.Equal(t, "0xabc", s.Wallet())

	close(f.svc.deleteGate)
	<-done
	f.queue.Wait()

	state, _ := f.srv.reconciler.State(models.ChainEthereum)
	assert.Equal(t, reconciler.StateActive, state)
	f.svc.mu.Lock()
	defer f.svc.mu.Unlock()
	require.Len(t, f.svc.subs, 1)
	for _, sub := range f.svc.subs {
		assert.Contains(t, sub.Addresses, "0xabc")
	}
}

func TestTickKeepsSubscriptionWithSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.srv.registry.AddSession(ctx, nopTransport{}, "10.0.0.2")
	require.NoError(t, err)
	f.srv.reconciler.Init(ctx)

	f.srv.tick(ctx)
	state, _ := f.srv.reconciler.State(models.ChainEthereum)
	assert.Equal(t, reconciler.StateActive, state)
	assert.Empty(t, f.svc.deleted)
}

func TestChainHealth(t *testing.T) {
	st := reconciler.ChainStatus{Network: "ETH_MAINNET", State: "uninitialized", Pending: 3}
	assert.True(t, chainHealth(st, 0).OK)
	h := chainHealth(st, 1)
	assert.False(t, h.OK)
	require.NotNil(t, h.Pending)
	assert.Equal(t, 3, *h.Pending)

	st.State = "resolving"
	assert.True(t, chainHealth(st, 1).OK)
}
