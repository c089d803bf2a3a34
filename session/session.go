package session

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kdimentionaltree/wallet-notifier/auth"
	"github.com/kdimentionaltree/wallet-notifier/models"
	"github.com/kdimentionaltree/wallet-notifier/observability"
)

// Session is one client connection. It is anonymous until a successful
// login binds a wallet, which then never changes.
type Session struct {
	id          string
	ip          string
	connectedAt time.Time
	lastActive  atomic.Int64
	terminated  atomic.Bool

	mu     sync.RWMutex
	wallet string

	transport Transport
	registry  *Registry
	log       *logrus.Entry
}

func newSession(r *Registry, t Transport, ip string) *Session {
	now := r.now()
	s := &Session{
		id:          uuid.NewString(),
		ip:          ip,
		connectedAt: now,
		transport:   t,
		registry:    r,
	}
	s.lastActive.Store(now.UnixNano())
	s.log = r.log.WithFields(logrus.Fields{"session": s.id, "ip": ip})
	return s
}

func (s *Session) ID() string { return s.id }
func (s *Session) RemoteIP() string { return s.ip }
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }
func (s *Session) Terminated() bool { return s.terminated.Load() }
func (s *Session) LastActiveAt() time.Time { return time.Unix(0, s.lastActive.Load()) }

// Wallet returns the bound wallet in lowercase, or "" before login.
func (s *Session) Wallet() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.wallet
}

func (s *Session) touch() {
	s.lastActive.Store(s.registry.now().UnixNano())
}

// OnMessage handles one inbound frame. Frames are expected one at a time
// per session.
func (s *Session) OnMessage(ctx context.Context, raw []byte) {
	if s.Terminated() {
		return
	}
	s.touch()
	if err := s.handle(ctx, raw); err != nil {
		s.log.WithError(err).Warn("closing session")
		s.Terminate(ctx, CloseUnsupportedData, "error on processing message")
	}
}

func (s *Session) handle(ctx context.Context, raw []byte) error {
	env, err := parseEnvelope(raw)
	if err != nil {
		return err
	}
	switch env.Type {
	case MessageLogin:
		return s.login(ctx, env)
	case MessageUnsubscribe:
		s.Unsubscribe(ctx)
	case MessagePing:
		s.send(ctx, statusMessage{Type: MessagePong})
	default:
		s.log.WithField("type", env.Type).Warn("unknown message type")
	}
	return nil
}

func (s *Session) login(ctx context.Context, env Envelope) error {
	if s.Wallet() != "" {
		return ErrProtocolViolation
	}

	payload, err := decodeOctets(env.Bytes)
	if err != nil {
		s.failLogin(ctx, "bad login bytes", err)
		return nil
	}
	pkg, err := auth.DecodeLoginPackage(payload)
	if err != nil {
		s.failLogin(ctx, "bad login package", err)
		return nil
	}
	claims, err := s.registry.verifier.Verify(pkg.Token)
	if err != nil {
		s.failLogin(ctx, "token rejected", err)
		return nil
	}
	wallet := strings.ToLower(strings.TrimSpace(claims.Wallet))
	if wallet == "" {
		s.failLogin(ctx, "empty wallet", auth.ErrEmptyWallet)
		return nil
	}

	s.registry.RecordSuccessfulLogin(ctx, s.ip)
	log := s.log.WithField("wallet", wallet)
	observability.Logins.WithLabelValues("success").Inc()

	unlock := s.registry.lockWallet(wallet)
	if !s.registry.bindWallet(s, wallet) {
		unlock()
		log.Debug("session closed during login")
		return nil
	}
	if s.registry.subscriber != nil {
		res := s.registry.subscriber.AddWalletsToAllChains(ctx, []string{wallet})
		for chain, ok := range res {
			if !ok {
				log.WithField("chain", chain).Warn("wallet not subscribed on chain")
			}
		}
	}
	unlock()
	log.Info("session logged in")
	s.send(ctx, statusMessage{Type: MessageSubscribed})
	return nil
}

func (s *Session) failLogin(ctx context.Context, reason string, err error) {
	observability.Logins.WithLabelValues("failure").Inc()
	s.log.WithError(err).WithField("reason", reason).Warn("login failed")
	s.Terminate(ctx, ClosePolicyViolation, "failed login")
	s.registry.RecordFailedLogin(ctx, s.ip)
}

// Unsubscribe ends the session at the client's request.
func (s *Session) Unsubscribe(ctx context.Context) {
	s.Terminate(ctx, CloseNormal, "unsubscribed")
}

// OnError is called when the transport fails.
func (s *Session) OnError(ctx context.Context, err error) {
	s.log.WithError(err).Debug("transport error")
	s.Terminate(ctx, CloseInternalError, "transport error")
}

// OnClose is called when the client closed the transport.
func (s *Session) OnClose(ctx context.Context, reason string) {
	s.log.WithField("reason", reason).Debug("transport closed")
	s.Terminate(ctx, CloseNormal, "")
}

// Terminate removes the session from the registry, drops its wallet from the
// remote subscriptions when no other session holds it, and closes the
// transport. Only the first call has any effect.
func (s *Session) Terminate(ctx context.Context, code int, reason string) {
	s.terminate(ctx, code, reason, false)
}

func (s *Session) terminate(ctx context.Context, code int, reason string, detach bool) {
	if !s.terminated.CompareAndSwap(false, true) {
		return
	}
	s.registry.release(ctx, s, detach)
	s.transport.Close(code, reason)
}

// SendNotify delivers a notification frame.
func (s *Session) SendNotify(ctx context.Context, n *models.Notification) SendResult {
	return s.send(ctx, notifyMessage{Type: MessageNotify, Notification: n})
}

func (s *Session) send(ctx context.Context, msg any) SendResult {
	if s.Terminated() {
		return SendSkipped
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.WithError(err).Error("failed to encode message")
		return SendFailure
	}
	res := s.transport.Send(ctx, data)
	if res == SendFailure {
		s.log.Debug("failed to send message")
	}
	return res
}
