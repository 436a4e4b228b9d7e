// Package session owns the authenticated session with the venue: login,
// expiry, the background refresh timer and the fail-fast token gate every
// other component goes through before a remote call.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/rustyeddy/tradeengine/broker"
	"github.com/rustyeddy/tradeengine/events"
	"github.com/rustyeddy/tradeengine/internal/logging"
	"github.com/sirupsen/logrus"
)

const (
	DefaultLifetime      = 6 * time.Hour
	DefaultRefreshMargin = time.Hour
	DefaultTimeout       = 10 * time.Second
)

type Options struct {
	// Lifetime applies when the venue grant does not carry one.
	Lifetime      time.Duration
	RefreshMargin time.Duration
	// Timeout bounds each login exchange.
	Timeout   time.Duration
	Publisher events.Publisher
	Logger    logrus.FieldLogger
	Now       func() time.Time
}

// Manager holds the single session of an engine instance.
//
// connectMu serializes login exchanges; mu guards the session record and is
// never held across a remote call, so Status and Token never wait on the
// network. gen changes whenever the current session is replaced or torn
// down, which lets a login that finishes late discard its result.
type Manager struct {
	auth broker.Authenticator

	lifetime time.Duration
	margin   time.Duration
	timeout  time.Duration
	pub      events.Publisher
	log      logrus.FieldLogger
	now      func() time.Time

	connectMu sync.Mutex

	mu    sync.Mutex
	sess  broker.Session
	creds broker.Credentials
	gen   uint64
	timer *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
}

func New(auth broker.Authenticator, opts Options) *Manager {
	if opts.Lifetime <= 0 {
		opts.Lifetime = DefaultLifetime
	}
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = DefaultRefreshMargin
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Discard{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		auth:     auth,
		lifetime: opts.Lifetime,
		margin:   opts.RefreshMargin,
		timeout:  opts.Timeout,
		pub:      opts.Publisher,
		log:      logging.Component(opts.Logger, "session"),
		now:      opts.Now,
		sess:     broker.Session{Status: broker.Disconnected},
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Connect logs in with creds and replaces any current session. Failures are
// returned as they are; Connect never retries.
func (m *Manager) Connect(ctx context.Context, creds broker.Credentials) (broker.Session, error) {
	if err := creds.Validate(); err != nil {
		return broker.Session{}, err
	}

	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	wasConnected := m.sess.Status == broker.Connected
	m.resetLocked(broker.Connecting)
	gen := m.gen
	m.mu.Unlock()

	m.log.WithField("identifier", creds.Identifier).Info("connecting")

	grant, err := m.login(ctx, creds)

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		if err == nil {
			err = errors.New("session torn down while connecting")
		}
		return broker.Session{}, fmt.Errorf("connect: %w: %v", broker.ErrNotConnected, err)
	}
	if err != nil {
		m.resetLocked(broker.Disconnected)
		m.mu.Unlock()

		m.log.WithError(err).Warn("connect failed")
		if wasConnected {
			m.pub.Publish(events.Session(events.SessionLost, "", err.Error()))
		}
		return broker.Session{}, fmt.Errorf("connect: %w", err)
	}
	sess := m.establishLocked(grant, creds, gen)
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"account": sess.AccountID, "expires": sess.ExpiresAt}).Info("connected")
	m.pub.Publish(events.Session(events.SessionConnected, sess.AccountID, ""))
	return sess, nil
}

// Reconnect logs in again with the credentials of the last successful
// Connect.
func (m *Manager) Reconnect(ctx context.Context) (broker.Session, error) {
	m.mu.Lock()
	creds := m.creds
	m.mu.Unlock()

	if creds.Identifier == "" {
		return broker.Session{}, fmt.Errorf("reconnect: %w: no previous credentials", broker.ErrInvalidCredentials)
	}
	return m.Connect(ctx, creds)
}

// Disconnect cancels the refresh timer and clears the session. It does not
// wait for a login in progress; that login's result is discarded.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	was := m.sess.Status
	m.resetLocked(broker.Disconnected)
	m.creds = broker.Credentials{}
	m.mu.Unlock()

	if was != broker.Disconnected {
		m.log.Info("disconnected")
	}
}

// Close disconnects and aborts any refresh in flight.
func (m *Manager) Close() {
	m.Disconnect()
	m.cancel()
}

// Token returns the session token when the session is connected and
// unexpired, and ErrNotConnected otherwise. A session found past its expiry
// is moved to Expired here.
func (m *Manager) Token() (string, error) {
	m.mu.Lock()
	lost := m.checkExpiryLocked()
	sess := m.sess
	m.mu.Unlock()

	if lost {
		m.lost(sess.AccountID, "session expired")
	}
	if sess.Status != broker.Connected {
		return "", fmt.Errorf("%w: session %s", broker.ErrNotConnected, sess.Status)
	}
	return sess.Token, nil
}

// Expire marks a connected session Expired, for callers that saw the venue
// reject the token.
func (m *Manager) Expire(reason string) {
	m.mu.Lock()
	if m.sess.Status != broker.Connected {
		m.mu.Unlock()
		return
	}
	acct := m.sess.AccountID
	m.expireLocked()
	m.mu.Unlock()

	m.lost(acct, reason)
}

func (m *Manager) Status() broker.SessionStatus {
	return m.Session().Status
}

// Session returns a copy of the current session record.
func (m *Manager) Session() broker.Session {
	m.mu.Lock()
	lost := m.checkExpiryLocked()
	sess := m.sess
	m.mu.Unlock()

	if lost {
		m.lost(sess.AccountID, "session expired")
	}
	return sess
}

func (m *Manager) login(ctx context.Context, creds broker.Credentials) (broker.Grant, error) {
	req := broker.LoginRequest{
		Identifier: creds.Identifier,
		Password:   creds.Password,
		APIKey:     creds.APIKey,
	}
	if creds.TOTPSecret != "" {
		code, err := totp.GenerateCode(creds.TOTPSecret, m.now())
		if err != nil {
			return broker.Grant{}, fmt.Errorf("%w: totp: %v", broker.ErrInvalidCredentials, err)
		}
		req.OTP = code
	}

	grant, err := broker.Call(ctx, m.timeout, "authenticate", func(ctx context.Context) (broker.Grant, error) {
		return m.auth.Authenticate(ctx, req)
	})
	if err != nil {
		return broker.Grant{}, err
	}
	if grant.Token == "" {
		return broker.Grant{}, broker.Rejected("venue returned an empty token")
	}
	return grant, nil
}

// establishLocked installs a fresh session and arms the refresh timer.
func (m *Manager) establishLocked(grant broker.Grant, creds broker.Credentials, gen uint64) broker.Session {
	lifetime := grant.Lifetime
	if lifetime <= 0 {
		lifetime = m.lifetime
	}
	now := m.now()
	m.sess = broker.Session{
		Token:     grant.Token,
		AccountID: grant.AccountID,
		IssuedAt:  now,
		ExpiresAt: now.Add(lifetime),
		Status:    broker.Connected,
	}
	m.creds = creds

	m.stopTimerLocked()
	m.timer = time.AfterFunc(m.refreshAfter(lifetime), func() { m.refresh(gen) })
	return m.sess
}

func (m *Manager) refreshAfter(lifetime time.Duration) time.Duration {
	if m.margin < lifetime {
		return lifetime - m.margin
	}
	return lifetime / 2
}

// refresh is the timer callback. It makes exactly one login attempt; on
// failure the session is Expired and nothing is re-armed.
func (m *Manager) refresh(gen uint64) {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	creds := m.creds
	m.mu.Unlock()

	m.log.Debug("refreshing session")
	grant, err := m.login(m.ctx, creds)

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	if err != nil {
		acct := m.sess.AccountID
		m.expireLocked()
		m.mu.Unlock()

		m.log.WithError(err).Error("session refresh failed")
		m.lost(acct, fmt.Sprintf("refresh failed: %v", err))
		return
	}
	sess := m.establishLocked(grant, creds, gen)
	m.mu.Unlock()

	m.log.WithField("expires", sess.ExpiresAt).Info("session refreshed")
}

func (m *Manager) lost(accountID, reason string) {
	m.log.WithField("reason", reason).Warn("session lost")
	m.pub.Publish(events.Session(events.SessionLost, accountID, reason))
}

// checkExpiryLocked reports whether the session was just moved to Expired.
func (m *Manager) checkExpiryLocked() bool {
	if m.sess.Status != broker.Connected || m.now().Before(m.sess.ExpiresAt) {
		return false
	}
	m.expireLocked()
	return true
}

func (m *Manager) expireLocked() {
	m.stopTimerLocked()
	m.gen++
	m.sess.Token = ""
	m.sess.Status = broker.Expired
}

func (m *Manager) resetLocked(status broker.SessionStatus) {
	m.stopTimerLocked()
	m.gen++
	m.sess = broker.Session{Status: status}
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
