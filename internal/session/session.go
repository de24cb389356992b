// Package session owns one marketplace account's WebSocket: dial,
// registration, heartbeats, token refresh, paced sends and reconnects.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zulandar/shopkeep/internal/codec"
	"github.com/zulandar/shopkeep/internal/config"
	"github.com/zulandar/shopkeep/internal/credential"
	"github.com/zulandar/shopkeep/internal/marketplace"
	"github.com/zulandar/shopkeep/internal/models"
	"github.com/zulandar/shopkeep/internal/notify"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// State is a session lifecycle state.
type State string

const (
	StateIdle        State = "idle"
	StateConnecting  State = "connecting"
	StateRegistering State = "registering"
	StateRegistered  State = "registered"
	StateLive        State = "live"
	StateBackoff     State = "backoff"
	StateStopped     State = "stopped"
)

// Errors that end one connection. Only ErrCookieInvalid ends the session.
var (
	ErrHeartbeatTimeout   = errors.New("session: heartbeat timeout")
	ErrRegisterTimeout    = errors.New("session: register ack timeout")
	ErrRegisterRejected   = errors.New("session: registration rejected")
	ErrTokenRefreshFailed = errors.New("session: token refresh failed")
	ErrTokenExpired       = errors.New("session: token expired")
	ErrCookieInvalid      = errors.New("session: cookie invalid, manual login required")
	ErrNotLive            = errors.New("session: not live")
)

const writeTimeout = 10 * time.Second

// Conn is the subset of *websocket.Conn a session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens upstream connections.
type Dialer interface {
	DialContext(ctx context.Context, url string, header http.Header) (Conn, *http.Response, error)
}

// WSDialer adapts a gorilla websocket.Dialer.
type WSDialer struct {
	Dialer *websocket.Dialer
}

// DialContext implements Dialer.
func (d WSDialer) DialContext(ctx context.Context, url string, header http.Header) (Conn, *http.Response, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	c, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, resp, err
	}
	return c, resp, nil
}

// CredentialStore is the slice of *credential.Store a session writes through.
type CredentialStore interface {
	Get(ctx context.Context, id string) (*models.Credential, error)
	UpdateToken(ctx context.Context, id string, tok credential.Token) error
	ClearToken(ctx context.Context, id string) error
	MergeCookies(ctx context.Context, id string, updates credential.Cookies) error
	EnsureDeviceID(ctx context.Context, id string) (string, error)
	MarkInvalid(ctx context.Context, id string) error
}

// Marketplace is the signed REST surface a session calls.
// *marketplace.Client implements it.
type Marketplace interface {
	RefreshToken(ctx context.Context, auth marketplace.Auth, deviceID string) (credential.Token, error)
	SendMessage(ctx context.Context, auth marketplace.Auth, conversationID, receiverUserID, text string) error
}

// Notifier receives operator notifications.
type Notifier interface {
	Notify(ev notify.Event)
}

// Inbound consumes decoded frames. *pipeline.Pipeline implements it.
type Inbound interface {
	Handle(in codec.Inbound) error
	Drain(timeout time.Duration) bool
	Close()
}

// InboundFactory builds the inbound consumer of a session.
type InboundFactory func(s *Session) (Inbound, error)

// Status is a read-only snapshot of a session.
type Status struct {
	CredentialID  string     `json:"credential_id"`
	State         State      `json:"state"`
	UserID        string     `json:"user_id,omitempty"`
	LastFrameAt   *time.Time `json:"last_frame_at,omitempty"`
	LastRefreshAt *time.Time `json:"last_refresh_at,omitempty"`
	Reconnects    int64      `json:"reconnects"`
	LastError     string     `json:"last_error,omitempty"`
}

// Session drives one account.
type Session struct {
	id         string
	store      CredentialStore
	market     Marketplace
	notifier   Notifier
	newInbound InboundFactory
	dialer     Dialer
	cfg        config.SessionConfig
	mkt        config.MarketplaceConfig
	log        *zap.Logger
	now        func() time.Time
	jitter     func() float64
	backoff    func(attempt int) time.Duration

	cred        atomic.Pointer[models.Credential]
	token       atomic.Pointer[credential.Token]
	state       atomic.Value // State
	lastFrame   atomic.Int64 // unix nanos
	lastRefresh atomic.Int64 // unix nanos
	reconnects  atomic.Int64
	regMID      atomic.Value // string, mid of the pending register frame
	deviceID    string

	jarMu sync.Mutex
	jar   credential.Cookies

	errMu   sync.Mutex
	lastErr string

	limiter *rate.Limiter
	sendMu  sync.Mutex
	conn    Conn // guarded by sendMu
}

// Opts holds parameters for creating a Session.
type Opts struct {
	Credential  *models.Credential
	Store       CredentialStore
	Marketplace Marketplace
	Notifier    Notifier
	Inbound     InboundFactory
	Dialer      Dialer
	Config      config.SessionConfig
	Endpoint    config.MarketplaceConfig
	Logger      *zap.Logger
}

// New creates a Session. Zero config durations take the package defaults.
func New(opts Opts) (*Session, error) {
	if opts.Credential == nil || opts.Credential.ID == "" {
		return nil, fmt.Errorf("session: credential is required")
	}
	if opts.Store == nil || opts.Marketplace == nil {
		return nil, fmt.Errorf("session: store and marketplace are required")
	}
	if opts.Inbound == nil {
		return nil, fmt.Errorf("session: inbound factory is required")
	}
	if opts.Endpoint.WSURL == "" {
		return nil, fmt.Errorf("session: websocket url is required")
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = WSDialer{}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	cfg := withDefaults(opts.Config)

	s := &Session{
		id:         opts.Credential.ID,
		store:      opts.Store,
		market:     opts.Marketplace,
		notifier:   opts.Notifier,
		newInbound: opts.Inbound,
		dialer:     dialer,
		cfg:        cfg,
		mkt:        opts.Endpoint,
		log:        log.Named("session").With(zap.String("credential", opts.Credential.ID)),
		now:        time.Now,
		jitter:     rand.Float64,
		limiter:    rate.NewLimiter(rate.Limit(cfg.SendRate), 1),
	}
	s.backoff = func(n int) time.Duration { return Backoff(n, s.jitter) }
	s.adopt(opts.Credential)
	s.state.Store(StateIdle)
	return s, nil
}

func withDefaults(c config.SessionConfig) config.SessionConfig {
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&c.HeartbeatInterval, 15*time.Second)
	def(&c.InactivityTimeout, 30*time.Second)
	def(&c.RegisterTimeout, 10*time.Second)
	def(&c.HandshakeTimeout, 10*time.Second)
	def(&c.RefreshLead, 5*time.Minute)
	def(&c.RefreshTimeout, 15*time.Second)
	def(&c.RefreshBackoff, 2*time.Second)
	def(&c.DrainTimeout, 5*time.Second)
	if c.RefreshRetries <= 0 {
		c.RefreshRetries = 3
	}
	if c.SendRate <= 0 {
		c.SendRate = 2
	}
	return c
}

// adopt installs a freshly loaded credential snapshot. The stored token
// replaces the in-memory one, including when none is stored.
func (s *Session) adopt(c *models.Credential) {
	s.cred.Store(c)
	s.jarMu.Lock()
	s.jar = credential.ParseCookies(c.Cookies)
	s.jarMu.Unlock()
	s.token.Store(credential.TokenOf(c))
	if c.LastRefreshAt != nil {
		s.lastRefresh.Store(c.LastRefreshAt.UnixNano())
	}
	if c.DeviceID != "" {
		s.deviceID = c.DeviceID
	}
}

// ID returns the credential id.
func (s *Session) ID() string { return s.id }

// Credential returns the current credential snapshot.
func (s *Session) Credential() *models.Credential { return s.cred.Load() }

// Cookies implements marketplace.Auth.
func (s *Session) Cookies() credential.Cookies {
	s.jarMu.Lock()
	defer s.jarMu.Unlock()
	return s.jar
}

// AccessToken implements marketplace.Auth.
func (s *Session) AccessToken() string {
	if tok := s.token.Load(); tok != nil {
		return tok.Value
	}
	return ""
}

// SetCookies implements marketplace.Auth. Updates are merged into the
// in-memory jar and persisted.
func (s *Session) SetCookies(updates credential.Cookies) {
	if len(updates) == 0 {
		return
	}
	s.jarMu.Lock()
	s.jar = s.jar.Merge(updates)
	s.jarMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.MergeCookies(ctx, s.id, updates); err != nil {
		s.log.Warn("persist refreshed cookies", zap.Error(err))
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state.Load().(State) }

func (s *Session) setState(st State) {
	if prev := s.state.Swap(st); prev != st {
		s.log.Debug("state", zap.String("from", string(prev.(State))), zap.String("to", string(st)))
	}
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if err == nil {
		s.lastErr = ""
		return
	}
	s.lastErr = err.Error()
}

// Status returns a snapshot for the status API.
func (s *Session) Status() Status {
	st := Status{
		CredentialID: s.id,
		State:        s.State(),
		Reconnects:   s.reconnects.Load(),
	}
	if c := s.Credential(); c != nil {
		st.UserID = c.MarketplaceUserID
	}
	if n := s.lastFrame.Load(); n != 0 {
		t := time.Unix(0, n)
		st.LastFrameAt = &t
	}
	if n := s.lastRefresh.Load(); n != 0 {
		t := time.Unix(0, n)
		st.LastRefreshAt = &t
	}
	s.errMu.Lock()
	st.LastError = s.lastErr
	s.errMu.Unlock()
	return st
}

func (s *Session) touch() { s.lastFrame.Store(s.now().UnixNano()) }

func (s *Session) sinceLastFrame() time.Duration {
	return s.now().Sub(time.Unix(0, s.lastFrame.Load()))
}

func (s *Session) notify(kind notify.Kind, title, msg string) {
	if s.notifier == nil {
		return
	}
	c := s.Credential()
	s.notifier.Notify(notify.Event{
		Kind:         kind,
		CredentialID: s.id,
		OwnerUserID:  c.OwnerUserID,
		Title:        title,
		Message:      msg,
		Fields:       map[string]string{"user": c.MarketplaceUserID},
		Timestamp:    s.now(),
	})
}
