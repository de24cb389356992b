package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zulandar/shopkeep/internal/codec"
	"github.com/zulandar/shopkeep/internal/credential"
	"github.com/zulandar/shopkeep/internal/marketplace"
	"github.com/zulandar/shopkeep/internal/metrics"
	"github.com/zulandar/shopkeep/internal/notify"
	"github.com/zulandar/shopkeep/internal/pipeline"
	"go.uber.org/zap"
)

// Run drives the session until ctx is cancelled or the credential turns
// out to be invalid. It returns nil on cancellation and ErrCookieInvalid on
// the fatal path. In-flight inbound work is drained before returning.
func (s *Session) Run(ctx context.Context) error {
	defer s.setState(StateStopped)

	in, err := s.newInbound(s)
	if err != nil {
		return fmt.Errorf("session: inbound: %w", err)
	}
	defer func() {
		s.drain(in)
		in.Close()
	}()

	metrics.SessionsLive.Inc()
	defer metrics.SessionsLive.Dec()

	attempt := 0
	for {
		registered, err := s.connect(ctx, in)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrCookieInvalid) {
			s.fatal(err)
			return err
		}
		s.setErr(err)
		if registered {
			attempt = 0
		}
		attempt++
		s.reconnects.Add(1)
		metrics.Reconnects.WithLabelValues(cause(err)).Inc()

		delay := s.backoff(attempt)
		s.setState(StateBackoff)
		s.log.Warn("connection ended, backing off",
			zap.Error(err), zap.Int("attempt", attempt), zap.Duration("delay", delay))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// cause maps a connection error to a metrics label.
func cause(err error) string {
	switch {
	case errors.Is(err, ErrHeartbeatTimeout):
		return "heartbeat_timeout"
	case errors.Is(err, ErrRegisterTimeout), errors.Is(err, ErrRegisterRejected):
		return "register"
	case errors.Is(err, ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, ErrTokenRefreshFailed):
		return "token_refresh"
	case errors.Is(err, errDial):
		return "dial"
	default:
		return "read"
	}
}

var (
	errDial       = errors.New("session: dial")
	errStaleToken = errors.New("session: refreshed token already expired")
)

// minRefreshWait bounds how often the refresher calls the marketplace.
const minRefreshWait = time.Second

func (s *Session) drain(in Inbound) {
	if !in.Drain(s.cfg.DrainTimeout) {
		s.log.Warn("inbound drain timed out", zap.Duration("timeout", s.cfg.DrainTimeout))
	}
}

// fatal marks the credential invalid and asks the operator to log in again.
func (s *Session) fatal(err error) {
	s.setErr(err)
	s.log.Error("credential invalid, stopping session", zap.Error(err))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if merr := s.store.MarkInvalid(ctx, s.id); merr != nil {
		s.log.Error("mark credential invalid", zap.Error(merr))
	}
	s.notify(notify.KindManualLogin, "Manual login required",
		"The marketplace rejected this account's cookies. Log in again and replace the credential.")
}

// connect runs one connection from dial to close. registered reports
// whether registration succeeded.
func (s *Session) connect(ctx context.Context, in Inbound) (registered bool, err error) {
	s.setState(StateConnecting)

	c, err := s.store.Get(ctx, s.id)
	if err != nil {
		return false, fmt.Errorf("session: load credential: %w", err)
	}
	s.adopt(c)
	if s.deviceID == "" {
		dev, err := s.store.EnsureDeviceID(ctx, s.id)
		if err != nil {
			return false, err
		}
		s.deviceID = dev
	}

	if !s.token.Load().Usable(s.now(), s.cfg.RefreshLead) {
		if err := s.refresh(ctx); err != nil {
			return false, err
		}
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return false, err
	}
	connCtx, cancel := context.WithCancel(ctx)
	errs := make(chan error, 3)
	var wg sync.WaitGroup
	spawn := func(f func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f()
		}()
	}

	s.sendMu.Lock()
	s.conn = conn
	s.sendMu.Unlock()
	defer func() {
		if ctx.Err() != nil {
			// Replies still in flight go out over the open socket.
			s.drain(in)
		}
		cancel()
		s.sendMu.Lock()
		s.conn = nil
		if ctx.Err() != nil {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
		}
		s.sendMu.Unlock()
		conn.Close()
		wg.Wait()
	}()

	s.touch()
	acks := make(chan codec.RegisterAck, 1)
	spawn(func() error { return s.read(connCtx, conn, in, acks) })

	s.setState(StateRegistering)
	if err := s.register(connCtx); err != nil {
		return false, err
	}
	timer := time.NewTimer(s.cfg.RegisterTimeout)
	select {
	case <-ctx.Done():
		timer.Stop()
		return false, ctx.Err()
	case err := <-errs:
		timer.Stop()
		return false, err
	case <-timer.C:
		return false, ErrRegisterTimeout
	case ack := <-acks:
		timer.Stop()
		if !ack.OK() {
			// A rejected registration usually means a stale token. Drop the
			// stored copy too so the next connect refreshes.
			s.token.Store(nil)
			if err := s.store.ClearToken(ctx, s.id); err != nil {
				s.log.Warn("clear rejected token", zap.Error(err))
			}
			return false, fmt.Errorf("%w: code %d", ErrRegisterRejected, ack.Code)
		}
	}

	s.setState(StateRegistered)
	s.setErr(nil)
	s.log.Info("registered", zap.String("user", s.Credential().MarketplaceUserID))
	s.setState(StateLive)

	spawn(func() error { return s.heartbeat(connCtx) })
	spawn(func() error { return s.refresher(connCtx) })

	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case err := <-errs:
		return true, err
	}
}

func (s *Session) dial(ctx context.Context) (Conn, error) {
	header := http.Header{}
	header.Set("User-Agent", s.mkt.UserAgent)
	if s.mkt.Origin != "" {
		header.Set("Origin", s.mkt.Origin)
	}
	header.Set("Cookie", s.Cookies().String())

	dctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()
	conn, resp, err := s.dialer.DialContext(dctx, s.mkt.WSURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: status %d: %v", errDial, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: %v", errDial, err)
	}
	return conn, nil
}

func (s *Session) register(ctx context.Context) error {
	c := s.Credential()
	uid := c.MarketplaceUserID
	if uid == "" {
		uid = s.Cookies().UserID()
	}
	mid := codec.NewMID()
	s.regMID.Store(mid)
	frame := codec.RegisterFrame(codec.RegisterParams{
		MID:       mid,
		AppKey:    s.mkt.AppKey,
		Token:     s.AccessToken(),
		UserAgent: s.mkt.UserAgent,
		DeviceID:  s.deviceID,
		UserID:    uid,
	})
	if err := s.write(ctx, frame, false); err != nil {
		return fmt.Errorf("session: send register: %w", err)
	}
	return nil
}

// read decodes frames until the connection fails.
func (s *Session) read(ctx context.Context, conn Conn, in Inbound, acks chan<- codec.RegisterAck) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("session: read: %w", err)
		}
		s.touch()

		m, err := codec.Decode(data)
		if err != nil {
			metrics.FramesReceived.WithLabelValues("malformed").Inc()
			metrics.FramesDropped.WithLabelValues("malformed").Inc()
			s.log.Debug("malformed frame", zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}
		metrics.FramesReceived.WithLabelValues(string(codec.Classify(m))).Inc()

		if h := codec.HeadersOf(m); h.NeedAck {
			if err := s.write(ctx, codec.AckFrame(h), false); err != nil {
				s.log.Warn("send ack", zap.String("mid", h.MID), zap.Error(err))
			}
		}

		events, err := codec.Normalize(m)
		if errors.Is(err, codec.ErrUnknownFrameKind) {
			metrics.FramesDropped.WithLabelValues("unknown").Inc()
			s.log.Info("unknown frame", zap.Error(err))
			continue
		}
		if err != nil {
			metrics.FramesDropped.WithLabelValues("malformed").Inc()
			s.log.Debug("undecodable frame body", zap.Error(err))
			continue
		}

		for _, ev := range events {
			s.dispatch(ev, in, acks)
		}
	}
}

func (s *Session) dispatch(ev codec.Inbound, in Inbound, acks chan<- codec.RegisterAck) {
	switch e := ev.(type) {
	case codec.RegisterAck:
		if want, _ := s.regMID.Load().(string); e.MID != want {
			s.log.Debug("register ack for another request dropped", zap.String("mid", e.MID))
			return
		}
		select {
		case acks <- e:
		default:
		}
	case codec.HeartbeatAck:
	case codec.SendAck:
		if e.Code != 0 && e.Code != codec.StatusOK {
			s.log.Warn("send rejected", zap.String("mid", e.MID), zap.Int("code", e.Code))
		}
	default:
		if err := in.Handle(ev); errors.Is(err, pipeline.ErrDuplicateInbound) {
			s.log.Debug("duplicate inbound dropped", zap.String("kind", string(ev.Kind())))
		} else if err != nil {
			s.log.Warn("inbound handler", zap.Error(err))
		}
	}
}

// heartbeat sends keepalives and fails once no frame arrived within the
// inactivity timeout.
func (s *Session) heartbeat(ctx context.Context) error {
	beat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer beat.Stop()
	check := s.cfg.InactivityTimeout / 4
	if check > 250*time.Millisecond {
		check = 250 * time.Millisecond
	}
	watch := time.NewTicker(check)
	defer watch.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-beat.C:
			if err := s.write(ctx, codec.HeartbeatFrame(codec.NewMID()), false); err != nil {
				return fmt.Errorf("session: send heartbeat: %w", err)
			}
		case <-watch.C:
			if idle := s.sinceLastFrame(); idle > s.cfg.InactivityTimeout {
				if s.Credential().HeartbeatNotify {
					s.notify(notify.KindHeartbeatTimeout, "Heartbeat timeout",
						fmt.Sprintf("No frame for %s; reconnecting.", idle.Round(time.Second)))
				}
				return fmt.Errorf("%w: idle %s", ErrHeartbeatTimeout, idle.Round(time.Millisecond))
			}
		}
	}
}

// refresher renews the access token before it expires.
func (s *Session) refresher(ctx context.Context) error {
	for {
		t := time.NewTimer(s.refreshWait(s.token.Load()))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if err := s.refresh(ctx); err != nil {
			return err
		}
	}
}

// refreshWait is how long tok is kept before renewal: until RefreshLead
// before expiry, or half the remaining lifetime when the token lives
// shorter than the lead. Never less than minRefreshWait.
func (s *Session) refreshWait(tok *credential.Token) time.Duration {
	if tok == nil {
		return minRefreshWait
	}
	remaining := tok.ExpiresAt.Sub(s.now())
	wait := remaining - s.cfg.RefreshLead
	if wait <= 0 {
		wait = remaining / 2
	}
	if wait < minRefreshWait {
		wait = minRefreshWait
	}
	return wait
}

// refresh obtains a new access token, retrying RefreshRetries times.
// Marketplace token-expiry codes are silent; other exhausted failures
// notify the operator.
func (s *Session) refresh(ctx context.Context) error {
	var last error
	for i := 0; i < s.cfg.RefreshRetries; i++ {
		if i > 0 {
			t := time.NewTimer(s.cfg.RefreshBackoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		rctx, cancel := context.WithTimeout(ctx, s.cfg.RefreshTimeout)
		tok, err := s.market.RefreshToken(rctx, s, s.deviceID)
		cancel()
		if err == nil && !tok.ExpiresAt.After(s.now()) {
			err = fmt.Errorf("%w: expires %s", errStaleToken, tok.ExpiresAt.Format(time.RFC3339))
		}
		if err == nil {
			s.installToken(ctx, tok)
			return nil
		}
		if errors.Is(err, marketplace.ErrCookieInvalid) {
			metrics.TokenRefreshes.WithLabelValues("cookie_invalid").Inc()
			return fmt.Errorf("%w: %v", ErrCookieInvalid, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		last = err
		s.log.Debug("token refresh attempt failed", zap.Int("attempt", i+1), zap.Error(err))
	}

	if errors.Is(last, marketplace.ErrTokenExpired) {
		metrics.TokenRefreshes.WithLabelValues("expired").Inc()
		return fmt.Errorf("%w: %v", ErrTokenExpired, last)
	}
	metrics.TokenRefreshes.WithLabelValues("failed").Inc()
	s.notify(notify.KindTokenRefreshFailed, "Token refresh failed",
		fmt.Sprintf("Access token refresh failed after %d attempts: %v", s.cfg.RefreshRetries, last))
	return fmt.Errorf("%w: %v", ErrTokenRefreshFailed, last)
}

func (s *Session) installToken(ctx context.Context, tok credential.Token) {
	s.token.Store(&tok)
	now := s.now()
	s.lastRefresh.Store(now.UnixNano())
	metrics.TokenRefreshes.WithLabelValues("ok").Inc()
	if err := s.store.UpdateToken(ctx, s.id, tok); err != nil {
		s.log.Warn("persist access token", zap.Error(err))
	}
	s.log.Info("access token refreshed", zap.Time("expires", tok.ExpiresAt))
}
