package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zulandar/shopkeep/internal/codec"
	"github.com/zulandar/shopkeep/internal/config"
	"github.com/zulandar/shopkeep/internal/credential"
	"github.com/zulandar/shopkeep/internal/marketplace"
	"github.com/zulandar/shopkeep/internal/models"
	"github.com/zulandar/shopkeep/internal/notify"
	"github.com/zulandar/shopkeep/internal/testutil"
)

// --- fake upstream ---

type frame struct {
	Route   string
	Headers codec.Headers
	Msg     *codec.Message
}

type serverConn struct {
	mu sync.Mutex
	c  *websocket.Conn
}

func (sc *serverConn) send(b []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.c.WriteMessage(websocket.BinaryMessage, b)
}

type upstream struct {
	srv *httptest.Server

	regCode         int  // code returned in the register ack
	noRegAck        bool // never answer registration
	strayRegAck     bool // send a rejecting ack for a foreign mid first
	silentHeartbeat bool // never answer heartbeats

	dials     atomic.Int32
	closeCode atomic.Int32
	conns     chan *serverConn

	mu     sync.Mutex
	frames []frame
	header http.Header
}

func newUpstream(t *testing.T, configure func(*upstream)) *upstream {
	t.Helper()
	up := &upstream{regCode: codec.StatusOK, conns: make(chan *serverConn, 16)}
	if configure != nil {
		configure(up)
	}
	// The session sends a browser Origin that never matches the test host.
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	up.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		up.dials.Add(1)
		up.mu.Lock()
		up.header = r.Header.Clone()
		up.mu.Unlock()
		sc := &serverConn{c: c}
		up.conns <- sc
		up.serve(sc)
	}))
	t.Cleanup(up.srv.Close)
	return up
}

func (up *upstream) url() string { return "ws" + strings.TrimPrefix(up.srv.URL, "http") }

func (up *upstream) serve(sc *serverConn) {
	for {
		_, data, err := sc.c.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				up.closeCode.Store(int32(ce.Code))
			}
			return
		}
		m, err := codec.Decode(data)
		if err != nil {
			continue
		}
		h := codec.HeadersOf(m)
		route := codec.Route(m)
		up.mu.Lock()
		up.frames = append(up.frames, frame{Route: route, Headers: h, Msg: m})
		up.mu.Unlock()

		switch route {
		case codec.RouteRegister:
			if up.strayRegAck {
				_ = sc.send(codec.Encode(codec.Envelope(codec.RouteRegister, codec.Headers{MID: "someone-else"}, 401, nil)))
			}
			if !up.noRegAck {
				_ = sc.send(codec.Encode(codec.Envelope(codec.RouteRegister, codec.Headers{MID: h.MID}, up.regCode, nil)))
			}
		case codec.RouteHeartbeat:
			if !up.silentHeartbeat {
				_ = sc.send(codec.Encode(codec.Envelope(codec.RouteHeartbeat, codec.Headers{MID: h.MID}, codec.StatusOK, nil)))
			}
		case codec.RouteSend:
			_ = sc.send(codec.Encode(codec.Envelope(codec.RouteSend, codec.Headers{MID: h.MID}, codec.StatusOK, nil)))
		}
	}
}

func (up *upstream) framesOf(route string) []frame {
	up.mu.Lock()
	defer up.mu.Unlock()
	var out []frame
	for _, f := range up.frames {
		if f.Route == route {
			out = append(out, f)
		}
	}
	return out
}

// --- fakes ---

type fakeMarket struct {
	mu           sync.Mutex
	refreshErrs  []error
	ttl          time.Duration // lifetime of issued tokens, an hour when zero
	refreshCalls int
	sent         []string
}

func (m *fakeMarket) RefreshToken(ctx context.Context, auth marketplace.Auth, deviceID string) (credential.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshCalls++
	if len(m.refreshErrs) > 0 {
		err := m.refreshErrs[0]
		m.refreshErrs = m.refreshErrs[1:]
		if err != nil {
			return credential.Token{}, err
		}
	}
	ttl := m.ttl
	if ttl == 0 {
		ttl = time.Hour
	}
	return credential.Token{
		Value:     fmt.Sprintf("tok-%d", m.refreshCalls),
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}

func (m *fakeMarket) SendMessage(ctx context.Context, auth marketplace.Auth, conversationID, receiverUserID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, conversationID+"|"+receiverUserID+"|"+text)
	return nil
}

func (m *fakeMarket) sentMessages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

func (m *fakeMarket) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshCalls
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *fakeNotifier) Notify(ev notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *fakeNotifier) count(kind notify.Kind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, ev := range n.events {
		if ev.Kind == kind {
			c++
		}
	}
	return c
}

type fakeInbound struct {
	events  chan codec.Inbound
	drained atomic.Bool
	closed  atomic.Bool

	onDrain   func() // runs on the first Drain only
	drainOnce sync.Once
}

func (f *fakeInbound) Handle(in codec.Inbound) error {
	f.events <- in
	return nil
}

func (f *fakeInbound) Drain(time.Duration) bool {
	if f.onDrain != nil {
		f.drainOnce.Do(f.onDrain)
	}
	f.drained.Store(true)
	return true
}

func (f *fakeInbound) Close() { f.closed.Store(true) }

// --- harness ---

type harness struct {
	s        *Session
	store    *credential.Store
	market   *fakeMarket
	notifier *fakeNotifier
	inbound  *fakeInbound
}

func newHarness(t *testing.T, up *upstream, market *fakeMarket, heartbeatNotify bool) *harness {
	t.Helper()
	store := credential.NewStore(testutil.OpenDB(t))
	cred := &models.Credential{
		ID:              "acct-1",
		OwnerUserID:     "owner-1",
		Cookies:         "unb=2200001; _m_h5_tk=abc_1; cna=zz",
		Enabled:         true,
		HeartbeatNotify: heartbeatNotify,
	}
	if err := store.Create(context.Background(), cred); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if market == nil {
		market = &fakeMarket{}
	}
	h := &harness{
		store:    store,
		market:   market,
		notifier: &fakeNotifier{},
		inbound:  &fakeInbound{events: make(chan codec.Inbound, 16)},
	}
	wsURL := "ws://127.0.0.1:1/ws"
	if up != nil {
		wsURL = up.url()
	}
	s, err := New(Opts{
		Credential:  cred,
		Store:       store,
		Marketplace: market,
		Notifier:    h.notifier,
		Inbound:     func(*Session) (Inbound, error) { return h.inbound, nil },
		Config: config.SessionConfig{
			HeartbeatInterval: 50 * time.Millisecond,
			InactivityTimeout: 300 * time.Millisecond,
			RegisterTimeout:   300 * time.Millisecond,
			RefreshBackoff:    10 * time.Millisecond,
			RefreshRetries:    2,
			SendRate:          2,
			DrainTimeout:      100 * time.Millisecond,
		},
		Endpoint: config.MarketplaceConfig{
			AppKey:    "app-key",
			WSURL:     wsURL,
			UserAgent: "ua-test",
			Origin:    "https://www.example.com",
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.backoff = func(int) time.Duration { return 10 * time.Millisecond }
	h.s = s
	return h
}

// start runs the session in the background. stop cancels it and yields
// Run's error; finished is closed once Run returns.
func (h *harness) start(t *testing.T) (stop func() error, finished <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var runErr error
	go func() {
		runErr = h.s.Run(ctx)
		close(done)
	}()
	stop = func() error {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("session did not stop")
		}
		return runErr
	}
	t.Cleanup(func() { stop() })
	return stop, done
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitLive(t *testing.T) {
	t.Helper()
	waitFor(t, "live", func() bool { return h.s.State() == StateLive })
}

func chatPush(mid, payload string) []byte {
	item := codec.NewMessage().
		Set(codec.ItemPayload, codec.Str(base64.StdEncoding.EncodeToString([]byte(payload)))).
		Set(codec.ItemObjectType, codec.Varint(codec.ObjectChat))
	b := codec.NewMessage().Add(codec.PushItem, codec.Nested(item))
	return codec.Encode(codec.Envelope(codec.RoutePush, codec.Headers{MID: mid, NeedAck: true, UserID: "2200001"}, 0, b))
}

// --- tests ---

func TestNew_Validation(t *testing.T) {
	cred := &models.Credential{ID: "c"}
	inbound := func(*Session) (Inbound, error) { return &fakeInbound{}, nil }
	endpoint := config.MarketplaceConfig{WSURL: "ws://x"}
	tests := []struct {
		name string
		opts Opts
	}{
		{"no credential", Opts{Store: &credential.Store{}, Marketplace: &fakeMarket{}, Inbound: inbound, Endpoint: endpoint}},
		{"no store", Opts{Credential: cred, Marketplace: &fakeMarket{}, Inbound: inbound, Endpoint: endpoint}},
		{"no inbound", Opts{Credential: cred, Store: &credential.Store{}, Marketplace: &fakeMarket{}, Endpoint: endpoint}},
		{"no url", Opts{Credential: cred, Store: &credential.Store{}, Marketplace: &fakeMarket{}, Inbound: inbound}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestBackoff(t *testing.T) {
	mid := func() float64 { return 0.5 }
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{50, 60 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.n), func(t *testing.T) {
			if got := Backoff(tt.n, mid); got != tt.want {
				t.Errorf("Backoff(%d) = %v, want %v", tt.n, got, tt.want)
			}
		})
	}

	if got := Backoff(1, func() float64 { return 0 }); got != 1500*time.Millisecond {
		t.Errorf("low jitter = %v, want 1.5s", got)
	}
	if got := Backoff(6, func() float64 { return 0.999 }); got >= 75*time.Second || got < 74*time.Second {
		t.Errorf("high jitter = %v, want just under 75s", got)
	}
	if got := Backoff(3, nil); got != 8*time.Second {
		t.Errorf("no jitter = %v, want 8s", got)
	}
}

func TestSession_RegistersAndGoesLive(t *testing.T) {
	up := newUpstream(t, nil)
	h := newHarness(t, up, nil, false)
	h.start(t)
	h.waitLive(t)

	regs := up.framesOf(codec.RouteRegister)
	if len(regs) != 1 {
		t.Fatalf("register frames = %d, want 1", len(regs))
	}
	rh := regs[0].Headers
	if rh.AppKey != "app-key" || rh.Token != "tok-1" || rh.UserAgent != "ua-test" || rh.UserID != "2200001" {
		t.Errorf("register headers = %+v", rh)
	}
	if len(rh.DeviceID) != 32 {
		t.Errorf("device id = %q, want 32 hex chars", rh.DeviceID)
	}

	up.mu.Lock()
	hdr := up.header
	up.mu.Unlock()
	if !strings.Contains(hdr.Get("Cookie"), "unb=2200001") {
		t.Errorf("Cookie header = %q", hdr.Get("Cookie"))
	}
	if hdr.Get("User-Agent") != "ua-test" || hdr.Get("Origin") != "https://www.example.com" {
		t.Errorf("headers = %v", hdr)
	}

	stored, err := h.store.Get(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.AccessToken != "tok-1" || stored.LastRefreshAt == nil {
		t.Errorf("stored token = %q, last refresh %v", stored.AccessToken, stored.LastRefreshAt)
	}
	if stored.DeviceID != rh.DeviceID {
		t.Errorf("stored device id %q != registered %q", stored.DeviceID, rh.DeviceID)
	}
}

func TestSession_ReusesStoredToken(t *testing.T) {
	up := newUpstream(t, nil)
	h := newHarness(t, up, nil, false)
	if err := h.store.UpdateToken(context.Background(), "acct-1", credential.Token{
		Value: "stored", ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("UpdateToken: %v", err)
	}
	h.start(t)
	h.waitLive(t)

	if n := h.market.calls(); n != 0 {
		t.Errorf("refresh calls = %d, want 0", n)
	}
	if got := up.framesOf(codec.RouteRegister)[0].Headers.Token; got != "stored" {
		t.Errorf("register token = %q, want stored", got)
	}
}

func TestSession_AcksAndForwardsInbound(t *testing.T) {
	up := newUpstream(t, nil)
	h := newHarness(t, up, nil, false)
	h.start(t)
	h.waitLive(t)

	sc := <-up.conns
	payload := `{"messageId":"m-1","conversationId":"conv-1","senderUserId":"buyer-9","text":"在吗"}`
	if err := sc.send(chatPush("push-1", payload)); err != nil {
		t.Fatalf("send push: %v", err)
	}

	select {
	case ev := <-h.inbound.events:
		msg, ok := ev.(codec.ChatMessage)
		if !ok {
			t.Fatalf("event is %T", ev)
		}
		if msg.MessageID != "m-1" || msg.ConversationID != "conv-1" || msg.Text != "在吗" {
			t.Errorf("msg = %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound not delivered")
	}

	waitFor(t, "ack frame", func() bool { return len(up.framesOf(codec.RouteAck)) == 1 })
	ack := up.framesOf(codec.RouteAck)[0]
	if ack.Headers.MID != "push-1" || codec.Code(ack.Msg) != codec.StatusOK {
		t.Errorf("ack = %+v code %d", ack.Headers, codec.Code(ack.Msg))
	}
}

func TestSession_DropsMalformedFrames(t *testing.T) {
	up := newUpstream(t, nil)
	h := newHarness(t, up, nil, false)
	h.start(t)
	h.waitLive(t)

	sc := <-up.conns
	_ = sc.send([]byte{0xff, 0xff, 0xff})
	_ = sc.send(codec.Encode(codec.Envelope("/s/unheard-of", codec.Headers{MID: "x"}, 0, nil)))
	payload := `{"messageId":"m-2","conversationId":"conv-1","senderUserId":"buyer-9","text":"hi"}`
	_ = sc.send(chatPush("push-2", payload))

	select {
	case ev := <-h.inbound.events:
		if msg, ok := ev.(codec.ChatMessage); !ok || msg.MessageID != "m-2" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame after malformed ones not delivered")
	}
	if h.s.State() != StateLive {
		t.Errorf("state = %s, want live", h.s.State())
	}
}

func TestSession_SendTextIsPaced(t *testing.T) {
	up := newUpstream(t, nil)
	h := newHarness(t, up, nil, false)
	h.start(t)
	h.waitLive(t)

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := h.s.SendText(ctx, "conv-1", "buyer-9", fmt.Sprintf("msg %d", i)); err != nil {
			t.Fatalf("SendText %d: %v", i, err)
		}
	}
	// Burst of one at 2/s: the third send waits roughly a second.
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Errorf("3 sends took %v, want >= ~1s", elapsed)
	}

	waitFor(t, "send frames", func() bool { return len(up.framesOf(codec.RouteSend)) == 3 })
	f := up.framesOf(codec.RouteSend)[0]
	if conv, _ := f.Msg.LookupText(codec.TagBody, codec.SendConversation); conv != "conv-1" {
		t.Errorf("conversation = %q", conv)
	}
	if recv, _ := f.Msg.LookupText(codec.TagBody, codec.SendReceiver); recv != "buyer-9" {
		t.Errorf("receiver = %q", recv)
	}
	if f.Headers.UserID != "2200001" {
		t.Errorf("sender = %q", f.Headers.UserID)
	}
	if sent := h.market.sentMessages(); len(sent) != 0 {
		t.Errorf("REST used while live: %v", sent)
	}
}

func TestSession_SendTextFallsBackToREST(t *testing.T) {
	tests := []struct {
		name  string
		state State
	}{
		{"idle", StateIdle},
		{"backoff", StateBackoff},
		// Live per state but the socket is already torn down.
		{"live without socket", StateLive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, nil, false)
			h.s.setState(tt.state)

			if err := h.s.SendText(context.Background(), "conv-1", "buyer-9", "hello"); err != nil {
				t.Fatalf("SendText: %v", err)
			}
			if sent := h.market.sentMessages(); len(sent) != 1 || sent[0] != "conv-1|buyer-9|hello" {
				t.Errorf("REST sends = %v", sent)
			}
		})
	}
}

func TestSession_DrainSendsBeforeSocketCloses(t *testing.T) {
	up := newUpstream(t, nil)
	h := newHarness(t, up, nil, false)
	var (
		stateDuringDrain State
		sendErr          error
	)
	h.inbound.onDrain = func() {
		stateDuringDrain = h.s.State()
		sendErr = h.s.SendText(context.Background(), "conv-1", "buyer-9", "one moment")
	}
	stop, _ := h.start(t)
	h.waitLive(t)

	if err := stop(); err != nil {
		t.Fatalf("Run = %v", err)
	}
	if sendErr != nil {
		t.Fatalf("SendText during drain: %v", sendErr)
	}
	if stateDuringDrain != StateLive {
		t.Errorf("state during drain = %s, want live", stateDuringDrain)
	}
	waitFor(t, "send frame", func() bool { return len(up.framesOf(codec.RouteSend)) == 1 })
	if sent := h.market.sentMessages(); len(sent) != 0 {
		t.Errorf("REST used although the socket was open: %v", sent)
	}
	waitFor(t, "close frame", func() bool { return up.closeCode.Load() == websocket.CloseNormalClosure })
}

func TestSession_HeartbeatTimeoutReconnects(t *testing.T) {
	up := newUpstream(t, func(u *upstream) { u.silentHeartbeat = true })
	h := newHarness(t, up, nil, true)
	h.start(t)

	waitFor(t, "second dial", func() bool { return up.dials.Load() >= 2 })
	if len(up.framesOf(codec.RouteHeartbeat)) == 0 {
		t.Error("no heartbeat frames sent")
	}
	if h.s.Status().Reconnects < 1 {
		t.Errorf("reconnects = %d", h.s.Status().Reconnects)
	}
	if h.notifier.count(notify.KindHeartbeatTimeout) == 0 {
		t.Error("expected heartbeat-timeout notification")
	}
}

func TestSession_HeartbeatAnsweredStaysConnected(t *testing.T) {
	up := newUpstream(t, nil)
	h := newHarness(t, up, nil, true)
	h.start(t)
	h.waitLive(t)

	time.Sleep(600 * time.Millisecond)
	if n := up.dials.Load(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
	if h.notifier.count(notify.KindHeartbeatTimeout) != 0 {
		t.Error("unexpected heartbeat-timeout notification")
	}
}

func TestSession_RegisterTimeout(t *testing.T) {
	up := newUpstream(t, func(u *upstream) { u.noRegAck = true })
	h := newHarness(t, up, nil, false)
	h.start(t)

	waitFor(t, "retry", func() bool { return up.dials.Load() >= 2 })
	if st := h.s.Status(); !strings.Contains(st.LastError, "register ack timeout") {
		t.Errorf("LastError = %q", st.LastError)
	}
	if h.s.State() == StateLive {
		t.Error("session went live without a register ack")
	}
}

func TestSession_RegisterRejectedRefreshesToken(t *testing.T) {
	tests := []struct {
		name       string
		stored     string // token persisted before start
		wantTokens [2]string
	}{
		{"refreshed token", "", [2]string{"tok-1", "tok-2"}},
		{"stored token", "stored", [2]string{"stored", "tok-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := newUpstream(t, func(u *upstream) { u.regCode = 401 })
			h := newHarness(t, up, nil, false)
			if tt.stored != "" {
				if err := h.store.UpdateToken(context.Background(), "acct-1", credential.Token{
					Value: tt.stored, ExpiresAt: time.Now().Add(time.Hour),
				}); err != nil {
					t.Fatalf("UpdateToken: %v", err)
				}
			}
			h.start(t)

			waitFor(t, "second register", func() bool { return len(up.framesOf(codec.RouteRegister)) >= 2 })
			regs := up.framesOf(codec.RouteRegister)
			got := [2]string{regs[0].Headers.Token, regs[1].Headers.Token}
			if got != tt.wantTokens {
				t.Errorf("register tokens = %v, want %v", got, tt.wantTokens)
			}
		})
	}
}

func TestSession_IgnoresForeignRegisterAck(t *testing.T) {
	up := newUpstream(t, func(u *upstream) { u.strayRegAck = true })
	h := newHarness(t, up, nil, false)
	h.start(t)
	h.waitLive(t)

	if n := up.dials.Load(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
	if n := len(up.framesOf(codec.RouteRegister)); n != 1 {
		t.Errorf("register frames = %d, want 1", n)
	}
	if st := h.s.Status(); st.LastError != "" || st.Reconnects != 0 {
		t.Errorf("status = %+v", st)
	}
}

func TestRefreshWait(t *testing.T) {
	h := newHarness(t, nil, nil, false)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.s.now = func() time.Time { return now }
	tok := func(ttl time.Duration) *credential.Token {
		return &credential.Token{Value: "t", ExpiresAt: now.Add(ttl)}
	}

	// Default refresh lead is five minutes.
	tests := []struct {
		name string
		tok  *credential.Token
		want time.Duration
	}{
		{"hour", tok(time.Hour), 55 * time.Minute},
		{"just over lead", tok(5*time.Minute + 30*time.Second), 30 * time.Second},
		{"shorter than lead", tok(2 * time.Minute), time.Minute},
		{"below floor", tok(1500 * time.Millisecond), minRefreshWait},
		{"expired", tok(-time.Minute), minRefreshWait},
		{"no token", nil, minRefreshWait},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := h.s.refreshWait(tt.tok); got != tt.want {
				t.Errorf("refreshWait = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSession_ShortLivedTokenRefreshesOnce(t *testing.T) {
	up := newUpstream(t, nil)
	market := &fakeMarket{ttl: 2 * time.Minute}
	h := newHarness(t, up, market, false)
	stop, _ := h.start(t)
	h.waitLive(t)

	time.Sleep(300 * time.Millisecond)
	if n := market.calls(); n != 1 {
		t.Errorf("refresh calls = %d, want 1", n)
	}
	if err := stop(); err != nil {
		t.Errorf("Run = %v", err)
	}
}

func TestSession_ExpiredRefreshedTokenFails(t *testing.T) {
	up := newUpstream(t, nil)
	market := &fakeMarket{ttl: -time.Minute}
	h := newHarness(t, up, market, false)
	h.start(t)

	waitFor(t, "refresh failure", func() bool {
		return strings.Contains(h.s.Status().LastError, "already expired")
	})
	if h.notifier.count(notify.KindTokenRefreshFailed) == 0 {
		t.Error("expected token-refresh-failed notification")
	}
	if n := up.dials.Load(); n != 0 {
		t.Errorf("dialed %d times without a usable token", n)
	}
}

func TestSession_CookieInvalidIsFatal(t *testing.T) {
	up := newUpstream(t, nil)
	market := &fakeMarket{refreshErrs: []error{fmt.Errorf("refresh: %w", marketplace.ErrCookieInvalid)}}
	h := newHarness(t, up, market, false)
	stop, finished := h.start(t)

	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
	if err := stop(); !errors.Is(err, ErrCookieInvalid) {
		t.Errorf("Run = %v, want ErrCookieInvalid", err)
	}

	stored, err := h.store.Get(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !stored.Invalid {
		t.Error("credential not marked invalid")
	}
	if h.notifier.count(notify.KindManualLogin) != 1 {
		t.Errorf("manual-login events = %d, want 1", h.notifier.count(notify.KindManualLogin))
	}
	if up.dials.Load() != 0 {
		t.Errorf("dialed %d times with invalid cookies", up.dials.Load())
	}
	if h.s.State() != StateStopped {
		t.Errorf("state = %s, want stopped", h.s.State())
	}
	if !h.inbound.drained.Load() || !h.inbound.closed.Load() {
		t.Error("inbound not drained and closed")
	}
}

func TestSession_TokenExpiredIsSilent(t *testing.T) {
	up := newUpstream(t, nil)
	expired := fmt.Errorf("refresh: %w", marketplace.ErrTokenExpired)
	// Both retries of the first connect fail; the next connect succeeds.
	market := &fakeMarket{refreshErrs: []error{expired, expired}}
	h := newHarness(t, up, market, false)
	h.start(t)
	h.waitLive(t)

	if n := h.notifier.count(notify.KindTokenRefreshFailed); n != 0 {
		t.Errorf("token-refresh-failed events = %d, want 0", n)
	}
	if h.s.Status().Reconnects != 1 {
		t.Errorf("reconnects = %d, want 1", h.s.Status().Reconnects)
	}
}

func TestSession_RefreshFailureNotifies(t *testing.T) {
	up := newUpstream(t, nil)
	boom := fmt.Errorf("refresh: %w", marketplace.ErrRequestFailed)
	market := &fakeMarket{refreshErrs: []error{boom, boom}}
	h := newHarness(t, up, market, false)
	h.start(t)
	h.waitLive(t)

	if n := h.notifier.count(notify.KindTokenRefreshFailed); n != 1 {
		t.Errorf("token-refresh-failed events = %d, want 1", n)
	}
	h.notifier.mu.Lock()
	ev := h.notifier.events[0]
	h.notifier.mu.Unlock()
	if ev.CredentialID != "acct-1" || ev.OwnerUserID != "owner-1" {
		t.Errorf("event = %+v", ev)
	}
}

func TestSession_RetryWithinRefresh(t *testing.T) {
	up := newUpstream(t, nil)
	boom := fmt.Errorf("refresh: %w", marketplace.ErrRequestFailed)
	market := &fakeMarket{refreshErrs: []error{boom}}
	h := newHarness(t, up, market, false)
	h.start(t)
	h.waitLive(t)

	if n := market.calls(); n != 2 {
		t.Errorf("refresh calls = %d, want 2", n)
	}
	if h.s.Status().Reconnects != 0 {
		t.Errorf("reconnects = %d, want 0", h.s.Status().Reconnects)
	}
	if h.notifier.count(notify.KindTokenRefreshFailed) != 0 {
		t.Error("notified although the retry succeeded")
	}
}

func TestSession_ShutdownClosesCleanly(t *testing.T) {
	up := newUpstream(t, nil)
	h := newHarness(t, up, nil, false)
	stop, _ := h.start(t)
	h.waitLive(t)

	if err := stop(); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
	if h.s.State() != StateStopped {
		t.Errorf("state = %s", h.s.State())
	}
	if !h.inbound.drained.Load() || !h.inbound.closed.Load() {
		t.Error("inbound not drained and closed")
	}
	waitFor(t, "close frame", func() bool { return up.closeCode.Load() == websocket.CloseNormalClosure })
}

func TestSession_Status(t *testing.T) {
	up := newUpstream(t, nil)
	h := newHarness(t, up, nil, false)

	st := h.s.Status()
	if st.State != StateIdle || st.CredentialID != "acct-1" || st.LastFrameAt != nil {
		t.Errorf("idle status = %+v", st)
	}

	h.start(t)
	h.waitLive(t)
	st = h.s.Status()
	if st.State != StateLive || st.UserID != "2200001" {
		t.Errorf("live status = %+v", st)
	}
	if st.LastFrameAt == nil || st.LastRefreshAt == nil {
		t.Errorf("timestamps missing: %+v", st)
	}
	if st.LastError != "" {
		t.Errorf("LastError = %q", st.LastError)
	}
}

func TestCause(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: idle", ErrHeartbeatTimeout), "heartbeat_timeout"},
		{ErrRegisterTimeout, "register"},
		{fmt.Errorf("%w: code 401", ErrRegisterRejected), "register"},
		{ErrTokenExpired, "token_expired"},
		{ErrTokenRefreshFailed, "token_refresh"},
		{fmt.Errorf("%w: refused", errDial), "dial"},
		{errors.New("session: read: EOF"), "read"},
	}
	for _, tt := range tests {
		if got := cause(tt.err); got != tt.want {
			t.Errorf("cause(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
