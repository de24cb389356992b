package pipeline

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/shopkeep/internal/codec"
	"github.com/zulandar/shopkeep/internal/delivery"
	"github.com/zulandar/shopkeep/internal/marketplace"
	"github.com/zulandar/shopkeep/internal/models"
	"github.com/zulandar/shopkeep/internal/reply"
	"github.com/zulandar/shopkeep/internal/seen"
)

type fakeReplier struct {
	mu    sync.Mutex
	reqs  []reply.Request
	text  func(reply.Request) string
	delay time.Duration
}

func (f *fakeReplier) Resolve(_ context.Context, req reply.Request) (reply.Result, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	text := "auto: " + req.Text
	if f.text != nil {
		text = f.text(req)
	}
	return reply.Result{Text: text, Source: reply.SourceRule}, nil
}

func (f *fakeReplier) requests() []reply.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]reply.Request(nil), f.reqs...)
}

type fakeDeliverer struct {
	mu   sync.Mutex
	reqs []delivery.Request
}

func (f *fakeDeliverer) Deliver(_ context.Context, req delivery.Request) (delivery.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return delivery.Result{Outcome: delivery.OutcomeSent}, nil
}

type sent struct {
	conv, to, text string
}

type fakeOutbound struct {
	mu   sync.Mutex
	msgs []sent
	err  error
}

func (f *fakeOutbound) SendText(_ context.Context, conv, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, sent{conv, to, text})
	return nil
}

func (f *fakeOutbound) sent() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.msgs...)
}

type fakeHistory struct {
	msgs  []marketplace.HistoryMessage
	calls int
}

func (f *fakeHistory) ChatHistory(context.Context, marketplace.Auth, string, int) ([]marketplace.HistoryMessage, error) {
	f.calls++
	return f.msgs, nil
}

type harness struct {
	p     *Pipeline
	cred  *models.Credential
	rep   *fakeReplier
	del   *fakeDeliverer
	out   *fakeOutbound
	store seen.Store
}

func newHarness(t *testing.T, mutate func(*Opts)) *harness {
	t.Helper()
	h := &harness{
		cred:  &models.Credential{ID: "c1", OwnerUserID: "owner", MarketplaceUserID: "seller", AutoReply: true, AutoDelivery: true},
		rep:   &fakeReplier{},
		del:   &fakeDeliverer{},
		out:   &fakeOutbound{},
		store: seen.NewMemoryStore(time.Hour),
	}
	opts := Opts{
		Credential:  func() *models.Credential { return h.cred },
		Outbound:    h.out,
		Replier:     h.rep,
		Deliverer:   h.del,
		Seen:        h.store,
		ManualPause: time.Minute,
	}
	if mutate != nil {
		mutate(&opts)
	}
	p, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(p.Close)
	h.p = p
	return h
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	if !h.p.Drain(2 * time.Second) {
		t.Fatal("pipeline did not drain")
	}
}

func chat(id, conv, sender, text string) codec.ChatMessage {
	return codec.ChatMessage{MessageID: id, ConversationID: conv, SenderUserID: sender, Text: text, Timestamp: time.Now()}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestHandle_DuplicateStormRepliesOnce(t *testing.T) {
	h := newHarness(t, nil)
	m := chat("m1", "conv", "buyer", "hello")

	dups := 0
	for i := 0; i < 10; i++ {
		if err := h.p.Handle(m); errors.Is(err, ErrDuplicateInbound) {
			dups++
		}
	}
	h.drain(t)

	if dups != 9 {
		t.Errorf("duplicates = %d, want 9", dups)
	}
	if got := h.out.sent(); len(got) != 1 || got[0].text != "auto: hello" || got[0].to != "buyer" {
		t.Errorf("sent = %+v", got)
	}
}

func TestHandle_ReplayAfterRestartIsSilent(t *testing.T) {
	h := newHarness(t, nil)
	msgs := []codec.ChatMessage{chat("m1", "a", "buyer", "x"), chat("m2", "b", "buyer", "y")}
	for _, m := range msgs {
		h.p.Handle(m)
	}
	h.drain(t)

	restarted := newHarness(t, func(o *Opts) { o.Seen = h.store })
	for _, m := range msgs {
		if err := restarted.p.Handle(m); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	restarted.drain(t)
	if got := restarted.out.sent(); len(got) != 0 {
		t.Errorf("replayed frames produced %d replies", len(got))
	}
}

func TestHandle_PerConversationOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.rep.delay = 5 * time.Millisecond
	for i := 0; i < 5; i++ {
		h.p.Handle(chat(fmt.Sprintf("a%d", i), "conv-a", "buyer", fmt.Sprint(i)))
		h.p.Handle(chat(fmt.Sprintf("b%d", i), "conv-b", "buyer", fmt.Sprint(i)))
	}
	h.drain(t)

	byConv := map[string][]string{}
	for _, s := range h.out.sent() {
		byConv[s.conv] = append(byConv[s.conv], s.text)
	}
	want := []string{"auto: 0", "auto: 1", "auto: 2", "auto: 3", "auto: 4"}
	for _, conv := range []string{"conv-a", "conv-b"} {
		if !reflect.DeepEqual(byConv[conv], want) {
			t.Errorf("%s order = %v", conv, byConv[conv])
		}
	}
}

func TestHandle_ContextWindow(t *testing.T) {
	h := newHarness(t, func(o *Opts) { o.ContextTurns = 4 })
	for i := 0; i < 3; i++ {
		h.p.Handle(chat(fmt.Sprint(i), "conv", "buyer", fmt.Sprint("q", i)))
	}
	h.drain(t)

	reqs := h.rep.requests()
	last := reqs[len(reqs)-1].Context
	want := []reply.Turn{
		{Role: reply.RoleSeller, Text: "auto: q0"},
		{Role: reply.RoleBuyer, Text: "q1"},
		{Role: reply.RoleSeller, Text: "auto: q1"},
		{Role: reply.RoleBuyer, Text: "q2"},
	}
	if !reflect.DeepEqual(last, want) {
		t.Errorf("context = %+v", last)
	}
}

func TestHandle_OwnEchoIsNotAnswered(t *testing.T) {
	h := newHarness(t, nil)
	h.p.Handle(chat("m1", "conv", "buyer", "hi"))
	h.drain(t)
	h.p.Handle(chat("m2", "conv", "seller", "auto: hi"))
	h.drain(t)

	if len(h.rep.requests()) != 1 {
		t.Errorf("replier calls = %d, want 1", len(h.rep.requests()))
	}
	if h.p.convs.paused("conv") {
		t.Error("our own echo must not pause the conversation")
	}
	if got := h.p.convs.window("conv"); len(got) != 2 {
		t.Errorf("window = %+v, want buyer + seller", got)
	}
}

func TestHandle_OperatorReplyPausesConversation(t *testing.T) {
	h := newHarness(t, nil)
	h.p.Handle(chat("m1", "conv", "seller", "let me check for you"))
	h.p.Handle(chat("m2", "conv", "buyer", "ok?"))
	h.p.Handle(chat("m3", "other", "buyer", "hello"))
	h.drain(t)

	got := h.out.sent()
	if len(got) != 1 || got[0].conv != "other" {
		t.Errorf("sent = %+v, want only the other conversation answered", got)
	}
	win := h.p.convs.window("conv")
	if len(win) != 2 || win[0].Role != reply.RoleSeller {
		t.Errorf("window = %+v", win)
	}
}

func TestHandle_ManualEchoLoggedOnly(t *testing.T) {
	h := newHarness(t, nil)
	m := chat("m1", "conv", "seller", "typed in the app")
	m.Manual = true
	h.p.Handle(m)
	h.drain(t)

	if len(h.p.convs.window("conv")) != 0 || h.p.convs.paused("conv") {
		t.Error("manual echo should not touch the conversation")
	}
}

func TestHandle_AutoReplyDisabledStillTracksContext(t *testing.T) {
	h := newHarness(t, nil)
	h.cred.AutoReply = false
	h.p.Handle(chat("m1", "conv", "buyer", "hi"))
	h.drain(t)

	if len(h.out.sent()) != 0 {
		t.Error("no reply expected")
	}
	if len(h.p.convs.window("conv")) != 1 {
		t.Error("buyer turn should be recorded")
	}
}

func TestHandle_OldMessageNotAnswered(t *testing.T) {
	h := newHarness(t, nil)
	m := chat("m1", "conv", "buyer", "hi")
	m.Timestamp = time.Now().Add(-time.Hour)
	h.p.Handle(m)
	h.drain(t)
	if len(h.out.sent()) != 0 {
		t.Error("stale message should not be answered")
	}
}

func TestHandle_SendFailureStillClaimed(t *testing.T) {
	h := newHarness(t, nil)
	h.out.err = errors.New("closed")
	h.p.Handle(chat("m1", "conv", "buyer", "hi"))
	h.drain(t)

	if !h.p.dedup.responded("m1") {
		t.Error("message should be marked responded before sending")
	}
}

func TestHandle_ItemIDCarriedAcrossMessages(t *testing.T) {
	h := newHarness(t, nil)
	first := chat("m1", "conv", "buyer", "hi")
	first.ItemID = "I1"
	h.p.Handle(first)
	h.p.Handle(chat("m2", "conv", "buyer", "still there?"))
	h.drain(t)

	reqs := h.rep.requests()
	if len(reqs) != 2 || reqs[1].ItemID != "I1" {
		t.Errorf("requests = %+v", reqs)
	}
}

func TestHandle_HistoryBackfill(t *testing.T) {
	hist := &fakeHistory{msgs: []marketplace.HistoryMessage{
		{MessageID: "h1", SenderUserID: "buyer", Text: "earlier question"},
		{MessageID: "h2", SenderUserID: "seller", Text: "earlier answer"},
		{MessageID: "m1", SenderUserID: "buyer", Text: "now"},
	}}
	h := newHarness(t, func(o *Opts) { o.History = hist })
	h.p.Handle(chat("m1", "conv", "buyer", "now"))
	h.p.Handle(chat("m2", "conv", "buyer", "again"))
	h.drain(t)

	if hist.calls != 1 {
		t.Errorf("history calls = %d, want 1", hist.calls)
	}
	ctx := h.rep.requests()[0].Context
	want := []reply.Turn{
		{Role: reply.RoleBuyer, Text: "earlier question"},
		{Role: reply.RoleSeller, Text: "earlier answer"},
		{Role: reply.RoleBuyer, Text: "now"},
	}
	if !reflect.DeepEqual(ctx, want) {
		t.Errorf("context = %+v", ctx)
	}
}

func TestHandle_PaidOrderDelivers(t *testing.T) {
	h := newHarness(t, nil)
	h.p.Handle(codec.OrderStateChange{MessageID: "o1", OrderID: "O1", ConversationID: "conv", ItemID: "I1", State: codec.OrderPaid})
	h.p.Handle(codec.OrderStateChange{MessageID: "o1", OrderID: "O1", ConversationID: "conv", ItemID: "I1", State: codec.OrderPaid})
	h.p.Handle(codec.OrderStateChange{MessageID: "o2", OrderID: "O1", ConversationID: "conv", State: codec.OrderShipped})
	h.drain(t)

	if len(h.del.reqs) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(h.del.reqs))
	}
	req := h.del.reqs[0]
	if req.Order.OrderID != "O1" || req.Sender != delivery.Sender(h.p) {
		t.Errorf("request = %+v", req)
	}
}

func TestHandle_AutoDeliveryDisabled(t *testing.T) {
	h := newHarness(t, nil)
	h.cred.AutoDelivery = false
	h.p.Handle(codec.OrderStateChange{OrderID: "O1", State: codec.OrderPaid})
	h.drain(t)
	if len(h.del.reqs) != 0 {
		t.Error("delivery should be skipped")
	}
}

func TestHandle_NonDispatchedKinds(t *testing.T) {
	h := newHarness(t, nil)
	for _, in := range []codec.Inbound{codec.SystemNotice{Text: "x"}, codec.TypingIndicator{}, codec.HeartbeatAck{}} {
		if err := h.p.Handle(in); err != nil {
			t.Errorf("Handle(%T) = %v", in, err)
		}
	}
	if h.p.Pending() != 0 {
		t.Error("nothing should be queued")
	}
}

func TestDrain_Timeout(t *testing.T) {
	h := newHarness(t, nil)
	h.rep.delay = 200 * time.Millisecond
	h.p.Handle(chat("m1", "conv", "buyer", "slow"))
	if h.p.Drain(10 * time.Millisecond) {
		t.Error("Drain should time out while work is running")
	}
	h.drain(t)
}

func TestDedup_Eviction(t *testing.T) {
	d := newDedup(2)
	d.add("a")
	d.add("b")
	d.add("c")
	if d.len() != 2 {
		t.Errorf("len = %d", d.len())
	}
	if d.add("a") {
		t.Error("a should have been evicted")
	}
}
