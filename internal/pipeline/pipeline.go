// Package pipeline consumes a session's decoded inbound frames: it drops
// redeliveries, tracks conversation context and dispatches chat messages to
// the reply engine and paid orders to the delivery engine, in receipt order
// per conversation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zulandar/shopkeep/internal/codec"
	"github.com/zulandar/shopkeep/internal/delivery"
	"github.com/zulandar/shopkeep/internal/marketplace"
	"github.com/zulandar/shopkeep/internal/metrics"
	"github.com/zulandar/shopkeep/internal/models"
	"github.com/zulandar/shopkeep/internal/reply"
	"github.com/zulandar/shopkeep/internal/seen"
	"go.uber.org/zap"
)

// ErrDuplicateInbound is returned by Handle for a redelivered message.
var ErrDuplicateInbound = errors.New("pipeline: duplicate inbound")

// Defaults.
const (
	DefaultMaxAge = 5 * time.Minute
)

// Replier resolves replies. *reply.Engine implements it.
type Replier interface {
	Resolve(ctx context.Context, req reply.Request) (reply.Result, error)
}

// Deliverer fulfils paid orders. *delivery.Engine implements it.
type Deliverer interface {
	Deliver(ctx context.Context, req delivery.Request) (delivery.Result, error)
}

// HistorySource backfills conversation context. *marketplace.Client
// implements it.
type HistorySource interface {
	ChatHistory(ctx context.Context, auth marketplace.Auth, conversationID string, limit int) ([]marketplace.HistoryMessage, error)
}

// Pipeline is the inbound pipeline of one session.
type Pipeline struct {
	credential  func() *models.Credential
	auth        marketplace.Auth
	out         delivery.Sender
	replier     Replier
	deliverer   Deliverer
	history     HistorySource
	seen        seen.Store
	maxAge      time.Duration
	manualPause time.Duration
	log         *zap.Logger
	now         func() time.Time

	dedup *dedup
	convs *conversations

	// Work runs on ctx so a session stop lets in-flight jobs finish until
	// Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[string]*queue
}

type queue struct {
	jobs    []func(context.Context)
	running bool
}

// Opts holds parameters for creating a Pipeline.
type Opts struct {
	// Credential returns the current credential snapshot.
	Credential    func() *models.Credential
	Auth          marketplace.Auth
	Outbound      delivery.Sender
	Replier       Replier
	Deliverer     Deliverer
	History       HistorySource // optional
	Seen          seen.Store    // optional persistent claims
	DedupCapacity int
	ContextTurns  int
	MaxAge        time.Duration
	ManualPause   time.Duration // 0 disables pausing on operator takeover
	Logger        *zap.Logger
}

// New creates a Pipeline.
func New(opts Opts) (*Pipeline, error) {
	if opts.Credential == nil {
		return nil, fmt.Errorf("pipeline: credential source is required")
	}
	if opts.Outbound == nil {
		return nil, fmt.Errorf("pipeline: outbound sender is required")
	}
	if opts.Replier == nil || opts.Deliverer == nil {
		return nil, fmt.Errorf("pipeline: replier and deliverer are required")
	}
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		credential:  opts.Credential,
		auth:        opts.Auth,
		out:         opts.Outbound,
		replier:     opts.Replier,
		deliverer:   opts.Deliverer,
		history:     opts.History,
		seen:        opts.Seen,
		maxAge:      maxAge,
		manualPause: opts.ManualPause,
		log:         log.Named("pipeline"),
		now:         time.Now,
		dedup:       newDedup(opts.DedupCapacity),
		ctx:         ctx,
		cancel:      cancel,
		queues:      make(map[string]*queue),
	}
	p.convs = newConversations(opts.ContextTurns, func() time.Time { return p.now() })
	return p, nil
}

// Handle accepts one decoded inbound frame. Chat and order frames are
// queued behind earlier frames of the same conversation; everything else
// is logged and dropped.
func (p *Pipeline) Handle(in codec.Inbound) error {
	switch m := in.(type) {
	case codec.ChatMessage:
		if m.MessageID != "" && p.dedup.add(m.MessageID) {
			metrics.FramesDropped.WithLabelValues("duplicate").Inc()
			return ErrDuplicateInbound
		}
		p.enqueue(m.ConversationID, func(ctx context.Context) { p.handleChat(ctx, m) })
	case codec.OrderStateChange:
		if m.MessageID != "" && p.dedup.add(m.MessageID) {
			metrics.FramesDropped.WithLabelValues("duplicate").Inc()
			return ErrDuplicateInbound
		}
		key := m.ConversationID
		if key == "" {
			key = "order:" + m.OrderID
		}
		p.enqueue(key, func(ctx context.Context) { p.handleOrder(ctx, m) })
	case codec.SystemNotice:
		p.log.Info("system notice", zap.String("text", m.Text))
	case codec.TypingIndicator:
		p.log.Debug("typing", zap.String("conversation", m.ConversationID), zap.String("user", m.UserID))
	default:
		p.log.Debug("ignoring inbound", zap.String("kind", string(in.Kind())))
	}
	return nil
}

// enqueue appends job to the serial queue for key, starting its worker.
func (p *Pipeline) enqueue(key string, job func(context.Context)) {
	p.mu.Lock()
	q, ok := p.queues[key]
	if !ok {
		q = &queue{}
		p.queues[key] = q
	}
	q.jobs = append(q.jobs, job)
	p.wg.Add(1)
	start := !q.running
	q.running = true
	p.mu.Unlock()

	if start {
		go p.work(key, q)
	}
}

func (p *Pipeline) work(key string, q *queue) {
	for {
		p.mu.Lock()
		if len(q.jobs) == 0 {
			q.running = false
			delete(p.queues, key)
			p.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		p.mu.Unlock()

		p.run(key, job)
	}
}

func (p *Pipeline) run(key string, job func(context.Context)) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("inbound handler panicked", zap.String("conversation", key), zap.Any("panic", r))
		}
	}()
	job(p.ctx)
}

// Drain waits up to timeout for queued work and reports whether it all
// completed.
func (p *Pipeline) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Close cancels in-flight work.
func (p *Pipeline) Close() {
	p.cancel()
}

// SendText sends through the session, appends the text to the context
// window as the seller and remembers it so the echo of our own message is
// recognized. Delivery uses it as its Sender.
func (p *Pipeline) SendText(ctx context.Context, conversationID, receiverUserID, text string) error {
	if err := p.out.SendText(ctx, conversationID, receiverUserID, text); err != nil {
		return err
	}
	p.convs.append(conversationID, reply.RoleSeller, text)
	p.convs.recordSent(conversationID, text)
	return nil
}

// Pending returns the number of queued or running jobs.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, q := range p.queues {
		n += len(q.jobs)
		if q.running {
			n++
		}
	}
	return n
}
