// Package delivery dispatches post-payment deliverables with at-most-once
// semantics per order.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/shopkeep/internal/card"
	"github.com/zulandar/shopkeep/internal/codec"
	"github.com/zulandar/shopkeep/internal/itemcache"
	"github.com/zulandar/shopkeep/internal/marketplace"
	"github.com/zulandar/shopkeep/internal/metrics"
	"github.com/zulandar/shopkeep/internal/models"
	"github.com/zulandar/shopkeep/internal/notify"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Sentinel errors. ErrOutOfStock and ErrExternalFailure alias the card
// package errors of the same name.
var (
	ErrOutOfStock      = card.ErrOutOfStock
	ErrExternalFailure = card.ErrExternalFailure
	ErrTransportFailed = errors.New("delivery: transport failed")
	ErrNoConversation  = errors.New("delivery: order has no conversation")
	ErrNotPaid         = errors.New("delivery: order is not paid")
)

// DefaultRetryDelay is the wait before the single dispatch retry.
const DefaultRetryDelay = 5 * time.Second

// Outcome summarizes a Deliver call.
type Outcome string

const (
	OutcomeSent            Outcome = "sent"
	OutcomeDuplicate       Outcome = "duplicate"
	OutcomeNoRule          Outcome = "no_rule"
	OutcomeCapped          Outcome = "capped"
	OutcomeOutOfStock      Outcome = "out_of_stock"
	OutcomeExternalFailure Outcome = "external_failure"
	OutcomeFailed          Outcome = "failed"
)

// Sender sends a chat text to a buyer. The session implements it.
type Sender interface {
	SendText(ctx context.Context, conversationID, receiverUserID, text string) error
}

// Marketplace loads order and item details. *marketplace.Client implements it.
type Marketplace interface {
	OrderDetail(ctx context.Context, auth marketplace.Auth, orderID string) (*marketplace.Order, error)
	ItemDetail(ctx context.Context, auth marketplace.Auth, itemID string) (*marketplace.Item, error)
}

// Notifier receives operator notifications.
type Notifier interface {
	Notify(ev notify.Event)
}

// Request is one paid order to fulfil.
type Request struct {
	Credential *models.Credential
	Auth       marketplace.Auth
	Order      codec.OrderStateChange
	Sender     Sender
}

// Result reports what happened to a request.
type Result struct {
	Outcome  Outcome
	RuleID   uint
	CardID   uint
	RecordID uint
	Body     string
}

// Engine resolves and dispatches deliverables. One Engine serves every
// session so order and card locks are process-wide.
type Engine struct {
	db         *gorm.DB
	inventory  *card.Inventory
	cards      *card.Fetcher
	market     Marketplace
	items      *itemcache.Cache
	notifier   Notifier
	retryDelay time.Duration
	log        *zap.Logger
	now        func() time.Time

	mu     sync.Mutex
	orders map[string]*orderLock

	capMu    sync.Mutex
	inflight map[uint][]string // capped rule id -> buyers of deliveries in progress
}

type orderLock struct {
	mu   sync.Mutex
	refs int
}

// Opts holds parameters for creating an Engine.
type Opts struct {
	DB          *gorm.DB
	Inventory   *card.Inventory
	Cards       *card.Fetcher
	Marketplace Marketplace
	ItemCache   *itemcache.Cache
	Notifier    Notifier
	RetryDelay  time.Duration
	Logger      *zap.Logger
}

// New creates an Engine.
func New(opts Opts) (*Engine, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("delivery: db is required")
	}
	e := &Engine{
		db:         opts.DB,
		inventory:  opts.Inventory,
		cards:      opts.Cards,
		market:     opts.Marketplace,
		items:      opts.ItemCache,
		notifier:   opts.Notifier,
		retryDelay: opts.RetryDelay,
		log:        opts.Logger,
		now:        time.Now,
		orders:     make(map[string]*orderLock),
		inflight:   make(map[uint][]string),
	}
	if e.inventory == nil {
		e.inventory = card.NewInventory(opts.DB)
	}
	if e.cards == nil {
		e.cards = card.NewFetcher(nil, 0)
	}
	if e.items == nil {
		e.items = itemcache.New(itemcache.DefaultTTL)
	}
	if e.retryDelay <= 0 {
		e.retryDelay = DefaultRetryDelay
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	e.log = e.log.Named("delivery")
	return e, nil
}

// lockOrder serializes work on one order id.
func (e *Engine) lockOrder(orderID string) func() {
	e.mu.Lock()
	l, ok := e.orders[orderID]
	if !ok {
		l = &orderLock{}
		e.orders[orderID] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.orders, orderID)
		}
		e.mu.Unlock()
	}
}

// Deliver fulfils a paid order. Non-error outcomes are duplicate, no rule
// and capped; every other failure is returned as an error wrapping one of
// the sentinels.
func (e *Engine) Deliver(ctx context.Context, req Request) (Result, error) {
	res, err := e.deliver(ctx, req)
	metrics.Deliveries.WithLabelValues(string(res.Outcome)).Inc()
	return res, err
}

func (e *Engine) deliver(ctx context.Context, req Request) (Result, error) {
	o := req.Order
	if req.Credential == nil || req.Sender == nil {
		return Result{Outcome: OutcomeFailed}, fmt.Errorf("delivery: credential and sender are required")
	}
	if o.State != codec.OrderPaid {
		return Result{Outcome: OutcomeFailed}, fmt.Errorf("%w: order %s is %s", ErrNotPaid, o.OrderID, o.State)
	}
	if o.OrderID == "" {
		return Result{Outcome: OutcomeFailed}, fmt.Errorf("delivery: order id is required")
	}
	log := e.log.With(zap.String("credential", req.Credential.ID), zap.String("order", o.OrderID))

	unlock := e.lockOrder(o.OrderID)
	defer unlock()

	sent, err := e.alreadySent(ctx, o.OrderID)
	if err != nil {
		return Result{Outcome: OutcomeFailed}, err
	}
	if sent {
		log.Debug("order already delivered")
		return Result{Outcome: OutcomeDuplicate}, nil
	}

	rule, c, err := e.match(ctx, req, log)
	if err != nil {
		return Result{Outcome: OutcomeFailed}, err
	}
	if rule == nil {
		log.Info("no delivery rule matched", zap.String("item", o.ItemID))
		return Result{Outcome: OutcomeNoRule}, nil
	}
	res := Result{RuleID: rule.ID, CardID: c.ID}

	slot, capped, err := e.reserve(ctx, rule, o.BuyerUserID)
	if err != nil {
		res.Outcome = OutcomeFailed
		return res, err
	}
	if capped != "" {
		log.Info("delivery cap reached", zap.Uint("rule", rule.ID), zap.String("cap", capped))
		res.Outcome = OutcomeCapped
		return res, nil
	}
	defer slot.release()

	if o.ConversationID == "" {
		res.Outcome = OutcomeFailed
		return res, ErrNoConversation
	}

	body, err := e.materialize(ctx, c)
	if err != nil {
		switch {
		case errors.Is(err, ErrOutOfStock):
			res.Outcome = OutcomeOutOfStock
			e.notify(req, notify.KindOutOfStock, "Card out of stock",
				fmt.Sprintf("Card %q has no codes left; order %s was not delivered.", c.Name, o.OrderID),
				map[string]string{"order": o.OrderID, "card": fmt.Sprint(c.ID)})
		case errors.Is(err, ErrExternalFailure):
			res.Outcome = OutcomeExternalFailure
			e.notify(req, notify.KindExternalFailure, "Card API failed",
				fmt.Sprintf("Card %q API fetch failed for order %s: %v", c.Name, o.OrderID, err),
				map[string]string{"order": o.OrderID, "card": fmt.Sprint(c.ID)})
		default:
			res.Outcome = OutcomeFailed
		}
		log.Warn("materialize deliverable failed", zap.Uint("card", c.ID), zap.Error(err))
		return res, err
	}
	res.Body = body

	return e.dispatch(ctx, req, c, slot, res, log)
}

func (e *Engine) alreadySent(ctx context.Context, orderID string) (bool, error) {
	var n int64
	err := e.db.WithContext(ctx).Model(&models.DeliveryRecord{}).
		Where("order_id = ? AND status = ?", orderID, models.DeliverySent).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("delivery: check order %s: %w", orderID, err)
	}
	return n > 0, nil
}

// materialize produces the deliverable body for c.
func (e *Engine) materialize(ctx context.Context, c *models.Card) (string, error) {
	if c.Kind == models.CardKindInventory {
		return e.inventory.Draw(ctx, c.ID)
	}
	return e.cards.Render(ctx, c)
}

// dispatch sends the body, records the outcome and retries once. A code
// drawn from inventory goes back to the head of the list when both tries
// fail. Writing the sent status settles the cap slot.
func (e *Engine) dispatch(ctx context.Context, req Request, c *models.Card, slot *reservation, res Result, log *zap.Logger) (Result, error) {
	o := req.Order
	rec := models.DeliveryRecord{
		CredentialID: req.Credential.ID,
		OwnerUserID:  req.Credential.OwnerUserID,
		OrderID:      o.OrderID,
		BuyerUserID:  o.BuyerUserID,
		ItemID:       o.ItemID,
		RuleID:       res.RuleID,
		CardID:       c.ID,
		Body:         res.Body,
		Attempts:     1,
	}

	sendErr := req.Sender.SendText(ctx, o.ConversationID, o.BuyerUserID, res.Body)
	if sendErr == nil {
		rec.Status = models.DeliverySent
		err := slot.settle(func() error { return e.db.WithContext(ctx).Create(&rec).Error })
		if err != nil {
			log.Error("delivered but record failed", zap.Error(err))
			res.Outcome = OutcomeSent
			return res, fmt.Errorf("delivery: record order %s: %w", o.OrderID, err)
		}
		res.Outcome, res.RecordID = OutcomeSent, rec.ID
		log.Info("order delivered", zap.Uint("rule", res.RuleID), zap.Uint("card", c.ID))
		return res, nil
	}

	rec.Status = models.DeliveryFailed
	rec.Error = sendErr.Error()
	if err := e.db.WithContext(ctx).Create(&rec).Error; err != nil {
		log.Error("record failed delivery", zap.Error(err))
	}
	res.RecordID = rec.ID
	log.Warn("delivery send failed, retrying", zap.Duration("delay", e.retryDelay), zap.Error(sendErr))

	select {
	case <-ctx.Done():
		sendErr = ctx.Err()
	case <-time.After(e.retryDelay):
		sendErr = req.Sender.SendText(ctx, o.ConversationID, o.BuyerUserID, res.Body)
	}

	update := map[string]interface{}{"attempts": 2}
	if sendErr == nil {
		update["status"] = models.DeliverySent
		update["error"] = ""
	} else {
		update["error"] = sendErr.Error()
	}
	if rec.ID != 0 {
		write := func() error {
			return e.db.WithContext(context.WithoutCancel(ctx)).Model(&models.DeliveryRecord{}).
				Where("id = ?", rec.ID).Updates(update).Error
		}
		var err error
		if sendErr == nil {
			err = slot.settle(write)
		} else {
			err = write()
		}
		if err != nil {
			log.Error("update delivery record", zap.Error(err))
		}
	}

	if sendErr == nil {
		res.Outcome = OutcomeSent
		log.Info("order delivered on retry", zap.Uint("rule", res.RuleID), zap.Uint("card", c.ID))
		return res, nil
	}

	res.Outcome = OutcomeFailed
	if c.Kind == models.CardKindInventory {
		if err := e.inventory.Return(context.WithoutCancel(ctx), c.ID, res.Body); err != nil {
			log.Error("return code to inventory", zap.Uint("card", c.ID), zap.Error(err))
		}
	}
	e.notify(req, notify.KindExternalFailure, "Delivery failed",
		fmt.Sprintf("Order %s could not be delivered after 2 attempts: %v", o.OrderID, sendErr),
		map[string]string{"order": o.OrderID, "buyer": o.BuyerUserID})
	return res, fmt.Errorf("%w: order %s: %v", ErrTransportFailed, o.OrderID, sendErr)
}

func (e *Engine) notify(req Request, kind notify.Kind, title, msg string, fields map[string]string) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(notify.Event{
		Kind:         kind,
		CredentialID: req.Credential.ID,
		OwnerUserID:  req.Credential.OwnerUserID,
		Title:        title,
		Message:      msg,
		Fields:       fields,
		Timestamp:    e.now(),
	})
}

// containsAny reports whether text contains one of the "|" or ","
// separated keywords.
func containsAny(text, keywords string) bool {
	if text == "" {
		return false
	}
	for _, k := range strings.FieldsFunc(keywords, func(r rune) bool { return r == '|' || r == ',' }) {
		if k = strings.TrimSpace(k); k != "" && strings.Contains(text, k) {
			return true
		}
	}
	return false
}
