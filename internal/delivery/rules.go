package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/shopkeep/internal/marketplace"
	"github.com/zulandar/shopkeep/internal/models"
	"go.uber.org/zap"
)

// orderFacts lazily loads the item title and SKU spec of an order.
type orderFacts struct {
	e   *Engine
	req Request

	title     string
	titleDone bool
	spec      string
	specDone  bool
}

func (f *orderFacts) itemTitle(ctx context.Context) string {
	if f.titleDone {
		return f.title
	}
	f.titleDone = true
	f.title = f.req.Order.ItemTitle
	if f.title != "" || f.req.Order.ItemID == "" || f.e.market == nil {
		return f.title
	}
	item, err := f.e.items.Get(ctx, f.req.Order.ItemID, func(ctx context.Context, id string) (*marketplace.Item, error) {
		return f.e.market.ItemDetail(ctx, f.req.Auth, id)
	})
	if err == nil {
		f.title = item.Title
	}
	return f.title
}

func (f *orderFacts) skuSpec(ctx context.Context) string {
	if f.specDone {
		return f.spec
	}
	f.specDone = true
	if f.e.market == nil {
		return ""
	}
	order, err := f.e.market.OrderDetail(ctx, f.req.Auth, f.req.Order.OrderID)
	if err != nil {
		f.e.log.Debug("order detail unavailable", zap.String("order", f.req.Order.OrderID), zap.Error(err))
		return ""
	}
	if f.title == "" && order.ItemTitle != "" {
		f.title, f.titleDone = order.ItemTitle, true
	}
	f.spec = order.Spec
	return f.spec
}

// match returns the first enabled rule, by descending priority, whose
// matcher accepts the order and whose card is usable.
func (e *Engine) match(ctx context.Context, req Request, log *zap.Logger) (*models.DeliveryRule, *models.Card, error) {
	var rules []models.DeliveryRule
	err := e.db.WithContext(ctx).
		Where("credential_id = ? AND enabled = ?", req.Credential.ID, true).
		Order("priority DESC, id ASC").
		Find(&rules).Error
	if err != nil {
		return nil, nil, fmt.Errorf("delivery: load rules for %s: %w", req.Credential.ID, err)
	}

	facts := &orderFacts{e: e, req: req}
	for i := range rules {
		r := &rules[i]
		var ok bool
		switch r.MatchType {
		case models.MatchItemIDExact:
			ok = r.MatchExpr != "" && strings.TrimSpace(r.MatchExpr) == req.Order.ItemID
		case models.MatchItemTitleContains:
			ok = containsAny(facts.itemTitle(ctx), r.MatchExpr)
		case models.MatchSpecKeyword:
			ok = containsAny(facts.skuSpec(ctx), r.MatchExpr)
		default:
			log.Warn("unknown delivery rule type", zap.Uint("rule", r.ID), zap.String("type", r.MatchType))
		}
		if !ok {
			continue
		}

		var c models.Card
		if err := e.db.WithContext(ctx).First(&c, r.CardID).Error; err != nil {
			log.Warn("delivery rule card missing", zap.Uint("rule", r.ID), zap.Uint("card", r.CardID), zap.Error(err))
			continue
		}
		if !c.Enabled {
			log.Info("delivery rule card disabled", zap.Uint("rule", r.ID), zap.Uint("card", c.ID))
			continue
		}
		return r, &c, nil
	}
	return nil, nil, nil
}

// reservation holds a cap slot on a rule while one delivery is in
// progress. A nil reservation belongs to a rule without caps.
type reservation struct {
	e     *Engine
	rule  uint
	buyer string
	held  bool
}

// reserve checks r's caps and holds a slot for buyer. Held slots count
// against the caps, so concurrent orders on one rule cannot overshoot them.
func (e *Engine) reserve(ctx context.Context, r *models.DeliveryRule, buyer string) (*reservation, string, error) {
	if r.DailyCap <= 0 && r.TotalCap <= 0 && r.PerBuyerCap <= 0 {
		return nil, "", nil
	}
	e.capMu.Lock()
	defer e.capMu.Unlock()
	capped, err := e.capped(ctx, r, buyer, e.inflight[r.ID])
	if err != nil || capped != "" {
		return nil, capped, err
	}
	e.inflight[r.ID] = append(e.inflight[r.ID], buyer)
	return &reservation{e: e, rule: r.ID, buyer: buyer, held: true}, "", nil
}

// settle runs record, which marks the delivery sent, and gives the slot
// back under the same lock so the two are never counted together.
func (s *reservation) settle(record func() error) error {
	if s == nil || !s.held {
		return record()
	}
	s.e.capMu.Lock()
	defer s.e.capMu.Unlock()
	err := record()
	s.drop()
	return err
}

// release gives the slot back without a sent record.
func (s *reservation) release() {
	if s == nil || !s.held {
		return
	}
	s.e.capMu.Lock()
	defer s.e.capMu.Unlock()
	s.drop()
}

// drop removes the slot. Callers hold capMu.
func (s *reservation) drop() {
	slots := s.e.inflight[s.rule]
	for i, b := range slots {
		if b == s.buyer {
			slots = append(slots[:i], slots[i+1:]...)
			break
		}
	}
	if len(slots) == 0 {
		delete(s.e.inflight, s.rule)
	} else {
		s.e.inflight[s.rule] = slots
	}
	s.held = false
}

// capped returns the name of the first cap r has reached, or "".
// The daily cap counts sent records over a rolling 24 hours; pending
// lists the buyers of deliveries still in progress on r.
func (e *Engine) capped(ctx context.Context, r *models.DeliveryRule, buyer string, pending []string) (string, error) {
	count := func(where string, args ...interface{}) (int64, error) {
		var n int64
		q := e.db.WithContext(ctx).Model(&models.DeliveryRecord{}).
			Where("rule_id = ? AND status = ?", r.ID, models.DeliverySent)
		if where != "" {
			q = q.Where(where, args...)
		}
		err := q.Count(&n).Error
		return n, err
	}

	sameBuyer := 0
	for _, b := range pending {
		if b == buyer {
			sameBuyer++
		}
	}

	checks := []struct {
		name    string
		limit   int
		pending int
		where   string
		args    []interface{}
	}{
		{"daily", r.DailyCap, len(pending), "created_at >= ?", []interface{}{e.now().Add(-24 * time.Hour)}},
		{"total", r.TotalCap, len(pending), "", nil},
		{"per_buyer", r.PerBuyerCap, sameBuyer, "buyer_user_id = ?", []interface{}{buyer}},
	}
	for _, c := range checks {
		if c.limit <= 0 {
			continue
		}
		n, err := count(c.where, c.args...)
		if err != nil {
			return "", fmt.Errorf("delivery: count %s cap for rule %d: %w", c.name, r.ID, err)
		}
		n += int64(c.pending)
		if n >= int64(c.limit) {
			return c.name, nil
		}
	}
	return "", nil
}
