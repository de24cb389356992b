package pipeline

import (
	"context"

	"github.com/zulandar/shopkeep/internal/codec"
	"github.com/zulandar/shopkeep/internal/delivery"
	"github.com/zulandar/shopkeep/internal/metrics"
	"github.com/zulandar/shopkeep/internal/reply"
	"go.uber.org/zap"
)

// handleChat runs on the conversation's worker.
func (p *Pipeline) handleChat(ctx context.Context, m codec.ChatMessage) {
	cred := p.credential()
	log := p.log.With(zap.String("credential", cred.ID), zap.String("conversation", m.ConversationID), zap.String("message", m.MessageID))

	if cred.MarketplaceUserID != "" && m.SenderUserID == cred.MarketplaceUserID {
		p.handleEcho(m, log)
		return
	}

	itemID := p.convs.item(m.ConversationID, m.ItemID)
	p.backfill(ctx, m, log)
	p.convs.append(m.ConversationID, reply.RoleBuyer, m.Text)

	switch {
	case !cred.AutoReply:
		log.Debug("auto-reply disabled")
		return
	case p.convs.paused(m.ConversationID):
		log.Info("auto-reply paused after manual takeover")
		return
	case !m.Timestamp.IsZero() && p.now().Sub(m.Timestamp) > p.maxAge:
		log.Info("message too old to answer", zap.Time("sent", m.Timestamp))
		return
	}

	if m.MessageID != "" {
		if p.dedup.responded(m.MessageID) {
			return
		}
		if p.seen != nil {
			claimed, err := p.seen.Claim(ctx, cred.ID, m.MessageID)
			if err != nil {
				log.Warn("seen store claim failed", zap.Error(err))
			} else if !claimed {
				log.Debug("message answered before restart")
				p.dedup.markResponded(m.MessageID)
				return
			}
		}
	}

	res, err := p.replier.Resolve(ctx, reply.Request{
		Credential:     cred,
		Auth:           p.auth,
		ConversationID: m.ConversationID,
		ItemID:         itemID,
		BuyerUserID:    m.SenderUserID,
		Text:           m.Text,
		Context:        p.convs.window(m.ConversationID),
	})
	if err != nil {
		log.Warn("resolve reply", zap.Error(err))
		return
	}
	if res.Text == "" {
		log.Debug("no reply resolved")
		return
	}

	if m.MessageID != "" {
		p.dedup.markResponded(m.MessageID)
	}
	if err := p.SendText(ctx, m.ConversationID, m.SenderUserID, res.Text); err != nil {
		log.Warn("send reply", zap.String("source", string(res.Source)), zap.Error(err))
		return
	}
	metrics.RepliesSent.WithLabelValues(string(res.Source)).Inc()
	log.Info("replied", zap.String("source", string(res.Source)), zap.Uint("rule", res.RuleID))
}

// handleEcho processes a message sent from our own account.
func (p *Pipeline) handleEcho(m codec.ChatMessage, log *zap.Logger) {
	if m.Manual {
		log.Info("operator message injected", zap.String("text", m.Text))
		return
	}
	if p.convs.matchSent(m.ConversationID, m.Text) {
		return
	}
	// Sent from another client of the same account.
	p.convs.append(m.ConversationID, reply.RoleSeller, m.Text)
	if p.manualPause > 0 {
		p.convs.pause(m.ConversationID, p.manualPause)
		log.Info("operator replied elsewhere, pausing auto-reply", zap.Duration("for", p.manualPause))
	}
}

// backfill seeds an empty context window once from the chat history.
func (p *Pipeline) backfill(ctx context.Context, m codec.ChatMessage, log *zap.Logger) {
	if p.history == nil || !p.convs.needsBackfill(m.ConversationID) {
		return
	}
	msgs, err := p.history.ChatHistory(ctx, p.auth, m.ConversationID, p.convs.turns)
	if err != nil {
		log.Debug("history backfill failed", zap.Error(err))
		return
	}
	own := p.credential().MarketplaceUserID
	for _, h := range msgs {
		if h.MessageID != "" && h.MessageID == m.MessageID {
			continue
		}
		role := reply.RoleBuyer
		if h.SenderUserID == own {
			role = reply.RoleSeller
		}
		p.convs.append(m.ConversationID, role, h.Text)
	}
}

// handleOrder runs on the conversation's worker.
func (p *Pipeline) handleOrder(ctx context.Context, o codec.OrderStateChange) {
	cred := p.credential()
	log := p.log.With(zap.String("credential", cred.ID), zap.String("order", o.OrderID), zap.String("state", string(o.State)))

	if o.ConversationID != "" {
		o.ItemID = p.convs.item(o.ConversationID, o.ItemID)
	}
	if o.State != codec.OrderPaid {
		log.Info("order state changed")
		return
	}
	if !cred.AutoDelivery {
		log.Info("order paid, auto-delivery disabled")
		return
	}

	res, err := p.deliverer.Deliver(ctx, delivery.Request{
		Credential: cred,
		Auth:       p.auth,
		Order:      o,
		Sender:     p,
	})
	if err != nil {
		log.Warn("delivery failed", zap.String("outcome", string(res.Outcome)), zap.Error(err))
		return
	}
	log.Info("delivery processed", zap.String("outcome", string(res.Outcome)), zap.Uint("record", res.RecordID))
}
