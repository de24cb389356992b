// Package notify fans operational events out to the notification channels
// configured by each credential's owner.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/zulandar/shopkeep/internal/metrics"
	"github.com/zulandar/shopkeep/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Kind identifies an operational event.
type Kind string

const (
	KindTokenRefreshFailed Kind = "token-refresh-failed"
	KindManualLogin        Kind = "manual-login-required"
	KindOutOfStock         Kind = "delivery-out-of-stock"
	KindExternalFailure    Kind = "delivery-external-failure"
	KindHeartbeatTimeout   Kind = "heartbeat-timeout"
	KindDailyDigest        Kind = "daily-digest"
)

// Defaults.
const (
	DefaultRateWindow = time.Minute
	DefaultQueueSize  = 256
	sendTimeout       = 10 * time.Second
)

// Event is one notification. It is serialized once and the same bytes are
// handed to every sender.
type Event struct {
	Kind         Kind              `json:"kind"`
	CredentialID string            `json:"credential_id,omitempty"`
	OwnerUserID  string            `json:"owner_user_id"`
	Title        string            `json:"title"`
	Message      string            `json:"message"`
	Fields       map[string]string `json:"fields,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// Sender delivers a serialized event to one channel.
type Sender interface {
	Send(ctx context.Context, ch models.NotificationChannel, ev Event, payload []byte) error
}

// Notifier is the fan-out queue.
type Notifier struct {
	db      *gorm.DB
	senders map[string]Sender
	window  time.Duration
	log     *zap.Logger
	now     func() time.Time

	queue chan Event

	mu       sync.Mutex
	lastSent map[string]time.Time // "<channel-id>/<kind>" -> last send
}

// Opts holds parameters for creating a Notifier.
type Opts struct {
	DB         *gorm.DB
	Senders    map[string]Sender // channel kind -> sender; defaults to DefaultSenders()
	RateWindow time.Duration
	QueueSize  int
	Logger     *zap.Logger
}

// New creates a Notifier.
func New(opts Opts) (*Notifier, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("notify: db is required")
	}
	senders := opts.Senders
	if senders == nil {
		senders = DefaultSenders(opts.Logger)
	}
	window := opts.RateWindow
	if window <= 0 {
		window = DefaultRateWindow
	}
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{
		db:       opts.DB,
		senders:  senders,
		window:   window,
		log:      log.Named("notify"),
		now:      time.Now,
		queue:    make(chan Event, size),
		lastSent: make(map[string]time.Time),
	}, nil
}

// Notify enqueues ev without blocking. A full queue drops the event.
func (n *Notifier) Notify(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = n.now()
	}
	select {
	case n.queue <- ev:
	default:
		metrics.Notifications.WithLabelValues(string(ev.Kind), "dropped").Inc()
		n.log.Warn("notification queue full, dropping event",
			zap.String("kind", string(ev.Kind)), zap.String("credential", ev.CredentialID))
	}
}

// Run drains the queue until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-n.queue:
			n.Dispatch(ctx, ev)
		}
	}
}

// Dispatch sends ev to every enabled channel of its owner, honoring the
// per-channel per-kind rate limit. Failures are logged and dropped. It
// returns the number of channels that accepted the event.
func (n *Notifier) Dispatch(ctx context.Context, ev Event) int {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = n.now()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		n.log.Error("marshal event", zap.Error(err))
		return 0
	}

	var channels []models.NotificationChannel
	err = n.db.WithContext(ctx).
		Where("owner_user_id = ? AND enabled = ?", ev.OwnerUserID, true).
		Order("id").
		Find(&channels).Error
	if err != nil {
		n.log.Warn("load notification channels", zap.String("owner", ev.OwnerUserID), zap.Error(err))
		return 0
	}

	delivered := 0
	for _, ch := range channels {
		log := n.log.With(zap.Uint("channel", ch.ID), zap.String("channel_kind", ch.Kind), zap.String("kind", string(ev.Kind)))
		sender, ok := n.senders[ch.Kind]
		if !ok {
			log.Warn("no sender for channel kind")
			continue
		}
		if !n.allow(ch.ID, ev.Kind) {
			metrics.Notifications.WithLabelValues(string(ev.Kind), "rate_limited").Inc()
			log.Debug("notification rate limited")
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := sender.Send(sctx, ch, ev, payload)
		cancel()
		if err != nil {
			metrics.Notifications.WithLabelValues(string(ev.Kind), "error").Inc()
			log.Warn("notification send failed", zap.Error(err))
			continue
		}
		metrics.Notifications.WithLabelValues(string(ev.Kind), "ok").Inc()
		delivered++
	}
	return delivered
}

// allow reports whether (channel, kind) may send now and records the send.
func (n *Notifier) allow(channelID uint, kind Kind) bool {
	key := fmt.Sprintf("%d/%s", channelID, kind)
	now := n.now()
	n.mu.Lock()
	defer n.mu.Unlock()
	if last, ok := n.lastSent[key]; ok && now.Sub(last) < n.window {
		return false
	}
	n.lastSent[key] = now
	return true
}

// DefaultSenders returns a sender for every supported channel kind.
func DefaultSenders(log *zap.Logger) map[string]Sender {
	return map[string]Sender{
		models.ChannelWebhook: NewWebhookSender(nil),
		models.ChannelSlack:   &SlackSender{},
		models.ChannelDiscord: NewDiscordSender(nil),
		models.ChannelNATS:    NewNATSSender(log),
	}
}

// Close releases sender resources such as shared NATS connections.
func (n *Notifier) Close() {
	for _, s := range n.senders {
		if c, ok := s.(interface{ Close() }); ok {
			c.Close()
		}
	}
}
