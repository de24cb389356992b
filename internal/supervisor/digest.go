package supervisor

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/shopkeep/internal/delivery"
	"github.com/zulandar/shopkeep/internal/notify"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultDigestCron fires the digest daily at 09:00 local time.
const DefaultDigestCron = "0 9 * * *"

const digestPeriod = 24 * time.Hour

// cronParser accepts standard 5-field expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Notifier receives digest events.
type Notifier interface {
	Notify(ev notify.Event)
}

// Digest sends each owner a summary of the last day's deliveries.
type Digest struct {
	db       *gorm.DB
	notifier Notifier
	schedule cron.Schedule
	log      *zap.Logger
	now      func() time.Time
}

// DigestOpts holds parameters for creating a Digest.
type DigestOpts struct {
	DB       *gorm.DB
	Notifier Notifier
	Cron     string // defaults to DefaultDigestCron
	Logger   *zap.Logger
}

// NewDigest creates a Digest.
func NewDigest(opts DigestOpts) (*Digest, error) {
	if opts.DB == nil || opts.Notifier == nil {
		return nil, fmt.Errorf("supervisor: digest: db and notifier are required")
	}
	expr := opts.Cron
	if expr == "" {
		expr = DefaultDigestCron
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("supervisor: digest: parse cron %q: %w", expr, err)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Digest{
		db:       opts.DB,
		notifier: opts.Notifier,
		schedule: sched,
		log:      log.Named("digest"),
		now:      time.Now,
	}, nil
}

// Next returns the first fire time after t.
func (d *Digest) Next(t time.Time) time.Time { return d.schedule.Next(t) }

// Run fires the digest on schedule until ctx is cancelled.
func (d *Digest) Run(ctx context.Context) {
	for {
		wait := d.Next(d.now()).Sub(d.now())
		if wait < 0 {
			wait = 0
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if n, err := d.Fire(ctx); err != nil {
			d.log.Warn("daily digest", zap.Error(err))
		} else {
			d.log.Info("daily digest sent", zap.Int("owners", n))
		}
	}
}

// Fire builds and enqueues one digest per owner with activity in the last
// day. Owners without deliveries are skipped.
func (d *Digest) Fire(ctx context.Context) (int, error) {
	now := d.now()
	stats, err := delivery.Stats(ctx, d.db, now.Add(-digestPeriod))
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, st := range stats {
		if st.Sent == 0 && st.Failed == 0 {
			continue
		}
		d.notifier.Notify(notify.Event{
			Kind:        notify.KindDailyDigest,
			OwnerUserID: st.OwnerUserID,
			Title:       "Daily delivery digest",
			Message:     fmt.Sprintf("%d delivered, %d failed in the last 24h.", st.Sent, st.Failed),
			Fields: map[string]string{
				"sent":   strconv.FormatInt(st.Sent, 10),
				"failed": strconv.FormatInt(st.Failed, 10),
			},
			Timestamp: now,
		})
		sent++
	}
	return sent, nil
}
