package credential

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zulandar/shopkeep/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultPollInterval is how often the credentials table is re-read.
const DefaultPollInterval = 10 * time.Second

// EventType identifies a credential change.
type EventType string

const (
	EventCreated  EventType = "created"
	EventEnabled  EventType = "enabled"
	EventDisabled EventType = "disabled"
	EventDeleted  EventType = "deleted"
	EventUpdated  EventType = "updated"
)

// Event is one detected credential change. Credential is nil for deletions.
type Event struct {
	Type         EventType
	CredentialID string
	Credential   *models.Credential
	Timestamp    time.Time
}

type snapshot struct {
	enabled  bool
	invalid  bool
	revision int64
}

// Watcher polls the credentials table and reports admin changes by diffing
// against the previous poll.
type Watcher struct {
	db           *gorm.DB
	pollInterval time.Duration
	log          *zap.Logger

	mu     sync.Mutex
	snap   map[string]snapshot
	seeded bool
}

// WatcherOpts holds parameters for creating a Watcher.
type WatcherOpts struct {
	DB           *gorm.DB
	PollInterval time.Duration // defaults to DefaultPollInterval
	Logger       *zap.Logger
}

// NewWatcher creates a Watcher.
func NewWatcher(opts WatcherOpts) (*Watcher, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("credential: watcher: db is required")
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		db:           opts.DB,
		pollInterval: poll,
		log:          log,
		snap:         make(map[string]snapshot),
	}, nil
}

// Seed records a baseline so the first Poll only reports changes made after
// it. Without Seed the first Poll establishes the baseline silently.
func (w *Watcher) Seed(creds []models.Credential) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, c := range creds {
		w.snap[c.ID] = snapshot{enabled: c.Enabled, invalid: c.Invalid, revision: c.Revision}
	}
	w.seeded = true
}

// Poll runs one detection cycle.
func (w *Watcher) Poll(ctx context.Context) ([]Event, error) {
	var creds []models.Credential
	if err := w.db.WithContext(ctx).Order("id").Find(&creds).Error; err != nil {
		return nil, fmt.Errorf("credential: watcher: poll: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	var events []Event
	current := make(map[string]bool, len(creds))

	for i := range creds {
		c := &creds[i]
		current[c.ID] = true
		next := snapshot{enabled: c.Enabled, invalid: c.Invalid, revision: c.Revision}
		old, exists := w.snap[c.ID]
		w.snap[c.ID] = next
		if !w.seeded {
			continue
		}

		var typ EventType
		switch {
		case !exists:
			typ = EventCreated
		case old.enabled != next.enabled && next.enabled:
			typ = EventEnabled
		case old.enabled != next.enabled:
			typ = EventDisabled
		case old.revision != next.revision:
			typ = EventUpdated
		default:
			// Session-owned writes (token, invalid flag) are not admin changes.
			continue
		}
		events = append(events, Event{Type: typ, CredentialID: c.ID, Credential: c, Timestamp: now})
	}

	for id := range w.snap {
		if current[id] {
			continue
		}
		delete(w.snap, id)
		if w.seeded {
			events = append(events, Event{Type: EventDeleted, CredentialID: id, Timestamp: now})
		}
	}

	w.seeded = true
	return events, nil
}

// Run polls on the configured interval and sends events to the returned
// channel, which is closed when ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) <-chan Event {
	ch := make(chan Event, 64)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(w.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				events, err := w.Poll(ctx)
				if err != nil {
					w.log.Warn("credential poll failed", zap.Error(err))
					continue
				}
				for _, e := range events {
					select {
					case ch <- e:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return ch
}
