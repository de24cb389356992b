package pipeline

import (
	"sync"
	"time"

	"github.com/zulandar/shopkeep/internal/reply"
)

// DefaultContextTurns bounds each conversation's context window.
const DefaultContextTurns = 20

const (
	maxConversations = 1000
	echoWindow       = 2 * time.Minute
)

type sentText struct {
	text string
	at   time.Time
}

// conversation is the per-conversation state owned by one session.
type conversation struct {
	turns       []reply.Turn
	itemID      string
	backfilled  bool
	pausedUntil time.Time
	sent        []sentText
	lastUsed    time.Time
}

// conversations holds context windows, the conversation to item cache,
// manual-takeover pauses and our recent sends for echo matching.
type conversations struct {
	mu    sync.Mutex
	turns int
	now   func() time.Time
	byID  map[string]*conversation
}

func newConversations(turns int, now func() time.Time) *conversations {
	if turns <= 0 {
		turns = DefaultContextTurns
	}
	return &conversations{turns: turns, now: now, byID: make(map[string]*conversation)}
}

// get returns the conversation, creating it. Callers hold c.mu.
func (c *conversations) get(id string) *conversation {
	conv, ok := c.byID[id]
	if !ok {
		if len(c.byID) >= maxConversations {
			c.evictOldest()
		}
		conv = &conversation{}
		c.byID[id] = conv
	}
	conv.lastUsed = c.now()
	return conv
}

func (c *conversations) evictOldest() {
	var oldestID string
	var oldest time.Time
	for id, conv := range c.byID {
		if oldestID == "" || conv.lastUsed.Before(oldest) {
			oldestID, oldest = id, conv.lastUsed
		}
	}
	delete(c.byID, oldestID)
}

// append adds a turn, keeping only the newest c.turns.
func (c *conversations) append(id string, role reply.Role, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv := c.get(id)
	conv.turns = append(conv.turns, reply.Turn{Role: role, Text: text})
	if over := len(conv.turns) - c.turns; over > 0 {
		conv.turns = append([]reply.Turn(nil), conv.turns[over:]...)
	}
}

// window returns a copy of the context window, oldest first.
func (c *conversations) window(id string) []reply.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.byID[id]
	if !ok {
		return nil
	}
	return append([]reply.Turn(nil), conv.turns...)
}

// needsBackfill reports, once per conversation, whether its window is empty.
func (c *conversations) needsBackfill(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv := c.get(id)
	if conv.backfilled {
		return false
	}
	conv.backfilled = true
	return len(conv.turns) == 0
}

// item records itemID for the conversation when set and returns the
// conversation's known item id.
func (c *conversations) item(id, itemID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv := c.get(id)
	if itemID != "" {
		conv.itemID = itemID
	}
	return conv.itemID
}

func (c *conversations) pause(id string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.get(id).pausedUntil = c.now().Add(d)
}

func (c *conversations) paused(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.byID[id]
	return ok && c.now().Before(conv.pausedUntil)
}

// recordSent remembers a text we sent so its echo can be recognized.
func (c *conversations) recordSent(id, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv := c.get(id)
	now := c.now()
	kept := conv.sent[:0]
	for _, s := range conv.sent {
		if now.Sub(s.at) < echoWindow {
			kept = append(kept, s)
		}
	}
	conv.sent = append(kept, sentText{text: text, at: now})
}

// matchSent consumes a recent send equal to text and reports whether one
// was found.
func (c *conversations) matchSent(id, text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.byID[id]
	if !ok {
		return false
	}
	now := c.now()
	for i, s := range conv.sent {
		if s.text == text && now.Sub(s.at) < echoWindow {
			conv.sent = append(conv.sent[:i], conv.sent[i+1:]...)
			return true
		}
	}
	return false
}
