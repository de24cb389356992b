// Package reply resolves the text answer to a buyer's chat message:
// keyword rules first, then the AI provider, then the credential's default.
package reply

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/shopkeep/internal/card"
	"github.com/zulandar/shopkeep/internal/itemcache"
	"github.com/zulandar/shopkeep/internal/llm"
	"github.com/zulandar/shopkeep/internal/marketplace"
	"github.com/zulandar/shopkeep/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Source records which stage produced a reply.
type Source string

const (
	SourceRule    Source = "rule"
	SourceAI      Source = "ai"
	SourceDefault Source = "default"
)

// Role tags a conversation turn.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// Turn is one line of a conversation's context window.
type Turn struct {
	Role Role
	Text string
}

// DefaultAITimeout bounds one AI completion.
const DefaultAITimeout = 30 * time.Second

// ItemSource loads listing details. *marketplace.Client implements it.
type ItemSource interface {
	ItemDetail(ctx context.Context, auth marketplace.Auth, itemID string) (*marketplace.Item, error)
}

// Request is one inbound chat message to answer.
type Request struct {
	Credential     *models.Credential
	Auth           marketplace.Auth
	ConversationID string
	ItemID         string
	BuyerUserID    string
	Text           string
	// Context is the conversation window, oldest first, ending with Text.
	Context []Turn
}

// Result is the resolved reply. An empty Text means no reply is sent.
type Result struct {
	Text   string
	Source Source
	RuleID uint
}

// Engine resolves replies.
type Engine struct {
	db           *gorm.DB
	ai           llm.Client
	items        ItemSource
	cache        *itemcache.Cache
	cards        *card.Fetcher
	aiTimeout    time.Duration
	systemPrompt string
	model        string
	maxTokens    int
	log          *zap.Logger

	regexMu sync.Mutex
	regexes map[string]*regexp.Regexp
}

// Opts holds parameters for creating an Engine.
type Opts struct {
	DB           *gorm.DB
	AI           llm.Client // nil disables the AI stage
	Items        ItemSource
	ItemCache    *itemcache.Cache
	Cards        *card.Fetcher
	AITimeout    time.Duration
	SystemPrompt string
	Model        string
	MaxTokens    int
	Logger       *zap.Logger
}

// New creates an Engine.
func New(opts Opts) (*Engine, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("reply: db is required")
	}
	e := &Engine{
		db:           opts.DB,
		ai:           opts.AI,
		items:        opts.Items,
		cache:        opts.ItemCache,
		cards:        opts.Cards,
		aiTimeout:    opts.AITimeout,
		systemPrompt: opts.SystemPrompt,
		model:        opts.Model,
		maxTokens:    opts.MaxTokens,
		log:          opts.Logger,
		regexes:      make(map[string]*regexp.Regexp),
	}
	if e.cache == nil {
		e.cache = itemcache.New(itemcache.DefaultTTL)
	}
	if e.cards == nil {
		e.cards = card.NewFetcher(nil, 0)
	}
	if e.aiTimeout <= 0 {
		e.aiTimeout = DefaultAITimeout
	}
	if e.systemPrompt == "" {
		e.systemPrompt = DefaultSystemPrompt
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	e.log = e.log.Named("reply")
	return e, nil
}

// Resolve returns the reply for req. Rule and AI failures fall through to
// the next stage; only rule loading errors are returned.
func (e *Engine) Resolve(ctx context.Context, req Request) (Result, error) {
	if req.Credential == nil {
		return Result{}, fmt.Errorf("reply: credential is required")
	}
	log := e.log.With(zap.String("credential", req.Credential.ID), zap.String("conversation", req.ConversationID))

	res, ok, err := e.matchRules(ctx, req, log)
	if err != nil {
		return Result{}, err
	}
	if ok {
		return res, nil
	}

	if req.Credential.AIReply && e.ai != nil {
		text, err := e.complete(ctx, req)
		if err == nil {
			return Result{Text: text, Source: SourceAI}, nil
		}
		log.Warn("ai reply failed, falling back", zap.Error(err))
	}

	if text := strings.TrimSpace(req.Credential.DefaultReply); text != "" {
		return Result{Text: text, Source: SourceDefault}, nil
	}
	return Result{}, nil
}

// matchRules evaluates the credential's enabled rules by descending priority.
func (e *Engine) matchRules(ctx context.Context, req Request, log *zap.Logger) (Result, bool, error) {
	var rules []models.ReplyRule
	err := e.db.WithContext(ctx).
		Where("credential_id = ? AND enabled = ?", req.Credential.ID, true).
		Order("priority DESC, id ASC").
		Find(&rules).Error
	if err != nil {
		return Result{}, false, fmt.Errorf("reply: load rules for %s: %w", req.Credential.ID, err)
	}

	for i := range rules {
		r := &rules[i]
		if !e.matches(r, req, log) {
			continue
		}
		text, err := e.ruleText(ctx, r)
		if err != nil {
			log.Warn("rule card failed", zap.Uint("rule", r.ID), zap.Error(err))
			text = r.ReplyText
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		return Result{Text: text, Source: SourceRule, RuleID: r.ID}, true, nil
	}
	return Result{}, false, nil
}

func (e *Engine) matches(r *models.ReplyRule, req Request, log *zap.Logger) bool {
	if r.ItemID != "" && r.ItemID != req.ItemID {
		return false
	}
	switch r.MatchType {
	case models.MatchExact:
		return req.Text == r.MatchExpr
	case models.MatchContains:
		return r.MatchExpr != "" && strings.Contains(req.Text, r.MatchExpr)
	case models.MatchRegex:
		re, err := e.regex(r.MatchExpr)
		if err != nil {
			log.Warn("invalid rule regex", zap.Uint("rule", r.ID), zap.Error(err))
			return false
		}
		return re.MatchString(req.Text)
	case models.MatchItemKeyword:
		if r.ItemID == "" {
			return false
		}
		return containsAny(req.Text, r.MatchExpr)
	default:
		return false
	}
}

// containsAny reports whether text contains one of the "|" or ","
// separated keywords. An empty list matches everything.
func containsAny(text, keywords string) bool {
	parts := strings.FieldsFunc(keywords, func(r rune) bool { return r == '|' || r == ',' })
	if len(parts) == 0 {
		return true
	}
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" && strings.Contains(text, p) {
			return true
		}
	}
	return false
}

func (e *Engine) regex(expr string) (*regexp.Regexp, error) {
	e.regexMu.Lock()
	defer e.regexMu.Unlock()
	if re, ok := e.regexes[expr]; ok {
		return re, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	e.regexes[expr] = re
	return re, nil
}

// ruleText returns the rule's reply, rendering its card when it has one.
func (e *Engine) ruleText(ctx context.Context, r *models.ReplyRule) (string, error) {
	if r.CardID == nil {
		return r.ReplyText, nil
	}
	var c models.Card
	if err := e.db.WithContext(ctx).First(&c, *r.CardID).Error; err != nil {
		return "", fmt.Errorf("reply: load card %d: %w", *r.CardID, err)
	}
	if !c.Enabled {
		return "", fmt.Errorf("reply: card %d is disabled", c.ID)
	}
	return e.cards.Render(ctx, &c)
}
