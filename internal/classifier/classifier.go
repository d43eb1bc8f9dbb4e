// Package classifier maps a conversation's recent history to one catalogued intention.
//
// Classifications are memoized under a key that embeds the id of the latest
// message, so a new message always produces a fresh lookup and cached entries
// never need explicit invalidation. On a miss the AI provider is raced against
// a short timeout; when the timeout wins, or the AI answer cannot be resolved
// to a real intention, a deterministic keyword heuristic is used instead.
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/convoflow/internal/cache"
	"github.com/nextlevelbuilder/convoflow/internal/providers"
	"github.com/nextlevelbuilder/convoflow/internal/store"
)

// Result sources.
const (
	SourceAI        = "ai"
	SourceHeuristic = "heuristic"
	SourceCache     = "cache"
)

const bootstrapMarker = "init"

// Classification is the outcome for one conversation snapshot.
type Classification struct {
	IntentionID uuid.UUID `json:"intentionId"`
	Code        string    `json:"code"`
	Confidence  float64   `json:"confidence"`
	Source      string    `json:"source,omitempty"`
}

// Config tunes the classifier. Zero values take defaults.
type Config struct {
	HistoryLimit int           // messages fed to the classifier (default 15)
	AITimeout    time.Duration // race budget for the AI call (default 1.5s)
	CacheTTL     time.Duration // memoization TTL (default 5m)
	Model        string        // provider model override
}

func (c Config) withDefaults() Config {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 15
	}
	if c.AITimeout <= 0 {
		c.AITimeout = 1500 * time.Millisecond
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	return c
}

// Deps are the collaborators the classifier reads from.
type Deps struct {
	Conversations store.ConversationStore
	Messages      store.MessageStore
	Intentions    store.IntentionStore
	Cache         cache.Store
	AI            providers.Provider // optional; nil means heuristic only
}

// Classifier is safe for concurrent use.
type Classifier struct {
	deps   Deps
	cfg    Config
	tracer trace.Tracer
}

func New(deps Deps, cfg Config) *Classifier {
	return &Classifier{deps: deps, cfg: cfg.withDefaults(), tracer: otel.Tracer("convoflow/classifier")}
}

// CacheKey is the memoization key for a conversation whose latest message is latestMessageID.
// An empty id means the conversation has no messages yet.
func CacheKey(conversationID uuid.UUID, latestMessageID string) string {
	if latestMessageID == "" {
		latestMessageID = bootstrapMarker
	}
	return fmt.Sprintf("intent:conv:%s:last:%s", conversationID, latestMessageID)
}

// ClassifyConversation returns the best intention for the conversation, or nil
// when the tenant has no intentions configured.
func (c *Classifier) ClassifyConversation(ctx context.Context, conversationID uuid.UUID) (*Classification, error) {
	ctx, span := c.tracer.Start(ctx, "classifier.classify",
		trace.WithAttributes(attribute.String("conversation_id", conversationID.String())))
	defer span.End()

	conv, err := c.deps.Conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	latestID := ""
	latest, err := c.deps.Messages.Latest(ctx, conversationID)
	switch {
	case err == nil:
		latestID = latest.ID.String()
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, fmt.Errorf("load latest message: %w", err)
	}
	key := CacheKey(conversationID, latestID)

	if cached, ok := c.fromCache(ctx, key); ok {
		span.SetAttributes(attribute.String("source", SourceCache))
		return cached, nil
	}

	var (
		history    []store.MessageData
		intentions []store.IntentionData
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		msgs, err := c.deps.Messages.ListByConversation(gctx, conversationID, store.MessageListOpts{
			Limit: c.cfg.HistoryLimit,
			Desc:  true,
		})
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		// newest-first from the store, chronological for the prompt
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
		history = msgs
		return nil
	})
	g.Go(func() error {
		list, err := c.deps.Intentions.List(gctx, conv.CompanyID, "")
		if err != nil {
			return fmt.Errorf("load intentions: %w", err)
		}
		intentions = list
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(intentions) == 0 {
		return nil, nil
	}

	result := c.race(ctx, history, intentions)
	span.SetAttributes(
		attribute.String("source", result.Source),
		attribute.String("intention_code", result.Code),
		attribute.Float64("confidence", result.Confidence),
	)
	c.toCache(ctx, key, result)
	return result, nil
}

type aiOutcome struct {
	res *Classification
	err error
}

// race runs the AI call against the timeout. The losing AI call is not
// cancelled; its result lands in a buffered channel nobody reads.
func (c *Classifier) race(ctx context.Context, history []store.MessageData, intentions []store.IntentionData) *Classification {
	if c.deps.AI == nil {
		return Heuristic(history, intentions)
	}

	done := make(chan aiOutcome, 1)
	aiCtx := context.WithoutCancel(ctx)
	go func() {
		res, err := c.askAI(aiCtx, history, intentions)
		done <- aiOutcome{res, err}
	}()

	timer := time.NewTimer(c.cfg.AITimeout)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			slog.Warn("intent classification via ai failed, using heuristic", "error", out.err)
			return Heuristic(history, intentions)
		}
		return out.res
	case <-timer.C:
		slog.Debug("intent classification timed out, using heuristic", "timeout", c.cfg.AITimeout)
		return Heuristic(history, intentions)
	case <-ctx.Done():
		return Heuristic(history, intentions)
	}
}

func (c *Classifier) fromCache(ctx context.Context, key string) (*Classification, bool) {
	if c.deps.Cache == nil {
		return nil, false
	}
	raw, err := c.deps.Cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			slog.Warn("classification cache read failed", "key", key, "error", err)
		}
		return nil, false
	}
	var res Classification
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, false
	}
	res.Source = SourceCache
	return &res, true
}

func (c *Classifier) toCache(ctx context.Context, key string, res *Classification) {
	if c.deps.Cache == nil {
		return
	}
	data, _ := json.Marshal(res)
	if err := c.deps.Cache.Set(ctx, key, string(data), c.cfg.CacheTTL); err != nil {
		slog.Warn("classification cache write failed", "key", key, "error", err)
	}
}
