package question

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/aerotrain/internal/domain"
)

const defaultCacheTTL = 10 * time.Minute

type CacheConfig struct {
	Source Source
	Redis  redis.UniversalClient
	Prefix string
	TTL    time.Duration
}

// Cache keeps catalogs in Redis in front of a slower Source.
// Redis failures are logged and never fail the read.
type Cache struct {
	source Source
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewCache(c CacheConfig) *Cache {
	if c.TTL <= 0 {
		c.TTL = defaultCacheTTL
	}

	return &Cache{
		source: c.Source,
		redis:  c.Redis,
		prefix: c.Prefix,
		ttl:    c.TTL,
	}
}

// cachedQuestion spells out the correct index so a zero value is not mistaken for option 0.
type cachedQuestion struct {
	domain.Question
	CorrectOptionIndex *int `json:"correctOptionIndex"`
}

func (cq cachedQuestion) question() domain.Question {
	q := cq.Question
	q.CorrectOptionIndex = domain.NoCorrectOption
	if cq.CorrectOptionIndex != nil {
		q.CorrectOptionIndex = *cq.CorrectOptionIndex
	}
	return q
}

func (c *Cache) ListQuestions(ctx context.Context, catalogID string) ([]domain.Question, error) {
	qs, err := c.get(ctx, catalogID)
	if err == nil {
		return qs, nil
	}

	if !stderrors.Is(err, redis.Nil) {
		slog.WarnContext(ctx, "question: read catalog cache failed", "catalog", catalogID, "error", err)
	}

	qs, err = c.source.ListQuestions(ctx, catalogID)
	if err != nil {
		return nil, err
	}

	if err := c.set(ctx, catalogID, qs); err != nil {
		slog.WarnContext(ctx, "question: write catalog cache failed", "catalog", catalogID, "error", err)
	}

	return qs, nil
}

// Invalidate drops a cached catalog, e.g. after the catalog was edited.
func (c *Cache) Invalidate(ctx context.Context, catalogID string) error {
	return c.redis.Del(ctx, c.key(catalogID)).Err()
}

func (c *Cache) get(ctx context.Context, catalogID string) ([]domain.Question, error) {
	b, err := c.redis.Get(ctx, c.key(catalogID)).Bytes()
	if err != nil {
		return nil, err
	}

	var cached []cachedQuestion
	if err := json.Unmarshal(b, &cached); err != nil {
		return nil, fmt.Errorf("unmarshal catalog: %w", err)
	}

	qs := make([]domain.Question, 0, len(cached))
	for _, cq := range cached {
		qs = append(qs, cq.question())
	}

	return qs, nil
}

func (c *Cache) set(ctx context.Context, catalogID string, qs []domain.Question) error {
	cached := make([]cachedQuestion, 0, len(qs))
	for _, q := range qs {
		cq := cachedQuestion{Question: q}
		if q.CorrectOptionIndex != domain.NoCorrectOption {
			idx := q.CorrectOptionIndex
			cq.CorrectOptionIndex = &idx
		}
		cached = append(cached, cq)
	}

	b, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("marshal catalog: %w", err)
	}

	return c.redis.Set(ctx, c.key(catalogID), b, c.ttl).Err()
}

func (c *Cache) key(catalogID string) string {
	return fmt.Sprintf("%s:catalog:%s", c.prefix, catalogID)
}
