package progress

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/aerotrain/internal/domain"
	"github.com/victornm/aerotrain/internal/errors"
)

const (
	defaultRedisTTL = 30 * 24 * time.Hour

	fieldSessionID     = "sessionId"
	fieldUserID        = "userId"
	fieldCatalogID     = "catalogId"
	fieldMode          = "mode"
	fieldCurrentIndex  = "currentQuestionIndex"
	fieldTimeRemaining = "timeRemaining"
	fieldTotal         = "totalQuestions"
	fieldCompleted     = "completed"
	fieldStartedAt     = "startedAt"
	fieldLastUpdated   = "lastUpdated"
	fieldBookmarks     = "bookmarkedQuestionIds"
	fieldAnswerPrefix  = "answer:"
)

// clearLatest deletes KEYS[1] only while it still holds ARGV[1].
var clearLatest = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisConfig struct {
	Redis  redis.UniversalClient
	Prefix string
	TTL    time.Duration
}

// Redis stores one hash per session. Every answer is its own field, so HSET merges answers
// the way a document store merges sub-keys.
type Redis struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedis(c RedisConfig) *Redis {
	if c.TTL <= 0 {
		c.TTL = defaultRedisTTL
	}

	return &Redis{
		redis:  c.Redis,
		prefix: c.Prefix,
		ttl:    c.TTL,
	}
}

func (r *Redis) Get(ctx context.Context, key Key) (*domain.Record, error) {
	fields, err := r.redis.HGetAll(ctx, r.sessionKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall: %w", err)
	}

	if len(fields) == 0 {
		return nil, errors.NotFound("progress not found: user=%s session=%s", key.UserID, key.SessionID)
	}

	return decodeHash(fields)
}

func (r *Redis) Merge(ctx context.Context, key Key, rec domain.Record) error {
	bookmarks, err := json.Marshal(rec.BookmarkedQuestionIDs)
	if err != nil {
		return fmt.Errorf("marshal bookmarks: %w", err)
	}

	fields := map[string]any{
		fieldSessionID:     rec.SessionID,
		fieldUserID:        rec.UserID,
		fieldCatalogID:     rec.CatalogID,
		fieldMode:          string(rec.Mode),
		fieldCurrentIndex:  rec.CurrentQuestionIndex,
		fieldTimeRemaining: rec.TimeRemaining,
		fieldTotal:         rec.TotalQuestions,
		fieldStartedAt:     rec.StartedAt.Format(time.RFC3339Nano),
		fieldLastUpdated:   rec.LastUpdated.Format(time.RFC3339Nano),
		fieldBookmarks:     string(bookmarks),
	}
	if rec.Completed {
		fields[fieldCompleted] = "1"
	}
	for id, o := range rec.AnswersMap {
		fields[fieldAnswerPrefix+id] = o
	}

	sk, lk := r.sessionKey(key), r.latestKey(rec.UserID, rec.CatalogID)

	_, err = r.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, sk, fields)
		// completed is never reset once set
		p.HSetNX(ctx, sk, fieldCompleted, "0")
		p.Expire(ctx, sk, r.ttl)

		if !rec.Completed {
			p.Set(ctx, lk, rec.SessionID, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("merge progress: %w", err)
	}

	if rec.Completed {
		// Only this session's pointer is cleared; a session started meanwhile keeps its own.
		if err := clearLatest.Run(ctx, r.redis, []string{lk}, rec.SessionID).Err(); err != nil {
			return fmt.Errorf("clear latest: %w", err)
		}
	}

	return nil
}

func (r *Redis) Latest(ctx context.Context, userID, catalogID string) (string, error) {
	id, err := r.redis.Get(ctx, r.latestKey(userID, catalogID)).Result()
	if stderrors.Is(err, redis.Nil) {
		return "", errors.NotFound("no unfinished session: user=%s catalog=%s", userID, catalogID)
	}
	if err != nil {
		return "", fmt.Errorf("get latest: %w", err)
	}

	return id, nil
}

func (r *Redis) sessionKey(key Key) string {
	return fmt.Sprintf("%s:progress:%s:%s", r.prefix, key.UserID, key.SessionID)
}

func (r *Redis) latestKey(userID, catalogID string) string {
	return fmt.Sprintf("%s:progress:%s:latest:%s", r.prefix, userID, catalogID)
}

func decodeHash(fields map[string]string) (*domain.Record, error) {
	rec := &domain.Record{
		SessionID:  fields[fieldSessionID],
		UserID:     fields[fieldUserID],
		CatalogID:  fields[fieldCatalogID],
		Mode:       domain.Mode(fields[fieldMode]),
		AnswersMap: make(map[string]int),
		Completed:  fields[fieldCompleted] == "1",
	}

	ints := []struct {
		field string
		dst   *int
	}{
		{fieldCurrentIndex, &rec.CurrentQuestionIndex},
		{fieldTimeRemaining, &rec.TimeRemaining},
		{fieldTotal, &rec.TotalQuestions},
	}
	for _, i := range ints {
		v, ok := fields[i.field]
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", i.field, err)
		}
		*i.dst = n
	}

	times := []struct {
		field string
		dst   *time.Time
	}{
		{fieldStartedAt, &rec.StartedAt},
		{fieldLastUpdated, &rec.LastUpdated},
	}
	for _, t := range times {
		v, ok := fields[t.field]
		if !ok {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", t.field, err)
		}
		*t.dst = ts
	}

	if v, ok := fields[fieldBookmarks]; ok {
		if err := json.Unmarshal([]byte(v), &rec.BookmarkedQuestionIDs); err != nil {
			return nil, fmt.Errorf("parse %s: %w", fieldBookmarks, err)
		}
	}

	for f, v := range fields {
		id, ok := strings.CutPrefix(f, fieldAnswerPrefix)
		if !ok {
			continue
		}
		o, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse answer %s: %w", id, err)
		}
		rec.AnswersMap[id] = o
	}

	return rec, nil
}
