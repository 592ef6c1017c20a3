package progress

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/aerotrain/internal/domain"
	"github.com/victornm/aerotrain/internal/errors"
)

type PostgresConfig struct {
	DB *pgxpool.Pool
}

// Postgres keeps one row per session; answers are a JSONB object merged with ||.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(c PostgresConfig) *Postgres {
	return &Postgres{db: c.DB}
}

func (p *Postgres) Get(ctx context.Context, key Key) (*domain.Record, error) {
	const stmt = `
SELECT session_id, user_id, catalog_id, mode, answers, bookmarked_question_ids,
       current_question_index, time_remaining, total_questions, completed, started_at, last_updated
FROM progress
WHERE user_id = $1 AND session_id = $2;`

	var (
		rec       domain.Record
		mode      string
		answers   []byte
		bookmarks []byte
	)
	err := p.db.QueryRow(ctx, stmt, key.UserID, key.SessionID).Scan(
		&rec.SessionID, &rec.UserID, &rec.CatalogID, &mode, &answers, &bookmarks,
		&rec.CurrentQuestionIndex, &rec.TimeRemaining, &rec.TotalQuestions, &rec.Completed, &rec.StartedAt, &rec.LastUpdated,
	)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("progress not found: user=%s session=%s", key.UserID, key.SessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("select progress: %w", err)
	}

	rec.Mode = domain.Mode(mode)
	if err := json.Unmarshal(answers, &rec.AnswersMap); err != nil {
		return nil, fmt.Errorf("unmarshal answers: %w", err)
	}
	if err := json.Unmarshal(bookmarks, &rec.BookmarkedQuestionIDs); err != nil {
		return nil, fmt.Errorf("unmarshal bookmarks: %w", err)
	}

	return &rec, nil
}

func (p *Postgres) Merge(ctx context.Context, key Key, rec domain.Record) error {
	const stmt = `
INSERT INTO progress (user_id, session_id, catalog_id, mode, answers, bookmarked_question_ids,
                      current_question_index, time_remaining, total_questions, completed, started_at, last_updated)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (user_id, session_id) DO UPDATE SET
    answers                 = progress.answers || EXCLUDED.answers,
    bookmarked_question_ids = EXCLUDED.bookmarked_question_ids,
    current_question_index  = EXCLUDED.current_question_index,
    time_remaining          = EXCLUDED.time_remaining,
    total_questions         = EXCLUDED.total_questions,
    completed               = progress.completed OR EXCLUDED.completed,
    last_updated            = EXCLUDED.last_updated;`

	answers, err := json.Marshal(rec.AnswersMap)
	if err != nil {
		return fmt.Errorf("marshal answers: %w", err)
	}

	bookmarks, err := json.Marshal(rec.BookmarkedQuestionIDs)
	if err != nil {
		return fmt.Errorf("marshal bookmarks: %w", err)
	}

	_, err = p.db.Exec(ctx, stmt,
		key.UserID, key.SessionID, rec.CatalogID, string(rec.Mode), answers, bookmarks,
		rec.CurrentQuestionIndex, rec.TimeRemaining, rec.TotalQuestions, rec.Completed, rec.StartedAt, rec.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("upsert progress: %w", err)
	}

	return nil
}

func (p *Postgres) Latest(ctx context.Context, userID, catalogID string) (string, error) {
	const stmt = `
SELECT session_id
FROM progress
WHERE user_id = $1 AND catalog_id = $2 AND NOT completed
ORDER BY last_updated DESC
LIMIT 1;`

	var id string
	err := p.db.QueryRow(ctx, stmt, userID, catalogID).Scan(&id)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return "", errors.NotFound("no unfinished session: user=%s catalog=%s", userID, catalogID)
	}
	if err != nil {
		return "", fmt.Errorf("select latest progress: %w", err)
	}

	return id, nil
}
