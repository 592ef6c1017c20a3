package question

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/aerotrain/internal/domain"
	"github.com/victornm/aerotrain/internal/errors"
)

// Source provides the questions of a catalog.
type Source interface {
	ListQuestions(ctx context.Context, catalogID string) ([]domain.Question, error)
}

type StoreConfig struct {
	DB *pgxpool.Pool
}

// Store reads catalogs from PostgreSQL. Localized columns are JSONB holding either a string or a
// language->text object.
type Store struct {
	db *pgxpool.Pool
}

func NewStore(c StoreConfig) *Store {
	return &Store{db: c.DB}
}

func (s *Store) ListQuestions(ctx context.Context, catalogID string) ([]domain.Question, error) {
	const stmt = `
SELECT question_id,
       topic,
       text,
       options,
       COALESCE(correct_option, -1),
       COALESCE(explanation, 'null'::jsonb),
       COALESCE(image_ref, '')
FROM questions
WHERE catalog_id = $1
ORDER BY position, question_id;`

	rows, err := s.db.Query(ctx, stmt, catalogID)
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}

	qs, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Question, error) {
		var q domain.Question
		err := r.Scan(&q.ID, &q.Topic, &q.Text, &q.Options, &q.CorrectOptionIndex, &q.Explanation, &q.ImageRef)
		return q, err
	})
	if err != nil {
		return nil, fmt.Errorf("collect questions: %w", err)
	}

	if len(qs) == 0 {
		return nil, errors.NotFound("catalog not found: %s", catalogID)
	}

	return qs, nil
}
