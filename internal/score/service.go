package score

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/aerotrain/internal/domain"
	"github.com/victornm/aerotrain/internal/errors"
	"github.com/victornm/aerotrain/internal/event"
)

type Config struct {
	EventBus *event.Bus
	DB       *pgxpool.Pool
}

// Service keeps the results of finished sessions.
type Service struct {
	eb *event.Bus
	db *pgxpool.Pool
}

func NewService(c Config) *Service {
	s := &Service{
		eb: c.EventBus,
		db: c.DB,
	}

	s.eb.Subscribe(domain.EventNameSessionCompleted, func(ctx context.Context, e event.Event) error {
		return s.SaveResults(ctx, e.(domain.EventSessionCompleted).Results)
	})

	return s
}

// SaveResults stores results once per session. Saving the same session again is a no-op.
func (s *Service) SaveResults(ctx context.Context, r domain.Results) error {
	const stmt = `
INSERT INTO results (session_id, user_id, catalog_id, mode, score_percent, passed, payload, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (session_id) DO NOTHING;`

	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}

	_, err = s.db.Exec(ctx, stmt, r.SessionID, r.UserID, r.CatalogID, string(r.Mode), r.ScorePercent, r.Passed, payload, r.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert results: session=%s: %w", r.SessionID, err)
	}

	return nil
}

// GetResults returns the results of a finished session.
func (s *Service) GetResults(ctx context.Context, sessionID string) (*domain.Results, error) {
	const stmt = `SELECT payload FROM results WHERE session_id = $1;`

	var payload []byte
	err := s.db.QueryRow(ctx, stmt, sessionID).Scan(&payload)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("results not found: session=%s", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get results: %w", err)
	}

	var r domain.Results
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("unmarshal results: %w", err)
	}

	return &r, nil
}

type ListResultsRequest struct {
	UserID string
	// CatalogID narrows the list to one catalog when set.
	CatalogID string
	Limit     int
}

// ListResults returns a user's results, most recent first.
func (s *Service) ListResults(ctx context.Context, req ListResultsRequest) ([]domain.Results, error) {
	const stmt = `
SELECT payload
FROM results
WHERE user_id = $1 AND ($2 = '' OR catalog_id = $2)
ORDER BY completed_at DESC
LIMIT $3;`

	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(ctx, stmt, req.UserID, req.CatalogID, limit)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Results, error) {
		var (
			payload []byte
			res     domain.Results
		)
		if err := r.Scan(&payload); err != nil {
			return res, err
		}
		err := json.Unmarshal(payload, &res)
		return res, err
	})
}
