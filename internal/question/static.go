package question

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/victornm/aerotrain/internal/domain"
	"github.com/victornm/aerotrain/internal/errors"
)

// Static serves catalogs held in memory, loaded from a JSON file in development.
type Static map[string][]domain.Question

// LoadStatic reads a file of the form {"<catalogID>": [question, ...]}.
// A question without "correctOptionIndex" is kept as NoCorrectOption so Validate rejects it.
func LoadStatic(file string) (Static, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read catalogs: %w", err)
	}

	var raw map[string][]cachedQuestion
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal catalogs from %s: %w", file, err)
	}

	s := make(Static, len(raw))
	for id, cqs := range raw {
		for _, cq := range cqs {
			s[id] = append(s[id], cq.question())
		}
	}

	return s, nil
}

func (s Static) ListQuestions(_ context.Context, catalogID string) ([]domain.Question, error) {
	qs, ok := s[catalogID]
	if !ok {
		return nil, errors.NotFound("catalog not found: %s", catalogID)
	}

	return append([]domain.Question(nil), qs...), nil
}
