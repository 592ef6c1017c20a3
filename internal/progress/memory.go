package progress

import (
	"context"
	"sync"

	"github.com/victornm/aerotrain/internal/domain"
	"github.com/victornm/aerotrain/internal/errors"
)

// Memory is a process-local Backend for development and tests.
type Memory struct {
	mu   sync.Mutex
	docs map[Key]domain.Record
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[Key]domain.Record)}
}

func (m *Memory) Get(_ context.Context, key Key) (*domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.docs[key]
	if !ok {
		return nil, errors.NotFound("progress not found: user=%s session=%s", key.UserID, key.SessionID)
	}

	rec = clone(rec)
	return &rec, nil
}

func (m *Memory) Merge(_ context.Context, key Key, rec domain.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	answers := make(map[string]int)
	old, found := m.docs[key]
	if found {
		for id, o := range old.AnswersMap {
			answers[id] = o
		}
	}
	for id, o := range rec.AnswersMap {
		answers[id] = o
	}

	rec = clone(rec)
	rec.AnswersMap = answers
	rec.Completed = rec.Completed || old.Completed
	m.docs[key] = rec

	return nil
}

func (m *Memory) Latest(_ context.Context, userID, catalogID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *domain.Record
	for k, rec := range m.docs {
		if k.UserID != userID || rec.CatalogID != catalogID || rec.Completed {
			continue
		}
		if latest == nil || rec.LastUpdated.After(latest.LastUpdated) {
			rec := rec
			latest = &rec
		}
	}

	if latest == nil {
		return "", errors.NotFound("no unfinished session: user=%s catalog=%s", userID, catalogID)
	}

	return latest.SessionID, nil
}

func clone(rec domain.Record) domain.Record {
	answers := make(map[string]int, len(rec.AnswersMap))
	for id, o := range rec.AnswersMap {
		answers[id] = o
	}
	rec.AnswersMap = answers
	rec.BookmarkedQuestionIDs = append([]string{}, rec.BookmarkedQuestionIDs...)

	return rec
}
