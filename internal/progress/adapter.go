// Package progress persists training sessions so they can be resumed after the question order is reshuffled.
//
// Durable records never hold display-space indexes. Answers are stored by question ID in the original
// option space and bookmarks by question ID; both are translated back into the display space of
// whatever shuffle the resumed session gets.
package progress

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/victornm/aerotrain/internal/domain"
	"github.com/victornm/aerotrain/internal/errors"
	"github.com/victornm/aerotrain/internal/session"
	"github.com/victornm/aerotrain/internal/telemetry"
)

// Key identifies one session document.
type Key struct {
	UserID    string
	SessionID string
}

// Backend is a document store with merge semantics. Merge adds the record's answers to the stored ones
// and overwrites every other field.
type Backend interface {
	Get(ctx context.Context, key Key) (*domain.Record, error)
	Merge(ctx context.Context, key Key, rec domain.Record) error
	// Latest returns the ID of the user's most recently updated unfinished session in a catalog.
	Latest(ctx context.Context, userID, catalogID string) (string, error)
}

type Config struct {
	Backend Backend
}

type Adapter struct {
	backend Backend
}

func NewAdapter(c Config) *Adapter {
	return &Adapter{backend: c.Backend}
}

// Save implements session.Persister.
func (a *Adapter) Save(ctx context.Context, snap session.Snapshot) error {
	rec := Encode(snap)

	if err := a.backend.Merge(ctx, Key{UserID: snap.UserID, SessionID: snap.ID}, rec); err != nil {
		telemetry.ProgressSaves.WithLabelValues("error").Inc()
		return errors.PersistenceUnavailable(err)
	}

	telemetry.ProgressSaves.WithLabelValues("ok").Inc()
	return nil
}

// Load returns the stored record, NotFound when there is none.
func (a *Adapter) Load(ctx context.Context, key Key) (*domain.Record, error) {
	rec, err := a.backend.Get(ctx, key)
	if err != nil {
		return nil, classify(err)
	}

	return rec, nil
}

// Latest returns the ID of the user's most recent unfinished session in a catalog, NotFound when there is none.
func (a *Adapter) Latest(ctx context.Context, userID, catalogID string) (string, error) {
	id, err := a.backend.Latest(ctx, userID, catalogID)
	if err != nil {
		return "", classify(err)
	}

	return id, nil
}

func classify(err error) error {
	var e *errors.Error
	if stderrors.As(err, &e) && e.Code == errors.CodeNotFound {
		return err
	}

	return errors.PersistenceUnavailable(err)
}

// Encode converts a snapshot into its durable form.
func Encode(snap session.Snapshot) domain.Record {
	rec := domain.Record{
		SessionID:             snap.ID,
		UserID:                snap.UserID,
		CatalogID:             snap.CatalogID,
		Mode:                  snap.Mode,
		AnswersMap:            make(map[string]int),
		BookmarkedQuestionIDs: append([]string{}, snap.Bookmarks...),
		CurrentQuestionIndex:  snap.CurrentIndex,
		TimeRemaining:         int(snap.TimeRemaining / time.Second),
		TotalQuestions:        len(snap.Questions),
		Completed:             snap.Status == session.StatusCompleted,
		StartedAt:             snap.StartedAt,
		LastUpdated:           snap.UpdatedAt,
	}

	for i, q := range snap.Questions {
		if i >= len(snap.Answers) || snap.Answers[i] == session.Unanswered {
			continue
		}

		if o, ok := q.OriginalIndex(snap.Answers[i]); ok {
			rec.AnswersMap[q.ID] = o
		}
	}

	return rec
}

// Restore translates a record into the display space of qs. Answers that no longer fit are skipped.
func Restore(rec domain.Record, qs []domain.ShuffledQuestion) session.State {
	st := session.State{
		CurrentIndex:  rec.CurrentQuestionIndex,
		Answers:       make([]int, len(qs)),
		Bookmarks:     append([]string{}, rec.BookmarkedQuestionIDs...),
		TimeRemaining: time.Duration(rec.TimeRemaining) * time.Second,
		StartedAt:     rec.StartedAt,
	}

	if st.CurrentIndex >= len(qs) {
		st.CurrentIndex = len(qs) - 1
	}
	if st.CurrentIndex < 0 {
		st.CurrentIndex = 0
	}

	for i, q := range qs {
		st.Answers[i] = session.Unanswered

		o, ok := rec.AnswersMap[q.ID]
		if !ok {
			continue
		}

		if d, ok := q.DisplayIndex(o); ok {
			st.Answers[i] = d
		}
	}

	return st
}
