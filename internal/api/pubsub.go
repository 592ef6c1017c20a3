package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/victornm/aerotrain/internal/domain"
)

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	SessionCompleted struct {
		SessionID    string `json:"sessionId"`
		CatalogID    string `json:"catalogId"`
		Mode         string `json:"mode"`
		ScorePercent int    `json:"scorePercent"`
		Passed       bool   `json:"passed"`
		TimedOut     bool   `json:"timedOut"`
	}

	SessionUnsaved struct {
		SessionID string `json:"sessionId"`
		Reason    string `json:"reason"`
	}
)

// PublishSessionCompleted tells the user a session finished, including one that timed out while they were away.
func (a *API) PublishSessionCompleted(ctx context.Context, e domain.EventSessionCompleted) error {
	r := e.Results

	return a.publishNotification(ctx, r.UserID, e.Name(), SessionCompleted{
		SessionID:    r.SessionID,
		CatalogID:    r.CatalogID,
		Mode:         string(r.Mode),
		ScorePercent: r.ScorePercent,
		Passed:       r.Passed,
		TimedOut:     r.TimedOut,
	})
}

// PublishSessionUnsaved tells the user their latest progress did not reach storage.
func (a *API) PublishSessionUnsaved(ctx context.Context, e domain.EventSessionUnsaved) error {
	return a.publishNotification(ctx, e.UserID, e.Name(), SessionUnsaved{
		SessionID: e.SessionID,
		Reason:    "progress store unavailable",
	})
}

func (a *API) publishNotification(ctx context.Context, user, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, fmt.Sprintf("%s:user:%s", a.prefix, user), b).Err()
}
