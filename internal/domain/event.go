package domain

const (
	EventNameSessionStarted   = "session.started"
	EventNameSessionCompleted = "session.completed"
	EventNameSessionUnsaved   = "session.unsaved"
)

type EventSessionStarted struct {
	SessionID string
	UserID    string
	CatalogID string
	Mode      Mode
	Resumed   bool
}

func (EventSessionStarted) Name() string { return EventNameSessionStarted }

type EventSessionCompleted struct {
	Results Results
}

func (EventSessionCompleted) Name() string { return EventNameSessionCompleted }

// EventSessionUnsaved is raised when a progress write fails, so the user can be told their state is not saved.
type EventSessionUnsaved struct {
	SessionID string
	UserID    string
	Err       error
}

func (EventSessionUnsaved) Name() string { return EventNameSessionUnsaved }
