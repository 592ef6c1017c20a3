// Package training runs training sessions on behalf of users. It replaces a process-wide "current session"
// with a registry of explicit session.Session values keyed by session ID.
package training

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/aerotrain/internal/domain"
	"github.com/victornm/aerotrain/internal/errors"
	"github.com/victornm/aerotrain/internal/event"
	"github.com/victornm/aerotrain/internal/progress"
	"github.com/victornm/aerotrain/internal/question"
	"github.com/victornm/aerotrain/internal/score"
	"github.com/victornm/aerotrain/internal/session"
	"github.com/victornm/aerotrain/internal/shuffle"
	"github.com/victornm/aerotrain/internal/telemetry"
)

const (
	defaultExamDuration = 60 * time.Minute

	// recentLimit bounds the results kept in memory for sessions completed by this process.
	recentLimit = 1024

	maxConcurrentSaves = 16
)

// Progress is the persistence adapter sessions write through.
type Progress interface {
	session.Persister
	Load(ctx context.Context, key progress.Key) (*domain.Record, error)
	Latest(ctx context.Context, userID, catalogID string) (string, error)
}

// ResultStore is durable storage of finished sessions, satisfied by *score.Service.
type ResultStore interface {
	GetResults(ctx context.Context, sessionID string) (*domain.Results, error)
	ListResults(ctx context.Context, req score.ListResultsRequest) ([]domain.Results, error)
}

type Config struct {
	EventBus  *event.Bus
	Questions question.Source
	Progress  Progress
	// Results is optional. Without it only sessions completed by this process have results.
	Results ResultStore

	Rand             shuffle.Rand
	PassingThreshold int
	ExamDuration     time.Duration
	AutosaveInterval time.Duration
	// Languages is the server-wide fallback order for localized text.
	Languages []string

	Now           func() time.Time
	NewTickerFunc func(d time.Duration) session.Ticker
}

type Service struct {
	eb        *event.Bus
	questions question.Source
	progress  Progress
	results   ResultStore
	processor *question.Processor

	threshold    int
	examDuration time.Duration
	autosave     time.Duration
	languages    []string
	now          func() time.Time
	newTicker    func(d time.Duration) session.Ticker

	mu       sync.Mutex
	sessions map[string]*session.Session
	recent   map[string]domain.Results
	order    []string
}

func NewService(c Config) *Service {
	if c.ExamDuration <= 0 {
		c.ExamDuration = defaultExamDuration
	}
	if c.PassingThreshold <= 0 {
		c.PassingThreshold = score.DefaultPassingThreshold
	}
	if c.Now == nil {
		c.Now = time.Now
	}

	return &Service{
		eb:           c.EventBus,
		questions:    c.Questions,
		progress:     c.Progress,
		results:      c.Results,
		processor:    question.NewProcessor(c.Rand),
		threshold:    c.PassingThreshold,
		examDuration: c.ExamDuration,
		autosave:     c.AutosaveInterval,
		languages:    c.Languages,
		now:          c.Now,
		newTicker:    c.NewTickerFunc,
		sessions:     make(map[string]*session.Session),
		recent:       make(map[string]domain.Results),
	}
}

type StartRequest struct {
	UserID    string
	CatalogID string
	Mode      domain.Mode
	// DurationSeconds overrides the configured exam time limit when positive.
	DurationSeconds  int
	PassingThreshold int
	// RetryIncorrectOnly restricts the catalog to these question IDs.
	RetryIncorrectOnly []string
	// RetryFromSession restricts the catalog to the questions missed in a finished session.
	RetryFromSession string
	// Resume continues the user's latest unfinished session in the catalog when there is one.
	Resume bool
	Lang   string
}

type StartResponse struct {
	Session session.Snapshot
	Resumed bool
}

func (s *Service) Start(ctx context.Context, req StartRequest) (*StartResponse, error) {
	if req.UserID == "" {
		return nil, errors.InvalidArgument("user is required")
	}
	if req.CatalogID == "" {
		return nil, errors.InvalidArgument("catalog is required")
	}

	mode, err := domain.ParseMode(string(req.Mode))
	if err != nil {
		return nil, errors.InvalidArgument("%v", err)
	}

	qs, err := s.questions.ListQuestions(ctx, req.CatalogID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}

	// A bad catalog is rejected before anything is filtered out of it.
	if err := question.Validate(qs); err != nil {
		slog.ErrorContext(ctx, "training: catalog rejected", "catalog", req.CatalogID, "error", err)
		return nil, err
	}

	retry, err := s.retryIDs(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(retry) > 0 {
		if qs, err = question.Filter(qs, retry); err != nil {
			return nil, err
		}
	}

	processed, err := s.processor.Process(qs)
	if err != nil {
		return nil, err
	}

	var (
		id      string
		restore *session.State
	)
	if req.Resume {
		id, restore = s.resumable(ctx, req.UserID, req.CatalogID, mode, processed)
	}
	if id != "" {
		if active, ok := s.active(id); ok {
			return &StartResponse{Session: active.Snapshot(), Resumed: true}, nil
		}
	} else {
		u, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate session id: %w", err)
		}
		id = u.String()
	}

	threshold := req.PassingThreshold
	if threshold <= 0 || threshold > 100 {
		threshold = s.threshold
	}

	duration := s.examDuration
	if req.DurationSeconds > 0 {
		duration = time.Duration(req.DurationSeconds) * time.Second
	}

	sess, err := session.New(session.Config{
		ID:               id,
		UserID:           req.UserID,
		CatalogID:        req.CatalogID,
		Mode:             mode,
		Questions:        processed,
		Duration:         duration,
		PassingThreshold: threshold,
		AutosaveInterval: s.autosave,
		Languages:        s.langs(req.Lang),
		Restore:          restore,
		Persister:        s.progress,
		OnComplete:       s.onComplete,
		OnSaveFailed: func(ctx context.Context, err error) {
			s.eb.Publish(ctx, domain.EventSessionUnsaved{SessionID: id, UserID: req.UserID, Err: err})
		},
		Now:           s.now,
		NewTickerFunc: s.newTicker,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	telemetry.SessionsActive.Inc()

	if err := sess.Start(ctx); err != nil {
		s.drop(id)
		return nil, err
	}

	resumed := restore != nil
	telemetry.SessionsStarted.WithLabelValues(string(mode), strconv.FormatBool(resumed)).Inc()

	s.eb.Publish(ctx, domain.EventSessionStarted{
		SessionID: id,
		UserID:    req.UserID,
		CatalogID: req.CatalogID,
		Mode:      mode,
		Resumed:   resumed,
	})

	slog.InfoContext(ctx, "training: session started",
		"session", id,
		"user", req.UserID,
		"catalog", req.CatalogID,
		"mode", mode,
		"questions", len(processed),
		"resumed", resumed,
	)

	return &StartResponse{Session: sess.Snapshot(), Resumed: resumed}, nil
}

func (s *Service) retryIDs(ctx context.Context, req StartRequest) ([]string, error) {
	if len(req.RetryIncorrectOnly) > 0 {
		return req.RetryIncorrectOnly, nil
	}
	if req.RetryFromSession == "" {
		return nil, nil
	}

	r, err := s.Results(ctx, req.UserID, req.RetryFromSession)
	if err != nil {
		return nil, err
	}
	if len(r.IncorrectQuestionIDs) == 0 {
		return nil, errors.InvalidArgument("session %s has no incorrect questions to retry", req.RetryFromSession)
	}

	return r.IncorrectQuestionIDs, nil
}

// resumable finds the user's latest unfinished session of the same mode and maps it into the new question order.
// Any failure means a fresh start.
func (s *Service) resumable(ctx context.Context, userID, catalogID string, mode domain.Mode, qs []domain.ShuffledQuestion) (string, *session.State) {
	id, err := s.progress.Latest(ctx, userID, catalogID)
	if err != nil {
		if stderrors.Is(err, errors.ErrPersistenceUnavailable) {
			slog.WarnContext(ctx, "training: lookup latest session failed, starting fresh", "user", userID, "error", err)
		}
		return "", nil
	}

	rec, err := s.progress.Load(ctx, progress.Key{UserID: userID, SessionID: id})
	if err != nil {
		slog.WarnContext(ctx, "training: load progress failed, starting fresh", "session", id, "error", err)
		return "", nil
	}

	if rec.Completed || rec.Mode != mode {
		return "", nil
	}

	st := progress.Restore(*rec, qs)
	return id, &st
}

func (s *Service) onComplete(ctx context.Context, r domain.Results) {
	s.mu.Lock()
	sess, ok := s.sessions[r.SessionID]
	delete(s.sessions, r.SessionID)
	s.remember(r)
	s.mu.Unlock()

	if ok {
		sess.Dispose()
		telemetry.SessionsActive.Dec()
	}

	telemetry.SessionsCompleted.WithLabelValues(string(r.Mode), telemetry.Outcome(r.Passed, r.TimedOut)).Inc()
	telemetry.ScoreHistogram.WithLabelValues(string(r.Mode)).Observe(float64(r.ScorePercent))

	s.eb.Publish(ctx, domain.EventSessionCompleted{Results: r})

	slog.InfoContext(ctx, "training: session completed",
		"session", r.SessionID,
		"user", r.UserID,
		"score", r.ScorePercent,
		"passed", r.Passed,
		"timed_out", r.TimedOut,
	)
}

// remember must be called with s.mu held.
func (s *Service) remember(r domain.Results) {
	if _, ok := s.recent[r.SessionID]; !ok {
		s.order = append(s.order, r.SessionID)
	}
	s.recent[r.SessionID] = r

	for len(s.order) > recentLimit {
		delete(s.recent, s.order[0])
		s.order = s.order[1:]
	}
}

// Get returns the current state of an active session.
func (s *Service) Get(_ context.Context, userID, sessionID string) (session.Snapshot, error) {
	sess, err := s.lookup(userID, sessionID)
	if err != nil {
		return session.Snapshot{}, err
	}

	return sess.Snapshot(), nil
}

type SelectAnswerRequest struct {
	UserID    string
	SessionID string
	// OptionIndex is in the display space of the current question.
	OptionIndex int
}

func (s *Service) SelectAnswer(ctx context.Context, req SelectAnswerRequest) (session.Feedback, error) {
	sess, err := s.lookup(req.UserID, req.SessionID)
	if err != nil {
		return session.Feedback{}, err
	}

	return sess.SelectAnswer(ctx, req.OptionIndex)
}

type ToggleBookmarkRequest struct {
	UserID    string
	SessionID string
	Position  int
}

func (s *Service) ToggleBookmark(ctx context.Context, req ToggleBookmarkRequest) (bool, error) {
	sess, err := s.lookup(req.UserID, req.SessionID)
	if err != nil {
		return false, err
	}

	return sess.ToggleBookmark(ctx, req.Position)
}

type NavigateAction string

const (
	NavigateNext     NavigateAction = "next"
	NavigatePrevious NavigateAction = "previous"
	NavigateGoto     NavigateAction = "goto"
)

type NavigateRequest struct {
	UserID    string
	SessionID string
	Action    NavigateAction
	// Index is the target of NavigateGoto.
	Index int
}

// Navigate moves the session's pointer and returns the new position.
func (s *Service) Navigate(_ context.Context, req NavigateRequest) (int, error) {
	sess, err := s.lookup(req.UserID, req.SessionID)
	if err != nil {
		return 0, err
	}

	switch req.Action {
	case NavigateNext:
		return sess.Next(), nil
	case NavigatePrevious:
		return sess.Previous(), nil
	case NavigateGoto:
		return sess.Goto(req.Index), nil
	default:
		return 0, errors.InvalidArgument("unknown navigation action %q", req.Action)
	}
}

// Finish completes an active session. Finishing a session that already completed is an invalid state transition.
func (s *Service) Finish(ctx context.Context, userID, sessionID string) (domain.Results, error) {
	sess, err := s.lookup(userID, sessionID)
	if err != nil {
		s.mu.Lock()
		r, done := s.recent[sessionID]
		s.mu.Unlock()

		if done && r.UserID == userID {
			return domain.Results{}, errors.InvalidStateTransition("session %s already completed", sessionID)
		}
		return domain.Results{}, err
	}

	return sess.Finish(ctx)
}

// Abandon drops an active session without finishing it. Its stored progress is kept for a later resume.
func (s *Service) Abandon(ctx context.Context, userID, sessionID string) error {
	sess, err := s.lookup(userID, sessionID)
	if err != nil {
		return err
	}

	s.release(ctx, sess)
	slog.InfoContext(ctx, "training: session abandoned", "session", sessionID, "user", userID)
	return nil
}

// Results returns the results of a finished session owned by userID.
func (s *Service) Results(ctx context.Context, userID, sessionID string) (*domain.Results, error) {
	s.mu.Lock()
	r, ok := s.recent[sessionID]
	s.mu.Unlock()

	if !ok {
		if s.results == nil {
			return nil, errors.NotFound("results not found: session=%s", sessionID)
		}

		stored, err := s.results.GetResults(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		r = *stored
	}

	if r.UserID != userID {
		return nil, errors.NotFound("results not found: session=%s", sessionID)
	}

	return &r, nil
}

// History lists a user's finished sessions, most recent first. catalogID narrows the list when set.
// Recently completed sessions are included even before the results store has recorded them.
func (s *Service) History(ctx context.Context, userID, catalogID string) ([]domain.Results, error) {
	var stored []domain.Results
	if s.results != nil {
		var err error
		stored, err = s.results.ListResults(ctx, score.ListResultsRequest{UserID: userID, CatalogID: catalogID})
		if err != nil {
			return nil, err
		}
	}

	out := make([]domain.Results, 0, len(stored))
	seen := make(map[string]struct{})

	s.mu.Lock()
	for i := len(s.order) - 1; i >= 0; i-- {
		r := s.recent[s.order[i]]
		if r.UserID == userID && (catalogID == "" || r.CatalogID == catalogID) {
			out = append(out, r)
			seen[r.SessionID] = struct{}{}
		}
	}
	s.mu.Unlock()

	for _, r := range stored {
		if _, ok := seen[r.SessionID]; !ok {
			out = append(out, r)
		}
	}

	slices.SortStableFunc(out, func(a, b domain.Results) int {
		return b.CompletedAt.Compare(a.CompletedAt)
	})

	return out, nil
}

// Shutdown saves and disposes every active session.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.Lock()
	sessions := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	var eg errgroup.Group
	eg.SetLimit(maxConcurrentSaves)
	for _, sess := range sessions {
		eg.Go(func() error {
			s.release(ctx, sess)
			return nil
		})
	}
	_ = eg.Wait()

	slog.InfoContext(ctx, "training: shutdown", "sessions", len(sessions))
}

// release persists the session's latest state and drops it from the registry.
func (s *Service) release(ctx context.Context, sess *session.Session) {
	sess.Dispose()

	if sess.Status() == session.StatusInProgress {
		if err := s.progress.Save(ctx, sess.Snapshot()); err != nil {
			slog.WarnContext(ctx, "training: save on release failed", "session", sess.ID(), "error", err)
		}
	}

	s.drop(sess.ID())
}

func (s *Service) drop(id string) {
	s.mu.Lock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if ok {
		telemetry.SessionsActive.Dec()
	}
}

func (s *Service) lookup(userID, sessionID string) (*session.Session, error) {
	sess, ok := s.active(sessionID)
	if !ok || sess.UserID() != userID {
		return nil, errors.NotFound("session not found: %s", sessionID)
	}

	return sess, nil
}

func (s *Service) active(id string) (*session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	return sess, ok
}

// langs is the preference order for localized text: the requested language first, then the server defaults.
func (s *Service) langs(lang string) []string {
	if lang == "" {
		return s.languages
	}

	return append([]string{lang}, s.languages...)
}
