package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/victornm/aerotrain/internal/domain"
	"github.com/victornm/aerotrain/internal/errors"
	"github.com/victornm/aerotrain/internal/score"
)

// Unanswered marks an answer slot the user has not filled.
const Unanswered = -1

const (
	countdownTick           = time.Second
	defaultAutosaveInterval = 30 * time.Second
)

type Status int

const (
	StatusNotStarted Status = iota
	StatusInProgress
	StatusCompleted
)

func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "not_started"
	case StatusInProgress:
		return "in_progress"
	case StatusCompleted:
		return "completed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop() { t.t.Stop() }

// NewTicker wraps time.NewTicker.
func NewTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

// Persister writes a snapshot to durable storage. Writes are best-effort: the session logs
// failures and carries on.
type Persister interface {
	Save(ctx context.Context, snap Snapshot) error
}

type Config struct {
	ID        string
	UserID    string
	CatalogID string
	Mode      domain.Mode
	Questions []domain.ShuffledQuestion

	// Duration is the exam time limit. Required in exam mode, ignored otherwise.
	Duration         time.Duration
	PassingThreshold int
	AutosaveInterval time.Duration
	// Languages is the preference order used for topic labels in results.
	Languages []string

	// Restore is progress recovered from a previous run of this session.
	Restore *State

	Persister    Persister
	OnComplete   func(ctx context.Context, r domain.Results)
	OnSaveFailed func(ctx context.Context, err error)

	Now           func() time.Time
	NewTickerFunc func(d time.Duration) Ticker
}

// State is the mutable part of a session, in display space.
type State struct {
	CurrentIndex  int
	Answers       []int
	Bookmarks     []string
	TimeRemaining time.Duration
	StartedAt     time.Time
}

// Snapshot is a consistent copy of a session taken under its lock.
type Snapshot struct {
	ID        string
	UserID    string
	CatalogID string
	Mode      domain.Mode
	// Questions is shared with the session and must not be modified.
	Questions []domain.ShuffledQuestion
	State
	Status    Status
	Saved     bool
	UpdatedAt time.Time
}

// Feedback describes a recorded answer. Correctness is revealed outside exam mode only.
type Feedback struct {
	Position     int
	Selected     int
	Revealed     bool
	Correct      bool
	CorrectIndex int
	Explanation  domain.LocalizedText
}

// Session is one training run. It moves NotStarted -> InProgress -> Completed and never leaves Completed.
// All timers it starts are owned by it and released by Dispose or completion.
type Session struct {
	id        string
	userID    string
	catalogID string
	mode      domain.Mode
	questions []domain.ShuffledQuestion
	threshold int
	autosave  time.Duration
	languages []string

	persister    Persister
	onComplete   func(ctx context.Context, r domain.Results)
	onSaveFailed func(ctx context.Context, err error)
	now          func() time.Time
	newTicker    func(d time.Duration) Ticker

	mu        sync.Mutex
	ctx       context.Context
	status    Status
	disposed  bool
	current   int
	answers   []int
	bookmarks map[string]struct{}
	remaining time.Duration
	startedAt time.Time
	results   *domain.Results
	saved     bool

	// saveMu keeps writes in mutation order.
	saveMu sync.Mutex

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func New(c Config) (*Session, error) {
	if len(c.Questions) == 0 {
		return nil, errors.InvalidArgument("session has no questions")
	}

	switch c.Mode {
	case domain.ModePractice, domain.ModeReview:
	case domain.ModeExam:
		if c.Duration <= 0 {
			return nil, errors.InvalidArgument("exam session requires a positive duration")
		}
	default:
		return nil, errors.InvalidArgument("unknown mode %q", c.Mode)
	}

	if c.PassingThreshold <= 0 {
		c.PassingThreshold = score.DefaultPassingThreshold
	}
	if c.AutosaveInterval <= 0 {
		c.AutosaveInterval = defaultAutosaveInterval
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.NewTickerFunc == nil {
		c.NewTickerFunc = NewTicker
	}

	s := &Session{
		id:           c.ID,
		userID:       c.UserID,
		catalogID:    c.CatalogID,
		mode:         c.Mode,
		questions:    c.Questions,
		threshold:    c.PassingThreshold,
		autosave:     c.AutosaveInterval,
		languages:    c.Languages,
		persister:    c.Persister,
		onComplete:   c.OnComplete,
		onSaveFailed: c.OnSaveFailed,
		now:          c.Now,
		newTicker:    c.NewTickerFunc,
		ctx:          context.Background(),
		answers:      make([]int, len(c.Questions)),
		bookmarks:    make(map[string]struct{}),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}

	for i := range s.answers {
		s.answers[i] = Unanswered
	}

	if c.Mode == domain.ModeExam {
		s.remaining = c.Duration
	}

	if c.Restore != nil {
		s.restore(*c.Restore)
	}

	return s, nil
}

// restore applies recovered progress, dropping anything that does not fit this question order.
func (s *Session) restore(st State) {
	for i, a := range st.Answers {
		if i >= len(s.questions) {
			break
		}
		if a >= 0 && a < len(s.questions[i].DisplayOptions) {
			s.answers[i] = a
		}
	}

	ids := make(map[string]struct{}, len(s.questions))
	for _, q := range s.questions {
		ids[q.ID] = struct{}{}
	}
	for _, id := range st.Bookmarks {
		if _, ok := ids[id]; ok {
			s.bookmarks[id] = struct{}{}
		}
	}

	s.current = clamp(st.CurrentIndex, len(s.questions))

	if s.mode == domain.ModeExam && st.TimeRemaining > 0 && st.TimeRemaining < s.remaining {
		s.remaining = st.TimeRemaining
	}

	s.startedAt = st.StartedAt
}

// Start moves the session to InProgress and starts its timers: the exam countdown or the practice autosave.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusNotStarted || s.disposed {
		defer s.mu.Unlock()
		return s.invalidTransition("start")
	}

	s.ctx = context.WithoutCancel(ctx)
	s.status = StatusInProgress
	if s.startedAt.IsZero() {
		s.startedAt = s.now()
	}

	switch s.mode {
	case domain.ModeExam:
		s.run(countdownTick, s.tick)
	case domain.ModePractice:
		s.run(s.autosave, s.autosaveTick)
	}
	s.mu.Unlock()

	s.save(ctx)
	return nil
}

func (s *Session) run(d time.Duration, f func()) {
	t := s.newTicker(d)
	go func() {
		defer t.Stop()

		for {
			select {
			case <-s.stop:
				return
			case <-t.C():
				f()
			}
		}
	}()
}

func (s *Session) tick() {
	s.mu.Lock()
	if s.status != StatusInProgress || s.disposed {
		s.mu.Unlock()
		return
	}

	s.remaining -= countdownTick
	if s.remaining > 0 {
		s.mu.Unlock()
		return
	}

	s.remaining = 0
	r := s.complete(true)
	ctx := s.ctx
	s.mu.Unlock()

	slog.InfoContext(ctx, "session: exam time is up", "session", s.id)
	s.afterComplete(ctx, r)
}

func (s *Session) autosaveTick() {
	s.mu.Lock()
	active := s.status == StatusInProgress && !s.disposed
	ctx := s.ctx
	s.mu.Unlock()

	if active {
		s.save(ctx)
	}
}

// SelectAnswer records the display-space option for the current question and persists immediately.
func (s *Session) SelectAnswer(ctx context.Context, option int) (Feedback, error) {
	s.mu.Lock()
	if err := s.checkActive("select answer"); err != nil {
		s.mu.Unlock()
		return Feedback{}, err
	}

	q := s.questions[s.current]
	if option < 0 || option >= len(q.DisplayOptions) {
		s.mu.Unlock()
		return Feedback{}, errors.InvalidArgument("option %d out of range [0, %d)", option, len(q.DisplayOptions))
	}

	s.answers[s.current] = option
	fb := Feedback{
		Position: s.current,
		Selected: option,
	}
	if s.mode != domain.ModeExam {
		fb.Revealed = true
		fb.Correct = option == q.DisplayCorrectIndex
		fb.CorrectIndex = q.DisplayCorrectIndex
		fb.Explanation = q.Explanation
	}
	s.mu.Unlock()

	s.save(ctx)
	return fb, nil
}

// ToggleBookmark flips the bookmark on the question at position and persists immediately.
// It reports whether the question is bookmarked afterwards.
func (s *Session) ToggleBookmark(ctx context.Context, position int) (bool, error) {
	s.mu.Lock()
	if err := s.checkActive("toggle bookmark"); err != nil {
		s.mu.Unlock()
		return false, err
	}

	if position < 0 || position >= len(s.questions) {
		s.mu.Unlock()
		return false, errors.InvalidArgument("position %d out of range [0, %d)", position, len(s.questions))
	}

	id := s.questions[position].ID
	_, marked := s.bookmarks[id]
	if marked {
		delete(s.bookmarks, id)
	} else {
		s.bookmarks[id] = struct{}{}
	}
	s.mu.Unlock()

	s.save(ctx)
	return !marked, nil
}

// Goto moves to position i. Out of range positions leave the pointer where it is.
func (s *Session) Goto(i int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i >= 0 && i < len(s.questions) {
		s.current = i
	}
	return s.current
}

func (s *Session) Next() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current < len(s.questions)-1 {
		s.current++
	}
	return s.current
}

func (s *Session) Previous() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current > 0 {
		s.current--
	}
	return s.current
}

// Finish completes the session and returns its results. It succeeds exactly once.
func (s *Session) Finish(ctx context.Context) (domain.Results, error) {
	s.mu.Lock()
	if err := s.checkActive("finish"); err != nil {
		s.mu.Unlock()
		return domain.Results{}, err
	}

	r := s.complete(false)
	s.mu.Unlock()

	s.afterComplete(ctx, r)
	return r, nil
}

// complete must be called with s.mu held.
func (s *Session) complete(timedOut bool) domain.Results {
	s.status = StatusCompleted
	s.stopTimers()

	r := score.Compute(score.Input{
		SessionID:        s.id,
		UserID:           s.userID,
		CatalogID:        s.catalogID,
		Mode:             s.mode,
		Questions:        s.questions,
		Answers:          append([]int(nil), s.answers...),
		PassingThreshold: s.threshold,
		Languages:        s.languages,
		StartedAt:        s.startedAt,
		FinishedAt:       s.now(),
		TimedOut:         timedOut,
	})
	s.results = &r
	close(s.done)

	return r
}

func (s *Session) afterComplete(ctx context.Context, r domain.Results) {
	s.save(ctx)

	if s.onComplete != nil {
		s.onComplete(ctx, r)
	}
}

// Dispose releases the session's timers. The session rejects further mutations. Safe to call repeatedly.
func (s *Session) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.disposed = true
	s.stopTimers()
}

func (s *Session) stopTimers() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Session) save(ctx context.Context) {
	if s.persister == nil {
		return
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	err := s.persister.Save(ctx, s.Snapshot())

	s.mu.Lock()
	s.saved = err == nil
	s.mu.Unlock()

	if err != nil {
		slog.WarnContext(ctx, "session: save progress failed", "session", s.id, "error", err)
		if s.onSaveFailed != nil {
			s.onSaveFailed(ctx, err)
		}
	}
}

func (s *Session) checkActive(op string) error {
	if s.status != StatusInProgress || s.disposed {
		return s.invalidTransition(op)
	}
	return nil
}

func (s *Session) invalidTransition(op string) error {
	state := s.status.String()
	if s.disposed {
		state = "disposed"
	}
	return errors.InvalidStateTransition("cannot %s: session %s is %s", op, s.id, state)
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	bookmarks := make([]string, 0, len(s.bookmarks))
	for _, q := range s.questions {
		if _, ok := s.bookmarks[q.ID]; ok {
			bookmarks = append(bookmarks, q.ID)
		}
	}

	return Snapshot{
		ID:        s.id,
		UserID:    s.userID,
		CatalogID: s.catalogID,
		Mode:      s.mode,
		Questions: s.questions,
		State: State{
			CurrentIndex:  s.current,
			Answers:       append([]int(nil), s.answers...),
			Bookmarks:     bookmarks,
			TimeRemaining: s.remaining,
			StartedAt:     s.startedAt,
		},
		Status:    s.status,
		Saved:     s.saved,
		UpdatedAt: s.now(),
	}
}

// Results returns the results once the session is completed.
func (s *Session) Results() (domain.Results, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.results == nil {
		return domain.Results{}, false
	}
	return *s.results, true
}

// Done is closed when the session completes.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) ID() string { return s.id }
func (s *Session) UserID() string { return s.userID }
func (s *Session) CatalogID() string { return s.catalogID }
func (s *Session) Mode() domain.Mode { return s.mode }
func (s *Session) Len() int { return len(s.questions) }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) CurrentIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Session) TimeRemaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining
}

// Saved reports whether the last write of this session succeeded.
func (s *Session) Saved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
