// Package api exposes training sessions over HTTP/JSON and pushes user notifications over Redis pub/sub.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/aerotrain/internal/domain"
	"github.com/victornm/aerotrain/internal/errors"
	"github.com/victornm/aerotrain/internal/event"
	"github.com/victornm/aerotrain/internal/session"
	"github.com/victornm/aerotrain/internal/training"
)

type Config struct {
	Router   gin.IRouter
	EventBus *event.Bus
	Training *training.Service
	// Secret verifies HS256 bearer tokens.
	Secret       []byte
	Redis        Redis
	PubsubPrefix string
	// Languages is the fallback order for localized text when a request names no language.
	Languages []string
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type API struct {
	ts *training.Service

	languages []string

	redis  Redis
	prefix string
}

func New(c Config) *API {
	a := &API{
		ts:        c.Training,
		languages: c.Languages,
		redis:     c.Redis,
		prefix:    c.PubsubPrefix,
	}

	// HTTP APIs
	v1 := c.Router.Group("/v1", Authenticate(c.Secret))
	v1.POST("/sessions", a.StartSession)
	v1.GET("/sessions/:id", a.GetSession)
	v1.DELETE("/sessions/:id", a.AbandonSession)
	v1.POST("/sessions/:id/answers", a.SelectAnswer)
	v1.POST("/sessions/:id/bookmarks", a.ToggleBookmark)
	v1.POST("/sessions/:id/navigation", a.Navigate)
	v1.POST("/sessions/:id/finish", a.FinishSession)
	v1.GET("/sessions/:id/results", a.GetResults)
	v1.GET("/results", a.ListResults)

	// Register event handlers
	if a.redis != nil {
		c.EventBus.Subscribe(domain.EventNameSessionCompleted, func(ctx context.Context, e event.Event) error {
			return a.PublishSessionCompleted(ctx, e.(domain.EventSessionCompleted))
		})
		c.EventBus.Subscribe(domain.EventNameSessionUnsaved, func(ctx context.Context, e event.Event) error {
			return a.PublishSessionUnsaved(ctx, e.(domain.EventSessionUnsaved))
		})
	}

	return a
}

type StartSessionRequest struct {
	CatalogID          string   `json:"catalogId" binding:"required"`
	Mode               string   `json:"mode"`
	DurationSeconds    int      `json:"durationSeconds"`
	PassingThreshold   int      `json:"passingThreshold"`
	RetryIncorrectOnly []string `json:"retryIncorrectOnly"`
	RetryFromSession   string   `json:"retryFromSession"`
	Resume             bool     `json:"resume"`
	Lang               string   `json:"lang"`
}

func (a *API) StartSession(c *gin.Context) {
	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errors.InvalidArgument("invalid request: %v", err))
		return
	}

	resp, err := a.ts.Start(c.Request.Context(), training.StartRequest{
		UserID:             UserID(c),
		CatalogID:          req.CatalogID,
		Mode:               domain.Mode(req.Mode),
		DurationSeconds:    req.DurationSeconds,
		PassingThreshold:   req.PassingThreshold,
		RetryIncorrectOnly: req.RetryIncorrectOnly,
		RetryFromSession:   req.RetryFromSession,
		Resume:             req.Resume,
		Lang:               req.Lang,
	})
	if err != nil {
		renderError(c, err)
		return
	}

	status := http.StatusCreated
	if resp.Resumed {
		status = http.StatusOK
	}

	view := a.sessionView(resp.Session, a.langs(req.Lang))
	view.Resumed = resp.Resumed
	c.JSON(status, view)
}

func (a *API) GetSession(c *gin.Context) {
	snap, err := a.ts.Get(c.Request.Context(), UserID(c), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, a.sessionView(snap, a.langs(c.Query("lang"))))
}

func (a *API) AbandonSession(c *gin.Context) {
	if err := a.ts.Abandon(c.Request.Context(), UserID(c), c.Param("id")); err != nil {
		renderError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

type SelectAnswerRequest struct {
	OptionIndex *int `json:"optionIndex" binding:"required"`
}

func (a *API) SelectAnswer(c *gin.Context) {
	var req SelectAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errors.InvalidArgument("invalid request: %v", err))
		return
	}

	fb, err := a.ts.SelectAnswer(c.Request.Context(), training.SelectAnswerRequest{
		UserID:      UserID(c),
		SessionID:   c.Param("id"),
		OptionIndex: *req.OptionIndex,
	})
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, feedbackView(fb, a.langs(c.Query("lang"))))
}

type ToggleBookmarkRequest struct {
	Position *int `json:"position" binding:"required"`
}

func (a *API) ToggleBookmark(c *gin.Context) {
	var req ToggleBookmarkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errors.InvalidArgument("invalid request: %v", err))
		return
	}

	on, err := a.ts.ToggleBookmark(c.Request.Context(), training.ToggleBookmarkRequest{
		UserID:    UserID(c),
		SessionID: c.Param("id"),
		Position:  *req.Position,
	})
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"position": *req.Position, "bookmarked": on})
}

type NavigateRequest struct {
	Action string `json:"action" binding:"required"`
	Index  int    `json:"index"`
}

func (a *API) Navigate(c *gin.Context) {
	var req NavigateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errors.InvalidArgument("invalid request: %v", err))
		return
	}

	i, err := a.ts.Navigate(c.Request.Context(), training.NavigateRequest{
		UserID:    UserID(c),
		SessionID: c.Param("id"),
		Action:    training.NavigateAction(req.Action),
		Index:     req.Index,
	})
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"currentIndex": i})
}

func (a *API) FinishSession(c *gin.Context) {
	r, err := a.ts.Finish(c.Request.Context(), UserID(c), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, r)
}

func (a *API) GetResults(c *gin.Context) {
	r, err := a.ts.Results(c.Request.Context(), UserID(c), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, r)
}

func (a *API) ListResults(c *gin.Context) {
	rs, err := a.ts.History(c.Request.Context(), UserID(c), c.Query("catalogId"))
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"results": rs})
}

type (
	SessionView struct {
		ID            string        `json:"id"`
		CatalogID     string        `json:"catalogId"`
		Mode          domain.Mode   `json:"mode"`
		Status        string        `json:"status"`
		CurrentIndex  int           `json:"currentIndex"`
		Total         int           `json:"totalQuestions"`
		Answered      int           `json:"answeredCount"`
		Question      QuestionView  `json:"question"`
		Answers       []int         `json:"answers"`
		Bookmarks     []int         `json:"bookmarks"`
		TimeRemaining *int          `json:"timeRemaining,omitempty"`
		StartedAt     time.Time     `json:"startedAt"`
		Saved         bool          `json:"saved"`
		Resumed       bool          `json:"resumed,omitempty"`
		Feedback      *FeedbackView `json:"feedback,omitempty"`
	}

	QuestionView struct {
		ID       string   `json:"id"`
		Position int      `json:"position"`
		Topic    string   `json:"topic,omitempty"`
		Text     string   `json:"text"`
		Options  []string `json:"options"`
		ImageRef string   `json:"imageRef,omitempty"`
		Selected int      `json:"selected"`
	}

	FeedbackView struct {
		Position     int    `json:"position"`
		Selected     int    `json:"selected"`
		Revealed     bool   `json:"revealed"`
		Correct      *bool  `json:"correct,omitempty"`
		CorrectIndex *int   `json:"correctIndex,omitempty"`
		Explanation  string `json:"explanation,omitempty"`
	}
)

// sessionView renders a snapshot in display space with localized text resolved for langs.
func (a *API) sessionView(snap session.Snapshot, langs []string) SessionView {
	lang, fallbacks := split(langs)
	q := snap.Questions[snap.CurrentIndex]

	v := SessionView{
		ID:           snap.ID,
		CatalogID:    snap.CatalogID,
		Mode:         snap.Mode,
		Status:       snap.Status.String(),
		CurrentIndex: snap.CurrentIndex,
		Total:        len(snap.Questions),
		Answers:      snap.Answers,
		Bookmarks:    []int{},
		StartedAt:    snap.StartedAt,
		Saved:        snap.Saved,
		Question: QuestionView{
			ID:       q.ID,
			Position: snap.CurrentIndex,
			Topic:    q.Topic.Resolve(lang, fallbacks...),
			Text:     q.Text.Resolve(lang, fallbacks...),
			Options:  make([]string, 0, len(q.DisplayOptions)),
			ImageRef: q.ImageRef,
			Selected: snap.Answers[snap.CurrentIndex],
		},
	}

	for _, o := range q.DisplayOptions {
		v.Question.Options = append(v.Question.Options, o.Resolve(lang, fallbacks...))
	}

	for _, ans := range snap.Answers {
		if ans != session.Unanswered {
			v.Answered++
		}
	}

	marked := make(map[string]struct{}, len(snap.Bookmarks))
	for _, id := range snap.Bookmarks {
		marked[id] = struct{}{}
	}
	for i, q := range snap.Questions {
		if _, ok := marked[q.ID]; ok {
			v.Bookmarks = append(v.Bookmarks, i)
		}
	}

	if snap.Mode == domain.ModeExam {
		secs := int(snap.TimeRemaining / time.Second)
		v.TimeRemaining = &secs
	}

	// An answered question shows its feedback again when revisited, except in exam mode.
	if sel := v.Question.Selected; sel != session.Unanswered && snap.Mode != domain.ModeExam {
		fb := feedbackView(session.Feedback{
			Position:     snap.CurrentIndex,
			Selected:     sel,
			Revealed:     true,
			Correct:      sel == q.DisplayCorrectIndex,
			CorrectIndex: q.DisplayCorrectIndex,
			Explanation:  q.Explanation,
		}, langs)
		v.Feedback = &fb
	}

	return v
}

func feedbackView(fb session.Feedback, langs []string) FeedbackView {
	v := FeedbackView{
		Position: fb.Position,
		Selected: fb.Selected,
		Revealed: fb.Revealed,
	}

	if fb.Revealed {
		lang, fallbacks := split(langs)
		v.Correct = &fb.Correct
		v.CorrectIndex = &fb.CorrectIndex
		v.Explanation = fb.Explanation.Resolve(lang, fallbacks...)
	}

	return v
}

func (a *API) langs(lang string) []string {
	if lang == "" {
		return a.languages
	}

	return append([]string{lang}, a.languages...)
}

func split(langs []string) (string, []string) {
	if len(langs) == 0 {
		return "", nil
	}

	return langs[0], langs[1:]
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func renderError(c *gin.Context, err error) {
	e := errors.Convert(err)

	code := e.Reason
	if code == "" {
		code = e.GRPCStatus().Code().String()
	}

	if e.HTTPStatusCode() >= http.StatusInternalServerError {
		_ = c.Error(err)
	}

	c.AbortWithStatusJSON(e.HTTPStatusCode(), errorResponse{
		Code:    code,
		Message: e.Message,
	})
}
