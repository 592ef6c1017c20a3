package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/aerotrain/internal/api"
	"github.com/victornm/aerotrain/internal/domain"
	"github.com/victornm/aerotrain/internal/event"
	"github.com/victornm/aerotrain/internal/progress"
	"github.com/victornm/aerotrain/internal/question"
	"github.com/victornm/aerotrain/internal/session"
	"github.com/victornm/aerotrain/internal/shuffle"
	"github.com/victornm/aerotrain/internal/training"
)

var secret = []byte("test-secret")

func TestAPI_PracticeFlow(t *testing.T) {
	srv := makeServer(t)

	var started api.SessionView
	resp := srv.do(t, "u1", http.MethodPost, "/v1/sessions", gin.H{"catalogId": "ppl", "lang": "de"}, &started)
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	require.Equal(t, 4, started.Total)
	require.Equal(t, "in_progress", started.Status)
	require.Nil(t, started.TimeRemaining, "practice has no countdown")
	assert.Contains(t, started.Question.Text, "Frage", "text is resolved in the requested language")

	sid := started.ID
	correct := srv.correctIndexes(t, "u1", sid)

	for i := range correct {
		var nav struct {
			CurrentIndex int `json:"currentIndex"`
		}
		resp = srv.do(t, "u1", http.MethodPost, "/v1/sessions/"+sid+"/navigation", gin.H{"action": "goto", "index": i}, &nav)
		require.Equal(t, http.StatusOK, resp.Code)
		require.Equal(t, i, nav.CurrentIndex)

		option := correct[i]
		if i == 0 {
			option = (option + 1) % 3
		}

		var fb api.FeedbackView
		resp = srv.do(t, "u1", http.MethodPost, "/v1/sessions/"+sid+"/answers", gin.H{"optionIndex": option}, &fb)
		require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
		require.True(t, fb.Revealed)
		require.NotNil(t, fb.Correct)
		assert.Equal(t, i != 0, *fb.Correct)
	}

	var bm struct {
		Bookmarked bool `json:"bookmarked"`
	}
	resp = srv.do(t, "u1", http.MethodPost, "/v1/sessions/"+sid+"/bookmarks", gin.H{"position": 2}, &bm)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.True(t, bm.Bookmarked)

	var view api.SessionView
	resp = srv.do(t, "u1", http.MethodGet, "/v1/sessions/"+sid, nil, &view)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, []int{2}, view.Bookmarks)
	assert.Equal(t, 4, view.Answered)
	assert.NotNil(t, view.Feedback, "answered questions show their feedback again")

	var r domain.Results
	resp = srv.do(t, "u1", http.MethodPost, "/v1/sessions/"+sid+"/finish", nil, &r)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 3, r.CorrectCount)
	assert.Equal(t, 75, r.ScorePercent)
	assert.True(t, r.Passed)

	resp = srv.do(t, "u1", http.MethodPost, "/v1/sessions/"+sid+"/finish", nil, nil)
	assert.Equal(t, http.StatusPreconditionFailed, resp.Code, "a session finishes once")
	assert.Contains(t, resp.Body.String(), "INVALID_STATE_TRANSITION")

	resp = srv.do(t, "u2", http.MethodPost, "/v1/sessions/"+sid+"/finish", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code, "another user's session is not visible")

	var got domain.Results
	resp = srv.do(t, "u1", http.MethodGet, "/v1/sessions/"+sid+"/results", nil, &got)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, r.ScorePercent, got.ScorePercent)

	var history struct {
		Results []domain.Results `json:"results"`
	}
	resp = srv.do(t, "u1", http.MethodGet, "/v1/results?catalogId=ppl", nil, &history)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Len(t, history.Results, 1)

	require.Eventually(t, func() bool { return len(srv.redis.messages()) > 0 }, time.Second, time.Millisecond)
	msg := srv.redis.messages()[0]
	assert.Equal(t, "test:user:u1", msg.channel)
	assert.Contains(t, msg.payload, `"event":"session.completed"`)
}

func TestAPI_ExamHidesFeedback(t *testing.T) {
	srv := makeServer(t)

	var started api.SessionView
	resp := srv.do(t, "u1", http.MethodPost, "/v1/sessions", gin.H{"catalogId": "ppl", "mode": "exam", "durationSeconds": 120}, &started)
	require.Equal(t, http.StatusCreated, resp.Code)
	require.NotNil(t, started.TimeRemaining)
	assert.Equal(t, 120, *started.TimeRemaining)

	var fb api.FeedbackView
	resp = srv.do(t, "u1", http.MethodPost, "/v1/sessions/"+started.ID+"/answers", gin.H{"optionIndex": 0}, &fb)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.False(t, fb.Revealed)
	assert.Nil(t, fb.Correct)
	assert.Nil(t, fb.CorrectIndex)

	var view api.SessionView
	srv.do(t, "u1", http.MethodGet, "/v1/sessions/"+started.ID, nil, &view)
	assert.Nil(t, view.Feedback)
}

func TestAPI_Errors(t *testing.T) {
	srv := makeServer(t)

	var started api.SessionView
	resp := srv.do(t, "u1", http.MethodPost, "/v1/sessions", gin.H{"catalogId": "ppl"}, &started)
	require.Equal(t, http.StatusCreated, resp.Code)

	tests := map[string]struct {
		user     string
		method   string
		path     string
		body     any
		wantCode int
		wantErr  string
	}{
		"missing token": {
			method:   http.MethodGet,
			path:     "/v1/sessions/" + started.ID,
			wantCode: http.StatusUnauthorized,
			wantErr:  "Unauthenticated",
		},
		"another user's session": {
			user:     "u2",
			method:   http.MethodGet,
			path:     "/v1/sessions/" + started.ID,
			wantCode: http.StatusNotFound,
			wantErr:  "NotFound",
		},
		"malformed catalog": {
			user:     "u1",
			method:   http.MethodPost,
			path:     "/v1/sessions",
			body:     gin.H{"catalogId": "broken"},
			wantCode: http.StatusBadRequest,
			wantErr:  "MALFORMED_QUESTION",
		},
		"missing catalog id": {
			user:     "u1",
			method:   http.MethodPost,
			path:     "/v1/sessions",
			body:     gin.H{"mode": "exam"},
			wantCode: http.StatusBadRequest,
			wantErr:  "InvalidArgument",
		},
		"option out of range": {
			user:     "u1",
			method:   http.MethodPost,
			path:     "/v1/sessions/" + started.ID + "/answers",
			body:     gin.H{"optionIndex": 9},
			wantCode: http.StatusBadRequest,
			wantErr:  "InvalidArgument",
		},
		"missing option": {
			user:     "u1",
			method:   http.MethodPost,
			path:     "/v1/sessions/" + started.ID + "/answers",
			body:     gin.H{},
			wantCode: http.StatusBadRequest,
			wantErr:  "InvalidArgument",
		},
		"unknown navigation": {
			user:     "u1",
			method:   http.MethodPost,
			path:     "/v1/sessions/" + started.ID + "/navigation",
			body:     gin.H{"action": "jump"},
			wantCode: http.StatusBadRequest,
			wantErr:  "InvalidArgument",
		},
		"no results yet": {
			user:     "u1",
			method:   http.MethodGet,
			path:     "/v1/sessions/" + started.ID + "/results",
			wantCode: http.StatusNotFound,
			wantErr:  "NotFound",
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			var e struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			}
			resp := srv.do(t, tt.user, tt.method, tt.path, tt.body, &e)
			assert.Equal(t, tt.wantCode, resp.Code, resp.Body.String())
			assert.Equal(t, tt.wantErr, e.Code)
			assert.NotEmpty(t, e.Message)
		})
	}
}

func TestAPI_AbandonAndResume(t *testing.T) {
	srv := makeServer(t)

	var first api.SessionView
	srv.do(t, "u1", http.MethodPost, "/v1/sessions", gin.H{"catalogId": "ppl"}, &first)
	srv.do(t, "u1", http.MethodPost, "/v1/sessions/"+first.ID+"/answers", gin.H{"optionIndex": 1}, nil)

	resp := srv.do(t, "u1", http.MethodDelete, "/v1/sessions/"+first.ID, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.Code)

	resp = srv.do(t, "u1", http.MethodGet, "/v1/sessions/"+first.ID, nil, nil)
	require.Equal(t, http.StatusNotFound, resp.Code)

	var resumed api.SessionView
	resp = srv.do(t, "u1", http.MethodPost, "/v1/sessions", gin.H{"catalogId": "ppl", "resume": true}, &resumed)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.True(t, resumed.Resumed)
	assert.Equal(t, first.ID, resumed.ID)
	assert.Equal(t, 1, resumed.Answered)
}

func TestAPI_Unsaved(t *testing.T) {
	r := &fakeRedis{}
	a := api.New(api.Config{
		Router:       gin.New(),
		EventBus:     event.NewBus(),
		Secret:       secret,
		Redis:        r,
		PubsubPrefix: "test",
	})

	err := a.PublishSessionUnsaved(context.Background(), domain.EventSessionUnsaved{SessionID: "s1", UserID: "u9"})
	require.NoError(t, err)

	msgs := r.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "test:user:u9", msgs[0].channel)

	var n api.Notification
	require.NoError(t, json.Unmarshal([]byte(msgs[0].payload), &n))
	assert.Equal(t, domain.EventNameSessionUnsaved, n.Event)
}

func TestAuthenticate(t *testing.T) {
	expired, err := api.SignToken(secret, "u1", -time.Minute)
	require.NoError(t, err)
	foreign, err := api.SignToken([]byte("other"), "u1", time.Minute)
	require.NoError(t, err)
	valid, err := api.SignToken(secret, "u1", time.Minute)
	require.NoError(t, err)

	tests := map[string]struct {
		header   string
		wantCode int
	}{
		"no header":      {header: "", wantCode: http.StatusUnauthorized},
		"not bearer":     {header: "Basic dTE6cGFzcw==", wantCode: http.StatusUnauthorized},
		"expired":        {header: "Bearer " + expired, wantCode: http.StatusUnauthorized},
		"foreign secret": {header: "Bearer " + foreign, wantCode: http.StatusUnauthorized},
		"valid":          {header: "Bearer " + valid, wantCode: http.StatusOK},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			e := gin.New()
			e.GET("/", api.Authenticate(secret), func(c *gin.Context) {
				c.String(http.StatusOK, api.UserID(c))
			})

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			e.ServeHTTP(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
			if tt.wantCode == http.StatusOK {
				assert.Equal(t, "u1", w.Body.String())
			}
		})
	}
}

type server struct {
	engine *gin.Engine
	redis  *fakeRedis
	ts     *training.Service
}

func makeServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	broken := catalog()
	broken[1].Options = broken[1].Options[:1]

	eb := event.NewBus()
	ts := training.NewService(training.Config{
		EventBus: eb,
		Questions: question.Static{
			"ppl":    catalog(),
			"broken": broken,
		},
		Progress: progress.NewAdapter(progress.Config{Backend: progress.NewMemory()}),
		Rand:     shuffle.NewSeeded(7),
		NewTickerFunc: func(time.Duration) session.Ticker {
			return idleTicker{}
		},
	})
	t.Cleanup(func() {
		ts.Shutdown(context.Background())
		eb.Stop()
	})

	srv := &server{engine: gin.New(), redis: &fakeRedis{}, ts: ts}
	api.New(api.Config{
		Router:       srv.engine,
		EventBus:     eb,
		Training:     ts,
		Secret:       secret,
		Redis:        srv.redis,
		PubsubPrefix: "test",
		Languages:    []string{"en"},
	})

	return srv
}

func (s *server) do(t *testing.T, user, method, path string, body, out any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		tok, err := api.SignToken(secret, user, time.Minute)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	if out != nil && w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
	}
	return w
}

// correctIndexes reads the display-space correct option of every question straight from the session.
func (s *server) correctIndexes(t *testing.T, user, sessionID string) []int {
	t.Helper()

	snap, err := s.ts.Get(context.Background(), user, sessionID)
	require.NoError(t, err)

	out := make([]int, 0, len(snap.Questions))
	for _, q := range snap.Questions {
		out = append(out, q.DisplayCorrectIndex)
	}
	return out
}

func catalog() []domain.Question {
	qs := make([]domain.Question, 0, 4)
	for i := 0; i < 4; i++ {
		qs = append(qs, domain.Question{
			ID:    fmt.Sprintf("q%d", i),
			Topic: domain.Plain("meteorology"),
			Text: domain.Translations(map[string]string{
				"en": fmt.Sprintf("Question %d", i),
				"de": fmt.Sprintf("Frage %d", i),
			}),
			Options:            []domain.LocalizedText{domain.Plain("one"), domain.Plain("two"), domain.Plain("three")},
			CorrectOptionIndex: i % 3,
			Explanation:        domain.Plain("see the manual"),
		})
	}
	return qs
}

type idleTicker struct{}

func (idleTicker) C() <-chan time.Time { return nil }
func (idleTicker) Stop() {}

type published struct {
	channel string
	payload string
}

type fakeRedis struct {
	mu   sync.Mutex
	msgs []published
}

func (r *fakeRedis) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, _ := message.([]byte)
	r.msgs = append(r.msgs, published{channel: channel, payload: string(b)})
	return redis.NewIntResult(1, nil)
}

func (r *fakeRedis) messages() []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]published(nil), r.msgs...)
}
