package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"lingzhi-trainer/assembler"
	"lingzhi-trainer/backend"
	"lingzhi-trainer/coach"
	"lingzhi-trainer/config"
	"lingzhi-trainer/ledger"
	"lingzhi-trainer/model"
	"lingzhi-trainer/session"
	"lingzhi-trainer/store"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "tok"

// remote 模拟外部业务后端
type remote struct {
	mu       sync.Mutex
	sessions map[string]model.Session
	ended    map[string]model.Status
}

func sseBody(events ...model.StreamEvent) string {
	var b strings.Builder
	for _, ev := range events {
		data, _ := json.Marshal(ev)
		fmt.Fprintf(&b, "data: %s\n\n", data)
	}
	return b.String()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func authorized(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("Authorization") != "Bearer "+testToken {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"detail":"token expired"}`)
		return false
	}
	return true
}

func (rm *remote) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"detail":"wrong password"}`)
			return
		}
		writeJSON(w, map[string]string{"token": testToken})
	})
	mux.HandleFunc("GET /api/auth/me", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(w, r) {
			return
		}
		writeJSON(w, backend.User{ID: "u1", Name: "小王"})
	})
	mux.HandleFunc("GET /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []model.Session{})
	})
	mux.HandleFunc("POST /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		var req backend.CreateSessionRequest
		json.NewDecoder(r.Body).Decode(&req)
		rm.mu.Lock()
		defer rm.mu.Unlock()
		s := model.Session{
			ID:         fmt.Sprintf("s%d", len(rm.sessions)+1),
			UserID:     "u1",
			ScenarioID: req.ScenarioID,
			Mode:       req.Mode,
			Status:     model.StatusPending,
			CreatedAt:  time.Now(),
		}
		rm.sessions[s.ID] = s
		writeJSON(w, s)
	})
	mux.HandleFunc("GET /api/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		rm.mu.Lock()
		s, ok := rm.sessions[r.PathValue("id")]
		rm.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, s)
	})
	mux.HandleFunc("POST /api/sessions/{id}/start", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			model.StreamEvent{Type: model.EventNPCResponse, Content: "你好，"},
			model.StreamEvent{Type: model.EventNPCResponse, Content: "请问有什么需要？"},
			model.StreamEvent{Type: model.EventDone},
		))
	})
	mux.HandleFunc("POST /api/sessions/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			model.StreamEvent{Type: model.EventNPCResponse, Content: "关于" + body["content"]},
			model.StreamEvent{Type: model.EventCoachTip, Content: "先问预算"},
			model.StreamEvent{Type: model.EventDone},
		))
	})
	mux.HandleFunc("POST /api/sessions/{id}/end", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]model.Status
		json.NewDecoder(r.Body).Decode(&body)
		rm.mu.Lock()
		rm.ended[r.PathValue("id")] = body["status"]
		rm.mu.Unlock()
		writeJSON(w, map[string]string{})
	})
	mux.HandleFunc("GET /api/sessions/{id}/turns", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []model.Turn{})
	})
	mux.HandleFunc("POST /api/sessions/{id}/hint", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"content": "多了解客户需求"})
	})
	return mux
}

type harness struct {
	t      *testing.T
	router *gin.Engine
	remote *remote
	hints  *coach.Hub
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	rm := &remote{sessions: map[string]model.Session{}, ended: map[string]model.Status{}}
	srv := httptest.NewServer(rm.handler())
	t.Cleanup(srv.Close)

	db, err := store.Open(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(db))
	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		sqlDB.Close()
	})

	client := backend.NewClient(config.BackendConfig{URL: srv.URL, Timeout: 2})
	hints := coach.NewHub()
	manager := session.NewManager(client, ledger.NewGormLedger(db), store.NewSessionRepo(db), session.Options{
		TickInterval: time.Hour,
		OnHint:       hints.Publish,
	})
	t.Cleanup(manager.Close)

	router, err := NewRouter(Options{
		Config:   &config.Config{},
		Manager:  manager,
		Identity: client,
		Hints:    hints,
	})
	require.NoError(t, err)
	return &harness{t: t, router: router, remote: rm, hints: hints}
}

func (h *harness) do(method, path, token string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *harness) create(mode model.Mode) (model.Session, bool) {
	h.t.Helper()
	rec := h.do(http.MethodPost, "/api/sessions", testToken, gin.H{"scenario_id": "sales-01", "mode": mode})
	require.Equal(h.t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		Session model.Session `json:"session"`
		Resumed bool          `json:"resumed"`
	}
	require.NoError(h.t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out.Session, out.Resumed
}

// events 把事件流响应拆成事件名列表
func events(body string) []string {
	var names []string
	for _, line := range strings.Split(body, "\n") {
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			names = append(names, name)
		}
	}
	return names
}

// eventData 返回第一个指定名称事件的数据
func eventData(t *testing.T, body, name string) []byte {
	t.Helper()
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		if line != "event: "+name {
			continue
		}
		for _, next := range lines[i+1:] {
			if data, ok := strings.CutPrefix(next, "data: "); ok {
				return []byte(data)
			}
		}
	}
	t.Fatalf("没有%s事件: %s", name, body)
	return nil
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLogin(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/api/auth/login", "", gin.H{"username": "wang", "password": "secret"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, testToken, decode[map[string]string](t, rec)["token"])

	rec = h.do(http.MethodPost, "/api/auth/login", "", gin.H{"username": "wang", "password": "bad"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, true, decode[map[string]any](t, rec)["logout"])
}

func TestSessionRoutesRequireCredential(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/api/sessions", "", gin.H{"scenario_id": "sales-01", "mode": "train"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, true, decode[map[string]any](t, rec)["logout"])

	// 身份接口的401强制退出登录
	rec = h.do(http.MethodPost, "/api/sessions", "expired", gin.H{"scenario_id": "sales-01", "mode": "train"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, true, decode[map[string]any](t, rec)["logout"])
}

func TestCreateOrResumeReturnsSameSession(t *testing.T) {
	h := newHarness(t)

	first, resumed := h.create(model.ModeTrain)
	assert.False(t, resumed)
	assert.Equal(t, model.StatusPending, first.Status)

	second, resumed := h.create(model.ModeTrain)
	assert.True(t, resumed)
	assert.Equal(t, first.ID, second.ID)

	other, resumed := h.create(model.ModeExam)
	assert.False(t, resumed)
	assert.NotEqual(t, first.ID, other.ID)

	rec := h.do(http.MethodPost, "/api/sessions", testToken, gin.H{"scenario_id": "sales-01", "mode": "bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartStreamsOpeningOnce(t *testing.T) {
	h := newHarness(t)
	s, _ := h.create(model.ModeTrain)
	base := "/api/sessions/" + s.ID

	snap := decode[session.Snapshot](t, h.do(http.MethodGet, base, testToken, nil))
	assert.True(t, snap.NeedsOpening)

	rec := h.do(http.MethodPost, base+"/start", testToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, []string{"delta", "delta", "final", "end"}, events(rec.Body.String()))
	assert.Contains(t, rec.Body.String(), "你好，请问有什么需要？")

	snap = decode[session.Snapshot](t, h.do(http.MethodGet, base, testToken, nil))
	assert.False(t, snap.NeedsOpening)
	assert.Equal(t, model.StatusActive, snap.Session.Status)
	require.Len(t, snap.Turns, 1)
	assert.Equal(t, model.RoleNPC, snap.Turns[0].Role)

	// 重复开场是冲突，不再请求后端
	rec = h.do(http.MethodPost, base+"/start", testToken, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
}

func TestSendStreamsReplyAndHint(t *testing.T) {
	h := newHarness(t)
	s, _ := h.create(model.ModeTrain)
	base := "/api/sessions/" + s.ID

	rec := h.do(http.MethodPost, base+"/messages", testToken, gin.H{"content": "我想了解产品"})
	assert.Equal(t, http.StatusConflict, rec.Code, "开场前不能发送")

	require.Equal(t, http.StatusOK, h.do(http.MethodPost, base+"/start", testToken, nil).Code)

	rec = h.do(http.MethodPost, base+"/messages", testToken, gin.H{"content": "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, base+"/messages", testToken, gin.H{"content": "我想了解产品"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"final", "delta", "hint", "final", "end"}, events(rec.Body.String()))

	var ev struct {
		Hint *model.CoachHint `json:"hint"`
	}
	require.NoError(t, json.Unmarshal(eventData(t, rec.Body.String(), "hint"), &ev))
	require.NotNil(t, ev.Hint)
	assert.NotEmpty(t, ev.Hint.ID)
	assert.Equal(t, "先问预算", ev.Hint.Content)
	assert.True(t, ev.Hint.ExpiresAt.After(ev.Hint.CreatedAt))

	turns := decode[[]model.Turn](t, h.do(http.MethodGet, base+"/turns", testToken, nil))
	require.Len(t, turns, 3)
	assert.Equal(t, model.RoleUser, turns[1].Role)
	assert.Equal(t, "我想了解产品", turns[1].Content)
	assert.Equal(t, "关于我想了解产品", turns[2].Content)

	hint := decode[model.CoachHint](t, h.do(http.MethodGet, base+"/hint", testToken, nil))
	assert.Equal(t, "先问预算", hint.Content)
}

func TestHintRoutes(t *testing.T) {
	h := newHarness(t)
	train, _ := h.create(model.ModeTrain)
	exam, _ := h.create(model.ModeExam)

	rec := h.do(http.MethodGet, "/api/sessions/"+train.ID+"/hint", testToken, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(http.MethodPost, "/api/sessions/"+train.ID+"/hint", testToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	hint := decode[model.CoachHint](t, rec)
	assert.Equal(t, "多了解客户需求", hint.Content)
	assert.True(t, hint.ExpiresAt.After(hint.CreatedAt))

	rec = h.do(http.MethodPost, "/api/sessions/"+exam.ID+"/hint", testToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestEndSession(t *testing.T) {
	h := newHarness(t)
	s, _ := h.create(model.ModeTrain)
	base := "/api/sessions/" + s.ID
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, base+"/start", testToken, nil).Code)

	rec := h.do(http.MethodPost, base+"/end", testToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ended := decode[model.Session](t, rec)
	assert.Equal(t, model.StatusCompleted, ended.Status)

	h.remote.mu.Lock()
	assert.Equal(t, model.StatusCompleted, h.remote.ended[s.ID])
	h.remote.mu.Unlock()

	// 结束是幂等的
	rec = h.do(http.MethodPost, base+"/end", testToken, gin.H{"abnormal": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.StatusCompleted, decode[model.Session](t, rec).Status)

	rec = h.do(http.MethodPost, base+"/messages", testToken, gin.H{"content": "还在吗"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(http.MethodPost, base+"/hint", testToken, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestInterruptAndElapsedWithoutTurn(t *testing.T) {
	h := newHarness(t)
	s, _ := h.create(model.ModeTrain)
	base := "/api/sessions/" + s.ID

	rec := h.do(http.MethodPost, base+"/interrupt", testToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode[map[string]any](t, rec)["interrupted"])

	rec = h.do(http.MethodGet, base+"/elapsed", testToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, decode[map[string]any](t, rec)["elapsed_seconds"])
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/api/sessions/missing", testToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVoiceRouteWithoutDialer(t *testing.T) {
	h := newHarness(t)
	s, _ := h.create(model.ModeTrain)
	rec := h.do(http.MethodGet, "/api/sessions/"+s.ID+"/voice?token="+testToken, "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNewRouterRequiresDependencies(t *testing.T) {
	_, err := NewRouter(Options{})
	assert.Error(t, err)
}

func TestRelayForwardsHintClear(t *testing.T) {
	hub := coach.NewHub()
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/sessions/s1/messages", nil)

	r := &relay{c: c}
	unsubscribe := r.subscribe(hub, "s1")

	// 推送开始前不写响应
	hub.Publish("s1", nil)
	assert.Empty(t, rec.Body.String())

	r.sink(assembler.Update{Kind: assembler.KindDelta, Delta: "你好"})
	hub.Publish("s1", &model.CoachHint{ID: "h1", Content: "先问预算"})
	hub.Publish("s1", nil)
	unsubscribe()
	hub.Publish("s1", nil)
	r.finish(nil)

	assert.Equal(t, []string{"delta", hintClearEvent, "end"}, events(rec.Body.String()))
}
