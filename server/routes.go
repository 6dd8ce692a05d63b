package server

import (
	"net/http"
	"sync"

	"lingzhi-trainer/assembler"
	"lingzhi-trainer/backend"
	"lingzhi-trainer/coach"
	"lingzhi-trainer/log"
	"lingzhi-trainer/model"
	"lingzhi-trainer/session"
	"lingzhi-trainer/stream"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const credentialKey = "credential"

type handlers struct {
	opts     Options
	manager  *session.Manager
	identity Identity
	upgrader *websocket.Upgrader
}

// register 注册全部路由
func (h *handlers) register(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/api/auth/login", h.login)

	api := router.Group("/api/sessions", h.requireCredential)
	api.POST("", h.createOrResume)
	api.GET("/:id", h.resume)
	api.POST("/:id/start", h.start)
	api.POST("/:id/messages", h.send)
	api.POST("/:id/interrupt", h.interrupt)
	api.POST("/:id/end", h.end)
	api.GET("/:id/turns", h.turns)
	api.GET("/:id/elapsed", h.elapsed)
	api.POST("/:id/hint", h.requestHint)
	api.GET("/:id/hint", h.currentHint)
	api.GET("/:id/voice", h.voice)
}

// requireCredential 从Authorization头或token参数读取凭证。
// 浏览器的WebSocket无法设置请求头，语音路由使用token参数。
func (h *handlers) requireCredential(c *gin.Context) {
	cred := backend.CredentialFromHeader(c.GetHeader("Authorization"))
	if cred.Empty() {
		cred = backend.Credential{Token: c.Query("token")}
	}
	if cred.Empty() {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "缺少凭证", "logout": true})
		return
	}
	c.Set(credentialKey, cred)
	c.Next()
}

func credential(c *gin.Context) backend.Credential {
	cred, _ := c.Get(credentialKey)
	v, _ := cred.(backend.Credential)
	return v
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *handlers) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cred, err := h.identity.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": cred.Token})
}

type createRequest struct {
	ScenarioID string     `json:"scenario_id" binding:"required"`
	Mode       model.Mode `json:"mode" binding:"required"`
	Seed       *int64     `json:"seed"`
}

func (h *handlers) createOrResume(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	cred := credential(c)

	user, err := h.identity.CurrentUser(ctx, cred)
	if err != nil {
		abortWithError(c, err)
		return
	}
	s, resumed, err := h.manager.CreateOrResume(ctx, cred, session.CreateRequest{
		UserID:     user.ID,
		ScenarioID: req.ScenarioID,
		Mode:       req.Mode,
		Seed:       req.Seed,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s, "resumed": resumed})
}

func (h *handlers) resume(c *gin.Context) {
	snap, err := h.manager.Resume(c.Request.Context(), credential(c), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// updateEvent 是推送给浏览器的一次轮次更新
type updateEvent struct {
	Kind         string           `json:"kind"`
	Turn         *model.Turn      `json:"turn,omitempty"`
	IsTyping     bool             `json:"is_typing"`
	Delta        string           `json:"delta,omitempty"`
	Hint         *model.CoachHint `json:"hint,omitempty"`
	FinishReason string           `json:"finish_reason,omitempty"`
}

func newUpdateEvent(u assembler.Update) updateEvent {
	ev := updateEvent{
		Kind:         u.Kind.String(),
		IsTyping:     u.IsTyping,
		Delta:        u.Delta,
		FinishReason: u.FinishReason,
	}
	if u.Kind == assembler.KindHint {
		ev.Hint = u.CoachHint
		return ev
	}
	turn := u.Turn
	ev.Turn = &turn
	return ev
}

// hintClearEvent 是提示被清除时推送的事件名
const hintClearEvent = "hint_clear"

// relay 把轮次更新以事件流转发给浏览器。
// 第一个更新到达前不写响应头，这样开场前的错误仍然可以返回普通的JSON错误。
// 浏览器断开后只停止推送，解码由会话管理器继续完成。
type relay struct {
	c *gin.Context

	mu     sync.Mutex
	writer *stream.Writer
	failed bool
}

// subscribe 在推送期间把提示清除转发给浏览器，返回取消订阅的函数
func (r *relay) subscribe(hub *coach.Hub, sessionID string) func() {
	if hub == nil {
		return func() {}
	}
	return hub.Subscribe(sessionID, func(hint *model.CoachHint) {
		if hint != nil {
			return
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.writer == nil || r.stoppedLocked() {
			return
		}
		r.sendLocked(hintClearEvent, gin.H{"kind": hintClearEvent})
	})
}

func (r *relay) sink(u assembler.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stoppedLocked() {
		return
	}
	if r.writer == nil {
		w, err := stream.NewWriter(r.c.Writer)
		if err != nil {
			log.Errorf("创建事件流失败: %v", err)
			r.failed = true
			return
		}
		r.c.Status(http.StatusOK)
		r.writer = w
	}
	r.sendLocked(u.Kind.String(), newUpdateEvent(u))
}

// stoppedLocked 判断是否应该停止推送
func (r *relay) stoppedLocked() bool {
	if !r.failed && r.c.Request.Context().Err() != nil {
		log.Debugf("浏览器已断开，停止推送，轮次继续解码")
		r.failed = true
	}
	return r.failed
}

func (r *relay) sendLocked(event string, data any) {
	if err := r.writer.SendNamed(event, data); err != nil {
		log.Debugf("写入事件流失败: %v", err)
		r.failed = true
	}
}

// finish 结束事件流；还没有开始推送时按普通请求返回
func (r *relay) finish(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// 之后到达的提示清除不再写入
	defer func() { r.failed = true }()
	if r.writer == nil {
		if r.stoppedLocked() {
			return
		}
		if err != nil {
			abortWithError(r.c, err)
			return
		}
		r.c.Status(http.StatusNoContent)
		return
	}
	if r.stoppedLocked() {
		return
	}
	end := gin.H{"status": "ok"}
	if err != nil {
		end = gin.H{"status": "error", "error": err.Error()}
	}
	r.sendLocked("end", end)
}

func (h *handlers) start(c *gin.Context) {
	r := &relay{c: c}
	unsubscribe := r.subscribe(h.opts.Hints, c.Param("id"))
	err := h.manager.Start(c.Request.Context(), credential(c), c.Param("id"), r.sink)
	unsubscribe()
	r.finish(err)
}

type sendRequest struct {
	Content string `json:"content"`
}

func (h *handlers) send(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r := &relay{c: c}
	unsubscribe := r.subscribe(h.opts.Hints, c.Param("id"))
	err := h.manager.Send(c.Request.Context(), credential(c), c.Param("id"), req.Content, r.sink)
	unsubscribe()
	r.finish(err)
}

func (h *handlers) interrupt(c *gin.Context) {
	turn, ok := h.manager.Interrupt(c.Param("id"))
	if !ok {
		c.JSON(http.StatusOK, gin.H{"interrupted": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"interrupted": true, "turn": turn})
}

type endRequest struct {
	Abnormal bool `json:"abnormal"`
}

func (h *handlers) end(c *gin.Context) {
	var req endRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	s, err := h.manager.End(c.Request.Context(), credential(c), c.Param("id"), req.Abnormal)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *handlers) turns(c *gin.Context) {
	turns, err := h.manager.Turns(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if turns == nil {
		turns = []model.Turn{}
	}
	c.JSON(http.StatusOK, turns)
}

func (h *handlers) elapsed(c *gin.Context) {
	d := h.manager.Elapsed(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"elapsed_seconds": int64(d.Seconds())})
}

func (h *handlers) requestHint(c *gin.Context) {
	hint, err := h.manager.RequestHint(c.Request.Context(), credential(c), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, hint)
}

func (h *handlers) currentHint(c *gin.Context) {
	hint, ok := h.manager.Hint(c.Param("id"))
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, hint)
}
