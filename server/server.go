package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"lingzhi-trainer/backend"
	"lingzhi-trainer/coach"
	"lingzhi-trainer/config"
	"lingzhi-trainer/handle"
	"lingzhi-trainer/log"
	"lingzhi-trainer/session"
	"lingzhi-trainer/utils"
	"lingzhi-trainer/voice"

	"github.com/gin-gonic/gin"
)

// Identity 负责登录和解析当前用户，这两个接口的401会强制退出登录
type Identity interface {
	Login(ctx context.Context, username, password string) (backend.Credential, error)
	CurrentUser(ctx context.Context, cred backend.Credential) (backend.User, error)
}

// Options 是HTTP服务的依赖
type Options struct {
	Config   *config.Config
	Manager  *session.Manager
	Identity Identity
	// VoiceDialer 为会话创建到语音后端的拨号函数，为nil时语音路由不可用
	VoiceDialer func(sessionID string) voice.Dialer
	// NewDetector 为每条语音连接创建本地人声检测器，可为nil
	NewDetector func() (voice.Detector, error)
	// Hints 提示变化的分发器，需与会话管理器的OnHint接在同一个实例上，可为nil
	Hints *coach.Hub
}

// NewRouter 创建注册好全部路由的gin引擎
func NewRouter(opts Options) (*gin.Engine, error) {
	if opts.Config == nil || opts.Manager == nil || opts.Identity == nil {
		return nil, errors.New("server: config、manager和identity不能为空")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	h := &handlers{
		opts:     opts,
		manager:  opts.Manager,
		identity: opts.Identity,
		upgrader: handle.NewUpgrader(opts.Config.HTTP.AllowedOrigins),
	}
	h.register(router)
	return router, nil
}

// Start 启动HTTP服务，阻塞直到ctx被取消，然后优雅关闭
// 参数:
//   - ctx: 控制服务生命周期的上下文
//   - opts: 服务依赖
//
// 返回:
//   - error: 如果服务器启动失败，返回错误信息
func Start(ctx context.Context, opts Options) error {
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", opts.Config.HTTP.Host, opts.Config.HTTP.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Infof("正在启动HTTP服务器，监听地址: %s (本机IP: %s)", addr, utils.GetLocalIP())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// requestLogger 用项目日志记录每个请求
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		if status >= http.StatusInternalServerError {
			log.Warnf("%s %s %d %s", c.Request.Method, c.FullPath(), status, time.Since(start))
			return
		}
		log.Debugf("%s %s %d %s", c.Request.Method, c.FullPath(), status, time.Since(start))
	}
}
