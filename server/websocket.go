package server

import (
	"net/http"

	"lingzhi-trainer/handle"
	"lingzhi-trainer/log"
	"lingzhi-trainer/model"
	ws "lingzhi-trainer/websocket"

	"github.com/gin-gonic/gin"
)

// voice 把请求升级为该会话的语音连接。
// 会话必须存在且未结束，语音后端未配置时返回503。
func (h *handlers) voice(c *gin.Context) {
	if h.opts.VoiceDialer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "语音通道未配置"})
		return
	}

	id := c.Param("id")
	cred := credential(c)
	snap, err := h.manager.Resume(c.Request.Context(), cred, id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if snap.Session.Status.Terminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "会话已结束"})
		return
	}

	cfg := h.opts.Config.Voice
	opts := ws.Options{
		SessionID: id,
		AudioParams: model.CommandAudioParams{
			Format:        "opus",
			SampleRate:    cfg.SampleRate,
			Channels:      1,
			FrameDuration: cfg.FrameDuration,
		},
		Replier: h.manager.Replier(cred, id),
		Dial:    h.opts.VoiceDialer(id),
		BargeIn: cfg.BargeIn,
		Hints:   h.opts.Hints,
	}
	if h.opts.NewDetector != nil {
		detector, err := h.opts.NewDetector()
		if err != nil {
			// 没有本地检测时仍然可以依赖语音后端的检测结果
			log.WithSession(id).Warnf("创建人声检测器失败: %v", err)
		} else {
			opts.Detector = detector
		}
	}

	handle.HandleWebSocket(c.Writer, c.Request, h.upgrader, opts)
}
