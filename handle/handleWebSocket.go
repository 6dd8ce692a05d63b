package handle

import (
	"net/http"
	"net/url"
	"strings"

	"lingzhi-trainer/log"
	ws "lingzhi-trainer/websocket"

	"github.com/gorilla/websocket"
)

// NewUpgrader 创建WebSocket升级器
// 参数:
//   - allowedOrigins: 允许的来源列表，为空时允许所有来源
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.ToLower(strings.TrimRight(o, "/"))] = true
	}
	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return allowed[strings.ToLower(u.Scheme+"://"+u.Host)]
		},
	}
}

// HandleWebSocket 将HTTP连接升级为WebSocket并创建新的语音连接
// 参数:
//   - w: HTTP响应写入器
//   - r: HTTP请求
//   - upgrader: WebSocket升级器
//   - opts: 会话和语音后端依赖
func HandleWebSocket(w http.ResponseWriter, r *http.Request, upgrader *websocket.Upgrader, opts ws.Options) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("升级连接失败: %v", err)
		return
	}

	log.WithSession(opts.SessionID).Infof("新的语音连接来自 %s", r.RemoteAddr)

	wsConn := ws.NewWebSocketConnection(conn, opts)

	// 在新的goroutine中处理连接
	go wsConn.HandleConnection()
}
