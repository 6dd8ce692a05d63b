// Package backend 是外部业务后端的REST客户端。
//
// 每个请求都显式携带调用方的凭证，不从任何全局状态中读取令牌。
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"lingzhi-trainer/config"
	"lingzhi-trainer/log"
	"lingzhi-trainer/model"
	"lingzhi-trainer/stream"
)

// Credential 是调用方的Bearer凭证
type Credential struct {
	Token string
}

// Empty 判断凭证是否为空
func (c Credential) Empty() bool {
	return strings.TrimSpace(c.Token) == ""
}

// CredentialFromHeader 从Authorization头解析凭证
func CredentialFromHeader(header string) Credential {
	token := strings.TrimSpace(header)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	return Credential{Token: token}
}

// User 表示当前登录用户
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CreateSessionRequest 是创建会话的请求体
type CreateSessionRequest struct {
	ScenarioID string     `json:"scenario_id"`
	Mode       model.Mode `json:"mode"`
	Seed       *int64     `json:"seed,omitempty"`
}

// errorBody 是后端错误响应
type errorBody struct {
	Detail  string `json:"detail"`
	Message string `json:"message"`
}

// Client 是后端REST客户端
type Client struct {
	baseURL       string
	http          *http.Client // 普通请求，带超时
	streamHTTP    *http.Client // 流式请求，不设整体超时
	identityPaths map[string]bool
}

// 后端接口路径
const (
	PathLogin       = "/api/auth/login"
	PathCurrentUser = "/api/auth/me"
	pathSessions    = "/api/sessions"
	pathHealth      = "/health"
)

// NewClient 创建后端客户端
func NewClient(cfg config.BackendConfig) *Client {
	identity := make(map[string]bool)
	paths := cfg.IdentityPaths
	if len(paths) == 0 {
		paths = []string{PathLogin, PathCurrentUser}
	}
	for _, p := range paths {
		identity[p] = true
	}
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.URL, "/"),
		http:          &http.Client{Timeout: timeout},
		streamHTTP:    &http.Client{},
		identityPaths: identity,
	}
}

// Login 登录并返回凭证
func (c *Client) Login(ctx context.Context, username, password string) (Credential, error) {
	var out struct {
		Token string `json:"token"`
	}
	body := map[string]string{"username": username, "password": password}
	if err := c.doJSON(ctx, Credential{}, http.MethodPost, PathLogin, body, &out); err != nil {
		return Credential{}, err
	}
	return Credential{Token: out.Token}, nil
}

// CurrentUser 返回凭证对应的用户
func (c *Client) CurrentUser(ctx context.Context, cred Credential) (User, error) {
	var u User
	err := c.doJSON(ctx, cred, http.MethodGet, PathCurrentUser, nil, &u)
	return u, err
}

// CreateSession 创建会话
func (c *Client) CreateSession(ctx context.Context, cred Credential, req CreateSessionRequest) (model.Session, error) {
	var s model.Session
	err := c.doJSON(ctx, cred, http.MethodPost, pathSessions, req, &s)
	return s, err
}

// GetSession 读取会话
func (c *Client) GetSession(ctx context.Context, cred Credential, id string) (model.Session, error) {
	var s model.Session
	err := c.doJSON(ctx, cred, http.MethodGet, sessionPath(id, ""), nil, &s)
	return s, err
}

// ListSessions 按状态列出当前用户的会话
func (c *Client) ListSessions(ctx context.Context, cred Credential, status model.Status) ([]model.Session, error) {
	var out []model.Session
	path := pathSessions + "?status=" + url.QueryEscape(string(status))
	err := c.doJSON(ctx, cred, http.MethodGet, path, nil, &out)
	return out, err
}

// StartSession 请求开场轮次，返回事件流解码器
func (c *Client) StartSession(ctx context.Context, cred Credential, id string) (*stream.Decoder, error) {
	return c.openStream(ctx, cred, sessionPath(id, "/start"), nil)
}

// SendMessage 发送用户消息，返回AI回复的事件流解码器
func (c *Client) SendMessage(ctx context.Context, cred Credential, id, content string) (*stream.Decoder, error) {
	return c.openStream(ctx, cred, sessionPath(id, "/messages"), map[string]string{"content": content})
}

// EndSession 通知后端结束会话
func (c *Client) EndSession(ctx context.Context, cred Credential, id string, status model.Status) error {
	body := map[string]string{"status": string(status)}
	return c.doJSON(ctx, cred, http.MethodPost, sessionPath(id, "/end"), body, nil)
}

// History 读取会话的轮次历史
func (c *Client) History(ctx context.Context, cred Credential, id string) ([]model.Turn, error) {
	var turns []model.Turn
	if err := c.doJSON(ctx, cred, http.MethodGet, sessionPath(id, "/turns"), nil, &turns); err != nil {
		return nil, err
	}
	for i := range turns {
		turns[i].SessionID = id
	}
	return turns, nil
}

// RequestHint 主动请求一条教练提示，与轮次事件流无关
func (c *Client) RequestHint(ctx context.Context, cred Credential, id string) (string, error) {
	var out struct {
		Content string `json:"content"`
	}
	if err := c.doJSON(ctx, cred, http.MethodPost, sessionPath(id, "/hint"), nil, &out); err != nil {
		return "", err
	}
	return out.Content, nil
}

func sessionPath(id, suffix string) string {
	return pathSessions + "/" + url.PathEscape(id) + suffix
}

// newRequest 构造请求并附加凭证
func (c *Client) newRequest(ctx context.Context, cred Credential, method, path string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("JSON编码错误: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求错误: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if !cred.Empty() {
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	}
	return req, nil
}

// doJSON 发送普通请求并解析JSON响应
func (c *Client) doJSON(ctx context.Context, cred Credential, method, path string, body, out interface{}) error {
	req, err := c.newRequest(ctx, cred, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("请求后端接口%s失败: %w", path, err)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, path); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析后端接口%s响应失败: %w", path, err)
	}
	return nil
}

// openStream 发送流式请求，成功时由返回的解码器负责关闭响应体
func (c *Client) openStream(ctx context.Context, cred Credential, path string, body interface{}) (*stream.Decoder, error) {
	req, err := c.newRequest(ctx, cred, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamHTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("打开事件流%s失败: %w", path, err)
	}
	if err := c.checkStatus(resp, path); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return stream.NewDecoder(resp.Body), nil
}

// checkStatus 把非2xx响应转换为错误，并执行401的不对称策略
func (c *Client) checkStatus(resp *http.Response, path string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var eb errorBody
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &eb) == nil {
		if eb.Detail != "" {
			msg = eb.Detail
		} else if eb.Message != "" {
			msg = eb.Message
		}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		if c.isIdentityPath(path) {
			log.Warnf("身份接口%s返回401，需要重新登录", path)
			return &AuthError{Path: path}
		}
		// 次要接口的401可能只是暂时的授权抖动，不强制退出
		log.Warnf("接口%s返回401，忽略登出: %s", path, msg)
	}
	return &APIError{StatusCode: resp.StatusCode, Path: path, Message: msg}
}

func (c *Client) isIdentityPath(path string) bool {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return c.identityPaths[path]
}
