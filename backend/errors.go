package backend

import (
	"errors"
	"fmt"
)

// APIError 表示后端返回的非2xx响应
type APIError struct {
	StatusCode int
	Path       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("后端接口 %s 返回状态码 %d", e.Path, e.StatusCode)
	}
	return fmt.Sprintf("后端接口 %s 返回状态码 %d: %s", e.Path, e.StatusCode, e.Message)
}

// AuthError 表示身份接口返回401，调用方必须强制退出登录
type AuthError struct {
	Path string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("身份认证失败: %s", e.Path)
}

// IsFatalAuth 判断错误是否需要强制退出登录。
// 只有身份接口的401才是致命的，其他接口的401只记录日志。
func IsFatalAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// StatusCode 返回错误携带的HTTP状态码，没有时返回0
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	if IsFatalAuth(err) {
		return 401
	}
	return 0
}
