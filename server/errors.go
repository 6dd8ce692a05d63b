package server

import (
	"errors"
	"net/http"

	"lingzhi-trainer/backend"
	"lingzhi-trainer/coach"
	"lingzhi-trainer/session"

	"github.com/gin-gonic/gin"
)

// statusFor 把错误映射为HTTP状态码。
// 只有身份接口的401是致命的，其余错误都在界面上内联显示。
func statusFor(err error) int {
	var te *session.TransportError
	switch {
	case backend.IsFatalAuth(err):
		return http.StatusUnauthorized
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrTurnInProgress),
		errors.Is(err, session.ErrAlreadyStarted),
		errors.Is(err, session.ErrSessionEnded),
		errors.Is(err, session.ErrNotActive):
		return http.StatusConflict
	case errors.Is(err, session.ErrEmptyMessage), errors.Is(err, session.ErrInvalidMode):
		return http.StatusBadRequest
	case errors.Is(err, coach.ErrSuppressed):
		return http.StatusForbidden
	case errors.As(err, &te):
		return http.StatusBadGateway
	}
	if code := backend.StatusCode(err); code != 0 {
		if code == http.StatusNotFound {
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// abortWithError 写出错误响应
func abortWithError(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}
	if status == http.StatusUnauthorized {
		body["logout"] = true
	}
	c.AbortWithStatusJSON(status, body)
}
