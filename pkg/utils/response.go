package utils

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response is the envelope every API handler writes
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *AppError   `json:"error,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// Meta carries list metadata
type Meta struct {
	Count  int  `json:"count,omitempty"`
	Cached bool `json:"cached,omitempty"`
}

// SendSuccess writes a success envelope
func SendSuccess(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Response{Success: true, Data: data})
}

// SendSuccessWithMeta writes a success envelope with list metadata
func SendSuccessWithMeta(c *gin.Context, status int, data interface{}, meta *Meta) {
	c.JSON(status, Response{Success: true, Data: data, Meta: meta})
}

// SendError writes an error envelope
func SendError(c *gin.Context, status int, code, message string, details interface{}) {
	c.JSON(status, Response{Success: false, Error: NewAppError(code, message, details)})
}

// SendBadRequest writes a 400
func SendBadRequest(c *gin.Context, message string, details interface{}) {
	SendError(c, http.StatusBadRequest, ErrCodeValidation, message, details)
}

// SendNotFound writes a 404
func SendNotFound(c *gin.Context, message string) {
	SendError(c, http.StatusNotFound, ErrCodeNotFound, message, nil)
}

// SendUnauthorized writes a 401
func SendUnauthorized(c *gin.Context, message string) {
	SendError(c, http.StatusUnauthorized, ErrCodeUnauthorized, message, nil)
}

// SendTooManyRequests writes a 429
func SendTooManyRequests(c *gin.Context, message string) {
	SendError(c, http.StatusTooManyRequests, ErrCodeRateLimited, message, nil)
}

// SendInternalError writes a 500
func SendInternalError(c *gin.Context, message string) {
	SendError(c, http.StatusInternalServerError, ErrCodeInternal, message, nil)
}

// SendUnavailable writes a 503
func SendUnavailable(c *gin.Context, message string) {
	SendError(c, http.StatusServiceUnavailable, ErrCodeUnavailable, message, nil)
}
