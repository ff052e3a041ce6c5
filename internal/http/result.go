package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"river-workorder/internal/workflow"

	"github.com/gin-gonic/gin"
)

// Result 统一响应结构
// - code: 2000 成功，-1 失败
// - type: 'success' | 'error'
// - message: string
// - result: any
type Result[T any] struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
	Result  T      `json:"result"`
}

const (
	ResultSuccess = 2000
	ResultError   = -1
)

func Ok[T any](result T) Result[T] {
	return Result[T]{Code: ResultSuccess, Type: "success", Message: "ok", Result: result}
}

func Fail(message string) Result[any] {
	return Result[any]{Code: ResultError, Type: "error", Message: message, Result: nil}
}

// Rejection 失败详情
type Rejection struct {
	Kind  string `json:"kind"`
	Guard string `json:"guard,omitempty"`
}

// statusFor 错误类别 → HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, workflow.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, workflow.ErrAssigneeUnavailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, workflow.ErrInvalidState),
		errors.Is(err, workflow.ErrCapacityExceeded),
		errors.Is(err, workflow.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrTransientFailure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	rej := Rejection{Kind: "internal", Guard: workflow.GuardOf(err)}
	if kind := workflow.KindOf(err); kind != nil {
		rej.Kind = kind.Error()
	}
	c.JSON(statusFor(err), Result[Rejection]{Code: ResultError, Type: "error", Message: err.Error(), Result: rej})
}

func writeOK[T any](c *gin.Context, v T) {
	c.JSON(http.StatusOK, Ok(v))
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, Fail(message))
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}
