package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"alarmd/internal/alarm"
)

// Response is the envelope of every API reply.
type Response struct {
	Code int    `json:"code"`
	Data any    `json:"data"`
	Msg  string `json:"message"`
}

// Business codes. 0 is success; the rest follow the HTTP status they map to.
const (
	CodeOK             = 0
	CodeError          = -1
	CodeBadRequest     = 40001
	CodeUnauthorized   = 40100
	CodeForbidden      = 40300
	CodeNotFound       = 40400
	CodeConflict       = 40900
	CodeLimitExceeded  = 42200
	CodeRateLimited    = 42900
	CodeInternalFailed = 50000
)

var codeStatus = map[int]int{
	CodeOK:             http.StatusOK,
	CodeBadRequest:     http.StatusBadRequest,
	CodeUnauthorized:   http.StatusUnauthorized,
	CodeForbidden:      http.StatusForbidden,
	CodeNotFound:       http.StatusNotFound,
	CodeConflict:       http.StatusConflict,
	CodeLimitExceeded:  http.StatusUnprocessableEntity,
	CodeRateLimited:    http.StatusTooManyRequests,
	CodeInternalFailed: http.StatusInternalServerError,
}

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{Code: CodeOK, Data: data, Msg: "ok"})
}

func created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, Response{Code: CodeOK, Data: data, Msg: "created"})
}

func fail(c *gin.Context, code int, msg string) {
	status, ok := codeStatus[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	c.AbortWithStatusJSON(status, Response{Code: code, Msg: msg})
}

// failErr maps a domain error to its business code.
func failErr(c *gin.Context, err error) {
	fail(c, codeFor(err), err.Error())
}

func codeFor(err error) int {
	switch alarm.KindOf(err) {
	case alarm.KindValidation:
		return CodeBadRequest
	case alarm.KindNotFound:
		return CodeNotFound
	case alarm.KindOwnership:
		return CodeForbidden
	case alarm.KindLimitExceeded:
		return CodeLimitExceeded
	case alarm.KindRateLimited:
		return CodeRateLimited
	case alarm.KindSnoozeDisabled, alarm.KindMaxSnoozes, alarm.KindInvalidState:
		return CodeConflict
	default:
		return CodeInternalFailed
	}
}
