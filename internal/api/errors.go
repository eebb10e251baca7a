package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/taoyao-code/ocpp-server/internal/centralsystem"
	"github.com/taoyao-code/ocpp-server/internal/correlator"
	"github.com/taoyao-code/ocpp-server/internal/protocol/ocpp16"
	"github.com/taoyao-code/ocpp-server/internal/storage"
)

// ErrorResponse 统一错误响应
type ErrorResponse struct {
	Error       string `json:"error"`
	Message     string `json:"message"`
	OCPPCode    string `json:"ocppCode,omitempty"`
	OCPPDetails any    `json:"ocppDetails,omitempty"`
}

// statusOf 下行指令错误到 HTTP 状态码
func statusOf(err error) (int, ErrorResponse) {
	var ce *correlator.CallError
	switch {
	case errors.Is(err, centralsystem.ErrTargetNotConnected):
		return http.StatusNotFound, ErrorResponse{Error: "target_not_connected", Message: err.Error()}
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{Error: "not_found", Message: err.Error()}
	case errors.Is(err, correlator.ErrTimeout):
		return http.StatusGatewayTimeout, ErrorResponse{Error: "timeout", Message: err.Error()}
	case errors.As(err, &ce):
		resp := ErrorResponse{Error: "call_error", Message: ce.Description, OCPPCode: string(ce.Code)}
		if len(ce.Details) > 0 && string(ce.Details) != "{}" {
			resp.OCPPDetails = ce.Details
		}
		return http.StatusBadGateway, resp
	case errors.Is(err, correlator.ErrConnectionClosed):
		return http.StatusServiceUnavailable, ErrorResponse{Error: "connection_closed", Message: err.Error()}
	case errors.Is(err, centralsystem.ErrNotRemoteAction), errors.Is(err, ocpp16.ErrEncoding):
		return http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: err.Error()}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: err.Error()}
	}
}

func abortWithError(c *gin.Context, err error) {
	status, body := statusOf(err)
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: msg})
}
