package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/inkframe/workflow-engine/internal/workflowerr"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{Error: APIError{Message: msg, Code: code}})
}

// RespondWorkflowError maps a workflowerr.Kind to the HTTP status a caller
// should see, per the §7 taxonomy, and writes the envelope.
func RespondWorkflowError(c *gin.Context, err error) {
	kind := workflowerr.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	RespondError(c, status, string(kind), err)
}

var kindStatus = map[workflowerr.Kind]int{
	workflowerr.NotFound:            http.StatusNotFound,
	workflowerr.NotAuthorized:       http.StatusForbidden,
	workflowerr.Validation:          http.StatusBadRequest,
	workflowerr.Conflict:            http.StatusConflict,
	workflowerr.InvalidInput:        http.StatusBadRequest,
	workflowerr.SchemaMismatch:      http.StatusBadRequest,
	workflowerr.NoInput:             http.StatusUnprocessableEntity,
	workflowerr.Timeout:             http.StatusGatewayTimeout,
	workflowerr.RateLimited:         http.StatusTooManyRequests,
	workflowerr.QuotaExceeded:       http.StatusTooManyRequests,
	workflowerr.UpstreamUnavailable: http.StatusBadGateway,
	workflowerr.Network:             http.StatusBadGateway,
	workflowerr.BackendUnavailable:  http.StatusServiceUnavailable,
	workflowerr.StaleLease:          http.StatusConflict,
	workflowerr.Internal:            http.StatusInternalServerError,
}
