// Package httpapi is the northbound HTTP surface: processing endpoints,
// job tracking, and operational status. One handler struct per concern,
// each wrapping its collaborators; gin.RouterGroup composition lives in
// router.go.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// APIError is the body of every non-2xx response.
type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ErrorEnvelope wraps APIError for JSON responses.
type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// RespondError writes a JSON error envelope.
func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{Error: APIError{Message: msg, Code: code}})
}

// RespondOK writes a 200 JSON payload.
func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}
