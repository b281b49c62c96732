package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mantonx/syncstream/internal/logger"
)

// RequestIDKey is the gin context key holding the request ID
const RequestIDKey = "request_id"

const retryAfterSeconds = "5"

// HTTPStatus maps an error kind to the status code returned by the API.
func HTTPStatus(err error) int {
	if Is(err, ErrNotFound) {
		return http.StatusNotFound
	}
	switch GetKind(err) {
	case KindValidation, KindLinkConnectionFailed:
		return http.StatusBadRequest
	case KindSessionRejected, KindClockUnavailable:
		return http.StatusServiceUnavailable
	case KindStateChangeFailure:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ToGinResponse sends the error as a standardized JSON response
func (e *Error) ToGinResponse(c *gin.Context) {
	statusCode := HTTPStatus(e)

	response := gin.H{
		"error": e.Error(),
		"code":  string(e.Kind),
	}

	if len(e.Details) > 0 {
		response["details"] = e.Details
	}
	if id := c.GetString(RequestIDKey); id != "" {
		response["request_id"] = id
	}
	// clients may retry once the clock syncs or load drops
	if statusCode == http.StatusServiceUnavailable {
		c.Header("Retry-After", retryAfterSeconds)
	}

	logger.Error("HTTP error response",
		"status", statusCode,
		"code", e.Kind,
		"message", e.Error(),
		"path", c.Request.URL.Path,
		"method", c.Request.Method)

	c.JSON(statusCode, response)
}

// Respond renders any error through ToGinResponse, wrapping plain errors
// as internal errors.
func Respond(c *gin.Context, op string, err error) {
	var e *Error
	if !As(err, &e) {
		if Is(err, ErrNotFound) {
			e = New(KindValidation, op, err)
		} else {
			e = Internal(op, err)
		}
	}
	e.ToGinResponse(c)
}

// HandleValidationError sends a validation error response
func HandleValidationError(c *gin.Context, message string, field string) {
	Newf(KindValidation, "validate", "%s", message).WithDetail("field", field).ToGinResponse(c)
}
