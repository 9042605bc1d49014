package apiresp

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kira-kanban/dispatch-core/internal/apierr"
)

// statusFor maps an apierr.Kind to the HTTP status it should surface as.
func statusFor(kind apierr.Kind) int {
	switch kind {
	case apierr.KindNotFound:
		return http.StatusNotFound
	case apierr.KindConflict:
		return http.StatusConflict
	case apierr.KindForbidden:
		return http.StatusForbidden
	case apierr.KindRateLimited:
		return http.StatusTooManyRequests
	case apierr.KindProtocolError:
		return http.StatusBadRequest
	case apierr.KindExecutorError, apierr.KindStorageError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Fail writes err as a JSON error body with the status its apierr.Kind maps
// to, so handlers never hand-translate storage errors to status codes.
func Fail(c *gin.Context, err error) {
	kind := apierr.KindOf(err)
	c.JSON(statusFor(kind), gin.H{"error": err.Error(), "kind": kind.String()})
}
