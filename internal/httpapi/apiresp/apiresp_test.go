package apiresp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kira-kanban/dispatch-core/internal/apierr"
)

func TestStatusFor_MapsEveryKind(t *testing.T) {
	cases := map[apierr.Kind]int{
		apierr.KindNotFound:      http.StatusNotFound,
		apierr.KindConflict:      http.StatusConflict,
		apierr.KindForbidden:     http.StatusForbidden,
		apierr.KindRateLimited:   http.StatusTooManyRequests,
		apierr.KindProtocolError: http.StatusBadRequest,
		apierr.KindExecutorError: http.StatusInternalServerError,
		apierr.KindStorageError:  http.StatusInternalServerError,
		apierr.KindUnknown:       http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, statusFor(kind), "kind %s", kind)
	}
}

func TestFail_WritesKindAndMessage(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)

	Fail(c, apierr.Conflict("task already claimed"))

	require.Equal(t, http.StatusConflict, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "conflict", body["kind"])
	assert.Contains(t, body["error"], "already claimed")
}
