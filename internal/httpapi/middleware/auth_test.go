package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func runAuth(token, header string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(BearerAuth(token))
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestBearerAuth_RejectsMissingHeader(t *testing.T) {
	rec := runAuth("secret", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBearerAuth_RejectsWrongToken(t *testing.T) {
	rec := runAuth("secret", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBearerAuth_AcceptsCorrectToken(t *testing.T) {
	rec := runAuth("secret", "Bearer secret")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBearerAuth_FailsClosedWhenUnconfigured(t *testing.T) {
	rec := runAuth("", "Bearer anything")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestUserID_ReadsHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	var got string
	router.GET("/x", func(c *gin.Context) {
		got = UserID(c)
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-User-ID", "user-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "user-1", got)
}
