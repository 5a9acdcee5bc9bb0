package cors

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func serve(t *testing.T, mw gin.HandlerFunc, method, origin string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	router := gin.New()
	router.Use(mw)
	router.GET("/", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(method, "/", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	router.ServeHTTP(recorder, req)
	return recorder
}

func TestLoopbackOriginAllowedByDefault(t *testing.T) {
	recorder := serve(t, New(nil), http.MethodGet, "http://localhost:3000")

	assert.Equal(t, http.StatusNoContent, recorder.Code)
	assert.Equal(t, "http://localhost:3000", recorder.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", recorder.Header().Get("Access-Control-Allow-Credentials"))
}

func TestExternalOriginRefusedByDefault(t *testing.T) {
	recorder := serve(t, New(nil), http.MethodGet, "https://evil.example.com")

	assert.Empty(t, recorder.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, recorder.Header().Get("Access-Control-Allow-Credentials"))
}

func TestConfiguredOriginAllowed(t *testing.T) {
	mw := New([]string{"https://console.example.com"})

	recorder := serve(t, mw, http.MethodGet, "https://console.example.com")
	assert.Equal(t, "https://console.example.com", recorder.Header().Get("Access-Control-Allow-Origin"))

	// An explicit allow-list disables the loopback default.
	recorder = serve(t, mw, http.MethodGet, "http://localhost:3000")
	assert.Empty(t, recorder.Header().Get("Access-Control-Allow-Origin"))
}

func TestPreflightShortCircuits(t *testing.T) {
	recorder := serve(t, New(nil), http.MethodOptions, "http://127.0.0.1:8080")

	assert.Equal(t, http.StatusNoContent, recorder.Code)
	assert.Equal(t, "http://127.0.0.1:8080", recorder.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, recorder.Header().Get("Access-Control-Allow-Methods"))
}
