package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"suimessenger/pkg/metrics"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, method, path string, header http.Header) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	r.ServeHTTP(w, req)
	return w
}

func TestRequestLogger_PropagatesRequestID(t *testing.T) {
	r := gin.New()
	r.Use(RequestLogger())
	r.GET("/id", func(c *gin.Context) { c.String(http.StatusOK, c.GetString("request_id")) })

	w := serve(r, http.MethodGet, "/id", nil)
	generated := w.Header().Get(RequestIDHeader)
	assert.NotEmpty(t, generated)
	assert.Equal(t, generated, w.Body.String())

	w = serve(r, http.MethodGet, "/id", http.Header{RequestIDHeader: []string{"abc-123"}})
	assert.Equal(t, "abc-123", w.Header().Get(RequestIDHeader))
}

func TestRecovery_ReturnsInternalError(t *testing.T) {
	r := gin.New()
	r.Use(Recovery())
	r.GET("/boom", func(*gin.Context) { panic("boom") })

	w := serve(r, http.MethodGet, "/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}

func TestTimeout_SetsDeadline(t *testing.T) {
	r := gin.New()
	r.Use(Timeout(50*time.Millisecond, metrics.NewMetrics("timeout-test")))
	r.GET("/slow", func(c *gin.Context) {
		_, ok := c.Request.Context().Deadline()
		require.True(t, ok)
		<-c.Request.Context().Done()
		c.Status(http.StatusGatewayTimeout)
	})

	w := serve(r, http.MethodGet, "/slow", nil)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestRateLimiter_InMemoryWindow(t *testing.T) {
	rl := NewRateLimiter(nil, 1, time.Minute, nil)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	r := gin.New()
	r.Use(rl.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	assert.Equal(t, http.StatusNoContent, serve(r, http.MethodGet, "/", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(r, http.MethodGet, "/", nil).Code)

	now = now.Add(time.Minute)
	assert.Equal(t, http.StatusNoContent, serve(r, http.MethodGet, "/", nil).Code)
}

func TestRateLimiter_FallsBackWhenRedisIsDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	defer client.Close()
	rl := NewRateLimiter(client, 1, time.Minute, nil)

	r := gin.New()
	r.Use(rl.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	assert.Equal(t, http.StatusNoContent, serve(r, http.MethodGet, "/", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(r, http.MethodGet, "/", nil).Code)
}
