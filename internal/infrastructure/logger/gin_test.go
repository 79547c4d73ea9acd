package logger

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// requestLog runs one request through a router wired with the given
// middlewares and returns the recorded "HTTP Request" entry, or nil.
func requestLog(t *testing.T, level zapcore.Level, method, target string, handler gin.HandlerFunc, pre ...gin.HandlerFunc) (*observer.LoggedEntry, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	core, recorded := observer.New(level)
	router := gin.New()
	for _, mw := range pre {
		router.Use(mw)
	}
	router.Use(GinMiddleware(zap.New(core)))
	router.Handle(method, "/usage/events", handler)
	router.Handle(method, "/usage/summary", handler)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, target, nil)
	req.Header.Set("User-Agent", "meterd-loadgen/1.0")
	router.ServeHTTP(w, req)

	for _, entry := range recorded.All() {
		if entry.Message == "HTTP Request" {
			e := entry
			return &e, w
		}
	}
	return nil, w
}

func TestGinMiddleware(t *testing.T) {
	t.Run("successful request logs at info", func(t *testing.T) {
		entry, w := requestLog(t, zapcore.InfoLevel, http.MethodGet, "/usage/summary", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		assert.Equal(t, http.StatusOK, w.Code)
		require.NotNil(t, entry, "HTTP Request log should exist")
		assert.Equal(t, zapcore.InfoLevel, entry.Level)
	})

	t.Run("client error logs at warn", func(t *testing.T) {
		entry, w := requestLog(t, zapcore.WarnLevel, http.MethodGet, "/usage/summary", func(c *gin.Context) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
		})

		assert.Equal(t, http.StatusBadRequest, w.Code)
		require.NotNil(t, entry)
		assert.Equal(t, zapcore.WarnLevel, entry.Level)
	})

	t.Run("server error logs at error", func(t *testing.T) {
		entry, w := requestLog(t, zapcore.ErrorLevel, http.MethodGet, "/usage/summary", func(c *gin.Context) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		})

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		require.NotNil(t, entry)
		assert.Equal(t, zapcore.ErrorLevel, entry.Level)
	})

	t.Run("request id from context is logged", func(t *testing.T) {
		entry, _ := requestLog(t, zapcore.InfoLevel, http.MethodGet, "/usage/summary",
			func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) },
			func(c *gin.Context) {
				c.Set("request_id", "req-metering-123")
				c.Next()
			})

		require.NotNil(t, entry)
		var got string
		for _, field := range entry.Context {
			if field.Key == "request_id" {
				got = field.String
			}
		}
		assert.Equal(t, "req-metering-123", got)
	})

	t.Run("query string is logged", func(t *testing.T) {
		entry, _ := requestLog(t, zapcore.InfoLevel, http.MethodGet, "/usage/summary?month=2026-08&tenant=t-1", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		require.NotNil(t, entry)
		var got string
		for _, field := range entry.Context {
			if field.Key == "query" {
				got = field.String
			}
		}
		assert.Contains(t, got, "month=2026-08")
	})

	t.Run("standard request fields are present", func(t *testing.T) {
		entry, _ := requestLog(t, zapcore.InfoLevel, http.MethodPost, "/usage/events", func(c *gin.Context) {
			c.JSON(http.StatusCreated, gin.H{"id": 1})
		})

		require.NotNil(t, entry)
		fields := make(map[string]struct{}, len(entry.Context))
		for _, field := range entry.Context {
			fields[field.Key] = struct{}{}
		}
		for _, key := range []string{"status", "latency", "client_ip", "user_agent", "method", "path"} {
			assert.Contains(t, fields, key)
		}
	})
}

func TestRecovery(t *testing.T) {
	gin.SetMode(gin.TestMode)

	core, recorded := observer.New(zapcore.ErrorLevel)

	router := gin.New()
	router.Use(Recovery(zap.New(core)))
	router.GET("/usage/summary", func(c *gin.Context) {
		panic("summary rebuild blew up")
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/usage/summary", nil)

	assert.NotPanics(t, func() {
		router.ServeHTTP(w, req)
	})
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	logs := recorded.All()
	require.NotEmpty(t, logs)
	assert.Contains(t, logs[0].Message, "Panic recovered")
}

func TestGetGinLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("returns the logger set by the middleware", func(t *testing.T) {
		core, _ := observer.New(zapcore.InfoLevel)

		var got *zap.Logger
		router := gin.New()
		router.Use(GinMiddleware(zap.New(core)))
		router.GET("/usage/summary", func(c *gin.Context) {
			got = GetGinLogger(c)
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/usage/summary", nil)
		router.ServeHTTP(w, req)

		assert.NotNil(t, got)
	})

	t.Run("returns a no-op logger when unset", func(t *testing.T) {
		var got *zap.Logger
		router := gin.New()
		router.GET("/usage/summary", func(c *gin.Context) {
			got = GetGinLogger(c)
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/usage/summary", nil)
		router.ServeHTTP(w, req)

		require.NotNil(t, got)
		assert.NotPanics(t, func() { got.Info("still works") })
	})
}
