package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"
)

// newSpanRecorder installs a recording tracer provider for the test and
// restores nothing afterwards, each test installs its own.
func newSpanRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t.Cleanup(func() {
		_ = tp.Shutdown(t.Context())
	})

	return sr
}

func findSpan(sr *tracetest.SpanRecorder, name string) sdktrace.ReadOnlySpan {
	for _, span := range sr.Ended() {
		if span.Name() == name {
			return span
		}
	}
	return nil
}

func spanAttr(span sdktrace.ReadOnlySpan, key string) (string, bool) {
	for _, attr := range span.Attributes() {
		if string(attr.Key) == key {
			return attr.Value.AsString(), true
		}
	}
	return "", false
}

// serveTraced builds a tiny usage router with the given middlewares, issues
// one GET /usage/summary with optional headers and returns the recorder.
func serveTraced(status int, headers map[string]string, mws ...gin.HandlerFunc) *httptest.ResponseRecorder {
	router := gin.New()
	for _, mw := range mws {
		router.Use(mw)
	}
	router.GET("/usage/summary", func(c *gin.Context) {
		c.JSON(status, gin.H{"status": http.StatusText(status)})
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/usage/summary", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestTracingWithConfig(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("disabled emits no spans", func(t *testing.T) {
		sr := newSpanRecorder(t)
		cfg := TracingConfig{Enabled: false, ServiceName: "meterd-test"}

		w := serveTraced(http.StatusOK, nil, TracingWithConfig(cfg))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Nil(t, findSpan(sr, "GET /usage/summary"))
	})

	t.Run("enabled records a server span", func(t *testing.T) {
		sr := newSpanRecorder(t)
		cfg := TracingConfig{Enabled: true, ServiceName: "meterd-test"}

		w := serveTraced(http.StatusOK, nil, TracingWithConfig(cfg))

		assert.Equal(t, http.StatusOK, w.Code)
		require.NotNil(t, findSpan(sr, "GET /usage/summary"), "HTTP span not found")
	})

	t.Run("injector stamps request id on the span", func(t *testing.T) {
		sr := newSpanRecorder(t)
		cfg := TracingConfig{Enabled: true, ServiceName: "meterd-test"}

		w := serveTraced(http.StatusOK,
			map[string]string{"X-Request-ID": "req-metering-123"},
			RequestID(), TracingWithConfig(cfg), TracingAttributeInjector())

		assert.Equal(t, http.StatusOK, w.Code)
		span := findSpan(sr, "GET /usage/summary")
		require.NotNil(t, span)
		got, ok := spanAttr(span, "request_id")
		require.True(t, ok, "request_id attribute not found in span")
		assert.Equal(t, "req-metering-123", got)
	})

	t.Run("injector picks tenant id set by a handler", func(t *testing.T) {
		sr := newSpanRecorder(t)
		cfg := TracingConfig{Enabled: true, ServiceName: "meterd-test"}

		setTenant := func(c *gin.Context) {
			c.Set(TenantIDKey, "tenant-456")
			c.Next()
		}
		w := serveTraced(http.StatusOK, nil,
			TracingWithConfig(cfg), setTenant, TracingAttributeInjector())

		assert.Equal(t, http.StatusOK, w.Code)
		span := findSpan(sr, "GET /usage/summary")
		require.NotNil(t, span)
		got, ok := spanAttr(span, "tenant_id")
		require.True(t, ok, "tenant_id attribute not found in span")
		assert.Equal(t, "tenant-456", got)
	})

	t.Run("injector accepts tenant id from a UUID header", func(t *testing.T) {
		sr := newSpanRecorder(t)
		cfg := TracingConfig{Enabled: true, ServiceName: "meterd-test"}

		w := serveTraced(http.StatusOK,
			map[string]string{"X-Tenant-ID": "12345678-1234-1234-1234-123456789abc"},
			TracingWithConfig(cfg), TracingAttributeInjector())

		assert.Equal(t, http.StatusOK, w.Code)
		span := findSpan(sr, "GET /usage/summary")
		require.NotNil(t, span)
		got, ok := spanAttr(span, "tenant_id")
		require.True(t, ok, "tenant_id attribute not found in span")
		assert.Equal(t, "12345678-1234-1234-1234-123456789abc", got)
	})

	t.Run("injector without a recording span is harmless", func(t *testing.T) {
		w := serveTraced(http.StatusOK, nil, TracingAttributeInjector())
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestTracing_DefaultConfig(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sr := newSpanRecorder(t)

	w := serveTraced(http.StatusOK, nil, Tracing())

	assert.Equal(t, http.StatusOK, w.Code)
	require.GreaterOrEqual(t, len(sr.Ended()), 1)
}

func TestDefaultTracingConfig(t *testing.T) {
	cfg := DefaultTracingConfig()

	assert.Equal(t, "meterd-backend", cfg.ServiceName)
	assert.True(t, cfg.Enabled)
}

func TestSpanErrorMarker(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := TracingConfig{Enabled: true, ServiceName: "meterd-test"}

	cases := []struct {
		name        string
		status      int
		description string
	}{
		{"not found", http.StatusNotFound, "Not Found"},
		{"unauthorized", http.StatusUnauthorized, "Unauthorized"},
		{"forbidden", http.StatusForbidden, "Forbidden"},
		{"bad request", http.StatusBadRequest, "Client Error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sr := newSpanRecorder(t)

			w := serveTraced(tc.status, nil, TracingWithConfig(cfg), SpanErrorMarker())

			assert.Equal(t, tc.status, w.Code)
			span := findSpan(sr, "GET /usage/summary")
			require.NotNil(t, span)
			assert.Equal(t, codes.Error, span.Status().Code)
			assert.Equal(t, tc.description, span.Status().Description)
		})
	}

	t.Run("server error sets error code", func(t *testing.T) {
		sr := newSpanRecorder(t)

		w := serveTraced(http.StatusInternalServerError, nil, TracingWithConfig(cfg), SpanErrorMarker())

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		span := findSpan(sr, "GET /usage/summary")
		require.NotNil(t, span)
		// otelgin may have set its own description for 5xx, the code is what
		// matters here.
		assert.Equal(t, codes.Error, span.Status().Code)
	})

	t.Run("success leaves the span status unset", func(t *testing.T) {
		sr := newSpanRecorder(t)

		w := serveTraced(http.StatusOK, nil, TracingWithConfig(cfg), SpanErrorMarker())

		assert.Equal(t, http.StatusOK, w.Code)
		span := findSpan(sr, "GET /usage/summary")
		require.NotNil(t, span)
		assert.NotEqual(t, codes.Error, span.Status().Code)
	})

	t.Run("noop tracer does not panic", func(t *testing.T) {
		otel.SetTracerProvider(noop.NewTracerProvider())

		w := serveTraced(http.StatusInternalServerError, nil, SpanErrorMarker())
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestGetRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	capture := func(headers map[string]string, mws ...gin.HandlerFunc) string {
		var got string
		router := gin.New()
		for _, mw := range mws {
			router.Use(mw)
		}
		router.GET("/usage/summary", func(c *gin.Context) {
			got = getRequestID(c)
			c.Status(http.StatusOK)
		})
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/usage/summary", nil)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		router.ServeHTTP(w, req)
		return got
	}

	t.Run("prefers the context value", func(t *testing.T) {
		got := capture(nil, func(c *gin.Context) {
			c.Set("request_id", "context-request-id")
			c.Next()
		})
		assert.Equal(t, "context-request-id", got)
	})

	t.Run("falls back to the header", func(t *testing.T) {
		got := capture(map[string]string{"X-Request-ID": "header-request-id"})
		assert.Equal(t, "header-request-id", got)
	})

	t.Run("truncates oversized header values", func(t *testing.T) {
		got := capture(map[string]string{"X-Request-ID": strings.Repeat("b", 201)})
		assert.Len(t, got, 128)
	})
}

func TestGetTenantID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	capture := func(headers map[string]string, mws ...gin.HandlerFunc) string {
		var got string
		router := gin.New()
		for _, mw := range mws {
			router.Use(mw)
		}
		router.GET("/usage/summary", func(c *gin.Context) {
			got = getTenantID(c)
			c.Status(http.StatusOK)
		})
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/usage/summary", nil)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		router.ServeHTTP(w, req)
		return got
	}

	t.Run("prefers the context value", func(t *testing.T) {
		got := capture(nil, func(c *gin.Context) {
			c.Set(TenantIDKey, "ctx-tenant-id")
			c.Next()
		})
		assert.Equal(t, "ctx-tenant-id", got)
	})

	t.Run("accepts a UUID header", func(t *testing.T) {
		got := capture(map[string]string{"X-Tenant-ID": "12345678-1234-1234-1234-123456789abc"})
		assert.Equal(t, "12345678-1234-1234-1234-123456789abc", got)
	})

	t.Run("rejects a malformed header", func(t *testing.T) {
		got := capture(map[string]string{"X-Tenant-ID": "invalid-tenant-id"})
		assert.Empty(t, got)
	})
}

func TestIsValidTenantID(t *testing.T) {
	cases := []struct {
		name     string
		tenantID string
		want     bool
	}{
		{"lowercase UUID", "12345678-1234-1234-1234-123456789abc", true},
		{"uppercase UUID", "12345678-1234-1234-1234-123456789ABC", true},
		{"mixed case UUID", "12345678-1234-1234-1234-123456789AbC", true},
		{"too short", "12345678-1234-1234", false},
		{"no dashes", "12345678123412341234123456789abc", false},
		{"special characters", "12345678-1234-1234-1234-123456789<>!", false},
		{"script injection attempt", "<script>alert(1)</script>", false},
		{"empty", "", false},
		{"embedded space", "12345678-1234 -1234-1234-123456789abc", false},
		{"oversized", "12345678-1234-1234-1234-123456789abc" + strings.Repeat("extra", 100), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, isValidTenantID(tc.tenantID))
		})
	}
}
