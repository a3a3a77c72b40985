package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRequestLogger_LogsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	e := echo.New()
	e.Use(RequestLogger(logger))
	e.GET("/app/page", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/app/page", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	out := buf.String()
	for _, want := range []string{
		`"method":"GET"`,
		`"path":"/app/page"`,
		`"status":200`,
		`"msg":"request"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s; got %s", want, out)
		}
	}
}

func TestRequestLogger_LogsErrorStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	e := echo.New()
	e.Use(RequestLogger(logger))
	e.GET("/missing", func(c echo.Context) error {
		return c.NoContent(http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/missing", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if !strings.Contains(buf.String(), `"status":404`) {
		t.Errorf("log output missing status 404; got %s", buf.String())
	}
}
