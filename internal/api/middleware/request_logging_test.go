package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/router-for-me/codexmux/internal/logging"
)

type memoryLogger struct {
	enabled bool
	records []*logging.RequestRecord
}

func (l *memoryLogger) IsEnabled() bool        { return l.enabled }
func (l *memoryLogger) SetEnabled(v bool)      { l.enabled = v }
func (l *memoryLogger) Log(r *logging.RequestRecord) error {
	l.records = append(l.records, r)
	return nil
}

func newLoggingEngine(logger logging.RequestLogger, handler gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(func(c *gin.Context) {
		logging.SetGinRequestID(c, "req-test")
		c.Next()
	})
	engine.Use(RequestLoggingMiddleware(logger))
	engine.NoRoute(handler)
	return engine
}

func TestRequestLoggingCapturesExchange(t *testing.T) {
	logger := &memoryLogger{enabled: true}
	engine := newLoggingEngine(logger, func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			t.Errorf("read restored body: %v", err)
		}
		if got, want := string(body), `{"input":"hi"}`; got != want {
			t.Errorf("handler body = %q, want %q", got, want)
		}
		SetSessionKey(c, "sess-1")
		SetAttempts(c, []logging.UpstreamAttempt{{
			Account:   "alpha",
			Status:    200,
			Outcome:   "ok",
			Timestamp: time.Now(),
		}})
		c.Data(http.StatusOK, "application/json", []byte(`{"ok":true}`))
	})

	req := httptest.NewRequest(http.MethodPost, "/widgets?x=1", strings.NewReader(`{"input":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if len(logger.records) != 1 {
		t.Fatalf("records = %d, want 1", len(logger.records))
	}
	record := logger.records[0]
	if record.Method != http.MethodPost {
		t.Fatalf("record method = %q, want POST", record.Method)
	}
	if record.URL != "/widgets?x=1" {
		t.Fatalf("record url = %q", record.URL)
	}
	if record.RequestID != "req-test" {
		t.Fatalf("record request id = %q", record.RequestID)
	}
	if got := string(record.RequestBody); got != `{"input":"hi"}` {
		t.Fatalf("record request body = %q", got)
	}
	if record.SessionKey != "sess-1" {
		t.Fatalf("record session key = %q", record.SessionKey)
	}
	if len(record.Attempts) != 1 || record.Attempts[0].Account != "alpha" {
		t.Fatalf("record attempts = %+v", record.Attempts)
	}
	if record.Status != http.StatusOK {
		t.Fatalf("record status = %d", record.Status)
	}
	if got := string(record.ResponseBody); got != `{"ok":true}` {
		t.Fatalf("record response body = %q", got)
	}
	if got := record.ResponseHeaders.Get("Content-Type"); got != "application/json" {
		t.Fatalf("record content type = %q", got)
	}
	if record.CompletedAt.Before(record.ReceivedAt) {
		t.Fatalf("completed %v before received %v", record.CompletedAt, record.ReceivedAt)
	}
}

func TestRequestLoggingDisabledCapturesNothing(t *testing.T) {
	logger := &memoryLogger{enabled: false}
	engine := newLoggingEngine(logger, func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodPost, "/widgets", strings.NewReader("{}"))
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if len(logger.records) != 0 {
		t.Fatalf("records = %d, want 0", len(logger.records))
	}
}

func TestRequestLoggingSkipsHealthProbes(t *testing.T) {
	logger := &memoryLogger{enabled: true}
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(RequestLoggingMiddleware(logger))
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if len(logger.records) != 0 {
		t.Fatalf("records = %d, want 0", len(logger.records))
	}
}
