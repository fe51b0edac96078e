package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestResponseWriterWrapperCapsCapturedBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(recorder)

	logger := &memoryLogger{enabled: true}
	wrapper := NewResponseWriterWrapper(c.Writer, logger, &RequestInfo{
		URL:       "/big",
		Method:    http.MethodPost,
		Timestamp: time.Now(),
	})

	chunk := bytes.Repeat([]byte("a"), 64*1024)
	total := 0
	for total < responseBufferLimit+3*len(chunk) {
		n, err := wrapper.Write(chunk)
		if err != nil {
			t.Fatalf("write: %v", err)
		}
		total += n
	}

	// The client sees every byte; the log keeps only the capped prefix.
	if got := recorder.Body.Len(); got != total {
		t.Fatalf("client bytes = %d, want %d", got, total)
	}
	if got := wrapper.body.Len(); got != responseBufferLimit {
		t.Fatalf("captured bytes = %d, want %d", got, responseBufferLimit)
	}
}

func TestResponseWriterWrapperRecordsStatusAndHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(recorder)

	logger := &memoryLogger{enabled: true}
	wrapper := NewResponseWriterWrapper(c.Writer, logger, &RequestInfo{
		URL:       "/teapot",
		Method:    http.MethodGet,
		Timestamp: time.Now(),
	})

	wrapper.Header().Set("X-Flavor", "oolong")
	wrapper.WriteHeader(http.StatusTeapot)
	if _, err := wrapper.WriteString("short and stout"); err != nil {
		t.Fatalf("write string: %v", err)
	}

	if err := wrapper.Finalize(c); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len(logger.records) != 1 {
		t.Fatalf("records = %d, want 1", len(logger.records))
	}
	record := logger.records[0]
	if record.Status != http.StatusTeapot {
		t.Fatalf("record status = %d, want %d", record.Status, http.StatusTeapot)
	}
	if got := record.ResponseHeaders.Get("X-Flavor"); got != "oolong" {
		t.Fatalf("record header = %q, want oolong", got)
	}
	if got := string(record.ResponseBody); got != "short and stout" {
		t.Fatalf("record body = %q", got)
	}
}

func TestResponseWriterWrapperDisabledBuffersNothing(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(recorder)

	logger := &memoryLogger{enabled: false}
	wrapper := NewResponseWriterWrapper(c.Writer, logger, &RequestInfo{URL: "/x"})

	if _, err := wrapper.Write([]byte("payload")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if wrapper.body.Len() != 0 {
		t.Fatalf("captured bytes = %d, want 0", wrapper.body.Len())
	}
	if err := wrapper.Finalize(c); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len(logger.records) != 0 {
		t.Fatalf("records = %d, want 0", len(logger.records))
	}
}
