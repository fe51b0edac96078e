// Package middleware provides Gin HTTP middleware for the gateway server.
// It includes a response writer wrapper that captures response data for the
// request log without impacting latency on the client path.
package middleware

import (
	"bytes"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/codexmux/internal/logging"
)

// Gin context keys the gateway handler sets so the request log can record
// the routing decisions made while serving the exchange.
const (
	attemptsContextKey   = "UPSTREAM_ATTEMPTS"
	sessionKeyContextKey = "SESSION_KEY"
)

// SetAttempts stores the upstream attempt trail for the current request.
// The request-logging middleware reads it back when the exchange completes.
func SetAttempts(c *gin.Context, attempts []logging.UpstreamAttempt) {
	c.Set(attemptsContextKey, attempts)
}

// SetSessionKey records the resolved session key for the current request.
func SetSessionKey(c *gin.Context, key string) {
	c.Set(sessionKeyContextKey, key)
}

func attemptsFromContext(c *gin.Context) []logging.UpstreamAttempt {
	value, exists := c.Get(attemptsContextKey)
	if !exists {
		return nil
	}
	attempts, ok := value.([]logging.UpstreamAttempt)
	if !ok {
		return nil
	}
	return attempts
}

func sessionKeyFromContext(c *gin.Context) string {
	value, exists := c.Get(sessionKeyContextKey)
	if !exists {
		return ""
	}
	key, _ := value.(string)
	return key
}

// responseBufferLimit bounds how much of a response body the wrapper keeps
// for the request log. Bytes beyond the limit still reach the client but are
// not captured.
const responseBufferLimit = 256 * 1024

// RequestInfo holds essential details of an incoming HTTP request for logging purposes.
type RequestInfo struct {
	URL       string      // URL is the request path with masked query.
	Method    string      // Method is the HTTP method (e.g., GET, POST).
	Headers   http.Header // Headers contains a copy of the request headers.
	Body      []byte      // Body is the raw request body.
	RequestID string      // RequestID is the unique identifier for the request.
	Timestamp time.Time   // Timestamp is when the request was received.
}

// ResponseWriterWrapper wraps the standard gin.ResponseWriter to intercept
// and log response data. Streaming responses pass through untouched; the
// wrapper keeps a bounded copy for the log.
type ResponseWriterWrapper struct {
	gin.ResponseWriter
	body        *bytes.Buffer         // body stores the captured response body, up to responseBufferLimit.
	logger      logging.RequestLogger // logger is the request logger service.
	requestInfo *RequestInfo          // requestInfo holds the details of the original request.
	statusCode  int                   // statusCode stores the HTTP status code of the response.
	headers     http.Header           // headers stores the response headers seen at write time.
}

// NewResponseWriterWrapper creates and initializes a new ResponseWriterWrapper.
func NewResponseWriterWrapper(w gin.ResponseWriter, logger logging.RequestLogger, requestInfo *RequestInfo) *ResponseWriterWrapper {
	return &ResponseWriterWrapper{
		ResponseWriter: w,
		body:           &bytes.Buffer{},
		logger:         logger,
		requestInfo:    requestInfo,
		headers:        make(http.Header),
	}
}

// Write forwards the chunk to the client first, then captures a bounded copy
// for the request log. Headers are captured before the first write because
// Write may trigger WriteHeader internally.
func (w *ResponseWriterWrapper) Write(data []byte) (int, error) {
	w.captureCurrentHeaders()

	n, err := w.ResponseWriter.Write(data)

	w.bufferChunk(data)
	return n, err
}

// WriteString mirrors Write for handlers that go through io.StringWriter.
// Without this override those writes would bypass capture.
func (w *ResponseWriterWrapper) WriteString(data string) (int, error) {
	w.captureCurrentHeaders()

	n, err := w.ResponseWriter.WriteString(data)

	w.bufferChunk([]byte(data))
	return n, err
}

// WriteHeader records the status code and the headers in force at that
// moment, then delegates to the underlying writer.
func (w *ResponseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.captureCurrentHeaders()
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *ResponseWriterWrapper) bufferChunk(data []byte) {
	if w.logger == nil || !w.logger.IsEnabled() {
		return
	}
	room := responseBufferLimit - w.body.Len()
	if room <= 0 {
		return
	}
	if len(data) > room {
		data = data[:room]
	}
	w.body.Write(data)
}

// captureCurrentHeaders copies the headers from the underlying ResponseWriter.
// Values are cloned so later mutation by the handler cannot race the log.
func (w *ResponseWriterWrapper) captureCurrentHeaders() {
	if w.headers == nil {
		w.headers = make(http.Header)
	}
	for key, values := range w.ResponseWriter.Header() {
		headerValues := make([]string, len(values))
		copy(headerValues, values)
		w.headers[key] = headerValues
	}
}

// Finalize assembles the completed exchange and hands it to the logger.
// It must run after the handler chain has finished writing.
func (w *ResponseWriterWrapper) Finalize(c *gin.Context) error {
	if w.logger == nil || !w.logger.IsEnabled() || w.requestInfo == nil {
		return nil
	}

	finalStatusCode := w.statusCode
	if finalStatusCode == 0 {
		finalStatusCode = w.ResponseWriter.Status()
	}

	record := &logging.RequestRecord{
		RequestID:       w.requestInfo.RequestID,
		Method:          w.requestInfo.Method,
		URL:             w.requestInfo.URL,
		SessionKey:      sessionKeyFromContext(c),
		RequestHeaders:  w.requestInfo.Headers,
		RequestBody:     w.requestInfo.Body,
		Attempts:        attemptsFromContext(c),
		Status:          finalStatusCode,
		ResponseHeaders: w.cloneHeaders(),
		ResponseBody:    w.body.Bytes(),
		ReceivedAt:      w.requestInfo.Timestamp,
		CompletedAt:     time.Now(),
	}
	return w.logger.Log(record)
}

func (w *ResponseWriterWrapper) cloneHeaders() http.Header {
	w.captureCurrentHeaders()

	finalHeaders := make(http.Header, len(w.headers))
	for key, values := range w.headers {
		headerValues := make([]string, len(values))
		copy(headerValues, values)
		finalHeaders[key] = headerValues
	}
	return finalHeaders
}
