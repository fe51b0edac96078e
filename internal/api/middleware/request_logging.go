// Package middleware provides HTTP middleware components for the gateway
// server. This file contains the request logging middleware that captures
// complete request and response data when enabled through configuration.
package middleware

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/codexmux/internal/logging"
	"github.com/router-for-me/codexmux/internal/util"
)

// RequestLoggingMiddleware creates a Gin middleware that records proxied
// exchanges through the provided RequestLogger. The enabled flag is read per
// request so the config watcher can toggle capture without a restart.
func RequestLoggingMiddleware(logger logging.RequestLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if logger == nil || !logger.IsEnabled() {
			c.Next()
			return
		}

		if !shouldLogRequest(c.Request.URL.Path) {
			c.Next()
			return
		}

		requestInfo, err := captureRequestInfo(c)
		if err != nil {
			log.WithError(err).Warn("request log capture failed, continuing without it")
			c.Next()
			return
		}

		wrapper := NewResponseWriterWrapper(c.Writer, logger, requestInfo)
		c.Writer = wrapper

		c.Next()

		if errLog := wrapper.Finalize(c); errLog != nil {
			log.WithError(errLog).Warn("request log write failed")
		}
	}
}

// captureRequestInfo extracts relevant information from the incoming HTTP
// request. The request body is read and then restored so the gateway handler
// can consume it normally.
func captureRequestInfo(c *gin.Context) (*RequestInfo, error) {
	// Sensitive query parameters are masked before the URL reaches the log.
	maskedQuery := util.MaskSensitiveQuery(c.Request.URL.RawQuery)
	url := c.Request.URL.Path
	if maskedQuery != "" {
		url += "?" + maskedQuery
	}

	headers := make(http.Header, len(c.Request.Header))
	for key, values := range c.Request.Header {
		headers[key] = append([]string(nil), values...)
	}

	var body []byte
	if c.Request.Body != nil {
		bodyBytes, err := io.ReadAll(c.Request.Body)
		if err != nil {
			return nil, err
		}
		// Restore the body for the actual request processing.
		c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
		body = bodyBytes
	}

	return &RequestInfo{
		URL:       url,
		Method:    c.Request.Method,
		Headers:   headers,
		Body:      body,
		RequestID: logging.GetGinRequestID(c),
		Timestamp: time.Now(),
	}, nil
}

// shouldLogRequest determines whether the request should be logged. Health
// probes are noise, everything else honors request-log.
func shouldLogRequest(path string) bool {
	return path != "/health"
}
