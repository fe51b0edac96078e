// Package logging provides request logging functionality for the CodexMux gateway.
// It handles capturing and storing detailed HTTP request and response data when enabled
// through configuration, with credentials masked before anything touches disk.
package logging

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/codexmux/internal/buildinfo"
	"github.com/router-for-me/codexmux/internal/util"
)

var requestLogID atomic.Uint64

// requestLogBodyCap limits how many body bytes a single dump may contain.
// Bodies beyond the cap are truncated with an annotation; the gateway is a
// diagnostics tool here, not an archive.
const requestLogBodyCap = 256 * 1024

// UpstreamAttempt describes one forward attempt made while serving a request.
type UpstreamAttempt struct {
	// Account is the pool account the attempt ran under.
	Account string

	// URL is the rewritten upstream URL.
	URL string

	// Status is the upstream HTTP status, or 0 when no response arrived.
	Status int

	// Outcome classifies the attempt (ok, quota, auth_failure, transient, fatal, aborted).
	Outcome string

	// Detail carries the short error detail when the attempt failed.
	Detail string

	// Timestamp records when the attempt completed.
	Timestamp time.Time
}

// RequestRecord captures a complete proxy exchange for the request log.
type RequestRecord struct {
	RequestID       string
	Method          string
	URL             string
	SessionKey      string
	RequestHeaders  http.Header
	RequestBody     []byte
	Attempts        []UpstreamAttempt
	Status          int
	ResponseHeaders http.Header
	ResponseBody    []byte
	ReceivedAt      time.Time
	CompletedAt     time.Time
}

// RequestLogger defines the interface for recording proxy exchanges.
// Implementations must tolerate concurrent use; the enabled flag may be
// toggled at runtime by the config watcher.
type RequestLogger interface {
	// IsEnabled reports whether exchanges are currently being recorded.
	IsEnabled() bool

	// SetEnabled updates the recording state.
	SetEnabled(enabled bool)

	// Log writes one completed exchange. It is a no-op while disabled.
	Log(record *RequestRecord) error
}

// FileRequestLogger writes one file per proxied exchange into a logs
// directory. Request and response headers are masked before writing and
// compressed response bodies are decoded for readability.
type FileRequestLogger struct {
	enabled atomic.Bool
	logsDir string
}

// NewFileRequestLogger creates a new file-based request logger.
// When logsDir is relative it is resolved against configDir.
func NewFileRequestLogger(enabled bool, logsDir string, configDir string) *FileRequestLogger {
	if !filepath.IsAbs(logsDir) && configDir != "" {
		logsDir = filepath.Join(configDir, logsDir)
	}
	logger := &FileRequestLogger{logsDir: logsDir}
	logger.enabled.Store(enabled)
	return logger
}

// IsEnabled returns whether request logging is currently enabled.
func (l *FileRequestLogger) IsEnabled() bool {
	return l.enabled.Load()
}

// SetEnabled updates the request logging enabled state.
// This method allows dynamic enabling/disabling of request logging.
func (l *FileRequestLogger) SetEnabled(enabled bool) {
	l.enabled.Store(enabled)
}

// Log writes a completed exchange to its own log file.
func (l *FileRequestLogger) Log(record *RequestRecord) error {
	if !l.IsEnabled() || record == nil {
		return nil
	}

	if errEnsure := l.ensureLogsDir(); errEnsure != nil {
		return fmt.Errorf("failed to create logs directory: %w", errEnsure)
	}

	filename := l.generateFilename(record.URL, record.RequestID)
	filePath := filepath.Join(l.logsDir, filename)

	logFile, errOpen := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if errOpen != nil {
		return fmt.Errorf("failed to create log file: %w", errOpen)
	}

	writeErr := l.writeRecord(logFile, record)
	if errClose := logFile.Close(); errClose != nil {
		log.WithError(errClose).Warn("failed to close request log file")
		if writeErr == nil {
			return errClose
		}
	}
	if writeErr != nil {
		return fmt.Errorf("failed to write log file: %w", writeErr)
	}
	return nil
}

func (l *FileRequestLogger) writeRecord(w io.Writer, record *RequestRecord) error {
	if err := writeRequestInfo(w, record); err != nil {
		return err
	}
	if err := writeAttemptsSection(w, record.Attempts); err != nil {
		return err
	}
	return writeResponseSection(w, record)
}

func writeRequestInfo(w io.Writer, record *RequestRecord) error {
	if _, err := io.WriteString(w, "=== REQUEST INFO ===\n"); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "Version: %s\n", buildinfo.Version); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "URL: %s\n", record.URL); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "Method: %s\n", record.Method); err != nil {
		return err
	}
	if record.SessionKey != "" {
		if _, err := fmt.Fprintf(w, "Session: %s\n", record.SessionKey); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "Timestamp: %s\n\n", record.ReceivedAt.Format(time.RFC3339Nano)); err != nil {
		return err
	}

	if _, err := io.WriteString(w, "=== HEADERS ===\n"); err != nil {
		return err
	}
	if err := writeMaskedHeaders(w, record.RequestHeaders); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "\n=== REQUEST BODY ===\n"); err != nil {
		return err
	}
	if err := writeCappedBody(w, record.RequestBody); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n\n")
	return err
}

func writeAttemptsSection(w io.Writer, attempts []UpstreamAttempt) error {
	if len(attempts) == 0 {
		return nil
	}
	if _, err := io.WriteString(w, "=== UPSTREAM ATTEMPTS ===\n"); err != nil {
		return err
	}
	for i, attempt := range attempts {
		line := fmt.Sprintf("#%d account=%s status=%d outcome=%s", i+1, attempt.Account, attempt.Status, attempt.Outcome)
		if attempt.Detail != "" {
			line += " detail=" + attempt.Detail
		}
		if !attempt.Timestamp.IsZero() {
			line += " at=" + attempt.Timestamp.Format(time.RFC3339Nano)
		}
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\n")
	return err
}

func writeResponseSection(w io.Writer, record *RequestRecord) error {
	if _, err := io.WriteString(w, "=== RESPONSE ===\n"); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "Status: %d\n", record.Status); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "Timestamp: %s\n", record.CompletedAt.Format(time.RFC3339Nano)); err != nil {
		return err
	}
	if err := writeMaskedHeaders(w, record.ResponseHeaders); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "\n"); err != nil {
		return err
	}

	body, decodeErr := util.DecodeBody(record.ResponseHeaders.Get("Content-Encoding"), record.ResponseBody)
	if decodeErr != nil {
		// Keep the raw bytes and annotate rather than dropping the dump.
		body = record.ResponseBody
	}
	if err := writeCappedBody(w, body); err != nil {
		return err
	}
	if decodeErr != nil {
		if _, err := fmt.Fprintf(w, "\n[DECOMPRESSION ERROR: %v]", decodeErr); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\n")
	return err
}

func writeMaskedHeaders(w io.Writer, headers http.Header) error {
	for key, values := range headers {
		for _, value := range values {
			masked := util.MaskSensitiveHeaderValue(key, value)
			if _, err := fmt.Fprintf(w, "%s: %s\n", key, masked); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeCappedBody(w io.Writer, body []byte) error {
	if len(body) <= requestLogBodyCap {
		_, err := w.Write(body)
		return err
	}
	if _, err := w.Write(body[:requestLogBodyCap]); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n[truncated %d bytes]", len(body)-requestLogBodyCap)
	return err
}

// ensureLogsDir creates the logs directory if it doesn't exist.
func (l *FileRequestLogger) ensureLogsDir() error {
	if _, err := os.Stat(l.logsDir); os.IsNotExist(err) {
		return os.MkdirAll(l.logsDir, 0755)
	}
	return nil
}

// generateFilename creates a sanitized filename from the URL path and current timestamp.
// Format: backend-api-codex-responses-2025-12-23T195811-a1b2c3d4.log
func (l *FileRequestLogger) generateFilename(url string, requestID string) string {
	path := url
	if strings.Contains(url, "?") {
		path = strings.Split(url, "?")[0]
	}
	path = strings.TrimPrefix(path, "/")

	sanitized := l.sanitizeForFilename(path)
	timestamp := time.Now().Format("2006-01-02T150405")

	idPart := requestID
	if idPart == "" {
		idPart = fmt.Sprintf("%d", requestLogID.Add(1))
	}

	return fmt.Sprintf("%s-%s-%s.log", sanitized, timestamp, idPart)
}

// sanitizeForFilename replaces characters that are not safe for filenames.
func (l *FileRequestLogger) sanitizeForFilename(path string) string {
	sanitized := strings.ReplaceAll(path, "/", "-")
	sanitized = strings.ReplaceAll(sanitized, ":", "-")

	reg := regexp.MustCompile(`[<>:"|?*\s]`)
	sanitized = reg.ReplaceAllString(sanitized, "-")

	reg = regexp.MustCompile(`-+`)
	sanitized = reg.ReplaceAllString(sanitized, "-")

	sanitized = strings.Trim(sanitized, "-")
	if sanitized == "" {
		sanitized = "root"
	}
	return sanitized
}
