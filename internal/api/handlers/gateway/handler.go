// Package gateway implements the proxy entry point: session resolution,
// account rotation, header rewriting, and response relay. Every inbound
// request that is not a health probe lands here.
package gateway

import (
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/codexmux/internal/account"
	"github.com/router-for-me/codexmux/internal/api/middleware"
	"github.com/router-for-me/codexmux/internal/config"
	"github.com/router-for-me/codexmux/internal/logging"
	"github.com/router-for-me/codexmux/internal/upstream"
	"github.com/router-for-me/codexmux/internal/util"
)

// sessionKeyHeaders are consulted in priority order when resolving which
// sticky session a request belongs to.
var sessionKeyHeaders = []string{
	"x-session-id",
	"openai-session",
	"x-openai-session",
	"x-request-id",
}

// hopByHopHeaders must not be relayed from the upstream response; the
// gateway's own connection to the client manages these.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Handler routes inbound requests across the account pool.
type Handler struct {
	pool         *account.Pool
	client       *upstream.Client
	overrideAuth bool
	maxPasses    int
}

// NewHandler creates the gateway handler.
func NewHandler(cfg *config.Config, pool *account.Pool, client *upstream.Client) *Handler {
	return &Handler{
		pool:         pool,
		client:       client,
		overrideAuth: cfg.OverrideAuth,
		maxPasses:    cfg.MaxRetryPasses,
	}
}

// Proxy forwards one request to the upstream, rotating accounts on quota and
// auth rejections. The inbound body is read fully up front because a rotation
// replays the same body to a different account.
func (h *Handler) Proxy(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		log.WithError(err).Warn("failed to read request body")
		c.String(http.StatusBadRequest, "failed to read request body")
		return
	}

	sessionKey := SessionKey(c.Request)
	middleware.SetSessionKey(c, sessionKey)

	var attempts []logging.UpstreamAttempt
	defer func() {
		middleware.SetAttempts(c, attempts)
	}()

	ctx := c.Request.Context()
	method := c.Request.Method
	path := c.Request.URL.Path
	excluded := make(map[string]bool)

	// One full rotation may visit every account; the extra passes allow
	// re-selection after cooldowns shift mid-request.
	budget := h.maxPasses + h.pool.Size()
	for attempt := 0; attempt < budget; attempt++ {
		acct, ok := h.pool.Select(sessionKey, excluded)
		if !ok {
			log.Warnf("no usable account for %s %s", method, path)
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "all_accounts_exhausted"})
			return
		}

		h.pool.MarkAttempt(acct.Name)

		pair := acct.Tokens
		if h.overrideAuth {
			fresh, errToken := h.pool.EnsureAccessToken(ctx, acct.Name)
			if errToken != nil {
				detail := errToken.Error()
				log.Warnf("auth failure on %s (%s)", acct.Name, detail)
				h.pool.MarkAuthFailure(acct.Name, detail)
				h.pool.ClearAssignment(sessionKey)
				c.String(http.StatusUnauthorized, "missing_access_token")
				return
			}
			pair = fresh
		}

		target := h.client.TargetURL(path, c.Request.URL.RawQuery)
		header := h.forwardHeaders(c.Request.Header, pair, false)
		debugLogHeaders(acct.Name, header)

		log.Infof("%s %s -> %s", method, path, acct.Name)
		res := h.client.Fetch(ctx, method, target, header, body)

		if res.Outcome == upstream.OutcomeAuthFailure && h.overrideAuth && pair.IDToken != "" {
			// Some deployments accept the id token where the access token's
			// audience is rejected. One substitution per attempt.
			log.Debugf("retrying %s with id token bearer", acct.Name)
			retryHeader := h.forwardHeaders(c.Request.Header, pair, true)
			res = h.client.Fetch(ctx, method, target, retryHeader, body)
			if res.Outcome != upstream.OutcomeOK && res.Outcome != upstream.OutcomeAborted {
				res.Outcome = upstream.OutcomeAuthFailure
			}
		}

		attempts = append(attempts, logging.UpstreamAttempt{
			Account:   acct.Name,
			URL:       target,
			Status:    res.Status,
			Outcome:   res.Outcome.String(),
			Detail:    attemptDetail(res),
			Timestamp: time.Now(),
		})

		switch res.Outcome {
		case upstream.OutcomeOK:
			h.pool.MarkSuccess(acct.Name)
			h.relay(c, res)
			return
		case upstream.OutcomeQuota:
			log.Warnf("quota hit, switching from %s", acct.Name)
			h.pool.MarkQuota(acct.Name, res.ResetsAt)
			h.pool.ClearAssignment(sessionKey)
			excluded[acct.Name] = true
		case upstream.OutcomeAuthFailure:
			detail := shortDetail(res.Body)
			log.Warnf("auth failure on %s (%s)", acct.Name, detail)
			h.pool.MarkAuthFailure(acct.Name, detail)
			h.pool.ClearAssignment(sessionKey)
			excluded[acct.Name] = true
		case upstream.OutcomeTransient, upstream.OutcomeFatal:
			// The upstream client already burned its retry budget on
			// transient failures; both variants are written through.
			log.Errorf("upstream error %d on %s", res.Status, acct.Name)
			writeThrough(c, res)
			return
		case upstream.OutcomeAborted:
			c.Status(upstream.StatusClientAborted)
			c.Abort()
			return
		}
	}

	log.Errorf("attempt budget exhausted for %s %s", method, path)
	c.String(http.StatusInternalServerError, "gateway_exhausted")
}

// SessionKey resolves the sticky-session identity of a request. Session
// headers win over the caller address so one CLI process maps to one account
// even across reconnects.
func SessionKey(r *http.Request) string {
	for _, name := range sessionKeyHeaders {
		if value := strings.TrimSpace(r.Header.Get(name)); value != "" {
			return value
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return "ip:" + host
	}
	if r.RemoteAddr != "" {
		return "ip:" + r.RemoteAddr
	}
	return "default"
}

// forwardHeaders copies the inbound headers for the upstream request. Host
// and content-length are always dropped; with override auth the client's own
// credentials are replaced by the account's bearer and identity claims.
func (h *Handler) forwardHeaders(inbound http.Header, pair account.TokenPair, useIDToken bool) http.Header {
	out := make(http.Header, len(inbound)+8)
	for key, values := range inbound {
		canonical := http.CanonicalHeaderKey(key)
		if canonical == "Host" || canonical == "Content-Length" {
			continue
		}
		out[canonical] = append([]string(nil), values...)
	}
	if !h.overrideAuth {
		return out
	}

	out.Del("Authorization")
	out.Del("Cookie")
	bearer := pair.AccessToken
	if useIDToken {
		bearer = pair.IDToken
	}
	out.Set("Authorization", "Bearer "+bearer)

	details := pair.Details
	setHeaderPair(out, details.SessionID, "openai-session", "x-openai-session")
	accountID := details.ChatgptAccountID
	if accountID == "" {
		accountID = pair.AccountID
	}
	setHeaderPair(out, accountID, "openai-account-id", "x-openai-account-id")
	userID := details.UserID
	if userID == "" {
		userID = details.ChatgptUserID
	}
	setHeaderPair(out, userID, "openai-user-id", "x-openai-user-id")
	setHeaderPair(out, details.OrganizationID, "openai-organization", "openai-organization-id")
	return out
}

// setHeaderPair sets the same claim under both header spellings, skipping
// absent claims entirely.
func setHeaderPair(header http.Header, value, primary, alias string) {
	if value == "" {
		return
	}
	header.Set(primary, value)
	header.Set(alias, value)
}

// relay streams a successful upstream response to the client. Headers go out
// once; each body chunk is flushed as it arrives. After the first byte the
// response can no longer be retried, only truncated.
func (h *Handler) relay(c *gin.Context, res upstream.ForwardResult) {
	resp := res.Response
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("close upstream response body: %v", errClose)
		}
	}()

	header := c.Writer.Header()
	for key, values := range resp.Header {
		if hopByHopHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, value := range values {
			header.Add(key, value)
		}
	}
	c.Writer.WriteHeader(res.Status)

	buf := make([]byte, 32*1024)
	for {
		n, errRead := resp.Body.Read(buf)
		if n > 0 {
			if _, errWrite := c.Writer.Write(buf[:n]); errWrite != nil {
				// Client went away mid-stream; the deferred close tears
				// down the upstream read.
				log.Debugf("client write failed mid-stream: %v", errWrite)
				return
			}
			c.Writer.Flush()
		}
		if errRead != nil {
			if errRead != io.EOF {
				log.Debugf("upstream stream ended early: %v", errRead)
			}
			return
		}
	}
}

// writeThrough relays a fully buffered upstream error response unchanged.
func writeThrough(c *gin.Context, res upstream.ForwardResult) {
	if res.ContentType != "" {
		c.Header("Content-Type", res.ContentType)
	}
	c.Status(res.Status)
	if len(res.Body) > 0 {
		if _, err := c.Writer.Write(res.Body); err != nil {
			log.Debugf("write error response: %v", err)
		}
	}
}

// attemptDetail summarises a failed attempt for the request log.
func attemptDetail(res upstream.ForwardResult) string {
	if res.Outcome == upstream.OutcomeOK {
		return ""
	}
	return shortDetail(res.Body)
}

// shortDetail flattens an upstream error body into a single short log token.
func shortDetail(body []byte) string {
	const limit = 200
	detail := strings.Join(strings.Fields(string(body)), " ")
	if len(detail) > limit {
		detail = detail[:limit] + "..."
	}
	return detail
}

// debugLogHeaders dumps the forwarded headers with credentials masked. The
// dump only renders when debug logging is on.
func debugLogHeaders(accountName string, header http.Header) {
	if !log.IsLevelEnabled(log.DebugLevel) {
		return
	}
	masked := make([]string, 0, len(header))
	for key, values := range header {
		for _, value := range values {
			masked = append(masked, key+": "+util.MaskSensitiveHeaderValue(key, value))
		}
	}
	sort.Strings(masked)
	log.Debugf("forward headers for %s: %s", accountName, strings.Join(masked, "; "))
}
