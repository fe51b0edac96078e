package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/router-for-me/codexmux/internal/config"
	"github.com/router-for-me/codexmux/internal/util"
)

const (
	codexBasePath     = "/backend-api/codex"
	v1ResponsesPrefix = "/backend-api/codex/v1/responses"
	compactPath       = "/backend-api/codex/responses/compact"
)

// Client forwards requests to one upstream base URL. It is safe for
// concurrent use; every mutable bit lives in the request it is handed.
type Client struct {
	base       *url.URL
	httpClient *http.Client

	timeout    time.Duration
	maxRetries int
	retryBase  time.Duration
	retryMax   time.Duration
	jitter     time.Duration
}

// NewClient builds a Client from the gateway configuration.
func NewClient(cfg *config.Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("upstream: parse base url %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("upstream: base url %q needs a scheme and host", cfg.BaseURL)
	}
	return &Client{
		base:       base,
		httpClient: NewHTTPClient(cfg),
		timeout:    cfg.RequestTimeout(),
		maxRetries: cfg.UpstreamMaxRetries,
		retryBase:  time.Duration(cfg.UpstreamRetryBaseMs) * time.Millisecond,
		retryMax:   time.Duration(cfg.UpstreamRetryMaxMs) * time.Millisecond,
		jitter:     time.Duration(cfg.UpstreamRetryJitterMs) * time.Millisecond,
	}, nil
}

// TargetURL joins the base URL with an inbound path and query. The stripped
// base path is prefixed to the inbound path and the query is carried over,
// with one upstream compatibility shim: when the base ends in the codex
// backend path and the inbound path is a v1 responses call, the target
// becomes the compact responses endpoint and the query is dropped.
func (c *Client) TargetURL(path, rawQuery string) string {
	target := *c.base
	basePath := strings.TrimSuffix(c.base.Path, "/")
	if strings.HasSuffix(basePath, codexBasePath) && strings.HasPrefix(path, v1ResponsesPrefix) {
		target.Path = compactPath
		target.RawQuery = ""
		return target.String()
	}
	target.Path = basePath + path
	target.RawQuery = rawQuery
	return target.String()
}

// Fetch forwards one request and classifies the outcome. Transient results
// are retried with exponential backoff and jitter up to the configured limit;
// every other outcome returns immediately. The body arrives as bytes because
// retries replay it. Cancelling ctx aborts the attempt and any pending delay.
func (c *Client) Fetch(ctx context.Context, method, target string, header http.Header, body []byte) ForwardResult {
	for attempt := 0; ; attempt++ {
		res := c.fetchOnce(ctx, method, target, header, body)
		if !res.Retryable() || attempt >= c.maxRetries {
			return res
		}
		delay := c.retryDelay(attempt)
		log.Debugf("upstream transient %d, retry %d/%d in %s", res.Status, attempt+1, c.maxRetries, delay)
		select {
		case <-ctx.Done():
			return abortedResult()
		case <-time.After(delay):
		}
	}
}

// retryDelay computes the backoff before retry i: the doubled base capped at
// the maximum, plus uniform jitter, clipped to the maximum again.
func (c *Client) retryDelay(i int) time.Duration {
	delay := c.retryBase << uint(i)
	if delay <= 0 || delay > c.retryMax {
		delay = c.retryMax
	}
	if c.jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(c.jitter)))
	}
	if delay > c.retryMax {
		delay = c.retryMax
	}
	return delay
}

func (c *Client) fetchOnce(parent context.Context, method, target string, header http.Header, body []byte) ForwardResult {
	ctx, cancel := context.WithTimeout(parent, c.timeout)

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		cancel()
		return ForwardResult{Outcome: OutcomeFatal, Status: http.StatusInternalServerError, Body: []byte(err.Error())}
	}
	req.Header = header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		if parent.Err() != nil {
			return abortedResult()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return ForwardResult{Outcome: OutcomeTransient, Status: http.StatusGatewayTimeout, Body: []byte("upstream timeout")}
		}
		return ForwardResult{Outcome: OutcomeTransient, Status: http.StatusBadGateway, Body: []byte(err.Error())}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// The attempt deadline stays armed while the body streams; closing
		// the body releases it.
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		return ForwardResult{Outcome: OutcomeOK, Status: resp.StatusCode, Response: resp}
	}

	data, errRead := io.ReadAll(resp.Body)
	if errClose := resp.Body.Close(); errClose != nil {
		log.Errorf("upstream: close error response body: %v", errClose)
	}
	cancel()
	if errRead != nil && len(data) == 0 {
		data = []byte(errRead.Error())
	}
	if decoded, errDecode := util.DecodeBody(resp.Header.Get("Content-Encoding"), data); errDecode == nil {
		data = decoded
	}

	res := classify(resp.StatusCode, data)
	res.ContentType = resp.Header.Get("Content-Type")
	return res
}

// classify maps a non-2xx status and its body to a result variant. The quota
// check runs first: a usage-limit body wins over the status-based classes.
func classify(status int, body []byte) ForwardResult {
	if quota, resetsAt := quotaSignal(status, body); quota {
		return ForwardResult{Outcome: OutcomeQuota, Status: status, Body: body, ResetsAt: resetsAt}
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ForwardResult{Outcome: OutcomeAuthFailure, Status: status, Body: body}
	case status >= 500:
		return ForwardResult{Outcome: OutcomeTransient, Status: status, Body: body}
	default:
		return ForwardResult{Outcome: OutcomeFatal, Status: status, Body: body}
	}
}

// quotaSignal reports whether the response is a usage-limit rejection and
// extracts the announced reset time. The upstream encodes resets_at as epoch
// seconds.
func quotaSignal(status int, body []byte) (bool, time.Time) {
	if status != http.StatusTooManyRequests &&
		gjson.GetBytes(body, "error.type").String() != "usage_limit_reached" {
		return false, time.Time{}
	}
	resets := gjson.GetBytes(body, "error.resets_at")
	if resets.Type != gjson.Number {
		return true, time.Time{}
	}
	return true, time.Unix(resets.Int(), 0)
}

// cancelOnClose ties an attempt's timeout context to the response body
// lifetime.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
