package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/rickgao/arenalink/internal/metrics"
	"github.com/rickgao/arenalink/internal/retry"
)

// RequestIDHeader carries a per-call identifier, constant across retries.
const RequestIDHeader = "X-Request-ID"

// Request describes one logical call. Retries and the auth replay reuse it.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   any  // Marshaled as JSON unless []byte or nil
	NoAuth bool // Skip the Authorization header and the 401 replay
}

// Response is a successful (2xx/3xx) response with its body read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// Execute sends req, retrying transient failures and replaying once after a
// successful token refresh on 401. Failures are returned as *Error, except
// for context cancellation which is returned as the context's error.
func (c *Client) Execute(ctx context.Context, req Request) (*Response, error) {
	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	if !req.NoAuth {
		c.maybeRefreshEarly(ctx)
	}

	var (
		retries     int
		authRetried bool
	)

	for {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		resp, err := c.send(ctx, req, body, requestID)
		if err != nil {
			if ctx.Err() != nil {
				c.metrics.ObserveRequest(metrics.OutcomeCanceled)
				return nil, ctx.Err()
			}

			d := c.policy.Decide(retry.Outcome{Err: err}, retries+1)
			if d.Action == retry.GiveUp {
				apiErr := transportError(err)
				c.metrics.ObserveRequest(apiErr.Kind.String())
				return nil, apiErr
			}

			retries++
			c.logger.Warn("request failed, retrying",
				"method", req.Method,
				"path", req.Path,
				"request_id", requestID,
				"attempt", retries,
				"delay", d.Delay,
				"error", err,
			)
			c.metrics.ObserveRetry()
			if err := c.sleep(ctx, d.Delay); err != nil {
				c.metrics.ObserveRequest(metrics.OutcomeCanceled)
				return nil, err
			}
			continue
		}

		if resp.StatusCode < 400 {
			c.metrics.ObserveRequest(metrics.OutcomeSuccess)
			return resp, nil
		}

		if resp.StatusCode == http.StatusUnauthorized && !req.NoAuth {
			if authRetried || c.refresher == nil {
				apiErr := responseError(KindAuthExpired, resp.StatusCode, resp.Body)
				c.metrics.ObserveRequest(apiErr.Kind.String())
				return nil, apiErr
			}
			authRetried = true

			c.logger.Debug("access token rejected, refreshing",
				"path", req.Path,
				"request_id", requestID,
			)
			if _, err := c.refresher.Refresh(ctx); err != nil {
				if ctx.Err() != nil {
					c.metrics.ObserveRequest(metrics.OutcomeCanceled)
					return nil, ctx.Err()
				}
				apiErr := responseError(KindAuthExpired, resp.StatusCode, resp.Body)
				apiErr.Err = err
				c.metrics.ObserveRequest(apiErr.Kind.String())
				return nil, apiErr
			}
			c.metrics.ObserveAuthReplay()
			continue
		}

		d := c.policy.Decide(retry.Outcome{Status: resp.StatusCode}, retries+1)
		if d.Action == retry.GiveUp {
			apiErr := statusError(resp.StatusCode, resp.Body)
			c.metrics.ObserveRequest(apiErr.Kind.String())
			return nil, apiErr
		}

		retries++
		c.logger.Warn("server error, retrying",
			"method", req.Method,
			"path", req.Path,
			"request_id", requestID,
			"status", resp.StatusCode,
			"attempt", retries,
			"delay", d.Delay,
		)
		c.metrics.ObserveRetry()
		if err := c.sleep(ctx, d.Delay); err != nil {
			c.metrics.ObserveRequest(metrics.OutcomeCanceled)
			return nil, err
		}
	}
}

// send performs a single attempt. The access token is read at send time so a
// replay after refresh carries the new token.
func (c *Client) send(ctx context.Context, req Request, body []byte, requestID string) (*Response, error) {
	fullURL := c.baseURL + req.Path
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(fullURL, "?") {
			sep = "&"
		}
		fullURL += sep + req.Query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, fullURL, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(RequestIDHeader, requestID)
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if !req.NoAuth && c.creds != nil {
		if cred, ok := c.creds.Get(); ok && cred.AccessToken != "" {
			httpReq.Header.Set("Authorization", "Bearer "+cred.AccessToken)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

// maybeRefreshEarly refreshes ahead of a request when the access token is a
// JWT that expires within the configured skew. Failures are left for the
// 401 path to handle.
func (c *Client) maybeRefreshEarly(ctx context.Context) {
	if c.proactiveSkew <= 0 || c.refresher == nil || c.creds == nil {
		return
	}
	cred, ok := c.creds.Get()
	if !ok {
		return
	}
	exp, ok := cred.AccessTokenExpiry()
	if !ok || c.clock.Now().Add(c.proactiveSkew).Before(exp) {
		return
	}

	c.logger.Debug("access token near expiry, refreshing early", "expires_at", exp)
	if _, err := c.refresher.Refresh(ctx); err != nil {
		c.logger.Debug("early refresh failed", "error", err)
	}
}

func encodeBody(v any) ([]byte, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		return data, nil
	}
}

// Get performs a GET and decodes the JSON response into result when non-nil.
func (c *Client) Get(ctx context.Context, path string, query url.Values, result any) error {
	return c.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query}, result)
}

// Do executes req and decodes the JSON response into result when non-nil.
func (c *Client) Do(ctx context.Context, req Request, result any) error {
	resp, err := c.Execute(ctx, req)
	if err != nil {
		return err
	}
	if result == nil || len(resp.Body) == 0 {
		return nil
	}
	return resp.Decode(result)
}
