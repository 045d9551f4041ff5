package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/rickgao/arenalink/internal/metrics"
	"github.com/rickgao/arenalink/internal/model"
	"github.com/rickgao/arenalink/internal/retry"
	"github.com/rickgao/arenalink/internal/version"
)

// CredentialSource supplies the access token at send time.
type CredentialSource interface {
	Get() (model.Credential, bool)
}

// TokenRefresher obtains a new credential after a 401. Concurrent callers
// must share one underlying refresh.
type TokenRefresher interface {
	Refresh(ctx context.Context) (model.Credential, error)
}

// Client dispatches authenticated HTTP requests to the remote service.
type Client struct {
	baseURL    string
	creds      CredentialSource
	refresher  TokenRefresher
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	limiter    *rate.Limiter
	clock      clock.Clock
	userAgent  string

	policy        retry.Policy
	proactiveSkew time.Duration

	// sleep waits between retries; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a request dispatcher. creds may be nil for
// unauthenticated use.
func NewClient(baseURL string, creds CredentialSource, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		creds:   creds,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:    slog.Default(),
		clock:     clock.New(),
		userAgent: version.UserAgent(),
		policy:    retry.DefaultPolicy(),
	}
	c.sleep = c.clockSleep

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithTimeout sets the per-attempt HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets the retry budget and base backoff, keeping the
// multiplier and retryable set of the current policy.
func WithRetries(max int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.policy.MaxRetries = max
		c.policy.BaseDelay = backoff
	}
}

// WithRetryPolicy replaces the retry policy.
func WithRetryPolicy(p retry.Policy) ClientOption {
	return func(c *Client) {
		c.policy = p
	}
}

// WithRefresher sets the token refresher consulted on 401.
func WithRefresher(r TokenRefresher) ClientOption {
	return func(c *Client) {
		c.refresher = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithRateLimit limits attempts to rps per second with the given burst.
// Retries and replays count against the limit.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithProactiveRefresh refreshes before sending when the access token is a
// JWT expiring within skew. Zero disables it.
func WithProactiveRefresh(skew time.Duration) ClientOption {
	return func(c *Client) {
		c.proactiveSkew = skew
	}
}

// WithClock sets the clock used for retry waits and expiry checks.
func WithClock(clk clock.Clock) ClientOption {
	return func(c *Client) {
		c.clock = clk
	}
}

func (c *Client) clockSleep(ctx context.Context, d time.Duration) error {
	t := c.clock.Timer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
