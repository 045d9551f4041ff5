package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"

	"github.com/rickgao/arenalink/internal/api"
	"github.com/rickgao/arenalink/internal/metrics"
	"github.com/rickgao/arenalink/internal/model"
)

// ErrCoolingDown is wrapped by the error returned while refresh is suppressed.
var ErrCoolingDown = errors.New("refresh cooling down")

// Default coordinator settings.
const (
	DefaultMaxAttempts = 3
	DefaultCooldown    = 5 * time.Second
	DefaultLatchDelay  = 2 * time.Second
)

// Phase is the refresh state machine position.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRefreshing
	PhaseCoolingDown
)

func (p Phase) String() string {
	switch p {
	case PhaseRefreshing:
		return "refreshing"
	case PhaseCoolingDown:
		return "cooling_down"
	}
	return "idle"
}

// Config holds coordinator limits.
type Config struct {
	MaxAttempts int           // Consecutive failures before cooldown
	Cooldown    time.Duration // How long refresh is suppressed
	LatchDelay  time.Duration // How long the failure handler stays latched
}

// CredentialStore is the subset of the credential store the coordinator uses.
type CredentialStore interface {
	Get() (model.Credential, bool)
	Set(ctx context.Context, c model.Credential) error
}

// RefreshClient performs the refresh network call.
type RefreshClient interface {
	Refresh(ctx context.Context, refreshToken string) (model.Credential, error)
}

// FailureHandler is called once per auth failure episode.
type FailureHandler func(err error)

// Stats is a snapshot of the coordinator state.
type Stats struct {
	Phase         Phase
	Attempts      int
	CooldownUntil time.Time
}

// Coordinator serializes token refreshes process-wide. Concurrent callers
// share one refresh call and its outcome.
type Coordinator struct {
	cfg       Config
	store     CredentialStore
	client    RefreshClient
	logger    *slog.Logger
	metrics   *metrics.Metrics
	clock     clock.Clock
	onFailure FailureHandler

	group singleflight.Group

	mu            sync.Mutex
	refreshing    bool
	attempts      int
	cooldownUntil time.Time
	latchedUntil  time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the clock used for cooldown and latch windows.
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) {
		c.clock = clk
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithFailureHandler sets the teardown action for terminal refresh failures.
func WithFailureHandler(h FailureHandler) Option {
	return func(c *Coordinator) {
		c.onFailure = h
	}
}

// NewCoordinator creates a coordinator. Zero config fields take defaults.
func NewCoordinator(cfg Config, store CredentialStore, client RefreshClient, logger *slog.Logger, opts ...Option) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.LatchDelay <= 0 {
		cfg.LatchDelay = DefaultLatchDelay
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Coordinator{
		cfg:    cfg,
		store:  store,
		client: client,
		logger: logger,
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Refresh obtains a new credential. While a refresh is running, callers
// join it. During cooldown it fails immediately without a network call.
//
// ctx bounds only this caller's wait; it never cancels a refresh that
// other callers share.
func (c *Coordinator) Refresh(ctx context.Context) (model.Credential, error) {
	c.mu.Lock()
	if c.coolingDownLocked(c.clock.Now()) {
		until := c.cooldownUntil
		c.mu.Unlock()
		c.metrics.ObserveRefresh(metrics.RefreshCooldown)
		return model.Credential{}, cooldownError(until)
	}
	joined := c.refreshing
	c.mu.Unlock()

	if joined {
		c.metrics.ObserveRefreshJoined()
	}

	callCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan("refresh", func() (any, error) {
		return c.doRefresh(callCtx)
	})

	select {
	case <-ctx.Done():
		return model.Credential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return model.Credential{}, res.Err
		}
		return res.Val.(model.Credential), nil
	}
}

func (c *Coordinator) doRefresh(ctx context.Context) (model.Credential, error) {
	c.mu.Lock()
	if c.coolingDownLocked(c.clock.Now()) {
		until := c.cooldownUntil
		c.mu.Unlock()
		c.metrics.ObserveRefresh(metrics.RefreshCooldown)
		return model.Credential{}, cooldownError(until)
	}
	c.attempts++
	attempt := c.attempts
	c.refreshing = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.refreshing = false
		c.mu.Unlock()
	}()

	var refreshToken string
	if cred, ok := c.store.Get(); ok {
		refreshToken = cred.RefreshToken
	}

	c.logger.Debug("refreshing access token", "attempt", attempt)

	var (
		cred model.Credential
		err  error
	)
	if refreshToken == "" {
		err = &api.Error{Kind: api.KindRefreshFailed, Message: "no refresh token"}
	} else {
		cred, err = c.client.Refresh(ctx, refreshToken)
	}

	if err == nil {
		c.mu.Lock()
		c.attempts = 0
		c.cooldownUntil = time.Time{}
		c.mu.Unlock()

		if serr := c.store.Set(ctx, cred); serr != nil {
			c.logger.Warn("refreshed credential not persisted", "error", serr)
		}
		c.metrics.ObserveRefresh(metrics.RefreshSuccess)
		c.logger.Info("access token refreshed")
		return cred, nil
	}

	err = asRefreshFailed(err)

	c.mu.Lock()
	coolingDown := false
	if c.attempts >= c.cfg.MaxAttempts {
		c.cooldownUntil = c.clock.Now().Add(c.cfg.Cooldown)
		coolingDown = true
	}
	c.mu.Unlock()

	var apiErr *api.Error
	rejected := errors.As(err, &apiErr) && apiErr.Rejected()
	if rejected {
		c.metrics.ObserveRefresh(metrics.RefreshRejected)
	} else {
		c.metrics.ObserveRefresh(metrics.RefreshFailure)
	}

	c.logger.Warn("token refresh failed",
		"attempt", attempt,
		"max_attempts", c.cfg.MaxAttempts,
		"rejected", rejected,
		"cooling_down", coolingDown,
		"error", err,
	)

	if coolingDown || rejected {
		c.fireFailure(err)
	}
	return model.Credential{}, err
}

// coolingDownLocked reports whether refresh is suppressed at now. An expired
// cooldown is cleared along with the attempt counter. c.mu must be held.
func (c *Coordinator) coolingDownLocked(now time.Time) bool {
	if c.cooldownUntil.IsZero() {
		return false
	}
	if now.Before(c.cooldownUntil) {
		return true
	}
	c.cooldownUntil = time.Time{}
	c.attempts = 0
	return false
}

// fireFailure dispatches the failure handler unless it fired within the
// latch window.
func (c *Coordinator) fireFailure(err error) {
	c.mu.Lock()
	now := c.clock.Now()
	if now.Before(c.latchedUntil) {
		c.mu.Unlock()
		c.logger.Debug("auth failure already handled", "error", err)
		return
	}
	c.latchedUntil = now.Add(c.cfg.LatchDelay)
	c.mu.Unlock()

	c.metrics.ObserveLogout()
	c.logger.Warn("auth failure, dispatching logout", "error", err)
	if c.onFailure != nil {
		c.onFailure(err)
	}
}

// Stats returns the current coordinator state.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{Attempts: c.attempts}
	switch {
	case c.refreshing:
		s.Phase = PhaseRefreshing
	case c.coolingDownLocked(c.clock.Now()):
		s.Phase = PhaseCoolingDown
		s.CooldownUntil = c.cooldownUntil
	}
	s.Attempts = c.attempts
	return s
}

func cooldownError(until time.Time) error {
	return &api.Error{
		Kind:    api.KindRefreshFailed,
		Message: "refresh suppressed until " + until.Format(time.RFC3339Nano),
		Err:     ErrCoolingDown,
	}
}

func asRefreshFailed(err error) error {
	if api.IsRefreshFailed(err) {
		return err
	}
	return &api.Error{Kind: api.KindRefreshFailed, Message: err.Error(), Err: err}
}
