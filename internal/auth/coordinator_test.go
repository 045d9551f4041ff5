package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/arenalink/internal/api"
	"github.com/rickgao/arenalink/internal/credential"
	"github.com/rickgao/arenalink/internal/model"
)

const refreshOK = `{"success":true,"data":{"access_token":"fresh","refresh_token":"r2","user":{"id":"u1"}}}`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// harness wires a real store, auth client and coordinator to a test server.
type harness struct {
	store    *credential.Store
	coord    *Coordinator
	clock    *clock.Mock
	failures atomic.Int32
	lastErr  atomic.Value
}

func newHarness(t *testing.T, serverURL string) *harness {
	t.Helper()

	h := &harness{clock: clock.NewMock()}
	h.store = credential.Open(context.Background(), credential.NewMemoryBackend(), "auth-storage", discardLogger())
	if err := h.store.Set(context.Background(), model.Credential{AccessToken: "stale", RefreshToken: "r1"}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	authClient := api.NewAuthClient(
		api.NewClient(serverURL, nil, api.WithRetries(0, time.Second), api.WithLogger(discardLogger())),
		api.AuthPaths{},
	)
	h.coord = NewCoordinator(Config{}, h.store, authClient, discardLogger(),
		WithClock(h.clock),
		WithFailureHandler(func(err error) {
			h.failures.Add(1)
			h.lastErr.Store(err)
		}),
	)
	return h
}

// scriptedRefresh answers the refresh endpoint with the given statuses in
// order, then repeats the last one.
func scriptedRefresh(statuses ...int) (http.Handler, *atomic.Int32) {
	var calls atomic.Int32
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1))
		status := statuses[len(statuses)-1]
		if n <= len(statuses) {
			status = statuses[n-1]
		}
		if status == http.StatusOK {
			w.Write([]byte(refreshOK))
			return
		}
		w.WriteHeader(status)
		w.Write([]byte(`{"message":"refresh failed"}`))
	}), &calls
}

func TestNewCoordinatorDefaults(t *testing.T) {
	c := NewCoordinator(Config{}, nil, nil, nil)
	if c.cfg.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", c.cfg.MaxAttempts)
	}
	if c.cfg.Cooldown != 5*time.Second {
		t.Errorf("Cooldown = %v, want %v", c.cfg.Cooldown, 5*time.Second)
	}
	if c.cfg.LatchDelay != 2*time.Second {
		t.Errorf("LatchDelay = %v, want %v", c.cfg.LatchDelay, 2*time.Second)
	}
	if c.logger == nil {
		t.Error("logger should not be nil")
	}
}

func TestRefreshSuccess(t *testing.T) {
	var gotAuth, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.Method + " " + r.URL.Path
		w.Write([]byte(refreshOK))
	}))
	defer server.Close()

	h := newHarness(t, server.URL)
	cred, err := h.coord.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if gotAuth != "Bearer r1" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer r1")
	}
	if gotPath != "POST /auth/refresh" {
		t.Errorf("request = %q, want %q", gotPath, "POST /auth/refresh")
	}
	if cred.AccessToken != "fresh" || cred.RefreshToken != "r2" {
		t.Errorf("credential = %+v, want fresh/r2", cred)
	}

	stored, ok := h.store.Get()
	if !ok || stored.AccessToken != "fresh" {
		t.Errorf("store = %+v, want fresh access token", stored)
	}
	if string(stored.User) != `{"id":"u1"}` {
		t.Errorf("User = %s, want %s", stored.User, `{"id":"u1"}`)
	}
	if stored.LastRefreshAt.IsZero() {
		t.Error("LastRefreshAt should be set")
	}
}

func TestRefreshSingleFlight(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		w.Write([]byte(refreshOK))
	}))
	defer server.Close()

	h := newHarness(t, server.URL)

	const n = 10
	var wg sync.WaitGroup
	results := make([]model.Credential, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.coord.Refresh(context.Background())
		}(i)
	}

	<-started
	time.Sleep(100 * time.Millisecond)
	if got := h.coord.Stats().Phase; got != PhaseRefreshing {
		t.Errorf("Phase = %v, want %v", got, PhaseRefreshing)
	}
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("refresh calls = %d, want 1", calls.Load())
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Errorf("caller %d: %v", i, errs[i])
		}
		if results[i].AccessToken != "fresh" {
			t.Errorf("caller %d AccessToken = %q, want fresh", i, results[i].AccessToken)
		}
	}
	if got := h.coord.Stats(); got.Phase != PhaseIdle || got.Attempts != 0 {
		t.Errorf("Stats = %+v, want idle with 0 attempts", got)
	}
}

func TestRefreshCooldown(t *testing.T) {
	handler, calls := scriptedRefresh(http.StatusInternalServerError)
	server := httptest.NewServer(handler)
	defer server.Close()

	h := newHarness(t, server.URL)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		_, err := h.coord.Refresh(ctx)
		if !api.IsRefreshFailed(err) {
			t.Fatalf("attempt %d: err = %v, want refresh failed", i, err)
		}
		if h.failures.Load() != 0 {
			t.Fatalf("failure handler fired after %d attempts", i)
		}
	}

	_, err := h.coord.Refresh(ctx)
	if !api.IsRefreshFailed(err) {
		t.Fatalf("attempt 3: err = %v, want refresh failed", err)
	}
	if h.failures.Load() != 1 {
		t.Errorf("failures = %d, want 1", h.failures.Load())
	}
	stats := h.coord.Stats()
	if stats.Phase != PhaseCoolingDown {
		t.Errorf("Phase = %v, want %v", stats.Phase, PhaseCoolingDown)
	}
	if want := h.clock.Now().Add(5 * time.Second); !stats.CooldownUntil.Equal(want) {
		t.Errorf("CooldownUntil = %v, want %v", stats.CooldownUntil, want)
	}

	// Inside the window nothing reaches the server.
	h.clock.Add(4999 * time.Millisecond)
	_, err = h.coord.Refresh(ctx)
	if !errors.Is(err, ErrCoolingDown) {
		t.Errorf("err = %v, want ErrCoolingDown", err)
	}
	if calls.Load() != 3 {
		t.Errorf("refresh calls = %d, want 3", calls.Load())
	}

	// After the window the counter is reset and refresh is attempted again.
	h.clock.Add(time.Millisecond)
	if got := h.coord.Stats(); got.Phase != PhaseIdle || got.Attempts != 0 {
		t.Errorf("Stats = %+v, want idle with 0 attempts", got)
	}
	_, err = h.coord.Refresh(ctx)
	if errors.Is(err, ErrCoolingDown) {
		t.Error("refresh still cooling down after window")
	}
	if calls.Load() != 4 {
		t.Errorf("refresh calls = %d, want 4", calls.Load())
	}
	if got := h.coord.Stats().Attempts; got != 1 {
		t.Errorf("Attempts = %d, want 1", got)
	}
}

func TestRefreshSuccessResetsAttempts(t *testing.T) {
	handler, calls := scriptedRefresh(
		http.StatusBadGateway,
		http.StatusBadGateway,
		http.StatusOK,
		http.StatusBadGateway,
	)
	server := httptest.NewServer(handler)
	defer server.Close()

	h := newHarness(t, server.URL)
	ctx := context.Background()

	h.coord.Refresh(ctx)
	h.coord.Refresh(ctx)
	if got := h.coord.Stats().Attempts; got != 2 {
		t.Fatalf("Attempts = %d, want 2", got)
	}

	if _, err := h.coord.Refresh(ctx); err != nil {
		t.Fatalf("third refresh: %v", err)
	}
	if got := h.coord.Stats().Attempts; got != 0 {
		t.Errorf("Attempts after success = %d, want 0", got)
	}

	for i := 1; i <= 2; i++ {
		h.coord.Refresh(ctx)
		if got := h.coord.Stats().Phase; got != PhaseIdle {
			t.Fatalf("after %d new failures Phase = %v, want idle", i, got)
		}
	}
	h.coord.Refresh(ctx)
	if got := h.coord.Stats().Phase; got != PhaseCoolingDown {
		t.Errorf("after 3 new failures Phase = %v, want %v", got, PhaseCoolingDown)
	}
	if calls.Load() != 6 {
		t.Errorf("refresh calls = %d, want 6", calls.Load())
	}
	if h.failures.Load() != 1 {
		t.Errorf("failures = %d, want 1", h.failures.Load())
	}
}

func TestRefreshRejectedLatch(t *testing.T) {
	handler, calls := scriptedRefresh(http.StatusUnauthorized)
	server := httptest.NewServer(handler)
	defer server.Close()

	h := newHarness(t, server.URL)
	ctx := context.Background()

	_, err := h.coord.Refresh(ctx)
	var apiErr *api.Error
	if !errors.As(err, &apiErr) || !apiErr.Rejected() {
		t.Fatalf("err = %v, want rejected refresh", err)
	}
	if h.failures.Load() != 1 {
		t.Fatalf("failures = %d, want 1 after rejection", h.failures.Load())
	}

	h.clock.Add(time.Second)
	h.coord.Refresh(ctx)
	if h.failures.Load() != 1 {
		t.Errorf("failures = %d, want 1 inside latch window", h.failures.Load())
	}

	h.clock.Add(2 * time.Second)
	h.coord.Refresh(ctx)
	if h.failures.Load() != 2 {
		t.Errorf("failures = %d, want 2 after latch re-armed", h.failures.Load())
	}
	if calls.Load() != 3 {
		t.Errorf("refresh calls = %d, want 3", calls.Load())
	}
	if got := h.coord.Stats().Phase; got != PhaseCoolingDown {
		t.Errorf("Phase = %v, want %v", got, PhaseCoolingDown)
	}
	if err, _ := h.lastErr.Load().(error); !api.IsRefreshFailed(err) {
		t.Errorf("handler error = %v, want refresh failed", err)
	}
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	handler, calls := scriptedRefresh(http.StatusOK)
	server := httptest.NewServer(handler)
	defer server.Close()

	h := newHarness(t, server.URL)
	if err := h.store.Clear(context.Background()); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	_, err := h.coord.Refresh(context.Background())
	if !api.IsRefreshFailed(err) {
		t.Errorf("err = %v, want refresh failed", err)
	}
	if calls.Load() != 0 {
		t.Errorf("refresh calls = %d, want 0", calls.Load())
	}
	if got := h.coord.Stats().Attempts; got != 1 {
		t.Errorf("Attempts = %d, want 1", got)
	}
}

func TestRefreshCallerCancel(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		w.Write([]byte(refreshOK))
	}))
	defer server.Close()

	h := newHarness(t, server.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() {
		_, err := h.coord.Refresh(ctx)
		cancelled <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-cancelled; !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}

	// The shared refresh keeps running and later callers join it.
	joined := make(chan model.Credential, 1)
	go func() {
		cred, _ := h.coord.Refresh(context.Background())
		joined <- cred
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)

	select {
	case cred := <-joined:
		if cred.AccessToken != "fresh" {
			t.Errorf("AccessToken = %q, want fresh", cred.AccessToken)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("joined caller did not return")
	}
	if calls.Load() != 1 {
		t.Errorf("refresh calls = %d, want 1", calls.Load())
	}
}

// TestConcurrentUnauthorizedRequests drives the dispatcher and coordinator
// together: parallel requests all hit 401, one refresh is issued, and every
// request is replayed with the new token.
func TestConcurrentUnauthorizedRequests(t *testing.T) {
	const parallel = 3

	var (
		refreshCalls   atomic.Int32
		protectedCalls atomic.Int32
		unauthorized   atomic.Int32
		allRejected    = make(chan struct{})
		closeOnce      sync.Once
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		select {
		case <-allRejected:
		case <-time.After(2 * time.Second):
		}
		time.Sleep(100 * time.Millisecond)
		w.Write([]byte(refreshOK))
	})
	mux.HandleFunc("/games", func(w http.ResponseWriter, r *http.Request) {
		protectedCalls.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			if unauthorized.Add(1) == parallel {
				closeOnce.Do(func() { close(allRejected) })
			}
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"games":[]}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	h := newHarness(t, server.URL)
	client := api.NewClient(server.URL, h.store,
		api.WithRefresher(h.coord),
		api.WithLogger(discardLogger()),
	)

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < parallel; i++ {
		g.Go(func() error {
			return client.Get(ctx, "/games", nil, nil)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("requests failed: %v", err)
	}

	if refreshCalls.Load() != 1 {
		t.Errorf("refresh calls = %d, want 1", refreshCalls.Load())
	}
	if protectedCalls.Load() != 2*parallel {
		t.Errorf("protected calls = %d, want %d", protectedCalls.Load(), 2*parallel)
	}
	if h.failures.Load() != 0 {
		t.Errorf("failures = %d, want 0", h.failures.Load())
	}
}

// TestRejectedRefreshLogsOutOnce covers repeated 401s on the refresh call:
// logout fires once and a later 401 inside the cooldown issues no refresh.
func TestRejectedRefreshLogsOutOnce(t *testing.T) {
	var refreshCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"refresh token expired"}`))
	})
	mux.HandleFunc("/profile", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	h := newHarness(t, server.URL)
	client := api.NewClient(server.URL, h.store,
		api.WithRefresher(h.coord),
		api.WithLogger(discardLogger()),
	)

	for i := 1; i <= 3; i++ {
		err := client.Get(context.Background(), "/profile", nil, nil)
		if !api.IsAuthExpired(err) {
			t.Fatalf("request %d: err = %v, want auth expired", i, err)
		}
	}
	if refreshCalls.Load() != 3 {
		t.Errorf("refresh calls = %d, want 3", refreshCalls.Load())
	}
	if h.failures.Load() != 1 {
		t.Errorf("logouts = %d, want 1", h.failures.Load())
	}

	h.clock.Add(4 * time.Second)
	err := client.Get(context.Background(), "/profile", nil, nil)
	if !api.IsAuthExpired(err) {
		t.Errorf("4th request: err = %v, want auth expired", err)
	}
	if !errors.Is(err, ErrCoolingDown) {
		t.Errorf("4th request: err = %v, want to wrap ErrCoolingDown", err)
	}
	if refreshCalls.Load() != 3 {
		t.Errorf("refresh calls after cooldown request = %d, want 3", refreshCalls.Load())
	}
	if h.failures.Load() != 1 {
		t.Errorf("logouts = %d, want 1", h.failures.Load())
	}
}

func TestPhaseString(t *testing.T) {
	tests := []struct {
		phase Phase
		want  string
	}{
		{PhaseIdle, "idle"},
		{PhaseRefreshing, "refreshing"},
		{PhaseCoolingDown, "cooling_down"},
	}
	for _, tt := range tests {
		if got := tt.phase.String(); got != tt.want {
			t.Errorf("Phase(%d).String() = %q, want %q", tt.phase, got, tt.want)
		}
	}
}
