package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

type countingSource struct {
	mu     sync.Mutex
	calls  int32
	token  string
	expiry time.Time
	err    error
	delay  time.Duration
}

func (s *countingSource) Token() (*oauth2.Token, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return &oauth2.Token{AccessToken: s.token, Expiry: s.expiry}, nil
}

func (s *countingSource) set(token string, expiry time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token, s.expiry, s.err = token, expiry, err
}

func newTestProvider(t *testing.T, src oauth2.TokenSource, opts ...Option) *Provider {
	t.Helper()
	p, err := NewProvider(context.Background(), append([]Option{WithSource(src)}, opts...)...)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	return p
}

func TestCredentialCachedUntilRefreshWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &countingSource{token: "tok-1", expiry: now.Add(time.Hour)}
	p := newTestProvider(t, src, withClock(func() time.Time { return now }))

	for i := 0; i < 5; i++ {
		cred, err := p.Credential(context.Background())
		if err != nil {
			t.Fatalf("Credential() error = %v", err)
		}
		if cred.Token != "tok-1" {
			t.Fatalf("Credential().Token = %q", cred.Token)
		}
	}
	if got := atomic.LoadInt32(&src.calls); got != 1 {
		t.Errorf("source calls = %d, want 1 (cached)", got)
	}
}

func TestCredentialRefreshesInsideWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	var mu sync.Mutex
	src := &countingSource{token: "tok-1", expiry: now.Add(time.Hour)}
	p := newTestProvider(t, src, withClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}))

	if _, err := p.Credential(context.Background()); err != nil {
		t.Fatalf("Credential() error = %v", err)
	}

	// Advance to 4 minutes before expiry: inside the 5-minute window.
	mu.Lock()
	clock = now.Add(56 * time.Minute)
	mu.Unlock()
	src.set("tok-2", now.Add(2*time.Hour), nil)

	cred, err := p.Credential(context.Background())
	if err != nil {
		t.Fatalf("Credential() error = %v", err)
	}
	if cred.Token != "tok-2" {
		t.Errorf("Credential().Token = %q, want tok-2 after refresh", cred.Token)
	}
	if got := atomic.LoadInt32(&src.calls); got != 2 {
		t.Errorf("source calls = %d, want 2", got)
	}
}

func TestCredentialAssumesTTLWhenExpiryMissing(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &countingSource{token: "tok-1"} // zero expiry
	p := newTestProvider(t, src, withClock(func() time.Time { return now }))

	cred, err := p.Credential(context.Background())
	if err != nil {
		t.Fatalf("Credential() error = %v", err)
	}
	if want := now.Add(time.Hour); !cred.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v (assumed TTL)", cred.ExpiresAt, want)
	}
}

func TestConcurrentRefreshCollapses(t *testing.T) {
	t.Parallel()

	src := &countingSource{token: "tok-1", expiry: time.Now().Add(time.Hour), delay: 50 * time.Millisecond}
	p := newTestProvider(t, src)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Credential(context.Background()); err != nil {
				t.Errorf("Credential() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&src.calls); got != 1 {
		t.Errorf("source calls = %d, want 1 (single flight)", got)
	}
}

func TestFailureHookInvoked(t *testing.T) {
	t.Parallel()

	src := &countingSource{err: errors.New("credential chain unavailable")}
	var hookErr atomic.Value
	p := newTestProvider(t, src, WithFailureHook(func(err error) { hookErr.Store(err) }))

	if _, err := p.Credential(context.Background()); err == nil {
		t.Fatal("Credential() = nil error, want failure")
	}
	got, _ := hookErr.Load().(error)
	if got == nil || !strings.Contains(got.Error(), "credential chain unavailable") {
		t.Errorf("failure hook got %v", got)
	}
}

func TestAuthorizationHeader(t *testing.T) {
	t.Parallel()

	src := &countingSource{token: "tok-xyz", expiry: time.Now().Add(time.Hour)}
	p := newTestProvider(t, src)

	header, err := p.AuthorizationHeader(context.Background())
	if err != nil {
		t.Fatalf("AuthorizationHeader() error = %v", err)
	}
	if header != "Bearer tok-xyz" {
		t.Errorf("AuthorizationHeader() = %q, want Bearer tok-xyz", header)
	}
}

func TestRefreshBypassesFreshCache(t *testing.T) {
	t.Parallel()

	src := &countingSource{token: "tok-1", expiry: time.Now().Add(time.Hour)}
	p := newTestProvider(t, src)

	if _, err := p.Credential(context.Background()); err != nil {
		t.Fatalf("Credential() error = %v", err)
	}
	src.set("tok-2", time.Now().Add(2*time.Hour), nil)

	// The cached token is nowhere near its refresh window; Refresh fetches
	// anyway.
	cred, err := p.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if cred.Token != "tok-2" {
		t.Errorf("Refresh().Token = %q, want tok-2", cred.Token)
	}
	if got := atomic.LoadInt32(&src.calls); got != 2 {
		t.Errorf("source calls = %d, want 2 (forced fetch)", got)
	}

	// The forced fetch repopulates the cache.
	cred, err = p.Credential(context.Background())
	if err != nil {
		t.Fatalf("Credential() error = %v", err)
	}
	if cred.Token != "tok-2" || atomic.LoadInt32(&src.calls) != 2 {
		t.Errorf("cache after Refresh = %q (%d calls), want tok-2 cached", cred.Token, src.calls)
	}
}

func TestRefreshFailureInvokesHook(t *testing.T) {
	t.Parallel()

	src := &countingSource{token: "tok-1", expiry: time.Now().Add(time.Hour)}
	var hookErr atomic.Value
	p := newTestProvider(t, src, WithFailureHook(func(err error) { hookErr.Store(err) }))

	if _, err := p.Credential(context.Background()); err != nil {
		t.Fatalf("Credential() error = %v", err)
	}
	src.set("", time.Time{}, errors.New("issuer unavailable"))

	if _, err := p.Refresh(context.Background()); err == nil {
		t.Fatal("Refresh() = nil error, want failure")
	}
	got, _ := hookErr.Load().(error)
	if got == nil || !strings.Contains(got.Error(), "issuer unavailable") {
		t.Errorf("failure hook got %v", got)
	}
}

func TestInvalidateForcesRefresh(t *testing.T) {
	t.Parallel()

	src := &countingSource{token: "tok-1", expiry: time.Now().Add(time.Hour)}
	p := newTestProvider(t, src)

	if _, err := p.Credential(context.Background()); err != nil {
		t.Fatalf("Credential() error = %v", err)
	}
	p.Invalidate()
	src.set("tok-2", time.Now().Add(time.Hour), nil)

	cred, err := p.Credential(context.Background())
	if err != nil {
		t.Fatalf("Credential() error = %v", err)
	}
	if cred.Token != "tok-2" {
		t.Errorf("Credential().Token = %q after Invalidate, want tok-2", cred.Token)
	}
}
