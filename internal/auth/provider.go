// Package auth supplies fresh bearer credentials for upstream dials.
//
// Tokens come from the application-default credential chain and are cached
// until shortly before expiry. Concurrent refreshes collapse into a single
// upstream request.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"
)

const (
	// cloudScope is the OAuth scope required by the streaming endpoint.
	cloudScope = "https://www.googleapis.com/auth/cloud-platform"

	// refreshWindow is how long before expiry a cached token stops being
	// served. Dials near the boundary always get a token with headroom.
	refreshWindow = 5 * time.Minute

	// assumedTTL is applied when the issuer returns a token without an
	// expiry timestamp.
	assumedTTL = time.Hour
)

// Credential is a bearer token with its expiry.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// Fresh reports whether the credential is still outside the refresh window
// at instant now.
func (c Credential) Fresh(now time.Time) bool {
	return c.Token != "" && now.Before(c.ExpiresAt.Add(-refreshWindow))
}

// Provider caches credentials and refreshes them on demand.
type Provider struct {
	source    oauth2.TokenSource
	log       *slog.Logger
	onFailure func(error)
	now       func() time.Time

	group singleflight.Group

	mu     sync.Mutex
	cached Credential
}

// Option configures a Provider.
type Option func(*Provider)

// WithSource replaces the application-default token source.
func WithSource(src oauth2.TokenSource) Option {
	return func(p *Provider) { p.source = src }
}

// WithLogger sets the provider's logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(p *Provider) { p.log = log }
}

// WithFailureHook registers a callback invoked whenever a refresh fails.
// Sessions use it to surface auth failures without polling.
func WithFailureHook(fn func(error)) Option {
	return func(p *Provider) { p.onFailure = fn }
}

// withClock overrides time.Now for tests.
func withClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// NewProvider builds a Provider backed by application-default credentials
// unless WithSource overrides it.
func NewProvider(ctx context.Context, opts ...Option) (*Provider, error) {
	p := &Provider{
		log: slog.Default(),
		now: time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if p.source == nil {
		src, err := google.DefaultTokenSource(ctx, cloudScope)
		if err != nil {
			return nil, fmt.Errorf("auth: default token source: %w", err)
		}
		p.source = src
	}
	return p, nil
}

// Credential returns a cached credential when it is outside the refresh
// window, otherwise it refreshes. Concurrent callers during a refresh share
// one upstream request.
func (p *Provider) Credential(ctx context.Context) (Credential, error) {
	p.mu.Lock()
	cached := p.cached
	p.mu.Unlock()

	if cached.Fresh(p.now()) {
		return cached, nil
	}

	v, err, _ := p.group.Do("token", func() (any, error) {
		return p.refresh(ctx)
	})
	if err != nil {
		if p.onFailure != nil {
			p.onFailure(err)
		}
		return Credential{}, err
	}
	return v.(Credential), nil
}

// Refresh forces a fetch regardless of how fresh the cached credential
// looks. Concurrent forced refreshes still collapse into one upstream
// request.
func (p *Provider) Refresh(ctx context.Context) (Credential, error) {
	p.Invalidate()

	v, err, _ := p.group.Do("token", func() (any, error) {
		return p.refresh(ctx)
	})
	if err != nil {
		if p.onFailure != nil {
			p.onFailure(err)
		}
		return Credential{}, err
	}
	return v.(Credential), nil
}

func (p *Provider) refresh(ctx context.Context) (Credential, error) {
	// Another waiter may have refreshed while we queued on the group.
	p.mu.Lock()
	if p.cached.Fresh(p.now()) {
		cached := p.cached
		p.mu.Unlock()
		return cached, nil
	}
	p.mu.Unlock()

	tok, err := p.source.Token()
	if err != nil {
		return Credential{}, fmt.Errorf("auth: token refresh: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Credential{}, fmt.Errorf("auth: token refresh: %w", err)
	}

	cred := Credential{Token: tok.AccessToken, ExpiresAt: tok.Expiry}
	if cred.ExpiresAt.IsZero() {
		cred.ExpiresAt = p.now().Add(assumedTTL)
	}

	p.mu.Lock()
	p.cached = cred
	p.mu.Unlock()

	p.log.Debug("credential refreshed", "expires_at", cred.ExpiresAt)
	return cred, nil
}

// AuthorizationHeader returns the Authorization header value for a dial.
// Its signature matches what the upstream client expects per connect.
func (p *Provider) AuthorizationHeader(ctx context.Context) (string, error) {
	cred, err := p.Credential(ctx)
	if err != nil {
		return "", err
	}
	return "Bearer " + cred.Token, nil
}

// Invalidate drops the cached credential so the next call refreshes. Used
// after the upstream rejects a token that looked fresh locally.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.cached = Credential{}
	p.mu.Unlock()
}
