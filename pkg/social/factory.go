// Copyright 2024-2026 Aiku AI

package social

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// OutOfBandRedirect makes the instance show the authorization code to the
// user instead of redirecting.
const OutOfBandRedirect = "urn:ietf:wg:oauth:2.0:oob"

var defaultScopes = []string{"read", "write", "follow"}

// Options tune every client a Factory hands out.
type Options struct {
	ClientName string
	Website    string
	UserAgent  string
	// Timeout bounds each request, including reading the body.
	Timeout time.Duration
	// RequestsPerSecond and Burst limit traffic per instance, shared by all
	// accounts on it. Zero disables limiting.
	RequestsPerSecond float64
	Burst             int
}

// Factory creates clients and runs the OAuth handshake. Clients for the same
// instance share one rate limiter.
type Factory struct {
	opts      Options
	transport http.RoundTripper
	log       zerolog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewFactory builds a factory with a pooled transport.
func NewFactory(opts Options, log zerolog.Logger) *Factory {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   opts.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   opts.Timeout,
		ResponseHeaderTimeout: opts.Timeout,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
	return NewFactoryWithTransport(opts, transport, log)
}

// NewFactoryWithTransport is NewFactory with a caller supplied transport.
func NewFactoryWithTransport(opts Options, transport http.RoundTripper, log zerolog.Logger) *Factory {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Factory{
		opts:      opts,
		transport: transport,
		log:       log.With().Str("component", "social").Logger(),
		limiters:  make(map[string]*rate.Limiter),
	}
}

func (f *Factory) limiter(instanceURL string) *rate.Limiter {
	if f.opts.RequestsPerSecond <= 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[instanceURL]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(f.opts.RequestsPerSecond), f.opts.Burst)
		f.limiters[instanceURL] = lim
	}
	return lim
}

// limitedTransport waits on the instance limiter and stamps the user agent.
type limitedTransport struct {
	base      http.RoundTripper
	limiter   *rate.Limiter
	userAgent string
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}
	if t.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}
	return t.base.RoundTrip(req)
}

func (f *Factory) plainClient(instanceURL string) *http.Client {
	return &http.Client{
		Transport: &limitedTransport{base: f.transport, limiter: f.limiter(instanceURL), userAgent: f.opts.UserAgent},
		Timeout:   f.opts.Timeout,
	}
}

func (f *Factory) oauthContext(ctx context.Context, instanceURL string) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, f.plainClient(instanceURL))
}

// Client returns a session for token on instanceURL.
func (f *Factory) Client(instanceURL, token string) Client {
	plain := f.plainClient(instanceURL)
	authed := oauth2.NewClient(
		context.WithValue(context.Background(), oauth2.HTTPClient, plain),
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
	)
	authed.Timeout = f.opts.Timeout
	return &restClient{
		instanceURL: strings.TrimRight(instanceURL, "/"),
		authed:      authed,
		plain:       plain,
		log:         f.log.With().Str("instance", instanceURL).Logger(),
	}
}

// RegisterApp registers the bridge as an OAuth application on instanceURL.
func (f *Factory) RegisterApp(ctx context.Context, instanceURL string) (*App, error) {
	c := &restClient{
		instanceURL: strings.TrimRight(instanceURL, "/"),
		authed:      f.plainClient(instanceURL),
		log:         f.log.With().Str("instance", instanceURL).Logger(),
	}
	form := url.Values{
		"client_name":   {f.opts.ClientName},
		"redirect_uris": {OutOfBandRedirect},
		"scopes":        {strings.Join(defaultScopes, " ")},
	}
	if f.opts.Website != "" {
		form.Set("website", f.opts.Website)
	}
	var app App
	err := c.do(ctx, http.MethodPost, "/api/v1/apps", nil, strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", &app)
	if err != nil {
		return nil, fmt.Errorf("failed to register app: %w", err)
	}
	if app.ClientID == "" {
		return nil, fmt.Errorf("instance returned an empty client id")
	}
	return &app, nil
}

func oauthConfig(instanceURL string, app *App) *oauth2.Config {
	base := strings.TrimRight(instanceURL, "/")
	return &oauth2.Config{
		ClientID:     app.ClientID,
		ClientSecret: app.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   base + "/oauth/authorize",
			TokenURL:  base + "/oauth/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: OutOfBandRedirect,
		Scopes:      defaultScopes,
	}
}

// AuthCodeURL is the page where the user grants access and receives a code.
func (f *Factory) AuthCodeURL(instanceURL string, app *App, state string) string {
	return oauthConfig(instanceURL, app).AuthCodeURL(state)
}

// ExchangeCode trades an authorization code for an access token.
func (f *Factory) ExchangeCode(ctx context.Context, instanceURL string, app *App, code string) (string, error) {
	tok, err := oauthConfig(instanceURL, app).Exchange(f.oauthContext(ctx, instanceURL), strings.TrimSpace(code))
	if err != nil {
		return "", fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	return tok.AccessToken, nil
}

// PasswordLogin obtains an access token with the resource owner password
// grant, for instances or accounts without a browser.
func (f *Factory) PasswordLogin(ctx context.Context, instanceURL string, app *App, email, password string) (string, error) {
	tok, err := oauthConfig(instanceURL, app).PasswordCredentialsToken(f.oauthContext(ctx, instanceURL), email, password)
	if err != nil {
		return "", fmt.Errorf("failed to log in with password: %w", err)
	}
	return tok.AccessToken, nil
}
