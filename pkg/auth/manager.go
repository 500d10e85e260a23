// Package auth manages the lifecycle of the session tokens: expiry checks,
// refresh exchanges, login and logout.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/resilient-api-client/pkg/credentials"
	"github.com/Sternrassler/resilient-api-client/pkg/logging"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Config holds the token manager configuration.
type Config struct {
	// BaseURL of the remote service, e.g. "https://api.example.com".
	BaseURL string

	// Endpoints of the authentication routes.
	Endpoints Endpoints

	// Store persists the session. Required.
	Store credentials.Store

	// HTTPClient performs exchanges. Defaults to a client with Timeout.
	HTTPClient *http.Client

	// Timeout bounds each exchange (login, refresh, logout notification).
	Timeout time.Duration

	// ExpiryLeeway treats tokens expiring within the window as stale.
	ExpiryLeeway time.Duration

	// DevLoginFallback synthesizes a local development session when the
	// login exchange fails. Never enable outside development.
	DevLoginFallback bool

	// DevSessionTTL is the lifetime of a synthesized development session.
	DevSessionTTL time.Duration

	Clock  Clock
	Logger *zerolog.Logger
}

// DefaultConfig returns a configuration with the conventional endpoints.
func DefaultConfig(baseURL string, store credentials.Store) Config {
	return Config{
		BaseURL:       baseURL,
		Endpoints:     DefaultEndpoints(),
		Store:         store,
		Timeout:       30 * time.Second,
		DevSessionTTL: time.Hour,
	}
}

// Manager decides whether the current access token is usable and
// performs refresh, login and logout exchanges.
type Manager struct {
	baseURL    string
	endpoints  Endpoints
	store      credentials.Store
	httpClient *http.Client
	timeout    time.Duration
	leeway     time.Duration
	devLogin   bool
	devTTL     time.Duration
	clock      Clock
	logger     zerolog.Logger

	refreshes singleflight.Group
	notifyWG  sync.WaitGroup

	// sessionMu serializes writes that replace or clear the stored session.
	sessionMu sync.Mutex
}

// New creates a token manager.
func New(cfg Config) (*Manager, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if cfg.Endpoints.Refresh == "" || cfg.Endpoints.Login == "" {
		return nil, fmt.Errorf("login and refresh endpoints are required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	devTTL := cfg.DevSessionTTL
	if devTTL <= 0 {
		devTTL = time.Hour
	}
	clock := cfg.Clock
	if clock == nil {
		clock = systemClock{}
	}
	logger := log.With().Str("component", "token-manager").Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "token-manager").Logger()
	}

	return &Manager{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		endpoints:  cfg.Endpoints,
		store:      cfg.Store,
		httpClient: httpClient,
		timeout:    timeout,
		leeway:     cfg.ExpiryLeeway,
		devLogin:   cfg.DevLoginFallback,
		devTTL:     devTTL,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Endpoints returns the configured authentication routes.
func (m *Manager) Endpoints() Endpoints {
	return m.endpoints
}

// IsUsable reports whether a stored access token exists and has not
// expired. Missing sessions and undecodable tokens are simply unusable.
func (m *Manager) IsUsable(ctx context.Context) bool {
	pair, err := m.store.Load(ctx)
	if err != nil || pair.AccessToken == "" {
		return false
	}
	exp, err := Expiration(pair.AccessToken)
	if err != nil {
		m.logger.Debug().Err(err).Msg("Access token not decodable")
		return false
	}
	return exp.After(m.clock.Now().Add(m.leeway))
}

// CurrentAccessToken returns the stored access token, if any.
func (m *Manager) CurrentAccessToken(ctx context.Context) (string, bool) {
	pair, err := m.store.Load(ctx)
	if err != nil || pair.AccessToken == "" {
		return "", false
	}
	return pair.AccessToken, true
}

// Refresh exchanges the stored refresh token for a new pair. Concurrent
// callers holding the same refresh token share a single exchange. On
// failure the stored pair is left untouched; callers decide whether to
// log out.
func (m *Manager) Refresh(ctx context.Context) error {
	pair, err := m.store.Load(ctx)
	if errors.Is(err, credentials.ErrNotFound) {
		return ErrNoSession
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if pair.RefreshToken == "" {
		return ErrNoRefreshToken
	}

	// The shared exchange must survive the cancellation of whichever
	// caller happened to start it.
	exchangeCtx := context.WithoutCancel(ctx)
	ch := m.refreshes.DoChan(pair.RefreshToken, func() (any, error) {
		// A caller that loaded the pair before an earlier exchange saved
		// its result must not spend the rotated refresh token again.
		latest, err := m.store.Load(exchangeCtx)
		switch {
		case errors.Is(err, credentials.ErrNotFound):
			return nil, ErrNoSession
		case err != nil:
			return nil, fmt.Errorf("load session: %w", err)
		case latest.RefreshToken != pair.RefreshToken:
			return nil, nil
		}
		return nil, m.refresh(exchangeCtx, pair)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) refresh(ctx context.Context, current credentials.Pair) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var issued tokenResponse
	status, err := m.postJSON(ctx, m.endpoints.Refresh, "", refreshRequest{RefreshToken: current.RefreshToken}, &issued)
	if err != nil {
		tokenRefreshTotal.WithLabelValues("error").Inc()
		m.logger.Warn().Err(err).Msg("Refresh exchange failed")
		return fmt.Errorf("refresh exchange: %w", err)
	}
	if status < 200 || status >= 300 {
		tokenRefreshTotal.WithLabelValues("rejected").Inc()
		m.logger.Warn().Int("status", status).Msg("Refresh rejected")
		return fmt.Errorf("%w (status %d)", ErrRefreshRejected, status)
	}
	if issued.AccessToken == "" {
		tokenRefreshTotal.WithLabelValues("rejected").Inc()
		return fmt.Errorf("%w: response carried no access token", ErrRefreshRejected)
	}

	claims, err := DecodeClaims(issued.AccessToken)
	if err != nil {
		tokenRefreshTotal.WithLabelValues("rejected").Inc()
		return fmt.Errorf("%w: %w", ErrRefreshRejected, err)
	}

	next := credentials.Pair{AccessToken: issued.AccessToken, RefreshToken: issued.RefreshToken}
	if next.RefreshToken == "" {
		// Services that do not rotate refresh tokens omit it.
		next.RefreshToken = current.RefreshToken
	}

	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	// The session may have been logged out or replaced while the exchange
	// was in flight. Only the pair the exchange started from is replaced.
	stored, err := m.store.Load(ctx)
	switch {
	case errors.Is(err, credentials.ErrNotFound):
		tokenRefreshTotal.WithLabelValues("discarded").Inc()
		m.logger.Debug().Msg("Session cleared during refresh, discarding new pair")
		return ErrNoSession
	case err != nil:
		tokenRefreshTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("load session: %w", err)
	case stored.RefreshToken != current.RefreshToken:
		tokenRefreshTotal.WithLabelValues("discarded").Inc()
		m.logger.Debug().Msg("Session replaced during refresh, discarding new pair")
		return nil
	}

	if err := m.store.Save(ctx, next); err != nil {
		tokenRefreshTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("save refreshed session: %w", err)
	}
	if err := m.store.SavePrincipal(ctx, claims.Principal()); err != nil {
		// A stale principal must not outlive the pair it described.
		m.logger.Warn().Err(err).Msg("Failed to store refreshed principal")
		if cerr := m.dropPrincipal(ctx, next); cerr != nil {
			m.logger.Warn().Err(cerr).Msg("Failed to drop stale principal")
		}
	}

	tokenRefreshTotal.WithLabelValues("ok").Inc()
	m.logger.Info().Str("token", logging.Fingerprint(next.AccessToken)).Msg("Session refreshed")
	return nil
}

// dropPrincipal removes the principal record while keeping pair stored.
// Principal derives it again on demand. Callers hold sessionMu.
func (m *Manager) dropPrincipal(ctx context.Context, pair credentials.Pair) error {
	if err := m.store.Clear(ctx); err != nil {
		return err
	}
	return m.store.Save(ctx, pair)
}

// Login exchanges identifier and secret for a session, stores the pair
// and the principal derived from the new access token, and returns it.
func (m *Manager) Login(ctx context.Context, identifier, secret string) (*credentials.Principal, error) {
	principal, err := m.login(ctx, identifier, secret)
	if err == nil {
		loginTotal.WithLabelValues("ok").Inc()
		return principal, nil
	}
	if !m.devLogin || errors.Is(ctx.Err(), context.Canceled) {
		loginTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	m.logger.Warn().Err(err).Msg("Login failed, falling back to development session")
	principal, devErr := m.devSession(ctx, identifier)
	if devErr != nil {
		loginTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrLoginFailed, devErr)
	}
	loginTotal.WithLabelValues("dev_fallback").Inc()
	return principal, nil
}

func (m *Manager) login(ctx context.Context, identifier, secret string) (*credentials.Principal, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var issued tokenResponse
	status, err := m.postJSON(ctx, m.endpoints.Login, "", loginRequest{Identifier: identifier, Secret: secret}, &issued)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return nil, fmt.Errorf("%w: %w", ErrLoginFailed, ErrInvalidCredentials)
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("%w (status %d)", ErrLoginFailed, status)
	}

	claims, err := DecodeClaims(issued.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}
	principal := claims.Principal()

	if err := m.persist(ctx, credentials.Pair{AccessToken: issued.AccessToken, RefreshToken: issued.RefreshToken}, principal); err != nil {
		return nil, err
	}
	m.logger.Info().
		Str("principal", principal.ID).
		Str("token", logging.Fingerprint(issued.AccessToken)).
		Msg("Logged in")
	return &principal, nil
}

func (m *Manager) devSession(ctx context.Context, identifier string) (*credentials.Principal, error) {
	access, principal, err := mintDevToken(identifier, m.clock.Now(), m.devTTL)
	if err != nil {
		return nil, err
	}
	pair := credentials.Pair{AccessToken: access, RefreshToken: "dev-" + uuid.NewString()}
	if err := m.persist(ctx, pair, principal); err != nil {
		return nil, err
	}
	return &principal, nil
}

func (m *Manager) persist(ctx context.Context, pair credentials.Pair, principal credentials.Principal) error {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	if err := m.store.Save(ctx, pair); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if err := m.store.SavePrincipal(ctx, principal); err != nil {
		return fmt.Errorf("save principal: %w", err)
	}
	return nil
}

// Principal returns the stored principal, deriving it from the access
// token when only the pair is stored.
func (m *Manager) Principal(ctx context.Context) (*credentials.Principal, error) {
	principal, err := m.store.LoadPrincipal(ctx)
	if err == nil {
		return principal, nil
	}
	if !errors.Is(err, credentials.ErrNotFound) {
		return nil, fmt.Errorf("load principal: %w", err)
	}

	pair, err := m.store.Load(ctx)
	if errors.Is(err, credentials.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	claims, err := DecodeClaims(pair.AccessToken)
	if err != nil {
		return nil, err
	}
	derived := claims.Principal()
	if err := m.store.SavePrincipal(ctx, derived); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to cache derived principal")
	}
	return &derived, nil
}

// Logout clears the local session and notifies the remote service in the
// background. Notification failures never block the local logout. Calling
// Logout without a session is a no-op.
func (m *Manager) Logout(ctx context.Context) error {
	m.sessionMu.Lock()
	pair, loadErr := m.store.Load(ctx)
	err := m.store.Clear(ctx)
	m.sessionMu.Unlock()
	if err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	if loadErr != nil || pair.RefreshToken == "" || m.endpoints.Logout == "" {
		return nil
	}

	m.logger.Info().Msg("Logged out")
	m.notifyWG.Add(1)
	go func() {
		defer m.notifyWG.Done()
		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()

		status, err := m.postJSON(notifyCtx, m.endpoints.Logout, pair.AccessToken, refreshRequest{RefreshToken: pair.RefreshToken}, nil)
		if err != nil || status >= 400 {
			logoutNotifyTotal.WithLabelValues("error").Inc()
			m.logger.Debug().Err(err).Int("status", status).Msg("Logout notification failed")
			return
		}
		logoutNotifyTotal.WithLabelValues("ok").Inc()
	}()
	return nil
}

// Close waits for pending logout notifications.
func (m *Manager) Close() error {
	m.notifyWG.Wait()
	return nil
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// postJSON sends body to endpoint and decodes a 2xx JSON response into out.
// Transport failures are returned as errors; HTTP statuses are returned as is.
func (m *Manager) postJSON(ctx context.Context, endpoint, bearer string, body, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out == nil || resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}
