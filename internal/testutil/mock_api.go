// Package testutil provides a scriptable mock of the remote service for
// tests: authentication routes minting real JWTs, per-path scripted
// responses and request tracking.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Routes served by the mock's authentication handlers.
const (
	LoginPath   = "/auth/login"
	RefreshPath = "/auth/refresh"
	LogoutPath  = "/auth/logout"
)

// SigningKey signs every token the mock issues.
var SigningKey = []byte("mock-api-signing-key")

// MockResponse defines the behavior for a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// TokenClaims are the claims minted into mock access tokens.
type TokenClaims struct {
	ID          string   `json:"id,omitempty"`
	Name        string   `json:"name,omitempty"`
	Email       string   `json:"email,omitempty"`
	Role        string   `json:"role,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// MockAPI is a configurable mock of the remote service.
type MockAPI struct {
	server   *httptest.Server
	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	scripts  map[string][]MockResponse

	counts      map[string]int
	authHeaders map[string][]string
	refreshOK   map[string]bool

	// Identifier and Secret are the only accepted login credentials.
	Identifier string
	Secret     string

	// AccessTTL is the lifetime of issued access tokens.
	AccessTTL time.Duration

	// Claims is the identity minted into issued access tokens.
	Claims TokenClaims
}

// NewMockAPI creates and starts a mock server.
func NewMockAPI() *MockAPI {
	m := &MockAPI{
		handlers:    make(map[string]http.HandlerFunc),
		scripts:     make(map[string][]MockResponse),
		counts:      make(map[string]int),
		authHeaders: make(map[string][]string),
		refreshOK:   make(map[string]bool),
		Identifier:  "ada@example.com",
		Secret:      "correct-horse",
		AccessTTL:   15 * time.Minute,
		Claims: TokenClaims{
			ID:          "42",
			Name:        "Ada Lovelace",
			Email:       "ada@example.com",
			Role:        "admin",
			Roles:       []string{"admin"},
			Permissions: []string{"users:read", "users:write"},
		},
	}

	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.counts[r.URL.Path]++
		m.authHeaders[r.URL.Path] = append(m.authHeaders[r.URL.Path], r.Header.Get("Authorization"))
		handler, hasHandler := m.handlers[r.URL.Path]
		var resp MockResponse
		var hasScript bool
		if !hasHandler {
			resp, hasScript = m.nextScripted(r.URL.Path)
		}
		m.mu.Unlock()

		switch {
		case hasHandler:
			handler(w, r)
		case hasScript:
			writeResponse(w, resp)
		default:
			m.defaultHandler(w, r)
		}
	}))

	return m
}

// URL returns the mock server URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// CloseClientConnections drops open connections, simulating a transport failure.
func (m *MockAPI) CloseClientConnections() {
	m.server.CloseClientConnections()
}

// Reset clears all tracking counters.
func (m *MockAPI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts = make(map[string]int)
	m.authHeaders = make(map[string][]string)
}

// SetHandler sets a custom handler for a specific path.
func (m *MockAPI) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockAPI) SetResponse(path string, resp MockResponse) {
	m.SetSequence(path, resp)
}

// SetSequence scripts successive responses for a path. The last response
// repeats once the sequence is exhausted.
func (m *MockAPI) SetSequence(path string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, path)
	m.scripts[path] = append([]MockResponse(nil), responses...)
}

// nextScripted pops the next scripted response. Callers hold m.mu.
func (m *MockAPI) nextScripted(path string) (MockResponse, bool) {
	script := m.scripts[path]
	if len(script) == 0 {
		return MockResponse{}, false
	}
	resp := script[0]
	if len(script) > 1 {
		m.scripts[path] = script[1:]
	}
	return resp, true
}

// RequestCount returns the number of requests received for path.
func (m *MockAPI) RequestCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[path]
}

// AuthorizationHeaders returns the Authorization header of every request
// received for path, in arrival order.
func (m *MockAPI) AuthorizationHeaders(path string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.authHeaders[path]...)
}

// IssuePair mints an access token expiring after ttl and registers a
// fresh refresh token accepted by the refresh route.
func (m *MockAPI) IssuePair(ttl time.Duration) (access string, refresh string) {
	access = MintToken(m.Claims, ttl)
	refresh = "refresh-" + uuid.NewString()
	m.mu.Lock()
	m.refreshOK[refresh] = true
	m.mu.Unlock()
	return access, refresh
}

// MintToken signs claims with SigningKey, expiring after ttl. A negative
// ttl yields an already-expired token. Every token carries a unique jti.
func MintToken(claims TokenClaims, ttl time.Duration) string {
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	if claims.Subject == "" {
		claims.Subject = claims.ID
	}
	claims.RegisteredClaims.ID = uuid.NewString()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(SigningKey)
	if err != nil {
		panic(fmt.Sprintf("mint token: %v", err))
	}
	return signed
}

func (m *MockAPI) defaultHandler(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case LoginPath:
		m.handleLogin(w, r)
	case RefreshPath:
		m.handleRefresh(w, r)
	case LogoutPath:
		m.handleLogout(w, r)
	default:
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "ok"}`))
	}
}

func (m *MockAPI) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Identifier string `json:"identifier"`
		Secret     string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	if body.Identifier != m.Identifier || body.Secret != m.Secret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}
	access, refresh := m.IssuePair(m.AccessTTL)
	writeJSON(w, http.StatusOK, map[string]string{"accessToken": access, "refreshToken": refresh})
}

func (m *MockAPI) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}

	m.mu.Lock()
	ok := m.refreshOK[body.RefreshToken]
	delete(m.refreshOK, body.RefreshToken)
	m.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid refresh token"})
		return
	}
	access, refresh := m.IssuePair(m.AccessTTL)
	writeJSON(w, http.StatusOK, map[string]string{"accessToken": access, "refreshToken": refresh})
}

func (m *MockAPI) handleLogout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	m.mu.Lock()
	delete(m.refreshOK, body.RefreshToken)
	m.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// NewJSONResponse creates a 200 OK response carrying body.
func NewJSONResponse(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewStatusResponse creates a JSON error response with the given status.
func NewStatusResponse(status int) MockResponse {
	return MockResponse{
		StatusCode: status,
		Body:       fmt.Sprintf(`{"error": %q}`, http.StatusText(status)),
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewUnauthorizedResponse creates a 401 response.
func NewUnauthorizedResponse() MockResponse {
	return NewStatusResponse(http.StatusUnauthorized)
}

// NewServerErrorResponse creates a 500 response.
func NewServerErrorResponse() MockResponse {
	return NewStatusResponse(http.StatusInternalServerError)
}

// NewPageResponse creates a 200 response for one page of a paginated listing.
func NewPageResponse(body string, totalPages int) MockResponse {
	resp := NewJSONResponse(body)
	resp.Headers["X-Total-Pages"] = fmt.Sprintf("%d", totalPages)
	return resp
}
