package auth

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/resilient-api-client/internal/testutil"
	"github.com/Sternrassler/resilient-api-client/pkg/credentials"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newTestManager(t *testing.T, mock *testutil.MockAPI, mutate ...func(*Config)) (*Manager, *credentials.MemoryStore) {
	t.Helper()

	store := credentials.NewMemoryStore()
	logger := zerolog.Nop()
	cfg := DefaultConfig(mock.URL(), store)
	cfg.Timeout = 5 * time.Second
	cfg.Logger = &logger
	for _, fn := range mutate {
		fn(&cfg)
	}

	m, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m, store
}

func TestNew_Validation(t *testing.T) {
	store := credentials.NewMemoryStore()

	tests := []struct {
		name     string
		config   Config
		errorMsg string
	}{
		{
			name:   "valid config",
			config: DefaultConfig("http://localhost", store),
		},
		{
			name:     "missing base url",
			config:   DefaultConfig("", store),
			errorMsg: "base url is required",
		},
		{
			name:     "missing store",
			config:   DefaultConfig("http://localhost", nil),
			errorMsg: "credential store is required",
		},
		{
			name:     "missing endpoints",
			config:   Config{BaseURL: "http://localhost", Store: store},
			errorMsg: "login and refresh endpoints are required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(tt.config)
			if tt.errorMsg != "" {
				assert.EqualError(t, err, tt.errorMsg)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, m)
		})
	}
}

func TestManager_IsUsable(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	ctx := context.Background()

	tests := []struct {
		name   string
		pair   *credentials.Pair
		leeway time.Duration
		want   bool
	}{
		{name: "no session", want: false},
		{name: "valid token", pair: &credentials.Pair{AccessToken: testutil.MintToken(mock.Claims, time.Hour)}, want: true},
		{name: "expired token", pair: &credentials.Pair{AccessToken: testutil.MintToken(mock.Claims, -time.Minute)}, want: false},
		{name: "garbage token", pair: &credentials.Pair{AccessToken: "not-a-jwt"}, want: false},
		{name: "empty access token", pair: &credentials.Pair{RefreshToken: "r"}, want: false},
		{
			name:   "inside leeway window",
			pair:   &credentials.Pair{AccessToken: testutil.MintToken(mock.Claims, 30*time.Second)},
			leeway: time.Minute,
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, store := newTestManager(t, mock, func(c *Config) { c.ExpiryLeeway = tt.leeway })
			if tt.pair != nil {
				require.NoError(t, store.Save(ctx, *tt.pair))
			}
			assert.Equal(t, tt.want, m.IsUsable(ctx))
		})
	}
}

func TestManager_IsUsable_UsesClock(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	ctx := context.Background()

	token := testutil.MintToken(mock.Claims, time.Hour)
	future := fixedClock{now: time.Now().Add(2 * time.Hour)}
	m, store := newTestManager(t, mock, func(c *Config) { c.Clock = future })
	require.NoError(t, store.Save(ctx, credentials.Pair{AccessToken: token}))

	assert.False(t, m.IsUsable(ctx))
}

func TestManager_CurrentAccessToken(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	ctx := context.Background()
	m, store := newTestManager(t, mock)

	_, ok := m.CurrentAccessToken(ctx)
	assert.False(t, ok)

	require.NoError(t, store.Save(ctx, credentials.Pair{AccessToken: "abc", RefreshToken: "r"}))
	token, ok := m.CurrentAccessToken(ctx)
	assert.True(t, ok)
	assert.Equal(t, "abc", token)
}

func TestManager_Refresh(t *testing.T) {
	ctx := context.Background()

	t.Run("replaces the pair and principal", func(t *testing.T) {
		mock := testutil.NewMockAPI()
		defer mock.Close()
		m, store := newTestManager(t, mock)

		access, refresh := mock.IssuePair(-time.Minute)
		require.NoError(t, store.Save(ctx, credentials.Pair{AccessToken: access, RefreshToken: refresh}))
		require.False(t, m.IsUsable(ctx))

		require.NoError(t, m.Refresh(ctx))

		pair, err := store.Load(ctx)
		require.NoError(t, err)
		assert.NotEqual(t, access, pair.AccessToken)
		assert.NotEqual(t, refresh, pair.RefreshToken)
		assert.True(t, m.IsUsable(ctx))

		principal, err := store.LoadPrincipal(ctx)
		require.NoError(t, err)
		assert.Equal(t, "42", principal.ID)
		assert.Empty(t, mock.AuthorizationHeaders(testutil.RefreshPath)[0], "refresh must not carry a bearer token")
	})

	t.Run("rejection leaves the pair untouched", func(t *testing.T) {
		mock := testutil.NewMockAPI()
		defer mock.Close()
		m, store := newTestManager(t, mock)

		stale := credentials.Pair{AccessToken: testutil.MintToken(mock.Claims, -time.Minute), RefreshToken: "unknown"}
		require.NoError(t, store.Save(ctx, stale))

		err := m.Refresh(ctx)
		assert.ErrorIs(t, err, ErrRefreshRejected)

		pair, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, stale, pair)
	})

	t.Run("keeps the refresh token when the service does not rotate it", func(t *testing.T) {
		mock := testutil.NewMockAPI()
		defer mock.Close()
		newAccess := testutil.MintToken(mock.Claims, time.Hour)
		mock.SetResponse(testutil.RefreshPath, testutil.NewJSONResponse(`{"accessToken":"`+newAccess+`"}`))
		m, store := newTestManager(t, mock)
		require.NoError(t, store.Save(ctx, credentials.Pair{AccessToken: "old", RefreshToken: "keep-me"}))

		require.NoError(t, m.Refresh(ctx))

		pair, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, credentials.Pair{AccessToken: newAccess, RefreshToken: "keep-me"}, pair)
	})

	t.Run("no session", func(t *testing.T) {
		mock := testutil.NewMockAPI()
		defer mock.Close()
		m, _ := newTestManager(t, mock)

		assert.ErrorIs(t, m.Refresh(ctx), ErrNoSession)
		assert.Zero(t, mock.RequestCount(testutil.RefreshPath))
	})

	t.Run("no refresh token", func(t *testing.T) {
		mock := testutil.NewMockAPI()
		defer mock.Close()
		m, store := newTestManager(t, mock)
		require.NoError(t, store.Save(ctx, credentials.Pair{AccessToken: "a"}))

		assert.ErrorIs(t, m.Refresh(ctx), ErrNoRefreshToken)
	})
}

func TestManager_Refresh_ConcurrentCallersShareOneExchange(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	newAccess := testutil.MintToken(mock.Claims, time.Hour)
	mock.SetHandler(testutil.RefreshPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(started) })
		<-release
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"accessToken":"` + newAccess + `","refreshToken":"rotated"}`))
	})

	m, store := newTestManager(t, mock)
	require.NoError(t, store.Save(ctx, credentials.Pair{
		AccessToken:  testutil.MintToken(mock.Claims, -time.Minute),
		RefreshToken: "shared",
	}))

	errs := make(chan error, 2)
	go func() { errs <- m.Refresh(ctx) }()
	<-started
	go func() { errs <- m.Refresh(ctx) }()
	// Give the second caller time to join the in-flight exchange.
	time.Sleep(100 * time.Millisecond)
	close(release)

	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	assert.Equal(t, 1, mock.RequestCount(testutil.RefreshPath))
	assert.True(t, m.IsUsable(ctx))
}

// blockingRefresh makes the refresh endpoint wait for release and then
// answer with a freshly minted pair. started is closed on the first call.
func blockingRefresh(mock *testutil.MockAPI) (started, release chan struct{}, issued string) {
	started = make(chan struct{})
	release = make(chan struct{})
	var once sync.Once
	issued = testutil.MintToken(mock.Claims, time.Hour)
	mock.SetHandler(testutil.RefreshPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(started) })
		<-release
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"accessToken":"` + issued + `","refreshToken":"rt2"}`))
	})
	return started, release, issued
}

func TestManager_Refresh_DoesNotResurrectLoggedOutSession(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	ctx := context.Background()

	started, release, _ := blockingRefresh(mock)
	m, store := newTestManager(t, mock)
	require.NoError(t, store.Save(ctx, credentials.Pair{
		AccessToken:  testutil.MintToken(mock.Claims, -time.Minute),
		RefreshToken: "rt1",
	}))
	require.NoError(t, store.SavePrincipal(ctx, credentials.Principal{ID: "42"}))

	done := make(chan error, 1)
	go func() { done <- m.Refresh(ctx) }()
	<-started

	require.NoError(t, m.Logout(ctx))
	close(release)

	assert.ErrorIs(t, <-done, ErrNoSession)

	_, err := store.Load(ctx)
	assert.ErrorIs(t, err, credentials.ErrNotFound)
	_, err = store.LoadPrincipal(ctx)
	assert.ErrorIs(t, err, credentials.ErrNotFound)
	assert.False(t, m.IsUsable(ctx))
}

func TestManager_Refresh_KeepsSessionReplacedDuringExchange(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	ctx := context.Background()

	started, release, issued := blockingRefresh(mock)
	m, store := newTestManager(t, mock)
	require.NoError(t, store.Save(ctx, credentials.Pair{
		AccessToken:  testutil.MintToken(mock.Claims, -time.Minute),
		RefreshToken: "rt1",
	}))

	done := make(chan error, 1)
	go func() { done <- m.Refresh(ctx) }()
	<-started

	replacement := credentials.Pair{AccessToken: testutil.MintToken(mock.Claims, time.Hour), RefreshToken: "login-rt"}
	require.NoError(t, store.Save(ctx, replacement))
	close(release)

	require.NoError(t, <-done)

	pair, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, replacement, pair)
	assert.NotEqual(t, issued, pair.AccessToken)
}

func TestManager_Refresh_UndecodableAccessTokenIsRejected(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	ctx := context.Background()

	mock.SetResponse(testutil.RefreshPath, testutil.NewJSONResponse(`{"accessToken":"opaque","refreshToken":"rt2"}`))
	m, store := newTestManager(t, mock)
	stale := credentials.Pair{AccessToken: testutil.MintToken(mock.Claims, -time.Minute), RefreshToken: "rt1"}
	require.NoError(t, store.Save(ctx, stale))
	require.NoError(t, store.SavePrincipal(ctx, credentials.Principal{ID: "42", Name: "Ada Lovelace"}))

	err := m.Refresh(ctx)
	assert.ErrorIs(t, err, ErrRefreshRejected)
	assert.ErrorIs(t, err, ErrInvalidToken)

	pair, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, stale, pair)
	principal, err := store.LoadPrincipal(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", principal.Name)
}

func TestManager_Refresh_CallerCancellationDoesNotAbortSharedExchange(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	release := make(chan struct{})
	newAccess := testutil.MintToken(mock.Claims, time.Hour)
	mock.SetHandler(testutil.RefreshPath, func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`{"accessToken":"` + newAccess + `","refreshToken":"rotated"}`))
	})

	m, store := newTestManager(t, mock)
	require.NoError(t, store.Save(context.Background(), credentials.Pair{AccessToken: "old", RefreshToken: "r"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Refresh(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(release)
	assert.Eventually(t, func() bool { return m.IsUsable(context.Background()) }, 2*time.Second, 10*time.Millisecond)
}

func TestManager_Login(t *testing.T) {
	ctx := context.Background()

	t.Run("stores pair and principal", func(t *testing.T) {
		mock := testutil.NewMockAPI()
		defer mock.Close()
		m, store := newTestManager(t, mock)

		principal, err := m.Login(ctx, mock.Identifier, mock.Secret)
		require.NoError(t, err)
		assert.Equal(t, "42", principal.ID)
		assert.Equal(t, "Ada Lovelace", principal.Name)
		assert.True(t, principal.HasPermission("users:write"))

		stored, err := store.LoadPrincipal(ctx)
		require.NoError(t, err)
		assert.Equal(t, *principal, *stored)
		assert.True(t, m.IsUsable(ctx))
		assert.Empty(t, mock.AuthorizationHeaders(testutil.LoginPath)[0])
	})

	t.Run("invalid credentials fail without fallback", func(t *testing.T) {
		mock := testutil.NewMockAPI()
		defer mock.Close()
		m, store := newTestManager(t, mock)

		_, err := m.Login(ctx, mock.Identifier, "wrong")
		assert.ErrorIs(t, err, ErrLoginFailed)
		assert.ErrorIs(t, err, ErrInvalidCredentials)

		_, err = store.Load(ctx)
		assert.ErrorIs(t, err, credentials.ErrNotFound)
	})

	t.Run("server failure without fallback", func(t *testing.T) {
		mock := testutil.NewMockAPI()
		defer mock.Close()
		mock.SetResponse(testutil.LoginPath, testutil.NewServerErrorResponse())
		m, _ := newTestManager(t, mock)

		_, err := m.Login(ctx, mock.Identifier, mock.Secret)
		assert.ErrorIs(t, err, ErrLoginFailed)
	})

	t.Run("dev fallback is explicit", func(t *testing.T) {
		mock := testutil.NewMockAPI()
		mock.Close() // unreachable service
		m, store := newTestManager(t, mock, func(c *Config) { c.DevLoginFallback = true })

		principal, err := m.Login(ctx, "dev@example.com", "anything")
		require.NoError(t, err)
		assert.Equal(t, "dev-user", principal.ID)
		assert.Equal(t, "dev@example.com", principal.Email)
		assert.True(t, principal.HasRole("admin"))
		assert.True(t, m.IsUsable(ctx))

		pair, err := store.Load(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, pair.RefreshToken)
	})
}

func TestManager_Logout(t *testing.T) {
	ctx := context.Background()

	t.Run("clears locally and notifies the service", func(t *testing.T) {
		mock := testutil.NewMockAPI()
		defer mock.Close()
		m, store := newTestManager(t, mock)

		_, err := m.Login(ctx, mock.Identifier, mock.Secret)
		require.NoError(t, err)

		require.NoError(t, m.Logout(ctx))
		_, err = store.Load(ctx)
		assert.ErrorIs(t, err, credentials.ErrNotFound)
		_, err = store.LoadPrincipal(ctx)
		assert.ErrorIs(t, err, credentials.ErrNotFound)

		require.NoError(t, m.Close())
		assert.Equal(t, 1, mock.RequestCount(testutil.LogoutPath))
	})

	t.Run("twice in a row is safe", func(t *testing.T) {
		mock := testutil.NewMockAPI()
		defer mock.Close()
		m, store := newTestManager(t, mock)
		require.NoError(t, store.Save(ctx, credentials.Pair{AccessToken: "a", RefreshToken: "r"}))

		assert.NoError(t, m.Logout(ctx))
		assert.NoError(t, m.Logout(ctx))

		_, err := store.Load(ctx)
		assert.ErrorIs(t, err, credentials.ErrNotFound)
		require.NoError(t, m.Close())
		assert.Equal(t, 1, mock.RequestCount(testutil.LogoutPath))
	})

	t.Run("unreachable service does not block", func(t *testing.T) {
		mock := testutil.NewMockAPI()
		mock.Close()
		m, store := newTestManager(t, mock)
		require.NoError(t, store.Save(ctx, credentials.Pair{AccessToken: "a", RefreshToken: "r"}))

		assert.NoError(t, m.Logout(ctx))
		_, err := store.Load(ctx)
		assert.ErrorIs(t, err, credentials.ErrNotFound)
	})
}

func TestManager_Principal(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	ctx := context.Background()
	m, store := newTestManager(t, mock)

	_, err := m.Principal(ctx)
	assert.ErrorIs(t, err, ErrNoSession)

	require.NoError(t, store.Save(ctx, credentials.Pair{AccessToken: testutil.MintToken(mock.Claims, time.Hour)}))
	principal, err := m.Principal(ctx)
	require.NoError(t, err)
	assert.Equal(t, "42", principal.ID)

	cached, err := store.LoadPrincipal(ctx)
	require.NoError(t, err)
	assert.Equal(t, *principal, *cached)
}
