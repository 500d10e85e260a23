//go:build integration

package integration

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Sternrassler/resilient-api-client/internal/testutil"
	"github.com/Sternrassler/resilient-api-client/pkg/auth"
	"github.com/Sternrassler/resilient-api-client/pkg/client"
	"github.com/Sternrassler/resilient-api-client/pkg/credentials"
	"github.com/Sternrassler/resilient-api-client/pkg/pagination"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) *redis.Client {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "start Redis container")

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	t.Cleanup(func() {
		redisClient.Close()
		_ = container.Terminate(ctx)
	})

	return redisClient
}

type stack struct {
	mock    *testutil.MockAPI
	store   *credentials.RedisStore
	tokens  *auth.Manager
	client  *client.Client
	expired atomic.Int32
}

func newStack(t *testing.T, redisClient *redis.Client, mock *testutil.MockAPI) *stack {
	t.Helper()

	logger := zerolog.Nop()
	s := &stack{
		mock:  mock,
		store: credentials.NewRedisStore(redisClient, credentials.WithKeyPrefix("it:session")),
	}

	authCfg := auth.DefaultConfig(mock.URL(), s.store)
	authCfg.Timeout = 5 * time.Second
	authCfg.Logger = &logger
	tokens, err := auth.New(authCfg)
	require.NoError(t, err)
	s.tokens = tokens

	cfg := client.DefaultConfig(mock.URL(), tokens)
	cfg.Timeout = 5 * time.Second
	cfg.BaseDelay = 10 * time.Millisecond
	cfg.Logger = &logger
	cfg.HTTPClient = &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
	cfg.OnSessionExpired = func() { s.expired.Add(1) }
	c, err := client.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	s.client = c

	return s
}

func TestRedisStore_Lifecycle(t *testing.T) {
	redisClient := setupRedis(t)
	ctx := context.Background()
	store := credentials.NewRedisStore(redisClient, credentials.WithKeyPrefix("it:store"))

	_, err := store.Load(ctx)
	assert.ErrorIs(t, err, credentials.ErrNotFound)

	pair := credentials.Pair{AccessToken: "access", RefreshToken: "refresh"}
	require.NoError(t, store.Save(ctx, pair))
	require.NoError(t, store.SavePrincipal(ctx, credentials.Principal{ID: "42", Roles: []string{"admin"}}))

	exists, err := redisClient.Exists(ctx, "it:store:credentials", "it:store:principal").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), exists)

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, pair, loaded)

	principal, err := store.LoadPrincipal(ctx)
	require.NoError(t, err)
	assert.True(t, principal.HasRole("admin"))

	require.NoError(t, store.Clear(ctx))
	require.NoError(t, store.Clear(ctx))

	exists, err = redisClient.Exists(ctx, "it:store:credentials", "it:store:principal").Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

// TestFullRequestFlow covers login, an authenticated call, a proactive
// refresh of an expired access token and logout against Redis.
func TestFullRequestFlow(t *testing.T) {
	redisClient := setupRedis(t)
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResponse("/users", testutil.NewJSONResponse(`[{"id":"42"}]`))

	s := newStack(t, redisClient, mock)
	ctx := context.Background()

	_, err := s.tokens.Login(ctx, mock.Identifier, mock.Secret)
	require.NoError(t, err)

	resp, err := s.client.Get(ctx, "/users")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"42"}]`, string(resp.Body))
	assert.False(t, resp.Degraded)

	// Replace the session with one whose access token is already expired.
	access, refresh := mock.IssuePair(-time.Minute)
	require.NoError(t, s.store.Save(ctx, credentials.Pair{AccessToken: access, RefreshToken: refresh}))

	resp, err = s.client.Get(ctx, "/users")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, mock.RequestCount(testutil.RefreshPath))

	rotated, err := s.store.Load(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, access, rotated.AccessToken)
	assert.NotEqual(t, refresh, rotated.RefreshToken)

	require.NoError(t, s.tokens.Logout(ctx))
	require.NoError(t, s.client.Close())
	assert.Equal(t, 1, mock.RequestCount(testutil.LogoutPath))

	_, err = s.client.Get(ctx, "/users")
	assert.ErrorIs(t, err, client.ErrAuthenticationRequired)
}

func TestSessionSharedAcrossClients(t *testing.T) {
	redisClient := setupRedis(t)
	mock := testutil.NewMockAPI()
	defer mock.Close()

	first := newStack(t, redisClient, mock)
	second := newStack(t, redisClient, mock)
	ctx := context.Background()

	_, err := first.tokens.Login(ctx, mock.Identifier, mock.Secret)
	require.NoError(t, err)

	principal, err := second.tokens.Principal(ctx)
	require.NoError(t, err)
	assert.Equal(t, mock.Claims.ID, principal.ID)

	_, err = second.client.Get(ctx, "/profile")
	require.NoError(t, err)
	headers := mock.AuthorizationHeaders("/profile")
	require.Len(t, headers, 1)
	assert.NotEmpty(t, headers[0])
}

func TestRejectedRefresh_ClearsRedisSession(t *testing.T) {
	redisClient := setupRedis(t)
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResponse("/users", testutil.NewUnauthorizedResponse())

	s := newStack(t, redisClient, mock)
	ctx := context.Background()

	access, _ := mock.IssuePair(time.Hour)
	require.NoError(t, s.store.Save(ctx, credentials.Pair{AccessToken: access, RefreshToken: "revoked"}))

	_, err := s.client.Get(ctx, "/users")
	require.Error(t, err)
	assert.ErrorIs(t, err, client.ErrAuthenticationExpired)
	assert.Equal(t, int32(1), s.expired.Load())

	_, err = s.store.Load(ctx)
	assert.True(t, errors.Is(err, credentials.ErrNotFound))
	exists, err := redisClient.Exists(ctx, s.store.Keys().Credentials()).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestBatchFetch_ThroughPipeline(t *testing.T) {
	redisClient := setupRedis(t)
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetHandler("/orders", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(client.HeaderTotalPages, "4")
		_, _ = w.Write([]byte(`{"page":"` + r.URL.Query().Get(pagination.ParamPage) + `"}`))
	})

	s := newStack(t, redisClient, mock)
	ctx := context.Background()
	_, err := s.tokens.Login(ctx, mock.Identifier, mock.Secret)
	require.NoError(t, err)

	fetcher := pagination.NewBatchFetcher(s.client, pagination.DefaultConfig())
	pages, err := fetcher.FetchAllPages(ctx, "/orders", pagination.Options{PageSize: 10})
	require.NoError(t, err)
	require.Len(t, pages, 4)
	assert.JSONEq(t, `{"page":"3"}`, string(pages[3]))
	assert.Equal(t, 4, mock.RequestCount("/orders"))
}
