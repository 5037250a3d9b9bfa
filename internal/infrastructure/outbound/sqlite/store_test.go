package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sophialabs/simulacra/internal/domain/endpoint"
	"github.com/sophialabs/simulacra/internal/domain/runtimeconfig"
	"github.com/sophialabs/simulacra/internal/infrastructure/outbound/sqlite"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEndpointStore_RoundTripKeepsOrder(t *testing.T) {
	ctx := context.Background()
	repo := openStore(t).Endpoints()

	first := &endpoint.Endpoint{
		ID:       "b-first",
		Method:   "GET",
		Path:     "/users/{id}",
		Headers:  map[string]endpoint.StringMatcher{"X-Tenant": endpoint.ParseStringMatcher("=acme")},
		Body:     &endpoint.BodyMatcher{Schema: map[string]any{"type": "object"}},
		Response: endpoint.Response{Status: 200, Body: `{"id":"{id}"}`},
		Async:    &endpoint.AsyncEffect{Target: "http://cb.local", DelayMinMs: 10, DelayMaxMs: 20},
	}
	second := &endpoint.Endpoint{ID: "a-second", Path: "/health", Response: endpoint.Response{Status: 204}}
	require.NoError(t, repo.Save(ctx, first))
	require.NoError(t, repo.Save(ctx, second))

	first.Priority = 9
	require.NoError(t, repo.Save(ctx, first))

	got, err := repo.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b-first", got[0].ID, "update keeps original position")
	assert.Equal(t, 9, got[0].Priority)
	assert.Equal(t, "acme", got[0].Headers["X-Tenant"].Value())
	assert.True(t, got[0].Headers["X-Tenant"].IsExact())
	assert.Equal(t, 20, got[0].Async.DelayMaxMs)
	assert.NotNil(t, got[0].Body.Schema)
	assert.Equal(t, -1, got[0].SourceIndex)

	require.NoError(t, repo.Delete(ctx, first))
	require.NoError(t, repo.Delete(ctx, &endpoint.Endpoint{ID: "never-saved"}))
	got, err = repo.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a-second", got[0].ID)
}

func TestConfigStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := openStore(t).Config()

	cfg, ok, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, runtimeconfig.Default(), cfg)

	cfg.FaultProbability = 0.5
	cfg.FaultSeed = 77
	require.NoError(t, repo.Save(ctx, cfg))
	cfg.LogCapacity = 10
	require.NoError(t, repo.Save(ctx, cfg))

	got, ok, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, cfg, got)
}

func TestStore_ReopenKeepsState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Endpoints().Save(ctx, &endpoint.Endpoint{ID: "kept", Path: "/kept"}))
	require.NoError(t, s.Close())

	s, err = sqlite.Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Endpoints().LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "kept", got[0].ID)
}
