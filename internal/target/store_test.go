package target_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/surge/internal/target"
)

func exerciseStore(t *testing.T, store target.Store) {
	t.Helper()
	ctx := context.Background()

	created, err := store.CreateUser(ctx, target.CreateUserRequest{Name: "Alice", Email: "alice@example.com", Age: 30})
	require.NoError(t, err)
	assert.Equal(t, "Alice", created.Name)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := store.GetUser(ctx, created.ID.String())
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, 30, got.Age)

	_, err = store.GetUser(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, target.ErrNotFound)

	users, err := store.ListUsers(ctx)
	require.NoError(t, err)
	found := false
	for _, u := range users {
		if u.ID == created.ID {
			found = true
		}
	}
	assert.True(t, found)
}

func TestMemoryStore(t *testing.T) {
	store := target.NewMemoryStore()
	defer store.Close()

	exerciseStore(t, store)
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	store := target.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.CreateUser(ctx, target.CreateUserRequest{Name: "Alice", Email: "alice@example.com", Age: 30})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, store.Len())
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("SURGE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("SURGE_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	store, err := target.NewPostgresStore(ctx, url)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Migrate(ctx))
	exerciseStore(t, store)
	assert.GreaterOrEqual(t, store.Stat().TotalConns(), int32(1))
}

func TestNewPostgresStore_BadURL(t *testing.T) {
	_, err := target.NewPostgresStore(context.Background(), "postgres://%zz")
	assert.Error(t, err)
}
