//go:build dockertest

package switchgeardb

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/stretchr/testify/require"
)

// newTestPostgres spins up a throwaway postgres container and returns a
// migrated store backed by it. The container is torn down with the
// test.
func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()

	pool, err := dockertest.NewPool("")
	require.NoError(t, err)

	resource, err := pool.Run("postgres", "16", []string{
		"POSTGRES_USER=switchgear",
		"POSTGRES_PASSWORD=switchgear",
		"POSTGRES_DB=switchgear",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pool.Purge(resource); err != nil {
			t.Logf("unable to purge postgres container: %v", err)
		}
	})

	cfg := &PostgresConfig{
		Host:     "localhost",
		User:     "switchgear",
		Password: "switchgear",
		DBName:   "switchgear",
	}
	_, err = fmt.Sscan(resource.GetPort("5432/tcp"), &cfg.Port)
	require.NoError(t, err)

	// The container accepts connections a moment after it starts, so
	// retry the initial connect.
	var store *PostgresStore
	pool.MaxWait = 2 * time.Minute
	err = pool.Retry(func() error {
		var err error
		store, err = NewPostgresStore(cfg)
		return err
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.DB.Close()
	})

	return store
}

// TestPostgresDiscoveryStore runs the discovery store lifecycle against
// a real postgres server.
func TestPostgresDiscoveryStore(t *testing.T) {
	ctx := context.Background()
	store := NewDiscoveryStore(newTestPostgres(t).BaseDB)

	backend := testBackend(t, "https://node-1.example.com", "shop")
	addr, err := store.Post(ctx, backend)
	require.NoError(t, err)
	require.NotNil(t, addr)

	all, err := store.GetAll(ctx, nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, all.Etag)
	require.Len(t, all.Backends, 1)

	// The conditional read and the delete exercise the rebound
	// placeholders and the etag row under the postgres dialect.
	etag := all.Etag
	all, err = store.GetAll(ctx, &etag)
	require.NoError(t, err)
	require.Nil(t, all.Backends)

	removed, err := store.Delete(ctx, backend.Address)
	require.NoError(t, err)
	require.True(t, removed)
}

// TestPostgresOfferStore runs the offer referential integrity checks
// against a real postgres server, including the FK backstop mapping.
func TestPostgresOfferStore(t *testing.T) {
	ctx := context.Background()
	store := NewOfferStore(newTestPostgres(t).BaseDB)

	metadata := testMetadata("shop")
	id, err := store.PostMetadata(ctx, metadata)
	require.NoError(t, err)
	require.NotNil(t, id)

	record := testRecord("shop", metadata.ID)
	offerID, err := store.PostOffer(ctx, record)
	require.NoError(t, err)
	require.NotNil(t, offerID)

	// Referenced metadata must not be removable.
	_, err = store.DeleteMetadata(ctx, "shop", metadata.ID)
	require.Error(t, err)

	removed, err := store.DeleteOffer(ctx, "shop", record.ID)
	require.NoError(t, err)
	require.True(t, removed)

	removed, err = store.DeleteMetadata(ctx, "shop", metadata.ID)
	require.NoError(t, err)
	require.True(t, removed)
}
