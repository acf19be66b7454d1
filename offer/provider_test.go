package offer

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/bitshock-src/switchgear-sub000/lnurl"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

// TestProviderMaterialize asserts that the provider joins offer and
// metadata, produces the canonical metadata array string and binds its
// SHA-256 byte-for-byte.
func TestProviderMaterialize(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := clock.NewTestClock(testStart)
	store := NewMemoryStoreWithClock(clk)
	provider := NewStoreProviderWithClock(store, clk)

	metadata := Metadata{
		ID:        uuid.New(),
		Partition: "default",
		Metadata: lnurl.Metadata{
			Text:     "coffee fund",
			LongText: "the office coffee fund",
			Identifier: &lnurl.MetadataIdentifier{
				Email: "pay@example.com",
			},
		},
	}
	_, err := store.PostMetadata(ctx, metadata)
	require.NoError(t, err)

	record := testRecord("default", metadata.ID)
	_, err = store.PostOffer(ctx, record)
	require.NoError(t, err)

	materialized, err := provider.Offer(
		ctx, "pay.example.com", "default", record.ID,
	)
	require.NoError(t, err)
	require.NotNil(t, materialized)

	require.Equal(t, record.ID, materialized.ID)
	require.Equal(t, record.MaxSendable, materialized.MaxSendable)
	require.Equal(t, record.MinSendable, materialized.MinSendable)

	expectedJSON, err := metadata.Encode()
	require.NoError(t, err)
	require.Equal(t, expectedJSON, materialized.MetadataJSON)

	expectedHash := sha256.Sum256([]byte(materialized.MetadataJSON))
	require.Equal(t, expectedHash[:], materialized.MetadataHash[:])

	// The string decodes back to the stored metadata.
	decoded, err := lnurl.DecodeMetadata(materialized.MetadataJSON)
	require.NoError(t, err)
	require.Equal(t, &metadata.Metadata, decoded)
}

// TestProviderAbsent asserts the provider reports absent offers,
// expired offers, not-yet-valid offers and dangling metadata as nil.
func TestProviderAbsent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := clock.NewTestClock(testStart)
	store := NewMemoryStoreWithClock(clk)
	provider := NewStoreProviderWithClock(store, clk)

	// Unknown id.
	materialized, err := provider.Offer(
		ctx, "pay.example.com", "default", uuid.New(),
	)
	require.NoError(t, err)
	require.Nil(t, materialized)

	metadata := testMetadata("default")
	_, err = store.PostMetadata(ctx, metadata)
	require.NoError(t, err)

	// Expired an hour ago.
	expired := testRecord("default", metadata.ID)
	expires := testStart.Add(-time.Hour)
	expired.Expires = &expires
	_, err = store.PostOffer(ctx, expired)
	require.NoError(t, err)

	materialized, err = provider.Offer(
		ctx, "pay.example.com", "default", expired.ID,
	)
	require.NoError(t, err)
	require.Nil(t, materialized)

	// Valid only from tomorrow on.
	future := testRecord("default", metadata.ID)
	future.Timestamp = testStart.Add(24 * time.Hour)
	_, err = store.PostOffer(ctx, future)
	require.NoError(t, err)

	materialized, err = provider.Offer(
		ctx, "pay.example.com", "default", future.ID,
	)
	require.NoError(t, err)
	require.Nil(t, materialized)

	// Wrong partition.
	live := testRecord("default", metadata.ID)
	_, err = store.PostOffer(ctx, live)
	require.NoError(t, err)

	materialized, err = provider.Offer(
		ctx, "pay.example.com", "tenant-a", live.ID,
	)
	require.NoError(t, err)
	require.Nil(t, materialized)
}
