package offer

import (
	"context"
	"testing"
	"time"

	"github.com/bitshock-src/switchgear-sub000/lnurl"
	"github.com/bitshock-src/switchgear-sub000/status"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testMetadata(partition string) Metadata {
	return Metadata{
		ID:        uuid.New(),
		Partition: partition,
		Metadata: lnurl.Metadata{
			Text: "coffee fund",
		},
	}
}

func testRecord(partition string, metadataID uuid.UUID) Record {
	return Record{
		Partition: partition,
		ID:        uuid.New(),
		RecordSparse: RecordSparse{
			MaxSendable: 1_000_000,
			MinSendable: 1_000,
			MetadataID:  metadataID,
			Timestamp:   testStart.Add(-time.Hour),
		},
	}
}

// testOfferStore runs the full offer and metadata store contract
// against the given store. The SQL stores run the same sequence
// through their own harness.
func testOfferStore(t *testing.T, store FullStore, clk *clock.TestClock) {
	ctx := context.Background()

	metadata := testMetadata("default")

	// An offer whose metadata reference dangles is rejected with a
	// downstream classification.
	orphan := testRecord("default", metadata.ID)
	_, err := store.PostOffer(ctx, orphan)
	require.Error(t, err)
	require.Equal(t, status.SourceDownstream, status.SourceOf(err))

	// Store the metadata, then the offer goes through.
	id, err := store.PostMetadata(ctx, metadata)
	require.NoError(t, err)
	require.NotNil(t, id)

	record := testRecord("default", metadata.ID)
	id, err = store.PostOffer(ctx, record)
	require.NoError(t, err)
	require.NotNil(t, id)
	require.Equal(t, record.ID, *id)

	got, err := store.GetOffer(ctx, "default", record.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, record.ID, got.ID)
	require.Equal(t, record.MetadataID, got.MetadataID)

	// Duplicate post returns nil without error.
	dup, err := store.PostOffer(ctx, record)
	require.NoError(t, err)
	require.Nil(t, dup)

	// Metadata lives in a partition: the same ids miss in another
	// one.
	got, err = store.GetOffer(ctx, "tenant-a", record.ID)
	require.NoError(t, err)
	require.Nil(t, got)

	otherRecord := testRecord("tenant-a", metadata.ID)
	_, err = store.PostOffer(ctx, otherRecord)
	require.Error(t, err)
	require.Equal(t, status.SourceDownstream, status.SourceOf(err))

	// Put creates, then updates.
	clk.SetTime(clk.Now().Add(time.Second))
	second := testRecord("default", metadata.ID)
	created, err := store.PutOffer(ctx, second)
	require.NoError(t, err)
	require.True(t, created)

	second.MaxSendable = 2_000_000
	created, err = store.PutOffer(ctx, second)
	require.NoError(t, err)
	require.False(t, created)

	got, err = store.GetOffer(ctx, "default", second.ID)
	require.NoError(t, err)
	require.EqualValues(t, 2_000_000, got.MaxSendable)

	// Pagination follows insertion order.
	page, err := store.GetOffers(ctx, "default", 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, record.ID, page[0].ID)
	require.Equal(t, second.ID, page[1].ID)

	page, err = store.GetOffers(ctx, "default", 1, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, second.ID, page[0].ID)

	page, err = store.GetOffers(ctx, "default", 2, 10)
	require.NoError(t, err)
	require.Empty(t, page)

	// Metadata cannot be deleted while referenced; after the
	// referencing offers are gone it can.
	_, err = store.DeleteMetadata(ctx, "default", metadata.ID)
	require.Error(t, err)
	require.Equal(t, status.SourceDownstream, status.SourceOf(err))

	removed, err := store.DeleteOffer(ctx, "default", record.ID)
	require.NoError(t, err)
	require.True(t, removed)

	removed, err = store.DeleteOffer(ctx, "default", second.ID)
	require.NoError(t, err)
	require.True(t, removed)

	removed, err = store.DeleteMetadata(ctx, "default", metadata.ID)
	require.NoError(t, err)
	require.True(t, removed)

	// Everything is gone now.
	removed, err = store.DeleteMetadata(ctx, "default", metadata.ID)
	require.NoError(t, err)
	require.False(t, removed)

	page, err = store.GetOffers(ctx, "default", 0, 10)
	require.NoError(t, err)
	require.Empty(t, page)
}

// TestMemoryStoreContract runs the offer store contract against the
// memory store.
func TestMemoryStoreContract(t *testing.T) {
	t.Parallel()

	clk := clock.NewTestClock(testStart)
	testOfferStore(t, NewMemoryStoreWithClock(clk), clk)
}

// TestMetadataPagination asserts the metadata listing pages in
// insertion order.
func TestMetadataPagination(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := clock.NewTestClock(testStart)
	store := NewMemoryStoreWithClock(clk)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		metadata := testMetadata("default")
		_, err := store.PostMetadata(ctx, metadata)
		require.NoError(t, err)
		ids = append(ids, metadata.ID)

		clk.SetTime(clk.Now().Add(time.Second))
	}

	page, err := store.GetAllMetadata(ctx, "default", 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, ids[1], page[0].ID)

	page, err = store.GetAllMetadata(ctx, "default", 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 3)
	for i, row := range page {
		require.Equal(t, ids[i], row.ID)
	}
}
