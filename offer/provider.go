package offer

import (
	"context"
	"crypto/sha256"

	"github.com/bitshock-src/switchgear-sub000/status"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
)

// StoreProvider materializes offers straight from a backing store. An
// offer that is absent, expired, not yet valid, or whose metadata
// reference dangles is reported as absent.
type StoreProvider struct {
	store FullStore
	clock clock.Clock
}

// A compile time check to ensure StoreProvider implements the Provider
// interface.
var _ Provider = (*StoreProvider)(nil)

// NewStoreProvider creates a provider on top of the given store.
func NewStoreProvider(store FullStore) *StoreProvider {
	return NewStoreProviderWithClock(store, clock.NewDefaultClock())
}

// NewStoreProviderWithClock creates a provider using the given clock
// for expiry decisions.
func NewStoreProviderWithClock(store FullStore,
	clk clock.Clock) *StoreProvider {

	return &StoreProvider{store: store, clock: clk}
}

// Offer joins an offer record with its metadata, encodes the metadata
// into its canonical LNURL array string and binds the SHA-256 of that
// exact string as the description hash.
//
// NOTE: This is part of the Provider interface.
func (p *StoreProvider) Offer(ctx context.Context, _, partition string,
	id uuid.UUID) (*Offer, error) {

	record, err := p.store.GetOffer(ctx, partition, id)
	if err != nil {
		return nil, err
	}
	if record == nil || record.Expired(p.clock.Now()) {
		return nil, nil
	}

	metadata, err := p.store.GetMetadata(ctx, partition,
		record.MetadataID)
	if err != nil {
		return nil, err
	}
	if metadata == nil {
		return nil, nil
	}

	metadataJSON, err := metadata.Encode()
	if err != nil {
		return nil, status.Internalf("unable to encode metadata %v "+
			"for offer %v: %w", record.MetadataID, id, err)
	}

	hash := lntypes.Hash(sha256.Sum256([]byte(metadataJSON)))

	return &Offer{
		Partition:    record.Partition,
		ID:           record.ID,
		MaxSendable:  record.MaxSendable,
		MinSendable:  record.MinSendable,
		MetadataJSON: metadataJSON,
		MetadataHash: hash,
		Timestamp:    record.Timestamp,
		Expires:      record.Expires,
	}, nil
}
