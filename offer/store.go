package offer

import (
	"context"

	"github.com/google/uuid"
)

// Store is the persistence contract for offer records. All operations
// are partition scoped; listings paginate with (start, count) in
// insertion order, ties broken by id.
//
// Referential integrity: an offer may be created or updated only while
// the referenced metadata exists in the same partition, and metadata
// may be deleted only while no offer references it. Violations are
// downstream-classified errors.
type Store interface {
	// GetOffer returns the offer stored under the given partition and
	// id, or nil if there is none.
	GetOffer(ctx context.Context, partition string,
		id uuid.UUID) (*Record, error)

	// GetOffers returns up to count offers of the partition starting
	// at offset start.
	GetOffers(ctx context.Context, partition string, start,
		count int) ([]Record, error)

	// PostOffer inserts a new offer and returns its id, or nil
	// without an error if the id is already present.
	PostOffer(ctx context.Context, record Record) (*uuid.UUID, error)

	// PutOffer upserts an offer and returns true iff a new row was
	// created.
	PutOffer(ctx context.Context, record Record) (bool, error)

	// DeleteOffer removes an offer and returns true iff a row was
	// removed.
	DeleteOffer(ctx context.Context, partition string,
		id uuid.UUID) (bool, error)
}

// MetadataStore is the persistence contract for offer metadata.
type MetadataStore interface {
	// GetMetadata returns the metadata stored under the given
	// partition and id, or nil if there is none.
	GetMetadata(ctx context.Context, partition string,
		id uuid.UUID) (*Metadata, error)

	// GetAllMetadata returns up to count metadata rows of the
	// partition starting at offset start.
	GetAllMetadata(ctx context.Context, partition string, start,
		count int) ([]Metadata, error)

	// PostMetadata inserts a new metadata row and returns its id, or
	// nil without an error if the id is already present.
	PostMetadata(ctx context.Context, metadata Metadata) (*uuid.UUID,
		error)

	// PutMetadata upserts a metadata row and returns true iff a new
	// row was created.
	PutMetadata(ctx context.Context, metadata Metadata) (bool, error)

	// DeleteMetadata removes a metadata row and returns true iff a
	// row was removed. Removal fails while any offer of the partition
	// references the row.
	DeleteMetadata(ctx context.Context, partition string,
		id uuid.UUID) (bool, error)
}

// FullStore combines offer and metadata storage over the same backing
// store.
type FullStore interface {
	Store
	MetadataStore
}

// Provider materializes offers for the serving plane.
type Provider interface {
	// Offer joins the offer record with its metadata and returns the
	// materialized offer, or nil if the offer is absent, expired or
	// dangling.
	Offer(ctx context.Context, host, partition string,
		id uuid.UUID) (*Offer, error)
}
