// Package offer defines the LNURL-Pay offers served by the gateway:
// the stored records and their metadata, the partition-scoped storage
// contract with referential integrity, and the provider that
// materializes an offer into its LNURL wire form.
package offer

import (
	"fmt"
	"time"

	"github.com/bitshock-src/switchgear-sub000/lnurl"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/lntypes"
)

// RecordSparse is an offer record without its partition and id.
type RecordSparse struct {
	// MaxSendable is the largest requestable amount in millisatoshi.
	MaxSendable uint64 `json:"maxSendable"`

	// MinSendable is the smallest requestable amount in millisatoshi.
	MinSendable uint64 `json:"minSendable"`

	// MetadataID references a Metadata row in the same partition.
	MetadataID uuid.UUID `json:"metadataId"`

	// Timestamp is the instant the offer becomes valid.
	Timestamp time.Time `json:"timestamp"`

	// Expires is the optional instant the offer stops being served.
	Expires *time.Time `json:"expires,omitempty"`
}

// Record is a stored offer.
type Record struct {
	// Partition is the namespace the offer lives in.
	Partition string `json:"partition"`

	// ID is unique within the partition.
	ID uuid.UUID `json:"id"`

	RecordSparse
}

// Validate checks the record for storable content.
func (r *Record) Validate() error {
	if r.Partition == "" {
		return fmt.Errorf("offer %v has no partition", r.ID)
	}
	if r.MinSendable == 0 || r.MaxSendable < r.MinSendable {
		return fmt.Errorf("offer %v has invalid sendable range "+
			"[%d, %d]", r.ID, r.MinSendable, r.MaxSendable)
	}

	return nil
}

// Expired reports whether the offer is outside its validity window at
// the given instant: past its expiry, or before its valid-from
// timestamp.
func (r *RecordSparse) Expired(now time.Time) bool {
	if r.Expires != nil && now.After(*r.Expires) {
		return true
	}

	return now.Before(r.Timestamp)
}

// Metadata is a stored offer metadata row. The embedded lnurl.Metadata
// carries the payee-visible content.
type Metadata struct {
	// ID is unique within the partition.
	ID uuid.UUID `json:"id"`

	// Partition is the namespace the metadata lives in.
	Partition string `json:"partition"`

	lnurl.Metadata
}

// Validate checks the metadata for storable content.
func (m *Metadata) Validate() error {
	if m.Partition == "" {
		return fmt.Errorf("metadata %v has no partition", m.ID)
	}
	if m.Text == "" {
		return fmt.Errorf("metadata %v has no text", m.ID)
	}

	return nil
}

// Offer is the materialized LNURL-Pay offer: the stored record joined
// with its metadata's canonical wire encoding and the SHA-256 of that
// exact string, which doubles as the BOLT-11 description hash binding.
// It is derived on demand and never stored.
type Offer struct {
	Partition string
	ID        uuid.UUID

	MaxSendable uint64
	MinSendable uint64

	// MetadataJSON is the LNURL metadata array string.
	MetadataJSON string

	// MetadataHash is the SHA-256 of MetadataJSON.
	MetadataHash lntypes.Hash

	Timestamp time.Time
	Expires   *time.Time
}
