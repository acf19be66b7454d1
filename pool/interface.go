// Package pool keeps one Lightning RPC client per registered backend.
// Clients connect lazily on first use and drop their cached connection
// on any call error so the next call reconnects. The pool also caches
// the last metrics snapshot seen per backend.
package pool

import (
	"context"
	"crypto/sha256"

	"github.com/lightningnetwork/lnd/lntypes"
)

// DescriptionMode selects how the invoice description is bound into
// the BOLT-11 invoice.
type DescriptionMode uint8

const (
	// ModeDirect embeds the description text verbatim.
	ModeDirect DescriptionMode = iota

	// ModeDirectIntoHash hashes the description text with SHA-256 and
	// binds the hash as the description_hash.
	ModeDirectIntoHash

	// ModeHash binds an already computed description hash. Nodes that
	// cannot accept a raw hash reject this mode with a configuration
	// error.
	ModeHash
)

// Description is the invoice description in one of the three binding
// modes.
type Description struct {
	// Mode selects the binding.
	Mode DescriptionMode

	// Text carries the description text for ModeDirect and
	// ModeDirectIntoHash.
	Text string

	// Hash carries the description hash for ModeHash.
	Hash lntypes.Hash
}

// DirectDescription binds the text verbatim.
func DirectDescription(text string) Description {
	return Description{Mode: ModeDirect, Text: text}
}

// DirectIntoHashDescription binds the SHA-256 of the text as the
// description hash.
func DirectIntoHashDescription(text string) Description {
	return Description{Mode: ModeDirectIntoHash, Text: text}
}

// HashDescription binds an already computed description hash.
func HashDescription(hash lntypes.Hash) Description {
	return Description{Mode: ModeHash, Hash: hash}
}

// DescriptionHash returns the description hash the node is expected to
// commit to for this description.
func (d Description) DescriptionHash() lntypes.Hash {
	switch d.Mode {
	case ModeHash:
		return d.Hash

	default:
		return lntypes.Hash(sha256.Sum256([]byte(d.Text)))
	}
}

// Metrics is a backend's last known health and capacity reading.
type Metrics struct {
	// Healthy reports whether the backend answered its last probe.
	Healthy bool

	// EffectiveInboundMsat is the backend's receivable capacity in
	// millisatoshi.
	EffectiveInboundMsat uint64
}

// Features describes a backend node's invoice capabilities.
type Features struct {
	// InvoiceFromDescHash reports whether the node accepts a raw
	// description hash (ModeHash).
	InvoiceFromDescHash bool
}

// Client is a single backend's Lightning RPC client.
type Client interface {
	// GetInvoice mints a BOLT-11 invoice on the backend node. A zero
	// amountMsat requests an any-amount invoice, a zero expirySecs
	// keeps the node's default expiry.
	GetInvoice(ctx context.Context, amountMsat uint64,
		desc Description, expirySecs uint64) (string, error)

	// GetMetrics probes the backend node for its health and inbound
	// capacity.
	GetMetrics(ctx context.Context) (*Metrics, error)

	// Features returns the node's invoice capabilities.
	Features() Features

	// Disconnect drops any cached connection. The client reconnects
	// on its next call.
	Disconnect()
}
