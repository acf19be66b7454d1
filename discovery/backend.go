// Package discovery defines the registered backend fleet: the backend
// descriptors, their storage contract with its monotonic ETag, and the
// memory and etcd implementations of that contract.
package discovery

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// The RPC implementation variants a backend descriptor can name.
const (
	ImplementationClnGrpc    = "clnGrpc"
	ImplementationLndGrpc    = "lndGrpc"
	ImplementationRemoteHTTP = "remoteHttp"
)

// ClnGrpcAuth holds the file based credentials of a CLN gRPC backend.
type ClnGrpcAuth struct {
	Type           string `json:"type"`
	CACertPath     string `json:"caCertPath,omitempty"`
	ClientCertPath string `json:"clientCertPath"`
	ClientKeyPath  string `json:"clientKeyPath"`
}

// ClnGrpcConfig holds the connection parameters of a CLN gRPC backend.
type ClnGrpcConfig struct {
	// URL is the gRPC endpoint of the node.
	URL string `json:"url"`

	// Domain overrides the TLS server name, if set.
	Domain string `json:"domain,omitempty"`

	// Auth is the client credential configuration.
	Auth ClnGrpcAuth `json:"auth"`
}

// LndGrpcAuth holds the file based credentials of an LND gRPC backend.
type LndGrpcAuth struct {
	Type         string `json:"type"`
	TLSCertPath  string `json:"tlsCertPath"`
	MacaroonPath string `json:"macaroonPath"`
}

// LndGrpcConfig holds the connection parameters of an LND gRPC backend.
type LndGrpcConfig struct {
	// URL is the gRPC endpoint of the node.
	URL string `json:"url"`

	// Domain overrides the TLS server name, if set.
	Domain string `json:"domain,omitempty"`

	// Auth is the client credential configuration.
	Auth LndGrpcAuth `json:"auth"`

	// AmpInvoice requests AMP invoices from the node.
	AmpInvoice bool `json:"ampInvoice"`
}

// Implementation is the tagged variant naming the concrete RPC client
// of a backend. Exactly one variant is set; RemoteHTTP carries no
// parameters.
type Implementation struct {
	ClnGrpc    *ClnGrpcConfig
	LndGrpc    *LndGrpcConfig
	RemoteHTTP bool
}

// Type returns the variant tag of the implementation.
func (i Implementation) Type() string {
	switch {
	case i.ClnGrpc != nil:
		return ImplementationClnGrpc
	case i.LndGrpc != nil:
		return ImplementationLndGrpc
	default:
		return ImplementationRemoteHTTP
	}
}

// MarshalJSON serializes the implementation as an internally tagged
// object: {"type": "<variant>", ...variant fields...}.
//
// NOTE: This is part of the json.Marshaler interface.
func (i Implementation) MarshalJSON() ([]byte, error) {
	switch {
	case i.ClnGrpc != nil:
		return json.Marshal(struct {
			Type string `json:"type"`
			*ClnGrpcConfig
		}{ImplementationClnGrpc, i.ClnGrpc})

	case i.LndGrpc != nil:
		return json.Marshal(struct {
			Type string `json:"type"`
			*LndGrpcConfig
		}{ImplementationLndGrpc, i.LndGrpc})

	case i.RemoteHTTP:
		return json.Marshal(struct {
			Type string `json:"type"`
		}{ImplementationRemoteHTTP})

	default:
		return nil, fmt.Errorf("implementation has no variant set")
	}
}

// UnmarshalJSON parses the internally tagged implementation object.
//
// NOTE: This is part of the json.Unmarshaler interface.
func (i *Implementation) UnmarshalJSON(data []byte) error {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}

	*i = Implementation{}
	switch tag.Type {
	case ImplementationClnGrpc:
		cfg := &ClnGrpcConfig{}
		if err := json.Unmarshal(data, cfg); err != nil {
			return err
		}
		i.ClnGrpc = cfg

	case ImplementationLndGrpc:
		cfg := &LndGrpcConfig{}
		if err := json.Unmarshal(data, cfg); err != nil {
			return err
		}
		i.LndGrpc = cfg

	case ImplementationRemoteHTTP:
		i.RemoteHTTP = true

	default:
		return fmt.Errorf("unknown implementation type '%v'", tag.Type)
	}

	return nil
}

// BackendSparse is a backend descriptor without its address.
type BackendSparse struct {
	// Name is an optional operator label.
	Name string `json:"name,omitempty"`

	// Partitions is the non-empty set of partitions the backend may
	// serve, kept sorted and deduplicated.
	Partitions []string `json:"partitions"`

	// Weight is interpreted by the selection policy.
	Weight uint32 `json:"weight"`

	// Enabled gates selection without requiring re-discovery.
	Enabled bool `json:"enabled"`

	// Implementation names the concrete RPC variant.
	Implementation Implementation `json:"implementation"`
}

// Backend is a fully addressed backend descriptor.
type Backend struct {
	// Address is the primary key of the backend.
	Address Address `json:"address"`

	BackendSparse
}

// Validate checks the descriptor for storable content.
func (b *Backend) Validate() error {
	if err := b.Address.Validate(); err != nil {
		return err
	}
	if len(b.Partitions) == 0 {
		return fmt.Errorf("backend %v has no partitions", b.Address)
	}

	return nil
}

// Normalize sorts and deduplicates the partition set in place.
func (b *BackendSparse) Normalize() {
	b.Partitions = normalizePartitions(b.Partitions)
}

// HasPartition returns true if the backend may serve the given
// partition.
func (b *BackendSparse) HasPartition(partition string) bool {
	for _, p := range b.Partitions {
		if p == partition {
			return true
		}
	}

	return false
}

func normalizePartitions(partitions []string) []string {
	normalized := make([]string, 0, len(partitions))
	seen := make(map[string]struct{}, len(partitions))
	for _, p := range partitions {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		normalized = append(normalized, p)
	}
	sort.Strings(normalized)

	return normalized
}

// BackendPatch is a partial update of a backend descriptor. Nil fields
// are left untouched.
type BackendPatch struct {
	// Address identifies the backend to patch.
	Address Address `json:"address"`

	Name       *string  `json:"name,omitempty"`
	Partitions []string `json:"partitions,omitempty"`
	Weight     *uint32  `json:"weight,omitempty"`
	Enabled    *bool    `json:"enabled,omitempty"`
}

// IsEmpty returns true if the patch carries no fields. An empty patch
// commits no mutation and must not advance the store's ETag.
func (p *BackendPatch) IsEmpty() bool {
	return p.Name == nil && p.Partitions == nil && p.Weight == nil &&
		p.Enabled == nil
}

// Apply overlays the present patch fields onto the given descriptor and
// reports whether anything was modified.
func (p *BackendPatch) Apply(backend *BackendSparse) bool {
	if p.IsEmpty() {
		return false
	}

	if p.Name != nil {
		backend.Name = *p.Name
	}
	if p.Partitions != nil {
		backend.Partitions = normalizePartitions(p.Partitions)
	}
	if p.Weight != nil {
		backend.Weight = *p.Weight
	}
	if p.Enabled != nil {
		backend.Enabled = *p.Enabled
	}

	return true
}

// Backends is the result of a conditional list: the store's current
// ETag and, unless the caller's ETag already matched it, the full
// backend list.
type Backends struct {
	// Etag is the store's current mutation counter.
	Etag uint64 `json:"etag"`

	// Backends is nil if and only if the caller's ETag matched.
	Backends []Backend `json:"backends"`
}

// EtagString formats an ETag counter in its wire form: the hex encoding
// of its big-endian 8 bytes.
func EtagString(etag uint64) string {
	var raw [8]byte
	for i := 0; i < 8; i++ {
		raw[i] = byte(etag >> (56 - 8*i))
	}

	return hex.EncodeToString(raw[:])
}

// ParseEtag parses the wire form produced by EtagString.
func ParseEtag(s string) (uint64, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid etag encoding: %w", err)
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("invalid etag size: %d bytes", len(raw))
	}

	var etag uint64
	for _, b := range raw {
		etag = etag<<8 | uint64(b)
	}

	return etag, nil
}
