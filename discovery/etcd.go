package discovery

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/bitshock-src/switchgear-sub000/status"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	// etcdTopLevelKey is the top level key under which all switchgear
	// data lives in an etcd cluster.
	etcdTopLevelKey = "switchgear"

	// etcdBackendsPrefix is the key segment for backend descriptors.
	etcdBackendsPrefix = "discovery/backends"

	// etcdKeyDelimeter is the delimeter used for all etcd keys to
	// represent a path-like structure.
	etcdKeyDelimeter = "/"

	// etcdPatchAttempts bounds the read-modify-write retries of a
	// patch under contention.
	etcdPatchAttempts = 5
)

// EtcdStore is a backend Store backed by an etcd cluster. The store's
// ETag is the etcd revision, which etcd advances atomically with every
// committed mutation; failed transactions (duplicate post, no-op
// delete) leave it untouched.
type EtcdStore struct {
	client *clientv3.Client
}

// A compile time check to ensure EtcdStore implements the Store
// interface.
var _ Store = (*EtcdStore)(nil)

// NewEtcdStore creates a backend store on top of the given etcd client.
func NewEtcdStore(client *clientv3.Client) *EtcdStore {
	return &EtcdStore{client: client}
}

// backendKey returns the full etcd key of a backend. The address is
// hex-encoded to prevent conflicts with the etcd key delimeter.
func backendKey(addr Address) string {
	return strings.Join([]string{
		etcdTopLevelKey, etcdBackendsPrefix,
		hex.EncodeToString([]byte(addr.Encoded())),
	}, etcdKeyDelimeter)
}

// backendsPrefix returns the etcd key prefix shared by all backends.
func backendsPrefix() string {
	return strings.Join(
		[]string{etcdTopLevelKey, etcdBackendsPrefix, ""},
		etcdKeyDelimeter,
	)
}

// Get returns the backend stored under the given address, or nil.
//
// NOTE: This is part of the Store interface.
func (s *EtcdStore) Get(ctx context.Context, addr Address) (*Backend,
	error) {

	resp, err := s.client.Get(ctx, backendKey(addr))
	if err != nil {
		return nil, status.Upstreamf("unable to get backend %v: %w",
			addr, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}

	backend := &Backend{}
	if err := json.Unmarshal(resp.Kvs[0].Value, backend); err != nil {
		return nil, status.Internalf("unable to decode backend %v: %w",
			addr, err)
	}

	return backend, nil
}

// GetAll returns the current revision as the ETag and, unless the
// caller's ETag already matches, all backends ordered by their creation
// revision.
//
// NOTE: This is part of the Store interface.
func (s *EtcdStore) GetAll(ctx context.Context, ifEtag *uint64) (*Backends,
	error) {

	resp, err := s.client.Get(
		ctx, backendsPrefix(), clientv3.WithPrefix(),
	)
	if err != nil {
		return nil, status.Upstreamf("unable to list backends: %w",
			err)
	}

	etag := uint64(resp.Header.Revision)
	if ifEtag != nil && *ifEtag == etag {
		return &Backends{Etag: etag}, nil
	}

	kvs := resp.Kvs
	sort.Slice(kvs, func(i, j int) bool {
		if kvs[i].CreateRevision != kvs[j].CreateRevision {
			return kvs[i].CreateRevision < kvs[j].CreateRevision
		}

		return string(kvs[i].Key) < string(kvs[j].Key)
	})

	backends := make([]Backend, 0, len(kvs))
	for _, kv := range kvs {
		var backend Backend
		if err := json.Unmarshal(kv.Value, &backend); err != nil {
			return nil, status.Internalf("unable to decode "+
				"backend %s: %w", kv.Key, err)
		}
		backends = append(backends, backend)
	}

	return &Backends{Etag: etag, Backends: backends}, nil
}

// Post inserts a new backend, returning nil if the key already exists.
// The insert transaction only commits, and therefore only advances the
// revision, when the key was absent.
//
// NOTE: This is part of the Store interface.
func (s *EtcdStore) Post(ctx context.Context, backend Backend) (*Address,
	error) {

	if err := backend.Validate(); err != nil {
		return nil, status.WithSource(status.SourceDownstream, err)
	}
	backend.Normalize()

	value, err := json.Marshal(&backend)
	if err != nil {
		return nil, status.Internalf("unable to encode backend %v: %w",
			backend.Address, err)
	}

	key := backendKey(backend.Address)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(value))).
		Commit()
	if err != nil {
		return nil, status.Upstreamf("unable to post backend %v: %w",
			backend.Address, err)
	}
	if !resp.Succeeded {
		return nil, nil
	}

	addr := backend.Address
	return &addr, nil
}

// Put upserts a backend, returning true iff the key was created.
//
// NOTE: This is part of the Store interface.
func (s *EtcdStore) Put(ctx context.Context, backend Backend) (bool,
	error) {

	if err := backend.Validate(); err != nil {
		return false, status.WithSource(status.SourceDownstream, err)
	}
	backend.Normalize()

	value, err := json.Marshal(&backend)
	if err != nil {
		return false, status.Internalf("unable to encode backend "+
			"%v: %w", backend.Address, err)
	}

	key := backendKey(backend.Address)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(value))).
		Else(clientv3.OpPut(key, string(value))).
		Commit()
	if err != nil {
		return false, status.Upstreamf("unable to put backend %v: %w",
			backend.Address, err)
	}

	return resp.Succeeded, nil
}

// Patch applies a partial update with a bounded read-modify-write loop
// guarded by the key's mod revision.
//
// NOTE: This is part of the Store interface.
func (s *EtcdStore) Patch(ctx context.Context, patch BackendPatch) (bool,
	error) {

	key := backendKey(patch.Address)
	for attempt := 0; attempt < etcdPatchAttempts; attempt++ {
		resp, err := s.client.Get(ctx, key)
		if err != nil {
			return false, status.Upstreamf("unable to get backend "+
				"%v: %w", patch.Address, err)
		}
		if len(resp.Kvs) == 0 {
			return false, nil
		}

		var backend Backend
		err = json.Unmarshal(resp.Kvs[0].Value, &backend)
		if err != nil {
			return false, status.Internalf("unable to decode "+
				"backend %v: %w", patch.Address, err)
		}

		// An empty patch commits nothing, so the revision stays
		// where it is.
		if !patch.Apply(&backend.BackendSparse) {
			return true, nil
		}

		value, err := json.Marshal(&backend)
		if err != nil {
			return false, status.Internalf("unable to encode "+
				"backend %v: %w", patch.Address, err)
		}

		txnResp, err := s.client.Txn(ctx).
			If(clientv3.Compare(
				clientv3.ModRevision(key), "=",
				resp.Kvs[0].ModRevision,
			)).
			Then(clientv3.OpPut(key, string(value))).
			Commit()
		if err != nil {
			return false, status.Upstreamf("unable to patch "+
				"backend %v: %w", patch.Address, err)
		}
		if txnResp.Succeeded {
			return true, nil
		}
	}

	return false, status.Upstreamf("patch of backend %v lost %d "+
		"consecutive races", patch.Address, etcdPatchAttempts)
}

// Delete removes a backend. A delete of an absent key commits nothing
// and leaves the revision untouched.
//
// NOTE: This is part of the Store interface.
func (s *EtcdStore) Delete(ctx context.Context, addr Address) (bool,
	error) {

	resp, err := s.client.Delete(ctx, backendKey(addr))
	if err != nil {
		return false, status.Upstreamf("unable to delete backend "+
			"%v: %w", addr, err)
	}

	return resp.Deleted > 0, nil
}

// Ping verifies connectivity with the etcd cluster.
func (s *EtcdStore) Ping(ctx context.Context) error {
	_, err := s.client.Get(ctx, backendsPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return fmt.Errorf("etcd ping failed: %w", err)
	}

	return nil
}
