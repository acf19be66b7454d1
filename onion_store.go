package switchgear

import (
	"context"
	"fmt"
	"strings"

	"github.com/lightningnetwork/lnd/tor"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	// topLevelKey is the top level key for an etcd cluster where we'll
	// store all switchgear related data.
	topLevelKey = "switchgear"

	// etcdKeyDelimeter is the delimeter we'll use for all etcd keys to
	// represent a path-like structure.
	etcdKeyDelimeter = "/"

	// onionDir is the directory we'll use to store all onion service
	// related information.
	onionDir = "onion"
)

// onionStore is an etcd-based implementation of tor.OnionStore.
type onionStore struct {
	*clientv3.Client
}

// A compile-time constraint to ensure onionStore implements tor.OnionStore.
var _ tor.OnionStore = (*onionStore)(nil)

// newOnionStore creates an etcd-based implementation of tor.OnionStore.
func newOnionStore(client *clientv3.Client) *onionStore {
	return &onionStore{Client: client}
}

// onionPath returns the full etcd key of an onion service's private key
// of the given type.
func onionPath(onionType tor.OnionType) (string, error) {
	var typeName string
	switch onionType {
	case tor.V2:
		typeName = "v2"
	case tor.V3:
		typeName = "v3"
	default:
		return "", fmt.Errorf("unknown onion type %v", onionType)
	}

	return strings.Join(
		[]string{topLevelKey, onionDir, typeName}, etcdKeyDelimeter,
	), nil
}

// StorePrivateKey stores the given private key.
func (s *onionStore) StorePrivateKey(onionType tor.OnionType,
	privateKey []byte) error {

	path, err := onionPath(onionType)
	if err != nil {
		return err
	}

	_, err = s.Client.Put(
		context.Background(), path, string(privateKey),
	)

	return err
}

// PrivateKey retrieves a stored private key. If it is not found, then
// ErrNoPrivateKey should be returned.
func (s *onionStore) PrivateKey(onionType tor.OnionType) ([]byte, error) {
	path, err := onionPath(onionType)
	if err != nil {
		return nil, err
	}

	resp, err := s.Get(context.Background(), path)
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, tor.ErrNoPrivateKey
	}

	return resp.Kvs[0].Value, nil
}

// DeletePrivateKey securely removes the private key from the store.
func (s *onionStore) DeletePrivateKey(onionType tor.OnionType) error {
	path, err := onionPath(onionType)
	if err != nil {
		return err
	}

	_, err = s.Client.Delete(context.Background(), path)

	return err
}
