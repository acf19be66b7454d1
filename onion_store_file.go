package switchgear

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/lightningnetwork/lnd/tor"
)

// onionFileStore keeps onion service private keys as files under the
// gateway's data directory, one file per onion service type.
type onionFileStore struct {
	dir string
}

// A compile-time constraint to ensure onionFileStore implements
// tor.OnionStore.
var _ tor.OnionStore = (*onionFileStore)(nil)

// newOnionFileStore creates a tor.OnionStore backed by key files in the
// given directory.
func newOnionFileStore(dir string) *onionFileStore {
	return &onionFileStore{dir: dir}
}

// keyFile maps an onion service type to its key file path.
func (s *onionFileStore) keyFile(onionType tor.OnionType) (string, error) {
	switch onionType {
	case tor.V2:
		return filepath.Join(s.dir, "onion-v2.key"), nil
	case tor.V3:
		return filepath.Join(s.dir, "onion-v3.key"), nil
	default:
		return "", fmt.Errorf("unknown onion type %v", onionType)
	}
}

// StorePrivateKey writes the private key, readable only by the gateway
// user.
//
// NOTE: This is part of the tor.OnionStore interface.
func (s *onionFileStore) StorePrivateKey(onionType tor.OnionType,
	privateKey []byte) error {

	file, err := s.keyFile(onionType)
	if err != nil {
		return err
	}

	return os.WriteFile(file, privateKey, 0400)
}

// PrivateKey reads a stored private key, returning ErrNoPrivateKey when
// none was stored yet.
//
// NOTE: This is part of the tor.OnionStore interface.
func (s *onionFileStore) PrivateKey(onionType tor.OnionType) ([]byte,
	error) {

	file, err := s.keyFile(onionType)
	if err != nil {
		return nil, err
	}

	privateKey, err := os.ReadFile(file)
	switch {
	case os.IsNotExist(err):
		return nil, tor.ErrNoPrivateKey
	case err != nil:
		return nil, err
	}

	return privateKey, nil
}

// DeletePrivateKey removes the key file of the onion service.
//
// NOTE: This is part of the tor.OnionStore interface.
func (s *onionFileStore) DeletePrivateKey(onionType tor.OnionType) error {
	file, err := s.keyFile(onionType)
	if err != nil {
		return err
	}

	err = os.Remove(file)
	if os.IsNotExist(err) {
		return tor.ErrNoPrivateKey
	}

	return err
}
