package switchgeardb

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/bitshock-src/switchgear-sub000/discovery"
	"github.com/bitshock-src/switchgear-sub000/status"
	"github.com/lightningnetwork/lnd/clock"
)

// DiscoveryStore implements the discovery store contract on a SQL
// backend. The ETag lives in its own single-row table and is bumped in
// the same transaction as every committed row mutation.
type DiscoveryStore struct {
	db    *BaseDB
	clock clock.Clock
}

// A compile time check to ensure DiscoveryStore implements the
// discovery.Store interface.
var _ discovery.Store = (*DiscoveryStore)(nil)

// NewDiscoveryStore creates a discovery store on the given database.
func NewDiscoveryStore(db *BaseDB) *DiscoveryStore {
	return NewDiscoveryStoreWithClock(db, clock.NewDefaultClock())
}

// NewDiscoveryStoreWithClock creates a discovery store using the given
// clock for row timestamps.
func NewDiscoveryStoreWithClock(db *BaseDB,
	clk clock.Clock) *DiscoveryStore {

	return &DiscoveryStore{db: db, clock: clk}
}

func (s *DiscoveryStore) bumpEtag(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, s.db.rebind(
		`UPDATE discovery_etag SET etag = etag + 1 WHERE id = 1`,
	))

	return err
}

func (s *DiscoveryStore) readEtag(ctx context.Context,
	tx *sql.Tx) (uint64, error) {

	var etag uint64
	err := tx.QueryRowContext(ctx, s.db.rebind(
		`SELECT etag FROM discovery_etag WHERE id = 1`,
	)).Scan(&etag)

	return etag, err
}

// Get returns the backend stored under the given address, or nil if
// there is none.
//
// NOTE: This is part of the discovery.Store interface.
func (s *DiscoveryStore) Get(ctx context.Context,
	addr discovery.Address) (*discovery.Backend, error) {

	var backend *discovery.Backend
	err := s.db.ExecTx(ctx, NewReadTx(), func(tx *sql.Tx) error {
		var payload string
		err := tx.QueryRowContext(ctx, s.db.rebind(
			`SELECT payload FROM discovery_backends
			WHERE address = ?`,
		), addr.Encoded()).Scan(&payload)

		switch {
		case err == sql.ErrNoRows:
			return nil

		case err != nil:
			return err
		}

		backend = &discovery.Backend{}
		return json.Unmarshal([]byte(payload), backend)
	})
	if err != nil {
		return nil, status.Internalf("unable to get backend %v: %w",
			addr, err)
	}

	return backend, nil
}

// GetAll returns the current ETag and, unless the caller's ETag
// matches it, all backends in creation order.
//
// NOTE: This is part of the discovery.Store interface.
func (s *DiscoveryStore) GetAll(ctx context.Context,
	ifEtag *uint64) (*discovery.Backends, error) {

	result := &discovery.Backends{}
	err := s.db.ExecTx(ctx, NewReadTx(), func(tx *sql.Tx) error {
		etag, err := s.readEtag(ctx, tx)
		if err != nil {
			return err
		}
		result.Etag = etag

		if ifEtag != nil && *ifEtag == etag {
			return nil
		}

		rows, err := tx.QueryContext(ctx, s.db.rebind(
			`SELECT payload FROM discovery_backends
			ORDER BY created_at, address`,
		))
		if err != nil {
			return err
		}
		defer rows.Close()

		result.Backends = make([]discovery.Backend, 0)
		for rows.Next() {
			var payload string
			if err := rows.Scan(&payload); err != nil {
				return err
			}

			var backend discovery.Backend
			err := json.Unmarshal([]byte(payload), &backend)
			if err != nil {
				return err
			}
			result.Backends = append(result.Backends, backend)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, status.Internalf("unable to list backends: %w",
			err)
	}

	return result, nil
}

// Post inserts a new backend, or returns nil without advancing the
// ETag if the address is already present.
//
// NOTE: This is part of the discovery.Store interface.
func (s *DiscoveryStore) Post(ctx context.Context,
	backend discovery.Backend) (*discovery.Address, error) {

	backend.Normalize()
	payload, err := json.Marshal(&backend)
	if err != nil {
		return nil, status.Internalf("unable to encode backend: %w",
			err)
	}

	var duplicate bool
	now := s.clock.Now().UnixNano()
	err = s.db.ExecTx(ctx, NewWriteTx(), func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, s.db.rebind(
			`SELECT 1 FROM discovery_backends WHERE address = ?`,
		), backend.Address.Encoded()).Scan(&one)

		switch {
		case err == nil:
			duplicate = true
			return nil

		case err != sql.ErrNoRows:
			return err
		}

		_, err = tx.ExecContext(ctx, s.db.rebind(
			`INSERT INTO discovery_backends
			(address, payload, created_at, updated_at)
			VALUES (?, ?, ?, ?)`,
		), backend.Address.Encoded(), string(payload), now, now)
		if err != nil {
			return err
		}

		return s.bumpEtag(ctx, tx)
	})
	switch {
	case err != nil && isUniqueViolation(err):
		// Raced with a concurrent insert of the same address.
		return nil, nil

	case err != nil:
		return nil, status.Internalf("unable to post backend %v: %w",
			backend.Address, err)

	case duplicate:
		return nil, nil
	}

	addr := backend.Address
	return &addr, nil
}

// Put upserts a backend and returns true iff a new row was created.
//
// NOTE: This is part of the discovery.Store interface.
func (s *DiscoveryStore) Put(ctx context.Context,
	backend discovery.Backend) (bool, error) {

	backend.Normalize()
	payload, err := json.Marshal(&backend)
	if err != nil {
		return false, status.Internalf("unable to encode backend: %w",
			err)
	}

	var created bool
	now := s.clock.Now().UnixNano()
	err = s.db.ExecTx(ctx, NewWriteTx(), func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.db.rebind(
			`UPDATE discovery_backends
			SET payload = ?, updated_at = ?
			WHERE address = ?`,
		), string(payload), now, backend.Address.Encoded())
		if err != nil {
			return err
		}

		updated, err := res.RowsAffected()
		if err != nil {
			return err
		}

		if updated == 0 {
			created = true
			_, err = tx.ExecContext(ctx, s.db.rebind(
				`INSERT INTO discovery_backends
				(address, payload, created_at, updated_at)
				VALUES (?, ?, ?, ?)`,
			), backend.Address.Encoded(), string(payload), now,
				now)
			if err != nil {
				return err
			}
		}

		return s.bumpEtag(ctx, tx)
	})
	if err != nil {
		return false, status.Internalf("unable to put backend %v: %w",
			backend.Address, err)
	}

	return created, nil
}

// Patch applies a partial update and returns false if no row matched.
// An empty patch commits nothing and leaves the ETag untouched.
//
// NOTE: This is part of the discovery.Store interface.
func (s *DiscoveryStore) Patch(ctx context.Context,
	patch discovery.BackendPatch) (bool, error) {

	var found bool
	now := s.clock.Now().UnixNano()
	err := s.db.ExecTx(ctx, NewWriteTx(), func(tx *sql.Tx) error {
		var payload string
		err := tx.QueryRowContext(ctx, s.db.rebind(
			`SELECT payload FROM discovery_backends
			WHERE address = ?`,
		), patch.Address.Encoded()).Scan(&payload)

		switch {
		case err == sql.ErrNoRows:
			return nil

		case err != nil:
			return err
		}
		found = true

		var backend discovery.Backend
		if err := json.Unmarshal([]byte(payload), &backend); err != nil {
			return err
		}

		if !patch.Apply(&backend.BackendSparse) {
			// Empty patch, nothing to commit.
			return nil
		}

		patched, err := json.Marshal(&backend)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, s.db.rebind(
			`UPDATE discovery_backends
			SET payload = ?, updated_at = ?
			WHERE address = ?`,
		), string(patched), now, patch.Address.Encoded())
		if err != nil {
			return err
		}

		return s.bumpEtag(ctx, tx)
	})
	if err != nil {
		return false, status.Internalf("unable to patch backend %v: "+
			"%w", patch.Address, err)
	}

	return found, nil
}

// Delete removes a backend and returns true iff a row was removed.
//
// NOTE: This is part of the discovery.Store interface.
func (s *DiscoveryStore) Delete(ctx context.Context,
	addr discovery.Address) (bool, error) {

	var removed bool
	err := s.db.ExecTx(ctx, NewWriteTx(), func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.db.rebind(
			`DELETE FROM discovery_backends WHERE address = ?`,
		), addr.Encoded())
		if err != nil {
			return err
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return nil
		}
		removed = true

		return s.bumpEtag(ctx, tx)
	})
	if err != nil {
		return false, status.Internalf("unable to delete backend %v: "+
			"%w", addr, err)
	}

	return removed, nil
}
