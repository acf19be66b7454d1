package switchgeardb

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/bitshock-src/switchgear-sub000/offer"
	"github.com/bitshock-src/switchgear-sub000/status"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
)

// OfferStore implements the partition scoped offer and metadata store
// contract on a SQL backend. Referential integrity is enforced both by
// a foreign key and by an explicit in-transaction check so violations
// classify as invalid client input rather than a constraint error.
type OfferStore struct {
	db    *BaseDB
	clock clock.Clock
}

// A compile time check to ensure OfferStore implements the
// offer.FullStore interface.
var _ offer.FullStore = (*OfferStore)(nil)

// NewOfferStore creates an offer store on the given database.
func NewOfferStore(db *BaseDB) *OfferStore {
	return NewOfferStoreWithClock(db, clock.NewDefaultClock())
}

// NewOfferStoreWithClock creates an offer store using the given clock
// for row timestamps.
func NewOfferStoreWithClock(db *BaseDB, clk clock.Clock) *OfferStore {
	return &OfferStore{db: db, clock: clk}
}

func (s *OfferStore) metadataExists(ctx context.Context, tx *sql.Tx,
	partition string, id uuid.UUID) (bool, error) {

	var one int
	err := tx.QueryRowContext(ctx, s.db.rebind(
		`SELECT 1 FROM offer_metadata
		WHERE "partition" = ? AND id = ?`,
	), partition, id.String()).Scan(&one)

	switch {
	case err == sql.ErrNoRows:
		return false, nil

	case err != nil:
		return false, err
	}

	return true, nil
}

// GetOffer returns the offer stored under the given partition and id,
// or nil if there is none.
//
// NOTE: This is part of the offer.Store interface.
func (s *OfferStore) GetOffer(ctx context.Context, partition string,
	id uuid.UUID) (*offer.Record, error) {

	var record *offer.Record
	err := s.db.ExecTx(ctx, NewReadTx(), func(tx *sql.Tx) error {
		var payload string
		err := tx.QueryRowContext(ctx, s.db.rebind(
			`SELECT payload FROM offers
			WHERE "partition" = ? AND id = ?`,
		), partition, id.String()).Scan(&payload)

		switch {
		case err == sql.ErrNoRows:
			return nil

		case err != nil:
			return err
		}

		record = &offer.Record{}
		return json.Unmarshal([]byte(payload), record)
	})
	if err != nil {
		return nil, status.Internalf("unable to get offer %v/%v: %w",
			partition, id, err)
	}

	return record, nil
}

// GetOffers returns up to count offers of the partition starting at
// offset start, in insertion order.
//
// NOTE: This is part of the offer.Store interface.
func (s *OfferStore) GetOffers(ctx context.Context, partition string,
	start, count int) ([]offer.Record, error) {

	records := make([]offer.Record, 0)
	err := s.db.ExecTx(ctx, NewReadTx(), func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.db.rebind(
			`SELECT payload FROM offers
			WHERE "partition" = ?
			ORDER BY created_at, id
			LIMIT ? OFFSET ?`,
		), partition, count, start)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var payload string
			if err := rows.Scan(&payload); err != nil {
				return err
			}

			var record offer.Record
			err := json.Unmarshal([]byte(payload), &record)
			if err != nil {
				return err
			}
			records = append(records, record)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, status.Internalf("unable to list offers of %v: "+
			"%w", partition, err)
	}

	return records, nil
}

// PostOffer inserts a new offer, or returns nil if the id is already
// present. The referenced metadata must exist in the partition.
//
// NOTE: This is part of the offer.Store interface.
func (s *OfferStore) PostOffer(ctx context.Context,
	record offer.Record) (*uuid.UUID, error) {

	payload, err := json.Marshal(&record)
	if err != nil {
		return nil, status.Internalf("unable to encode offer: %w", err)
	}

	var duplicate bool
	now := s.clock.Now().UnixNano()
	err = s.db.ExecTx(ctx, NewWriteTx(), func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, s.db.rebind(
			`SELECT 1 FROM offers
			WHERE "partition" = ? AND id = ?`,
		), record.Partition, record.ID.String()).Scan(&one)

		switch {
		case err == nil:
			duplicate = true
			return nil

		case err != sql.ErrNoRows:
			return err
		}

		exists, err := s.metadataExists(
			ctx, tx, record.Partition, record.MetadataID,
		)
		if err != nil {
			return err
		}
		if !exists {
			return status.Downstreamf("offer %v/%v references "+
				"unknown metadata %v", record.Partition,
				record.ID, record.MetadataID)
		}

		_, err = tx.ExecContext(ctx, s.db.rebind(
			`INSERT INTO offers ("partition", id, metadata_id,
			payload, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
		), record.Partition, record.ID.String(),
			record.MetadataID.String(), string(payload), now, now)

		return err
	})
	switch {
	case err != nil && isUniqueViolation(err):
		return nil, nil

	case err != nil && status.SourceOf(err) == status.SourceDownstream:
		return nil, err

	case err != nil && isForeignKeyViolation(err):
		return nil, status.Downstreamf("offer %v/%v references "+
			"unknown metadata %v", record.Partition, record.ID,
			record.MetadataID)

	case err != nil:
		return nil, status.Internalf("unable to post offer %v/%v: %w",
			record.Partition, record.ID, err)

	case duplicate:
		return nil, nil
	}

	id := record.ID
	return &id, nil
}

// PutOffer upserts an offer and returns true iff a new row was
// created. The referenced metadata must exist in the partition.
//
// NOTE: This is part of the offer.Store interface.
func (s *OfferStore) PutOffer(ctx context.Context,
	record offer.Record) (bool, error) {

	payload, err := json.Marshal(&record)
	if err != nil {
		return false, status.Internalf("unable to encode offer: %w",
			err)
	}

	var created bool
	now := s.clock.Now().UnixNano()
	err = s.db.ExecTx(ctx, NewWriteTx(), func(tx *sql.Tx) error {
		exists, err := s.metadataExists(
			ctx, tx, record.Partition, record.MetadataID,
		)
		if err != nil {
			return err
		}
		if !exists {
			return status.Downstreamf("offer %v/%v references "+
				"unknown metadata %v", record.Partition,
				record.ID, record.MetadataID)
		}

		res, err := tx.ExecContext(ctx, s.db.rebind(
			`UPDATE offers
			SET metadata_id = ?, payload = ?, updated_at = ?
			WHERE "partition" = ? AND id = ?`,
		), record.MetadataID.String(), string(payload), now,
			record.Partition, record.ID.String())
		if err != nil {
			return err
		}

		updated, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if updated > 0 {
			return nil
		}

		created = true
		_, err = tx.ExecContext(ctx, s.db.rebind(
			`INSERT INTO offers ("partition", id, metadata_id,
			payload, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
		), record.Partition, record.ID.String(),
			record.MetadataID.String(), string(payload), now, now)

		return err
	})
	switch {
	case err != nil && status.SourceOf(err) == status.SourceDownstream:
		return false, err

	case err != nil && isForeignKeyViolation(err):
		return false, status.Downstreamf("offer %v/%v references "+
			"unknown metadata %v", record.Partition, record.ID,
			record.MetadataID)

	case err != nil:
		return false, status.Internalf("unable to put offer %v/%v: "+
			"%w", record.Partition, record.ID, err)
	}

	return created, nil
}

// DeleteOffer removes an offer and returns true iff a row was removed.
//
// NOTE: This is part of the offer.Store interface.
func (s *OfferStore) DeleteOffer(ctx context.Context, partition string,
	id uuid.UUID) (bool, error) {

	var removed bool
	err := s.db.ExecTx(ctx, NewWriteTx(), func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.db.rebind(
			`DELETE FROM offers
			WHERE "partition" = ? AND id = ?`,
		), partition, id.String())
		if err != nil {
			return err
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		removed = rows > 0

		return nil
	})
	if err != nil {
		return false, status.Internalf("unable to delete offer "+
			"%v/%v: %w", partition, id, err)
	}

	return removed, nil
}

// GetMetadata returns the metadata stored under the given partition
// and id, or nil if there is none.
//
// NOTE: This is part of the offer.MetadataStore interface.
func (s *OfferStore) GetMetadata(ctx context.Context, partition string,
	id uuid.UUID) (*offer.Metadata, error) {

	var metadata *offer.Metadata
	err := s.db.ExecTx(ctx, NewReadTx(), func(tx *sql.Tx) error {
		var payload string
		err := tx.QueryRowContext(ctx, s.db.rebind(
			`SELECT payload FROM offer_metadata
			WHERE "partition" = ? AND id = ?`,
		), partition, id.String()).Scan(&payload)

		switch {
		case err == sql.ErrNoRows:
			return nil

		case err != nil:
			return err
		}

		metadata = &offer.Metadata{}
		return json.Unmarshal([]byte(payload), metadata)
	})
	if err != nil {
		return nil, status.Internalf("unable to get metadata %v/%v: "+
			"%w", partition, id, err)
	}

	return metadata, nil
}

// GetAllMetadata returns up to count metadata rows of the partition
// starting at offset start, in insertion order.
//
// NOTE: This is part of the offer.MetadataStore interface.
func (s *OfferStore) GetAllMetadata(ctx context.Context,
	partition string, start, count int) ([]offer.Metadata, error) {

	rowsOut := make([]offer.Metadata, 0)
	err := s.db.ExecTx(ctx, NewReadTx(), func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.db.rebind(
			`SELECT payload FROM offer_metadata
			WHERE "partition" = ?
			ORDER BY created_at, id
			LIMIT ? OFFSET ?`,
		), partition, count, start)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var payload string
			if err := rows.Scan(&payload); err != nil {
				return err
			}

			var metadata offer.Metadata
			err := json.Unmarshal([]byte(payload), &metadata)
			if err != nil {
				return err
			}
			rowsOut = append(rowsOut, metadata)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, status.Internalf("unable to list metadata of "+
			"%v: %w", partition, err)
	}

	return rowsOut, nil
}

// PostMetadata inserts a new metadata row, or returns nil if the id is
// already present.
//
// NOTE: This is part of the offer.MetadataStore interface.
func (s *OfferStore) PostMetadata(ctx context.Context,
	metadata offer.Metadata) (*uuid.UUID, error) {

	payload, err := json.Marshal(&metadata)
	if err != nil {
		return nil, status.Internalf("unable to encode metadata: %w",
			err)
	}

	var duplicate bool
	now := s.clock.Now().UnixNano()
	err = s.db.ExecTx(ctx, NewWriteTx(), func(tx *sql.Tx) error {
		exists, err := s.metadataExists(
			ctx, tx, metadata.Partition, metadata.ID,
		)
		if err != nil {
			return err
		}
		if exists {
			duplicate = true
			return nil
		}

		_, err = tx.ExecContext(ctx, s.db.rebind(
			`INSERT INTO offer_metadata
			("partition", id, payload, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)`,
		), metadata.Partition, metadata.ID.String(), string(payload),
			now, now)

		return err
	})
	switch {
	case err != nil && isUniqueViolation(err):
		return nil, nil

	case err != nil:
		return nil, status.Internalf("unable to post metadata "+
			"%v/%v: %w", metadata.Partition, metadata.ID, err)

	case duplicate:
		return nil, nil
	}

	id := metadata.ID
	return &id, nil
}

// PutMetadata upserts a metadata row and returns true iff a new row
// was created.
//
// NOTE: This is part of the offer.MetadataStore interface.
func (s *OfferStore) PutMetadata(ctx context.Context,
	metadata offer.Metadata) (bool, error) {

	payload, err := json.Marshal(&metadata)
	if err != nil {
		return false, status.Internalf("unable to encode metadata: "+
			"%w", err)
	}

	var created bool
	now := s.clock.Now().UnixNano()
	err = s.db.ExecTx(ctx, NewWriteTx(), func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.db.rebind(
			`UPDATE offer_metadata
			SET payload = ?, updated_at = ?
			WHERE "partition" = ? AND id = ?`,
		), string(payload), now, metadata.Partition,
			metadata.ID.String())
		if err != nil {
			return err
		}

		updated, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if updated > 0 {
			return nil
		}

		created = true
		_, err = tx.ExecContext(ctx, s.db.rebind(
			`INSERT INTO offer_metadata
			("partition", id, payload, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)`,
		), metadata.Partition, metadata.ID.String(), string(payload),
			now, now)

		return err
	})
	if err != nil {
		return false, status.Internalf("unable to put metadata "+
			"%v/%v: %w", metadata.Partition, metadata.ID, err)
	}

	return created, nil
}

// DeleteMetadata removes a metadata row and returns true iff a row was
// removed. Removal fails while any offer of the partition references
// the row.
//
// NOTE: This is part of the offer.MetadataStore interface.
func (s *OfferStore) DeleteMetadata(ctx context.Context,
	partition string, id uuid.UUID) (bool, error) {

	var removed bool
	err := s.db.ExecTx(ctx, NewWriteTx(), func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, s.db.rebind(
			`SELECT 1 FROM offers
			WHERE "partition" = ? AND metadata_id = ?`,
		), partition, id.String()).Scan(&one)

		switch {
		case err == nil:
			return status.Downstreamf("metadata %v/%v is still "+
				"referenced by offers", partition, id)

		case err != sql.ErrNoRows:
			return err
		}

		res, err := tx.ExecContext(ctx, s.db.rebind(
			`DELETE FROM offer_metadata
			WHERE "partition" = ? AND id = ?`,
		), partition, id.String())
		if err != nil {
			return err
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		removed = rows > 0

		return nil
	})
	switch {
	case err != nil && status.SourceOf(err) == status.SourceDownstream:
		return false, err

	case err != nil && isForeignKeyViolation(err):
		return false, status.Downstreamf("metadata %v/%v is still "+
			"referenced by offers", partition, id)

	case err != nil:
		return false, status.Internalf("unable to delete metadata "+
			"%v/%v: %w", partition, id, err)
	}

	return removed, nil
}
