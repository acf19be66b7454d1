package offer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bitshock-src/switchgear-sub000/status"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
)

// partitionedID keys both stores: offers and metadata are unique per
// (partition, id).
type partitionedID struct {
	partition string
	id        uuid.UUID
}

type timestampedRecord struct {
	created time.Time
	record  Record
}

type timestampedMetadata struct {
	created  time.Time
	metadata Metadata
}

// MemoryStore is an in-process offer and metadata store with the same
// contract as the SQL stores.
type MemoryStore struct {
	mu       sync.Mutex
	offers   map[partitionedID]timestampedRecord
	metadata map[partitionedID]timestampedMetadata
	clock    clock.Clock
}

// A compile time check to ensure MemoryStore implements the FullStore
// interface.
var _ FullStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory offer store.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(clock.NewDefaultClock())
}

// NewMemoryStoreWithClock creates an empty in-memory offer store using
// the given clock for creation timestamps.
func NewMemoryStoreWithClock(clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		offers:   make(map[partitionedID]timestampedRecord),
		metadata: make(map[partitionedID]timestampedMetadata),
		clock:    clk,
	}
}

// GetOffer returns the offer stored under the given partition and id,
// or nil.
//
// NOTE: This is part of the Store interface.
func (s *MemoryStore) GetOffer(_ context.Context, partition string,
	id uuid.UUID) (*Record, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.offers[partitionedID{partition, id}]
	if !ok {
		return nil, nil
	}
	record := entry.record

	return &record, nil
}

// GetOffers returns a page of the partition's offers in insertion
// order.
//
// NOTE: This is part of the Store interface.
func (s *MemoryStore) GetOffers(_ context.Context, partition string,
	start, count int) ([]Record, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]timestampedRecord, 0, len(s.offers))
	for key, entry := range s.offers {
		if key.partition == partition {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].created.Equal(entries[j].created) {
			return entries[i].created.Before(entries[j].created)
		}

		return entries[i].record.ID.String() <
			entries[j].record.ID.String()
	})

	return pageRecords(entries, start, count), nil
}

func pageRecords(entries []timestampedRecord, start, count int) []Record {
	if start >= len(entries) {
		return nil
	}
	end := start + count
	if end > len(entries) {
		end = len(entries)
	}

	records := make([]Record, 0, end-start)
	for _, entry := range entries[start:end] {
		records = append(records, entry.record)
	}

	return records
}

// PostOffer inserts a new offer after checking that its metadata
// reference resolves within the partition.
//
// NOTE: This is part of the Store interface.
func (s *MemoryStore) PostOffer(_ context.Context, record Record) (*uuid.UUID,
	error) {

	if err := record.Validate(); err != nil {
		return nil, status.WithSource(status.SourceDownstream, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkMetadataRef(&record); err != nil {
		return nil, err
	}

	key := partitionedID{record.Partition, record.ID}
	if _, ok := s.offers[key]; ok {
		return nil, nil
	}

	s.offers[key] = timestampedRecord{
		created: s.clock.Now(),
		record:  record,
	}

	id := record.ID
	return &id, nil
}

// PutOffer upserts an offer after checking its metadata reference,
// returning true iff a new row was created.
//
// NOTE: This is part of the Store interface.
func (s *MemoryStore) PutOffer(_ context.Context, record Record) (bool,
	error) {

	if err := record.Validate(); err != nil {
		return false, status.WithSource(status.SourceDownstream, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkMetadataRef(&record); err != nil {
		return false, err
	}

	key := partitionedID{record.Partition, record.ID}
	created := s.clock.Now()
	wasNew := true
	if existing, ok := s.offers[key]; ok {
		created = existing.created
		wasNew = false
	}

	s.offers[key] = timestampedRecord{created: created, record: record}

	return wasNew, nil
}

// checkMetadataRef enforces the offer-to-metadata reference. Callers
// must hold the store mutex.
func (s *MemoryStore) checkMetadataRef(record *Record) error {
	key := partitionedID{record.Partition, record.MetadataID}
	if _, ok := s.metadata[key]; !ok {
		return status.Downstreamf("metadata %v not found for offer "+
			"%v in partition %v", record.MetadataID, record.ID,
			record.Partition)
	}

	return nil
}

// DeleteOffer removes an offer.
//
// NOTE: This is part of the Store interface.
func (s *MemoryStore) DeleteOffer(_ context.Context, partition string,
	id uuid.UUID) (bool, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	key := partitionedID{partition, id}
	if _, ok := s.offers[key]; !ok {
		return false, nil
	}
	delete(s.offers, key)

	return true, nil
}

// GetMetadata returns the metadata stored under the given partition and
// id, or nil.
//
// NOTE: This is part of the MetadataStore interface.
func (s *MemoryStore) GetMetadata(_ context.Context, partition string,
	id uuid.UUID) (*Metadata, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.metadata[partitionedID{partition, id}]
	if !ok {
		return nil, nil
	}
	metadata := entry.metadata

	return &metadata, nil
}

// GetAllMetadata returns a page of the partition's metadata rows in
// insertion order.
//
// NOTE: This is part of the MetadataStore interface.
func (s *MemoryStore) GetAllMetadata(_ context.Context, partition string,
	start, count int) ([]Metadata, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]timestampedMetadata, 0, len(s.metadata))
	for key, entry := range s.metadata {
		if key.partition == partition {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].created.Equal(entries[j].created) {
			return entries[i].created.Before(entries[j].created)
		}

		return entries[i].metadata.ID.String() <
			entries[j].metadata.ID.String()
	})

	if start >= len(entries) {
		return nil, nil
	}
	end := start + count
	if end > len(entries) {
		end = len(entries)
	}

	rows := make([]Metadata, 0, end-start)
	for _, entry := range entries[start:end] {
		rows = append(rows, entry.metadata)
	}

	return rows, nil
}

// PostMetadata inserts a new metadata row.
//
// NOTE: This is part of the MetadataStore interface.
func (s *MemoryStore) PostMetadata(_ context.Context,
	metadata Metadata) (*uuid.UUID, error) {

	if err := metadata.Validate(); err != nil {
		return nil, status.WithSource(status.SourceDownstream, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := partitionedID{metadata.Partition, metadata.ID}
	if _, ok := s.metadata[key]; ok {
		return nil, nil
	}

	s.metadata[key] = timestampedMetadata{
		created:  s.clock.Now(),
		metadata: metadata,
	}

	id := metadata.ID
	return &id, nil
}

// PutMetadata upserts a metadata row, returning true iff a new row was
// created.
//
// NOTE: This is part of the MetadataStore interface.
func (s *MemoryStore) PutMetadata(_ context.Context,
	metadata Metadata) (bool, error) {

	if err := metadata.Validate(); err != nil {
		return false, status.WithSource(status.SourceDownstream, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := partitionedID{metadata.Partition, metadata.ID}
	created := s.clock.Now()
	wasNew := true
	if existing, ok := s.metadata[key]; ok {
		created = existing.created
		wasNew = false
	}

	s.metadata[key] = timestampedMetadata{
		created:  created,
		metadata: metadata,
	}

	return wasNew, nil
}

// DeleteMetadata removes a metadata row unless an offer of the
// partition still references it.
//
// NOTE: This is part of the MetadataStore interface.
func (s *MemoryStore) DeleteMetadata(_ context.Context, partition string,
	id uuid.UUID) (bool, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entry := range s.offers {
		if key.partition == partition &&
			entry.record.MetadataID == id {

			return false, status.Downstreamf("metadata %v is "+
				"referenced by offer %v in partition %v", id,
				entry.record.ID, partition)
		}
	}

	key := partitionedID{partition, id}
	if _, ok := s.metadata[key]; !ok {
		return false, nil
	}
	delete(s.metadata, key)

	return true, nil
}
