package quota

import (
	"context"
	"sync"
)

// UsageRecord is the durable per-backend, per-day usage row. Rows are
// created on first use of a day and accumulated afterwards; this subsystem
// never deletes them.
type UsageRecord struct {
	ProviderID   string `json:"provider_id"`
	Day          string `json:"day"`
	RequestCount int64  `json:"request_count"`
	UnitCount    int64  `json:"unit_count"`
}

// UsageStore persists usage records keyed by (provider, day) with upsert
// semantics.
type UsageStore interface {
	// Upsert adds the given requests/units to the record for the day,
	// creating it if absent.
	Upsert(ctx context.Context, providerID, day string, requests, units int64) error

	// Get returns the record for the day; a zero-valued record if none.
	Get(ctx context.Context, providerID, day string) (UsageRecord, error)

	// Reset zeroes the record for the day. Testing and ops only.
	Reset(ctx context.Context, providerID, day string) error
}

// MemoryStore is an in-process UsageStore for tests and zero-config runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]UsageRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]UsageRecord)}
}

func usageKey(providerID, day string) string {
	return providerID + "|" + day
}

// Upsert implements UsageStore.
func (s *MemoryStore) Upsert(_ context.Context, providerID, day string, requests, units int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := usageKey(providerID, day)
	rec := s.records[key]
	rec.ProviderID = providerID
	rec.Day = day
	rec.RequestCount += requests
	rec.UnitCount += units
	s.records[key] = rec
	return nil
}

// Get implements UsageStore.
func (s *MemoryStore) Get(_ context.Context, providerID, day string) (UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[usageKey(providerID, day)]
	if !ok {
		return UsageRecord{ProviderID: providerID, Day: day}, nil
	}
	return rec, nil
}

// Reset implements UsageStore.
func (s *MemoryStore) Reset(_ context.Context, providerID, day string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := usageKey(providerID, day)
	if rec, ok := s.records[key]; ok {
		rec.RequestCount = 0
		rec.UnitCount = 0
		s.records[key] = rec
	}
	return nil
}
