package storage

import (
	"context"
	"sync"

	"github.com/brocaar/lorawan"
)

// MemoryStore keeps the encoded NVM records in memory. It is used when
// persistence is disabled and by tests.
type MemoryStore struct {
	mu      sync.Mutex
	codec   *Codec
	records map[lorawan.EUI64]map[string]GroupRecord
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore(codec *Codec) *MemoryStore {
	return &MemoryStore{
		codec:   codec,
		records: make(map[lorawan.EUI64]map[string]GroupRecord),
	}
}

// SaveNVM stores the groups selected by flags.
func (s *MemoryStore) SaveNVM(ctx context.Context, devEUI lorawan.EUI64, flags NotifyFlags, n *NVM) error {
	records, err := s.codec.Records(n, flags)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.records[devEUI]
	if !ok {
		m = make(map[string]GroupRecord)
		s.records[devEUI] = m
	}
	for _, r := range records {
		m[r.Name] = r
	}

	nvmSaveCounter("memory").Inc()
	return nil
}

// LoadNVM returns the stored NVM of the given device.
func (s *MemoryStore) LoadNVM(ctx context.Context, devEUI lorawan.EUI64) (NVM, error) {
	var n NVM

	s.mu.Lock()
	m, ok := s.records[devEUI]
	var records []GroupRecord
	for _, r := range m {
		records = append(records, r)
	}
	s.mu.Unlock()

	if !ok {
		return n, ErrDoesNotExist
	}

	if err := s.codec.Apply(&n, records); err != nil {
		return n, err
	}

	nvmLoadCounter("memory").Inc()
	return n, nil
}

// DeleteNVM removes the stored NVM of the given device.
func (s *MemoryStore) DeleteNVM(ctx context.Context, devEUI lorawan.EUI64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[devEUI]; !ok {
		return ErrDoesNotExist
	}
	delete(s.records, devEUI)
	return nil
}
