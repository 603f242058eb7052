package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/carelane-ai/intake/pkg/common/models"
)

// MemoryStore keeps records in-process. It backs local development and tests;
// snapshots are deep-copied on the way in and out so callers can never alias
// stored state.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]models.PatientRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]models.PatientRecord)}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (models.PatientRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return models.PatientRecord{}, ErrNotFound
	}
	return cloneRecord(record), nil
}

func (s *MemoryStore) ListAll(ctx context.Context) ([]models.PatientRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]models.PatientRecord, 0, len(s.records))
	for _, record := range s.records {
		records = append(records, cloneRecord(record))
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

func (s *MemoryStore) Put(ctx context.Context, id string, record models.PatientRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = cloneRecord(record)
	return nil
}

func cloneRecord(record models.PatientRecord) models.PatientRecord {
	raw, err := json.Marshal(record)
	if err != nil {
		return record
	}
	var clone models.PatientRecord
	if err := json.Unmarshal(raw, &clone); err != nil {
		return record
	}
	return clone
}
