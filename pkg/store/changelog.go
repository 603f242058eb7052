package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/carelane-ai/intake/pkg/common/models"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ChangelogStore keeps the audit trail of reconciliation calls. Appends are
// best effort from the dialogue layer; reads serve the dashboard.
type ChangelogStore interface {
	AppendChangelog(ctx context.Context, entry models.ChangelogRecord) error
	ListChangelog(ctx context.Context, recordID string, limit int) ([]models.ChangelogRecord, error)
}

type ChangelogRow struct {
	ID          string         `gorm:"primaryKey;column:id"`
	RecordID    string         `gorm:"index;column:record_id"`
	Confidence  string         `gorm:"column:confidence"`
	Fingerprint string         `gorm:"column:fingerprint"`
	Entries     datatypes.JSON `gorm:"type:jsonb;column:entries"`
	CreatedAt   time.Time
}

func (ChangelogRow) TableName() string {
	return "reconcile_changelog"
}

func (s *PostgresStore) AppendChangelog(ctx context.Context, entry models.ChangelogRecord) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entries, err := json.Marshal(entry.Entries)
	if err != nil {
		return fmt.Errorf("failed to marshal changelog entries: %w", err)
	}
	row := ChangelogRow{
		ID:          entry.ID,
		RecordID:    entry.RecordID,
		Confidence:  string(entry.Confidence),
		Fingerprint: entry.Fingerprint,
		Entries:     entries,
		CreatedAt:   entry.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) ListChangelog(ctx context.Context, recordID string, limit int) ([]models.ChangelogRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []ChangelogRow
	result := s.db.WithContext(ctx).
		Where("record_id = ?", recordID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, result.Error)
	}
	records := make([]models.ChangelogRecord, 0, len(rows))
	for _, row := range rows {
		var entries []models.ChangelogEntry
		if err := json.Unmarshal(row.Entries, &entries); err != nil {
			return nil, fmt.Errorf("corrupt changelog row %s: %w", row.ID, err)
		}
		records = append(records, models.ChangelogRecord{
			ID:          row.ID,
			RecordID:    row.RecordID,
			Confidence:  models.Confidence(row.Confidence),
			Fingerprint: row.Fingerprint,
			Entries:     entries,
			CreatedAt:   row.CreatedAt,
		})
	}
	return records, nil
}

// MemoryChangelogStore mirrors the Postgres behavior for tests and local runs.
type MemoryChangelogStore struct {
	mu      sync.RWMutex
	entries map[string][]models.ChangelogRecord
}

func NewMemoryChangelogStore() *MemoryChangelogStore {
	return &MemoryChangelogStore{entries: make(map[string][]models.ChangelogRecord)}
}

func (s *MemoryChangelogStore) AppendChangelog(ctx context.Context, entry models.ChangelogRecord) error {
	if entry.RecordID == "" {
		return errors.New("changelog entry requires a record id")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.RecordID] = append(s.entries[entry.RecordID], entry)
	return nil
}

func (s *MemoryChangelogStore) ListChangelog(ctx context.Context, recordID string, limit int) ([]models.ChangelogRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := append([]models.ChangelogRecord(nil), s.entries[recordID]...)
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}
