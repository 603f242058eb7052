package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/carelane-ai/intake/pkg/common/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PatientRow persists a record as a jsonb document keyed by its opaque id.
type PatientRow struct {
	ID        string         `gorm:"primaryKey;column:id"`
	Document  datatypes.JSON `gorm:"type:jsonb;column:document"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (PatientRow) TableName() string {
	return "patient_records"
}

type PostgresStore struct {
	db *gorm.DB
}

func NewPostgresStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) AutoMigrate() error {
	return s.db.AutoMigrate(&PatientRow{}, &ChangelogRow{})
}

func (s *PostgresStore) Get(ctx context.Context, id string) (models.PatientRecord, error) {
	var row PatientRow
	result := s.db.WithContext(ctx).First(&row, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return models.PatientRecord{}, ErrNotFound
	}
	if result.Error != nil {
		return models.PatientRecord{}, fmt.Errorf("%w: %v", ErrUnavailable, result.Error)
	}
	return decodeRow(row)
}

func (s *PostgresStore) ListAll(ctx context.Context) ([]models.PatientRecord, error) {
	var rows []PatientRow
	result := s.db.WithContext(ctx).Order("created_at ASC").Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, result.Error)
	}
	records := make([]models.PatientRecord, 0, len(rows))
	for _, row := range rows {
		record, err := decodeRow(row)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *PostgresStore) Put(ctx context.Context, id string, record models.PatientRecord) error {
	document, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", id, err)
	}
	row := PatientRow{ID: id, Document: document}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"document", "updated_at"}),
	}).Create(&row)
	if result.Error != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, result.Error)
	}
	return nil
}

func decodeRow(row PatientRow) (models.PatientRecord, error) {
	var record models.PatientRecord
	if err := json.Unmarshal(row.Document, &record); err != nil {
		return models.PatientRecord{}, fmt.Errorf("corrupt record document %s: %w", row.ID, err)
	}
	return record, nil
}
