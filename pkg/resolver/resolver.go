// Package resolver maps a conversation's identity cues to exactly one patient
// record, creating a minimal record when nothing matches. It never blocks a
// turn: creation is the terminal fallback.
package resolver

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/carelane-ai/intake/pkg/common/logger"
	"github.com/carelane-ai/intake/pkg/common/models"
	"github.com/carelane-ai/intake/pkg/store"
	"github.com/google/uuid"
)

type Resolver struct {
	records store.RecordStore
}

func New(records store.RecordStore) *Resolver {
	return &Resolver{records: records}
}

// Resolve walks the confidence ladder: declared id, unique phone-line match,
// unique first-name match, then record creation. The returned confidence is
// surfaced into the reconciliation changelog so low-confidence matches never
// silently touch sensitive fields.
func (r *Resolver) Resolve(ctx context.Context, cues models.IdentityCues) (models.Resolution, models.PatientRecord, error) {
	if id := strings.TrimSpace(cues.DeclaredID); id != "" {
		record, err := r.records.Get(ctx, id)
		if err == nil {
			return models.Resolution{RecordID: record.ID, Confidence: models.ConfidenceExact}, record, nil
		}
		if err != store.ErrNotFound {
			return models.Resolution{}, models.PatientRecord{}, err
		}
	}

	var all []models.PatientRecord
	needScan := strings.TrimSpace(cues.PhoneLine) != "" || strings.TrimSpace(cues.DeclaredName) != ""
	if needScan {
		var err error
		all, err = r.records.ListAll(ctx)
		if err != nil {
			return models.Resolution{}, models.PatientRecord{}, err
		}
	}

	if phone := normalizePhone(cues.PhoneLine); phone != "" {
		if record, ok := uniquePhoneMatch(all, phone); ok {
			return models.Resolution{RecordID: record.ID, Confidence: models.ConfidencePhoneMatched}, record, nil
		}
	}

	first, last := SplitName(cues.DeclaredName)
	if first != "" {
		if record, ok := uniqueNameMatch(all, first, last, cues.PhoneLine); ok {
			// First-name matching is a heuristic with a real false-positive
			// risk (two patients sharing a first name); always log it.
			logger.WithRecord(record.ID).WithField("declared_name", cues.DeclaredName).
				Warn("identity resolved by first-name match only")
			return models.Resolution{RecordID: record.ID, Confidence: models.ConfidenceNameMatched}, record, nil
		}
	}

	record := NewMinimalRecord(first, last)
	if err := r.records.Put(ctx, record.ID, record); err != nil {
		return models.Resolution{}, models.PatientRecord{}, err
	}
	logger.WithRecord(record.ID).WithField("first_name", record.FirstName).
		Info("created patient record")
	return models.Resolution{RecordID: record.ID, Confidence: models.ConfidenceNewlyCreated, Created: true}, record, nil
}

// NewMinimalRecord builds the smallest valid record: id, name and the three
// collections the dashboard always expects.
func NewMinimalRecord(first, last string) models.PatientRecord {
	now := time.Now().UTC()
	return models.PatientRecord{
		ID:           uuid.New().String(),
		FirstName:    first,
		LastName:     last,
		Conditions:   []string{},
		Appointments: []models.Appointment{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func uniquePhoneMatch(records []models.PatientRecord, phone string) (models.PatientRecord, bool) {
	var match models.PatientRecord
	count := 0
	for _, record := range records {
		if normalizePhone(record.PhoneNumber) == phone {
			match = record
			count++
		}
	}
	return match, count == 1
}

// uniqueNameMatch accepts a first-name match only when it is unique and no
// other declared cue contradicts the stored record.
func uniqueNameMatch(records []models.PatientRecord, first, last, phoneLine string) (models.PatientRecord, bool) {
	var match models.PatientRecord
	count := 0
	for _, record := range records {
		if strings.EqualFold(record.FirstName, first) {
			match = record
			count++
		}
	}
	if count != 1 {
		return models.PatientRecord{}, false
	}
	if last != "" && match.LastName != "" && !strings.EqualFold(match.LastName, last) {
		return models.PatientRecord{}, false
	}
	if phone := normalizePhone(phoneLine); phone != "" && match.PhoneNumber != "" && normalizePhone(match.PhoneNumber) != phone {
		return models.PatientRecord{}, false
	}
	return match, true
}

// SplitName separates a declared full name into a capitalized first name and
// the remaining words as the last name.
func SplitName(name string) (string, string) {
	parts := strings.Fields(strings.TrimSpace(name))
	if len(parts) == 0 {
		return "", ""
	}
	if len(parts) == 1 {
		return capitalize(parts[0]), ""
	}
	rest := make([]string, 0, len(parts)-1)
	for _, p := range parts[1:] {
		rest = append(rest, capitalize(p))
	}
	return capitalize(parts[0]), strings.Join(rest, " ")
}

func capitalize(word string) string {
	runes := []rune(strings.ToLower(word))
	if len(runes) == 0 {
		return ""
	}
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

// normalizePhone reduces a phone line to its digits and canonicalizes the
// NANP country prefix, so "+1 (555) 123-4567" and "555.123.4567" compare
// equal.
func normalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	return digits
}
