package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/carelane-ai/intake/pkg/common/models"
)

// Fingerprint identifies a proposal batch by content so an immediate caller
// retry of the same turn collapses instead of double-applying.
func Fingerprint(channel string, proposals []models.ProposedUpdate) string {
	h := sha256.New()
	h.Write([]byte(channel))
	for _, p := range proposals {
		raw, err := json.Marshal(p)
		if err != nil {
			continue
		}
		h.Write([]byte{0})
		h.Write(raw)
	}
	return hex.EncodeToString(h.Sum(nil))
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

func applied(field string, kind models.UpdateKind, detail string) models.ChangelogEntry {
	return models.ChangelogEntry{Field: field, Kind: kind, Outcome: models.OutcomeApplied, Detail: detail}
}

func skipped(field string, kind models.UpdateKind, reason, detail string) models.ChangelogEntry {
	return models.ChangelogEntry{Field: field, Kind: kind, Outcome: models.OutcomeSkipped, Reason: reason, Detail: detail}
}

func needsClarification(field string, kind models.UpdateKind, reason, detail string) models.ChangelogEntry {
	return models.ChangelogEntry{Field: field, Kind: kind, Outcome: models.OutcomeNeedsClarification, Reason: reason, Detail: detail}
}
