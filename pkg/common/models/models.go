package models

import (
	"time"
)

// Patient record schema. Records are documents: the store persists the full
// snapshot and the reconciliation engine is the only writer.
type PatientRecord struct {
	ID string `json:"id"`

	// Identity
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	DateOfBirth string `json:"dateOfBirth,omitempty"`
	Gender      string `json:"gender,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	Email       string `json:"email,omitempty"`
	Address     string `json:"address,omitempty"`

	// Insurance
	InsuranceProvider string `json:"insuranceProvider,omitempty"`
	InsuranceMemberID string `json:"insuranceMemberId,omitempty"`
	PolicyHolder      string `json:"policyHolder,omitempty"`
	PaymentOption     string `json:"paymentOption,omitempty"`

	// Contact counters, never decremented.
	PhoneCalls int `json:"phoneCalls"`
	Emails     int `json:"emails"`

	// Free-text history, last write wins.
	FamilyHistory  string `json:"familyHistory,omitempty"`
	MedicalHistory string `json:"medicalHistory,omitempty"`

	// Append-only string sets, case-insensitively unique.
	ConsentForms []string `json:"consentForms,omitempty"`
	Allergies    []string `json:"allergies,omitempty"`
	Medications  []string `json:"medications,omitempty"`
	Conditions   []string `json:"conditions"`

	Appointments []Appointment `json:"appointments"`
	// Derived: the when of the latest booked appointment whose time has not
	// passed, recomputed on every appointment mutation.
	NextAppointment *string `json:"nextAppointment"`

	SymptomReports []SymptomReport `json:"symptomReports,omitempty"`

	// Fingerprint of the last applied proposal batch, used to collapse
	// caller retries of the same turn.
	LastBatchFingerprint string `json:"lastBatchFingerprint,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type AppointmentStatus string

const (
	AppointmentBooked    AppointmentStatus = "booked"
	AppointmentCompleted AppointmentStatus = "completed"
	AppointmentCanceled  AppointmentStatus = "canceled"
)

type Appointment struct {
	When     string            `json:"when"`
	Doctor   string            `json:"doctor,omitempty"`
	Status   AppointmentStatus `json:"status"`
	BookedAt time.Time         `json:"bookedAt"`
}

type Severity string

const (
	SeverityMild     Severity = "mild"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
	SeverityCritical Severity = "critical"
)

type Symptom struct {
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
	Duration    string   `json:"duration,omitempty"`
	Frequency   string   `json:"frequency,omitempty"`
	Triggers    []string `json:"triggers,omitempty"`
}

type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
	UrgencyUrgent Urgency = "urgent"
)

type AIAnalysis struct {
	Summary           string   `json:"summary,omitempty"`
	Urgency           Urgency  `json:"urgency"`
	SuggestedActions  []string `json:"suggestedActions,omitempty"`
	Confidence        float64  `json:"confidence"`
	RelatedConditions []string `json:"relatedConditions,omitempty"`
}

type ReportStatus string

const (
	ReportNew        ReportStatus = "new"
	ReportReviewed   ReportStatus = "reviewed"
	ReportInProgress ReportStatus = "in_progress"
	ReportResolved   ReportStatus = "resolved"
	ReportAddressed  ReportStatus = "addressed"
)

// SymptomReport is an append-only log entry: immutable once created except for
// its forward-only status.
type SymptomReport struct {
	ID         string       `json:"id"`
	Timestamp  time.Time    `json:"timestamp"`
	ReportedBy string       `json:"reportedBy"` // patient, ai, caregiver, doctor
	Source     string       `json:"source"`     // chat, phone, email, visit, ai_analysis
	Symptoms   []Symptom    `json:"symptoms"`
	AIAnalysis *AIAnalysis  `json:"aiAnalysis,omitempty"`
	Status     ReportStatus `json:"status"`
}

// Proposed updates are a tagged variant per field class. Adapter output is
// never trusted as well-typed; the engine validates before merging.
type UpdateKind string

const (
	UpdateScalar            UpdateKind = "scalar"
	UpdateCounter           UpdateKind = "counter"
	UpdateListAppend        UpdateKind = "list_append"
	UpdateListRemove        UpdateKind = "list_remove"
	UpdateAppointment       UpdateKind = "appointment"
	UpdateAppointmentStatus UpdateKind = "appointment_status"
	UpdateSymptomBatch      UpdateKind = "symptom_batch"
	UpdateReportStatus      UpdateKind = "report_status"
)

type AppointmentProposal struct {
	When   string            `json:"when"`
	Doctor string            `json:"doctor,omitempty"`
	Status AppointmentStatus `json:"status,omitempty"`
}

type SymptomBatchProposal struct {
	ReportedBy string      `json:"reportedBy,omitempty"`
	Source     string      `json:"source,omitempty"`
	Symptoms   []Symptom   `json:"symptoms"`
	AIAnalysis *AIAnalysis `json:"aiAnalysis,omitempty"`
}

type ReportStatusProposal struct {
	ReportID string       `json:"reportId"`
	Status   ReportStatus `json:"status"`
}

type ProposedUpdate struct {
	Kind   UpdateKind `json:"kind"`
	Field  string     `json:"field,omitempty"`
	Value  string     `json:"value,omitempty"`
	Delta  int        `json:"delta,omitempty"`
	Values []string   `json:"values,omitempty"`

	Appointment  *AppointmentProposal  `json:"appointment,omitempty"`
	SymptomBatch *SymptomBatchProposal `json:"symptomBatch,omitempty"`
	ReportStatus *ReportStatusProposal `json:"reportStatus,omitempty"`
}

// Resolver output.
type Confidence string

const (
	ConfidenceExact        Confidence = "exact"
	ConfidencePhoneMatched Confidence = "phone_matched"
	ConfidenceNameMatched  Confidence = "name_matched"
	ConfidenceNewlyCreated Confidence = "newly_created"
)

type IdentityCues struct {
	DeclaredID   string `json:"declaredId,omitempty"`
	DeclaredName string `json:"declaredName,omitempty"`
	PhoneLine    string `json:"phoneLine,omitempty"`
}

type Resolution struct {
	RecordID   string     `json:"recordId"`
	Confidence Confidence `json:"confidence"`
	Created    bool       `json:"created"`
}

// Changelog.
type Outcome string

const (
	OutcomeApplied            Outcome = "applied"
	OutcomeSkipped            Outcome = "skipped"
	OutcomeNeedsClarification Outcome = "needs_clarification"
)

const (
	ReasonInvalidSchema     = "invalid_schema"
	ReasonInvalidTransition = "invalid_transition"
	ReasonEmptyValue        = "empty_value"
	ReasonDuplicateEntry    = "duplicate_entry"
	ReasonEntryNotFound     = "entry_not_found"
	ReasonDuplicateBatch    = "duplicate_batch"
	ReasonDerivedField      = "derived_field"
	ReasonImmutableField    = "immutable_field"
	ReasonUnknownField      = "unknown_field"
	ReasonLowConfidence     = "low_confidence_resolution"
	ReasonNoMatchingEntry   = "no_matching_appointment"
	ReasonUnknownReport     = "unknown_report"
)

type ChangelogEntry struct {
	Field   string     `json:"field"`
	Kind    UpdateKind `json:"kind"`
	Outcome Outcome    `json:"outcome"`
	Reason  string     `json:"reason,omitempty"`
	Detail  string     `json:"detail,omitempty"`
}

// ChangelogRecord is the persisted audit trail of one reconciliation call,
// what the dashboard reads to surface needs_clarification entries for human
// review.
type ChangelogRecord struct {
	ID          string           `json:"id"`
	RecordID    string           `json:"record_id"`
	Confidence  Confidence       `json:"confidence"`
	Fingerprint string           `json:"fingerprint"`
	Entries     []ChangelogEntry `json:"entries"`
	CreatedAt   time.Time        `json:"created_at"`
}

type ReconcileResult struct {
	Record      PatientRecord    `json:"record"`
	Changelog   []ChangelogEntry `json:"changelog"`
	Fingerprint string           `json:"fingerprint"`
	Confidence  Confidence       `json:"confidence"`
}

// Turn API.
type TurnRequest struct {
	SessionID string           `json:"session_id"`
	Utterance string           `json:"utterance,omitempty"`
	Channel   string           `json:"channel,omitempty"` // chat, phone, email, visit
	Identity  IdentityCues     `json:"identity,omitempty"`
	Proposals []ProposedUpdate `json:"proposals,omitempty"`
}

type TurnResponse struct {
	SessionID  string           `json:"session_id"`
	RecordID   string           `json:"record_id"`
	Confidence Confidence       `json:"confidence"`
	Intent     string           `json:"intent,omitempty"`
	Reply      string           `json:"reply,omitempty"`
	Changelog  []ChangelogEntry `json:"changelog"`
}

// Event bus envelope.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"` // utterance, record.updated
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}
