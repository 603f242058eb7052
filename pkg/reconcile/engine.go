// Package reconcile merges proposed field updates from the extraction adapter
// into a patient record under defined per-field merge semantics, producing a
// changelog of what was applied, skipped, or flagged for clarification. A call
// never partially commits: it works on a copy and the caller persists the full
// returned snapshot or nothing.
package reconcile

import (
	"fmt"
	"strings"
	"time"

	"github.com/carelane-ai/intake/pkg/common/models"
	"github.com/google/uuid"
)

type Batch struct {
	Proposals  []models.ProposedUpdate
	Confidence models.Confidence
	Channel    string // chat, phone, email, visit
	// Fingerprint is computed from content when empty.
	Fingerprint string
}

type Engine struct {
	triage TriageRules
	now    func() time.Time
}

func NewEngine(triage TriageRules) *Engine {
	if len(triage.Severity) == 0 {
		triage = DefaultTriageRules()
	}
	return &Engine{triage: triage, now: time.Now}
}

// Apply reconciles one turn's proposal batch against the current snapshot.
// Proposals are applied in adapter emission order; structurally invalid ones
// are recorded as skipped and never abort the rest of the batch.
func (e *Engine) Apply(current models.PatientRecord, batch Batch) models.ReconcileResult {
	fingerprint := batch.Fingerprint
	if fingerprint == "" {
		fingerprint = Fingerprint(batch.Channel, batch.Proposals)
	}

	// A caller retry of the identical batch must not double-append effects.
	if len(batch.Proposals) > 0 && current.LastBatchFingerprint == fingerprint {
		entries := make([]models.ChangelogEntry, 0, len(batch.Proposals))
		for _, p := range batch.Proposals {
			entries = append(entries, skipped(p.Field, p.Kind, models.ReasonDuplicateBatch, "identical batch already applied"))
		}
		return models.ReconcileResult{Record: current, Changelog: entries, Fingerprint: fingerprint, Confidence: batch.Confidence}
	}

	next := cloneRecord(current)
	entries := make([]models.ChangelogEntry, 0, len(batch.Proposals))
	appointmentsTouched := false

	for _, p := range batch.Proposals {
		switch p.Kind {
		case models.UpdateScalar:
			entries = append(entries, applyScalar(&next, p, batch.Confidence))
		case models.UpdateCounter:
			entries = append(entries, applyCounter(&next, p))
		case models.UpdateListAppend:
			entries = append(entries, applyListAppend(&next, p))
		case models.UpdateListRemove:
			entries = append(entries, applyListRemove(&next, p))
		case models.UpdateAppointment:
			entry, touched := e.applyBooking(&next, p)
			entries = append(entries, entry)
			appointmentsTouched = appointmentsTouched || touched
		case models.UpdateAppointmentStatus:
			entry, touched := applyAppointmentStatus(&next, p)
			entries = append(entries, entry)
			appointmentsTouched = appointmentsTouched || touched
		case models.UpdateSymptomBatch:
			entries = append(entries, e.applySymptomBatch(&next, p, batch.Channel))
		case models.UpdateReportStatus:
			entries = append(entries, applyReportStatus(&next, p))
		default:
			entries = append(entries, skipped(p.Field, p.Kind, models.ReasonInvalidSchema, "unknown proposal kind"))
		}
	}

	if appointmentsTouched {
		recomputeNextAppointment(&next, e.now())
	}
	next.LastBatchFingerprint = fingerprint
	next.UpdatedAt = e.now().UTC()

	return models.ReconcileResult{Record: next, Changelog: entries, Fingerprint: fingerprint, Confidence: batch.Confidence}
}

var sensitiveFields = map[string]bool{
	"insuranceProvider": true,
	"insuranceMemberId": true,
	"policyHolder":      true,
	"paymentOption":     true,
}

func scalarField(r *models.PatientRecord, field string) *string {
	switch field {
	case "firstName":
		return &r.FirstName
	case "lastName":
		return &r.LastName
	case "dateOfBirth":
		return &r.DateOfBirth
	case "gender":
		return &r.Gender
	case "phoneNumber":
		return &r.PhoneNumber
	case "email":
		return &r.Email
	case "address":
		return &r.Address
	case "insuranceProvider":
		return &r.InsuranceProvider
	case "insuranceMemberId":
		return &r.InsuranceMemberID
	case "policyHolder":
		return &r.PolicyHolder
	case "paymentOption":
		return &r.PaymentOption
	case "familyHistory":
		return &r.FamilyHistory
	case "medicalHistory":
		return &r.MedicalHistory
	}
	return nil
}

// applyScalar is last-write-wins, with two guards: empty values are no
// updates (never an intent to clear), and sensitive insurance/payment fields
// are off-limits to a name-matched-only resolution.
func applyScalar(r *models.PatientRecord, p models.ProposedUpdate, confidence models.Confidence) models.ChangelogEntry {
	switch p.Field {
	case "id":
		return skipped(p.Field, p.Kind, models.ReasonImmutableField, "record id is assigned once")
	case "nextAppointment":
		return skipped(p.Field, p.Kind, models.ReasonDerivedField, "recomputed from appointments")
	}

	value := strings.TrimSpace(p.Value)
	if value == "" {
		return skipped(p.Field, p.Kind, models.ReasonEmptyValue, "empty value is not an update")
	}
	if sensitiveFields[p.Field] && confidence == models.ConfidenceNameMatched {
		return needsClarification(p.Field, p.Kind, models.ReasonLowConfidence,
			"insurance and payment fields require an exact or phone-matched identity")
	}

	target := scalarField(r, p.Field)
	if target == nil {
		return skipped(p.Field, p.Kind, models.ReasonUnknownField, "")
	}
	*target = value
	return applied(p.Field, p.Kind, value)
}

func applyCounter(r *models.PatientRecord, p models.ProposedUpdate) models.ChangelogEntry {
	var target *int
	switch p.Field {
	case "phoneCalls":
		target = &r.PhoneCalls
	case "emails":
		target = &r.Emails
	default:
		return skipped(p.Field, p.Kind, models.ReasonUnknownField, "")
	}

	delta := p.Delta
	if delta < 0 {
		return skipped(p.Field, p.Kind, models.ReasonInvalidSchema, "counters never decrement")
	}
	if delta == 0 {
		delta = 1
	}
	*target += delta
	return applied(p.Field, p.Kind, fmt.Sprintf("+%d", delta))
}

func listField(r *models.PatientRecord, field string) *[]string {
	switch field {
	case "allergies":
		return &r.Allergies
	case "medications":
		return &r.Medications
	case "conditions":
		return &r.Conditions
	case "consentForms":
		return &r.ConsentForms
	}
	return nil
}

// applyListAppend unions new entries into an append-only set, keeping the
// first-seen casing and never removing anything implicitly.
func applyListAppend(r *models.PatientRecord, p models.ProposedUpdate) models.ChangelogEntry {
	target := listField(r, p.Field)
	if target == nil {
		return skipped(p.Field, p.Kind, models.ReasonUnknownField, "")
	}

	var added []string
	sawValue := false
	for _, raw := range p.Values {
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		sawValue = true
		if containsFold(*target, value) || containsFold(added, value) {
			continue
		}
		added = append(added, value)
	}

	if !sawValue {
		return skipped(p.Field, p.Kind, models.ReasonEmptyValue, "no entries proposed")
	}
	if len(added) == 0 {
		return skipped(p.Field, p.Kind, models.ReasonDuplicateEntry, "all entries already present")
	}
	*target = append(*target, added...)
	return applied(p.Field, p.Kind, strings.Join(added, ", "))
}

// applyListRemove handles explicit removal requests only.
func applyListRemove(r *models.PatientRecord, p models.ProposedUpdate) models.ChangelogEntry {
	target := listField(r, p.Field)
	if target == nil {
		return skipped(p.Field, p.Kind, models.ReasonUnknownField, "")
	}

	var kept []string
	var removed []string
	for _, existing := range *target {
		if containsFold(p.Values, strings.TrimSpace(existing)) {
			removed = append(removed, existing)
			continue
		}
		kept = append(kept, existing)
	}
	if len(removed) == 0 {
		return skipped(p.Field, p.Kind, models.ReasonEntryNotFound, "")
	}
	*target = kept
	return applied(p.Field, p.Kind, strings.Join(removed, ", "))
}

// applyBooking appends a new booked appointment. Bookings are additive, not
// exclusive; only a content-identical booking already on file collapses.
func (e *Engine) applyBooking(r *models.PatientRecord, p models.ProposedUpdate) (models.ChangelogEntry, bool) {
	proposal := p.Appointment
	if proposal == nil {
		return skipped("appointments", p.Kind, models.ReasonInvalidSchema, "missing appointment payload"), false
	}
	if proposal.Status != "" && proposal.Status != models.AppointmentBooked {
		return skipped("appointments", p.Kind, models.ReasonInvalidSchema,
			fmt.Sprintf("booking cannot carry status %q", proposal.Status)), false
	}
	when := strings.TrimSpace(proposal.When)
	if when == "" {
		return skipped("appointments", p.Kind, models.ReasonInvalidSchema, "appointment requires a time"), false
	}
	doctor := strings.TrimSpace(proposal.Doctor)

	for _, existing := range r.Appointments {
		if existing.Status == models.AppointmentBooked &&
			strings.EqualFold(existing.When, when) &&
			strings.EqualFold(existing.Doctor, doctor) {
			return skipped("appointments", p.Kind, models.ReasonDuplicateEntry, "identical booking already on file"), false
		}
	}

	r.Appointments = append(r.Appointments, models.Appointment{
		When:     when,
		Doctor:   doctor,
		Status:   models.AppointmentBooked,
		BookedAt: e.now().UTC(),
	})
	detail := when
	if doctor != "" {
		detail = when + " with " + doctor
	}
	return applied("appointments", p.Kind, detail), true
}

// applyAppointmentStatus mutates the matching existing entry, never appends.
// An empty when targets the most recent booked appointment, which is how a
// caller cancels "my appointment" without restating the time.
func applyAppointmentStatus(r *models.PatientRecord, p models.ProposedUpdate) (models.ChangelogEntry, bool) {
	proposal := p.Appointment
	if proposal == nil {
		return skipped("appointments", p.Kind, models.ReasonInvalidSchema, "missing appointment payload"), false
	}
	if proposal.Status != models.AppointmentCompleted && proposal.Status != models.AppointmentCanceled {
		return skipped("appointments", p.Kind, models.ReasonInvalidSchema,
			fmt.Sprintf("status change must be completed or canceled, got %q", proposal.Status)), false
	}

	when := strings.TrimSpace(proposal.When)
	doctor := strings.TrimSpace(proposal.Doctor)
	index := -1
	for i := len(r.Appointments) - 1; i >= 0; i-- {
		appt := r.Appointments[i]
		if when == "" {
			if appt.Status == models.AppointmentBooked && (doctor == "" || strings.EqualFold(appt.Doctor, doctor)) {
				index = i
				break
			}
			continue
		}
		if strings.EqualFold(appt.When, when) && (doctor == "" || strings.EqualFold(appt.Doctor, doctor)) {
			index = i
			break
		}
	}
	if index < 0 {
		return skipped("appointments", p.Kind, models.ReasonNoMatchingEntry, ""), false
	}
	if r.Appointments[index].Status == proposal.Status {
		return skipped("appointments", p.Kind, models.ReasonDuplicateEntry, "already in that status"), false
	}

	r.Appointments[index].Status = proposal.Status
	return applied("appointments", p.Kind, fmt.Sprintf("%s marked %s", r.Appointments[index].When, proposal.Status)), true
}

// applySymptomBatch always appends a new immutable report; reports are never
// merged into an existing one.
func (e *Engine) applySymptomBatch(r *models.PatientRecord, p models.ProposedUpdate, channel string) models.ChangelogEntry {
	proposal := p.SymptomBatch
	if err := validateSymptomBatch(proposal); err != nil {
		return skipped("symptomReports", p.Kind, models.ReasonInvalidSchema, err.Error())
	}

	reportedBy := proposal.ReportedBy
	if reportedBy == "" {
		reportedBy = "patient"
	}
	source := proposal.Source
	if source == "" {
		if reportSources[channel] {
			source = channel
		} else {
			source = "chat"
		}
	}

	analysis := proposal.AIAnalysis
	if analysis == nil {
		analysis = &models.AIAnalysis{
			Urgency:    e.triage.UrgencyFor(proposal.Symptoms),
			Confidence: e.triage.DefaultConfidence,
		}
	} else if analysis.Urgency == "" {
		copied := *analysis
		copied.Urgency = e.triage.UrgencyFor(proposal.Symptoms)
		analysis = &copied
	}

	report := models.SymptomReport{
		ID:         uuid.New().String(),
		Timestamp:  e.now().UTC(),
		ReportedBy: reportedBy,
		Source:     source,
		Symptoms:   proposal.Symptoms,
		AIAnalysis: analysis,
		Status:     models.ReportNew,
	}
	r.SymptomReports = append(r.SymptomReports, report)
	return applied("symptomReports", p.Kind, report.ID)
}

func applyReportStatus(r *models.PatientRecord, p models.ProposedUpdate) models.ChangelogEntry {
	proposal := p.ReportStatus
	if proposal == nil {
		return skipped("symptomReports", p.Kind, models.ReasonInvalidSchema, "missing report status payload")
	}
	if !validReportStatus(proposal.Status) {
		return skipped("symptomReports", p.Kind, models.ReasonInvalidSchema,
			fmt.Sprintf("invalid report status %q", proposal.Status))
	}

	for i := range r.SymptomReports {
		if r.SymptomReports[i].ID != proposal.ReportID {
			continue
		}
		from := r.SymptomReports[i].Status
		if !validTransition(from, proposal.Status) {
			return skipped("symptomReports", p.Kind, models.ReasonInvalidTransition,
				fmt.Sprintf("cannot move report from %s to %s", from, proposal.Status))
		}
		r.SymptomReports[i].Status = proposal.Status
		return applied("symptomReports", p.Kind, fmt.Sprintf("report %s now %s", proposal.ReportID, proposal.Status))
	}
	return skipped("symptomReports", p.Kind, models.ReasonUnknownReport, proposal.ReportID)
}

// recomputeNextAppointment projects the derived pointer from the appointments
// sequence: the latest booked entry whose time has not passed, else null.
// Conversational times ("tomorrow at 3") are unparseable and treated as not
// yet passed.
func recomputeNextAppointment(r *models.PatientRecord, now time.Time) {
	r.NextAppointment = nil
	for i := len(r.Appointments) - 1; i >= 0; i-- {
		appt := r.Appointments[i]
		if appt.Status != models.AppointmentBooked {
			continue
		}
		if timePassed(appt.When, now) {
			continue
		}
		when := appt.When
		r.NextAppointment = &when
		return
	}
}

var whenLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04",
	"2006-01-02",
}

func timePassed(when string, now time.Time) bool {
	trimmed := strings.TrimSpace(when)
	for _, layout := range whenLayouts {
		if parsed, err := time.Parse(layout, trimmed); err == nil {
			if layout == "2006-01-02" {
				// Date-only bookings stay current through the whole day.
				return parsed.AddDate(0, 0, 1).Before(now)
			}
			return parsed.Before(now)
		}
	}
	return false
}
