package reconcile

import (
	"strings"
	"testing"
	"time"

	"github.com/carelane-ai/intake/pkg/common/models"
)

func testEngine(now time.Time) *Engine {
	e := NewEngine(DefaultTriageRules())
	e.now = func() time.Time { return now }
	return e
}

func findEntry(t *testing.T, entries []models.ChangelogEntry, field string) models.ChangelogEntry {
	t.Helper()
	for _, entry := range entries {
		if entry.Field == field {
			return entry
		}
	}
	t.Fatalf("no changelog entry for field %q in %v", field, entries)
	return models.ChangelogEntry{}
}

func TestScalarOnEmptyRecord(t *testing.T) {
	engine := testEngine(time.Now())
	record := models.PatientRecord{ID: "p1", Conditions: []string{}, Appointments: []models.Appointment{}}

	result := engine.Apply(record, Batch{
		Proposals:  []models.ProposedUpdate{{Kind: models.UpdateScalar, Field: "firstName", Value: "John"}},
		Confidence: models.ConfidenceNewlyCreated,
	})

	if result.Record.FirstName != "John" {
		t.Fatalf("expected firstName John, got %q", result.Record.FirstName)
	}
	if result.Record.LastName != "" {
		t.Fatalf("expected empty lastName, got %q", result.Record.LastName)
	}
	if result.Record.NextAppointment != nil {
		t.Fatal("expected nil nextAppointment")
	}
	if len(result.Record.Conditions) != 0 || len(result.Record.Appointments) != 0 {
		t.Fatal("expected empty conditions and appointments")
	}
	entry := findEntry(t, result.Changelog, "firstName")
	if entry.Outcome != models.OutcomeApplied {
		t.Fatalf("expected applied, got %s", entry.Outcome)
	}
}

func TestEmptyScalarIsNoUpdate(t *testing.T) {
	engine := testEngine(time.Now())
	record := models.PatientRecord{ID: "p1", Email: "old@example.com"}

	result := engine.Apply(record, Batch{
		Proposals:  []models.ProposedUpdate{{Kind: models.UpdateScalar, Field: "email", Value: "   "}},
		Confidence: models.ConfidenceExact,
	})

	if result.Record.Email != "old@example.com" {
		t.Fatalf("empty value must never clear a field, got %q", result.Record.Email)
	}
	entry := findEntry(t, result.Changelog, "email")
	if entry.Outcome != models.OutcomeSkipped || entry.Reason != models.ReasonEmptyValue {
		t.Fatalf("expected skipped/empty_value, got %s/%s", entry.Outcome, entry.Reason)
	}
}

func TestAllergyUnionKeepsFirstSeenCasing(t *testing.T) {
	engine := testEngine(time.Now())
	record := models.PatientRecord{ID: "p1", Allergies: []string{"Penicillin"}}

	result := engine.Apply(record, Batch{
		Proposals: []models.ProposedUpdate{{
			Kind:   models.UpdateListAppend,
			Field:  "allergies",
			Values: []string{"penicillin", "Pollen"},
		}},
		Confidence: models.ConfidenceExact,
	})

	got := result.Record.Allergies
	if len(got) != 2 || got[0] != "Penicillin" || got[1] != "Pollen" {
		t.Fatalf("expected [Penicillin Pollen], got %v", got)
	}
}

func TestInsuranceBlockedOnNameMatch(t *testing.T) {
	engine := testEngine(time.Now())
	record := models.PatientRecord{ID: "p1", FirstName: "John"}

	result := engine.Apply(record, Batch{
		Proposals:  []models.ProposedUpdate{{Kind: models.UpdateScalar, Field: "insuranceProvider", Value: "Aetna"}},
		Confidence: models.ConfidenceNameMatched,
	})

	if result.Record.InsuranceProvider != "" {
		t.Fatalf("insurance must not change on a name-matched resolution, got %q", result.Record.InsuranceProvider)
	}
	entry := findEntry(t, result.Changelog, "insuranceProvider")
	if entry.Outcome != models.OutcomeNeedsClarification {
		t.Fatalf("expected needs_clarification, got %s", entry.Outcome)
	}
}

func TestInsuranceAllowedOnExactMatch(t *testing.T) {
	engine := testEngine(time.Now())
	record := models.PatientRecord{ID: "p1"}

	result := engine.Apply(record, Batch{
		Proposals:  []models.ProposedUpdate{{Kind: models.UpdateScalar, Field: "insuranceProvider", Value: "Aetna"}},
		Confidence: models.ConfidenceExact,
	})

	if result.Record.InsuranceProvider != "Aetna" {
		t.Fatalf("expected Aetna, got %q", result.Record.InsuranceProvider)
	}
}

func TestBookingRecomputesNextAppointment(t *testing.T) {
	engine := testEngine(time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC))
	record := models.PatientRecord{ID: "p1"}

	result := engine.Apply(record, Batch{
		Proposals: []models.ProposedUpdate{{
			Kind:        models.UpdateAppointment,
			Appointment: &models.AppointmentProposal{When: "2024-05-01", Doctor: "Dr. Lee", Status: models.AppointmentBooked},
		}},
		Confidence: models.ConfidenceExact,
	})

	if len(result.Record.Appointments) != 1 {
		t.Fatalf("expected one appointment, got %d", len(result.Record.Appointments))
	}
	if result.Record.NextAppointment == nil || *result.Record.NextAppointment != "2024-05-01" {
		t.Fatalf("expected nextAppointment 2024-05-01, got %v", result.Record.NextAppointment)
	}
}

func TestTwoBookingsInOneBatchBothAppend(t *testing.T) {
	engine := testEngine(time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC))
	record := models.PatientRecord{ID: "p1"}

	result := engine.Apply(record, Batch{
		Proposals: []models.ProposedUpdate{
			{Kind: models.UpdateAppointment, Appointment: &models.AppointmentProposal{When: "2024-05-01"}},
			{Kind: models.UpdateAppointment, Appointment: &models.AppointmentProposal{When: "2024-05-02"}},
		},
		Confidence: models.ConfidenceExact,
	})

	if len(result.Record.Appointments) != 2 {
		t.Fatalf("appointments are additive, expected 2, got %d", len(result.Record.Appointments))
	}
	if result.Record.NextAppointment == nil || *result.Record.NextAppointment != "2024-05-02" {
		t.Fatalf("expected latest booked as next, got %v", result.Record.NextAppointment)
	}
}

func TestCancelTargetsLatestBooked(t *testing.T) {
	engine := testEngine(time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC))
	record := models.PatientRecord{ID: "p1", Appointments: []models.Appointment{
		{When: "2024-05-01", Status: models.AppointmentBooked},
		{When: "2024-05-02", Status: models.AppointmentBooked},
	}}

	result := engine.Apply(record, Batch{
		Proposals: []models.ProposedUpdate{{
			Kind:        models.UpdateAppointmentStatus,
			Appointment: &models.AppointmentProposal{Status: models.AppointmentCanceled},
		}},
		Confidence: models.ConfidenceExact,
	})

	appts := result.Record.Appointments
	if appts[1].Status != models.AppointmentCanceled {
		t.Fatalf("expected latest booked canceled, got %s", appts[1].Status)
	}
	if appts[0].Status != models.AppointmentBooked {
		t.Fatalf("earlier appointment must be untouched, got %s", appts[0].Status)
	}
	if result.Record.NextAppointment == nil || *result.Record.NextAppointment != "2024-05-01" {
		t.Fatalf("next should fall back to remaining booked entry, got %v", result.Record.NextAppointment)
	}
}

func TestStatusChangeNeverAppends(t *testing.T) {
	engine := testEngine(time.Now())
	record := models.PatientRecord{ID: "p1", Appointments: []models.Appointment{
		{When: "2999-01-01", Doctor: "Dr. Lee", Status: models.AppointmentBooked},
	}}

	result := engine.Apply(record, Batch{
		Proposals: []models.ProposedUpdate{{
			Kind:        models.UpdateAppointmentStatus,
			Appointment: &models.AppointmentProposal{When: "2999-01-01", Doctor: "Dr. Lee", Status: models.AppointmentCompleted},
		}},
		Confidence: models.ConfidenceExact,
	})

	if len(result.Record.Appointments) != 1 {
		t.Fatalf("status change must mutate, not append, got %d entries", len(result.Record.Appointments))
	}
	if result.Record.Appointments[0].Status != models.AppointmentCompleted {
		t.Fatalf("expected completed, got %s", result.Record.Appointments[0].Status)
	}
}

func TestCountersMonotonic(t *testing.T) {
	engine := testEngine(time.Now())
	record := models.PatientRecord{ID: "p1", PhoneCalls: 2}

	for i := 0; i < 3; i++ {
		result := engine.Apply(record, Batch{
			Proposals:   []models.ProposedUpdate{{Kind: models.UpdateCounter, Field: "phoneCalls", Delta: 2}},
			Confidence:  models.ConfidenceExact,
			Fingerprint: strings.Repeat("f", i+1), // distinct turns, not retries
		})
		record = result.Record
	}
	if record.PhoneCalls != 8 {
		t.Fatalf("expected 2+3*2=8 phone calls, got %d", record.PhoneCalls)
	}

	result := engine.Apply(record, Batch{
		Proposals:  []models.ProposedUpdate{{Kind: models.UpdateCounter, Field: "phoneCalls", Delta: -1}},
		Confidence: models.ConfidenceExact,
	})
	if result.Record.PhoneCalls != 8 {
		t.Fatalf("counters never decrement, got %d", result.Record.PhoneCalls)
	}
	entry := findEntry(t, result.Changelog, "phoneCalls")
	if entry.Reason != models.ReasonInvalidSchema {
		t.Fatalf("expected invalid_schema, got %s", entry.Reason)
	}
}

func TestRetriedBatchDoesNotDoubleAppend(t *testing.T) {
	engine := testEngine(time.Now())
	record := models.PatientRecord{ID: "p1"}
	batch := Batch{
		Proposals: []models.ProposedUpdate{
			{Kind: models.UpdateListAppend, Field: "allergies", Values: []string{"Pollen"}},
			{Kind: models.UpdateAppointment, Appointment: &models.AppointmentProposal{When: "2999-01-01"}},
			{Kind: models.UpdateCounter, Field: "phoneCalls"},
		},
		Confidence: models.ConfidenceExact,
		Channel:    "phone",
	}

	first := engine.Apply(record, batch)
	second := engine.Apply(first.Record, batch)

	if len(second.Record.Allergies) != 1 {
		t.Fatalf("retry duplicated allergy: %v", second.Record.Allergies)
	}
	if len(second.Record.Appointments) != 1 {
		t.Fatalf("retry duplicated appointment: %v", second.Record.Appointments)
	}
	if second.Record.PhoneCalls != 1 {
		t.Fatalf("retry double-counted calls: %d", second.Record.PhoneCalls)
	}
	for _, entry := range second.Changelog {
		if entry.Reason != models.ReasonDuplicateBatch {
			t.Fatalf("expected duplicate_batch for all entries, got %s", entry.Reason)
		}
	}
}

func TestSymptomBatchAppendsImmutableReport(t *testing.T) {
	engine := testEngine(time.Now())
	record := models.PatientRecord{ID: "p1"}

	result := engine.Apply(record, Batch{
		Proposals: []models.ProposedUpdate{{
			Kind: models.UpdateSymptomBatch,
			SymptomBatch: &models.SymptomBatchProposal{
				Symptoms: []models.Symptom{{Description: "crushing chest pain", Severity: models.SeverityCritical}},
			},
		}},
		Confidence: models.ConfidenceExact,
		Channel:    "phone",
	})

	reports := result.Record.SymptomReports
	if len(reports) != 1 {
		t.Fatalf("expected one report, got %d", len(reports))
	}
	report := reports[0]
	if report.Status != models.ReportNew {
		t.Fatalf("new reports start in status new, got %s", report.Status)
	}
	if report.ReportedBy != "patient" || report.Source != "phone" {
		t.Fatalf("unexpected provenance %s/%s", report.ReportedBy, report.Source)
	}
	if report.AIAnalysis == nil || report.AIAnalysis.Urgency != models.UrgencyUrgent {
		t.Fatalf("critical severity should triage to urgent, got %+v", report.AIAnalysis)
	}
}

func TestSymptomBatchValidation(t *testing.T) {
	engine := testEngine(time.Now())
	record := models.PatientRecord{ID: "p1"}

	cases := []struct {
		name     string
		proposal *models.SymptomBatchProposal
	}{
		{"zero symptoms", &models.SymptomBatchProposal{}},
		{"missing description", &models.SymptomBatchProposal{Symptoms: []models.Symptom{{Severity: models.SeverityMild}}}},
		{"bad severity", &models.SymptomBatchProposal{Symptoms: []models.Symptom{{Description: "cough", Severity: "terrible"}}}},
		{"bad urgency", &models.SymptomBatchProposal{
			Symptoms:   []models.Symptom{{Description: "cough", Severity: models.SeverityMild}},
			AIAnalysis: &models.AIAnalysis{Urgency: "panic"},
		}},
		{"confidence out of range", &models.SymptomBatchProposal{
			Symptoms:   []models.Symptom{{Description: "cough", Severity: models.SeverityMild}},
			AIAnalysis: &models.AIAnalysis{Urgency: models.UrgencyLow, Confidence: 150},
		}},
	}

	for _, tc := range cases {
		result := engine.Apply(record, Batch{
			Proposals:  []models.ProposedUpdate{{Kind: models.UpdateSymptomBatch, SymptomBatch: tc.proposal}},
			Confidence: models.ConfidenceExact,
		})
		if len(result.Record.SymptomReports) != 0 {
			t.Fatalf("%s: invalid batch must not append", tc.name)
		}
		entry := findEntry(t, result.Changelog, "symptomReports")
		if entry.Outcome != models.OutcomeSkipped || entry.Reason != models.ReasonInvalidSchema {
			t.Fatalf("%s: expected skipped/invalid_schema, got %s/%s", tc.name, entry.Outcome, entry.Reason)
		}
	}
}

func TestInvalidProposalDoesNotAbortBatch(t *testing.T) {
	engine := testEngine(time.Now())
	record := models.PatientRecord{ID: "p1"}

	result := engine.Apply(record, Batch{
		Proposals: []models.ProposedUpdate{
			{Kind: models.UpdateSymptomBatch, SymptomBatch: &models.SymptomBatchProposal{}},
			{Kind: models.UpdateScalar, Field: "firstName", Value: "Ada"},
		},
		Confidence: models.ConfidenceExact,
	})

	if result.Record.FirstName != "Ada" {
		t.Fatal("valid proposal after an invalid one must still apply")
	}
}

func TestReportStatusRegressionSkipped(t *testing.T) {
	engine := testEngine(time.Now())
	record := models.PatientRecord{ID: "p1", SymptomReports: []models.SymptomReport{
		{ID: "r1", Status: models.ReportResolved},
	}}

	result := engine.Apply(record, Batch{
		Proposals: []models.ProposedUpdate{{
			Kind:         models.UpdateReportStatus,
			ReportStatus: &models.ReportStatusProposal{ReportID: "r1", Status: models.ReportNew},
		}},
		Confidence: models.ConfidenceExact,
	})

	if result.Record.SymptomReports[0].Status != models.ReportResolved {
		t.Fatalf("status regressed to %s", result.Record.SymptomReports[0].Status)
	}
	entry := findEntry(t, result.Changelog, "symptomReports")
	if entry.Reason != models.ReasonInvalidTransition {
		t.Fatalf("expected invalid_transition, got %s", entry.Reason)
	}
}

func TestReportStatusMachine(t *testing.T) {
	cases := []struct {
		from, to models.ReportStatus
		ok       bool
	}{
		{models.ReportNew, models.ReportReviewed, true},
		{models.ReportNew, models.ReportResolved, true},
		{models.ReportNew, models.ReportAddressed, true},
		{models.ReportReviewed, models.ReportInProgress, true},
		{models.ReportInProgress, models.ReportResolved, true},
		{models.ReportInProgress, models.ReportAddressed, true},
		{models.ReportReviewed, models.ReportNew, false},
		{models.ReportResolved, models.ReportInProgress, false},
		{models.ReportAddressed, models.ReportResolved, false},
		{models.ReportNew, models.ReportNew, false},
	}
	for _, tc := range cases {
		if got := validTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("transition %s to %s: expected %v, got %v", tc.from, tc.to, tc.ok, got)
		}
	}
}

func TestDerivedAndImmutableFieldsSkipped(t *testing.T) {
	engine := testEngine(time.Now())
	record := models.PatientRecord{ID: "p1"}

	result := engine.Apply(record, Batch{
		Proposals: []models.ProposedUpdate{
			{Kind: models.UpdateScalar, Field: "id", Value: "p2"},
			{Kind: models.UpdateScalar, Field: "nextAppointment", Value: "2999-01-01"},
		},
		Confidence: models.ConfidenceExact,
	})

	if result.Record.ID != "p1" || result.Record.NextAppointment != nil {
		t.Fatal("id and nextAppointment must not be writable")
	}
	if findEntry(t, result.Changelog, "id").Reason != models.ReasonImmutableField {
		t.Fatal("expected immutable_field reason for id")
	}
	if findEntry(t, result.Changelog, "nextAppointment").Reason != models.ReasonDerivedField {
		t.Fatal("expected derived_field reason for nextAppointment")
	}
}

func TestPastAppointmentNotNext(t *testing.T) {
	engine := testEngine(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	record := models.PatientRecord{ID: "p1", Appointments: []models.Appointment{
		{When: "2024-05-01", Status: models.AppointmentBooked},
	}}

	// Any appointment mutation triggers the recompute.
	result := engine.Apply(record, Batch{
		Proposals: []models.ProposedUpdate{{
			Kind:        models.UpdateAppointment,
			Appointment: &models.AppointmentProposal{When: "2024-04-01"},
		}},
		Confidence: models.ConfidenceExact,
	})

	if result.Record.NextAppointment != nil {
		t.Fatalf("all booked times passed, expected nil next, got %v", *result.Record.NextAppointment)
	}
}

func TestConversationalTimesNeverExpire(t *testing.T) {
	if timePassed("tomorrow at 3pm", time.Now()) {
		t.Fatal("unparseable times must be treated as not yet passed")
	}
	if !timePassed("2020-01-02T15:04:05Z", time.Now()) {
		t.Fatal("expected RFC3339 past time to be passed")
	}
}

func TestFingerprintStableAndOrderSensitive(t *testing.T) {
	a := []models.ProposedUpdate{
		{Kind: models.UpdateScalar, Field: "firstName", Value: "John"},
		{Kind: models.UpdateListAppend, Field: "allergies", Values: []string{"Pollen"}},
	}
	b := []models.ProposedUpdate{a[1], a[0]}

	if Fingerprint("chat", a) != Fingerprint("chat", a) {
		t.Fatal("fingerprint must be deterministic")
	}
	if Fingerprint("chat", a) == Fingerprint("chat", b) {
		t.Fatal("fingerprint must reflect proposal order")
	}
	if Fingerprint("chat", a) == Fingerprint("phone", a) {
		t.Fatal("fingerprint must reflect the channel")
	}
}

func TestTriageRules(t *testing.T) {
	rules := DefaultTriageRules()
	symptoms := []models.Symptom{
		{Description: "cough", Severity: models.SeverityMild},
		{Description: "fever", Severity: models.SeveritySevere},
	}
	if got := rules.UrgencyFor(symptoms); got != models.UrgencyHigh {
		t.Fatalf("worst severity wins, expected high, got %s", got)
	}
}

func TestCancelByDoctorTargetsThatDoctorsBooking(t *testing.T) {
	engine := testEngine(time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC))
	record := models.PatientRecord{ID: "p1", Appointments: []models.Appointment{
		{When: "2024-05-01", Doctor: "Dr. Lee", Status: models.AppointmentBooked},
		{When: "2024-05-02", Doctor: "Dr. Patel", Status: models.AppointmentBooked},
	}}

	result := engine.Apply(record, Batch{
		Proposals: []models.ProposedUpdate{{
			Kind:        models.UpdateAppointmentStatus,
			Appointment: &models.AppointmentProposal{Doctor: "dr. lee", Status: models.AppointmentCanceled},
		}},
		Confidence: models.ConfidenceExact,
	})

	appts := result.Record.Appointments
	if appts[0].Status != models.AppointmentCanceled {
		t.Fatalf("expected Dr. Lee's booking canceled, got %s", appts[0].Status)
	}
	if appts[1].Status != models.AppointmentBooked {
		t.Fatalf("Dr. Patel's booking must be untouched, got %s", appts[1].Status)
	}
}
