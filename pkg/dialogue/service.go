// Package dialogue orchestrates one conversational turn: classify the
// utterance, resolve the caller to a record, build a proposal batch, run the
// reconciliation engine under the record's single-writer lease, persist, and
// reply. Extraction happens strictly before the locked critical section.
package dialogue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/carelane-ai/intake/pkg/common/kafka"
	"github.com/carelane-ai/intake/pkg/common/logger"
	"github.com/carelane-ai/intake/pkg/common/models"
	"github.com/carelane-ai/intake/pkg/extraction"
	"github.com/carelane-ai/intake/pkg/reconcile"
	"github.com/carelane-ai/intake/pkg/resolver"
	"github.com/carelane-ai/intake/pkg/store"
	"github.com/carelane-ai/intake/pkg/terminology"
	"github.com/google/uuid"
)

type Service struct {
	adapter  extraction.Adapter
	resolver *resolver.Resolver
	engine   *reconcile.Engine
	records  store.RecordStore
	locker   store.RecordLocker
	sessions SessionStore
	catalog  terminology.Catalog

	// Optional collaborators; nil disables them.
	producer *kafka.Producer
	audit    store.ChangelogStore
}

func NewService(
	adapter extraction.Adapter,
	res *resolver.Resolver,
	engine *reconcile.Engine,
	records store.RecordStore,
	locker store.RecordLocker,
	sessions SessionStore,
	catalog terminology.Catalog,
	producer *kafka.Producer,
	audit store.ChangelogStore,
) *Service {
	return &Service{
		adapter:  adapter,
		resolver: res,
		engine:   engine,
		records:  records,
		locker:   locker,
		sessions: sessions,
		catalog:  catalog,
		producer: producer,
		audit:    audit,
	}
}

// HandleTurn processes one turn. Turns that neither carry identity cues nor
// produce proposals are answered without touching the store, so small talk
// never spawns patient records.
func (s *Service) HandleTurn(ctx context.Context, req models.TurnRequest) (models.TurnResponse, error) {
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	session, found, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		logger.Log.WithError(err).Warn("session lookup failed, starting fresh")
	}
	if !found {
		session = Session{ID: sessionID, PendingMode: ModeNone}
	}

	var class extraction.Classification
	if len(req.Proposals) > 0 {
		// Pre-extracted batch: the adapter's work already happened upstream.
		class = extraction.Classification{Intent: ""}
	} else {
		class, err = s.adapter.Extract(ctx, req.Utterance, extraction.ConversationContext{
			PatientKnown: session.RecordID != "",
			PatientName:  session.PatientName,
			PendingMode:  session.PendingMode,
			LastReply:    session.LastReply,
		})
		if err != nil {
			class = extraction.Fallback()
		}
	}

	cues := s.identityCues(req, class, session)
	plan := s.planTurn(req, class, &session, cues)

	response := models.TurnResponse{
		SessionID:  sessionID,
		Intent:     class.Intent,
		Reply:      plan.reply,
		RecordID:   session.RecordID,
		Confidence: session.Confidence,
		Changelog:  []models.ChangelogEntry{},
	}

	if len(plan.proposals) > 0 || plan.mustResolve {
		result, resolution, err := s.reconcileTurn(ctx, cues, plan, req.Channel)
		if err != nil {
			return models.TurnResponse{}, err
		}
		session.RecordID = resolution.RecordID
		session.Confidence = resolution.Confidence
		if session.PatientName == "" {
			session.PatientName = result.Record.FirstName
		}
		response.RecordID = resolution.RecordID
		response.Confidence = resolution.Confidence
		response.Changelog = result.Changelog
		if plan.replyAfter != nil {
			response.Reply = plan.replyAfter(result.Record)
		}
	}

	session.LastReply = response.Reply
	if err := s.sessions.Save(ctx, session); err != nil {
		logger.Log.WithError(err).Warn("failed to save session")
	}
	return response, nil
}

// reconcileTurn runs resolve, lock, merge, persist. The lease is held only
// around the snapshot read, merge and write.
func (s *Service) reconcileTurn(ctx context.Context, cues models.IdentityCues, plan turnPlan, channel string) (models.ReconcileResult, models.Resolution, error) {
	resolution, record, err := s.resolver.Resolve(ctx, cues)
	if err != nil {
		return models.ReconcileResult{}, models.Resolution{}, err
	}

	release, err := s.locker.Acquire(ctx, resolution.RecordID)
	if err != nil {
		return models.ReconcileResult{}, models.Resolution{}, err
	}
	defer release()

	// Re-read under the lease so the merge starts from the committed state.
	current, err := s.records.Get(ctx, resolution.RecordID)
	if err == store.ErrNotFound {
		current = record
	} else if err != nil {
		return models.ReconcileResult{}, models.Resolution{}, err
	}

	proposals := plan.proposals
	if channelCounter(channel) != "" {
		proposals = append(proposals, models.ProposedUpdate{
			Kind:  models.UpdateCounter,
			Field: channelCounter(channel),
			Delta: 1,
		})
	}

	result := s.engine.Apply(current, reconcile.Batch{
		Proposals:  proposals,
		Confidence: resolution.Confidence,
		Channel:    channel,
	})

	if err := s.records.Put(ctx, resolution.RecordID, result.Record); err != nil {
		return models.ReconcileResult{}, models.Resolution{}, err
	}

	if s.audit != nil {
		if err := s.audit.AppendChangelog(ctx, models.ChangelogRecord{
			RecordID:    resolution.RecordID,
			Confidence:  resolution.Confidence,
			Fingerprint: result.Fingerprint,
			Entries:     result.Changelog,
			CreatedAt:   time.Now().UTC(),
		}); err != nil {
			logger.WithRecord(resolution.RecordID).WithError(err).Warn("failed to persist changelog")
		}
	}

	if s.producer != nil {
		event := map[string]interface{}{
			"record_id":  resolution.RecordID,
			"confidence": resolution.Confidence,
			"changelog":  result.Changelog,
		}
		if err := s.producer.PublishEvent(ctx, "record.updated", "intake-service", event); err != nil {
			logger.WithRecord(resolution.RecordID).WithError(err).Warn("failed to publish record update")
		}
	}

	return result, resolution, nil
}

func (s *Service) identityCues(req models.TurnRequest, class extraction.Classification, session Session) models.IdentityCues {
	cues := req.Identity
	if session.RecordID != "" {
		cues.DeclaredID = session.RecordID
	}
	if cues.DeclaredID == "" && class.Info.PatientID != "" {
		cues.DeclaredID = class.Info.PatientID
	}
	if cues.DeclaredName == "" && class.Info.PatientName != "" {
		cues.DeclaredName = class.Info.PatientName
	}
	return cues
}

func channelCounter(channel string) string {
	switch channel {
	case "phone":
		return "phoneCalls"
	case "email":
		return "emails"
	}
	return ""
}

type turnPlan struct {
	proposals   []models.ProposedUpdate
	reply       string
	mustResolve bool
	// replyAfter overrides reply once the reconciled record is available.
	replyAfter func(models.PatientRecord) string
}

// planTurn maps an intent plus session state to a proposal batch and a reply,
// mutating the session's pending booking state.
func (s *Service) planTurn(req models.TurnRequest, class extraction.Classification, session *Session, cues models.IdentityCues) turnPlan {
	if len(req.Proposals) > 0 {
		return turnPlan{proposals: req.Proposals, mustResolve: true}
	}

	info := class.Info
	identityKnown := session.RecordID != "" || cues.DeclaredID != "" || cues.DeclaredName != "" || cues.PhoneLine != ""

	switch class.Intent {
	case extraction.IntentGreeting:
		return turnPlan{reply: "Hey there! How can I help you today?"}

	case extraction.IntentIdentify:
		plan := s.planIdentify(info, session)
		return plan

	case extraction.IntentBookAppointment:
		return s.planBooking(info, session, identityKnown)

	case extraction.IntentCancelAppointment:
		if !identityKnown {
			return turnPlan{reply: "What name should I cancel the appointment under?"}
		}
		session.PendingMode = ModeNone
		return turnPlan{
			proposals: []models.ProposedUpdate{{
				Kind:        models.UpdateAppointmentStatus,
				Appointment: &models.AppointmentProposal{Status: models.AppointmentCanceled},
			}},
			reply: "All set, I canceled your appointment.",
		}

	case extraction.IntentCheckAppointment:
		if !identityKnown {
			return turnPlan{reply: "What name should I check appointments under?"}
		}
		return turnPlan{
			mustResolve: true,
			replyAfter: func(record models.PatientRecord) string {
				if record.NextAppointment != nil {
					return fmt.Sprintf("You've got one %s.", *record.NextAppointment)
				}
				return "No appointment on file."
			},
		}

	case extraction.IntentSymptoms:
		return s.planSymptoms(req, info, session, identityKnown)
	}

	return turnPlan{reply: "I can help you book appointments, check your schedule, or note how you're feeling. What would you like to do?"}
}

func (s *Service) planIdentify(info extraction.ExtractedInfo, session *Session) turnPlan {
	name := strings.TrimSpace(info.PatientName)
	if name == "" && info.PatientID == "" {
		return turnPlan{reply: "I didn't catch your name or ID. Could you tell me again?"}
	}

	var proposals []models.ProposedUpdate
	first, last := resolver.SplitName(name)
	if first != "" {
		proposals = append(proposals, models.ProposedUpdate{Kind: models.UpdateScalar, Field: "firstName", Value: first})
		if last != "" {
			proposals = append(proposals, models.ProposedUpdate{Kind: models.UpdateScalar, Field: "lastName", Value: last})
		}
		session.PatientName = first
	}

	plan := turnPlan{proposals: proposals, mustResolve: true}
	if session.PendingMode == ModeBooking {
		// Identity arrived mid-booking; continue collecting.
		if session.PendingWhen == "" {
			plan.reply = "Got it! What time would work best for you?"
			if first != "" {
				plan.reply = fmt.Sprintf("Got it, %s! What time would work best for you?", first)
			}
			return plan
		}
		booking := bookingProposal(session)
		plan.proposals = append(plan.proposals, booking)
		session.PendingMode = ModeNone
		session.PendingWhen = ""
		session.PendingDoctor = ""
		plan.reply = bookedReply(booking.Appointment)
		return plan
	}
	if first == "" {
		plan.reply = "Got it!"
	} else {
		plan.reply = fmt.Sprintf("Got it, %s!", first)
	}
	return plan
}

func (s *Service) planBooking(info extraction.ExtractedInfo, session *Session, identityKnown bool) turnPlan {
	if info.TimePreference != "" {
		session.PendingWhen = strings.TrimSpace(info.TimePreference)
	}
	if info.DoctorPreference != "" {
		session.PendingDoctor = strings.TrimSpace(info.DoctorPreference)
	}

	if !identityKnown {
		session.PendingMode = ModeBooking
		return turnPlan{reply: "I'd be happy to book an appointment for you! What name should I put it under?"}
	}
	if session.PendingWhen == "" {
		session.PendingMode = ModeBooking
		return turnPlan{reply: "What time would work best for you?"}
	}

	booking := bookingProposal(session)
	session.PendingMode = ModeNone
	session.PendingWhen = ""
	session.PendingDoctor = ""
	return turnPlan{
		proposals: []models.ProposedUpdate{booking},
		reply:     bookedReply(booking.Appointment),
	}
}

func (s *Service) planSymptoms(req models.TurnRequest, info extraction.ExtractedInfo, session *Session, identityKnown bool) turnPlan {
	described := strings.TrimSpace(info.SymptomsDescribed)
	if described == "" {
		described = strings.TrimSpace(req.Utterance)
	}

	terms := s.catalog.GroundSymptoms(described)
	proposals := []models.ProposedUpdate{{
		Kind: models.UpdateSymptomBatch,
		SymptomBatch: &models.SymptomBatchProposal{
			// Source is filled from the turn channel by the engine.
			Symptoms: []models.Symptom{{
				// Unspecified severity is recorded as moderate pending triage.
				Description: described,
				Severity:    models.SeverityModerate,
			}},
		},
	}}
	if len(terms) > 0 {
		proposals = append(proposals, models.ProposedUpdate{
			Kind:   models.UpdateListAppend,
			Field:  "conditions",
			Values: terms[:1],
		})
	}

	// Offer a booking next, mirroring how intake nurses steer the call.
	session.PendingMode = ModeBooking
	session.PendingWhen = ""
	session.PendingDoctor = ""

	reply := "I understand you're not feeling well. Would you like me to book you an appointment to see a doctor?"
	if len(terms) > 0 {
		reply = fmt.Sprintf("I'm sorry to hear you're experiencing %s. Would you like me to book you an appointment to see a doctor?",
			strings.ToLower(strings.Join(terms, ", ")))
	}

	if !identityKnown {
		// Record the report once we know who is calling; the engine only
		// writes to resolved records.
		return turnPlan{proposals: proposals, mustResolve: true, reply: reply}
	}
	return turnPlan{proposals: proposals, reply: reply}
}

func bookingProposal(session *Session) models.ProposedUpdate {
	return models.ProposedUpdate{
		Kind: models.UpdateAppointment,
		Appointment: &models.AppointmentProposal{
			When:   session.PendingWhen,
			Doctor: session.PendingDoctor,
			Status: models.AppointmentBooked,
		},
	}
}

func bookedReply(appt *models.AppointmentProposal) string {
	if appt.Doctor != "" {
		return fmt.Sprintf("One sec... okay, you're booked %s with %s.", appt.When, appt.Doctor)
	}
	return fmt.Sprintf("One sec... okay, you're booked %s.", appt.When)
}
