// Package extraction turns a caller's utterance into a loosely-typed intent
// classification with extracted slots. Its output is a proposal, not truth:
// everything it emits is re-validated by the reconciliation engine.
package extraction

import (
	"context"
	"encoding/json"
	"strings"
)

const (
	IntentGreeting            = "greeting"
	IntentIdentify            = "identify"
	IntentBookAppointment     = "book_appointment"
	IntentCancelAppointment   = "cancel_appointment"
	IntentCheckAppointment    = "check_appointment"
	IntentSymptoms            = "symptoms"
	IntentGeneralConversation = "general_conversation"
)

// ExtractedInfo carries the slots the classifier may fill. All optional, all
// strings; typing happens downstream.
type ExtractedInfo struct {
	PatientName       string `json:"patient_name,omitempty"`
	PatientID         string `json:"patient_id,omitempty"`
	TimePreference    string `json:"time_preference,omitempty"`
	DoctorPreference  string `json:"doctor_preference,omitempty"`
	SymptomsDescribed string `json:"symptoms_described,omitempty"`
}

type Classification struct {
	Intent     string        `json:"intent"`
	Confidence float64       `json:"confidence"`
	Info       ExtractedInfo `json:"extracted_info"`
}

// ConversationContext is what the classifier knows about the dialogue so far.
type ConversationContext struct {
	PatientKnown bool
	PatientName  string
	PendingMode  string // none, booking
	LastReply    string
}

type Adapter interface {
	Extract(ctx context.Context, utterance string, convo ConversationContext) (Classification, error)
}

// Fallback is the classification used when no LLM is configured or a call
// fails: the turn degrades to general conversation with no proposals.
func Fallback() Classification {
	return Classification{Intent: IntentGeneralConversation, Confidence: 0.2}
}

var knownIntents = map[string]bool{
	IntentGreeting:            true,
	IntentIdentify:            true,
	IntentBookAppointment:     true,
	IntentCancelAppointment:   true,
	IntentCheckAppointment:    true,
	IntentSymptoms:            true,
	IntentGeneralConversation: true,
}

// ParseClassification decodes the model's JSON reply, tolerating code fences
// and missing fields.
func ParseClassification(raw string) (Classification, bool) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var class Classification
	if err := json.Unmarshal([]byte(trimmed), &class); err != nil {
		return Classification{}, false
	}
	if !knownIntents[class.Intent] {
		class.Intent = IntentGeneralConversation
	}
	if class.Confidence <= 0 {
		class.Confidence = 0.5
	}
	return class, true
}
