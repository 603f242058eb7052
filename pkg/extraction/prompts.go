package extraction

import "fmt"

// classifierPrompt mirrors the production intake classifier contract: one JSON
// object with intent, confidence and extracted slots.
func classifierPrompt(convo ConversationContext) string {
	contextInfo := ""
	if convo.PendingMode != "" && convo.PendingMode != "none" {
		contextInfo += fmt.Sprintf("CURRENT_STATE: %s mode. ", convo.PendingMode)
	}
	if convo.PatientKnown {
		contextInfo += fmt.Sprintf("KNOWN_PATIENT: %s. ", convo.PatientName)
	}

	return fmt.Sprintf(`Fast medical intake intent classifier. Analyze the user message with context.

CONTEXT: %s
LAST_BOT_MSG: %q

INTENTS: greeting, identify, book_appointment, cancel_appointment, check_appointment, symptoms, general_conversation

RULES:
- "yes/sure/please" after a booking question means book_appointment
- A name after a name request means identify
- Symptoms or illness means symptoms
- Book/schedule means book_appointment
- Cancel means cancel_appointment
- Check/next appointment means check_appointment
- Confused or unclear responses mean general_conversation, never booking

EXTRACT: patient_name, patient_id, time_preference, doctor_preference, symptoms_described

Respond with JSON only: {"intent":"...", "confidence":0.0-1.0, "extracted_info":{...}}`,
		contextInfo, convo.LastReply)
}
