package reconcile

import (
	"fmt"
	"strings"

	"github.com/carelane-ai/intake/pkg/common/models"
)

var reporterRoles = map[string]bool{
	"patient":   true,
	"ai":        true,
	"caregiver": true,
	"doctor":    true,
}

var reportSources = map[string]bool{
	"chat":        true,
	"phone":       true,
	"email":       true,
	"visit":       true,
	"ai_analysis": true,
}

func validSeverity(severity models.Severity) bool {
	switch severity {
	case models.SeverityMild, models.SeverityModerate, models.SeveritySevere, models.SeverityCritical:
		return true
	}
	return false
}

func validUrgency(urgency models.Urgency) bool {
	switch urgency {
	case models.UrgencyLow, models.UrgencyMedium, models.UrgencyHigh, models.UrgencyUrgent:
		return true
	}
	return false
}

// validateSymptomBatch enforces the structural contract of a proposed report:
// at least one symptom, every description present, every enum in range.
func validateSymptomBatch(proposal *models.SymptomBatchProposal) error {
	if proposal == nil || len(proposal.Symptoms) == 0 {
		return fmt.Errorf("symptom batch requires at least one symptom")
	}
	for i, symptom := range proposal.Symptoms {
		if strings.TrimSpace(symptom.Description) == "" {
			return fmt.Errorf("symptom %d missing description", i)
		}
		if !validSeverity(symptom.Severity) {
			return fmt.Errorf("symptom %d has invalid severity %q", i, symptom.Severity)
		}
	}
	if proposal.ReportedBy != "" && !reporterRoles[proposal.ReportedBy] {
		return fmt.Errorf("invalid reportedBy %q", proposal.ReportedBy)
	}
	if proposal.Source != "" && !reportSources[proposal.Source] {
		return fmt.Errorf("invalid source %q", proposal.Source)
	}
	if analysis := proposal.AIAnalysis; analysis != nil {
		if analysis.Urgency != "" && !validUrgency(analysis.Urgency) {
			return fmt.Errorf("invalid urgency %q", analysis.Urgency)
		}
		if analysis.Confidence < 0 || analysis.Confidence > 100 {
			return fmt.Errorf("analysis confidence %v out of range", analysis.Confidence)
		}
	}
	return nil
}

func containsFold(values []string, target string) bool {
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), target) {
			return true
		}
	}
	return false
}
