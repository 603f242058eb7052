package reconcile

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/carelane-ai/intake/pkg/common/models"
	"gopkg.in/yaml.v3"
)

// TriageRules map symptom severities to an analysis urgency when the
// extraction adapter supplied no analysis of its own.
type TriageRules struct {
	Severity          map[string]string `yaml:"severity" json:"severity"`
	DefaultConfidence float64           `yaml:"default_confidence" json:"default_confidence"`
}

func LoadTriageRules(path string) (TriageRules, error) {
	if path == "" {
		return DefaultTriageRules(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultTriageRules(), err
	}

	var rules TriageRules
	if err := yaml.Unmarshal(content, &rules); err != nil {
		return TriageRules{}, err
	}
	if len(rules.Severity) == 0 {
		return TriageRules{}, errors.New("no triage severity rules configured")
	}
	if rules.DefaultConfidence <= 0 {
		rules.DefaultConfidence = DefaultTriageRules().DefaultConfidence
	}
	return rules, nil
}

func DefaultTriageRules() TriageRules {
	return TriageRules{
		Severity: map[string]string{
			string(models.SeverityMild):     string(models.UrgencyLow),
			string(models.SeverityModerate): string(models.UrgencyMedium),
			string(models.SeveritySevere):   string(models.UrgencyHigh),
			string(models.SeverityCritical): string(models.UrgencyUrgent),
		},
		DefaultConfidence: 50,
	}
}

var severityRank = map[models.Severity]int{
	models.SeverityMild:     0,
	models.SeverityModerate: 1,
	models.SeveritySevere:   2,
	models.SeverityCritical: 3,
}

// UrgencyFor returns the urgency for the worst severity in the batch.
func (t TriageRules) UrgencyFor(symptoms []models.Symptom) models.Urgency {
	worst := models.SeverityMild
	for _, s := range symptoms {
		if severityRank[s.Severity] > severityRank[worst] {
			worst = s.Severity
		}
	}
	if urgency, ok := t.Severity[string(worst)]; ok {
		return models.Urgency(urgency)
	}
	return models.UrgencyLow
}
