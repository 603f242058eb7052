// Package terminology grounds free-text symptom descriptions in clinical
// condition terms. The catalog is static but yaml-overridable so deployments
// can extend it without a code change.
package terminology

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type Concept struct {
	Display string `yaml:"display" json:"display"`
	SNOMED  string `yaml:"snomed" json:"snomed"`
	ICD10   string `yaml:"icd10" json:"icd10"`
}

type Catalog struct {
	// Concepts is keyed by the lowercase phrase to look for in utterances.
	Concepts map[string]Concept `yaml:"concepts" json:"concepts"`
}

func Load(path string) (Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultCatalog(), err
	}
	var cat Catalog
	if err := yaml.Unmarshal(content, &cat); err != nil {
		return Catalog{}, err
	}
	if len(cat.Concepts) == 0 {
		return Catalog{}, fmt.Errorf("terminology catalog empty")
	}
	return cat, nil
}

func (c Catalog) Lookup(key string) (Concept, bool) {
	if c.Concepts == nil {
		return Concept{}, false
	}
	concept, ok := c.Concepts[strings.ToLower(key)]
	if ok {
		return concept, true
	}
	for k, v := range c.Concepts {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return Concept{}, false
}

// GroundSymptoms scans the described symptoms for known clinical phrases and
// returns up to three deduplicated display terms, most specific first by
// phrase length. The first term is what the dialogue layer proposes as a
// condition.
func (c Catalog) GroundSymptoms(text string) []string {
	lowered := strings.ToLower(text)
	type hit struct {
		phrase  string
		display string
	}
	var hits []hit
	for phrase, concept := range c.Concepts {
		if strings.Contains(lowered, phrase) {
			hits = append(hits, hit{phrase: phrase, display: concept.Display})
		}
	}

	// Longer phrases first so "chest pain" beats "pain"; equal lengths sort
	// alphabetically so output is stable across runs.
	for i := 0; i < len(hits); i++ {
		for j := i + 1; j < len(hits); j++ {
			if len(hits[j].phrase) > len(hits[i].phrase) ||
				(len(hits[j].phrase) == len(hits[i].phrase) && hits[j].phrase < hits[i].phrase) {
				hits[i], hits[j] = hits[j], hits[i]
			}
		}
	}

	var terms []string
	seen := make(map[string]bool)
	for _, h := range hits {
		key := strings.ToLower(h.display)
		if seen[key] {
			continue
		}
		seen[key] = true
		terms = append(terms, h.display)
		if len(terms) == 3 {
			break
		}
	}
	return terms
}

func DefaultCatalog() Catalog {
	return Catalog{Concepts: map[string]Concept{
		"headache":            {Display: "Headache", SNOMED: "25064002", ICD10: "R51.9"},
		"migraine":            {Display: "Migraine", SNOMED: "37796009", ICD10: "G43.909"},
		"fever":               {Display: "Fever", SNOMED: "386661006", ICD10: "R50.9"},
		"cough":               {Display: "Cough", SNOMED: "49727002", ICD10: "R05.9"},
		"sore throat":         {Display: "Acute pharyngitis", SNOMED: "363746003", ICD10: "J02.9"},
		"chest pain":          {Display: "Chest pain", SNOMED: "29857009", ICD10: "R07.9"},
		"shortness of breath": {Display: "Dyspnea", SNOMED: "267036007", ICD10: "R06.02"},
		"nausea":              {Display: "Nausea", SNOMED: "422587007", ICD10: "R11.0"},
		"dizziness":           {Display: "Dizziness", SNOMED: "404640003", ICD10: "R42"},
		"fatigue":             {Display: "Fatigue", SNOMED: "84229001", ICD10: "R53.83"},
		"back pain":           {Display: "Back pain", SNOMED: "161891005", ICD10: "M54.9"},
		"rash":                {Display: "Rash", SNOMED: "271807003", ICD10: "R21"},
	}}
}
