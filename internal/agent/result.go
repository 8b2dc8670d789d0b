package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/scoutcrm/scout/internal/crm"
	"github.com/scoutcrm/scout/internal/scoring"
)

// Result is the agent's structured output, shaped per entity type. It is a
// tagged union keyed by EntityType: exactly one of Company, Contact or Deal
// is set.
type Result struct {
	EntityType string         `json:"entityType"`
	Company    *CompanyResult `json:"company,omitempty"`
	Contact    *ContactResult `json:"contact,omitempty"`
	Deal       *DealResult    `json:"deal,omitempty"`
}

// CompanyResult is the research output for a company entity.
type CompanyResult struct {
	Summary       string   `json:"summary"`
	Industry      string   `json:"industry,omitempty"`
	SizeEstimate  string   `json:"sizeEstimate,omitempty"`
	KeyPeople     []string `json:"keyPeople,omitempty"`
	RecentNews    []string `json:"recentNews,omitempty"`
	Opportunities []string `json:"opportunities,omitempty"`
	Risks         []string `json:"risks,omitempty"`
	Confidence    float64  `json:"confidence"`
}

// ContactResult is the research output for a contact entity.
type ContactResult struct {
	Summary        string   `json:"summary"`
	Role           string   `json:"role,omitempty"`
	Seniority      string   `json:"seniority,omitempty"`
	Interests      []string `json:"interests,omitempty"`
	EngagementTips []string `json:"engagementTips,omitempty"`
	Confidence     float64  `json:"confidence"`
}

// DealResult is the research output for a deal entity. Snapshot holds the
// refreshed CRM deal fields the scoring engine consumes; it is filled in by
// the executor after the loop finishes, not by the model.
type DealResult struct {
	Summary         string                `json:"summary"`
	StageAssessment string                `json:"stageAssessment,omitempty"`
	Risks           []string              `json:"risks,omitempty"`
	NextSteps       []string              `json:"nextSteps,omitempty"`
	Competitors     []string              `json:"competitors,omitempty"`
	Confidence      float64               `json:"confidence"`
	Snapshot        *scoring.DealSnapshot `json:"snapshot,omitempty"`
}

// Confidence returns the self-reported confidence of whichever branch is set.
func (r *Result) Confidence() float64 {
	switch {
	case r == nil:
		return 0
	case r.Company != nil:
		return r.Company.Confidence
	case r.Contact != nil:
		return r.Contact.Confidence
	case r.Deal != nil:
		return r.Deal.Confidence
	default:
		return 0
	}
}

// Summary returns the summary of whichever branch is set.
func (r *Result) Summary() string {
	switch {
	case r == nil:
		return ""
	case r.Company != nil:
		return r.Company.Summary
	case r.Contact != nil:
		return r.Contact.Summary
	case r.Deal != nil:
		return r.Deal.Summary
	default:
		return ""
	}
}

// ParseResult validates a model's final text against the expected output
// schema for the entity type. Models wrap JSON in prose or code fences more
// often than not, so the first balanced JSON object in the text is used.
func ParseResult(entityType, text string) (*Result, error) {
	raw, err := extractJSON(text)
	if err != nil {
		return nil, err
	}

	result := &Result{EntityType: entityType}
	switch entityType {
	case crm.EntityCompany:
		var cr CompanyResult
		if err := json.Unmarshal([]byte(raw), &cr); err != nil {
			return nil, fmt.Errorf("decoding company result: %w", err)
		}
		if cr.Summary == "" {
			return nil, fmt.Errorf("company result missing summary")
		}
		result.Company = &cr
	case crm.EntityContact:
		var cr ContactResult
		if err := json.Unmarshal([]byte(raw), &cr); err != nil {
			return nil, fmt.Errorf("decoding contact result: %w", err)
		}
		if cr.Summary == "" {
			return nil, fmt.Errorf("contact result missing summary")
		}
		result.Contact = &cr
	case crm.EntityDeal:
		var dr DealResult
		if err := json.Unmarshal([]byte(raw), &dr); err != nil {
			return nil, fmt.Errorf("decoding deal result: %w", err)
		}
		if dr.Summary == "" {
			return nil, fmt.Errorf("deal result missing summary")
		}
		result.Deal = &dr
	default:
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}

	if c := result.Confidence(); c < 0 || c > 1 {
		return nil, fmt.Errorf("confidence %v outside [0,1]", c)
	}
	return result, nil
}

// extractJSON strips code fences and surrounding prose, returning the first
// top-level JSON object in the text.
func extractJSON(text string) (string, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	start := strings.Index(text, "{")
	if start < 0 {
		return "", fmt.Errorf("no JSON object in response")
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1], nil
				}
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON object in response")
}
