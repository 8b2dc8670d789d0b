package agent

import (
	"fmt"

	"github.com/scoutcrm/scout/internal/crm"
)

const systemPreamble = `You are a CRM research analyst. You investigate one entity at a time
using the tools available to you: look the entity up in the CRM first, then search the internal
knowledge base and the web for context. Make one tool call at a time and use what you learn to
decide the next step. When you have enough information, reply with ONLY a JSON object matching
the required output schema, with no prose around it.`

const companySchema = `{
  "summary": "2-4 sentence research summary (required)",
  "industry": "primary industry",
  "sizeEstimate": "employee count or revenue band",
  "keyPeople": ["notable people and roles"],
  "recentNews": ["recent developments worth knowing"],
  "opportunities": ["openings for us"],
  "risks": ["reasons to be cautious"],
  "confidence": 0.0
}`

const contactSchema = `{
  "summary": "2-4 sentence research summary (required)",
  "role": "current role/title",
  "seniority": "junior | mid | senior | executive",
  "interests": ["professional interests and focus areas"],
  "engagementTips": ["how to approach this person"],
  "confidence": 0.0
}`

const dealSchema = `{
  "summary": "2-4 sentence assessment of the deal (required)",
  "stageAssessment": "whether the recorded stage matches reality",
  "risks": ["risks to winning this deal"],
  "nextSteps": ["concrete recommended next steps"],
  "competitors": ["competitors in play, if any"],
  "confidence": 0.0
}`

// systemPrompt frames the loop for one entity type, including the required
// final output schema.
func systemPrompt(entityType string) string {
	var schema string
	switch entityType {
	case crm.EntityCompany:
		schema = companySchema
	case crm.EntityContact:
		schema = contactSchema
	default:
		schema = dealSchema
	}
	return fmt.Sprintf(`%s

Required output schema for a %s:
%s

"confidence" is your own certainty in the findings, between 0 and 1.`, systemPreamble, entityType, schema)
}

// userPrompt is the opening message placing the entity in context.
func userPrompt(entityType, entityID, entityName string) string {
	return fmt.Sprintf(
		"Research the %s %q (CRM id %s). Start by fetching it from the CRM, then gather whatever context helps.",
		entityType, entityName, entityID)
}

// retryPrompt nudges the model after an unparsable final answer.
func retryPrompt(parseErr error) string {
	return fmt.Sprintf(
		"Your previous reply was not a valid result (%v). Reply again with ONLY the JSON object matching the required schema.",
		parseErr)
}
