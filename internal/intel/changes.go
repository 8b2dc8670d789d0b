package intel

import (
	"fmt"
	"time"

	"github.com/scoutcrm/scout/internal/agent"
	"github.com/scoutcrm/scout/internal/scoring"
)

// DetectChanges diffs the key fields of two results for the same entity and
// returns human-readable change summaries. It is informational only: a
// failure to compute it never blocks job completion.
func DetectChanges(prev, cur *agent.Result, now time.Time) []string {
	if prev == nil || cur == nil {
		return nil
	}

	var changes []string
	switch {
	case prev.Deal != nil && cur.Deal != nil:
		changes = append(changes, dealChanges(prev.Deal, cur.Deal, now)...)
	case prev.Company != nil && cur.Company != nil:
		changes = append(changes, companyChanges(prev.Company, cur.Company)...)
	case prev.Contact != nil && cur.Contact != nil:
		changes = append(changes, contactChanges(prev.Contact, cur.Contact)...)
	}

	if c := confidenceChange(prev.Confidence(), cur.Confidence()); c != "" {
		changes = append(changes, c)
	}
	return changes
}

func dealChanges(prev, cur *agent.DealResult, now time.Time) []string {
	var changes []string
	if prev.Snapshot != nil && cur.Snapshot != nil {
		prevScore := scoring.Score(*prev.Snapshot, now)
		curScore := scoring.Score(*cur.Snapshot, now)
		if prevScore.Total != curScore.Total {
			changes = append(changes, fmt.Sprintf("score moved from %d to %d", prevScore.Total, curScore.Total))
		}
		if prev.Snapshot.Stage != cur.Snapshot.Stage {
			changes = append(changes, fmt.Sprintf("stage changed from %q to %q", prev.Snapshot.Stage, cur.Snapshot.Stage))
		}
		if prev.Snapshot.Amount != cur.Snapshot.Amount {
			changes = append(changes, fmt.Sprintf("amount changed from %.0f to %.0f", prev.Snapshot.Amount, cur.Snapshot.Amount))
		}
	}
	if prev.StageAssessment != cur.StageAssessment && cur.StageAssessment != "" {
		changes = append(changes, "stage assessment updated")
	}
	return changes
}

func companyChanges(prev, cur *agent.CompanyResult) []string {
	var changes []string
	if prev.Industry != cur.Industry && cur.Industry != "" {
		changes = append(changes, fmt.Sprintf("industry changed from %q to %q", prev.Industry, cur.Industry))
	}
	if prev.SizeEstimate != cur.SizeEstimate && cur.SizeEstimate != "" {
		changes = append(changes, fmt.Sprintf("size estimate changed from %q to %q", prev.SizeEstimate, cur.SizeEstimate))
	}
	if len(cur.RecentNews) > 0 && len(prev.RecentNews) != len(cur.RecentNews) {
		changes = append(changes, "new developments found")
	}
	return changes
}

func contactChanges(prev, cur *agent.ContactResult) []string {
	var changes []string
	if prev.Role != cur.Role && cur.Role != "" {
		changes = append(changes, fmt.Sprintf("role changed from %q to %q", prev.Role, cur.Role))
	}
	if prev.Seniority != cur.Seniority && cur.Seniority != "" {
		changes = append(changes, fmt.Sprintf("seniority changed from %q to %q", prev.Seniority, cur.Seniority))
	}
	return changes
}

func confidenceChange(prev, cur float64) string {
	const threshold = 0.2
	diff := cur - prev
	if diff >= threshold {
		return fmt.Sprintf("confidence rose from %.2f to %.2f", prev, cur)
	}
	if diff <= -threshold {
		return fmt.Sprintf("confidence dropped from %.2f to %.2f", prev, cur)
	}
	return ""
}
