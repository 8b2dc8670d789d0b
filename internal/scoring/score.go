// Package scoring computes a deterministic quality score for deal entities.
// Score is a pure function: no I/O, no clock reads, no mutation of its input.
// Identical input (including the supplied reference time) always yields an
// identical DealScore, so scores are recomputed on read and never persisted
// as state of their own.
package scoring

import (
	"fmt"
	"math"
	"time"
)

// DealSnapshot is the subset of CRM deal fields the score depends on.
type DealSnapshot struct {
	Amount       float64    `json:"amount"`
	Stage        string     `json:"dealstage"`
	CloseDate    *time.Time `json:"closedate,omitempty"`
	LastActivity *time.Time `json:"lastActivity,omitempty"`
	CompanyCount int        `json:"companyCount"`
	ContactCount int        `json:"contactCount"`
}

// Breakdown holds the five independently bounded sub-scores.
type Breakdown struct {
	Stage       int `json:"stage"`       // 0-25
	Value       int `json:"value"`       // 0-25
	Timeline    int `json:"timeline"`    // 0-20
	Activity    int `json:"activity"`    // 0-15
	Association int `json:"association"` // 0-15
}

// DealScore is the value object produced by Score. It has no lifecycle of its
// own; callers re-invoke Score whenever the underlying deal changes.
type DealScore struct {
	Total           int       `json:"total"`
	Percentage      float64   `json:"percentage"`
	Grade           string    `json:"grade"`
	Priority        string    `json:"priority"`
	Health          string    `json:"health"`
	Breakdown       Breakdown `json:"breakdown"`
	Recommendations []string  `json:"recommendations"`
}

const (
	StageClosedWon  = "closedwon"
	StageClosedLost = "closedlost"
)

// stageProgression maps pipeline stage labels to a 0-100 progression value.
// Unknown stages get a default mid-value rather than zero.
var stageProgression = map[string]int{
	"appointmentscheduled":  15,
	"qualifiedtobuy":        30,
	"presentationscheduled": 50,
	"decisionmakerboughtin": 60,
	"negotiation":           70,
	"contractsent":          85,
	StageClosedWon:          100,
	StageClosedLost:         0,
}

const defaultStageProgression = 50

// staleAfterDays is the activity-recency threshold beyond which an open deal
// is considered stale for the health override.
const staleAfterDays = 30

// Score computes the full deal score from a snapshot. now is the reference
// time for all date arithmetic; passing it explicitly keeps the function
// referentially transparent.
func Score(d DealSnapshot, now time.Time) DealScore {
	b := Breakdown{
		Stage:       stageScore(d.Stage),
		Value:       valueScore(d.Amount),
		Timeline:    timelineScore(d, now),
		Activity:    activityScore(d.LastActivity, now),
		Association: associationScore(d.CompanyCount, d.ContactCount),
	}
	total := b.Stage + b.Value + b.Timeline + b.Activity + b.Association

	return DealScore{
		Total:           total,
		Percentage:      float64(total),
		Grade:           grade(total),
		Priority:        priority(total, d.Stage),
		Health:          health(total, d, now),
		Breakdown:       b,
		Recommendations: recommendations(b, d, now),
	}
}

// stageScore scales the stage progression value to 0-25. Closed-won caps at
// 25, closed-lost pins to 0.
func stageScore(stage string) int {
	progression, ok := stageProgression[stage]
	if !ok {
		progression = defaultStageProgression
	}
	return int(math.Round(float64(progression) / 100 * 25))
}

// valueScore maps deal amount onto tiered thresholds. A missing or zero
// amount still earns a small floor so it doesn't zero out an otherwise
// healthy deal.
func valueScore(amount float64) int {
	switch {
	case amount >= 100_000:
		return 25
	case amount >= 50_000:
		return 22
	case amount >= 25_000:
		return 19
	case amount >= 10_000:
		return 16
	case amount >= 5_000:
		return 12
	case amount >= 1_000:
		return 8
	case amount > 0:
		return 5
	default:
		return 3
	}
}

// timelineScore rewards near-future close dates. Overdue decays faster than
// far-future: an overdue deal is a stronger negative signal than one that is
// simply not urgent yet. Closed deals have no timeline pressure.
func timelineScore(d DealSnapshot, now time.Time) int {
	if d.Stage == StageClosedWon || d.Stage == StageClosedLost {
		if d.Stage == StageClosedLost {
			return 0
		}
		return 10
	}
	if d.CloseDate == nil {
		return 8
	}
	days := daysBetween(now, *d.CloseDate)
	if days < 0 {
		switch {
		case days >= -7:
			return 10
		case days >= -30:
			return 6
		case days >= -60:
			return 4
		default:
			return 2
		}
	}
	switch {
	case days <= 7:
		return 20
	case days <= 14:
		return 18
	case days <= 30:
		return 15
	case days <= 60:
		return 12
	case days <= 90:
		return 10
	case days <= 180:
		return 8
	default:
		return 5
	}
}

// activityScore decays in day-bucketed steps from "today" to ">90 days".
func activityScore(last *time.Time, now time.Time) int {
	if last == nil {
		return 1
	}
	days := daysBetween(*last, now)
	switch {
	case days <= 0:
		return 15
	case days <= 3:
		return 13
	case days <= 7:
		return 11
	case days <= 14:
		return 9
	case days <= 30:
		return 6
	case days <= 60:
		return 4
	case days <= 90:
		return 2
	default:
		return 1
	}
}

// associationScore rewards linked companies and contacts with capped
// contributions per category so a single relationship can't dominate.
func associationScore(companies, contacts int) int {
	companyScore := companies * 3
	if companyScore > 6 {
		companyScore = 6
	}
	contactScore := contacts * 3
	if contactScore > 9 {
		contactScore = 9
	}
	return companyScore + contactScore
}

func grade(total int) string {
	switch {
	case total >= 95:
		return "A+"
	case total >= 85:
		return "A"
	case total >= 70:
		return "B"
	case total >= 55:
		return "C"
	case total >= 40:
		return "D"
	default:
		return "F"
	}
}

// priority derives Hot/Warm/Cool/Cold from the total, with closed stages
// forced regardless of the numeric score.
func priority(total int, stage string) string {
	switch stage {
	case StageClosedLost:
		return "Cold"
	case StageClosedWon:
		return "Cool"
	}
	switch {
	case total >= 80:
		return "Hot"
	case total >= 60:
		return "Warm"
	case total >= 40:
		return "Cool"
	default:
		return "Cold"
	}
}

// health derives the categorical health view. Overdue and stale are override
// rules, not blended into the weighted sum: both at once force Critical,
// either alone forces At Risk.
func health(total int, d DealSnapshot, now time.Time) string {
	over := isOverdue(d, now)
	stale := isStale(d, now)
	switch {
	case over && stale:
		return "Critical"
	case over || stale:
		return "At Risk"
	}
	switch {
	case total >= 85:
		return "Excellent"
	case total >= 70:
		return "Good"
	case total >= 55:
		return "Fair"
	case total >= 40:
		return "Poor"
	default:
		return "Critical"
	}
}

func isOverdue(d DealSnapshot, now time.Time) bool {
	if d.Stage == StageClosedWon || d.Stage == StageClosedLost {
		return false
	}
	return d.CloseDate != nil && d.CloseDate.Before(now)
}

func isStale(d DealSnapshot, now time.Time) bool {
	if d.Stage == StageClosedWon || d.Stage == StageClosedLost {
		return false
	}
	return d.LastActivity == nil || daysBetween(*d.LastActivity, now) > staleAfterDays
}

// recommendations lists short textual follow-ups for whichever sub-scores sit
// below their per-category threshold.
func recommendations(b Breakdown, d DealSnapshot, now time.Time) []string {
	var recs []string
	if d.Stage == StageClosedLost {
		return []string{"Deal is closed-lost; review loss reason before re-engaging."}
	}
	if b.Stage < 13 {
		recs = append(recs, "Advance the deal to the next pipeline stage.")
	}
	if b.Value < 10 {
		recs = append(recs, "Confirm the deal amount; a realistic value improves forecasting.")
	}
	if b.Timeline < 10 {
		if isOverdue(d, now) {
			recs = append(recs, fmt.Sprintf("Close date passed %d days ago; reschedule or close out.", daysBetween(*d.CloseDate, now)))
		} else {
			recs = append(recs, "Set or tighten the expected close date.")
		}
	}
	if b.Activity < 8 {
		recs = append(recs, "No recent activity; re-engage the buying team.")
	}
	if b.Association < 8 {
		recs = append(recs, "Link the relevant company and contacts to this deal.")
	}
	return recs
}

// daysBetween returns whole days from a to b, negative when b precedes a.
func daysBetween(a, b time.Time) int {
	return int(b.Sub(a).Hours() / 24)
}
