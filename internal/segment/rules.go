package segment

// Conflict types
const (
	ConflictMultiplePrimary   = "multiple_primary"
	ConflictMutuallyExclusive = "mutually_exclusive"
	ConflictConfidenceTie     = "confidence_tie"
)

// Resolution methods
const (
	MethodHighestConfidence = "highest_confidence"
	MethodPriorityRules     = "priority_rules"
	MethodMostRecent        = "most_recent"
)

// Conflict severities
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"
)

// TieThreshold is the minimum shared confidence that makes equal scores a
// conflict.
const TieThreshold = 0.7

// exclusiveGroups lists segments a lead may hold at most one of.
var exclusiveGroups = [][]string{
	{"ngo", "school", "corporate"},
	{"student", "teacher", "admin"},
}

var priorities = map[string]int{
	"ngo":       100,
	"school":    90,
	"student":   80,
	"media":     70,
	"gov":       60,
	"corporate": 50,
}

var campaigns = map[string]string{
	"ngo":       "ngo_outreach",
	"school":    "school_outreach",
	"student":   "student_nurture",
	"teacher":   "educator_outreach",
	"admin":     "admin_outreach",
	"corporate": "corporate_partnership",
	"media":     "media_outreach",
	"gov":       "government_outreach",
}

// Priority ranks a segment name for priority_rules resolution. Unknown names
// rank 0.
func Priority(name string) int {
	return priorities[name]
}

// CampaignFor returns the sequence type a segment's leads belong in.
func CampaignFor(name string) (string, bool) {
	c, ok := campaigns[name]
	return c, ok
}

func methodFor(conflictType string) string {
	switch conflictType {
	case ConflictMultiplePrimary:
		return MethodHighestConfidence
	case ConflictMutuallyExclusive:
		return MethodPriorityRules
	default:
		return MethodMostRecent
	}
}
