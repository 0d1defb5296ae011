package segment

import (
	"sort"

	"github.com/lalithlochan/mailcore/internal/db"
)

// Conflict is one detected inconsistency among a lead's active segments.
type Conflict struct {
	Type     string
	Severity string
	Segments []*db.LeadSegment
}

// DetectConflicts runs every check over segs and returns all findings.
// Within a type, conflicts come out in a stable order.
func DetectConflicts(segs []*db.LeadSegment) []Conflict {
	var out []Conflict

	var primaries []*db.LeadSegment
	for _, s := range segs {
		if s.IsPrimary {
			primaries = append(primaries, s)
		}
	}
	if len(primaries) > 1 {
		out = append(out, Conflict{Type: ConflictMultiplePrimary, Severity: SeverityHigh, Segments: primaries})
	}

	for _, group := range exclusiveGroups {
		var members []*db.LeadSegment
		for _, s := range segs {
			if contains(group, s.SegmentName) {
				members = append(members, s)
			}
		}
		if len(members) > 1 {
			out = append(out, Conflict{Type: ConflictMutuallyExclusive, Severity: SeverityMedium, Segments: members})
		}
	}

	byScore := make(map[float64][]*db.LeadSegment)
	for _, s := range segs {
		if s.ConfidenceScore >= TieThreshold {
			byScore[s.ConfidenceScore] = append(byScore[s.ConfidenceScore], s)
		}
	}
	scores := make([]float64, 0, len(byScore))
	for score, members := range byScore {
		if len(members) > 1 {
			scores = append(scores, score)
		}
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(scores)))
	for _, score := range scores {
		out = append(out, Conflict{Type: ConflictConfidenceTie, Severity: SeverityLow, Segments: byScore[score]})
	}

	return out
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Resolve picks the winning segment of c with the method for its type.
func Resolve(c Conflict) (*db.LeadSegment, string) {
	method := methodFor(c.Type)
	switch method {
	case MethodHighestConfidence:
		return highestConfidence(c.Segments), method
	case MethodPriorityRules:
		return byPriority(c.Segments), method
	default:
		return mostRecent(c.Segments), method
	}
}

// highestConfidence ties break on earliest assignment, then smallest id.
func highestConfidence(segs []*db.LeadSegment) *db.LeadSegment {
	return best(segs, func(a, b *db.LeadSegment) bool {
		if a.ConfidenceScore != b.ConfidenceScore {
			return a.ConfidenceScore > b.ConfidenceScore
		}
		if !a.AssignedAt.Equal(b.AssignedAt) {
			return a.AssignedAt.Before(b.AssignedAt)
		}
		return a.ID.String() < b.ID.String()
	})
}

// mostRecent ties break on smallest id.
func mostRecent(segs []*db.LeadSegment) *db.LeadSegment {
	return best(segs, func(a, b *db.LeadSegment) bool {
		if !a.AssignedAt.Equal(b.AssignedAt) {
			return a.AssignedAt.After(b.AssignedAt)
		}
		return a.ID.String() < b.ID.String()
	})
}

// byPriority ties fall back to highestConfidence.
func byPriority(segs []*db.LeadSegment) *db.LeadSegment {
	var top []*db.LeadSegment
	topRank := -1
	for _, s := range segs {
		switch p := Priority(s.SegmentName); {
		case p > topRank:
			topRank = p
			top = []*db.LeadSegment{s}
		case p == topRank:
			top = append(top, s)
		}
	}
	return highestConfidence(top)
}

func best(segs []*db.LeadSegment, better func(a, b *db.LeadSegment) bool) *db.LeadSegment {
	var winner *db.LeadSegment
	for _, s := range segs {
		if winner == nil || better(s, winner) {
			winner = s
		}
	}
	return winner
}
