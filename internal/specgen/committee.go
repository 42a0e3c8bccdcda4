package specgen

import "strings"

// Relevance criteria tracked by the committee.
const (
	CriterionRelevant     = "is_relevant"
	CriterionToolSpecific = "is_tool_specific"
	CriterionValidatable  = "can_be_validated"
)

// RelevanceVerdict is the aggregate of one item's relevance votes.
type RelevanceVerdict struct {
	Fractions map[string]float64
	Archive   bool
	// Comments joins the comments of every vote that was not affirmative
	// on all criteria.
	Comments string
}

// AggregateRelevance archives an item when any criterion's affirmative
// fraction is at or below threshold. An empty committee never archives.
func AggregateRelevance(votes []*RelevanceJudgment, threshold float64) RelevanceVerdict {
	v := RelevanceVerdict{Fractions: map[string]float64{}}
	if len(votes) == 0 {
		return v
	}
	counts := map[string]int{}
	var comments []string
	for _, j := range votes {
		if j.IsRelevant {
			counts[CriterionRelevant]++
		}
		if j.IsToolSpecific {
			counts[CriterionToolSpecific]++
		}
		if j.CanBeValidated {
			counts[CriterionValidatable]++
		}
		if !j.affirmative() && strings.TrimSpace(j.Comments) != "" {
			comments = append(comments, strings.TrimSpace(j.Comments))
		}
	}
	n := float64(len(votes))
	for _, c := range []string{CriterionRelevant, CriterionToolSpecific, CriterionValidatable} {
		f := float64(counts[c]) / n
		v.Fractions[c] = f
		if f <= threshold {
			v.Archive = true
		}
	}
	v.Comments = strings.Join(comments, "\n")
	return v
}

// FeasibilityVerdict is the aggregate of one item's feasibility votes.
type FeasibilityVerdict struct {
	Fraction               float64
	Archive                bool
	Reasons                []string
	MissingToolDescription string
	Comments               []string
}

// RejectionReason is the most common reason given by dissenting votes.
func (v FeasibilityVerdict) RejectionReason() string {
	best, bestN := "", 0
	counts := map[string]int{}
	for _, r := range v.Reasons {
		counts[r]++
		if counts[r] > bestN {
			best, bestN = r, counts[r]
		}
	}
	return best
}

// AggregateFeasibility archives an item when the affirmative fraction is
// below threshold.
func AggregateFeasibility(votes []*FeasibilityJudgment, threshold float64) FeasibilityVerdict {
	var v FeasibilityVerdict
	if len(votes) == 0 {
		return v
	}
	yes := 0
	for _, j := range votes {
		if j.CanBeValidated {
			yes++
			continue
		}
		if j.RejectionReason != "" {
			v.Reasons = append(v.Reasons, j.RejectionReason)
			if j.RejectionReason == "missing_tool" && j.MissingToolDescription != "" {
				v.MissingToolDescription = j.MissingToolDescription
			}
		}
		if c := strings.TrimSpace(j.Comments); c != "" {
			v.Comments = append(v.Comments, c)
		}
	}
	v.Fraction = float64(yes) / float64(len(votes))
	v.Archive = v.Fraction < threshold
	return v
}
