package decision

import (
	"context"
	"fmt"
	"strings"

	"github.com/ChuLiYu/screening-queue/pkg/types"
)

// Keyword is a deterministic offline decider. A study matching any
// exclusion criterion is excluded; otherwise one matching any inclusion
// criterion is included; anything else is maybe.
//
// Matching is case-insensitive substring search over title, abstract and
// keywords.
type Keyword struct{}

// Decide implements Decider.
func (Keyword) Decide(ctx context.Context, study types.Study, criteria types.Criteria) (types.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return types.Outcome{}, types.Transient("decide", err)
	}
	if err := CheckStudy(study); err != nil {
		return types.Outcome{}, err
	}

	text := strings.ToLower(strings.Join(append([]string{study.Title, study.Abstract}, study.Keywords...), " "))

	if hit, ok := firstMatch(text, criteria.Exclusion); ok {
		return types.Outcome{
			Decision:   types.DecisionExclude,
			Confidence: 0.9,
			Rationale:  fmt.Sprintf("matches exclusion criterion %q", hit),
		}, nil
	}
	if hit, ok := firstMatch(text, criteria.Inclusion); ok {
		return types.Outcome{
			Decision:   types.DecisionInclude,
			Confidence: 0.8,
			Rationale:  fmt.Sprintf("matches inclusion criterion %q", hit),
		}, nil
	}
	return types.Outcome{
		Decision:   types.DecisionMaybe,
		Confidence: 0.5,
		Rationale:  "no criterion matched; needs manual review",
	}, nil
}

func firstMatch(text string, criteria []string) (string, bool) {
	for _, c := range criteria {
		needle := strings.ToLower(strings.TrimSpace(c))
		if needle != "" && strings.Contains(text, needle) {
			return c, true
		}
	}
	return "", false
}
