// Package decision is the decision function boundary: given a study and a
// job's criteria it returns include, exclude or maybe with a rationale.
//
// Deciders classify their failures with the types error kinds. Transient
// errors (network, rate limit, timeouts) trigger the coordinator's retry
// path; permanent errors (malformed study, invalid answer) do not.
package decision

import (
	"context"
	"errors"
	"strings"

	"github.com/ChuLiYu/screening-queue/pkg/types"
)

// Decider evaluates one study against criteria.
type Decider interface {
	Decide(ctx context.Context, study types.Study, criteria types.Criteria) (types.Outcome, error)
}

// Func adapts a plain function to Decider.
type Func func(ctx context.Context, study types.Study, criteria types.Criteria) (types.Outcome, error)

// Decide calls f.
func (f Func) Decide(ctx context.Context, study types.Study, criteria types.Criteria) (types.Outcome, error) {
	return f(ctx, study, criteria)
}

// CheckStudy rejects studies no decider can evaluate.
func CheckStudy(study types.Study) error {
	if strings.TrimSpace(study.Title) == "" {
		return types.Permanent("decide", errors.New("study "+study.ID+" has no title"))
	}
	return nil
}

// CheckOutcome rejects outcomes outside the decision buckets or with a
// confidence outside [0, 1]. The answer came from the decider, so the error
// is transient.
func CheckOutcome(out types.Outcome) error {
	if !out.Decision.Valid() {
		return types.Transient("decide", errors.New("unknown decision "+string(out.Decision)))
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return types.Transient("decide", errors.New("confidence outside [0, 1]"))
	}
	return nil
}
