package gossip

import (
	"errors"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/verinet/verinet/src/proof"
	"github.com/verinet/verinet/src/work"
)

// Frontier validation limits.
const (
	// BackwardTolerance is the accepted backward movement of a frontier
	// claim, as a fraction of the current frontier. Anything further back is
	// an attack, not replay lag.
	BackwardTolerance = 0.01

	// MaxForwardRanges is how many range-widths ahead of the current
	// frontier a claim may land.
	MaxForwardRanges = 100

	// GapTolerance is the accepted hole in the completed coverage, as a
	// fraction of one range width.
	GapTolerance = 0.10

	// MinCoverage is the fraction of the claimed span that must be covered
	// by completed assignments.
	MinCoverage = 0.95

	// MinConfirmers is how many distinct users must have confirmed each
	// covering assignment.
	MinConfirmers = 2

	// FreshnessWindow is how recent the newest supporting confirmation must
	// be.
	FreshnessWindow = time.Hour
)

// Frontier claim rejections.
var (
	ErrBackward         = errors.New("frontier claim moves backward")
	ErrTooFarAhead      = errors.New("frontier claim too far ahead of evidence")
	ErrCoverageGap      = errors.New("completed coverage has a gap")
	ErrLowCoverage      = errors.New("completed coverage below threshold")
	ErrUnderConfirmed   = errors.New("covering assignment lacks confirmers")
	ErrStaleEvidence    = errors.New("no recent confirmation supports the claim")
)

// Evidence gives the validator access to the assignments and proofs backing
// a frontier claim.
type Evidence interface {
	AssignmentsInRange(start, end uint64) []*work.Assignment
	ProofsByRange(key string) []*proof.SignedProof
}

// Validator decides whether a claimed frontier advance is backed by enough
// completed, confirmed, and recent work. Progress claims from gossip and
// from the local HTTP surface both go through it.
type Validator struct {
	rangeSize uint64
	logger    *logrus.Entry
}

func NewValidator(rangeSize uint64, logger *logrus.Entry) *Validator {
	if rangeSize == 0 {
		rangeSize = work.DefaultRangeSize
	}
	return &Validator{
		rangeSize: rangeSize,
		logger:    logger,
	}
}

// Validate checks the claim against the current frontier and the available
// evidence. A claim at or slightly behind the current frontier is a no-op
// and passes.
func (v *Validator) Validate(current uint64, claim uint64, ev Evidence, now time.Time) error {
	if claim <= current {
		tolerance := uint64(float64(current) * BackwardTolerance)
		if current-claim > tolerance {
			return ErrBackward
		}
		return nil
	}

	if claim-current > MaxForwardRanges*v.rangeSize {
		return ErrTooFarAhead
	}

	covering := []*work.Assignment{}
	for _, a := range ev.AssignmentsInRange(current, claim) {
		if a.Status != work.Completed && a.Status != work.Verified {
			continue
		}
		covering = append(covering, a)
	}

	sort.Slice(covering, func(i, j int) bool {
		return covering[i].RangeStart < covering[j].RangeStart
	})

	maxGap := uint64(float64(v.rangeSize) * GapTolerance)
	freshCutoff := now.Add(-FreshnessWindow).Unix()

	var covered uint64
	var newest int64
	cursor := current

	for _, a := range covering {
		if a.RangeStart > cursor && a.RangeStart-cursor > maxGap {
			return ErrCoverageGap
		}

		confirmers := map[string]bool{}
		for _, p := range ev.ProofsByRange(a.Key()) {
			voter := p.Body.UserID
			if voter == "" {
				voter = p.Body.WorkerID
			}
			confirmers[voter] = true
			if p.Body.Timestamp > newest {
				newest = p.Body.Timestamp
			}
		}
		if len(confirmers) < MinConfirmers {
			return ErrUnderConfirmed
		}

		// clip the assignment to the claimed span
		start := a.RangeStart
		if start < cursor {
			start = cursor
		}
		end := a.RangeEnd
		if end > claim {
			end = claim
		}
		if end > start {
			covered += end - start
		}
		if a.RangeEnd > cursor {
			cursor = a.RangeEnd
		}
	}

	if claim > cursor && claim-cursor > maxGap {
		return ErrCoverageGap
	}

	span := claim - current
	if float64(covered) < MinCoverage*float64(span) {
		return ErrLowCoverage
	}

	if newest < freshCutoff {
		return ErrStaleEvidence
	}

	v.logger.WithFields(logrus.Fields{
		"from": current,
		"to":   claim,
	}).Debug("Accepted frontier claim")

	return nil
}
