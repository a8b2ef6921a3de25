package gossip

import (
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/verinet/verinet/src/common"
	"github.com/verinet/verinet/src/proof"
	"github.com/verinet/verinet/src/work"
)

type fakeEvidence struct {
	assignments []*work.Assignment
	proofs      map[string][]*proof.SignedProof
}

func (f *fakeEvidence) AssignmentsInRange(start, end uint64) []*work.Assignment {
	res := []*work.Assignment{}
	for _, a := range f.assignments {
		if a.RangeEnd > start && a.RangeStart < end {
			res = append(res, a)
		}
	}
	return res
}

func (f *fakeEvidence) ProofsByRange(key string) []*proof.SignedProof {
	return f.proofs[key]
}

// coveredEvidence builds contiguous completed assignments over [start,end)
// in steps of width, each confirmed by two users at the given time.
func coveredEvidence(start, end, width uint64, confirmedAt time.Time) *fakeEvidence {
	ev := &fakeEvidence{proofs: map[string][]*proof.SignedProof{}}

	for s := start; s < end; s += width {
		e := s + width
		if e > end {
			e = end
		}
		a := &work.Assignment{
			ID:         fmt.Sprintf("a-%d", s),
			RangeStart: s,
			RangeEnd:   e,
			Status:     work.Completed,
		}
		ev.assignments = append(ev.assignments, a)
		for i := 0; i < 2; i++ {
			ev.proofs[a.Key()] = append(ev.proofs[a.Key()], &proof.SignedProof{
				Body: proof.Body{
					WorkerID:   fmt.Sprintf("W%d-%d", s, i),
					UserID:     fmt.Sprintf("U%d", i),
					RangeStart: s,
					RangeEnd:   e,
					Timestamp:  confirmedAt.Unix(),
				},
			})
		}
	}
	return ev
}

func testValidator(t *testing.T) *Validator {
	return NewValidator(1000, common.NewTestEntry(t, logrus.DebugLevel))
}

func TestValidatorAcceptsBackedClaim(t *testing.T) {
	v := testValidator(t)
	now := time.Now()

	ev := coveredEvidence(10000, 15000, 1000, now.Add(-10*time.Minute))
	if err := v.Validate(10000, 15000, ev, now); err != nil {
		t.Fatalf("backed claim rejected: %v", err)
	}
}

func TestValidatorAcceptsSmallBackwardClaim(t *testing.T) {
	v := testValidator(t)
	now := time.Now()
	ev := &fakeEvidence{proofs: map[string][]*proof.SignedProof{}}

	// within 1% of the current frontier: harmless replay
	if err := v.Validate(100000, 99500, ev, now); err != nil {
		t.Fatalf("err: %v", err)
	}

	if err := v.Validate(100000, 90000, ev, now); err != ErrBackward {
		t.Fatalf("got %v, want %v", err, ErrBackward)
	}
}

func TestValidatorRejectsRunawayClaim(t *testing.T) {
	v := testValidator(t)
	now := time.Now()
	ev := &fakeEvidence{proofs: map[string][]*proof.SignedProof{}}

	// more than 100 range-widths ahead
	if err := v.Validate(0, 101*1000, ev, now); err != ErrTooFarAhead {
		t.Fatalf("got %v, want %v", err, ErrTooFarAhead)
	}
}

func TestValidatorRejectsUnbackedClaim(t *testing.T) {
	v := testValidator(t)
	now := time.Now()

	// no completed assignments at all
	ev := &fakeEvidence{proofs: map[string][]*proof.SignedProof{}}
	if err := v.Validate(0, 5000, ev, now); err != ErrCoverageGap {
		t.Fatalf("got %v, want %v", err, ErrCoverageGap)
	}
}

func TestValidatorRejectsCoverageGap(t *testing.T) {
	v := testValidator(t)
	now := time.Now()

	ev := coveredEvidence(0, 5000, 1000, now.Add(-10*time.Minute))

	// punch a hole wider than 10% of a range width
	kept := ev.assignments[:0]
	for _, a := range ev.assignments {
		if a.RangeStart != 2000 {
			kept = append(kept, a)
		}
	}
	ev.assignments = kept

	if err := v.Validate(0, 5000, ev, now); err != ErrCoverageGap {
		t.Fatalf("got %v, want %v", err, ErrCoverageGap)
	}
}

func TestValidatorRejectsUnderConfirmed(t *testing.T) {
	v := testValidator(t)
	now := time.Now()

	ev := coveredEvidence(0, 3000, 1000, now.Add(-10*time.Minute))

	// strip one assignment down to a single confirmer
	key := ev.assignments[1].Key()
	ev.proofs[key] = ev.proofs[key][:1]

	if err := v.Validate(0, 3000, ev, now); err != ErrUnderConfirmed {
		t.Fatalf("got %v, want %v", err, ErrUnderConfirmed)
	}
}

func TestValidatorRejectsStaleEvidence(t *testing.T) {
	v := testValidator(t)
	now := time.Now()

	// all confirmations are older than the freshness window
	ev := coveredEvidence(0, 3000, 1000, now.Add(-2*time.Hour))

	if err := v.Validate(0, 3000, ev, now); err != ErrStaleEvidence {
		t.Fatalf("got %v, want %v", err, ErrStaleEvidence)
	}
}

func TestValidatorIgnoresIncompleteAssignments(t *testing.T) {
	v := testValidator(t)
	now := time.Now()

	ev := coveredEvidence(0, 3000, 1000, now.Add(-10*time.Minute))
	ev.assignments[2].Status = work.Assigned

	if err := v.Validate(0, 3000, ev, now); err != ErrCoverageGap {
		t.Fatalf("got %v, want %v", err, ErrCoverageGap)
	}
}
