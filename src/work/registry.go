package work

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrNoClaimSlot means all redundancy slots of the assignment are taken.
	ErrNoClaimSlot = errors.New("assignment has no open claim slot")

	// ErrSameUser means another worker of the same user already holds a
	// claim on the assignment.
	ErrSameUser = errors.New("user already holds a claim on this assignment")

	// ErrNotClaimable means the assignment is not in a claimable state.
	ErrNotClaimable = errors.New("assignment is not claimable")

	// ErrNoWork means no assignment is available for the worker.
	ErrNoWork = errors.New("no work available")
)

func rangeKey(start, end uint64) string {
	return fmt.Sprintf("%d-%d", start, end)
}

// Store is the persistence the Registry needs. It is implemented by the
// state package.
type Store interface {
	Assignment(id string) (*Assignment, error)
	SetAssignment(a *Assignment) error
	Assignments() []*Assignment
	AssignmentByKey(key string) (*Assignment, error)
	Frontier() uint64
	SetFrontier(frontier uint64) error
	Watermark() uint64
	SetWatermark(watermark uint64) error
}

// Registry manages the lifecycle of work assignments: frontier generation,
// redundant claims, completion, and timeout recovery. Consensus decisions are
// fed back in through MarkVerified and MarkFailed.
type Registry struct {
	store      Store
	rangeSize  uint64
	timeout    time.Duration
	redundancy int
	logger     *logrus.Entry
}

func NewRegistry(store Store, rangeSize uint64, timeout time.Duration, redundancy int, logger *logrus.Entry) *Registry {
	if rangeSize == 0 {
		rangeSize = DefaultRangeSize
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if redundancy == 0 {
		redundancy = DefaultRedundancy
	}
	return &Registry{
		store:      store,
		rangeSize:  rangeSize,
		timeout:    timeout,
		redundancy: redundancy,
		logger:     logger,
	}
}

// Redundancy returns how many distinct users each range is handed to.
func (r *Registry) Redundancy() int {
	return r.redundancy
}

// Create registers a user-defined assignment. Authorization against the
// creator's tier is the caller's responsibility.
func (r *Registry) Create(createdBy string, start, end uint64, priority int) (*Assignment, error) {
	if end <= start {
		return nil, fmt.Errorf("invalid range [%d,%d)", start, end)
	}

	if existing, err := r.store.AssignmentByKey(rangeKey(start, end)); err == nil {
		return existing, nil
	}

	a := NewAssignment(createdBy, start, end, priority)
	if err := r.store.SetAssignment(a); err != nil {
		return nil, err
	}

	r.logger.WithFields(logrus.Fields{
		"assignment": a.ID,
		"range":      a.Key(),
		"creator":    createdBy,
	}).Debug("Created assignment")

	return a, nil
}

// ExtendFrontier generates up to count fresh assignments beyond the
// generation watermark, each one range-size wide. The watermark only moves
// forward; the verified frontier trails it and is advanced by consensus.
func (r *Registry) ExtendFrontier(count int) ([]*Assignment, error) {
	watermark := r.store.Watermark()
	if frontier := r.store.Frontier(); watermark < frontier {
		watermark = frontier
	}

	generated := []*Assignment{}
	for len(generated) < count {
		start := watermark
		end := start + r.rangeSize
		watermark = end

		// a user may have created this range ahead of the generator
		if _, err := r.store.AssignmentByKey(rangeKey(start, end)); err == nil {
			continue
		}

		a := NewAssignment("", start, end, 0)
		if err := r.store.SetAssignment(a); err != nil {
			return generated, err
		}

		generated = append(generated, a)
	}

	if err := r.store.SetWatermark(watermark); err != nil {
		return generated, err
	}

	r.logger.WithFields(logrus.Fields{
		"count":     len(generated),
		"watermark": watermark,
	}).Debug("Extended work frontier")

	return generated, nil
}

// Claim gives the worker a hold on the assignment until the deadline. One
// claim per user per assignment.
func (r *Registry) Claim(assignmentID string, workerID string, userID string, now time.Time) (*Assignment, error) {
	return r.claim(assignmentID, workerID, userID, r.redundancy, now)
}

// ClaimExtra admits one confirmer beyond the redundancy target. The
// scheduler uses it for spot checks on higher-tier workers.
func (r *Registry) ClaimExtra(assignmentID string, workerID string, userID string, now time.Time) (*Assignment, error) {
	return r.claim(assignmentID, workerID, userID, r.redundancy+1, now)
}

func (r *Registry) claim(assignmentID string, workerID string, userID string, limit int, now time.Time) (*Assignment, error) {
	a, err := r.store.Assignment(assignmentID)
	if err != nil {
		return nil, err
	}

	if a.Status != Available && a.Status != Assigned {
		return nil, ErrNotClaimable
	}
	if a.ClaimedByUser(userID) || a.ClaimedBy(workerID) {
		return nil, ErrSameUser
	}
	if a.liveClaims(now) >= limit {
		return nil, ErrNoClaimSlot
	}

	a.Claims = append(a.Claims, Claim{
		WorkerID:  workerID,
		UserID:    userID,
		ClaimedAt: now.Unix(),
		Deadline:  now.Add(r.timeout).Unix(),
	})

	if a.liveClaims(now) >= r.redundancy {
		a.Status = Assigned
	}

	return a, r.store.SetAssignment(a)
}

// Release frees a worker's claim without penalty, putting the slot back in
// the pool. Used when a worker goes silent before its deadline.
func (r *Registry) Release(assignmentID string, workerID string) error {
	a, err := r.store.Assignment(assignmentID)
	if err != nil {
		return err
	}

	kept := a.Claims[:0]
	for _, c := range a.Claims {
		if c.WorkerID == workerID && !c.Done {
			continue
		}
		kept = append(kept, c)
	}
	a.Claims = kept
	if a.Status == Assigned {
		a.Status = Available
	}

	return r.store.SetAssignment(a)
}

// Claimable returns assignments that still have open claim slots.
func (r *Registry) Claimable(now time.Time) []*Assignment {
	res := []*Assignment{}
	for _, a := range r.store.Assignments() {
		if a.Status != Available && a.Status != Assigned {
			continue
		}
		if a.liveClaims(now) >= r.redundancy {
			continue
		}
		res = append(res, a)
	}
	return res
}

// Next picks the best claimable assignment for the worker and claims it:
// highest priority first, then lowest range. Assignments already claimed by
// the worker's user are skipped.
func (r *Registry) Next(workerID string, userID string, now time.Time) (*Assignment, error) {
	candidates := []*Assignment{}
	for _, a := range r.store.Assignments() {
		if a.Status != Available && a.Status != Assigned {
			continue
		}
		if a.ClaimedByUser(userID) || a.ClaimedBy(workerID) {
			continue
		}
		if a.liveClaims(now) >= r.redundancy {
			continue
		}
		candidates = append(candidates, a)
	}

	if len(candidates) == 0 {
		return nil, ErrNoWork
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].RangeStart < candidates[j].RangeStart
	})

	return r.Claim(candidates[0].ID, workerID, userID, now)
}

// MarkDone records that the worker submitted a proof for its claim. When
// every live claim is done the assignment moves to Completed.
func (r *Registry) MarkDone(assignmentID string, workerID string, now time.Time) (*Assignment, error) {
	a, err := r.store.Assignment(assignmentID)
	if err != nil {
		return nil, err
	}

	found := false
	for i := range a.Claims {
		if a.Claims[i].WorkerID == workerID {
			a.Claims[i].Done = true
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("worker %s holds no claim on %s", workerID, assignmentID)
	}

	done := 0
	for _, c := range a.Claims {
		if c.Done {
			done++
		}
	}
	if done >= r.redundancy && a.Status != Verified && a.Status != Failed {
		a.Status = Completed
		a.CompletedAt = now.Unix()
	}

	return a, r.store.SetAssignment(a)
}

// MarkVerified finalizes the assignment after consensus accepted the range.
func (r *Registry) MarkVerified(assignmentID string) error {
	return r.setStatus(assignmentID, Verified)
}

// MarkFailed finalizes the assignment after consensus rejected the range.
func (r *Registry) MarkFailed(assignmentID string) error {
	return r.setStatus(assignmentID, Failed)
}

func (r *Registry) setStatus(assignmentID string, status Status) error {
	a, err := r.store.Assignment(assignmentID)
	if err != nil {
		return err
	}
	a.Status = status
	return r.store.SetAssignment(a)
}

// ByKey resolves an assignment by its canonical range key.
func (r *Registry) ByKey(key string) (*Assignment, error) {
	return r.store.AssignmentByKey(key)
}

// SweepTimeouts releases expired claims. An assignment whose claims all
// expired returns to Available with an incremented attempt counter so the
// range is handed out again.
func (r *Registry) SweepTimeouts(now time.Time) []*Assignment {
	swept := []*Assignment{}

	for _, a := range r.store.Assignments() {
		if a.Status != Assigned && a.Status != Available {
			continue
		}

		kept := a.Claims[:0]
		expired := 0
		for _, c := range a.Claims {
			if !c.Done && now.Unix() >= c.Deadline {
				expired++
				continue
			}
			kept = append(kept, c)
		}
		if expired == 0 {
			continue
		}

		a.Claims = kept
		a.Attempts += expired
		if a.liveClaims(now) < r.redundancy {
			a.Status = Available
		}

		if err := r.store.SetAssignment(a); err != nil {
			r.logger.WithField("error", err).Error("Failed to persist swept assignment")
			continue
		}

		r.logger.WithFields(logrus.Fields{
			"assignment": a.ID,
			"range":      a.Key(),
			"expired":    expired,
		}).Debug("Released expired claims")

		swept = append(swept, a)
	}

	return swept
}

// StatusCounts tallies assignments by status for the stats endpoint and
// snapshot publication.
func (r *Registry) StatusCounts() map[string]int {
	counts := map[string]int{}
	for _, a := range r.store.Assignments() {
		counts[string(a.Status)]++
	}
	return counts
}
