package work

import (
	"time"

	"github.com/google/uuid"
)

// Default work parameters.
const (
	// DefaultRangeSize is the width of a frontier-generated assignment.
	DefaultRangeSize uint64 = 10_000_000_000

	// DefaultTimeout is how long a worker holds a claim before it is
	// released back to the pool.
	DefaultTimeout = time.Hour

	// DefaultRedundancy is how many workers from distinct users each range
	// is handed to.
	DefaultRedundancy = 3
)

// Status is the lifecycle state of an assignment.
type Status string

const (
	// Available means the assignment still has open claim slots.
	Available Status = "available"

	// Assigned means all claim slots are taken.
	Assigned Status = "assigned"

	// Completed means every claimed worker has submitted a proof.
	Completed Status = "completed"

	// Verified means consensus accepted the range.
	Verified Status = "verified"

	// Failed means consensus found a conflict it could not resolve, or the
	// assignment exhausted its retry budget.
	Failed Status = "failed"
)

// Claim is one worker's hold on an assignment.
type Claim struct {
	WorkerID  string `json:"worker_id"`
	UserID    string `json:"user_id"`
	ClaimedAt int64  `json:"claimed_at"`
	Deadline  int64  `json:"deadline"`
	Done      bool   `json:"done"`
}

// Assignment is a range of numbers handed out for verification. Each range
// is claimed by multiple workers from distinct users; their results are
// cross-checked by consensus.
type Assignment struct {
	ID         string `json:"assignment_id"`
	RangeStart uint64 `json:"range_start"`
	RangeEnd   uint64 `json:"range_end"`

	Status   Status `json:"status"`
	Priority int    `json:"priority"`

	CreatedBy string  `json:"created_by"`
	Claims    []Claim `json:"claims"`

	CreatedAt   int64 `json:"created_at"`
	CompletedAt int64 `json:"completed_at"`

	Attempts int `json:"attempts"`
}

// NewAssignment builds an Available assignment over [start,end).
func NewAssignment(createdBy string, start, end uint64, priority int) *Assignment {
	return &Assignment{
		ID:         uuid.New().String(),
		RangeStart: start,
		RangeEnd:   end,
		Status:     Available,
		Priority:   priority,
		CreatedBy:  createdBy,
		CreatedAt:  time.Now().Unix(),
	}
}

// Size returns the width of the assignment's range.
func (a *Assignment) Size() uint64 {
	if a.RangeEnd <= a.RangeStart {
		return 0
	}
	return a.RangeEnd - a.RangeStart
}

// Key returns the canonical range key shared with proofs and consensus.
func (a *Assignment) Key() string {
	return rangeKey(a.RangeStart, a.RangeEnd)
}

// ClaimedBy reports whether the worker currently holds a claim.
func (a *Assignment) ClaimedBy(workerID string) bool {
	for _, c := range a.Claims {
		if c.WorkerID == workerID {
			return true
		}
	}
	return false
}

// ClaimedByUser reports whether any of the user's workers holds a claim.
// Workers of one user only count once in consensus, so handing two slots to
// the same user would waste a redundancy slot.
func (a *Assignment) ClaimedByUser(userID string) bool {
	if userID == "" {
		return false
	}
	for _, c := range a.Claims {
		if c.UserID == userID {
			return true
		}
	}
	return false
}

// liveClaims counts claims that are neither done nor past their deadline.
func (a *Assignment) liveClaims(now time.Time) int {
	n := 0
	for _, c := range a.Claims {
		if !c.Done && now.Unix() < c.Deadline {
			n++
		}
	}
	return n
}
