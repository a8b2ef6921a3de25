package consensus

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/verinet/verinet/src/proof"
	"github.com/verinet/verinet/src/trust"
)

// ConflictEscalation is how many extra confirmations a range needs after a
// disagreement is observed among its proofs.
const ConflictEscalation = 3

var (
	// ErrDuplicate means the worker already submitted a proof for the range.
	ErrDuplicate = errors.New("worker already submitted for this range")

	// ErrBannedWorker means the submitter is banned and its proofs are
	// ignored.
	ErrBannedWorker = errors.New("submitter is banned")
)

// Trust is the slice of the trust ledger the engine consumes.
type Trust interface {
	RequiredConfirmations(workerID string) int
	RecordOutcome(workerID string, correct bool) (*trust.WorkerStats, error)
	IsBanned(workerID string) bool
}

// Store persists accepted proofs. Implemented by the state package.
type Store interface {
	SetProof(p *proof.SignedProof) error
	ProofsByRange(key string) []*proof.SignedProof
}

// Attempt is the consensus state of one range: the accepted confirmations
// collected so far, the proofs set aside as conflicting, and the number of
// confirmations still required. The requirement is set by the first
// submitter's tier and only ever grows.
type Attempt struct {
	RangeKey     string               `json:"range_key"`
	AssignmentID string               `json:"assignment_id"`
	Required     int                  `json:"required"`
	ConflictSeen bool                 `json:"conflict_seen"`
	Accepted     bool                 `json:"accepted_result"`
	Proofs       []*proof.SignedProof `json:"proofs"`
	Conflicting  []*proof.SignedProof `json:"conflicting"`
	StartedAt    int64                `json:"started_at"`
}

// votes counts distinct users among the accepted confirmations. Workers of
// one user count once; anonymous workers count individually. Conflicting
// proofs never count toward the quorum.
func (a *Attempt) votes() int {
	seen := map[string]bool{}
	for _, p := range a.Proofs {
		voter := p.Body.UserID
		if voter == "" {
			voter = p.Body.WorkerID
		}
		seen[voter] = true
	}
	return len(seen)
}

// seen reports whether the worker already submitted for this range, in
// either the accepted or the conflicting set.
func (a *Attempt) seen(workerID string) bool {
	for _, p := range a.Proofs {
		if p.Body.WorkerID == workerID {
			return true
		}
	}
	for _, p := range a.Conflicting {
		if p.Body.WorkerID == workerID {
			return true
		}
	}
	return false
}

// leaning returns the convergence value reported by a strict majority of
// distinct users among the collected proofs, or the first submission's value
// when the users are split evenly. It decides only which side keeps
// collecting after a conflict, never the final truth.
func (a *Attempt) leaning() bool {
	byUser := map[string]bool{}
	for _, p := range a.Proofs {
		voter := p.Body.UserID
		if voter == "" {
			voter = p.Body.WorkerID
		}
		byUser[voter] = p.Body.AllConverged
	}

	yes := 0
	for _, v := range byUser {
		if v {
			yes++
		}
	}

	total := len(byUser)
	if 2*yes > total {
		return true
	}
	if 2*(total-yes) > total {
		return false
	}
	return a.Proofs[0].Body.AllConverged
}

// unanimous reports whether every accepted confirmation agrees on
// convergence.
func (a *Attempt) unanimous() bool {
	for _, p := range a.Proofs {
		if p.Body.AllConverged != a.Proofs[0].Body.AllConverged {
			return false
		}
	}
	return true
}

// Result is what the engine tells the caller after a submission.
type Result struct {
	RangeKey     string
	AssignmentID string
	Resolved     bool
	AllConverged bool
	Escalated    bool
	Required     int
	Votes        int
	Confirmers   []string
}

// Engine runs tier-weighted consensus over submitted proofs. It is safe for
// concurrent use.
type Engine struct {
	sync.Mutex

	trust    Trust
	store    Store
	attempts map[string]*Attempt
	logger   *logrus.Entry
}

func NewEngine(trust Trust, store Store, logger *logrus.Entry) *Engine {
	return &Engine{
		trust:    trust,
		store:    store,
		attempts: map[string]*Attempt{},
		logger:   logger,
	}
}

// Submit feeds a validated proof into the range's consensus attempt and
// evaluates it. The proof must already have passed proof.Validate; the
// engine only enforces consensus rules.
func (e *Engine) Submit(p *proof.SignedProof, now time.Time) (*Result, error) {
	e.Lock()
	defer e.Unlock()

	if e.trust.IsBanned(p.Body.WorkerID) {
		return nil, ErrBannedWorker
	}

	key := p.Key()
	attempt, ok := e.attempts[key]
	if !ok {
		attempt = &Attempt{
			RangeKey:     key,
			AssignmentID: p.Body.AssignmentID,
			Required:     e.trust.RequiredConfirmations(p.Body.WorkerID),
			StartedAt:    now.Unix(),
		}
		e.attempts[key] = attempt
	}

	if attempt.seen(p.Body.WorkerID) {
		return nil, ErrDuplicate
	}

	if err := e.store.SetProof(p); err != nil {
		return nil, err
	}

	if attempt.ConflictSeen && p.Body.AllConverged != attempt.Accepted {
		return e.dissent(attempt, p), nil
	}

	attempt.Proofs = append(attempt.Proofs, p)

	return e.evaluate(attempt, now), nil
}

// dissent sets a post-conflict disagreeing proof aside and raises the bar.
// The proof is retained for the out-of-band resolution but never counts
// toward the quorum. Caller holds the lock.
func (e *Engine) dissent(attempt *Attempt, p *proof.SignedProof) *Result {
	attempt.Conflicting = append(attempt.Conflicting, p)
	attempt.Required += ConflictEscalation

	e.logger.WithFields(logrus.Fields{
		"range":    attempt.RangeKey,
		"worker":   p.Body.WorkerID,
		"required": attempt.Required,
	}).Warn("Dissenting proof set aside, escalating confirmation requirement")

	return &Result{
		RangeKey:     attempt.RangeKey,
		AssignmentID: attempt.AssignmentID,
		Escalated:    true,
		Required:     attempt.Required,
		Votes:        attempt.votes(),
	}
}

// evaluate checks whether the accepted set has enough votes and whether it
// agrees. Caller holds the lock.
func (e *Engine) evaluate(attempt *Attempt, now time.Time) *Result {
	res := &Result{
		RangeKey:     attempt.RangeKey,
		AssignmentID: attempt.AssignmentID,
		Required:     attempt.Required,
		Votes:        attempt.votes(),
	}

	if res.Votes < attempt.Required {
		return res
	}

	if attempt.unanimous() {
		return e.resolve(attempt, res)
	}

	// first disagreement: the dissenting proofs move to the conflicting set,
	// the bar rises, collection continues. Nobody is penalized; only an
	// out-of-band resolution with ground truth assigns blame.
	attempt.Accepted = attempt.leaning()
	attempt.ConflictSeen = true

	kept := attempt.Proofs[:0]
	for _, p := range attempt.Proofs {
		if p.Body.AllConverged == attempt.Accepted {
			kept = append(kept, p)
		} else {
			attempt.Conflicting = append(attempt.Conflicting, p)
			attempt.Required += ConflictEscalation
		}
	}
	attempt.Proofs = kept

	res.Escalated = true
	res.Required = attempt.Required
	res.Votes = attempt.votes()

	e.logger.WithFields(logrus.Fields{
		"range":    attempt.RangeKey,
		"required": attempt.Required,
	}).Warn("Consensus conflict, escalating confirmation requirement")

	return res
}

// resolve closes the attempt, rewarding every accepted confirmer. Proofs in
// the conflicting set are left untouched; their workers answer to
// ResolveConflict once the truth is independently established. Caller holds
// the lock.
func (e *Engine) resolve(attempt *Attempt, res *Result) *Result {
	res.Resolved = true
	res.AllConverged = attempt.Proofs[0].Body.AllConverged

	for _, p := range attempt.Proofs {
		res.Confirmers = append(res.Confirmers, p.Body.WorkerID)
		if _, err := e.trust.RecordOutcome(p.Body.WorkerID, true); err != nil {
			e.logger.WithField("error", err).Error("Failed to record outcome")
		}
	}

	delete(e.attempts, attempt.RangeKey)

	e.logger.WithFields(logrus.Fields{
		"range":     attempt.RangeKey,
		"votes":     res.Votes,
		"converged": res.AllConverged,
	}).Debug("Consensus resolved")

	return res
}

// ResolveConflict settles a conflicted range out of band once ground truth
// is established: the named correct workers are rewarded, the named
// incorrect workers are penalized, and any pending attempt for the range is
// destroyed. This is the only path that ever penalizes a dissenter.
func (e *Engine) ResolveConflict(rangeKey string, truth bool, correct, incorrect []string) {
	e.Lock()
	defer e.Unlock()

	for _, workerID := range correct {
		if _, err := e.trust.RecordOutcome(workerID, true); err != nil {
			e.logger.WithField("error", err).Error("Failed to record outcome")
		}
	}
	for _, workerID := range incorrect {
		if _, err := e.trust.RecordOutcome(workerID, false); err != nil {
			e.logger.WithField("error", err).Error("Failed to record outcome")
		}
	}

	delete(e.attempts, rangeKey)

	e.logger.WithFields(logrus.Fields{
		"range": rangeKey,
		"truth": truth,
	}).Info("Conflict resolved")
}

// Attempt returns a copy of the pending attempt for the range, or nil.
func (e *Engine) Attempt(rangeKey string) *Attempt {
	e.Lock()
	defer e.Unlock()

	attempt, ok := e.attempts[rangeKey]
	if !ok {
		return nil
	}
	cp := *attempt
	cp.Proofs = append([]*proof.SignedProof{}, attempt.Proofs...)
	cp.Conflicting = append([]*proof.SignedProof{}, attempt.Conflicting...)
	return &cp
}

// Pending returns all unresolved attempts, ordered by range key.
func (e *Engine) Pending() []*Attempt {
	e.Lock()
	defer e.Unlock()

	res := []*Attempt{}
	for _, attempt := range e.attempts {
		cp := *attempt
		cp.Proofs = append([]*proof.SignedProof{}, attempt.Proofs...)
		cp.Conflicting = append([]*proof.SignedProof{}, attempt.Conflicting...)
		res = append(res, &cp)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].RangeKey < res[j].RangeKey
	})
	return res
}

// PendingByUser counts unresolved attempts per user. The Byzantine monitor
// uses this to spot Sybil patterns.
func (e *Engine) PendingByUser() map[string]int {
	e.Lock()
	defer e.Unlock()

	counts := map[string]int{}
	for _, attempt := range e.attempts {
		users := map[string]bool{}
		collected := append([]*proof.SignedProof{}, attempt.Proofs...)
		collected = append(collected, attempt.Conflicting...)
		for _, p := range collected {
			if p.Body.UserID != "" && !users[p.Body.UserID] {
				users[p.Body.UserID] = true
				counts[p.Body.UserID]++
			}
		}
	}
	return counts
}
