package trust

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/verinet/verinet/src/common"
)

// Ban rule thresholds. The ban rule dominates promotion: a worker that
// qualifies for both is banned.
const (
	// BanMinVerifications is the minimum number of verifications before the
	// error-rate ban rule applies.
	BanMinVerifications = 20

	// BanErrorRate is the error rate above which a worker is banned.
	BanErrorRate = 0.10

	// BanIncorrectStreak is the number of consecutive incorrect results that
	// triggers an immediate ban.
	BanIncorrectStreak = 3
)

// Store is the persistence the Ledger needs. It is implemented by the state
// package.
type Store interface {
	Worker(workerID string) (*WorkerStats, error)
	SetWorker(stats *WorkerStats) error
	Workers() []*WorkerStats
	User(userID string) (*UserAccount, error)
	SetUser(account *UserAccount) error
	Users() []*UserAccount
}

// Ledger maintains worker statistics, tier transitions, and user accounts.
// All reputation and authorization decisions flow through it.
type Ledger struct {
	store  Store
	logger *logrus.Entry
}

func NewLedger(store Store, logger *logrus.Entry) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger,
	}
}

// Register creates the worker record, and the owning user account if one
// does not exist yet. It is idempotent: re-registering an existing worker
// only refreshes its activity timestamp.
func (l *Ledger) Register(workerID string, userID string, publicKey string) (*WorkerStats, error) {
	now := time.Now().Unix()

	if userID != "" {
		user, err := l.store.User(userID)
		if err != nil {
			if !common.IsStore(err, common.KeyNotFound) {
				return nil, err
			}
			user = &UserAccount{
				UserID:    userID,
				PublicKey: publicKey,
				CreatedAt: now,
			}
		}
		user.AddWorker(workerID)
		user.LastActive = now
		if err := l.store.SetUser(user); err != nil {
			return nil, err
		}
	}

	stats, err := l.store.Worker(workerID)
	if err == nil {
		stats.LastActive = now
		return stats, l.store.SetWorker(stats)
	}
	if !common.IsStore(err, common.KeyNotFound) {
		return nil, err
	}

	stats = &WorkerStats{
		WorkerID:   workerID,
		UserID:     userID,
		Tier:       Untrusted,
		FirstSeen:  now,
		LastActive: now,
	}

	l.logger.WithFields(logrus.Fields{
		"worker": workerID,
		"user":   userID,
	}).Debug("Registered worker")

	return stats, l.store.SetWorker(stats)
}

// RecordActivity credits a worker for a submitted proof before its
// correctness is known. Volume counters are submission-time facts.
func (l *Ledger) RecordActivity(workerID string, numbersChecked uint64, computeTime float64) error {
	stats, err := l.store.Worker(workerID)
	if err != nil {
		return err
	}

	stats.TotalNumbersChecked += numbersChecked
	stats.TotalComputeTime += computeTime
	stats.LastActive = time.Now().Unix()

	if err := l.store.SetWorker(stats); err != nil {
		return err
	}

	if stats.UserID == "" {
		return nil
	}

	user, err := l.store.User(stats.UserID)
	if err != nil {
		if common.IsStore(err, common.KeyNotFound) {
			return nil
		}
		return err
	}

	user.TotalNumbersChecked += numbersChecked
	user.TotalRanges++
	user.TotalComputeHours += computeTime / 3600
	user.LastActive = stats.LastActive

	return l.store.SetUser(user)
}

// RecordOutcome updates a worker's record once consensus has decided whether
// its result was correct. Tier transitions happen here and nowhere else,
// except for the Byzantine countermeasures in Ban and Demote.
func (l *Ledger) RecordOutcome(workerID string, correct bool) (*WorkerStats, error) {
	stats, err := l.store.Worker(workerID)
	if err != nil {
		return nil, err
	}

	stats.TotalVerifications++
	if correct {
		stats.CorrectVerifications++
		stats.ConsecutiveCorrect++
		stats.ConsecutiveIncorrect = 0
	} else {
		stats.IncorrectVerifications++
		stats.ConsecutiveIncorrect++
		stats.ConsecutiveCorrect = 0
	}
	stats.LastActive = time.Now().Unix()

	l.updateTier(stats)
	stats.ReputationScore = Reputation(stats, time.Now())

	return stats, l.store.SetWorker(stats)
}

// updateTier applies the ban rule first, then the monotonic promotion
// ladder. A worker's tier never decreases here.
func (l *Ledger) updateTier(stats *WorkerStats) {
	if stats.Tier == Banned {
		return
	}

	if stats.TotalVerifications >= BanMinVerifications &&
		(stats.ErrorRate() > BanErrorRate || stats.ConsecutiveIncorrect >= BanIncorrectStreak) {
		l.logger.WithFields(logrus.Fields{
			"worker":     stats.WorkerID,
			"error_rate": stats.ErrorRate(),
			"streak":     stats.ConsecutiveIncorrect,
		}).Warn("Banning worker")
		stats.Tier = Banned
		return
	}

	var next Tier
	switch {
	case stats.CorrectVerifications >= EliteThreshold && stats.IncorrectVerifications == 0:
		next = Elite
	case stats.CorrectVerifications >= TrustedThreshold:
		next = Trusted
	case stats.CorrectVerifications >= VerifiedThreshold:
		next = Verified
	default:
		next = Untrusted
	}

	if next > stats.Tier {
		l.logger.WithFields(logrus.Fields{
			"worker": stats.WorkerID,
			"from":   stats.Tier.String(),
			"to":     next.String(),
		}).Info("Promoting worker")
		stats.Tier = next
	}
}

// Ban marks a worker as Banned regardless of its record. Used when proof
// validation or the Byzantine monitor catches it red-handed.
func (l *Ledger) Ban(workerID string, reason string) error {
	stats, err := l.store.Worker(workerID)
	if err != nil {
		return err
	}
	if stats.Tier == Banned {
		return nil
	}

	l.logger.WithFields(logrus.Fields{
		"worker": workerID,
		"reason": reason,
	}).Warn("Banning worker")

	stats.Tier = Banned
	return l.store.SetWorker(stats)
}

// Demote lowers a worker's tier. This is a Byzantine countermeasure and the
// only path by which a non-banned tier decreases.
func (l *Ledger) Demote(workerID string, to Tier) error {
	stats, err := l.store.Worker(workerID)
	if err != nil {
		return err
	}
	if stats.Tier <= to {
		return nil
	}

	l.logger.WithFields(logrus.Fields{
		"worker": workerID,
		"from":   stats.Tier.String(),
		"to":     to.String(),
	}).Warn("Demoting worker")

	stats.Tier = to
	return l.store.SetWorker(stats)
}

// TierOf returns the worker's current tier. Unknown workers are Untrusted.
func (l *Ledger) TierOf(workerID string) Tier {
	stats, err := l.store.Worker(workerID)
	if err != nil {
		return Untrusted
	}
	return stats.Tier
}

// IsBanned reports whether the worker is in the Banned tier.
func (l *Ledger) IsBanned(workerID string) bool {
	return l.TierOf(workerID) == Banned
}

// RequiredConfirmations returns how many confirmations a range first
// submitted by the given worker needs.
func (l *Ledger) RequiredConfirmations(workerID string) int {
	return l.TierOf(workerID).RequiredConfirmations()
}

// BestTierForUser returns the highest tier among the user's non-banned
// workers. Authorization gates key off the user's best worker.
func (l *Ledger) BestTierForUser(userID string) (Tier, error) {
	user, err := l.store.User(userID)
	if err != nil {
		return Untrusted, err
	}

	best := Banned
	for _, workerID := range user.Workers {
		stats, err := l.store.Worker(workerID)
		if err != nil {
			continue
		}
		if stats.Tier > best {
			best = stats.Tier
		}
	}

	if best == Banned && len(user.Workers) > 0 {
		return Banned, nil
	}
	if len(user.Workers) == 0 {
		return Untrusted, nil
	}
	return best, nil
}

// spot-check probabilities per tier
var spotCheckProb = map[Tier]float64{
	Verified: 0.10,
	Trusted:  0.05,
	Elite:    0.02,
}

// NeedsSpotCheck decides whether a result from the given worker should be
// re-verified even though its tier would not require it. Untrusted workers
// are always fully verified, so they never need an extra spot check.
func (l *Ledger) NeedsSpotCheck(workerID string) bool {
	p, ok := spotCheckProb[l.TierOf(workerID)]
	if !ok {
		return false
	}
	return rand.Float64() < p
}

// Leaderboard returns the top n users by total contributions.
func (l *Ledger) Leaderboard(n int) []*UserAccount {
	users := l.store.Users()

	sort.Slice(users, func(i, j int) bool {
		if users[i].TotalNumbersChecked != users[j].TotalNumbersChecked {
			return users[i].TotalNumbersChecked > users[j].TotalNumbersChecked
		}
		return users[i].UserID < users[j].UserID
	})

	if n > 0 && len(users) > n {
		users = users[:n]
	}
	return users
}

// Statistics summarizes the ledger for the stats endpoint.
type Statistics struct {
	TotalWorkers      int            `json:"total_workers"`
	TotalUsers        int            `json:"total_users"`
	TierCounts        map[string]int `json:"tier_counts"`
	TotalChecked      uint64         `json:"total_numbers_checked"`
	TotalVerified     int            `json:"total_verifications"`
	TotalComputeHours float64        `json:"total_compute_hours"`
	SecondsPerBillion float64        `json:"avg_seconds_per_billion"`
}

func (l *Ledger) Statistics() *Statistics {
	stats := &Statistics{
		TierCounts: map[string]int{},
	}

	for _, w := range l.store.Workers() {
		stats.TotalWorkers++
		stats.TierCounts[w.Tier.String()]++
		stats.TotalChecked += w.TotalNumbersChecked
		stats.TotalVerified += w.TotalVerifications
	}
	for _, u := range l.store.Users() {
		stats.TotalComputeHours += u.TotalComputeHours
	}
	stats.TotalUsers = len(l.store.Users())

	if stats.TotalChecked > 0 {
		stats.SecondsPerBillion = stats.TotalComputeHours * 3600 * 1e9 / float64(stats.TotalChecked)
	}

	return stats
}

// Summary returns a user's account together with the stats of each of its
// workers.
type UserSummary struct {
	Account  *UserAccount   `json:"account"`
	Workers  []*WorkerStats `json:"workers"`
	BestTier string         `json:"best_tier"`
}

func (l *Ledger) Summary(userID string) (*UserSummary, error) {
	user, err := l.store.User(userID)
	if err != nil {
		return nil, fmt.Errorf("user %s: %v", userID, err)
	}

	summary := &UserSummary{Account: user}
	for _, workerID := range user.Workers {
		if stats, err := l.store.Worker(workerID); err == nil {
			summary.Workers = append(summary.Workers, stats)
		}
	}

	best, _ := l.BestTierForUser(userID)
	summary.BestTier = best.String()

	return summary, nil
}
