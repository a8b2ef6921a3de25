package trust

import (
	"math"
	"time"
)

// Reputation decay for inactive workers.
const (
	// DecayGraceDays is how long a worker may be inactive before its
	// reputation starts decaying.
	DecayGraceDays = 30

	// DecayRate is the reputation multiplier per month of inactivity beyond
	// the grace period.
	DecayRate = 0.95
)

// WorkerStats is the per-worker record maintained by the Ledger. It is only
// ever mutated through Ledger methods.
type WorkerStats struct {
	WorkerID string `json:"worker_id"`
	UserID   string `json:"user_id"`

	TotalVerifications     int `json:"total_verifications"`
	CorrectVerifications   int `json:"correct_verifications"`
	IncorrectVerifications int `json:"incorrect_verifications"`
	ConsecutiveCorrect     int `json:"consecutive_correct"`
	ConsecutiveIncorrect   int `json:"consecutive_incorrect"`

	TotalNumbersChecked uint64  `json:"total_numbers_checked"`
	TotalComputeTime    float64 `json:"total_compute_time"`

	ReputationScore float64 `json:"reputation_score"`
	Tier            Tier    `json:"trust_level"`

	FirstSeen  int64 `json:"first_seen"`
	LastActive int64 `json:"last_active"`
}

// ErrorRate returns the fraction of this worker's verifications that were
// incorrect.
func (w *WorkerStats) ErrorRate() float64 {
	if w.TotalVerifications == 0 {
		return 0
	}
	return float64(w.IncorrectVerifications) / float64(w.TotalVerifications)
}

// Throughput returns the worker's average verification rate in numbers per
// second of compute time.
func (w *WorkerStats) Throughput() float64 {
	if w.TotalComputeTime <= 0 {
		return 0
	}
	return float64(w.TotalNumbersChecked) / w.TotalComputeTime
}

// Reputation computes a worker's reputation score in [0,100] at the given
// instant: accuracy percentage, plus a logarithmic volume bonus (max 20) and
// a consistency bonus (max 15), minus a penalty for consecutive errors (max
// 30), all decayed for inactivity.
func Reputation(w *WorkerStats, now time.Time) float64 {
	if w.TotalVerifications == 0 {
		return 0
	}

	accuracy := float64(w.CorrectVerifications) / float64(w.TotalVerifications)
	baseScore := accuracy * 100.0

	volumeBonus := math.Min(20.0, math.Log10(float64(w.TotalVerifications)+1)*5.0)
	consistencyBonus := math.Min(15.0, float64(w.ConsecutiveCorrect)*0.5)
	errorPenalty := math.Min(30.0, float64(w.ConsecutiveIncorrect)*10.0)

	decay := 1.0
	daysInactive := now.Sub(time.Unix(w.LastActive, 0)).Hours() / 24
	if daysInactive > DecayGraceDays {
		monthsInactive := (daysInactive - DecayGraceDays) / 30
		decay = math.Pow(DecayRate, monthsInactive)
	}

	reputation := (baseScore + volumeBonus + consistencyBonus - errorPenalty) * decay

	return math.Max(0.0, math.Min(100.0, reputation))
}
