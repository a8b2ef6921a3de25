package trust

import (
	"encoding/hex"

	"github.com/verinet/verinet/src/crypto"
)

// UserAccount links multiple worker nodes to one operator identity. Workers
// of the same user count as a single vote in consensus, which is the basis of
// the anti-collusion rules. The identity is self-reported: it deters casual
// collusion but is not a proof of uniqueness.
type UserAccount struct {
	UserID    string   `json:"user_id"`
	PublicKey string   `json:"public_key"`
	Workers   []string `json:"registered_workers"`

	CreatedAt  int64 `json:"created_at"`
	LastActive int64 `json:"last_active"`

	TotalNumbersChecked uint64  `json:"total_contributions"`
	TotalRanges         int     `json:"total_ranges"`
	TotalComputeHours   float64 `json:"total_compute_hours"`
}

// DeriveUserID generates the deterministic user id for a public key: "U"
// followed by the first 16 hex characters of the key's SHA256 hash. The same
// public key always maps to the same id.
func DeriveUserID(pubBytes []byte) string {
	sum := hex.EncodeToString(crypto.SHA256(pubBytes))
	return "U" + sum[:16]
}

// HasWorker reports whether the given worker is registered to this user.
func (u *UserAccount) HasWorker(workerID string) bool {
	for _, w := range u.Workers {
		if w == workerID {
			return true
		}
	}
	return false
}

// AddWorker registers a worker id with the account. It is idempotent.
func (u *UserAccount) AddWorker(workerID string) {
	if !u.HasWorker(workerID) {
		u.Workers = append(u.Workers, workerID)
	}
}

// Merge folds a replica of the same account into this one. Counters take the
// maximum (gossip may redeliver, so addition would double-count), worker
// lists take the union.
func (u *UserAccount) Merge(other *UserAccount) {
	if other.TotalNumbersChecked > u.TotalNumbersChecked {
		u.TotalNumbersChecked = other.TotalNumbersChecked
	}
	if other.TotalRanges > u.TotalRanges {
		u.TotalRanges = other.TotalRanges
	}
	if other.TotalComputeHours > u.TotalComputeHours {
		u.TotalComputeHours = other.TotalComputeHours
	}
	if other.LastActive > u.LastActive {
		u.LastActive = other.LastActive
	}
	for _, w := range other.Workers {
		u.AddWorker(w)
	}
}
