package trust

import "math"

// Tier is a worker's rank in the reputation ladder. It determines how many
// independent confirmations the network requires before accepting a result
// first submitted by that worker.
type Tier int

const (
	// Banned workers were caught submitting false or malformed results.
	// The tier is terminal.
	Banned Tier = -1

	// Untrusted is the starting tier for new workers.
	Untrusted Tier = 0

	// Verified workers have 10+ correct verifications.
	Verified Tier = 1

	// Trusted workers have 100+ correct verifications.
	Trusted Tier = 2

	// Elite workers have 1000+ correct verifications and zero errors.
	Elite Tier = 3
)

// Promotion thresholds, in correct verifications.
const (
	VerifiedThreshold = 10
	TrustedThreshold  = 100
	EliteThreshold    = 1000
)

// confirmation requirements per tier
var confirmations = map[Tier]int{
	Untrusted: 5,
	Verified:  3,
	Trusted:   2,
	Elite:     1,
	Banned:    math.MaxInt32,
}

// RequiredConfirmations returns the number of confirmations needed for a
// range whose first submitter holds this tier. Banned workers effectively
// never reach consensus.
func (t Tier) RequiredConfirmations() int {
	if c, ok := confirmations[t]; ok {
		return c
	}
	return confirmations[Untrusted]
}

func (t Tier) String() string {
	switch t {
	case Banned:
		return "BANNED"
	case Untrusted:
		return "UNTRUSTED"
	case Verified:
		return "VERIFIED"
	case Trusted:
		return "TRUSTED"
	case Elite:
		return "ELITE"
	}
	return "UNKNOWN"
}
