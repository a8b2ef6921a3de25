package trust

// Assignment size ceilings per tier, in numbers. Elite users are unbounded.
const (
	UntrustedMaxAssignment uint64 = 10_000
	VerifiedMaxAssignment  uint64 = 100_000
	TrustedMaxAssignment   uint64 = 1_000_000
)

// CanClaimProgress reports whether the user may advance the shared frontier.
// Anonymous submitters and users whose best worker is below Verified may
// still submit proofs, but their progress claims are held back until
// corroborated.
func (l *Ledger) CanClaimProgress(userID string) bool {
	if userID == "" {
		return false
	}
	best, err := l.BestTierForUser(userID)
	if err != nil {
		return false
	}
	return best >= Verified
}

// CanCreateAssignment reports whether the user may create a work assignment
// of the given size. The ceiling grows with the user's best tier.
func (l *Ledger) CanCreateAssignment(userID string, size uint64) bool {
	if userID == "" {
		return false
	}
	best, err := l.BestTierForUser(userID)
	if err != nil {
		best = Untrusted
	}

	switch {
	case best == Banned:
		return false
	case best >= Elite:
		return true
	case best >= Trusted:
		return size <= TrustedMaxAssignment
	case best >= Verified:
		return size <= VerifiedMaxAssignment
	default:
		return size <= UntrustedMaxAssignment
	}
}

// CanModifyGlobalState reports whether the user may perform privileged
// operations such as overriding assignment state. Reserved for Elite users.
func (l *Ledger) CanModifyGlobalState(userID string) bool {
	if userID == "" {
		return false
	}
	best, err := l.BestTierForUser(userID)
	if err != nil {
		return false
	}
	return best >= Elite
}
