package proof

import (
	"errors"
	"time"

	"github.com/verinet/verinet/src/common"
)

// Validation limits. A proof that violates any of them is treated as
// malicious, not malformed: honest workers produce well-formed proofs, so the
// submitter of an invalid one is banned by the caller.
const (
	// MaxClockSkew is how far in the future a proof timestamp may be.
	MaxClockSkew = 5 * time.Minute

	// MaxAge is how old a proof may be before it is considered stale.
	MaxAge = 7 * 24 * time.Hour

	// CountTolerance is the accepted relative deviation between the reported
	// numbers-checked and the expected count for the range.
	CountTolerance = 0.10
)

// Validation errors. Every one of them marks the submitter as malicious.
var (
	ErrBadSignature     = errors.New("invalid cryptographic signature")
	ErrHashMismatch     = errors.New("proof hash does not match body")
	ErrFutureTimestamp  = errors.New("proof timestamp is in the future")
	ErrStale            = errors.New("proof is too old")
	ErrInvalidRange     = errors.New("proof range is invalid")
	ErrImplausibleCount = errors.New("numbers checked does not match range")
)

// ExpectedChecked returns the number of values a worker is expected to check
// in [start,end). Only odd values are tested directly, so the expected count
// is half the range width.
func ExpectedChecked(start, end uint64) uint64 {
	if end <= start {
		return 0
	}
	return (end - start) / 2
}

// Validate runs the full validation pipeline against the proof: signature,
// hash, timestamp window, range sanity, and numbers-checked plausibility.
// It returns nil if and only if the proof is acceptable for consensus.
func (p *SignedProof) Validate(now time.Time) error {
	hashBytes, err := p.Body.Hash()
	if err != nil {
		return ErrHashMismatch
	}
	if common.EncodeToString(hashBytes) != p.Hash {
		return ErrHashMismatch
	}

	ok, err := p.Verify()
	if err != nil || !ok {
		return ErrBadSignature
	}

	ts := time.Unix(p.Body.Timestamp, 0)

	if ts.After(now.Add(MaxClockSkew)) {
		return ErrFutureTimestamp
	}

	if now.Sub(ts) > MaxAge {
		return ErrStale
	}

	if p.Body.RangeStart >= p.Body.RangeEnd {
		return ErrInvalidRange
	}

	expected := ExpectedChecked(p.Body.RangeStart, p.Body.RangeEnd)
	tolerance := uint64(float64(expected) * CountTolerance)

	var deviation uint64
	if p.Body.NumbersChecked > expected {
		deviation = p.Body.NumbersChecked - expected
	} else {
		deviation = expected - p.Body.NumbersChecked
	}

	if deviation > tolerance {
		return ErrImplausibleCount
	}

	return nil
}
