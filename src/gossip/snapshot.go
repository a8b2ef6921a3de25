package gossip

import (
	"bytes"

	"github.com/ugorji/go/codec"

	"github.com/verinet/verinet/src/common"
	"github.com/verinet/verinet/src/crypto"
	"github.com/verinet/verinet/src/proof"
	"github.com/verinet/verinet/src/trust"
	"github.com/verinet/verinet/src/work"
)

// Snapshot is the unit of gossip: one node's complete shared state at one
// instant. Snapshots are published on the content network and merged by
// whoever pulls them. Field names are part of the wire format.
type Snapshot struct {
	GlobalFrontier     uint64                        `json:"global_frontier"`
	WorkAssignments    map[string]*work.Assignment   `json:"work_assignments"`
	VerificationProofs map[string]*proof.SignedProof `json:"verification_proofs"`
	UserAccounts       map[string]*trust.UserAccount `json:"user_accounts"`
	PublisherID        string                        `json:"publisher_id"`
	Timestamp          int64                         `json:"timestamp"`
	StatusCounts       map[string]int                `json:"status_counts"`
}

func NewSnapshot(publisherID string) *Snapshot {
	return &Snapshot{
		WorkAssignments:    map[string]*work.Assignment{},
		VerificationProofs: map[string]*proof.SignedProof{},
		UserAccounts:       map[string]*trust.UserAccount{},
		PublisherID:        publisherID,
		StatusCounts:       map[string]int{},
	}
}

// Marshal produces the canonical wire encoding: compact JSON with sorted map
// keys, so the same state always yields the same bytes and the same content
// id.
func (s *Snapshot) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)

	jh := new(codec.JsonHandle)
	jh.Canonical = true

	enc := codec.NewEncoder(b, jh)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal decodes a snapshot from its wire encoding.
func (s *Snapshot) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)

	jh := new(codec.JsonHandle)
	jh.Canonical = true

	dec := codec.NewDecoder(b, jh)
	return dec.Decode(s)
}

// Hash returns the hex-encoded hash of the canonical encoding.
func (s *Snapshot) Hash() (string, error) {
	data, err := s.Marshal()
	if err != nil {
		return "", err
	}
	return common.EncodeToString(crypto.SHA256(data)), nil
}

// statusRank orders assignment statuses by lifecycle progress. Merging
// prefers the more advanced copy.
var statusRank = map[work.Status]int{
	work.Available: 0,
	work.Assigned:  1,
	work.Completed: 2,
	work.Verified:  3,
	work.Failed:    3,
}

// doneClaims counts completed claims on an assignment.
func doneClaims(a *work.Assignment) int {
	n := 0
	for _, c := range a.Claims {
		if c.Done {
			n++
		}
	}
	return n
}

// preferAssignment picks the better-informed of two copies of one
// assignment: more completed claims first, then more claims, then the more
// advanced status.
func preferAssignment(a, b *work.Assignment) *work.Assignment {
	if da, db := doneClaims(a), doneClaims(b); da != db {
		if da > db {
			return a
		}
		return b
	}
	if len(a.Claims) != len(b.Claims) {
		if len(a.Claims) > len(b.Claims) {
			return a
		}
		return b
	}
	if statusRank[b.Status] > statusRank[a.Status] {
		return b
	}
	return a
}

// Merge combines two snapshots into a new one without mutating either.
// Assignments are unioned by id preferring the better-informed copy, proofs
// are unioned by id, user accounts are merged per the trust rules, and the
// frontier takes the maximum. Callers must validate frontier claims before
// merging; Merge itself is trusting.
func Merge(a, b *Snapshot) *Snapshot {
	out := NewSnapshot(a.PublisherID)

	out.GlobalFrontier = a.GlobalFrontier
	if b.GlobalFrontier > out.GlobalFrontier {
		out.GlobalFrontier = b.GlobalFrontier
	}

	out.Timestamp = a.Timestamp
	if b.Timestamp > out.Timestamp {
		out.Timestamp = b.Timestamp
	}

	for id, assignment := range a.WorkAssignments {
		out.WorkAssignments[id] = assignment
	}
	for id, assignment := range b.WorkAssignments {
		if existing, ok := out.WorkAssignments[id]; ok {
			out.WorkAssignments[id] = preferAssignment(existing, assignment)
		} else {
			out.WorkAssignments[id] = assignment
		}
	}

	for id, p := range a.VerificationProofs {
		out.VerificationProofs[id] = p
	}
	for id, p := range b.VerificationProofs {
		out.VerificationProofs[id] = p
	}

	for id, account := range a.UserAccounts {
		cp := *account
		cp.Workers = append([]string{}, account.Workers...)
		out.UserAccounts[id] = &cp
	}
	for id, account := range b.UserAccounts {
		if existing, ok := out.UserAccounts[id]; ok {
			existing.Merge(account)
		} else {
			cp := *account
			cp.Workers = append([]string{}, account.Workers...)
			out.UserAccounts[id] = &cp
		}
	}

	for _, assignment := range out.WorkAssignments {
		out.StatusCounts[string(assignment.Status)]++
	}

	return out
}
