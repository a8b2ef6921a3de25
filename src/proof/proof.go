package proof

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"

	"github.com/google/uuid"
	"github.com/ugorji/go/codec"
	"github.com/verinet/verinet/src/common"
	"github.com/verinet/verinet/src/crypto"
	"github.com/verinet/verinet/src/crypto/keys"
)

// Body contains every field of a proof except the signature and the hash. It
// is the unit of canonicalization: independent implementations must produce
// byte-identical encodings of the same Body, so field names are stable and
// the encoder is canonical JSON (sorted keys, no whitespace).
type Body struct {
	WorkerID       string  `json:"worker_id"`
	UserID         string  `json:"user_id"`
	AssignmentID   string  `json:"assignment_id"`
	RangeStart     uint64  `json:"range_start"`
	RangeEnd       uint64  `json:"range_end"`
	AllConverged   bool    `json:"all_converged"`
	NumbersChecked uint64  `json:"numbers_checked"`
	MaxSteps       uint64  `json:"max_steps"`
	ComputeTime    float64 `json:"compute_time"`
	Timestamp      int64   `json:"timestamp"`
	EvidenceCID    string  `json:"evidence_cid"`
}

// Marshal returns the canonical JSON encoding of the Body.
func (b *Body) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(buf, jh)

	if err := enc.Encode(b); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Hash returns the SHA256 hash of the canonical encoding of the Body.
func (b *Body) Hash() ([]byte, error) {
	hashBytes, err := b.Marshal()
	if err != nil {
		return nil, err
	}
	return crypto.SHA256(hashBytes), nil
}

// SignedProof is a worker's claim that it verified a range, signed with the
// worker's private key. It is immutable once created and retained for audit.
type SignedProof struct {
	ID   string `json:"proof_id"`
	Body Body   `json:"body"`

	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
	Hash      string `json:"hash"`
}

// NewSignedProof assembles and signs a proof. The hash, public key, and
// signature fields are derived from the body and the private key.
func NewSignedProof(key *ecdsa.PrivateKey, body Body) (*SignedProof, error) {
	hashBytes, err := body.Hash()
	if err != nil {
		return nil, err
	}

	r, s, err := keys.Sign(key, hashBytes)
	if err != nil {
		return nil, err
	}

	return &SignedProof{
		ID:        uuid.New().String(),
		Body:      body,
		PublicKey: keys.PublicKeyHex(&key.PublicKey),
		Signature: keys.EncodeSignature(r, s),
		Hash:      common.EncodeToString(hashBytes),
	}, nil
}

// Key identifies the range a proof pertains to. All proofs for one range
// share a key.
func (p *SignedProof) Key() string {
	return fmt.Sprintf("%d-%d", p.Body.RangeStart, p.Body.RangeEnd)
}

// Verify checks that the embedded hash matches the canonical encoding of the
// body and that the signature is a valid signature of that hash by the
// embedded public key.
func (p *SignedProof) Verify() (bool, error) {
	hashBytes, err := p.Body.Hash()
	if err != nil {
		return false, err
	}

	if common.EncodeToString(hashBytes) != p.Hash {
		return false, nil
	}

	pubBytes, err := common.DecodeFromString(p.PublicKey)
	if err != nil {
		return false, err
	}

	pubKey := keys.ToPublicKey(pubBytes)
	if pubKey == nil {
		return false, fmt.Errorf("public key is not a point on the curve")
	}

	r, s, err := keys.DecodeSignature(p.Signature)
	if err != nil {
		return false, err
	}

	return keys.Verify(pubKey, hashBytes, r, s), nil
}
