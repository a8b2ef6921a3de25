package node

import (
	"crypto/ecdsa"

	"github.com/verinet/verinet/src/common"
	"github.com/verinet/verinet/src/crypto/keys"
	"github.com/verinet/verinet/src/peers"
)

// Validator is the node's own identity: the key it signs snapshots with and
// a friendly moniker.
type Validator struct {
	Key     *ecdsa.PrivateKey
	Moniker string
}

// NewValidator is a factory method for a Validator.
func NewValidator(key *ecdsa.PrivateKey, moniker string) *Validator {
	return &Validator{
		Key:     key,
		Moniker: moniker,
	}
}

// ID returns an ID which is derived from the public key.
func (v *Validator) ID() uint32 {
	return common.Hash32(v.PublicKeyBytes())
}

// PublicKeyBytes returns the validator's public key as a byte slice.
func (v *Validator) PublicKeyBytes() []byte {
	return keys.FromPublicKey(&v.Key.PublicKey)
}

// PublicKeyHex returns the validator's public key as a hex string.
func (v *Validator) PublicKeyHex() string {
	return keys.PublicKeyHex(&v.Key.PublicKey)
}

// AsPeer returns the peer record other nodes would hold for this one.
func (v *Validator) AsPeer() *peers.Peer {
	return peers.NewPeer(v.PublicKeyHex(), v.Moniker)
}
