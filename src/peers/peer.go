package peers

import (
	"encoding/hex"
	"strings"

	"github.com/verinet/verinet/src/common"
)

// Peer is a verification node known to us. It is identified by its public
// key; the moniker is a non-unique user-friendly name. Snapshots are pulled
// from the name the peer publishes on the content network.
type Peer struct {
	PubKeyHex string `json:"pub_key_hex"`
	Moniker   string `json:"moniker"`

	id uint32
}

// NewPeer is a factory method for creating a new Peer instance.
func NewPeer(pubKeyHex, moniker string) *Peer {
	peer := &Peer{
		PubKeyHex: pubKeyHex,
		Moniker:   moniker,
	}
	return peer
}

// ID returns the peer's canonical ID: a hash of its public key.
func (p *Peer) ID() uint32 {
	if p.id == 0 {
		pubKeyBytes, _ := p.PubKeyBytes()
		p.id = common.Hash32(pubKeyBytes)
	}
	return p.id
}

// PubKeyString returns the upper-case version of PubKeyHex. It is used for
// indexing in maps with string keys.
func (p *Peer) PubKeyString() string {
	return strings.ToUpper(p.PubKeyHex)
}

// PubKeyBytes converts the hex string representation of the public key into
// bytes.
func (p *Peer) PubKeyBytes() ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(p.PubKeyString(), "0X"))
}

// SnapshotName returns the name under which this peer publishes its state
// snapshots on the content network.
func (p *Peer) SnapshotName() string {
	return "verinet/" + p.PubKeyString() + "/snapshot"
}
