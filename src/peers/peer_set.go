package peers

import (
	"bytes"
	"encoding/json"

	"github.com/verinet/verinet/src/crypto"
)

// PeerSet is a set of Peers forming a verification network.
type PeerSet struct {
	Peers    []*Peer          `json:"peers"`
	ByPubKey map[string]*Peer `json:"-"`
	ByID     map[uint32]*Peer `json:"-"`

	// cached values
	hash []byte
}

/* Constructors */

// NewPeerSet creates a new PeerSet from a list of Peers.
func NewPeerSet(peers []*Peer) *PeerSet {
	peerSet := &PeerSet{
		ByPubKey: make(map[string]*Peer),
		ByID:     make(map[uint32]*Peer),
	}

	for _, peer := range peers {
		peerSet.ByPubKey[peer.PubKeyString()] = peer
		peerSet.ByID[peer.ID()] = peer
	}

	peerSet.Peers = peers

	return peerSet
}

// NewPeerSetFromPeerSliceBytes creates a new PeerSet from a peer slice in
// bytes format.
func NewPeerSetFromPeerSliceBytes(peerSliceBytes []byte) (*PeerSet, error) {
	peers := []*Peer{}

	b := bytes.NewBuffer(peerSliceBytes)
	dec := json.NewDecoder(b)

	err := dec.Decode(&peers)
	if err != nil {
		return nil, err
	}

	return NewPeerSet(peers), nil
}

// WithNewPeer returns a new PeerSet with a list of peers including the new
// one.
func (peerSet *PeerSet) WithNewPeer(peer *Peer) *PeerSet {
	peers := peerSet.Peers

	// don't add it if it already exists
	if _, ok := peerSet.ByID[peer.ID()]; !ok {
		peers = append(peers, peer)
	}

	return NewPeerSet(peers)
}

// WithRemovedPeer returns a new PeerSet with a list of peers excluding the
// provided one.
func (peerSet *PeerSet) WithRemovedPeer(peer *Peer) *PeerSet {
	peers := []*Peer{}
	for _, p := range peerSet.Peers {
		if p.PubKeyHex != peer.PubKeyHex {
			peers = append(peers, p)
		}
	}
	return NewPeerSet(peers)
}

/* ToSlice Methods */

// PubKeys returns the PeerSet's slice of public keys.
func (peerSet *PeerSet) PubKeys() []string {
	res := []string{}

	for _, peer := range peerSet.Peers {
		res = append(res, peer.PubKeyString())
	}

	return res
}

/* Utilities */

// Len returns the number of Peers in the PeerSet.
func (peerSet *PeerSet) Len() int {
	return len(peerSet.ByPubKey)
}

// Hash uniquely identifies a PeerSet. It is computed by hashing (SHA256)
// their public keys together, one by one.
func (peerSet *PeerSet) Hash() ([]byte, error) {
	if len(peerSet.hash) == 0 {
		hashBytes := []byte{}
		for _, p := range peerSet.Peers {
			pk, err := p.PubKeyBytes()
			if err != nil {
				return nil, err
			}
			hashBytes = append(hashBytes, pk...)
		}
		peerSet.hash = crypto.SHA256(hashBytes)
	}
	return peerSet.hash, nil
}

// Marshal returns the JSON encoding of the PeerSet's peers.
func (peerSet *PeerSet) Marshal() ([]byte, error) {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)

	if err := enc.Encode(peerSet.Peers); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}
