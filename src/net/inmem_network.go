package net

import (
	"context"
	"sync"
	"time"

	"github.com/verinet/verinet/src/common"
	"github.com/verinet/verinet/src/crypto"
)

type nameRecord struct {
	cid     string
	expires time.Time
}

// InmemNetwork implements ContentNetwork in memory. Multiple nodes sharing
// one instance see each other's content, which is how the integration tests
// simulate a network.
type InmemNetwork struct {
	sync.RWMutex

	content map[string][]byte
	names   map[string]nameRecord
	peers   []string
}

func NewInmemNetwork() *InmemNetwork {
	return &InmemNetwork{
		content: map[string][]byte{},
		names:   map[string]nameRecord{},
	}
}

// Put implements the ContentNetwork interface. The content id is the hash of
// the data, so identical payloads share an id.
func (n *InmemNetwork) Put(ctx context.Context, data []byte) (string, error) {
	cid := common.EncodeToString(crypto.SHA256(data))

	n.Lock()
	defer n.Unlock()

	n.content[cid] = data
	return cid, nil
}

// Get implements the ContentNetwork interface.
func (n *InmemNetwork) Get(ctx context.Context, cid string) ([]byte, error) {
	n.RLock()
	defer n.RUnlock()

	data, ok := n.content[cid]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

// PublishName implements the ContentNetwork interface.
func (n *InmemNetwork) PublishName(ctx context.Context, name string, cid string, ttl time.Duration) error {
	if ttl == 0 {
		ttl = DefaultNameTTL
	}

	n.Lock()
	defer n.Unlock()

	n.names[name] = nameRecord{
		cid:     cid,
		expires: time.Now().Add(ttl),
	}
	return nil
}

// ResolveName implements the ContentNetwork interface.
func (n *InmemNetwork) ResolveName(ctx context.Context, name string) (string, error) {
	n.RLock()
	defer n.RUnlock()

	rec, ok := n.names[name]
	if !ok || time.Now().After(rec.expires) {
		return "", ErrNameNotFound
	}
	return rec.cid, nil
}

// DiscoverPeers implements the ContentNetwork interface.
func (n *InmemNetwork) DiscoverPeers(ctx context.Context) ([]string, error) {
	n.RLock()
	defer n.RUnlock()

	return append([]string{}, n.peers...), nil
}

// SetPeers sets the peer list returned by DiscoverPeers.
func (n *InmemNetwork) SetPeers(peers []string) {
	n.Lock()
	defer n.Unlock()

	n.peers = append([]string{}, peers...)
}
