package gossip

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/verinet/verinet/src/net"
	"github.com/verinet/verinet/src/peers"
)

const (
	// DefaultFanout is how many peers one gossip round pulls from.
	DefaultFanout = 5

	// mergedCacheSize bounds the memory spent remembering already-merged
	// snapshot ids.
	mergedCacheSize = 1000
)

// Replicator pulls peers' snapshots from the content network and feeds them
// to the node, and publishes the node's own snapshot under its well-known
// name. It remembers merged snapshot ids so redelivery is free.
type Replicator struct {
	network net.ContentNetwork
	self    *peers.Peer
	peerSet func() *peers.PeerSet
	local   func() (*Snapshot, error)
	apply   func(*Snapshot) error
	fanout  int
	merged  *lru.Cache
	rand    *rand.Rand
	logger  *logrus.Entry
}

func NewReplicator(
	network net.ContentNetwork,
	self *peers.Peer,
	peerSet func() *peers.PeerSet,
	local func() (*Snapshot, error),
	apply func(*Snapshot) error,
	fanout int,
	logger *logrus.Entry,
) (*Replicator, error) {

	if fanout <= 0 {
		fanout = DefaultFanout
	}

	merged, err := lru.New(mergedCacheSize)
	if err != nil {
		return nil, err
	}

	return &Replicator{
		network: network,
		self:    self,
		peerSet: peerSet,
		local:   local,
		apply:   apply,
		fanout:  fanout,
		merged:  merged,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:  logger,
	}, nil
}

// GossipOnce runs one pull round: sample up to fanout peers, resolve each
// one's snapshot name, fetch, decode, and apply. A failing peer is logged
// and skipped; the round's errors are aggregated.
func (r *Replicator) GossipOnce(ctx context.Context) error {
	sample := r.samplePeers()
	if len(sample) == 0 {
		return nil
	}

	var result *multierror.Error

	for _, peer := range sample {
		if err := r.pullFrom(ctx, peer); err != nil {
			r.logger.WithFields(logrus.Fields{
				"peer":  peer.Moniker,
				"error": err,
			}).Debug("Failed to pull snapshot")
			result = multierror.Append(result, fmt.Errorf("peer %s: %v", peer.Moniker, err))
		}
	}

	return result.ErrorOrNil()
}

func (r *Replicator) pullFrom(ctx context.Context, peer *peers.Peer) error {
	cid, err := r.network.ResolveName(ctx, peer.SnapshotName())
	if err != nil {
		return err
	}

	// already merged this exact snapshot
	if _, ok := r.merged.Get(cid); ok {
		return nil
	}

	data, err := r.network.Get(ctx, cid)
	if err != nil {
		return err
	}

	remote := NewSnapshot("")
	if err := remote.Unmarshal(data); err != nil {
		return err
	}

	if err := r.apply(remote); err != nil {
		return err
	}

	r.merged.Add(cid, true)

	r.logger.WithFields(logrus.Fields{
		"peer":     peer.Moniker,
		"snapshot": cid,
	}).Debug("Merged peer snapshot")

	return nil
}

// PublishOnce builds the local snapshot, puts it on the content network, and
// points the node's well-known name at it.
func (r *Replicator) PublishOnce(ctx context.Context) error {
	snapshot, err := r.local()
	if err != nil {
		return err
	}

	data, err := snapshot.Marshal()
	if err != nil {
		return err
	}

	cid, err := r.network.Put(ctx, data)
	if err != nil {
		return err
	}

	// our own snapshot never needs merging back
	r.merged.Add(cid, true)

	if err := r.network.PublishName(ctx, r.self.SnapshotName(), cid, net.DefaultNameTTL); err != nil {
		return err
	}

	r.logger.WithFields(logrus.Fields{
		"snapshot": cid,
		"frontier": snapshot.GlobalFrontier,
	}).Debug("Published snapshot")

	return nil
}

// samplePeers picks up to fanout peers, excluding ourselves.
func (r *Replicator) samplePeers() []*peers.Peer {
	all := []*peers.Peer{}
	for _, p := range r.peerSet().Peers {
		if p.PubKeyString() == r.self.PubKeyString() {
			continue
		}
		all = append(all, p)
	}

	r.rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })

	if len(all) > r.fanout {
		all = all[:r.fanout]
	}
	return all
}
