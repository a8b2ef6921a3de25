package gossip

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/verinet/verinet/src/common"
	"github.com/verinet/verinet/src/crypto/keys"
	"github.com/verinet/verinet/src/net"
	"github.com/verinet/verinet/src/peers"
)

func testPeer(t *testing.T, moniker string) *peers.Peer {
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	return peers.NewPeer(keys.PublicKeyHex(&key.PublicKey), moniker)
}

func testReplicator(
	t *testing.T,
	network *net.InmemNetwork,
	self *peers.Peer,
	peerSet *peers.PeerSet,
	local *Snapshot,
) (*Replicator, *[]*Snapshot) {

	applied := &[]*Snapshot{}

	r, err := NewReplicator(
		network,
		self,
		func() *peers.PeerSet { return peerSet },
		func() (*Snapshot, error) { return local, nil },
		func(s *Snapshot) error {
			*applied = append(*applied, s)
			return nil
		},
		0,
		common.NewTestEntry(t, logrus.DebugLevel),
	)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	return r, applied
}

func TestPublishAndPull(t *testing.T) {
	network := net.NewInmemNetwork()
	ctx := context.Background()

	alice := testPeer(t, "alice")
	bob := testPeer(t, "bob")
	ps := peers.NewPeerSet([]*peers.Peer{alice, bob})

	aliceSnap := NewSnapshot(alice.PubKeyString())
	aliceSnap.GlobalFrontier = 7000

	aliceRep, _ := testReplicator(t, network, alice, ps, aliceSnap)
	bobRep, bobApplied := testReplicator(t, network, bob, ps, NewSnapshot(bob.PubKeyString()))

	if err := aliceRep.PublishOnce(ctx); err != nil {
		t.Fatalf("err: %v", err)
	}

	if err := bobRep.GossipOnce(ctx); err != nil {
		t.Fatalf("err: %v", err)
	}

	if len(*bobApplied) != 1 {
		t.Fatalf("expected 1 merged snapshot, got %d", len(*bobApplied))
	}
	if (*bobApplied)[0].GlobalFrontier != 7000 {
		t.Fatalf("frontier: got %d, want 7000", (*bobApplied)[0].GlobalFrontier)
	}
}

func TestGossipIsIdempotent(t *testing.T) {
	network := net.NewInmemNetwork()
	ctx := context.Background()

	alice := testPeer(t, "alice")
	bob := testPeer(t, "bob")
	ps := peers.NewPeerSet([]*peers.Peer{alice, bob})

	aliceRep, _ := testReplicator(t, network, alice, ps, NewSnapshot(alice.PubKeyString()))
	bobRep, bobApplied := testReplicator(t, network, bob, ps, NewSnapshot(bob.PubKeyString()))

	aliceRep.PublishOnce(ctx)

	// the same snapshot is pulled twice but merged once
	bobRep.GossipOnce(ctx)
	bobRep.GossipOnce(ctx)

	if len(*bobApplied) != 1 {
		t.Fatalf("expected 1 merge, got %d", len(*bobApplied))
	}
}

func TestGossipSkipsSilentPeers(t *testing.T) {
	network := net.NewInmemNetwork()
	ctx := context.Background()

	alice := testPeer(t, "alice")
	bob := testPeer(t, "bob")
	carol := testPeer(t, "carol")
	ps := peers.NewPeerSet([]*peers.Peer{alice, bob, carol})

	aliceRep, _ := testReplicator(t, network, alice, ps, NewSnapshot(alice.PubKeyString()))
	aliceRep.PublishOnce(ctx)

	bobRep, bobApplied := testReplicator(t, network, bob, ps, NewSnapshot(bob.PubKeyString()))

	// carol never published, so the round reports her failure but still
	// merges alice
	err := bobRep.GossipOnce(ctx)
	if err == nil {
		t.Fatal("expected aggregated error for the silent peer")
	}
	if len(*bobApplied) != 1 {
		t.Fatalf("expected 1 merge, got %d", len(*bobApplied))
	}
}

func TestGossipExcludesSelf(t *testing.T) {
	network := net.NewInmemNetwork()
	ctx := context.Background()

	alice := testPeer(t, "alice")
	ps := peers.NewPeerSet([]*peers.Peer{alice})

	aliceRep, aliceApplied := testReplicator(t, network, alice, ps, NewSnapshot(alice.PubKeyString()))
	aliceRep.PublishOnce(ctx)

	if err := aliceRep.GossipOnce(ctx); err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(*aliceApplied) != 0 {
		t.Fatal("a node should not merge its own snapshot")
	}
}

func TestRepublishAfterChange(t *testing.T) {
	network := net.NewInmemNetwork()
	ctx := context.Background()

	alice := testPeer(t, "alice")
	bob := testPeer(t, "bob")
	ps := peers.NewPeerSet([]*peers.Peer{alice, bob})

	aliceSnap := NewSnapshot(alice.PubKeyString())
	aliceRep, _ := testReplicator(t, network, alice, ps, aliceSnap)
	bobRep, bobApplied := testReplicator(t, network, bob, ps, NewSnapshot(bob.PubKeyString()))

	aliceRep.PublishOnce(ctx)
	bobRep.GossipOnce(ctx)

	// alice advances and republishes under the same name
	aliceSnap.GlobalFrontier = 9000
	aliceRep.PublishOnce(ctx)
	bobRep.GossipOnce(ctx)

	if len(*bobApplied) != 2 {
		t.Fatalf("expected 2 merges, got %d", len(*bobApplied))
	}
	if (*bobApplied)[1].GlobalFrontier != 9000 {
		t.Fatalf("frontier: got %d, want 9000", (*bobApplied)[1].GlobalFrontier)
	}
}
