package node

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/verinet/verinet/src/config"
	"github.com/verinet/verinet/src/crypto/keys"
	"github.com/verinet/verinet/src/gossip"
	"github.com/verinet/verinet/src/net"
	"github.com/verinet/verinet/src/peers"
	"github.com/verinet/verinet/src/proof"
	"github.com/verinet/verinet/src/state"
	"github.com/verinet/verinet/src/trust"
	"github.com/verinet/verinet/src/work"
)

const testRangeSize uint64 = 1000

func newTestNode(t *testing.T) *Node {
	conf := config.NewTestConfig(t, logrus.DebugLevel)
	conf.RangeSize = testRangeSize
	conf.Redundancy = 2
	conf.TargetBuffer = 4

	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}
	validator := NewValidator(key, "node0")

	peerSet := peers.NewPeerSet([]*peers.Peer{validator.AsPeer()})

	node, err := NewNode(conf, validator, peerSet, state.NewInmemStore(), net.NewInmemNetwork())
	if err != nil {
		t.Fatal(err)
	}

	if err := node.Init(); err != nil {
		t.Fatal(err)
	}

	return node
}

type testWorker struct {
	id     string
	userID string
	key    *ecdsa.PrivateKey
}

// enrollWorker registers a worker with its own key and drives enough correct
// outcomes through the ledger to reach the given tier.
func enrollWorker(t *testing.T, n *Node, id string, tier trust.Tier) *testWorker {
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	stats, err := n.RegisterWorker(id, keys.PublicKeyHex(&key.PublicKey))
	if err != nil {
		t.Fatal(err)
	}

	outcomes := 0
	switch tier {
	case trust.Verified:
		outcomes = 10
	case trust.Trusted:
		outcomes = 100
	case trust.Elite:
		outcomes = 1000
	}
	for i := 0; i < outcomes; i++ {
		if _, err := n.ledger.RecordOutcome(id, true); err != nil {
			t.Fatal(err)
		}
	}

	if got := n.ledger.TierOf(id); got != tier {
		t.Fatalf("worker %s at tier %s, want %s", id, got, tier)
	}

	return &testWorker{id: id, userID: stats.UserID, key: key}
}

func workerProof(t *testing.T, w *testWorker, a *work.Assignment, converged bool) *proof.SignedProof {
	body := proof.Body{
		WorkerID:       w.id,
		UserID:         w.userID,
		AssignmentID:   a.ID,
		RangeStart:     a.RangeStart,
		RangeEnd:       a.RangeEnd,
		AllConverged:   converged,
		NumbersChecked: (a.RangeEnd - a.RangeStart) / 2,
		MaxSteps:       350,
		ComputeTime:    12.5,
		Timestamp:      time.Now().Unix(),
	}

	p, err := proof.NewSignedProof(w.key, body)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRegisterWorker(t *testing.T) {
	n := newTestNode(t)

	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}
	pubHex := keys.PublicKeyHex(&key.PublicKey)

	stats, err := n.RegisterWorker("W1", pubHex)
	if err != nil {
		t.Fatal(err)
	}
	if stats.WorkerID != "W1" {
		t.Fatalf("worker id %s, want W1", stats.WorkerID)
	}
	if len(stats.UserID) != 17 || stats.UserID[0] != 'U' {
		t.Fatalf("bad derived user id %s", stats.UserID)
	}

	again, err := n.RegisterWorker("W1", pubHex)
	if err != nil {
		t.Fatal(err)
	}
	if again.UserID != stats.UserID {
		t.Fatalf("re-registration changed user: %s != %s", again.UserID, stats.UserID)
	}

	// an empty id gets one assigned
	anon, err := n.RegisterWorker("", pubHex)
	if err != nil {
		t.Fatal(err)
	}
	if anon.WorkerID == "" {
		t.Fatal("expected a generated worker id")
	}
}

func TestHeartbeatRequiresRegistration(t *testing.T) {
	n := newTestNode(t)

	if err := n.Heartbeat("ghost"); err == nil {
		t.Fatal("expected an error for an unknown worker")
	}

	enrollWorker(t, n, "W1", trust.Untrusted)

	if err := n.Heartbeat("W1"); err != nil {
		t.Fatal(err)
	}
}

func TestNextWork(t *testing.T) {
	n := newTestNode(t)

	w := enrollWorker(t, n, "W1", trust.Untrusted)

	a, err := n.NextWork(w.id)
	if err != nil {
		t.Fatal(err)
	}
	if !a.ClaimedBy(w.id) {
		t.Fatal("assignment not claimed by the worker")
	}
}

func TestSubmitProofResolvesAndAdvancesFrontier(t *testing.T) {
	n := newTestNode(t)

	w1 := enrollWorker(t, n, "W1", trust.Trusted)
	w2 := enrollWorker(t, n, "W2", trust.Trusted)

	a, err := n.registry.ByKey(fmt.Sprintf("0-%d", testRangeSize))
	if err != nil {
		t.Fatal(err)
	}

	res, err := n.SubmitProof(workerProof(t, w1, a, true))
	if err != nil {
		t.Fatal(err)
	}
	if res.Resolved {
		t.Fatal("one trusted proof should not resolve a range")
	}

	res, err = n.SubmitProof(workerProof(t, w2, a, true))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Resolved || !res.AllConverged {
		t.Fatalf("expected convergent resolution, got %+v", res)
	}

	stored, err := n.registry.ByKey(a.Key())
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != work.Verified {
		t.Fatalf("assignment status %s, want %s", stored.Status, work.Verified)
	}

	if got := n.store.Frontier(); got != a.RangeEnd {
		t.Fatalf("frontier at %d, want %d", got, a.RangeEnd)
	}
}

func TestSubmitProofTamperedBodyBansWorker(t *testing.T) {
	n := newTestNode(t)

	w := enrollWorker(t, n, "W1", trust.Verified)

	a, err := n.registry.ByKey(fmt.Sprintf("0-%d", testRangeSize))
	if err != nil {
		t.Fatal(err)
	}

	p := workerProof(t, w, a, true)
	p.Body.NumbersChecked += 7

	if _, err := n.SubmitProof(p); err == nil {
		t.Fatal("expected a validation error")
	}

	if !n.ledger.IsBanned(w.id) {
		t.Fatal("tampered proof should ban the submitter")
	}

	if _, err := n.NextWork(w.id); err == nil {
		t.Fatal("banned worker should not get work")
	}
}

func TestNonConvergentResolutionOpensCounterexample(t *testing.T) {
	n := newTestNode(t)

	workers := []*testWorker{}
	for i := 0; i < 6; i++ {
		workers = append(workers, enrollWorker(t, n, fmt.Sprintf("W%d", i), trust.Trusted))
	}

	a, err := n.registry.ByKey(fmt.Sprintf("0-%d", testRangeSize))
	if err != nil {
		t.Fatal(err)
	}

	// the first convergent and non-convergent proofs conflict at the trusted
	// quorum of 2; the convergent one is set aside and the bar rises to 5
	res, err := n.SubmitProof(workerProof(t, workers[0], a, false))
	if err != nil {
		t.Fatal(err)
	}
	res, err = n.SubmitProof(workerProof(t, workers[1], a, true))
	if err != nil {
		t.Fatal(err)
	}
	if res.Resolved || !res.Escalated {
		t.Fatalf("expected escalation, got %+v", res)
	}

	for i := 2; i < 6; i++ {
		res, err = n.SubmitProof(workerProof(t, workers[i], a, false))
		if err != nil {
			t.Fatal(err)
		}
	}
	if !res.Resolved || res.AllConverged {
		t.Fatalf("expected non-convergent resolution, got %+v", res)
	}

	// the set-aside convergent proof is not penalized by the resolution
	dissenter, err := n.store.Worker(workers[1].id)
	if err != nil {
		t.Fatal(err)
	}
	if dissenter.IncorrectVerifications != 0 {
		t.Fatalf("dissenter incorrect count %d, want 0", dissenter.IncorrectVerifications)
	}

	stored, err := n.registry.ByKey(a.Key())
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != work.Failed {
		t.Fatalf("assignment status %s, want %s", stored.Status, work.Failed)
	}

	polls := n.Counterexamples()
	if len(polls) != 1 {
		t.Fatalf("expected 1 counterexample poll, got %d", len(polls))
	}
	if polls[0].Record.RangeKey != a.Key() {
		t.Fatalf("poll range %s, want %s", polls[0].Record.RangeKey, a.Key())
	}
	if polls[0].Record.Discoverer != workers[0].id {
		t.Fatalf("discoverer %s, want %s", polls[0].Record.Discoverer, workers[0].id)
	}

	// the record was broadcast on the content network
	ctx := context.Background()
	cid, err := n.network.ResolveName(ctx, "verinet/counterexample/"+a.Key())
	if err != nil {
		t.Fatal(err)
	}
	if cid == "" {
		t.Fatal("expected a published record")
	}

	// voting runs through the node
	if err := n.Vote(a.Key(), workers[1].id, false); err != nil {
		t.Fatal(err)
	}
}

func TestCreateAssignmentCeiling(t *testing.T) {
	n := newTestNode(t)

	w := enrollWorker(t, n, "W1", trust.Verified)

	// within the verified ceiling
	a, err := n.CreateAssignment(w.userID, 5_000_000, 5_050_000, 10)
	if err != nil {
		t.Fatal(err)
	}
	if a.CreatedBy != w.userID {
		t.Fatalf("creator %s, want %s", a.CreatedBy, w.userID)
	}

	// beyond it
	if _, err := n.CreateAssignment(w.userID, 10_000_000, 10_200_000, 10); err == nil {
		t.Fatal("expected a ceiling error")
	}

	// anonymous users may not create assignments
	if _, err := n.CreateAssignment("", 6_000_000, 6_000_100, 10); err == nil {
		t.Fatal("expected an authorization error")
	}
}

func TestClaimProgressAuthorization(t *testing.T) {
	n := newTestNode(t)

	untrusted := enrollWorker(t, n, "W1", trust.Untrusted)

	if err := n.ClaimProgress(untrusted.userID, testRangeSize); err == nil {
		t.Fatal("untrusted user should not claim progress")
	}

	verified := enrollWorker(t, n, "W2", trust.Verified)

	// authorized but unsupported by evidence
	if err := n.ClaimProgress(verified.userID, 50*testRangeSize); err == nil {
		t.Fatal("expected a frontier validation error")
	}
}

func TestApplySnapshotMergesAndGuardsFrontier(t *testing.T) {
	n := newTestNode(t)

	account := &trust.UserAccount{
		UserID:    "Uremoteremote0001",
		PublicKey: "0XAB",
		Workers:   []string{"WR1"},
	}

	remote := gossip.NewSnapshot("peer1")
	remote.Timestamp = time.Now().Unix()
	remote.UserAccounts[account.UserID] = account
	remote.GlobalFrontier = 77 * testRangeSize

	if err := n.applySnapshot(remote); err != nil {
		t.Fatal(err)
	}

	merged, err := n.store.User(account.UserID)
	if err != nil {
		t.Fatal(err)
	}
	if !merged.HasWorker("WR1") {
		t.Fatal("remote user account not merged")
	}

	// the frontier claim has no backing evidence and must not be adopted
	if got := n.store.Frontier(); got != 0 {
		t.Fatalf("frontier at %d, want 0", got)
	}
}

func TestGossipRoundBetweenNodes(t *testing.T) {
	network := net.NewInmemNetwork()

	newPeer := func(t *testing.T, moniker string) *Node {
		conf := config.NewTestConfig(t, logrus.DebugLevel)
		conf.RangeSize = testRangeSize
		conf.Redundancy = 2
		conf.TargetBuffer = 4

		key, err := keys.GenerateECDSAKey()
		if err != nil {
			t.Fatal(err)
		}
		validator := NewValidator(key, moniker)

		node, err := NewNode(conf, validator, peers.NewPeerSet(nil), state.NewInmemStore(), network)
		if err != nil {
			t.Fatal(err)
		}
		return node
	}

	n0 := newPeer(t, "node0")
	n1 := newPeer(t, "node1")

	// each node learns of the other
	n0.peerSet = n0.peerSet.WithNewPeer(n1.validator.AsPeer())
	n1.peerSet = n1.peerSet.WithNewPeer(n0.validator.AsPeer())

	if err := n0.Init(); err != nil {
		t.Fatal(err)
	}

	w := enrollWorker(t, n0, "W1", trust.Trusted)

	ctx := context.Background()
	if err := n0.replicator.PublishOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if err := n1.replicator.GossipOnce(ctx); err != nil {
		t.Fatal(err)
	}

	// n1 now carries n0's assignments and user accounts
	if got := len(n1.store.Assignments()); got == 0 {
		t.Fatal("expected assignments to replicate")
	}
	if _, err := n1.store.User(w.userID); err != nil {
		t.Fatal("expected user account to replicate")
	}
}

func TestGetStats(t *testing.T) {
	n := newTestNode(t)

	enrollWorker(t, n, "W1", trust.Verified)

	stats := n.GetStats()

	for _, key := range []string{
		"id",
		"global_frontier",
		"num_peers",
		"live_workers",
		"total_workers",
		"total_users",
		"risk",
	} {
		if _, ok := stats[key]; !ok {
			t.Fatalf("missing stats key %s", key)
		}
	}

	if stats["total_workers"] != "1" {
		t.Fatalf("total_workers %s, want 1", stats["total_workers"])
	}
	if stats["risk"] != "NORMAL" {
		t.Fatalf("risk %s, want NORMAL", stats["risk"])
	}
}

func TestRunAndShutdown(t *testing.T) {
	n := newTestNode(t)

	n.conf.SchedInterval = 10 * time.Millisecond
	n.conf.SweepInterval = 10 * time.Millisecond

	n.RunAsync()

	time.Sleep(50 * time.Millisecond)

	n.Shutdown()

	// Shutdown is idempotent
	n.Shutdown()

	select {
	case <-n.shutdownCh:
	default:
		t.Fatal("shutdown channel should be closed")
	}
}
