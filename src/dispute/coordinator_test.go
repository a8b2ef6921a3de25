package dispute

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/verinet/verinet/src/common"
	"github.com/verinet/verinet/src/net"
	"github.com/verinet/verinet/src/proof"
)

func testCoordinator(t *testing.T) (*Coordinator, *net.InmemNetwork) {
	network := net.NewInmemNetwork()
	return NewCoordinator(network, common.NewTestEntry(t, logrus.DebugLevel)), network
}

func nonConvergentProof(worker, user string) *proof.SignedProof {
	return &proof.SignedProof{
		ID: "p-" + worker,
		Body: proof.Body{
			WorkerID:     worker,
			UserID:       user,
			RangeStart:   0,
			RangeEnd:     1000,
			AllConverged: false,
			EvidenceCID:  "0XEVIDENCE",
		},
	}
}

func openTestPoll(t *testing.T, c *Coordinator, at time.Time) *Record {
	record, err := c.Open("0-1000", []*proof.SignedProof{
		nonConvergentProof("W1", "U1"),
		nonConvergentProof("W2", "U2"),
		nonConvergentProof("W3", "U3"),
	}, at)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	return record
}

func TestOpenCreditsDiscovererAndConfirmers(t *testing.T) {
	c, _ := testCoordinator(t)
	record := openTestPoll(t, c, time.Now())

	if record.Discoverer != "W1" {
		t.Fatalf("discoverer: got %s, want W1", record.Discoverer)
	}
	if len(record.Confirmers) != 2 || record.Confirmers[0] != "W2" || record.Confirmers[1] != "W3" {
		t.Fatalf("confirmers: %v", record.Confirmers)
	}
	if record.EvidenceCID != "0XEVIDENCE" {
		t.Fatalf("evidence: %s", record.EvidenceCID)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	c, _ := testCoordinator(t)
	now := time.Now()

	first := openTestPoll(t, c, now)
	again := openTestPoll(t, c, now.Add(time.Hour))

	if first != again {
		t.Fatal("reopening a range should return the existing record")
	}
	if len(c.Polls()) != 1 {
		t.Fatalf("expected 1 poll, got %d", len(c.Polls()))
	}
}

func TestOpenRequiresThreeConfirmations(t *testing.T) {
	c, _ := testCoordinator(t)

	_, err := c.Open("0-1000", []*proof.SignedProof{
		nonConvergentProof("W1", "U1"),
		nonConvergentProof("W2", "U2"),
	}, time.Now())
	if err != ErrInsufficientConfirmation {
		t.Fatalf("got %v, want %v", err, ErrInsufficientConfirmation)
	}
}

func TestOpenSkipsDependentConfirmers(t *testing.T) {
	c, _ := testCoordinator(t)

	record, err := c.Open("0-1000", []*proof.SignedProof{
		nonConvergentProof("W1", "U1"),
		nonConvergentProof("W2", "U1"), // same user as discoverer
		nonConvergentProof("W3", "U2"),
		nonConvergentProof("W4", "U3"),
	}, time.Now())
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(record.Confirmers) != 2 || record.Confirmers[0] != "W3" || record.Confirmers[1] != "W4" {
		t.Fatalf("confirmers: %v", record.Confirmers)
	}
}

func TestOpenIgnoresConvergentProofs(t *testing.T) {
	c, _ := testCoordinator(t)

	convergent := nonConvergentProof("W4", "U4")
	convergent.Body.AllConverged = true

	_, err := c.Open("0-1000", []*proof.SignedProof{
		nonConvergentProof("W1", "U1"),
		nonConvergentProof("W2", "U2"),
		convergent,
	}, time.Now())
	if err != ErrInsufficientConfirmation {
		t.Fatalf("got %v, want %v", err, ErrInsufficientConfirmation)
	}
}

func TestBroadcast(t *testing.T) {
	c, network := testCoordinator(t)
	openTestPoll(t, c, time.Now())
	ctx := context.Background()

	cid, err := c.Broadcast(ctx, "0-1000")
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	resolved, err := network.ResolveName(ctx, "verinet/counterexample/0-1000")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if resolved != cid {
		t.Fatalf("got %s, want %s", resolved, cid)
	}

	if _, err := c.Broadcast(ctx, "missing"); err != ErrNoPoll {
		t.Fatalf("got %v, want %v", err, ErrNoPoll)
	}
}

func TestVoteOncePerWorker(t *testing.T) {
	c, _ := testCoordinator(t)
	now := time.Now()
	openTestPoll(t, c, now)

	if err := c.Vote("0-1000", "W1", true, now); err != nil {
		t.Fatalf("err: %v", err)
	}
	if err := c.Vote("0-1000", "W1", false, now); err != ErrAlreadyVoted {
		t.Fatalf("got %v, want %v", err, ErrAlreadyVoted)
	}
	if err := c.Vote("missing", "W1", true, now); err != ErrNoPoll {
		t.Fatalf("got %v, want %v", err, ErrNoPoll)
	}
}

func TestStrictMajorityWins(t *testing.T) {
	c, _ := testCoordinator(t)
	now := time.Now()
	openTestPoll(t, c, now)

	c.Vote("0-1000", "W1", true, now)
	c.Vote("0-1000", "W2", true, now)
	c.Vote("0-1000", "W3", false, now)

	closed := c.CloseExpired(now.Add(VoteDeadline + time.Minute))
	if len(closed) != 1 {
		t.Fatalf("closed: %v", closed)
	}

	poll := c.Poll("0-1000")
	if !poll.Closed || !poll.Accepted {
		t.Fatalf("2/3 yes should accept: %+v", poll)
	}
}

func TestEvenSplitRejects(t *testing.T) {
	c, _ := testCoordinator(t)
	now := time.Now()
	openTestPoll(t, c, now)

	c.Vote("0-1000", "W1", true, now)
	c.Vote("0-1000", "W2", false, now)

	c.CloseExpired(now.Add(VoteDeadline + time.Minute))

	poll := c.Poll("0-1000")
	if poll.Accepted {
		t.Fatal("a 50% split is not a strict majority")
	}
}

func TestDeadlineForcesClosure(t *testing.T) {
	c, _ := testCoordinator(t)
	now := time.Now()
	openTestPoll(t, c, now)

	c.Vote("0-1000", "W1", true, now)

	// a vote arriving after the deadline closes the poll instead
	late := now.Add(VoteDeadline + time.Minute)
	if err := c.Vote("0-1000", "W2", false, late); err != ErrPollClosed {
		t.Fatalf("got %v, want %v", err, ErrPollClosed)
	}

	poll := c.Poll("0-1000")
	if !poll.Closed {
		t.Fatal("poll should be closed")
	}
	if !poll.Accepted {
		t.Fatal("the single yes vote is a strict majority")
	}

	// closed polls take no more votes
	if err := c.Vote("0-1000", "W3", true, now); err != ErrPollClosed {
		t.Fatalf("got %v, want %v", err, ErrPollClosed)
	}
}

func TestCloseExpiredLeavesOpenPolls(t *testing.T) {
	c, _ := testCoordinator(t)
	now := time.Now()
	openTestPoll(t, c, now)

	if closed := c.CloseExpired(now.Add(time.Hour)); len(closed) != 0 {
		t.Fatalf("closed: %v", closed)
	}
	if poll := c.Poll("0-1000"); poll.Closed {
		t.Fatal("poll should still be open")
	}
}
