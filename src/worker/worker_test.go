package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/verinet/verinet/src/common"
	"github.com/verinet/verinet/src/config"
	"github.com/verinet/verinet/src/crypto/keys"
	"github.com/verinet/verinet/src/net"
	"github.com/verinet/verinet/src/node"
	"github.com/verinet/verinet/src/peers"
	"github.com/verinet/verinet/src/service"
	"github.com/verinet/verinet/src/state"
	"github.com/verinet/verinet/src/verify"
)

func newWorkerTestNode(t *testing.T) *node.Node {
	conf := config.NewTestConfig(t, logrus.DebugLevel)
	conf.RangeSize = 1000
	conf.Redundancy = 2
	conf.TargetBuffer = 4

	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}
	validator := node.NewValidator(key, "worker-test")

	n, err := node.NewNode(
		conf,
		validator,
		peers.NewPeerSet([]*peers.Peer{validator.AsPeer()}),
		state.NewInmemStore(),
		net.NewInmemNetwork(),
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Init(); err != nil {
		t.Fatal(err)
	}

	return n
}

func newWorkerClient(t *testing.T, n Node, id string) *Worker {
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	w, err := NewWorker(key, id, n, verify.NewReferenceVerifier(), common.NewTestEntry(t, logrus.DebugLevel))
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func TestWorkerStepInProcess(t *testing.T) {
	n := newWorkerTestNode(t)

	w1 := newWorkerClient(t, n, "W1")
	if w1.ID() != "W1" {
		t.Fatalf("worker id %s, want W1", w1.ID())
	}
	if len(w1.UserID()) != 17 || w1.UserID()[0] != 'U' {
		t.Fatalf("bad user id %s", w1.UserID())
	}

	res, err := w1.Step(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Votes != 1 {
		t.Fatalf("votes %d, want 1", res.Votes)
	}
	if res.Resolved {
		t.Fatal("one untrusted proof should not resolve a range")
	}

	// a second worker from another user confirms the same range
	w2 := newWorkerClient(t, n, "W2")

	res, err = w2.Step(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Votes != 2 {
		t.Fatalf("votes %d, want 2", res.Votes)
	}
}

func TestWorkerStepsAcrossRanges(t *testing.T) {
	n := newWorkerTestNode(t)

	w := newWorkerClient(t, n, "W1")

	first, err := w.Step(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	second, err := w.Step(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if first.RangeKey == second.RangeKey {
		t.Fatalf("worker verified the same range twice: %s", first.RangeKey)
	}
}

func TestWorkerOverHTTP(t *testing.T) {
	n := newWorkerTestNode(t)

	service.NewService("127.0.0.1:0", n, common.NewTestEntry(t, logrus.DebugLevel))

	srv := httptest.NewServer(http.DefaultServeMux)
	defer srv.Close()

	client := NewHTTPClient(srv.URL)

	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	w, err := NewWorker(key, "WH1", client, verify.NewReferenceVerifier(), common.NewTestEntry(t, logrus.DebugLevel))
	if err != nil {
		t.Fatal(err)
	}

	if err := client.Heartbeat(w.ID()); err != nil {
		t.Fatal(err)
	}
	if err := client.Heartbeat("ghost"); err == nil {
		t.Fatal("expected an error for an unknown worker")
	}

	res, err := w.Step(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Votes != 1 {
		t.Fatalf("votes %d, want 1", res.Votes)
	}
}
