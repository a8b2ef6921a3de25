package net

import (
	"context"
	"testing"
	"time"
)

func TestPutGetRoundTrip(t *testing.T) {
	network := NewInmemNetwork()
	ctx := context.Background()

	cid, err := network.Put(ctx, []byte("hello"))
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	data, err := network.Get(ctx, cid)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("got %q, want %q", data, "hello")
	}

	if _, err := network.Get(ctx, "0XMISSING"); err != ErrNotFound {
		t.Fatalf("got %v, want %v", err, ErrNotFound)
	}
}

func TestContentIDIsDeterministic(t *testing.T) {
	network := NewInmemNetwork()
	ctx := context.Background()

	cid1, _ := network.Put(ctx, []byte("same"))
	cid2, _ := network.Put(ctx, []byte("same"))
	if cid1 != cid2 {
		t.Fatalf("identical payloads should share an id: %s vs %s", cid1, cid2)
	}

	cid3, _ := network.Put(ctx, []byte("different"))
	if cid3 == cid1 {
		t.Fatal("distinct payloads should get distinct ids")
	}
}

func TestPublishAndResolveName(t *testing.T) {
	network := NewInmemNetwork()
	ctx := context.Background()

	cid, _ := network.Put(ctx, []byte("snapshot"))

	if err := network.PublishName(ctx, "verinet/K/snapshot", cid, time.Hour); err != nil {
		t.Fatalf("err: %v", err)
	}

	got, err := network.ResolveName(ctx, "verinet/K/snapshot")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if got != cid {
		t.Fatalf("got %s, want %s", got, cid)
	}

	if _, err := network.ResolveName(ctx, "verinet/other/snapshot"); err != ErrNameNotFound {
		t.Fatalf("got %v, want %v", err, ErrNameNotFound)
	}
}

func TestNameExpires(t *testing.T) {
	network := NewInmemNetwork()
	ctx := context.Background()

	cid, _ := network.Put(ctx, []byte("snapshot"))
	network.PublishName(ctx, "verinet/K/snapshot", cid, time.Nanosecond)

	time.Sleep(time.Millisecond)

	if _, err := network.ResolveName(ctx, "verinet/K/snapshot"); err != ErrNameNotFound {
		t.Fatalf("got %v, want %v", err, ErrNameNotFound)
	}
}

func TestDiscoverPeers(t *testing.T) {
	network := NewInmemNetwork()
	ctx := context.Background()

	network.SetPeers([]string{"0XAA", "0XBB"})

	peers, err := network.DiscoverPeers(ctx)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("got %d peers, want 2", len(peers))
	}
}
