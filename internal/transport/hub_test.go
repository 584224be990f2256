package transport

import (
	"testing"
	"time"

	"github.com/spm1001/gueridon/internal/replay"
)

func TestHubPublishReachesSubscribersOfSameFolder(t *testing.T) {
	h := NewHub()
	sub, unsub := h.subscribe("alpha")
	defer unsub()

	h.Publish("alpha", replay.Frame{Seq: 1, Kind: "status"})

	select {
	case f := <-sub.ch:
		if f.Seq != 1 {
			t.Errorf("Seq = %d, want 1", f.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the subscriber to receive the published frame")
	}
}

func TestHubPublishDoesNotCrossFolders(t *testing.T) {
	h := NewHub()
	sub, unsub := h.subscribe("alpha")
	defer unsub()

	h.Publish("beta", replay.Frame{Seq: 1, Kind: "status"})

	select {
	case f := <-sub.ch:
		t.Fatalf("unexpected frame delivered to unrelated folder: %+v", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()
	sub, unsub := h.subscribe("alpha")
	unsub()

	_, ok := <-sub.ch
	if ok {
		t.Error("expected the subscription channel to be closed after unsubscribe")
	}
}

func TestHubPublishDropsOnFullSubscriberInsteadOfBlocking(t *testing.T) {
	h := NewHub()
	sub, unsub := h.subscribe("alpha")
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			h.Publish("alpha", replay.Frame{Seq: uint64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked instead of dropping frames for a slow subscriber")
	}
	_ = sub
}
