package broadcast_test

import (
	"fmt"
	"testing"

	"github.com/b2renger/ComfyQ/internal/broadcast"
)

func TestBrokerSingleSubscriber(t *testing.T) {
	b := broadcast.NewBroker()
	ch, unsub := b.Subscribe()
	defer unsub()

	snaps := []string{"snap 1", "snap 2", "snap 3"}
	for _, s := range snaps {
		b.Publish([]byte(s))
	}
	b.Shutdown()

	var got []string
	for s := range ch {
		got = append(got, string(s))
	}

	if len(got) != len(snaps) {
		t.Fatalf("got %d snapshots, want %d", len(got), len(snaps))
	}
	for i, s := range got {
		if s != snaps[i] {
			t.Errorf("snapshot[%d] = %q, want %q", i, s, snaps[i])
		}
	}
}

func TestBrokerMultipleSubscribers(t *testing.T) {
	b := broadcast.NewBroker()
	ch1, unsub1 := b.Subscribe()
	defer unsub1()
	ch2, unsub2 := b.Subscribe()
	defer unsub2()

	b.Publish([]byte("hello"))
	b.Shutdown()

	var got1, got2 []string
	for s := range ch1 {
		got1 = append(got1, string(s))
	}
	for s := range ch2 {
		got2 = append(got2, string(s))
	}

	if len(got1) != 1 || got1[0] != "hello" {
		t.Errorf("subscriber 1 got %v, want [hello]", got1)
	}
	if len(got2) != 1 || got2[0] != "hello" {
		t.Errorf("subscriber 2 got %v, want [hello]", got2)
	}
}

func TestBrokerShutdownClosesChannels(t *testing.T) {
	b := broadcast.NewBroker()
	ch, unsub := b.Subscribe()
	defer unsub()

	b.Shutdown()

	_, ok := <-ch
	if ok {
		t.Error("channel should be closed after Shutdown()")
	}
}

func TestBrokerLateSubscriberGetsClosed(t *testing.T) {
	b := broadcast.NewBroker()
	b.Publish([]byte("early"))
	b.Shutdown()

	ch, unsub := b.Subscribe()
	defer unsub()

	_, ok := <-ch
	if ok {
		t.Error("late subscriber should get a closed channel")
	}
}

func TestBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := broadcast.NewBroker()
	ch, unsub := b.Subscribe()
	unsub()

	b.Publish([]byte("after unsub"))
	b.Shutdown()

	select {
	case s, ok := <-ch:
		if ok {
			t.Errorf("got unexpected snapshot %q after unsubscribe", s)
		}
	default:
		// Nothing delivered, as it should be.
	}
}

func TestBrokerSlowSubscriberKeepsNewest(t *testing.T) {
	b := broadcast.NewBroker()
	ch, unsub := b.Subscribe()
	defer unsub()

	// Publish well past the buffer size without reading.
	for i := 0; i < 50; i++ {
		b.Publish([]byte(fmt.Sprintf("snap %d", i)))
	}
	b.Shutdown()

	var last string
	for s := range ch {
		last = string(s)
	}

	if last != "snap 49" {
		t.Errorf("last delivered snapshot = %q, want snap 49", last)
	}
}
