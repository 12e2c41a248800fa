package events

import (
	"fmt"
	"sync/atomic"
	"testing"
)

func TestBus_Subscribe_Unsubscribe(t *testing.T) {
	bus := NewBus()

	var received int32
	unsub := bus.Subscribe(func(Event) {
		atomic.AddInt32(&received, 1)
	})

	bus.Publish(Event{Type: TypeSnapshotAccepted, Name: "home"})
	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("received = %d, want 1", received)
	}

	unsub()
	bus.Publish(Event{Type: TypeSnapshotDone, Name: "home"})
	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("received after unsub = %d, want 1", received)
	}
}

func TestBus_PublishFillsTimestamp(t *testing.T) {
	bus := NewBus()
	var got Event
	bus.Subscribe(func(ev Event) { got = ev })

	bus.Publish(Event{Type: TypeBuildCreated, BuildID: "123"})
	if got.Timestamp.IsZero() {
		t.Error("published event has zero timestamp")
	}
}

func TestBus_History(t *testing.T) {
	bus := NewBus()
	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: TypeUploadDone, Name: fmt.Sprintf("snap-%d", i)})
	}

	last2 := bus.History(2)
	if len(last2) != 2 {
		t.Fatalf("History(2) = %d events, want 2", len(last2))
	}
	if last2[0].Name != "snap-3" || last2[1].Name != "snap-4" {
		t.Errorf("History(2) = [%s %s], want chronological tail", last2[0].Name, last2[1].Name)
	}

	all := bus.History(0)
	if len(all) != 5 {
		t.Errorf("History(0) = %d events, want 5", len(all))
	}
}

func TestBus_HistoryCap(t *testing.T) {
	bus := NewBus()
	bus.maxHist = 3
	for i := 0; i < 10; i++ {
		bus.Publish(Event{Type: TypeSnapshotDone, Name: fmt.Sprintf("snap-%d", i)})
	}
	all := bus.History(0)
	if len(all) != 3 {
		t.Fatalf("retained %d events, want 3", len(all))
	}
	if all[0].Name != "snap-7" {
		t.Errorf("oldest retained = %s, want snap-7", all[0].Name)
	}
}
