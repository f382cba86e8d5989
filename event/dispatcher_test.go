package event

import (
	"sync"
	"testing"
	"time"
)

func TestPublishDeliversInOrder(t *testing.T) {
	d := NewDispatcher(nil)

	var got []string
	sub := d.Subscribe(func(evt Event) {
		got = append(got, evt.Kind)
	})
	defer sub.Dispose()

	d.Publish(Event{Kind: KindMessageNew})
	d.Publish(Event{Kind: KindMessageUpdated})
	d.Publish(Event{Kind: KindMessageDeleted})

	want := []string{KindMessageNew, KindMessageUpdated, KindMessageDeleted}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestPublishStampsReceivedAt(t *testing.T) {
	d := NewDispatcher(nil)

	var got Event
	sub := d.Subscribe(func(evt Event) { got = evt })
	defer sub.Dispose()

	d.Publish(Event{Kind: KindHealthCheck})

	if got.ReceivedAt.IsZero() {
		t.Error("ReceivedAt not stamped on publish")
	}
}

func TestFiltersAreConjunctive(t *testing.T) {
	d := NewDispatcher(nil)

	var got []Event
	sub := d.Subscribe(func(evt Event) {
		got = append(got, evt)
	},
		ByKind(KindMessageNew),
		func(evt Event) bool { return evt.CID == "messaging:123" },
	)
	defer sub.Dispose()

	d.Publish(Event{Kind: KindMessageNew, CID: "messaging:123"})
	d.Publish(Event{Kind: KindMessageNew, CID: "messaging:456"})
	d.Publish(Event{Kind: KindMessageDeleted, CID: "messaging:123"})

	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].CID != "messaging:123" {
		t.Errorf("got cid %q, want messaging:123", got[0].CID)
	}
}

func TestByKindMatchesAnyListedKind(t *testing.T) {
	f := ByKind(KindMessageNew, KindMessageDeleted)

	if !f(Event{Kind: KindMessageNew}) {
		t.Error("KindMessageNew should match")
	}
	if !f(Event{Kind: KindMessageDeleted}) {
		t.Error("KindMessageDeleted should match")
	}
	if f(Event{Kind: KindTypingStart}) {
		t.Error("KindTypingStart should not match")
	}
}

func TestDisposeStopsDelivery(t *testing.T) {
	d := NewDispatcher(nil)

	count := 0
	sub := d.Subscribe(func(Event) { count++ })

	d.Publish(Event{Kind: KindMessageNew})
	sub.Dispose()
	d.Publish(Event{Kind: KindMessageNew})

	if count != 1 {
		t.Errorf("got %d deliveries, want 1", count)
	}
}

func TestDisposeIsIdempotent(t *testing.T) {
	d := NewDispatcher(nil)
	sub := d.Subscribe(func(Event) {})
	sub.Dispose()
	sub.Dispose() // must not panic
}

// A subscriber disposing mid-stream must not disturb delivery to the
// remaining subscribers.
func TestDisposeDoesNotAffectOtherSubscribers(t *testing.T) {
	d := NewDispatcher(nil)

	var first *Subscription
	firstCount := 0
	first = d.Subscribe(func(Event) {
		firstCount++
		first.Dispose()
	})

	secondCount := 0
	second := d.Subscribe(func(Event) { secondCount++ })
	defer second.Dispose()

	d.Publish(Event{Kind: KindMessageNew})
	d.Publish(Event{Kind: KindMessageNew})

	if firstCount != 1 {
		t.Errorf("disposed subscriber got %d events, want 1", firstCount)
	}
	if secondCount != 2 {
		t.Errorf("surviving subscriber got %d events, want 2", secondCount)
	}
}

func TestConcurrentPublishSerializes(t *testing.T) {
	d := NewDispatcher(nil)

	var mu sync.Mutex
	inHandler := false
	sub := d.Subscribe(func(Event) {
		mu.Lock()
		if inHandler {
			mu.Unlock()
			t.Error("handlers ran concurrently")
			return
		}
		inHandler = true
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		inHandler = false
		mu.Unlock()
	})
	defer sub.Dispose()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Publish(Event{Kind: KindMessageNew})
		}()
	}
	wg.Wait()
}
