package notify

import (
	"sync"
	"testing"
	"time"
)

func mustSubscribe(t *testing.T, h *Hub, patterns ...string) (<-chan Signal, func()) {
	t.Helper()
	ch, cancel, err := h.Subscribe(patterns...)
	if err != nil {
		t.Fatalf("subscribe %v: %v", patterns, err)
	}
	return ch, cancel
}

func TestHub_BasicSubscribeSignal(t *testing.T) {
	hub := NewHub()

	signals, cancel := mustSubscribe(t, hub)
	defer cancel()

	hub.Signal([]string{"User:1", "Post:9"}, 7)

	select {
	case sig := <-signals:
		if len(sig.Keys) != 2 || sig.Version != 7 {
			t.Errorf("expected 2 keys at version 7, got %v at %d", sig.Keys, sig.Version)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for signal")
	}
}

func TestHub_GlobFilter(t *testing.T) {
	hub := NewHub()

	signals, cancel := mustSubscribe(t, hub, "User:*")
	defer cancel()

	hub.Signal([]string{"User:1", "Post:9", "User:2"}, 1)

	select {
	case sig := <-signals:
		if len(sig.Keys) != 2 || sig.Keys[0] != "User:1" || sig.Keys[1] != "User:2" {
			t.Errorf("expected only User keys, got %v", sig.Keys)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for signal")
	}

	// Nothing matching: observer must not be woken
	hub.Signal([]string{"Post:1"}, 2)

	select {
	case sig := <-signals:
		t.Errorf("should not receive signal for Post keys, got %v", sig.Keys)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_MultiplePatterns(t *testing.T) {
	hub := NewHub()

	signals, cancel := mustSubscribe(t, hub, "User:1", "Order:?")
	defer cancel()

	hub.Signal([]string{"User:10", "Order:5", "Order:55", "User:1"}, 3)

	select {
	case sig := <-signals:
		want := map[string]bool{"Order:5": true, "User:1": true}
		if len(sig.Keys) != len(want) {
			t.Fatalf("expected %d keys, got %v", len(want), sig.Keys)
		}
		for _, k := range sig.Keys {
			if !want[k] {
				t.Errorf("unexpected key %s", k)
			}
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for signal")
	}
}

func TestHub_InvalidPattern(t *testing.T) {
	hub := NewHub()

	if _, _, err := hub.Subscribe("User:[1"); err == nil {
		t.Fatal("expected error for unterminated character class")
	}
	if hub.Len() != 0 {
		t.Errorf("failed subscription must not be registered, have %d", hub.Len())
	}
}

func TestHub_CancelUnsubscribes(t *testing.T) {
	hub := NewHub()

	signals, cancel := mustSubscribe(t, hub)
	cancel()

	if _, ok := <-signals; ok {
		t.Error("expected closed channel after cancel")
	}

	// Signalling after cancel must not panic
	hub.Signal([]string{"User:1"}, 1)

	if hub.Len() != 0 {
		t.Errorf("expected no observers, have %d", hub.Len())
	}
}

func TestHub_DoubleCancel(t *testing.T) {
	hub := NewHub()

	_, cancel := mustSubscribe(t, hub)
	cancel()
	cancel()
}

func TestHub_BufferOverflowNonBlocking(t *testing.T) {
	hub := NewHub()

	_, cancel := mustSubscribe(t, hub)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultSignalBufferSize*4; i++ {
			hub.Signal([]string{"User:1"}, uint64(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Signal blocked on a full observer")
	}

	if hub.Dropped() != uint64(defaultSignalBufferSize*3) {
		t.Errorf("expected %d dropped signals, got %d", defaultSignalBufferSize*3, hub.Dropped())
	}
}

func TestHub_CloseClosesObservers(t *testing.T) {
	hub := NewHub()

	a, _ := mustSubscribe(t, hub)
	b, _ := mustSubscribe(t, hub, "User:*")
	hub.Close()

	for _, ch := range []<-chan Signal{a, b} {
		if _, ok := <-ch; ok {
			t.Error("expected closed channel after hub close")
		}
	}
}

func TestHub_ConcurrentSignalSubscribe(t *testing.T) {
	hub := NewHub()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				hub.Signal([]string{"User:1"}, uint64(j))
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, cancel, err := hub.Subscribe("User:*")
				if err != nil {
					t.Errorf("subscribe: %v", err)
					return
				}
				cancel()
			}
		}()
	}

	wg.Wait()

	if hub.Len() != 0 {
		t.Errorf("expected all observers cancelled, have %d", hub.Len())
	}
}
