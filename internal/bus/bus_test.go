package bus

import (
	"testing"
)

func TestPublishInRegistrationOrder(t *testing.T) {
	b := New()

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		b.Subscribe(func(Event) { order = append(order, i) })
	}

	b.Publish(Event{Type: "x"})
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Errorf("invocation order = %v", order)
	}
}

func TestTypeFilter(t *testing.T) {
	b := New()

	var got []string
	b.Subscribe(func(ev Event) { got = append(got, "filtered:"+ev.Type) }, "a", "b")
	b.Subscribe(func(ev Event) { got = append(got, "all:"+ev.Type) })

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "c"})

	want := []string{"filtered:a", "all:a", "all:c"}
	if len(got) != len(want) {
		t.Fatalf("deliveries = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delivery %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()

	var n int
	id := b.Subscribe(func(Event) { n++ })
	b.Publish(Event{Type: "x"})
	b.Unsubscribe(id)
	b.Publish(Event{Type: "x"})

	if n != 1 {
		t.Errorf("deliveries after unsubscribe = %d, want 1", n)
	}
	b.Unsubscribe("no-such-id") // ignored
	if b.HandlerCount() != 0 {
		t.Errorf("handler count = %d", b.HandlerCount())
	}
}

func TestPanickingHandlerIsolated(t *testing.T) {
	b := New()

	var reached bool
	b.Subscribe(func(Event) { panic("boom") })
	b.Subscribe(func(Event) { reached = true })

	b.Publish(Event{Type: "x"})
	if !reached {
		t.Error("handler after panicking one was not invoked")
	}
}
