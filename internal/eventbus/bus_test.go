package eventbus

import (
	"testing"
)

func TestFanoutAndDrop(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: JobPosted, JobID: "j1"})
	b.Publish(Event{Type: JobPosted, JobID: "j2"})

	if got := (<-a).JobID; got != "j1" {
		t.Fatalf("a got %q", got)
	}
	if got := len(c); got != 2 {
		t.Fatalf("c buffered %d events, want 2", got)
	}
	if b.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", b.Dropped())
	}

	unsubA()
	unsubA()
	b.Publish(Event{Type: JobFailed})
}

func TestRecentKeepsTail(t *testing.T) {
	t.Parallel()
	r := NewRecent(2)
	for _, id := range []string{"a", "b", "c"} {
		r.Add(Event{JobID: id})
	}
	got := r.Snapshot()
	if len(got) != 2 || got[0].JobID != "b" || got[1].JobID != "c" {
		t.Fatalf("snapshot = %+v", got)
	}
}
