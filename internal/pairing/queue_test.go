package pairing

import "testing"

func TestWaitQueueFIFO(t *testing.T) {
	q := newWaitQueue()
	q.enqueue("a")
	q.enqueue("b")
	q.enqueue("c")

	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.dequeueNext()
		if !ok || got != want {
			t.Fatalf("dequeueNext = (%q, %v), want (%q, true)", got, ok, want)
		}
	}
	if _, ok := q.dequeueNext(); ok {
		t.Fatalf("dequeueNext on empty queue reported ok")
	}
}

func TestWaitQueueRemoveIfPresent(t *testing.T) {
	q := newWaitQueue()
	q.enqueue("a")
	q.enqueue("b")
	q.enqueue("c")

	if !q.removeIfPresent("b") {
		t.Fatalf("removeIfPresent(b) = false, want true")
	}
	if q.removeIfPresent("b") {
		t.Fatalf("removeIfPresent(b) twice = true, want false")
	}
	if q.contains("b") {
		t.Fatalf("queue still contains removed id")
	}
	if q.len() != 2 {
		t.Fatalf("len = %d, want 2", q.len())
	}

	got, _ := q.dequeueNext()
	if got != "a" {
		t.Fatalf("dequeueNext after removal = %q, want a", got)
	}
}

func TestWaitQueueDuplicateEnqueuePanics(t *testing.T) {
	q := newWaitQueue()
	q.enqueue("a")

	defer func() {
		if recover() == nil {
			t.Fatalf("duplicate enqueue did not panic")
		}
	}()
	q.enqueue("a")
}

func TestWaitQueueReenqueueAfterDequeue(t *testing.T) {
	q := newWaitQueue()
	q.enqueue("a")
	q.dequeueNext()
	q.enqueue("a") // legal again once dequeued
	if !q.contains("a") {
		t.Fatalf("queue does not contain re-enqueued id")
	}
}
