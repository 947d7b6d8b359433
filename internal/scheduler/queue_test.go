package scheduler

import (
	"fmt"
	"testing"
	"time"

	"github.com/sentinelstack/sentinel-soar/internal/models"
)

func TestQueueOrdersByPriorityDescending(t *testing.T) {
	q := newPendingQueue()
	now := time.Now()

	q.Push(models.Incident{ID: "a"}, 40, now)
	q.Push(models.Incident{ID: "b"}, 90, now)
	q.Push(models.Incident{ID: "c"}, 70, now)

	want := []string{"b", "c", "a"}
	for _, id := range want {
		entry, ok := q.PopHighest()
		if !ok {
			t.Fatalf("queue exhausted early, wanted %s", id)
		}
		if entry.incident.ID != id {
			t.Fatalf("expected %s, got %s", id, entry.incident.ID)
		}
	}
}

func TestQueueFIFOAmongEqualPriorities(t *testing.T) {
	q := newPendingQueue()
	now := time.Now()

	for i := 0; i < 5; i++ {
		q.Push(models.Incident{ID: fmt.Sprintf("inc-%d", i)}, 50, now)
	}

	for i := 0; i < 5; i++ {
		entry, ok := q.PopHighest()
		if !ok {
			t.Fatal("queue exhausted early")
		}
		if want := fmt.Sprintf("inc-%d", i); entry.incident.ID != want {
			t.Fatalf("expected %s, got %s", want, entry.incident.ID)
		}
	}
}

func TestQueueInterleavedStaysSorted(t *testing.T) {
	q := newPendingQueue()
	now := time.Now()

	priorities := []int{10, 95, 50, 95, 30, 70, 50}
	for i, p := range priorities {
		q.Push(models.Incident{ID: fmt.Sprintf("inc-%d", i)}, p, now)
	}

	last := 101
	for {
		entry, ok := q.PopHighest()
		if !ok {
			break
		}
		if entry.priority > last {
			t.Fatalf("queue not sorted: %d after %d", entry.priority, last)
		}
		last = entry.priority
	}
}

func TestQueueEvictLowest(t *testing.T) {
	q := newPendingQueue()
	now := time.Now()

	q.Push(models.Incident{ID: "high"}, 90, now)
	q.Push(models.Incident{ID: "low"}, 10, now)
	q.Push(models.Incident{ID: "mid"}, 50, now)

	min, ok := q.MinPriority()
	if !ok || min != 10 {
		t.Fatalf("expected min priority 10, got %d (ok=%v)", min, ok)
	}

	evicted, ok := q.EvictLowest()
	if !ok || evicted.incident.ID != "low" {
		t.Fatalf("expected to evict low, got %+v", evicted)
	}
	if q.Len() != 2 {
		t.Fatalf("expected 2 entries left, got %d", q.Len())
	}

	entry, _ := q.PopHighest()
	if entry.incident.ID != "high" {
		t.Fatalf("heap invariant broken after eviction: got %s", entry.incident.ID)
	}
}
