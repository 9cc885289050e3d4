package queue

import (
	"sync"
	"testing"
)

// testItem is a simple struct for testing the generic queue
type testItem struct {
	ID   int
	Name string
}

func TestQueue_New(t *testing.T) {
	q := New[testItem]()
	if q == nil {
		t.Fatal("expected non-nil queue")
	}
	if !q.Empty() {
		t.Error("expected empty queue")
	}
}

func TestQueue_PushPop(t *testing.T) {
	q := New[testItem]()

	// Pop from empty queue returns zero value
	if got := q.Pop(); got.ID != 0 || got.Name != "" {
		t.Errorf("expected zero value, got %+v", got)
	}

	q.Push(testItem{ID: 1, Name: "first"}, testItem{ID: 2, Name: "second"})
	if q.Len() != 2 {
		t.Errorf("expected length 2, got %d", q.Len())
	}

	first := q.Pop()
	if first.ID != 1 || first.Name != "first" {
		t.Errorf("expected {1, first}, got %+v", first)
	}
	if q.Len() != 1 {
		t.Errorf("expected length 1, got %d", q.Len())
	}
}

func TestQueue_GetAndEmpty(t *testing.T) {
	q := New[testItem]()
	q.Push(testItem{ID: 1}, testItem{ID: 2}, testItem{ID: 3})

	items := q.GetAndEmpty()
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	if items[0].ID != 1 || items[2].ID != 3 {
		t.Error("expected items in push order")
	}
	if !q.Empty() {
		t.Error("expected empty queue after GetAndEmpty")
	}
}

func TestQueue_ConcurrentPush(t *testing.T) {
	q := New[int]()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.Push(n*100 + j)
			}
		}(i)
	}
	wg.Wait()

	if q.Len() != 1000 {
		t.Errorf("expected 1000 items, got %d", q.Len())
	}
}

func TestLatest_PutReplaces(t *testing.T) {
	l := NewLatest[string, int]()

	l.Put("u1", 1)
	l.Put("u1", 2)
	l.Put("u2", 3)

	if l.Len() != 2 {
		t.Fatalf("expected 2 keys, got %d", l.Len())
	}
	if v, ok := l.Get("u1"); !ok || v != 2 {
		t.Errorf("expected latest value 2, got %d (ok=%v)", v, ok)
	}
}

func TestLatest_PutIfAbsent(t *testing.T) {
	l := NewLatest[string, int]()

	if !l.PutIfAbsent("u1", 1) {
		t.Error("expected store into empty slot")
	}
	if l.PutIfAbsent("u1", 9) {
		t.Error("expected no overwrite of pending value")
	}
	if v, _ := l.Get("u1"); v != 1 {
		t.Errorf("expected 1, got %d", v)
	}
}

func TestLatest_GetAndEmpty(t *testing.T) {
	l := NewLatest[string, int]()
	l.Put("a", 1)
	l.Put("b", 2)

	items := l.GetAndEmpty()
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if !l.Empty() {
		t.Error("expected empty after GetAndEmpty")
	}
}
