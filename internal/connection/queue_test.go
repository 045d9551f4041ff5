package connection

import (
	"sync"
	"testing"
)

func TestQueue_PushPop(t *testing.T) {
	q := NewQueue[int](10)

	for i := 0; i < 5; i++ {
		q.Push(i)
	}

	if q.Len() != 5 {
		t.Errorf("Len() = %d, want 5", q.Len())
	}

	for i := 0; i < 5; i++ {
		val, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop() returned false for item %d", i)
		}
		if val != i {
			t.Errorf("popped %d, want %d", val, i)
		}
	}

	if _, ok := q.Pop(); ok {
		t.Error("Pop() on empty queue should return false")
	}
}

func TestQueue_Peek(t *testing.T) {
	q := NewQueue[string](4)

	if _, ok := q.Peek(); ok {
		t.Error("Peek() on empty queue should return false")
	}

	q.Push("a")
	q.Push("b")

	for i := 0; i < 3; i++ {
		val, ok := q.Peek()
		if !ok || val != "a" {
			t.Errorf("Peek() = %q, %v; want a, true", val, ok)
		}
	}
	if q.Len() != 2 {
		t.Errorf("Len() = %d, want 2 after Peek", q.Len())
	}
}

func TestQueue_GrowAt70Percent(t *testing.T) {
	q := NewQueue[int](10)

	for i := 0; i < 7; i++ {
		q.Push(i)
	}

	stats := q.Stats()
	if stats.Capacity <= 10 {
		t.Errorf("Capacity = %d, expected growth after 70%% fill", stats.Capacity)
	}
	if stats.ResizeCount != 1 {
		t.Errorf("ResizeCount = %d, want 1", stats.ResizeCount)
	}

	for i := 0; i < 7; i++ {
		val, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop() returned false for item %d", i)
		}
		if val != i {
			t.Errorf("popped %d, want %d", val, i)
		}
	}
}

func TestQueue_MultipleGrowsKeepOrder(t *testing.T) {
	q := NewQueue[int](4)

	for i := 0; i < 100; i++ {
		q.Push(i)
	}

	stats := q.Stats()
	if stats.Count != 100 {
		t.Errorf("Count = %d, want 100", stats.Count)
	}
	if stats.ResizeCount < 3 {
		t.Errorf("ResizeCount = %d, expected at least 3 resizes", stats.ResizeCount)
	}

	items := q.DrainTo(0)
	if len(items) != 100 {
		t.Fatalf("DrainTo(0) returned %d items, want 100", len(items))
	}
	for i, val := range items {
		if val != i {
			t.Errorf("items[%d] = %d, want %d", i, val, i)
		}
	}
}

func TestQueue_WrapAround(t *testing.T) {
	q := NewQueue[int](20)

	for i := 1; i <= 10; i++ {
		q.Push(i)
	}
	for i := 0; i < 8; i++ {
		q.Pop()
	}
	// tail wraps past the end of the backing array
	for i := 11; i <= 22; i++ {
		q.Push(i)
	}

	for want := 9; want <= 22; want++ {
		got, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop failed, expected %d", want)
		}
		if got != want {
			t.Errorf("got %d, want %d", got, want)
		}
	}
}

func TestQueue_DrainTo(t *testing.T) {
	q := NewQueue[int](10)
	for i := 0; i < 10; i++ {
		q.Push(i)
	}

	items := q.DrainTo(5)
	if len(items) != 5 {
		t.Errorf("DrainTo(5) returned %d items, want 5", len(items))
	}
	for i, val := range items {
		if val != i {
			t.Errorf("items[%d] = %d, want %d", i, val, i)
		}
	}
	if q.Len() != 5 {
		t.Errorf("Len() = %d, want 5", q.Len())
	}

	if items := NewQueue[int](1).DrainTo(0); items != nil {
		t.Errorf("DrainTo on empty queue = %v, want nil", items)
	}
}

func TestQueue_Clear(t *testing.T) {
	q := NewQueue[int](4)
	q.Push(1)
	q.Push(2)
	q.Push(3)

	if n := q.Clear(); n != 3 {
		t.Errorf("Clear() = %d, want 3", n)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}

	q.Push(4)
	if val, _ := q.Pop(); val != 4 {
		t.Errorf("Pop() after Clear = %d, want 4", val)
	}

	stats := q.Stats()
	if stats.TotalPushed != 4 || stats.TotalPopped != 1 || stats.TotalCleared != 3 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestQueue_ConcurrentPush(t *testing.T) {
	q := NewQueue[int](10)
	const perWriter = 250

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				q.Push(w*perWriter + i)
			}
		}(w)
	}
	wg.Wait()

	items := q.DrainTo(0)
	if len(items) != 4*perWriter {
		t.Fatalf("drained %d items, want %d", len(items), 4*perWriter)
	}

	// Each writer's items keep their relative order.
	last := map[int]int{0: -1, 1: -1, 2: -1, 3: -1}
	for _, v := range items {
		w := v / perWriter
		if v <= last[w] {
			t.Errorf("writer %d item %d out of order after %d", w, v, last[w])
		}
		last[w] = v
	}
}

func TestNewQueue_MinCapacity(t *testing.T) {
	if got := NewQueue[int](0).Stats().Capacity; got != 1 {
		t.Errorf("Capacity = %d, want 1 for initial capacity 0", got)
	}
	if got := NewQueue[int](-5).Stats().Capacity; got != 1 {
		t.Errorf("Capacity = %d, want 1 for negative initial capacity", got)
	}
}
