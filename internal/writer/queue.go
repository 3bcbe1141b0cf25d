package writer

import "sync"

// Queue is a bounded, thread-safe FIFO ring buffer. It starts small and
// doubles its capacity when it reaches 70% full, up to maxCapacity. Once
// full, Push drops the item instead of blocking the producer.
type Queue[T any] struct {
	mu          sync.Mutex
	buf         []T
	head        int // read position
	tail        int // write position
	count       int
	capacity    int
	maxCapacity int
	closed      bool

	// ready holds a token while items may be waiting.
	ready chan struct{}

	// Stats
	pushed      int64
	popped      int64
	dropped     int64
	resizeCount int
}

// QueueStats contains queue statistics.
type QueueStats struct {
	Count       int
	Capacity    int
	MaxCapacity int
	Pushed      int64
	Popped      int64
	Dropped     int64
	ResizeCount int
}

// NewQueue creates a queue that holds at most maxCapacity items.
func NewQueue[T any](initialCapacity, maxCapacity int) *Queue[T] {
	if maxCapacity < 1 {
		maxCapacity = 1
	}
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	if initialCapacity > maxCapacity {
		initialCapacity = maxCapacity
	}
	return &Queue[T]{
		buf:         make([]T, initialCapacity),
		capacity:    initialCapacity,
		maxCapacity: maxCapacity,
		ready:       make(chan struct{}, 1),
	}
}

// Push appends item without blocking. It returns false, counting a drop,
// when the queue is full or closed.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.count >= q.maxCapacity {
		q.dropped++
		return false
	}

	threshold := (q.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if q.count+1 >= threshold && q.capacity < q.maxCapacity {
		q.grow()
	}
	if q.count == q.capacity {
		q.dropped++
		return false
	}

	q.buf[q.tail] = item
	q.tail = (q.tail + 1) % q.capacity
	q.count++
	q.pushed++

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// Ready returns a channel that receives a value after Push. Consumers wait
// on it and then drain with DrainTo; a token may be stale.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}

// DrainTo removes up to max items (all items if max <= 0) in FIFO order.
func (q *Queue[T]) DrainTo(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}

	n := q.count
	if max > 0 && max < n {
		n = max
	}

	var zero T
	result := make([]T, n)
	for i := 0; i < n; i++ {
		result[i] = q.buf[q.head]
		q.buf[q.head] = zero
		q.head = (q.head + 1) % q.capacity
	}
	q.count -= n
	q.popped += int64(n)

	return result
}

// Close makes later Push calls fail. Items already queued can still be
// drained.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

// Len returns the current number of items in the queue.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Stats returns queue statistics.
func (q *Queue[T]) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Count:       q.count,
		Capacity:    q.capacity,
		MaxCapacity: q.maxCapacity,
		Pushed:      q.pushed,
		Popped:      q.popped,
		Dropped:     q.dropped,
		ResizeCount: q.resizeCount,
	}
}

// grow doubles the capacity, capped at maxCapacity. Must be called with
// lock held.
func (q *Queue[T]) grow() {
	newCapacity := q.capacity * 2
	if newCapacity > q.maxCapacity {
		newCapacity = q.maxCapacity
	}
	newBuf := make([]T, newCapacity)

	if q.count > 0 {
		if q.head < q.tail {
			copy(newBuf, q.buf[q.head:q.tail])
		} else {
			// Wrapped: [head...end) + [0...tail)
			n := copy(newBuf, q.buf[q.head:])
			copy(newBuf[n:], q.buf[:q.tail])
		}
	}

	q.buf = newBuf
	q.head = 0
	q.tail = q.count
	q.capacity = newCapacity
	q.resizeCount++
}
