// Package queue is the priority queue of pending downloads: a min-heap
// over priority with blocking pop, a timeout, and depth/done accounting.
package queue

import (
	"container/heap"
	"strings"
	"sync"
	"time"
)

// Task is the in-memory unit of work: a copy of a FileRecord's key fields
// plus the download URL and derived priority (lower dequeued first).
type Task struct {
	ItemID      string
	FileName    string
	FileURL     string
	Size        int64
	ExpectedMD5 string
	Priority    int
}

// Priority tiers, derived at construction from filename and size.
const (
	PriorityMetadata = 10 // filename suggests metadata (.xml/.json/.txt/readme)
	PriorityDefault  = 50
	PriorityLarge    = 80 // size > 100 MiB
)

const largeFileThreshold = 100 * 1024 * 1024

// DerivePriority ranks metadata-like names first, then default files,
// then large files last.
func DerivePriority(fileName string, size int64) int {
	lower := strings.ToLower(fileName)
	if strings.HasSuffix(lower, ".xml") || strings.HasSuffix(lower, ".json") ||
		strings.HasSuffix(lower, ".txt") || strings.Contains(lower, "readme") {
		return PriorityMetadata
	}
	if size > largeFileThreshold {
		return PriorityLarge
	}
	return PriorityDefault
}

// item is the heap element; insertion order among equal priorities is
// unspecified.
type item struct {
	task  *Task
	index int
	seq   uint64
}

type minHeap []*item

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool {
	if h[i].task.Priority == h[j].task.Priority {
		return h[i].seq < h[j].seq
	}
	return h[i].task.Priority < h[j].task.Priority
}
func (h minHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *minHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is a thread-safe min-priority-queue with a blocking pop that
// honors a timeout, non-blocking push, depth probe, and task-done
// accounting.
type Queue struct {
	mu       sync.Mutex
	h        minHeap
	notify   chan struct{}
	nextSeq  uint64
	inFlight int
}

// New returns an empty, ready-to-use Queue.
func New() *Queue {
	q := &Queue{notify: make(chan struct{}, 1)}
	heap.Init(&q.h)
	return q
}

// Push enqueues a task. Non-blocking.
func (q *Queue) Push(t *Task) {
	q.mu.Lock()
	q.nextSeq++
	heap.Push(&q.h, &item{task: t, seq: q.nextSeq})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop blocks up to timeout for a task, returning nil, false if the deadline
// elapses with nothing queued. A sync.Cond cannot express a deadline, so a
// buffered notify channel drives this wait instead.
func (q *Queue) Pop(timeout time.Duration) (*Task, bool) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if q.h.Len() > 0 {
			it := heap.Pop(&q.h).(*item)
			q.inFlight++
			q.mu.Unlock()
			return it.task, true
		}
		q.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}

		timer := time.NewTimer(remaining)
		select {
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
			return nil, false
		}
	}
}

// Done marks one previously-popped task as complete, for depth/inflight
// accounting.
func (q *Queue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight > 0 {
		q.inFlight--
	}
}

// Len reports the number of tasks waiting (not counting in-flight work),
// observable from telemetry as queue_depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}
