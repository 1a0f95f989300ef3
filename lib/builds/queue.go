package builds

import "sync"

// queuedBuild is a build waiting for a slot.
type queuedBuild struct {
	id      string
	startFn func()
}

// BuildQueue bounds the number of concurrently running builds. Builds beyond
// the limit wait in FIFO order.
type BuildQueue struct {
	maxConcurrent int
	active        map[string]bool
	pending       []queuedBuild
	mu            sync.Mutex
}

// NewBuildQueue creates a queue with the given concurrency limit.
func NewBuildQueue(maxConcurrent int) *BuildQueue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &BuildQueue{
		maxConcurrent: maxConcurrent,
		active:        make(map[string]bool),
	}
}

// Enqueue registers a build. If a slot is free the build starts immediately
// in a goroutine and 0 is returned; otherwise the build waits and its queue
// position (1-based) is returned.
func (q *BuildQueue) Enqueue(id string, startFn func()) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.active) < q.maxConcurrent {
		q.active[id] = true
		go startFn()
		return 0
	}

	q.pending = append(q.pending, queuedBuild{id: id, startFn: startFn})
	return len(q.pending)
}

// MarkComplete releases a build's slot and starts the next waiting build.
func (q *BuildQueue) MarkComplete(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.active, id)

	if len(q.pending) > 0 && len(q.active) < q.maxConcurrent {
		next := q.pending[0]
		q.pending = q.pending[1:]
		q.active[next.id] = true
		go next.startFn()
	}
}

// Remove drops a waiting build from the queue. Returns false if the build is
// not waiting (already running or unknown).
func (q *BuildQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, b := range q.pending {
		if b.id == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Position returns the 1-based queue position for a waiting build, or nil if
// the build is running or unknown.
func (q *BuildQueue) Position(id string) *int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.active[id] {
		return nil
	}
	for i, b := range q.pending {
		if b.id == id {
			pos := i + 1
			return &pos
		}
	}
	return nil
}

// ActiveCount returns the number of running builds.
func (q *BuildQueue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

// PendingCount returns the number of waiting builds.
func (q *BuildQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
