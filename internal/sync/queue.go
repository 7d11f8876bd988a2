// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sync

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO of tasks.  Put never blocks.
type Queue struct {
	mu    sync.Mutex
	tasks []*Task

	// Holds a token while the queue may be non-empty.
	ready chan struct{}
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Put appends t at the tail.
func (q *Queue) Put(t *Task) {
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()
	q.signal()
}

// TryTake removes and returns the head task, or nil if the queue is
// empty.
func (q *Queue) TryTake() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil
	}
	t := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	if len(q.tasks) > 0 {
		q.signal()
	}
	return t
}

// Ready returns a channel that receives when a task may be available.
// Callers follow up with TryTake.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Take blocks until a task is available or ctx is done.
func (q *Queue) Take(ctx context.Context) (*Task, error) {
	for {
		if t := q.TryTake(); t != nil {
			return t, nil
		}
		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// RemoveKind removes queued tasks of kind k, marks them cancelled and
// returns them.  With a non-nil match only tasks with match's owner
// key and request code are removed.
func (q *Queue) RemoveKind(k Kind, match *Task) []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var removed []*Task
	kept := q.tasks[:0]
	for _, t := range q.tasks {
		if t.Kind == k && (match == nil ||
			(t.OwnerKey == match.OwnerKey && t.RequestCode == match.RequestCode)) {
			t.Cancel()
			removed = append(removed, t)
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(q.tasks); i++ {
		q.tasks[i] = nil
	}
	q.tasks = kept
	return removed
}

// Clear drops every queued task and returns how many there were.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.tasks)
	q.tasks = nil
	return n
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Snapshot returns the queued tasks in order.
func (q *Queue) Snapshot() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*Task(nil), q.tasks...)
}
