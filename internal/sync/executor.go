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

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// DefaultWorkers bounds the number of tasks running against one
// server connection.
const DefaultWorkers = 5

// ErrShutdown is returned by Submit after Shutdown.
var ErrShutdown = errors.New("executor is shut down")

type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *handle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Executor runs submitted functions on goroutines, at most workers at
// a time.  Running work is tracked by task ID for cancellation.
type Executor struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	// Task ID to *handle.
	running sync.Map
}

// NewExecutor returns an executor running at most workers functions
// at once.
func NewExecutor(workers int) *Executor {
	if workers < 1 {
		workers = DefaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		sem:    semaphore.NewWeighted(int64(workers)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// sweep forgets finished work.
func (e *Executor) sweep() {
	e.running.Range(func(k, v interface{}) bool {
		if v.(*handle).finished() {
			e.running.Delete(k)
		}
		return true
	})
}

// Submit schedules f for t.  It does not wait for a free worker.  The
// context passed to f is canceled by Cancel(t.ID) and by Shutdown.
func (e *Executor) Submit(t *Task, f func(ctx context.Context)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrShutdown
	}
	e.sweep()

	ctx, cancel := context.WithCancel(e.ctx)
	h := &handle{cancel: cancel, done: make(chan struct{})}
	e.running.Store(t.ID, h)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(h.done)
		defer cancel()
		if err := e.sem.Acquire(ctx, 1); err != nil {
			f(ctx)
			return
		}
		defer e.sem.Release(1)
		f(ctx)
	}()
	return nil
}

// Cancel cancels the work submitted for task id.  It reports whether
// the work was still pending or running.
func (e *Executor) Cancel(id string) bool {
	v, ok := e.running.Load(id)
	if !ok {
		return false
	}
	h := v.(*handle)
	if h.finished() {
		return false
	}
	h.cancel()
	return true
}

// Tracked returns the number of submissions not yet swept.
func (e *Executor) Tracked() int {
	n := 0
	e.running.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Shutdown refuses new work, cancels running work and waits for it to
// return.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
}
