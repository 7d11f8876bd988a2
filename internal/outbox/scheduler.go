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

package outbox

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Runner performs one drain run.  *Sender is one.
type Runner interface {
	Run(ctx context.Context) error
}

// Scheduler runs a Runner on demand and periodically, one run at a
// time.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	wake     chan struct{}

	mu      sync.Mutex
	pending bool
	active  bool
	cancel  context.CancelFunc
	stop    context.CancelFunc
	done    chan struct{}
}

// NewScheduler returns a Scheduler for r.  A positive interval adds a
// periodic run that behaves like Enqueue(false).
func NewScheduler(r Runner, interval time.Duration) *Scheduler {
	return &Scheduler{
		runner:   r,
		interval: interval,
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue asks for a run.  Without force it does nothing while a run is
// active or already requested.  With force the active run is canceled
// and a new one follows it.
func (s *Scheduler) Enqueue(force bool) {
	s.mu.Lock()
	if !force && (s.active || s.pending) {
		s.mu.Unlock()
		return
	}
	s.pending = true
	if force && s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start starts the worker.  Runs requested before Start happen once it
// is running.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.stop = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()
	go func() {
		defer close(done)
		s.loop(ctx)
	}()
}

// Stop cancels the active run and waits for the worker to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.mu.Unlock()
	if stop == nil {
		return
	}
	stop()
	<-done
}

func (s *Scheduler) loop(ctx context.Context) {
	var tick <-chan time.Time
	if s.interval > 0 {
		t := time.NewTicker(s.interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		s.runPending(ctx)
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-tick:
			s.mu.Lock()
			s.pending = true
			s.mu.Unlock()
		}
	}
}

func (s *Scheduler) runPending(ctx context.Context) {
	for ctx.Err() == nil {
		s.mu.Lock()
		if !s.pending {
			s.mu.Unlock()
			return
		}
		s.pending = false
		s.active = true
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.mu.Unlock()

		err := s.runner.Run(runCtx)
		cancel()

		s.mu.Lock()
		s.active = false
		s.cancel = nil
		s.mu.Unlock()

		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			log.Printf("outbox: run canceled")
		default:
			log.Printf("outbox: run failed: %v", err)
		}
	}
}
