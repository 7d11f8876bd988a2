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


package main

import (
	"context"
	gosync "sync"

	"github.com/matta/mailsync/internal/sync"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single sync task for the active account",
}

var syncLabelsCmd = &cobra.Command{
	Use:   "labels",
	Short: "Reload the folder list",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		return syncOnce(ctx, a, func(d *sync.Dispatcher, email string) (*sync.Task, error) {
			return d.UpdateLabels(email, 0), nil
		})
	}),
}

var syncInboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "Fetch messages newer than the last seen INBOX UID",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		return syncOnce(ctx, a, func(d *sync.Dispatcher, email string) (*sync.Task, error) {
			f, err := inbox(ctx, a, email)
			if err != nil {
				return nil, err
			}
			return d.LoadNewMessages(email, 0, f), nil
		})
	}),
}

func init() {
	syncCmd.AddCommand(syncLabelsCmd)
	syncCmd.AddCommand(syncInboxCmd)
}

// waitListener logs like sync.LogListener and calls done once the task
// with the given ID has finished.
type waitListener struct {
	sync.LogListener
	id   string
	done context.CancelFunc

	mu  gosync.Mutex
	err error
}

func (l *waitListener) finish(t *sync.Task, err error) {
	if t.ID != l.id {
		return
	}
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
	l.done()
}

func (l *waitListener) OnActionCompleted(t *sync.Task) {
	l.LogListener.OnActionCompleted(t)
	l.finish(t, nil)
}

func (l *waitListener) OnActionCanceled(t *sync.Task) {
	l.LogListener.OnActionCanceled(t)
	l.finish(t, context.Canceled)
}

func (l *waitListener) OnError(t *sync.Task, err error) {
	l.LogListener.OnError(t, err)
	l.finish(t, err)
}

func (l *waitListener) result() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// syncOnce runs the dispatcher until the task returned by enqueue is
// done.
func syncOnce(ctx context.Context, a *app, enqueue func(d *sync.Dispatcher, email string) (*sync.Task, error)) error {
	acc, err := a.activeAccount(ctx)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	l := &waitListener{done: cancel}
	d := a.dispatcher(l)
	t, err := enqueue(d, acc.Email)
	if err != nil {
		return err
	}
	l.id = t.ID

	err = d.Run(runCtx, acc)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return l.result()
}
