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
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/matta/mailsync/internal/message"
	"github.com/matta/mailsync/internal/outbox"
	"github.com/matta/mailsync/internal/sync"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const inboxName = "INBOX"

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Sync the active account and deliver its outbox until interrupted",
	Long: `run keeps the active account in sync and drains its outbox on a
timer.  SIGHUP re-reads the active account from the database, switches
the sync loop over to it and forces an outbox run.  SIGINT and SIGTERM
stop.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx)
	},
}

// inbox returns the stored INBOX of email, or a bare one when the
// folder list has not been loaded yet.
func inbox(ctx context.Context, a *app, email string) (*message.Folder, error) {
	f, err := a.db.Folder(ctx, email, inboxName)
	if err != nil {
		return nil, err
	}
	if f == nil {
		f = &message.Folder{FullName: inboxName}
	}
	return f, nil
}

// enqueuer requests an outbox run.  *outbox.Scheduler is one.
type enqueuer interface {
	Enqueue(force bool)
}

// outboxTrigger logs sync events and asks for an outbox run whenever
// the folders of the account change.  A run already active or pending
// is kept.
type outboxTrigger struct {
	sync.LogListener
	s enqueuer
}

var _ sync.Listener = outboxTrigger{}

func (l outboxTrigger) OnFoldersInfoReceived(t *sync.Task, folders []*message.Folder) {
	l.LogListener.OnFoldersInfoReceived(t, folders)
	l.s.Enqueue(false)
}

func (l outboxTrigger) OnMessagesMoved(t *sync.Task, src, dest string, uids []uint32) {
	l.LogListener.OnMessagesMoved(t, src, dest, uids)
	l.s.Enqueue(false)
}

func run(ctx context.Context) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	acc, err := a.activeAccount(ctx)
	if err != nil {
		return err
	}
	folder, err := inbox(ctx, a, acc.Email)
	if err != nil {
		return err
	}

	s := outbox.NewScheduler(a.sender(), a.cfg.OutboxInterval)
	d := a.dispatcher(outboxTrigger{s: s})
	d.LoadNewMessages(acc.Email, 0, folder)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// The whole command ends with the sync loop.
		defer cancel()
		err := d.Run(ctx, acc)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		s.Start(ctx)
		s.Enqueue(false)
		<-ctx.Done()
		s.Stop()
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
			}
			next, err := a.db.ActiveAccount(ctx)
			if err != nil {
				log.Printf("reloading the active account: %v", err)
				continue
			}
			if next == nil {
				log.Printf("no active account")
				d.SwitchAccount(nil)
				continue
			}
			log.Printf("switching to %s", next.Email)
			d.SwitchAccount(next)
			d.UpdateLabels(next.Email, 0)
			s.Enqueue(true)
		}
	})
	return g.Wait()
}
