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

// Package sync runs mail operations for the active account.  Callers
// enqueue typed tasks on a Dispatcher; its loop connects to the server
// and hands each task to a bounded pool of workers.  Results go to a
// Listener.
package sync

import (
	"context"
	"log"
	"sync"

	"github.com/matta/mailsync/internal/account"
	"github.com/matta/mailsync/internal/mailerr"
	"github.com/matta/mailsync/internal/message"
)

// Options configures a Dispatcher.
type Options struct {
	// Maximum number of tasks running at once.  Defaults to
	// DefaultWorkers.
	Workers int

	Listener Listener
	Mailbox  Mailbox

	// Optional.  Downloaded messages are kept here.
	Cache Cache

	// Optional.  Needed by SendBackupToKeyOwner.
	Mailer Mailer

	// Optional.  Folder counts of Google accounts are read from their
	// labels instead of one IMAP STATUS per folder.
	Labels LabelsFunc
}

// Dispatcher queues tasks and runs them for the active account.
type Dispatcher struct {
	queue    *Queue
	conn     *ConnManager
	exec     *Executor
	listener Listener
	mailbox  Mailbox
	cache    Cache
	mailer   Mailer
	labels   LabelsFunc

	// Serializes the sweep and put of enqueue.
	enqueueMu sync.Mutex

	accounts chan *account.Account
}

// NewDispatcher returns a dispatcher connecting with dial.  Labels and
// contacts are queued for loading right away.
func NewDispatcher(dial DialFunc, opts Options) *Dispatcher {
	l := opts.Listener
	if l == nil {
		l = NopListener{}
	}
	d := &Dispatcher{
		queue:    NewQueue(),
		conn:     NewConnManager(dial),
		exec:     NewExecutor(opts.Workers),
		listener: l,
		mailbox:  opts.Mailbox,
		cache:    opts.Cache,
		mailer:   opts.Mailer,
		labels:   opts.Labels,
		accounts: make(chan *account.Account, 1),
	}
	d.UpdateLabels("", 0)
	d.queue.Put(NewTask(KindLoadContacts, "", 0))
	return d
}

// enqueue puts t on the queue after removing the tasks it supersedes.
func (d *Dispatcher) enqueue(t *Task) *Task {
	d.enqueueMu.Lock()
	defer d.enqueueMu.Unlock()
	if t.Kind.Reconciling() {
		var match *Task
		if t.Kind.matchesRequest() {
			match = t
		}
		for _, old := range d.queue.RemoveKind(t.Kind, match) {
			if match != nil {
				d.listener.OnActionCanceled(old)
			}
		}
	}
	d.queue.Put(t)
	return t
}

// Pending returns the queued tasks in order.
func (d *Dispatcher) Pending() []*Task {
	return d.queue.Snapshot()
}

// UpdateLabels reloads the folder list.
func (d *Dispatcher) UpdateLabels(ownerKey string, requestCode int) *Task {
	return d.enqueue(NewTask(KindUpdateLabels, ownerKey, requestCode))
}

// DeleteMessages applies pending deletions: to the trash folder or,
// with permanent set, for good.
func (d *Dispatcher) DeleteMessages(ownerKey string, requestCode int, permanent bool) *Task {
	k := KindDeleteMessages
	if permanent {
		k = KindDeleteMessagesPermanently
	}
	return d.enqueue(NewTask(k, ownerKey, requestCode))
}

// ArchiveMessages applies pending archive actions.
func (d *Dispatcher) ArchiveMessages(ownerKey string, requestCode int) *Task {
	return d.enqueue(NewTask(KindArchiveMessages, ownerKey, requestCode))
}

// ChangeReadState applies pending read and unread marks.
func (d *Dispatcher) ChangeReadState(ownerKey string, requestCode int) *Task {
	return d.enqueue(NewTask(KindChangeReadState, ownerKey, requestCode))
}

// MoveToInbox applies pending moves back to the inbox.
func (d *Dispatcher) MoveToInbox(ownerKey string, requestCode int) *Task {
	return d.enqueue(NewTask(KindMoveToInbox, ownerKey, requestCode))
}

// LoadMessages loads the messages with sequence numbers start to end.
func (d *Dispatcher) LoadMessages(ownerKey string, requestCode int, folder *message.Folder, start, end uint32) *Task {
	t := NewTask(KindLoadMessages, ownerKey, requestCode)
	t.Folder, t.Start, t.End = folder, start, end
	return d.enqueue(t)
}

// LoadNewMessages loads messages that arrived after the last seen UID.
func (d *Dispatcher) LoadNewMessages(ownerKey string, requestCode int, folder *message.Folder) *Task {
	t := NewTask(KindCheckNewMessages, ownerKey, requestCode)
	t.Folder = folder
	return d.enqueue(t)
}

// LoadMessageDetails downloads a complete message.
func (d *Dispatcher) LoadMessageDetails(ownerKey string, requestCode int, folder *message.Folder, uid uint32, resetConnection bool) *Task {
	t := NewTask(KindLoadMessageDetails, ownerKey, requestCode)
	t.Folder, t.UID, t.ResetConnection = folder, uid, resetConnection
	return d.enqueue(t)
}

// LoadAttachmentsInfo lists the attachments of a message.
func (d *Dispatcher) LoadAttachmentsInfo(ownerKey string, requestCode int, folder *message.Folder, uid uint32) *Task {
	t := NewTask(KindLoadAttachmentsInfo, ownerKey, requestCode)
	t.Folder, t.UID = folder, uid
	return d.enqueue(t)
}

// LoadNextMessages loads the next page of older messages.
func (d *Dispatcher) LoadNextMessages(ownerKey string, requestCode int, folder *message.Folder, alreadyLoaded int) *Task {
	t := NewTask(KindLoadMessagesToCache, ownerKey, requestCode)
	t.Folder, t.AlreadyLoaded = folder, alreadyLoaded
	d.listener.OnActionProgress(t, ProgressAddingToQueue)
	return d.enqueue(t)
}

// RefreshMessages refreshes the flags of known messages and finds new
// and removed ones.
func (d *Dispatcher) RefreshMessages(ownerKey string, requestCode int, folder *message.Folder, known []uint32) *Task {
	t := NewTask(KindRefreshMessages, ownerKey, requestCode)
	t.Folder, t.UIDs = folder, known
	return d.enqueue(t)
}

// MoveMessage moves one message to dest.
func (d *Dispatcher) MoveMessage(ownerKey string, requestCode int, folder *message.Folder, dest string, uid uint32) *Task {
	t := NewTask(KindMoveMessages, ownerKey, requestCode)
	t.Folder, t.DestFolder, t.UIDs = folder, dest, []uint32{uid}
	return d.enqueue(t)
}

// LoadPrivateKeys looks for private key backups in every folder.
func (d *Dispatcher) LoadPrivateKeys(ownerKey string, requestCode int) *Task {
	return d.enqueue(NewTask(KindLoadPrivateKeysFromBackup, ownerKey, requestCode))
}

// SendMessageWithBackup sends raw, a key backup message, to the
// account owner.
func (d *Dispatcher) SendMessageWithBackup(ownerKey string, requestCode int, raw []byte) *Task {
	t := NewTask(KindSendBackupToKeyOwner, ownerKey, requestCode)
	t.Raw = raw
	return d.enqueue(t)
}

// IdentifyEncryptedMessages checks which of uids are encrypted.
func (d *Dispatcher) IdentifyEncryptedMessages(ownerKey string, requestCode int, folder *message.Folder, uids []uint32) *Task {
	t := NewTask(KindCheckEncryptedState, ownerKey, requestCode)
	t.Folder, t.UIDs = folder, uids
	return d.enqueue(t)
}

// SearchMessages runs query in folder and loads the next page of
// matches.
func (d *Dispatcher) SearchMessages(ownerKey string, requestCode int, folder *message.Folder, query string, alreadyLoaded int) *Task {
	t := NewTask(KindSearchMessages, ownerKey, requestCode)
	t.Folder, t.Query, t.AlreadyLoaded = folder, query, alreadyLoaded
	d.listener.OnActionProgress(t, ProgressAddingToQueue)
	return d.enqueue(t)
}

// EmptyTrash deletes every message in the trash folder.
func (d *Dispatcher) EmptyTrash(ownerKey string, requestCode int) *Task {
	return d.enqueue(NewTask(KindEmptyTrash, ownerKey, requestCode))
}

// CancelTask cancels the task with the given ID if it is still
// running.
func (d *Dispatcher) CancelTask(id string) bool {
	return d.exec.Cancel(id)
}

// SwitchAccount makes the loop continue with acc on a fresh
// connection.  A nil acc stops the loop.  Only the latest switch not
// yet seen by the loop counts.
func (d *Dispatcher) SwitchAccount(acc *account.Account) {
	for {
		select {
		case d.accounts <- acc:
			return
		default:
		}
		select {
		case <-d.accounts:
		default:
		}
	}
}

// Run executes queued tasks for acc until ctx is done or
// SwitchAccount(nil) is called.  On exit the queue is cleared, running
// tasks are canceled and waited for and the connection is closed.  A
// nil acc returns at once.
func (d *Dispatcher) Run(ctx context.Context, acc *account.Account) error {
	if acc == nil {
		return nil
	}
	defer d.stop()

	log.Printf("sync loop started for %s", acc.Email)
	reset := false
	for {
		select {
		case next := <-d.accounts:
			if next == nil {
				log.Printf("no active account; sync loop stopping")
				return nil
			}
			acc, reset = next, true
			continue
		default:
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		t := d.queue.TryTake()
		if t == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case next := <-d.accounts:
				if next == nil {
					log.Printf("no active account; sync loop stopping")
					return nil
				}
				acc, reset = next, true
			case <-d.queue.Ready():
			}
			continue
		}
		d.runTask(ctx, acc, t, true, reset)
		reset = false
	}
}

func (d *Dispatcher) stop() {
	if n := d.queue.Clear(); n > 0 {
		log.Printf("dropped %d queued tasks", n)
	}
	d.exec.Shutdown()
	d.conn.Close()
}

// runTask connects if needed and submits t.  A connection failure is
// retried once when retry is set.
func (d *Dispatcher) runTask(ctx context.Context, acc *account.Account, t *Task, retry, reset bool) {
	if t.Cancelled() {
		return
	}
	d.listener.OnActionProgress(t, ProgressRunningTask)
	if d.conn.Current() == nil || reset || t.ResetConnection {
		d.listener.OnActionProgress(t, ProgressConnecting)
	}
	st, err := d.conn.Ensure(ctx, acc, reset || t.ResetConnection)
	if err == nil {
		err = d.exec.Submit(t, func(ctx context.Context) {
			d.execute(ctx, acc, st, t)
		})
	}
	if err == nil {
		return
	}
	if mailerr.IsConnection(err) && retry && ctx.Err() == nil {
		log.Printf("%v: %v; retrying", t, err)
		d.runTask(ctx, acc, t, false, reset)
		return
	}
	log.Printf("%v: %v", t, err)
	d.listener.OnError(t, err)
}

// execute runs t on a worker and reports the outcome.
func (d *Dispatcher) execute(ctx context.Context, acc *account.Account, st Store, t *Task) {
	if t.Cancelled() || ctx.Err() != nil {
		d.listener.OnActionCanceled(t)
		return
	}
	r := &runner{
		acc:     acc,
		st:      st,
		t:       t,
		l:       d.listener,
		mailbox: d.mailbox,
		cache:   d.cache,
		mailer:  d.mailer,
		labels:  d.labels,
	}
	err := r.run(ctx)
	switch {
	case err == nil:
		d.listener.OnActionCompleted(t)
	case ctx.Err() != nil:
		d.listener.OnActionCanceled(t)
	default:
		log.Printf("%v failed: %v", t, err)
		d.listener.OnError(t, err)
	}
}
