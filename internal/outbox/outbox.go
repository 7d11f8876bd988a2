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

/*
Package outbox delivers messages queued by the composer.

A drain run (Sender.Run) takes the queued messages of the active account
one at a time, delivers each over SMTP or the Gmail API, and appends a
copy to the server's Sent folder.  Every message moves through the
states of message.State and the state is persisted before each step
with an external effect, so a message is never delivered twice by the
same run and a delivered message is never delivered again by a later
run because its Sent copy failed.

Runs are triggered through a Scheduler, which never lets two runs
overlap.
*/
package outbox

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/matta/mailsync/internal/account"
	"github.com/matta/mailsync/internal/message"

	"github.com/pkg/errors"
)

var (
	// ErrOffline aborts a run when the network is gone.  The
	// message in flight is queued again.
	ErrOffline = errors.New("no network connection")

	// ErrCopyNotSaved is returned when the account has no folder
	// with the \Sent attribute to keep a copy in.
	ErrCopyNotSaved = errors.New("sent folder is not defined; copy not saved")

	// ErrBusy is returned when another run, possibly in another
	// process, holds the outbox lease of the account.
	ErrBusy = errors.New("outbox is being sent by another run")

	// ErrLeaseLost aborts a run whose lease was taken over after it
	// failed to renew it in time.
	ErrLeaseLost = errors.New("outbox lease lost")
)

// DB is the outbox storage.  *persist.DB is one.
type DB interface {
	ActiveAccount(ctx context.Context) (*account.Account, error)
	AcquireOutboxLease(ctx context.Context, account, owner string, ttl time.Duration) (bool, error)
	ReleaseOutboxLease(ctx context.Context, account, owner string) error
	ResetSending(ctx context.Context, account, owner string) error
	OutboxByStates(ctx context.Context, account string, states ...message.State) ([]*message.Outbox, error)
	Outbox(ctx context.Context, key message.Key) (*message.Outbox, error)
	MarkSending(ctx context.Context, key message.Key, from message.State) (bool, error)
	SetState(ctx context.Context, key message.Key, state message.State, errMsg string) error
	ChangeStates(ctx context.Context, account string, old, new message.State) (int64, error)
	DeleteOutbox(ctx context.Context, key message.Key) error
	Attachments(ctx context.Context, key message.Key) ([]*message.Attachment, error)
	OutboxCount(ctx context.Context, account string) (int, error)
	SetOutboxCount(ctx context.Context, account string, n int) error
	FindSentFolder(ctx context.Context, account string) (*message.Folder, error)
}

// Store is the IMAP connection of a run.  *imap.Store is one.
type Store interface {
	Details(ctx context.Context, folder string, uid uint32) (*message.Details, error)
	Part(ctx context.Context, folder string, uid uint32, partID string) ([]byte, error)
	Append(ctx context.Context, folder string, flags []string, raw []byte) error
	Close() error
}

// DialFunc opens a Store for acc.
type DialFunc func(ctx context.Context, acc *account.Account) (Store, error)

// Transport delivers a finished message.  *smtp.Transport is one.
type Transport interface {
	Send(ctx context.Context, acc *account.Account, from string, raw []byte) error
}

// Gmail sends through the Gmail REST API.  *gmail.Service is one.
type Gmail interface {
	Send(ctx context.Context, raw []byte, threadID string) (string, error)
	ThreadIDByMessageID(ctx context.Context, messageID string) (string, error)
}

// GmailFunc returns the Gmail API client of acc.
type GmailFunc func(ctx context.Context, acc *account.Account) (Gmail, error)

// Files holds cached attachment content.  *attcache.Cache is one.
type Files interface {
	Open(path string) (io.ReadCloser, error)
	RemoveDir(rel string) error
}

// Connectivity reports whether the network is usable.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// Notifier is told when a run starts and stops working for an
// account.
type Notifier interface {
	Busy(account string)
	Idle(account string)
}

// LogNotifier logs run activity.
type LogNotifier struct{}

func (LogNotifier) Busy(account string) { log.Printf("outbox: sending mail of %s", account) }
func (LogNotifier) Idle(account string) { log.Printf("outbox: done with %s", account) }

// stateError is a failure that leaves the message in a known state.
type stateError struct {
	state message.State
	err   error
}

func (e *stateError) Error() string { return e.err.Error() }
func (e *stateError) Unwrap() error { return e.err }

func withState(state message.State, err error) error {
	if err == nil {
		return nil
	}
	return &stateError{state: state, err: err}
}
