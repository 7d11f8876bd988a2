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

// This file declares what tasks need from the outside world.

import (
	"context"

	"github.com/matta/mailsync/internal/account"
	"github.com/matta/mailsync/internal/message"
	"github.com/matta/mailsync/internal/persist"
)

// FolderReader reads folders and their messages from the server.
type FolderReader interface {
	Folders(ctx context.Context) ([]*message.Folder, error)
	Status(ctx context.Context, folder string) (messages, unseen, uidNext uint32, err error)
	Envelopes(ctx context.Context, folder string, start, end uint32) ([]*message.Envelope, error)
	EnvelopesByUID(ctx context.Context, folder string, uids []uint32) ([]*message.Envelope, error)
	NewerThan(ctx context.Context, folder string, lastUID uint32) ([]*message.Envelope, error)
	Details(ctx context.Context, folder string, uid uint32) (*message.Details, error)
	AttachmentsInfo(ctx context.Context, folder string, uid uint32) ([]message.AttachmentInfo, error)
	Search(ctx context.Context, folder, query string) ([]uint32, error)
}

// FolderWriter changes messages on the server.
type FolderWriter interface {
	Move(ctx context.Context, folder, dest string, uids []uint32) error
	SetSeen(ctx context.Context, folder string, uids []uint32, seen bool) error
	DeletePermanently(ctx context.Context, folder string, uids []uint32) error
	Empty(ctx context.Context, folder string) error
}

// Store is an authenticated server connection.  Implementations must
// be safe for concurrent use.  *imap.Store is one.
type Store interface {
	FolderReader
	FolderWriter
	Account() string
	Alive() bool
	Close() error
}

// DialFunc opens a new Store for acc.
type DialFunc func(ctx context.Context, acc *account.Account) (Store, error)

// Mailbox is the local database as seen by tasks.  *persist.DB is one.
type Mailbox interface {
	ReplaceFolders(ctx context.Context, account string, folders []*message.Folder) error
	Folders(ctx context.Context, account string) ([]*message.Folder, error)
	Folder(ctx context.Context, account, fullName string) (*message.Folder, error)
	UpdateFolderCounts(ctx context.Context, account, fullName string, messages, unread int) error
	UpdateLastUID(ctx context.Context, account, fullName string, uid uint32) error
	Pending(ctx context.Context, account string, action persist.Action) (map[string][]uint32, error)
	ClearPending(ctx context.Context, account, folder string, action persist.Action, uids ...uint32) error
}

// Cache keeps downloaded messages.  *attcache.Cache is one.
type Cache interface {
	HaveMessage(account, folder string, uid uint32) bool
	InsertMessage(account, folder string, uid uint32, raw []byte) error
	Message(account, folder string, uid uint32) ([]byte, error)
}

// Mailer delivers a complete message.  *smtp.Transport is one.
type Mailer interface {
	Send(ctx context.Context, acc *account.Account, from string, raw []byte) error
}

// LabelLister lists an account's labels with their message counts.
// *gmail.Service is one.
type LabelLister interface {
	Labels(ctx context.Context) ([]*message.Folder, error)
}

// LabelsFunc returns the LabelLister of a Google account.
type LabelsFunc func(ctx context.Context, acc *account.Account) (LabelLister, error)
