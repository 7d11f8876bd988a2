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
	"log"

	"github.com/matta/mailsync/internal/message"
)

// Progress identifies a step of a running task.
type Progress int

const (
	ProgressAddingToQueue Progress = iota + 1
	ProgressRunningTask
	ProgressConnecting
	ProgressOpeningFolder
	ProgressFetching
)

func (p Progress) String() string {
	switch p {
	case ProgressAddingToQueue:
		return "adding task to queue"
	case ProgressRunningTask:
		return "running task"
	case ProgressConnecting:
		return "connecting to server"
	case ProgressOpeningFolder:
		return "opening folder"
	case ProgressFetching:
		return "fetching messages"
	}
	return "unknown"
}

// Listener receives task results.  Methods are called from worker
// goroutines and must not block for long.
type Listener interface {
	OnActionProgress(t *Task, p Progress)
	OnActionCanceled(t *Task)
	OnActionCompleted(t *Task)
	OnError(t *Task, err error)

	OnFoldersInfoReceived(t *Task, folders []*message.Folder)
	OnMessagesReceived(t *Task, folder *message.Folder, envs []*message.Envelope)
	OnNewMessagesReceived(t *Task, folder *message.Folder, envs []*message.Envelope)
	OnSearchMessagesReceived(t *Task, folder *message.Folder, envs []*message.Envelope, total int)
	OnRefreshMessagesReceived(t *Task, folder *message.Folder, fresh, updated []*message.Envelope, removed []uint32)
	OnMessageDetailsReceived(t *Task, folder *message.Folder, d *message.Details)
	OnAttachmentsInfoReceived(t *Task, folder *message.Folder, uid uint32, atts []message.AttachmentInfo)
	OnMessagesMoved(t *Task, src, dest string, uids []uint32)
	OnMessagesChanged(t *Task, folder string, uids []uint32)
	OnPrivateKeysFound(t *Task, keys []string)
	OnMessageWithBackupSent(t *Task, sent bool)
	OnContactsLoaded(t *Task, addrs []string)
	OnEncryptionIdentified(t *Task, folder *message.Folder, encrypted map[uint32]bool)
}

// NopListener ignores every callback.  Embed it to implement only the
// callbacks of interest.
type NopListener struct{}

func (NopListener) OnActionProgress(*Task, Progress) {}
func (NopListener) OnActionCanceled(*Task) {}
func (NopListener) OnActionCompleted(*Task) {}
func (NopListener) OnError(*Task, error) {}
func (NopListener) OnFoldersInfoReceived(*Task, []*message.Folder) {}
func (NopListener) OnMessagesReceived(*Task, *message.Folder, []*message.Envelope) {}
func (NopListener) OnNewMessagesReceived(*Task, *message.Folder, []*message.Envelope) {}
func (NopListener) OnSearchMessagesReceived(*Task, *message.Folder, []*message.Envelope, int) {}
func (NopListener) OnRefreshMessagesReceived(*Task, *message.Folder, []*message.Envelope, []*message.Envelope, []uint32) {}
func (NopListener) OnMessageDetailsReceived(*Task, *message.Folder, *message.Details) {}
func (NopListener) OnAttachmentsInfoReceived(*Task, *message.Folder, uint32, []message.AttachmentInfo) {}
func (NopListener) OnMessagesMoved(*Task, string, string, []uint32) {}
func (NopListener) OnMessagesChanged(*Task, string, []uint32) {}
func (NopListener) OnPrivateKeysFound(*Task, []string) {}
func (NopListener) OnMessageWithBackupSent(*Task, bool) {}
func (NopListener) OnContactsLoaded(*Task, []string) {}
func (NopListener) OnEncryptionIdentified(*Task, *message.Folder, map[uint32]bool) {}

// LogListener logs every callback with the standard logger.
type LogListener struct{}

func folderName(f *message.Folder) string {
	if f == nil {
		return ""
	}
	return f.FullName
}

func (LogListener) OnActionProgress(t *Task, p Progress) {
	log.Printf("%v: %v", t, p)
}

func (LogListener) OnActionCanceled(t *Task) {
	log.Printf("%v: canceled", t)
}

func (LogListener) OnActionCompleted(t *Task) {
	log.Printf("%v: completed", t)
}

func (LogListener) OnError(t *Task, err error) {
	log.Printf("%v: %v", t, err)
}

func (LogListener) OnFoldersInfoReceived(t *Task, folders []*message.Folder) {
	log.Printf("%v: %d folders", t, len(folders))
	for _, f := range folders {
		log.Printf("  %-30s %6d messages %6d unread %v", f.FullName,
			f.MessageCount, f.UnreadCount, f.Attributes)
	}
}

func logEnvelopes(envs []*message.Envelope) {
	for _, e := range envs {
		log.Printf("  %6d %s %q", e.UID, e.Date.Format("2006-01-02 15:04"), e.Subject)
	}
}

func (LogListener) OnMessagesReceived(t *Task, folder *message.Folder, envs []*message.Envelope) {
	log.Printf("%v: %d messages from %q", t, len(envs), folderName(folder))
	logEnvelopes(envs)
}

func (LogListener) OnNewMessagesReceived(t *Task, folder *message.Folder, envs []*message.Envelope) {
	log.Printf("%v: %d new messages in %q", t, len(envs), folderName(folder))
	logEnvelopes(envs)
}

func (LogListener) OnSearchMessagesReceived(t *Task, folder *message.Folder, envs []*message.Envelope, total int) {
	log.Printf("%v: %d of %d matches in %q", t, len(envs), total, folderName(folder))
	logEnvelopes(envs)
}

func (LogListener) OnRefreshMessagesReceived(t *Task, folder *message.Folder, fresh, updated []*message.Envelope, removed []uint32) {
	log.Printf("%v: %q has %d new, %d updated, %d removed messages",
		t, folderName(folder), len(fresh), len(updated), len(removed))
}

func (LogListener) OnMessageDetailsReceived(t *Task, folder *message.Folder, d *message.Details) {
	log.Printf("%v: message %d in %q, %d bytes", t, d.UID, folderName(folder), len(d.Raw))
}

func (LogListener) OnAttachmentsInfoReceived(t *Task, folder *message.Folder, uid uint32, atts []message.AttachmentInfo) {
	log.Printf("%v: message %d in %q has %d attachments", t, uid, folderName(folder), len(atts))
}

func (LogListener) OnMessagesMoved(t *Task, src, dest string, uids []uint32) {
	log.Printf("%v: moved %v from %q to %q", t, uids, src, dest)
}

func (LogListener) OnMessagesChanged(t *Task, folder string, uids []uint32) {
	log.Printf("%v: changed %v in %q", t, uids, folder)
}

func (LogListener) OnPrivateKeysFound(t *Task, keys []string) {
	log.Printf("%v: found %d private key backups", t, len(keys))
}

func (LogListener) OnMessageWithBackupSent(t *Task, sent bool) {
	log.Printf("%v: backup sent: %v", t, sent)
}

func (LogListener) OnContactsLoaded(t *Task, addrs []string) {
	log.Printf("%v: %d contacts", t, len(addrs))
}

func (LogListener) OnEncryptionIdentified(t *Task, folder *message.Folder, encrypted map[uint32]bool) {
	n := 0
	for _, e := range encrypted {
		if e {
			n++
		}
	}
	log.Printf("%v: %d of %d messages in %q are encrypted", t, n, len(encrypted), folderName(folder))
}
