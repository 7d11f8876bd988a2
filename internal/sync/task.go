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
	"fmt"
	"sync/atomic"

	"github.com/matta/mailsync/internal/message"

	"github.com/google/uuid"
)

// Kind is the operation a Task performs.
type Kind int

const (
	KindUpdateLabels Kind = iota + 1
	KindLoadMessages
	KindLoadMessagesToCache
	KindLoadMessageDetails
	KindLoadAttachmentsInfo
	KindCheckNewMessages
	KindRefreshMessages
	KindSearchMessages
	KindMoveMessages
	KindArchiveMessages
	KindDeleteMessages
	KindDeleteMessagesPermanently
	KindEmptyTrash
	KindChangeReadState
	KindMoveToInbox
	KindCheckEncryptedState
	KindLoadContacts
	KindLoadPrivateKeysFromBackup
	KindSendBackupToKeyOwner
)

var kindNames = map[Kind]string{
	KindUpdateLabels:              "UpdateLabels",
	KindLoadMessages:              "LoadMessages",
	KindLoadMessagesToCache:       "LoadMessagesToCache",
	KindLoadMessageDetails:        "LoadMessageDetails",
	KindLoadAttachmentsInfo:       "LoadAttachmentsInfo",
	KindCheckNewMessages:          "CheckNewMessages",
	KindRefreshMessages:           "RefreshMessages",
	KindSearchMessages:            "SearchMessages",
	KindMoveMessages:              "MoveMessages",
	KindArchiveMessages:           "ArchiveMessages",
	KindDeleteMessages:            "DeleteMessages",
	KindDeleteMessagesPermanently: "DeleteMessagesPermanently",
	KindEmptyTrash:                "EmptyTrash",
	KindChangeReadState:           "ChangeReadState",
	KindMoveToInbox:               "MoveToInbox",
	KindCheckEncryptedState:       "CheckEncryptedState",
	KindLoadContacts:              "LoadContacts",
	KindLoadPrivateKeysFromBackup: "LoadPrivateKeysFromBackup",
	KindSendBackupToKeyOwner:      "SendBackupToKeyOwner",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Reconciling reports whether a queued task of kind k is superseded
// by a newer one of the same kind.  These tasks either carry no
// arguments or act on state read from the database when they run, so
// dropping the older one loses nothing.
func (k Kind) Reconciling() bool {
	switch k {
	case KindUpdateLabels,
		KindDeleteMessages,
		KindDeleteMessagesPermanently,
		KindArchiveMessages,
		KindRefreshMessages,
		KindCheckNewMessages,
		KindLoadMessageDetails,
		KindLoadAttachmentsInfo,
		KindSearchMessages,
		KindLoadMessagesToCache,
		KindEmptyTrash,
		KindChangeReadState,
		KindMoveToInbox,
		KindCheckEncryptedState:
		return true
	}
	return false
}

// matchesRequest reports whether only tasks with the same owner and
// request code supersede each other.
func (k Kind) matchesRequest() bool {
	return k == KindRefreshMessages
}

// Task is a queued sync operation.  Which parameters are used depends
// on Kind.
type Task struct {
	Kind Kind

	// Opaque identifiers routing results back to the caller.
	OwnerKey    string
	RequestCode int

	// Unique per task.  Used by CancelTask.
	ID string

	cancelled int32

	Folder *message.Folder

	// 1-based sequence range for LoadMessages.
	Start, End uint32

	// Messages the caller already has, for paged loads and
	// searches.
	AlreadyLoaded int

	UID  uint32
	UIDs []uint32

	DestFolder string
	Query      string

	// Forces a fresh connection before the task runs.
	ResetConnection bool

	// Complete RFC 5322 message for SendBackupToKeyOwner.
	Raw []byte
}

// NewTask returns a task of kind k with a fresh ID.
func NewTask(k Kind, ownerKey string, requestCode int) *Task {
	return &Task{
		Kind:        k,
		OwnerKey:    ownerKey,
		RequestCode: requestCode,
		ID:          uuid.New().String(),
	}
}

// Cancel marks the task cancelled.  A cancelled task that has not
// started yet never runs.
func (t *Task) Cancel() {
	atomic.StoreInt32(&t.cancelled, 1)
}

// Cancelled reports whether Cancel was called.
func (t *Task) Cancelled() bool {
	return atomic.LoadInt32(&t.cancelled) != 0
}

// FolderName returns the full name of the task's folder, or "".
func (t *Task) FolderName() string {
	if t.Folder == nil {
		return ""
	}
	return t.Folder.FullName
}

func (t *Task) String() string {
	return fmt.Sprintf("%v[%s owner=%q req=%d]", t.Kind, t.ID, t.OwnerKey, t.RequestCode)
}
