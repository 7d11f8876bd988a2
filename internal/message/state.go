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

package message

import "fmt"

// State is the send state of an outbox message.  The numeric values
// are persisted and must not be renumbered.
type State int

const (
	StateNone State = iota
	StateQueued
	StateSending
	StateSent
	StateSentWithoutLocalCopy
	StateQueuedMakeCopyInSentFolder
	StateErrorSendingFailed
	StateErrorCopyNotSavedInSentFolder
	StateErrorCacheProblem
	StateAuthFailure
	StateErrorOriginalMessageMissing
	StateErrorOriginalAttachmentNotFound
	StateErrorPrivateKeyNotFound
	StateErrorDuringCreation
)

var stateNames = map[State]string{
	StateNone:                            "none",
	StateQueued:                          "queued",
	StateSending:                         "sending",
	StateSent:                            "sent",
	StateSentWithoutLocalCopy:            "sent_without_local_copy",
	StateQueuedMakeCopyInSentFolder:      "queued_make_copy_in_sent_folder",
	StateErrorSendingFailed:              "error_sending_failed",
	StateErrorCopyNotSavedInSentFolder:   "error_copy_not_saved_in_sent_folder",
	StateErrorCacheProblem:               "error_cache_problem",
	StateAuthFailure:                     "auth_failure",
	StateErrorOriginalMessageMissing:     "error_original_message_missing",
	StateErrorOriginalAttachmentNotFound: "error_original_attachment_not_found",
	StateErrorPrivateKeyNotFound:         "error_private_key_not_found",
	StateErrorDuringCreation:             "error_during_creation",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// IsError reports whether s is a persisted failure awaiting user
// action.
func (s State) IsError() bool {
	switch s {
	case StateErrorSendingFailed,
		StateErrorCopyNotSavedInSentFolder,
		StateErrorCacheProblem,
		StateAuthFailure,
		StateErrorOriginalMessageMissing,
		StateErrorOriginalAttachmentNotFound,
		StateErrorPrivateKeyNotFound,
		StateErrorDuringCreation:
		return true
	}
	return false
}

// NeedsSentCopy reports whether a message in state s has been
// delivered but still lacks a copy in the Sent folder.
func (s State) NeedsSentCopy() bool {
	return s == StateSentWithoutLocalCopy || s == StateQueuedMakeCopyInSentFolder
}

// RetryState returns the state a user initiated retry moves s to.
// The second result is false if s cannot be retried.
func (s State) RetryState() (State, bool) {
	switch {
	case s == StateErrorCopyNotSavedInSentFolder:
		// Already delivered; only the Sent copy is repeated.
		return StateQueuedMakeCopyInSentFolder, true
	case s.IsError():
		return StateQueued, true
	}
	return s, false
}

// ParseState returns the State named by name.
func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return StateNone, fmt.Errorf("unknown message state %q", name)
}
