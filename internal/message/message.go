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

// This file provides the common data objects used by the rest of the
// program.

import "time"

// FolderOutbox is the name of the local staging folder holding
// messages that have not been confirmed delivered.
const FolderOutbox = "OUTBOX"

// Outbox defines a pending outgoing message.
type Outbox struct {
	// The owning account's email address.
	Account string

	// Always FolderOutbox for rows created by the composer.
	Folder string

	// Monotonic per account.  Together with Account and Folder
	// this uniquely identifies the row.
	UID uint32

	// The address the message is sent from.  May differ from
	// Account for delegated (send-as) addresses.
	From string

	// The entire RFC 5322 message without attachment parts.
	Raw []byte

	// Directory name, relative to the attachment cache root, that
	// holds cached attachment files.  Empty if none.
	AttachmentsDir string

	State State

	// Human readable reason for the last failure, if any.
	ErrorMsg string

	Created time.Time
}

// Key identifies an outbox row.
type Key struct {
	Account string
	Folder  string
	UID     uint32
}

// Key returns the row key of m.
func (m *Outbox) Key() Key {
	return Key{Account: m.Account, Folder: m.Folder, UID: m.UID}
}

// Attachment defines an attachment of an outbox message.
type Attachment struct {
	Account string
	Folder  string
	UID     uint32

	Name        string
	ContentType string

	// Path of the cached file holding the attachment content.
	Path string

	// Set when the attachment is forwarded from another message
	// on the server rather than cached locally.
	ForwardedFolder string
	ForwardedUID    uint32
	ForwardedPartID string
}

// IsForwarded reports whether the attachment content comes from an
// original message on the server.
func (a *Attachment) IsForwarded() bool {
	return a.ForwardedFolder != "" && a.ForwardedUID != 0
}

// Folder describes a remote mailbox as known locally.
type Folder struct {
	FullName   string
	Alias      string
	Attributes []string

	MessageCount int
	UnreadCount  int

	// The highest UID seen by a load or refresh.
	LastUID uint32
}

// HasAttribute reports whether the folder carries attr (for example
// "\Sent").
func (f *Folder) HasAttribute(attr string) bool {
	for _, a := range f.Attributes {
		if a == attr {
			return true
		}
	}
	return false
}

// Envelope holds the summary of a message fetched from a server folder.
type Envelope struct {
	UID       uint32
	SeqNum    uint32
	MessageID string
	InReplyTo string
	Subject   string
	From      []string
	To        []string
	Cc        []string
	Date      time.Time
	Flags     []string
	Size      uint32
}

// Details holds a fully downloaded message.
type Details struct {
	Envelope
	Raw []byte
}

// AttachmentInfo describes an attachment part found in a server
// message.
type AttachmentInfo struct {
	PartID      string
	Name        string
	ContentType string
	Size        int64
}
