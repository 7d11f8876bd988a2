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

// Package imap runs mailbox operations against an IMAP server over a
// single authenticated connection.
package imap

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/matta/mailsync/internal/mailerr"
	"github.com/matta/mailsync/internal/message"

	goimap "github.com/emersion/go-imap"
	gomessage "github.com/emersion/go-message"
	"github.com/pkg/errors"
)

// Special-use mailbox attributes (RFC 6154).
const (
	AttrSent     = `\Sent`
	AttrTrash    = `\Trash`
	AttrArchive  = `\Archive`
	AttrAll      = `\All`
	AttrNoSelect = `\Noselect`
)

// FolderInbox is the name every server uses for the inbox.
const FolderInbox = "INBOX"

// backend is the subset of *client.Client the store uses.
type backend interface {
	List(ref, name string, ch chan *goimap.MailboxInfo) error
	Select(name string, readOnly bool) (*goimap.MailboxStatus, error)
	Status(name string, items []goimap.StatusItem) (*goimap.MailboxStatus, error)
	Fetch(seqset *goimap.SeqSet, items []goimap.FetchItem, ch chan *goimap.Message) error
	UidFetch(seqset *goimap.SeqSet, items []goimap.FetchItem, ch chan *goimap.Message) error
	UidSearch(criteria *goimap.SearchCriteria) ([]uint32, error)
	UidStore(seqset *goimap.SeqSet, item goimap.StoreItem, value interface{}, ch chan *goimap.Message) error
	UidMove(seqset *goimap.SeqSet, dest string) error
	UidCopy(seqset *goimap.SeqSet, dest string) error
	Expunge(ch chan uint32) error
	Append(mbox string, flags []string, date time.Time, msg goimap.Literal) error
	Logout() error
}

// Store is an authenticated IMAP connection.  go-imap keeps a single
// selected mailbox per connection, so every select plus command
// sequence runs under mu.
type Store struct {
	mu       sync.Mutex
	c        backend
	account  string
	selected string
	closed   bool
	broken   bool
}

// newStore returns a Store running commands on c for account.
func newStore(c backend, account string) *Store {
	return &Store{c: c, account: account}
}

// Account returns the email address the store is logged in as.
func (s *Store) Account() string {
	return s.account
}

// Alive reports whether the store can still run commands.  A store
// that saw a connection failure is not alive.
func (s *Store) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && !s.broken
}

// Close logs out.  It is safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.broken {
		return nil
	}
	return s.c.Logout()
}

// run checks ctx and the store state, then runs f under the lock.  The
// returned error is classified; connection failures mark the store
// broken.
func (s *Store) run(ctx context.Context, op string, f func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return mailerr.Errorf(mailerr.Connection, op, "store is closed")
	}
	err := mailerr.Classify(op, f())
	if mailerr.IsConnection(err) {
		s.broken = true
	}
	return err
}

// selectFolder selects name unless it is already selected.  Must be
// called with mu held.
func (s *Store) selectFolder(name string, readOnly bool) (*goimap.MailboxStatus, error) {
	st, err := s.c.Select(name, readOnly)
	if err != nil {
		s.selected = ""
		return nil, errors.Wrapf(err, "select %q", name)
	}
	s.selected = name
	return st, nil
}

// Folders lists every mailbox on the server.
func (s *Store) Folders(ctx context.Context) ([]*message.Folder, error) {
	var folders []*message.Folder
	err := s.run(ctx, "list folders", func() error {
		ch := make(chan *goimap.MailboxInfo, 10)
		done := make(chan error, 1)
		go func() {
			done <- s.c.List("", "*", ch)
		}()
		for m := range ch {
			folders = append(folders, &message.Folder{
				FullName:   m.Name,
				Alias:      aliasOf(m.Name, m.Delimiter),
				Attributes: m.Attributes,
			})
		}
		return <-done
	})
	return folders, err
}

func aliasOf(name, delim string) string {
	if delim == "" {
		return name
	}
	if i := strings.LastIndex(name, delim); i >= 0 {
		return name[i+len(delim):]
	}
	return name
}

// Status returns the message and unseen counts and the next UID of a
// folder without selecting it.
func (s *Store) Status(ctx context.Context, folder string) (messages, unseen, uidNext uint32, err error) {
	err = s.run(ctx, "status", func() error {
		st, err := s.c.Status(folder, []goimap.StatusItem{
			goimap.StatusMessages, goimap.StatusUnseen, goimap.StatusUidNext})
		if err != nil {
			return errors.Wrapf(err, "status %q", folder)
		}
		messages, unseen, uidNext = st.Messages, st.Unseen, st.UidNext
		return nil
	})
	return
}

var envelopeItems = []goimap.FetchItem{
	goimap.FetchEnvelope, goimap.FetchFlags, goimap.FetchUid,
	goimap.FetchRFC822Size,
}

func (s *Store) fetch(uid bool, set *goimap.SeqSet, items []goimap.FetchItem, handle func(*goimap.Message)) error {
	ch := make(chan *goimap.Message, 10)
	done := make(chan error, 1)
	go func() {
		if uid {
			done <- s.c.UidFetch(set, items, ch)
		} else {
			done <- s.c.Fetch(set, items, ch)
		}
	}()
	for m := range ch {
		handle(m)
	}
	return <-done
}

// Envelopes returns the envelopes of messages start..end (sequence
// numbers, inclusive) of folder, ordered by sequence number.  The range
// is clipped to the folder size.
func (s *Store) Envelopes(ctx context.Context, folder string, start, end uint32) ([]*message.Envelope, error) {
	var envs []*message.Envelope
	err := s.run(ctx, "fetch envelopes", func() error {
		st, err := s.selectFolder(folder, true)
		if err != nil {
			return err
		}
		if st.Messages == 0 || start > st.Messages {
			return nil
		}
		if start == 0 {
			start = 1
		}
		if end == 0 || end > st.Messages {
			end = st.Messages
		}
		set := new(goimap.SeqSet)
		set.AddRange(start, end)
		return s.fetch(false, set, envelopeItems, func(m *goimap.Message) {
			envs = append(envs, toEnvelope(m))
		})
	})
	sortBySeq(envs)
	return envs, err
}

// EnvelopesByUID returns the envelopes of the given messages of folder.
func (s *Store) EnvelopesByUID(ctx context.Context, folder string, uids []uint32) ([]*message.Envelope, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	var envs []*message.Envelope
	err := s.run(ctx, "fetch envelopes", func() error {
		if _, err := s.selectFolder(folder, true); err != nil {
			return err
		}
		set := new(goimap.SeqSet)
		set.AddNum(uids...)
		return s.fetch(true, set, envelopeItems, func(m *goimap.Message) {
			envs = append(envs, toEnvelope(m))
		})
	})
	sortBySeq(envs)
	return envs, err
}

// NewerThan returns the envelopes of folder messages with a UID above
// lastUID.
func (s *Store) NewerThan(ctx context.Context, folder string, lastUID uint32) ([]*message.Envelope, error) {
	var envs []*message.Envelope
	err := s.run(ctx, "fetch new messages", func() error {
		st, err := s.selectFolder(folder, true)
		if err != nil {
			return err
		}
		if st.Messages == 0 {
			return nil
		}
		set := new(goimap.SeqSet)
		set.AddRange(lastUID+1, 0)
		return s.fetch(true, set, envelopeItems, func(m *goimap.Message) {
			// "n:*" always matches the last message.
			if m.Uid > lastUID {
				envs = append(envs, toEnvelope(m))
			}
		})
	})
	sortBySeq(envs)
	return envs, err
}

// Details downloads the full message uid of folder without setting
// \Seen.
func (s *Store) Details(ctx context.Context, folder string, uid uint32) (*message.Details, error) {
	var d *message.Details
	err := s.run(ctx, "fetch message", func() error {
		if _, err := s.selectFolder(folder, true); err != nil {
			return err
		}
		section := &goimap.BodySectionName{Peek: true}
		items := append([]goimap.FetchItem{section.FetchItem()}, envelopeItems...)
		set := new(goimap.SeqSet)
		set.AddNum(uid)
		var readErr error
		err := s.fetch(true, set, items, func(m *goimap.Message) {
			if m.Uid != uid {
				return
			}
			lit := m.GetBody(section)
			if lit == nil {
				return
			}
			raw, err := io.ReadAll(lit)
			if err != nil {
				readErr = err
				return
			}
			d = &message.Details{Envelope: *toEnvelope(m), Raw: raw}
		})
		if err == nil {
			err = readErr
		}
		if err == nil && d == nil {
			err = mailerr.Errorf(mailerr.LocalResource, "fetch message",
				"message %d not found in %q", uid, folder)
		}
		return err
	})
	return d, err
}

// AttachmentsInfo lists the attachment parts of message uid of folder.
func (s *Store) AttachmentsInfo(ctx context.Context, folder string, uid uint32) ([]message.AttachmentInfo, error) {
	var infos []message.AttachmentInfo
	err := s.run(ctx, "fetch structure", func() error {
		if _, err := s.selectFolder(folder, true); err != nil {
			return err
		}
		set := new(goimap.SeqSet)
		set.AddNum(uid)
		return s.fetch(true, set, []goimap.FetchItem{goimap.FetchBodyStructure, goimap.FetchUid},
			func(m *goimap.Message) {
				if m.Uid == uid && m.BodyStructure != nil {
					infos = attachmentParts(m.BodyStructure, nil, infos)
				}
			})
	})
	return infos, err
}

func partID(path []int) string {
	var parts []string
	for _, p := range path {
		parts = append(parts, fmt.Sprint(p))
	}
	return strings.Join(parts, ".")
}

func partName(bs *goimap.BodyStructure) string {
	if name := bs.DispositionParams["filename"]; name != "" {
		return name
	}
	return bs.Params["name"]
}

// attachmentParts walks bs depth first, appending parts that carry a
// file name.  path is the part number of bs; nil for the root.
func attachmentParts(bs *goimap.BodyStructure, path []int, out []message.AttachmentInfo) []message.AttachmentInfo {
	if len(bs.Parts) > 0 {
		for i, p := range bs.Parts {
			child := append(append([]int(nil), path...), i+1)
			out = attachmentParts(p, child, out)
		}
		return out
	}
	name := partName(bs)
	if name == "" && !strings.EqualFold(bs.Disposition, "attachment") {
		return out
	}
	if path == nil {
		path = []int{1}
	}
	return append(out, message.AttachmentInfo{
		PartID:      partID(path),
		Name:        name,
		ContentType: strings.ToLower(bs.MIMEType + "/" + bs.MIMESubType),
		Size:        int64(bs.Size),
	})
}

// Part downloads and decodes body part partID of message uid of
// folder.
func (s *Store) Part(ctx context.Context, folder string, uid uint32, partID string) ([]byte, error) {
	var data []byte
	err := s.run(ctx, "fetch part", func() error {
		if _, err := s.selectFolder(folder, true); err != nil {
			return err
		}
		path, err := parsePartID(partID)
		if err != nil {
			return err
		}
		mime := &goimap.BodySectionName{Peek: true,
			BodyPartName: goimap.BodyPartName{Specifier: goimap.MIMESpecifier, Path: path}}
		body := &goimap.BodySectionName{Peek: true,
			BodyPartName: goimap.BodyPartName{Path: path}}
		set := new(goimap.SeqSet)
		set.AddNum(uid)
		var found bool
		var readErr error
		err = s.fetch(true, set, []goimap.FetchItem{mime.FetchItem(), body.FetchItem(), goimap.FetchUid},
			func(m *goimap.Message) {
				if m.Uid != uid {
					return
				}
				h, b := m.GetBody(mime), m.GetBody(body)
				if b == nil {
					return
				}
				found = true
				data, readErr = decodePart(h, b)
			})
		if err == nil {
			err = readErr
		}
		if err == nil && !found {
			err = mailerr.Errorf(mailerr.LocalResource, "fetch part",
				"part %s of message %d not found in %q", partID, uid, folder)
		}
		return err
	})
	return data, err
}

func parsePartID(id string) ([]int, error) {
	var path []int
	for _, f := range strings.Split(id, ".") {
		var n int
		if _, err := fmt.Sscanf(f, "%d", &n); err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid part id %q", id)
		}
		path = append(path, n)
	}
	return path, nil
}

// decodePart undoes the Content-Transfer-Encoding given in the part's
// MIME header.  Charsets are left alone: the bytes are file content.
func decodePart(mimeHeader, body io.Reader) ([]byte, error) {
	var h gomessage.Header
	if mimeHeader != nil {
		e, err := gomessage.Read(io.MultiReader(mimeHeader, strings.NewReader("\r\n")))
		if err == nil {
			if enc := e.Header.Get("Content-Transfer-Encoding"); enc != "" {
				h.Set("Content-Transfer-Encoding", enc)
			}
		}
	}
	e, err := gomessage.New(h, body)
	if err != nil && !gomessage.IsUnknownEncoding(err) {
		return nil, errors.Wrap(err, "decoding part")
	}
	return io.ReadAll(e.Body)
}

// Search returns the UIDs of folder messages whose text matches query.
func (s *Store) Search(ctx context.Context, folder, query string) ([]uint32, error) {
	var uids []uint32
	err := s.run(ctx, "search", func() error {
		if _, err := s.selectFolder(folder, true); err != nil {
			return err
		}
		criteria := goimap.NewSearchCriteria()
		if query != "" {
			criteria.Text = []string{query}
		}
		var err error
		uids, err = s.c.UidSearch(criteria)
		return errors.Wrapf(err, "search %q", folder)
	})
	return uids, err
}

func uidSet(uids []uint32) *goimap.SeqSet {
	set := new(goimap.SeqSet)
	set.AddNum(uids...)
	return set
}

// Move moves messages from folder to dest, falling back to copy plus
// delete when the server lacks MOVE.
func (s *Store) Move(ctx context.Context, folder, dest string, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	return s.run(ctx, "move", func() error {
		if _, err := s.selectFolder(folder, false); err != nil {
			return err
		}
		set := uidSet(uids)
		err := s.c.UidMove(set, dest)
		if err == nil {
			return nil
		}
		log.Printf("MOVE %q -> %q failed (%v); falling back to copy", folder, dest, err)
		if err := s.c.UidCopy(set, dest); err != nil {
			return errors.Wrapf(err, "copy to %q", dest)
		}
		return s.deleteSelected(set)
	})
}

// deleteSelected flags set \Deleted in the selected folder and
// expunges.  Must be called with mu held.
func (s *Store) deleteSelected(set *goimap.SeqSet) error {
	item := goimap.FormatFlagsOp(goimap.AddFlags, true)
	if err := s.c.UidStore(set, item, []interface{}{goimap.DeletedFlag}, nil); err != nil {
		return errors.Wrap(err, "flag deleted")
	}
	return errors.Wrap(s.c.Expunge(nil), "expunge")
}

// SetSeen adds or removes the \Seen flag on messages of folder.
func (s *Store) SetSeen(ctx context.Context, folder string, uids []uint32, seen bool) error {
	if len(uids) == 0 {
		return nil
	}
	return s.run(ctx, "store flags", func() error {
		if _, err := s.selectFolder(folder, false); err != nil {
			return err
		}
		var op goimap.FlagsOp = goimap.AddFlags
		if !seen {
			op = goimap.RemoveFlags
		}
		item := goimap.FormatFlagsOp(op, true)
		err := s.c.UidStore(uidSet(uids), item, []interface{}{goimap.SeenFlag}, nil)
		return errors.Wrapf(err, "store flags in %q", folder)
	})
}

// DeletePermanently expunges messages of folder.
func (s *Store) DeletePermanently(ctx context.Context, folder string, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	return s.run(ctx, "delete", func() error {
		if _, err := s.selectFolder(folder, false); err != nil {
			return err
		}
		return s.deleteSelected(uidSet(uids))
	})
}

// Empty deletes every message of folder.
func (s *Store) Empty(ctx context.Context, folder string) error {
	return s.run(ctx, "empty folder", func() error {
		st, err := s.selectFolder(folder, false)
		if err != nil {
			return err
		}
		if st.Messages == 0 {
			return nil
		}
		set := new(goimap.SeqSet)
		set.AddRange(1, 0)
		return s.deleteSelected(set)
	})
}

// Append stores raw in folder with the given flags.
func (s *Store) Append(ctx context.Context, folder string, flags []string, raw []byte) error {
	return s.run(ctx, "append", func() error {
		err := s.c.Append(folder, flags, time.Now(), bytes.NewBuffer(raw))
		return errors.Wrapf(err, "append to %q", folder)
	})
}

// FindFolder returns the first folder carrying attr, or nil.
func FindFolder(folders []*message.Folder, attr string) *message.Folder {
	for _, f := range folders {
		if f.HasAttribute(attr) {
			return f
		}
	}
	return nil
}

func toEnvelope(m *goimap.Message) *message.Envelope {
	e := &message.Envelope{
		UID:    m.Uid,
		SeqNum: m.SeqNum,
		Flags:  m.Flags,
		Size:   m.Size,
	}
	if env := m.Envelope; env != nil {
		e.MessageID = env.MessageId
		e.InReplyTo = env.InReplyTo
		e.Subject = env.Subject
		e.Date = env.Date
		e.From = formatAddresses(env.From)
		e.To = formatAddresses(env.To)
		e.Cc = formatAddresses(env.Cc)
	}
	return e
}

func formatAddresses(addrs []*goimap.Address) []string {
	var out []string
	for _, a := range addrs {
		if a.PersonalName != "" {
			out = append(out, fmt.Sprintf("%s <%s@%s>", a.PersonalName, a.MailboxName, a.HostName))
		} else {
			out = append(out, fmt.Sprintf("%s@%s", a.MailboxName, a.HostName))
		}
	}
	return out
}

func sortBySeq(envs []*message.Envelope) {
	sort.Slice(envs, func(i, j int) bool { return envs[i].SeqNum < envs[j].SeqNum })
}
