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

package outbox

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/matta/mailsync/internal/account"
	"github.com/matta/mailsync/internal/mailerr"
	"github.com/matta/mailsync/internal/message"

	goimap "github.com/emersion/go-imap"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	DefaultSettleDelay  = 2 * time.Second
	DefaultErrorBackoff = 5 * time.Second
	DefaultLeaseTTL     = time.Minute
)

// Sender drains the outbox of the active account.  The zero values of
// the optional fields are usable; DB, Files, Dial and SMTP are
// required.
type Sender struct {
	DB    DB
	Files Files
	Dial  DialFunc
	SMTP  Transport

	// Gmail returns the API client used for delegated send-as
	// addresses of Google accounts.
	Gmail GmailFunc

	// Online is consulted after a failure.  Nil means always online.
	Online Connectivity

	Notifier Notifier

	// SettleDelay is waited after a message is claimed and before it
	// is delivered.
	SettleDelay time.Duration

	// ErrorBackoff is waited after a failed delivery.
	ErrorBackoff time.Duration

	// CopyGmailSMTPToSent makes messages sent through Gmail's SMTP
	// server get an explicit copy in the Sent folder.
	CopyGmailSMTPToSent bool

	// UserAgent is set as the User-Agent header when not empty.
	UserAgent string

	// LeaseTTL is how long the outbox lease of a run outlives its
	// last renewal.  Runs renew it at a third of that.  Defaults to
	// DefaultLeaseTTL.
	LeaseTTL time.Duration
}

// Run performs one drain run for the active account.  It returns nil
// when there is no active account or nothing to send, ErrBusy when
// another run holds the outbox lease, ErrOffline (with the cause in its
// message) when the network went away, and an auth error after all
// queued messages were marked StateAuthFailure.
func (s *Sender) Run(ctx context.Context) error {
	acc, err := s.DB.ActiveAccount(ctx)
	if err != nil {
		return err
	}
	if acc == nil {
		return nil
	}

	owner := uuid.New().String()
	ttl := s.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	ok, err := s.DB.AcquireOutboxLease(ctx, acc.Email, owner, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(ErrBusy, "outbox of %s", acc.Email)
	}
	defer func() {
		if err := s.DB.ReleaseOutboxLease(context.WithoutCancel(ctx), acc.Email, owner); err != nil {
			log.Printf("outbox: %v", err)
		}
	}()

	if err := s.DB.ResetSending(ctx, acc.Email, owner); err != nil {
		return err
	}
	queued, err := s.DB.OutboxByStates(ctx, acc.Email, message.StateQueued)
	if err != nil {
		return err
	}
	copies, err := s.DB.OutboxByStates(ctx, acc.Email,
		message.StateSentWithoutLocalCopy, message.StateQueuedMakeCopyInSentFolder)
	if err != nil {
		return err
	}
	if len(queued) == 0 && len(copies) == 0 {
		return nil
	}

	notifier := s.Notifier
	if notifier == nil {
		notifier = LogNotifier{}
	}
	notifier.Busy(acc.Email)

	runCtx, cancel := context.WithCancelCause(ctx)
	renewed := make(chan struct{})
	go s.renewLease(runCtx, cancel, acc.Email, owner, ttl, renewed)

	r := &drain{Sender: s, acc: acc}
	defer func() {
		cancel(nil)
		<-renewed
		// Only resets while the lease is still ours.
		if err := s.DB.ResetSending(context.WithoutCancel(ctx), acc.Email, owner); err != nil {
			log.Printf("outbox: %v", err)
		}
		r.close()
		notifier.Idle(acc.Email)
	}()

	err = r.sendQueued(runCtx)
	if err == nil {
		err = r.saveCopies(runCtx)
	}
	if cause := context.Cause(runCtx); errors.Is(cause, ErrLeaseLost) {
		return cause
	}
	return err
}

// renewLease keeps the outbox lease of owner until ctx is done.  When
// the lease turns out to be taken over the run is canceled with
// ErrLeaseLost.
func (s *Sender) renewLease(ctx context.Context, cancel context.CancelCauseFunc, account, owner string, ttl time.Duration, done chan<- struct{}) {
	defer close(done)
	every := ttl / 3
	if every <= 0 {
		every = time.Millisecond
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		ok, err := s.DB.AcquireOutboxLease(ctx, account, owner, ttl)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("outbox: renewing the lease of %s: %v", account, err)
			continue
		}
		if !ok {
			log.Printf("outbox: lease of %s was taken over", account)
			cancel(errors.Wrapf(ErrLeaseLost, "outbox of %s", account))
			return
		}
	}
}

// drain is the state of one run.
type drain struct {
	*Sender
	acc   *account.Account
	store Store
	gmail Gmail
}

func (r *drain) close() {
	if r.store == nil {
		return
	}
	if err := r.store.Close(); err != nil {
		log.Printf("outbox: closing store of %s: %v", r.acc.Email, err)
	}
	r.store = nil
}

func (r *drain) connect(ctx context.Context) (Store, error) {
	if r.store == nil {
		st, err := r.Dial(ctx, r.acc)
		if err != nil {
			return nil, mailerr.Classify("connect", err)
		}
		r.store = st
	}
	return r.store, nil
}

func (r *drain) online(ctx context.Context) bool {
	return r.Online == nil || r.Online.Online(ctx)
}

// nextCandidate picks the first row with a UID above last, or the
// first row when there is none.  rows are in ascending UID order.
func nextCandidate(rows []*message.Outbox, last uint32) *message.Outbox {
	if len(rows) == 0 {
		return nil
	}
	for _, m := range rows {
		if m.UID > last {
			return m
		}
	}
	return rows[0]
}

func (r *drain) sendQueued(ctx context.Context) error {
	var last uint32
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := r.DB.OutboxByStates(ctx, r.acc.Email, message.StateQueued)
		if err != nil {
			return err
		}
		m := nextCandidate(rows, last)
		if m == nil {
			return nil
		}
		last = m.UID

		ok, err := r.DB.MarkSending(ctx, m.Key(), message.StateQueued)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		err = r.send(ctx, m)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.fail(ctx, m, err); err != nil {
			return err
		}
		if err := sleep(ctx, r.ErrorBackoff); err != nil {
			return err
		}
	}
}

func (r *drain) send(ctx context.Context, m *message.Outbox) error {
	if err := sleep(ctx, r.SettleDelay); err != nil {
		return err
	}
	raw, err := r.build(ctx, m)
	if err != nil {
		return err
	}
	from := m.From
	if from == "" {
		from = r.acc.Email
	}

	key := m.Key()
	if r.acc.IsGoogle() && !r.acc.Owns(from) {
		// Gmail files API sends in Sent itself.
		if err := r.sendGmail(ctx, raw); err != nil {
			return err
		}
		log.Printf("outbox: delivered %s/%d through the Gmail API", m.Account, m.UID)
	} else {
		if err := r.SMTP.Send(ctx, r.acc, from, raw); err != nil {
			return err
		}
		log.Printf("outbox: delivered %s/%d", m.Account, m.UID)
		if !r.acc.IsGoogle() || r.CopyGmailSMTPToSent {
			// Recorded even when the run is canceled; a row left
			// Sending is queued again on exit.
			if err := r.DB.SetState(context.WithoutCancel(ctx), key, message.StateSentWithoutLocalCopy, ""); err != nil {
				return err
			}
			if err := r.saveCopy(ctx, raw); err != nil {
				return err
			}
		}
	}
	done := context.WithoutCancel(ctx)
	if err := r.DB.SetState(done, key, message.StateSent, ""); err != nil {
		return err
	}
	return r.finish(done, m)
}

func (r *drain) sendGmail(ctx context.Context, raw []byte) error {
	if r.gmail == nil {
		if r.Gmail == nil {
			return mailerr.Errorf(mailerr.Protocol, "gmail send",
				"no Gmail API client for %s", r.acc.Email)
		}
		g, err := r.Gmail(ctx, r.acc)
		if err != nil {
			return mailerr.Classify("gmail client", err)
		}
		r.gmail = g
	}
	var threadID string
	if id := inReplyTo(raw); id != "" {
		var err error
		threadID, err = r.gmail.ThreadIDByMessageID(ctx, id)
		if err != nil {
			return mailerr.Classify("gmail thread lookup", err)
		}
	}
	_, err := r.gmail.Send(ctx, raw, threadID)
	return mailerr.Classify("gmail send", err)
}

// saveCopy appends raw to the Sent folder marked \Seen.
func (r *drain) saveCopy(ctx context.Context, raw []byte) error {
	const state = message.StateErrorCopyNotSavedInSentFolder
	sent, err := r.DB.FindSentFolder(ctx, r.acc.Email)
	if err != nil {
		return withState(state, err)
	}
	if sent == nil {
		return withState(state, errors.Wrapf(ErrCopyNotSaved, "provider %s", r.acc.Domain()))
	}
	st, err := r.connect(ctx)
	if err != nil {
		return withState(state, err)
	}
	return withState(state, st.Append(ctx, sent.FullName, []string{goimap.SeenFlag}, raw))
}

// finish forgets a message that needs no more work.
func (r *drain) finish(ctx context.Context, m *message.Outbox) error {
	if err := r.DB.DeleteOutbox(ctx, m.Key()); err != nil {
		return err
	}
	if err := r.Files.RemoveDir(m.AttachmentsDir); err != nil {
		log.Printf("outbox: %v", err)
	}
	n, err := r.DB.OutboxCount(ctx, r.acc.Email)
	if err != nil {
		return err
	}
	return r.DB.SetOutboxCount(ctx, r.acc.Email, n)
}

// classifySendError returns the state a message is left in after a
// delivery attempt failed with err.
func classifySendError(err error) message.State {
	var se *stateError
	switch {
	case errors.As(err, &se):
		return se.state
	case errors.Is(err, ErrCopyNotSaved):
		return message.StateErrorCopyNotSavedInSentFolder
	case mailerr.IsAuth(err):
		return message.StateAuthFailure
	case mailerr.IsConnection(err):
		return message.StateQueued
	case mailerr.IsLocalResource(err):
		return message.StateErrorCacheProblem
	}
	return message.StateErrorSendingFailed
}

// fail records a failed delivery of m.  A non-nil result aborts the
// run.
func (r *drain) fail(ctx context.Context, m *message.Outbox, cause error) error {
	key := m.Key()
	log.Printf("outbox: sending %s/%d failed: %v", m.Account, m.UID, cause)
	cur, err := r.DB.Outbox(ctx, key)
	if err != nil {
		return err
	}
	if cur == nil || cur.State == message.StateSent {
		return nil
	}

	if !r.online(ctx) {
		if cur.State == message.StateSending {
			if err := r.DB.SetState(ctx, key, message.StateQueued, ""); err != nil {
				log.Printf("outbox: %v", err)
			}
		}
		return errors.WithMessagef(ErrOffline, "sending %s/%d: %v", m.Account, m.UID, cause)
	}

	state := classifySendError(cause)
	if state == message.StateAuthFailure {
		n, err := r.DB.ChangeStates(ctx, r.acc.Email, message.StateQueued, message.StateAuthFailure)
		if err != nil {
			return err
		}
		if err := r.DB.SetState(ctx, key, state, cause.Error()); err != nil {
			return err
		}
		log.Printf("outbox: %d message(s) of %s need new credentials", n+1, r.acc.Email)
		return cause
	}
	if state == message.StateQueued {
		return r.DB.SetState(ctx, key, state, "")
	}
	return r.DB.SetState(ctx, key, state, cause.Error())
}

// saveCopies appends the Sent copy of messages that were delivered
// without one.  Delivery is never repeated here.
func (r *drain) saveCopies(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := r.DB.OutboxByStates(ctx, r.acc.Email,
			message.StateSentWithoutLocalCopy, message.StateQueuedMakeCopyInSentFolder)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		m := rows[0]
		key := m.Key()

		ok, err := r.DB.MarkSending(ctx, key, m.State)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		err = r.copyOne(ctx, m)
		if err == nil {
			continue
		}

		// Sending rows become Queued on exit, which would send
		// them again.
		if ctx.Err() != nil {
			if err := r.DB.SetState(context.WithoutCancel(ctx), key, m.State, ""); err != nil {
				log.Printf("outbox: %v", err)
			}
			return ctx.Err()
		}
		log.Printf("outbox: saving Sent copy of %s/%d failed: %v", m.Account, m.UID, err)
		if !r.online(ctx) {
			if err := r.DB.SetState(ctx, key, message.StateSentWithoutLocalCopy, ""); err != nil {
				log.Printf("outbox: %v", err)
			}
			return errors.WithMessagef(ErrOffline, "copying %s/%d: %v", m.Account, m.UID, err)
		}
		if classifySendError(err) == message.StateErrorCacheProblem {
			log.Printf("outbox: dropping %s/%d, its attachments are gone", m.Account, m.UID)
			if err := r.finish(ctx, m); err != nil {
				return err
			}
			continue
		}
		if err := r.DB.SetState(ctx, key, message.StateErrorCopyNotSavedInSentFolder, err.Error()); err != nil {
			return err
		}
	}
}

func (r *drain) copyOne(ctx context.Context, m *message.Outbox) error {
	if err := sleep(ctx, r.SettleDelay); err != nil {
		return err
	}
	raw, err := r.build(ctx, m)
	if err != nil {
		return err
	}
	if err := r.saveCopy(ctx, raw); err != nil {
		return err
	}
	return r.finish(context.WithoutCancel(ctx), m)
}

// build returns the final form of m: its raw content with the
// attachments added.
func (r *drain) build(ctx context.Context, m *message.Outbox) ([]byte, error) {
	atts, err := r.DB.Attachments(ctx, m.Key())
	if err != nil {
		return nil, err
	}
	parts := make([]attachmentPart, 0, len(atts))
	for _, a := range atts {
		data, err := r.content(ctx, a)
		if err != nil {
			return nil, errors.WithMessagef(err, "attachment %q", a.Name)
		}
		ct := a.ContentType
		if ct == "" && a.IsForwarded() && a.ForwardedPartID == "" {
			ct = "message/rfc822"
		}
		parts = append(parts, attachmentPart{name: a.Name, contentType: ct, data: data})
	}
	raw, err := assemble(m.Raw, r.UserAgent, parts)
	return raw, withState(message.StateErrorDuringCreation, err)
}

// content returns the bytes of an attachment.  Forwarded attachments
// come from the original message on the server; an empty part ID
// forwards the whole message.
func (r *drain) content(ctx context.Context, a *message.Attachment) ([]byte, error) {
	if !a.IsForwarded() {
		f, err := r.Files.Open(a.Path)
		if err != nil {
			return nil, withState(message.StateErrorCacheProblem, err)
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		return data, withState(message.StateErrorCacheProblem, err)
	}

	st, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}
	if a.ForwardedPartID == "" {
		d, err := st.Details(ctx, a.ForwardedFolder, a.ForwardedUID)
		if mailerr.IsLocalResource(err) {
			return nil, withState(message.StateErrorOriginalMessageMissing, err)
		}
		if err != nil {
			return nil, err
		}
		return d.Raw, nil
	}
	data, err := st.Part(ctx, a.ForwardedFolder, a.ForwardedUID, a.ForwardedPartID)
	if mailerr.IsLocalResource(err) {
		return nil, withState(message.StateErrorOriginalAttachmentNotFound, err)
	}
	return data, err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
