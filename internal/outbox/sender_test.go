package outbox

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/matta/mailsync/internal/account"
	"github.com/matta/mailsync/internal/attcache"
	"github.com/matta/mailsync/internal/mailerr"
	"github.com/matta/mailsync/internal/message"

	"github.com/pkg/errors"
)

func TestNextCandidate(t *testing.T) {
	rows := []*message.Outbox{{UID: 2}, {UID: 5}, {UID: 9}}
	cases := []struct {
		last uint32
		want uint32
	}{
		{0, 2},
		{2, 5},
		{5, 9},
		{9, 2},
		{12, 2},
	}
	for _, tc := range cases {
		if got := nextCandidate(rows, tc.last); got.UID != tc.want {
			t.Errorf("nextCandidate(rows, %d) = %d, want %d", tc.last, got.UID, tc.want)
		}
	}
	if got := nextCandidate(nil, 3); got != nil {
		t.Errorf("nextCandidate(nil, 3) = %v, want nil", got)
	}
}

func TestRunSendsInUIDOrder(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testAccount, "Sent")
	var keys []message.Key
	for i := 1; i <= 9; i++ {
		keys = append(keys, e.queue(t, fmt.Sprintf("msg %d", i)))
	}
	for _, k := range keys {
		if k.UID != 2 && k.UID != 5 && k.UID != 9 {
			if err := e.db.DeleteOutbox(ctx, k); err != nil {
				t.Fatalf("DeleteOutbox(%v) = %v", k, err)
			}
		}
	}

	if err := e.sender.Run(ctx); err != nil {
		t.Fatalf("Run() = %v", err)
	}

	if diff := cmp.Diff([]string{"msg 2", "msg 5", "msg 9"}, e.smtp.subjects()); diff != "" {
		t.Errorf("delivery order mismatch (-want +got):\n%s", diff)
	}
	if len(e.store.appended) != 3 {
		t.Fatalf("appended %d Sent copies, want 3", len(e.store.appended))
	}
	for _, a := range e.store.appended {
		if a.folder != "Sent" || len(a.flags) != 1 || a.flags[0] != `\Seen` {
			t.Errorf("Append(%q, %v) want Append(%q, [\\Seen])", a.folder, a.flags, "Sent")
		}
	}
	left, err := e.db.OutboxCount(ctx, testAccount.Email)
	if err != nil || left != 0 {
		t.Errorf("OutboxCount() = %d, %v, want 0, nil", left, err)
	}
	f, err := e.db.Folder(ctx, testAccount.Email, message.FolderOutbox)
	if err != nil || f == nil || f.MessageCount != 0 {
		t.Errorf("Folder(OUTBOX) = %+v, %v, want a folder with 0 messages", f, err)
	}
	if diff := cmp.Diff([]string{"busy me@example.com", "idle me@example.com"}, e.notifier.events); diff != "" {
		t.Errorf("notifier events mismatch (-want +got):\n%s", diff)
	}
	if !e.store.closed {
		t.Errorf("store left open after Run")
	}
}

func TestRunAddsUserAgent(t *testing.T) {
	e := newEnv(t, testAccount, "Sent")
	e.queue(t, "hello")
	if err := e.sender.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	h, _, err := readHeader(e.smtp.sent[0].raw)
	if err != nil {
		t.Fatal(err)
	}
	if got := h.Get("User-Agent"); got != "mailsync-test" {
		t.Errorf("User-Agent = %q, want %q", got, "mailsync-test")
	}
	if got, want := string(e.store.appended[0].raw), string(e.smtp.sent[0].raw); got != want {
		t.Errorf("Sent copy differs from the delivered message:\n%s\nwant\n%s", got, want)
	}
}

func TestRunWithNothingToDo(t *testing.T) {
	e := newEnv(t, testAccount, "Sent")
	if err := e.sender.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if e.dials != 0 || len(e.notifier.events) != 0 {
		t.Errorf("Run() with an empty outbox dialed %d time(s), notified %v; want no side effects",
			e.dials, e.notifier.events)
	}
}

func TestRunWithoutActiveAccount(t *testing.T) {
	e := newEnv(t, testAccount, "Sent")
	e.queue(t, "hello")
	e.sender.DB = noActive{e.db}
	if err := e.sender.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if len(e.smtp.sent) != 0 {
		t.Errorf("sent %d message(s) without an active account", len(e.smtp.sent))
	}
}

type noActive struct {
	DB
}

func (noActive) ActiveAccount(ctx context.Context) (*account.Account, error) {
	return nil, nil
}

func TestRunResetsInterruptedMessages(t *testing.T) {
	e := newEnv(t, testAccount, "Sent")
	key := e.queue(t, "interrupted")
	e.setState(t, key, message.StateSending)

	if err := e.sender.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if got := e.state(t, key); got != message.StateNone {
		t.Errorf("state of %v = %v, want it gone", key, got)
	}
	if len(e.smtp.sent) != 1 {
		t.Errorf("sent %d message(s), want 1", len(e.smtp.sent))
	}
}

func TestMarkSendingClaimsOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testAccount, "Sent")
	key := e.queue(t, "once")
	first, err := e.db.MarkSending(ctx, key, message.StateQueued)
	if err != nil || !first {
		t.Fatalf("first MarkSending() = %v, %v, want true, nil", first, err)
	}
	second, err := e.db.MarkSending(ctx, key, message.StateQueued)
	if err != nil || second {
		t.Errorf("second MarkSending() = %v, %v, want false, nil", second, err)
	}
}

func TestRunAbortsWhenOffline(t *testing.T) {
	e := newEnv(t, testAccount, "Sent")
	first := e.queue(t, "first")
	second := e.queue(t, "second")
	e.smtp.errs = []error{mailerr.Errorf(mailerr.Connection, "smtp", "connection reset")}
	e.net.offline = true

	err := e.sender.Run(context.Background())
	if !errors.Is(err, ErrOffline) {
		t.Fatalf("Run() = %v, want ErrOffline", err)
	}
	if got := e.state(t, first); got != message.StateQueued {
		t.Errorf("state of first = %v, want %v", got, message.StateQueued)
	}
	if got := e.state(t, second); got != message.StateQueued {
		t.Errorf("state of second = %v, want %v", got, message.StateQueued)
	}
	if diff := cmp.Diff([]string{"first"}, e.smtp.subjects()); diff != "" {
		t.Errorf("deliveries mismatch (-want +got):\n%s", diff)
	}
}

func TestRunAuthFailureStopsEverything(t *testing.T) {
	e := newEnv(t, testAccount, "Sent")
	first := e.queue(t, "first")
	second := e.queue(t, "second")
	e.smtp.errs = []error{mailerr.Errorf(mailerr.Auth, "smtp", "535 bad credentials")}

	err := e.sender.Run(context.Background())
	if !mailerr.IsAuth(err) {
		t.Fatalf("Run() = %v, want an auth error", err)
	}
	for _, k := range []message.Key{first, second} {
		if got := e.state(t, k); got != message.StateAuthFailure {
			t.Errorf("state of %d = %v, want %v", k.UID, got, message.StateAuthFailure)
		}
	}
	if len(e.smtp.sent) != 1 {
		t.Errorf("sent %d message(s), want 1", len(e.smtp.sent))
	}
}

func TestRunRequeuesConnectionFailure(t *testing.T) {
	e := newEnv(t, testAccount, "Sent")
	e.queue(t, "first")
	e.queue(t, "second")
	e.smtp.errs = []error{mailerr.Errorf(mailerr.Connection, "smtp", "timeout")}

	if err := e.sender.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if diff := cmp.Diff([]string{"first", "second", "first"}, e.smtp.subjects()); diff != "" {
		t.Errorf("deliveries mismatch (-want +got):\n%s", diff)
	}
	if n, _ := e.db.OutboxCount(context.Background(), testAccount.Email); n != 0 {
		t.Errorf("OutboxCount() = %d, want 0", n)
	}
}

func TestRunRecordsPermanentFailure(t *testing.T) {
	e := newEnv(t, testAccount, "Sent")
	key := e.queue(t, "rejected")
	e.smtp.errs = []error{mailerr.Errorf(mailerr.Protocol, "smtp", "550 mailbox unavailable")}

	if err := e.sender.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	m, err := e.db.Outbox(context.Background(), key)
	if err != nil || m == nil {
		t.Fatalf("Outbox(%v) = %v, %v", key, m, err)
	}
	if m.State != message.StateErrorSendingFailed || !strings.Contains(m.ErrorMsg, "550") {
		t.Errorf("row = %v %q, want %v with the server reply", m.State, m.ErrorMsg, message.StateErrorSendingFailed)
	}
}

func TestRunMissingCachedAttachment(t *testing.T) {
	e := newEnv(t, testAccount, "Sent")
	key := e.queueRaw(t, testAccount.Email, multipartRaw, &message.Attachment{
		Name: "gone.txt",
		Path: "/nonexistent/gone.txt",
	})
	if err := e.sender.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if got := e.state(t, key); got != message.StateErrorCacheProblem {
		t.Errorf("state = %v, want %v", got, message.StateErrorCacheProblem)
	}
	if len(e.smtp.sent) != 0 {
		t.Errorf("sent %d message(s), want 0", len(e.smtp.sent))
	}
}

func TestRunForwardedAttachment(t *testing.T) {
	e := newEnv(t, testAccount, "Sent")
	e.store.parts["INBOX/7/2"] = []byte("forwarded bytes")
	e.queueRaw(t, testAccount.Email, multipartRaw, &message.Attachment{
		Name:            "fwd.bin",
		ForwardedFolder: "INBOX",
		ForwardedUID:    7,
		ForwardedPartID: "2",
	})
	missing := e.queueRaw(t, testAccount.Email, multipartRaw, &message.Attachment{
		Name:            "lost.bin",
		ForwardedFolder: "INBOX",
		ForwardedUID:    8,
		ForwardedPartID: "2",
	})

	if err := e.sender.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if len(e.smtp.sent) != 1 {
		t.Fatalf("sent %d message(s), want 1", len(e.smtp.sent))
	}
	parts := attachmentsOf(t, e.smtp.sent[0].raw)
	if got := parts["fwd.bin"]; got != "forwarded bytes" {
		t.Errorf("attachment fwd.bin = %q, want %q", got, "forwarded bytes")
	}
	if got := e.state(t, missing); got != message.StateErrorOriginalAttachmentNotFound {
		t.Errorf("state = %v, want %v", got, message.StateErrorOriginalAttachmentNotFound)
	}
}

func TestRunForwardedMessageMissing(t *testing.T) {
	e := newEnv(t, testAccount, "Sent")
	key := e.queueRaw(t, testAccount.Email, multipartRaw, &message.Attachment{
		Name:            "original.eml",
		ForwardedFolder: "INBOX",
		ForwardedUID:    3,
	})
	if err := e.sender.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if got := e.state(t, key); got != message.StateErrorOriginalMessageMissing {
		t.Errorf("state = %v, want %v", got, message.StateErrorOriginalMessageMissing)
	}
}

func TestRunCachedAttachmentIsRemovedAfterSend(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testAccount, "Sent")
	// The first outbox row of an account gets UID 1.
	path, err := e.cache.PutAttachment(testAccount.Email, 1, "notes.txt", strings.NewReader("some notes"))
	if err != nil {
		t.Fatalf("PutAttachment() = %v", err)
	}
	m := &message.Outbox{
		Account:        testAccount.Email,
		From:           testAccount.Email,
		Raw:            []byte(multipartRaw),
		AttachmentsDir: attcache.AttachmentsDir(testAccount.Email, 1),
	}
	att := &message.Attachment{Name: "notes.txt", ContentType: "text/plain", Path: path}
	if err := e.db.InsertOutbox(ctx, m, []*message.Attachment{att}); err != nil {
		t.Fatalf("InsertOutbox() = %v", err)
	}
	if m.UID != 1 {
		t.Fatalf("InsertOutbox() allocated UID %d, want 1", m.UID)
	}

	if err := e.sender.Run(ctx); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	parts := attachmentsOf(t, e.smtp.sent[0].raw)
	if got := parts["notes.txt"]; got != "some notes" {
		t.Errorf("attachment notes.txt = %q, want %q", got, "some notes")
	}
	if _, err := e.cache.Open(path); err == nil {
		t.Errorf("cached attachment %s still exists after the message was sent", path)
	}
}

func TestRunUndefinedSentFolder(t *testing.T) {
	e := newEnv(t, testAccount, "")
	key := e.queue(t, "nowhere to copy")

	if err := e.sender.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	m, err := e.db.Outbox(context.Background(), key)
	if err != nil || m == nil {
		t.Fatalf("Outbox(%v) = %v, %v, want the row kept", key, m, err)
	}
	if m.State != message.StateErrorCopyNotSavedInSentFolder {
		t.Errorf("state = %v, want %v", m.State, message.StateErrorCopyNotSavedInSentFolder)
	}
	if !strings.Contains(m.ErrorMsg, "example.com") {
		t.Errorf("error message %q does not name the provider", m.ErrorMsg)
	}
	if len(e.smtp.sent) != 1 {
		t.Errorf("sent %d message(s), want 1", len(e.smtp.sent))
	}
}

func TestCopyFailureNeverResends(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testAccount, "Sent")
	key := e.queue(t, "copy me")
	e.store.appendErr = mailerr.Errorf(mailerr.Protocol, "append", "NO [TRYCREATE]")

	if err := e.sender.Run(ctx); err != nil {
		t.Fatalf("first Run() = %v", err)
	}
	if got := e.state(t, key); got != message.StateErrorCopyNotSavedInSentFolder {
		t.Fatalf("state = %v, want %v", got, message.StateErrorCopyNotSavedInSentFolder)
	}
	next, err := e.db.RetryOutbox(ctx, key)
	if err != nil || next != message.StateQueuedMakeCopyInSentFolder {
		t.Fatalf("RetryOutbox() = %v, %v, want %v, nil", next, err, message.StateQueuedMakeCopyInSentFolder)
	}

	e.store.appendErr = nil
	if err := e.sender.Run(ctx); err != nil {
		t.Fatalf("second Run() = %v", err)
	}
	if len(e.smtp.sent) != 1 {
		t.Errorf("delivered %d time(s), want 1", len(e.smtp.sent))
	}
	if len(e.store.appended) != 1 {
		t.Errorf("appended %d copies, want 1", len(e.store.appended))
	}
	if got := e.state(t, key); got != message.StateNone {
		t.Errorf("state = %v, want the row gone", got)
	}
}

func TestCopyLoopOffline(t *testing.T) {
	e := newEnv(t, testAccount, "Sent")
	key := e.queue(t, "already sent")
	e.setState(t, key, message.StateSentWithoutLocalCopy)
	e.store.appendErr = mailerr.Errorf(mailerr.Connection, "append", "broken pipe")
	e.net.offline = true

	err := e.sender.Run(context.Background())
	if !errors.Is(err, ErrOffline) {
		t.Fatalf("Run() = %v, want ErrOffline", err)
	}
	if got := e.state(t, key); got != message.StateSentWithoutLocalCopy {
		t.Errorf("state = %v, want %v", got, message.StateSentWithoutLocalCopy)
	}
	if len(e.smtp.sent) != 0 {
		t.Errorf("delivered %d time(s), want 0", len(e.smtp.sent))
	}
}

func TestCopyLoopDropsOrphanedMessage(t *testing.T) {
	e := newEnv(t, testAccount, "Sent")
	key := e.queueRaw(t, testAccount.Email, multipartRaw, &message.Attachment{
		Name: "gone.txt",
		Path: "/nonexistent/gone.txt",
	})
	e.setState(t, key, message.StateQueuedMakeCopyInSentFolder)

	if err := e.sender.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if got := e.state(t, key); got != message.StateNone {
		t.Errorf("state = %v, want the row gone", got)
	}
	if len(e.store.appended) != 0 || len(e.smtp.sent) != 0 {
		t.Errorf("appended %d, sent %d; want neither", len(e.store.appended), len(e.smtp.sent))
	}
}

func TestCanceledCopyKeepsDeliveredState(t *testing.T) {
	e := newEnv(t, testAccount, "Sent")
	key := e.queue(t, "already sent")
	e.setState(t, key, message.StateSentWithoutLocalCopy)
	ctx, cancel := context.WithCancel(context.Background())
	e.sender.Dial = func(context.Context, *account.Account) (Store, error) {
		cancel()
		return nil, context.Canceled
	}

	if err := e.sender.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v, want context.Canceled", err)
	}
	if got := e.state(t, key); got != message.StateSentWithoutLocalCopy {
		t.Errorf("state = %v, want %v", got, message.StateSentWithoutLocalCopy)
	}
}

var gmailAccount = &account.Account{Email: "me@gmail.com", Kind: account.KindGoogle}

func TestGmailDelegatedAddressUsesAPI(t *testing.T) {
	e := newEnv(t, gmailAccount, "[Gmail]/Sent Mail")
	e.gmail.threads["parent@example.org"] = "thread-1"
	raw := "From: Team <team@example.org>\r\n" +
		"To: you@example.org\r\n" +
		"Subject: re: plans\r\n" +
		"In-Reply-To: <parent@example.org>\r\n" +
		"\r\n" +
		"sounds good\r\n"
	key := e.queueRaw(t, "team@example.org", raw)

	if err := e.sender.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if diff := cmp.Diff([]string{"thread-1"}, e.gmail.sent); diff != "" {
		t.Errorf("gmail sends mismatch (-want +got):\n%s", diff)
	}
	if len(e.smtp.sent) != 0 || len(e.store.appended) != 0 {
		t.Errorf("smtp sent %d, appended %d; want neither", len(e.smtp.sent), len(e.store.appended))
	}
	if got := e.state(t, key); got != message.StateNone {
		t.Errorf("state = %v, want the row gone", got)
	}
}

func TestGmailOwnAddressUsesSMTP(t *testing.T) {
	for _, copyToSent := range []bool{true, false} {
		e := newEnv(t, gmailAccount, "[Gmail]/Sent Mail")
		e.sender.CopyGmailSMTPToSent = copyToSent
		e.queue(t, "hello")

		if err := e.sender.Run(context.Background()); err != nil {
			t.Fatalf("Run() = %v", err)
		}
		if len(e.smtp.sent) != 1 || len(e.gmail.sent) != 0 {
			t.Errorf("copyToSent=%v: smtp sent %d, gmail sent %d; want 1, 0",
				copyToSent, len(e.smtp.sent), len(e.gmail.sent))
		}
		want := 0
		if copyToSent {
			want = 1
		}
		if got := len(e.store.appended); got != want {
			t.Errorf("copyToSent=%v: appended %d copies, want %d", copyToSent, got, want)
		}
	}
}

func TestClassifySendError(t *testing.T) {
	cases := []struct {
		err  error
		want message.State
	}{
		{mailerr.Errorf(mailerr.Connection, "smtp", "reset"), message.StateQueued},
		{mailerr.Errorf(mailerr.Auth, "smtp", "535"), message.StateAuthFailure},
		{mailerr.Errorf(mailerr.Protocol, "smtp", "550"), message.StateErrorSendingFailed},
		{mailerr.Errorf(mailerr.LocalResource, "open", "gone"), message.StateErrorCacheProblem},
		{errors.Wrap(ErrCopyNotSaved, "provider x"), message.StateErrorCopyNotSavedInSentFolder},
		{withState(message.StateErrorDuringCreation, errors.New("bad mime")), message.StateErrorDuringCreation},
		{errors.WithMessage(withState(message.StateErrorOriginalMessageMissing, errors.New("gone")), "attachment"),
			message.StateErrorOriginalMessageMissing},
		{errors.New("something else"), message.StateErrorSendingFailed},
	}
	for _, tc := range cases {
		if got := classifySendError(tc.err); got != tc.want {
			t.Errorf("classifySendError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestCancelAfterDeliveryDoesNotResend(t *testing.T) {
	e := newEnv(t, testAccount, "Sent")
	key := e.queue(t, "once")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.smtp.hook = func(context.Context) { cancel() }

	if err := e.sender.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run(canceled after delivery) = %v, want context.Canceled", err)
	}
	switch got := e.state(t, key); got {
	case message.StateQueued, message.StateSending:
		t.Fatalf("state after canceled run = %v, want the delivery recorded", got)
	}

	e.smtp.hook = nil
	if err := e.sender.Run(context.Background()); err != nil {
		t.Fatalf("second Run() = %v", err)
	}
	if got := e.smtp.deliveries(); got != 1 {
		t.Errorf("message delivered %d times, want 1", got)
	}
	if got := e.state(t, key); got != message.StateNone {
		t.Errorf("state after second run = %v, want it gone", got)
	}
	if len(e.store.appended) != 1 {
		t.Errorf("appended %d Sent copies, want 1", len(e.store.appended))
	}
}

func TestConcurrentRunDoesNotResend(t *testing.T) {
	e := newEnv(t, testAccount, "Sent")
	key := e.queue(t, "once")
	// Another process sharing the database.
	other := *e.sender
	var otherErr error
	e.smtp.hook = func(context.Context) {
		otherErr = other.Run(context.Background())
	}

	if err := e.sender.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if !errors.Is(otherErr, ErrBusy) {
		t.Errorf("concurrent Run() = %v, want ErrBusy", otherErr)
	}
	if got := e.smtp.deliveries(); got != 1 {
		t.Errorf("message delivered %d times, want 1", got)
	}
	if got := e.state(t, key); got != message.StateNone {
		t.Errorf("state of %v = %v, want it gone", key, got)
	}
}

func TestRunLeavesMessagesOfLiveLease(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testAccount, "Sent")
	key := e.queue(t, "in flight elsewhere")
	e.setState(t, key, message.StateSending)
	if ok, err := e.db.AcquireOutboxLease(ctx, testAccount.Email, "other-process", time.Minute); err != nil || !ok {
		t.Fatalf("AcquireOutboxLease() = %v, %v", ok, err)
	}

	if err := e.sender.Run(ctx); !errors.Is(err, ErrBusy) {
		t.Fatalf("Run() = %v, want ErrBusy", err)
	}
	if got := e.state(t, key); got != message.StateSending {
		t.Errorf("state of %v = %v, want %v", key, got, message.StateSending)
	}
	if got := e.smtp.deliveries(); got != 0 {
		t.Errorf("delivered %d message(s), want 0", got)
	}
}

func TestRunReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testAccount, "Sent")
	key := e.queue(t, "interrupted")
	e.setState(t, key, message.StateSending)
	if ok, err := e.db.AcquireOutboxLease(ctx, testAccount.Email, "crashed", -time.Second); err != nil || !ok {
		t.Fatalf("AcquireOutboxLease() = %v, %v", ok, err)
	}

	if err := e.sender.Run(ctx); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if got := e.smtp.deliveries(); got != 1 {
		t.Errorf("delivered %d message(s), want 1", got)
	}
	if got := e.state(t, key); got != message.StateNone {
		t.Errorf("state of %v = %v, want it gone", key, got)
	}
}

// takenLease grants the first lease request and refuses renewals.
type takenLease struct {
	DB
	calls int32
}

func (d *takenLease) AcquireOutboxLease(ctx context.Context, account, owner string, ttl time.Duration) (bool, error) {
	if atomic.AddInt32(&d.calls, 1) == 1 {
		return d.DB.AcquireOutboxLease(ctx, account, owner, ttl)
	}
	return false, nil
}

func TestRunStopsWhenLeaseIsTakenOver(t *testing.T) {
	e := newEnv(t, testAccount, "Sent")
	key := e.queue(t, "late")
	e.sender.DB = &takenLease{DB: e.db}
	e.sender.LeaseTTL = 3 * time.Millisecond
	e.sender.SettleDelay = 5 * time.Second

	err := e.sender.Run(context.Background())
	if !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("Run() = %v, want ErrLeaseLost", err)
	}
	if got := e.smtp.deliveries(); got != 0 {
		t.Errorf("delivered %d message(s) after losing the lease, want 0", got)
	}

	// The next holder picks the message up.
	e.sender.DB = e.db
	e.sender.LeaseTTL = 0
	e.sender.SettleDelay = 0
	if err := e.sender.Run(context.Background()); err != nil {
		t.Fatalf("next Run() = %v", err)
	}
	if got := e.smtp.deliveries(); got != 1 {
		t.Errorf("delivered %d message(s), want 1", got)
	}
	if got := e.state(t, key); got != message.StateNone {
		t.Errorf("state of %v = %v, want it gone", key, got)
	}
}
