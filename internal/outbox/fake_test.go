package outbox

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/matta/mailsync/internal/account"
	"github.com/matta/mailsync/internal/attcache"
	"github.com/matta/mailsync/internal/mailerr"
	"github.com/matta/mailsync/internal/message"
	"github.com/matta/mailsync/internal/persist"

	_ "github.com/mattn/go-sqlite3"
)

type delivery struct {
	from string
	raw  []byte
}

// fakeTransport fails with errs in order, then succeeds.  hook, if
// set, runs after every attempt.
type fakeTransport struct {
	mu   sync.Mutex
	errs []error
	sent []delivery
	hook func(ctx context.Context)
}

func (f *fakeTransport) Send(ctx context.Context, acc *account.Account, from string, raw []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, delivery{from: from, raw: raw})
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}
	return err
}

func (f *fakeTransport) deliveries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// subjects returns the Subject of every delivery attempt in order.
func (f *fakeTransport) subjects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, d := range f.sent {
		out = append(out, subjectOf(d.raw))
	}
	return out
}

func subjectOf(raw []byte) string {
	h, _, err := readHeader(raw)
	if err != nil {
		return ""
	}
	return h.Get("Subject")
}

type appended struct {
	folder string
	flags  []string
	raw    []byte
}

type fakeStore struct {
	mu        sync.Mutex
	appended  []appended
	appendErr error
	parts     map[string][]byte
	messages  map[string][]byte
	closed    bool
}

func (s *fakeStore) Details(ctx context.Context, folder string, uid uint32) (*message.Details, error) {
	raw, ok := s.messages[fmt.Sprintf("%s/%d", folder, uid)]
	if !ok {
		return nil, mailerr.Errorf(mailerr.LocalResource, "fetch message", "message %d not found", uid)
	}
	return &message.Details{Envelope: message.Envelope{UID: uid}, Raw: raw}, nil
}

func (s *fakeStore) Part(ctx context.Context, folder string, uid uint32, partID string) ([]byte, error) {
	data, ok := s.parts[fmt.Sprintf("%s/%d/%s", folder, uid, partID)]
	if !ok {
		return nil, mailerr.Errorf(mailerr.LocalResource, "fetch part", "part %s not found", partID)
	}
	return data, nil
}

func (s *fakeStore) Append(ctx context.Context, folder string, flags []string, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.appended = append(s.appended, appended{folder: folder, flags: flags, raw: raw})
	return nil
}

func (s *fakeStore) Close() error {
	s.closed = true
	return nil
}

type fakeGmail struct {
	threads map[string]string
	sent    []string
	raw     [][]byte
}

func (g *fakeGmail) Send(ctx context.Context, raw []byte, threadID string) (string, error) {
	g.sent = append(g.sent, threadID)
	g.raw = append(g.raw, raw)
	return fmt.Sprintf("id%d", len(g.sent)), nil
}

func (g *fakeGmail) ThreadIDByMessageID(ctx context.Context, messageID string) (string, error) {
	return g.threads[strings.Trim(messageID, "<>")], nil
}

type fakeNet struct {
	offline bool
}

func (n *fakeNet) Online(ctx context.Context) bool {
	return !n.offline
}

type fakeNotifier struct {
	events []string
}

func (n *fakeNotifier) Busy(account string) { n.events = append(n.events, "busy "+account) }
func (n *fakeNotifier) Idle(account string) { n.events = append(n.events, "idle "+account) }

var testAccount = &account.Account{Email: "me@example.com", Kind: account.KindOther}

type env struct {
	db       *persist.DB
	cache    *attcache.Cache
	smtp     *fakeTransport
	store    *fakeStore
	gmail    *fakeGmail
	net      *fakeNet
	notifier *fakeNotifier
	dials    int
	sender   *Sender
	acc      *account.Account
}

func newEnv(t *testing.T, acc *account.Account, sentFolder string) *env {
	t.Helper()
	ctx := context.Background()
	db, err := persist.Open(ctx, filepath.Join(t.TempDir(), "mailsync.db"))
	if err != nil {
		t.Fatalf("persist.Open() = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.UpsertAccount(ctx, acc); err != nil {
		t.Fatalf("UpsertAccount() = %v", err)
	}
	if err := db.SetActiveAccount(ctx, acc.Email); err != nil {
		t.Fatalf("SetActiveAccount() = %v", err)
	}
	folders := []*message.Folder{{FullName: "INBOX", Alias: "Inbox"}}
	if sentFolder != "" {
		folders = append(folders, &message.Folder{FullName: sentFolder, Alias: "Sent", Attributes: []string{`\Sent`}})
	}
	if err := db.ReplaceFolders(ctx, acc.Email, folders); err != nil {
		t.Fatalf("ReplaceFolders() = %v", err)
	}
	cache, err := attcache.New(t.TempDir())
	if err != nil {
		t.Fatalf("attcache.New() = %v", err)
	}

	e := &env{
		db:       db,
		cache:    cache,
		smtp:     &fakeTransport{},
		store:    &fakeStore{parts: map[string][]byte{}, messages: map[string][]byte{}},
		gmail:    &fakeGmail{threads: map[string]string{}},
		net:      &fakeNet{},
		notifier: &fakeNotifier{},
		acc:      acc,
	}
	e.sender = &Sender{
		DB:    db,
		Files: cache,
		Dial: func(ctx context.Context, acc *account.Account) (Store, error) {
			e.dials++
			return e.store, nil
		},
		SMTP: e.smtp,
		Gmail: func(ctx context.Context, acc *account.Account) (Gmail, error) {
			return e.gmail, nil
		},
		Online:              e.net,
		Notifier:            e.notifier,
		CopyGmailSMTPToSent: true,
		UserAgent:           "mailsync-test",
	}
	return e
}

func rawMessage(from, subject string) string {
	return "From: " + from + "\r\n" +
		"To: you@example.org\r\n" +
		"Subject: " + subject + "\r\n" +
		"Message-ID: <" + strings.ReplaceAll(subject, " ", "-") + "@example.com>\r\n" +
		"\r\n" +
		"hello\r\n"
}

// queue stores a new Queued message with the given subject and returns
// its key.
func (e *env) queue(t *testing.T, subject string, atts ...*message.Attachment) message.Key {
	t.Helper()
	return e.queueRaw(t, e.acc.Email, rawMessage(e.acc.Email, subject), atts...)
}

func (e *env) queueRaw(t *testing.T, from, raw string, atts ...*message.Attachment) message.Key {
	t.Helper()
	m := &message.Outbox{Account: e.acc.Email, From: from, Raw: []byte(raw)}
	if err := e.db.InsertOutbox(context.Background(), m, atts); err != nil {
		t.Fatalf("InsertOutbox() = %v", err)
	}
	return m.Key()
}

func (e *env) state(t *testing.T, key message.Key) message.State {
	t.Helper()
	m, err := e.db.Outbox(context.Background(), key)
	if err != nil {
		t.Fatalf("Outbox(%v) = %v", key, err)
	}
	if m == nil {
		return message.StateNone
	}
	return m.State
}

func (e *env) setState(t *testing.T, key message.Key, s message.State) {
	t.Helper()
	if err := e.db.SetState(context.Background(), key, s, ""); err != nil {
		t.Fatalf("SetState(%v, %v) = %v", key, s, err)
	}
}
