package sync

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/matta/mailsync/internal/account"
	"github.com/matta/mailsync/internal/mailerr"
	"github.com/matta/mailsync/internal/message"
	"github.com/matta/mailsync/internal/persist"

	_ "github.com/mattn/go-sqlite3"
)

var testAccount = &account.Account{Email: "me@example.com", Kind: account.KindOther}

// fakeStore is an in-memory server holding one account's folders.
type fakeStore struct {
	mu      sync.Mutex
	account string
	folders []*message.Folder
	msgs    map[string][]*message.Envelope
	raw     map[string][]byte
	unseen  map[string]uint32
	calls   []string
	closed  bool
	broken  bool
	details int

	// Blocks Move until closed, when set.
	moveGate chan struct{}
}

func newFakeStore(email string) *fakeStore {
	return &fakeStore{
		account: email,
		msgs:    make(map[string][]*message.Envelope),
		raw:     make(map[string][]byte),
		unseen:  make(map[string]uint32),
	}
}

func rawKey(folder string, uid uint32) string {
	return fmt.Sprintf("%s/%d", folder, uid)
}

func (s *fakeStore) addFolder(name string, attrs ...string) {
	s.folders = append(s.folders, &message.Folder{FullName: name, Alias: name, Attributes: attrs})
}

func (s *fakeStore) addMessage(folder string, uid uint32, raw string) {
	envs := s.msgs[folder]
	envs = append(envs, &message.Envelope{UID: uid, SeqNum: uint32(len(envs) + 1)})
	s.msgs[folder] = envs
	if raw != "" {
		s.raw[rawKey(folder, uid)] = []byte(raw)
	}
}

func (s *fakeStore) record(format string, args ...interface{}) {
	s.calls = append(s.calls, fmt.Sprintf(format, args...))
}

func (s *fakeStore) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *fakeStore) Account() string { return s.account }

func (s *fakeStore) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && !s.broken
}

func (s *fakeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStore) Folders(ctx context.Context) ([]*message.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*message.Folder
	for _, f := range s.folders {
		c := *f
		out = append(out, &c)
	}
	return out, nil
}

func (s *fakeStore) Status(ctx context.Context, folder string) (uint32, uint32, uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	envs := s.msgs[folder]
	var next uint32 = 1
	for _, e := range envs {
		if e.UID >= next {
			next = e.UID + 1
		}
	}
	return uint32(len(envs)), s.unseen[folder], next, nil
}

func (s *fakeStore) Envelopes(ctx context.Context, folder string, start, end uint32) ([]*message.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("envelopes %s %d:%d", folder, start, end)
	var out []*message.Envelope
	for _, e := range s.msgs[folder] {
		if e.SeqNum >= start && e.SeqNum <= end {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeStore) EnvelopesByUID(ctx context.Context, folder string, uids []uint32) ([]*message.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[uint32]bool)
	for _, u := range uids {
		want[u] = true
	}
	var out []*message.Envelope
	for _, e := range s.msgs[folder] {
		if want[e.UID] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeStore) NewerThan(ctx context.Context, folder string, lastUID uint32) ([]*message.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*message.Envelope
	for _, e := range s.msgs[folder] {
		if e.UID > lastUID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeStore) Details(ctx context.Context, folder string, uid uint32) (*message.Details, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.details++
	raw, ok := s.raw[rawKey(folder, uid)]
	if !ok {
		return nil, mailerr.Errorf(mailerr.Protocol, "fetch", "no message %d in %q", uid, folder)
	}
	return &message.Details{Envelope: message.Envelope{UID: uid}, Raw: raw}, nil
}

func (s *fakeStore) AttachmentsInfo(ctx context.Context, folder string, uid uint32) ([]message.AttachmentInfo, error) {
	return []message.AttachmentInfo{{PartID: "2", Name: "a.txt", ContentType: "text/plain"}}, nil
}

func (s *fakeStore) Search(ctx context.Context, folder, query string) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uint32
	for _, e := range s.msgs[folder] {
		out = append(out, e.UID)
	}
	return out, nil
}

func (s *fakeStore) Move(ctx context.Context, folder, dest string, uids []uint32) error {
	if s.moveGate != nil {
		select {
		case <-s.moveGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("move %s -> %s %v", folder, dest, uids)
	return nil
}

func (s *fakeStore) SetSeen(ctx context.Context, folder string, uids []uint32, seen bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("seen=%v %s %v", seen, folder, uids)
	return nil
}

func (s *fakeStore) DeletePermanently(ctx context.Context, folder string, uids []uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("delete %s %v", folder, uids)
	return nil
}

func (s *fakeStore) Empty(ctx context.Context, folder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("empty %s", folder)
	return nil
}

// fakeDialer hands out stores, failing with errs first.
type fakeDialer struct {
	mu     sync.Mutex
	errs   []error
	dials  []string
	stores []*fakeStore
	setup  func(*fakeStore)
}

func (d *fakeDialer) dial(ctx context.Context, acc *account.Account) (Store, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, acc.Email)
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return nil, err
	}
	s := newFakeStore(acc.Email)
	if d.setup != nil {
		d.setup(s)
	}
	d.stores = append(d.stores, s)
	return s, nil
}

func (d *fakeDialer) Dials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dials...)
}

func (d *fakeDialer) Store(i int) *fakeStore {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stores[i]
}

// recorder is a Listener recording callbacks of interest.
type recorder struct {
	NopListener

	mu        sync.Mutex
	canceled  []*Task
	errs      map[string]error
	folders   []*message.Folder
	envs      []*message.Envelope
	moved     []string
	changed   []string
	keys      []string
	contacts  []string
	encrypted map[uint32]bool
	details   *message.Details
	backup    []bool

	done chan *Task
}

func newRecorder() *recorder {
	return &recorder{errs: make(map[string]error), done: make(chan *Task, 100)}
}

func (r *recorder) OnActionCanceled(t *Task) {
	r.mu.Lock()
	r.canceled = append(r.canceled, t)
	r.mu.Unlock()
	r.done <- t
}

func (r *recorder) OnActionCompleted(t *Task) { r.done <- t }

func (r *recorder) OnError(t *Task, err error) {
	r.mu.Lock()
	r.errs[t.ID] = err
	r.mu.Unlock()
	r.done <- t
}

func (r *recorder) OnFoldersInfoReceived(t *Task, folders []*message.Folder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.folders = folders
}

func (r *recorder) OnMessagesReceived(t *Task, folder *message.Folder, envs []*message.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = envs
}

func (r *recorder) OnNewMessagesReceived(t *Task, folder *message.Folder, envs []*message.Envelope) {
	r.OnMessagesReceived(t, folder, envs)
}

func (r *recorder) OnSearchMessagesReceived(t *Task, folder *message.Folder, envs []*message.Envelope, total int) {
	r.OnMessagesReceived(t, folder, envs)
}

func (r *recorder) OnMessageDetailsReceived(t *Task, folder *message.Folder, d *message.Details) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.details = d
}

func (r *recorder) OnMessagesMoved(t *Task, src, dest string, uids []uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.moved = append(r.moved, fmt.Sprintf("%s -> %s %v", src, dest, uids))
}

func (r *recorder) OnMessagesChanged(t *Task, folder string, uids []uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changed = append(r.changed, fmt.Sprintf("%s %v", folder, uids))
}

func (r *recorder) OnPrivateKeysFound(t *Task, keys []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = keys
}

func (r *recorder) OnContactsLoaded(t *Task, addrs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contacts = addrs
}

func (r *recorder) OnEncryptionIdentified(t *Task, folder *message.Folder, encrypted map[uint32]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.encrypted = encrypted
}

func (r *recorder) OnMessageWithBackupSent(t *Task, sent bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backup = append(r.backup, sent)
}

func (r *recorder) Err(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errs[id]
}

func openMailbox(t *testing.T) *persist.DB {
	t.Helper()
	db, err := persist.Open(context.Background(), filepath.Join(t.TempDir(), "mailsync.db"))
	if err != nil {
		t.Fatalf("persist.Open() = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.UpsertAccount(context.Background(), testAccount); err != nil {
		t.Fatalf("UpsertAccount() = %v", err)
	}
	return db
}
