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

package persist

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	createTableSql = []string{
		// The accounts table holds every configured mail account.
		// Secrets live in the OS keyring, never here.
		//
		// Field: kind
		//
		//   One of "google", "outlook", "other".
		//
		// Field: imap_security, smtp_security
		//
		//   One of "none", "ssl", "starttls".
		//
		// Field: active
		//
		//   1 for at most one row: the account the sync loop and the
		//   outbox sender work for.
		`
CREATE TABLE IF NOT EXISTS accounts (
email TEXT NOT NULL PRIMARY KEY,
kind TEXT NOT NULL,
display_name TEXT NOT NULL DEFAULT '',
username TEXT NOT NULL,
imap_host TEXT NOT NULL DEFAULT '',
imap_port INTEGER NOT NULL DEFAULT 0,
imap_security TEXT NOT NULL DEFAULT 'ssl',
smtp_host TEXT NOT NULL DEFAULT '',
smtp_port INTEGER NOT NULL DEFAULT 0,
smtp_security TEXT NOT NULL DEFAULT 'starttls',
active INTEGER NOT NULL DEFAULT 0
);`,
		// The folders table mirrors the server's mailboxes (labels).
		//
		// Field: attributes
		//
		//   Space separated IMAP mailbox attributes, e.g. "\Sent".
		//
		// Field: message_count, unread_count
		//
		//   Counts as of the last status check.  For the local
		//   OUTBOX row message_count is the number of outbox rows.
		//
		// Field: last_uid
		//
		//   The highest UID delivered to listeners by a load.  New
		//   message checks ask the server for UIDs above it.
		`
CREATE TABLE IF NOT EXISTS folders (
account TEXT NOT NULL,
full_name TEXT NOT NULL,
alias TEXT NOT NULL DEFAULT '',
attributes TEXT NOT NULL DEFAULT '',
message_count INTEGER NOT NULL DEFAULT 0,
unread_count INTEGER NOT NULL DEFAULT 0,
last_uid INTEGER NOT NULL DEFAULT 0,
PRIMARY KEY (account, full_name)
);`,
		// The outbox table holds outgoing messages until their
		// delivery is confirmed.
		//
		// Field: uid
		//
		//   Allocated from outbox_seq; never reused for an account.
		//
		// Field: raw
		//
		//   The RFC 5322 message without attachment parts.
		//
		// Field: state
		//
		//   message.State numeric value.
		`
CREATE TABLE IF NOT EXISTS outbox (
account TEXT NOT NULL,
folder TEXT NOT NULL,
uid INTEGER NOT NULL,
from_addr TEXT NOT NULL DEFAULT '',
raw BLOB NOT NULL,
attachments_dir TEXT NOT NULL DEFAULT '',
state INTEGER NOT NULL,
error_msg TEXT NOT NULL DEFAULT '',
created INTEGER NOT NULL,
PRIMARY KEY (account, folder, uid)
);`,
		// The outbox_seq table holds the next outbox UID per account.
		`
CREATE TABLE IF NOT EXISTS outbox_seq (
account TEXT NOT NULL PRIMARY KEY,
next_uid INTEGER NOT NULL
);`,
		// The outbox_attachments table lists attachments of outbox
		// rows.
		//
		// Field: path
		//
		//   Cached attachment file.  Empty for forwarded parts.
		//
		// Field: fwd_folder, fwd_uid, fwd_part_id
		//
		//   Server location of a forwarded attachment.
		`
CREATE TABLE IF NOT EXISTS outbox_attachments (
account TEXT NOT NULL,
folder TEXT NOT NULL,
uid INTEGER NOT NULL,
name TEXT NOT NULL,
content_type TEXT NOT NULL DEFAULT '',
path TEXT NOT NULL DEFAULT '',
fwd_folder TEXT NOT NULL DEFAULT '',
fwd_uid INTEGER NOT NULL DEFAULT 0,
fwd_part_id TEXT NOT NULL DEFAULT '',
FOREIGN KEY (account, folder, uid) REFERENCES outbox (account, folder, uid)
);`,
		// The outbox_leases table names the process draining the
		// outbox of an account.
		//
		// Field: owner
		//
		//   Random id of the drain run holding the lease.
		//
		// Field: expires
		//
		//   Unix milliseconds.  The holder renews it while it runs;
		//   an expired lease belongs to a run that died.
		`
CREATE TABLE IF NOT EXISTS outbox_leases (
account TEXT NOT NULL PRIMARY KEY,
owner TEXT NOT NULL,
expires INTEGER NOT NULL
);`,
		// The pending_actions table records user actions on server
		// messages that have not been applied to the server yet.
		// The reconciling sync tasks consume them.
		//
		// Field: action
		//
		//   One of the Action constants.
		`
CREATE TABLE IF NOT EXISTS pending_actions (
account TEXT NOT NULL,
folder TEXT NOT NULL,
uid INTEGER NOT NULL,
action TEXT NOT NULL,
PRIMARY KEY (account, folder, uid, action)
);`,
	}
)

type DB struct {
	db *sql.DB
}

type Tx struct {
	tx *sql.Tx
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

func Open(ctx context.Context, path string) (*DB, error) {
	// The _busy_timeout is a SQLite extension that controls how
	// long SQLite will poll before giving up.  The sync loop and
	// the outbox sender write concurrently, so go with 5 minutes.
	var busyTimeout = int(5*time.Minute) / int(time.Millisecond)

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)},
		"_foreign_keys": {"1"},
		"_journal_mode": {"WAL"}})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from "+
				"the given path",
			path)
	}
	log.Printf("opening database at %q\n", dsn)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q",
			path, dsn)
	}

	if err = initSchema(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the "+
				"database schema", path)
	}

	return &DB{db}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction failed")
	}
	return &Tx{tx}, nil
}

func (tx *Tx) Commit() error {
	return tx.tx.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.tx.Rollback()
}

// inTx runs f in a transaction, committing if f succeeds.
func (db *DB) inTx(ctx context.Context, f func(tx *Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := f(tx); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "transaction commit failed")
}

func initSchema(ctx context.Context, db *sql.DB) error {
	for _, sql := range createTableSql {
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}

	return nil
}
