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
	"strings"

	"github.com/matta/mailsync/internal/message"

	"github.com/pkg/errors"
)

const attrSent = `\Sent`

func scanFolder(row scanner) (*message.Folder, error) {
	var f message.Folder
	var attrs string
	err := row.Scan(&f.FullName, &f.Alias, &attrs, &f.MessageCount,
		&f.UnreadCount, &f.LastUID)
	if err != nil {
		return nil, err
	}
	f.Attributes = strings.Fields(attrs)
	return &f, nil
}

// ReplaceFolders replaces the server folder list of account with
// folders.  LastUID of folders that survive is kept.  The local outbox
// folder row is never removed.
func (db *DB) ReplaceFolders(ctx context.Context, account string, folders []*message.Folder) error {
	keep := map[string]bool{message.FolderOutbox: true}
	for _, f := range folders {
		keep[f.FullName] = true
	}
	known, err := db.Folders(ctx, account)
	if err != nil {
		return err
	}
	return db.inTx(ctx, func(tx *Tx) error {
		for _, f := range known {
			if keep[f.FullName] {
				continue
			}
			_, err := tx.tx.ExecContext(ctx,
				`DELETE FROM folders WHERE account = $1 AND full_name = $2`,
				account, f.FullName)
			if err != nil {
				return errors.Wrapf(err, "ReplaceFolders: delete %q", f.FullName)
			}
		}
		for _, f := range folders {
			_, err := tx.tx.ExecContext(ctx, `
INSERT INTO folders (account, full_name, alias, attributes, message_count, unread_count)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (account, full_name) DO UPDATE SET
alias = excluded.alias, attributes = excluded.attributes,
message_count = excluded.message_count,
unread_count = excluded.unread_count`,
				account, f.FullName, f.Alias,
				strings.Join(f.Attributes, " "),
				f.MessageCount, f.UnreadCount)
			if err != nil {
				return errors.Wrapf(err, "ReplaceFolders: upsert %q", f.FullName)
			}
		}
		return nil
	})
}

// Folders returns the known folders of account ordered by name.
func (db *DB) Folders(ctx context.Context, account string) ([]*message.Folder, error) {
	rows, err := db.db.QueryContext(ctx, `
SELECT full_name, alias, attributes, message_count, unread_count, last_uid
FROM folders WHERE account = $1 ORDER BY full_name`, account)
	if err != nil {
		return nil, errors.Wrap(err, "db query failed in Folders")
	}
	defer rows.Close()

	var folders []*message.Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, errors.Wrap(err, "db scan failed in Folders")
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// Folder returns the folder named fullName, or nil if unknown.
func (db *DB) Folder(ctx context.Context, account, fullName string) (*message.Folder, error) {
	f, err := scanFolder(db.db.QueryRowContext(ctx, `
SELECT full_name, alias, attributes, message_count, unread_count, last_uid
FROM folders WHERE account = $1 AND full_name = $2`, account, fullName))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return f, errors.Wrapf(err, "Folder(%q)", fullName)
}

// UpdateFolderCounts records the message and unread counts of a folder.
func (db *DB) UpdateFolderCounts(ctx context.Context, account, fullName string, messages, unread int) error {
	_, err := db.db.ExecContext(ctx, `
UPDATE folders SET message_count = $1, unread_count = $2
WHERE account = $3 AND full_name = $4`, messages, unread, account, fullName)
	return errors.Wrapf(err, "UpdateFolderCounts(%q)", fullName)
}

// UpdateLastUID raises the last seen UID of a folder to uid.  It never
// lowers it.
func (db *DB) UpdateLastUID(ctx context.Context, account, fullName string, uid uint32) error {
	_, err := db.db.ExecContext(ctx, `
UPDATE folders SET last_uid = MAX(last_uid, $1)
WHERE account = $2 AND full_name = $3`, uid, account, fullName)
	return errors.Wrapf(err, "UpdateLastUID(%q)", fullName)
}

// FindSentFolder returns the folder of account carrying the \Sent
// attribute, or nil if there is none.
func (db *DB) FindSentFolder(ctx context.Context, account string) (*message.Folder, error) {
	folders, err := db.Folders(ctx, account)
	if err != nil {
		return nil, err
	}
	for _, f := range folders {
		if f.HasAttribute(attrSent) {
			return f, nil
		}
	}
	return nil, nil
}

// SetOutboxCount stores n as the message count of the local outbox
// folder of account, creating the row if needed.
func (db *DB) SetOutboxCount(ctx context.Context, account string, n int) error {
	_, err := db.db.ExecContext(ctx, `
INSERT INTO folders (account, full_name, alias, message_count)
VALUES ($1, $2, $3, $4)
ON CONFLICT (account, full_name) DO UPDATE SET
message_count = excluded.message_count`,
		account, message.FolderOutbox, "Outbox", n)
	return errors.Wrap(err, "SetOutboxCount")
}
