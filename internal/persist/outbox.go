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
	"strings"
	"time"

	"github.com/matta/mailsync/internal/message"

	"github.com/pkg/errors"
)

const outboxColumns = `account, folder, uid, from_addr, raw, attachments_dir,
state, error_msg, created`

func scanOutbox(row scanner) (*message.Outbox, error) {
	var m message.Outbox
	var state int
	var created int64
	err := row.Scan(&m.Account, &m.Folder, &m.UID, &m.From, &m.Raw,
		&m.AttachmentsDir, &state, &m.ErrorMsg, &created)
	if err != nil {
		return nil, err
	}
	m.State = message.State(state)
	m.Created = time.Unix(created, 0)
	return &m, nil
}

func (tx *Tx) nextOutboxUID(ctx context.Context, account string) (uint32, error) {
	var next uint32
	err := tx.tx.QueryRowContext(ctx,
		`SELECT next_uid FROM outbox_seq WHERE account = $1`,
		account).Scan(&next)
	switch {
	case err == sql.ErrNoRows:
		next = 1
		_, err = tx.tx.ExecContext(ctx,
			`INSERT INTO outbox_seq (account, next_uid) VALUES ($1, $2)`,
			account, next+1)
	case err == nil:
		_, err = tx.tx.ExecContext(ctx,
			`UPDATE outbox_seq SET next_uid = $1 WHERE account = $2`,
			next+1, account)
	}
	if err != nil {
		return 0, errors.Wrap(err, "could not allocate an outbox uid")
	}
	return next, nil
}

// InsertOutbox stores m with its attachments as a new outbox row.  The
// UID is allocated here and written back to m; m.Account must be set.
// A zero State becomes StateQueued.
func (db *DB) InsertOutbox(ctx context.Context, m *message.Outbox, atts []*message.Attachment) error {
	if m.Folder == "" {
		m.Folder = message.FolderOutbox
	}
	if m.State == message.StateNone {
		m.State = message.StateQueued
	}
	if m.Created.IsZero() {
		m.Created = time.Now()
	}
	if m.Raw == nil {
		m.Raw = []byte{}
	}
	return db.inTx(ctx, func(tx *Tx) error {
		uid, err := tx.nextOutboxUID(ctx, m.Account)
		if err != nil {
			return err
		}
		m.UID = uid
		_, err = tx.tx.ExecContext(ctx, `
INSERT INTO outbox (`+outboxColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			m.Account, m.Folder, m.UID, m.From, m.Raw,
			m.AttachmentsDir, int(m.State), m.ErrorMsg, m.Created.Unix())
		if err != nil {
			return errors.Wrapf(err, "InsertOutbox(%s/%d)", m.Account, m.UID)
		}
		return tx.insertAttachments(ctx, m.Key(), atts)
	})
}

func (tx *Tx) insertAttachments(ctx context.Context, key message.Key, atts []*message.Attachment) error {
	for _, a := range atts {
		_, err := tx.tx.ExecContext(ctx, `
INSERT INTO outbox_attachments
(account, folder, uid, name, content_type, path, fwd_folder, fwd_uid, fwd_part_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			key.Account, key.Folder, key.UID, a.Name, a.ContentType,
			a.Path, a.ForwardedFolder, a.ForwardedUID,
			a.ForwardedPartID)
		if err != nil {
			return errors.Wrapf(err, "attachment %q of %v", a.Name, key)
		}
		a.Account, a.Folder, a.UID = key.Account, key.Folder, key.UID
	}
	return nil
}

// AddAttachments records atts for the row identified by key and sets
// its attachment directory to dir.
func (db *DB) AddAttachments(ctx context.Context, key message.Key, dir string, atts []*message.Attachment) error {
	return db.inTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx, `
UPDATE outbox SET attachments_dir = $1
WHERE account = $2 AND folder = $3 AND uid = $4`,
			dir, key.Account, key.Folder, key.UID)
		if err != nil {
			return errors.Wrapf(err, "AddAttachments(%v)", key)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrapf(err, "AddAttachments(%v)", key)
		}
		if n != 1 {
			return fmt.Errorf("AddAttachments(%v): no such message", key)
		}
		return tx.insertAttachments(ctx, key, atts)
	})
}

// OutboxByStates returns the outbox rows of account whose state is one
// of states, ordered by ascending UID.  With no states it returns all
// rows.
func (db *DB) OutboxByStates(ctx context.Context, account string, states ...message.State) ([]*message.Outbox, error) {
	q := `SELECT ` + outboxColumns + ` FROM outbox WHERE account = $1`
	args := []interface{}{account}
	if len(states) > 0 {
		var marks []string
		for _, s := range states {
			args = append(args, int(s))
			marks = append(marks, fmt.Sprintf("$%d", len(args)))
		}
		q += ` AND state IN (` + strings.Join(marks, ", ") + `)`
	}
	q += ` ORDER BY uid`

	rows, err := db.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "db query failed in OutboxByStates")
	}
	defer rows.Close()

	var msgs []*message.Outbox
	for rows.Next() {
		m, err := scanOutbox(rows)
		if err != nil {
			return nil, errors.Wrap(err, "db scan failed in OutboxByStates")
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Outbox returns the row identified by key, or nil if it is gone.
func (db *DB) Outbox(ctx context.Context, key message.Key) (*message.Outbox, error) {
	m, err := scanOutbox(db.db.QueryRowContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox
WHERE account = $1 AND folder = $2 AND uid = $3`,
		key.Account, key.Folder, key.UID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, errors.Wrapf(err, "Outbox(%v)", key)
}

// MarkSending moves the row from state from to StateSending.  It
// reports false if the row is gone or no longer in state from, so at
// most one caller can claim a row.
func (db *DB) MarkSending(ctx context.Context, key message.Key, from message.State) (bool, error) {
	res, err := db.db.ExecContext(ctx, `
UPDATE outbox SET state = $1
WHERE account = $2 AND folder = $3 AND uid = $4 AND state = $5`,
		int(message.StateSending), key.Account, key.Folder, key.UID, int(from))
	if err != nil {
		return false, errors.Wrapf(err, "MarkSending(%v)", key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "MarkSending(%v)", key)
	}
	return n == 1, nil
}

// SetState records state and errMsg for the row identified by key.
func (db *DB) SetState(ctx context.Context, key message.Key, state message.State, errMsg string) error {
	_, err := db.db.ExecContext(ctx, `
UPDATE outbox SET state = $1, error_msg = $2
WHERE account = $3 AND folder = $4 AND uid = $5`,
		int(state), errMsg, key.Account, key.Folder, key.UID)
	return errors.Wrapf(err, "SetState(%v, %v)", key, state)
}

// ChangeStates moves every row of account in state old to state new and
// returns the number of rows changed.
func (db *DB) ChangeStates(ctx context.Context, account string, old, new message.State) (int64, error) {
	res, err := db.db.ExecContext(ctx, `
UPDATE outbox SET state = $1 WHERE account = $2 AND state = $3`,
		int(new), account, int(old))
	if err != nil {
		return 0, errors.Wrapf(err, "ChangeStates(%v -> %v)", old, new)
	}
	return res.RowsAffected()
}

// ResetSending moves rows left in StateSending back to StateQueued
// when owner holds the live outbox lease of account.  A row can only
// be Sending while the lease holder works on it, so any found by the
// new holder were interrupted.  Without the lease nothing changes.
func (db *DB) ResetSending(ctx context.Context, account, owner string) error {
	res, err := db.db.ExecContext(ctx, `
UPDATE outbox SET state = $1
WHERE account = $2 AND state = $3 AND EXISTS (
SELECT 1 FROM outbox_leases
WHERE account = $2 AND owner = $4 AND expires >= $5)`,
		int(message.StateQueued), account, int(message.StateSending),
		owner, time.Now().UnixMilli())
	if err != nil {
		return errors.Wrap(err, "ResetSending")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "ResetSending")
	}
	if n > 0 {
		log.Printf("reset %d interrupted outbox message(s) of %s to queued", n, account)
	}
	return nil
}

// DeleteOutbox removes the row identified by key and its attachments.
func (db *DB) DeleteOutbox(ctx context.Context, key message.Key) error {
	return db.inTx(ctx, func(tx *Tx) error {
		_, err := tx.tx.ExecContext(ctx, `
DELETE FROM outbox_attachments
WHERE account = $1 AND folder = $2 AND uid = $3`,
			key.Account, key.Folder, key.UID)
		if err != nil {
			return errors.Wrapf(err, "DeleteOutbox(%v): attachments", key)
		}
		_, err = tx.tx.ExecContext(ctx, `
DELETE FROM outbox WHERE account = $1 AND folder = $2 AND uid = $3`,
			key.Account, key.Folder, key.UID)
		return errors.Wrapf(err, "DeleteOutbox(%v)", key)
	})
}

// Attachments returns the attachments of the row identified by key in
// insertion order.
func (db *DB) Attachments(ctx context.Context, key message.Key) ([]*message.Attachment, error) {
	rows, err := db.db.QueryContext(ctx, `
SELECT name, content_type, path, fwd_folder, fwd_uid, fwd_part_id
FROM outbox_attachments
WHERE account = $1 AND folder = $2 AND uid = $3 ORDER BY rowid`,
		key.Account, key.Folder, key.UID)
	if err != nil {
		return nil, errors.Wrap(err, "db query failed in Attachments")
	}
	defer rows.Close()

	var atts []*message.Attachment
	for rows.Next() {
		a := &message.Attachment{Account: key.Account, Folder: key.Folder, UID: key.UID}
		err := rows.Scan(&a.Name, &a.ContentType, &a.Path,
			&a.ForwardedFolder, &a.ForwardedUID, &a.ForwardedPartID)
		if err != nil {
			return nil, errors.Wrap(err, "db scan failed in Attachments")
		}
		atts = append(atts, a)
	}
	return atts, rows.Err()
}

// OutboxCount returns the number of outbox rows of account.
func (db *DB) OutboxCount(ctx context.Context, account string) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox WHERE account = $1`, account).Scan(&n)
	return n, errors.Wrap(err, "OutboxCount")
}

// RetryOutbox moves a failed row back into the send pipeline and
// returns its new state.  Rows already delivered only get their Sent
// copy repeated.
func (db *DB) RetryOutbox(ctx context.Context, key message.Key) (message.State, error) {
	var next message.State
	err := db.inTx(ctx, func(tx *Tx) error {
		var state int
		err := tx.tx.QueryRowContext(ctx, `
SELECT state FROM outbox WHERE account = $1 AND folder = $2 AND uid = $3`,
			key.Account, key.Folder, key.UID).Scan(&state)
		if err == sql.ErrNoRows {
			return fmt.Errorf("RetryOutbox(%v): no such message", key)
		}
		if err != nil {
			return errors.Wrapf(err, "RetryOutbox(%v)", key)
		}
		var ok bool
		next, ok = message.State(state).RetryState()
		if !ok {
			return fmt.Errorf("RetryOutbox(%v): state %v cannot be retried",
				key, message.State(state))
		}
		_, err = tx.tx.ExecContext(ctx, `
UPDATE outbox SET state = $1, error_msg = ''
WHERE account = $2 AND folder = $3 AND uid = $4`,
			int(next), key.Account, key.Folder, key.UID)
		return errors.Wrapf(err, "RetryOutbox(%v)", key)
	})
	return next, err
}
