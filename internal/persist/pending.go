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

	"github.com/pkg/errors"
)

// Action is a user action on a server message not yet applied to the
// server.
type Action string

const (
	ActionDelete            Action = "delete"
	ActionDeletePermanently Action = "delete_permanently"
	ActionArchive           Action = "archive"
	ActionMarkRead          Action = "mark_read"
	ActionMarkUnread        Action = "mark_unread"
	ActionMoveToInbox       Action = "move_to_inbox"
)

// AddPending records action for the given messages of folder.
func (db *DB) AddPending(ctx context.Context, account, folder string, action Action, uids ...uint32) error {
	return db.inTx(ctx, func(tx *Tx) error {
		for _, uid := range uids {
			_, err := tx.tx.ExecContext(ctx, `
INSERT OR IGNORE INTO pending_actions (account, folder, uid, action)
VALUES ($1, $2, $3, $4)`, account, folder, uid, string(action))
			if err != nil {
				return errors.Wrapf(err, "AddPending(%s %s/%d)", action, folder, uid)
			}
		}
		return nil
	})
}

// Pending returns the UIDs with a pending action, keyed by folder.
// UIDs are ascending within each folder.
func (db *DB) Pending(ctx context.Context, account string, action Action) (map[string][]uint32, error) {
	rows, err := db.db.QueryContext(ctx, `
SELECT folder, uid FROM pending_actions
WHERE account = $1 AND action = $2 ORDER BY folder, uid`,
		account, string(action))
	if err != nil {
		return nil, errors.Wrap(err, "db query failed in Pending")
	}
	defer rows.Close()

	pending := make(map[string][]uint32)
	for rows.Next() {
		var folder string
		var uid uint32
		if err := rows.Scan(&folder, &uid); err != nil {
			return nil, errors.Wrap(err, "db scan failed in Pending")
		}
		pending[folder] = append(pending[folder], uid)
	}
	return pending, rows.Err()
}

// ClearPending forgets action for the given messages of folder once it
// has been applied on the server.
func (db *DB) ClearPending(ctx context.Context, account, folder string, action Action, uids ...uint32) error {
	return db.inTx(ctx, func(tx *Tx) error {
		for _, uid := range uids {
			_, err := tx.tx.ExecContext(ctx, `
DELETE FROM pending_actions
WHERE account = $1 AND folder = $2 AND uid = $3 AND action = $4`,
				account, folder, uid, string(action))
			if err != nil {
				return errors.Wrapf(err, "ClearPending(%s %s/%d)", action, folder, uid)
			}
		}
		return nil
	})
}
