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

	"github.com/matta/mailsync/internal/account"

	"github.com/pkg/errors"
)

const accountColumns = `email, kind, display_name, username,
imap_host, imap_port, imap_security,
smtp_host, smtp_port, smtp_security`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row scanner) (*account.Account, error) {
	var a account.Account
	var kind, imapSec, smtpSec string
	err := row.Scan(&a.Email, &kind, &a.DisplayName, &a.Username,
		&a.IMAP.Host, &a.IMAP.Port, &imapSec,
		&a.SMTP.Host, &a.SMTP.Port, &smtpSec)
	if err != nil {
		return nil, err
	}
	a.Kind = account.Kind(kind)
	a.IMAP.Security = account.Security(imapSec)
	a.SMTP.Security = account.Security(smtpSec)
	return &a, nil
}

// UpsertAccount inserts or updates a, preserving its active flag.
func (db *DB) UpsertAccount(ctx context.Context, a *account.Account) error {
	n := *a
	n.Normalize()
	const q = `
INSERT INTO accounts (` + accountColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (email) DO UPDATE SET
kind = excluded.kind, display_name = excluded.display_name,
username = excluded.username,
imap_host = excluded.imap_host, imap_port = excluded.imap_port,
imap_security = excluded.imap_security,
smtp_host = excluded.smtp_host, smtp_port = excluded.smtp_port,
smtp_security = excluded.smtp_security`
	_, err := db.db.ExecContext(ctx, q, n.Email, string(n.Kind), n.DisplayName,
		n.Username, n.IMAP.Host, n.IMAP.Port, string(n.IMAP.Security),
		n.SMTP.Host, n.SMTP.Port, string(n.SMTP.Security))
	return errors.Wrapf(err, "UpsertAccount(%q)", n.Email)
}

// Account returns the account for email, or nil if there is none.
func (db *DB) Account(ctx context.Context, email string) (*account.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts WHERE email = $1`
	a, err := scanAccount(db.db.QueryRowContext(ctx, q, email))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, errors.Wrapf(err, "Account(%q)", email)
}

// Accounts returns all accounts ordered by email.
func (db *DB) Accounts(ctx context.Context) ([]*account.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts ORDER BY email`
	rows, err := db.db.QueryContext(ctx, q)
	if err != nil {
		return nil, errors.Wrap(err, "db query failed in Accounts")
	}
	defer rows.Close()

	var accounts []*account.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, errors.Wrap(err, "db scan failed in Accounts")
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// ActiveAccount returns the active account, or nil if none is active.
// Satisfies account.Provider.
func (db *DB) ActiveAccount(ctx context.Context) (*account.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts WHERE active = 1 LIMIT 1`
	a, err := scanAccount(db.db.QueryRowContext(ctx, q))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, errors.Wrap(err, "ActiveAccount")
}

// SetActiveAccount makes email the only active account.
func (db *DB) SetActiveAccount(ctx context.Context, email string) error {
	return db.inTx(ctx, func(tx *Tx) error {
		_, err := tx.tx.ExecContext(ctx,
			`UPDATE accounts SET active = (email = $1)`, email)
		if err != nil {
			return errors.Wrap(err, "SetActiveAccount")
		}
		var found int
		err = tx.tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM accounts WHERE email = $1`, email).Scan(&found)
		if err != nil {
			return errors.Wrap(err, "SetActiveAccount")
		}
		if found == 0 {
			return fmt.Errorf("SetActiveAccount(%q): no such account", email)
		}
		return nil
	})
}
