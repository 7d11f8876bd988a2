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
	"time"

	"github.com/pkg/errors"
)

// AcquireOutboxLease makes owner the holder of the outbox lease of
// account until ttl from now.  It reports false when another owner
// holds a lease that has not expired.  The holder calls it again to
// renew.
func (db *DB) AcquireOutboxLease(ctx context.Context, account, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := db.db.ExecContext(ctx, `
INSERT INTO outbox_leases (account, owner, expires)
VALUES ($1, $2, $3)
ON CONFLICT (account) DO UPDATE SET
owner = excluded.owner, expires = excluded.expires
WHERE outbox_leases.owner = excluded.owner
OR outbox_leases.expires < $4`,
		account, owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, errors.Wrapf(err, "AcquireOutboxLease(%q)", account)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "AcquireOutboxLease(%q)", account)
	}
	return n == 1, nil
}

// ReleaseOutboxLease gives up the outbox lease of account if owner
// holds it.
func (db *DB) ReleaseOutboxLease(ctx context.Context, account, owner string) error {
	_, err := db.db.ExecContext(ctx,
		`DELETE FROM outbox_leases WHERE account = $1 AND owner = $2`,
		account, owner)
	return errors.Wrapf(err, "ReleaseOutboxLease(%q)", account)
}
