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

package sync

import (
	"context"
	"log"

	"github.com/matta/mailsync/internal/account"
	"github.com/matta/mailsync/internal/mailerr"
)

// ConnManager owns the connection of the dispatch loop.  It is not
// safe for concurrent use; only the dispatch goroutine calls it.
// Tasks hold the Store they were submitted with.
type ConnManager struct {
	dial    DialFunc
	store   Store
	account string
}

// NewConnManager returns a manager opening connections with dial.
func NewConnManager(dial DialFunc) *ConnManager {
	return &ConnManager{dial: dial}
}

// Ensure returns a live store for acc, opening one if there is none,
// the current one is dead or belongs to another account, or
// forceReset is set.
func (m *ConnManager) Ensure(ctx context.Context, acc *account.Account, forceReset bool) (Store, error) {
	if m.store != nil && (forceReset || !m.store.Alive() || m.account != acc.Email) {
		m.Close()
	}
	if m.store != nil {
		return m.store, nil
	}
	st, err := m.dial(ctx, acc)
	if err != nil {
		return nil, mailerr.Classify("connect", err)
	}
	log.Printf("connected to %s as %s", acc.IMAP.Addr(), acc.Email)
	m.store, m.account = st, acc.Email
	return st, nil
}

// Current returns the open store, or nil.
func (m *ConnManager) Current() Store {
	return m.store
}

// Close closes the open store, if any.
func (m *ConnManager) Close() error {
	if m.store == nil {
		return nil
	}
	err := m.store.Close()
	if err != nil {
		log.Printf("closing connection of %s: %v", m.account, err)
	}
	m.store, m.account = nil, ""
	return err
}
