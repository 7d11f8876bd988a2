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

// Package credential keeps account secrets in the system keyring.
package credential

import (
	"github.com/99designs/keyring"
	"github.com/pkg/errors"
)

const serviceName = "mailsync"

const (
	kindPassword     = "password"
	kindRefreshToken = "refresh-token"
)

// ErrNotFound is returned when no secret is stored under a key.
var ErrNotFound = keyring.ErrKeyNotFound

// Store reads and writes account secrets.  It satisfies
// account.Secrets.
type Store struct {
	ring keyring.Keyring
}

// Open opens the system keyring.  fileDir is used by the encrypted
// file backend on systems without a native keyring.
func Open(fileDir string) (*Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt("mailsync-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "opening keyring")
	}
	return &Store{ring: ring}, nil
}

// New returns a Store backed by ring.
func New(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

func itemKey(kind, email string) string {
	return kind + ":" + email
}

func (s *Store) get(kind, email string) (string, error) {
	item, err := s.ring.Get(itemKey(kind, email))
	if err != nil {
		return "", errors.Wrapf(err, "getting %s for %q", kind, email)
	}
	return string(item.Data), nil
}

func (s *Store) set(kind, email, value string) error {
	err := s.ring.Set(keyring.Item{
		Key:   itemKey(kind, email),
		Label: "mailsync " + kind + " for " + email,
		Data:  []byte(value),
	})
	return errors.Wrapf(err, "setting %s for %q", kind, email)
}

// Password returns the IMAP/SMTP password of email.
func (s *Store) Password(email string) (string, error) {
	return s.get(kindPassword, email)
}

// SetPassword stores the IMAP/SMTP password of email.
func (s *Store) SetPassword(email, password string) error {
	return s.set(kindPassword, email, password)
}

// RefreshToken returns the OAuth 2.0 refresh token of email.
func (s *Store) RefreshToken(email string) (string, error) {
	return s.get(kindRefreshToken, email)
}

// SetRefreshToken stores the OAuth 2.0 refresh token of email.
func (s *Store) SetRefreshToken(email, token string) error {
	return s.set(kindRefreshToken, email, token)
}

// Delete removes every secret of email.  Missing secrets are ignored.
func (s *Store) Delete(email string) error {
	for _, kind := range []string{kindPassword, kindRefreshToken} {
		err := s.ring.Remove(itemKey(kind, email))
		if err != nil && errors.Cause(err) != keyring.ErrKeyNotFound {
			return errors.Wrapf(err, "deleting %s for %q", kind, email)
		}
	}
	return nil
}
