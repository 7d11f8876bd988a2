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

package imap

import (
	"context"
	"crypto/tls"
	"log"
	"net"
	"time"

	"github.com/matta/mailsync/internal/account"
	"github.com/matta/mailsync/internal/mailerr"

	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
	"github.com/pkg/errors"
)

const defaultTimeout = 30 * time.Second

// TokenSource mints OAuth 2.0 access tokens for XOAUTH2 logins.
type TokenSource interface {
	AccessToken() (string, error)
	Invalidate()
}

// session is an unauthenticated connection.
type session interface {
	backend
	Login(username, password string) error
	Authenticate(auth sasl.Client) error
}

// Dialer opens authenticated stores.
type Dialer struct {
	// Secrets supplies passwords of non-Google accounts.
	Secrets account.Secrets

	// Tokens returns the token source of a Google account.
	Tokens func(email string) TokenSource

	// Timeout bounds connection setup and every command.
	Timeout time.Duration

	connect func(ctx context.Context, srv account.Server, timeout time.Duration) (session, error)
}

// Dial connects to the IMAP server of acc and logs in.  Google
// accounts use XOAUTH2; an auth failure invalidates the access token
// and is retried once with a fresh one.
func (d *Dialer) Dial(ctx context.Context, acc *account.Account) (*Store, error) {
	connect := d.connect
	if connect == nil {
		connect = dialServer
	}
	timeout := d.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	attempts := 1
	if acc.IsGoogle() {
		attempts = 2
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, err := connect(ctx, acc.IMAP, timeout)
		if err != nil {
			return nil, mailerr.Classify("imap connect", errors.Wrapf(err, "connecting to %s", acc.IMAP.Addr()))
		}
		err = d.login(c, acc)
		if err == nil {
			log.Printf("imap: logged in to %s as %s", acc.IMAP.Addr(), acc.Username)
			return newStore(c, acc.Email), nil
		}
		c.Logout()
		lastErr = err
		if !mailerr.IsAuth(err) {
			return nil, err
		}
		if acc.IsGoogle() && d.Tokens != nil {
			log.Printf("imap: login for %s rejected; refreshing token", acc.Email)
			d.Tokens(acc.Email).Invalidate()
		}
	}
	return nil, lastErr
}

func (d *Dialer) login(c session, acc *account.Account) error {
	if acc.IsGoogle() {
		if d.Tokens == nil {
			return mailerr.Errorf(mailerr.Auth, "imap login", "no token source for %s", acc.Email)
		}
		tok, err := d.Tokens(acc.Email).AccessToken()
		if err != nil {
			return mailerr.New(mailerr.Auth, "imap login", err)
		}
		err = c.Authenticate(NewXOAuth2Client(acc.Username, tok))
		return authError("imap login", err)
	}
	if d.Secrets == nil {
		return mailerr.Errorf(mailerr.Auth, "imap login", "no password store")
	}
	password, err := d.Secrets.Password(acc.Email)
	if err != nil {
		return mailerr.New(mailerr.Auth, "imap login", err)
	}
	return authError("imap login", c.Login(acc.Username, password))
}

// authError classifies a login failure.  Servers reject bad
// credentials with a plain NO, so anything that is not a connection
// failure counts as an auth failure.
func authError(op string, err error) error {
	if err == nil {
		return nil
	}
	err = mailerr.Classify(op, err)
	if mailerr.IsConnection(err) {
		return err
	}
	return mailerr.New(mailerr.Auth, op, err)
}

// dialServer opens a connection with the transport security of srv.
func dialServer(ctx context.Context, srv account.Server, timeout time.Duration) (session, error) {
	dialer := &net.Dialer{Timeout: timeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}
	conf := &tls.Config{ServerName: srv.Host}

	var c *client.Client
	var err error
	switch srv.Security {
	case account.SecuritySSL:
		c, err = client.DialWithDialerTLS(dialer, srv.Addr(), conf)
	case account.SecurityStartTLS:
		c, err = client.DialWithDialer(dialer, srv.Addr())
		if err == nil {
			if err = c.StartTLS(conf); err != nil {
				c.Logout()
			}
		}
	default:
		c, err = client.DialWithDialer(dialer, srv.Addr())
	}
	if err != nil {
		return nil, err
	}
	c.Timeout = timeout
	return c, nil
}
