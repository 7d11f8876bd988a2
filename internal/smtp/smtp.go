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

// Package smtp delivers finished messages to an account's submission
// server.
package smtp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/matta/mailsync/internal/account"
	"github.com/matta/mailsync/internal/imap"
	"github.com/matta/mailsync/internal/mailerr"

	"github.com/emersion/go-message/mail"
	gotextproto "github.com/emersion/go-message/textproto"
	"github.com/pkg/errors"
)

const defaultTimeout = 30 * time.Second

// ErrNoRecipients is returned for messages without To, Cc or Bcc
// addresses.
var ErrNoRecipients = errors.New("message has no recipients")

// sendFunc delivers msg through srv.  It matches the shape of
// smtp.SendMail with the server and a context added.
type sendFunc func(ctx context.Context, srv account.Server, timeout time.Duration,
	a smtp.Auth, from string, to []string, msg []byte) error

// Transport sends messages over SMTP.
type Transport struct {
	// Secrets supplies passwords of non-Google accounts.
	Secrets account.Secrets

	// Tokens returns the token source of a Google account.
	Tokens func(email string) imap.TokenSource

	// Timeout bounds connection setup and the whole exchange.
	Timeout time.Duration

	sendMail sendFunc
}

// Send delivers raw for acc.  The envelope sender is from; recipients
// are taken from the To, Cc and Bcc headers, and the Bcc header is
// removed from the transmitted copy.  Google accounts authenticate
// with XOAUTH2 and retry once with a fresh token after an auth
// failure.
func (t *Transport) Send(ctx context.Context, acc *account.Account, from string, raw []byte) error {
	rcpts, data, err := prepare(raw)
	if err != nil {
		return mailerr.New(mailerr.Protocol, "smtp prepare", err)
	}
	send := t.sendMail
	if send == nil {
		send = sendMail
	}
	timeout := t.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	attempts := 1
	if acc.IsGoogle() {
		attempts = 2
	}
	for i := 0; ; i++ {
		auth, err := t.auth(acc)
		if err != nil {
			return err
		}
		err = classify(send(ctx, acc.SMTP, timeout, auth, from, rcpts, data))
		if err == nil {
			log.Printf("smtp: sent message from %s to %d recipient(s) via %s",
				from, len(rcpts), acc.SMTP.Addr())
			return nil
		}
		if !mailerr.IsAuth(err) || i+1 >= attempts {
			return err
		}
		log.Printf("smtp: login for %s rejected; refreshing token", acc.Email)
		t.Tokens(acc.Email).Invalidate()
	}
}

func (t *Transport) auth(acc *account.Account) (smtp.Auth, error) {
	if acc.IsGoogle() {
		if t.Tokens == nil {
			return nil, mailerr.Errorf(mailerr.Auth, "smtp auth", "no token source for %s", acc.Email)
		}
		tok, err := t.Tokens(acc.Email).AccessToken()
		if err != nil {
			return nil, mailerr.New(mailerr.Auth, "smtp auth", err)
		}
		return &xoauth2Auth{username: acc.Username, token: tok}, nil
	}
	if t.Secrets == nil {
		return nil, mailerr.Errorf(mailerr.Auth, "smtp auth", "no password store")
	}
	password, err := t.Secrets.Password(acc.Email)
	if err != nil {
		return nil, mailerr.New(mailerr.Auth, "smtp auth", err)
	}
	return smtp.PlainAuth("", acc.Username, password, acc.SMTP.Host), nil
}

// prepare returns the recipients of raw and the bytes to transmit.
func prepare(raw []byte) ([]string, []byte, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	h, err := gotextproto.ReadHeader(br)
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading message header")
	}
	mh := mail.Header{}
	mh.Header.Header = h
	var rcpts []string
	seen := make(map[string]bool)
	for _, key := range []string{"To", "Cc", "Bcc"} {
		addrs, err := mh.AddressList(key)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "parsing %s", key)
		}
		for _, a := range addrs {
			lower := strings.ToLower(a.Address)
			if !seen[lower] {
				seen[lower] = true
				rcpts = append(rcpts, a.Address)
			}
		}
	}
	if len(rcpts) == 0 {
		return nil, nil, ErrNoRecipients
	}
	if !h.Has("Bcc") {
		return rcpts, raw, nil
	}
	h.Del("Bcc")
	var buf bytes.Buffer
	if err := gotextproto.WriteHeader(&buf, h); err != nil {
		return nil, nil, errors.Wrap(err, "writing message header")
	}
	if _, err := io.Copy(&buf, br); err != nil {
		return nil, nil, err
	}
	return rcpts, buf.Bytes(), nil
}

// classify maps SMTP replies onto mailerr kinds: 530/534/535 are
// authentication failures, other 4xx replies are transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var perr *textproto.Error
	if errors.As(err, &perr) {
		switch {
		case perr.Code == 530 || perr.Code == 534 || perr.Code == 535:
			return mailerr.New(mailerr.Auth, "smtp", err)
		case perr.Code >= 400 && perr.Code < 500:
			return mailerr.New(mailerr.Connection, "smtp", err)
		}
		return mailerr.New(mailerr.Protocol, "smtp", err)
	}
	return mailerr.Classify("smtp", err)
}

// sendMail is smtp.SendMail with implicit TLS support, timeouts and
// cancellation.
func sendMail(ctx context.Context, srv account.Server, timeout time.Duration,
	a smtp.Auth, from string, to []string, msg []byte) error {
	dialer := &net.Dialer{Timeout: timeout}
	conf := &tls.Config{ServerName: srv.Host}

	var conn net.Conn
	var err error
	if srv.Security == account.SecuritySSL {
		conn, err = tls.DialWithDialer(dialer, "tcp", srv.Addr(), conf)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", srv.Addr())
	}
	if err != nil {
		return errors.Wrapf(err, "connecting to %s", srv.Addr())
	}
	conn.SetDeadline(time.Now().Add(timeout))
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c, err := smtp.NewClient(conn, srv.Host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if srv.Security == account.SecurityStartTLS {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return mailerr.Errorf(mailerr.Protocol, "smtp starttls",
				"%s does not offer STARTTLS", srv.Addr())
		}
		if err := c.StartTLS(conf); err != nil {
			return err
		}
	}
	if a != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(a); err != nil {
				return err
			}
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, addr := range to {
		if err := c.Rcpt(addr); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	// The message is accepted; later failures must not trigger a resend.
	if err := c.Quit(); err != nil {
		log.Printf("smtp: QUIT to %s failed after delivery: %v", srv.Addr(), err)
	}
	return nil
}

type xoauth2Auth struct {
	username string
	token    string
}

func (a *xoauth2Auth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	if !server.TLS {
		return "", nil, fmt.Errorf("refusing XOAUTH2 over an unencrypted connection")
	}
	return imap.XOAuth2, imap.XOAuth2Response(a.username, a.token), nil
}

// Next answers the server's JSON error challenge with an empty line so
// the server finishes with a 535.
func (a *xoauth2Auth) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		return []byte{}, nil
	}
	return nil, nil
}
