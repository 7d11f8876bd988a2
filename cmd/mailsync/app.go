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

package main

import (
	"context"
	"os"
	"path/filepath"
	gosync "sync"

	"github.com/matta/mailsync/internal/account"
	"github.com/matta/mailsync/internal/attcache"
	"github.com/matta/mailsync/internal/config"
	"github.com/matta/mailsync/internal/credential"
	"github.com/matta/mailsync/internal/gmail"
	"github.com/matta/mailsync/internal/gmailhttp"
	"github.com/matta/mailsync/internal/imap"
	"github.com/matta/mailsync/internal/outbox"
	"github.com/matta/mailsync/internal/persist"
	"github.com/matta/mailsync/internal/smtp"
	"github.com/matta/mailsync/internal/sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

const userAgent = "mailsync/0.1"

// app holds the long lived objects shared by all commands.
type app struct {
	cfg     *config.Config
	db      *persist.DB
	cache   *attcache.Cache
	secrets *credential.Store
	oauth   *oauth2.Config

	// Used for token refreshes.
	tokenCtx context.Context

	mu     gosync.Mutex
	tokens map[string]*gmailhttp.TokenSource
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagTrace {
		cfg.Trace = true
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Database), 0700); err != nil {
		return nil, errors.Wrap(err, "unable to create the database directory")
	}
	db, err := persist.Open(ctx, cfg.Database)
	if err != nil {
		return nil, errors.Wrap(err, "unable to initialize database")
	}
	cache, err := attcache.New(cfg.CacheDir)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "unable to initialize the cache")
	}
	secrets, err := credential.Open(cfg.KeyringDir)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "unable to open the keyring")
	}

	tokenCtx := context.Background()
	if cfg.Trace {
		tokenCtx = gmailhttp.TraceContext(tokenCtx)
	}
	return &app{
		cfg:      cfg,
		db:       db,
		cache:    cache,
		secrets:  secrets,
		oauth:    gmailhttp.Config(cfg.Google.ClientID, cfg.Google.ClientSecret),
		tokenCtx: tokenCtx,
		tokens:   make(map[string]*gmailhttp.TokenSource),
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

func (a *app) tokenSource(email string) *gmailhttp.TokenSource {
	a.mu.Lock()
	defer a.mu.Unlock()
	src, ok := a.tokens[email]
	if !ok {
		src = gmailhttp.NewTokenSource(a.tokenCtx, a.oauth, a.secrets, email)
		a.tokens[email] = src
	}
	return src
}

func (a *app) imapTokens(email string) imap.TokenSource {
	return a.tokenSource(email)
}

func (a *app) dialer() *imap.Dialer {
	return &imap.Dialer{
		Secrets: a.secrets,
		Tokens:  a.imapTokens,
		Timeout: a.cfg.NetTimeout,
	}
}

func (a *app) transport() *smtp.Transport {
	return &smtp.Transport{
		Secrets: a.secrets,
		Tokens:  a.imapTokens,
		Timeout: a.cfg.NetTimeout,
	}
}

func (a *app) gmailService(ctx context.Context, acc *account.Account) (*gmail.Service, error) {
	client := gmailhttp.New(a.tokenSource(acc.Email), a.cfg.Trace)
	s, err := gmail.New(ctx, client)
	if err != nil {
		return nil, errors.Wrap(err, "unable to initialize GMail")
	}
	return s, nil
}

// dispatcher returns a sync dispatcher reporting to l.
func (a *app) dispatcher(l sync.Listener) *sync.Dispatcher {
	d := a.dialer()
	dial := func(ctx context.Context, acc *account.Account) (sync.Store, error) {
		st, err := d.Dial(ctx, acc)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	return sync.NewDispatcher(dial, sync.Options{
		Workers:  a.cfg.Workers,
		Listener: l,
		Mailbox:  a.db,
		Cache:    a.cache,
		Mailer:   a.transport(),
		Labels: func(ctx context.Context, acc *account.Account) (sync.LabelLister, error) {
			s, err := a.gmailService(ctx, acc)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
	})
}

// sender returns the outbox drain.
func (a *app) sender() *outbox.Sender {
	d := a.dialer()
	return &outbox.Sender{
		DB:    a.db,
		Files: a.cache,
		Dial: func(ctx context.Context, acc *account.Account) (outbox.Store, error) {
			st, err := d.Dial(ctx, acc)
			if err != nil {
				return nil, err
			}
			return st, nil
		},
		SMTP: a.transport(),
		Gmail: func(ctx context.Context, acc *account.Account) (outbox.Gmail, error) {
			s, err := a.gmailService(ctx, acc)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		Online:              &outbox.DialCheck{Addr: a.cfg.OnlineAddr, Timeout: a.cfg.NetTimeout},
		Notifier:            outbox.LogNotifier{},
		SettleDelay:         a.cfg.SettleDelay,
		ErrorBackoff:        a.cfg.ErrorBackoff,
		CopyGmailSMTPToSent: a.cfg.GmailSMTPCopyToSent,
		UserAgent:           userAgent,
		LeaseTTL:            a.cfg.OutboxLease,
	}
}

// activeAccount returns the active account or an error when there is
// none.
func (a *app) activeAccount(ctx context.Context) (*account.Account, error) {
	acc, err := a.db.ActiveAccount(ctx)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, errors.New("no active account; add one with 'mailsync account add'")
	}
	return acc, nil
}
