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

/*
Package gmailhttp implements OAuth 2.0 access for Google accounts: an
HTTP client for the Gmail API and bearer tokens for IMAP and SMTP
XOAUTH2 logins.

Access tokens are minted from the account's refresh token, which is
kept in the system keyring.

OAuth 2.0 clients should gracefully handle expired token responses from
the server at any time; the client's notion of token expiry is at most
an optimization.  golang.org/x/oauth2 assumes the client knows when a
token expires, so TokenSource adds Invalidate: callers that see an
authentication failure drop the cached token and try once more with a
freshly minted one.
*/
package gmailhttp

import (
	"context"
	"net/http"
	"sync"

	"github.com/matta/mailsync/internal/tracehttp"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
)

// Scopes requested for Google accounts.  The mail.google.com scope
// covers IMAP and SMTP; gmail.send covers the REST send call.
var Scopes = []string{
	"https://mail.google.com/",
	gmail.GmailSendScope,
}

// RefreshTokens supplies stored refresh tokens.
type RefreshTokens interface {
	RefreshToken(email string) (string, error)
}

// Config returns the OAuth 2.0 client configuration for Google.
func Config(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       Scopes,
		RedirectURL:  "urn:ietf:wg:oauth:2.0:oob",
	}
}

// TokenSource mints access tokens for one account.  It satisfies
// oauth2.TokenSource and is safe for concurrent use.
type TokenSource struct {
	ctx     context.Context
	conf    *oauth2.Config
	secrets RefreshTokens
	email   string

	mu  sync.Mutex
	tok *oauth2.Token
}

// NewTokenSource returns a TokenSource for email.  The refresh token
// is read from secrets on every refresh, so a re-authorized account
// takes effect without a restart.  HTTP requests made while refreshing
// use the client stored in ctx under oauth2.HTTPClient, if any.
func NewTokenSource(ctx context.Context, conf *oauth2.Config, secrets RefreshTokens, email string) *TokenSource {
	return &TokenSource{ctx: ctx, conf: conf, secrets: secrets, email: email}
}

// Email returns the account the source mints tokens for.
func (s *TokenSource) Email() string {
	return s.email
}

// Token returns a valid access token, refreshing it when needed.
func (s *TokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tok.Valid() {
		return s.tok, nil
	}
	refresh, err := s.secrets.RefreshToken(s.email)
	if err != nil {
		return nil, errors.Wrapf(err, "no refresh token for %q", s.email)
	}
	tok, err := s.conf.TokenSource(s.ctx, &oauth2.Token{RefreshToken: refresh}).Token()
	if err != nil {
		return nil, errors.Wrapf(err, "refreshing access token for %q", s.email)
	}
	s.tok = tok
	return tok, nil
}

// AccessToken returns the bare access token string.
func (s *TokenSource) AccessToken() (string, error) {
	tok, err := s.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// Invalidate drops the cached access token so the next Token call
// mints a new one.
func (s *TokenSource) Invalidate() {
	s.mu.Lock()
	s.tok = nil
	s.mu.Unlock()
}

// New returns a new HTTP client capable of using the Gmail API on
// behalf of src's account.  When trace is set all traffic is logged.
func New(src oauth2.TokenSource, trace bool) *http.Client {
	var base http.RoundTripper = http.DefaultTransport
	if trace {
		base = tracehttp.Wrap(base, true)
	}
	return &http.Client{
		Transport: &oauth2.Transport{
			Source: src,
			Base:   base,
		},
	}
}

// TraceContext returns ctx carrying an HTTP client that traces token
// refresh traffic, for use with NewTokenSource.
func TraceContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, &http.Client{
		Transport: tracehttp.Wrap(http.DefaultTransport, false),
	})
}
