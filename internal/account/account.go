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

package account

import (
	"context"
	"fmt"
	"strings"
)

// Kind selects the protocol flavour used for an account.
type Kind string

const (
	KindGoogle  Kind = "google"
	KindOutlook Kind = "outlook"
	KindOther   Kind = "other"
)

// Security is the transport security option of a server.
type Security string

const (
	SecurityNone     Security = "none"
	SecuritySSL      Security = "ssl"
	SecurityStartTLS Security = "starttls"
)

// Server is a mail server endpoint.
type Server struct {
	Host     string
	Port     int
	Security Security
}

// Addr returns host:port.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Account is a configured mail account.  Secrets are not part of it;
// see Secrets.
type Account struct {
	Email       string
	Kind        Kind
	DisplayName string

	// Login name for IMAP and SMTP.  Defaults to Email.
	Username string

	IMAP Server
	SMTP Server
}

var (
	gmailIMAP = Server{Host: "imap.gmail.com", Port: 993, Security: SecuritySSL}
	gmailSMTP = Server{Host: "smtp.gmail.com", Port: 587, Security: SecurityStartTLS}
)

// Normalize fills defaults: the login name and, for Google accounts,
// the Gmail endpoints.
func (a *Account) Normalize() {
	a.Email = strings.TrimSpace(a.Email)
	if a.Kind == "" {
		a.Kind = KindOther
	}
	if a.Username == "" {
		a.Username = a.Email
	}
	if a.Kind == KindGoogle {
		if a.IMAP.Host == "" {
			a.IMAP = gmailIMAP
		}
		if a.SMTP.Host == "" {
			a.SMTP = gmailSMTP
		}
	}
}

// IsGoogle reports whether the account authenticates with Google
// OAuth 2.0.
func (a *Account) IsGoogle() bool {
	return a.Kind == KindGoogle
}

// Owns reports whether addr is the account's own address, as opposed
// to a delegated send-as address.
func (a *Account) Owns(addr string) bool {
	return strings.EqualFold(strings.TrimSpace(addr), a.Email)
}

// Domain returns the part of the email address after '@'.
func (a *Account) Domain() string {
	if i := strings.LastIndexByte(a.Email, '@'); i >= 0 {
		return a.Email[i+1:]
	}
	return ""
}

// Provider resolves the currently active account.  A nil account with
// a nil error means no account is active.
type Provider interface {
	ActiveAccount(ctx context.Context) (*Account, error)
}

// Secrets supplies decrypted account credentials.
type Secrets interface {
	Password(email string) (string, error)
	RefreshToken(email string) (string, error)
}
