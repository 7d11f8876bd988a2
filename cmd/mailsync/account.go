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
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/matta/mailsync/internal/account"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"golang.org/x/term"
)

var addFlags struct {
	kind         string
	name         string
	username     string
	imapHost     string
	imapPort     int
	imapSecurity string
	smtpHost     string
	smtpPort     int
	smtpSecurity string
	use          bool
}

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage mail accounts",
}

var accountAddCmd = &cobra.Command{
	Use:   "add EMAIL",
	Short: "Add or update an account and store its credentials",
	Long: `add stores the account settings in the database and its secret in
the keyring.  Google accounts are authorized in the browser and keep a
refresh token; other accounts are asked for their password.

Examples:
  mailsync account add --kind google me@gmail.com
  mailsync account add --imap-host imap.example.com --smtp-host smtp.example.com me@example.com`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		acc := &account.Account{
			Email:       args[0],
			Kind:        account.Kind(addFlags.kind),
			DisplayName: addFlags.name,
			Username:    addFlags.username,
			IMAP: account.Server{
				Host:     addFlags.imapHost,
				Port:     addFlags.imapPort,
				Security: account.Security(addFlags.imapSecurity),
			},
			SMTP: account.Server{
				Host:     addFlags.smtpHost,
				Port:     addFlags.smtpPort,
				Security: account.Security(addFlags.smtpSecurity),
			},
		}
		acc.Normalize()
		if acc.IMAP.Host == "" || acc.SMTP.Host == "" {
			return errors.New("--imap-host and --smtp-host are required for non-Google accounts")
		}

		if acc.IsGoogle() {
			if err := authorize(ctx, a, acc.Email); err != nil {
				return err
			}
		} else {
			fmt.Printf("Password for %s: ", acc.Username)
			b, err := term.ReadPassword(int(syscall.Stdin))
			fmt.Println()
			if err != nil {
				return errors.Wrap(err, "unable to read the password")
			}
			if err := a.secrets.SetPassword(acc.Email, string(b)); err != nil {
				return err
			}
		}

		if err := a.db.UpsertAccount(ctx, acc); err != nil {
			return err
		}
		if addFlags.use {
			return a.db.SetActiveAccount(ctx, acc.Email)
		}
		return nil
	}),
}

var accountUseCmd = &cobra.Command{
	Use:   "use EMAIL",
	Short: "Make EMAIL the active account",
	Long: `use makes EMAIL the active account.  Send SIGHUP to a running
'mailsync run' to make it switch over.`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		return a.db.SetActiveAccount(ctx, args[0])
	}),
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		accounts, err := a.db.Accounts(ctx)
		if err != nil {
			return err
		}
		active, err := a.db.ActiveAccount(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "\tEMAIL\tKIND\tIMAP\tSMTP")
		for _, acc := range accounts {
			mark := ""
			if active != nil && active.Email == acc.Email {
				mark = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				mark, acc.Email, acc.Kind, acc.IMAP.Addr(), acc.SMTP.Addr())
		}
		return w.Flush()
	}),
}

func init() {
	f := accountAddCmd.Flags()
	f.StringVar(&addFlags.kind, "kind", string(account.KindOther), "account kind: google, outlook or other")
	f.StringVar(&addFlags.name, "name", "", "display name")
	f.StringVar(&addFlags.username, "username", "", "login name (defaults to EMAIL)")
	f.StringVar(&addFlags.imapHost, "imap-host", "", "IMAP server host")
	f.IntVar(&addFlags.imapPort, "imap-port", 993, "IMAP server port")
	f.StringVar(&addFlags.imapSecurity, "imap-security", string(account.SecuritySSL), "IMAP security: none, ssl or starttls")
	f.StringVar(&addFlags.smtpHost, "smtp-host", "", "SMTP server host")
	f.IntVar(&addFlags.smtpPort, "smtp-port", 587, "SMTP server port")
	f.StringVar(&addFlags.smtpSecurity, "smtp-security", string(account.SecurityStartTLS), "SMTP security: none, ssl or starttls")
	f.BoolVar(&addFlags.use, "use", true, "make the account active")

	accountCmd.AddCommand(accountAddCmd)
	accountCmd.AddCommand(accountUseCmd)
	accountCmd.AddCommand(accountListCmd)
}

// authorize runs the installed application OAuth 2.0 flow for email
// and stores the refresh token it yields.
func authorize(ctx context.Context, a *app, email string) error {
	if a.oauth.ClientID == "" {
		return errors.New("google.client_id is not configured")
	}
	url := a.oauth.AuthCodeURL(email, oauth2.AccessTypeOffline, oauth2.ApprovalForce,
		oauth2.SetAuthURLParam("login_hint", email))
	fmt.Printf("Open this URL and sign in as %s:\n\n  %s\n\nAuthorization code: ", email, url)
	code, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return errors.Wrap(err, "unable to read the authorization code")
	}
	tok, err := a.oauth.Exchange(ctx, strings.TrimSpace(code))
	if err != nil {
		return errors.Wrap(err, "unable to exchange the authorization code")
	}
	if tok.RefreshToken == "" {
		return errors.New("no refresh token was issued; revoke the app's access and try again")
	}
	return a.secrets.SetRefreshToken(email, tok.RefreshToken)
}
