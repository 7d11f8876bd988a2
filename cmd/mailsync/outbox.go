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
	"bytes"
	"context"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/matta/mailsync/internal/account"
	"github.com/matta/mailsync/internal/attcache"
	"github.com/matta/mailsync/internal/message"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	flagForce  bool
	flagAttach []string
	flagNow    bool
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and deliver the outbox of the active account",
}

var outboxSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Deliver queued messages once",
	Long: `send drains the outbox of the active account once.  With --force
every failed message is queued again first.`,
	Args: cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		if flagForce {
			acc, err := a.activeAccount(ctx)
			if err != nil {
				return err
			}
			if err := retryFailed(ctx, a, acc); err != nil {
				return err
			}
		}
		return a.sender().Run(ctx)
	}),
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the outbox of the active account",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		acc, err := a.activeAccount(ctx)
		if err != nil {
			return err
		}
		rows, err := a.db.OutboxByStates(ctx, acc.Email)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "UID\tSTATE\tFROM\tSUBJECT\tERROR")
		for _, m := range rows {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				m.UID, m.State, m.From, subject(m.Raw), m.ErrorMsg)
		}
		return w.Flush()
	}),
}

var outboxRetryCmd = &cobra.Command{
	Use:   "retry UID",
	Short: "Queue a failed message again and deliver it",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		uid, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return errors.Wrapf(err, "invalid UID %q", args[0])
		}
		acc, err := a.activeAccount(ctx)
		if err != nil {
			return err
		}
		key := message.Key{Account: acc.Email, Folder: message.FolderOutbox, UID: uint32(uid)}
		state, err := a.db.RetryOutbox(ctx, key)
		if err != nil {
			return err
		}
		fmt.Printf("%d: %s\n", key.UID, state)
		return a.sender().Run(ctx)
	}),
}

var outboxAddCmd = &cobra.Command{
	Use:   "add FILE",
	Short: "Queue an RFC 5322 message file for delivery",
	Long: `add queues the message in FILE for the active account.  Files
given with --attach are cached and attached when the message is sent;
the message must then be multipart.`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return errors.Wrap(err, "unable to read the message")
		}
		acc, err := a.activeAccount(ctx)
		if err != nil {
			return err
		}
		m, err := queueMessage(ctx, a, acc, raw, flagAttach)
		if err != nil {
			return err
		}
		fmt.Printf("queued %d\n", m.UID)
		if flagNow {
			return a.sender().Run(ctx)
		}
		return nil
	}),
}

func init() {
	outboxSendCmd.Flags().BoolVar(&flagForce, "force", false, "queue failed messages again before sending")
	outboxAddCmd.Flags().StringArrayVar(&flagAttach, "attach", nil, "file to attach (repeatable)")
	outboxAddCmd.Flags().BoolVar(&flagNow, "now", false, "drain the outbox right away")

	outboxCmd.AddCommand(outboxSendCmd)
	outboxCmd.AddCommand(outboxListCmd)
	outboxCmd.AddCommand(outboxRetryCmd)
	outboxCmd.AddCommand(outboxAddCmd)
}

// withApp adapts f to a cobra RunE that opens the app and stops on
// SIGINT or SIGTERM.
func withApp(f func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		return f(ctx, a, args)
	}
}

func retryFailed(ctx context.Context, a *app, acc *account.Account) error {
	rows, err := a.db.OutboxByStates(ctx, acc.Email)
	if err != nil {
		return err
	}
	for _, m := range rows {
		if !m.State.IsError() {
			continue
		}
		if _, err := a.db.RetryOutbox(ctx, m.Key()); err != nil {
			return err
		}
	}
	return nil
}

// subject returns the decoded Subject of raw, or "" if it cannot be
// parsed.
func subject(raw []byte) string {
	e, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return ""
	}
	h := mail.Header{Header: e.Header}
	s, err := h.Subject()
	if err != nil {
		return ""
	}
	return s
}

// fromAddress returns the first From address of raw, or "" if there is
// none.
func fromAddress(raw []byte) string {
	e, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return ""
	}
	h := mail.Header{Header: e.Header}
	addrs, err := h.AddressList("From")
	if err != nil || len(addrs) == 0 {
		return ""
	}
	return addrs[0].Address
}

// queueMessage stores raw in the outbox of acc.  The row is created in
// the error-during-creation state and only queued once every attachment
// is cached, so a failure leaves a row the user can inspect.
func queueMessage(ctx context.Context, a *app, acc *account.Account, raw []byte, paths []string) (*message.Outbox, error) {
	m := &message.Outbox{
		Account: acc.Email,
		From:    fromAddress(raw),
		Raw:     raw,
		State:   message.StateErrorDuringCreation,
	}
	if err := a.db.InsertOutbox(ctx, m, nil); err != nil {
		return nil, err
	}
	if err := attach(ctx, a, m, paths); err != nil {
		if serr := a.db.SetState(ctx, m.Key(), message.StateErrorDuringCreation, err.Error()); serr != nil {
			return nil, serr
		}
		return nil, err
	}
	if err := a.db.SetState(ctx, m.Key(), message.StateQueued, ""); err != nil {
		return nil, err
	}
	m.State = message.StateQueued
	return m, nil
}

func attach(ctx context.Context, a *app, m *message.Outbox, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	var atts []*message.Attachment
	for _, p := range paths {
		name := filepath.Base(p)
		f, err := os.Open(p)
		if err != nil {
			return errors.Wrapf(err, "unable to attach %q", p)
		}
		cached, err := a.cache.PutAttachment(m.Account, m.UID, name, f)
		f.Close()
		if err != nil {
			return err
		}
		atts = append(atts, &message.Attachment{
			Name:        name,
			ContentType: mime.TypeByExtension(filepath.Ext(name)),
			Path:        cached,
		})
	}
	return a.db.AddAttachments(ctx, m.Key(), attcache.AttachmentsDir(m.Account, m.UID), atts)
}
