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

// The mailsync command keeps the local mail database of an IMAP or
// Gmail account in sync and delivers the messages queued in its
// outbox.
package main

import (
	"log"

	"github.com/matta/mailsync/internal/config"

	"github.com/spf13/cobra"
)

var (
	flagConfig string
	flagTrace  bool
)

var rootCmd = &cobra.Command{
	Use:   "mailsync",
	Short: "Mail synchronization and outbox delivery",
	Long: `mailsync synchronizes the folders and messages of the active mail
account into a local database and delivers the messages queued in the
local outbox over SMTP or the Gmail API.

Examples:
  mailsync account add me@example.com   # add an account
  mailsync run                          # sync and send until interrupted
  mailsync outbox list                  # show queued messages
  mailsync outbox retry 12              # retry a failed message`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", config.DefaultPath(), "configuration file")
	rootCmd.PersistentFlags().BoolVarP(&flagTrace, "trace", "T", false, "request debug tracing")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(accountCmd)
	rootCmd.AddCommand(outboxCmd)
	rootCmd.AddCommand(syncCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Failed: %v\n", err)
	}
}
