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

// Package config loads mailsync settings from a YAML file, .env files
// and MAILSYNC_* environment variables, in increasing precedence.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Google holds the OAuth 2.0 client registration for Google accounts.
type Google struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
}

// Config is the complete program configuration.
type Config struct {
	// SQLite database file.
	Database string `mapstructure:"database"`

	// Root of the attachment and message cache.
	CacheDir string `mapstructure:"cache_dir"`

	// Encrypted file keyring location, used when the system has
	// no native keyring.
	KeyringDir string `mapstructure:"keyring_dir"`

	// Maximum number of sync tasks running at once.
	Workers int `mapstructure:"workers"`

	// Pause between claiming an outbox message and sending it.
	SettleDelay time.Duration `mapstructure:"settle_delay"`

	// Pause after a failed outbox message before the next one.
	ErrorBackoff time.Duration `mapstructure:"error_backoff"`

	// Period of the outbox drain when running as a daemon.
	OutboxInterval time.Duration `mapstructure:"outbox_interval"`

	// How long the outbox lease of a drain run outlives its last
	// renewal.  Bounds how long a crashed run blocks others.
	OutboxLease time.Duration `mapstructure:"outbox_lease"`

	// Dial and command timeout for IMAP and SMTP.
	NetTimeout time.Duration `mapstructure:"net_timeout"`

	// host:port dialed to decide whether the network is up.
	OnlineAddr string `mapstructure:"online_addr"`

	// Whether messages a Google account sends over SMTP are also
	// appended to its Sent folder.
	GmailSMTPCopyToSent bool `mapstructure:"gmail_smtp_copy_to_sent"`

	Google Google `mapstructure:"google"`

	// Log Gmail API and OAuth traffic.
	Trace bool `mapstructure:"trace"`
}

// Dir returns the default configuration directory.
func Dir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "mailsync")
	}
	return "."
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

func setDefaults(v *viper.Viper) {
	dir := Dir()
	v.SetDefault("database", filepath.Join(dir, "mailsync.db"))
	v.SetDefault("cache_dir", filepath.Join(dir, "cache"))
	v.SetDefault("keyring_dir", filepath.Join(dir, "keyring"))
	v.SetDefault("workers", 5)
	v.SetDefault("settle_delay", 2*time.Second)
	v.SetDefault("error_backoff", 5*time.Second)
	v.SetDefault("outbox_interval", 15*time.Minute)
	v.SetDefault("outbox_lease", time.Minute)
	v.SetDefault("net_timeout", 30*time.Second)
	v.SetDefault("online_addr", "dns.google:443")
	v.SetDefault("gmail_smtp_copy_to_sent", true)
	v.SetDefault("google.client_id", "")
	v.SetDefault("google.client_secret", "")
	v.SetDefault("trace", false)
}

// Load reads the configuration file at path, which may be missing.
// Variables from envFiles (default ".env") are loaded into the
// environment first, without overriding variables already set.
func Load(path string, envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(errors.Cause(err)) {
			return nil, errors.Wrapf(err, "reading %s", f)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("MAILSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(*os.PathError); !ok {
				if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
					return nil, errors.Wrapf(err, "reading config %s", path)
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return cfg, nil
}
