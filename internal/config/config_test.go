package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "missing.yaml"), filepath.Join(dir, "missing.env"))
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	got := struct {
		Workers      int
		Settle       time.Duration
		Backoff      time.Duration
		CopyToSent   bool
		NetTimeout   time.Duration
		OutboxPeriod time.Duration
		OutboxLease  time.Duration
	}{cfg.Workers, cfg.SettleDelay, cfg.ErrorBackoff, cfg.GmailSMTPCopyToSent, cfg.NetTimeout, cfg.OutboxInterval, cfg.OutboxLease}
	want := got
	want.Workers, want.Settle, want.Backoff = 5, 2*time.Second, 5*time.Second
	want.CopyToSent, want.NetTimeout, want.OutboxPeriod = true, 30*time.Second, 15*time.Minute
	want.OutboxLease = time.Minute
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Load() defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFileEnvAndDotenv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "workers: 2\nsettle_delay: 500ms\ngoogle:\n  client_id: file-id\n"
	if err := os.WriteFile(path, []byte(yaml), 0600); err != nil {
		t.Fatal(err)
	}
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("MAILSYNC_ONLINE_ADDR=check.test:53\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("MAILSYNC_ONLINE_ADDR") })
	t.Setenv("MAILSYNC_WORKERS", "7")
	t.Setenv("MAILSYNC_GOOGLE_CLIENT_SECRET", "env-secret")

	cfg, err := Load(path, envFile)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.Workers != 7 {
		t.Errorf("Workers = %d, want 7 from the environment", cfg.Workers)
	}
	if cfg.SettleDelay != 500*time.Millisecond {
		t.Errorf("SettleDelay = %v, want 500ms from the file", cfg.SettleDelay)
	}
	if cfg.OnlineAddr != "check.test:53" {
		t.Errorf("OnlineAddr = %q, want %q from .env", cfg.OnlineAddr, "check.test:53")
	}
	want := Google{ClientID: "file-id", ClientSecret: "env-secret"}
	if diff := cmp.Diff(want, cfg.Google); diff != "" {
		t.Errorf("Google mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("workers: [\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path, filepath.Join(t.TempDir(), "none.env")); err == nil {
		t.Errorf("Load(broken) = nil error, want error")
	}
}
