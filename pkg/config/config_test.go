package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "mashin.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
passphrase:
  env: MASHIN_TEST_PASSPHRASE
salt: YWJjZGVmZ2g=
store:
  path: ./mashin.db
policy:
  mode: enforcing
  paths:
    - ./policies
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Path != "./mashin.db" {
		t.Fatalf("unexpected store path: %s", cfg.Store.Path)
	}
	if cfg.Policy.Mode != "enforcing" {
		t.Fatalf("unexpected policy mode: %s", cfg.Policy.Mode)
	}

	salt, err := cfg.ResolveSalt()
	if err != nil {
		t.Fatalf("ResolveSalt: %v", err)
	}
	if string(salt) != "abcdefgh" {
		t.Fatalf("unexpected decoded salt: %q", salt)
	}
}

func TestLoadRejectsMissingPassphraseSource(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
salt: YWJjZGVmZ2g=
store:
  path: ./mashin.db
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing passphrase source")
	}
}

func TestLoadRejectsInvalidPolicyMode(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
passphrase:
  env: MASHIN_TEST_PASSPHRASE
salt: YWJjZGVmZ2g=
store:
  path: ./mashin.db
policy:
  mode: sometimes
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for invalid policy mode")
	}
}

func TestResolvePassphraseFromEnv(t *testing.T) {
	t.Setenv("MASHIN_TEST_PASSPHRASE", "correct-horse-battery-staple")
	dir := t.TempDir()
	path := writeConfig(t, dir, `
passphrase:
  env: MASHIN_TEST_PASSPHRASE
salt: YWJjZGVmZ2g=
store:
  path: ./mashin.db
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, err := cfg.ResolvePassphrase()
	if err != nil {
		t.Fatalf("ResolvePassphrase: %v", err)
	}
	if got != "correct-horse-battery-staple" {
		t.Fatalf("unexpected passphrase: %q", got)
	}
}

func TestResolvePassphraseFromFile(t *testing.T) {
	dir := t.TempDir()
	passFile := filepath.Join(dir, "pass.txt")
	if err := os.WriteFile(passFile, []byte("from-file-secret\n"), 0o600); err != nil {
		t.Fatalf("write passphrase file: %v", err)
	}
	path := writeConfig(t, dir, `
passphrase:
  file: `+passFile+`
salt: YWJjZGVmZ2g=
store:
  path: ./mashin.db
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, err := cfg.ResolvePassphrase()
	if err != nil {
		t.Fatalf("ResolvePassphrase: %v", err)
	}
	if got != "from-file-secret" {
		t.Fatalf("unexpected passphrase: %q", got)
	}
}

func TestResolveConnMaxLifetimeDefault(t *testing.T) {
	cfg := &Config{}
	d, err := cfg.ResolveConnMaxLifetime()
	if err != nil {
		t.Fatalf("ResolveConnMaxLifetime: %v", err)
	}
	if d.String() != "5m0s" {
		t.Fatalf("unexpected default: %s", d)
	}
}
