package server

import (
	"flag"
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("expected default http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.DBPath != "widgetchat.db" {
		t.Fatalf("expected default db path, got %q", cfg.DBPath)
	}
	if cfg.TokenTTL != 24*time.Hour {
		t.Fatalf("expected default token ttl, got %v", cfg.TokenTTL)
	}
	if cfg.Replay {
		t.Fatal("replay should default to off")
	}
}

func TestParseConfigEnvAndFlagOverrides(t *testing.T) {
	t.Setenv("WIDGETCHAT_HTTP_ADDR", "env:9000")
	t.Setenv("WIDGETCHAT_TOKEN_SECRET", "env-secret")
	t.Setenv("WIDGETCHAT_DEV_BYPASS_ORIGIN", "true")

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	args := []string{
		"-http-addr", "flag:9001",
		"-db", "flag.db",
		"-replay",
	}
	cfg, err := ParseConfig(fs, args)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != "flag:9001" {
		t.Fatalf("flags should win over env, got %q", cfg.HTTPAddr)
	}
	if cfg.TokenSecret != "env-secret" {
		t.Fatalf("expected env token secret, got %q", cfg.TokenSecret)
	}
	if !cfg.DevBypassOrigin {
		t.Fatal("expected env dev bypass")
	}
	if cfg.DBPath != "flag.db" || !cfg.Replay {
		t.Fatalf("expected flag overrides, got db=%q replay=%v", cfg.DBPath, cfg.Replay)
	}
}

func TestParseConfigRejectsUnknownFlag(t *testing.T) {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	if _, err := ParseConfig(fs, []string{"-no-such-flag"}); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}
