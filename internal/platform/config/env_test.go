package config

import (
	"strings"
	"testing"
)

type envTestConfig struct {
	Port  int    `env:"LEDGERLINE_TEST_PORT" envDefault:"123"`
	Store string `env:"LEDGERLINE_TEST_STORE" envDefault:"sqlite"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envTestConfig

	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Port != 123 {
		t.Fatalf("expected default port 123, got %d", cfg.Port)
	}
	if cfg.Store != "sqlite" {
		t.Fatalf("expected default store sqlite, got %q", cfg.Store)
	}
}

func TestParseEnvError(t *testing.T) {
	var cfg envTestConfig
	t.Setenv("LEDGERLINE_TEST_PORT", "not-an-int")

	err := ParseEnv(&cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestOneOfNormalizes(t *testing.T) {
	got, err := OneOf("store", " Postgres ", "sqlite", "postgres")
	if err != nil {
		t.Fatalf("one of: %v", err)
	}
	if got != "postgres" {
		t.Fatalf("one of = %q, want %q", got, "postgres")
	}
}

func TestOneOfRejectsUnknownValue(t *testing.T) {
	_, err := OneOf("broker", "kafka", "redis", "memory")
	if err == nil {
		t.Fatal("expected error for unknown value")
	}
	if !strings.Contains(err.Error(), "broker must be one of [redis, memory]") {
		t.Fatalf("unexpected error: %v", err)
	}
}
