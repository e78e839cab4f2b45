package config

import (
	"strings"
	"testing"
)

type envTestConfig struct {
	Port   int    `env:"REWIND_TEST_PORT" envDefault:"7420"`
	RoomID string `env:"REWIND_TEST_ROOM"`
}

func TestParseEnv_Defaults(t *testing.T) {
	var cfg envTestConfig

	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Port != 7420 {
		t.Fatalf("Port = %d, want default 7420", cfg.Port)
	}
}

func TestParseEnv_ReadsValues(t *testing.T) {
	t.Setenv("REWIND_TEST_PORT", "9000")
	t.Setenv("REWIND_TEST_ROOM", "arena-1")

	var cfg envTestConfig
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Port != 9000 {
		t.Fatalf("Port = %d, want 9000", cfg.Port)
	}
	if cfg.RoomID != "arena-1" {
		t.Fatalf("RoomID = %q, want arena-1", cfg.RoomID)
	}
}

func TestParseEnv_Error(t *testing.T) {
	t.Setenv("REWIND_TEST_PORT", "not-an-int")

	var cfg envTestConfig
	err := ParseEnv(&cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}
