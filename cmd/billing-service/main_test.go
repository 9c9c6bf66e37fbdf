package main

import (
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/billing/internal/app"
)

func mapLookup(values map[string]string) app.EnvLookup {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]log.Level{
		"":        log.InfoLevel,
		"debug":   log.DebugLevel,
		" WARN ":  log.WarnLevel,
		"verbose": log.InfoLevel,
	}
	for raw, want := range cases {
		got := parseLogLevel(mapLookup(map[string]string{envLogLevel: raw}))
		if got != want {
			t.Fatalf("level %q: expected %s, got %s", raw, want, got)
		}
	}
	if got := parseLogLevel(mapLookup(nil)); got != log.InfoLevel {
		t.Fatalf("missing level: expected info, got %s", got)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	cfg := loadConfig(mapLookup(map[string]string{
		app.EnvHTTPAddr:          "127.0.0.1:8088",
		app.EnvAllowMockProvider: "yes",
		app.EnvOutboxBatchSize:   "not-a-number",
	}))

	if cfg.HTTPAddr != "127.0.0.1:8088" {
		t.Fatalf("unexpected http addr: %s", cfg.HTTPAddr)
	}
	if !cfg.AllowMockProvider {
		t.Fatal("expected mock provider to be allowed")
	}
	if cfg.OutboxBatchSize != app.DefaultConfig().OutboxBatchSize {
		t.Fatalf("invalid batch size must keep default, got %d", cfg.OutboxBatchSize)
	}
}
