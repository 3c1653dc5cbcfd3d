package config_test

import (
	"testing"

	"github.com/muscleserver/muscle/config"
)

func TestParseDefaultsToDefaultPort(t *testing.T) {
	cfg, err := config.Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Listeners) != 1 || cfg.Listeners[0].Port != config.DefaultPort {
		t.Fatalf("expected default listener on port %d, got %v", config.DefaultPort, cfg.Listeners)
	}
}

func TestParseRepeatablePortAndListen(t *testing.T) {
	cfg, err := config.Parse([]string{"port=2960", "port=3000", "listen=127.0.0.1:4000"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Listeners) != 3 {
		t.Fatalf("expected 3 listeners, got %v", cfg.Listeners)
	}
	if cfg.Listeners[2].Host != "127.0.0.1" || cfg.Listeners[2].Port != 4000 {
		t.Fatalf("unexpected listen entry: %v", cfg.Listeners[2])
	}
}

func TestParseRatesAndSizes(t *testing.T) {
	cfg, err := config.Parse([]string{"maxmessagesize=64", "maxsendrate=12.5", "maxcombinedrate=1"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.MaxMessageSize != 64*1024 {
		t.Fatalf("expected 64KiB, got %d", cfg.MaxMessageSize)
	}
	if cfg.MaxSendRate != uint32(12.5*1024) {
		t.Fatalf("expected fractional KB/s rate, got %d", cfg.MaxSendRate)
	}
	if cfg.MaxCombinedRate != 1024 {
		t.Fatalf("expected 1024 B/s, got %d", cfg.MaxCombinedRate)
	}
}

func TestParseBansRequiresAndPrivs(t *testing.T) {
	cfg, err := config.Parse([]string{
		"ban=192.168.*.*", "ban=10.*.*.*",
		"require=172.16.*.*",
		"privall=127.0.0.1", "privkick=10.0.0.1",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Bans) != 2 || len(cfg.Requires) != 1 {
		t.Fatalf("unexpected ban/require counts: %v %v", cfg.Bans, cfg.Requires)
	}
	if len(cfg.Privs) != 2 {
		t.Fatalf("expected 2 priv grants, got %v", cfg.Privs)
	}
}

func TestParseRemap(t *testing.T) {
	cfg, err := config.Parse([]string{"remap=192.168.0.1=132.239.50.8"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Remaps) != 1 || cfg.Remaps[0].From != "192.168.0.1" || cfg.Remaps[0].To != "132.239.50.8" {
		t.Fatalf("unexpected remap: %v", cfg.Remaps)
	}
}

func TestParseHelpShortCircuits(t *testing.T) {
	cfg, err := config.Parse([]string{"help", "port=badvalue"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !cfg.Help {
		t.Fatal("expected Help to be set")
	}
}

func TestParseRejectsMalformedArgument(t *testing.T) {
	if _, err := config.Parse([]string{"=novalue"}); err == nil {
		t.Fatal("expected an error for an empty key")
	}
}

func TestParseRejectsBadPort(t *testing.T) {
	if _, err := config.Parse([]string{"port=notanumber"}); err == nil {
		t.Fatal("expected an error for a non-numeric port")
	}
}
