package logging

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"DEBUG":   zerolog.DebugLevel,
		" info ":  zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
	}
	for raw, want := range cases {
		got, ok := ParseLevel(raw)
		if !ok || got != want {
			t.Fatalf("ParseLevel(%q) = %v,%v want %v", raw, got, ok, want)
		}
	}
	if _, ok := ParseLevel("loud"); ok {
		t.Fatalf("expected unknown level to be rejected")
	}
	if _, ok := ParseLevel(""); ok {
		t.Fatalf("expected empty level to be rejected")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogTimestamp, "true")
	t.Setenv(EnvLogJSON, "1")
	t.Setenv(EnvLogNoColor, "nope")

	cfg := defaultConfig(ProfileTest)
	applyEnvOverrides(&cfg)
	if cfg.Level != zerolog.ErrorLevel {
		t.Fatalf("level=%v", cfg.Level)
	}
	if !cfg.Timestamp || !cfg.JSON {
		t.Fatalf("expected timestamp and json enabled: %+v", cfg)
	}
	if !cfg.NoColor {
		t.Fatalf("invalid bool override should keep test default NoColor=true")
	}
}
