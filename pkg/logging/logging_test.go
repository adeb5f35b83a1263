package logging

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestSetupAppliesLevel(t *testing.T) {
	Setup("debug")
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("level = %s, want debug", zerolog.GlobalLevel())
	}
	Setup("error")
	if zerolog.GlobalLevel() != zerolog.ErrorLevel {
		t.Fatalf("level = %s, want error", zerolog.GlobalLevel())
	}
}

func TestSetupFallsBackToInfo(t *testing.T) {
	Setup("nonsense")
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Fatalf("level = %s, want info fallback", zerolog.GlobalLevel())
	}
}
