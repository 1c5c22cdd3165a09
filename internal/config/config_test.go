package config

import (
	"strings"
	"testing"
)

func TestLoadOverridesDefaults(t *testing.T) {
	doc := `
epoch_count = 5
networks = ["ethereum", "solana", "tron"]
baseline_score = 0.42
`
	cfg, err := Load(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.EpochCount != 5 {
		t.Errorf("EpochCount = %d, want 5", cfg.EpochCount)
	}
	if cfg.BaselineScore != 0.42 {
		t.Errorf("BaselineScore = %v, want 0.42", cfg.BaselineScore)
	}
	// Untouched fields keep Default()'s values.
	if cfg.ProcessLimit != Default().ProcessLimit {
		t.Errorf("ProcessLimit = %d, want default %d", cfg.ProcessLimit, Default().ProcessLimit)
	}
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	_, err := Load(strings.NewReader(`not_a_real_option = true`))
	if err == nil {
		t.Fatal("expected error for unknown config key")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := Default()

	bad := base
	bad.EpochCount = 0
	if err := Validate(bad); err == nil {
		t.Error("expected error for epoch_count = 0")
	}

	bad = base
	bad.Networks = nil
	if err := Validate(bad); err == nil {
		t.Error("expected error for empty networks")
	}

	bad = base
	bad.ScheduleMode = "sometimes"
	if err := Validate(bad); err == nil {
		t.Error("expected error for invalid schedule_mode")
	}

	if err := Validate(base); err != nil {
		t.Errorf("Default() should validate cleanly, got %v", err)
	}
}
