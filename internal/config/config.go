// Package config loads and validates the engine's configuration record
// (spec.md §6, §9 "Dynamic configuration with enumerated options").
// Configuration is a fixed record: every option is named, typed, and
// validated at load time, and any unrecognized TOML key is rejected — the
// same discipline the teacher applies to its own params/metrics config
// structs, implemented here with github.com/naoina/toml, whose decoder
// rejects unknown fields by default (the same library the teacher uses
// for its node/eth config files).
package config

import (
	"fmt"
	"io"
	"os"
	"reflect"

	"github.com/naoina/toml"

	"github.com/flowtrace/tourneyd/internal/errutil"
	"github.com/flowtrace/tourneyd/types"
)

// tomlSettings mirrors the teacher's node/eth TOML config loader: an
// unrecognized key in the document is a hard decode error rather than
// being silently ignored, which is what "any unknown key is rejected"
// (spec.md §9) requires.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string { return key },
	FieldToKey:    func(rt reflect.Type, field string) string { return field },
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field %q is not defined in %s", field, rt.String())
	},
}

// Default returns a configuration with the engine's documented defaults
// (spec.md §6), analogous to the teacher's metrics.DefaultConfig.
func Default() types.Config {
	return types.Config{
		SubmissionDurationSeconds: 3600,
		EpochCount:                1,
		EpochDurationSeconds:      3600,
		Networks:                  []string{"ethereum"},
		ScheduleMode:              types.ScheduleManual,
		FeatureTimeCapSeconds:     60,
		PatternTimeCapSeconds:     120,
		MemoryLimitBytes:          2 << 30, // 2 GiB
		CPUCores:                  1,
		ProcessLimit:              64,
		BaselineScore:             0.5,
		BaselineFeatureSeconds:    15,
		BaselinePatternSeconds:    50,
	}
}

// Load reads a TOML configuration document from r, starting from Default()
// so unset fields keep their documented defaults, then validates the
// result. An unrecognized key in the document is a decode error, surfaced
// as ConfigurationInvalid — same policy as the teacher's TOML-backed node
// config.
func Load(r io.Reader) (types.Config, error) {
	cfg := Default()
	if err := tomlSettings.NewDecoder(r).Decode(&cfg); err != nil {
		return types.Config{}, errutil.Wrap(errutil.ConfigurationInvalid, "decode config", err)
	}
	if err := Validate(cfg); err != nil {
		return types.Config{}, err
	}
	return cfg, nil
}

// LoadFile is a convenience wrapper around Load for a path on disk.
func LoadFile(path string) (types.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return types.Config{}, errutil.Wrap(errutil.ConfigurationInvalid, "open config file", err)
	}
	defer f.Close()
	return Load(f)
}

// Validate enforces the enumerated constraints of spec.md §6. A
// ConfigurationInvalid error here is fatal at startup — the orchestrator
// must refuse to start a tournament (spec.md §7).
func Validate(cfg types.Config) error {
	fail := func(msg string) error { return errutil.New(errutil.ConfigurationInvalid, msg) }

	switch {
	case cfg.SubmissionDurationSeconds < 1:
		return fail("submission_duration_seconds must be >= 1")
	case cfg.EpochCount < 1:
		return fail("epoch_count must be >= 1")
	case cfg.EpochDurationSeconds < 1:
		return fail("epoch_duration_seconds must be >= 1")
	case len(cfg.Networks) < 1:
		return fail("networks must have length >= 1")
	case cfg.ScheduleMode != types.ScheduleManual && cfg.ScheduleMode != types.ScheduleDaily:
		return fail("schedule_mode must be manual or daily")
	case cfg.FeatureTimeCapSeconds <= 0:
		return fail("feature_time_cap_seconds must be > 0")
	case cfg.PatternTimeCapSeconds <= 0:
		return fail("pattern_time_cap_seconds must be > 0")
	case cfg.MemoryLimitBytes <= 0:
		return fail("memory_limit_bytes must be > 0")
	case cfg.CPUCores <= 0:
		return fail("cpu_cores must be > 0")
	case cfg.ProcessLimit < 1:
		return fail("process_limit must be >= 1")
	}
	for _, n := range cfg.Networks {
		if n == "" {
			return fail("networks entries must be non-empty")
		}
	}
	return nil
}
