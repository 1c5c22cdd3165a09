// Package validate implements the Output Validator (spec.md §4.2): schema,
// row, and type checks on the two artifacts a sandboxed payload must
// produce. Grounded on the teacher's own params-validation idiom (plain Go
// structs walked field-by-field, classified errors on the first violation)
// rather than a generic schema-validation library — no example repo in the
// pack imports one, and the schema here is fixed and small enough that a
// reflection-free hand check is the idiomatic fit.
package validate

import (
	"encoding/json"
	"fmt"

	"github.com/flowtrace/tourneyd/internal/errutil"
)

// PatternType enumerates the allowed values of a reported pattern's type
// (spec.md §4.2).
type PatternType string

const (
	PatternCycle            PatternType = "cycle"
	PatternLayeringPath     PatternType = "layering_path"
	PatternSmurfingNetwork  PatternType = "smurfing_network"
	PatternProximityRisk    PatternType = "proximity_risk"
	PatternMotifFanin       PatternType = "motif_fanin"
	PatternMotifFanout      PatternType = "motif_fanout"
	PatternTemporalBurst    PatternType = "temporal_burst"
	PatternThresholdEvasion PatternType = "threshold_evasion"
)

var validPatternTypes = map[PatternType]struct{}{
	PatternCycle: {}, PatternLayeringPath: {}, PatternSmurfingNetwork: {},
	PatternProximityRisk: {}, PatternMotifFanin: {}, PatternMotifFanout: {},
	PatternTemporalBurst: {}, PatternThresholdEvasion: {},
}

// FeatureRow is one row of the features artifact. Address is the primary
// key; Values holds the declared feature columns as raw numeric payloads.
type FeatureRow struct {
	Address string             `json:"address"`
	Values  map[string]float64 `json:"values"`
}

// PatternRow is one row of the patterns artifact.
type PatternRow struct {
	PatternID     string      `json:"pattern_id"`
	PatternType   PatternType `json:"pattern_type"`
	AddressPath   []string    `json:"address_path"`
	HopTimestamps []int64     `json:"hop_timestamps,omitempty"`
}

// Result is the Output Validator's verdict (spec.md §4.2: FeatureValidity
// ∈ {valid, invalid}). Patterns referencing an address absent from Features
// are dropped from Patterns rather than failing the whole run — only
// feature-table integrity is a hard gate.
type Result struct {
	FeaturesValid bool
	Features      []FeatureRow
	Patterns      []PatternRow
}

// DeclaredSchema names the feature columns a tournament's payloads must
// produce, injected by the orchestrator from the run's configuration.
type DeclaredSchema struct {
	FeatureColumns []string
}

// Features parses and validates the features.jsonl artifact. Required: all
// declared columns present with numeric values, non-empty, no null/empty
// primary keys, no duplicate primary keys (spec.md §4.2).
func Features(raw [][]byte, schema DeclaredSchema) ([]FeatureRow, error) {
	if len(raw) == 0 {
		return nil, errutil.New(errutil.OutputSchemaInvalid, "features artifact is empty")
	}

	seen := make(map[string]struct{}, len(raw))
	rows := make([]FeatureRow, 0, len(raw))
	for i, line := range raw {
		var row FeatureRow
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, errutil.Wrap(errutil.OutputSchemaInvalid, fmt.Sprintf("features row %d: decode", i), err)
		}
		if row.Address == "" {
			return nil, errutil.New(errutil.OutputSchemaInvalid, fmt.Sprintf("features row %d: empty primary key", i))
		}
		if _, dup := seen[row.Address]; dup {
			return nil, errutil.New(errutil.OutputSchemaInvalid, fmt.Sprintf("features row %d: duplicate primary key %q", i, row.Address))
		}
		seen[row.Address] = struct{}{}

		for _, col := range schema.FeatureColumns {
			if _, ok := row.Values[col]; !ok {
				return nil, errutil.New(errutil.OutputSchemaInvalid, fmt.Sprintf("features row %d (%s): missing column %q", i, row.Address, col))
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Patterns parses the patterns.jsonl artifact and drops rows that fail
// structural validation (bad pattern_type, short address_path, or an
// address not present in features) rather than invalidating the run —
// spec.md §4.2 makes only feature-table integrity a hard gate.
func Patterns(raw [][]byte, features []FeatureRow) []PatternRow {
	known := make(map[string]struct{}, len(features))
	for _, f := range features {
		known[f.Address] = struct{}{}
	}

	rows := make([]PatternRow, 0, len(raw))
	for _, line := range raw {
		var row PatternRow
		if err := json.Unmarshal(line, &row); err != nil {
			continue
		}
		if _, ok := validPatternTypes[row.PatternType]; !ok {
			continue
		}
		if len(row.AddressPath) < 2 {
			continue
		}
		allKnown := true
		for _, addr := range row.AddressPath {
			if _, ok := known[addr]; !ok {
				allKnown = false
				break
			}
		}
		if !allKnown {
			continue
		}
		rows = append(rows, row)
	}
	return rows
}

// TimingReport is the payload's self-reported per-phase wall-clock split
// (spec.md §4.4 "measured_feature_time"/"measured_pattern_time"). The
// sandbox only measures total wall-clock externally (spec.md §4.1): a
// single container performs both phases as one opaque binary, so there is
// no external way to split that total between the feature and pattern
// phases other than asking the payload itself. Optional third output
// artifact, timing.jsonl; orchestrator.resolvePhaseTiming charges the full
// externally measured wall time for any reported value that is negative
// or exceeds it. A value within [0, wall] is used as reported.
type TimingReport struct {
	FeatureSeconds float64 `json:"feature_seconds"`
	PatternSeconds float64 `json:"pattern_seconds"`
}

// ParseTimingReport decodes a single-line timing.jsonl artifact. ok is
// false if raw is empty or malformed, in which case the caller should fall
// back to a distrustful default rather than fail the run — timing.jsonl is
// optional.
func ParseTimingReport(raw []byte) (TimingReport, bool) {
	if len(raw) == 0 {
		return TimingReport{}, false
	}
	var t TimingReport
	if err := json.Unmarshal(raw, &t); err != nil {
		return TimingReport{}, false
	}
	return t, true
}

// Run validates both artifacts, producing the run's full Result. A features
// error yields FeaturesValid=false and an empty Patterns slice — the
// three-gate cascade of score.Final zeroes the run regardless of patterns.
func Run(featuresRaw, patternsRaw [][]byte, schema DeclaredSchema) Result {
	features, err := Features(featuresRaw, schema)
	if err != nil {
		return Result{FeaturesValid: false}
	}
	patterns := Patterns(patternsRaw, features)
	return Result{FeaturesValid: true, Features: features, Patterns: patterns}
}
