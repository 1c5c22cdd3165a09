package dataset

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeLines(t *testing.T, path string, lines []string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	for _, l := range lines {
		if _, err := f.WriteString(l + "\n"); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
}

func seedDatasetDir(t *testing.T, dir string) {
	t.Helper()
	writeLines(t, filepath.Join(dir, "transfers.jsonl"), []string{
		`{"from":"0xaaa","to":"0xbbb","asset":"ETH","amount":"1.5","block_time":"2026-01-01T00:00:00Z"}`,
		`{"from":"0xbbb","to":"0xccc","asset":"ETH","amount":"1.0","block_time":"2026-01-01T00:05:00Z"}`,
	})
	writeLines(t, filepath.Join(dir, "address_labels.jsonl"), []string{`{"address":"0xaaa","label":"exchange"}`})
	writeLines(t, filepath.Join(dir, "asset_prices.jsonl"), []string{`{"asset":"ETH","usd":3000.0}`})
	writeLines(t, filepath.Join(dir, "assets.jsonl"), []string{`{"symbol":"ETH","decimals":18}`})
	writeLines(t, filepath.Join(dir, "ground_truth.jsonl"), []string{`{"pattern_id":"gt-1"}`, `{"pattern_id":"gt-2"}`})
}

func TestLoadReadsAllArtifacts(t *testing.T) {
	dir := t.TempDir()
	seedDatasetDir(t, dir)

	testDate := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ds, err := Load(dir, "ethereum", testDate)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(ds.Transfers) != 2 {
		t.Fatalf("len(Transfers) = %d, want 2", len(ds.Transfers))
	}
	if ds.Transfers[0].From != "0xaaa" || ds.Transfers[0].To != "0xbbb" {
		t.Errorf("unexpected first transfer: %+v", ds.Transfers[0])
	}
	if len(ds.GroundTruthIDs) != 2 {
		t.Fatalf("len(GroundTruthIDs) = %d, want 2", len(ds.GroundTruthIDs))
	}
	if _, ok := ds.GroundTruthIDs["gt-1"]; !ok {
		t.Error("GroundTruthIDs missing gt-1")
	}
}

func TestLoadMissingArtifactFails(t *testing.T) {
	dir := t.TempDir()
	writeLines(t, filepath.Join(dir, "transfers.jsonl"), []string{`{"from":"a","to":"b","asset":"ETH","amount":"1","block_time":"2026-01-01T00:00:00Z"}`})
	// address_labels/asset_prices/assets deliberately omitted.

	if _, err := Load(dir, "ethereum", time.Now().UTC()); err == nil {
		t.Fatal("expected error for incomplete dataset directory")
	}
}

func TestLoadToleratesMissingGroundTruth(t *testing.T) {
	dir := t.TempDir()
	writeLines(t, filepath.Join(dir, "transfers.jsonl"), nil)
	writeLines(t, filepath.Join(dir, "address_labels.jsonl"), nil)
	writeLines(t, filepath.Join(dir, "asset_prices.jsonl"), nil)
	writeLines(t, filepath.Join(dir, "assets.jsonl"), nil)
	// no ground_truth.jsonl — this dataset is being prepared for a payload
	// run, not validator scoring.

	ds, err := Load(dir, "solana", time.Now().UTC())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(ds.GroundTruthIDs) != 0 {
		t.Errorf("GroundTruthIDs = %v, want empty", ds.GroundTruthIDs)
	}
}

func TestPathAndOutputPath(t *testing.T) {
	testDate := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	got := Path("/data", "ethereum", testDate, "full")
	want := filepath.Join("/data", "ethereum", "2026-03-04", "full")
	if got != want {
		t.Errorf("Path = %q, want %q", got, want)
	}

	gotOut := OutputPath("/out", "tourn-1", 3, "participant-x")
	wantOut := filepath.Join("/out", "tourn-1", "3", "participant-x")
	if gotOut != wantOut {
		t.Errorf("OutputPath = %q, want %q", gotOut, wantOut)
	}
}
