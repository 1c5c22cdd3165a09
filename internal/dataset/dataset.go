// Package dataset reads the read-only known-answer dataset directories the
// orchestrator feeds to each sandboxed run (spec.md §3 Dataset, §6 "On-disk
// dataset layout"). Every artifact is newline-delimited JSON — one JSON
// object per line. No example repo in the retrieval pack grounds a
// tabular/CSV/parquet reader for this kind of concern (they all work with
// RLP-encoded state tries or protobuf wire types instead), so this is a
// deliberate, documented stdlib choice: encoding/json plus bufio.Scanner,
// mirroring the json.Marshal/Unmarshal idiom the pack's own orchestrator
// reference code uses for ad hoc record payloads.
package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Transfer is one row of the transfers table (spec.md §4.3).
type Transfer struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Asset     string    `json:"asset"`
	Amount    string    `json:"amount"`
	BlockTime time.Time `json:"block_time"`
}

// Dataset is an immutable directory for one (network, test_date) pair
// (spec.md §3). GroundTruthIDs is validator-only and never exposed to the
// sandboxed payload.
type Dataset struct {
	Network        string
	TestDate       time.Time
	Dir            string
	Transfers      []Transfer
	GroundTruthIDs map[string]struct{}
}

// Load reads every dataset artifact from dir. AddressLabels, AssetPrices,
// and Assets are validated for presence (the sandbox payload consumes them
// directly from disk; the core only needs transfers and ground_truth).
func Load(dir, network string, testDate time.Time) (*Dataset, error) {
	for _, required := range []string{"transfers", "address_labels", "asset_prices", "assets"} {
		if _, err := os.Stat(filepath.Join(dir, required+".jsonl")); err != nil {
			return nil, fmt.Errorf("dataset %s: missing artifact %s: %w", dir, required, err)
		}
	}

	transfers, err := readTransfers(filepath.Join(dir, "transfers.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", dir, err)
	}

	gt, err := readGroundTruthIDs(filepath.Join(dir, "ground_truth.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", dir, err)
	}

	return &Dataset{
		Network:        network,
		TestDate:       testDate,
		Dir:            dir,
		Transfers:      transfers,
		GroundTruthIDs: gt,
	}, nil
}

func readTransfers(path string) ([]Transfer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows []Transfer
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var t Transfer
		if err := json.Unmarshal(line, &t); err != nil {
			return nil, fmt.Errorf("decode transfer: %w", err)
		}
		rows = append(rows, t)
	}
	return rows, sc.Err()
}

// groundTruthRow is one row of the validator-only ground_truth artifact.
type groundTruthRow struct {
	PatternID string `json:"pattern_id"`
}

func readGroundTruthIDs(path string) (map[string]struct{}, error) {
	f, err := os.Open(path)
	if err != nil {
		// ground_truth is validator-only; its absence from an on-disk
		// dataset built for a payload run (rather than validator scoring)
		// is not an error — GroundTruthIDs is then an empty set.
		if os.IsNotExist(err) {
			return map[string]struct{}{}, nil
		}
		return nil, err
	}
	defer f.Close()

	ids := map[string]struct{}{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var row groundTruthRow
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, fmt.Errorf("decode ground_truth row: %w", err)
		}
		ids[row.PatternID] = struct{}{}
	}
	return ids, sc.Err()
}

// Path returns the canonical on-disk path for a dataset directory, per
// spec.md §6: …/{network}/{YYYY-MM-DD}/{window}/.
func Path(root, network string, testDate time.Time, window string) string {
	return filepath.Join(root, network, testDate.Format("2006-01-02"), window)
}

// OutputPath returns the canonical on-disk path for a run's output
// artifacts, per spec.md §6: …/{tournament_id}/{epoch_number}/{participant_id}/.
func OutputPath(root, tournamentID string, epochNumber int64, participantID string) string {
	return filepath.Join(root, tournamentID, fmt.Sprintf("%d", epochNumber), participantID)
}
