package queue

import (
	"bytes"
	"sort"
	"testing"
)

// memStore is a minimal in-memory rawStore fake for testing queue logic
// without a real Store/goleveldb instance.
type memStore struct {
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: map[string][]byte{}} }

func (m *memStore) PutRaw(key, value []byte) error {
	m.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (m *memStore) GetRaw(key []byte) ([]byte, bool, error) {
	v, ok := m.data[string(key)]
	return v, ok, nil
}

func (m *memStore) DeleteRaw(key []byte) error {
	delete(m.data, string(key))
	return nil
}

func (m *memStore) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	var keys []string
	for k := range m.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn([]byte(k), m.data[k]); err != nil {
			return err
		}
	}
	return nil
}

func TestEnqueueDedupesBySubmissionAndEpoch(t *testing.T) {
	q := New(newMemStore())
	job := Job{SubmissionID: "t1/alice", TournamentID: "t1", ParticipantID: "alice", EpochNumber: 0}

	if err := q.Enqueue(job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(job); err != nil {
		t.Fatalf("Enqueue (dup): %v", err)
	}

	pending, err := q.PendingForTournament("t1")
	if err != nil {
		t.Fatalf("PendingForTournament: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("len(pending) = %d, want 1 (dedupe)", len(pending))
	}
}

func TestClaimReturnsStableOrderByEpochThenSubmission(t *testing.T) {
	q := New(newMemStore())
	jobs := []Job{
		{SubmissionID: "t1/bob", TournamentID: "t1", EpochNumber: 0},
		{SubmissionID: "t1/alice", TournamentID: "t1", EpochNumber: 0},
		{SubmissionID: "t1/alice", TournamentID: "t1", EpochNumber: 1},
	}
	for _, j := range jobs {
		if err := q.Enqueue(j); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	first, ok, err := q.Claim()
	if err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}
	if first.SubmissionID != "t1/alice" || first.EpochNumber != 0 {
		t.Fatalf("first claim = %+v, want epoch 0 / alice first", first)
	}
}

func TestClaimSkipsFinishedJobs(t *testing.T) {
	q := New(newMemStore())
	job := Job{SubmissionID: "t1/alice", TournamentID: "t1", EpochNumber: 0}
	if err := q.Enqueue(job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed, ok, err := q.Claim()
	if err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}
	if err := q.Finish(claimed); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	_, ok, err = q.Claim()
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if ok {
		t.Fatal("expected no claimable jobs after the only job finished")
	}
}

func TestRequeueMakesAJobClaimableAgain(t *testing.T) {
	q := New(newMemStore())
	job := Job{SubmissionID: "t1/alice", TournamentID: "t1", EpochNumber: 0}
	if err := q.Enqueue(job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed, _, err := q.Claim()
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := q.Requeue(claimed); err != nil {
		t.Fatalf("Requeue: %v", err)
	}

	pending, err := q.PendingForTournament("t1")
	if err != nil {
		t.Fatalf("PendingForTournament: %v", err)
	}
	if len(pending) != 1 || pending[0].Status != JobQueued {
		t.Fatalf("pending = %+v, want one queued job", pending)
	}
}

func TestFinishIsIdempotent(t *testing.T) {
	q := New(newMemStore())
	job := Job{SubmissionID: "t1/alice", TournamentID: "t1", EpochNumber: 0}
	if err := q.Enqueue(job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed, _, _ := q.Claim()
	if err := q.Finish(claimed); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := q.Finish(claimed); err != nil {
		t.Fatalf("Finish (idempotent repeat): %v", err)
	}
}
