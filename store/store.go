// Package store implements the Tournament State Store (spec.md §4.6): a
// transactional store holding tournaments, submissions, evaluation runs,
// and aggregated results. Grounded on the teacher's tosdb/leveldb wrapper
// idiom (a thin Database struct embedding *goleveldb/leveldb.DB, per
// tosdb/leveldb/leveldb_test.go) and github.com/syndtr/goleveldb, a direct
// teacher dependency. goleveldb has no built-in multi-key transactions, so
// "ACID" here is implemented the same way the teacher's own KeyValueStore
// contract implies: a process-wide mutex serializes all mutations, and
// every multi-key write goes through a single leveldb.Batch committed with
// one db.Write call, making it atomic on disk even without a true
// transaction manager. github.com/cenkalti/backoff/v4 (a teacher
// dependency) wraps each commit for the bounded-retry policy spec.md §7
// assigns to StorePersistenceFailed.
package store

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/flowtrace/tourneyd/internal/errutil"
	"github.com/flowtrace/tourneyd/internal/metrics"
	"github.com/flowtrace/tourneyd/types"
)

// Key prefixes partition the single keyspace into the four logical tables
// of spec.md §6 "Persisted state layout".
const (
	prefixTournament = "tournament/"
	prefixEpochIndex = "epoch/" // epoch_number -> tournament_id, enforces uniqueness
	prefixSubmission = "submission/"
	prefixRun        = "run/"
	prefixResult     = "result/"
)

// Store is the engine's single transactional state store.
type Store struct {
	db      *leveldb.DB
	mu      sync.Mutex // serializes all mutations; goleveldb has no multi-key txn primitive
	metrics *metrics.Registry
}

// Open opens (or creates) a LevelDB-backed Store at path.
func Open(path string, reg *metrics.Registry) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errutil.Wrap(errutil.StorePersistenceFailed, "open store at "+path, err)
	}
	return &Store{db: db, metrics: reg}, nil
}

// Close releases the underlying LevelDB handle.
func (s *Store) Close() error { return s.db.Close() }

// retry wraps a commit with the bounded-backoff policy spec.md §7 assigns
// to transient store failures.
func (s *Store) retry(op func() error) error {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if attempt > 1 && s.metrics != nil {
			s.metrics.StoreRetries.Inc()
		}
		return op()
	}, policy)
	if err != nil {
		return errutil.Wrap(errutil.StorePersistenceFailed, "persistent store failure after retries", err)
	}
	return nil
}

func tournamentKey(id string) []byte       { return []byte(prefixTournament + id) }
func epochKey(epoch int64) []byte          { return []byte(fmt.Sprintf("%s%020d", prefixEpochIndex, epoch)) }
func submissionKey(tournamentID, participantID string) []byte {
	return []byte(prefixSubmission + tournamentID + "/" + participantID)
}
func runKey(submissionID string, epoch int64) []byte {
	return []byte(fmt.Sprintf("%s%s#%020d", prefixRun, submissionID, epoch))
}
func resultKey(tournamentID, participantID string) []byte {
	return []byte(prefixResult + tournamentID + "/" + participantID)
}

// CreateTournament persists a new tournament record. It enforces two
// store-layer invariants from spec.md §4.6 and §3: epoch numbers are
// unique across all tournaments, and at most one tournament is in a
// non-terminal status at a time.
func (s *Store) CreateTournament(t types.Tournament) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Get(epochKey(t.EpochNumber), nil); err == nil {
		return errutil.New(errutil.StorePersistenceFailed, fmt.Sprintf("epoch_number %d already in use", t.EpochNumber))
	} else if err != leveldb.ErrNotFound {
		return errutil.Wrap(errutil.StorePersistenceFailed, "check epoch uniqueness", err)
	}

	nonTerminal, err := s.hasNonTerminalTournamentLocked()
	if err != nil {
		return err
	}
	if nonTerminal {
		return errutil.New(errutil.StorePersistenceFailed, "a tournament is already in a non-terminal status")
	}

	raw, err := json.Marshal(t)
	if err != nil {
		return errutil.Wrap(errutil.StorePersistenceFailed, "marshal tournament", err)
	}

	return s.retry(func() error {
		batch := new(leveldb.Batch)
		batch.Put(tournamentKey(t.ID), raw)
		batch.Put(epochKey(t.EpochNumber), []byte(t.ID))
		return s.db.Write(batch, nil)
	})
}

func (s *Store) hasNonTerminalTournamentLocked() (bool, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixTournament)), nil)
	defer iter.Release()
	for iter.Next() {
		var t types.Tournament
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			return false, errutil.Wrap(errutil.StorePersistenceFailed, "decode tournament during scan", err)
		}
		if t.Status != types.StatusCompleted && t.Status != types.StatusFailed {
			return true, nil
		}
	}
	return false, iter.Error()
}

// AdvanceTournament transitions a tournament to `to`, rejecting any
// transition not in the directed graph of spec.md §3.
func (s *Store) AdvanceTournament(id string, to types.TournamentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.getTournamentLocked(id)
	if err != nil {
		return err
	}
	if !types.CanTransition(t.Status, to) {
		return errutil.New(errutil.StorePersistenceFailed, fmt.Sprintf("illegal transition %s -> %s", t.Status, to))
	}
	t.Status = to

	raw, err := json.Marshal(t)
	if err != nil {
		return errutil.Wrap(errutil.StorePersistenceFailed, "marshal tournament", err)
	}
	return s.retry(func() error { return s.db.Put(tournamentKey(id), raw, nil) })
}

func (s *Store) getTournamentLocked(id string) (types.Tournament, error) {
	raw, err := s.db.Get(tournamentKey(id), nil)
	if err != nil {
		return types.Tournament{}, errutil.Wrap(errutil.StorePersistenceFailed, "read tournament "+id, err)
	}
	var t types.Tournament
	if err := json.Unmarshal(raw, &t); err != nil {
		return types.Tournament{}, errutil.Wrap(errutil.StorePersistenceFailed, "decode tournament "+id, err)
	}
	return t, nil
}

// GetTournament reads a tournament by id.
func (s *Store) GetTournament(id string) (types.Tournament, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getTournamentLocked(id)
}

// PutSubmission creates or updates a submission. The (tournament_id,
// participant_id) pair is the store-level uniqueness key (spec.md §3).
func (s *Store) PutSubmission(sub types.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.Marshal(sub)
	if err != nil {
		return errutil.Wrap(errutil.StorePersistenceFailed, "marshal submission", err)
	}
	return s.retry(func() error { return s.db.Put(submissionKey(sub.TournamentID, sub.ParticipantID), raw, nil) })
}

// ListSubmissions returns every submission for a tournament.
func (s *Store) ListSubmissions(tournamentID string) ([]types.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixSubmission+tournamentID+"/")), nil)
	defer iter.Release()

	var subs []types.Submission
	for iter.Next() {
		var sub types.Submission
		if err := json.Unmarshal(iter.Value(), &sub); err != nil {
			return nil, errutil.Wrap(errutil.StorePersistenceFailed, "decode submission", err)
		}
		subs = append(subs, sub)
	}
	return subs, iter.Error()
}

// CreateRun persists a new evaluation run. The (submission_id,
// epoch_number) pair is unique (spec.md §4.6).
func (s *Store) CreateRun(run types.EvaluationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := runKey(run.SubmissionID, run.EpochNumber)
	if _, err := s.db.Get(key, nil); err == nil {
		return errutil.New(errutil.StorePersistenceFailed, "run "+run.Key()+" already exists")
	} else if err != leveldb.ErrNotFound {
		return errutil.Wrap(errutil.StorePersistenceFailed, "check run uniqueness", err)
	}

	raw, err := json.Marshal(run)
	if err != nil {
		return errutil.Wrap(errutil.StorePersistenceFailed, "marshal run", err)
	}
	return s.retry(func() error { return s.db.Put(key, raw, nil) })
}

// UpdateRun overwrites an existing run's record with its final result.
func (s *Store) UpdateRun(run types.EvaluationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.Marshal(run)
	if err != nil {
		return errutil.Wrap(errutil.StorePersistenceFailed, "marshal run", err)
	}
	return s.retry(func() error { return s.db.Put(runKey(run.SubmissionID, run.EpochNumber), raw, nil) })
}

// ListRuns returns every run belonging to the given submission.
func (s *Store) ListRuns(submissionID string) ([]types.EvaluationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixRun+submissionID+"#")), nil)
	defer iter.Release()

	var runs []types.EvaluationRun
	for iter.Next() {
		var r types.EvaluationRun
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return nil, errutil.Wrap(errutil.StorePersistenceFailed, "decode run", err)
		}
		runs = append(runs, r)
	}
	return runs, iter.Error()
}

// ListAllRunsForTournament scans every submission's runs for a tournament.
// The orchestrator's aggregation step reads runs per submission with
// ListRuns instead.
func (s *Store) ListAllRunsForTournament(tournamentID string) ([]types.EvaluationRun, error) {
	subs, err := s.ListSubmissions(tournamentID)
	if err != nil {
		return nil, err
	}
	var all []types.EvaluationRun
	for _, sub := range subs {
		runs, err := s.ListRuns(sub.Key())
		if err != nil {
			return nil, err
		}
		all = append(all, runs...)
	}
	return all, nil
}

// PersistResults writes every TournamentResult for a tournament in one
// batch — "Ranking writes are all-or-nothing per tournament" (spec.md
// §4.6).
func (s *Store) PersistResults(tournamentID string, results []types.TournamentResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(leveldb.Batch)
	for _, r := range results {
		raw, err := json.Marshal(r)
		if err != nil {
			return errutil.Wrap(errutil.StorePersistenceFailed, "marshal result", err)
		}
		batch.Put(resultKey(tournamentID, r.ParticipantID), raw)
	}
	return s.retry(func() error { return s.db.Write(batch, nil) })
}

// PutRaw, GetRaw, DeleteRaw, and IteratePrefix expose the Store's
// key-value primitives for queue, the only other component that persists
// state atop this engine (spec.md §4.7: "Inter-task communication is by
// durable job queue"). Keys must not collide with the prefixes above.
func (s *Store) PutRaw(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retry(func() error { return s.db.Put(key, value, nil) })
}

// GetRaw returns (nil, false, nil) if key is absent.
func (s *Store) GetRaw(key []byte) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errutil.Wrap(errutil.StorePersistenceFailed, "get raw key", err)
	}
	return v, true, nil
}

func (s *Store) DeleteRaw(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retry(func() error { return s.db.Delete(key, nil) })
}

// IteratePrefix calls fn for every key/value pair under prefix, in key
// order. Iteration stops at the first error fn returns.
func (s *Store) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

// ListResults returns every aggregated result for a tournament.
func (s *Store) ListResults(tournamentID string) ([]types.TournamentResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixResult+tournamentID+"/")), nil)
	defer iter.Release()

	var results []types.TournamentResult
	for iter.Next() {
		var r types.TournamentResult
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return nil, errutil.Wrap(errutil.StorePersistenceFailed, "decode result", err)
		}
		results = append(results, r)
	}
	return results, iter.Error()
}
