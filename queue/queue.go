// Package queue implements the durable job queue spec.md §4.7 requires
// for inter-task communication between the Orchestrator and the worker
// pool that runs individual evaluation tasks: at-least-once delivery, with
// idempotent task bodies deduped by (submission_id, epoch_number). Rather
// than introduce a separate broker dependency, the queue is built directly
// atop store.Store's raw key-value primitives — the same "durable queue as
// a table in the existing store" idiom the teacher applies to its own
// txpool (a pending-transaction set backed by the node's own state, not an
// external MQ).
package queue

import (
	"encoding/json"
	"sort"
	"strconv"

	"github.com/flowtrace/tourneyd/internal/errutil"
	"github.com/flowtrace/tourneyd/types"
)

// rawStore is the subset of store.Store's surface the queue needs,
// narrowed to an interface so tests can substitute an in-memory fake.
type rawStore interface {
	PutRaw(key, value []byte) error
	GetRaw(key []byte) ([]byte, bool, error)
	DeleteRaw(key []byte) error
	IteratePrefix(prefix []byte, fn func(key, value []byte) error) error
}

const keyPrefix = "queue/job/"

// JobStatus is a job's delivery state.
type JobStatus string

const (
	JobQueued   JobStatus = "queued"
	JobClaimed  JobStatus = "claimed"
	JobFinished JobStatus = "finished"
)

// Job is one unit of evaluation work: run submission SubmissionID against
// epoch EpochNumber. The (SubmissionID, EpochNumber) pair is the
// idempotence dedupe key spec.md §5 requires.
type Job struct {
	SubmissionID  string
	TournamentID  string
	ParticipantID string
	EpochNumber   int64
	Network       string
	Status        JobStatus
}

func (j Job) dedupeKey() string { return j.SubmissionID + "#" + strconv.FormatInt(j.EpochNumber, 10) }

func jobKey(dedupeKey string) []byte { return []byte(keyPrefix + dedupeKey) }

// Queue is a durable, at-least-once job queue persisted in a Store.
type Queue struct {
	store rawStore
}

// New wraps a store (production: *store.Store; tests: any rawStore fake).
func New(s rawStore) *Queue { return &Queue{store: s} }

// Enqueue adds a job, deduped by (submission_id, epoch_number). Enqueuing
// a job that already exists (queued, claimed, or finished) is a no-op —
// this is what makes redelivery after a crash safe: the orchestrator can
// always re-enqueue without creating a duplicate task body.
func (q *Queue) Enqueue(job Job) error {
	key := jobKey(job.dedupeKey())
	if _, exists, err := q.store.GetRaw(key); err != nil {
		return err
	} else if exists {
		return nil
	}
	job.Status = JobQueued
	raw, err := json.Marshal(job)
	if err != nil {
		return errutil.Wrap(errutil.StorePersistenceFailed, "marshal queued job", err)
	}
	return q.store.PutRaw(key, raw)
}

// Claim atomically (from the caller's perspective — queue.Queue is not
// itself concurrency-safe across processes, matching spec.md §4.7's
// "effective concurrency = 1 per tournament by contract") returns the
// queued job with the lowest (epoch_number, submission id) and marks it
// claimed. ok is false if no job is queued.
// A claimed job not Finished before the process dies is redelivered by a
// subsequent Requeue call — at-least-once, never silently dropped.
func (q *Queue) Claim() (Job, bool, error) {
	var candidates []Job
	err := q.store.IteratePrefix([]byte(keyPrefix), func(_, value []byte) error {
		var j Job
		if err := json.Unmarshal(value, &j); err != nil {
			return errutil.Wrap(errutil.StorePersistenceFailed, "decode queued job", err)
		}
		if j.Status == JobQueued {
			candidates = append(candidates, j)
		}
		return nil
	})
	if err != nil {
		return Job{}, false, err
	}
	if len(candidates) == 0 {
		return Job{}, false, nil
	}

	// Stable order by epoch then submission id, per spec.md §4.7 "within
	// an epoch, submissions evaluated in a stable order (by submission id)".
	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].EpochNumber != candidates[k].EpochNumber {
			return candidates[i].EpochNumber < candidates[k].EpochNumber
		}
		return candidates[i].SubmissionID < candidates[k].SubmissionID
	})

	job := candidates[0]
	job.Status = JobClaimed
	raw, err := json.Marshal(job)
	if err != nil {
		return Job{}, false, errutil.Wrap(errutil.StorePersistenceFailed, "marshal claimed job", err)
	}
	if err := q.store.PutRaw(jobKey(job.dedupeKey()), raw); err != nil {
		return Job{}, false, err
	}
	return job, true, nil
}

// Finish marks a job done. It is idempotent: finishing an already-finished
// job is a no-op, which is what lets the orchestrator retry Finish after a
// crash without error.
func (q *Queue) Finish(job Job) error {
	job.Status = JobFinished
	raw, err := json.Marshal(job)
	if err != nil {
		return errutil.Wrap(errutil.StorePersistenceFailed, "marshal finished job", err)
	}
	return q.store.PutRaw(jobKey(job.dedupeKey()), raw)
}

// Requeue resets a claimed-but-abandoned job back to queued, for recovery
// after a crash mid-evaluation.
func (q *Queue) Requeue(job Job) error {
	job.Status = JobQueued
	raw, err := json.Marshal(job)
	if err != nil {
		return errutil.Wrap(errutil.StorePersistenceFailed, "marshal requeued job", err)
	}
	return q.store.PutRaw(jobKey(job.dedupeKey()), raw)
}

// PendingForTournament lists queued/claimed jobs for a tournament; an
// empty result means none of that tournament's work is outstanding.
func (q *Queue) PendingForTournament(tournamentID string) ([]Job, error) {
	var pending []Job
	err := q.store.IteratePrefix([]byte(keyPrefix), func(_, value []byte) error {
		var j Job
		if err := json.Unmarshal(value, &j); err != nil {
			return err
		}
		if j.TournamentID == tournamentID && (j.Status == JobQueued || j.Status == JobClaimed) {
			pending = append(pending, j)
		}
		return nil
	})
	return pending, err
}

// JobForRun builds the idempotence dedupe key an orchestrator-issued job
// must share with the run it represents, matching types.EvaluationRun.Key
// exactly — this is the contract that makes queue dedupe and store
// uniqueness agree on the same (submission_id, epoch_number) identity.
func JobForRun(run types.EvaluationRun) Job {
	return Job{
		SubmissionID:  run.SubmissionID,
		TournamentID:  run.TournamentID,
		ParticipantID: run.ParticipantID,
		EpochNumber:   run.EpochNumber,
		Network:       run.Network,
	}
}
