// Package orchestrator implements the engine's control core (spec.md
// §4.7): a single logical supervisor per validator driving the six-step
// phase machine, evaluating each epoch's submissions sequentially in
// process, and aggregating results into a persisted, ranked set of
// TournamentResults. Weights derives the weight vector from such a set;
// the phase machine itself does not call it, so a completed tournament
// emits no weight vector.
// Grounded on the teacher's own node-lifecycle supervisor idiom (a
// top-level struct owning long-lived subsystems, driven by a small state
// machine with cooperative cancellation via context.Context) and on
// golang.org/x/sync/errgroup (a genuine teacher dependency) for the
// worker-pool goroutine that drains the durable queue.
package orchestrator

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set"
	"golang.org/x/sync/errgroup"

	"github.com/flowtrace/tourneyd/flowverify"
	"github.com/flowtrace/tourneyd/internal/dataset"
	"github.com/flowtrace/tourneyd/internal/errutil"
	"github.com/flowtrace/tourneyd/internal/log"
	"github.com/flowtrace/tourneyd/internal/metrics"
	"github.com/flowtrace/tourneyd/queue"
	"github.com/flowtrace/tourneyd/sandbox"
	"github.com/flowtrace/tourneyd/score"
	"github.com/flowtrace/tourneyd/submission"
	"github.com/flowtrace/tourneyd/types"
	"github.com/flowtrace/tourneyd/validate"
)

// Store is the subset of store.Store the orchestrator drives tournaments
// through. Narrowed to an interface so tests can substitute an in-memory
// fake instead of a real goleveldb instance.
type Store interface {
	CreateTournament(t types.Tournament) error
	AdvanceTournament(id string, to types.TournamentStatus) error
	GetTournament(id string) (types.Tournament, error)
	PutSubmission(sub types.Submission) error
	ListSubmissions(tournamentID string) ([]types.Submission, error)
	CreateRun(run types.EvaluationRun) error
	UpdateRun(run types.EvaluationRun) error
	ListRuns(submissionID string) ([]types.EvaluationRun, error)
	ListAllRunsForTournament(tournamentID string) ([]types.EvaluationRun, error)
	PersistResults(tournamentID string, results []types.TournamentResult) error
}

// SandboxRunner is the subset of sandbox.Runner the orchestrator needs.
type SandboxRunner interface {
	Run(ctx context.Context, imageTag, inputDir, outputDir string, limits sandbox.Limits) (sandbox.RunResult, error)
}

// Clock lets tests freeze time; production uses realClock.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time     { return time.Now().UTC() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// Orchestrator drives the phase machine of spec.md §4.7.
type Orchestrator struct {
	store      Store
	queue      *queue.Queue
	processor  *submission.Processor
	runner     SandboxRunner
	datasetDir string
	outputDir  string
	schema     validate.DeclaredSchema
	clock      Clock
	log        *log.Logger
	metrics    *metrics.Registry
}

// New constructs an Orchestrator.
func New(st Store, q *queue.Queue, proc *submission.Processor, runner SandboxRunner, datasetDir, outputDir string, schema validate.DeclaredSchema, logger *log.Logger, reg *metrics.Registry) *Orchestrator {
	return &Orchestrator{
		store: st, queue: q, processor: proc, runner: runner,
		datasetDir: datasetDir, outputDir: outputDir, schema: schema,
		clock: realClock{}, log: logger, metrics: reg,
	}
}

// RunTournament drives one tournament end to end (spec.md §4.7 phase
// machine). tournamentID must be unique; epochNumber must be unique across
// all tournaments ever created in this store (store-layer invariant).
func (o *Orchestrator) RunTournament(ctx context.Context, tournamentID string, epochNumber int64, cfg types.Config) error {
	tournament := types.Tournament{
		ID: tournamentID, EpochNumber: epochNumber, Status: types.StatusPending,
		StartedAt: o.clock.Now(), Config: cfg,
	}
	if err := o.store.CreateTournament(tournament); err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.TournamentsStarted.Inc()
	}

	if err := o.runPhases(ctx, tournamentID, epochNumber, cfg); err != nil {
		if failErr := o.store.AdvanceTournament(tournamentID, types.StatusFailed); failErr != nil {
			o.log.Error("failed to mark tournament failed", "tournament_id", tournamentID, "err", failErr)
		}
		if o.metrics != nil {
			o.metrics.TournamentsFailed.Inc()
		}
		return err
	}
	return nil
}

func (o *Orchestrator) runPhases(ctx context.Context, tournamentID string, epochNumber int64, cfg types.Config) error {
	if err := o.store.AdvanceTournament(tournamentID, types.StatusCollecting); err != nil {
		return err
	}
	if err := o.collect(ctx, tournamentID, epochNumber, cfg); err != nil {
		return err
	}

	if err := o.store.AdvanceTournament(tournamentID, types.StatusTesting); err != nil {
		return err
	}
	tour, err := o.store.GetTournament(tournamentID)
	if err != nil {
		return err
	}
	if err := o.testing(ctx, tour); err != nil {
		return err
	}

	if err := o.store.AdvanceTournament(tournamentID, types.StatusEvaluating); err != nil {
		return err
	}
	if err := o.aggregate(tournamentID, cfg); err != nil {
		return err
	}

	if err := o.store.AdvanceTournament(tournamentID, types.StatusCompleted); err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.TournamentsCompleted.Inc()
	}
	return nil
}

// collect runs step 2 of the phase machine: ask the Submission Processor
// for every participant's offer, build each one, and persist the result.
// A submission build failure marks that submission failed and the
// orchestrator continues with the rest — it never aborts collecting.
func (o *Orchestrator) collect(ctx context.Context, tournamentID string, epochNumber int64, cfg types.Config) error {
	collectCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.SubmissionDurationSeconds)*time.Second)
	defer cancel()

	subs, err := o.processor.Collect(collectCtx, tournamentID, epochNumber, func() types.Submission {
		return types.Submission{SubmittedAt: o.clock.Now()}
	})
	if err != nil {
		return err
	}

	for _, sub := range subs {
		built := o.processor.Build(collectCtx, sub)
		if err := o.store.PutSubmission(built); err != nil {
			return err
		}
	}
	return nil
}

// testing runs step 4 of the phase machine: for each epoch in order,
// evaluate every validated submission in stable (submission id) order,
// then sleep until the epoch's wall-clock budget elapses.
func (o *Orchestrator) testing(ctx context.Context, tour types.Tournament) error {
	cfg := tour.Config
	subs, err := o.store.ListSubmissions(tour.ID)
	if err != nil {
		return err
	}
	validated := make([]types.Submission, 0, len(subs))
	for _, s := range subs {
		if s.Status == types.SubmissionValidated {
			validated = append(validated, s)
		}
	}
	sort.Slice(validated, func(i, j int) bool { return validated[i].ParticipantID < validated[j].ParticipantID })

	for epoch := int64(0); epoch < int64(cfg.EpochCount); epoch++ {
		select {
		case <-ctx.Done():
			return errutil.New(errutil.OrchestratorTimeout, "cancelled between epochs")
		default:
		}

		epochStart := o.clock.Now()
		network := cfg.NetworkForEpoch(int(epoch))
		testDate := ResolveTestDate(tour.StartedAt, epoch)

		ds, err := dataset.Load(dataset.Path(o.datasetDir, network, testDate, "full"), network, testDate)
		if err != nil {
			return errutil.Wrap(errutil.OrchestratorTimeout, "load dataset for epoch "+network, err)
		}
		idx := flowverify.NewIndex(ds.Transfers)
		groundTruth := flowverify.GroundTruthSet(ds.GroundTruthIDs)

		for _, sub := range validated {
			select {
			case <-ctx.Done():
				return errutil.New(errutil.OrchestratorTimeout, "cancelled between submissions")
			default:
			}
			if err := o.evaluateOne(ctx, tour, sub, epoch, network, testDate, idx, groundTruth, len(ds.GroundTruthIDs)); err != nil {
				return err
			}
		}

		elapsed := o.clock.Now().Sub(epochStart)
		budget := time.Duration(cfg.EpochDurationSeconds) * time.Second
		if remaining := budget - elapsed; remaining > 0 {
			o.clock.Sleep(remaining)
		}
	}
	return nil
}

// evaluateOne runs the Sandbox Runner → Output Validator → Flow Verifier →
// Scorer pipeline for one (submission, epoch) pair and persists the run.
// A runner error or sandbox denial marks the run failed and the
// orchestrator continues with the next submission — per spec.md §4.7
// failure semantics, this never aborts the tournament.
func (o *Orchestrator) evaluateOne(ctx context.Context, tour types.Tournament, sub types.Submission, epoch int64, network string, testDate time.Time, idx *flowverify.Index, groundTruth mapset.Set, groundTruthCount int) error {
	cfg := tour.Config
	run := types.EvaluationRun{
		ID: sub.Key() + "#" + network, SubmissionID: sub.Key(), TournamentID: tour.ID,
		ParticipantID: sub.ParticipantID, EpochNumber: epoch, Network: network, TestDate: testDate,
		Status: types.RunPending,
	}
	if err := o.store.CreateRun(run); err != nil {
		return err
	}

	inputDir := dataset.Path(o.datasetDir, network, testDate, "full")
	outputDir := dataset.OutputPath(o.outputDir, tour.ID, epoch, sub.ParticipantID)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return errutil.Wrap(errutil.StorePersistenceFailed, "create output dir", err)
	}

	limits := sandbox.Limits{
		WallClock:    time.Duration(cfg.FeatureTimeCapSeconds+cfg.PatternTimeCapSeconds) * time.Second,
		MemoryBytes:  cfg.MemoryLimitBytes,
		CPUCores:     cfg.CPUCores,
		ProcessLimit: int64(cfg.ProcessLimit),
	}

	runResult, err := o.runner.Run(ctx, sub.ImageTag, inputDir, outputDir, limits)
	if err != nil {
		run.Status = types.RunFailed
		run.ErrorMessage = err.Error()
		if o.metrics != nil {
			o.metrics.SandboxLaunchF.Inc()
		}
		return o.store.UpdateRun(run)
	}
	run.DurationSeconds = runResult.WallSeconds

	switch {
	case runResult.TimedOut:
		run.Status = types.RunTimeout
		run.ExitCode = -1
		return o.finish(run)
	case runResult.ExitCode != 0:
		run.Status = types.RunFailed
		run.ExitCode = int(runResult.ExitCode)
		return o.finish(run)
	}
	run.ExitCode = int(runResult.ExitCode)

	featuresRaw, err := readArtifactLines(filepath.Join(outputDir, "features.jsonl"))
	if err != nil {
		run.Status = types.RunFailed
		run.FeaturesValid = false
		run.ErrorMessage = err.Error()
		return o.finish(run)
	}
	patternsRaw, _ := readArtifactLines(filepath.Join(outputDir, "patterns.jsonl"))

	validation := validate.Run(featuresRaw, patternsRaw, o.schema)
	run.FeaturesValid = validation.FeaturesValid
	if !validation.FeaturesValid {
		run.Status = types.RunFailed
		applyScore(&run, score.Run(false, score.Counts{}, score.Timing{}))
		return o.finish(run)
	}

	verdicts := idx.VerifyAll(validation.Patterns)
	classification := flowverify.Classify(verdicts, groundTruth)

	counts := score.Counts{
		SyntheticFound: len(classification.SyntheticFound),
		NoveltyValid:   len(classification.NoveltyValid),
		Reported:       len(validation.Patterns),
		GroundTruth:    groundTruthCount,
	}
	featureSeconds, patternSeconds := resolvePhaseTiming(outputDir, runResult.WallSeconds)
	timing := score.Timing{
		BaselineFeatureSeconds: cfg.BaselineFeatureSeconds, MeasuredFeatureSeconds: featureSeconds, FeatureCapSeconds: cfg.FeatureTimeCapSeconds,
		BaselinePatternSeconds: cfg.BaselinePatternSeconds, MeasuredPatternSeconds: patternSeconds, PatternCapSeconds: cfg.PatternTimeCapSeconds,
	}
	applyScore(&run, score.Run(true, counts, timing))
	run.FeatureTime = featureSeconds
	run.PatternTime = patternSeconds

	run.PatternsReported = counts.Reported
	run.SyntheticFound = counts.SyntheticFound
	run.SyntheticExpected = groundTruthCount
	run.NoveltyValid = counts.NoveltyValid
	run.NoveltyInvalid = len(classification.Invalid)
	run.Status = types.RunCompleted

	return o.finish(run)
}

// resolvePhaseTiming reads the payload's optional self-reported per-phase
// timing.jsonl artifact and clamps it to the externally measured wall-clock
// duration (spec.md §4.1: "payload-supplied timings are untrusted"). A
// missing or malformed report — or one with a negative or out-of-bound
// value — charges that phase the full measured wall time rather than a
// favorable split, so omitting timing.jsonl never scores better than
// reporting it honestly.
func resolvePhaseTiming(outputDir string, wallSeconds float64) (featureSeconds, patternSeconds float64) {
	raw, err := os.ReadFile(filepath.Join(outputDir, "timing.jsonl"))
	if err != nil {
		return wallSeconds, wallSeconds
	}
	report, ok := validate.ParseTimingReport(raw)
	if !ok {
		return wallSeconds, wallSeconds
	}
	return clampPhaseSeconds(report.FeatureSeconds, wallSeconds), clampPhaseSeconds(report.PatternSeconds, wallSeconds)
}

func clampPhaseSeconds(reported, wallSeconds float64) float64 {
	if reported < 0 || reported > wallSeconds {
		return wallSeconds
	}
	return reported
}

// finish records the run's terminal status in metrics and persists it.
func (o *Orchestrator) finish(run types.EvaluationRun) error {
	if o.metrics != nil {
		o.metrics.ObserveRun(string(run.Status), run.DurationSeconds)
	}
	return o.store.UpdateRun(run)
}

func applyScore(run *types.EvaluationRun, r score.Result) {
	run.FeaturePerformance = r.FeaturePerformance
	run.SyntheticRecall = r.SyntheticRecall
	run.PatternPrecision = r.PatternPrecision
	run.NoveltyDiscovery = r.NoveltyDiscovery
	run.PatternPerformance = r.PatternPerformance
	run.FinalScore = r.FinalScore
}

func readArtifactLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errutil.Wrap(errutil.OutputSchemaInvalid, "open artifact "+filepath.Base(path), err)
	}
	defer f.Close()

	var lines [][]byte
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	return lines, sc.Err()
}

// ResolveTestDate resolves test_date := started_at.date + epoch_number
// days (spec.md §4.7 step 4). The spec's Open Question about a "dev-mode
// equivalent" is resolved here as the same offset-days rule with no
// special-casing — see DESIGN.md.
func ResolveTestDate(startedAt time.Time, epoch int64) time.Time {
	y, m, d := startedAt.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, int(epoch))
}

// aggregate runs step 5 of the phase machine: fold every run into a
// TournamentResult per participant, rank, and persist the vector.
func (o *Orchestrator) aggregate(tournamentID string, cfg types.Config) error {
	subs, err := o.store.ListSubmissions(tournamentID)
	if err != nil {
		return err
	}

	results := make([]types.TournamentResult, 0, len(subs))
	for _, sub := range subs {
		if sub.Status != types.SubmissionValidated {
			continue
		}
		runs, err := o.store.ListRuns(sub.Key())
		if err != nil {
			return err
		}

		disqualified := false
		for _, r := range runs {
			if r.Status == types.RunFailed || r.Status == types.RunTimeout || !r.FeaturesValid {
				disqualified = true
				break
			}
		}

		result := types.TournamentResult{TournamentID: tournamentID, ParticipantID: sub.ParticipantID, SubmittedAt: sub.SubmittedAt}
		if disqualified || len(runs) == 0 {
			results = append(results, result)
			continue
		}

		scoreResults := make([]score.Result, len(runs))
		var totalDuration float64
		for i, r := range runs {
			scoreResults[i] = score.Result{
				FeaturePerformance: r.FeaturePerformance, SyntheticRecall: r.SyntheticRecall,
				PatternPrecision: r.PatternPrecision, NoveltyDiscovery: r.NoveltyDiscovery,
				PatternPerformance: r.PatternPerformance, FinalScore: r.FinalScore,
			}
			totalDuration += r.DurationSeconds
		}
		agg := score.Aggregate(scoreResults)
		result.FeaturePerformance = agg.FeaturePerformance
		result.SyntheticRecall = agg.SyntheticRecall
		result.PatternPrecision = agg.PatternPrecision
		result.NoveltyDiscovery = agg.NoveltyDiscovery
		result.PatternPerformance = agg.PatternPerformance
		result.FinalScore = agg.FinalScore
		result.MeanExecTime = totalDuration / float64(len(runs))
		result.BeatBaseline = agg.FinalScore > cfg.BaselineScore

		results = append(results, result)
	}

	rankResults(results)
	return o.store.PersistResults(tournamentID, results)
}

// rankResults ranks by final_score descending; ties broken by lowest mean
// execution time, then by earliest submission time (spec.md §4.7 step 5).
// Exactly one result is marked is_winner — rank 1 — when any participant
// has a non-zero score (spec.md §8 testable property 3).
func rankResults(results []types.TournamentResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.FinalScore != b.FinalScore {
			return a.FinalScore > b.FinalScore
		}
		if a.MeanExecTime != b.MeanExecTime {
			return a.MeanExecTime < b.MeanExecTime
		}
		return a.SubmittedAt.Before(b.SubmittedAt)
	})
	for i := range results {
		results[i].Rank = i + 1
		results[i].IsWinner = i == 0 && results[i].FinalScore > 0
	}
}

// Weights emits the weight vector of spec.md §6: non-negative weights
// summing to 1, normalized from final_scores; all-zero scores produce a
// uniform-zero vector (every participant gets weight 0, which still sums
// to 0, not 1 — spec.md states this explicitly as the one deliberate
// exception to "summing to 1").
func Weights(results []types.TournamentResult) []types.WeightEntry {
	var total float64
	for _, r := range results {
		total += r.FinalScore
	}

	entries := make([]types.WeightEntry, len(results))
	for i, r := range results {
		var w float64
		if total > 0 {
			w = r.FinalScore / total
		}
		entries[i] = types.WeightEntry{ParticipantID: r.ParticipantID, Weight: w}
	}
	return entries
}

// RunWorkerPool drains the durable queue with a small set of worker
// goroutines via errgroup, per spec.md §5 "a worker pool handling
// individual evaluation tasks one at a time per tournament". It is a
// separate dispatch surface: neither RunTournament nor cmd/tourneyd
// enqueues jobs or calls it. RunTournament evaluates synchronously within
// the calling goroutine, for both manual and daily starts.
func RunWorkerPool(ctx context.Context, q *queue.Queue, workers int, handle func(context.Context, queue.Job) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				default:
				}
				job, ok, err := q.Claim()
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
				if err := handle(gctx, job); err != nil {
					return err
				}
				if err := q.Finish(job); err != nil {
					return err
				}
			}
		})
	}
	return g.Wait()
}
