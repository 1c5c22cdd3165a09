// Daily schedule_mode needs a calendar trigger in addition to the manual
// control surface (spec.md §6 [FULL]). No ecosystem cron library in the
// retrieval pack is grounded for "compute the next UTC midnight", so this
// one sliver stays stdlib time — see DESIGN.md.
package main

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/flowtrace/tourneyd/internal/log"
	"github.com/flowtrace/tourneyd/orchestrator"
	"github.com/flowtrace/tourneyd/types"
)

func nextUTCMidnight(now time.Time) time.Time {
	now = now.UTC()
	y, m, d := now.Date()
	next := time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return next
}

// runDailySchedule blocks, firing one tournament at every UTC midnight
// boundary until ctx is cancelled. epoch increments once per fire so
// successive daily tournaments get distinct epoch_numbers; each
// tournament's dataset dates come from its own start date, not from this
// counter.
func runDailySchedule(ctx context.Context, orch *orchestrator.Orchestrator, cfg types.Config, logger *log.Logger) {
	var epoch int64
	for {
		wait := time.Until(nextUTCMidnight(time.Now()))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		tournamentID := uuid.New().String()
		if err := orch.RunTournament(ctx, tournamentID, epoch, cfg); err != nil {
			logger.Error("scheduled tournament run failed", "tournament_id", tournamentID, "epoch_number", epoch, "err", err)
		}
		epoch++
	}
}
