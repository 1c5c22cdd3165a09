// The control surface (spec.md §6: "a narrow administrative trigger...
// one operation") is a single HTTP route, wired here with
// github.com/julienschmidt/httprouter and github.com/rs/cors, both direct
// teacher dependencies.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/flowtrace/tourneyd/internal/log"
	"github.com/flowtrace/tourneyd/orchestrator"
	"github.com/flowtrace/tourneyd/types"
)

// controlSurface builds the daemon's one administrative endpoint:
// POST /tournament/:epoch/start, manual-mode-only (spec.md §6). daemonCtx is
// the long-lived context from main's run(), not the HTTP request's —
// r.Context() is cancelled the instant ServeHTTP returns, which would
// cancel the newly spawned tournament goroutine before it got past the
// collecting phase.
func controlSurface(daemonCtx context.Context, orch *orchestrator.Orchestrator, cfg types.Config, logger *log.Logger) http.Handler {
	router := httprouter.New()
	router.POST("/tournament/:epoch/start", func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		epoch, err := strconv.ParseInt(ps.ByName("epoch"), 10, 64)
		if err != nil {
			http.Error(w, "epoch_number must be an integer", http.StatusBadRequest)
			return
		}

		tournamentID := uuid.New().String()
		go func() {
			if err := orch.RunTournament(daemonCtx, tournamentID, epoch, cfg); err != nil {
				logger.Error("tournament run failed", "tournament_id", tournamentID, "epoch_number", epoch, "err", err)
			}
		}()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"tournament_id": tournamentID,
			"epoch_number":  epoch,
		})
	})

	return cors.Default().Handler(router)
}
