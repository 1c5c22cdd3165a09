// The peer-to-peer submission protocol is out of scope (spec.md §1); this
// file supplies the narrow, concrete stand-in the daemon needs to actually
// run: a PeerProtocol that reads participant offers from a local JSON
// manifest file rather than speaking any real gossip protocol, and an
// ImageBuilder that shells out to the docker CLI rather than assembling a
// build context itself. Swap either out for a real transport/builder
// without touching submission.Processor.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowtrace/tourneyd/internal/errutil"
	"github.com/flowtrace/tourneyd/submission"
)

// manifestOffer is one row of the participant manifest file.
type manifestOffer struct {
	ParticipantID string `json:"participant_id"`
	RepositoryURL string `json:"repository_url"`
	CommitHash    string `json:"commit_hash"`
}

// manifestPeers implements submission.PeerProtocol by reading a fixed JSON
// file of participant offers, refreshed on every Collect call so an
// operator can update it between tournaments.
type manifestPeers struct {
	path string
}

func newManifestPeers(path string) *manifestPeers { return &manifestPeers{path: path} }

func (m *manifestPeers) Collect(ctx context.Context, tournamentID string, epochNumber int64) ([]submission.PeerOffer, error) {
	raw, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errutil.Wrap(errutil.SubmissionBuildFailed, "read participant manifest", err)
	}

	var rows []manifestOffer
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, errutil.Wrap(errutil.SubmissionBuildFailed, "decode participant manifest", err)
	}

	offers := make([]submission.PeerOffer, len(rows))
	for i, r := range rows {
		offers[i] = submission.PeerOffer{
			ParticipantID: r.ParticipantID,
			RepositoryURL: r.RepositoryURL,
			CommitHash:    r.CommitHash,
		}
	}
	return offers, nil
}

// dockerCLIBuilder implements submission.ImageBuilder by invoking the
// docker CLI directly. The actual build-context assembly and registry push
// are out of scope (spec.md §1); this is the minimal concrete adapter that
// turns a scanned workspace into a locally tagged image.
//
// A tournament's collection phase can hand the processor dozens of
// submissions in a burst; running `docker build` for all of them at once
// saturates the host's disk and CPU and makes every build slower, not
// faster. limiter spaces builds out instead of fanning them out raw.
type dockerCLIBuilder struct {
	limiter *rate.Limiter
}

func newDockerCLIBuilder() dockerCLIBuilder {
	return dockerCLIBuilder{limiter: rate.NewLimiter(rate.Every(2*time.Second), 1)}
}

func (b dockerCLIBuilder) Build(ctx context.Context, workspaceDir, tag string) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return errutil.Wrap(errutil.SubmissionBuildFailed, "wait for build slot for "+tag, err)
	}

	cmd := exec.CommandContext(ctx, "docker", "build", "-t", tag, workspaceDir)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return errutil.Wrap(errutil.SubmissionBuildFailed, "docker build "+tag, err)
	}
	return nil
}
