// Package submission implements the Submission Processor (spec.md §4.5):
// collect (repository_url, commit_hash) pairs from participants via an
// injected peer protocol, then build each into a tagged, scanned container
// image. The collect/build split mirrors the teacher's own
// protocol-boundary idiom (an interface seam where an external
// system — here the peer-to-peer submission protocol and the image
// builder — is explicitly out of scope per spec.md's "out of scope,
// interfaces only" list). go-git/go-git/v5 (grounded on the
// virtengine-virtengine manifest in the retrieval pack) clones the exact
// commit into a per-submission workspace; submission/scan performs the
// static source scan before the injected ImageBuilder runs.
package submission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/flowtrace/tourneyd/internal/errutil"
	"github.com/flowtrace/tourneyd/internal/log"
	"github.com/flowtrace/tourneyd/submission/scan"
	"github.com/flowtrace/tourneyd/types"
)

// PeerProtocol is the external submission protocol boundary (spec.md §6
// "Submission protocol boundary"): given a tournament and epoch, return
// each known participant's (repository_url, commit_hash). The transport
// itself is outside the core; only this interface is in scope here.
type PeerProtocol interface {
	Collect(ctx context.Context, tournamentID string, epochNumber int64) ([]PeerOffer, error)
}

// PeerOffer is one participant's submitted (repository_url, commit_hash)
// pair, as returned by the external peer protocol.
type PeerOffer struct {
	ParticipantID string
	RepositoryURL string
	CommitHash    string
}

// ImageBuilder is the external, out-of-scope container-image build step
// (spec.md §1 "out of scope... container image building (an opaque build
// step returning an image tag)"). Given a workspace directory and a
// deterministic tag, it builds the image under that tag and returns an
// error if the build fails.
type ImageBuilder interface {
	Build(ctx context.Context, workspaceDir, tag string) error
}

// Processor implements collect/build (spec.md §4.5).
type Processor struct {
	peers   PeerProtocol
	builder ImageBuilder
	workDir string // root for per-submission clone workspaces
	log     *log.Logger
}

// NewProcessor constructs a Processor. workDir is the root directory under
// which each submission gets its own clone workspace.
func NewProcessor(peers PeerProtocol, builder ImageBuilder, workDir string, logger *log.Logger) *Processor {
	return &Processor{peers: peers, builder: builder, workDir: workDir, log: logger}
}

// Collect asks the peer protocol for every known participant's offer and
// builds the initial pending Submission set. Duplicate participant ids are
// rejected — the first offer for a participant wins, later ones are
// dropped (spec.md §4.5 "duplicates per participant rejected").
func (p *Processor) Collect(ctx context.Context, tournamentID string, epochNumber int64, submittedAt func() types.Submission) ([]types.Submission, error) {
	offers, err := p.peers.Collect(ctx, tournamentID, epochNumber)
	if err != nil {
		return nil, errutil.Wrap(errutil.SubmissionBuildFailed, "collect submissions from peer protocol", err)
	}

	seen := make(map[string]struct{}, len(offers))
	submissions := make([]types.Submission, 0, len(offers))
	for _, o := range offers {
		if _, dup := seen[o.ParticipantID]; dup {
			continue
		}
		seen[o.ParticipantID] = struct{}{}

		s := submittedAt()
		s.TournamentID = tournamentID
		s.ParticipantID = o.ParticipantID
		s.RepositoryURL = o.RepositoryURL
		s.CommitHash = o.CommitHash
		s.Status = types.SubmissionPending
		submissions = append(submissions, s)
	}
	p.log.Info("collected submissions", "tournament_id", tournamentID, "epoch_number", epochNumber, "count", len(submissions))
	return submissions, nil
}

// Build fetches the submission's repository at the exact commit, runs the
// static scanner, and builds a tagged image. It mutates a copy of sub and
// returns it; on any failure the returned Submission has Status=failed and
// Error set, never a partial success (spec.md §4.5 "Any failure marks the
// submission failed with a classified error").
func (p *Processor) Build(ctx context.Context, sub types.Submission) types.Submission {
	sub.Status = types.SubmissionValidating

	workspace := filepath.Join(p.workDir, sub.TournamentID, sub.ParticipantID)
	if err := os.RemoveAll(workspace); err != nil {
		return fail(sub, errutil.Wrap(errutil.SubmissionBuildFailed, "clear workspace", err))
	}

	if err := cloneAtCommit(ctx, sub.RepositoryURL, sub.CommitHash, workspace); err != nil {
		return fail(sub, errutil.Wrap(errutil.SubmissionBuildFailed, "clone "+sub.RepositoryURL+"@"+sub.CommitHash, err))
	}

	findings, err := scan.Tree(workspace)
	if err != nil {
		return fail(sub, errutil.Wrap(errutil.SubmissionBuildFailed, "scan workspace", err))
	}
	if len(findings) > 0 {
		return fail(sub, errutil.New(errutil.SubmissionScanRejected, fmt.Sprintf("scanner flagged %d finding(s), first: %s:%d %s", len(findings), findings[0].Path, findings[0].Line, findings[0].Rule)))
	}

	tag := ImageTag(sub.ParticipantID, sub.CommitHash)
	if err := p.builder.Build(ctx, workspace, tag); err != nil {
		return fail(sub, errutil.Wrap(errutil.SubmissionBuildFailed, "build image "+tag, err))
	}

	sub.ImageTag = tag
	sub.Status = types.SubmissionValidated
	sub.Error = ""
	p.log.Info("submission validated", "participant_id", sub.ParticipantID, "image_tag", tag)
	return sub
}

func fail(sub types.Submission, err error) types.Submission {
	sub.Status = types.SubmissionFailed
	sub.Error = err.Error()
	return sub
}

// ImageTag deterministically tags an image from (participant_id,
// commit_hash), per spec.md §4.5.
func ImageTag(participantID, commitHash string) string {
	h := sha256.Sum256([]byte(participantID + "@" + commitHash))
	return "tourneyd-submission:" + hex.EncodeToString(h[:])[:16]
}

// cloneAtCommit clones repoURL into destDir and checks out commitHash
// exactly, using go-git so the build step's only network access (spec.md
// §4.5 invariant) is this clone.
func cloneAtCommit(ctx context.Context, repoURL, commitHash, destDir string) error {
	repo, err := git.PlainCloneContext(ctx, destDir, false, &git.CloneOptions{URL: repoURL})
	if err != nil {
		return err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	return wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(commitHash)})
}
