// Package sandbox implements the Sandbox Runner (spec.md §4.1): execute an
// untrusted image in isolation with read-only input and writable output
// directories, enforce wall-clock/memory/CPU/process limits, and report
// exit code and duration without ever trusting the payload's own timing.
// Grounded on the teacher's go.mod dependency on github.com/docker/docker
// (the Engine API client) and github.com/docker/go-connections (used for
// the nat.PortMap/PortSet types the Engine API's container config embeds);
// no pack repo keeps a hand-written container-runner file to imitate
// directly, so the isolation flags themselves are lifted straight from
// spec.md §4.1's enumerated invariants rather than any single source file.
package sandbox

import (
	"context"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/flowtrace/tourneyd/internal/errutil"
	"github.com/flowtrace/tourneyd/internal/log"
)

// Limits bounds a single run (spec.md §4.1 "Contract").
type Limits struct {
	WallClock    time.Duration
	MemoryBytes  int64
	CPUCores     float64
	ProcessLimit int64
}

// RunResult is the Sandbox Runner's report for one run (spec.md §4.1).
// WallSeconds and TimedOut are measured by the watchdog wrapper, not the
// container; TailLog is the container's own output, kept for diagnostics.
type RunResult struct {
	ExitCode    int64
	WallSeconds float64
	TimedOut    bool
	TailLog     string
}

// tailLogBytes bounds how much of a container's combined stdout/stderr is
// retained in RunResult.TailLog.
const tailLogBytes = 16 * 1024

// seccompProfile denies the syscalls spec.md §4.1 enumerates: mount,
// ptrace, kexec_load, reboot, module load/unload, clock_settime,
// pivot_root, bpf, userfaultfd, unshare on privileged namespaces. Docker's
// own default profile already blocks most of these; this profile is
// layered on top via SecurityOpt to make the denial list explicit and
// independent of the daemon's default.
const seccompProfile = `{
  "defaultAction": "SCMP_ACT_ALLOW",
  "syscalls": [
    {"names": ["mount","umount2","ptrace","kexec_load","reboot",
               "init_module","finit_module","delete_module",
               "clock_settime","pivot_root","bpf","userfaultfd","unshare"],
     "action": "SCMP_ACT_ERRNO"}
  ]
}`

// Runner drives the Docker Engine API to execute one image per run under
// the isolation contract of spec.md §4.1.
type Runner struct {
	cli *dockerclient.Client
	log *log.Logger
}

// NewRunner builds a Runner from the ambient Docker Engine API
// environment (DOCKER_HOST, TLS certs, API version negotiation), the same
// construction the teacher's operational tooling uses for its own Docker
// client.
func NewRunner(logger *log.Logger) (*Runner, error) {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errutil.Wrap(errutil.SandboxLaunchFailed, "construct docker client", err)
	}
	return &Runner{cli: cli, log: logger}, nil
}

// Run executes imageTag against inputDir (mounted read-only) and outputDir
// (mounted read-write) under limits, and returns a RunResult. A failure to
// launch (image missing, daemon rejects the config) is returned as an
// error, distinct from a completed RunResult (spec.md §4.1 "Failure
// contract").
func (r *Runner) Run(ctx context.Context, imageTag, inputDir, outputDir string, limits Limits) (RunResult, error) {
	hostCfg := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges", "seccomp=" + seccompProfile},
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: inputDir, Target: "/input", ReadOnly: true},
			{Type: mount.TypeBind, Source: outputDir, Target: "/output", ReadOnly: false},
		},
		Tmpfs:        map[string]string{"/tmp": "rw,noexec,nosuid,size=67108864"},
		PortBindings: nat.PortMap{}, // NetworkMode "none" means no ports are ever published
		Resources: container.Resources{
			Memory:    limits.MemoryBytes,
			NanoCPUs:  int64(limits.CPUCores * 1e9),
			PidsLimit: &limits.ProcessLimit,
		},
	}
	containerCfg := &container.Config{
		Image:      imageTag,
		WorkingDir: "/",
		Env:        []string{"INPUT_DIR=/input", "OUTPUT_DIR=/output"},
	}

	created, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return RunResult{}, errutil.Wrap(errutil.SandboxLaunchFailed, "create container for "+imageTag, err)
	}
	defer r.remove(created.ID)

	runCtx, cancel := context.WithTimeout(ctx, limits.WallClock)
	defer cancel()

	start := time.Now()
	if err := r.cli.ContainerStart(runCtx, created.ID, types.ContainerStartOptions{}); err != nil {
		return RunResult{}, errutil.Wrap(errutil.SandboxLaunchFailed, "start container for "+imageTag, err)
	}

	statusCh, errCh := r.cli.ContainerWait(runCtx, created.ID, container.WaitConditionNotRunning)
	var exitCode int64
	var timedOut bool
	select {
	case <-runCtx.Done():
		// Watchdog fired: force-terminate and reap, per spec.md §4.7
		// "Cancellation and timeouts" — the payload's own clock is never
		// trusted for this measurement.
		timedOut = true
		r.kill(created.ID)
	case waitErr := <-errCh:
		if waitErr != nil {
			return RunResult{}, errutil.Wrap(errutil.SandboxLaunchFailed, "wait for container "+created.ID, waitErr)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	}
	wall := time.Since(start).Seconds()

	tail := r.tailLog(context.Background(), created.ID)

	result := RunResult{ExitCode: exitCode, WallSeconds: wall, TimedOut: timedOut, TailLog: tail}
	r.log.Info("sandbox run finished", "image", imageTag, "exit_code", exitCode, "wall_seconds", wall, "timed_out", timedOut)
	return result, nil
}

func (r *Runner) kill(id string) {
	timeout := 5
	_ = r.cli.ContainerStop(context.Background(), id, container.StopOptions{Timeout: &timeout})
}

func (r *Runner) remove(id string) {
	_ = r.cli.ContainerRemove(context.Background(), id, types.ContainerRemoveOptions{Force: true})
}

func (r *Runner) tailLog(ctx context.Context, id string) string {
	out, err := r.cli.ContainerLogs(ctx, id, types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true, Tail: "200"})
	if err != nil {
		return ""
	}
	defer out.Close()

	buf := make([]byte, tailLogBytes)
	n, _ := io.ReadFull(out, buf)
	return string(buf[:n])
}

// Close releases the underlying Docker Engine API client.
func (r *Runner) Close() error {
	return r.cli.Close()
}
