// Package container implements cliwrap.CommandRunner by exec'ing a command
// inside a running Docker container, for sub-binaries the gateway isolates
// from the host (e.g. agent-submitted commands under DCG review).
package container

import (
	"bytes"
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/fleetgate/gateway/internal/port/cliwrap"
)

// Runner executes commands via docker exec against a fixed target container.
type Runner struct {
	cli         *client.Client
	containerID string
}

// New creates a Runner bound to containerID using a Docker client
// configured from the environment (DOCKER_HOST, etc).
func New(containerID string) (*Runner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("container: new docker client: %w", err)
	}
	return &Runner{cli: cli, containerID: containerID}, nil
}

// Run implements cliwrap.CommandRunner.
func (r *Runner) Run(ctx context.Context, command string, args []string, opts cliwrap.RunOptions) (cliwrap.RunResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmdline := append([]string{command}, args...)
	execCfg := container.ExecOptions{
		Cmd:          cmdline,
		Env:          opts.Env,
		WorkingDir:   opts.WorkDir,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  len(opts.Stdin) > 0,
	}

	created, err := r.cli.ContainerExecCreate(ctx, r.containerID, execCfg)
	if err != nil {
		return cliwrap.RunResult{}, fmt.Errorf("container: exec create: %w", err)
	}

	attach, err := r.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return cliwrap.RunResult{}, fmt.Errorf("container: exec attach: %w", err)
	}
	defer attach.Close()

	if len(opts.Stdin) > 0 {
		go func() {
			_, _ = attach.Conn.Write(opts.Stdin)
			_ = attach.CloseWrite()
		}()
	}

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return cliwrap.RunResult{}, fmt.Errorf("container: demux output: %w", err)
	}

	inspect, err := r.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return cliwrap.RunResult{}, fmt.Errorf("container: exec inspect: %w", err)
	}

	return cliwrap.RunResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: inspect.ExitCode,
	}, nil
}
