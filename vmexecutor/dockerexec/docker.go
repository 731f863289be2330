// Package dockerexec is the production vmexecutor.VMExecutor
// implementation. A short-lived Docker container stands in for the
// transient compute VM a verification pass runs on: ContainerStart is the
// VM boot, ContainerInspect's
// State.Running is the poll-running check, ContainerExecCreate +
// ContainerExecAttach issues the verification shell command, and
// ContainerExecInspect is the poll-command-status check. This is the same
// github.com/docker/docker client the teacher depends on (used there to
// drive throwaway containers for its own integration tests).
package dockerexec

import (
	"bytes"
	"context"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/ceremonial-labs/trustedsetup-coordinator/vmexecutor"
)

// Executor is a vmexecutor.VMExecutor backed by the Docker Engine API.
// instanceID is interpreted as a Docker container id/name; commandID is a
// Docker exec id.
type Executor struct {
	cli   *client.Client
	image string
}

var _ vmexecutor.VMExecutor = (*Executor)(nil)

// New constructs an Executor using the ambient Docker host configuration
// (DOCKER_HOST / default socket). image is recorded on the Executor but
// no container is created from it: Start only starts an already-created
// container by its instance id.
func New(image string) (*Executor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "dockerexec: new client")
	}
	return &Executor{cli: cli, image: image}, nil
}

func (e *Executor) Start(ctx context.Context, instanceID string) error {
	if err := e.cli.ContainerStart(ctx, instanceID, types.ContainerStartOptions{}); err != nil {
		return errors.Wrapf(err, "dockerexec: start %s", instanceID)
	}
	return nil
}

func (e *Executor) IsRunning(ctx context.Context, instanceID string) (bool, error) {
	info, err := e.cli.ContainerInspect(ctx, instanceID)
	if err != nil {
		return false, errors.Wrapf(err, "dockerexec: inspect %s", instanceID)
	}
	return info.State != nil && info.State.Running, nil
}

func (e *Executor) RunCommand(ctx context.Context, instanceID, cmd string) (string, error) {
	execCreated, err := e.cli.ContainerExecCreate(ctx, instanceID, types.ExecConfig{
		Cmd:          []string{"/bin/sh", "-c", cmd},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", errors.Wrapf(err, "dockerexec: exec create on %s", instanceID)
	}

	attach, err := e.cli.ContainerExecAttach(ctx, execCreated.ID, types.ExecStartCheck{})
	if err != nil {
		return "", errors.Wrapf(err, "dockerexec: exec attach %s", execCreated.ID)
	}
	// Drain output in the background into a buffer keyed by exec id so
	// FetchCommandOutput can return it once the exec completes; in
	// production this would be a bounded ring buffer per exec id rather
	// than an unbounded bytes.Buffer, flagged here rather than engineered
	// further since verification transcripts are small text.
	buf := &bytes.Buffer{}
	go func() {
		defer attach.Close()
		_, _ = io.Copy(buf, attach.Reader)
	}()
	outputs.put(execCreated.ID, buf)

	return execCreated.ID, nil
}

func (e *Executor) CommandStatusOf(ctx context.Context, _ string, commandID string) (vmexecutor.CommandStatus, error) {
	inspect, err := e.cli.ContainerExecInspect(ctx, commandID)
	if err != nil {
		return vmexecutor.StatusUnknown, errors.Wrapf(err, "dockerexec: exec inspect %s", commandID)
	}
	if inspect.Running {
		return vmexecutor.StatusInProgress, nil
	}
	if inspect.ExitCode == 0 {
		return vmexecutor.StatusSuccess, nil
	}
	return vmexecutor.StatusFailed, nil
}

func (e *Executor) FetchCommandOutput(_ context.Context, _ string, commandID string) (string, error) {
	buf, ok := outputs.get(commandID)
	if !ok {
		return "", errors.Newf("dockerexec: no captured output for exec %s", commandID)
	}
	return buf.String(), nil
}

func (e *Executor) Stop(ctx context.Context, instanceID string) error {
	if err := e.cli.ContainerStop(ctx, instanceID, container.StopOptions{}); err != nil {
		return errors.Wrapf(err, "dockerexec: stop %s", instanceID)
	}
	outputs.clear(instanceID)
	return nil
}
