package verifier

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ceremonial-labs/trustedsetup-coordinator/ceremony"
	"github.com/ceremonial-labs/trustedsetup-coordinator/coordinatorapi/errs"
	"github.com/ceremonial-labs/trustedsetup-coordinator/internal/xlog"
	"github.com/ceremonial-labs/trustedsetup-coordinator/vmexecutor"
)

// ansiEscape strips the color/cursor escape sequences a shell-driven
// verification tool writes into its transcript, so the re-uploaded
// transcript is plain text.
var ansiEscape = regexp.MustCompile("\x1b\\[[0-9;]*[a-zA-Z]")

// hexRun finds the first 64-character hex substring in a command's stdout.
// A Blake2b-512 hash printed in hex is 128 characters long, so what it
// captures from the verification shell command's hash is the first half.
var hexRun = regexp.MustCompile(`[0-9a-fA-F]{64}`)

// runVM executes the VM verification path.
func (v *Verifier) runVM(ctx context.Context, bucket string, circuit ceremony.Circuit, keys storageKeys) (bool, string, error) {
	instanceID := circuit.Verification.VMInstance
	if instanceID == "" {
		return false, "", errs.New(errs.ConfigurationError, "verifier: circuit %s has no VM instance configured", circuit.ID)
	}
	log := xlog.FromContext(ctx).With("circuitId", circuit.ID, "vmInstance", instanceID)

	if err := v.VM.Start(ctx, instanceID); err != nil {
		return false, "", errs.Wrap(errs.VMUnavailable, err, "verifier: start vm %s", instanceID)
	}

	running := false
	for attempt := 1; attempt <= v.Config.VMRunningPollRetries; attempt++ {
		ok, err := v.VM.IsRunning(ctx, instanceID)
		if err != nil {
			return false, "", errs.Wrap(errs.VMUnavailable, err, "verifier: poll vm running %s", instanceID)
		}
		if ok {
			running = true
			break
		}
		v.Sleep(v.Config.VMRunningPollInterval)
	}
	if !running {
		return false, "", errs.New(errs.VMUnavailable, "verifier: vm %s did not reach running state after %d retries", instanceID, v.Config.VMRunningPollRetries)
	}

	cmd := fmt.Sprintf("verify-zkey --bucket %s --zkey %s --transcript %s", bucket, keys.lastZkeyKey, keys.transcriptKey)
	commandID, err := v.VM.RunCommand(ctx, instanceID, cmd)
	if err != nil {
		return false, "", errs.Wrap(errs.VMUnavailable, err, "verifier: run command on vm %s", instanceID)
	}

	for {
		status, err := v.VM.CommandStatusOf(ctx, instanceID, commandID)
		if err != nil {
			return false, "", errs.Wrap(errs.VMCommandAborted, err, "verifier: poll command status")
		}
		if status == vmexecutor.StatusSuccess {
			break
		}
		if status.Terminal() {
			v.stopVMBestEffort(ctx, instanceID, log)
			return false, "", errs.New(errs.VMCommandAborted, "verifier: command %s on vm %s ended with status %s", commandID, instanceID, status)
		}
		if !status.Continuing() {
			v.stopVMBestEffort(ctx, instanceID, log)
			return false, "", errs.New(errs.VMCommandAborted, "verifier: command %s on vm %s has unknown status %q", commandID, instanceID, status)
		}
		v.Sleep(v.Config.VMStatusPollInterval)
	}

	var transcriptBuf bytes.Buffer
	if err := v.Blob.Download(ctx, bucket, keys.transcriptKey, &transcriptBuf); err != nil {
		v.stopVMBestEffort(ctx, instanceID, log)
		return false, "", errs.Wrap(errs.StorageFailure, err, "verifier: download vm transcript")
	}
	transcriptText := transcriptBuf.String()
	valid := strings.Contains(transcriptText, v.Config.ZKeySuccessSentinel)

	stripped := ansiEscape.ReplaceAllString(transcriptText, "")
	if err := v.Blob.Upload(ctx, bucket, keys.transcriptKey, strings.NewReader(stripped), true); err != nil {
		v.stopVMBestEffort(ctx, instanceID, log)
		return false, "", errs.Wrap(errs.StorageFailure, err, "verifier: re-upload stripped transcript")
	}

	stdout, err := v.VM.FetchCommandOutput(ctx, instanceID, commandID)
	if err != nil {
		v.stopVMBestEffort(ctx, instanceID, log)
		return false, "", errs.Wrap(errs.StorageFailure, err, "verifier: fetch command output")
	}
	hash := hexRun.FindString(stdout)

	v.stopVMBestEffort(ctx, instanceID, log)

	return valid, hash, nil
}

func (v *Verifier) stopVMBestEffort(ctx context.Context, instanceID string, log xlog.Logger) {
	if err := v.VM.Stop(ctx, instanceID); err != nil {
		log.Warn("verifier: best-effort vm stop failed", "err", err)
	}
}
