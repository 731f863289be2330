// Package verifier implements the Verifier: the pipeline a
// contributing client's upload passes through once its step reaches
// VERIFYING, dispatching to either an inline (LOCAL) or transient-VM (VM)
// verification mechanism per the target circuit's configuration, then
// writing the resulting Contribution document and updating the circuit's
// rolling averages and completion counters in one Store batch — mirroring
// the batched-commit shape package scheduler uses for the same reason
// (observers must never see a counter update disagree with the
// contribution record it describes).
package verifier

import (
	"context"
	"fmt"
	"time"

	"github.com/ceremonial-labs/trustedsetup-coordinator/blobstore"
	"github.com/ceremonial-labs/trustedsetup-coordinator/ceremony"
	"github.com/ceremonial-labs/trustedsetup-coordinator/config"
	"github.com/ceremonial-labs/trustedsetup-coordinator/coordinatorapi/errs"
	"github.com/ceremonial-labs/trustedsetup-coordinator/internal/clock"
	"github.com/ceremonial-labs/trustedsetup-coordinator/internal/xlog"
	"github.com/ceremonial-labs/trustedsetup-coordinator/metrics"
	"github.com/ceremonial-labs/trustedsetup-coordinator/store"
	"github.com/ceremonial-labs/trustedsetup-coordinator/vmexecutor"
)

// Store is the subset of store.Store the Verifier needs, narrowed the way
// package scheduler narrows its own Store dependency for testability.
type Store interface {
	Get(ctx context.Context, collection, id string, out any) error
	Query(ctx context.Context, collection string, filters []store.Filter, out any) error
	Write(ctx context.Context, batch []store.Op) error
}

// Verifier drives the verification pipeline.
type Verifier struct {
	Store  Store
	Blob   blobstore.BlobStore
	VM     vmexecutor.VMExecutor
	Clock  clock.Clock
	Config config.Config

	// Sleep is overridden in tests to avoid real wall-clock waits during
	// the VM poll loop, modeled as a bounded loop with an injected Clock
	// and sleep rather than language-native async. Defaults to time.Sleep.
	Sleep func(d time.Duration)
}

// New constructs a Verifier from its collaborators.
func New(s Store, blob blobstore.BlobStore, vm vmexecutor.VMExecutor, clk clock.Clock, cfg config.Config) *Verifier {
	return &Verifier{Store: s, Blob: blob, VM: vm, Clock: clk, Config: cfg, Sleep: time.Sleep}
}

// Request is the input to VerifyContribution.
type Request struct {
	CeremonyID string
	CircuitID  string
	BucketName string
	Caller     config.CallerIdentity

	// Finalizing marks the coordinator-driven finalization of the last
	// contribution: the caller may hold the coordinator role instead of
	// being the circuit's current contributor when the ceremony is CLOSED.
	Finalizing bool
}

// Result is the response shape VerifyContribution returns.
type Result struct {
	Valid                bool
	FullContributionTime int64
	VerifyTime           int64
}

// VerifyContribution runs the full verification pipeline.
func (v *Verifier) VerifyContribution(ctx context.Context, req Request) (Result, error) {
	startedAt := v.Clock.NowMillis()
	log := xlog.FromContext(ctx).With("ceremonyId", req.CeremonyID, "circuitId", req.CircuitID)

	var cer ceremony.Ceremony
	if err := v.Store.Get(ctx, store.CollectionCeremonies, req.CeremonyID, &cer); err != nil {
		return Result{}, errs.Wrap(errs.NotFound, err, "verifier: load ceremony %s", req.CeremonyID)
	}

	circuitDocID := ceremony.CircuitDocID(req.CeremonyID, req.CircuitID)
	var circuit ceremony.Circuit
	if err := v.Store.Get(ctx, store.CollectionCircuits, circuitDocID, &circuit); err != nil {
		return Result{}, errs.Wrap(errs.NotFound, err, "verifier: load circuit %s", circuitDocID)
	}

	participantID := req.Caller.ParticipantID
	isCoordinator := v.Config.IsCoordinator(req.Caller)
	if circuit.WaitingQueue.CurrentContributor != participantID {
		if !(isCoordinator && cer.State == ceremony.CeremonyClosed) {
			return Result{}, errs.New(errs.PermissionDenied,
				"verifier: caller %s is not the current contributor of circuit %s", participantID, req.CircuitID)
		}
		participantID = circuit.WaitingQueue.CurrentContributor
	}

	participantDocID := ceremony.ParticipantDocID(req.CeremonyID, participantID)
	var p ceremony.Participant
	if err := v.Store.Get(ctx, store.CollectionParticipants, participantDocID, &p); err != nil {
		return Result{}, errs.Wrap(errs.NotFound, err, "verifier: load participant %s", participantDocID)
	}

	pendingIdx := p.PendingContributionIndex()
	if pendingIdx == -1 {
		return Result{}, errs.New(errs.NoPendingContribution,
			"verifier: participant %s has no pending contribution entry", participantID)
	}

	lastIndexStr := ceremony.GenesisZkeyIndex
	if req.Finalizing {
		lastIndexStr = ceremony.FinalZkeyIndex
	} else {
		lastIndexStr = zeroPad(circuit.WaitingQueue.CompletedContributions + 1)
	}

	keys := deriveStorageKeys(circuit.Prefix, circuit.POTFilename, circuit.GenesisZkeyFilename, lastIndexStr)

	var (
		valid bool
		hash  string
		err   error
	)
	switch circuit.Verification.Kind {
	case ceremony.VerificationVM:
		valid, hash, err = v.runVM(ctx, req.BucketName, circuit, keys)
	default:
		valid, hash, err = v.runLocal(ctx, req.BucketName, circuit, participantID, keys)
	}
	if err != nil {
		return Result{}, err
	}

	now := v.Clock.NowMillis()
	fullContributionTime := p.VerificationStartedAt - p.ContributionStartedAt
	verifyCloudFunctionTime := now - startedAt

	contribution := ceremony.Contribution{
		ID:                           fmt.Sprintf("%s-%s", req.CircuitID, lastIndexStr),
		CircuitID:                    req.CircuitID,
		ParticipantID:                participantID,
		ZkeyIndex:                    lastIndexStr,
		Valid:                        valid,
		ContributionComputationTime:  p.TempContributionData.ContributionComputationTime,
		FullContributionTime:         fullContributionTime,
		VerifyCloudFunctionTime:      verifyCloudFunctionTime,
		VerifierName:                 v.Config.VerifierSoftware.Name,
		VerifierVersion:              v.Config.VerifierSoftware.Version,
		VerifierCommitHash:           v.Config.VerifierSoftware.CommitHash,
		Files: ceremony.FileMetadata{
			Filenames:     map[string]string{"zkey": keys.lastZkeyFilename},
			StoragePaths:  map[string]string{"zkey": keys.lastZkeyKey, "transcript": keys.transcriptKey},
			Blake2bHashes: map[string]string{"zkey": hash},
		},
		CreatedAt: now,
	}

	batch := []store.Op{{
		Kind:       store.OpCreate,
		Collection: store.CollectionContributions,
		ID:         ceremony.ContributionDocID(req.CircuitID, contribution.ID),
		Value:      &contribution,
	}}

	if !req.Finalizing {
		prevLastUpdated := circuit.LastUpdated
		tm := metrics.NewTrailingMean()
		tm.Set(circuit.AvgTimings.ContributionComputation)
		circuit.AvgTimings.ContributionComputation = tm.Update(contribution.ContributionComputationTime)

		tm.Set(circuit.AvgTimings.FullContribution)
		circuit.AvgTimings.FullContribution = tm.Update(fullContributionTime)

		tm.Set(circuit.AvgTimings.VerifyCloudFunction)
		circuit.AvgTimings.VerifyCloudFunction = tm.Update(verifyCloudFunctionTime)

		if valid {
			circuit.WaitingQueue.CompletedContributions++
		} else {
			circuit.WaitingQueue.FailedContributions++
		}
		circuit.LastUpdated = now

		batch = append(batch, store.Op{
			Kind:                store.OpConditionalUpdate,
			Collection:          store.CollectionCircuits,
			ID:                  circuitDocID,
			Value:               &circuit,
			ExpectedLastUpdated: prevLastUpdated,
		})
	}

	if err := v.Store.Write(ctx, batch); err != nil {
		return Result{}, errs.Wrap(errs.StorageFailure, err, "verifier: commit contribution batch")
	}

	log.Info("verifyContribution complete", "participantId", participantID, "valid", valid, "zkeyIndex", lastIndexStr)
	return Result{Valid: valid, FullContributionTime: fullContributionTime, VerifyTime: verifyCloudFunctionTime}, nil
}

// storageKeys bundles the blob-store object keys derived from a circuit's
// prefix for one verification pass.
type storageKeys struct {
	potKey              string
	genesisZkeyKey      string
	lastZkeyKey         string
	lastZkeyFilename    string
	transcriptKey       string
}

// deriveStorageKeys implements the canonical storage file paths:
// circuits/<prefix>/zkeys/<prefix>_<index>.zkey,
// circuits/<prefix>/transcripts/<filename>, pot/<filename>.
func deriveStorageKeys(circuitPrefix, potFilename, genesisZkeyFilename, lastIndexStr string) storageKeys {
	lastZkeyFilename := fmt.Sprintf("%s_%s.zkey", circuitPrefix, lastIndexStr)
	return storageKeys{
		potKey:           fmt.Sprintf("pot/%s", potFilename),
		genesisZkeyKey:   fmt.Sprintf("circuits/%s/zkeys/%s", circuitPrefix, genesisZkeyFilename),
		lastZkeyKey:      fmt.Sprintf("circuits/%s/zkeys/%s", circuitPrefix, lastZkeyFilename),
		lastZkeyFilename: lastZkeyFilename,
		transcriptKey:    fmt.Sprintf("circuits/%s/transcripts/%s_%s.transcript", circuitPrefix, circuitPrefix, lastIndexStr),
	}
}

func zeroPad(n int) string {
	return fmt.Sprintf("%05d", n)
}
