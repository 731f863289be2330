package coordinatorapi

import (
	"context"

	"github.com/ceremonial-labs/trustedsetup-coordinator/ceremony"
	"github.com/ceremonial-labs/trustedsetup-coordinator/config"
	"github.com/ceremonial-labs/trustedsetup-coordinator/coordinatorapi/errs"
	"github.com/ceremonial-labs/trustedsetup-coordinator/participant"
	"github.com/ceremonial-labs/trustedsetup-coordinator/store"
)

func requireParticipant(caller config.CallerIdentity) error {
	if caller.ParticipantID == "" {
		return errs.New(errs.Unauthenticated, "coordinatorapi: no caller identity")
	}
	return nil
}

// AdmitParticipantRequest is the input to AdmitParticipant.
type AdmitParticipantRequest struct {
	CeremonyID string
	Caller     config.CallerIdentity
}

// AdmitParticipantResult is the output of AdmitParticipant.
// NoCircuitAvailable reports the ceremony has no circuit at all for the
// caller to eventually contribute to, distinguishing "you're admitted and
// simply have to wait your turn" from "there is nothing here for you" —
// otherwise both look identical to the caller as WAITING with zero
// progress.
type AdmitParticipantResult struct {
	CanContribute      bool
	NoCircuitAvailable bool
}

// AdmitParticipant creates or advances the caller's Participant document
// and reports whether they are
// presently free to contribute (i.e. not serving a live timeout penalty).
func (a *API) AdmitParticipant(ctx context.Context, req AdmitParticipantRequest) (AdmitParticipantResult, error) {
	if err := a.allow(ctx); err != nil {
		return AdmitParticipantResult{}, err
	}
	if err := requireParticipant(req.Caller); err != nil {
		return AdmitParticipantResult{}, err
	}

	p, docID, err := a.loadParticipant(ctx, req.CeremonyID, req.Caller)
	if err != nil {
		return AdmitParticipantResult{}, err
	}
	if p.ID == "" {
		p.ID = req.Caller.ParticipantID
		p.CeremonyID = req.CeremonyID
	}

	live, err := a.liveTimeout(ctx, req.CeremonyID, req.Caller.ParticipantID)
	if err != nil {
		return AdmitParticipantResult{}, err
	}

	prevLastUpdated := p.LastUpdated
	next, err := participant.Admit(p, live, a.Clock)
	if err != nil {
		return AdmitParticipantResult{}, err
	}
	if err := a.writeParticipant(ctx, docID, prevLastUpdated, &next); err != nil {
		return AdmitParticipantResult{}, errs.Wrap(errs.StorageFailure, err, "coordinatorapi: admitParticipant write")
	}

	result := AdmitParticipantResult{CanContribute: next.Status != ceremony.StatusTimedOut}
	if next.Status == ceremony.StatusWaiting && next.ContributionProgress == 0 {
		circuitCount, err := a.circuitCount(ctx, req.CeremonyID)
		if err != nil {
			return AdmitParticipantResult{}, err
		}
		result.NoCircuitAvailable = circuitCount == 0
	}
	return result, nil
}

// AdvanceToNextCircuitRequest is the input to AdvanceToNextCircuit.
type AdvanceToNextCircuitRequest struct {
	CeremonyID string
	Caller     config.CallerIdentity
}

// AdvanceToNextCircuit moves the caller's participant record onto the
// next circuit once they've finished (or not yet started) the current one.
func (a *API) AdvanceToNextCircuit(ctx context.Context, req AdvanceToNextCircuitRequest) error {
	return a.mutateParticipant(ctx, req.CeremonyID, req.Caller, func(p ceremony.Participant) (ceremony.Participant, error) {
		return participant.AdvanceToNextCircuit(p)
	})
}

// AdvanceStepRequest is the input to AdvanceStep.
type AdvanceStepRequest struct {
	CeremonyID string
	Caller     config.CallerIdentity
}

// AdvanceStep moves the caller's contribution to the next step in the
// fixed DOWNLOADING -> COMPUTING -> UPLOADING -> VERIFYING -> COMPLETED
// order.
func (a *API) AdvanceStep(ctx context.Context, req AdvanceStepRequest) error {
	now := a.Clock.NowMillis()
	return a.mutateParticipant(ctx, req.CeremonyID, req.Caller, func(p ceremony.Participant) (ceremony.Participant, error) {
		return participant.AdvanceStep(p, now)
	})
}

// StorePermanentContributionRecordRequest is the input to
// StorePermanentContributionRecord.
type StorePermanentContributionRecordRequest struct {
	CeremonyID      string
	Hash            string
	ComputationTime int64
	Caller          config.CallerIdentity
}

// StorePermanentContributionRecord records the reported hash and
// computation time once a contribution finishes computing.
// coordFinalizing is derived from the caller's role and the ceremony's
// current state, exempting the coordinator's own finalization pass from
// the ordinary COMPUTING-step guard.
func (a *API) StorePermanentContributionRecord(ctx context.Context, req StorePermanentContributionRecordRequest) error {
	coordFinalizing, err := a.isCoordFinalizing(ctx, req.CeremonyID, req.Caller)
	if err != nil {
		return err
	}
	return a.mutateParticipant(ctx, req.CeremonyID, req.Caller, func(p ceremony.Participant) (ceremony.Participant, error) {
		return participant.StorePermanentContributionRecord(p, req.Hash, req.ComputationTime, coordFinalizing)
	})
}

// StoreMultipartUploadIDRequest is the input to StoreMultipartUploadID.
type StoreMultipartUploadIDRequest struct {
	CeremonyID string
	UploadID   string
	Caller     config.CallerIdentity
}

// StoreMultipartUploadID records the upload id the caller's in-flight
// multipart upload was assigned.
func (a *API) StoreMultipartUploadID(ctx context.Context, req StoreMultipartUploadIDRequest) error {
	return a.mutateParticipant(ctx, req.CeremonyID, req.Caller, func(p ceremony.Participant) (ceremony.Participant, error) {
		return participant.StoreMultipartUploadID(p, req.UploadID)
	})
}

// StoreUploadedChunkRequest is the input to StoreUploadedChunk.
type StoreUploadedChunkRequest struct {
	CeremonyID string
	Chunk      ceremony.UploadedChunk
	Caller     config.CallerIdentity
}

// StoreUploadedChunk records one completed multipart upload part.
func (a *API) StoreUploadedChunk(ctx context.Context, req StoreUploadedChunkRequest) error {
	return a.mutateParticipant(ctx, req.CeremonyID, req.Caller, func(p ceremony.Participant) (ceremony.Participant, error) {
		return participant.StoreUploadedChunk(p, req.Chunk)
	})
}

// ResumeAfterTimeoutExpirationRequest is the input to
// ResumeAfterTimeoutExpiration.
type ResumeAfterTimeoutExpirationRequest struct {
	CeremonyID string
	Caller     config.CallerIdentity
}

// ResumeAfterTimeoutExpiration reinstates an EXHUMED participant once
// their timeout penalty window has actually elapsed, clearing any stale
// in-flight upload state from before the timeout.
func (a *API) ResumeAfterTimeoutExpiration(ctx context.Context, req ResumeAfterTimeoutExpirationRequest) error {
	return a.mutateParticipant(ctx, req.CeremonyID, req.Caller, func(p ceremony.Participant) (ceremony.Participant, error) {
		return participant.ResumeAfterTimeoutExpiration(p)
	})
}

// mutateParticipant is the shared shape behind every participant/coord
// operation: rate-limit, authenticate, load the caller's own Participant
// document, apply a pure FSM transformation, and commit. The Scheduler,
// watching the participants collection independently, reacts to whatever
// status transition the write produces.
func (a *API) mutateParticipant(ctx context.Context, ceremonyID string, caller config.CallerIdentity, fn func(ceremony.Participant) (ceremony.Participant, error)) error {
	if err := a.allow(ctx); err != nil {
		return err
	}
	if err := requireParticipant(caller); err != nil {
		return err
	}
	p, docID, err := a.loadParticipant(ctx, ceremonyID, caller)
	if err != nil {
		return err
	}
	if p.ID == "" {
		return errs.New(errs.NotFound, "coordinatorapi: participant %s has not been admitted", docID)
	}
	prevLastUpdated := p.LastUpdated
	next, err := fn(p)
	if err != nil {
		return err
	}
	if err := a.writeParticipant(ctx, docID, prevLastUpdated, &next); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "coordinatorapi: commit participant %s", docID)
	}
	return nil
}

// isCoordFinalizing reports whether caller is a coordinator acting while
// the ceremony is CLOSED, the condition that exempts
// storePermanentContributionRecord from its ordinary step=COMPUTING guard.
func (a *API) isCoordFinalizing(ctx context.Context, ceremonyID string, caller config.CallerIdentity) (bool, error) {
	if !a.Config.IsCoordinator(caller) {
		return false, nil
	}
	var cer ceremony.Ceremony
	if err := a.Store.Get(ctx, store.CollectionCeremonies, ceremonyID, &cer); err != nil {
		return false, errs.Wrap(errs.NotFound, err, "coordinatorapi: load ceremony %s", ceremonyID)
	}
	return cer.State == ceremony.CeremonyClosed, nil
}
