// Package participant implements the ParticipantFSM: guard checks for
// every state transition a Participant document can undergo.
// Functions here are pure with respect to the Store — they take a
// ceremony.Participant value and return the mutated value (or a typed
// error), leaving persistence to the caller (package coordinatorapi, the
// sweeper, or verifier.RefreshHandler), which writes the participant
// document; the Scheduler reacts to that write afterwards in its own batch.
package participant

import (
	"github.com/ceremonial-labs/trustedsetup-coordinator/ceremony"
	"github.com/ceremonial-labs/trustedsetup-coordinator/coordinatorapi/errs"
	"github.com/ceremonial-labs/trustedsetup-coordinator/internal/clock"
)

// Admit handles a participant's first or returning contact with a
// ceremony: (new) -> WAITING, and TIMEDOUT -> EXHUMED once their penalty
// has lapsed. liveTimeout reports whether the participant currently has a
// Timeout document with EndDate >= now.
//
// Admit never mutates p in place; it returns the new value.
func Admit(p ceremony.Participant, liveTimeout bool, clk clock.Clock) (ceremony.Participant, error) {
	switch p.Status {
	case "":
		p.Status = ceremony.StatusWaiting
		p.ContributionProgress = 0
		return p, nil
	case ceremony.StatusTimedOut:
		if liveTimeout {
			// Still serving a penalty: re-admission is a no-op observed
			// from the caller's perspective, not an error — the caller
			// (coordinatorapi.AdmitParticipant) reports canContribute=false.
			return p, nil
		}
		p.Status = ceremony.StatusExhumed
		return p, nil
	default:
		// Admission on any other status is idempotent: return the
		// participant unchanged so repeated admitParticipant calls are
		// safe to retry.
		return p, nil
	}
}

// AdvanceToNextCircuit implements the WAITING/CONTRIBUTED -> READY rows.
func AdvanceToNextCircuit(p ceremony.Participant) (ceremony.Participant, error) {
	switch {
	case p.Status == ceremony.StatusWaiting && p.ContributionProgress == 0:
		p.Status = ceremony.StatusReady
		p.ContributionProgress = 1
		return p, nil
	case p.Status == ceremony.StatusContributed && p.ContributionProgress > 0 && p.ContributionStep == ceremony.StepCompleted:
		p.Status = ceremony.StatusReady
		p.ContributionProgress++
		p.ContributionStep = ""
		return p, nil
	default:
		return p, errs.New(errs.FailedPrecondition,
			"advanceToNextCircuit: invalid state status=%s progress=%d step=%s",
			p.Status, p.ContributionProgress, p.ContributionStep)
	}
}

// ResumeAfterTimeoutExpiration implements EXHUMED -> READY.
func ResumeAfterTimeoutExpiration(p ceremony.Participant) (ceremony.Participant, error) {
	if p.Status != ceremony.StatusExhumed {
		return p, errs.New(errs.FailedPrecondition,
			"resumeAfterTimeoutExpiration: participant not EXHUMED (status=%s)", p.Status)
	}
	p.Status = ceremony.StatusReady
	// A fresh attempt must not resume a stale multipart upload left over
	// from before the timeout (SPEC_FULL.md supplemented feature 4).
	p.TempContributionData = ceremony.TempContributionData{}
	return p, nil
}

// PromoteToContributing implements READY -> CONTRIBUTING(DOWNLOADING).
// No client RPC calls it; the scheduler does not call it either, since it
// applies the queue package's intents to participant documents directly.
func PromoteToContributing(p ceremony.Participant, nowMillis int64) (ceremony.Participant, error) {
	if p.Status != ceremony.StatusReady {
		return p, errs.New(errs.FailedPrecondition, "promote: participant not READY (status=%s)", p.Status)
	}
	p.Status = ceremony.StatusContributing
	p.ContributionStep = ceremony.StepDownloading
	p.ContributionStartedAt = nowMillis
	return p, nil
}

// QueueAsWaiting implements READY -> WAITING. The scheduler does not call
// it; it applies the queue package's intents to participant documents
// directly.
func QueueAsWaiting(p ceremony.Participant) (ceremony.Participant, error) {
	if p.Status != ceremony.StatusReady {
		return p, errs.New(errs.FailedPrecondition, "queue: participant not READY (status=%s)", p.Status)
	}
	p.Status = ceremony.StatusWaiting
	return p, nil
}

// AdvanceStep implements the strict single-step CONTRIBUTING advancement
// through the fixed order DOWNLOADING -> COMPUTING -> UPLOADING ->
// VERIFYING -> COMPLETED. Entering VERIFYING sets VerificationStartedAt.
func AdvanceStep(p ceremony.Participant, nowMillis int64) (ceremony.Participant, error) {
	if p.Status != ceremony.StatusContributing {
		return p, errs.New(errs.FailedPrecondition, "advanceStep: participant not CONTRIBUTING (status=%s)", p.Status)
	}
	next, ok := ceremony.NextStep(p.ContributionStep)
	if !ok {
		return p, errs.New(errs.FailedPrecondition, "advanceStep: no step follows %s", p.ContributionStep)
	}
	p.ContributionStep = next
	if next == ceremony.StepVerifying {
		p.VerificationStartedAt = nowMillis
	}
	return p, nil
}

// CompleteContribution implements CONTRIBUTING -> CONTRIBUTED|DONE on a
// successful verification, as driven by the post-verification refresh
// handler.
// circuitCount is the ceremony's total circuit count; progress+1>circuitCount
// means this was the last circuit.
func CompleteContribution(p ceremony.Participant, circuitCount int) ceremony.Participant {
	p.ContributionStep = ceremony.StepCompleted
	if p.ContributionProgress+1 > circuitCount {
		p.Status = ceremony.StatusDone
	} else {
		p.Status = ceremony.StatusContributed
	}
	p.TempContributionData = ceremony.TempContributionData{}
	return p
}

// TimeOut implements CONTRIBUTING/* -> TIMEDOUT (TimeoutSweeper path).
func TimeOut(p ceremony.Participant) ceremony.Participant {
	p.Status = ceremony.StatusTimedOut
	return p
}

// PrepareForFinalization implements DONE -> FINALIZING, requiring the
// ceremony to be CLOSED and the participant to have contributed to every
// circuit.
func PrepareForFinalization(p ceremony.Participant, ceremonyState ceremony.CeremonyState, circuitCount int) (ceremony.Participant, error) {
	if ceremonyState != ceremony.CeremonyClosed {
		return p, errs.New(errs.FailedPrecondition, "prepareForFinalization: ceremony not CLOSED")
	}
	if p.Status != ceremony.StatusDone {
		return p, errs.New(errs.FailedPrecondition, "prepareForFinalization: participant not DONE (status=%s)", p.Status)
	}
	if p.ContributionProgress != circuitCount {
		return p, errs.New(errs.FailedPrecondition, "prepareForFinalization: progress %d != circuitCount %d", p.ContributionProgress, circuitCount)
	}
	p.Status = ceremony.StatusFinalizing
	return p, nil
}

// FinalizeCeremony implements FINALIZING -> FINALIZED.
func FinalizeCeremony(p ceremony.Participant) (ceremony.Participant, error) {
	if p.Status != ceremony.StatusFinalizing {
		return p, errs.New(errs.FailedPrecondition, "finalizeCeremony: participant not FINALIZING (status=%s)", p.Status)
	}
	p.Status = ceremony.StatusFinalized
	return p, nil
}

// StorePermanentContributionRecord appends a pending contribution entry,
// requiring step=COMPUTING (or the coordinator finalizing the last
// contribution, which advanceStep's normal flow still routes through
// COMPUTING for uniformity — finalizing callers are expected to have
// already advanced the finalizing participant's step themselves).
func StorePermanentContributionRecord(p ceremony.Participant, hash string, computationTime int64, coordFinalizing bool) (ceremony.Participant, error) {
	if p.ContributionStep != ceremony.StepComputing && !coordFinalizing {
		return p, errs.New(errs.FailedPrecondition, "storePermanentContributionRecord: requires step=COMPUTING (step=%s)", p.ContributionStep)
	}
	if p.PendingContributionIndex() != -1 {
		return p, errs.New(errs.FailedPrecondition, "storePermanentContributionRecord: a pending contribution entry already exists")
	}
	p.Contributions = append(p.Contributions, ceremony.ContributionEntry{
		Hash:            hash,
		ComputationTime: computationTime,
	})
	p.TempContributionData.ContributionComputationTime = computationTime
	return p, nil
}

// StoreMultipartUploadID persists the upload id, requiring step=UPLOADING.
func StoreMultipartUploadID(p ceremony.Participant, uploadID string) (ceremony.Participant, error) {
	if p.ContributionStep != ceremony.StepUploading {
		return p, errs.New(errs.FailedPrecondition, "storeMultipartUploadId: requires step=UPLOADING (step=%s)", p.ContributionStep)
	}
	p.TempContributionData.UploadID = uploadID
	return p, nil
}

// StoreUploadedChunk appends a chunk record, requiring step=UPLOADING.
func StoreUploadedChunk(p ceremony.Participant, chunk ceremony.UploadedChunk) (ceremony.Participant, error) {
	if p.ContributionStep != ceremony.StepUploading {
		return p, errs.New(errs.FailedPrecondition, "storeUploadedChunk: requires step=UPLOADING (step=%s)", p.ContributionStep)
	}
	p.TempContributionData.Chunks = append(p.TempContributionData.Chunks, chunk)
	return p, nil
}
