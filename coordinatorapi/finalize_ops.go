package coordinatorapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/ceremonial-labs/trustedsetup-coordinator/ceremony"
	"github.com/ceremonial-labs/trustedsetup-coordinator/config"
	"github.com/ceremonial-labs/trustedsetup-coordinator/coordinatorapi/errs"
	"github.com/ceremonial-labs/trustedsetup-coordinator/participant"
	"github.com/ceremonial-labs/trustedsetup-coordinator/store"
	"github.com/ceremonial-labs/trustedsetup-coordinator/verifier"
)

// PrepareForFinalizationRequest is the input to PrepareForFinalization.
// TargetParticipantID names the DONE participant the coordinator is
// advancing; the coordinator role drives this per participant rather than
// the participant self-service operations above, so the caller's own
// identity is only used for the role guard.
type PrepareForFinalizationRequest struct {
	CeremonyID          string
	TargetParticipantID string
	Caller              config.CallerIdentity
}

// PrepareForFinalization advances a participant from DONE to FINALIZING
// iff the ceremony is CLOSED and the participant has contributed to every
// circuit.
func (a *API) PrepareForFinalization(ctx context.Context, req PrepareForFinalizationRequest) error {
	if err := a.allow(ctx); err != nil {
		return err
	}
	if err := a.requireCoordinator(req.Caller); err != nil {
		return err
	}

	var cer ceremony.Ceremony
	if err := a.Store.Get(ctx, store.CollectionCeremonies, req.CeremonyID, &cer); err != nil {
		return errs.Wrap(errs.NotFound, err, "coordinatorapi: load ceremony %s", req.CeremonyID)
	}
	circuitCount, err := a.circuitCount(ctx, req.CeremonyID)
	if err != nil {
		return err
	}

	docID := ceremony.ParticipantDocID(req.CeremonyID, req.TargetParticipantID)
	var p ceremony.Participant
	if err := a.Store.Get(ctx, store.CollectionParticipants, docID, &p); err != nil {
		return errs.Wrap(errs.NotFound, err, "coordinatorapi: load participant %s", docID)
	}

	prevLastUpdated := p.LastUpdated
	next, err := participant.PrepareForFinalization(p, cer.State, circuitCount)
	if err != nil {
		return err
	}
	return a.writeParticipant(ctx, docID, prevLastUpdated, &next)
}

// FinalizeCeremonyRequest is the input to FinalizeCeremony.
type FinalizeCeremonyRequest struct {
	CeremonyID          string
	TargetParticipantID string
	Caller              config.CallerIdentity
}

// FinalizeCeremonyResult reports whether this call drove the ceremony
// itself from CLOSED to FINALIZED (true only for the participant whose
// transition leaves none still short of FINALIZED).
type FinalizeCeremonyResult struct {
	CeremonyFinalized bool
}

// FinalizeCeremony applies the FINALIZING -> FINALIZED participant
// transition, then, if every participant in the ceremony has now reached
// FINALIZED, advances the Ceremony document itself from CLOSED to
// FINALIZED.
func (a *API) FinalizeCeremony(ctx context.Context, req FinalizeCeremonyRequest) (FinalizeCeremonyResult, error) {
	if err := a.allow(ctx); err != nil {
		return FinalizeCeremonyResult{}, err
	}
	if err := a.requireCoordinator(req.Caller); err != nil {
		return FinalizeCeremonyResult{}, err
	}

	docID := ceremony.ParticipantDocID(req.CeremonyID, req.TargetParticipantID)
	var p ceremony.Participant
	if err := a.Store.Get(ctx, store.CollectionParticipants, docID, &p); err != nil {
		return FinalizeCeremonyResult{}, errs.Wrap(errs.NotFound, err, "coordinatorapi: load participant %s", docID)
	}
	prevLastUpdated := p.LastUpdated
	next, err := participant.FinalizeCeremony(p)
	if err != nil {
		return FinalizeCeremonyResult{}, err
	}
	if err := a.writeParticipant(ctx, docID, prevLastUpdated, &next); err != nil {
		return FinalizeCeremonyResult{}, errs.Wrap(errs.StorageFailure, err, "coordinatorapi: commit participant %s", docID)
	}

	var all []ceremony.Participant
	if err := a.Store.Query(ctx, store.CollectionParticipants, []store.Filter{
		{Field: "ceremonyId", Op: store.FilterEq, Value: req.CeremonyID},
	}, &all); err != nil {
		return FinalizeCeremonyResult{}, errs.Wrap(errs.StorageFailure, err, "coordinatorapi: query participants")
	}
	for _, other := range all {
		if other.Status != ceremony.StatusFinalized {
			return FinalizeCeremonyResult{}, nil
		}
	}

	var cer ceremony.Ceremony
	if err := a.Store.Get(ctx, store.CollectionCeremonies, req.CeremonyID, &cer); err != nil {
		return FinalizeCeremonyResult{}, errs.Wrap(errs.NotFound, err, "coordinatorapi: load ceremony %s", req.CeremonyID)
	}
	if cer.State != ceremony.CeremonyClosed {
		return FinalizeCeremonyResult{}, nil
	}
	prevCeremonyLastUpdated := cer.LastUpdated
	cer.State = ceremony.CeremonyFinalized
	cer.LastUpdated = a.Clock.NowMillis()
	if err := a.Store.Write(ctx, []store.Op{{
		Kind:                store.OpConditionalUpdate,
		Collection:          store.CollectionCeremonies,
		ID:                  req.CeremonyID,
		Value:               &cer,
		ExpectedLastUpdated: prevCeremonyLastUpdated,
	}}); err != nil {
		return FinalizeCeremonyResult{}, errs.Wrap(errs.StorageFailure, err, "coordinatorapi: finalize ceremony %s", req.CeremonyID)
	}
	return FinalizeCeremonyResult{CeremonyFinalized: true}, nil
}

// FinalizeCircuitRequest is the input to FinalizeCircuit.
// VerifierContractFilename and VerificationKeyFilename name the artifacts
// the coordinator has already uploaded to the circuit's
// verifier_contract/verification_key prefixes; both are optional, since
// not every circuit ships a Solidity verifier.
type FinalizeCircuitRequest struct {
	CeremonyID               string
	CircuitID                string
	BucketName               string
	BeaconValue              string
	VerifierContractFilename string
	VerificationKeyFilename  string
	Caller                   config.CallerIdentity
}

// FinalizeCircuitResult is the output of FinalizeCircuit.
type FinalizeCircuitResult struct {
	Valid bool
	Beacon ceremony.Beacon
}

// FinalizeCircuit runs the verification pipeline in finalizing mode
// against the random-beacon-derived final contribution, then records
// `{beacon.value, beacon.hash}` and any verifier-contract/verification-key
// artifact references on the resulting Contribution document.
func (a *API) FinalizeCircuit(ctx context.Context, req FinalizeCircuitRequest) (FinalizeCircuitResult, error) {
	if err := a.allow(ctx); err != nil {
		return FinalizeCircuitResult{}, err
	}
	if err := a.requireCoordinator(req.Caller); err != nil {
		return FinalizeCircuitResult{}, err
	}

	result, err := a.Verifier.VerifyContribution(ctx, verifier.Request{
		CeremonyID: req.CeremonyID,
		CircuitID:  req.CircuitID,
		BucketName: req.BucketName,
		Caller:     req.Caller,
		Finalizing: true,
	})
	if err != nil {
		return FinalizeCircuitResult{}, err
	}

	sum := sha256.Sum256([]byte(req.BeaconValue))
	beacon := ceremony.Beacon{Value: req.BeaconValue, Hash: hex.EncodeToString(sum[:])}

	circuit, err := a.loadCircuit(ctx, req.CeremonyID, req.CircuitID)
	if err != nil {
		return FinalizeCircuitResult{}, err
	}

	contributionID := ceremony.ContributionDocID(req.CircuitID, req.CircuitID+"-"+ceremony.FinalZkeyIndex)
	var contribution ceremony.Contribution
	if err := a.Store.Get(ctx, store.CollectionContributions, contributionID, &contribution); err != nil {
		return FinalizeCircuitResult{}, errs.Wrap(errs.NotFound, err, "coordinatorapi: load final contribution %s", contributionID)
	}
	contribution.Beacon = &beacon
	if req.VerifierContractFilename != "" {
		contribution.VerifierContractAddr = verifierContractKey(circuit, req.VerifierContractFilename)
	}
	if req.VerificationKeyFilename != "" {
		contribution.VerificationKeyRef = verificationKeyKey(circuit, req.VerificationKeyFilename)
	}
	if err := a.Store.Write(ctx, []store.Op{{
		Kind:       store.OpUpdate,
		Collection: store.CollectionContributions,
		ID:         contributionID,
		Value:      &contribution,
	}}); err != nil {
		return FinalizeCircuitResult{}, errs.Wrap(errs.StorageFailure, err, "coordinatorapi: record beacon on %s", contributionID)
	}

	return FinalizeCircuitResult{Valid: result.Valid, Beacon: beacon}, nil
}

func (a *API) circuitCount(ctx context.Context, ceremonyID string) (int, error) {
	var circuits []ceremony.Circuit
	if err := a.Store.Query(ctx, store.CollectionCircuits, []store.Filter{
		{Field: "ceremonyId", Op: store.FilterEq, Value: ceremonyID},
	}, &circuits); err != nil {
		return 0, errs.Wrap(errs.StorageFailure, err, "coordinatorapi: query circuits for %s", ceremonyID)
	}
	return len(circuits), nil
}
