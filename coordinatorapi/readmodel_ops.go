package coordinatorapi

import (
	"context"

	"github.com/ceremonial-labs/trustedsetup-coordinator/ceremony"
	"github.com/ceremonial-labs/trustedsetup-coordinator/config"
	"github.com/ceremonial-labs/trustedsetup-coordinator/coordinatorapi/errs"
	"github.com/ceremonial-labs/trustedsetup-coordinator/store"
)

// ListCeremoniesRequest is the input to ListCeremonies.
type ListCeremoniesRequest struct {
	Caller config.CallerIdentity
}

// ListCeremoniesResult is the output of ListCeremonies.
type ListCeremoniesResult struct {
	Ceremonies []ceremony.Ceremony
}

// ListCeremonies is a thin read-model pass-through over every Ceremony
// document, letting a client render the set of ceremonies without reaching
// into the Store directly.
func (a *API) ListCeremonies(ctx context.Context, req ListCeremoniesRequest) (ListCeremoniesResult, error) {
	if err := a.allow(ctx); err != nil {
		return ListCeremoniesResult{}, err
	}
	if err := requireParticipant(req.Caller); err != nil {
		return ListCeremoniesResult{}, err
	}
	var ceremonies []ceremony.Ceremony
	if err := a.Store.Query(ctx, store.CollectionCeremonies, nil, &ceremonies); err != nil {
		return ListCeremoniesResult{}, errs.Wrap(errs.StorageFailure, err, "coordinatorapi: list ceremonies")
	}
	return ListCeremoniesResult{Ceremonies: ceremonies}, nil
}

// GetCeremonyRequest is the input to GetCeremony.
type GetCeremonyRequest struct {
	CeremonyID string
	Caller     config.CallerIdentity
}

// GetCeremony is a thin read-model pass-through over a single Ceremony
// document.
func (a *API) GetCeremony(ctx context.Context, req GetCeremonyRequest) (ceremony.Ceremony, error) {
	if err := a.allow(ctx); err != nil {
		return ceremony.Ceremony{}, err
	}
	if err := requireParticipant(req.Caller); err != nil {
		return ceremony.Ceremony{}, err
	}
	var cer ceremony.Ceremony
	if err := a.Store.Get(ctx, store.CollectionCeremonies, req.CeremonyID, &cer); err != nil {
		return ceremony.Ceremony{}, errs.Wrap(errs.NotFound, err, "coordinatorapi: get ceremony %s", req.CeremonyID)
	}
	return cer, nil
}

// GetCircuitsRequest is the input to GetCircuits.
type GetCircuitsRequest struct {
	CeremonyID string
	Caller     config.CallerIdentity
}

// GetCircuitsResult is the output of GetCircuits.
type GetCircuitsResult struct {
	Circuits []ceremony.Circuit
}

// GetCircuits is a thin read-model pass-through over every Circuit
// belonging to a ceremony, ordered as the Store returns them (callers
// sort by SequencePosition if a stable order is required).
func (a *API) GetCircuits(ctx context.Context, req GetCircuitsRequest) (GetCircuitsResult, error) {
	if err := a.allow(ctx); err != nil {
		return GetCircuitsResult{}, err
	}
	if err := requireParticipant(req.Caller); err != nil {
		return GetCircuitsResult{}, err
	}
	var circuits []ceremony.Circuit
	if err := a.Store.Query(ctx, store.CollectionCircuits, []store.Filter{
		{Field: "ceremonyId", Op: store.FilterEq, Value: req.CeremonyID},
	}, &circuits); err != nil {
		return GetCircuitsResult{}, errs.Wrap(errs.StorageFailure, err, "coordinatorapi: get circuits for %s", req.CeremonyID)
	}
	return GetCircuitsResult{Circuits: circuits}, nil
}

// GetCircuitByIDRequest is the input to GetCircuitByID.
type GetCircuitByIDRequest struct {
	CeremonyID string
	CircuitID  string
	Caller     config.CallerIdentity
}

// GetCircuitByID is a thin read-model pass-through over a single Circuit
// document.
func (a *API) GetCircuitByID(ctx context.Context, req GetCircuitByIDRequest) (ceremony.Circuit, error) {
	if err := a.allow(ctx); err != nil {
		return ceremony.Circuit{}, err
	}
	if err := requireParticipant(req.Caller); err != nil {
		return ceremony.Circuit{}, err
	}
	return a.loadCircuit(ctx, req.CeremonyID, req.CircuitID)
}
