// Package coordinatorapi is the coordinator's external interface: one
// authenticated operation per callable RPC, each a thin orchestration of
// the ParticipantFSM, queue, Store, BlobStore, and Verifier collaborators
// already built. Every operation takes a config.CallerIdentity and applies
// a participant- or coordinator-role guard before touching any state.
package coordinatorapi

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"github.com/ceremonial-labs/trustedsetup-coordinator/blobstore"
	"github.com/ceremonial-labs/trustedsetup-coordinator/ceremony"
	"github.com/ceremonial-labs/trustedsetup-coordinator/config"
	"github.com/ceremonial-labs/trustedsetup-coordinator/coordinatorapi/errs"
	"github.com/ceremonial-labs/trustedsetup-coordinator/internal/clock"
	"github.com/ceremonial-labs/trustedsetup-coordinator/store"
	"github.com/ceremonial-labs/trustedsetup-coordinator/verifier"
)

// Store is the subset of store.Store the API layer needs.
type Store interface {
	Get(ctx context.Context, collection, id string, out any) error
	Query(ctx context.Context, collection string, filters []store.Filter, out any) error
	Write(ctx context.Context, batch []store.Op) error
}

// API is the callable-operations surface. It is constructor-injected with
// every collaborator rather than reaching for package-level globals, the
// same dependency style the rest of this module uses.
type API struct {
	Store    Store
	Blob     blobstore.BlobStore
	Verifier *verifier.Verifier
	Clock    clock.Clock
	Config   config.Config

	// limiter throttles the callable surface as a whole; each inbound
	// RPC consumes one token before any Store or BlobStore work begins,
	// the ecosystem's standard shape for protecting a backend from a
	// runaway or misbehaving client (golang.org/x/time/rate).
	limiter *rate.Limiter
}

// New constructs an API. ratePerSecond and burst configure the shared
// token-bucket limiter guarding every operation; pass 0 for ratePerSecond
// to disable limiting (e.g. in tests).
func New(s Store, blob blobstore.BlobStore, v *verifier.Verifier, clk clock.Clock, cfg config.Config, ratePerSecond float64, burst int) *API {
	var limiter *rate.Limiter
	if ratePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	}
	return &API{Store: s, Blob: blob, Verifier: v, Clock: clk, Config: cfg, limiter: limiter}
}

func (a *API) allow(ctx context.Context) error {
	if a.limiter == nil {
		return nil
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return errs.Wrap(errs.FailedPrecondition, err, "coordinatorapi: rate limit wait")
	}
	return nil
}

func (a *API) requireCoordinator(caller config.CallerIdentity) error {
	if !a.Config.IsCoordinator(caller) {
		return errs.New(errs.PermissionDenied, "coordinatorapi: caller %s is not a coordinator", caller.Email)
	}
	return nil
}

func (a *API) loadParticipant(ctx context.Context, ceremonyID string, caller config.CallerIdentity) (ceremony.Participant, string, error) {
	docID := ceremony.ParticipantDocID(ceremonyID, caller.ParticipantID)
	var p ceremony.Participant
	if err := a.Store.Get(ctx, store.CollectionParticipants, docID, &p); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return p, docID, nil
		}
		return p, docID, errs.Wrap(errs.StorageFailure, err, "coordinatorapi: load participant %s", docID)
	}
	return p, docID, nil
}

func (a *API) liveTimeout(ctx context.Context, ceremonyID, participantID string) (bool, error) {
	var timeouts []ceremony.Timeout
	if err := a.Store.Query(ctx, store.CollectionTimeouts, []store.Filter{
		{Field: "ceremonyId", Op: store.FilterEq, Value: ceremonyID},
		{Field: "participantId", Op: store.FilterEq, Value: participantID},
	}, &timeouts); err != nil {
		return false, errs.Wrap(errs.StorageFailure, err, "coordinatorapi: query timeouts")
	}
	now := a.Clock.NowMillis()
	for _, t := range timeouts {
		if t.IsLive(now) {
			return true, nil
		}
	}
	return false, nil
}

func (a *API) writeParticipant(ctx context.Context, docID string, prevLastUpdated int64, p *ceremony.Participant) error {
	now := a.Clock.NowMillis()
	p.LastUpdated = now
	kind := store.OpConditionalUpdate
	if prevLastUpdated == 0 {
		kind = store.OpCreate
	}
	return a.Store.Write(ctx, []store.Op{{
		Kind:                kind,
		Collection:          store.CollectionParticipants,
		ID:                  docID,
		Value:               p,
		ExpectedLastUpdated: prevLastUpdated,
	}})
}
