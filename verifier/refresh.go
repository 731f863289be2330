package verifier

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"

	"github.com/ceremonial-labs/trustedsetup-coordinator/ceremony"
	"github.com/ceremonial-labs/trustedsetup-coordinator/internal/xlog"
	"github.com/ceremonial-labs/trustedsetup-coordinator/participant"
	"github.com/ceremonial-labs/trustedsetup-coordinator/store"
)

// ChangeStore is the Store plus ChangeStream narrowing the refresh handler
// needs, mirroring package scheduler's own narrowed Store interface.
type ChangeStore interface {
	Store
	store.ChangeStream
}

// RefreshHandler implements the post-verification refresh: a
// change handler on contribution creation that binds the new contribution
// back to the participant's pending entry and, unless the participant is
// finalizing, advances it to CONTRIBUTED or DONE. This is what produces
// the participant state change the Scheduler's completion branch
// (scheduler.HandleChange's isCompletion classification) reacts to.
type RefreshHandler struct {
	Store ChangeStore
}

// NewRefreshHandler constructs a RefreshHandler.
func NewRefreshHandler(s ChangeStore) *RefreshHandler {
	return &RefreshHandler{Store: s}
}

// Run subscribes to the contributions change feed and applies HandleChange
// to every creation event until ctx is cancelled.
func (h *RefreshHandler) Run(ctx context.Context) error {
	ch, err := h.Store.Watch(ctx, store.CollectionContributions)
	if err != nil {
		return errors.Wrap(err, "verifier: watch contributions")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case change, ok := <-ch:
			if !ok {
				return nil
			}
			if err := h.HandleChange(ctx, change); err != nil {
				xlog.Warn("verifier: refresh handler failed", "id", change.ID, "err", err)
			}
		}
	}
}

// HandleChange applies the post-verification refresh to one contribution change.
// Only creations (Before == nil) are acted on; contributions are otherwise
// immutable.
func (h *RefreshHandler) HandleChange(ctx context.Context, change store.Change) error {
	if len(change.Before) != 0 || len(change.After) == 0 {
		return nil
	}
	var c ceremony.Contribution
	if err := json.Unmarshal(change.After, &c); err != nil {
		return errors.Wrap(err, "verifier: unmarshal contribution")
	}

	ceremonyID, err := h.ceremonyIDForCircuit(ctx, c.CircuitID)
	if err != nil {
		return err
	}

	participantDocID := ceremony.ParticipantDocID(ceremonyID, c.ParticipantID)
	var p ceremony.Participant
	if err := h.Store.Get(ctx, store.CollectionParticipants, participantDocID, &p); err != nil {
		return errors.Wrapf(err, "verifier: load participant %s", participantDocID)
	}

	idx := p.PendingContributionIndex()
	if idx == -1 {
		xlog.Warn("verifier: refresh handler found no pending contribution entry", "participantId", p.ID, "contributionId", c.ID)
		return nil
	}
	p.Contributions[idx].DocRef = c.ID

	if p.Status != ceremony.StatusFinalizing {
		circuitCount, err := h.circuitCount(ctx, p.CeremonyID)
		if err != nil {
			return err
		}
		p = participant.CompleteContribution(p, circuitCount)
	}

	prevLastUpdated := p.LastUpdated
	batch := []store.Op{{
		Kind:                store.OpConditionalUpdate,
		Collection:          store.CollectionParticipants,
		ID:                  participantDocID,
		Value:               &p,
		ExpectedLastUpdated: prevLastUpdated,
	}}
	if err := h.Store.Write(ctx, batch); err != nil {
		return errors.Wrap(err, "verifier: commit refresh batch")
	}
	return nil
}

func (h *RefreshHandler) circuitCount(ctx context.Context, ceremonyID string) (int, error) {
	var circuits []ceremony.Circuit
	if err := h.Store.Query(ctx, store.CollectionCircuits, []store.Filter{
		{Field: "ceremonyId", Op: store.FilterEq, Value: ceremonyID},
	}, &circuits); err != nil {
		return 0, errors.Wrap(err, "verifier: query circuit count")
	}
	return len(circuits), nil
}

// ceremonyIDForCircuit recovers the ceremony id a circuit belongs to.
// Contribution documents carry only circuitId, so the participant
// document id — namespaced by ceremonyId — requires this one extra lookup.
func (h *RefreshHandler) ceremonyIDForCircuit(ctx context.Context, circuitID string) (string, error) {
	var circuits []ceremony.Circuit
	if err := h.Store.Query(ctx, store.CollectionCircuits, []store.Filter{
		{Field: "id", Op: store.FilterEq, Value: circuitID},
	}, &circuits); err != nil {
		return "", errors.Wrapf(err, "verifier: query circuit %s", circuitID)
	}
	if len(circuits) == 0 {
		return "", errors.Newf("verifier: circuit %s not found", circuitID)
	}
	return circuits[0].CeremonyID, nil
}
