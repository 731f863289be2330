// Package scheduler implements the Scheduler: it reacts to every change
// delivered on the participants collection, classifies the
// transition as an admission-for-contribution or a completion, loads the
// affected circuit, applies the pure queue.* transformation, and commits
// the new circuit plus every resulting participant intent in one Store
// batch so observers never see a queue state that disagrees with the
// participant state it was coordinated with.
package scheduler

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/JekaMas/workerpool"
	"github.com/cockroachdb/errors"

	"github.com/ceremonial-labs/trustedsetup-coordinator/ceremony"
	"github.com/ceremonial-labs/trustedsetup-coordinator/internal/clock"
	"github.com/ceremonial-labs/trustedsetup-coordinator/internal/xlog"
	"github.com/ceremonial-labs/trustedsetup-coordinator/queue"
	"github.com/ceremonial-labs/trustedsetup-coordinator/store"
)

// Scheduler watches store.CollectionParticipants and advances circuit
// waiting queues in response. Concurrent invocations on the same circuit
// are made safe by the Store's conditional update on the circuit's
// lastUpdated: one of two racing writers gets store.ErrConditionFailed,
// and Run re-runs HandleChange for it (up to three attempts in all).
type Scheduler struct {
	Store Store
	Clock clock.Clock

	// pool bounds how many change-handler invocations run concurrently,
	// the way the teacher uses a worker pool to cap fan-out rather than
	// spawning one goroutine per event unboundedly.
	pool *workerpool.WorkerPool
}

// Store is the subset of store.Store plus store.ChangeStream the Scheduler
// needs; declared narrowly so tests can inject a minimal fake.
type Store interface {
	store.Store
	store.ChangeStream
}

// New constructs a Scheduler with a bounded handler concurrency of
// maxConcurrent (use 1 for strictly sequential handling in tests).
func New(s Store, clk clock.Clock, maxConcurrent int) *Scheduler {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Scheduler{Store: s, Clock: clk, pool: workerpool.New(maxConcurrent)}
}

// Run subscribes to the participants change feed and dispatches each
// change to HandleChange on the worker pool until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ch, err := s.Store.Watch(ctx, store.CollectionParticipants)
	if err != nil {
		return errors.Wrap(err, "scheduler: watch participants")
	}
	for {
		select {
		case <-ctx.Done():
			s.pool.StopWait()
			return ctx.Err()
		case change, ok := <-ch:
			if !ok {
				s.pool.StopWait()
				return nil
			}
			s.pool.Submit(func() {
				// A writer that lost a conditional-update race re-runs
				// the handler against freshly loaded state.
				const maxAttempts = 3
				err := s.HandleChange(ctx, change)
				for attempt := 1; attempt < maxAttempts && errors.Is(err, store.ErrConditionFailed); attempt++ {
					err = s.HandleChange(ctx, change)
				}
				if err != nil {
					xlog.Warn("scheduler: handle change failed", "collection", change.Collection, "id", change.ID, "err", err)
				}
			})
		}
	}
}

// HandleChange classifies one (before, after) participant delivery and
// applies whatever queue transition it implies.
func (s *Scheduler) HandleChange(ctx context.Context, change store.Change) error {
	var after ceremony.Participant
	if len(change.After) == 0 {
		return nil
	}
	if err := json.Unmarshal(change.After, &after); err != nil {
		return errors.Wrap(err, "scheduler: unmarshal after")
	}
	var before ceremony.Participant
	haveBefore := len(change.Before) > 0
	if haveBefore {
		if err := json.Unmarshal(change.Before, &before); err != nil {
			return errors.Wrap(err, "scheduler: unmarshal before")
		}
	}

	if haveBefore && reflect.DeepEqual(before, after) {
		return nil // no-op change, nothing to classify
	}

	if !haveBefore {
		// A freshly created participant document has no predecessor to
		// diff against; the WAITING status set by admitParticipant is not
		// itself a scheduler trigger, only a later READY transition is.
		// Skip rather than error, the same tolerance the rest of this
		// handler gives to peripheral NotFound/empty-snapshot cases.
		return nil
	}

	switch {
	case s.isAdmissionForContribution(before, after):
		return s.handleAdmission(ctx, before, after)
	case s.isCompletion(before, after):
		return s.handleCompletion(ctx, before, after)
	default:
		return nil
	}
}

func (s *Scheduler) isAdmissionForContribution(before, after ceremony.Participant) bool {
	if after.Status != ceremony.StatusReady {
		return false
	}
	return before.ContributionProgress == 0 ||
		before.ContributionProgress == after.ContributionProgress ||
		after.ContributionProgress == before.ContributionProgress+1 && after.ContributionProgress != 1
}

func (s *Scheduler) isCompletion(before, after ceremony.Participant) bool {
	verifyToCompleted := before.Status == ceremony.StatusContributing &&
		before.ContributionStep == ceremony.StepVerifying &&
		after.Status == ceremony.StatusContributed &&
		after.ContributionStep == ceremony.StepCompleted &&
		before.ContributionProgress == after.ContributionProgress
	doneTransition := after.Status == ceremony.StatusDone && before.Status != ceremony.StatusDone
	return verifyToCompleted || doneTransition
}

func (s *Scheduler) handleAdmission(ctx context.Context, before, after ceremony.Participant) error {
	circuitID, circuit, err := s.loadCircuitAtProgress(ctx, after.CeremonyID, after.ContributionProgress)
	if err != nil {
		return err
	}
	if circuit == nil {
		xlog.Warn("scheduler: no circuit at progress, skipping", "ceremonyId", after.CeremonyID, "progress", after.ContributionProgress)
		return nil
	}

	isResuming := circuit.WaitingQueue.CurrentContributor == after.ID
	var result queue.Result
	if isResuming {
		result = queue.ResumeAfterTimeout(circuit.WaitingQueue, after.ID)
	} else {
		result = queue.Enroll(circuit.WaitingQueue, after.ID)
	}

	return s.commit(ctx, after.CeremonyID, circuitID, circuit, result)
}

func (s *Scheduler) handleCompletion(ctx context.Context, before, after ceremony.Participant) error {
	circuitID, circuit, err := s.loadCircuitAtProgress(ctx, after.CeremonyID, before.ContributionProgress)
	if err != nil {
		return err
	}
	if circuit == nil {
		xlog.Warn("scheduler: no circuit at progress for completion, skipping", "ceremonyId", after.CeremonyID, "progress", before.ContributionProgress)
		return nil
	}

	result, err := queue.CompleteHead(circuit.WaitingQueue)
	if err != nil {
		xlog.Warn("scheduler: completeHead on empty queue, skipping", "circuitId", circuitID, "err", err)
		return nil
	}
	return s.commit(ctx, after.CeremonyID, circuitID, circuit, result)
}

// loadCircuitAtProgress finds the circuit whose SequencePosition equals
// progress (progress is 1-based; a participant at progress P is assigned
// to the circuit at sequence position P). Returns a nil circuit, not an
// error, when none exists so peripheral/mis-sequenced ceremonies are
// skipped rather than aborting the handler.
func (s *Scheduler) loadCircuitAtProgress(ctx context.Context, ceremonyID string, progress int) (string, *ceremony.Circuit, error) {
	if progress < 1 {
		return "", nil, nil
	}
	var circuits []ceremony.Circuit
	err := s.Store.Query(ctx, store.CollectionCircuits, []store.Filter{
		{Field: "ceremonyId", Op: store.FilterEq, Value: ceremonyID},
		{Field: "sequencePosition", Op: store.FilterEq, Value: progress},
	}, &circuits)
	if err != nil {
		return "", nil, errors.Wrap(err, "scheduler: query circuit")
	}
	if len(circuits) == 0 {
		return "", nil, nil
	}
	c := circuits[0]
	return ceremony.CircuitDocID(ceremonyID, c.ID), &c, nil
}

func (s *Scheduler) commit(ctx context.Context, ceremonyID, circuitDocID string, circuit *ceremony.Circuit, result queue.Result) error {
	now := s.Clock.NowMillis()
	circuit.WaitingQueue = result.Queue
	prevLastUpdated := circuit.LastUpdated
	circuit.LastUpdated = now

	batch := []store.Op{{
		Kind:                store.OpConditionalUpdate,
		Collection:          store.CollectionCircuits,
		ID:                  circuitDocID,
		Value:               circuit,
		ExpectedLastUpdated: prevLastUpdated,
	}}

	for _, intent := range result.Intents {
		pid := ceremony.ParticipantDocID(ceremonyID, intent.ParticipantID)
		var p ceremony.Participant
		if err := s.Store.Get(ctx, store.CollectionParticipants, pid, &p); err != nil {
			return errors.Wrapf(err, "scheduler: load participant %s for intent", pid)
		}
		prevParticipantLastUpdated := p.LastUpdated
		p.Status = intent.Status
		if intent.ContributionStep != "" {
			p.ContributionStep = intent.ContributionStep
		}
		if intent.SetContributionStartedAt {
			p.ContributionStartedAt = now
		}
		p.LastUpdated = now
		batch = append(batch, store.Op{
			Kind:                store.OpConditionalUpdate,
			Collection:          store.CollectionParticipants,
			ID:                  pid,
			Value:               &p,
			ExpectedLastUpdated: prevParticipantLastUpdated,
		})
	}

	if err := s.Store.Write(ctx, batch); err != nil {
		return errors.Wrap(err, "scheduler: commit batch")
	}
	return nil
}
