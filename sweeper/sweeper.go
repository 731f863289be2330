// Package sweeper implements the TimeoutSweeper: a fixed-cadence scan
// over every OPENED ceremony's circuits, evicting a
// current contributor whose contribution or verification window has
// elapsed, the same periodic-scan-plus-atomic-commit shape package
// scheduler uses for its own change-driven mutations.
package sweeper

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/JekaMas/workerpool"
	"github.com/cockroachdb/errors"

	"github.com/ceremonial-labs/trustedsetup-coordinator/ceremony"
	"github.com/ceremonial-labs/trustedsetup-coordinator/internal/clock"
	"github.com/ceremonial-labs/trustedsetup-coordinator/internal/xlog"
	"github.com/ceremonial-labs/trustedsetup-coordinator/participant"
	"github.com/ceremonial-labs/trustedsetup-coordinator/queue"
	"github.com/ceremonial-labs/trustedsetup-coordinator/store"
)

// verificationWindowMillis is the fixed verification deadline:
// verificationStartedAt + 59 minutes.
const verificationWindowMillis = 59 * 60 * 1000

// Store is the subset of store.Store Sweeper needs.
type Store interface {
	Get(ctx context.Context, collection, id string, out any) error
	Query(ctx context.Context, collection string, filters []store.Filter, out any) error
	Write(ctx context.Context, batch []store.Op) error
}

// Sweeper runs the periodic scan on Interval, bounding per-tick fan-out
// across circuits with a worker pool the same way package scheduler bounds
// per-change fan-out.
type Sweeper struct {
	Store    Store
	Clock    clock.Clock
	Interval time.Duration

	pool *workerpool.WorkerPool
}

// New constructs a Sweeper. maxConcurrent bounds how many circuits are
// evaluated at once per tick.
func New(s Store, clk clock.Clock, interval time.Duration, maxConcurrent int) *Sweeper {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Sweeper{Store: s, Clock: clk, Interval: interval, pool: workerpool.New(maxConcurrent)}
}

// Run ticks every s.Interval until ctx is cancelled, invoking Tick on each
// firing.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.pool.StopWait()
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				xlog.Warn("sweeper: tick failed", "err", err)
			}
		}
	}
}

// Tick runs one scan over every OPENED, still-running ceremony and returns
// once every circuit it submitted to the pool has been swept.
func (s *Sweeper) Tick(ctx context.Context) error {
	now := s.Clock.NowMillis()
	var wg sync.WaitGroup

	var ceremonies []ceremony.Ceremony
	if err := s.Store.Query(ctx, store.CollectionCeremonies, []store.Filter{
		{Field: "state", Op: store.FilterEq, Value: string(ceremony.CeremonyOpened)},
	}, &ceremonies); err != nil {
		return errors.Wrap(err, "sweeper: query open ceremonies")
	}

	for _, cer := range ceremonies {
		if cer.EndDate < now {
			continue
		}
		cer := cer
		var circuits []ceremony.Circuit
		if err := s.Store.Query(ctx, store.CollectionCircuits, []store.Filter{
			{Field: "ceremonyId", Op: store.FilterEq, Value: cer.ID},
		}, &circuits); err != nil {
			xlog.Warn("sweeper: query circuits failed", "ceremonyId", cer.ID, "err", err)
			continue
		}
		for _, c := range circuits {
			c := c
			wg.Add(1)
			s.pool.Submit(func() {
				defer wg.Done()
				if err := s.sweepCircuit(ctx, cer, c, now); err != nil {
					xlog.Warn("sweeper: sweep circuit failed", "circuitId", c.ID, "err", err)
				}
			})
		}
	}
	wg.Wait()
	return nil
}

func (s *Sweeper) sweepCircuit(ctx context.Context, cer ceremony.Ceremony, circuit ceremony.Circuit, now int64) error {
	if circuit.WaitingQueue.CurrentContributor == "" {
		return nil
	}

	// Step 1: no baseline to compute a DYNAMIC deadline against on the
	// circuit's first-ever contribution.
	if cer.TimeoutType == ceremony.TimeoutDynamic &&
		circuit.WaitingQueue.CompletedContributions == 0 &&
		circuit.AvgTimings.FullContribution == 0 &&
		circuit.AvgTimings.ContributionComputation == 0 &&
		circuit.AvgTimings.VerifyCloudFunction == 0 {
		return nil
	}

	participantDocID := ceremony.ParticipantDocID(cer.ID, circuit.WaitingQueue.CurrentContributor)
	var p ceremony.Participant
	if err := s.Store.Get(ctx, store.CollectionParticipants, participantDocID, &p); err != nil {
		return errors.Wrapf(err, "sweeper: load current contributor %s", participantDocID)
	}

	kind, blocked := classify(cer, circuit, p, now)
	if !blocked {
		return nil
	}

	return s.evict(ctx, cer, circuit, p, kind, now)
}

// classify determines whether the circuit's current contributor has
// overstayed their contribution or verification window, and if so which
// kind of timeout that is.
func classify(cer ceremony.Ceremony, circuit ceremony.Circuit, p ceremony.Participant, now int64) (ceremony.TimeoutKind, bool) {
	switch p.ContributionStep {
	case ceremony.StepDownloading, ceremony.StepComputing, ceremony.StepUploading:
		deadline := contributionDeadline(cer, circuit, p)
		if now > deadline {
			return ceremony.TimeoutBlockingContribution, true
		}
	case ceremony.StepVerifying:
		if p.VerificationStartedAt > 0 {
			deadline := p.VerificationStartedAt + verificationWindowMillis
			if now > deadline {
				return ceremony.TimeoutBlockingVerification, true
			}
		}
	}
	return "", false
}

func contributionDeadline(cer ceremony.Ceremony, circuit ceremony.Circuit, p ceremony.Participant) int64 {
	if cer.TimeoutType == ceremony.TimeoutFixed {
		return p.ContributionStartedAt + circuit.DynamicTimeout.FixedTimeWindowMinutes*60000
	}
	thresholdFactor := float64(100+circuit.DynamicTimeout.DynamicThresholdPercent) / 100.0
	window := int64(float64(circuit.AvgTimings.FullContribution) * thresholdFactor)
	return p.ContributionStartedAt + window
}

// evict applies the timeout atomically: pop the queue head as a
// failure, mark the participant TIMEDOUT, and record a new Timeout
// document, all in one Store batch.
func (s *Sweeper) evict(ctx context.Context, cer ceremony.Ceremony, circuit ceremony.Circuit, p ceremony.Participant, kind ceremony.TimeoutKind, now int64) error {
	result, err := queue.EvictHead(circuit.WaitingQueue, false)
	if err != nil {
		return errors.Wrap(err, "sweeper: evictHead")
	}

	circuitDocID := ceremony.CircuitDocID(cer.ID, circuit.ID)
	prevCircuitLastUpdated := circuit.LastUpdated
	circuit.WaitingQueue = result.Queue
	circuit.LastUpdated = now

	p = participant.TimeOut(p)
	participantDocID := ceremony.ParticipantDocID(cer.ID, p.ID)
	prevParticipantLastUpdated := p.LastUpdated
	p.LastUpdated = now

	timeout := ceremony.Timeout{
		ID:            timeoutID(p.ID, now),
		ParticipantID: p.ID,
		CeremonyID:    cer.ID,
		Kind:          kind,
		StartDate:     now,
		EndDate:       now + cer.PenaltyMinutes*60000,
	}

	batch := []store.Op{
		{
			Kind:                store.OpConditionalUpdate,
			Collection:          store.CollectionCircuits,
			ID:                  circuitDocID,
			Value:               &circuit,
			ExpectedLastUpdated: prevCircuitLastUpdated,
		},
		{
			Kind:                store.OpConditionalUpdate,
			Collection:          store.CollectionParticipants,
			ID:                  participantDocID,
			Value:               &p,
			ExpectedLastUpdated: prevParticipantLastUpdated,
		},
		{
			Kind:       store.OpCreate,
			Collection: store.CollectionTimeouts,
			ID:         ceremony.TimeoutDocID(cer.ID, p.ID, timeout.ID),
			Value:      &timeout,
		},
	}

	for _, intent := range result.Intents {
		promotedID := ceremony.ParticipantDocID(cer.ID, intent.ParticipantID)
		var promoted ceremony.Participant
		if err := s.Store.Get(ctx, store.CollectionParticipants, promotedID, &promoted); err != nil {
			return errors.Wrapf(err, "sweeper: load promoted participant %s", promotedID)
		}
		prevPromotedLastUpdated := promoted.LastUpdated
		promoted.Status = intent.Status
		if intent.ContributionStep != "" {
			promoted.ContributionStep = intent.ContributionStep
		}
		if intent.SetContributionStartedAt {
			promoted.ContributionStartedAt = now
		}
		promoted.LastUpdated = now
		batch = append(batch, store.Op{
			Kind:                store.OpConditionalUpdate,
			Collection:          store.CollectionParticipants,
			ID:                  promotedID,
			Value:               &promoted,
			ExpectedLastUpdated: prevPromotedLastUpdated,
		})
	}

	if err := s.Store.Write(ctx, batch); err != nil {
		return errors.Wrap(err, "sweeper: commit eviction batch")
	}
	xlog.Info("sweeper: evicted stalled contributor", "circuitId", circuit.ID, "participantId", p.ID, "kind", kind)
	return nil
}

func timeoutID(participantID string, now int64) string {
	return participantID + "-" + strconv.FormatInt(now, 10)
}
