package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ceremonial-labs/trustedsetup-coordinator/ceremony"
	"github.com/ceremonial-labs/trustedsetup-coordinator/internal/clock"
	"github.com/ceremonial-labs/trustedsetup-coordinator/store"
)

func TestTickEvictsBlockingContributionFixedTimeout(t *testing.T) {
	// S3: Carol becomes current at t=0 with step=DOWNLOADING on a
	// fixedTimeWindow=5-minute circuit; at t=6min the sweeper evicts her
	// and promotes Dave, who was next in the queue.
	ctx := context.Background()
	s := store.NewMemory()
	clk := clock.NewManual(time.UnixMilli(0))

	cer := ceremony.Ceremony{ID: "c1", State: ceremony.CeremonyOpened, TimeoutType: ceremony.TimeoutFixed, EndDate: 1 << 40, PenaltyMinutes: 10}
	circuit := ceremony.Circuit{
		ID: "k1", CeremonyID: "c1",
		DynamicTimeout: ceremony.DynamicTimeoutParams{FixedTimeWindowMinutes: 5},
		WaitingQueue:   ceremony.WaitingQueue{Contributors: []string{"carol", "dave"}, CurrentContributor: "carol"},
	}
	carol := ceremony.Participant{ID: "carol", CeremonyID: "c1", Status: ceremony.StatusContributing, ContributionStep: ceremony.StepDownloading, ContributionStartedAt: 0}
	dave := ceremony.Participant{ID: "dave", CeremonyID: "c1", Status: ceremony.StatusWaiting}

	require.NoError(t, s.Write(ctx, []store.Op{
		{Kind: store.OpCreate, Collection: store.CollectionCeremonies, ID: "c1", Value: &cer},
		{Kind: store.OpCreate, Collection: store.CollectionCircuits, ID: ceremony.CircuitDocID("c1", "k1"), Value: &circuit},
		{Kind: store.OpCreate, Collection: store.CollectionParticipants, ID: ceremony.ParticipantDocID("c1", "carol"), Value: &carol},
		{Kind: store.OpCreate, Collection: store.CollectionParticipants, ID: ceremony.ParticipantDocID("c1", "dave"), Value: &dave},
	}))

	clk.Advance(6 * time.Minute)
	sw := New(s, clk, time.Minute, 1)
	require.NoError(t, sw.Tick(ctx))

	var updatedCircuit ceremony.Circuit
	require.NoError(t, s.Get(ctx, store.CollectionCircuits, ceremony.CircuitDocID("c1", "k1"), &updatedCircuit))
	require.Equal(t, 1, updatedCircuit.WaitingQueue.FailedContributions)
	require.Equal(t, "dave", updatedCircuit.WaitingQueue.CurrentContributor)
	require.Equal(t, []string{"dave"}, updatedCircuit.WaitingQueue.Contributors)

	var updatedCarol ceremony.Participant
	require.NoError(t, s.Get(ctx, store.CollectionParticipants, ceremony.ParticipantDocID("c1", "carol"), &updatedCarol))
	require.Equal(t, ceremony.StatusTimedOut, updatedCarol.Status)

	var updatedDave ceremony.Participant
	require.NoError(t, s.Get(ctx, store.CollectionParticipants, ceremony.ParticipantDocID("c1", "dave"), &updatedDave))
	require.Equal(t, ceremony.StatusContributing, updatedDave.Status)
	require.Equal(t, ceremony.StepDownloading, updatedDave.ContributionStep)

	var timeouts []ceremony.Timeout
	require.NoError(t, s.Query(ctx, store.CollectionTimeouts, nil, &timeouts))
	require.Len(t, timeouts, 1)
	require.Equal(t, ceremony.TimeoutBlockingContribution, timeouts[0].Kind)
	require.Equal(t, int64(6*60*1000+10*60000), timeouts[0].EndDate)
}

func TestTickSkipsDynamicFirstContributor(t *testing.T) {
	// A DYNAMIC-timeout circuit's very first contribution has no average
	// baseline, so the sweeper must never evict it no matter how much
	// wall-clock time has passed.
	ctx := context.Background()
	s := store.NewMemory()
	clk := clock.NewManual(time.UnixMilli(0))

	cer := ceremony.Ceremony{ID: "c1", State: ceremony.CeremonyOpened, TimeoutType: ceremony.TimeoutDynamic, EndDate: 1 << 40}
	circuit := ceremony.Circuit{
		ID: "k1", CeremonyID: "c1",
		WaitingQueue: ceremony.WaitingQueue{Contributors: []string{"carol"}, CurrentContributor: "carol"},
	}
	carol := ceremony.Participant{ID: "carol", CeremonyID: "c1", Status: ceremony.StatusContributing, ContributionStep: ceremony.StepDownloading, ContributionStartedAt: 0}

	require.NoError(t, s.Write(ctx, []store.Op{
		{Kind: store.OpCreate, Collection: store.CollectionCeremonies, ID: "c1", Value: &cer},
		{Kind: store.OpCreate, Collection: store.CollectionCircuits, ID: ceremony.CircuitDocID("c1", "k1"), Value: &circuit},
		{Kind: store.OpCreate, Collection: store.CollectionParticipants, ID: ceremony.ParticipantDocID("c1", "carol"), Value: &carol},
	}))

	clk.Advance(10 * time.Hour)
	sw := New(s, clk, time.Minute, 1)
	require.NoError(t, sw.Tick(ctx))

	var updatedCarol ceremony.Participant
	require.NoError(t, s.Get(ctx, store.CollectionParticipants, ceremony.ParticipantDocID("c1", "carol"), &updatedCarol))
	require.Equal(t, ceremony.StatusContributing, updatedCarol.Status)

	var timeouts []ceremony.Timeout
	require.NoError(t, s.Query(ctx, store.CollectionTimeouts, nil, &timeouts))
	require.Empty(t, timeouts)
}

func TestTickBlockingVerificationTimeout(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	clk := clock.NewManual(time.UnixMilli(0))

	cer := ceremony.Ceremony{ID: "c1", State: ceremony.CeremonyOpened, TimeoutType: ceremony.TimeoutFixed, EndDate: 1 << 40, PenaltyMinutes: 5}
	circuit := ceremony.Circuit{
		ID: "k1", CeremonyID: "c1",
		DynamicTimeout: ceremony.DynamicTimeoutParams{FixedTimeWindowMinutes: 30},
		WaitingQueue:   ceremony.WaitingQueue{Contributors: []string{"erin"}, CurrentContributor: "erin"},
	}
	erin := ceremony.Participant{
		ID: "erin", CeremonyID: "c1", Status: ceremony.StatusContributing,
		ContributionStep: ceremony.StepVerifying, VerificationStartedAt: 1,
	}

	require.NoError(t, s.Write(ctx, []store.Op{
		{Kind: store.OpCreate, Collection: store.CollectionCeremonies, ID: "c1", Value: &cer},
		{Kind: store.OpCreate, Collection: store.CollectionCircuits, ID: ceremony.CircuitDocID("c1", "k1"), Value: &circuit},
		{Kind: store.OpCreate, Collection: store.CollectionParticipants, ID: ceremony.ParticipantDocID("c1", "erin"), Value: &erin},
	}))

	clk.Advance(60 * time.Minute)
	sw := New(s, clk, time.Minute, 1)
	require.NoError(t, sw.Tick(ctx))

	var updatedErin ceremony.Participant
	require.NoError(t, s.Get(ctx, store.CollectionParticipants, ceremony.ParticipantDocID("c1", "erin"), &updatedErin))
	require.Equal(t, ceremony.StatusTimedOut, updatedErin.Status)

	var timeouts []ceremony.Timeout
	require.NoError(t, s.Query(ctx, store.CollectionTimeouts, nil, &timeouts))
	require.Len(t, timeouts, 1)
	require.Equal(t, ceremony.TimeoutBlockingVerification, timeouts[0].Kind)
}
