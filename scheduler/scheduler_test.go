package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/ceremonial-labs/trustedsetup-coordinator/ceremony"
	"github.com/ceremonial-labs/trustedsetup-coordinator/internal/clock"
	"github.com/ceremonial-labs/trustedsetup-coordinator/store"
)

func putCircuit(t *testing.T, s store.Store, c ceremony.Circuit) {
	t.Helper()
	id := ceremony.CircuitDocID(c.CeremonyID, c.ID)
	if err := s.Write(context.Background(), []store.Op{{Kind: store.OpCreate, Collection: store.CollectionCircuits, ID: id, Value: &c}}); err != nil {
		t.Fatalf("seed circuit: %v", err)
	}
}

func putParticipant(t *testing.T, s store.Store, p ceremony.Participant) {
	t.Helper()
	id := ceremony.ParticipantDocID(p.CeremonyID, p.ID)
	if err := s.Write(context.Background(), []store.Op{{Kind: store.OpCreate, Collection: store.CollectionParticipants, ID: id, Value: &p}}); err != nil {
		t.Fatalf("seed participant: %v", err)
	}
}

func getCircuit(t *testing.T, s store.Store, ceremonyID, circuitID string) ceremony.Circuit {
	t.Helper()
	var c ceremony.Circuit
	if err := s.Get(context.Background(), store.CollectionCircuits, ceremony.CircuitDocID(ceremonyID, circuitID), &c); err != nil {
		t.Fatalf("get circuit: %v", err)
	}
	return c
}

func getParticipant(t *testing.T, s store.Store, ceremonyID, participantID string) ceremony.Participant {
	t.Helper()
	var p ceremony.Participant
	if err := s.Get(context.Background(), store.CollectionParticipants, ceremony.ParticipantDocID(ceremonyID, participantID), &p); err != nil {
		t.Fatalf("get participant: %v", err)
	}
	return p
}

// TestSchedulerPromotesLoneFirstContributor reproduces a first-admission
// scenario up through the scheduler's promotion of Alice.
func TestSchedulerPromotesLoneFirstContributor(t *testing.T) {
	s := store.NewMemory()
	clk := clock.NewManual(time.Unix(1000, 0))
	sched := New(s, clk, 1)

	putCircuit(t, s, ceremony.Circuit{ID: "k1", CeremonyID: "c1", SequencePosition: 1})
	before := ceremony.Participant{ID: "alice", CeremonyID: "c1", Status: ceremony.StatusWaiting, ContributionProgress: 0}
	after := before
	after.Status = ceremony.StatusReady
	after.ContributionProgress = 1
	putParticipant(t, s, after)

	if err := sched.HandleChange(context.Background(), changeOf(t, before, after)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	circuit := getCircuit(t, s, "c1", "k1")
	if circuit.WaitingQueue.CurrentContributor != "alice" {
		t.Fatalf("expected alice promoted, got %+v", circuit.WaitingQueue)
	}

	alice := getParticipant(t, s, "c1", "alice")
	if alice.Status != ceremony.StatusContributing || alice.ContributionStep != ceremony.StepDownloading {
		t.Fatalf("expected alice CONTRIBUTING/DOWNLOADING, got %+v", alice)
	}
	if alice.ContributionStartedAt != clk.NowMillis() {
		t.Fatalf("expected contributionStartedAt set to now, got %d", alice.ContributionStartedAt)
	}
}

// TestSchedulerQueuesSecondContributor reproduces S2's first half: Bob
// enrolls into a queue already headed by Alice and waits.
func TestSchedulerQueuesSecondContributor(t *testing.T) {
	s := store.NewMemory()
	clk := clock.NewManual(time.Unix(2000, 0))
	sched := New(s, clk, 1)

	putCircuit(t, s, ceremony.Circuit{
		ID: "k1", CeremonyID: "c1", SequencePosition: 1,
		WaitingQueue: ceremony.WaitingQueue{Contributors: []string{"alice"}, CurrentContributor: "alice"},
	})
	bobBefore := ceremony.Participant{ID: "bob", CeremonyID: "c1", Status: ceremony.StatusWaiting}
	bobAfter := bobBefore
	bobAfter.Status = ceremony.StatusReady
	bobAfter.ContributionProgress = 1
	putParticipant(t, s, bobAfter)

	if err := sched.HandleChange(context.Background(), changeOf(t, bobBefore, bobAfter)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	circuit := getCircuit(t, s, "c1", "k1")
	if circuit.WaitingQueue.CurrentContributor != "alice" {
		t.Fatalf("expected alice to remain current, got %+v", circuit.WaitingQueue)
	}
	if len(circuit.WaitingQueue.Contributors) != 2 || circuit.WaitingQueue.Contributors[1] != "bob" {
		t.Fatalf("expected bob enqueued behind alice, got %+v", circuit.WaitingQueue)
	}

	bob := getParticipant(t, s, "c1", "bob")
	if bob.Status != ceremony.StatusWaiting {
		t.Fatalf("expected bob WAITING, got %s", bob.Status)
	}
}

// TestSchedulerCompletionPromotesNextWaiter reproduces the second half of
// S2: Alice's completion pops her from the queue and promotes Bob.
func TestSchedulerCompletionPromotesNextWaiter(t *testing.T) {
	s := store.NewMemory()
	clk := clock.NewManual(time.Unix(3000, 0))
	sched := New(s, clk, 1)

	putCircuit(t, s, ceremony.Circuit{
		ID: "k1", CeremonyID: "c1", SequencePosition: 1,
		WaitingQueue: ceremony.WaitingQueue{Contributors: []string{"alice", "bob"}, CurrentContributor: "alice"},
	})
	putParticipant(t, s, ceremony.Participant{ID: "bob", CeremonyID: "c1", Status: ceremony.StatusWaiting, ContributionProgress: 1})

	aliceBefore := ceremony.Participant{ID: "alice", CeremonyID: "c1", Status: ceremony.StatusContributing, ContributionStep: ceremony.StepVerifying, ContributionProgress: 1}
	aliceAfter := aliceBefore
	aliceAfter.Status = ceremony.StatusDone
	aliceAfter.ContributionStep = ceremony.StepCompleted
	putParticipant(t, s, aliceAfter)

	if err := sched.HandleChange(context.Background(), changeOf(t, aliceBefore, aliceAfter)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	circuit := getCircuit(t, s, "c1", "k1")
	if circuit.WaitingQueue.CurrentContributor != "bob" {
		t.Fatalf("expected bob promoted, got %+v", circuit.WaitingQueue)
	}

	bob := getParticipant(t, s, "c1", "bob")
	if bob.Status != ceremony.StatusContributing || bob.ContributionStep != ceremony.StepDownloading {
		t.Fatalf("expected bob CONTRIBUTING/DOWNLOADING, got %+v", bob)
	}
}

func TestSchedulerSkipsNoopChange(t *testing.T) {
	s := store.NewMemory()
	clk := clock.NewManual(time.Unix(4000, 0))
	sched := New(s, clk, 1)
	p := ceremony.Participant{ID: "alice", CeremonyID: "c1", Status: ceremony.StatusWaiting}
	if err := sched.HandleChange(context.Background(), changeOf(t, p, p)); err != nil {
		t.Fatalf("unexpected error on no-op change: %v", err)
	}
}

func changeOf(t *testing.T, before, after ceremony.Participant) store.Change {
	t.Helper()
	return store.Change{
		Collection: store.CollectionParticipants,
		ID:         ceremony.ParticipantDocID(after.CeremonyID, after.ID),
		Before:     mustJSON(t, before),
		After:      mustJSON(t, after),
	}
}
