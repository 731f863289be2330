package queue

import (
	"testing"

	"github.com/ceremonial-labs/trustedsetup-coordinator/ceremony"
)

func TestEnrollFirstContributorPromotesImmediately(t *testing.T) {
	q := ceremony.WaitingQueue{}
	res := Enroll(q, "alice")

	if res.Queue.CurrentContributor != "alice" {
		t.Fatalf("expected alice to be promoted, got current=%q", res.Queue.CurrentContributor)
	}
	if len(res.Queue.Contributors) != 1 || res.Queue.Contributors[0] != "alice" {
		t.Fatalf("unexpected contributors: %v", res.Queue.Contributors)
	}
	if len(res.Intents) != 1 {
		t.Fatalf("expected 1 intent, got %d", len(res.Intents))
	}
	intent := res.Intents[0]
	if intent.Status != ceremony.StatusContributing || intent.ContributionStep != ceremony.StepDownloading {
		t.Fatalf("unexpected intent: %+v", intent)
	}
	if !intent.SetContributionStartedAt {
		t.Fatalf("expected SetContributionStartedAt")
	}
}

func TestEnrollSecondContributorWaits(t *testing.T) {
	q := ceremony.WaitingQueue{Contributors: []string{"alice"}, CurrentContributor: "alice"}
	res := Enroll(q, "bob")

	if res.Queue.CurrentContributor != "alice" {
		t.Fatalf("current contributor should remain alice, got %q", res.Queue.CurrentContributor)
	}
	if len(res.Queue.Contributors) != 2 || res.Queue.Contributors[1] != "bob" {
		t.Fatalf("unexpected contributors: %v", res.Queue.Contributors)
	}
	if len(res.Intents) != 1 || res.Intents[0].Status != ceremony.StatusWaiting {
		t.Fatalf("expected bob -> WAITING intent, got %+v", res.Intents)
	}
}

func TestCompleteHeadPromotesNextWaiter(t *testing.T) {
	q := ceremony.WaitingQueue{Contributors: []string{"alice", "bob"}, CurrentContributor: "alice"}
	res, err := CompleteHead(q)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Queue.CurrentContributor != "bob" {
		t.Fatalf("expected bob promoted, got %q", res.Queue.CurrentContributor)
	}
	if len(res.Queue.Contributors) != 1 || res.Queue.Contributors[0] != "bob" {
		t.Fatalf("unexpected contributors: %v", res.Queue.Contributors)
	}
	if len(res.Intents) != 1 || res.Intents[0].ParticipantID != "bob" {
		t.Fatalf("expected promotion intent for bob, got %+v", res.Intents)
	}
}

func TestCompleteHeadEmptiesQueueWhenLast(t *testing.T) {
	q := ceremony.WaitingQueue{Contributors: []string{"alice"}, CurrentContributor: "alice"}
	res, err := CompleteHead(q)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Queue.CurrentContributor != "" {
		t.Fatalf("expected empty current contributor, got %q", res.Queue.CurrentContributor)
	}
	if len(res.Queue.Contributors) != 0 {
		t.Fatalf("expected empty contributors, got %v", res.Queue.Contributors)
	}
	if len(res.Intents) != 0 {
		t.Fatalf("expected no intents, got %+v", res.Intents)
	}
}

func TestCompleteHeadOnEmptyQueueErrors(t *testing.T) {
	if _, err := CompleteHead(ceremony.WaitingQueue{}); err == nil {
		t.Fatal("expected error for empty queue")
	}
}

func TestEvictHeadIncrementsFailedAndPromotesNext(t *testing.T) {
	q := ceremony.WaitingQueue{Contributors: []string{"carol", "dave"}, CurrentContributor: "carol"}
	res, err := EvictHead(q, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Queue.FailedContributions != 1 {
		t.Fatalf("expected failedContributions=1, got %d", res.Queue.FailedContributions)
	}
	if res.Queue.CurrentContributor != "dave" {
		t.Fatalf("expected dave promoted, got %q", res.Queue.CurrentContributor)
	}
	if len(res.Intents) != 1 || res.Intents[0].ParticipantID != "dave" {
		t.Fatalf("unexpected intents: %+v", res.Intents)
	}
}

func TestResumeAfterTimeoutLeavesQueueUnchanged(t *testing.T) {
	q := ceremony.WaitingQueue{Contributors: []string{"carol"}, CurrentContributor: "carol"}
	res := ResumeAfterTimeout(q, "carol")
	if len(res.Queue.Contributors) != 1 || res.Queue.CurrentContributor != "carol" {
		t.Fatalf("queue should be unchanged, got %+v", res.Queue)
	}
	if len(res.Intents) != 1 {
		t.Fatalf("expected 1 intent, got %d", len(res.Intents))
	}
	if res.Intents[0].Status != ceremony.StatusContributing || res.Intents[0].ContributionStep != ceremony.StepDownloading {
		t.Fatalf("unexpected intent: %+v", res.Intents[0])
	}
}

// Enrolling an id already present in the queue is a documented no-op
// rather than producing a duplicate.
func TestEnrollDuplicateIsNoop(t *testing.T) {
	q := ceremony.WaitingQueue{Contributors: []string{"alice"}, CurrentContributor: "alice"}
	res := Enroll(q, "alice")
	if len(res.Queue.Contributors) != 1 {
		t.Fatalf("expected no duplicate, got %v", res.Queue.Contributors)
	}
	if len(res.Intents) != 0 {
		t.Fatalf("expected no intents for a duplicate enroll, got %+v", res.Intents)
	}
}
