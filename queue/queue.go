// Package queue implements the per-circuit waiting queue as pure
// transformations: every function takes an old ceremony.WaitingQueue and
// returns a new one plus the set of participant update intents the
// caller (package scheduler) must apply in the same Store batch. Nothing
// here touches the Store; that separation is what makes the tie-break
// rule (contributors[0] is always the current contributor, no priority
// classes) and the queue invariants straightforward to test without a
// backing store at all.
package queue

import (
	"github.com/ceremonial-labs/trustedsetup-coordinator/ceremony"
)

// Intent describes a Participant update the caller must persist alongside
// the new WaitingQueue in a single batch, so no observer ever witnesses a
// queue state that does not reflect the participant state it was
// coordinated with.
type Intent struct {
	ParticipantID         string
	Status                ceremony.ParticipantStatus
	ContributionStep      ceremony.ContributionStep
	SetContributionStartedAt bool
}

// Result bundles a transformed queue with the intents it produced.
type Result struct {
	Queue   ceremony.WaitingQueue
	Intents []Intent
}

// contains reports whether id is present in ids.
func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// promote returns the Intent that puts p into active contribution.
func promote(p string) Intent {
	return Intent{
		ParticipantID:            p,
		Status:                   ceremony.StatusContributing,
		ContributionStep:         ceremony.StepDownloading,
		SetContributionStartedAt: true,
	}
}

// Enroll appends p to the queue. If no one is currently contributing, p is
// promoted immediately; otherwise p waits. p must not already be enrolled.
func Enroll(q ceremony.WaitingQueue, p string) Result {
	if contains(q.Contributors, p) {
		// Already enrolled: no-op transformation, no new intent. Callers
		// should not reach this for a well-behaved scheduler, but pure
		// functions must not panic on a restated admission.
		return Result{Queue: q}
	}
	q.Contributors = append(append([]string(nil), q.Contributors...), p)

	if q.CurrentContributor == "" {
		q.CurrentContributor = p
		return Result{Queue: q, Intents: []Intent{promote(p)}}
	}
	return Result{
		Queue: q,
		Intents: []Intent{{
			ParticipantID: p,
			Status:        ceremony.StatusWaiting,
		}},
	}
}

// ResumeAfterTimeout handles a participant who is already the current
// contributor resuming (e.g. after admitParticipant's EXHUMED->READY path
// loops back into the scheduler's admission branch). The queue itself is
// unchanged; only a fresh contribution window is granted.
func ResumeAfterTimeout(q ceremony.WaitingQueue, p string) Result {
	return Result{
		Queue:   q,
		Intents: []Intent{promote(p)},
	}
}

// CompleteHead pops the current contributor on successful completion and
// promotes the new head, if any. Requires CurrentContributor != "".
func CompleteHead(q ceremony.WaitingQueue) (Result, error) {
	if q.CurrentContributor == "" {
		return Result{}, errNoCurrentContributor
	}
	return popHead(q), nil
}

// EvictHead pops the current contributor because it stalled (TimeoutSweeper
// path) and increments FailedContributions. wasValid is accepted for call
// site symmetry with CompleteHead, but the current contributor is always
// evicted as a failure from this path; a valid completion goes through
// CompleteHead instead.
func EvictHead(q ceremony.WaitingQueue, wasValid bool) (Result, error) {
	if q.CurrentContributor == "" {
		return Result{}, errNoCurrentContributor
	}
	r := popHead(q)
	r.Queue.FailedContributions++
	return r, nil
}

func popHead(q ceremony.WaitingQueue) Result {
	rest := make([]string, 0, len(q.Contributors))
	for _, id := range q.Contributors {
		if id == q.CurrentContributor {
			continue
		}
		rest = append(rest, id)
	}
	q.Contributors = rest

	if len(rest) == 0 {
		q.CurrentContributor = ""
		return Result{Queue: q}
	}
	newHead := rest[0]
	q.CurrentContributor = newHead
	return Result{Queue: q, Intents: []Intent{promote(newHead)}}
}
