package participant

import (
	"testing"

	"github.com/ceremonial-labs/trustedsetup-coordinator/ceremony"
	"github.com/ceremonial-labs/trustedsetup-coordinator/coordinatorapi/errs"
	"github.com/ceremonial-labs/trustedsetup-coordinator/internal/clock"
)

func TestAdmitFreshParticipant(t *testing.T) {
	clk := clock.NewManual(clock.Real{}.Now())
	p, err := Admit(ceremony.Participant{}, false, clk)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Status != ceremony.StatusWaiting {
		t.Fatalf("expected WAITING, got %s", p.Status)
	}
}

func TestAdmitIsIdempotent(t *testing.T) {
	clk := clock.NewManual(clock.Real{}.Now())
	p1, _ := Admit(ceremony.Participant{}, false, clk)
	p2, _ := Admit(p1, false, clk)
	if p1.Status != p2.Status || p1.ContributionProgress != p2.ContributionProgress {
		t.Fatalf("expected idempotent admission, got %+v vs %+v", p1, p2)
	}
}

func TestAdmitTimedOutWithLiveTimeoutStaysTimedOut(t *testing.T) {
	clk := clock.NewManual(clock.Real{}.Now())
	p := ceremony.Participant{Status: ceremony.StatusTimedOut}
	p2, err := Admit(p, true, clk)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p2.Status != ceremony.StatusTimedOut {
		t.Fatalf("expected still TIMEDOUT, got %s", p2.Status)
	}
}

func TestAdmitTimedOutWithExpiredTimeoutExhumes(t *testing.T) {
	clk := clock.NewManual(clock.Real{}.Now())
	p := ceremony.Participant{Status: ceremony.StatusTimedOut}
	p2, err := Admit(p, false, clk)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p2.Status != ceremony.StatusExhumed {
		t.Fatalf("expected EXHUMED, got %s", p2.Status)
	}
}

func TestAdvanceToNextCircuitFromWaiting(t *testing.T) {
	p := ceremony.Participant{Status: ceremony.StatusWaiting, ContributionProgress: 0}
	p2, err := AdvanceToNextCircuit(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p2.Status != ceremony.StatusReady || p2.ContributionProgress != 1 {
		t.Fatalf("unexpected result: %+v", p2)
	}
}

func TestAdvanceToNextCircuitFromContributed(t *testing.T) {
	p := ceremony.Participant{Status: ceremony.StatusContributed, ContributionProgress: 1, ContributionStep: ceremony.StepCompleted}
	p2, err := AdvanceToNextCircuit(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p2.Status != ceremony.StatusReady || p2.ContributionProgress != 2 {
		t.Fatalf("unexpected result: %+v", p2)
	}
}

func TestAdvanceToNextCircuitRejectsWrongState(t *testing.T) {
	p := ceremony.Participant{Status: ceremony.StatusContributing}
	_, err := AdvanceToNextCircuit(p)
	if !errs.Is(err, errs.FailedPrecondition) {
		t.Fatalf("expected FailedPrecondition, got %v", err)
	}
}

// advanceStep applied four times from DOWNLOADING yields COMPLETED; a
// fifth invocation fails with FailedPrecondition since COMPLETED has no
// further successor.
func TestAdvanceStepFourTimesThenFails(t *testing.T) {
	p := ceremony.Participant{Status: ceremony.StatusContributing, ContributionStep: ceremony.StepDownloading}
	steps := []ceremony.ContributionStep{
		ceremony.StepComputing, ceremony.StepUploading, ceremony.StepVerifying, ceremony.StepCompleted,
	}
	var err error
	for i, want := range steps {
		p, err = AdvanceStep(p, int64(1000*(i+1)))
		if err != nil {
			t.Fatalf("step %d: unexpected error: %v", i, err)
		}
		if p.ContributionStep != want {
			t.Fatalf("step %d: expected %s, got %s", i, want, p.ContributionStep)
		}
	}
	if p.VerificationStartedAt == 0 {
		t.Fatalf("expected VerificationStartedAt to be set on entering VERIFYING")
	}
	if _, err := AdvanceStep(p, 9999); !errs.Is(err, errs.FailedPrecondition) {
		t.Fatalf("expected fifth advanceStep to fail with FailedPrecondition, got %v", err)
	}
}

func TestCompleteContributionLastCircuitGoesDone(t *testing.T) {
	p := ceremony.Participant{Status: ceremony.StatusContributing, ContributionProgress: 3}
	p2 := CompleteContribution(p, 3)
	if p2.Status != ceremony.StatusDone {
		t.Fatalf("expected DONE, got %s", p2.Status)
	}
	if p2.ContributionStep != ceremony.StepCompleted {
		t.Fatalf("expected COMPLETED step, got %s", p2.ContributionStep)
	}
}

func TestCompleteContributionMoreCircuitsGoesContributed(t *testing.T) {
	p := ceremony.Participant{Status: ceremony.StatusContributing, ContributionProgress: 0}
	p2 := CompleteContribution(p, 3)
	if p2.Status != ceremony.StatusContributed {
		t.Fatalf("expected CONTRIBUTED, got %s", p2.Status)
	}
}

func TestResumeAfterTimeoutExpirationClearsTempData(t *testing.T) {
	p := ceremony.Participant{
		Status:               ceremony.StatusExhumed,
		TempContributionData: ceremony.TempContributionData{UploadID: "stale"},
	}
	p2, err := ResumeAfterTimeoutExpiration(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p2.Status != ceremony.StatusReady {
		t.Fatalf("expected READY, got %s", p2.Status)
	}
	if p2.TempContributionData.UploadID != "" {
		t.Fatalf("expected temp data cleared, got %+v", p2.TempContributionData)
	}
}

func TestResumeAfterTimeoutExpirationRejectsNonExhumed(t *testing.T) {
	p := ceremony.Participant{Status: ceremony.StatusWaiting}
	if _, err := ResumeAfterTimeoutExpiration(p); !errs.Is(err, errs.FailedPrecondition) {
		t.Fatalf("expected FailedPrecondition, got %v", err)
	}
}

func TestStorePermanentContributionRecordRejectsDuplicatePending(t *testing.T) {
	p := ceremony.Participant{
		ContributionStep: ceremony.StepComputing,
		Contributions:    []ceremony.ContributionEntry{{Hash: "h0"}},
	}
	if _, err := StorePermanentContributionRecord(p, "h1", 100, false); !errs.Is(err, errs.FailedPrecondition) {
		t.Fatalf("expected FailedPrecondition for duplicate pending entry, got %v", err)
	}
}

func TestPrepareForFinalizationGuards(t *testing.T) {
	p := ceremony.Participant{Status: ceremony.StatusDone, ContributionProgress: 3}
	if _, err := PrepareForFinalization(p, ceremony.CeremonyOpened, 3); !errs.Is(err, errs.FailedPrecondition) {
		t.Fatalf("expected rejection when ceremony not CLOSED, got %v", err)
	}
	p2, err := PrepareForFinalization(p, ceremony.CeremonyClosed, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p2.Status != ceremony.StatusFinalizing {
		t.Fatalf("expected FINALIZING, got %s", p2.Status)
	}
}
