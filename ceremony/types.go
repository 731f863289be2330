// Package ceremony holds the persistent data model shared by every core
// component: Ceremony, Circuit, WaitingQueue, Participant, Contribution, and
// Timeout, plus their state enums. These are plain structs serialized to and
// from the Store (see package store) as JSON documents; no behavior beyond
// small helpers lives here — the state machines that mutate them live in
// package queue, participant, scheduler, and verifier.
package ceremony

// CeremonyState is the lifecycle state of a Ceremony. It is monotonic along
// the listed order: SCHEDULED -> OPENED -> CLOSED -> FINALIZED.
type CeremonyState string

const (
	CeremonyScheduled CeremonyState = "SCHEDULED"
	CeremonyOpened    CeremonyState = "OPENED"
	CeremonyClosed    CeremonyState = "CLOSED"
	CeremonyFinalized CeremonyState = "FINALIZED"
)

// TimeoutType selects how a circuit's contribution deadline is computed.
type TimeoutType string

const (
	TimeoutFixed   TimeoutType = "FIXED"
	TimeoutDynamic TimeoutType = "DYNAMIC"
)

// Ceremony is the root document of one multi-party trusted-setup ceremony.
type Ceremony struct {
	ID              string        `json:"id"`
	Title           string        `json:"title"`
	Prefix          string        `json:"prefix"`
	StartDate       int64         `json:"startDate"`
	EndDate         int64         `json:"endDate"`
	State           CeremonyState `json:"state"`
	TimeoutType     TimeoutType   `json:"timeoutType"`
	PenaltyMinutes  int64         `json:"penalty"`
	CoordinatorID   string        `json:"coordinatorId"`
	LastUpdated     int64         `json:"lastUpdated"`
}

// VerificationKind selects whether a circuit verifies inline or on a
// transient compute VM.
type VerificationKind string

const (
	VerificationLocal VerificationKind = "LOCAL"
	VerificationVM    VerificationKind = "VM"
)

// VerificationMechanism is the tagged variant `{LOCAL | VM{instanceId}}`
// preferred over polymorphism per the design notes: each branch is a
// distinct procedure in package verifier sharing only the contribution
// write tail.
type VerificationMechanism struct {
	Kind       VerificationKind `json:"kind"`
	VMInstance string           `json:"vmInstanceId,omitempty"`
}

// AvgTimings holds the circuit's rolling-mean timing samples, in
// milliseconds. See metrics.TrailingMean for the update formula.
type AvgTimings struct {
	ContributionComputation int64 `json:"contributionComputation"`
	FullContribution        int64 `json:"fullContribution"`
	VerifyCloudFunction     int64 `json:"verifyCloudFunction"`
}

// WaitingQueue is embedded in Circuit. Invariants:
//   - if CurrentContributor != "" then it equals Contributors[0]
//   - Contributors has no duplicate ids
//   - CompletedContributions only increments on a valid contribution
//   - only the Scheduler and Verifier mutate this field (package queue
//     implements the pure transformations; callers own persistence).
type WaitingQueue struct {
	Contributors           []string `json:"contributors"`
	CurrentContributor     string   `json:"currentContributor"`
	CompletedContributions int      `json:"completedContributions"`
	FailedContributions    int      `json:"failedContributions"`
}

// DynamicTimeoutParams configures a DYNAMIC-timeout circuit.
type DynamicTimeoutParams struct {
	DynamicThresholdPercent int64 `json:"dynamicThreshold"`
	FixedTimeWindowMinutes  int64 `json:"fixedTimeWindowMinutes"`
}

// Circuit is a child of Ceremony, ordered by SequencePosition (1..N,
// contiguous).
type Circuit struct {
	ID                     string                `json:"id"`
	CeremonyID             string                `json:"ceremonyId"`
	SequencePosition       int                   `json:"sequencePosition"`
	Prefix                 string                `json:"prefix"`
	AvgTimings             AvgTimings            `json:"avgTimings"`
	WaitingQueue           WaitingQueue          `json:"waitingQueue"`
	Verification           VerificationMechanism `json:"verification"`
	DynamicTimeout         DynamicTimeoutParams  `json:"dynamicTimeout"`
	POTFilename            string                `json:"potFilename"`
	GenesisZkeyFilename    string                `json:"genesisZkeyFilename"`
	LastUpdated            int64                 `json:"lastUpdated"`
}

// ParticipantStatus is the coarse-grained lifecycle state of a Participant.
type ParticipantStatus string

const (
	StatusWaiting     ParticipantStatus = "WAITING"
	StatusReady       ParticipantStatus = "READY"
	StatusContributing ParticipantStatus = "CONTRIBUTING"
	StatusContributed ParticipantStatus = "CONTRIBUTED"
	StatusDone        ParticipantStatus = "DONE"
	StatusTimedOut    ParticipantStatus = "TIMEDOUT"
	StatusExhumed     ParticipantStatus = "EXHUMED"
	StatusFinalizing  ParticipantStatus = "FINALIZING"
	StatusFinalized   ParticipantStatus = "FINALIZED"
)

// ContributionStep is the sub-state of an active contribution, meaningful
// only while Status is CONTRIBUTING or CONTRIBUTED.
type ContributionStep string

const (
	StepDownloading ContributionStep = "DOWNLOADING"
	StepComputing   ContributionStep = "COMPUTING"
	StepUploading   ContributionStep = "UPLOADING"
	StepVerifying   ContributionStep = "VERIFYING"
	StepCompleted   ContributionStep = "COMPLETED"
)

// stepOrder fixes the strict advancement order enforced by advanceStep.
var stepOrder = []ContributionStep{StepDownloading, StepComputing, StepUploading, StepVerifying, StepCompleted}

// StepIndex returns s's position in the fixed step order, or -1 if s is not
// a recognized step.
func StepIndex(s ContributionStep) int {
	for i, v := range stepOrder {
		if v == s {
			return i
		}
	}
	return -1
}

// NextStep returns the step that immediately follows s, and false if s is
// already the terminal step or unrecognized.
func NextStep(s ContributionStep) (ContributionStep, bool) {
	i := StepIndex(s)
	if i < 0 || i+1 >= len(stepOrder) {
		return "", false
	}
	return stepOrder[i+1], true
}

// UploadedChunk records one completed multipart upload part.
type UploadedChunk struct {
	ETag       string `json:"eTag"`
	PartNumber int32  `json:"partNumber"`
}

// TempContributionData accumulates state across the UPLOADING step; it is
// cleared whenever a contribution completes or a timed-out participant
// resumes.
type TempContributionData struct {
	ContributionComputationTime int64           `json:"contributionComputationTime,omitempty"`
	UploadID                    string          `json:"uploadId,omitempty"`
	Chunks                      []UploadedChunk `json:"chunks,omitempty"`
}

// ContributionEntry is one element of Participant.Contributions: the
// participant's own record of a hash + computation time it reported, linked
// to the coordinator's authoritative Contribution document once verified.
// Invariant: at most one entry across a participant lacks DocRef at any
// time (the pending-verification one).
type ContributionEntry struct {
	Hash            string `json:"hash"`
	ComputationTime int64  `json:"computationTime"`
	DocRef          string `json:"docRef,omitempty"`
}

// Participant is a child of Ceremony; its id equals the user id.
type Participant struct {
	ID                    string                `json:"id"`
	CeremonyID            string                `json:"ceremonyId"`
	Status                ParticipantStatus     `json:"status"`
	ContributionStep      ContributionStep      `json:"contributionStep,omitempty"`
	ContributionProgress  int                   `json:"contributionProgress"`
	ContributionStartedAt int64                 `json:"contributionStartedAt"`
	VerificationStartedAt int64                 `json:"verificationStartedAt"`
	Contributions         []ContributionEntry   `json:"contributions"`
	TempContributionData  TempContributionData  `json:"tempContributionData"`
	LastUpdated           int64                 `json:"lastUpdated"`
}

// PendingContributionIndex returns the index into Contributions of the
// unique entry lacking a DocRef, or -1 if there is none.
func (p *Participant) PendingContributionIndex() int {
	for i := range p.Contributions {
		if p.Contributions[i].DocRef == "" {
			return i
		}
	}
	return -1
}

// FileMetadata records the filenames, storage paths, and content hashes
// attached to a Contribution.
type FileMetadata struct {
	Filenames     map[string]string `json:"filenames,omitempty"`
	StoragePaths  map[string]string `json:"storagePaths,omitempty"`
	Blake2bHashes map[string]string `json:"blake2bHashes,omitempty"`
}

// Beacon is the final-round randomness beacon recorded during
// finalizeCircuit.
type Beacon struct {
	Value string `json:"value"`
	Hash  string `json:"hash"`
}

// Contribution is a child of Circuit, one per accepted or rejected
// contribution attempt. Immutable after creation except for the
// finalization fields appended by finalizeCircuit.
type Contribution struct {
	ID                   string       `json:"id"`
	CircuitID            string       `json:"circuitId"`
	ParticipantID        string       `json:"participantId"`
	ZkeyIndex            string       `json:"zkeyIndex"`
	Valid                bool         `json:"valid"`
	ContributionComputationTime int64 `json:"contributionComputationTime"`
	FullContributionTime int64       `json:"fullContributionTime"`
	VerifyCloudFunctionTime int64    `json:"verifyCloudFunctionTime"`
	VerifierName         string       `json:"verifierName"`
	VerifierVersion      string       `json:"verifierVersion"`
	VerifierCommitHash    string      `json:"verifierCommitHash"`
	Files                FileMetadata `json:"files"`
	VerifierContractAddr string       `json:"verifierContractAddress,omitempty"`
	VerificationKeyRef   string       `json:"verificationKeyRef,omitempty"`
	Beacon               *Beacon      `json:"beacon,omitempty"`
	CreatedAt            int64        `json:"createdAt"`
}

// FinalZkeyIndex is the sentinel zkey index used for the finalization
// artifact in place of a zero-padded sequence number.
const FinalZkeyIndex = "final"

// GenesisZkeyIndex is the zero-padded index of the genesis zkey.
const GenesisZkeyIndex = "00000"

// TimeoutKind classifies which step a blocking timeout was raised for.
type TimeoutKind string

const (
	TimeoutBlockingContribution TimeoutKind = "BLOCKING_CONTRIBUTION"
	TimeoutBlockingVerification TimeoutKind = "BLOCKING_VERIFICATION"
)

// Timeout is a child of Participant (per ceremony), recording one penalty
// window. A participant is in a live timeout iff any of their Timeout
// documents has EndDate >= now.
type Timeout struct {
	ID            string      `json:"id"`
	ParticipantID string      `json:"participantId"`
	CeremonyID    string      `json:"ceremonyId"`
	Kind          TimeoutKind `json:"type"`
	StartDate     int64       `json:"startDate"`
	EndDate       int64       `json:"endDate"`
}

// IsLive reports whether t is still in effect at now (ms since epoch).
func (t Timeout) IsLive(nowMillis int64) bool {
	return t.EndDate >= nowMillis
}

// Document ids are namespaced by ceremony so every collection can share one
// flat store.Store keyspace, and a caller can recover a document's
// ceremonyId from its id alone.

// ParticipantDocID returns the store document id for a participant.
func ParticipantDocID(ceremonyID, participantID string) string {
	return ceremonyID + ":" + participantID
}

// CircuitDocID returns the store document id for a circuit.
func CircuitDocID(ceremonyID, circuitID string) string {
	return ceremonyID + ":" + circuitID
}

// ContributionDocID returns the store document id for a contribution.
func ContributionDocID(circuitID, contributionID string) string {
	return circuitID + ":" + contributionID
}

// TimeoutDocID returns the store document id for a timeout record.
func TimeoutDocID(ceremonyID, participantID, timeoutID string) string {
	return ceremonyID + ":" + participantID + ":" + timeoutID
}
