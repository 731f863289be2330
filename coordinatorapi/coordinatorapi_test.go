package coordinatorapi

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ceremonial-labs/trustedsetup-coordinator/blobstore"
	"github.com/ceremonial-labs/trustedsetup-coordinator/ceremony"
	"github.com/ceremonial-labs/trustedsetup-coordinator/config"
	"github.com/ceremonial-labs/trustedsetup-coordinator/coordinatorapi/errs"
	"github.com/ceremonial-labs/trustedsetup-coordinator/internal/clock"
	"github.com/ceremonial-labs/trustedsetup-coordinator/store"
	"github.com/ceremonial-labs/trustedsetup-coordinator/verifier"
	"github.com/ceremonial-labs/trustedsetup-coordinator/vmexecutor"
)

// noopBlob is a minimal blobstore.BlobStore stand-in for tests that never
// reach the blob store's byte-moving operations.
type noopBlob struct{}

var _ blobstore.BlobStore = noopBlob{}

func (noopBlob) CreateBucket(context.Context, string) error { return nil }
func (noopBlob) HeadObject(context.Context, string, string) (blobstore.ObjectHead, error) {
	return blobstore.ObjectHead{}, nil
}
func (noopBlob) DeleteObject(context.Context, string, string) error { return nil }
func (noopBlob) PresignGet(context.Context, string, string, time.Duration) (string, error) {
	return "https://example/get", nil
}
func (noopBlob) PresignPut(context.Context, string, string, time.Duration) (string, error) {
	return "https://example/put", nil
}
func (noopBlob) StartMultipartUpload(context.Context, string, string) (string, error) {
	return "upload-1", nil
}
func (noopBlob) PresignUploadPart(context.Context, string, string, string, int32, time.Duration) (string, error) {
	return "https://example/part", nil
}
func (noopBlob) CompleteMultipartUpload(context.Context, string, string, string, []blobstore.UploadedPart) error {
	return nil
}
func (noopBlob) AbortMultipartUpload(context.Context, string, string, string) error { return nil }
func (noopBlob) Download(context.Context, string, string, io.Writer) error          { return nil }
func (noopBlob) Upload(context.Context, string, string, io.Reader, bool) error      { return nil }

func newAPI(t *testing.T, s *store.Memory) *API {
	t.Helper()
	cfg := config.Default()
	cfg.CoordinatorEmailDomain = "coordinator.example"
	vm := verifier.New(s, noopBlob{}, fakeVMExecutor{}, clock.NewManual(time.UnixMilli(0)), cfg)
	return New(s, noopBlob{}, vm, clock.NewManual(time.UnixMilli(0)), cfg, 0, 0)
}

type fakeVMExecutor struct{}

func (fakeVMExecutor) Start(context.Context, string) error                   { return nil }
func (fakeVMExecutor) IsRunning(context.Context, string) (bool, error)        { return true, nil }
func (fakeVMExecutor) RunCommand(context.Context, string, string) (string, error) {
	return "cmd-1", nil
}
func (fakeVMExecutor) CommandStatusOf(context.Context, string, string) (vmexecutor.CommandStatus, error) {
	return vmexecutor.StatusSuccess, nil
}
func (fakeVMExecutor) FetchCommandOutput(context.Context, string, string) (string, error) {
	return "", nil
}
func (fakeVMExecutor) Stop(context.Context, string) error { return nil }

func seedCeremony(t *testing.T, s *store.Memory, cer ceremony.Ceremony, circuits []ceremony.Circuit) {
	t.Helper()
	ctx := context.Background()
	batch := []store.Op{{Kind: store.OpCreate, Collection: store.CollectionCeremonies, ID: cer.ID, Value: &cer}}
	for i := range circuits {
		batch = append(batch, store.Op{
			Kind:       store.OpCreate,
			Collection: store.CollectionCircuits,
			ID:         ceremony.CircuitDocID(cer.ID, circuits[i].ID),
			Value:      &circuits[i],
		})
	}
	require.NoError(t, s.Write(ctx, batch))
}

func TestAdmitParticipantCreatesThenIsIdempotent(t *testing.T) {
	s := store.NewMemory()
	seedCeremony(t, s, ceremony.Ceremony{ID: "c1", Prefix: "c1", State: ceremony.CeremonyOpened}, nil)
	api := newAPI(t, s)
	caller := config.CallerIdentity{ParticipantID: "alice", Email: "alice@example.com"}

	result, err := api.AdmitParticipant(context.Background(), AdmitParticipantRequest{CeremonyID: "c1", Caller: caller})
	require.NoError(t, err)
	require.True(t, result.CanContribute)

	var p ceremony.Participant
	require.NoError(t, s.Get(context.Background(), store.CollectionParticipants, ceremony.ParticipantDocID("c1", "alice"), &p))
	require.Equal(t, ceremony.StatusWaiting, p.Status)

	result2, err := api.AdmitParticipant(context.Background(), AdmitParticipantRequest{CeremonyID: "c1", Caller: caller})
	require.NoError(t, err)
	require.True(t, result2.CanContribute)
}

func TestAdmitParticipantRejectsUnauthenticatedCaller(t *testing.T) {
	s := store.NewMemory()
	seedCeremony(t, s, ceremony.Ceremony{ID: "c1", Prefix: "c1", State: ceremony.CeremonyOpened}, nil)
	api := newAPI(t, s)

	_, err := api.AdmitParticipant(context.Background(), AdmitParticipantRequest{CeremonyID: "c1", Caller: config.CallerIdentity{}})
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.Unauthenticated, kind)
}

func TestAdvanceToNextCircuitRejectsWrongState(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	seedCeremony(t, s, ceremony.Ceremony{ID: "c1", Prefix: "c1", State: ceremony.CeremonyOpened}, nil)
	p := ceremony.Participant{ID: "alice", CeremonyID: "c1", Status: ceremony.StatusContributing}
	require.NoError(t, s.Write(ctx, []store.Op{{Kind: store.OpCreate, Collection: store.CollectionParticipants, ID: ceremony.ParticipantDocID("c1", "alice"), Value: &p}}))

	api := newAPI(t, s)
	err := api.AdvanceToNextCircuit(ctx, AdvanceToNextCircuitRequest{CeremonyID: "c1", Caller: config.CallerIdentity{ParticipantID: "alice"}})
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.FailedPrecondition, kind)
}

func TestStorePermanentContributionRecordRequiresComputingStep(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	seedCeremony(t, s, ceremony.Ceremony{ID: "c1", Prefix: "c1", State: ceremony.CeremonyOpened}, nil)
	p := ceremony.Participant{ID: "alice", CeremonyID: "c1", Status: ceremony.StatusContributing, ContributionStep: ceremony.StepDownloading}
	require.NoError(t, s.Write(ctx, []store.Op{{Kind: store.OpCreate, Collection: store.CollectionParticipants, ID: ceremony.ParticipantDocID("c1", "alice"), Value: &p}}))

	api := newAPI(t, s)
	err := api.StorePermanentContributionRecord(ctx, StorePermanentContributionRecordRequest{
		CeremonyID: "c1", Hash: "deadbeef", ComputationTime: 100,
		Caller: config.CallerIdentity{ParticipantID: "alice"},
	})
	require.Error(t, err)
}

func TestPresignGetRejectsUnboundBucket(t *testing.T) {
	s := store.NewMemory()
	seedCeremony(t, s, ceremony.Ceremony{ID: "c1", Prefix: "circuit-one", State: ceremony.CeremonyOpened}, nil)
	api := newAPI(t, s)

	_, err := api.PresignGet(context.Background(), PresignGetRequest{
		Bucket: "not-a-ceremony-bucket",
		Key:    "whatever",
		Caller: config.CallerIdentity{ParticipantID: "alice"},
	})
	require.Error(t, err)

	url, err := api.PresignGet(context.Background(), PresignGetRequest{
		Bucket: "circuit-one" + api.Config.BucketPostfix,
		Key:    "whatever",
		Caller: config.CallerIdentity{ParticipantID: "alice"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, url)
}

func TestCompleteMultipartUploadRejectsWrongKey(t *testing.T) {
	s := store.NewMemory()
	circuit := ceremony.Circuit{ID: "k1", CeremonyID: "c1", Prefix: "k1", WaitingQueue: ceremony.WaitingQueue{CompletedContributions: 0}}
	seedCeremony(t, s, ceremony.Ceremony{ID: "c1", Prefix: "c1", State: ceremony.CeremonyOpened}, []ceremony.Circuit{circuit})
	api := newAPI(t, s)

	err := api.CompleteMultipartUpload(context.Background(), CompleteMultipartUploadRequest{
		Bucket: "bucket", CeremonyID: "c1", CircuitID: "k1", NextIndex: 1,
		Key:    "wrong/path.zkey",
		Caller: config.CallerIdentity{ParticipantID: "alice"},
	})
	require.Error(t, err)

	err = api.CompleteMultipartUpload(context.Background(), CompleteMultipartUploadRequest{
		Bucket: "bucket", CeremonyID: "c1", CircuitID: "k1", NextIndex: 1,
		Key:    "circuits/k1/zkeys/k1_00001.zkey",
		Caller: config.CallerIdentity{ParticipantID: "alice"},
	})
	require.NoError(t, err)
}

func TestPrepareForFinalizationAndFinalizeCeremony(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	seedCeremony(t, s, ceremony.Ceremony{ID: "c1", Prefix: "c1", State: ceremony.CeremonyClosed}, []ceremony.Circuit{{ID: "k1", CeremonyID: "c1", SequencePosition: 1}})

	alice := ceremony.Participant{ID: "alice", CeremonyID: "c1", Status: ceremony.StatusDone, ContributionProgress: 1}
	require.NoError(t, s.Write(ctx, []store.Op{{Kind: store.OpCreate, Collection: store.CollectionParticipants, ID: ceremony.ParticipantDocID("c1", "alice"), Value: &alice}}))

	api := newAPI(t, s)
	coordinator := config.CallerIdentity{Email: "ops@coordinator.example"}

	require.NoError(t, api.PrepareForFinalization(ctx, PrepareForFinalizationRequest{CeremonyID: "c1", TargetParticipantID: "alice", Caller: coordinator}))

	var p ceremony.Participant
	require.NoError(t, s.Get(ctx, store.CollectionParticipants, ceremony.ParticipantDocID("c1", "alice"), &p))
	require.Equal(t, ceremony.StatusFinalizing, p.Status)

	result, err := api.FinalizeCeremony(ctx, FinalizeCeremonyRequest{CeremonyID: "c1", TargetParticipantID: "alice", Caller: coordinator})
	require.NoError(t, err)
	require.True(t, result.CeremonyFinalized)

	var cer ceremony.Ceremony
	require.NoError(t, s.Get(ctx, store.CollectionCeremonies, "c1", &cer))
	require.Equal(t, ceremony.CeremonyFinalized, cer.State)
}

func TestFinalizeCeremonyRejectsNonCoordinator(t *testing.T) {
	s := store.NewMemory()
	seedCeremony(t, s, ceremony.Ceremony{ID: "c1", Prefix: "c1", State: ceremony.CeremonyClosed}, nil)
	api := newAPI(t, s)

	_, err := api.FinalizeCeremony(context.Background(), FinalizeCeremonyRequest{CeremonyID: "c1", TargetParticipantID: "alice", Caller: config.CallerIdentity{Email: "alice@example.com"}})
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.PermissionDenied, kind)
}
