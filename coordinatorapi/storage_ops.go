package coordinatorapi

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ceremonial-labs/trustedsetup-coordinator/blobstore"
	"github.com/ceremonial-labs/trustedsetup-coordinator/ceremony"
	"github.com/ceremonial-labs/trustedsetup-coordinator/config"
	"github.com/ceremonial-labs/trustedsetup-coordinator/coordinatorapi/errs"
	"github.com/ceremonial-labs/trustedsetup-coordinator/store"
)

// CreateBucketRequest is the input to CreateBucket.
type CreateBucketRequest struct {
	Bucket string
	Caller config.CallerIdentity
}

// CreateBucket is a thin, coordinator-only pass-through to the blob store:
// provisioning a ceremony's bucket is an administrative action, not a
// participant-triggered one.
func (a *API) CreateBucket(ctx context.Context, req CreateBucketRequest) error {
	if err := a.allow(ctx); err != nil {
		return err
	}
	if err := a.requireCoordinator(req.Caller); err != nil {
		return err
	}
	if err := a.Blob.CreateBucket(ctx, req.Bucket); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "coordinatorapi: createBucket %s", req.Bucket)
	}
	return nil
}

// HeadObjectRequest is the input to HeadObject.
type HeadObjectRequest struct {
	Bucket string
	Key    string
	Caller config.CallerIdentity
}

// HeadObject is a thin pass-through to the blob store's HeadObject.
func (a *API) HeadObject(ctx context.Context, req HeadObjectRequest) (blobstore.ObjectHead, error) {
	if err := a.allow(ctx); err != nil {
		return blobstore.ObjectHead{}, err
	}
	if err := requireParticipant(req.Caller); err != nil {
		return blobstore.ObjectHead{}, err
	}
	head, err := a.Blob.HeadObject(ctx, req.Bucket, req.Key)
	if err != nil {
		return blobstore.ObjectHead{}, errs.Wrap(errs.StorageFailure, err, "coordinatorapi: headObject %s/%s", req.Bucket, req.Key)
	}
	return head, nil
}

// PresignGetRequest is the input to PresignGet.
type PresignGetRequest struct {
	Bucket string
	Key    string
	Caller config.CallerIdentity
}

// PresignGet refuses any bucket not bound to an existing ceremony by the
// configured prefix/postfix convention before handing out a URL.
func (a *API) PresignGet(ctx context.Context, req PresignGetRequest) (string, error) {
	if err := a.allow(ctx); err != nil {
		return "", err
	}
	if err := requireParticipant(req.Caller); err != nil {
		return "", err
	}
	if err := a.requireBoundBucket(ctx, req.Bucket); err != nil {
		return "", err
	}
	expiry := time.Duration(a.Config.PresignExpirationSeconds) * time.Second
	url, err := a.Blob.PresignGet(ctx, req.Bucket, req.Key, expiry)
	if err != nil {
		return "", errs.Wrap(errs.StorageFailure, err, "coordinatorapi: presignGet %s/%s", req.Bucket, req.Key)
	}
	return url, nil
}

// StartMultipartUploadRequest is the input to StartMultipartUpload.
type StartMultipartUploadRequest struct {
	Bucket      string
	CeremonyID  string
	CircuitID   string
	NextIndex   int
	Caller      config.CallerIdentity
}

// StartMultipartUpload opens an upload whose object key it derives itself
// from the circuit's prefix and req.NextIndex (the canonical zkey path), so
// a caller cannot name an arbitrary key. req.NextIndex is taken as given;
// it is not checked against the circuit's completed-contribution count.
func (a *API) StartMultipartUpload(ctx context.Context, req StartMultipartUploadRequest) (key, uploadID string, err error) {
	if err := a.allow(ctx); err != nil {
		return "", "", err
	}
	if err := requireParticipant(req.Caller); err != nil {
		return "", "", err
	}
	circuit, err := a.loadCircuit(ctx, req.CeremonyID, req.CircuitID)
	if err != nil {
		return "", "", err
	}
	key = nextZkeyKey(circuit, req.NextIndex)
	uploadID, err = a.Blob.StartMultipartUpload(ctx, req.Bucket, key)
	if err != nil {
		return "", "", errs.Wrap(errs.StorageFailure, err, "coordinatorapi: startMultipartUpload %s/%s", req.Bucket, key)
	}
	return key, uploadID, nil
}

// PresignPartsRequest is the input to PresignParts.
type PresignPartsRequest struct {
	Bucket      string
	Key         string
	UploadID    string
	PartNumbers []int32
	Caller      config.CallerIdentity
}

// PresignParts presigns one upload-part URL per requested part number.
func (a *API) PresignParts(ctx context.Context, req PresignPartsRequest) (map[int32]string, error) {
	if err := a.allow(ctx); err != nil {
		return nil, err
	}
	if err := requireParticipant(req.Caller); err != nil {
		return nil, err
	}
	expiry := time.Duration(a.Config.PresignExpirationSeconds) * time.Second
	urls := make(map[int32]string, len(req.PartNumbers))
	for _, n := range req.PartNumbers {
		url, err := a.Blob.PresignUploadPart(ctx, req.Bucket, req.Key, req.UploadID, n, expiry)
		if err != nil {
			return nil, errs.Wrap(errs.StorageFailure, err, "coordinatorapi: presignUploadPart %s part %d", req.Key, n)
		}
		urls[n] = url
	}
	return urls, nil
}

// CompleteMultipartUploadRequest is the input to CompleteMultipartUpload.
type CompleteMultipartUploadRequest struct {
	Bucket     string
	CeremonyID string
	CircuitID  string
	NextIndex  int
	Key        string
	UploadID   string
	Parts      []blobstore.UploadedPart
	Caller     config.CallerIdentity
}

// CompleteMultipartUpload verifies req.Key against the expected next-zkey
// path before completing the upload.
func (a *API) CompleteMultipartUpload(ctx context.Context, req CompleteMultipartUploadRequest) error {
	if err := a.allow(ctx); err != nil {
		return err
	}
	if err := requireParticipant(req.Caller); err != nil {
		return err
	}
	circuit, err := a.loadCircuit(ctx, req.CeremonyID, req.CircuitID)
	if err != nil {
		return err
	}
	expected := nextZkeyKey(circuit, req.NextIndex)
	if req.Key != expected {
		return errs.New(errs.InvalidArgument, "coordinatorapi: completeMultipartUpload key %s does not match expected %s", req.Key, expected)
	}
	if err := a.Blob.CompleteMultipartUpload(ctx, req.Bucket, req.Key, req.UploadID, req.Parts); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "coordinatorapi: completeMultipartUpload %s", req.Key)
	}
	return nil
}

func (a *API) loadCircuit(ctx context.Context, ceremonyID, circuitID string) (ceremony.Circuit, error) {
	var circuit ceremony.Circuit
	docID := ceremony.CircuitDocID(ceremonyID, circuitID)
	if err := a.Store.Get(ctx, store.CollectionCircuits, docID, &circuit); err != nil {
		return ceremony.Circuit{}, errs.Wrap(errs.NotFound, err, "coordinatorapi: load circuit %s", docID)
	}
	return circuit, nil
}

// nextZkeyKey implements the canonical storage path: circuits/<prefix>/
// zkeys/<prefix>_<index>.zkey, index zero-padded to 5 digits.
func nextZkeyKey(circuit ceremony.Circuit, nextIndex int) string {
	return fmt.Sprintf("circuits/%s/zkeys/%s_%05d.zkey", circuit.Prefix, circuit.Prefix, nextIndex)
}

// verifierContractKey implements the canonical storage path for a
// circuit's Solidity verifier contract artifact: circuits/<prefix>/
// verifier_contract/<filename>.
func verifierContractKey(circuit ceremony.Circuit, filename string) string {
	return fmt.Sprintf("circuits/%s/verifier_contract/%s", circuit.Prefix, filename)
}

// verificationKeyKey implements the canonical storage path for a
// circuit's verification key artifact: circuits/<prefix>/
// verification_key/<filename>.
func verificationKeyKey(circuit ceremony.Circuit, filename string) string {
	return fmt.Sprintf("circuits/%s/verification_key/%s", circuit.Prefix, filename)
}

// requireBoundBucket implements presignGet's bucket-binding check: the
// bucket name must end in the configured postfix, and the prefix that
// remains must name an existing ceremony.
func (a *API) requireBoundBucket(ctx context.Context, bucket string) error {
	postfix := a.Config.BucketPostfix
	if postfix == "" || !strings.HasSuffix(bucket, postfix) {
		return errs.New(errs.PermissionDenied, "coordinatorapi: bucket %s is not bound to a ceremony", bucket)
	}
	prefix := strings.TrimSuffix(bucket, postfix)

	var ceremonies []ceremony.Ceremony
	if err := a.Store.Query(ctx, store.CollectionCeremonies, []store.Filter{
		{Field: "prefix", Op: store.FilterEq, Value: prefix},
	}, &ceremonies); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "coordinatorapi: query ceremony by prefix %s", prefix)
	}
	if len(ceremonies) == 0 {
		return errs.New(errs.PermissionDenied, "coordinatorapi: no ceremony bound to bucket %s", bucket)
	}
	return nil
}
