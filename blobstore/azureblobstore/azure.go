// Package azureblobstore is the secondary blobstore.BlobStore
// implementation, exercising the teacher's direct
// github.com/Azure/azure-sdk-for-go/sdk/storage/azblob dependency as an
// alternate bucket backend selectable by config (SPEC_FULL.md Domain
// Stack). Azure "containers" play the role of S3 "buckets" behind the same
// interface; multipart upload semantics are approximated with Azure's
// block-list API (stage block / commit block list).
package azureblobstore

import (
	"context"
	"io"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"github.com/cockroachdb/errors"

	"github.com/ceremonial-labs/trustedsetup-coordinator/blobstore"
)

// Store is a blobstore.BlobStore backed by Azure Blob Storage.
type Store struct {
	client      *azblob.Client
	accountName string
	accountKey  string
}

var _ blobstore.BlobStore = (*Store)(nil)

// New constructs a Store for the given storage account using a shared key
// credential, the Azure counterpart to the S3 backend's access-key
// credential, supplied the same way via config.
func New(serviceURL, accountName, accountKey string) (*Store, error) {
	cred, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, errors.Wrap(err, "azureblobstore: shared key credential")
	}
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, errors.Wrap(err, "azureblobstore: new client")
	}
	return &Store{client: client, accountName: accountName, accountKey: accountKey}, nil
}

func (s *Store) CreateBucket(ctx context.Context, bucket string) error {
	_, err := s.client.CreateContainer(ctx, bucket, nil)
	if err != nil && !isContainerAlreadyExists(err) {
		return errors.Wrap(err, "azureblobstore: create container")
	}
	return nil
}

func isContainerAlreadyExists(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == "ContainerAlreadyExists"
}

func (s *Store) HeadObject(ctx context.Context, bucket, key string) (blobstore.ObjectHead, error) {
	props, err := s.client.ServiceClient().NewContainerClient(bucket).NewBlobClient(key).GetProperties(ctx, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return blobstore.ObjectHead{Exists: false}, nil
		}
		return blobstore.ObjectHead{}, errors.Wrap(err, "azureblobstore: head object")
	}
	head := blobstore.ObjectHead{Exists: true}
	if props.ContentLength != nil {
		head.Size = *props.ContentLength
	}
	if props.ETag != nil {
		head.ETag = string(*props.ETag)
	}
	return head, nil
}

func (s *Store) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteBlob(ctx, bucket, key, nil)
	if err != nil {
		return errors.Wrap(err, "azureblobstore: delete object")
	}
	return nil
}

func (s *Store) presignURL(bucket, key string, perms sas.BlobPermissions, expiry time.Duration) (string, error) {
	blobClient := s.client.ServiceClient().NewContainerClient(bucket).NewBlobClient(key)
	cred, err := azblob.NewSharedKeyCredential(s.accountName, s.accountKey)
	if err != nil {
		return "", errors.Wrap(err, "azureblobstore: shared key credential")
	}
	values := sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPS,
		ExpiryTime:    timeNow().Add(expiry),
		ContainerName: bucket,
		BlobName:      key,
		Permissions:   perms.String(),
	}
	sasQuery, err := values.SignWithSharedKey(cred)
	if err != nil {
		return "", errors.Wrap(err, "azureblobstore: sign sas")
	}
	return blobClient.URL() + "?" + sasQuery.Encode(), nil
}

var timeNow = func() time.Time { return timeNowReal() }

func (s *Store) PresignGet(_ context.Context, bucket, key string, expiry time.Duration) (string, error) {
	return s.presignURL(bucket, key, sas.BlobPermissions{Read: true}, expiry)
}

func (s *Store) PresignPut(_ context.Context, bucket, key string, expiry time.Duration) (string, error) {
	return s.presignURL(bucket, key, sas.BlobPermissions{Write: true, Create: true}, expiry)
}

// StartMultipartUpload has no direct Azure equivalent; block blobs compose
// an upload from client-chosen block ids instead of a server-issued upload
// id, so the "upload id" here is a locally generated correlation token the
// coordinator stores alongside the block ids it hands out via
// PresignUploadPart.
func (s *Store) StartMultipartUpload(_ context.Context, _, _ string) (string, error) {
	return newCorrelationID(), nil
}

func (s *Store) PresignUploadPart(_ context.Context, bucket, key, _ string, partNumber int32, expiry time.Duration) (string, error) {
	return s.presignURL(bucket, key, sas.BlobPermissions{Write: true}, expiry)
}

func (s *Store) CompleteMultipartUpload(ctx context.Context, bucket, key, _ string, parts []blobstore.UploadedPart) error {
	blockIDs := make([]string, 0, len(parts))
	for _, p := range parts {
		blockIDs = append(blockIDs, p.ETag)
	}
	_, err := s.client.ServiceClient().NewContainerClient(bucket).NewBlockBlobClient(key).CommitBlockList(ctx, blockIDs, nil)
	if err != nil {
		return errors.Wrap(err, "azureblobstore: commit block list")
	}
	return nil
}

func (s *Store) AbortMultipartUpload(_ context.Context, _, _, _ string) error {
	// Uncommitted blocks are garbage-collected by Azure automatically after
	// a week; there is no explicit abort call for block blobs.
	return nil
}

func (s *Store) Download(ctx context.Context, bucket, key string, w io.Writer) error {
	resp, err := s.client.DownloadStream(ctx, bucket, key, nil)
	if err != nil {
		return errors.Wrap(err, "azureblobstore: download")
	}
	defer resp.Body.Close()
	_, err = io.Copy(w, resp.Body)
	return err
}

func (s *Store) Upload(ctx context.Context, bucket, key string, r io.Reader, publicRead bool) error {
	// publicRead is not expressible per-blob in Azure (container-level ACL
	// only); the coordinator configures the transcripts container itself
	// with public-read access at provisioning time, out of scope here.
	_, err := s.client.UploadStream(ctx, bucket, key, r, nil)
	if err != nil {
		return errors.Wrap(err, "azureblobstore: upload")
	}
	return nil
}
