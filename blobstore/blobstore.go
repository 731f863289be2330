// Package blobstore is the coordinator's object-store facade: bucket
// create/head/delete, presigned GET/PUT, and the multipart upload
// lifecycle, plus a Reader/Writer pair for the Verifier's LOCAL path to
// stream artifacts to and from scratch disk.
// Two implementations live alongside it: s3blobstore (AWS S3, primary) and
// azureblobstore (Azure Blob Storage, selectable alternate), both behind
// this one interface so the rest of the module never imports a cloud SDK
// directly.
package blobstore

import (
	"context"
	"io"
	"time"
)

// ObjectHead is the result of HeadObject: existence plus size/etag.
type ObjectHead struct {
	Exists bool
	Size   int64
	ETag   string
}

// UploadedPart is one completed multipart upload part, mirroring
// ceremony.UploadedChunk but scoped to the blob store's own vocabulary.
type UploadedPart struct {
	ETag       string
	PartNumber int32
}

// BlobStore is the object-store collaborator every bucket/object
// coordinatorapi operation is a thin pass-through to.
type BlobStore interface {
	CreateBucket(ctx context.Context, bucket string) error
	HeadObject(ctx context.Context, bucket, key string) (ObjectHead, error)
	DeleteObject(ctx context.Context, bucket, key string) error

	// PresignGet and PresignPut return a URL valid for the configured
	// expiration window.
	PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
	PresignPut(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)

	StartMultipartUpload(ctx context.Context, bucket, key string) (uploadID string, err error)
	PresignUploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int32, expiry time.Duration) (string, error)
	CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []UploadedPart) error
	AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error

	// Download streams the object at (bucket, key) to w.
	Download(ctx context.Context, bucket, key string, w io.Writer) error
	// Upload streams r to the object at (bucket, key). publicRead marks the
	// object as publicly readable, used for verification transcripts.
	Upload(ctx context.Context, bucket, key string, r io.Reader, publicRead bool) error
}
