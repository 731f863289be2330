// Package s3blobstore is the primary blobstore.BlobStore implementation,
// built on the AWS SDK v2 family (aws-sdk-go-v2 + config + credentials);
// service/s3 and feature/s3/manager give it bucket/object operations and
// a streaming multipart uploader/downloader.
package s3blobstore

import (
	"context"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cockroachdb/errors"

	"github.com/ceremonial-labs/trustedsetup-coordinator/blobstore"
)

// Store is a blobstore.BlobStore backed by Amazon S3.
type Store struct {
	client   *s3.Client
	presign  *s3.PresignClient
	uploader *manager.Uploader
	downloader *manager.Downloader
}

var _ blobstore.BlobStore = (*Store)(nil)

// Config carries the AWS region and credential configuration.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	// Endpoint overrides the default AWS endpoint, for S3-compatible test
	// servers (minio, localstack); empty uses the real AWS endpoint.
	Endpoint string
}

// New constructs a Store from cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "s3blobstore: load aws config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Store{
		client:     client,
		presign:    s3.NewPresignClient(client),
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client, func(d *manager.Downloader) { d.Concurrency = 1 }),
	}, nil
}

func (s *Store) CreateBucket(ctx context.Context, bucket string) error {
	_, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		var alreadyOwned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &alreadyOwned) {
			return nil
		}
		return errors.Wrap(err, "s3blobstore: create bucket")
	}
	return nil
}

func (s *Store) HeadObject(ctx context.Context, bucket, key string) (blobstore.ObjectHead, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return blobstore.ObjectHead{Exists: false}, nil
		}
		return blobstore.ObjectHead{}, errors.Wrap(err, "s3blobstore: head object")
	}
	head := blobstore.ObjectHead{Exists: true}
	if out.ContentLength != nil {
		head.Size = *out.ContentLength
	}
	if out.ETag != nil {
		head.ETag = *out.ETag
	}
	return head, nil
}

func (s *Store) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return errors.Wrap(err, "s3blobstore: delete object")
	}
	return nil
}

func (s *Store) PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)},
		s3.WithPresignExpires(expiry))
	if err != nil {
		return "", errors.Wrap(err, "s3blobstore: presign get")
	}
	return req.URL, nil
}

func (s *Store) PresignPut(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)},
		s3.WithPresignExpires(expiry))
	if err != nil {
		return "", errors.Wrap(err, "s3blobstore: presign put")
	}
	return req.URL, nil
}

func (s *Store) StartMultipartUpload(ctx context.Context, bucket, key string) (string, error) {
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return "", errors.Wrap(err, "s3blobstore: start multipart upload")
	}
	return aws.ToString(out.UploadId), nil
}

func (s *Store) PresignUploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int32, expiry time.Duration) (string, error) {
	req, err := s.presign.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(partNumber),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", errors.Wrap(err, "s3blobstore: presign upload part")
	}
	return req.URL, nil
}

func (s *Store) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []blobstore.UploadedPart) error {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{ETag: aws.String(p.ETag), PartNumber: aws.Int32(p.PartNumber)})
	}
	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return errors.Wrap(err, "s3blobstore: complete multipart upload")
	}
	return nil
}

func (s *Store) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket: aws.String(bucket), Key: aws.String(key), UploadId: aws.String(uploadID),
	})
	if err != nil {
		return errors.Wrap(err, "s3blobstore: abort multipart upload")
	}
	return nil
}

func (s *Store) Download(ctx context.Context, bucket, key string, w io.Writer) error {
	_, err := s.downloader.Download(ctx, fakeWriterAt{w}, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return errors.Wrap(err, "s3blobstore: download")
	}
	return nil
}

func (s *Store) Upload(ctx context.Context, bucket, key string, r io.Reader, publicRead bool) error {
	input := &s3.PutObjectInput{Bucket: aws.String(bucket), Key: aws.String(key), Body: r}
	if publicRead {
		input.ACL = types.ObjectCannedACLPublicRead
	}
	_, err := s.uploader.Upload(ctx, input)
	if err != nil {
		return errors.Wrap(err, "s3blobstore: upload")
	}
	return nil
}

// fakeWriterAt adapts an io.Writer for manager.Downloader, which requires
// io.WriterAt for its parallel-chunk download strategy. Scratch-file writes
// in the Verifier's LOCAL path are always sequential single-writer, so a
// plain io.Writer is what callers hold; this adapter assumes sequential,
// non-overlapping writes, which holds because New sets the downloader's
// Concurrency to 1 so parts are fetched and written one at a time, in
// order.
type fakeWriterAt struct {
	w io.Writer
}

func (fw fakeWriterAt) WriteAt(p []byte, offset int64) (int, error) {
	return fw.w.Write(p)
}
