package cron

import (
	"context"
	"io"
	"time"

	"github.com/ceremonial-labs/trustedsetup-coordinator/blobstore"
)

// captureBlob is a minimal blobstore.BlobStore recording every Upload call,
// enough to assert the snapshot job's object keys and contents without a
// real cloud SDK.
type captureBlob struct {
	uploaded map[string]string
}

var _ blobstore.BlobStore = (*captureBlob)(nil)

func newCaptureBlob() *captureBlob { return &captureBlob{uploaded: map[string]string{}} }

func (c *captureBlob) CreateBucket(context.Context, string) error { return nil }
func (c *captureBlob) HeadObject(context.Context, string, string) (blobstore.ObjectHead, error) {
	return blobstore.ObjectHead{}, nil
}
func (c *captureBlob) DeleteObject(context.Context, string, string) error { return nil }
func (c *captureBlob) PresignGet(context.Context, string, string, time.Duration) (string, error) {
	return "", nil
}
func (c *captureBlob) PresignPut(context.Context, string, string, time.Duration) (string, error) {
	return "", nil
}
func (c *captureBlob) StartMultipartUpload(context.Context, string, string) (string, error) {
	return "", nil
}
func (c *captureBlob) PresignUploadPart(context.Context, string, string, string, int32, time.Duration) (string, error) {
	return "", nil
}
func (c *captureBlob) CompleteMultipartUpload(context.Context, string, string, string, []blobstore.UploadedPart) error {
	return nil
}
func (c *captureBlob) AbortMultipartUpload(context.Context, string, string, string) error { return nil }
func (c *captureBlob) Download(context.Context, string, string, io.Writer) error           { return nil }

func (c *captureBlob) Upload(_ context.Context, _, key string, r io.Reader, _ bool) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	c.uploaded[key] = string(data)
	return nil
}
