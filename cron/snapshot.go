package cron

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/ceremonial-labs/trustedsetup-coordinator/blobstore"
	"github.com/ceremonial-labs/trustedsetup-coordinator/store"
)

// SnapshotExporter runs the coordinator's daily snapshot job: a full,
// collection-by-collection ndjson export of every document, opaque to the
// core domain logic — operators need a durable point-in-time export
// independent of the Store's own backend.
type SnapshotExporter struct {
	Store      Store
	Blob       blobstore.BlobStore
	Bucket     string
	Collections []string

	// Today returns the date string (YYYY-MM-DD) used in the export path.
	// Exists so tests can pin it; production wiring supplies a function
	// reading the injected clock rather than calling time.Now directly.
	Today func() string
}

// Export writes one ndjson object per configured collection to
// snapshots/<date>/<collection>.ndjson in Bucket.
func (e *SnapshotExporter) Export(ctx context.Context) error {
	if e.Blob == nil || e.Bucket == "" {
		return nil
	}
	date := e.Today()
	for _, collection := range e.Collections {
		var docs []json.RawMessage
		if err := e.Store.Query(ctx, collection, nil, &docs); err != nil {
			return fmt.Errorf("cron: snapshot query %s: %w", collection, err)
		}
		var buf bytes.Buffer
		for _, doc := range docs {
			buf.Write(doc)
			buf.WriteByte('\n')
		}
		key := fmt.Sprintf("snapshots/%s/%s.ndjson", date, collection)
		if err := e.Blob.Upload(ctx, e.Bucket, key, bytes.NewReader(buf.Bytes()), false); err != nil {
			return fmt.Errorf("cron: snapshot upload %s: %w", key, err)
		}
	}
	return nil
}
