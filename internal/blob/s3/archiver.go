package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/iotmart/internal/domain"
)

// Archiver exports session history and listing snapshots to object storage
// as newline-delimited JSON. Exports are write-only copies; nothing is
// deleted from the primary stores.
type Archiver struct {
	writer domain.BlobWriter
	prefix string
	now    func() time.Time
}

// NewArchiver creates an Archiver writing below prefix (e.g. "iotmart").
func NewArchiver(writer domain.BlobWriter, prefix string) *Archiver {
	return &Archiver{writer: writer, prefix: prefix, now: time.Now}
}

// ArchiveHistory uploads every entry of a session. It returns the object
// path, or "" when there was nothing to archive.
func (a *Archiver) ArchiveHistory(ctx context.Context, sessionID string, entries []domain.HistoryEntry) (string, error) {
	if len(entries) == 0 {
		return "", nil
	}
	buf, err := marshalJSONL(entries)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive history marshal: %w", err)
	}
	path := a.path("history", sessionID)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return "", fmt.Errorf("s3blob: archive history: %w", err)
	}
	return path, nil
}

// ArchiveSnapshot uploads a listing snapshot. Unverified records carry no
// clear value.
func (a *Archiver) ArchiveSnapshot(ctx context.Context, records []domain.LedgerRecord) (string, error) {
	if len(records) == 0 {
		return "", nil
	}
	buf, err := marshalJSONL(records)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive snapshot marshal: %w", err)
	}
	path := a.path("listings", "snapshot")
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return "", fmt.Errorf("s3blob: archive snapshot: %w", err)
	}
	return path, nil
}

// path builds keys partitioned by UTC day:
//
//	{prefix}/archive/history/2026-10-17/{session}-{unix}.jsonl
func (a *Archiver) path(kind, name string) string {
	now := a.now().UTC()
	p := fmt.Sprintf("archive/%s/%s/%s-%d.jsonl", kind, now.Format("2006-01-02"), name, now.Unix())
	if a.prefix != "" {
		p = a.prefix + "/" + p
	}
	return p
}

// marshalJSONL encodes each record as one compact JSON line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
