package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/jankascore/internal/domain"
)

// archivePageSize bounds each event-log read while building an archive.
const archivePageSize = 1000

// Archives larger than this go through the multipart uploader.
const (
	multipartThreshold = 8 << 20
	multipartPartSize  = 5 << 20
)

// Record is one JSONL line of an obligor archive. The first line carries
// the snapshot (when one exists) and every following line one event.
type Record struct {
	Kind     string                  `json:"kind"`
	Snapshot *domain.ObligorSnapshot `json:"snapshot,omitempty"`
	Event    *domain.LendingEvent    `json:"event,omitempty"`
}

// Archiver implements domain.Archiver by exporting an obligor's snapshot
// and full event log as JSONL. Archived records stay in the primary store.
type Archiver struct {
	writer   domain.BlobWriter
	obligors domain.ObligorStore
	events   domain.EventStore
	audit    domain.AuditStore
	now      func() time.Time

	multipartAbove int
}

// NewArchiver creates an Archiver.
func NewArchiver(writer domain.BlobWriter, obligors domain.ObligorStore, events domain.EventStore, audit domain.AuditStore) *Archiver {
	return &Archiver{
		writer:   writer,
		obligors: obligors,
		events:   events,
		audit:    audit,
		now:      time.Now,

		multipartAbove: multipartThreshold,
	}
}

// ArchiveObligor uploads obligors/<address>/<YYYY-MM-DD>.jsonl and returns
// its path. It returns domain.ErrNotFound if the obligor has neither a
// snapshot nor events.
func (a *Archiver) ArchiveObligor(ctx context.Context, address string) (string, error) {
	var records []Record

	snap, err := a.obligors.Get(ctx, address)
	switch {
	case err == nil:
		records = append(records, Record{Kind: "snapshot", Snapshot: &snap})
	case !errors.Is(err, domain.ErrNotFound):
		return "", fmt.Errorf("s3blob: archive %s snapshot: %w", address, err)
	}

	var events int
	for offset := 0; ; offset += archivePageSize {
		page, err := a.events.ListByObligor(ctx, address, domain.ListOpts{Limit: archivePageSize, Offset: offset})
		if err != nil {
			return "", fmt.Errorf("s3blob: archive %s events: %w", address, err)
		}
		for i := range page {
			records = append(records, Record{Kind: "event", Event: &page[i]})
		}
		events += len(page)
		if len(page) < archivePageSize {
			break
		}
	}

	if len(records) == 0 {
		return "", fmt.Errorf("s3blob: archive %s: %w", address, domain.ErrNotFound)
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s marshal: %w", address, err)
	}

	path := domain.ArchivePath(address, a.now())
	if len(buf) > a.multipartAbove {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), multipartPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s upload: %w", address, err)
	}

	if err := a.audit.Log(ctx, "archive.obligor", map[string]any{
		"address": address,
		"path":    path,
		"events":  events,
	}); err != nil {
		return path, fmt.Errorf("s3blob: archive %s audit log: %w", address, err)
	}
	return path, nil
}

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

var _ domain.Archiver = (*Archiver)(nil)
