package domain

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// ArchivePrefix is the object-key prefix under which an obligor's archives
// are stored, one object per UTC day.
func ArchivePrefix(address string) string {
	return "obligors/" + strings.ToLower(address) + "/"
}

// ArchivePath is the object key of the obligor's archive for day at.
func ArchivePath(address string, at time.Time) string {
	return fmt.Sprintf("%s%s.jsonl", ArchivePrefix(address), at.UTC().Format("2006-01-02"))
}

// Archiver exports obligor history to cold storage.
type Archiver interface {
	// ArchiveObligor writes the obligor's event log and snapshot and
	// returns the object path.
	ArchiveObligor(ctx context.Context, address string) (string, error)
}
