package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads objects to blob storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// Archiver snapshots old ledger history (sold listings, audit rows) to blob
// storage. Archival never deletes from the primary store; pruning is a
// separate, explicit operator step after the archive is verified.
type Archiver interface {
	ArchiveSoldListings(ctx context.Context, before time.Time) (int64, error)
	ArchiveAuditLog(ctx context.Context, before time.Time) (int64, error)
}
