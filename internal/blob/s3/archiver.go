package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mintbay/marketd/internal/domain"
)

// ---------------------------------------------------------------------------
// Narrow store interfaces required by the archiver. The archiver only needs
// the time-ranged query methods it actually calls, not the full journal
// store interfaces.
// ---------------------------------------------------------------------------

// ListingArchiveStore provides read access to sold listings for archival.
type ListingArchiveStore interface {
	// ListSoldBefore returns all sold listings whose sale completed strictly
	// before the given cutoff time.
	ListSoldBefore(ctx context.Context, before time.Time) ([]domain.Listing, error)
}

// AuditArchiveStore provides read access to audit rows for archival.
type AuditArchiveStore interface {
	// ListBefore returns all audit entries created strictly before the given
	// cutoff time.
	ListBefore(ctx context.Context, before time.Time) ([]domain.AuditEntry, error)
}

// AuditLogger records archival events.
type AuditLogger interface {
	Log(ctx context.Context, event string, detail map[string]any) error
}

// ---------------------------------------------------------------------------
// ArchiveImpl
// ---------------------------------------------------------------------------

// ArchiveImpl implements domain.Archiver by querying the journal for old
// records, serializing them to JSONL, and uploading the result to S3.
//
// Deletion of the archived records from the primary store is intentionally
// NOT performed here -- that is a separate, explicit step to be executed
// after the archive has been verified.
type ArchiveImpl struct {
	writer   domain.BlobWriter
	listings ListingArchiveStore
	audit    AuditArchiveStore
	auditLog AuditLogger
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(
	writer domain.BlobWriter,
	listings ListingArchiveStore,
	audit AuditArchiveStore,
	auditLog AuditLogger,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:   writer,
		listings: listings,
		audit:    audit,
		auditLog: auditLog,
	}
}

// ArchiveSoldListings queries all sold listings completed before the cutoff,
// serializes them to JSONL, and uploads the file to S3 at
// archive/listings/YYYY-MM.jsonl. The archival event is recorded in the
// audit log and the count of archived records is returned.
func (a *ArchiveImpl) ArchiveSoldListings(ctx context.Context, before time.Time) (int64, error) {
	listings, err := a.listings.ListSoldBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive listings query: %w", err)
	}
	if len(listings) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(listings)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive listings marshal: %w", err)
	}

	path := archivePath("listings", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive listings upload: %w", err)
	}

	count := int64(len(listings))

	if err := a.auditLog.Log(ctx, "archive.listings", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive listings audit log: %w", err)
	}

	return count, nil
}

// ArchiveAuditLog queries all audit entries created before the cutoff,
// serializes them to JSONL, and uploads the file to S3 at
// archive/audit_log/YYYY-MM.jsonl. The archival event is recorded in the
// audit log and the count of archived records is returned.
func (a *ArchiveImpl) ArchiveAuditLog(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.audit.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}

	path := archivePath("audit_log", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}

	count := int64(len(entries))

	if err := a.auditLog.Log(ctx, "archive.audit_log", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive audit audit log: %w", err)
	}

	return count, nil
}

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/listings/2026-08.jsonl
//	archive/audit_log/2026-08.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
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
