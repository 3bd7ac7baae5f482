package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/liquiditylab/aggbook/internal/domain"
)

// ---------------------------------------------------------------------------
// Narrow interfaces required by the archiver.
//
// The archiver only needs time-ranged reads, post-upload deletes, and a
// depth read; it never needs the full store interfaces. The Postgres stores
// and the book manager satisfy these implicitly.
// ---------------------------------------------------------------------------

// CrossingArchiveStore provides archival access to crossing history.
type CrossingArchiveStore interface {
	ListRecent(ctx context.Context, limit int) ([]domain.Crossing, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SessionArchiveStore provides archival access to feed sessions.
type SessionArchiveStore interface {
	ListRecent(ctx context.Context, venue domain.Venue, limit int) ([]domain.FeedSession, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// DepthSource reads the current aggregate depth for snapshotting.
type DepthSource interface {
	Symbol() string
	AggregatedDepth(n int) (bids, asks []domain.DepthLevel)
}

// archiveBatchLimit bounds how many rows one archival pass uploads.
const archiveBatchLimit = 100_000

// ArchiveImpl implements domain.Archiver: aged crossing and session rows
// move from Postgres to JSONL objects in S3, and periodic aggregate depth
// snapshots land as JSON objects. Rows are deleted from the primary store
// only after the upload succeeded.
type ArchiveImpl struct {
	writer    domain.BlobWriter
	crossings CrossingArchiveStore
	sessions  SessionArchiveStore
	depth     DepthSource
	levels    int
	audit     domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl. levels is the number of aggregate
// levels captured per side on a depth snapshot.
func NewArchiver(
	writer domain.BlobWriter,
	crossings CrossingArchiveStore,
	sessions SessionArchiveStore,
	depth DepthSource,
	levels int,
	audit domain.AuditStore,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:    writer,
		crossings: crossings,
		sessions:  sessions,
		depth:     depth,
		levels:    levels,
		audit:     audit,
	}
}

// ArchiveCrossings uploads every crossing observed before the cutoff to
// archive/crossings/YYYY-MM.jsonl, deletes the uploaded rows, records the
// event in the audit log, and returns the archived row count.
func (a *ArchiveImpl) ArchiveCrossings(ctx context.Context, before time.Time) (int64, error) {
	all, err := a.crossings.ListRecent(ctx, archiveBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive crossings query: %w", err)
	}
	var aged []domain.Crossing
	for _, c := range all {
		if c.ObservedAt.Before(before) {
			aged = append(aged, c)
		}
	}
	if len(aged) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(aged)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive crossings marshal: %w", err)
	}

	path := archivePath("crossings", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive crossings upload: %w", err)
	}

	deleted, err := a.crossings.DeleteBefore(ctx, before)
	if err != nil {
		return int64(len(aged)), fmt.Errorf("s3blob: archive crossings delete: %w", err)
	}

	if err := a.audit.Log(ctx, "archive.crossings", map[string]any{
		"path":    path,
		"count":   len(aged),
		"deleted": deleted,
		"before":  before.Format(time.RFC3339),
	}); err != nil {
		return int64(len(aged)), fmt.Errorf("s3blob: archive crossings audit log: %w", err)
	}

	return int64(len(aged)), nil
}

// ArchiveSessions uploads every closed feed session that ended before the
// cutoff to archive/sessions/YYYY-MM.jsonl, deletes the uploaded rows, and
// returns the archived row count.
func (a *ArchiveImpl) ArchiveSessions(ctx context.Context, before time.Time) (int64, error) {
	var aged []domain.FeedSession
	for _, venue := range domain.KnownVenues {
		sessions, err := a.sessions.ListRecent(ctx, venue, archiveBatchLimit)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive sessions query %s: %w", venue, err)
		}
		for _, s := range sessions {
			if s.EndedAt != nil && s.EndedAt.Before(before) {
				aged = append(aged, s)
			}
		}
	}
	if len(aged) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(aged)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive sessions marshal: %w", err)
	}

	path := archivePath("sessions", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive sessions upload: %w", err)
	}

	deleted, err := a.sessions.DeleteBefore(ctx, before)
	if err != nil {
		return int64(len(aged)), fmt.Errorf("s3blob: archive sessions delete: %w", err)
	}

	if err := a.audit.Log(ctx, "archive.sessions", map[string]any{
		"path":    path,
		"count":   len(aged),
		"deleted": deleted,
		"before":  before.Format(time.RFC3339),
	}); err != nil {
		return int64(len(aged)), fmt.Errorf("s3blob: archive sessions audit log: %w", err)
	}

	return int64(len(aged)), nil
}

// depthSnapshot is the JSON shape of one archived aggregate depth capture.
type depthSnapshot struct {
	Symbol     string              `json:"symbol"`
	CapturedAt time.Time           `json:"captured_at"`
	Bids       []domain.DepthLevel `json:"bids"`
	Asks       []domain.DepthLevel `json:"asks"`
}

// ArchiveDepth captures the aggregate book's current top levels and uploads
// them to depth/{symbol}/YYYY-MM-DD/HHMMSS.json for offline analysis. A nil
// depth source (archive-only deployments with no live book) is a no-op.
func (a *ArchiveImpl) ArchiveDepth(ctx context.Context, at time.Time) error {
	if a.depth == nil {
		return nil
	}
	bids, asks := a.depth.AggregatedDepth(a.levels)
	snap := depthSnapshot{
		Symbol:     a.depth.Symbol(),
		CapturedAt: at,
		Bids:       bids,
		Asks:       asks,
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("s3blob: archive depth marshal: %w", err)
	}

	path := fmt.Sprintf("depth/%s/%s/%s.json",
		snap.Symbol, at.UTC().Format("2006-01-02"), at.UTC().Format("150405"))
	if err := a.writer.Put(ctx, path, bytes.NewReader(data), "application/json"); err != nil {
		return fmt.Errorf("s3blob: archive depth upload: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/crossings/2025-01.jsonl
//	archive/sessions/2025-01.jsonl
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

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)
