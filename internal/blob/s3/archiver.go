package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/oddsflow/oddsflow/internal/domain"
)

// archiveBatchSize bounds how many rows one archive cycle pulls from the
// store.
const archiveBatchSize = 10_000

// Uploader is the narrow blob interface the archiver needs.
type Uploader interface {
	Put(ctx context.Context, key string, data io.Reader, contentType string) error
}

// Archiver periodically moves aged records out of the primary store: closed
// positions and old audit rows are serialized to JSONL and uploaded, then the
// archived audit rows are purged. Closed positions stay in PostgreSQL for
// querying; only the audit log is trimmed.
type Archiver struct {
	uploader  Uploader
	positions domain.PositionStore
	audit     domain.AuditStore
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

// NewArchiver creates an Archiver retaining records for retention and
// running one cycle per interval.
func NewArchiver(uploader Uploader, positions domain.PositionStore, audit domain.AuditStore, retention, interval time.Duration, logger *slog.Logger) *Archiver {
	return &Archiver{
		uploader:  uploader,
		positions: positions,
		audit:     audit,
		retention: retention,
		interval:  interval,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// Run executes archive cycles until ctx is cancelled. Cycle failures are
// logged and retried next interval; archival never takes the engine down.
func (a *Archiver) Run(ctx context.Context) error {
	a.logger.Info("archiver started",
		slog.Duration("retention", a.retention),
		slog.Duration("interval", a.interval),
	)
	defer a.logger.Info("archiver stopped")

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.Archive(ctx, time.Now().Add(-a.retention)); err != nil {
				a.logger.Error("archive cycle failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Archive runs one cycle against the given cutoff.
func (a *Archiver) Archive(ctx context.Context, cutoff time.Time) error {
	posCount, err := a.archivePositions(ctx, cutoff)
	if err != nil {
		return err
	}
	auditCount, err := a.archiveAudit(ctx, cutoff)
	if err != nil {
		return err
	}
	if posCount > 0 || auditCount > 0 {
		a.logger.Info("archive cycle complete",
			slog.Int64("positions", posCount),
			slog.Int64("audit_entries", auditCount),
		)
	}
	return nil
}

func (a *Archiver) archivePositions(ctx context.Context, cutoff time.Time) (int64, error) {
	positions, err := a.positions.ListClosedBefore(ctx, cutoff, archiveBatchSize)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(positions)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions marshal: %w", err)
	}

	key := archiveKey("positions", cutoff)
	if err := a.uploader.Put(ctx, key, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive positions upload: %w", err)
	}

	count := int64(len(positions))
	if err := a.audit.Log(ctx, "archive.positions", map[string]any{
		"key":    key,
		"count":  count,
		"cutoff": cutoff.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive positions audit log: %w", err)
	}
	return count, nil
}

// archiveAudit uploads old audit rows and purges them only after a
// successful upload.
func (a *Archiver) archiveAudit(ctx context.Context, cutoff time.Time) (int64, error) {
	entries, err := a.audit.ListBefore(ctx, cutoff, archiveBatchSize)
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

	key := archiveKey("audit", cutoff)
	if err := a.uploader.Put(ctx, key, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}

	// Purge strictly up to the newest archived row, not the cutoff, so rows
	// beyond the batch limit survive until their own upload.
	purgeUpTo := entries[len(entries)-1].CreatedAt.Add(time.Nanosecond)
	deleted, err := a.audit.DeleteBefore(ctx, purgeUpTo)
	if err != nil {
		return int64(len(entries)), fmt.Errorf("s3blob: purge audit rows: %w", err)
	}

	if err := a.audit.Log(ctx, "archive.audit", map[string]any{
		"key":     key,
		"count":   len(entries),
		"deleted": deleted,
		"cutoff":  cutoff.Format(time.RFC3339),
	}); err != nil {
		return int64(len(entries)), fmt.Errorf("s3blob: archive audit log: %w", err)
	}
	return int64(len(entries)), nil
}

// archiveKey partitions archive objects by the cutoff's year-month, with a
// timestamp suffix so repeated cycles never overwrite each other.
func archiveKey(kind string, cutoff time.Time) string {
	return fmt.Sprintf("archive/%s/%s/%d.jsonl",
		kind, cutoff.Format("2006-01"), time.Now().UnixMilli())
}

// marshalJSONL serialises records as newline-delimited JSON.
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
