package core

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qbitmanage/qbm-recovery/internal/model"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    started_at  TEXT NOT NULL,
    finished_at TEXT,
    dry_run     INTEGER NOT NULL DEFAULT 0,
    state       TEXT NOT NULL DEFAULT 'running'
                CHECK(state IN ('running', 'completed', 'partial', 'interrupted'))
);

CREATE TABLE IF NOT EXISTS items (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id        TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    scope         TEXT NOT NULL,
    torrent_name  TEXT NOT NULL,
    metadata_path TEXT NOT NULL,
    payload       TEXT NOT NULL,
    moved         INTEGER NOT NULL DEFAULT 0,
    copied        INTEGER NOT NULL DEFAULT 0,
    skipped       INTEGER NOT NULL DEFAULT 0,
    failed        INTEGER NOT NULL DEFAULT 0,
    recorded_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_items_run ON items(run_id);
`

// Journal archives every metadata record consumed by a recovery run, so the
// torrents_json file can be removed without losing what it said.
type Journal struct {
	db *EncryptedDB
	mu sync.Mutex
}

// OpenJournal opens the journal database at path and creates its schema.
func OpenJournal(ctx context.Context, path, passphrase string) (*Journal, error) {
	db, err := OpenEncryptedDB(path, passphrase)
	if err != nil {
		return nil, err
	}
	j := &Journal{db: db}
	if err := j.Initialize(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// Initialize creates the schema if it doesn't exist.
func (j *Journal) Initialize(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.db.DB().ExecContext(ctx, journalSchema); err != nil {
		return fmt.Errorf("failed to create journal schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Path returns the journal database file.
func (j *Journal) Path() string {
	return j.db.Path()
}

// Encrypted reports whether the journal is protected by a passphrase.
func (j *Journal) Encrypted() bool {
	return j.db.IsEncrypted()
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.New().String()
}

// BeginRun records the start of a run.
func (j *Journal) BeginRun(ctx context.Context, runID string, dryRun bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.DB().ExecContext(ctx, `
		INSERT INTO runs (id, started_at, dry_run, state) VALUES (?, ?, ?, 'running')
	`, runID, formatTime(time.Now()), dryRun)
	if err != nil {
		return fmt.Errorf("failed to begin run: %w", err)
	}
	return nil
}

// RecordItem archives one consumed metadata record.
func (j *Journal) RecordItem(ctx context.Context, item model.JournalItem) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	recordedAt := item.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	_, err := j.db.DB().ExecContext(ctx, `
		INSERT INTO items (run_id, scope, torrent_name, metadata_path, payload,
		                   moved, copied, skipped, failed, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, item.RunID, item.Scope, item.TorrentName, item.MetadataPath, item.Payload,
		item.Tally.Moved, item.Tally.Copied, item.Tally.Skipped, item.Tally.Failed,
		formatTime(recordedAt))
	if err != nil {
		return fmt.Errorf("failed to record item %s: %w", item.TorrentName, err)
	}
	return nil
}

// FinishRun stores the final state of a run.
func (j *Journal) FinishRun(ctx context.Context, runID string, state model.JournalRunState) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.DB().ExecContext(ctx, `
		UPDATE runs SET state = ?, finished_at = ? WHERE id = ?
	`, string(state), formatTime(time.Now()), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs first. limit <= 0 means no limit.
func (j *Journal) ListRuns(ctx context.Context, limit int) ([]model.JournalRun, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.DB().QueryContext(ctx, `
		SELECT id, started_at, finished_at, dry_run, state
		FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.JournalRun
	for rows.Next() {
		var (
			r          model.JournalRun
			startedAt  string
			finishedAt sql.NullString
			state      string
		)
		if err := rows.Scan(&r.ID, &startedAt, &finishedAt, &r.DryRun, &state); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.StartedAt = parseTime(startedAt)
		if finishedAt.Valid {
			t := parseTime(finishedAt.String)
			r.FinishedAt = &t
		}
		r.State = model.JournalRunState(state)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListItems returns the items recorded for runID in insertion order.
func (j *Journal) ListItems(ctx context.Context, runID string) ([]model.JournalItem, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.DB().QueryContext(ctx, `
		SELECT id, run_id, scope, torrent_name, metadata_path, payload,
		       moved, copied, skipped, failed, recorded_at
		FROM items WHERE run_id = ? ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var items []model.JournalItem
	for rows.Next() {
		var (
			it         model.JournalItem
			recordedAt string
		)
		err := rows.Scan(&it.ID, &it.RunID, &it.Scope, &it.TorrentName, &it.MetadataPath, &it.Payload,
			&it.Tally.Moved, &it.Tally.Copied, &it.Tally.Skipped, &it.Tally.Failed, &recordedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		it.RecordedAt = parseTime(recordedAt)
		items = append(items, it)
	}
	return items, rows.Err()
}

// Fixed-width timestamps sort lexically.
const journalTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(journalTimeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
