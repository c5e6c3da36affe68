package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/qbitmanage/qbm-recovery/internal/model"
)

type fakeRecorder struct {
	items []model.JournalItem
	err   error
}

func (f *fakeRecorder) RecordItem(_ context.Context, item model.JournalItem) error {
	if f.err != nil {
		return f.err
	}
	f.items = append(f.items, item)
	return nil
}

// testBin lays out a content root, a recycle bin below it and a torrents dir.
type testBin struct {
	root, bin, torrents string
}

func newTestBin(t *testing.T) testBin {
	base := t.TempDir()
	b := testBin{
		root:     filepath.Join(base, "data"),
		bin:      filepath.Join(base, "data", ".RecycleBin"),
		torrents: filepath.Join(base, "bt"),
	}
	require.NoError(t, os.MkdirAll(b.bin, 0o755))
	require.NoError(t, os.MkdirAll(b.torrents, 0o755))
	return b
}

func (b testBin) scope(category string) model.RecoveryScope {
	return model.RecoveryScope{Category: category, RecyclePath: b.bin, ContentRoot: b.root, TorrentsDir: b.torrents}
}

func (b testBin) meta(name string) string {
	return filepath.Join(b.bin, MetadataDir, name+".json")
}

func newTestDriver(t *testing.T, log *zap.Logger, rec ItemRecorder, opts DriverOptions) *Driver {
	t.Helper()
	d, err := NewDriver(log, NewTransferer(log, WithDryRun(opts.DryRun)), NewMetadataReader(log), rec, opts)
	require.NoError(t, err)
	return d
}

func TestDriver_RestoresPresentAndSkipsMissing(t *testing.T) {
	b := newTestBin(t)
	writeFile(t, filepath.Join(b.bin, "movies", "A", "a.mkv"), "A")
	writeFile(t, b.meta("A"), `{"torrent_name": "A", "category": "movies", "files": ["movies/A/a.mkv"], "deleted_contents": true}`)
	writeFile(t, b.meta("B"), `{"torrent_name": "B", "category": "movies", "files": ["movies/B/b.mkv"], "deleted_contents": true}`)

	log, logs := observedLogger()
	rec := &fakeRecorder{}
	d := newTestDriver(t, log, rec, DriverOptions{})

	rep, err := d.Run(context.Background(), "run-1", []model.RecoveryScope{b.scope("")})
	require.NoError(t, err)
	require.Len(t, rep.Scopes, 1)

	sr := rep.Scopes[0]
	assert.Equal(t, model.ScopeStateDone, sr.State)
	assert.Equal(t, model.Tally{Moved: 1, Skipped: 1}, sr.Tally)
	assert.Equal(t, 1, sr.ItemsRestored)
	assert.Equal(t, 1, sr.ItemsRetained)
	assert.Equal(t, "A", readString(t, filepath.Join(b.root, "movies", "A", "a.mkv")))
	assert.NoFileExists(t, b.meta("A"))
	assert.FileExists(t, b.meta("B"))
	assert.Equal(t, 1, logs.FilterMessageSnippet("1 moved, 0 copied, 1 skipped, 0 failed").Len())

	require.Len(t, rec.items, 1)
	assert.Equal(t, "A", rec.items[0].TorrentName)
	assert.Equal(t, "run-1", rec.items[0].RunID)
	assert.Equal(t, "global", rec.items[0].Scope)

	// A second run finds nothing left for A and still skips B.
	rep, err = d.Run(context.Background(), "run-2", []model.RecoveryScope{b.scope("")})
	require.NoError(t, err)
	assert.Equal(t, model.Tally{Skipped: 1}, rep.Scopes[0].Tally)
	assert.Equal(t, "A", readString(t, filepath.Join(b.root, "movies", "A", "a.mkv")))
	assert.Len(t, rec.items, 1)
}

func TestDriver_ConsumesWhenDestinationAlreadyPresent(t *testing.T) {
	b := newTestBin(t)
	writeFile(t, filepath.Join(b.root, "tv", "Show", "e1.mkv"), "restored earlier")
	writeFile(t, b.meta("Show"), `{"torrent_name": "Show", "files": ["tv/Show/e1.mkv"]}`)

	log, _ := observedLogger()
	d := newTestDriver(t, log, nil, DriverOptions{})

	rep, err := d.Run(context.Background(), "run", []model.RecoveryScope{b.scope("")})
	require.NoError(t, err)
	assert.Equal(t, model.Tally{Skipped: 1}, rep.Scopes[0].Tally)
	assert.Equal(t, 1, rep.Scopes[0].ItemsRestored)
	assert.NoFileExists(t, b.meta("Show"))
}

func TestDriver_MultiFileWithTorrentBackups(t *testing.T) {
	b := newTestBin(t)
	writeFile(t, filepath.Join(b.bin, "tv", "Show.S01", "e1.mkv"), "1")
	writeFile(t, filepath.Join(b.bin, "tv", "Show.S01", "e2.mkv"), "2")
	writeFile(t, filepath.Join(b.bin, TorrentBackupDir, "abc.torrent"), "t")
	writeFile(t, filepath.Join(b.bin, TorrentBackupDir, "abc.fastresume"), "f")
	writeFile(t, b.meta("Show.S01"), `{
		"torrent_name": "Show.S01",
		"category": "tv",
		"files": ["tv/Show.S01/e1.mkv", "tv/Show.S01/e2.mkv"],
		"deleted_contents": true,
		"tracker_torrent_files": {"t1": ["abc.torrent", "abc.fastresume"], "t2": ["abc.torrent"]}
	}`)

	log, _ := observedLogger()
	d := newTestDriver(t, log, nil, DriverOptions{})

	rep, err := d.Run(context.Background(), "run", []model.RecoveryScope{b.scope("tv")})
	require.NoError(t, err)
	assert.Equal(t, model.Tally{Moved: 4}, rep.Scopes[0].Tally)
	assert.FileExists(t, filepath.Join(b.root, "tv", "Show.S01", "e2.mkv"))
	assert.FileExists(t, filepath.Join(b.torrents, "abc.torrent"))
	assert.FileExists(t, filepath.Join(b.torrents, "abc.fastresume"))
	assert.NoFileExists(t, b.meta("Show.S01"))
}

func TestDriver_KeptContentsRestoresOnlyBackups(t *testing.T) {
	b := newTestBin(t)
	writeFile(t, filepath.Join(b.bin, TorrentBackupDir, "x.torrent"), "t")
	writeFile(t, b.meta("X"), `{"torrent_name": "X", "files": ["x/file.bin"], "deleted_contents": false,
		"tracker_torrent_files": {"t": ["x.torrent"]}}`)

	log, _ := observedLogger()
	d := newTestDriver(t, log, nil, DriverOptions{})

	rep, err := d.Run(context.Background(), "run", []model.RecoveryScope{b.scope("")})
	require.NoError(t, err)
	assert.Equal(t, model.Tally{Moved: 1}, rep.Scopes[0].Tally)
	assert.FileExists(t, filepath.Join(b.torrents, "x.torrent"))
}

func TestDriver_PartialFailureKeepsMetadata(t *testing.T) {
	b := newTestBin(t)
	writeFile(t, filepath.Join(b.bin, "m", "ok.mkv"), "ok")
	writeFile(t, filepath.Join(b.bin, "m", "bad.mkv"), "bad")
	writeFile(t, b.meta("M"), `{"torrent_name": "M", "files": ["m/ok.mkv", "m/bad.mkv"]}`)
	writeFile(t, b.meta("N"), `{"torrent_name": "N", "files": ["n/missing.mkv"]}`)

	log, _ := observedLogger()
	d := newTestDriver(t, log, nil, DriverOptions{})
	boom := errors.New("device busy")
	d.transfer.rename = func(oldpath, newpath string) error {
		if filepath.Base(oldpath) == "bad.mkv" {
			return boom
		}
		return os.Rename(oldpath, newpath)
	}

	rep, err := d.Run(context.Background(), "run", []model.RecoveryScope{b.scope("")})
	require.NoError(t, err)
	sr := rep.Scopes[0]
	assert.Equal(t, model.ScopeStateFailedPartial, sr.State)
	assert.Equal(t, model.Tally{Moved: 1, Skipped: 1, Failed: 1}, sr.Tally)
	assert.Equal(t, 1, sr.ItemsFailed)
	assert.FileExists(t, filepath.Join(b.root, "m", "ok.mkv"))
	assert.FileExists(t, filepath.Join(b.bin, "m", "bad.mkv"))
	assert.FileExists(t, b.meta("M"))
}

func TestDriver_RejectsEscapingPaths(t *testing.T) {
	b := newTestBin(t)
	writeFile(t, b.meta("Evil"), `{"torrent_name": "Evil", "files": ["../../etc/passwd"]}`)

	log, _ := observedLogger()
	d := newTestDriver(t, log, nil, DriverOptions{})

	rep, err := d.Run(context.Background(), "run", []model.RecoveryScope{b.scope("")})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Scopes[0].ItemsFailed)
	assert.Zero(t, rep.Scopes[0].Tally.Total())
	assert.FileExists(t, b.meta("Evil"))
}

func TestDriver_ScopeListingFailureIsContained(t *testing.T) {
	good := newTestBin(t)
	writeFile(t, filepath.Join(good.bin, "a.mkv"), "a")
	writeFile(t, good.meta("A"), `{"torrent_name": "A", "files": ["a.mkv"]}`)

	broken := newTestBin(t)
	writeFile(t, filepath.Join(broken.bin, MetadataDir), "not a directory")

	log, _ := observedLogger()
	d := newTestDriver(t, log, nil, DriverOptions{})

	rep, err := d.Run(context.Background(), "run", []model.RecoveryScope{broken.scope("tv"), good.scope("movies")})
	require.NoError(t, err)
	require.Len(t, rep.Scopes, 2)
	assert.Equal(t, model.ScopeStateFailedPartial, rep.Scopes[0].State)
	assert.True(t, rep.Scopes[0].Fatal())
	assert.Equal(t, model.ScopeStateDone, rep.Scopes[1].State)
	assert.Equal(t, 1, rep.Tally().Moved)

	_, err = d.Run(context.Background(), "run", []model.RecoveryScope{broken.scope("tv")})
	assert.ErrorIs(t, err, ErrNoScopeProcessed)
}

func TestDriver_EmptyScopeIsDone(t *testing.T) {
	b := newTestBin(t)
	log, logs := observedLogger()
	d := newTestDriver(t, log, nil, DriverOptions{})

	rep, err := d.Run(context.Background(), "run", []model.RecoveryScope{b.scope("")})
	require.NoError(t, err)
	assert.Equal(t, model.ScopeStateDone, rep.Scopes[0].State)
	assert.Equal(t, 1, logs.FilterMessageSnippet("0 moved, 0 copied, 0 skipped, 0 failed").Len())
}

func TestDriver_MatchFilter(t *testing.T) {
	b := newTestBin(t)
	writeFile(t, filepath.Join(b.bin, "a.mkv"), "a")
	writeFile(t, filepath.Join(b.bin, "b.mkv"), "b")
	writeFile(t, b.meta("Show.S01"), `{"torrent_name": "Show.S01", "files": ["a.mkv"]}`)
	writeFile(t, b.meta("Movie"), `{"torrent_name": "Movie", "files": ["b.mkv"]}`)

	log, _ := observedLogger()
	d := newTestDriver(t, log, nil, DriverOptions{Match: "Show.*"})

	rep, err := d.Run(context.Background(), "run", []model.RecoveryScope{b.scope("")})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Scopes[0].ItemsFiltered)
	assert.Equal(t, model.Tally{Moved: 1}, rep.Scopes[0].Tally)
	assert.FileExists(t, filepath.Join(b.root, "a.mkv"))
	assert.FileExists(t, filepath.Join(b.bin, "b.mkv"))
	assert.FileExists(t, b.meta("Movie"))

	_, err = NewDriver(log, NewTransferer(log), NewMetadataReader(log), nil, DriverOptions{Match: "[oops"})
	assert.Error(t, err)
}

func TestDriver_DryRunTouchesNothing(t *testing.T) {
	b := newTestBin(t)
	writeFile(t, filepath.Join(b.bin, "a.mkv"), "a")
	writeFile(t, b.meta("A"), `{"torrent_name": "A", "files": ["a.mkv"]}`)

	log, logs := observedLogger()
	rec := &fakeRecorder{}
	d := newTestDriver(t, log, rec, DriverOptions{DryRun: true})

	rep, err := d.Run(context.Background(), "run", []model.RecoveryScope{b.scope("")})
	require.NoError(t, err)
	assert.True(t, rep.DryRun)
	assert.Equal(t, model.Tally{Moved: 1}, rep.Scopes[0].Tally)
	assert.Zero(t, rep.Scopes[0].ItemsRestored)
	assert.FileExists(t, filepath.Join(b.bin, "a.mkv"))
	assert.NoFileExists(t, filepath.Join(b.root, "a.mkv"))
	assert.FileExists(t, b.meta("A"))
	assert.Empty(t, rec.items)
	assert.Equal(t, 1, logs.FilterMessageSnippet("[dry-run] 1 moved").Len())
}

func TestDriver_RecorderFailureKeepsMetadata(t *testing.T) {
	b := newTestBin(t)
	writeFile(t, filepath.Join(b.bin, "a.mkv"), "a")
	writeFile(t, b.meta("A"), `{"torrent_name": "A", "files": ["a.mkv"]}`)

	log, _ := observedLogger()
	d := newTestDriver(t, log, &fakeRecorder{err: errors.New("disk full")}, DriverOptions{})

	rep, err := d.Run(context.Background(), "run", []model.RecoveryScope{b.scope("")})
	require.NoError(t, err)
	assert.Equal(t, model.Tally{Moved: 1}, rep.Scopes[0].Tally)
	assert.Equal(t, 1, rep.Scopes[0].ItemsRetained)
	assert.FileExists(t, b.meta("A"))
	assert.FileExists(t, filepath.Join(b.root, "a.mkv"))
}

func TestDriver_CancelledBeforeStart(t *testing.T) {
	b := newTestBin(t)
	writeFile(t, filepath.Join(b.bin, "a.mkv"), "a")
	writeFile(t, b.meta("A"), `{"torrent_name": "A", "files": ["a.mkv"]}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	log, _ := observedLogger()
	d := newTestDriver(t, log, nil, DriverOptions{})

	rep, err := d.Run(ctx, "run", []model.RecoveryScope{b.scope("movies"), b.scope("tv")})
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, rep.Scopes, 2)
	assert.Equal(t, model.ScopeStatePending, rep.Scopes[0].State)
	assert.Equal(t, model.ScopeStatePending, rep.Scopes[1].State)
	assert.FileExists(t, filepath.Join(b.bin, "a.mkv"))
}

func TestDriver_CancelledMidScope(t *testing.T) {
	b := newTestBin(t)
	writeFile(t, filepath.Join(b.bin, "a.mkv"), "a")
	writeFile(t, filepath.Join(b.bin, "b.mkv"), "b")
	writeFile(t, b.meta("A"), `{"torrent_name": "A", "files": ["a.mkv"]}`)
	writeFile(t, b.meta("B"), `{"torrent_name": "B", "files": ["b.mkv"]}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log, _ := observedLogger()
	d := newTestDriver(t, log, nil, DriverOptions{})
	d.transfer.rename = func(oldpath, newpath string) error {
		cancel()
		return os.Rename(oldpath, newpath)
	}

	rep, err := d.Run(ctx, "run", []model.RecoveryScope{b.scope("movies"), b.scope("tv")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, model.ScopeStateFailedPartial, rep.Scopes[0].State)
	assert.Equal(t, model.Tally{Moved: 1}, rep.Scopes[0].Tally)
	assert.Equal(t, model.ScopeStatePending, rep.Scopes[1].State)
	assert.FileExists(t, filepath.Join(b.bin, "b.mkv"))
}

func TestDriver_CategoryMismatchWarns(t *testing.T) {
	b := newTestBin(t)
	writeFile(t, filepath.Join(b.bin, "a.mkv"), "a")
	writeFile(t, b.meta("A"), `{"torrent_name": "A", "category": "tv", "files": ["a.mkv"]}`)

	log, logs := observedLogger()
	d := newTestDriver(t, log, nil, DriverOptions{})

	_, err := d.Run(context.Background(), "run", []model.RecoveryScope{b.scope("movies")})
	require.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessageSnippet(`recorded under category "tv"`).Len())
}

func TestDriver_KeepsRecordsWithoutFiles(t *testing.T) {
	b := newTestBin(t)
	writeFile(t, b.meta("Null"), `null`)
	writeFile(t, b.meta("Empty"), `{}`)
	writeFile(t, b.meta("Foreign"), `{"name": "X", "paths": ["movies/X/x.mkv"]}`)

	log, _ := observedLogger()
	rec := &fakeRecorder{}
	d := newTestDriver(t, log, rec, DriverOptions{})

	rep, err := d.Run(context.Background(), "run", []model.RecoveryScope{b.scope("")})
	require.NoError(t, err)
	sr := rep.Scopes[0]
	assert.Zero(t, sr.ItemsRestored)
	assert.Zero(t, sr.Tally.Total())
	assert.Empty(t, rec.items)
	assert.FileExists(t, b.meta("Null"))
	assert.FileExists(t, b.meta("Empty"))
	assert.FileExists(t, b.meta("Foreign"))
}

func TestDriver_KeepsRecordWithEmptyPlan(t *testing.T) {
	b := newTestBin(t)
	// Content stayed in place and no torrent backups were saved.
	writeFile(t, b.meta("Kept"), `{"torrent_name": "Kept", "files": ["k.mkv"], "deleted_contents": false}`)

	log, _ := observedLogger()
	d := newTestDriver(t, log, nil, DriverOptions{})

	rep, err := d.Run(context.Background(), "run", []model.RecoveryScope{b.scope("")})
	require.NoError(t, err)
	assert.Zero(t, rep.Scopes[0].ItemsRestored)
	assert.Equal(t, 1, rep.Scopes[0].ItemsRetained)
	assert.FileExists(t, b.meta("Kept"))
}
