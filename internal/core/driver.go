package core

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/qbitmanage/qbm-recovery/internal/model"
)

// ErrNoScopeProcessed is returned when every scope failed before a single
// item could be looked at.
var ErrNoScopeProcessed = errors.New("no recycle bin could be processed")

// ItemRecorder archives consumed metadata records.
type ItemRecorder interface {
	RecordItem(ctx context.Context, item model.JournalItem) error
}

// DriverOptions tunes a recovery run.
type DriverOptions struct {
	// TouchMtime stamps restored files with the current time.
	TouchMtime bool
	// DryRun reports planned transfers without moving anything.
	DryRun bool
	// Match restricts the run to torrents whose name matches this glob.
	Match string
}

// Driver restores every item of every scope, containing failures to the
// item or scope they happened in.
type Driver struct {
	log      *zap.SugaredLogger
	transfer *Transferer
	reader   *MetadataReader
	recorder ItemRecorder
	opts     DriverOptions
}

// NewDriver wires a Driver. recorder may be nil.
func NewDriver(log *zap.Logger, transfer *Transferer, reader *MetadataReader, recorder ItemRecorder, opts DriverOptions) (*Driver, error) {
	if opts.Match != "" && !doublestar.ValidatePattern(opts.Match) {
		return nil, fmt.Errorf("invalid match pattern %q", opts.Match)
	}
	return &Driver{
		log:      log.Sugar(),
		transfer: transfer,
		reader:   reader,
		recorder: recorder,
		opts:     opts,
	}, nil
}

// Run processes scopes one after another. The returned report always covers
// every scope; scopes not reached because ctx was cancelled stay pending and
// ctx's error is returned.
func (d *Driver) Run(ctx context.Context, runID string, scopes []model.RecoveryScope) (model.RunReport, error) {
	rep := model.RunReport{
		RunID:     runID,
		DryRun:    d.opts.DryRun,
		StartedAt: time.Now(),
		Scopes:    make([]model.ScopeReport, len(scopes)),
	}
	for i, s := range scopes {
		rep.Scopes[i] = model.ScopeReport{Scope: s, State: model.ScopeStatePending}
	}

	for i := range rep.Scopes {
		if err := ctx.Err(); err != nil {
			rep.FinishedAt = time.Now()
			return rep, err
		}
		d.runScope(ctx, runID, &rep.Scopes[i])
	}
	rep.FinishedAt = time.Now()

	if err := ctx.Err(); err != nil {
		return rep, err
	}
	if rep.AllFatal() {
		return rep, ErrNoScopeProcessed
	}
	return rep, nil
}

func (d *Driver) runScope(ctx context.Context, runID string, sr *model.ScopeReport) {
	scope := sr.Scope
	log := d.log.With("scope", scope.Label())

	sr.State = model.ScopeStateListing
	records, err := d.reader.ReadAll(scope.RecyclePath)
	if err != nil {
		log.Errorf("cannot read recycle bin %s: %v", scope.RecyclePath, err)
		sr.State = model.ScopeStateFailedPartial
		sr.Err = err
		return
	}

	sr.State = model.ScopeStateRestoring
	seen := 0
	for rec := range records {
		if err := ctx.Err(); err != nil {
			sr.Err = err
			break
		}
		seen++
		if d.opts.Match != "" {
			if ok, _ := doublestar.Match(d.opts.Match, rec.Name()); !ok {
				log.Debugf("%s does not match %q, leaving it in the recycle bin", rec.Name(), d.opts.Match)
				sr.ItemsFiltered++
				continue
			}
		}
		d.restoreItem(ctx, log, runID, sr, rec)
	}

	if seen == 0 && sr.Err == nil {
		log.Infof("nothing to restore in %s", scope.RecyclePath)
	}

	if sr.Err != nil || sr.ItemsFailed > 0 {
		sr.State = model.ScopeStateFailedPartial
	} else {
		sr.State = model.ScopeStateDone
	}

	t := sr.Tally
	summary := fmt.Sprintf("%d moved, %d copied, %d skipped, %d failed", t.Moved, t.Copied, t.Skipped, t.Failed)
	if d.opts.DryRun {
		summary = "[dry-run] " + summary
	}
	if sr.State == model.ScopeStateFailedPartial {
		log.Errorf("%s (%s): %s", scope.RecyclePath, sr.State, summary)
	} else {
		log.Infof("%s (%s): %s", scope.RecyclePath, sr.State, summary)
	}
}

type plannedTransfer struct {
	src, dst string
}

// restoreItem moves the content and torrent backups of one record back into
// place and consumes the record when everything is where it belongs.
func (d *Driver) restoreItem(ctx context.Context, log *zap.SugaredLogger, runID string, sr *model.ScopeReport, rec model.ItemRecord) {
	scope := sr.Scope
	name := rec.Name()

	if scope.Category != "" && rec.Category != "" && rec.Category != scope.Category {
		log.Warnf("%s is recorded under category %q but was found in the %q recycle bin", name, rec.Category, scope.Category)
	}

	plan, err := planItem(scope, rec)
	if err != nil {
		log.Errorf("cannot restore %s: %v", name, err)
		sr.ItemsFailed++
		return
	}
	if len(plan) == 0 {
		log.Warnf("%s has nothing to restore from this recycle bin, keeping %s", name, rec.MetadataPath)
		sr.ItemsRetained++
		return
	}
	log.Infof("restoring %s (%s, %d transfers)", name, rec.Layout(), len(plan))

	var (
		tally    model.Tally
		complete = true
	)
	for _, p := range plan {
		if ctx.Err() != nil {
			complete = false
			break
		}
		res := d.transfer.Transfer(ctx, p.src, p.dst, d.opts.TouchMtime)
		tally.Add(res)
		if !res.Succeeded() && !(res.Outcome == model.OutcomeSkippedMissing && exists(p.dst)) {
			complete = false
		}
	}
	sr.Tally.Merge(tally)

	switch {
	case tally.Failed > 0:
		sr.ItemsFailed++
		log.Errorf("%s: %d of %d transfers failed, keeping %s", name, tally.Failed, len(plan), rec.MetadataPath)
		return
	case !complete:
		sr.ItemsRetained++
		log.Warnf("%s is not fully restored, keeping %s", name, rec.MetadataPath)
		return
	case d.opts.DryRun:
		sr.ItemsRetained++
		return
	}

	if err := d.consume(ctx, runID, scope, rec, tally); err != nil {
		sr.ItemsRetained++
		log.Warnf("%s restored but its metadata was kept: %v", name, err)
		return
	}
	sr.ItemsRestored++
}

// consume archives the record and removes its metadata file.
func (d *Driver) consume(ctx context.Context, runID string, scope model.RecoveryScope, rec model.ItemRecord, tally model.Tally) error {
	if d.recorder != nil {
		err := d.recorder.RecordItem(ctx, model.JournalItem{
			RunID:        runID,
			Scope:        scope.Label(),
			TorrentName:  rec.Name(),
			MetadataPath: rec.MetadataPath,
			Payload:      string(rec.Raw),
			Tally:        tally,
		})
		if err != nil {
			return err
		}
	}
	if err := os.Remove(rec.MetadataPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// planItem derives source and destination of every file belonging to rec.
// Content paths in the record are relative to the content root; the recycle
// bin mirrors that layout. Torrent backups go back into torrents_dir.
func planItem(scope model.RecoveryScope, rec model.ItemRecord) ([]plannedTransfer, error) {
	var plan []plannedTransfer
	if rec.ContentsRecycled() {
		for _, f := range rec.Files {
			rel, err := localPath(f)
			if err != nil {
				return nil, err
			}
			plan = append(plan, plannedTransfer{
				src: filepath.Join(scope.RecyclePath, rel),
				dst: filepath.Join(scope.ContentRoot, rel),
			})
		}
	}
	for _, n := range rec.TorrentFiles() {
		rel, err := localPath(n)
		if err != nil {
			return nil, err
		}
		plan = append(plan, plannedTransfer{
			src: filepath.Join(scope.RecyclePath, TorrentBackupDir, rel),
			dst: filepath.Join(scope.TorrentsDir, rel),
		})
	}
	return plan, nil
}

// localPath turns a recorded path into one that stays below its root.
func localPath(p string) (string, error) {
	rel := strings.TrimLeft(filepath.FromSlash(p), string(os.PathSeparator))
	if rel == "" || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("recorded path %q escapes its root", p)
	}
	return filepath.Clean(rel), nil
}

func exists(p string) bool {
	_, err := os.Lstat(p)
	return err == nil
}
