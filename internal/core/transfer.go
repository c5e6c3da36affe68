package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/qbitmanage/qbm-recovery/internal/model"
)

// Transferer moves single files back out of the recycle bin.
//
// A rename is tried first. Cross-device renames are completed by copy and
// unlink. A permission error falls back to copy then delete, where a failed
// delete only leaves the source behind. Nothing here returns an error:
// every condition ends up in the TransferResult and the log.
type Transferer struct {
	log    *zap.SugaredLogger
	dryRun bool

	// Replaceable so tests can inject EXDEV/EACCES and full disks.
	rename    func(oldpath, newpath string) error
	remove    func(name string) error
	chtimes   func(name string, atime, mtime time.Time) error
	freeSpace func(dir string) (uint64, error)
	now       func() time.Time
}

// TransferOption configures a Transferer.
type TransferOption func(*Transferer)

// WithDryRun makes Transfer report what it would do without touching disk.
func WithDryRun(dryRun bool) TransferOption {
	return func(t *Transferer) { t.dryRun = dryRun }
}

// NewTransferer creates a Transferer logging to log.
func NewTransferer(log *zap.Logger, opts ...TransferOption) *Transferer {
	t := &Transferer{
		log:       log.Sugar(),
		rename:    os.Rename,
		remove:    os.Remove,
		chtimes:   os.Chtimes,
		freeSpace: freeBytes,
		now:       time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Transfer moves src to dst. With touchMtime the source's access and
// modification times are set to now right before the move.
func (t *Transferer) Transfer(ctx context.Context, src, dst string, touchMtime bool) model.TransferResult {
	res := model.TransferResult{Source: src, Destination: dst}

	if err := ctx.Err(); err != nil {
		return t.fail(res, err)
	}

	if _, err := os.Lstat(src); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return t.skipMissing(res, err)
		}
		return t.fail(res, err)
	}

	if t.dryRun {
		t.log.Infof("[dry-run] would move %s -> %s", src, dst)
		res.Outcome = model.OutcomeMoved
		res.DryRun = true
		return res
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return t.fail(res, fmt.Errorf("create destination directory: %w", err))
	}

	err := t.move(src, dst, touchMtime)
	switch {
	case err == nil:
		res.Outcome = model.OutcomeMoved
		t.log.Debugf("moved %s -> %s", src, dst)
		return res
	case isCrossDevice(err):
		t.log.Debugf("%s and %s are on different filesystems, copying", src, dst)
		return t.copyThenDelete(ctx, res, model.OutcomeMoved, true)
	case errors.Is(err, fs.ErrNotExist):
		return t.skipMissing(res, err)
	case isPermission(err):
		t.log.Warnf("%v : Copying files instead.", err)
		return t.copyThenDelete(ctx, res, model.OutcomeCopied, false)
	default:
		return t.fail(res, err)
	}
}

func (t *Transferer) move(src, dst string, touchMtime bool) error {
	if touchMtime {
		now := t.now()
		if err := t.chtimes(src, now, now); err != nil {
			return err
		}
	}
	return t.rename(src, dst)
}

// copyThenDelete copies src over dst and then removes src. ok is the outcome
// reported when both steps succeed.
func (t *Transferer) copyThenDelete(ctx context.Context, res model.TransferResult, ok model.Outcome, preserve bool) model.TransferResult {
	src, dst := res.Source, res.Destination

	if err := t.checkSpace(src, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return t.skipMissing(res, err)
		}
		return t.fail(res, err)
	}
	if written, err := copyFile(ctx, src, dst, preserve); err != nil {
		if written {
			if rmErr := os.Remove(dst); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				t.log.Warnf("could not remove partial copy %s: %v", dst, rmErr)
			}
		}
		return t.fail(res, fmt.Errorf("copy %s -> %s: %w", src, dst, err))
	}

	res.Outcome = ok
	if ok == model.OutcomeCopied {
		t.log.Warnf("Removing original file: %s", src)
	}
	if err := t.remove(src); err != nil {
		t.log.Warnf("Error: %s - %v.", src, err)
		res.Outcome = model.OutcomeCopied
		res.PendingDelete = true
	}
	return res
}

func (t *Transferer) skipMissing(res model.TransferResult, err error) model.TransferResult {
	t.log.Warnf("%v : source: %s -> destination: %s", err, res.Source, res.Destination)
	res.Outcome = model.OutcomeSkippedMissing
	return res
}

func (t *Transferer) fail(res model.TransferResult, err error) model.TransferResult {
	t.log.Errorf("transfer %s -> %s failed: %v", res.Source, res.Destination, err)
	res.Outcome = model.OutcomeFailed
	res.Err = err
	return res
}

// copyFile copies the bytes of src to dst, truncating dst. With preserve the
// permission bits and timestamps of src are carried over as well. written
// reports whether dst was opened for writing, i.e. whether a failure left a
// partial copy behind.
func copyFile(ctx context.Context, src, dst string, preserve bool) (written bool, err error) {
	in, err := os.Open(src)
	if err != nil {
		return false, err
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return false, err
	}
	if fi.IsDir() {
		return false, fmt.Errorf("%s is a directory", src)
	}

	perm := os.FileMode(0o644)
	if preserve {
		perm = fi.Mode().Perm()
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return false, err
	}

	if _, err := io.Copy(out, &ctxReader{ctx: ctx, r: in}); err != nil {
		out.Close()
		return true, err
	}
	if err := out.Close(); err != nil {
		return true, err
	}

	if preserve {
		if err := os.Chmod(dst, fi.Mode().Perm()); err != nil {
			return true, err
		}
		return true, os.Chtimes(dst, fi.ModTime(), fi.ModTime())
	}
	return true, nil
}

// ctxReader stops a copy once the context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
