package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/qbitmanage/qbm-recovery/internal/config"
	"github.com/qbitmanage/qbm-recovery/internal/core"
	"github.com/qbitmanage/qbm-recovery/internal/logging"
	"github.com/qbitmanage/qbm-recovery/internal/model"
)

// PassphraseEnv names the environment variable holding the journal key.
const PassphraseEnv = "QBM_RECOVERY_PASSPHRASE"

// Bare config file names are looked up here first.
var configDir = "/config"

// Overridden in tests.
var (
	isInteractive = func() bool {
		return isTerminal(os.Stdin.Fd()) && isTerminal(os.Stdout.Fd())
	}
	confirm = promptConfirm
)

func isTerminal(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// resolveConfigPath maps the --config-file value to a file path. A bare
// name is taken from /config when it exists there, else from the config
// directory next to the executable.
func resolveConfigPath(name string) (string, error) {
	if strings.Contains(name, "*") {
		return "", fmt.Errorf("wildcard config files are not supported: %s", name)
	}
	if name == "" {
		name = "config.yml"
	}
	if filepath.Base(name) != name {
		return name, nil
	}
	candidate := filepath.Join(configDir, name)
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return filepath.Join("config", name), nil
	}
	return filepath.Join(filepath.Dir(exe), "config", name), nil
}

func newLogger(opts *Options) (*zap.Logger, error) {
	level := zapcore.DebugLevel
	if !opts.Debug {
		var err error
		if level, err = logging.ParseLevel(opts.LogLevel); err != nil {
			return nil, err
		}
	}
	return logging.New(level, opts.LogFile)
}

func promptConfirm(label string) (bool, error) {
	prompt := promptui.Prompt{
		Label:     label,
		IsConfirm: true,
	}
	_, err := prompt.Run()
	if err != nil {
		if errors.Is(err, promptui.ErrAbort) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RunRestore loads the configuration, resolves the recycle bins and restores
// everything in them.
func RunRestore(ctx context.Context, opts *Options, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfgPath, err := resolveConfigPath(opts.ConfigFile)
	if err != nil {
		return err
	}
	log, err := newLogger(opts)
	if err != nil {
		return err
	}
	defer log.Sync()
	sugar := log.Sugar()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		sugar.Errorf("%v", err)
		return err
	}

	scopes := core.Resolve(cfg)
	if len(scopes) == 0 {
		sugar.Warnf("recycle bin is disabled in %s, nothing to restore", cfgPath)
		return nil
	}
	for _, s := range scopes {
		sugar.Debugf("scope %s: %s -> %s (torrents %s)", s.Label(), s.RecyclePath, s.ContentRoot, s.TorrentsDir)
	}
	logRecycleSettings(sugar, cfg.RecycleBin, scopes)

	if !opts.AssumeYes && !opts.DryRun && isInteractive() {
		ok, err := confirm(fmt.Sprintf("Restore everything in %d recycle bin(s)", len(scopes)))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	runID := core.NewRunID()

	var (
		journal  *core.Journal
		recorder core.ItemRecorder
	)
	if opts.JournalPath != "" {
		journal, err = core.OpenJournal(ctx, opts.JournalPath, os.Getenv(PassphraseEnv))
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer journal.Close()
		if err := journal.BeginRun(ctx, runID, opts.DryRun); err != nil {
			return err
		}
		recorder = journal
		sugar.Infof("journaling to %s (%s)", journal.Path(), encryptionLabel(journal.Encrypted()))
	}

	driver, err := core.NewDriver(log,
		core.NewTransferer(log, core.WithDryRun(opts.DryRun)),
		core.NewMetadataReader(log),
		recorder,
		core.DriverOptions{DryRun: opts.DryRun, TouchMtime: opts.TouchMtime, Match: opts.Match},
	)
	if err != nil {
		return err
	}

	rep, runErr := driver.Run(ctx, runID, scopes)

	if journal != nil {
		if err := journal.FinishRun(context.WithoutCancel(ctx), runID, runState(rep, runErr)); err != nil {
			sugar.Warnf("%v", err)
		}
	}

	printReport(out, rep)

	switch {
	case errors.Is(runErr, context.Canceled):
		sugar.Warnf("interrupted, remaining recycle bins were not processed")
		return fmt.Errorf("interrupted: %w", runErr)
	case runErr != nil:
		sugar.Errorf("%v", runErr)
		return runErr
	}
	return nil
}

// logRecycleSettings reports the recycle bin settings that limit what can
// still be restored.
func logRecycleSettings(log *zap.SugaredLogger, rb *config.RecycleBin, scopes []model.RecoveryScope) {
	if rb.EmptyAfterXDays != nil && *rb.EmptyAfterXDays > 0 {
		log.Infof("qBit Manage empties the recycle bin after %d days; older items may already be gone", *rb.EmptyAfterXDays)
	}
	if rb.SaveTorrents {
		return
	}
	for _, s := range scopes {
		dir := filepath.Join(s.RecyclePath, core.TorrentBackupDir)
		if _, err := os.Stat(dir); err != nil {
			log.Infof("save_torrents is off and %s has no torrent backups; only content will be restored", dir)
		}
	}
}

func encryptionLabel(encrypted bool) string {
	if encrypted {
		return "encrypted"
	}
	return "not encrypted"
}

func runState(rep model.RunReport, runErr error) model.JournalRunState {
	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
		return model.JournalRunInterrupted
	}
	if runErr != nil {
		return model.JournalRunPartial
	}
	for _, s := range rep.Scopes {
		if s.State != model.ScopeStateDone {
			return model.JournalRunPartial
		}
	}
	return model.JournalRunCompleted
}

func printReport(out io.Writer, rep model.RunReport) {
	title := "Recovery run " + rep.RunID
	if rep.DryRun {
		title += " (dry-run)"
	}
	fmt.Fprintln(out, title)
	fmt.Fprintf(out, "%-16s %-15s %6s %6s %7s %6s %8s\n", "Scope", "State", "Moved", "Copied", "Skipped", "Failed", "Restored")
	fmt.Fprintln(out, strings.Repeat("─", 72))
	for _, s := range rep.Scopes {
		fmt.Fprintf(out, "%-16s %-15s %6d %6d %7d %6d %8d\n",
			s.Scope.Label(), s.State,
			s.Tally.Moved, s.Tally.Copied, s.Tally.Skipped, s.Tally.Failed,
			s.ItemsRestored)
	}
	t := rep.Tally()
	fmt.Fprintf(out, "Total: %d moved, %d copied, %d skipped, %d failed\n", t.Moved, t.Copied, t.Skipped, t.Failed)
}

// RunHistory prints the journaled runs, newest first, with the items each one
// restored.
func RunHistory(ctx context.Context, opts *Options, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.JournalPath == "" {
		return errors.New("no journal configured (use --journal)")
	}
	if _, err := os.Stat(opts.JournalPath); err != nil {
		return fmt.Errorf("no journal at %s: %w", opts.JournalPath, err)
	}

	journal, err := core.OpenJournal(ctx, opts.JournalPath, os.Getenv(PassphraseEnv))
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer journal.Close()

	runs, err := journal.ListRuns(ctx, opts.HistoryLimit)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Journal: %s (%s)\n", journal.Path(), encryptionLabel(journal.Encrypted()))
	if len(runs) == 0 {
		fmt.Fprintln(out, "No recovery runs recorded.")
		return nil
	}

	for _, r := range runs {
		mode := ""
		if r.DryRun {
			mode = " dry-run"
		}
		fmt.Fprintf(out, "%s  %s  %s%s\n", r.ID, r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.State, mode)

		items, err := journal.ListItems(ctx, r.ID)
		if err != nil {
			return err
		}
		for _, it := range items {
			fmt.Fprintf(out, "  [%s] %s (%d moved, %d copied, %d skipped)\n",
				it.Scope, it.TorrentName, it.Tally.Moved, it.Tally.Copied, it.Tally.Skipped)
		}
	}
	return nil
}
