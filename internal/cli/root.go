// Package cli implements the qbm-recovery command-line interface.
// Built with cobra:
// - restore is the default command
// - nothing is moved without confirmation on an interactive terminal
// - history reads the recovery journal
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Options holds the flag values shared by all commands.
type Options struct {
	ConfigFile  string
	LogLevel    string
	Debug       bool
	LogFile     string
	JournalPath string

	DryRun     bool
	TouchMtime bool
	Match      string
	AssumeYes  bool

	HistoryLimit int
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &Options{}

	rootCmd := &cobra.Command{
		Use:   "qbm-recovery",
		Short: "Restore torrents from qBit Manage recycle bins",
		Long: `qbm-recovery moves torrent contents and .torrent/.fastresume backups out of
qBit Manage recycle bins and back to where qBittorrent expects them.

Every torrents_json record whose files all made it back is archived in the
recovery journal and then removed from the recycle bin. Records that could
not be fully restored stay put, so running again is always safe.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return RunRestore(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	restoreCmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore every item found in the recycle bins (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return RunRestore(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show journaled recovery runs and the items they restored",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return RunHistory(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&opts.ConfigFile, "config-file", "c", "config.yml", "qBit Manage configuration file")
	pf.StringVar(&opts.LogLevel, "log-level", "INFO", "Log level (DEBUG, INFO, WARNING, ERROR)")
	pf.BoolVar(&opts.Debug, "debug", false, "Shortcut for --log-level DEBUG")
	pf.StringVar(&opts.LogFile, "log-file", "recyclebin_recovery.log", "Append log output to this file (empty disables)")
	pf.StringVar(&opts.JournalPath, "journal", "recyclebin_recovery.db", "Recovery journal database (empty disables; key from "+PassphraseEnv+")")
	pf.BoolVar(&opts.DryRun, "dry-run", false, "Show what would be restored without doing it")
	pf.BoolVar(&opts.TouchMtime, "touch-mtime", false, "Set restored files' modification time to now")
	pf.StringVar(&opts.Match, "match", "", "Only restore torrents whose name matches this glob")
	pf.BoolVarP(&opts.AssumeYes, "yes", "y", false, "Do not ask for confirmation")

	historyCmd.Flags().IntVar(&opts.HistoryLimit, "limit", 10, "Number of runs to show (0 for all)")

	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(historyCmd)
	return rootCmd
}

// Execute runs the root command. SIGINT and SIGTERM cancel the running
// command's context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}
