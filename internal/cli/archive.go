package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/till/internal/ledger"
)

// ArchiveOptions holds flags for the archive command.
type ArchiveOptions struct {
	*RootOptions
	MaxAge   time.Duration
	MaxCount int
}

// ArchiveReport is the output of the archive command.
type ArchiveReport struct {
	ledger.ArchiveResult
	Totals ledger.ArchiveInfo `json:"totals"`
}

// NewArchiveCommand creates the archive command.
func NewArchiveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ArchiveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Rotate old transactions out of the ledger",
		Long: `Apply the retention policy to the ledger.

Transactions older than --max-age are removed, then the oldest are removed
until at most --max-count remain. Pending transactions are never removed.
The count and revenue of removed completed transactions are added to the
archive summary.

Defaults come from TILL_RETENTION_MAX_AGE and TILL_RETENTION_MAX_COUNT.

Example:
  till archive --db ./till.db
  till archive --max-age 168h --max-count 500`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runArchive(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.MaxAge, "max-age", 0, "remove transactions older than this (0 = config)")
	cmd.Flags().IntVar(&opts.MaxCount, "max-count", 0, "keep at most this many transactions (0 = config)")

	return cmd
}

func runArchive(opts *ArchiveOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	policy := opts.Config.Retention()
	if opts.MaxAge > 0 {
		policy.MaxAge = opts.MaxAge
	}
	if opts.MaxCount > 0 {
		policy.MaxCount = opts.MaxCount
	}

	l, err := ledger.Open(opts.Config.DBPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open ledger", err)
	}
	defer l.Close()

	res, err := l.Rotate(ctx, policy, time.Now())
	if err != nil {
		return WrapExitError(ExitFailure, "failed to rotate ledger", err)
	}
	info, err := l.ArchiveInfo(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read archive summary", err)
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if opts.Format == "json" {
		return formatter.Success(ArchiveReport{ArchiveResult: res, Totals: info})
	}
	return formatter.Success(printer.Sprintf("Archived %d transactions (%s). Archive now holds %d (%s).",
		res.Archived, formatCents(res.Revenue), info.ArchivedCount, formatCents(info.ArchivedRevenue)))
}
