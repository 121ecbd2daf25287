package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/till/internal/ledger"
)

// LedgerOptions holds flags for the ledger command.
type LedgerOptions struct {
	*RootOptions
	Limit int
}

// NewLedgerCommand creates the ledger command.
func NewLedgerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LedgerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Print the ledger",
		Long: `Print the ledger database.

With --format json the full ledger document is written: inventory,
transactions in append order and the archive summary. Text output lists the
most recent transactions first.

Example:
  till ledger --db ./till.db
  till ledger --format json > backup.json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLedger(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "number of transactions in text output (0 = all)")

	return cmd
}

func runLedger(opts *LedgerOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	l, err := ledger.Open(opts.Config.DBPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open ledger", err)
	}
	defer l.Close()

	snap, err := l.Export(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read ledger", err)
	}

	w := cmd.OutOrStdout()
	if opts.Format == "json" {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(snap)
	}

	txs := slices.Clone(snap.Transactions)
	slices.Reverse(txs)
	if opts.Limit > 0 && len(txs) > opts.Limit {
		txs = txs[:opts.Limit]
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tSTATUS\tITEMS\tTOTAL\tRETRIES")
	for _, tx := range txs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%d\n",
			tx.ID, tx.Timestamp.Local().Format(time.DateTime), tx.Status, tx.ItemCount(), formatCents(tx.Total), tx.RetryCount)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	info := snap.ArchivedTransactionsInfo
	fmt.Fprintf(w, "\n%d of %d transactions shown, %d archived (%s)\n",
		len(txs), len(snap.Transactions), info.ArchivedCount, formatCents(info.ArchivedRevenue))
	return nil
}
