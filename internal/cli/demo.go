package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/till/internal/clock"
	"github.com/roach88/till/internal/command"
	"github.com/roach88/till/internal/metrics"
)

// DemoOptions holds flags for the demo command.
type DemoOptions struct {
	*RootOptions
	Duration time.Duration
}

// DemoReport is the summary printed when the demo loop stops.
type DemoReport struct {
	DurationMs int64            `json:"durationMs"`
	Metrics    metrics.Snapshot `json:"metrics"`
}

// NewDemoCommand creates the demo command.
func NewDemoCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DemoOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the automated demo loop",
		Long: `Run simulated customers through the register for a while.

Each cycle fills a cart from stocked products, checks out and pays,
retrying declined payments with backoff. Sales are written to the
ledger like any other. Metrics are printed when the loop stops.

Example:
  till demo --duration 1m
  TILL_FAILURE_RATE=0.5 till demo --duration 30s --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Duration, "duration", 30*time.Second, "how long to run the loop")

	return cmd
}

func runDemo(opts *DemoOptions, cmd *cobra.Command) error {
	if opts.Duration <= 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("duration must be positive, got %s", opts.Duration))
	}
	logger := opts.newLogger(cmd.ErrOrStderr())

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, err := openRegister(ctx, opts.Config, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := reg.close(context.WithoutCancel(ctx)); err != nil {
			logger.Error("close register", "error", err)
		}
	}()

	if res := reg.dispatcher.Dispatch(ctx, command.StartDemoLoop{}); !res.Success {
		return NewExitError(ExitFailure, fmt.Sprintf("start demo loop: %s", res.Error.Message))
	}
	started := time.Now()
	if err := (clock.System{}).Sleep(ctx, opts.Duration); err != nil {
		logger.Info("demo interrupted", "error", err)
	}
	if res := reg.dispatcher.Dispatch(context.WithoutCancel(ctx), command.StopDemoLoop{}); !res.Success {
		logger.Warn("stop demo loop", "code", res.Error.Code)
	}

	report := DemoReport{DurationMs: time.Since(started).Milliseconds(), Metrics: reg.store.Metrics()}
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if opts.Format == "json" {
		return formatter.Success(report)
	}
	return formatter.Success(formatMetrics(report))
}

func formatMetrics(r DemoReport) string {
	m := r.Metrics
	return printer.Sprintf("Ran %s\nTransactions today: %d\nRevenue today: %s\nAverage cart: %.1f items\nTransactions per minute: %.2f",
		time.Duration(r.DurationMs)*time.Millisecond, m.TotalTransactionsToday, formatCents(m.TotalRevenueToday),
		m.AverageCartSize, m.TransactionsPerMinute)
}
