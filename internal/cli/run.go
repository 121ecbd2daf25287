package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/till/internal/broadcast"
	"github.com/roach88/till/internal/command"
)

// CodeInvalidCommand is reported for input lines that do not decode.
const CodeInvalidCommand = "INVALID_COMMAND"

// maxLineSize bounds one command message.
const maxLineSize = 1 << 20

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Watch bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the register, reading commands from stdin",
		Long: `Run the register against the ledger database.

Commands are read from stdin as newline-delimited JSON, one message per
line, and each result is written to stdout as it completes. With --watch,
state broadcasts are interleaved with the results.

The register shuts down cleanly on EOF or on SIGINT/SIGTERM: a payment
that has not completed is voided and inventory is flushed.

Example:
  echo '{"type":"AddItem","sku":"COFFEE-12"}' | till run --db ./till.db
  till run --watch --format json < commands.ndjson`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRegister(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "stream state broadcasts to stdout")

	return cmd
}

func runRegister(opts *RunOptions, cmd *cobra.Command) error {
	logger := opts.newLogger(cmd.ErrOrStderr())

	// Use command's context if available (for testing), otherwise create one
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

	out := &syncWriter{w: cmd.OutOrStdout()}
	if opts.Watch {
		if _, err := reg.hub.Attach("cli", broadcastPrinter(opts.Format, out)); err != nil {
			_ = reg.close(context.WithoutCancel(ctx))
			return WrapExitError(ExitCommandError, "failed to watch broadcasts", err)
		}
	}

	failed, loopErr := commandLoop(ctx, reg.dispatcher, cmd.InOrStdin(), func(res command.Result, name string) {
		writeResult(out, opts.Format, name, res)
	})

	logger.Info("shutting down", "failed_commands", failed)
	closeErr := reg.close(context.WithoutCancel(ctx))
	if loopErr != nil {
		return WrapExitError(ExitCommandError, "failed to read commands", loopErr)
	}
	if closeErr != nil {
		return WrapExitError(ExitFailure, "unclean shutdown", closeErr)
	}
	return nil
}

// commandLoop dispatches each line of in until EOF or ctx is done.
// Returns the number of failed commands.
func commandLoop(ctx context.Context, d *command.Dispatcher, in io.Reader, emit func(command.Result, string)) (int, error) {
	type line struct {
		data []byte
		err  error
	}
	lines := make(chan line)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			data := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line{data: data}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case lines <- line{err: err}:
			case <-ctx.Done():
			}
		}
	}()

	failed := 0
	for {
		select {
		case <-ctx.Done():
			return failed, nil
		case l, ok := <-lines:
			if !ok {
				return failed, nil
			}
			if l.err != nil {
				return failed, l.err
			}
			if len(bytes.TrimSpace(l.data)) == 0 {
				continue
			}
			c, err := command.Decode(l.data)
			if err != nil {
				failed++
				emit(command.Result{Error: &command.ErrorInfo{Code: CodeInvalidCommand, Message: err.Error()}}, "")
				continue
			}
			res := d.Dispatch(ctx, c)
			if !res.Success {
				failed++
			}
			emit(res, c.Name())
		}
	}
}

// resultLine is the NDJSON shape of one command result.
type resultLine struct {
	Kind    string `json:"kind"`
	Command string `json:"command,omitempty"`
	command.Result
}

// broadcastLine is the NDJSON shape of one broadcast.
type broadcastLine struct {
	Kind    string            `json:"kind"`
	Channel broadcast.Channel `json:"channel"`
	Payload any               `json:"payload"`
}

func writeResult(w io.Writer, format, name string, res command.Result) {
	if format == "json" {
		_ = json.NewEncoder(w).Encode(resultLine{Kind: "result", Command: name, Result: res})
		return
	}
	if name == "" {
		name = "?"
	}
	if res.Success {
		fmt.Fprintf(w, "ok   %-15s v=%d %s\n", name, res.Version, res.CorrelationID)
		return
	}
	fmt.Fprintf(w, "FAIL %-15s %s: %s\n", name, res.Error.Code, res.Error.Message)
}

func broadcastPrinter(format string, w io.Writer) broadcast.Subscriber {
	return broadcast.SubscriberFunc(func(ch broadcast.Channel, payload any) error {
		if format == "json" {
			return json.NewEncoder(w).Encode(broadcastLine{Kind: "broadcast", Channel: ch, Payload: payload})
		}
		_, err := fmt.Fprintf(w, "~    %s\n", ch)
		return err
	})
}
