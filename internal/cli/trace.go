package cli

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/till/internal/harness"
	"github.com/roach88/till/internal/trace"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Types         []string
	CorrelationID string
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Scenario string        `json:"scenario"`
	Timeline []trace.Event `json:"timeline"`
	Stats    TraceStats    `json:"stats"`
}

// TraceStats holds summary statistics for the timeline.
type TraceStats struct {
	TotalEvents int            `json:"totalEvents"`
	Commands    int            `json:"commands"`
	Failed      int            `json:"failed"`
	ByType      map[string]int `json:"byType"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace <scenario-file>",
		Short: "Show the event timeline of a scenario",
		Long: `Run a scenario and print its trace events.

Every command is bracketed by command_received and command_completed
events sharing a correlation id; the state changes, ledger writes,
payment attempts and broadcasts it caused appear in between.

Examples:
  till trace ./scenarios/checkout_retry.yaml
  till trace ./scenarios/checkout_retry.yaml --type payment_attempt,payment_result
  till trace ./scenarios/checkout_retry.yaml --correlation corr-5 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Types, "type", nil, "only show these event types")
	cmd.Flags().StringVar(&opts.CorrelationID, "correlation", "", "only show events of this command")

	return cmd
}

func runTrace(opts *TraceOptions, path string, cmd *cobra.Command) error {
	for _, t := range opts.Types {
		if !knownEventType(t) {
			return NewExitError(ExitCommandError, fmt.Sprintf("unknown event type %q", t))
		}
	}

	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}
	result, err := harness.Run(scenario)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to run scenario", err)
	}

	out := TraceResult{
		Scenario: scenario.Name,
		Timeline: filterEvents(result.Trace, opts.Types, opts.CorrelationID),
	}
	out.Stats = computeTraceStats(out.Timeline)

	w := cmd.OutOrStdout()
	if opts.Format == "json" {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(out)
	}

	fmt.Fprintf(w, "Trace: %s\n\n", out.Scenario)
	for i, e := range out.Timeline {
		fmt.Fprintln(w, harness.FormatEvent(i+1, e))
	}
	fmt.Fprintf(w, "\n%d events, %d commands, %d failed\n", out.Stats.TotalEvents, out.Stats.Commands, out.Stats.Failed)

	types := make([]string, 0, len(out.Stats.ByType))
	for t := range out.Stats.ByType {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(w, "  %-18s %d\n", t, out.Stats.ByType[t])
	}
	return nil
}

func knownEventType(t string) bool {
	for _, known := range trace.AllEventTypes {
		if string(known) == t {
			return true
		}
	}
	return false
}

func filterEvents(events []trace.Event, types []string, correlationID string) []trace.Event {
	out := make([]trace.Event, 0, len(events))
	for _, e := range events {
		if correlationID != "" && e.CorrelationID != correlationID {
			continue
		}
		if len(types) > 0 {
			match := false
			for _, t := range types {
				if string(e.Type) == t {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, e)
	}
	return out
}

func computeTraceStats(events []trace.Event) TraceStats {
	stats := TraceStats{TotalEvents: len(events), ByType: make(map[string]int)}
	for _, e := range events {
		stats.ByType[string(e.Type)]++
		if e.Type != trace.EventCommandCompleted {
			continue
		}
		stats.Commands++
		if p, ok := e.Payload.(map[string]any); ok {
			if success, _ := p["success"].(bool); !success {
				stats.Failed++
			}
		}
	}
	return stats
}
