package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"fleetsync/internal/connectivity"
	"fleetsync/internal/offline"
	"github.com/spf13/cobra"
)

var (
	enqueuePayload string
	enqueueFile    string
	drainSkipProbe bool
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue [kind]",
	Short: "Queue one operation, or a YAML batch with --file",
	Long: `Queue a write for replay. The operation is stored locally and never
needs the network.

Kinds: inspection.create, mileage.update, workshop_comment.create,
timesheet.submit, absence.request`,
	Example: `  fleetctl enqueue mileage.update --payload '{"vehicleId":"veh_1","odometer":120400}'
  fleetctl enqueue --file shift.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEnqueue,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the pending backlog in replay order",
	RunE:  runStatus,
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay pending operations now",
	Long: `Probe the API and, when it is reachable, replay the backlog in order.
A transient failure stops the pass with the operation left at the head of the
queue; a rejected operation is moved to the failed list.`,
	RunE: runDrain,
}

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List operations the server rejected",
	RunE:  runFailed,
}

var retryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Return a failed operation to the backlog",
	Args:  cobra.ExactArgs(1),
	RunE:  runRetry,
}

var discardCmd = &cobra.Command{
	Use:   "discard <id>",
	Short: "Drop a failed operation",
	Args:  cobra.ExactArgs(1),
	RunE:  runDiscard,
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueuePayload, "payload", "", "JSON payload")
	enqueueCmd.Flags().StringVarP(&enqueueFile, "file", "f", "", "YAML batch file (- for stdin)")
	drainCmd.Flags().BoolVar(&drainSkipProbe, "skip-probe", false, "replay without probing the API first")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	writes, err := enqueueInput(cmd, args)
	if err != nil {
		return err
	}

	a, err := openAgent(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	for _, write := range writes {
		op, err := a.queue.Enqueue(cmd.Context(), write.Kind, write.Payload)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "queued %s %s (key %s)\n", op.ID, op.Kind, op.IdempotencyKey)
	}
	return nil
}

func enqueueInput(cmd *cobra.Command, args []string) ([]pendingWrite, error) {
	if enqueueFile != "" {
		if len(args) > 0 || enqueuePayload != "" {
			return nil, fmt.Errorf("--file cannot be combined with a kind or --payload")
		}
		var r io.Reader = cmd.InOrStdin()
		if enqueueFile != "-" {
			file, err := os.Open(enqueueFile)
			if err != nil {
				return nil, err
			}
			defer file.Close()
			r = file
		}
		return parseBatch(r)
	}

	if len(args) == 0 {
		return nil, fmt.Errorf("a kind or --file is required")
	}
	kind, err := parseKind(args[0])
	if err != nil {
		return nil, err
	}
	payload := json.RawMessage(enqueuePayload)
	if enqueuePayload == "" {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("--payload is not valid JSON")
	}
	return []pendingWrite{{Kind: kind, Payload: payload}}, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openAgent(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	pending, err := a.queue.Pending(cmd.Context())
	if err != nil {
		return err
	}
	failed, err := a.queue.Failed(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d pending, %d failed\n", len(pending), len(failed))
	printOperations(out, pending)
	return nil
}

func runDrain(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openAgent(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if !drainSkipProbe {
		probe := connectivity.NewProbe(agentConf.APIURL, agentConf.ProbeInterval, nil, logger)
		a.queue.SetOnline(probe.Check(ctx))
	}

	result, err := a.queue.ProcessQueue(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	switch {
	case result.Skipped:
		fmt.Fprintf(out, "API unreachable; %d operations stay queued\n", result.Remaining)
	case result.Halted:
		fmt.Fprintf(out, "replayed %d, stopped at %s: %v; %d remaining\n", len(result.Replayed), result.HaltedOn, result.Cause, result.Remaining)
	default:
		fmt.Fprintf(out, "replayed %d, failed %d, %d remaining\n", len(result.Replayed), len(result.Failed), result.Remaining)
	}
	for _, op := range result.Failed {
		fmt.Fprintf(out, "rejected %s %s: %s\n", op.ID, op.Kind, op.LastError)
	}
	return nil
}

func runFailed(cmd *cobra.Command, args []string) error {
	a, err := openAgent(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	failed, err := a.queue.Failed(cmd.Context())
	if err != nil {
		return err
	}
	printOperations(cmd.OutOrStdout(), failed)
	return nil
}

func runRetry(cmd *cobra.Command, args []string) error {
	a, err := openAgent(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	op, err := a.queue.Retry(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "requeued %s %s\n", op.ID, op.Kind)
	return nil
}

func runDiscard(cmd *cobra.Command, args []string) error {
	a, err := openAgent(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.queue.Discard(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "discarded %s\n", args[0])
	return nil
}

func printOperations(out io.Writer, ops []offline.Operation) {
	if len(ops) == 0 {
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tENQUEUED\tATTEMPTS\tLAST ERROR")
	for _, op := range ops {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", op.ID, op.Kind, op.EnqueuedAt.Local().Format(time.DateTime), op.Attempts, op.LastError)
	}
	_ = w.Flush()
}
