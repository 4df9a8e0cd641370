package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/retrier/internal/control"
	"github.com/vietddude/retrier/internal/core/worker"
	"github.com/vietddude/retrier/internal/delivery"
	"github.com/vietddude/retrier/internal/retry"
)

var (
	pendingOperation  string
	pendingDeadLetter bool
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List stored pending operations",
	Run:   runPending,
}

func init() {
	pendingCmd.Flags().StringVar(&pendingOperation, "operation", "", "only this operation id")
	pendingCmd.Flags().BoolVar(&pendingDeadLetter, "dead", false, "include dead-letter operations")
	rootCmd.AddCommand(pendingCmd)
}

func runPending(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ids := cfg.OperationIDs()
	if pendingOperation != "" {
		ids = []string{pendingOperation}
	}
	if pendingDeadLetter {
		for _, id := range ids {
			ids = append(ids, id+worker.DeadLetterSuffix)
		}
	}

	ctx := context.Background()
	stores, err := control.OpenStores(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = stores.Close()
	}()

	coordinator, err := control.NewCoordinator(cfg, stores, slog.Default())
	if err != nil {
		slog.Error("Failed to build coordinator", "error", err)
		os.Exit(1)
	}

	var ops []*retry.PendingOperation[delivery.Message]
	for _, id := range ids {
		found, err := coordinator.GetPendingOperations(ctx, id)
		if err != nil {
			slog.Error("Failed to list pending operations", "operation_id", id, "error", err)
			os.Exit(1)
		}
		ops = append(ops, found...)
	}
	printPending(cmd.OutOrStdout(), ops)
}

func printPending(out io.Writer, ops []*retry.PendingOperation[delivery.Message]) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "OPERATION\tID\tEVENT\tCREATED")
	for _, op := range ops {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", op.OperationID, op.ID, op.Argument.Event, op.CreatedAt.Format(time.RFC3339))
	}
	_ = w.Flush()
}
