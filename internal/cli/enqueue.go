package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/vietddude/retrier/internal/control"
	"github.com/vietddude/retrier/internal/core/config"
	"github.com/vietddude/retrier/internal/delivery"
)

var (
	enqueueOperation string
	enqueueEvent     string
	enqueueBody      string
	enqueueHeaders   map[string]string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Persist a webhook delivery for the workers to pick up",
	Run:   runEnqueue,
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueOperation, "operation", "", "operation id (required)")
	enqueueCmd.Flags().StringVar(&enqueueEvent, "event", "", "event name")
	enqueueCmd.Flags().StringVar(&enqueueBody, "body", "{}", "JSON payload")
	enqueueCmd.Flags().StringToStringVar(&enqueueHeaders, "header", nil, "extra request header, key=value")
	_ = enqueueCmd.MarkFlagRequired("operation")
	rootCmd.AddCommand(enqueueCmd)
}

func buildMessage(cfg *config.AppConfig, operationID, event, body string, headers map[string]string) (delivery.Message, error) {
	if !slices.Contains(cfg.OperationIDs(), operationID) {
		return delivery.Message{}, fmt.Errorf("%w: %s", delivery.ErrUnknownOperation, operationID)
	}
	if !json.Valid([]byte(body)) {
		return delivery.Message{}, fmt.Errorf("body is not valid JSON")
	}
	return delivery.Message{Event: event, Body: json.RawMessage(body), Headers: headers}, nil
}

func runEnqueue(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	if cfg.Store.Driver == config.DriverMemory {
		slog.Error("The memory store does not outlive this command; configure a persistent store")
		os.Exit(1)
	}

	msg, err := buildMessage(cfg, enqueueOperation, enqueueEvent, enqueueBody, enqueueHeaders)
	if err != nil {
		slog.Error("Invalid message", "error", err)
		os.Exit(1)
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

	op, err := coordinator.Save(ctx, enqueueOperation, msg)
	if err != nil {
		slog.Error("Failed to save operation", "error", err)
		os.Exit(1)
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), op.ID)
}
