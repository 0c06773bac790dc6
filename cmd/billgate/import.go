package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/alecgard/billgate/internal/ingest"
	"github.com/alecgard/billgate/internal/metrics"
	"github.com/alecgard/billgate/internal/storage"
)

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import bills from a CSV or XLSX file",
	Long:  "Import reads SubscriberNo, Month and Amount columns from a CSV or XLSX file and writes the valid rows as a single batch. Rows that are incomplete or malformed are reported and skipped.",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	rows, err := ingest.ParseFile(filepath.Base(args[0]), f)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", args[0], err)
	}

	ctx := context.Background()
	m := metrics.New()
	backend, err := storage.Open(ctx, cfg, m)
	if err != nil {
		return err
	}
	defer backend.Close()

	svc, err := newBillService(cfg, backend, m)
	if err != nil {
		return err
	}

	res, err := svc.BatchAddBills(ctx, rows)
	if err != nil {
		return fmt.Errorf("writing batch: %w", err)
	}
	m.ObserveIngest("import", res.Written, len(res.Skipped))

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
