package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/alecgard/billgate/internal/bill"
	"github.com/alecgard/billgate/internal/config"
	"github.com/alecgard/billgate/internal/storage"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed demo bills",
	RunE:  runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

var demoBills = []bill.AddInput{
	{SubscriberNo: "1001", Month: "2024-01", Amount: dec("100.00"), Details: bill.Details{"info": "Standard Bill", "plan": "Basic"}},
	{SubscriberNo: "1001", Month: "2024-02", Amount: dec("120.50"), Details: bill.Details{"info": "Standard Bill", "plan": "Basic"}},
	{SubscriberNo: "1002", Month: "2024-01", Amount: dec("45.99"), Details: bill.Details{"info": "Standard Bill", "plan": "Mobile Lite"}},
	{SubscriberNo: "1003", Month: "2024-01", Amount: dec("250.00"), Details: bill.Details{"info": "Standard Bill", "plan": "Family", "lines": float64(4)}},
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.Driver == config.DriverMemory {
		slog.Warn("seeding the memory driver has no lasting effect; data is lost when this command exits")
	}

	ctx := context.Background()
	backend, err := storage.Open(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer backend.Close()

	svc, err := newBillService(cfg, backend, nil)
	if err != nil {
		return err
	}

	for _, in := range demoBills {
		if _, err := svc.AddBill(ctx, in); err != nil {
			return fmt.Errorf("seeding bill %s/%s: %w", in.SubscriberNo, in.Month, err)
		}
		fmt.Printf("Seeded bill: %s %s amount=%s\n", in.SubscriberNo, in.Month, in.Amount)
	}

	// One partial payment so the demo data covers every status.
	pay := decimal.RequireFromString("20.00")
	p, err := svc.PayBill(ctx, bill.PayInput{SubscriberNo: "1001", Month: "2024-02", Amount: &pay})
	if err != nil {
		return fmt.Errorf("seeding payment: %w", err)
	}
	fmt.Printf("Seeded payment: 1001 2024-02 paid=%s status=%s\n", p.PaidAmount, p.Status)

	slog.Info("seed complete", "bills", len(demoBills))
	return nil
}
