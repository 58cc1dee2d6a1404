package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/fablevoice/internal/app"
	"github.com/MrWong99/fablevoice/internal/config"
	"github.com/MrWong99/fablevoice/internal/narration"
)

func newQuotaCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "quota",
		Short: "Show narration minutes used this month",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cc.ensureConfig()
			if err != nil {
				return err
			}
			return withLedger(cmd.Context(), cfg, func(l narration.Ledger) error {
				q, err := l.Quota(cmd.Context())
				if err != nil {
					return err
				}
				limit := cfg.Narration.MonthlyLimitMinutes
				printLine(cmd, "used:      %.2f min", q.TotalMinutesUsed)
				printLine(cmd, "limit:     %.2f min", limit)
				printLine(cmd, "remaining: %.2f min", max(0, limit-q.TotalMinutesUsed))
				if q.LastReset.IsZero() {
					printLine(cmd, "last reset: never")
				} else {
					printLine(cmd, "last reset: %s", q.LastReset.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
}

func newResetQuotaCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-quota",
		Short: "Zero the monthly narration usage now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cc.ensureConfig()
			if err != nil {
				return err
			}
			return withLedger(cmd.Context(), cfg, func(l narration.Ledger) error {
				at := time.Now().UTC()
				if err := l.ResetQuota(cmd.Context(), at); err != nil {
					return err
				}
				printLine(cmd, "quota reset at %s", at.Format(time.RFC3339))
				return nil
			})
		},
	}
}

func withLedger(ctx context.Context, cfg *config.Config, fn func(narration.Ledger) error) error {
	if cfg.Store.Backend == config.StoreMemory {
		return fmt.Errorf("store backend %q keeps no state outside a running server", cfg.Store.Backend)
	}
	st, err := app.OpenStores(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st.Ledger)
}
