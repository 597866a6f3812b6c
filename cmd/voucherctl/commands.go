package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wenwu/saas-platform/voucher-service/internal/db"
	"github.com/wenwu/saas-platform/voucher-service/internal/models"
)

func generateCmd() *cobra.Command {
	var (
		planID   string
		quantity int
		length   int
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a batch of unused vouchers for a plan",
		Long: `Generate a batch of unused vouchers bound to a plan.

Examples:
  voucherctl generate --plan plan-1h --quantity 50
  voucherctl generate --plan plan-1h --quantity 10 --length 12 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			created, err := e.vouchers.BulkCreate(cmd.Context(), actorFlag, planID, quantity, length)
			if err != nil {
				return fmt.Errorf("generate failed: %w", err)
			}

			if asJSON {
				infos := make([]models.VoucherInfo, 0, len(created))
				for _, v := range created {
					infos = append(infos, models.NewVoucherInfo(v))
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(models.GenerateVouchersResponse{Count: len(infos), Vouchers: infos})
			}
			for _, v := range created {
				fmt.Fprintln(cmd.OutOrStdout(), v.Code)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Generated %d vouchers for plan %s\n", len(created), planID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&planID, "plan", "p", "", "plan id the vouchers are bound to")
	cmd.Flags().IntVarP(&quantity, "quantity", "n", 1, "number of vouchers (1..500)")
	cmd.Flags().IntVarP(&length, "length", "l", 0, "code length (6..24, 0 uses VOUCHER_CODE_LENGTH)")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "output as JSON")
	_ = cmd.MarkFlagRequired("plan")

	return cmd
}

func revokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke [code]",
		Short: "Revoke a voucher by code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			v, err := e.vouchers.Revoke(cmd.Context(), actorFlag, args[0])
			if err != nil {
				return fmt.Errorf("revoke failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", v.Code, v.Status)
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	var bulkOnly bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire or deplete vouchers and expire stale coin sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			if bulkOnly {
				n, err := e.sweeper.ExpireBulk(cmd.Context(), actorFlag)
				if err != nil {
					return fmt.Errorf("expire sweep failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "expired %d vouchers\n", n)
				return nil
			}

			start := time.Now()
			report, err := e.sweeper.Run(cmd.Context(), actorFlag)
			if err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "vouchers expired\t%d\n", report.Vouchers.Expired)
			fmt.Fprintf(w, "vouchers depleted\t%d\n", report.Vouchers.Depleted)
			fmt.Fprintf(w, "coin sessions expired\t%d\n", report.CoinSessionsExpired)
			fmt.Fprintf(w, "took\t%s\n", time.Since(start).Round(time.Millisecond))
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&bulkOnly, "bulk-only", false, "only run the set-based time expiry")

	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the schema, tables and indexes if they do not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.database.EnsureSchema(cmd.Context()); err != nil {
				return fmt.Errorf("migrate failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema %q is up to date\n", e.database.Schema)
			return nil
		},
	}
}

func schemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the DDL applied by migrate",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprint(cmd.OutOrStdout(), db.Schema)
			return err
		},
	}
}
