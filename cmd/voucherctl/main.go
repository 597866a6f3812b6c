package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "voucherctl",
		Short:   "Operator tooling for the voucher service database",
		Version: Version,
		// Errors are printed once below.
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&actorFlag, "actor", "voucherctl", "actor id written to the audit log")

	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(revokeCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(schemaCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
