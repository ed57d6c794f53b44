package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	reconciledomain "github.com/smallbiznis/billingsync/internal/reconcile/domain"
	"github.com/smallbiznis/billingsync/pkg/tenantctx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRootCmd() *cobra.Command {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:           "billingsync",
		Short:         "Keeps tenant plans in step with Stripe billing",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			serveApp(flags).Run()
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&flags.plansFile, "plans", "", "plan catalog file (default: ./plans.yml or $BILLINGSYNC_PLANS_FILE)")
	rootCmd.PersistentFlags().Int64Var(&flags.nodeID, "node-id", 1, "snowflake node id for generated identifiers")

	rootCmd.AddCommand(newServeCmd(&flags))
	rootCmd.AddCommand(newMigrateCmd(&flags))
	rootCmd.AddCommand(newSyncCmd(&flags))

	return rootCmd
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and webhook receiver",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			serveApp(*flags).Run()
			return nil
		},
	}
}

func newMigrateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := migrateApp(*flags)
			if err := app.Err(); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			if err := app.Start(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return app.Stop(ctx)
		},
	}
}

func newSyncCmd(flags *globalFlags) *cobra.Command {
	var (
		rawTenant string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile one tenant's subscription against Stripe",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, ok := tenantctx.Parse(rawTenant)
			if !ok {
				return fmt.Errorf("invalid --tenant %q", rawTenant)
			}

			var (
				svc reconciledomain.Service
				log *zap.Logger
			)
			app := syncApp(*flags, &svc, &log)
			if err := app.Err(); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := app.Start(ctx); err != nil {
				return err
			}
			defer func() {
				if stopErr := app.Stop(context.Background()); stopErr != nil {
					log.Warn("shutdown failed", zap.Error(stopErr))
				}
			}()

			record, err := svc.Sync(ctx, tenantID)
			if err != nil {
				return err
			}
			if record == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "tenant has no platform subscription; nothing to sync")
				return nil
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(record)
		},
	}

	cmd.Flags().StringVar(&rawTenant, "tenant", "", "tenant id to reconcile")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline for the sync")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}
