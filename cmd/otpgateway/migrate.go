package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/aelexs/otp-gateway/internal/config"
	"github.com/aelexs/otp-gateway/internal/domain"
	"github.com/aelexs/otp-gateway/internal/postgres"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the OTP schema for the configured store",
		Long: `For the postgres store, create the otp_records table and its indexes.
For the dynamodb store, create the table and enable record expiry.
Safe to run repeatedly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(ctx)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			out := cmd.OutOrStdout()

			switch cfg.Store.Driver {
			case config.StorePostgres:
				logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
				pool, err := postgres.New(ctx, postgres.Config{
					URL:      cfg.Postgres.URL.Expose(),
					MaxConns: cfg.Postgres.MaxConns,
				}, logger)
				if err != nil {
					return err
				}
				defer pool.Close()

				if err := postgres.Migrate(ctx, pool); err != nil {
					return err
				}
				fmt.Fprintln(out, "otp schema applied to postgres")
				return nil

			case config.StoreDynamo:
				client, err := newDynamoClient(ctx, cfg)
				if err != nil {
					return err
				}
				if err := client.EnsureTable(ctx, cfg.DynamoDB.Table, tableWait); err != nil {
					return err
				}
				fmt.Fprintf(out, "dynamodb table %s ready\n", cfg.DynamoDB.Table)
				return nil

			default:
				return fmt.Errorf("%w: store.driver %q has no schema; use postgres or dynamodb",
					domain.ErrConfigRequired, cfg.Store.Driver)
			}
		},
	}
}
