package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/nongsan/marketplace-api/internal/config"
	"github.com/nongsan/marketplace-api/internal/ledger"
	"github.com/nongsan/marketplace-api/internal/repository"
	"github.com/nongsan/marketplace-api/internal/service"
)

// bootDB loads config and opens the database pool.
func bootDB(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	return cfg, pool, nil
}

// nongsanctl migrate
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, pool, err := bootDB(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := repository.Migrate(cmd.Context(), pool)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to migrate.")
				return nil
			}
			for _, name := range applied {
				fmt.Fprintln(cmd.OutOrStdout(), "Migrated:", name)
			}
			return nil
		},
	}
}

// nongsanctl reconcile
func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one ledger reconciliation pass and print the drift report",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, pool, err := bootDB(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			if !cfg.Ledger.Enabled() {
				return errors.New("LEDGER_RPC_URL and LEDGER_CONTRACT_ADDRESS must be set")
			}
			ledgerClient, closeLedger, err := ledger.Dial(ctx, cfg.Ledger.RPCURL, cfg.Ledger.ContractAddress)
			if err != nil {
				return err
			}
			defer closeLedger()

			log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

			// Stale product cache entries expire on their own if Redis is down.
			redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
			defer redisClient.Close()
			if err := redisClient.Ping(ctx).Err(); err != nil {
				log.Warn("redis unavailable, product cache not invalidated", "error", err)
				redisClient = nil
			}

			sync := service.NewLedgerSync(repository.NewProductRepository(pool), ledgerClient, redisClient, nil, log)
			report, err := sync.Run(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}
