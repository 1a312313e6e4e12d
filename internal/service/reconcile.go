package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/nongsan/marketplace-api/internal/ledger"
	"github.com/nongsan/marketplace-api/internal/metrics"
	"github.com/nongsan/marketplace-api/internal/repository"
)

type DriftReport struct {
	Checked int `json:"checked"`
	Drifted int `json:"drifted"`
	Errors  int `json:"errors"`
}

// LedgerSync corrects the store wherever it disagrees with the ledger on
// quantity or owner. The ledger wins.
type LedgerSync struct {
	productRepo repository.ProductRepository
	ledger      ledger.Client
	redisClient *redis.Client
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

func NewLedgerSync(productRepo repository.ProductRepository, ledgerClient ledger.Client, redisClient *redis.Client, m *metrics.Metrics, logger *slog.Logger) *LedgerSync {
	return &LedgerSync{productRepo: productRepo, ledger: ledgerClient, redisClient: redisClient, metrics: m, logger: logger}
}

func (s *LedgerSync) Run(ctx context.Context) (DriftReport, error) {
	var report DriftReport
	products, err := s.productRepo.ListAll(ctx)
	if err != nil {
		return report, fmt.Errorf("list products: %w", err)
	}

	for _, p := range products {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++

		onChain, err := s.ledger.GetProduct(ctx, p.LedgerID)
		if err != nil {
			report.Errors++
			s.logger.Warn("ledger read failed", "product_id", p.ID, "ledger_id", p.LedgerID, "error", err)
			continue
		}
		if onChain.Quantity == p.Quantity && onChain.Owner == p.CurrentOwner {
			continue
		}

		if err := s.productRepo.SyncFromLedger(ctx, p.ID, onChain.Quantity, onChain.Owner); err != nil {
			report.Errors++
			s.logger.Error("mirror correction failed", "product_id", p.ID, "ledger_id", p.LedgerID, "error", err)
			continue
		}
		report.Drifted++
		if s.metrics != nil {
			s.metrics.MirrorDrift.Inc()
		}
		if s.redisClient != nil {
			s.redisClient.Del(ctx, productCacheKey(p.ID))
		}
		s.logger.Warn("mirror drift corrected",
			"product_id", p.ID,
			"ledger_id", p.LedgerID,
			"store_quantity", p.Quantity,
			"ledger_quantity", onChain.Quantity,
			"store_owner", p.CurrentOwner,
			"ledger_owner", onChain.Owner,
		)
	}
	return report, nil
}
