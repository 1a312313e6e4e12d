package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nongsan/marketplace-api/internal/dto"
	"github.com/nongsan/marketplace-api/internal/ledger"
	"github.com/nongsan/marketplace-api/internal/metrics"
	"github.com/nongsan/marketplace-api/internal/model"
	"github.com/nongsan/marketplace-api/internal/repository"
)

const productCacheTTL = 60 * time.Second

func productCacheKey(id uuid.UUID) string { return "product:" + id.String() }

type ProductService struct {
	productRepo repository.ProductRepository
	ledger      ledger.Client
	redisClient *redis.Client
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewProductService wires the catalogue. ledgerClient may be nil, in which
// case registrations are mirrored without an on-chain check.
func NewProductService(productRepo repository.ProductRepository, ledgerClient ledger.Client, redisClient *redis.Client, m *metrics.Metrics, logger *slog.Logger) *ProductService {
	return &ProductService{productRepo: productRepo, ledger: ledgerClient, redisClient: redisClient, metrics: m, logger: logger}
}

// Create mirrors a product the farmer registered on the ledger. When the
// ledger is reachable its quantity and price win over the request.
func (s *ProductService) Create(ctx context.Context, farmer string, req dto.CreateProductRequest) (*dto.ProductResponse, error) {
	wallet, err := ledger.NormalizeAddress(farmer)
	if err != nil {
		return nil, fmt.Errorf("%w: farmer wallet", ErrValidation)
	}
	if req.PriceETH.IsNegative() || req.PriceVND.IsNegative() {
		return nil, fmt.Errorf("%w: price must not be negative", ErrValidation)
	}

	product := &model.Product{
		LedgerID:     req.LedgerID,
		Name:         req.Name,
		Category:     req.Category,
		Region:       req.Region,
		HarvestDate:  req.HarvestDate,
		PriceETH:     req.PriceETH,
		PriceVND:     req.PriceVND,
		Organic:      req.Organic,
		Quantity:     req.Quantity,
		Unit:         req.Unit,
		Images:       req.Images,
		FarmerWallet: wallet,
	}
	if product.Unit == "" {
		product.Unit = "kg"
	}

	if s.ledger != nil {
		registered, err := s.ledger.IsUserRegistered(ctx, wallet)
		if err != nil {
			return nil, fmt.Errorf("check ledger registration: %w", err)
		}
		if !registered {
			return nil, ErrNotOnLedger
		}
		onChain, err := s.ledger.GetProduct(ctx, req.LedgerID)
		if err != nil {
			return nil, fmt.Errorf("read ledger product: %w", err)
		}
		if onChain.Farmer != wallet {
			return nil, ErrForbidden
		}
		product.Quantity = onChain.Quantity
		product.PriceETH = onChain.PriceETH
		product.CurrentOwner = onChain.Owner
	}

	if err := s.productRepo.Create(ctx, product); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrProductExists
		}
		return nil, fmt.Errorf("create product: %w", err)
	}
	s.logger.Info("product mirrored", "product_id", product.ID, "ledger_id", product.LedgerID, "farmer", wallet)
	resp := dto.ToProductResponse(product)
	return &resp, nil
}

func (s *ProductService) GetByID(ctx context.Context, id uuid.UUID) (*dto.ProductResponse, error) {
	cacheKey := productCacheKey(id)

	if s.redisClient != nil {
		if cached, err := s.redisClient.Get(ctx, cacheKey).Result(); err == nil {
			var resp dto.ProductResponse
			if json.Unmarshal([]byte(cached), &resp) == nil {
				s.cacheHit(true)
				return &resp, nil
			}
		}
		s.cacheHit(false)
	}

	product, err := s.productRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	if product == nil {
		return nil, ErrProductNotFound
	}

	resp := dto.ToProductResponse(product)

	if s.redisClient != nil {
		if data, err := json.Marshal(resp); err == nil {
			s.redisClient.Set(ctx, cacheKey, data, productCacheTTL)
		}
	}
	return &resp, nil
}

func (s *ProductService) List(ctx context.Context, req dto.ListProductsRequest) (*dto.ProductListResponse, error) {
	offset := (req.Page - 1) * req.Limit
	products, total, err := s.productRepo.List(ctx, repository.ProductFilter{
		Search:   req.Search,
		Category: req.Category,
		Region:   req.Region,
		Farmer:   req.Farmer,
		Status:   model.ProductStatus(req.Status),
		Organic:  req.Organic,
		Sort:     req.Sort,
		Order:    req.Order,
		Limit:    req.Limit,
		Offset:   offset,
	})
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}

	items := make([]dto.ProductResponse, 0, len(products))
	for _, p := range products {
		items = append(items, dto.ToProductResponse(&p))
	}
	return &dto.ProductListResponse{Products: items, Total: total, Page: req.Page, Limit: req.Limit}, nil
}

func (s *ProductService) UpdatePrice(ctx context.Context, id uuid.UUID, farmer string, req dto.UpdatePriceRequest) (*dto.ProductResponse, error) {
	if req.PriceETH == nil && req.PriceVND == nil {
		return nil, fmt.Errorf("%w: nothing to update", ErrValidation)
	}
	product, err := s.ownedProduct(ctx, id, farmer)
	if err != nil {
		return nil, err
	}
	if product.Status == model.StatusRefunded {
		return nil, ErrInvalidTransition
	}

	if req.PriceETH != nil {
		if req.PriceETH.IsNegative() {
			return nil, fmt.Errorf("%w: price must not be negative", ErrValidation)
		}
		product.PriceETH = *req.PriceETH
	}
	if req.PriceVND != nil {
		if req.PriceVND.IsNegative() {
			return nil, fmt.Errorf("%w: price must not be negative", ErrValidation)
		}
		product.PriceVND = *req.PriceVND
	}

	if err := s.productRepo.UpdatePrice(ctx, id, product.PriceETH, product.PriceVND); err != nil {
		return nil, mapRepoErr(err)
	}
	s.invalidateCache(ctx, id)
	resp := dto.ToProductResponse(product)
	return &resp, nil
}

func (s *ProductService) Delete(ctx context.Context, id uuid.UUID, farmer string) error {
	if _, err := s.ownedProduct(ctx, id, farmer); err != nil {
		return err
	}
	if err := s.productRepo.Delete(ctx, id); err != nil {
		return mapRepoErr(err)
	}
	s.invalidateCache(ctx, id)
	return nil
}

func (s *ProductService) ownedProduct(ctx context.Context, id uuid.UUID, farmer string) (*model.Product, error) {
	product, err := s.productRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	if product == nil {
		return nil, ErrProductNotFound
	}
	if product.FarmerWallet != strings.ToLower(farmer) {
		return nil, ErrForbidden
	}
	return product, nil
}

func (s *ProductService) invalidateCache(ctx context.Context, id uuid.UUID) {
	if s.redisClient != nil {
		s.redisClient.Del(ctx, productCacheKey(id))
	}
}

func (s *ProductService) cacheHit(hit bool) {
	if s.metrics == nil {
		return
	}
	if hit {
		s.metrics.CacheHits.Inc()
	} else {
		s.metrics.CacheMisses.Inc()
	}
}
