package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/nongsan/marketplace-api/internal/model"
)

type ProductFilter struct {
	Search   string
	Category string
	Region   string
	Farmer   string
	Status   model.ProductStatus
	Organic  *bool
	Sort     string
	Order    string
	Limit    int
	Offset   int
}

type ProductRepository interface {
	Create(ctx context.Context, product *model.Product) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Product, error)
	GetByLedgerID(ctx context.Context, ledgerID uint64) (*model.Product, error)
	List(ctx context.Context, f ProductFilter) ([]model.Product, int, error)
	ListAll(ctx context.Context) ([]model.Product, error)
	UpdatePrice(ctx context.Context, id uuid.UUID, priceETH, priceVND decimal.Decimal) error
	Delete(ctx context.Context, id uuid.UUID) error
	RequestCash(ctx context.Context, id uuid.UUID, buyer string, requestID uuid.UUID) (int, error)
	CancelCash(ctx context.Context, id uuid.UUID) error
	SyncFromLedger(ctx context.Context, id uuid.UUID, quantity int, owner string) error
}

type pgProductRepo struct{ pool *pgxpool.Pool }

func NewProductRepository(pool *pgxpool.Pool) ProductRepository {
	return &pgProductRepo{pool: pool}
}

const productColumns = `id, ledger_id, name, category, region, harvest_date, price_eth, price_vnd,
	organic, quantity, unit, images, farmer_wallet, current_owner, status,
	cash_buyer, cash_quantity, cash_request_id, created_at, updated_at`

// effectiveStatusSQL mirrors model.DeriveStatus so filters match what clients see.
const effectiveStatusSQL = `CASE WHEN status IN ('cash-pending', 'refund-requested', 'refunded') THEN status
	WHEN quantity = 0 THEN 'sold' ELSE 'available' END`

func scanProduct(row pgx.Row) (*model.Product, error) {
	p := &model.Product{}
	err := row.Scan(
		&p.ID, &p.LedgerID, &p.Name, &p.Category, &p.Region, &p.HarvestDate, &p.PriceETH, &p.PriceVND,
		&p.Organic, &p.Quantity, &p.Unit, &p.Images, &p.FarmerWallet, &p.CurrentOwner, &p.Status,
		&p.CashBuyer, &p.CashQuantity, &p.CashRequestID, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *pgProductRepo) Create(ctx context.Context, product *model.Product) error {
	product.ID = uuid.New()
	if product.Images == nil {
		product.Images = []string{}
	}
	if product.CurrentOwner == "" {
		product.CurrentOwner = product.FarmerWallet
	}
	product.Status = model.DeriveStatus(product.Quantity, model.StatusAvailable)
	query := `INSERT INTO products (id, ledger_id, name, category, region, harvest_date, price_eth, price_vnd,
				organic, quantity, unit, images, farmer_wallet, current_owner, status, created_at, updated_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW(), NOW())
			  RETURNING created_at, updated_at`
	err := r.pool.QueryRow(ctx, query,
		product.ID, product.LedgerID, product.Name, product.Category, product.Region, product.HarvestDate,
		product.PriceETH, product.PriceVND, product.Organic, product.Quantity, product.Unit, product.Images,
		product.FarmerWallet, product.CurrentOwner, product.Status,
	).Scan(&product.CreatedAt, &product.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("create product: %w", err)
	}
	return nil
}

func (r *pgProductRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Product, error) {
	p, err := scanProduct(r.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

func (r *pgProductRepo) GetByLedgerID(ctx context.Context, ledgerID uint64) (*model.Product, error) {
	p, err := scanProduct(r.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE ledger_id = $1`, ledgerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get product by ledger id: %w", err)
	}
	return p, nil
}

func (r *pgProductRepo) List(ctx context.Context, f ProductFilter) ([]model.Product, int, error) {
	allowedSorts := map[string]string{
		"name":         "name",
		"price":        "price_vnd",
		"harvest_date": "harvest_date",
		"created_at":   "created_at",
	}
	sortCol, ok := allowedSorts[f.Sort]
	if !ok {
		sortCol = "created_at"
	}
	order := strings.ToLower(f.Order)
	if order != "asc" && order != "desc" {
		order = "desc"
	}

	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Search != "" {
		add("name ILIKE '%%' || $%d || '%%'", f.Search)
	}
	if f.Category != "" {
		add("category = $%d", f.Category)
	}
	if f.Region != "" {
		add("region = $%d", f.Region)
	}
	if f.Farmer != "" {
		add("farmer_wallet = $%d", strings.ToLower(f.Farmer))
	}
	if f.Status != "" {
		add("("+effectiveStatusSQL+") = $%d", string(f.Status))
	}
	if f.Organic != nil {
		add("organic = $%d", *f.Organic)
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM products `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count products: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM products %s ORDER BY %s %s LIMIT $%d OFFSET $%d`,
		productColumns, where, sortCol, order, len(args)+1, len(args)+2)
	rows, err := r.pool.Query(ctx, query, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var products []model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, *p)
	}
	return products, total, rows.Err()
}

func (r *pgProductRepo) ListAll(ctx context.Context) ([]model.Product, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+productColumns+` FROM products ORDER BY ledger_id`)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var products []model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}

func (r *pgProductRepo) UpdatePrice(ctx context.Context, id uuid.UUID, priceETH, priceVND decimal.Decimal) error {
	ct, err := r.pool.Exec(ctx,
		`UPDATE products SET price_eth = $2, price_vnd = $3, updated_at = NOW() WHERE id = $1`,
		id, priceETH, priceVND,
	)
	if err != nil {
		return fmt.Errorf("update price: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pgProductRepo) Delete(ctx context.Context, id uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var hasOrders bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM orders WHERE product_id = $1)`, id,
	).Scan(&hasOrders); err != nil {
		return fmt.Errorf("check orders: %w", err)
	}
	if hasOrders {
		return ErrHasOrders
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM pending_payment_items i USING pending_payments p
		 WHERE i.txn_ref = p.txn_ref AND i.product_id = $1 AND p.status <> 'paid'`, id,
	); err != nil {
		return fmt.Errorf("delete pending items: %w", err)
	}

	ct, err := tx.Exec(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

// RequestCash opens a cash handshake for the whole remaining lot and returns
// the reserved quantity.
func (r *pgProductRepo) RequestCash(ctx context.Context, id uuid.UUID, buyer string, requestID uuid.UUID) (int, error) {
	var reserved int
	err := r.pool.QueryRow(ctx,
		`UPDATE products
		 SET status = 'cash-pending', cash_buyer = $2, cash_quantity = quantity, cash_request_id = $3, updated_at = NOW()
		 WHERE id = $1 AND (`+effectiveStatusSQL+`) = 'available'
		 RETURNING cash_quantity`,
		id, strings.ToLower(buyer), requestID,
	).Scan(&reserved)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrStatusConflict
		}
		return 0, fmt.Errorf("request cash: %w", err)
	}
	return reserved, nil
}

func (r *pgProductRepo) CancelCash(ctx context.Context, id uuid.UUID) error {
	ct, err := r.pool.Exec(ctx,
		`UPDATE products
		 SET status = 'available', cash_buyer = '', cash_quantity = 0,
		     cash_request_id = '00000000-0000-0000-0000-000000000000', updated_at = NOW()
		 WHERE id = $1 AND status = 'cash-pending'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("cancel cash: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

// SyncFromLedger overwrites quantity and owner with the ledger's view. The
// stored available/sold flag follows the new quantity; flags that quantity
// cannot encode are left alone.
func (r *pgProductRepo) SyncFromLedger(ctx context.Context, id uuid.UUID, quantity int, owner string) error {
	ct, err := r.pool.Exec(ctx,
		`UPDATE products
		 SET quantity = $2, current_owner = $3,
		     status = CASE
		         WHEN status = 'available' AND $2 = 0 THEN 'sold'
		         WHEN status = 'sold' AND $2 > 0 THEN 'available'
		         ELSE status END,
		     updated_at = NOW()
		 WHERE id = $1`,
		id, quantity, strings.ToLower(owner),
	)
	if err != nil {
		return fmt.Errorf("sync product: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
