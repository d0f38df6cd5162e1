package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"

	"github.com/shopmesh/orderflow/internal/domain"
)

const (
	movementDeduct  = "deduct"
	movementRestore = "restore"
)

type InventoryRepository struct {
	db *sqlx.DB
}

func NewInventoryRepository(db *sqlx.DB) *InventoryRepository {
	return &InventoryRepository{db: db}
}

func (r *InventoryRepository) ListAll(ctx context.Context) ([]domain.Product, error) {
	products := []domain.Product{}
	err := r.db.SelectContext(ctx, &products, `
		SELECT id, name, price, image_url, stock, updated_at
		FROM inventory.products
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	return products, nil
}

func (r *InventoryRepository) GetProduct(ctx context.Context, productID int64) (*domain.Product, error) {
	var product domain.Product
	err := r.db.GetContext(ctx, &product, `
		SELECT id, name, price, image_url, stock, updated_at
		FROM inventory.products
		WHERE id = $1
	`, productID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("product %d: %w", productID, domain.ErrNotFound)
		}
		return nil, err
	}
	return &product, nil
}

func (r *InventoryRepository) Restock(ctx context.Context, productID int64, quantity int) (*domain.StockLevel, error) {
	var level domain.StockLevel
	err := r.db.GetContext(ctx, &level, `
		UPDATE inventory.products
		SET stock = stock + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING id, stock
	`, productID, quantity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("product %d: %w", productID, domain.ErrNotFound)
		}
		return nil, err
	}
	return &level, nil
}

// Deduct takes every item's quantity out of stock for orderID, all or
// nothing, and clears any backorder the order had. It reports false when
// the order's stock was already deducted.
func (r *InventoryRepository) Deduct(ctx context.Context, orderID int64, items []domain.StockItem) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM inventory.backorders WHERE order_id = $1`, orderID); err != nil {
		return false, fmt.Errorf("clear backorder: %w", err)
	}

	recorded, err := recordMovement(ctx, tx, orderID, movementDeduct)
	if err != nil {
		return false, err
	}
	if !recorded {
		return false, tx.Commit()
	}

	wanted, ids := mergeItems(items)

	query, args, err := sqlx.In(`
		SELECT id, stock
		FROM inventory.products
		WHERE id IN (?)
		ORDER BY id
		FOR UPDATE
	`, ids)
	if err != nil {
		return false, err
	}

	var levels []domain.StockLevel
	if err := tx.SelectContext(ctx, &levels, tx.Rebind(query), args...); err != nil {
		return false, fmt.Errorf("lock products: %w", err)
	}
	if len(levels) != len(ids) {
		return false, fmt.Errorf("order %d references %w", orderID, missingProduct(ids, levels))
	}

	for _, level := range levels {
		if level.Stock < wanted[level.ProductID] {
			return false, fmt.Errorf("product %d has %d, order %d needs %d: %w",
				level.ProductID, level.Stock, orderID, wanted[level.ProductID], domain.ErrInsufficientStock)
		}
	}

	for _, level := range levels {
		_, err := tx.ExecContext(ctx, `
			UPDATE inventory.products
			SET stock = stock - $2, updated_at = NOW()
			WHERE id = $1
		`, level.ProductID, wanted[level.ProductID])
		if err != nil {
			return false, fmt.Errorf("decrement product %d: %w", level.ProductID, err)
		}
	}

	return true, tx.Commit()
}

// Restore puts every item's quantity back once per order and returns the
// resulting stock levels. It reports false when the order was already
// restored.
func (r *InventoryRepository) Restore(ctx context.Context, orderID int64, items []domain.StockItem) ([]domain.StockLevel, bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	recorded, err := recordMovement(ctx, tx, orderID, movementRestore)
	if err != nil {
		return nil, false, err
	}
	if !recorded {
		return nil, false, tx.Commit()
	}

	wanted, ids := mergeItems(items)
	levels := make([]domain.StockLevel, 0, len(ids))
	for _, id := range ids {
		var level domain.StockLevel
		err := tx.GetContext(ctx, &level, `
			UPDATE inventory.products
			SET stock = stock + $2, updated_at = NOW()
			WHERE id = $1
			RETURNING id, stock
		`, id, wanted[id])
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, false, fmt.Errorf("order %d references product %d: %w", orderID, id, domain.ErrNotFound)
			}
			return nil, false, fmt.Errorf("restore product %d: %w", id, err)
		}
		levels = append(levels, level)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return levels, true, nil
}

func (r *InventoryRepository) SaveBackorder(ctx context.Context, backorder domain.Backorder) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO inventory.backorders (order_id, user_id, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (order_id) DO NOTHING
	`, backorder.OrderID, backorder.UserID)
	if err != nil {
		return fmt.Errorf("insert backorder: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return err
	}

	wanted, ids := mergeItems(backorder.Items)
	for _, id := range ids {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO inventory.backorder_items (order_id, product_id, quantity)
			VALUES ($1, $2, $3)
		`, backorder.OrderID, id, wanted[id])
		if err != nil {
			return fmt.Errorf("insert backorder item %d: %w", id, err)
		}
	}

	return tx.Commit()
}

func (r *InventoryRepository) DropBackorder(ctx context.Context, orderID int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM inventory.backorders WHERE order_id = $1`, orderID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type backorderRow struct {
	OrderID   int64 `db:"order_id"`
	ProductID int64 `db:"product_id"`
	Quantity  int   `db:"quantity"`
}

// BackordersFor returns the backorders waiting on productID, oldest first,
// with all of their items.
func (r *InventoryRepository) BackordersFor(ctx context.Context, productID int64) ([]domain.Backorder, error) {
	var backorders []domain.Backorder
	err := r.db.SelectContext(ctx, &backorders, `
		SELECT b.order_id, b.user_id, b.created_at
		FROM inventory.backorders b
		WHERE EXISTS (
			SELECT 1 FROM inventory.backorder_items i
			WHERE i.order_id = b.order_id AND i.product_id = $1
		)
		ORDER BY b.created_at, b.order_id
	`, productID)
	if err != nil {
		return nil, err
	}
	if len(backorders) == 0 {
		return backorders, nil
	}

	orderIDs := make([]int64, 0, len(backorders))
	byOrder := make(map[int64]*domain.Backorder, len(backorders))
	for i := range backorders {
		orderIDs = append(orderIDs, backorders[i].OrderID)
		byOrder[backorders[i].OrderID] = &backorders[i]
	}

	query, args, err := sqlx.In(`
		SELECT order_id, product_id, quantity
		FROM inventory.backorder_items
		WHERE order_id IN (?)
		ORDER BY order_id, product_id
	`, orderIDs)
	if err != nil {
		return nil, err
	}

	var rows []backorderRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	for _, row := range rows {
		bo := byOrder[row.OrderID]
		bo.Items = append(bo.Items, domain.StockItem{ProductID: row.ProductID, Quantity: row.Quantity})
	}

	return backorders, nil
}

func recordMovement(ctx context.Context, tx *sqlx.Tx, orderID int64, kind string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO inventory.stock_movements (order_id, kind, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (order_id, kind) DO NOTHING
	`, orderID, kind)
	if err != nil {
		return false, fmt.Errorf("record %s movement: %w", kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// mergeItems sums quantities per product and returns the product ids in
// ascending order, which is the order rows are locked in.
func mergeItems(items []domain.StockItem) (map[int64]int, []int64) {
	wanted := make(map[int64]int, len(items))
	for _, item := range items {
		wanted[item.ProductID] += item.Quantity
	}
	ids := make([]int64, 0, len(wanted))
	for id := range wanted {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return wanted, ids
}

func missingProduct(ids []int64, levels []domain.StockLevel) error {
	found := make(map[int64]bool, len(levels))
	for _, level := range levels {
		found[level.ProductID] = true
	}
	for _, id := range ids {
		if !found[id] {
			return fmt.Errorf("unknown product %d: %w", id, domain.ErrNotFound)
		}
	}
	return domain.ErrNotFound
}
