package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"allocation-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// isUniqueViolation reports whether err is a postgres duplicate-key error.
func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

// sortedProductIDs returns the batch keys in ascending order. Every multi-row
// operation locks rows in this order so that two overlapping batches can
// never hold locks in opposite orders and deadlock each other.
func sortedProductIDs(items map[int64]int) []int64 {
	ids := make([]int64, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// InitializeInventory creates the stock row for a product and records the
// INITIAL ledger entry.
func (s *Store) InitializeInventory(ctx context.Context, productID int64, initialStock int, actor string) (*models.Inventory, error) {
	if initialStock < 0 {
		return nil, models.ErrInvalidQuantity
	}

	var inv models.Inventory
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		query := `
			INSERT INTO inventory (product_id, available, reserved, total)
			VALUES ($1, $2, 0, $2)
			RETURNING product_id, available, reserved, total, updated_at`

		if err := tx.GetContext(ctx, &inv, query, productID, initialStock); err != nil {
			if isUniqueViolation(err) {
				return models.ErrInventoryExists
			}
			return fmt.Errorf("failed to initialize inventory: %w", err)
		}

		return insertMovement(ctx, tx, &models.StockMovement{
			ProductID:         productID,
			MovementType:      models.MovementInitial,
			Quantity:          initialStock,
			PreviousAvailable: 0,
			AfterAvailable:    initialStock,
			PreviousReserved:  0,
			AfterReserved:     0,
			Reference:         fmt.Sprintf("product-%d", productID),
			Reason:            "Initial stock setup",
			PerformedBy:       actor,
		})
	})
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// GetInventory retrieves the stock row for a product.
func (s *Store) GetInventory(ctx context.Context, productID int64) (*models.Inventory, error) {
	var inv models.Inventory
	err := s.db.GetContext(ctx, &inv,
		"SELECT product_id, available, reserved, total, updated_at FROM inventory WHERE product_id = $1", productID)
	if err == sql.ErrNoRows {
		return nil, models.ErrInventoryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// GetMovements retrieves the ledger for a product, newest first.
func (s *Store) GetMovements(ctx context.Context, productID int64, limit, offset int) ([]models.StockMovement, error) {
	var movements []models.StockMovement
	err := s.db.SelectContext(ctx, &movements, `
		SELECT id, product_id, movement_type, quantity,
		       previous_available, after_available, previous_reserved, after_reserved,
		       reference, reason, performed_by, created_at
		FROM stock_movements
		WHERE product_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`, productID, limit, offset)
	return movements, err
}

// ReserveBatch moves quantities from available to reserved for every item,
// all-or-nothing, appending one RESERVE ledger row per product.
func (s *Store) ReserveBatch(ctx context.Context, orderNumber string, items map[int64]int, actor string) error {
	ids := sortedProductIDs(items)

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, productID := range ids {
			inv, err := lockInventoryRow(ctx, tx, productID)
			if err != nil {
				return err
			}

			prev := *inv
			if err := inv.Reserve(items[productID]); err != nil {
				return err
			}

			if err := updateInventoryRow(ctx, tx, inv); err != nil {
				return err
			}

			if err := insertMovement(ctx, tx, &models.StockMovement{
				ProductID:         productID,
				MovementType:      models.MovementReserve,
				Quantity:          items[productID],
				PreviousAvailable: prev.Available,
				AfterAvailable:    inv.Available,
				PreviousReserved:  prev.Reserved,
				AfterReserved:     inv.Reserved,
				Reference:         orderNumber,
				Reason:            "Stock reserved for order",
				PerformedBy:       actor,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeductBatch finalizes previously reserved quantities. A deduct with no
// matching RESERVE ledger row for the order fails with ErrReservationNotFound;
// a deduct already recorded for the order is skipped (replay-safe).
func (s *Store) DeductBatch(ctx context.Context, orderNumber string, items map[int64]int, actor string) error {
	ids := sortedProductIDs(items)

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, productID := range ids {
			inv, err := lockInventoryRow(ctx, tx, productID)
			if err != nil {
				return err
			}

			done, err := movementExists(ctx, tx, orderNumber, models.MovementDeduct, productID)
			if err != nil {
				return err
			}
			if done {
				continue
			}

			reserved, err := movementExists(ctx, tx, orderNumber, models.MovementReserve, productID)
			if err != nil {
				return err
			}
			if !reserved {
				return models.ErrReservationNotFound
			}

			prev := *inv
			if err := inv.Deduct(items[productID]); err != nil {
				return err
			}

			if err := updateInventoryRow(ctx, tx, inv); err != nil {
				return err
			}

			if err := insertMovement(ctx, tx, &models.StockMovement{
				ProductID:         productID,
				MovementType:      models.MovementDeduct,
				Quantity:          items[productID],
				PreviousAvailable: prev.Available,
				AfterAvailable:    inv.Available,
				PreviousReserved:  prev.Reserved,
				AfterReserved:     inv.Reserved,
				Reference:         orderNumber,
				Reason:            "Stock deducted after payment",
				PerformedBy:       actor,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReleaseBatch reverses a reservation back into available stock. Replays of
// the same order are skipped per product via the ledger.
func (s *Store) ReleaseBatch(ctx context.Context, orderNumber string, items map[int64]int, actor string) error {
	ids := sortedProductIDs(items)

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, productID := range ids {
			inv, err := lockInventoryRow(ctx, tx, productID)
			if err != nil {
				return err
			}

			done, err := movementExists(ctx, tx, orderNumber, models.MovementRelease, productID)
			if err != nil {
				return err
			}
			if done {
				continue
			}

			reserved, err := movementExists(ctx, tx, orderNumber, models.MovementReserve, productID)
			if err != nil {
				return err
			}
			if !reserved {
				return models.ErrReservationNotFound
			}

			prev := *inv
			if err := inv.Release(items[productID]); err != nil {
				return err
			}

			if err := updateInventoryRow(ctx, tx, inv); err != nil {
				return err
			}

			if err := insertMovement(ctx, tx, &models.StockMovement{
				ProductID:         productID,
				MovementType:      models.MovementRelease,
				Quantity:          items[productID],
				PreviousAvailable: prev.Available,
				AfterAvailable:    inv.Available,
				PreviousReserved:  prev.Reserved,
				AfterReserved:     inv.Reserved,
				Reference:         orderNumber,
				Reason:            "Stock released due to cancellation",
				PerformedBy:       actor,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// AddStock grows available and total for a product (restock).
func (s *Store) AddStock(ctx context.Context, productID int64, quantity int, reason, actor string) (*models.Inventory, error) {
	var result models.Inventory

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		inv, err := lockInventoryRow(ctx, tx, productID)
		if err != nil {
			return err
		}

		prev := *inv
		if err := inv.AddStock(quantity); err != nil {
			return err
		}

		if err := updateInventoryRow(ctx, tx, inv); err != nil {
			return err
		}

		if err := insertMovement(ctx, tx, &models.StockMovement{
			ProductID:         productID,
			MovementType:      models.MovementAdd,
			Quantity:          quantity,
			PreviousAvailable: prev.Available,
			AfterAvailable:    inv.Available,
			PreviousReserved:  prev.Reserved,
			AfterReserved:     inv.Reserved,
			Reference:         actor,
			Reason:            reason,
			PerformedBy:       actor,
		}); err != nil {
			return err
		}

		result = *inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// lockInventoryRow takes the row-level exclusive lock for one product.
func lockInventoryRow(ctx context.Context, tx *sqlx.Tx, productID int64) (*models.Inventory, error) {
	var inv models.Inventory
	err := tx.GetContext(ctx, &inv,
		"SELECT product_id, available, reserved, total, updated_at FROM inventory WHERE product_id = $1 FOR UPDATE",
		productID)
	if err == sql.ErrNoRows {
		return nil, models.ErrInventoryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock inventory row %d: %w", productID, err)
	}
	return &inv, nil
}

func updateInventoryRow(ctx context.Context, tx *sqlx.Tx, inv *models.Inventory) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE inventory SET available = $1, reserved = $2, total = $3, updated_at = NOW() WHERE product_id = $4",
		inv.Available, inv.Reserved, inv.Total, inv.ProductID)
	if err != nil {
		return fmt.Errorf("failed to update inventory row %d: %w", inv.ProductID, err)
	}
	return nil
}

func insertMovement(ctx context.Context, tx *sqlx.Tx, m *models.StockMovement) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stock_movements
			(product_id, movement_type, quantity,
			 previous_available, after_available, previous_reserved, after_reserved,
			 reference, reason, performed_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ProductID, m.MovementType, m.Quantity,
		m.PreviousAvailable, m.AfterAvailable, m.PreviousReserved, m.AfterReserved,
		m.Reference, m.Reason, m.PerformedBy)
	if err != nil {
		return fmt.Errorf("failed to insert stock movement: %w", err)
	}
	return nil
}

// movementExists reports whether the ledger already has a row for the given
// (reference, type, product). Used for deduct/release idempotency.
func movementExists(ctx context.Context, tx *sqlx.Tx, reference, movementType string, productID int64) (bool, error) {
	var exists bool
	err := tx.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM stock_movements WHERE reference = $1 AND movement_type = $2 AND product_id = $3)",
		reference, movementType, productID)
	return exists, err
}
