package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"posledger/internal/domain"
	"posledger/internal/store"
)

// CreatePurchase records a goods receipt: one purchase row, one lot per
// item, and the cached inventory counters bumped, all in one transaction.
func (s *Store) CreatePurchase(ctx context.Context, purchase domain.Purchase) (*domain.Purchase, error) {
	if purchase.CompanyID == "" || purchase.SupplierID == "" || len(purchase.Items) == 0 {
		return nil, store.ErrInvalidRequest
	}
	for _, item := range purchase.Items {
		if !item.Quantity.IsPositive() {
			return nil, store.ErrInvalidQuantity
		}
		if item.UnitCost.IsNegative() {
			return nil, store.ErrInvalidRequest
		}
	}

	if purchase.ID == "" {
		purchase.ID = uuid.NewString()
	}
	if purchase.ReceivedAt.IsZero() {
		purchase.ReceivedAt = time.Now().UTC()
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	total := decimal.Zero
	for _, item := range purchase.Items {
		total = total.Add(item.UnitCost.Mul(item.Quantity))
	}
	purchase.Total = total

	_, err = tx.ExecContext(ctx, `
		INSERT INTO purchases (id, company_id, supplier_id, reference, total, received_by, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, purchase.ID, purchase.CompanyID, purchase.SupplierID, nullIfEmpty(purchase.Reference),
		purchase.Total, purchase.ReceivedBy, purchase.ReceivedAt)
	if err != nil {
		return nil, err
	}

	entryDate := dateOnlyUTC(purchase.ReceivedAt)
	for i := range purchase.Items {
		item := &purchase.Items[i]

		var lotTracked bool
		err := tx.QueryRowContext(ctx, `
			SELECT lot_tracked FROM products WHERE company_id = $1 AND id = $2 FOR UPDATE
		`, purchase.CompanyID, item.ProductID).Scan(&lotTracked)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.ErrNotFound
			}
			return nil, err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO purchase_items (id, purchase_id, product_id, quantity, unit_cost, expiration_date, label)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, uuid.NewString(), purchase.ID, item.ProductID, item.Quantity, item.UnitCost,
			nullDate(item.ExpirationDate), nullIfEmpty(item.Label))
		if err != nil {
			return nil, err
		}

		if lotTracked {
			item.LotID = uuid.NewString()
			_, err = tx.ExecContext(ctx, `
				INSERT INTO product_lots (id, company_id, product_id, supplier_id, purchase_id,
					quantity, remaining_quantity, unit_cost, entry_date, expiration_date, label)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			`, item.LotID, purchase.CompanyID, item.ProductID, purchase.SupplierID, purchase.ID,
				item.Quantity, item.Quantity, item.UnitCost, entryDate,
				nullDate(item.ExpirationDate), nullIfEmpty(item.Label))
			if err != nil {
				return nil, err
			}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE products SET inventory = inventory + $1 WHERE company_id = $2 AND id = $3
		`, item.Quantity, purchase.CompanyID, item.ProductID)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	created := purchase
	return &created, nil
}

func (s *Store) GetPurchase(ctx context.Context, companyID string, purchaseID string) (*domain.Purchase, error) {
	var purchase domain.Purchase
	err := s.db.QueryRowContext(ctx, `
		SELECT id, company_id, supplier_id, COALESCE(reference, ''), total, received_by, received_at
		FROM purchases
		WHERE company_id = $1 AND id = $2
	`, companyID, purchaseID).Scan(&purchase.ID, &purchase.CompanyID, &purchase.SupplierID,
		&purchase.Reference, &purchase.Total, &purchase.ReceivedBy, &purchase.ReceivedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT pi.product_id, pi.quantity, pi.unit_cost, pi.expiration_date, COALESCE(pi.label, ''), COALESCE(pl.id, '')
		FROM purchase_items pi
		LEFT JOIN product_lots pl ON pl.purchase_id = pi.purchase_id AND pl.product_id = pi.product_id
		WHERE pi.purchase_id = $1
	`, purchaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.PurchaseItem
		var expiry sql.NullTime
		if err := rows.Scan(&item.ProductID, &item.Quantity, &item.UnitCost, &expiry, &item.Label, &item.LotID); err != nil {
			return nil, err
		}
		if expiry.Valid {
			e := dateOnlyUTC(expiry.Time)
			item.ExpirationDate = &e
		}
		purchase.Items = append(purchase.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &purchase, nil
}

// ListPurchases returns purchase headers newest first. Items are not loaded.
func (s *Store) ListPurchases(ctx context.Context, companyID string, limit int) ([]domain.Purchase, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, company_id, supplier_id, COALESCE(reference, ''), total, received_by, received_at
		FROM purchases
		WHERE company_id = $1
		ORDER BY received_at DESC
		LIMIT $2
	`, companyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	purchases := make([]domain.Purchase, 0, limit)
	for rows.Next() {
		var purchase domain.Purchase
		if err := rows.Scan(&purchase.ID, &purchase.CompanyID, &purchase.SupplierID,
			&purchase.Reference, &purchase.Total, &purchase.ReceivedBy, &purchase.ReceivedAt); err != nil {
			return nil, err
		}
		purchases = append(purchases, purchase)
	}
	return purchases, rows.Err()
}

// ListLots returns a product's lots in consumption order.
func (s *Store) ListLots(ctx context.Context, companyID string, productID string, onlyAvailable bool) ([]domain.ProductLot, error) {
	query := `
		SELECT id, company_id, product_id, COALESCE(supplier_id, ''), COALESCE(purchase_id, ''),
			quantity, remaining_quantity, unit_cost, entry_date, expiration_date, COALESCE(label, ''), created_seq
		FROM product_lots
		WHERE company_id = $1 AND product_id = $2`
	if onlyAvailable {
		query += ` AND remaining_quantity > 0`
	}
	query += ` ORDER BY entry_date ASC, created_seq ASC`

	rows, err := s.db.QueryContext(ctx, query, companyID, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lots := make([]domain.ProductLot, 0, 16)
	for rows.Next() {
		var lot domain.ProductLot
		var expiry sql.NullTime
		if err := rows.Scan(&lot.ID, &lot.CompanyID, &lot.ProductID, &lot.SupplierID, &lot.PurchaseID,
			&lot.Quantity, &lot.Remaining, &lot.UnitCost, &lot.EntryDate, &expiry, &lot.Label, &lot.Seq); err != nil {
			return nil, err
		}
		if expiry.Valid {
			e := dateOnlyUTC(expiry.Time)
			lot.ExpirationDate = &e
		}
		lots = append(lots, lot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return lots, nil
}

func (s *Store) GetKardex(ctx context.Context, companyID string, productID string, at time.Time) (*domain.KardexReport, error) {
	product, err := s.GetProduct(ctx, companyID, productID)
	if err != nil {
		return nil, err
	}

	lots, err := s.ListLots(ctx, companyID, productID, false)
	if err != nil {
		return nil, err
	}

	today := dateOnlyUTC(at)
	report := domain.KardexReport{
		CompanyID:       companyID,
		ProductID:       productID,
		ProductName:     product.Name,
		CachedInventory: product.Inventory,
		LotRemainingSum: decimal.Zero,
		GeneratedAt:     at.UTC().Format(time.RFC3339),
	}
	for _, lot := range lots {
		report.LotRemainingSum = report.LotRemainingSum.Add(lot.Remaining)
		report.Entries = append(report.Entries, domain.KardexEntry{
			LotID:          lot.ID,
			Label:          lot.Label,
			EntryDate:      lot.EntryDate,
			ExpirationDate: lot.ExpirationDate,
			Expired:        lot.ExpiredAt(today),
			Quantity:       lot.Quantity,
			Remaining:      lot.Remaining,
			Consumed:       lot.Quantity.Sub(lot.Remaining),
			UnitCost:       lot.UnitCost,
		})
	}
	report.Divergence = report.CachedInventory.Sub(report.LotRemainingSum)

	return &report, nil
}
