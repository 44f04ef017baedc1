package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"posledger/internal/domain"
	"posledger/internal/store"
)

// saleRetries bounds re-runs of the whole sale transaction when the
// document number it allocated loses a commit race.
const saleRetries = 3

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale, at time.Time) (*store.SaleOutcome, error) {
	if sale.CompanyID == "" || sale.OperatorID == "" || len(sale.Items) == 0 {
		return nil, store.ErrInvalidRequest
	}
	for _, item := range sale.Items {
		if !item.Quantity.IsPositive() {
			return nil, store.ErrInvalidQuantity
		}
	}
	if sale.DiscountTotal.IsNegative() || sale.TaxTotal.IsNegative() {
		return nil, store.ErrInvalidRequest
	}

	var lastErr error
	for attempt := 0; attempt < saleRetries; attempt++ {
		outcome, err := s.createSaleTx(ctx, sale, at)
		if err == nil {
			return outcome, nil
		}
		if isUniqueViolationOn(err, "idempotency") {
			existing, lookupErr := s.FindSaleByIdempotencyKey(ctx, sale.CompanyID, sale.IdempotencyKey)
			if lookupErr == nil {
				existing.Duplicate = true
				return &store.SaleOutcome{Sale: existing}, nil
			}
			return nil, err
		}
		if isUniqueViolationOn(err, "number") || isRetryableConflict(err) || errors.Is(err, store.ErrConcurrencyConflict) {
			lastErr = err
			continue
		}
		return nil, err
	}
	if lastErr != nil && !errors.Is(lastErr, store.ErrConcurrencyConflict) {
		lastErr = fmt.Errorf("%w: %v", store.ErrConcurrencyConflict, lastErr)
	}
	return nil, lastErr
}

func (s *Store) createSaleTx(ctx context.Context, sale domain.Sale, at time.Time) (*store.SaleOutcome, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var regulated bool
	err = tx.QueryRowContext(ctx, `
		SELECT regulated_invoicing FROM companies WHERE id = $1
	`, sale.CompanyID).Scan(&regulated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	if sale.ID == "" {
		sale.ID = uuid.NewString()
	}
	sale.CreatedAt = at.UTC()
	sale.Warnings = nil
	today := dateOnlyUTC(at)

	subtotal := decimal.Zero
	for i := range sale.Items {
		item := &sale.Items[i]
		item.ID = uuid.NewString()
		item.SaleID = sale.ID
		item.Consumptions = nil

		var (
			name       string
			price      decimal.Decimal
			lotTracked bool
			cached     decimal.Decimal
			active     bool
		)
		err := tx.QueryRowContext(ctx, `
			SELECT name, price, lot_tracked, inventory, active
			FROM products
			WHERE company_id = $1 AND id = $2
			FOR UPDATE
		`, sale.CompanyID, item.ProductID).Scan(&name, &price, &lotTracked, &cached, &active)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.ErrNotFound
			}
			if isRetryableConflict(err) {
				return nil, store.ErrConcurrencyConflict
			}
			return nil, err
		}
		if !active {
			return nil, store.ErrInvalidRequest
		}
		if item.UnitPrice.IsZero() {
			item.UnitPrice = price
		}
		if item.DiscountPercent.IsNegative() || item.DiscountPercent.GreaterThan(decimal.NewFromInt(100)) {
			return nil, store.ErrInvalidRequest
		}

		if lotTracked {
			warnings, err := consumeLots(ctx, tx, sale.CompanyID, item, today)
			if err != nil {
				return nil, err
			}
			for _, w := range warnings {
				sale.Warnings = append(sale.Warnings, fmt.Sprintf("%s: %s", name, w))
			}
		} else if cached.LessThan(item.Quantity) {
			return nil, store.ErrInsufficientInventory
		}

		// The cached counter never goes negative even if it has drifted
		// below the lot remainders.
		_, err = tx.ExecContext(ctx, `
			UPDATE products SET inventory = GREATEST(inventory - $1, 0)
			WHERE company_id = $2 AND id = $3
		`, item.Quantity, sale.CompanyID, item.ProductID)
		if err != nil {
			return nil, err
		}

		gross := item.UnitPrice.Mul(item.Quantity)
		discount := gross.Mul(item.DiscountPercent).Div(decimal.NewFromInt(100))
		item.Subtotal = gross.Sub(discount).Round(2)
		subtotal = subtotal.Add(item.Subtotal)
	}

	sale.Subtotal = subtotal
	if sale.DiscountTotal.GreaterThan(subtotal) {
		return nil, store.ErrInvalidRequest
	}
	sale.FinalTotal = subtotal.Sub(sale.DiscountTotal).Add(sale.TaxTotal).Round(2)

	if regulated {
		sale.DocumentType = domain.DocTypeInvoice
		sale.SubmissionStatus = domain.SubmissionPending
		sale.SaleNumber, err = allocateRangeNumber(ctx, tx, sale.CompanyID, domain.DocTypeInvoice, at)
	} else {
		sale.DocumentType = domain.DocTypeTicket
		sale.SubmissionStatus = domain.SubmissionNotRequired
		sale.SaleNumber, err = allocateTicketNumber(ctx, tx, sale.CompanyID, domain.DocTypeTicket, at)
	}
	if err != nil {
		return nil, err
	}

	drawer, err := creditDrawerSale(ctx, tx, sale.CompanyID, sale.OperatorID, sale.FinalTotal, at)
	if err != nil {
		return nil, err
	}
	if drawer != nil {
		sale.DrawerID = drawer.ID
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (id, company_id, operator_id, customer_name, sale_number, document_type,
			subtotal, discount_total, tax_total, final_total, drawer_id, idempotency_key,
			submission_status, submission_error, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, sale.ID, sale.CompanyID, sale.OperatorID, nullIfEmpty(sale.CustomerName), sale.SaleNumber,
		sale.DocumentType, sale.Subtotal, sale.DiscountTotal, sale.TaxTotal, sale.FinalTotal,
		nullIfEmpty(sale.DrawerID), nullIfEmpty(sale.IdempotencyKey),
		sale.SubmissionStatus, nullIfEmpty(sale.SubmissionError), sale.CreatedAt)
	if err != nil {
		return nil, err
	}

	for _, item := range sale.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sale_items (id, sale_id, product_id, quantity, unit_price, discount_percent, subtotal)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, item.ID, item.SaleID, item.ProductID, item.Quantity, item.UnitPrice, item.DiscountPercent, item.Subtotal)
		if err != nil {
			return nil, err
		}
		for _, c := range item.Consumptions {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO sale_item_lot_consumptions (id, sale_item_id, lot_id, quantity_taken, unit_cost_at_time, returned_quantity)
				VALUES ($1,$2,$3,$4,$5,$6)
			`, c.ID, c.SaleItemID, c.LotID, c.QuantityTaken, c.UnitCostAtTime, c.ReturnedQuantity)
			if err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	created := sale
	return &store.SaleOutcome{Sale: &created, Drawer: drawer}, nil
}

// consumeLots walks the product's lots oldest first and drains them into
// consumption rows on the sale item. Expired lots still count toward
// availability and are consumed in order; each one drained produces a
// warning for the caller to surface.
func consumeLots(ctx context.Context, tx *sql.Tx, companyID string, item *domain.SaleItem, today time.Time) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, remaining_quantity, unit_cost, expiration_date, COALESCE(label, '')
		FROM product_lots
		WHERE company_id = $1 AND product_id = $2 AND remaining_quantity > 0
		ORDER BY entry_date ASC, created_seq ASC
		FOR UPDATE
	`, companyID, item.ProductID)
	if err != nil {
		if isRetryableConflict(err) {
			return nil, store.ErrConcurrencyConflict
		}
		return nil, err
	}

	type lotState struct {
		id        string
		remaining decimal.Decimal
		unitCost  decimal.Decimal
		expiry    *time.Time
		label     string
	}
	lots := make([]lotState, 0, 8)
	available := decimal.Zero
	for rows.Next() {
		var lot lotState
		var expiry sql.NullTime
		if err := rows.Scan(&lot.id, &lot.remaining, &lot.unitCost, &expiry, &lot.label); err != nil {
			_ = rows.Close()
			return nil, err
		}
		if expiry.Valid {
			e := dateOnlyUTC(expiry.Time)
			lot.expiry = &e
		}
		available = available.Add(lot.remaining)
		lots = append(lots, lot)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if available.LessThan(item.Quantity) {
		return nil, store.ErrInsufficientInventory
	}

	var warnings []string
	needed := item.Quantity
	for _, lot := range lots {
		if !needed.IsPositive() {
			break
		}
		take := needed
		if take.GreaterThan(lot.remaining) {
			take = lot.remaining
		}

		_, err := tx.ExecContext(ctx, `
			UPDATE product_lots SET remaining_quantity = remaining_quantity - $1 WHERE id = $2
		`, take, lot.id)
		if err != nil {
			return nil, err
		}

		item.Consumptions = append(item.Consumptions, domain.LotConsumption{
			ID:             uuid.NewString(),
			SaleItemID:     item.ID,
			LotID:          lot.id,
			QuantityTaken:  take,
			UnitCostAtTime: lot.unitCost,
		})
		if lot.expiry != nil && lot.expiry.Before(today) {
			label := lot.label
			if label == "" {
				label = lot.id
			}
			warnings = append(warnings, fmt.Sprintf("consumed %s from expired lot %s", take.String(), label))
		}
		needed = needed.Sub(take)
	}

	return warnings, nil
}

func (s *Store) GetSale(ctx context.Context, companyID string, saleID string) (*domain.Sale, error) {
	return s.findSale(ctx, `company_id = $1 AND id = $2`, companyID, saleID)
}

func (s *Store) FindSaleByIdempotencyKey(ctx context.Context, companyID string, key string) (*domain.Sale, error) {
	if key == "" {
		return nil, store.ErrNotFound
	}
	return s.findSale(ctx, `company_id = $1 AND idempotency_key = $2`, companyID, key)
}

func (s *Store) findSale(ctx context.Context, where string, args ...any) (*domain.Sale, error) {
	var sale domain.Sale
	err := s.db.QueryRowContext(ctx, `
		SELECT id, company_id, operator_id, COALESCE(customer_name, ''), sale_number, document_type,
			subtotal, discount_total, tax_total, final_total, COALESCE(drawer_id, ''),
			COALESCE(idempotency_key, ''), submission_status, COALESCE(submission_error, ''), created_at
		FROM sales
		WHERE `+where, args...).Scan(
		&sale.ID, &sale.CompanyID, &sale.OperatorID, &sale.CustomerName, &sale.SaleNumber,
		&sale.DocumentType, &sale.Subtotal, &sale.DiscountTotal, &sale.TaxTotal, &sale.FinalTotal,
		&sale.DrawerID, &sale.IdempotencyKey, &sale.SubmissionStatus, &sale.SubmissionError, &sale.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	items, err := s.loadSaleItems(ctx, sale.ID)
	if err != nil {
		return nil, err
	}
	sale.Items = items

	return &sale, nil
}

// ListSales returns sale headers newest first, optionally limited to one
// calendar day. Items and consumptions are not loaded.
func (s *Store) ListSales(ctx context.Context, companyID string, date string, limit int) ([]domain.Sale, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}

	where := `company_id = $1`
	args := []any{companyID}
	if date != "" {
		day, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, fmt.Errorf("%w: date %q", store.ErrInvalidRequest, date)
		}
		where += ` AND created_at >= $2 AND created_at < $3`
		args = append(args, day, day.AddDate(0, 0, 1))
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, company_id, operator_id, COALESCE(customer_name, ''), sale_number, document_type,
			subtotal, discount_total, tax_total, final_total, COALESCE(drawer_id, ''),
			COALESCE(idempotency_key, ''), submission_status, COALESCE(submission_error, ''), created_at
		FROM sales
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d`, where, len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	for rows.Next() {
		var sale domain.Sale
		if err := rows.Scan(
			&sale.ID, &sale.CompanyID, &sale.OperatorID, &sale.CustomerName, &sale.SaleNumber,
			&sale.DocumentType, &sale.Subtotal, &sale.DiscountTotal, &sale.TaxTotal, &sale.FinalTotal,
			&sale.DrawerID, &sale.IdempotencyKey, &sale.SubmissionStatus, &sale.SubmissionError, &sale.CreatedAt); err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	return sales, rows.Err()
}

func (s *Store) loadSaleItems(ctx context.Context, saleID string) ([]domain.SaleItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, product_id, quantity, unit_price, discount_percent, subtotal
		FROM sale_items
		WHERE sale_id = $1
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.SaleItem, 0, 8)
	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(&item.ID, &item.SaleID, &item.ProductID, &item.Quantity, &item.UnitPrice, &item.DiscountPercent, &item.Subtotal); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range items {
		consRows, err := s.db.QueryContext(ctx, `
			SELECT id, sale_item_id, lot_id, quantity_taken, unit_cost_at_time, returned_quantity
			FROM sale_item_lot_consumptions
			WHERE sale_item_id = $1
		`, items[i].ID)
		if err != nil {
			return nil, err
		}
		for consRows.Next() {
			var c domain.LotConsumption
			if err := consRows.Scan(&c.ID, &c.SaleItemID, &c.LotID, &c.QuantityTaken, &c.UnitCostAtTime, &c.ReturnedQuantity); err != nil {
				_ = consRows.Close()
				return nil, err
			}
			items[i].Consumptions = append(items[i].Consumptions, c)
		}
		if err := consRows.Err(); err != nil {
			_ = consRows.Close()
			return nil, err
		}
		_ = consRows.Close()
	}

	return items, nil
}

func (s *Store) UpdateSaleSubmission(ctx context.Context, saleID string, status string, submissionErr string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sales SET submission_status = $2, submission_error = $3 WHERE id = $1
	`, saleID, status, nullIfEmpty(submissionErr))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}
