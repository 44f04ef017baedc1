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

func (s *Store) CreateCreditNote(ctx context.Context, note domain.CreditNote, returnAll bool, lines []domain.ReturnLineRequest, at time.Time) (*store.ReturnOutcome, error) {
	if note.CompanyID == "" || note.SaleID == "" || note.OperatorID == "" || note.AuthorizedBy == "" {
		return nil, store.ErrInvalidRequest
	}
	if !returnAll && len(lines) == 0 {
		return nil, store.ErrInvalidRequest
	}

	var lastErr error
	for attempt := 0; attempt < saleRetries; attempt++ {
		outcome, err := s.createCreditNoteTx(ctx, note, returnAll, lines, at)
		if err == nil {
			return outcome, nil
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

func (s *Store) createCreditNoteTx(ctx context.Context, note domain.CreditNote, returnAll bool, lines []domain.ReturnLineRequest, at time.Time) (*store.ReturnOutcome, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var regulated bool
	err = tx.QueryRowContext(ctx, `
		SELECT regulated_invoicing FROM companies WHERE id = $1
	`, note.CompanyID).Scan(&regulated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	// Lock the sale row so overlapping returns against the same sale
	// serialize and cannot both see the same returnable quantities.
	var saleID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM sales WHERE company_id = $1 AND id = $2 FOR UPDATE
	`, note.CompanyID, note.SaleID).Scan(&saleID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		if isRetryableConflict(err) {
			return nil, store.ErrConcurrencyConflict
		}
		return nil, err
	}

	items, err := loadSaleItemsTx(ctx, tx, note.SaleID)
	if err != nil {
		return nil, err
	}
	itemsByID := make(map[string]*domain.SaleItem, len(items))
	for i := range items {
		itemsByID[items[i].ID] = &items[i]
	}

	returnedByItem, err := returnedQuantities(ctx, tx, note.SaleID)
	if err != nil {
		return nil, err
	}

	if returnAll {
		lines = lines[:0]
		for i := range items {
			returnable := items[i].Quantity.Sub(returnedByItem[items[i].ID])
			if returnable.IsPositive() {
				lines = append(lines, domain.ReturnLineRequest{SaleItemID: items[i].ID, Quantity: returnable})
			}
		}
		if len(lines) == 0 {
			return nil, store.ErrInvalidQuantity
		}
	}

	if note.ID == "" {
		note.ID = uuid.NewString()
	}
	note.CreatedAt = at.UTC()
	note.Items = nil

	total := decimal.Zero
	for _, line := range lines {
		item, ok := itemsByID[line.SaleItemID]
		if !ok {
			return nil, store.ErrNotFound
		}
		if !line.Quantity.IsPositive() {
			return nil, store.ErrInvalidQuantity
		}
		already := returnedByItem[item.ID]
		returnable := item.Quantity.Sub(already)
		if line.Quantity.GreaterThan(returnable) {
			return nil, store.ErrInvalidQuantity
		}

		if len(item.Consumptions) > 0 {
			if err := restockConsumptions(ctx, tx, item, line.Quantity); err != nil {
				return nil, err
			}
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE products SET inventory = inventory + $1 WHERE company_id = $2 AND id = $3
		`, line.Quantity, note.CompanyID, item.ProductID)
		if err != nil {
			return nil, err
		}

		// Refund pro rata against the cumulative returned quantity so the
		// refunds for a fully returned line sum exactly to its subtotal.
		after := already.Add(line.Quantity)
		amount := item.Subtotal.Mul(after).Div(item.Quantity).Round(2).
			Sub(item.Subtotal.Mul(already).Div(item.Quantity).Round(2))
		returnedByItem[item.ID] = after
		total = total.Add(amount)
		note.Items = append(note.Items, domain.CreditNoteItem{
			SaleItemID: item.ID,
			ProductID:  item.ProductID,
			Quantity:   line.Quantity,
			Amount:     amount,
		})
	}
	note.Total = total

	if regulated {
		note.Number, err = allocateRangeNumber(ctx, tx, note.CompanyID, domain.DocTypeCreditNote, at)
	} else {
		note.Number, err = allocateTicketNumber(ctx, tx, note.CompanyID, domain.DocTypeCreditNote, at)
	}
	if err != nil {
		return nil, err
	}

	drawer, err := debitDrawerReturn(ctx, tx, note.CompanyID, note.OperatorID, note.Total, at)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_notes (id, company_id, sale_id, number, total, reason, operator_id, authorized_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, note.ID, note.CompanyID, note.SaleID, note.Number, note.Total, nullIfEmpty(note.Reason),
		note.OperatorID, note.AuthorizedBy, note.CreatedAt)
	if err != nil {
		return nil, err
	}
	for _, item := range note.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO credit_note_items (id, credit_note_id, sale_item_id, product_id, quantity, amount)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, uuid.NewString(), note.ID, item.SaleItemID, item.ProductID, item.Quantity, item.Amount)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	created := note
	return &store.ReturnOutcome{CreditNote: &created, Drawer: drawer}, nil
}

// restockConsumptions puts returned quantity back into the exact lots the
// sale drained, newest consumption first. A consumption whose lot row has
// vanished is a data integrity fault and fails the whole return.
func restockConsumptions(ctx context.Context, tx *sql.Tx, item *domain.SaleItem, qty decimal.Decimal) error {
	remaining := qty
	for i := len(item.Consumptions) - 1; i >= 0 && remaining.IsPositive(); i-- {
		c := &item.Consumptions[i]
		capacity := c.QuantityTaken.Sub(c.ReturnedQuantity)
		if !capacity.IsPositive() {
			continue
		}
		back := remaining
		if back.GreaterThan(capacity) {
			back = capacity
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE product_lots SET remaining_quantity = remaining_quantity + $1 WHERE id = $2
		`, back, c.LotID)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("restock lot %s for sale item %s: %w", c.LotID, item.ID, store.ErrNotFound)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE sale_item_lot_consumptions SET returned_quantity = returned_quantity + $1 WHERE id = $2
		`, back, c.ID)
		if err != nil {
			return err
		}
		c.ReturnedQuantity = c.ReturnedQuantity.Add(back)
		remaining = remaining.Sub(back)
	}
	if remaining.IsPositive() {
		return store.ErrInvalidQuantity
	}
	return nil
}

func loadSaleItemsTx(ctx context.Context, tx *sql.Tx, saleID string) ([]domain.SaleItem, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, sale_id, product_id, quantity, unit_price, discount_percent, subtotal
		FROM sale_items
		WHERE sale_id = $1
	`, saleID)
	if err != nil {
		return nil, err
	}
	items := make([]domain.SaleItem, 0, 8)
	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(&item.ID, &item.SaleID, &item.ProductID, &item.Quantity, &item.UnitPrice, &item.DiscountPercent, &item.Subtotal); err != nil {
			_ = rows.Close()
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range items {
		consRows, err := tx.QueryContext(ctx, `
			SELECT id, sale_item_id, lot_id, quantity_taken, unit_cost_at_time, returned_quantity
			FROM sale_item_lot_consumptions
			WHERE sale_item_id = $1
			ORDER BY id
			FOR UPDATE
		`, items[i].ID)
		if err != nil {
			if isRetryableConflict(err) {
				return nil, store.ErrConcurrencyConflict
			}
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

func returnedQuantities(ctx context.Context, tx *sql.Tx, saleID string) (map[string]decimal.Decimal, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT cni.sale_item_id, COALESCE(SUM(cni.quantity), 0)
		FROM credit_note_items cni
		JOIN credit_notes cn ON cn.id = cni.credit_note_id
		WHERE cn.sale_id = $1
		GROUP BY cni.sale_item_id
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	returned := make(map[string]decimal.Decimal)
	for rows.Next() {
		var itemID string
		var qty decimal.Decimal
		if err := rows.Scan(&itemID, &qty); err != nil {
			return nil, err
		}
		returned[itemID] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return returned, nil
}

func (s *Store) GetCreditNote(ctx context.Context, companyID string, noteID string) (*domain.CreditNote, error) {
	var note domain.CreditNote
	err := s.db.QueryRowContext(ctx, `
		SELECT id, company_id, sale_id, number, total, COALESCE(reason, ''), operator_id, authorized_by, created_at
		FROM credit_notes
		WHERE company_id = $1 AND id = $2
	`, companyID, noteID).Scan(&note.ID, &note.CompanyID, &note.SaleID, &note.Number, &note.Total,
		&note.Reason, &note.OperatorID, &note.AuthorizedBy, &note.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sale_item_id, product_id, quantity, amount
		FROM credit_note_items
		WHERE credit_note_id = $1
	`, noteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.CreditNoteItem
		if err := rows.Scan(&item.SaleItemID, &item.ProductID, &item.Quantity, &item.Amount); err != nil {
			return nil, err
		}
		note.Items = append(note.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &note, nil
}
