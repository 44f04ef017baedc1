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

const drawerColumns = `id, company_id, operator_id, day, initial_amount, sales_total, returns_total,
	expenses_total, current_amount, is_closed, closed_at, counted_amount, discrepancy, COALESCE(notes, ''), opened_at`

func scanDrawer(row interface{ Scan(...any) error }) (*domain.CashDrawer, error) {
	var d domain.CashDrawer
	var day time.Time
	var closedAt sql.NullTime
	err := row.Scan(&d.ID, &d.CompanyID, &d.OperatorID, &day, &d.InitialAmount, &d.SalesTotal,
		&d.ReturnsTotal, &d.ExpensesTotal, &d.CurrentAmount, &d.Closed, &closedAt,
		&d.CountedAmount, &d.Discrepancy, &d.Notes, &d.OpenedAt)
	if err != nil {
		return nil, err
	}
	d.Date = domain.DrawerDate(day)
	if closedAt.Valid {
		t := closedAt.Time
		d.ClosedAt = &t
	}
	return &d, nil
}

// OpenDrawer starts or restarts the operator's drawer for the day. An
// already open drawer is returned untouched; a closed same-day drawer is
// reopened with fresh totals and the new float.
func (s *Store) OpenDrawer(ctx context.Context, companyID string, operatorID string, initial decimal.Decimal, at time.Time) (*domain.CashDrawer, error) {
	if companyID == "" || operatorID == "" {
		return nil, store.ErrInvalidRequest
	}
	if initial.IsNegative() {
		return nil, store.ErrInvalidRequest
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	day := dateOnlyUTC(at)
	existing, err := scanDrawer(tx.QueryRowContext(ctx, `
		SELECT `+drawerColumns+`
		FROM cash_drawers
		WHERE company_id = $1 AND operator_id = $2 AND day = $3
		FOR UPDATE
	`, companyID, operatorID, day))
	switch {
	case err == nil:
		if !existing.Closed {
			return existing, nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE cash_drawers
			SET initial_amount = $2, sales_total = 0, returns_total = 0, expenses_total = 0,
				current_amount = $2, is_closed = false, closed_at = NULL,
				counted_amount = 0, discrepancy = 0, notes = NULL, opened_at = $3
			WHERE id = $1
		`, existing.ID, initial, at.UTC())
		if err != nil {
			return nil, err
		}
		existing.InitialAmount = initial
		existing.SalesTotal = decimal.Zero
		existing.ReturnsTotal = decimal.Zero
		existing.ExpensesTotal = decimal.Zero
		existing.CurrentAmount = initial
		existing.Closed = false
		existing.ClosedAt = nil
		existing.CountedAmount = decimal.Zero
		existing.Discrepancy = decimal.Zero
		existing.Notes = ""
		existing.OpenedAt = at.UTC()
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return existing, nil
	case errors.Is(err, sql.ErrNoRows):
		// fresh drawer below
	case isRetryableConflict(err):
		return nil, store.ErrConcurrencyConflict
	default:
		return nil, err
	}

	drawer := domain.CashDrawer{
		ID:            uuid.NewString(),
		CompanyID:     companyID,
		OperatorID:    operatorID,
		Date:          domain.DrawerDate(day),
		InitialAmount: initial,
		SalesTotal:    decimal.Zero,
		ReturnsTotal:  decimal.Zero,
		ExpensesTotal: decimal.Zero,
		CurrentAmount: initial,
		CountedAmount: decimal.Zero,
		Discrepancy:   decimal.Zero,
		OpenedAt:      at.UTC(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO cash_drawers (id, company_id, operator_id, day, initial_amount, sales_total,
			returns_total, expenses_total, current_amount, is_closed, counted_amount, discrepancy, opened_at)
		VALUES ($1,$2,$3,$4,$5,0,0,0,$5,false,0,0,$6)
	`, drawer.ID, companyID, operatorID, day, initial, drawer.OpenedAt)
	if err != nil {
		if isUniqueViolation(err) {
			// Another open for the same operator and day won the insert
			// race; return that drawer, matching the already-open path.
			_ = tx.Rollback()
			winner, rerr := scanDrawer(s.db.QueryRowContext(ctx, `
				SELECT `+drawerColumns+`
				FROM cash_drawers
				WHERE company_id = $1 AND operator_id = $2 AND day = $3
			`, companyID, operatorID, day))
			if rerr == nil && !winner.Closed {
				return winner, nil
			}
			return nil, store.ErrConcurrencyConflict
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &drawer, nil
}

func (s *Store) GetOpenDrawer(ctx context.Context, companyID string, operatorID string, date string) (*domain.CashDrawer, error) {
	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return nil, store.ErrInvalidRequest
	}

	drawer, err := scanDrawer(s.db.QueryRowContext(ctx, `
		SELECT `+drawerColumns+`
		FROM cash_drawers
		WHERE company_id = $1 AND operator_id = $2 AND day = $3 AND is_closed = false
	`, companyID, operatorID, day))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrDrawerNotOpen
		}
		return nil, err
	}
	return drawer, nil
}

// lockOpenDrawer fetches the operator's open drawer for the day with the
// row locked, or nil when no drawer is open.
func lockOpenDrawer(ctx context.Context, tx *sql.Tx, companyID string, operatorID string, at time.Time) (*domain.CashDrawer, error) {
	drawer, err := scanDrawer(tx.QueryRowContext(ctx, `
		SELECT `+drawerColumns+`
		FROM cash_drawers
		WHERE company_id = $1 AND operator_id = $2 AND day = $3 AND is_closed = false
		FOR UPDATE
	`, companyID, operatorID, dateOnlyUTC(at)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if isRetryableConflict(err) {
			return nil, store.ErrConcurrencyConflict
		}
		return nil, err
	}
	return drawer, nil
}

// creditDrawerSale adds a completed sale's total to the operator's open
// drawer. Sales complete without a drawer; a nil drawer is not an error.
func creditDrawerSale(ctx context.Context, tx *sql.Tx, companyID string, operatorID string, amount decimal.Decimal, at time.Time) (*domain.CashDrawer, error) {
	drawer, err := lockOpenDrawer(ctx, tx, companyID, operatorID, at)
	if err != nil || drawer == nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE cash_drawers
		SET sales_total = sales_total + $2, current_amount = current_amount + $2
		WHERE id = $1
	`, drawer.ID, amount)
	if err != nil {
		return nil, err
	}
	drawer.SalesTotal = drawer.SalesTotal.Add(amount)
	drawer.CurrentAmount = drawer.CurrentAmount.Add(amount)
	return drawer, nil
}

func debitDrawerReturn(ctx context.Context, tx *sql.Tx, companyID string, operatorID string, amount decimal.Decimal, at time.Time) (*domain.CashDrawer, error) {
	drawer, err := lockOpenDrawer(ctx, tx, companyID, operatorID, at)
	if err != nil || drawer == nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE cash_drawers
		SET returns_total = returns_total + $2, current_amount = current_amount - $2
		WHERE id = $1
	`, drawer.ID, amount)
	if err != nil {
		return nil, err
	}
	drawer.ReturnsTotal = drawer.ReturnsTotal.Add(amount)
	drawer.CurrentAmount = drawer.CurrentAmount.Sub(amount)
	return drawer, nil
}

func (s *Store) RecordExpense(ctx context.Context, companyID string, operatorID string, expense domain.Expense, at time.Time) (*domain.Expense, *domain.CashDrawer, error) {
	if expense.Description == "" {
		return nil, nil, store.ErrInvalidRequest
	}
	if !expense.Amount.IsPositive() {
		return nil, nil, store.ErrInvalidQuantity
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	drawer, err := lockOpenDrawer(ctx, tx, companyID, operatorID, at)
	if err != nil {
		return nil, nil, err
	}
	if drawer == nil {
		return nil, nil, store.ErrDrawerNotOpen
	}

	if expense.ID == "" {
		expense.ID = uuid.NewString()
	}
	expense.DrawerID = drawer.ID
	expense.CreatedAt = at.UTC()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO expenses (id, drawer_id, description, amount, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, expense.ID, expense.DrawerID, expense.Description, expense.Amount, expense.CreatedAt)
	if err != nil {
		return nil, nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE cash_drawers
		SET expenses_total = expenses_total + $2, current_amount = current_amount - $2
		WHERE id = $1
	`, drawer.ID, expense.Amount)
	if err != nil {
		return nil, nil, err
	}
	drawer.ExpensesTotal = drawer.ExpensesTotal.Add(expense.Amount)
	drawer.CurrentAmount = drawer.CurrentAmount.Sub(expense.Amount)

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}

	created := expense
	return &created, drawer, nil
}

func (s *Store) CloseDrawer(ctx context.Context, companyID string, operatorID string, counted decimal.Decimal, notes string, at time.Time) (*domain.CashDrawer, error) {
	if counted.IsNegative() {
		return nil, store.ErrInvalidRequest
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	drawer, err := lockOpenDrawer(ctx, tx, companyID, operatorID, at)
	if err != nil {
		return nil, err
	}
	if drawer == nil {
		return nil, store.ErrDrawerNotOpen
	}

	closedAt := at.UTC()
	discrepancy := counted.Sub(drawer.CurrentAmount)
	_, err = tx.ExecContext(ctx, `
		UPDATE cash_drawers
		SET is_closed = true, closed_at = $2, counted_amount = $3, discrepancy = $4, notes = $5
		WHERE id = $1
	`, drawer.ID, closedAt, counted, discrepancy, nullIfEmpty(notes))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	drawer.Closed = true
	drawer.ClosedAt = &closedAt
	drawer.CountedAmount = counted
	drawer.Discrepancy = discrepancy
	drawer.Notes = notes
	return drawer, nil
}

func (s *Store) GetDailySummary(ctx context.Context, companyID string, date string) (*domain.DailySummary, error) {
	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return nil, store.ErrInvalidRequest
	}
	from := day
	to := day.AddDate(0, 0, 1)

	summary := domain.DailySummary{CompanyID: companyID, Date: date}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(final_total), 0)
		FROM sales
		WHERE company_id = $1 AND created_at >= $2 AND created_at < $3
	`, companyID, from, to).Scan(&summary.SalesCount, &summary.SalesTotal)
	if err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total), 0)
		FROM credit_notes
		WHERE company_id = $1 AND created_at >= $2 AND created_at < $3
	`, companyID, from, to).Scan(&summary.ReturnsCount, &summary.ReturnsTotal)
	if err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(e.amount), 0)
		FROM expenses e
		JOIN cash_drawers d ON d.id = e.drawer_id
		WHERE d.company_id = $1 AND e.created_at >= $2 AND e.created_at < $3
	`, companyID, from, to).Scan(&summary.ExpensesTotal)
	if err != nil {
		return nil, err
	}

	summary.NetTotal = summary.SalesTotal.Sub(summary.ReturnsTotal).Sub(summary.ExpensesTotal)
	return &summary, nil
}
