package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"posledger/internal/domain"
	"posledger/internal/store"
)

// lockWait bounds how long a transaction blocks on a contended row before
// the store reports a concurrency conflict to the caller.
const lockWait = "3s"

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `SET LOCAL lock_timeout = '`+lockWait+`'`); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	return tx, nil
}

func (s *Store) CreateCompany(ctx context.Context, company domain.Company) (*domain.Company, error) {
	if company.Name == "" || company.TaxID == "" {
		return nil, store.ErrInvalidRequest
	}
	if company.ID == "" {
		company.ID = uuid.NewString()
	}
	if company.Currency == "" {
		company.Currency = "EUR"
	}
	if company.CreatedAt.IsZero() {
		company.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO companies (id, name, tax_id, regulated_invoicing, currency, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, company.ID, company.Name, company.TaxID, company.RegulatedInvoicing, company.Currency, company.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidRequest
		}
		return nil, err
	}

	created := company
	return &created, nil
}

func (s *Store) GetCompany(ctx context.Context, companyID string) (*domain.Company, error) {
	var company domain.Company
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, tax_id, regulated_invoicing, currency, created_at
		FROM companies
		WHERE id = $1
	`, companyID).Scan(&company.ID, &company.Name, &company.TaxID, &company.RegulatedInvoicing, &company.Currency, &company.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &company, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.CompanyID == "" || product.SKU == "" || product.Name == "" {
		return nil, store.ErrInvalidRequest
	}
	if product.Price.IsNegative() {
		return nil, store.ErrInvalidRequest
	}
	if product.ID == "" {
		product.ID = uuid.NewString()
	}
	if product.Unit == "" {
		product.Unit = domain.UnitPiece
	}
	product.Active = true
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, company_id, sku, name, price, unit, lot_tracked, inventory, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, product.ID, product.CompanyID, product.SKU, product.Name, product.Price, product.Unit,
		product.LotTracked, product.Inventory, product.Active, product.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidRequest
		}
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) GetProduct(ctx context.Context, companyID string, productID string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, company_id, sku, name, price, unit, lot_tracked, inventory, active, created_at
		FROM products
		WHERE company_id = $1 AND id = $2
	`, companyID, productID).Scan(&p.ID, &p.CompanyID, &p.SKU, &p.Name, &p.Price, &p.Unit, &p.LotTracked, &p.Inventory, &p.Active, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context, companyID string) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, company_id, sku, name, price, unit, lot_tracked, inventory, active, created_at
		FROM products
		WHERE company_id = $1 AND active = true
		ORDER BY name
	`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.CompanyID, &p.SKU, &p.Name, &p.Price, &p.Unit, &p.LotTracked, &p.Inventory, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) CreateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	if supplier.CompanyID == "" || supplier.Name == "" {
		return nil, store.ErrInvalidRequest
	}
	if supplier.ID == "" {
		supplier.ID = uuid.NewString()
	}
	if supplier.CreatedAt.IsZero() {
		supplier.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suppliers (id, company_id, name, tax_id, phone, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, supplier.ID, supplier.CompanyID, supplier.Name, nullIfEmpty(supplier.TaxID), nullIfEmpty(supplier.Phone), supplier.CreatedAt)
	if err != nil {
		return nil, err
	}

	created := supplier
	return &created, nil
}

func (s *Store) ListSuppliers(ctx context.Context, companyID string) ([]domain.Supplier, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, company_id, name, COALESCE(tax_id, ''), COALESCE(phone, ''), created_at
		FROM suppliers
		WHERE company_id = $1
		ORDER BY name
	`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	suppliers := make([]domain.Supplier, 0, 32)
	for rows.Next() {
		var sp domain.Supplier
		if err := rows.Scan(&sp.ID, &sp.CompanyID, &sp.Name, &sp.TaxID, &sp.Phone, &sp.CreatedAt); err != nil {
			return nil, err
		}
		suppliers = append(suppliers, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return suppliers, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) (*domain.UserAccount, error) {
	if user.CompanyID == "" || user.Username == "" || user.PasswordHash == "" {
		return nil, store.ErrInvalidRequest
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	user.Active = true
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (id, company_id, username, password_hash, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, user.ID, user.CompanyID, user.Username, user.PasswordHash, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidRequest
		}
		return nil, err
	}

	created := user
	return &created, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT id, company_id, username, password_hash, role, active, created_at
		FROM app_users
		WHERE username = $1
	`, username).Scan(&user.ID, &user.CompanyID, &user.Username, &user.PasswordHash, &user.Role, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// FindAuthorizer resolves a user able to approve supervised operations:
// same company, supervisor or admin, and still active.
func (s *Store) FindAuthorizer(ctx context.Context, companyID string, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT id, company_id, username, password_hash, role, active, created_at
		FROM app_users
		WHERE company_id = $1 AND username = $2 AND active = true AND role IN ($3, $4)
	`, companyID, username, domain.RoleSupervisor, domain.RoleAdmin).Scan(
		&user.ID, &user.CompanyID, &user.Username, &user.PasswordHash, &user.Role, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrUnauthorized
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, company_id, actor_name, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.CompanyID, entry.ActorName, entry.ActorRole, entry.Action, entry.EntityType, nullIfEmpty(entry.EntityID), nullIfEmpty(entry.Detail), entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, companyID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, company_id, actor_name, actor_role, action, entity_type, COALESCE(entity_id, ''), COALESCE(detail, ''), created_at
		FROM audit_logs
		WHERE company_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, companyID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.CompanyID, &entry.ActorName, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return logs, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isUniqueViolationOn(err error, constraintPart string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && strings.Contains(pgErr.ConstraintName, constraintPart)
	}
	return false
}

// isRetryableConflict reports whether a statement lost a row-lock race,
// either by timing out on the lock wait (55P03) or by being picked as the
// deadlock victim (40P01). Both clear on retry.
func isRetryableConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "55P03" || pgErr.Code == "40P01"
	}
	return false
}

func dateOnlyUTC(t time.Time) time.Time {
	return time.Date(t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), 0, 0, 0, 0, time.UTC)
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullDate(val *time.Time) any {
	if val == nil {
		return nil
	}
	return dateOnlyUTC(*val)
}

