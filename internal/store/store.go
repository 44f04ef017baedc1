package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"posledger/internal/domain"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrInvalidQuantity       = errors.New("invalid quantity")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrNoActiveRange         = errors.New("no active numbering range")
	ErrRangeExhausted        = errors.New("numbering range exhausted")
	ErrDrawerNotOpen         = errors.New("cash drawer not open")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrConcurrencyConflict   = errors.New("concurrency conflict")
)

// SaleOutcome is everything a sale transaction decides atomically: the
// persisted sale with its lot consumptions, and the drawer credited when
// the operator had one open.
type SaleOutcome struct {
	Sale   *domain.Sale
	Drawer *domain.CashDrawer
}

// ReturnOutcome pairs the credit note with the drawer it debited, if any.
type ReturnOutcome struct {
	CreditNote *domain.CreditNote
	Drawer     *domain.CashDrawer
}

type Repository interface {
	// Companies and catalog.
	CreateCompany(ctx context.Context, company domain.Company) (*domain.Company, error)
	GetCompany(ctx context.Context, companyID string) (*domain.Company, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProduct(ctx context.Context, companyID string, productID string) (*domain.Product, error)
	ListProducts(ctx context.Context, companyID string) ([]domain.Product, error)
	CreateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error)
	ListSuppliers(ctx context.Context, companyID string) ([]domain.Supplier, error)

	// Inventory lots and purchases.
	CreatePurchase(ctx context.Context, purchase domain.Purchase) (*domain.Purchase, error)
	GetPurchase(ctx context.Context, companyID string, purchaseID string) (*domain.Purchase, error)
	ListPurchases(ctx context.Context, companyID string, limit int) ([]domain.Purchase, error)
	ListLots(ctx context.Context, companyID string, productID string, onlyAvailable bool) ([]domain.ProductLot, error)
	GetKardex(ctx context.Context, companyID string, productID string, at time.Time) (*domain.KardexReport, error)

	// Numbering.
	CreateNumberingRange(ctx context.Context, r domain.NumberingRange) (*domain.NumberingRange, error)
	ListNumberingRanges(ctx context.Context, companyID string) ([]domain.NumberingRange, error)

	// Sales and returns. Each call is one atomic transaction covering
	// number allocation, lot movement and drawer update.
	CreateSale(ctx context.Context, sale domain.Sale, at time.Time) (*SaleOutcome, error)
	GetSale(ctx context.Context, companyID string, saleID string) (*domain.Sale, error)
	ListSales(ctx context.Context, companyID string, date string, limit int) ([]domain.Sale, error)
	FindSaleByIdempotencyKey(ctx context.Context, companyID string, key string) (*domain.Sale, error)
	UpdateSaleSubmission(ctx context.Context, saleID string, status string, submissionErr string) error
	CreateCreditNote(ctx context.Context, note domain.CreditNote, returnAll bool, lines []domain.ReturnLineRequest, at time.Time) (*ReturnOutcome, error)
	GetCreditNote(ctx context.Context, companyID string, noteID string) (*domain.CreditNote, error)

	// Cash drawers.
	OpenDrawer(ctx context.Context, companyID string, operatorID string, initial decimal.Decimal, at time.Time) (*domain.CashDrawer, error)
	GetOpenDrawer(ctx context.Context, companyID string, operatorID string, date string) (*domain.CashDrawer, error)
	RecordExpense(ctx context.Context, companyID string, operatorID string, expense domain.Expense, at time.Time) (*domain.Expense, *domain.CashDrawer, error)
	CloseDrawer(ctx context.Context, companyID string, operatorID string, counted decimal.Decimal, notes string, at time.Time) (*domain.CashDrawer, error)

	// Reporting.
	GetDailySummary(ctx context.Context, companyID string, date string) (*domain.DailySummary, error)

	// Users and audit.
	CreateUser(ctx context.Context, user domain.UserAccount) (*domain.UserAccount, error)
	GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error)
	FindAuthorizer(ctx context.Context, companyID string, username string) (*domain.UserAccount, error)
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, companyID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
}
