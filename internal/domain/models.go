package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Document types allocated by the sequencer. Tickets use the per-day
// counter; invoices and credit notes draw from authorized numbering ranges.
const (
	DocTypeTicket     = "ticket"
	DocTypeInvoice    = "invoice"
	DocTypeCreditNote = "credit_note"
)

const (
	SubmissionNotRequired = "not_required"
	SubmissionPending     = "pending"
	SubmissionSubmitted   = "submitted"
	SubmissionFailed      = "failed"
)

const (
	RoleOperator   = "operator"
	RoleSupervisor = "supervisor"
	RoleAdmin      = "admin"
)

const (
	UnitPiece  = "unit"
	UnitWeight = "kg"
)

type Company struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	TaxID              string    `json:"tax_id"`
	RegulatedInvoicing bool      `json:"regulated_invoicing"`
	Currency           string    `json:"currency"`
	CreatedAt          time.Time `json:"created_at"`
}

type CompanyCreateRequest struct {
	Name               string `json:"name" validate:"required"`
	TaxID              string `json:"tax_id" validate:"required"`
	RegulatedInvoicing bool   `json:"regulated_invoicing"`
	Currency           string `json:"currency"`
}

type Product struct {
	ID         string          `json:"id"`
	CompanyID  string          `json:"company_id"`
	SKU        string          `json:"sku"`
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	Unit       string          `json:"unit"`
	LotTracked bool            `json:"lot_tracked"`
	// Inventory is the cached aggregate counter. It is decremented with a
	// floor at zero inside sale transactions and can diverge from the sum of
	// lot remainders; the kardex report exposes the divergence.
	Inventory decimal.Decimal `json:"inventory"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"created_at"`
}

type ProductCreateRequest struct {
	CompanyID  string          `json:"company_id" validate:"required"`
	SKU        string          `json:"sku" validate:"required"`
	Name       string          `json:"name" validate:"required"`
	Price      decimal.Decimal `json:"price"`
	Unit       string          `json:"unit"`
	LotTracked bool            `json:"lot_tracked"`
}

type Supplier struct {
	ID        string    `json:"id"`
	CompanyID string    `json:"company_id"`
	Name      string    `json:"name"`
	TaxID     string    `json:"tax_id"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"created_at"`
}

type SupplierCreateRequest struct {
	CompanyID string `json:"company_id" validate:"required"`
	Name      string `json:"name" validate:"required"`
	TaxID     string `json:"tax_id"`
	Phone     string `json:"phone"`
}

// ProductLot is a batch of stock received at one point in time. Everything
// except Remaining is immutable after creation; Remaining moves between 0
// and Quantity as sales consume and returns restock.
type ProductLot struct {
	ID             string          `json:"id"`
	CompanyID      string          `json:"company_id"`
	ProductID      string          `json:"product_id"`
	SupplierID     string          `json:"supplier_id,omitempty"`
	PurchaseID     string          `json:"purchase_id,omitempty"`
	Quantity       decimal.Decimal `json:"quantity"`
	Remaining      decimal.Decimal `json:"remaining_quantity"`
	UnitCost       decimal.Decimal `json:"unit_cost"`
	EntryDate      time.Time       `json:"entry_date"`
	ExpirationDate *time.Time      `json:"expiration_date,omitempty"`
	Label          string          `json:"label,omitempty"`
	// Seq breaks entry-date ties in FIFO ordering; assigned by the store in
	// insertion order.
	Seq int64 `json:"-"`
}

func (l ProductLot) ExpiredAt(day time.Time) bool {
	return l.ExpirationDate != nil && l.ExpirationDate.Before(day)
}

type Purchase struct {
	ID         string          `json:"id"`
	CompanyID  string          `json:"company_id"`
	SupplierID string          `json:"supplier_id"`
	Reference  string          `json:"reference,omitempty"`
	Items      []PurchaseItem  `json:"items"`
	Total      decimal.Decimal `json:"total"`
	ReceivedBy string          `json:"received_by"`
	ReceivedAt time.Time       `json:"received_at"`
}

type PurchaseItem struct {
	ProductID      string          `json:"product_id"`
	Quantity       decimal.Decimal `json:"quantity"`
	UnitCost       decimal.Decimal `json:"unit_cost"`
	ExpirationDate *time.Time      `json:"expiration_date,omitempty"`
	Label          string          `json:"label,omitempty"`
	LotID          string          `json:"lot_id,omitempty"`
}

type PurchaseItemRequest struct {
	ProductID      string          `json:"product_id" validate:"required"`
	Quantity       decimal.Decimal `json:"quantity"`
	UnitCost       decimal.Decimal `json:"unit_cost"`
	ExpirationDate string          `json:"expiration_date,omitempty"`
	Label          string          `json:"label,omitempty"`
}

type PurchaseCreateRequest struct {
	CompanyID  string                `json:"company_id" validate:"required"`
	SupplierID string                `json:"supplier_id" validate:"required"`
	Reference  string                `json:"reference,omitempty"`
	Items      []PurchaseItemRequest `json:"items" validate:"required,min=1,dive"`
}

type Sale struct {
	ID               string          `json:"id"`
	CompanyID        string          `json:"company_id"`
	OperatorID       string          `json:"operator_id"`
	CustomerName     string          `json:"customer_name,omitempty"`
	SaleNumber       string          `json:"sale_number"`
	DocumentType     string          `json:"document_type"`
	Items            []SaleItem      `json:"items"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	DiscountTotal    decimal.Decimal `json:"discount_total"`
	TaxTotal         decimal.Decimal `json:"tax_total"`
	FinalTotal       decimal.Decimal `json:"final_total"`
	DrawerID         string          `json:"drawer_id,omitempty"`
	IdempotencyKey   string          `json:"idempotency_key,omitempty"`
	SubmissionStatus string          `json:"submission_status"`
	SubmissionError  string          `json:"submission_error,omitempty"`
	// Warnings carries advisory notes from the sale transaction (expired-lot
	// consumption); it is not persisted.
	Warnings  []string  `json:"warnings,omitempty"`
	Duplicate bool      `json:"duplicate,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type SaleItem struct {
	ID              string           `json:"id"`
	SaleID          string           `json:"sale_id"`
	ProductID       string           `json:"product_id"`
	Quantity        decimal.Decimal  `json:"quantity"`
	UnitPrice       decimal.Decimal  `json:"unit_price"`
	DiscountPercent decimal.Decimal  `json:"discount_percent"`
	Subtotal        decimal.Decimal  `json:"subtotal"`
	Consumptions    []LotConsumption `json:"consumptions,omitempty"`
}

// LotConsumption records which lot funded a sale line and at what cost. The
// cost snapshot makes COGS reproducible regardless of later lot changes;
// ReturnedQuantity lets partial returns compose without re-running FIFO.
type LotConsumption struct {
	ID               string          `json:"id"`
	SaleItemID       string          `json:"sale_item_id"`
	LotID            string          `json:"lot_id"`
	QuantityTaken    decimal.Decimal `json:"quantity_taken"`
	UnitCostAtTime   decimal.Decimal `json:"unit_cost_at_time"`
	ReturnedQuantity decimal.Decimal `json:"returned_quantity"`
}

type SaleLineRequest struct {
	ProductID       string          `json:"product_id" validate:"required"`
	Quantity        decimal.Decimal `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
}

type SaleCreateRequest struct {
	CompanyID      string            `json:"company_id" validate:"required"`
	OperatorID     string            `json:"operator_id" validate:"required"`
	CustomerName   string            `json:"customer_name,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Items          []SaleLineRequest `json:"items" validate:"required,min=1,dive"`
	DiscountTotal  decimal.Decimal   `json:"discount_total"`
	TaxTotal       decimal.Decimal   `json:"tax_total"`
}

type NumberingRange struct {
	ID            string    `json:"id"`
	CompanyID     string    `json:"company_id"`
	DocumentType  string    `json:"document_type"`
	Prefix        string    `json:"prefix"`
	RangeFrom     int64     `json:"range_from"`
	RangeTo       int64     `json:"range_to"`
	CurrentNumber int64     `json:"current_number"`
	ValidFrom     time.Time `json:"valid_from"`
	ValidTo       time.Time `json:"valid_to"`
	Active        bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
}

func (r NumberingRange) Exhausted() bool {
	return r.CurrentNumber >= r.RangeTo
}

type NumberingRangeCreateRequest struct {
	CompanyID    string `json:"company_id" validate:"required"`
	DocumentType string `json:"document_type" validate:"required,oneof=invoice credit_note"`
	Prefix       string `json:"prefix"`
	RangeFrom    int64  `json:"range_from" validate:"min=1"`
	RangeTo      int64  `json:"range_to" validate:"min=1"`
	ValidFrom    string `json:"valid_from" validate:"required"`
	ValidTo      string `json:"valid_to" validate:"required"`
}

// CashDrawer is an operator's daily cash accountability record. The additive
// invariant current = initial + sales - returns - expenses holds at every
// observable state; Discrepancy = counted - current is fixed on close.
type CashDrawer struct {
	ID            string          `json:"id"`
	CompanyID     string          `json:"company_id"`
	OperatorID    string          `json:"operator_id"`
	Date          string          `json:"date"`
	InitialAmount decimal.Decimal `json:"initial_amount"`
	SalesTotal    decimal.Decimal `json:"sales_total"`
	ReturnsTotal  decimal.Decimal `json:"returns_total"`
	ExpensesTotal decimal.Decimal `json:"expenses_total"`
	CurrentAmount decimal.Decimal `json:"current_amount"`
	Closed        bool            `json:"is_closed"`
	ClosedAt      *time.Time      `json:"closed_at,omitempty"`
	CountedAmount decimal.Decimal `json:"counted_amount"`
	Discrepancy   decimal.Decimal `json:"discrepancy"`
	Notes         string          `json:"notes,omitempty"`
	OpenedAt      time.Time       `json:"opened_at"`
}

type DrawerOpenRequest struct {
	CompanyID     string          `json:"company_id" validate:"required"`
	OperatorID    string          `json:"operator_id" validate:"required"`
	InitialAmount decimal.Decimal `json:"initial_amount"`
}

type DrawerCloseRequest struct {
	CompanyID     string          `json:"company_id" validate:"required"`
	OperatorID    string          `json:"operator_id" validate:"required"`
	CountedAmount decimal.Decimal `json:"counted_amount"`
	Notes         string          `json:"notes,omitempty"`
}

type Expense struct {
	ID          string          `json:"id"`
	DrawerID    string          `json:"drawer_id"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	CreatedAt   time.Time       `json:"created_at"`
}

type ExpenseCreateRequest struct {
	CompanyID   string          `json:"company_id" validate:"required"`
	OperatorID  string          `json:"operator_id" validate:"required"`
	Description string          `json:"description" validate:"required"`
	Amount      decimal.Decimal `json:"amount"`
}

type CreditNote struct {
	ID           string           `json:"id"`
	CompanyID    string           `json:"company_id"`
	SaleID       string           `json:"sale_id"`
	Number       string           `json:"number"`
	Total        decimal.Decimal  `json:"total"`
	Reason       string           `json:"reason,omitempty"`
	OperatorID   string           `json:"operator_id"`
	AuthorizedBy string           `json:"authorized_by"`
	Items        []CreditNoteItem `json:"items"`
	CreatedAt    time.Time        `json:"created_at"`
}

type CreditNoteItem struct {
	SaleItemID string          `json:"sale_item_id"`
	ProductID  string          `json:"product_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	Amount     decimal.Decimal `json:"amount"`
}

type ReturnLineRequest struct {
	SaleItemID string          `json:"sale_item_id" validate:"required"`
	Quantity   decimal.Decimal `json:"quantity"`
}

type ReturnCreateRequest struct {
	CompanyID          string              `json:"company_id" validate:"required"`
	OperatorID         string              `json:"operator_id" validate:"required"`
	SaleID             string              `json:"sale_id" validate:"required"`
	ReturnAll          bool                `json:"return_all"`
	Items              []ReturnLineRequest `json:"items" validate:"dive"`
	Reason             string              `json:"reason,omitempty"`
	SupervisorUsername string              `json:"supervisor_username" validate:"required"`
	SupervisorPassword string              `json:"supervisor_password" validate:"required"`
}

type UserAccount struct {
	ID           string    `json:"id"`
	CompanyID    string    `json:"company_id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

type UserCreateRequest struct {
	CompanyID string `json:"company_id" validate:"required"`
	Username  string `json:"username" validate:"required"`
	Password  string `json:"password" validate:"required,min=8"`
	Role      string `json:"role" validate:"required,oneof=operator supervisor admin"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	CompanyID   string `json:"company_id"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	UserID    string
	CompanyID string
	Username  string
	Role      string
}

type AuditLog struct {
	ID         string    `json:"id"`
	CompanyID  string    `json:"company_id"`
	ActorName  string    `json:"actor_name"`
	ActorRole  string    `json:"actor_role"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

type KardexEntry struct {
	LotID          string          `json:"lot_id"`
	Label          string          `json:"label,omitempty"`
	EntryDate      time.Time       `json:"entry_date"`
	ExpirationDate *time.Time      `json:"expiration_date,omitempty"`
	Expired        bool            `json:"expired"`
	Quantity       decimal.Decimal `json:"quantity"`
	Remaining      decimal.Decimal `json:"remaining_quantity"`
	Consumed       decimal.Decimal `json:"consumed_quantity"`
	UnitCost       decimal.Decimal `json:"unit_cost"`
}

// KardexReport is the FIFO-ordered view of a product's lots. Divergence is
// the cached aggregate counter minus the sum of lot remainders; a nonzero
// value flags counter drift.
type KardexReport struct {
	CompanyID       string          `json:"company_id"`
	ProductID       string          `json:"product_id"`
	ProductName     string          `json:"product_name"`
	Entries         []KardexEntry   `json:"entries"`
	LotRemainingSum decimal.Decimal `json:"lot_remaining_sum"`
	CachedInventory decimal.Decimal `json:"cached_inventory"`
	Divergence      decimal.Decimal `json:"divergence"`
	GeneratedAt     string          `json:"generated_at"`
}

// DailySummary condenses one company's ledger activity for a calendar day.
type DailySummary struct {
	CompanyID     string          `json:"company_id"`
	Date          string          `json:"date"`
	SalesCount    int64           `json:"sales_count"`
	SalesTotal    decimal.Decimal `json:"sales_total"`
	ReturnsCount  int64           `json:"returns_count"`
	ReturnsTotal  decimal.Decimal `json:"returns_total"`
	ExpensesTotal decimal.Decimal `json:"expenses_total"`
	NetTotal      decimal.Decimal `json:"net_total"`
}

// DrawerDate formats a time as the drawer's calendar-day key.
func DrawerDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
