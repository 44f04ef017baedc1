package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"posledger/internal/cache"
	"posledger/internal/domain"
	"posledger/internal/einvoice"
	"posledger/internal/store"
)

const kardexTTL = 5 * time.Minute

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo      store.Repository
	reports   cache.ReportCache
	submitter einvoice.Submitter
	validate  *validator.Validate
	now       func() time.Time
}

func New(repo store.Repository, reports cache.ReportCache, submitter einvoice.Submitter) *Service {
	if reports == nil {
		reports = cache.NoopReportCache{}
	}
	if submitter == nil {
		submitter = einvoice.NoopSubmitter{}
	}

	return &Service{
		repo:      repo,
		reports:   reports,
		submitter: submitter,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) checkRequest(req any) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidRequest, err)
	}
	return nil
}

func (s *Service) CreateCompany(ctx context.Context, req domain.CompanyCreateRequest) (*domain.Company, error) {
	if err := s.checkRequest(req); err != nil {
		return nil, err
	}

	company, err := s.repo.CreateCompany(ctx, domain.Company{
		Name:               strings.TrimSpace(req.Name),
		TaxID:              strings.ToUpper(strings.TrimSpace(req.TaxID)),
		RegulatedInvoicing: req.RegulatedInvoicing,
		Currency:           req.Currency,
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, company.ID, "company_create", "company", company.ID, company.Name)
	return company, nil
}

func (s *Service) GetCompany(ctx context.Context, companyID string) (*domain.Company, error) {
	return s.repo.GetCompany(ctx, companyID)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (*domain.Product, error) {
	if err := s.checkRequest(req); err != nil {
		return nil, err
	}
	if req.Price.IsNegative() {
		return nil, store.ErrInvalidRequest
	}
	switch req.Unit {
	case "", domain.UnitPiece, domain.UnitWeight:
	default:
		return nil, store.ErrInvalidRequest
	}

	product, err := s.repo.CreateProduct(ctx, domain.Product{
		CompanyID:  req.CompanyID,
		SKU:        strings.ToUpper(strings.TrimSpace(req.SKU)),
		Name:       strings.TrimSpace(req.Name),
		Price:      req.Price,
		Unit:       req.Unit,
		LotTracked: req.LotTracked,
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, product.CompanyID, "product_create", "product", product.ID,
		fmt.Sprintf("sku=%s,price=%s,lot_tracked=%t", product.SKU, product.Price.String(), product.LotTracked))
	return product, nil
}

func (s *Service) GetProduct(ctx context.Context, companyID string, productID string) (*domain.Product, error) {
	return s.repo.GetProduct(ctx, companyID, productID)
}

func (s *Service) ListProducts(ctx context.Context, companyID string) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx, companyID)
}

func (s *Service) CreateSupplier(ctx context.Context, req domain.SupplierCreateRequest) (*domain.Supplier, error) {
	if err := s.checkRequest(req); err != nil {
		return nil, err
	}

	supplier, err := s.repo.CreateSupplier(ctx, domain.Supplier{
		CompanyID: req.CompanyID,
		Name:      strings.TrimSpace(req.Name),
		TaxID:     strings.ToUpper(strings.TrimSpace(req.TaxID)),
		Phone:     strings.TrimSpace(req.Phone),
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, supplier.CompanyID, "supplier_create", "supplier", supplier.ID, supplier.Name)
	return supplier, nil
}

func (s *Service) ListSuppliers(ctx context.Context, companyID string) ([]domain.Supplier, error) {
	return s.repo.ListSuppliers(ctx, companyID)
}

// CreatePurchase receives goods from a supplier. Lot-tracked items land as
// fresh lots at the tail of the FIFO queue; all items bump the cached
// inventory counter.
func (s *Service) CreatePurchase(ctx context.Context, req domain.PurchaseCreateRequest) (*domain.Purchase, error) {
	if err := s.checkRequest(req); err != nil {
		return nil, err
	}

	items := make([]domain.PurchaseItem, 0, len(req.Items))
	for _, item := range req.Items {
		if !item.Quantity.IsPositive() {
			return nil, store.ErrInvalidQuantity
		}
		if item.UnitCost.IsNegative() {
			return nil, store.ErrInvalidRequest
		}
		var expiry *time.Time
		if item.ExpirationDate != "" {
			parsed, err := time.Parse("2006-01-02", item.ExpirationDate)
			if err != nil {
				return nil, fmt.Errorf("%w: expiration_date %q", store.ErrInvalidRequest, item.ExpirationDate)
			}
			expiry = &parsed
		}
		items = append(items, domain.PurchaseItem{
			ProductID:      item.ProductID,
			Quantity:       item.Quantity,
			UnitCost:       item.UnitCost,
			ExpirationDate: expiry,
			Label:          strings.TrimSpace(item.Label),
		})
	}

	actor, _ := ActorFromContext(ctx)
	purchase, err := s.repo.CreatePurchase(ctx, domain.Purchase{
		CompanyID:  req.CompanyID,
		SupplierID: req.SupplierID,
		Reference:  strings.TrimSpace(req.Reference),
		Items:      items,
		ReceivedBy: actor.Username,
		ReceivedAt: s.now(),
	})
	if err != nil {
		return nil, err
	}

	for _, item := range purchase.Items {
		s.invalidateKardex(ctx, purchase.CompanyID, item.ProductID)
	}
	s.logAudit(ctx, purchase.CompanyID, "purchase_receive", "purchase", purchase.ID,
		fmt.Sprintf("supplier=%s,items=%d,total=%s", purchase.SupplierID, len(purchase.Items), purchase.Total.String()))
	return purchase, nil
}

func (s *Service) GetPurchase(ctx context.Context, companyID string, purchaseID string) (*domain.Purchase, error) {
	return s.repo.GetPurchase(ctx, companyID, purchaseID)
}

func (s *Service) ListPurchases(ctx context.Context, companyID string, limit int) ([]domain.Purchase, error) {
	return s.repo.ListPurchases(ctx, companyID, limit)
}

func (s *Service) ListLots(ctx context.Context, companyID string, productID string, onlyAvailable bool) ([]domain.ProductLot, error) {
	return s.repo.ListLots(ctx, companyID, productID, onlyAvailable)
}

func kardexKey(companyID string, productID string) string {
	return "kardex:" + companyID + ":" + productID
}

func (s *Service) GetKardex(ctx context.Context, companyID string, productID string) (*domain.KardexReport, error) {
	key := kardexKey(companyID, productID)
	if cached, hit, err := s.reports.GetKardex(ctx, key); err == nil && hit {
		return cached, nil
	} else if err != nil {
		logrus.WithError(err).WithField("key", key).Warn("kardex cache read failed")
	}

	report, err := s.repo.GetKardex(ctx, companyID, productID, s.now())
	if err != nil {
		return nil, err
	}

	if err := s.reports.SetKardex(ctx, key, report, kardexTTL); err != nil {
		logrus.WithError(err).WithField("key", key).Warn("kardex cache write failed")
	}
	return report, nil
}

func (s *Service) invalidateKardex(ctx context.Context, companyID string, productID string) {
	key := kardexKey(companyID, productID)
	if err := s.reports.InvalidateKardex(ctx, key); err != nil {
		logrus.WithError(err).WithField("key", key).Warn("kardex cache invalidation failed")
	}
}

func (s *Service) CreateNumberingRange(ctx context.Context, req domain.NumberingRangeCreateRequest) (*domain.NumberingRange, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return nil, store.ErrUnauthorized
	}
	if err := s.checkRequest(req); err != nil {
		return nil, err
	}

	validFrom, err := time.Parse("2006-01-02", req.ValidFrom)
	if err != nil {
		return nil, fmt.Errorf("%w: valid_from %q", store.ErrInvalidRequest, req.ValidFrom)
	}
	validTo, err := time.Parse("2006-01-02", req.ValidTo)
	if err != nil {
		return nil, fmt.Errorf("%w: valid_to %q", store.ErrInvalidRequest, req.ValidTo)
	}

	created, err := s.repo.CreateNumberingRange(ctx, domain.NumberingRange{
		CompanyID:    req.CompanyID,
		DocumentType: req.DocumentType,
		Prefix:       strings.TrimSpace(req.Prefix),
		RangeFrom:    req.RangeFrom,
		RangeTo:      req.RangeTo,
		ValidFrom:    validFrom,
		// The range stays usable through the whole final day.
		ValidTo: validTo.AddDate(0, 0, 1).Add(-time.Second),
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, created.CompanyID, "numbering_range_create", "numbering_range", created.ID,
		fmt.Sprintf("type=%s,prefix=%s,from=%d,to=%d", created.DocumentType, created.Prefix, created.RangeFrom, created.RangeTo))
	return created, nil
}

func (s *Service) ListNumberingRanges(ctx context.Context, companyID string) ([]domain.NumberingRange, error) {
	return s.repo.ListNumberingRanges(ctx, companyID)
}

// CreateSale runs the whole checkout atomically: FIFO lot consumption,
// document numbering and the drawer credit commit together or not at all.
// Regulated invoices are forwarded to the tax gateway after commit; the
// submission result only ever touches the sale's submission status.
func (s *Service) CreateSale(ctx context.Context, req domain.SaleCreateRequest) (*domain.Sale, error) {
	if err := s.checkRequest(req); err != nil {
		return nil, err
	}
	for _, line := range req.Items {
		if !line.Quantity.IsPositive() {
			return nil, store.ErrInvalidQuantity
		}
		if line.UnitPrice.IsNegative() || line.DiscountPercent.IsNegative() {
			return nil, store.ErrInvalidRequest
		}
	}
	if req.DiscountTotal.IsNegative() || req.TaxTotal.IsNegative() {
		return nil, store.ErrInvalidRequest
	}

	if req.IdempotencyKey != "" {
		if existing, err := s.repo.FindSaleByIdempotencyKey(ctx, req.CompanyID, req.IdempotencyKey); err == nil {
			existing.Duplicate = true
			return existing, nil
		}
	}

	items := make([]domain.SaleItem, 0, len(req.Items))
	for _, line := range req.Items {
		items = append(items, domain.SaleItem{
			ProductID:       line.ProductID,
			Quantity:        line.Quantity,
			UnitPrice:       line.UnitPrice,
			DiscountPercent: line.DiscountPercent,
		})
	}

	outcome, err := s.repo.CreateSale(ctx, domain.Sale{
		CompanyID:      req.CompanyID,
		OperatorID:     req.OperatorID,
		CustomerName:   strings.TrimSpace(req.CustomerName),
		IdempotencyKey: req.IdempotencyKey,
		Items:          items,
		DiscountTotal:  req.DiscountTotal,
		TaxTotal:       req.TaxTotal,
	}, s.now())
	if err != nil {
		return nil, err
	}
	sale := outcome.Sale
	if sale.Duplicate {
		return sale, nil
	}

	for _, item := range sale.Items {
		s.invalidateKardex(ctx, sale.CompanyID, item.ProductID)
	}
	s.logAudit(ctx, sale.CompanyID, "sale_create", "sale", sale.ID,
		fmt.Sprintf("number=%s,total=%s,items=%d", sale.SaleNumber, sale.FinalTotal.String(), len(sale.Items)))
	for _, warning := range sale.Warnings {
		logrus.WithFields(logrus.Fields{"sale": sale.ID, "number": sale.SaleNumber}).Warn(warning)
	}

	if sale.SubmissionStatus == domain.SubmissionPending {
		go s.submitSale(sale)
	}

	return sale, nil
}

// submitSale runs detached from the request; a gateway failure marks the
// sale failed but the sale itself stands.
func (s *Service) submitSale(sale *domain.Sale) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	company, err := s.repo.GetCompany(ctx, sale.CompanyID)
	if err != nil {
		logrus.WithError(err).WithField("sale", sale.ID).Error("einvoice submission: company lookup failed")
		return
	}

	status := domain.SubmissionSubmitted
	detail := ""
	if err := s.submitter.Submit(ctx, company, sale); err != nil {
		status = domain.SubmissionFailed
		detail = err.Error()
		logrus.WithError(err).WithFields(logrus.Fields{"sale": sale.ID, "number": sale.SaleNumber}).Warn("einvoice submission failed")
	}

	if err := s.repo.UpdateSaleSubmission(ctx, sale.ID, status, detail); err != nil {
		logrus.WithError(err).WithField("sale", sale.ID).Error("einvoice submission: status update failed")
	}
}

func (s *Service) GetSale(ctx context.Context, companyID string, saleID string) (*domain.Sale, error) {
	return s.repo.GetSale(ctx, companyID, saleID)
}

func (s *Service) ListSales(ctx context.Context, companyID string, date string, limit int) ([]domain.Sale, error) {
	return s.repo.ListSales(ctx, companyID, date, limit)
}

// CreateReturn issues a credit note against a sale. A supervisor or admin
// of the same company must countersign with their password before anything
// is touched; restocking then follows the sale's own lot consumptions.
func (s *Service) CreateReturn(ctx context.Context, req domain.ReturnCreateRequest) (*domain.CreditNote, error) {
	if err := s.checkRequest(req); err != nil {
		return nil, err
	}

	authorizer, err := s.repo.FindAuthorizer(ctx, req.CompanyID, strings.TrimSpace(req.SupervisorUsername))
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(authorizer.PasswordHash), []byte(req.SupervisorPassword)); err != nil {
		return nil, store.ErrUnauthorized
	}

	outcome, err := s.repo.CreateCreditNote(ctx, domain.CreditNote{
		CompanyID:    req.CompanyID,
		SaleID:       req.SaleID,
		Reason:       strings.TrimSpace(req.Reason),
		OperatorID:   req.OperatorID,
		AuthorizedBy: authorizer.ID,
	}, req.ReturnAll, req.Items, s.now())
	if err != nil {
		return nil, err
	}
	note := outcome.CreditNote

	for _, item := range note.Items {
		s.invalidateKardex(ctx, note.CompanyID, item.ProductID)
	}
	s.logAudit(ctx, note.CompanyID, "return_create", "credit_note", note.ID,
		fmt.Sprintf("number=%s,sale=%s,total=%s,authorized_by=%s", note.Number, note.SaleID, note.Total.String(), authorizer.Username))
	return note, nil
}

func (s *Service) GetCreditNote(ctx context.Context, companyID string, noteID string) (*domain.CreditNote, error) {
	return s.repo.GetCreditNote(ctx, companyID, noteID)
}

func (s *Service) OpenDrawer(ctx context.Context, req domain.DrawerOpenRequest) (*domain.CashDrawer, error) {
	if err := s.checkRequest(req); err != nil {
		return nil, err
	}
	if req.InitialAmount.IsNegative() {
		return nil, store.ErrInvalidRequest
	}

	drawer, err := s.repo.OpenDrawer(ctx, req.CompanyID, req.OperatorID, req.InitialAmount, s.now())
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, drawer.CompanyID, "drawer_open", "cash_drawer", drawer.ID,
		fmt.Sprintf("operator=%s,initial=%s", drawer.OperatorID, drawer.InitialAmount.String()))
	return drawer, nil
}

func (s *Service) GetOpenDrawer(ctx context.Context, companyID string, operatorID string) (*domain.CashDrawer, error) {
	return s.repo.GetOpenDrawer(ctx, companyID, operatorID, domain.DrawerDate(s.now()))
}

func (s *Service) RecordExpense(ctx context.Context, req domain.ExpenseCreateRequest) (*domain.Expense, error) {
	if err := s.checkRequest(req); err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, store.ErrInvalidQuantity
	}

	expense, drawer, err := s.repo.RecordExpense(ctx, req.CompanyID, req.OperatorID, domain.Expense{
		Description: strings.TrimSpace(req.Description),
		Amount:      req.Amount,
	}, s.now())
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, req.CompanyID, "expense_record", "expense", expense.ID,
		fmt.Sprintf("drawer=%s,amount=%s,current=%s", drawer.ID, expense.Amount.String(), drawer.CurrentAmount.String()))
	return expense, nil
}

func (s *Service) CloseDrawer(ctx context.Context, req domain.DrawerCloseRequest) (*domain.CashDrawer, error) {
	if err := s.checkRequest(req); err != nil {
		return nil, err
	}
	if req.CountedAmount.IsNegative() {
		return nil, store.ErrInvalidRequest
	}

	drawer, err := s.repo.CloseDrawer(ctx, req.CompanyID, req.OperatorID, req.CountedAmount, strings.TrimSpace(req.Notes), s.now())
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, drawer.CompanyID, "drawer_close", "cash_drawer", drawer.ID,
		fmt.Sprintf("counted=%s,expected=%s,discrepancy=%s", drawer.CountedAmount.String(), drawer.CurrentAmount.String(), drawer.Discrepancy.String()))
	return drawer, nil
}

func (s *Service) GetDailySummary(ctx context.Context, companyID string, date string) (*domain.DailySummary, error) {
	if date == "" {
		date = domain.DrawerDate(s.now())
	}
	return s.repo.GetDailySummary(ctx, companyID, date)
}

func (s *Service) CreateUser(ctx context.Context, req domain.UserCreateRequest) (*domain.UserAccount, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return nil, store.ErrUnauthorized
	}
	if err := s.checkRequest(req); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user, err := s.repo.CreateUser(ctx, domain.UserAccount{
		CompanyID:    req.CompanyID,
		Username:     strings.ToLower(strings.TrimSpace(req.Username)),
		PasswordHash: string(hash),
		Role:         req.Role,
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, user.CompanyID, "user_create", "user", user.ID,
		fmt.Sprintf("username=%s,role=%s", user.Username, user.Role))
	return user, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, companyID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if to.IsZero() {
		to = s.now()
	}
	if from.IsZero() {
		from = to.AddDate(0, 0, -7)
	}
	return s.repo.ListAuditLogs(ctx, companyID, from, to, limit)
}

func (s *Service) logAudit(ctx context.Context, companyID string, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:         uuid.NewString(),
		CompanyID:  companyID,
		ActorName:  actor.Username,
		ActorRole:  actor.Role,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  s.now(),
	}); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{"action": action, "entity": entityType + "/" + entityID}).Warn("audit log write failed")
	}
}
