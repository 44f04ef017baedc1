// Package memory implements the repository on in-process maps. It mirrors
// the postgres store's semantics so the service layer and tests run without
// a database.
package memory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"posledger/internal/domain"
	"posledger/internal/store"
)

type Store struct {
	mu              sync.RWMutex
	companies       map[string]domain.Company
	products        map[string]domain.Product
	suppliers       map[string]domain.Supplier
	purchases       map[string]domain.Purchase
	lots            map[string]*domain.ProductLot
	lotSeq          int64
	ranges          map[string]*domain.NumberingRange
	ticketCounters  map[string]int64
	sales           map[string]*domain.Sale
	salesByIdemKey  map[string]string
	creditNotes     map[string]*domain.CreditNote
	drawers         map[string]*domain.CashDrawer
	expenses        map[string]domain.Expense
	usersByUsername map[string]domain.UserAccount
	auditLogs       []domain.AuditLog
}

func New() *Store {
	return &Store{
		companies:       make(map[string]domain.Company),
		products:        make(map[string]domain.Product),
		suppliers:       make(map[string]domain.Supplier),
		purchases:       make(map[string]domain.Purchase),
		lots:            make(map[string]*domain.ProductLot),
		ranges:          make(map[string]*domain.NumberingRange),
		ticketCounters:  make(map[string]int64),
		sales:           make(map[string]*domain.Sale),
		salesByIdemKey:  make(map[string]string),
		creditNotes:     make(map[string]*domain.CreditNote),
		drawers:         make(map[string]*domain.CashDrawer),
		expenses:        make(map[string]domain.Expense),
		usersByUsername: make(map[string]domain.UserAccount),
		auditLogs:       make([]domain.AuditLog, 0, 128),
	}
}

// NewSeeded builds a store preloaded with a demo company and user accounts
// for dev mode. Credentials come from SEED_ADMIN_PASSWORD and
// SEED_OPERATOR_PASSWORD; hardcoded dev defaults apply when unset.
func NewSeeded() *Store {
	s := New()

	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	operatorPwd := envOr("SEED_OPERATOR_PASSWORD", "operator123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_OPERATOR_PASSWORD") == "" {
		logrus.Warn("memory store: using default dev credentials, set SEED_ADMIN_PASSWORD and SEED_OPERATOR_PASSWORD to override")
	}

	now := time.Now().UTC()
	company := domain.Company{
		ID:                 "demo-company",
		Name:               "Demo Market",
		TaxID:              "B00000000",
		RegulatedInvoicing: false,
		Currency:           "EUR",
		CreatedAt:          now,
	}
	s.companies[company.ID] = company

	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"operator", operatorPwd, domain.RoleOperator},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logrus.WithError(err).Fatalf("memory store: hash seed password for %s", u.username)
		}
		s.usersByUsername[u.username] = domain.UserAccount{
			ID:           uuid.NewString(),
			CompanyID:    company.ID,
			Username:     u.username,
			PasswordHash: string(hash),
			Role:         u.role,
			Active:       true,
			CreatedAt:    now,
		}
	}

	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) CreateCompany(_ context.Context, company domain.Company) (*domain.Company, error) {
	if company.Name == "" || company.TaxID == "" {
		return nil, store.ErrInvalidRequest
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if company.ID == "" {
		company.ID = uuid.NewString()
	}
	if company.Currency == "" {
		company.Currency = "EUR"
	}
	if company.CreatedAt.IsZero() {
		company.CreatedAt = time.Now().UTC()
	}
	if _, exists := s.companies[company.ID]; exists {
		return nil, store.ErrInvalidRequest
	}
	s.companies[company.ID] = company

	created := company
	return &created, nil
}

func (s *Store) GetCompany(_ context.Context, companyID string) (*domain.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	company, exists := s.companies[companyID]
	if !exists {
		return nil, store.ErrNotFound
	}
	return &company, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if product.CompanyID == "" || product.SKU == "" || product.Name == "" {
		return nil, store.ErrInvalidRequest
	}
	if product.Price.IsNegative() {
		return nil, store.ErrInvalidRequest
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.products {
		if existing.CompanyID == product.CompanyID && existing.SKU == product.SKU {
			return nil, store.ErrInvalidRequest
		}
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
	s.products[product.ID] = product

	created := product
	return &created, nil
}

func (s *Store) GetProduct(_ context.Context, companyID string, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getProductLocked(companyID, productID)
}

func (s *Store) getProductLocked(companyID string, productID string) (*domain.Product, error) {
	product, exists := s.products[productID]
	if !exists || product.CompanyID != companyID {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) ListProducts(_ context.Context, companyID string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.CompanyID == companyID && p.Active {
			products = append(products, p)
		}
	}
	sort.Slice(products, func(i, j int) bool { return products[i].Name < products[j].Name })
	return products, nil
}

func (s *Store) CreateSupplier(_ context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	if supplier.CompanyID == "" || supplier.Name == "" {
		return nil, store.ErrInvalidRequest
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if supplier.ID == "" {
		supplier.ID = uuid.NewString()
	}
	if supplier.CreatedAt.IsZero() {
		supplier.CreatedAt = time.Now().UTC()
	}
	s.suppliers[supplier.ID] = supplier

	created := supplier
	return &created, nil
}

func (s *Store) ListSuppliers(_ context.Context, companyID string) ([]domain.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	suppliers := make([]domain.Supplier, 0, len(s.suppliers))
	for _, sp := range s.suppliers {
		if sp.CompanyID == companyID {
			suppliers = append(suppliers, sp)
		}
	}
	sort.Slice(suppliers, func(i, j int) bool { return suppliers[i].Name < suppliers[j].Name })
	return suppliers, nil
}

func (s *Store) CreatePurchase(_ context.Context, purchase domain.Purchase) (*domain.Purchase, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	if purchase.ID == "" {
		purchase.ID = uuid.NewString()
	}
	if purchase.ReceivedAt.IsZero() {
		purchase.ReceivedAt = time.Now().UTC()
	}
	entryDate := dateOnly(purchase.ReceivedAt)

	total := decimal.Zero
	for i := range purchase.Items {
		item := &purchase.Items[i]
		product, err := s.getProductLocked(purchase.CompanyID, item.ProductID)
		if err != nil {
			return nil, err
		}
		total = total.Add(item.UnitCost.Mul(item.Quantity))

		if product.LotTracked {
			s.lotSeq++
			item.LotID = uuid.NewString()
			s.lots[item.LotID] = &domain.ProductLot{
				ID:             item.LotID,
				CompanyID:      purchase.CompanyID,
				ProductID:      item.ProductID,
				SupplierID:     purchase.SupplierID,
				PurchaseID:     purchase.ID,
				Quantity:       item.Quantity,
				Remaining:      item.Quantity,
				UnitCost:       item.UnitCost,
				EntryDate:      entryDate,
				ExpirationDate: item.ExpirationDate,
				Label:          item.Label,
				Seq:            s.lotSeq,
			}
		}

		product.Inventory = product.Inventory.Add(item.Quantity)
		s.products[product.ID] = *product
	}
	purchase.Total = total
	s.purchases[purchase.ID] = purchase

	created := purchase
	return &created, nil
}

func (s *Store) ListPurchases(_ context.Context, companyID string, limit int) ([]domain.Purchase, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	purchases := make([]domain.Purchase, 0, len(s.purchases))
	for _, p := range s.purchases {
		if p.CompanyID == companyID {
			purchases = append(purchases, p)
		}
	}
	sort.Slice(purchases, func(i, j int) bool { return purchases[i].ReceivedAt.After(purchases[j].ReceivedAt) })
	if len(purchases) > limit {
		purchases = purchases[:limit]
	}
	return purchases, nil
}

func (s *Store) GetPurchase(_ context.Context, companyID string, purchaseID string) (*domain.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	purchase, exists := s.purchases[purchaseID]
	if !exists || purchase.CompanyID != companyID {
		return nil, store.ErrNotFound
	}
	return &purchase, nil
}

// lotsFIFOLocked returns the product's lots oldest first, ties broken by
// insertion order.
func (s *Store) lotsFIFOLocked(companyID string, productID string, onlyAvailable bool) []*domain.ProductLot {
	lots := make([]*domain.ProductLot, 0, 8)
	for _, lot := range s.lots {
		if lot.CompanyID != companyID || lot.ProductID != productID {
			continue
		}
		if onlyAvailable && !lot.Remaining.IsPositive() {
			continue
		}
		lots = append(lots, lot)
	}
	sort.Slice(lots, func(i, j int) bool {
		if !lots[i].EntryDate.Equal(lots[j].EntryDate) {
			return lots[i].EntryDate.Before(lots[j].EntryDate)
		}
		return lots[i].Seq < lots[j].Seq
	})
	return lots
}

func (s *Store) ListLots(_ context.Context, companyID string, productID string, onlyAvailable bool) ([]domain.ProductLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ordered := s.lotsFIFOLocked(companyID, productID, onlyAvailable)
	lots := make([]domain.ProductLot, 0, len(ordered))
	for _, lot := range ordered {
		lots = append(lots, *lot)
	}
	return lots, nil
}

func (s *Store) GetKardex(_ context.Context, companyID string, productID string, at time.Time) (*domain.KardexReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, err := s.getProductLocked(companyID, productID)
	if err != nil {
		return nil, err
	}

	today := dateOnly(at)
	report := domain.KardexReport{
		CompanyID:       companyID,
		ProductID:       productID,
		ProductName:     product.Name,
		CachedInventory: product.Inventory,
		LotRemainingSum: decimal.Zero,
		GeneratedAt:     at.UTC().Format(time.RFC3339),
	}
	for _, lot := range s.lotsFIFOLocked(companyID, productID, false) {
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

func (s *Store) CreateNumberingRange(_ context.Context, r domain.NumberingRange) (*domain.NumberingRange, error) {
	if r.CompanyID == "" || r.DocumentType == "" {
		return nil, store.ErrInvalidRequest
	}
	if r.RangeFrom < 1 || r.RangeTo < r.RangeFrom {
		return nil, store.ErrInvalidRequest
	}
	if !r.ValidTo.After(r.ValidFrom) {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CurrentNumber = r.RangeFrom - 1
	r.Active = true
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	stored := r
	s.ranges[r.ID] = &stored

	created := r
	return &created, nil
}

func (s *Store) ListNumberingRanges(_ context.Context, companyID string) ([]domain.NumberingRange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ranges := make([]domain.NumberingRange, 0, len(s.ranges))
	for _, r := range s.ranges {
		if r.CompanyID == companyID {
			ranges = append(ranges, *r)
		}
	}
	sort.Slice(ranges, func(i, j int) bool {
		if ranges[i].DocumentType != ranges[j].DocumentType {
			return ranges[i].DocumentType < ranges[j].DocumentType
		}
		return ranges[i].ValidFrom.After(ranges[j].ValidFrom)
	})
	return ranges, nil
}

func (s *Store) allocateRangeNumberLocked(companyID string, docType string, at time.Time) (string, error) {
	var active *domain.NumberingRange
	for _, r := range s.ranges {
		if r.CompanyID != companyID || r.DocumentType != docType || !r.Active {
			continue
		}
		if at.Before(r.ValidFrom) || at.After(r.ValidTo) {
			continue
		}
		if active == nil || r.ValidFrom.After(active.ValidFrom) {
			active = r
		}
	}
	if active == nil {
		return "", store.ErrNoActiveRange
	}
	if active.Exhausted() {
		return "", store.ErrRangeExhausted
	}
	active.CurrentNumber++
	return fmt.Sprintf("%s%08d", active.Prefix, active.CurrentNumber), nil
}

func (s *Store) allocateTicketNumberLocked(companyID string, docType string, at time.Time) string {
	day := at.UTC().Format("20060102")
	key := strings.Join([]string{companyID, docType, day}, "|")
	s.ticketCounters[key]++

	tag := "T"
	if docType == domain.DocTypeCreditNote {
		tag = "NC"
	}
	return fmt.Sprintf("%s-%s-%06d", tag, day, s.ticketCounters[key])
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale, at time.Time) (*store.SaleOutcome, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.IdempotencyKey != "" {
		if existingID, exists := s.salesByIdemKey[sale.CompanyID+"|"+sale.IdempotencyKey]; exists {
			existing := *s.sales[existingID]
			existing.Duplicate = true
			return &store.SaleOutcome{Sale: &existing}, nil
		}
	}

	company, exists := s.companies[sale.CompanyID]
	if !exists {
		return nil, store.ErrNotFound
	}

	if sale.ID == "" {
		sale.ID = uuid.NewString()
	}
	sale.CreatedAt = at.UTC()
	sale.Warnings = nil
	today := dateOnly(at)

	// Validate availability for every line before touching anything so a
	// failing line cannot leave earlier lines half applied. Stock promised
	// to an earlier line is tracked per lot (and per product for untracked
	// goods) so a product repeated across lines cannot be counted twice.
	type plan struct {
		product domain.Product
		takes   []struct {
			lot  *domain.ProductLot
			take decimal.Decimal
		}
	}
	plans := make([]plan, len(sale.Items))
	plannedByLot := make(map[string]decimal.Decimal)
	plannedStock := make(map[string]decimal.Decimal)
	subtotal := decimal.Zero
	for i := range sale.Items {
		item := &sale.Items[i]
		product, err := s.getProductLocked(sale.CompanyID, item.ProductID)
		if err != nil {
			return nil, err
		}
		if !product.Active {
			return nil, store.ErrInvalidRequest
		}
		if item.UnitPrice.IsZero() {
			item.UnitPrice = product.Price
		}
		if item.DiscountPercent.IsNegative() || item.DiscountPercent.GreaterThan(decimal.NewFromInt(100)) {
			return nil, store.ErrInvalidRequest
		}
		plans[i].product = *product

		gross := item.UnitPrice.Mul(item.Quantity)
		discount := gross.Mul(item.DiscountPercent).Div(decimal.NewFromInt(100))
		item.Subtotal = gross.Sub(discount).Round(2)
		subtotal = subtotal.Add(item.Subtotal)

		if product.LotTracked {
			lots := s.lotsFIFOLocked(sale.CompanyID, item.ProductID, true)
			available := decimal.Zero
			for _, lot := range lots {
				available = available.Add(lot.Remaining.Sub(plannedByLot[lot.ID]))
			}
			if available.LessThan(item.Quantity) {
				return nil, store.ErrInsufficientInventory
			}
			needed := item.Quantity
			for _, lot := range lots {
				if !needed.IsPositive() {
					break
				}
				free := lot.Remaining.Sub(plannedByLot[lot.ID])
				if !free.IsPositive() {
					continue
				}
				take := needed
				if take.GreaterThan(free) {
					take = free
				}
				plannedByLot[lot.ID] = plannedByLot[lot.ID].Add(take)
				plans[i].takes = append(plans[i].takes, struct {
					lot  *domain.ProductLot
					take decimal.Decimal
				}{lot, take})
				needed = needed.Sub(take)
			}
		} else {
			reserved := plannedStock[item.ProductID]
			if product.Inventory.Sub(reserved).LessThan(item.Quantity) {
				return nil, store.ErrInsufficientInventory
			}
			plannedStock[item.ProductID] = reserved.Add(item.Quantity)
		}
	}

	sale.Subtotal = subtotal
	if sale.DiscountTotal.GreaterThan(subtotal) {
		return nil, store.ErrInvalidRequest
	}
	sale.FinalTotal = subtotal.Sub(sale.DiscountTotal).Add(sale.TaxTotal).Round(2)

	var err error
	if company.RegulatedInvoicing {
		sale.DocumentType = domain.DocTypeInvoice
		sale.SubmissionStatus = domain.SubmissionPending
		sale.SaleNumber, err = s.allocateRangeNumberLocked(sale.CompanyID, domain.DocTypeInvoice, at)
		if err != nil {
			return nil, err
		}
	} else {
		sale.DocumentType = domain.DocTypeTicket
		sale.SubmissionStatus = domain.SubmissionNotRequired
		sale.SaleNumber = s.allocateTicketNumberLocked(sale.CompanyID, domain.DocTypeTicket, at)
	}

	for i := range sale.Items {
		item := &sale.Items[i]
		item.ID = uuid.NewString()
		item.SaleID = sale.ID
		item.Consumptions = nil

		for _, t := range plans[i].takes {
			t.lot.Remaining = t.lot.Remaining.Sub(t.take)
			item.Consumptions = append(item.Consumptions, domain.LotConsumption{
				ID:             uuid.NewString(),
				SaleItemID:     item.ID,
				LotID:          t.lot.ID,
				QuantityTaken:  t.take,
				UnitCostAtTime: t.lot.UnitCost,
			})
			if t.lot.ExpiredAt(today) {
				label := t.lot.Label
				if label == "" {
					label = t.lot.ID
				}
				sale.Warnings = append(sale.Warnings,
					fmt.Sprintf("%s: consumed %s from expired lot %s", plans[i].product.Name, t.take.String(), label))
			}
		}

		product := s.products[item.ProductID]
		product.Inventory = product.Inventory.Sub(item.Quantity)
		if product.Inventory.IsNegative() {
			product.Inventory = decimal.Zero
		}
		s.products[item.ProductID] = product
	}

	var drawerCopy *domain.CashDrawer
	if drawer := s.openDrawerLocked(sale.CompanyID, sale.OperatorID, at); drawer != nil {
		drawer.SalesTotal = drawer.SalesTotal.Add(sale.FinalTotal)
		drawer.CurrentAmount = drawer.CurrentAmount.Add(sale.FinalTotal)
		sale.DrawerID = drawer.ID
		cp := *drawer
		drawerCopy = &cp
	}

	stored := sale
	s.sales[sale.ID] = &stored
	if sale.IdempotencyKey != "" {
		s.salesByIdemKey[sale.CompanyID+"|"+sale.IdempotencyKey] = sale.ID
	}

	created := sale
	return &store.SaleOutcome{Sale: &created, Drawer: drawerCopy}, nil
}

func (s *Store) GetSale(_ context.Context, companyID string, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, exists := s.sales[saleID]
	if !exists || sale.CompanyID != companyID {
		return nil, store.ErrNotFound
	}
	cp := *sale
	return &cp, nil
}

func (s *Store) ListSales(_ context.Context, companyID string, date string, limit int) ([]domain.Sale, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	if date != "" {
		if _, err := time.Parse("2006-01-02", date); err != nil {
			return nil, store.ErrInvalidRequest
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.Sale, 0, len(s.sales))
	for _, sale := range s.sales {
		if sale.CompanyID != companyID {
			continue
		}
		if date != "" && domain.DrawerDate(sale.CreatedAt) != date {
			continue
		}
		header := *sale
		header.Items = nil
		sales = append(sales, header)
	}
	sort.Slice(sales, func(i, j int) bool { return sales[i].CreatedAt.After(sales[j].CreatedAt) })
	if len(sales) > limit {
		sales = sales[:limit]
	}
	return sales, nil
}

func (s *Store) FindSaleByIdempotencyKey(_ context.Context, companyID string, key string) (*domain.Sale, error) {
	if key == "" {
		return nil, store.ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	saleID, exists := s.salesByIdemKey[companyID+"|"+key]
	if !exists {
		return nil, store.ErrNotFound
	}
	cp := *s.sales[saleID]
	return &cp, nil
}

func (s *Store) UpdateSaleSubmission(_ context.Context, saleID string, status string, submissionErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, exists := s.sales[saleID]
	if !exists {
		return store.ErrNotFound
	}
	sale.SubmissionStatus = status
	sale.SubmissionError = submissionErr
	return nil
}

func (s *Store) CreateCreditNote(_ context.Context, note domain.CreditNote, returnAll bool, lines []domain.ReturnLineRequest, at time.Time) (*store.ReturnOutcome, error) {
	if note.CompanyID == "" || note.SaleID == "" || note.OperatorID == "" || note.AuthorizedBy == "" {
		return nil, store.ErrInvalidRequest
	}
	if !returnAll && len(lines) == 0 {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	company, exists := s.companies[note.CompanyID]
	if !exists {
		return nil, store.ErrNotFound
	}
	sale, exists := s.sales[note.SaleID]
	if !exists || sale.CompanyID != note.CompanyID {
		return nil, store.ErrNotFound
	}

	itemsByID := make(map[string]*domain.SaleItem, len(sale.Items))
	for i := range sale.Items {
		itemsByID[sale.Items[i].ID] = &sale.Items[i]
	}

	returnedByItem := make(map[string]decimal.Decimal)
	for _, cn := range s.creditNotes {
		if cn.SaleID != note.SaleID {
			continue
		}
		for _, cnItem := range cn.Items {
			returnedByItem[cnItem.SaleItemID] = returnedByItem[cnItem.SaleItemID].Add(cnItem.Quantity)
		}
	}

	if returnAll {
		lines = lines[:0]
		for i := range sale.Items {
			returnable := sale.Items[i].Quantity.Sub(returnedByItem[sale.Items[i].ID])
			if returnable.IsPositive() {
				lines = append(lines, domain.ReturnLineRequest{SaleItemID: sale.Items[i].ID, Quantity: returnable})
			}
		}
		if len(lines) == 0 {
			return nil, store.ErrInvalidQuantity
		}
	}

	// Validate every line first; restocks apply only once all pass. A sale
	// item repeated across lines counts against the same returnable balance.
	planned := make(map[string]decimal.Decimal)
	for _, line := range lines {
		item, ok := itemsByID[line.SaleItemID]
		if !ok {
			return nil, store.ErrNotFound
		}
		if !line.Quantity.IsPositive() {
			return nil, store.ErrInvalidQuantity
		}
		if line.Quantity.GreaterThan(item.Quantity.Sub(returnedByItem[item.ID]).Sub(planned[item.ID])) {
			return nil, store.ErrInvalidQuantity
		}
		planned[item.ID] = planned[item.ID].Add(line.Quantity)
		if len(item.Consumptions) > 0 {
			capacity := decimal.Zero
			for _, c := range item.Consumptions {
				if _, lotExists := s.lots[c.LotID]; !lotExists {
					return nil, fmt.Errorf("restock lot %s for sale item %s: %w", c.LotID, item.ID, store.ErrNotFound)
				}
				capacity = capacity.Add(c.QuantityTaken.Sub(c.ReturnedQuantity))
			}
			if line.Quantity.GreaterThan(capacity) {
				return nil, store.ErrInvalidQuantity
			}
		}
	}

	if note.ID == "" {
		note.ID = uuid.NewString()
	}
	note.CreatedAt = at.UTC()
	note.Items = nil

	var err error
	if company.RegulatedInvoicing {
		note.Number, err = s.allocateRangeNumberLocked(note.CompanyID, domain.DocTypeCreditNote, at)
		if err != nil {
			return nil, err
		}
	} else {
		note.Number = s.allocateTicketNumberLocked(note.CompanyID, domain.DocTypeCreditNote, at)
	}

	total := decimal.Zero
	for _, line := range lines {
		item := itemsByID[line.SaleItemID]

		remaining := line.Quantity
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
			lot := s.lots[c.LotID]
			lot.Remaining = lot.Remaining.Add(back)
			c.ReturnedQuantity = c.ReturnedQuantity.Add(back)
			remaining = remaining.Sub(back)
		}

		product := s.products[item.ProductID]
		product.Inventory = product.Inventory.Add(line.Quantity)
		s.products[item.ProductID] = product

		// Refund pro rata against the cumulative returned quantity so the
		// refunds for a fully returned line sum exactly to its subtotal.
		already := returnedByItem[item.ID]
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

	var drawerCopy *domain.CashDrawer
	if drawer := s.openDrawerLocked(note.CompanyID, note.OperatorID, at); drawer != nil {
		drawer.ReturnsTotal = drawer.ReturnsTotal.Add(note.Total)
		drawer.CurrentAmount = drawer.CurrentAmount.Sub(note.Total)
		cp := *drawer
		drawerCopy = &cp
	}

	stored := note
	s.creditNotes[note.ID] = &stored

	created := note
	return &store.ReturnOutcome{CreditNote: &created, Drawer: drawerCopy}, nil
}

func (s *Store) GetCreditNote(_ context.Context, companyID string, noteID string) (*domain.CreditNote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	note, exists := s.creditNotes[noteID]
	if !exists || note.CompanyID != companyID {
		return nil, store.ErrNotFound
	}
	cp := *note
	return &cp, nil
}

func drawerKey(companyID string, operatorID string, date string) string {
	return strings.Join([]string{companyID, operatorID, date}, "|")
}

func (s *Store) openDrawerLocked(companyID string, operatorID string, at time.Time) *domain.CashDrawer {
	drawer, exists := s.drawers[drawerKey(companyID, operatorID, domain.DrawerDate(at))]
	if !exists || drawer.Closed {
		return nil
	}
	return drawer
}

func (s *Store) OpenDrawer(_ context.Context, companyID string, operatorID string, initial decimal.Decimal, at time.Time) (*domain.CashDrawer, error) {
	if companyID == "" || operatorID == "" {
		return nil, store.ErrInvalidRequest
	}
	if initial.IsNegative() {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	date := domain.DrawerDate(at)
	key := drawerKey(companyID, operatorID, date)
	if existing, exists := s.drawers[key]; exists {
		if !existing.Closed {
			cp := *existing
			return &cp, nil
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
		cp := *existing
		return &cp, nil
	}

	drawer := &domain.CashDrawer{
		ID:            uuid.NewString(),
		CompanyID:     companyID,
		OperatorID:    operatorID,
		Date:          date,
		InitialAmount: initial,
		SalesTotal:    decimal.Zero,
		ReturnsTotal:  decimal.Zero,
		ExpensesTotal: decimal.Zero,
		CurrentAmount: initial,
		CountedAmount: decimal.Zero,
		Discrepancy:   decimal.Zero,
		OpenedAt:      at.UTC(),
	}
	s.drawers[key] = drawer

	cp := *drawer
	return &cp, nil
}

func (s *Store) GetOpenDrawer(_ context.Context, companyID string, operatorID string, date string) (*domain.CashDrawer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	drawer, exists := s.drawers[drawerKey(companyID, operatorID, date)]
	if !exists || drawer.Closed {
		return nil, store.ErrDrawerNotOpen
	}
	cp := *drawer
	return &cp, nil
}

func (s *Store) RecordExpense(_ context.Context, companyID string, operatorID string, expense domain.Expense, at time.Time) (*domain.Expense, *domain.CashDrawer, error) {
	if expense.Description == "" {
		return nil, nil, store.ErrInvalidRequest
	}
	if !expense.Amount.IsPositive() {
		return nil, nil, store.ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	drawer := s.openDrawerLocked(companyID, operatorID, at)
	if drawer == nil {
		return nil, nil, store.ErrDrawerNotOpen
	}

	if expense.ID == "" {
		expense.ID = uuid.NewString()
	}
	expense.DrawerID = drawer.ID
	expense.CreatedAt = at.UTC()
	s.expenses[expense.ID] = expense

	drawer.ExpensesTotal = drawer.ExpensesTotal.Add(expense.Amount)
	drawer.CurrentAmount = drawer.CurrentAmount.Sub(expense.Amount)

	created := expense
	cp := *drawer
	return &created, &cp, nil
}

func (s *Store) CloseDrawer(_ context.Context, companyID string, operatorID string, counted decimal.Decimal, notes string, at time.Time) (*domain.CashDrawer, error) {
	if counted.IsNegative() {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	drawer := s.openDrawerLocked(companyID, operatorID, at)
	if drawer == nil {
		return nil, store.ErrDrawerNotOpen
	}

	closedAt := at.UTC()
	drawer.Closed = true
	drawer.ClosedAt = &closedAt
	drawer.CountedAmount = counted
	drawer.Discrepancy = counted.Sub(drawer.CurrentAmount)
	drawer.Notes = notes

	cp := *drawer
	return &cp, nil
}

func (s *Store) GetDailySummary(_ context.Context, companyID string, date string) (*domain.DailySummary, error) {
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return nil, store.ErrInvalidRequest
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := domain.DailySummary{CompanyID: companyID, Date: date}
	for _, sale := range s.sales {
		if sale.CompanyID == companyID && domain.DrawerDate(sale.CreatedAt) == date {
			summary.SalesCount++
			summary.SalesTotal = summary.SalesTotal.Add(sale.FinalTotal)
		}
	}
	for _, note := range s.creditNotes {
		if note.CompanyID == companyID && domain.DrawerDate(note.CreatedAt) == date {
			summary.ReturnsCount++
			summary.ReturnsTotal = summary.ReturnsTotal.Add(note.Total)
		}
	}
	for _, expense := range s.expenses {
		if domain.DrawerDate(expense.CreatedAt) != date {
			continue
		}
		for _, d := range s.drawers {
			if d.ID == expense.DrawerID && d.CompanyID == companyID {
				summary.ExpensesTotal = summary.ExpensesTotal.Add(expense.Amount)
				break
			}
		}
	}
	summary.NetTotal = summary.SalesTotal.Sub(summary.ReturnsTotal).Sub(summary.ExpensesTotal)
	return &summary, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) (*domain.UserAccount, error) {
	if user.CompanyID == "" || user.Username == "" || user.PasswordHash == "" {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[user.Username]; exists {
		return nil, store.ErrInvalidRequest
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	user.Active = true
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByUsername[user.Username] = user

	created := user
	return &created, nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.usersByUsername[username]
	if !exists {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func (s *Store) FindAuthorizer(_ context.Context, companyID string, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.usersByUsername[username]
	if !exists || user.CompanyID != companyID || !user.Active {
		return nil, store.ErrUnauthorized
	}
	if user.Role != domain.RoleSupervisor && user.Role != domain.RoleAdmin {
		return nil, store.ErrUnauthorized
	}
	return &user, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, companyID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(logs) < limit; i-- {
		entry := s.auditLogs[i]
		if entry.CompanyID != companyID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		logs = append(logs, entry)
	}
	return logs, nil
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), 0, 0, 0, 0, time.UTC)
}
