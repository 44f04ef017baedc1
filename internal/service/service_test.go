package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"posledger/internal/cache"
	"posledger/internal/domain"
	"posledger/internal/einvoice"
	"posledger/internal/store"
	"posledger/internal/store/memory"
)

func newTestService() *Service {
	repo := memory.NewSeeded()
	return New(repo, cache.NoopReportCache{}, einvoice.NoopSubmitter{})
}

func adminContext() context.Context {
	return WithActor(context.Background(), domain.Actor{
		UserID:    "admin-id",
		CompanyID: "demo-company",
		Username:  "admin",
		Role:      domain.RoleAdmin,
	})
}

func mustCreateProduct(t *testing.T, svc *Service, ctx context.Context, companyID string, sku string, price int64, lotTracked bool) *domain.Product {
	t.Helper()
	product, err := svc.CreateProduct(ctx, domain.ProductCreateRequest{
		CompanyID:  companyID,
		SKU:        sku,
		Name:       "Product " + sku,
		Price:      decimal.NewFromInt(price),
		LotTracked: lotTracked,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	return product
}

func mustCreateSupplier(t *testing.T, svc *Service, ctx context.Context, companyID string) *domain.Supplier {
	t.Helper()
	supplier, err := svc.CreateSupplier(ctx, domain.SupplierCreateRequest{
		CompanyID: companyID,
		Name:      "Mayorista Norte",
	})
	if err != nil {
		t.Fatalf("create supplier: %v", err)
	}
	return supplier
}

func mustReceive(t *testing.T, svc *Service, ctx context.Context, companyID, supplierID, productID string, qty, cost int64, expiration string) *domain.Purchase {
	t.Helper()
	purchase, err := svc.CreatePurchase(ctx, domain.PurchaseCreateRequest{
		CompanyID:  companyID,
		SupplierID: supplierID,
		Items: []domain.PurchaseItemRequest{{
			ProductID:      productID,
			Quantity:       decimal.NewFromInt(qty),
			UnitCost:       decimal.NewFromInt(cost),
			ExpirationDate: expiration,
		}},
	})
	if err != nil {
		t.Fatalf("create purchase: %v", err)
	}
	return purchase
}

func TestSaleConsumesLotsFIFO(t *testing.T) {
	svc := newTestService()
	ctx := adminContext()

	product := mustCreateProduct(t, svc, ctx, "demo-company", "MILK-1L", 15, true)
	supplier := mustCreateSupplier(t, svc, ctx, "demo-company")
	mustReceive(t, svc, ctx, "demo-company", supplier.ID, product.ID, 5, 10, "")
	mustReceive(t, svc, ctx, "demo-company", supplier.ID, product.ID, 2, 12, "")

	sale, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		CompanyID:  "demo-company",
		OperatorID: "op-1",
		Items: []domain.SaleLineRequest{
			{ProductID: product.ID, Quantity: decimal.NewFromInt(7), UnitPrice: decimal.NewFromInt(15)},
		},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	consumptions := sale.Items[0].Consumptions
	if len(consumptions) != 2 {
		t.Fatalf("expected 2 lot consumptions, got %d", len(consumptions))
	}
	if !consumptions[0].QuantityTaken.Equal(decimal.NewFromInt(5)) || !consumptions[0].UnitCostAtTime.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("first consumption should drain the oldest lot: took %s at cost %s",
			consumptions[0].QuantityTaken, consumptions[0].UnitCostAtTime)
	}
	if !consumptions[1].QuantityTaken.Equal(decimal.NewFromInt(2)) || !consumptions[1].UnitCostAtTime.Equal(decimal.NewFromInt(12)) {
		t.Fatalf("second consumption should take the remainder from the newer lot: took %s at cost %s",
			consumptions[1].QuantityTaken, consumptions[1].UnitCostAtTime)
	}

	// 5*10 + 2*12.
	cogs := decimal.Zero
	for _, c := range consumptions {
		cogs = cogs.Add(c.QuantityTaken.Mul(c.UnitCostAtTime))
	}
	if !cogs.Equal(decimal.NewFromInt(74)) {
		t.Fatalf("expected COGS 74, got %s", cogs)
	}

	lots, err := svc.ListLots(ctx, "demo-company", product.ID, false)
	if err != nil {
		t.Fatalf("list lots: %v", err)
	}
	if !lots[0].Remaining.IsZero() || !lots[1].Remaining.IsZero() {
		t.Fatalf("both lots should be drained: %s / %s", lots[0].Remaining, lots[1].Remaining)
	}

	fresh, err := svc.GetProduct(ctx, "demo-company", product.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if !fresh.Inventory.IsZero() {
		t.Fatalf("cached inventory should be zero, got %s", fresh.Inventory)
	}
}

func TestSaleFailsWhenInventoryShort(t *testing.T) {
	svc := newTestService()
	ctx := adminContext()

	product := mustCreateProduct(t, svc, ctx, "demo-company", "MILK-1L", 15, true)
	supplier := mustCreateSupplier(t, svc, ctx, "demo-company")
	mustReceive(t, svc, ctx, "demo-company", supplier.ID, product.ID, 5, 10, "")

	_, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		CompanyID:  "demo-company",
		OperatorID: "op-1",
		Items: []domain.SaleLineRequest{
			{ProductID: product.ID, Quantity: decimal.NewFromInt(6)},
		},
	})
	if !errors.Is(err, store.ErrInsufficientInventory) {
		t.Fatalf("expected insufficient inventory, got %v", err)
	}

	// A failed sale must leave the lot untouched.
	lots, err := svc.ListLots(ctx, "demo-company", product.ID, false)
	if err != nil {
		t.Fatalf("list lots: %v", err)
	}
	if !lots[0].Remaining.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("lot should be untouched after failed sale, remaining %s", lots[0].Remaining)
	}
}

func TestExpiredLotStillCountsAndWarns(t *testing.T) {
	svc := newTestService()
	ctx := adminContext()

	product := mustCreateProduct(t, svc, ctx, "demo-company", "YOG-125", 3, true)
	supplier := mustCreateSupplier(t, svc, ctx, "demo-company")
	mustReceive(t, svc, ctx, "demo-company", supplier.ID, product.ID, 4, 1, "2020-01-01")

	sale, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		CompanyID:  "demo-company",
		OperatorID: "op-1",
		Items: []domain.SaleLineRequest{
			{ProductID: product.ID, Quantity: decimal.NewFromInt(2)},
		},
	})
	if err != nil {
		t.Fatalf("expired stock should still sell: %v", err)
	}
	if len(sale.Warnings) != 1 {
		t.Fatalf("expected one expired-lot warning, got %d", len(sale.Warnings))
	}
	if !strings.Contains(sale.Warnings[0], "expired lot") {
		t.Fatalf("unexpected warning text: %q", sale.Warnings[0])
	}
}

func TestInvoiceNumberingIsSequentialUntilExhausted(t *testing.T) {
	svc := newTestService()
	ctx := adminContext()

	company, err := svc.CreateCompany(ctx, domain.CompanyCreateRequest{
		Name:               "Regulada SL",
		TaxID:              "B11111111",
		RegulatedInvoicing: true,
	})
	if err != nil {
		t.Fatalf("create company: %v", err)
	}

	_, err = svc.CreateNumberingRange(ctx, domain.NumberingRangeCreateRequest{
		CompanyID:    company.ID,
		DocumentType: domain.DocTypeInvoice,
		Prefix:       "F",
		RangeFrom:    1,
		RangeTo:      3,
		ValidFrom:    "2000-01-01",
		ValidTo:      "2099-12-31",
	})
	if err != nil {
		t.Fatalf("create numbering range: %v", err)
	}

	product := mustCreateProduct(t, svc, ctx, company.ID, "PAN-01", 2, false)
	supplier := mustCreateSupplier(t, svc, ctx, company.ID)
	mustReceive(t, svc, ctx, company.ID, supplier.ID, product.ID, 100, 1, "")

	for i := 1; i <= 3; i++ {
		sale, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
			CompanyID:  company.ID,
			OperatorID: "op-1",
			Items: []domain.SaleLineRequest{
				{ProductID: product.ID, Quantity: decimal.NewFromInt(1)},
			},
		})
		if err != nil {
			t.Fatalf("sale %d: %v", i, err)
		}
		expected := fmt.Sprintf("F%08d", i)
		if sale.SaleNumber != expected {
			t.Fatalf("expected number %s, got %s", expected, sale.SaleNumber)
		}
		if sale.DocumentType != domain.DocTypeInvoice {
			t.Fatalf("expected invoice document, got %s", sale.DocumentType)
		}
	}

	_, err = svc.CreateSale(ctx, domain.SaleCreateRequest{
		CompanyID:  company.ID,
		OperatorID: "op-1",
		Items: []domain.SaleLineRequest{
			{ProductID: product.ID, Quantity: decimal.NewFromInt(1)},
		},
	})
	if !errors.Is(err, store.ErrRangeExhausted) {
		t.Fatalf("expected range exhausted, got %v", err)
	}
}

func TestUnregulatedCompanyGetsTicketNumbers(t *testing.T) {
	svc := newTestService()
	ctx := adminContext()

	product := mustCreateProduct(t, svc, ctx, "demo-company", "PAN-01", 2, false)
	supplier := mustCreateSupplier(t, svc, ctx, "demo-company")
	mustReceive(t, svc, ctx, "demo-company", supplier.ID, product.ID, 10, 1, "")

	day := time.Now().UTC().Format("20060102")
	for i := 1; i <= 2; i++ {
		sale, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
			CompanyID:  "demo-company",
			OperatorID: "op-1",
			Items: []domain.SaleLineRequest{
				{ProductID: product.ID, Quantity: decimal.NewFromInt(1)},
			},
		})
		if err != nil {
			t.Fatalf("sale %d: %v", i, err)
		}
		expected := fmt.Sprintf("T-%s-%06d", day, i)
		if sale.SaleNumber != expected {
			t.Fatalf("expected ticket %s, got %s", expected, sale.SaleNumber)
		}
		if sale.SubmissionStatus != domain.SubmissionNotRequired {
			t.Fatalf("ticket should not need submission, got %s", sale.SubmissionStatus)
		}
	}
}

func TestNumberingRangeRequiresAdmin(t *testing.T) {
	svc := newTestService()
	ctx := WithActor(context.Background(), domain.Actor{
		UserID:    "op-id",
		CompanyID: "demo-company",
		Username:  "operator",
		Role:      domain.RoleOperator,
	})

	_, err := svc.CreateNumberingRange(ctx, domain.NumberingRangeCreateRequest{
		CompanyID:    "demo-company",
		DocumentType: domain.DocTypeInvoice,
		RangeFrom:    1,
		RangeTo:      100,
		ValidFrom:    "2000-01-01",
		ValidTo:      "2099-12-31",
	})
	if !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestDrawerBalancesThroughTheDay(t *testing.T) {
	svc := newTestService()
	ctx := adminContext()

	product := mustCreateProduct(t, svc, ctx, "demo-company", "PAN-01", 50, false)
	supplier := mustCreateSupplier(t, svc, ctx, "demo-company")
	mustReceive(t, svc, ctx, "demo-company", supplier.ID, product.ID, 10, 20, "")

	drawer, err := svc.OpenDrawer(ctx, domain.DrawerOpenRequest{
		CompanyID:     "demo-company",
		OperatorID:    "op-1",
		InitialAmount: decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatalf("open drawer: %v", err)
	}
	if !drawer.CurrentAmount.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected current 100, got %s", drawer.CurrentAmount)
	}

	sale, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		CompanyID:  "demo-company",
		OperatorID: "op-1",
		Items: []domain.SaleLineRequest{
			{ProductID: product.ID, Quantity: decimal.NewFromInt(1)},
		},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if sale.DrawerID != drawer.ID {
		t.Fatalf("sale should be tied to the open drawer")
	}

	_, err = svc.RecordExpense(ctx, domain.ExpenseCreateRequest{
		CompanyID:   "demo-company",
		OperatorID:  "op-1",
		Description: "cambio para caja",
		Amount:      decimal.NewFromInt(20),
	})
	if err != nil {
		t.Fatalf("record expense: %v", err)
	}

	current, err := svc.GetOpenDrawer(ctx, "demo-company", "op-1")
	if err != nil {
		t.Fatalf("get open drawer: %v", err)
	}
	// 100 initial + 50 sale - 20 expense.
	if !current.CurrentAmount.Equal(decimal.NewFromInt(130)) {
		t.Fatalf("expected current 130, got %s", current.CurrentAmount)
	}

	closed, err := svc.CloseDrawer(ctx, domain.DrawerCloseRequest{
		CompanyID:     "demo-company",
		OperatorID:    "op-1",
		CountedAmount: decimal.NewFromInt(125),
	})
	if err != nil {
		t.Fatalf("close drawer: %v", err)
	}
	if !closed.Discrepancy.Equal(decimal.NewFromInt(-5)) {
		t.Fatalf("expected discrepancy -5, got %s", closed.Discrepancy)
	}
	if !closed.Closed {
		t.Fatalf("drawer should be closed")
	}
}

func TestExpenseWithoutOpenDrawerFails(t *testing.T) {
	svc := newTestService()
	ctx := adminContext()

	_, err := svc.RecordExpense(ctx, domain.ExpenseCreateRequest{
		CompanyID:   "demo-company",
		OperatorID:  "op-1",
		Description: "bolsas",
		Amount:      decimal.NewFromInt(5),
	})
	if !errors.Is(err, store.ErrDrawerNotOpen) {
		t.Fatalf("expected drawer not open, got %v", err)
	}
}

func TestSaleWithoutDrawerStillSucceeds(t *testing.T) {
	svc := newTestService()
	ctx := adminContext()

	product := mustCreateProduct(t, svc, ctx, "demo-company", "PAN-01", 2, false)
	supplier := mustCreateSupplier(t, svc, ctx, "demo-company")
	mustReceive(t, svc, ctx, "demo-company", supplier.ID, product.ID, 10, 1, "")

	sale, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		CompanyID:  "demo-company",
		OperatorID: "op-1",
		Items: []domain.SaleLineRequest{
			{ProductID: product.ID, Quantity: decimal.NewFromInt(1)},
		},
	})
	if err != nil {
		t.Fatalf("sale should succeed without an open drawer: %v", err)
	}
	if sale.DrawerID != "" {
		t.Fatalf("sale should not reference a drawer, got %s", sale.DrawerID)
	}
}

func TestSameDayReopenResetsTotals(t *testing.T) {
	svc := newTestService()
	ctx := adminContext()

	product := mustCreateProduct(t, svc, ctx, "demo-company", "PAN-01", 50, false)
	supplier := mustCreateSupplier(t, svc, ctx, "demo-company")
	mustReceive(t, svc, ctx, "demo-company", supplier.ID, product.ID, 10, 20, "")

	if _, err := svc.OpenDrawer(ctx, domain.DrawerOpenRequest{
		CompanyID:     "demo-company",
		OperatorID:    "op-1",
		InitialAmount: decimal.NewFromInt(100),
	}); err != nil {
		t.Fatalf("open drawer: %v", err)
	}
	if _, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		CompanyID:  "demo-company",
		OperatorID: "op-1",
		Items: []domain.SaleLineRequest{
			{ProductID: product.ID, Quantity: decimal.NewFromInt(1)},
		},
	}); err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if _, err := svc.CloseDrawer(ctx, domain.DrawerCloseRequest{
		CompanyID:     "demo-company",
		OperatorID:    "op-1",
		CountedAmount: decimal.NewFromInt(150),
	}); err != nil {
		t.Fatalf("close drawer: %v", err)
	}

	reopened, err := svc.OpenDrawer(ctx, domain.DrawerOpenRequest{
		CompanyID:     "demo-company",
		OperatorID:    "op-1",
		InitialAmount: decimal.NewFromInt(40),
	})
	if err != nil {
		t.Fatalf("reopen drawer: %v", err)
	}
	if !reopened.SalesTotal.IsZero() || !reopened.CurrentAmount.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("reopen should reset totals: sales=%s current=%s", reopened.SalesTotal, reopened.CurrentAmount)
	}
	if reopened.Closed {
		t.Fatalf("reopened drawer should be open")
	}
}

func TestReturnRequiresSupervisorCredentials(t *testing.T) {
	svc := newTestService()
	ctx := adminContext()

	product := mustCreateProduct(t, svc, ctx, "demo-company", "MILK-1L", 15, true)
	supplier := mustCreateSupplier(t, svc, ctx, "demo-company")
	mustReceive(t, svc, ctx, "demo-company", supplier.ID, product.ID, 5, 10, "")

	sale, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		CompanyID:  "demo-company",
		OperatorID: "op-1",
		Items: []domain.SaleLineRequest{
			{ProductID: product.ID, Quantity: decimal.NewFromInt(2)},
		},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	// Operators cannot countersign their own returns.
	_, err = svc.CreateReturn(ctx, domain.ReturnCreateRequest{
		CompanyID:          "demo-company",
		OperatorID:         "op-1",
		SaleID:             sale.ID,
		ReturnAll:          true,
		SupervisorUsername: "operator",
		SupervisorPassword: "operator123",
	})
	if !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for operator countersign, got %v", err)
	}

	// A valid supervisor with the wrong password is rejected too.
	if _, err := svc.CreateUser(ctx, domain.UserCreateRequest{
		CompanyID: "demo-company",
		Username:  "super1",
		Password:  "superpass99",
		Role:      domain.RoleSupervisor,
	}); err != nil {
		t.Fatalf("create supervisor: %v", err)
	}
	_, err = svc.CreateReturn(ctx, domain.ReturnCreateRequest{
		CompanyID:          "demo-company",
		OperatorID:         "op-1",
		SaleID:             sale.ID,
		ReturnAll:          true,
		SupervisorUsername: "super1",
		SupervisorPassword: "wrong-password",
	})
	if !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for wrong password, got %v", err)
	}

	// Nothing was restocked by the failed attempts.
	fresh, err := svc.GetProduct(ctx, "demo-company", product.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if !fresh.Inventory.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("inventory should stay at 3, got %s", fresh.Inventory)
	}
}

func TestFullReturnRestoresLotsAndInventory(t *testing.T) {
	svc := newTestService()
	ctx := adminContext()

	product := mustCreateProduct(t, svc, ctx, "demo-company", "MILK-1L", 15, true)
	supplier := mustCreateSupplier(t, svc, ctx, "demo-company")
	mustReceive(t, svc, ctx, "demo-company", supplier.ID, product.ID, 5, 10, "")

	if _, err := svc.CreateUser(ctx, domain.UserCreateRequest{
		CompanyID: "demo-company",
		Username:  "super1",
		Password:  "superpass99",
		Role:      domain.RoleSupervisor,
	}); err != nil {
		t.Fatalf("create supervisor: %v", err)
	}

	sale, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		CompanyID:  "demo-company",
		OperatorID: "op-1",
		Items: []domain.SaleLineRequest{
			{ProductID: product.ID, Quantity: decimal.NewFromInt(3)},
		},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	note, err := svc.CreateReturn(ctx, domain.ReturnCreateRequest{
		CompanyID:          "demo-company",
		OperatorID:         "op-1",
		SaleID:             sale.ID,
		ReturnAll:          true,
		Reason:             "cliente devuelve compra completa",
		SupervisorUsername: "super1",
		SupervisorPassword: "superpass99",
	})
	if err != nil {
		t.Fatalf("create return: %v", err)
	}
	if !note.Total.Equal(sale.FinalTotal) {
		t.Fatalf("full return should refund the full total: %s vs %s", note.Total, sale.FinalTotal)
	}
	if note.Number == "" {
		t.Fatalf("credit note should carry a document number")
	}

	lots, err := svc.ListLots(ctx, "demo-company", product.ID, false)
	if err != nil {
		t.Fatalf("list lots: %v", err)
	}
	if !lots[0].Remaining.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("lot should be fully restocked, remaining %s", lots[0].Remaining)
	}
	fresh, err := svc.GetProduct(ctx, "demo-company", product.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if !fresh.Inventory.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("cached inventory should be back to 5, got %s", fresh.Inventory)
	}

	// A second full return against the same sale has nothing left to return.
	_, err = svc.CreateReturn(ctx, domain.ReturnCreateRequest{
		CompanyID:          "demo-company",
		OperatorID:         "op-1",
		SaleID:             sale.ID,
		ReturnAll:          true,
		SupervisorUsername: "super1",
		SupervisorPassword: "superpass99",
	})
	if !errors.Is(err, store.ErrInvalidQuantity) {
		t.Fatalf("expected invalid quantity on double return, got %v", err)
	}
}

func TestPartialReturnCannotExceedSoldQuantity(t *testing.T) {
	svc := newTestService()
	ctx := adminContext()

	product := mustCreateProduct(t, svc, ctx, "demo-company", "MILK-1L", 15, true)
	supplier := mustCreateSupplier(t, svc, ctx, "demo-company")
	mustReceive(t, svc, ctx, "demo-company", supplier.ID, product.ID, 10, 10, "")

	if _, err := svc.CreateUser(ctx, domain.UserCreateRequest{
		CompanyID: "demo-company",
		Username:  "super1",
		Password:  "superpass99",
		Role:      domain.RoleSupervisor,
	}); err != nil {
		t.Fatalf("create supervisor: %v", err)
	}

	sale, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		CompanyID:  "demo-company",
		OperatorID: "op-1",
		Items: []domain.SaleLineRequest{
			{ProductID: product.ID, Quantity: decimal.NewFromInt(4)},
		},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	if _, err := svc.CreateReturn(ctx, domain.ReturnCreateRequest{
		CompanyID:  "demo-company",
		OperatorID: "op-1",
		SaleID:     sale.ID,
		Items: []domain.ReturnLineRequest{
			{SaleItemID: sale.Items[0].ID, Quantity: decimal.NewFromInt(2)},
		},
		SupervisorUsername: "super1",
		SupervisorPassword: "superpass99",
	}); err != nil {
		t.Fatalf("partial return: %v", err)
	}

	// Only 2 of the 4 remain returnable.
	_, err = svc.CreateReturn(ctx, domain.ReturnCreateRequest{
		CompanyID:  "demo-company",
		OperatorID: "op-1",
		SaleID:     sale.ID,
		Items: []domain.ReturnLineRequest{
			{SaleItemID: sale.Items[0].ID, Quantity: decimal.NewFromInt(3)},
		},
		SupervisorUsername: "super1",
		SupervisorPassword: "superpass99",
	})
	if !errors.Is(err, store.ErrInvalidQuantity) {
		t.Fatalf("expected invalid quantity, got %v", err)
	}
}

func TestSaleIdempotencyKeyReturnsExistingSale(t *testing.T) {
	svc := newTestService()
	ctx := adminContext()

	product := mustCreateProduct(t, svc, ctx, "demo-company", "PAN-01", 2, false)
	supplier := mustCreateSupplier(t, svc, ctx, "demo-company")
	mustReceive(t, svc, ctx, "demo-company", supplier.ID, product.ID, 10, 1, "")

	req := domain.SaleCreateRequest{
		CompanyID:      "demo-company",
		OperatorID:     "op-1",
		IdempotencyKey: "idem-123",
		Items: []domain.SaleLineRequest{
			{ProductID: product.ID, Quantity: decimal.NewFromInt(1)},
		},
	}

	first, err := svc.CreateSale(ctx, req)
	if err != nil {
		t.Fatalf("first sale: %v", err)
	}
	second, err := svc.CreateSale(ctx, req)
	if err != nil {
		t.Fatalf("retried sale: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("retried sale should be flagged as duplicate")
	}
	if second.ID != first.ID || second.SaleNumber != first.SaleNumber {
		t.Fatalf("retry should return the original sale")
	}

	// Inventory was only deducted once.
	fresh, err := svc.GetProduct(ctx, "demo-company", product.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if !fresh.Inventory.Equal(decimal.NewFromInt(9)) {
		t.Fatalf("expected inventory 9, got %s", fresh.Inventory)
	}
}

func TestKardexReportBalances(t *testing.T) {
	svc := newTestService()
	ctx := adminContext()

	product := mustCreateProduct(t, svc, ctx, "demo-company", "MILK-1L", 15, true)
	supplier := mustCreateSupplier(t, svc, ctx, "demo-company")
	mustReceive(t, svc, ctx, "demo-company", supplier.ID, product.ID, 5, 10, "")

	if _, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		CompanyID:  "demo-company",
		OperatorID: "op-1",
		Items: []domain.SaleLineRequest{
			{ProductID: product.ID, Quantity: decimal.NewFromInt(2)},
		},
	}); err != nil {
		t.Fatalf("create sale: %v", err)
	}

	report, err := svc.GetKardex(ctx, "demo-company", product.ID)
	if err != nil {
		t.Fatalf("get kardex: %v", err)
	}
	if !report.CachedInventory.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected cached 3, got %s", report.CachedInventory)
	}
	if !report.LotRemainingSum.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected lot sum 3, got %s", report.LotRemainingSum)
	}
	if !report.Divergence.IsZero() {
		t.Fatalf("expected zero divergence, got %s", report.Divergence)
	}
	if len(report.Entries) != 1 || !report.Entries[0].Consumed.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("kardex entry should show 2 consumed")
	}
}

func TestDailySummaryNets(t *testing.T) {
	svc := newTestService()
	ctx := adminContext()

	product := mustCreateProduct(t, svc, ctx, "demo-company", "PAN-01", 50, false)
	supplier := mustCreateSupplier(t, svc, ctx, "demo-company")
	mustReceive(t, svc, ctx, "demo-company", supplier.ID, product.ID, 10, 20, "")

	if _, err := svc.OpenDrawer(ctx, domain.DrawerOpenRequest{
		CompanyID:     "demo-company",
		OperatorID:    "op-1",
		InitialAmount: decimal.NewFromInt(100),
	}); err != nil {
		t.Fatalf("open drawer: %v", err)
	}
	if _, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		CompanyID:  "demo-company",
		OperatorID: "op-1",
		Items: []domain.SaleLineRequest{
			{ProductID: product.ID, Quantity: decimal.NewFromInt(1)},
		},
	}); err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if _, err := svc.RecordExpense(ctx, domain.ExpenseCreateRequest{
		CompanyID:   "demo-company",
		OperatorID:  "op-1",
		Description: "reparto",
		Amount:      decimal.NewFromInt(10),
	}); err != nil {
		t.Fatalf("record expense: %v", err)
	}

	summary, err := svc.GetDailySummary(ctx, "demo-company", "")
	if err != nil {
		t.Fatalf("daily summary: %v", err)
	}
	if summary.SalesCount != 1 || !summary.SalesTotal.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected one sale of 50, got %d / %s", summary.SalesCount, summary.SalesTotal)
	}
	if !summary.NetTotal.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("expected net 40, got %s", summary.NetTotal)
	}
}

func TestCreateUserRequiresAdmin(t *testing.T) {
	svc := newTestService()
	ctx := WithActor(context.Background(), domain.Actor{
		UserID:    "op-id",
		CompanyID: "demo-company",
		Username:  "operator",
		Role:      domain.RoleOperator,
	})

	_, err := svc.CreateUser(ctx, domain.UserCreateRequest{
		CompanyID: "demo-company",
		Username:  "sneaky",
		Password:  "longenough1",
		Role:      domain.RoleAdmin,
	})
	if !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestAuditTrailRecordsSales(t *testing.T) {
	svc := newTestService()
	ctx := adminContext()

	product := mustCreateProduct(t, svc, ctx, "demo-company", "PAN-01", 2, false)
	supplier := mustCreateSupplier(t, svc, ctx, "demo-company")
	mustReceive(t, svc, ctx, "demo-company", supplier.ID, product.ID, 10, 1, "")

	if _, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		CompanyID:  "demo-company",
		OperatorID: "op-1",
		Items: []domain.SaleLineRequest{
			{ProductID: product.ID, Quantity: decimal.NewFromInt(1)},
		},
	}); err != nil {
		t.Fatalf("create sale: %v", err)
	}

	logs, err := svc.ListAuditLogs(ctx, "demo-company", time.Time{}, time.Time{}, 50)
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	found := false
	for _, entry := range logs {
		if entry.Action == "sale_create" && entry.ActorName == "admin" {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("expected a sale_create audit entry by admin")
	}
}

func TestSaleRepeatingProductAcrossLinesCannotOversell(t *testing.T) {
	svc := newTestService()
	ctx := adminContext()

	product := mustCreateProduct(t, svc, ctx, "demo-company", "MILK-1L", 15, true)
	supplier := mustCreateSupplier(t, svc, ctx, "demo-company")
	mustReceive(t, svc, ctx, "demo-company", supplier.ID, product.ID, 5, 10, "")

	// Two lines of 3 against a single lot of 5: the second line must not
	// count the stock already promised to the first.
	_, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		CompanyID:  "demo-company",
		OperatorID: "op-1",
		Items: []domain.SaleLineRequest{
			{ProductID: product.ID, Quantity: decimal.NewFromInt(3)},
			{ProductID: product.ID, Quantity: decimal.NewFromInt(3)},
		},
	})
	if !errors.Is(err, store.ErrInsufficientInventory) {
		t.Fatalf("expected insufficient inventory, got %v", err)
	}

	lots, err := svc.ListLots(ctx, "demo-company", product.ID, false)
	if err != nil {
		t.Fatalf("list lots: %v", err)
	}
	if !lots[0].Remaining.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("failed sale must leave the lot untouched, got %s", lots[0].Remaining)
	}

	// Lines of 3 and 2 fit exactly and drain the lot.
	sale, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		CompanyID:  "demo-company",
		OperatorID: "op-1",
		Items: []domain.SaleLineRequest{
			{ProductID: product.ID, Quantity: decimal.NewFromInt(3)},
			{ProductID: product.ID, Quantity: decimal.NewFromInt(2)},
		},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if !sale.Items[0].Consumptions[0].QuantityTaken.Equal(decimal.NewFromInt(3)) ||
		!sale.Items[1].Consumptions[0].QuantityTaken.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected takes 3 and 2 from the shared lot, got %s and %s",
			sale.Items[0].Consumptions[0].QuantityTaken, sale.Items[1].Consumptions[0].QuantityTaken)
	}
	lots, err = svc.ListLots(ctx, "demo-company", product.ID, false)
	if err != nil {
		t.Fatalf("list lots: %v", err)
	}
	if !lots[0].Remaining.IsZero() {
		t.Fatalf("lot should be drained, got %s", lots[0].Remaining)
	}
}

func TestNonTrackedSaleGatesOnCachedInventory(t *testing.T) {
	svc := newTestService()
	ctx := adminContext()

	product := mustCreateProduct(t, svc, ctx, "demo-company", "PAN-01", 2, false)
	supplier := mustCreateSupplier(t, svc, ctx, "demo-company")
	mustReceive(t, svc, ctx, "demo-company", supplier.ID, product.ID, 2, 1, "")

	_, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		CompanyID:  "demo-company",
		OperatorID: "op-1",
		Items: []domain.SaleLineRequest{
			{ProductID: product.ID, Quantity: decimal.NewFromInt(3)},
		},
	})
	if !errors.Is(err, store.ErrInsufficientInventory) {
		t.Fatalf("expected insufficient inventory, got %v", err)
	}

	// Repeating the product across lines counts against the same counter.
	_, err = svc.CreateSale(ctx, domain.SaleCreateRequest{
		CompanyID:  "demo-company",
		OperatorID: "op-1",
		Items: []domain.SaleLineRequest{
			{ProductID: product.ID, Quantity: decimal.NewFromInt(2)},
			{ProductID: product.ID, Quantity: decimal.NewFromInt(1)},
		},
	})
	if !errors.Is(err, store.ErrInsufficientInventory) {
		t.Fatalf("expected insufficient inventory for repeated lines, got %v", err)
	}

	if _, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		CompanyID:  "demo-company",
		OperatorID: "op-1",
		Items: []domain.SaleLineRequest{
			{ProductID: product.ID, Quantity: decimal.NewFromInt(2)},
		},
	}); err != nil {
		t.Fatalf("create sale: %v", err)
	}
}

func TestRepeatedPartialReturnsRefundExactlyTheSubtotal(t *testing.T) {
	svc := newTestService()
	ctx := adminContext()

	product := mustCreateProduct(t, svc, ctx, "demo-company", "MILK-1L", 15, true)
	supplier := mustCreateSupplier(t, svc, ctx, "demo-company")
	mustReceive(t, svc, ctx, "demo-company", supplier.ID, product.ID, 10, 10, "")

	if _, err := svc.CreateUser(ctx, domain.UserCreateRequest{
		CompanyID: "demo-company",
		Username:  "super1",
		Password:  "superpass99",
		Role:      domain.RoleSupervisor,
	}); err != nil {
		t.Fatalf("create supervisor: %v", err)
	}

	// 3 * 9.95 less 10% = 26.87, which does not divide evenly by 3.
	sale, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		CompanyID:  "demo-company",
		OperatorID: "op-1",
		Items: []domain.SaleLineRequest{
			{
				ProductID:       product.ID,
				Quantity:        decimal.NewFromInt(3),
				UnitPrice:       decimal.RequireFromString("9.95"),
				DiscountPercent: decimal.NewFromInt(10),
			},
		},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if !sale.Items[0].Subtotal.Equal(decimal.RequireFromString("26.87")) {
		t.Fatalf("expected subtotal 26.87, got %s", sale.Items[0].Subtotal)
	}

	refunded := decimal.Zero
	for i := 0; i < 3; i++ {
		note, err := svc.CreateReturn(ctx, domain.ReturnCreateRequest{
			CompanyID:  "demo-company",
			OperatorID: "op-1",
			SaleID:     sale.ID,
			Items: []domain.ReturnLineRequest{
				{SaleItemID: sale.Items[0].ID, Quantity: decimal.NewFromInt(1)},
			},
			SupervisorUsername: "super1",
			SupervisorPassword: "superpass99",
		})
		if err != nil {
			t.Fatalf("partial return %d: %v", i+1, err)
		}
		refunded = refunded.Add(note.Total)
	}
	if !refunded.Equal(sale.Items[0].Subtotal) {
		t.Fatalf("refunds should sum to the line subtotal %s, got %s", sale.Items[0].Subtotal, refunded)
	}
}

func TestOpenDrawerWhileOpenReturnsExistingDrawer(t *testing.T) {
	svc := newTestService()
	ctx := adminContext()

	first, err := svc.OpenDrawer(ctx, domain.DrawerOpenRequest{
		CompanyID:     "demo-company",
		OperatorID:    "op-1",
		InitialAmount: decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatalf("open drawer: %v", err)
	}

	second, err := svc.OpenDrawer(ctx, domain.DrawerOpenRequest{
		CompanyID:     "demo-company",
		OperatorID:    "op-1",
		InitialAmount: decimal.NewFromInt(50),
	})
	if err != nil {
		t.Fatalf("reopen drawer: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("second open should return the existing drawer")
	}
	if !second.InitialAmount.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("open drawer must stay untouched, got initial %s", second.InitialAmount)
	}
}

func TestCreateProductRejectsUnknownUnit(t *testing.T) {
	svc := newTestService()
	ctx := adminContext()

	_, err := svc.CreateProduct(ctx, domain.ProductCreateRequest{
		CompanyID: "demo-company",
		SKU:       "RICE-1K",
		Name:      "Arroz 1kg",
		Price:     decimal.NewFromInt(3),
		Unit:      "box",
	})
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}

	product, err := svc.CreateProduct(ctx, domain.ProductCreateRequest{
		CompanyID: "demo-company",
		SKU:       "RICE-1K",
		Name:      "Arroz 1kg",
		Price:     decimal.NewFromInt(3),
		Unit:      domain.UnitWeight,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	if product.Unit != domain.UnitWeight {
		t.Fatalf("expected unit %q, got %q", domain.UnitWeight, product.Unit)
	}
}
