package einvoice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"posledger/internal/domain"
)

func sampleSale() (*domain.Company, *domain.Sale) {
	company := &domain.Company{
		TaxID:    "B11111111",
		Currency: "EUR",
	}
	sale := &domain.Sale{
		SaleNumber:   "F00000001",
		DocumentType: domain.DocTypeInvoice,
		FinalTotal:   decimal.NewFromInt(30),
		CreatedAt:    time.Now().UTC(),
		Items: []domain.SaleItem{{
			ProductID: "prod-1",
			Quantity:  decimal.NewFromInt(2),
			UnitPrice: decimal.NewFromInt(15),
			Subtotal:  decimal.NewFromInt(30),
		}},
	}
	return company, sale
}

func TestHTTPSubmitterSendsInvoicePayload(t *testing.T) {
	var got submission
	var auth string
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer gateway.Close()

	company, sale := sampleSale()
	submitter := NewHTTPSubmitter(gateway.URL, "api-key-123", 2*time.Second)
	if err := submitter.Submit(context.Background(), company, sale); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if auth != "Bearer api-key-123" {
		t.Fatalf("unexpected authorization header %q", auth)
	}
	if got.TaxID != "B11111111" || got.Number != "F00000001" {
		t.Fatalf("unexpected payload header: %+v", got)
	}
	if got.Total != "30.00" {
		t.Fatalf("expected total 30.00, got %s", got.Total)
	}
	if len(got.Lines) != 1 || got.Lines[0].UnitPrice != "15.00" {
		t.Fatalf("unexpected payload lines: %+v", got.Lines)
	}
}

func TestHTTPSubmitterReportsGatewayErrors(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer gateway.Close()

	company, sale := sampleSale()
	submitter := NewHTTPSubmitter(gateway.URL, "", 2*time.Second)
	if err := submitter.Submit(context.Background(), company, sale); err == nil {
		t.Fatalf("expected an error on a non-2xx gateway response")
	}
}

func TestNoopSubmitterAcceptsEverything(t *testing.T) {
	company, sale := sampleSale()
	if err := (NoopSubmitter{}).Submit(context.Background(), company, sale); err != nil {
		t.Fatalf("noop submitter should never fail: %v", err)
	}
}
