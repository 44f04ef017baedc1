// Package einvoice forwards regulated invoices to the tax agency gateway.
// Submission happens after the sale transaction commits and never affects
// the sale itself; only the submission status is written back.
package einvoice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"posledger/internal/domain"
)

type Submitter interface {
	Submit(ctx context.Context, company *domain.Company, sale *domain.Sale) error
}

type NoopSubmitter struct{}

func (NoopSubmitter) Submit(_ context.Context, _ *domain.Company, _ *domain.Sale) error {
	return nil
}

type HTTPSubmitter struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewHTTPSubmitter(endpoint string, apiKey string, timeout time.Duration) *HTTPSubmitter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSubmitter{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

type submission struct {
	TaxID        string          `json:"tax_id"`
	Number       string          `json:"number"`
	DocumentType string          `json:"document_type"`
	IssuedAt     string          `json:"issued_at"`
	Currency     string          `json:"currency"`
	Lines        []submissionLine `json:"lines"`
	Total        string          `json:"total"`
}

type submissionLine struct {
	ProductID string `json:"product_id"`
	Quantity  string `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	Subtotal  string `json:"subtotal"`
}

func (s *HTTPSubmitter) Submit(ctx context.Context, company *domain.Company, sale *domain.Sale) error {
	payload := submission{
		TaxID:        company.TaxID,
		Number:       sale.SaleNumber,
		DocumentType: sale.DocumentType,
		IssuedAt:     sale.CreatedAt.UTC().Format(time.RFC3339),
		Currency:     company.Currency,
		Total:        sale.FinalTotal.StringFixed(2),
	}
	for _, item := range sale.Items {
		payload.Lines = append(payload.Lines, submissionLine{
			ProductID: item.ProductID,
			Quantity:  item.Quantity.String(),
			UnitPrice: item.UnitPrice.StringFixed(2),
			Subtotal:  item.Subtotal.StringFixed(2),
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}
	return nil
}
