package cache

import (
	"context"
	"time"

	"posledger/internal/domain"
)

// ReportCache holds generated kardex reports. Inventory movements must
// invalidate the product's entry so readers never see a stale lot table.
type ReportCache interface {
	GetKardex(ctx context.Context, key string) (*domain.KardexReport, bool, error)
	SetKardex(ctx context.Context, key string, report *domain.KardexReport, ttl time.Duration) error
	InvalidateKardex(ctx context.Context, key string) error
}

type NoopReportCache struct{}

func (NoopReportCache) GetKardex(_ context.Context, _ string) (*domain.KardexReport, bool, error) {
	return nil, false, nil
}

func (NoopReportCache) SetKardex(_ context.Context, _ string, _ *domain.KardexReport, _ time.Duration) error {
	return nil
}

func (NoopReportCache) InvalidateKardex(_ context.Context, _ string) error {
	return nil
}
