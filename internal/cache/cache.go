package cache

import (
	"context"
)

// ReportCache tracks a per-tenant version that report aggregates are keyed
// on. Bumping the version orphans every aggregate cached under the old one.
type ReportCache interface {
	InvalidateTenant(ctx context.Context, tenantID string) error
	Version(ctx context.Context, tenantID string) (int64, error)
}

type NoopReportCache struct{}

func (NoopReportCache) InvalidateTenant(_ context.Context, _ string) error {
	return nil
}

func (NoopReportCache) Version(_ context.Context, _ string) (int64, error) {
	return 0, nil
}
