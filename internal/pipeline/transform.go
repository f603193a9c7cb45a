package pipeline

import (
	"context"
	"log/slog"

	"github.com/couchcryptid/crrw-etl/internal/domain"
)

// IndicatorTransformer implements Transformer using the domain indicator
// computation.
type IndicatorTransformer struct {
	logger *slog.Logger
}

// NewTransformer creates an IndicatorTransformer.
func NewTransformer(logger *slog.Logger) *IndicatorTransformer {
	return &IndicatorTransformer{logger: logger}
}

func (t *IndicatorTransformer) Transform(ctx context.Context, s domain.CaseSeries) (domain.RegionHistory, error) {
	if err := ctx.Err(); err != nil {
		return domain.RegionHistory{}, err
	}

	h, err := domain.ComputeIndicators(s)
	if err != nil {
		return domain.RegionHistory{}, err
	}

	if s.Region.Population <= 0 {
		t.logger.Debug("region without population, per-capita indicators are zero",
			"level", s.Region.Level, "region", s.Region.ID)
	}
	return h, nil
}
