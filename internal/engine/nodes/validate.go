package nodes

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/commercewatch/prodscan/internal/domain"
	"github.com/commercewatch/prodscan/internal/engine"
)

// validateNode checks the shape of every scanned record. Malformed records
// are demoted to failed outcomes; the node itself fails only when the
// invalid ratio crosses the configured threshold.
//
// Config:
//
//	max_invalid_ratio: failure threshold in [0,1] (default 0.5)
type validateNode struct{}

func (n *validateNode) Type() string { return "validate" }

func (n *validateNode) Execute(ctx context.Context, nc engine.NodeContext) (engine.NodeResult, error) {
	outcomes, err := sharedOutcomes(nc)
	if err != nil {
		return engine.NodeResult{}, err
	}

	var checked, invalid int
	for i, oc := range outcomes {
		if oc.Err != nil || oc.Result.IsNotFound {
			continue
		}
		checked++
		if vErr := validateRecord(oc.Result); vErr != nil {
			invalid++
			outcomes[i].Err = vErr
			nc.Logger.Warn("record rejected",
				slog.String("product_id", oc.Result.ProductID),
				slog.Any("error", vErr),
			)
		}
	}
	nc.Shared.Set(keyOutcomes, outcomes)

	maxRatio := cfgFloat(nc.Config, "max_invalid_ratio", 0.5)
	if checked > 0 {
		ratio := float64(invalid) / float64(checked)
		if ratio > maxRatio {
			return engine.NodeResult{}, fmt.Errorf("op=nodes.validate: %w: %d of %d records invalid", domain.ErrValidationFailed, invalid, checked)
		}
	}
	return engine.NodeResult{Output: map[string]any{
		"checked": checked,
		"invalid": invalid,
	}}, nil
}

func validateRecord(res domain.ScanResult) error {
	rec := res.Record
	if rec == nil {
		return fmt.Errorf("%w: scan succeeded without a record", domain.ErrValidationFailed)
	}
	if rec.Name == "" {
		return fmt.Errorf("%w: empty product name", domain.ErrValidationFailed)
	}
	if rec.OriginalPrice < 0 || rec.DiscountedPrice < 0 {
		return fmt.Errorf("%w: negative price", domain.ErrValidationFailed)
	}
	if rec.DiscountedPrice > rec.OriginalPrice && rec.OriginalPrice > 0 {
		return fmt.Errorf("%w: discounted price above original", domain.ErrValidationFailed)
	}
	switch rec.SaleStatus {
	case domain.SaleStatusOnSale, domain.SaleStatusSoldOut, domain.SaleStatusOffSale:
	default:
		return fmt.Errorf("%w: unknown sale status %q", domain.ErrValidationFailed, rec.SaleStatus)
	}
	return nil
}
