package nodes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/commercewatch/prodscan/internal/domain"
	"github.com/commercewatch/prodscan/internal/engine"
)

// FieldDiff records one mismatching field between a scanned record and its
// reference row.
type FieldDiff struct {
	Field    string `json:"field"`
	Expected any    `json:"expected"`
	Actual   any    `json:"actual"`
}

// Comparison is the per-product result of the compare node.
type Comparison struct {
	ProductID string      `json:"product_id"`
	URL       string      `json:"url"`
	Match     bool        `json:"match"`
	Unknown   bool        `json:"unknown,omitempty"` // no reference row
	Diffs     []FieldDiff `json:"diffs,omitempty"`
}

// compareNode checks each scanned record against the reference repository.
// Products without a reference row are reported as unknown rather than
// failing the node.
type compareNode struct {
	deps Deps
}

func (n *compareNode) Type() string { return "compare" }

func (n *compareNode) Execute(ctx context.Context, nc engine.NodeContext) (engine.NodeResult, error) {
	if n.deps.Refs == nil {
		return engine.NodeResult{}, fmt.Errorf("op=nodes.compare: %w: no reference repository configured", domain.ErrInvalidArgument)
	}
	outcomes, err := sharedOutcomes(nc)
	if err != nil {
		return engine.NodeResult{}, err
	}

	comparisons := make([]Comparison, 0, len(outcomes))
	var matched, mismatched, unknown int
	for _, oc := range outcomes {
		if oc.Err != nil || oc.Result.IsNotFound || oc.Result.Record == nil {
			continue
		}
		ref, refErr := n.deps.Refs.GetByNativeID(ctx, nc.Platform, oc.Result.ProductID)
		if refErr != nil {
			if errors.Is(refErr, domain.ErrNotFound) {
				unknown++
				comparisons = append(comparisons, Comparison{
					ProductID: oc.Result.ProductID,
					URL:       oc.Result.URL,
					Unknown:   true,
				})
				continue
			}
			return engine.NodeResult{}, refErr
		}
		cmp := compareRecord(ref, *oc.Result.Record)
		cmp.ProductID = oc.Result.ProductID
		cmp.URL = oc.Result.URL
		if cmp.Match {
			matched++
		} else {
			mismatched++
			nc.Logger.Info("record drifted from reference",
				slog.String("product_id", cmp.ProductID),
				slog.Int("diffs", len(cmp.Diffs)),
			)
		}
		comparisons = append(comparisons, cmp)
	}
	nc.Shared.Set(keyComparisons, comparisons)

	out := map[string]any{
		"compared":   len(comparisons),
		"matched":    matched,
		"mismatched": mismatched,
		"unknown":    unknown,
	}
	if total := matched + mismatched; total > 0 {
		out["match_rate"] = float64(matched) / float64(total)
	}
	return engine.NodeResult{Output: out}, nil
}

func compareRecord(ref domain.ReferenceProduct, rec domain.ProductRecord) Comparison {
	var diffs []FieldDiff
	if ref.Name != rec.Name {
		diffs = append(diffs, FieldDiff{Field: "name", Expected: ref.Name, Actual: rec.Name})
	}
	if ref.OriginalPrice != rec.OriginalPrice {
		diffs = append(diffs, FieldDiff{Field: "original_price", Expected: ref.OriginalPrice, Actual: rec.OriginalPrice})
	}
	if ref.DiscountedPrice != rec.DiscountedPrice {
		diffs = append(diffs, FieldDiff{Field: "discounted_price", Expected: ref.DiscountedPrice, Actual: rec.DiscountedPrice})
	}
	if ref.SaleStatus != rec.SaleStatus {
		diffs = append(diffs, FieldDiff{Field: "sale_status", Expected: string(ref.SaleStatus), Actual: string(rec.SaleStatus)})
	}
	return Comparison{Match: len(diffs) == 0, Diffs: diffs}
}
