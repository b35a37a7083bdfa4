package attribution

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/sells-group/metric-attribution/internal/adtributor"
	"github.com/sells-group/metric-attribution/internal/compute"
	"github.com/sells-group/metric-attribution/internal/model"
)

// assembler turns a computed tree into the result tree of one task.
type assembler struct {
	eps         decimal.Decimal
	dims        *adtributor.Engine
	q           *querier
	window      compute.Window
	epThreshold decimal.Decimal
}

// contribution returns delta / |denominator|, or zero when the denominator is
// within eps of zero.
func (a *assembler) contribution(delta, denominator decimal.Decimal) decimal.Decimal {
	den := denominator.Abs()
	if den.LessThan(a.eps) {
		return decimal.Zero
	}
	return delta.DivRound(den, compute.Precision)
}

func (a *assembler) assemble(ctx context.Context, root *compute.NodeComputation) (model.AttributionTreeResultNode, error) {
	return a.build(ctx, root, root.Delta, root.Delta, nil)
}

// build converts nc and its subtree. Children are finished before the node's
// own dimension attribution runs.
func (a *assembler) build(ctx context.Context, nc *compute.NodeComputation, parentDelta, rootDelta decimal.Decimal, share *decimal.Decimal) (model.AttributionTreeResultNode, error) {
	if err := ctx.Err(); err != nil {
		return model.AttributionTreeResultNode{}, err
	}

	node := model.AttributionTreeResultNode{
		NodeID:             nc.Node.NodeID,
		NodeName:           nc.Node.NodeName,
		MetricID:           nc.Node.MetricID,
		IsRate:             nc.Node.IsRate,
		Op:                 nc.Operation,
		CompareValue:       nc.Compare,
		BaselineValue:      nc.Baseline,
		DeltaValue:         nc.Delta,
		DeltaRate:          nc.DeltaRate,
		ContributionLocal:  a.contribution(nc.Delta, parentDelta),
		ContributionGlobal: a.contribution(nc.Delta, rootDelta),
		DecompositionShare: share,
	}

	for i, child := range nc.Children {
		var childShare *decimal.Decimal
		if i < len(nc.Shares) {
			s := nc.Shares[i]
			childShare = &s
		}
		built, err := a.build(ctx, child, nc.Delta, rootDelta, childShare)
		if err != nil {
			return model.AttributionTreeResultNode{}, err
		}
		node.Children = append(node.Children, built)
	}

	items, err := a.dimensionAttribution(ctx, nc)
	if err != nil {
		return model.AttributionTreeResultNode{}, err
	}
	node.DimensionAttribution = items
	return node, nil
}

// dimensionAttribution ranks every configured dimension of the node. Nodes
// without dimensions, without a metric or without movement are skipped.
func (a *assembler) dimensionAttribution(ctx context.Context, nc *compute.NodeComputation) ([]model.DimensionAttributionItem, error) {
	n := nc.Node
	if len(n.Dimensions) == 0 || n.MetricID == "" || nc.Delta.IsZero() {
		return nil, nil
	}

	var items []model.DimensionAttributionItem
	for _, dim := range n.Dimensions {
		baseline, err := a.q.byDimension(ctx, n.MetricID, dim, a.window.Baseline)
		if err != nil {
			return nil, err
		}
		cmp, err := a.q.byDimension(ctx, n.MetricID, dim, a.window.Compare)
		if err != nil {
			return nil, err
		}
		items = append(items, a.dims.AnalyzeWithThreshold(dim, cmp, baseline, a.epThreshold)...)
	}
	return items, nil
}
