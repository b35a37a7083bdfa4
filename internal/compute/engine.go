// Package compute decomposes the movement of a metric along its calculation
// tree into per-node baseline, compare and delta values.
package compute

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/metric-attribution/internal/model"
)

var (
	// ErrMissingMetricValue means a node is bound to a metric that has no value.
	ErrMissingMetricValue = eris.New("compute: missing metric value")
	// ErrInvalidNode means a node cannot be evaluated as configured.
	ErrInvalidNode = eris.New("compute: invalid node")
)

// Window is the pair of periods being compared.
type Window struct {
	Baseline    string
	Compare     string
	Granularity model.Granularity
}

// NodeComputation is the evaluated form of one tree node. Values are fixed at
// construction.
type NodeComputation struct {
	Node      *model.MetricTreeNode
	Operation model.Operation
	Baseline  decimal.Decimal
	Compare   decimal.Decimal
	Delta     decimal.Decimal
	DeltaRate decimal.Decimal
	Children  []*NodeComputation
	// Shares[i] is the part of Delta assigned to Children[i].
	Shares []decimal.Decimal
}

// Engine evaluates metric trees.
type Engine struct {
	m          arith
	strategies map[model.Operation]DeltaStrategy
}

// NewEngine creates an engine using epsilon as the zero guard.
func NewEngine(epsilon decimal.Decimal) *Engine {
	m := arith{eps: epsilon}
	return &Engine{
		m: m,
		strategies: map[model.Operation]DeltaStrategy{
			model.OpAdd: additive{},
			model.OpSub: subtractive{},
			model.OpMul: lmdi{m: m},
			model.OpDiv: ratio{m: m},
		},
	}
}

// Compute evaluates root against values keyed by metric id. A missing value
// anywhere aborts the whole computation.
func (e *Engine) Compute(ctx context.Context, root *model.MetricTreeNode, w Window, values map[string]model.MetricValue) (*NodeComputation, error) {
	if root == nil {
		return nil, eris.Wrap(ErrInvalidNode, "compute: nil root")
	}
	nc, err := e.evaluate(ctx, root, values)
	if err != nil {
		return nil, err
	}
	zap.L().Debug("compute: tree evaluated",
		zap.String("root", root.NodeID),
		zap.String("baseline_date", w.Baseline),
		zap.String("compare_date", w.Compare),
		zap.String("delta", nc.Delta.String()),
	)
	return nc, nil
}

func (e *Engine) evaluate(ctx context.Context, node *model.MetricTreeNode, values map[string]model.MetricValue) (*NodeComputation, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "compute: canceled")
	}

	op, err := node.Operation()
	if err != nil {
		return nil, eris.Wrapf(ErrInvalidNode, "compute: node %s: %v", node.NodeID, err)
	}

	children := make([]*NodeComputation, 0, len(node.Children))
	for i := range node.Children {
		child, err := e.evaluate(ctx, &node.Children[i], values)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}

	var baseline, compare decimal.Decimal
	switch {
	case node.MetricID != "":
		mv, ok := values[node.MetricID]
		if !ok {
			return nil, eris.Wrapf(ErrMissingMetricValue, "compute: node %s metric %s", node.NodeID, node.MetricID)
		}
		baseline, compare = mv.Baseline, mv.Compare
	case len(children) == 0:
		return nil, eris.Wrapf(ErrMissingMetricValue, "compute: leaf %s has no metricId", node.NodeID)
	default:
		baseline = e.m.rollup(op, children, func(c *NodeComputation) decimal.Decimal { return c.Baseline })
		compare = e.m.rollup(op, children, func(c *NodeComputation) decimal.Decimal { return c.Compare })
	}

	d := e.strategies[op].Decompose(baseline, compare, children)

	// A baseline of exactly zero has no meaningful rate.
	rate := decimal.Zero
	if !baseline.IsZero() {
		rate = e.m.div(d.Delta, decimal.Max(baseline.Abs(), e.m.eps))
	}

	return &NodeComputation{
		Node:      node,
		Operation: op,
		Baseline:  baseline,
		Compare:   compare,
		Delta:     d.Delta,
		DeltaRate: rate,
		Children:  children,
		Shares:    d.Shares,
	}, nil
}
