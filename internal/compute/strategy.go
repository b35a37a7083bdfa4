package compute

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Decomposition is the delta of a node and its split over the children.
type Decomposition struct {
	Delta  decimal.Decimal
	Shares []decimal.Decimal
}

// DeltaStrategy computes the delta of a node from its own values and its
// evaluated children.
type DeltaStrategy interface {
	Decompose(baseline, compare decimal.Decimal, children []*NodeComputation) Decomposition
}

// additive splits the delta as the sum of the children deltas.
type additive struct{}

func (additive) Decompose(baseline, compare decimal.Decimal, children []*NodeComputation) Decomposition {
	shares := make([]decimal.Decimal, len(children))
	for i, c := range children {
		shares[i] = c.Delta
	}
	return Decomposition{Delta: baseline.Sub(compare), Shares: shares}
}

// subtractive assigns the first child its delta and every other child the
// negated delta.
type subtractive struct{}

func (subtractive) Decompose(baseline, compare decimal.Decimal, children []*NodeComputation) Decomposition {
	shares := make([]decimal.Decimal, len(children))
	for i, c := range children {
		if i == 0 {
			shares[i] = c.Delta
		} else {
			shares[i] = c.Delta.Neg()
		}
	}
	return Decomposition{Delta: baseline.Sub(compare), Shares: shares}
}

// lmdi is the logarithmic mean Divisia index for products.
type lmdi struct {
	m arith
}

func (s lmdi) Decompose(baseline, compare decimal.Decimal, children []*NodeComputation) Decomposition {
	if len(children) == 0 {
		return Decomposition{Delta: baseline.Sub(compare)}
	}

	l := s.m.logMean(baseline, compare)
	shares := make([]decimal.Decimal, len(children))
	total := decimal.Zero
	for i, c := range children {
		change := s.m.logChange(c.Baseline, c.Compare)
		shares[i] = l.Mul(change).Neg()
		total = total.Add(change)
	}

	delta := l.Mul(total).Neg()
	zap.L().Debug("compute: lmdi decomposition",
		zap.String("log_mean", l.String()),
		zap.String("delta", delta.String()),
		zap.Strings("shares", decimalStrings(shares)),
	)
	return Decomposition{Delta: delta, Shares: shares}
}

// ratio decomposes a quotient into numerator and denominator effects. Only the
// first two children take part.
type ratio struct {
	m arith
}

func (s ratio) Decompose(baseline, compare decimal.Decimal, children []*NodeComputation) Decomposition {
	if len(children) < 2 {
		return Decomposition{Delta: baseline.Sub(compare), Shares: zeros(len(children))}
	}

	l := s.m.logMean(baseline, compare)
	num, den := children[0], children[1]
	numLog := s.m.logChange(num.Baseline, num.Compare)
	denLog := s.m.logChange(den.Baseline, den.Compare)

	shares := zeros(len(children))
	shares[0] = l.Mul(numLog).Neg()
	shares[1] = l.Mul(denLog)
	delta := l.Mul(numLog.Sub(denLog)).Neg()

	zap.L().Debug("compute: ratio decomposition",
		zap.String("numerator", num.Node.NodeID),
		zap.String("numerator_share", shares[0].String()),
		zap.String("denominator", den.Node.NodeID),
		zap.String("denominator_share", shares[1].String()),
		zap.String("delta", delta.String()),
	)
	return Decomposition{Delta: delta, Shares: shares}
}

func zeros(n int) []decimal.Decimal {
	out := make([]decimal.Decimal, n)
	for i := range out {
		out[i] = decimal.Zero
	}
	return out
}

func decimalStrings(ds []decimal.Decimal) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.String()
	}
	return out
}
