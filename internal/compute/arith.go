package compute

import (
	"github.com/shopspring/decimal"

	"github.com/sells-group/metric-attribution/internal/model"
)

// Precision is the number of decimal places kept by logarithms and divisions.
const Precision int32 = 16

type arith struct {
	eps decimal.Decimal
}

// floor replaces non-positive values by epsilon so logarithms stay defined.
func (m arith) floor(v decimal.Decimal) decimal.Decimal {
	if v.Sign() <= 0 {
		return m.eps
	}
	return v
}

func (m arith) ln(v decimal.Decimal) decimal.Decimal {
	out, err := m.floor(v).Ln(Precision)
	if err != nil {
		// unreachable: floor keeps v positive
		return decimal.Zero
	}
	return out
}

// logChange is ln(compare) - ln(baseline) on floored values.
func (m arith) logChange(baseline, compare decimal.Decimal) decimal.Decimal {
	return m.ln(compare).Sub(m.ln(baseline))
}

// logMean is the logarithmic mean L(a, b) = (a - b) / (ln a - ln b), with
// L(a, a) = a.
func (m arith) logMean(a, b decimal.Decimal) decimal.Decimal {
	if a.Equal(b) {
		return a
	}
	sa, sb := m.floor(a), m.floor(b)
	den := m.ln(sa).Sub(m.ln(sb))
	if den.Abs().LessThan(m.eps) {
		return decimal.Zero
	}
	return sa.Sub(sb).DivRound(den, Precision)
}

// div is num/den, zero when |den| is below epsilon.
func (m arith) div(num, den decimal.Decimal) decimal.Decimal {
	if den.Abs().LessThan(m.eps) {
		return decimal.Zero
	}
	return num.DivRound(den, Precision)
}

// rollup aggregates child values for nodes that have no metric of their own.
func (m arith) rollup(op model.Operation, children []*NodeComputation, value func(*NodeComputation) decimal.Decimal) decimal.Decimal {
	switch op {
	case model.OpSub:
		out := value(children[0])
		for _, c := range children[1:] {
			out = out.Sub(value(c))
		}
		return out
	case model.OpMul:
		out := decimal.NewFromInt(1)
		for _, c := range children {
			out = out.Mul(value(c))
		}
		return out
	case model.OpDiv:
		if len(children) < 2 {
			return decimal.Zero
		}
		return m.div(value(children[0]), value(children[1]))
	default:
		out := decimal.Zero
		for _, c := range children {
			out = out.Add(value(c))
		}
		return out
	}
}
