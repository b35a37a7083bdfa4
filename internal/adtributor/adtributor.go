// Package adtributor ranks the values of one dimension by how much they
// explain the movement of a metric, using the surprise and explanatory power
// measures of the Adtributor algorithm.
package adtributor

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/metric-attribution/internal/model"
)

// precision is the number of decimal places kept for EP and surprise.
const precision int32 = 10

var log10of2 = math.Log10(2)

// Params bounds the emitted items.
type Params struct {
	// EPThreshold skips values whose |EP| is below it.
	EPThreshold decimal.Decimal
	// EPTotalThreshold stops emission once the accumulated |EP| reaches it.
	EPTotalThreshold decimal.Decimal
	// MaxResults caps the number of emitted items.
	MaxResults int
}

// Calculator runs the ranking for one dimension at a time. It holds no state
// besides its epsilon and is safe for concurrent use.
type Calculator struct {
	eps  decimal.Decimal
	epsF float64
}

// NewCalculator creates a Calculator with the given zero guard.
func NewCalculator(epsilon decimal.Decimal) *Calculator {
	f, _ := epsilon.Float64()
	return &Calculator{eps: epsilon, epsF: f}
}

// Calculate returns the ranked dimension values of dimensionID. The result is
// empty when nothing passes the EP threshold.
func (c *Calculator) Calculate(dimensionID string, compare, baseline map[string]decimal.Decimal, p Params) []model.DimensionAttributionItem {
	candidates := c.Candidates(dimensionID, compare, baseline)

	var (
		out     []model.DimensionAttributionItem
		accumEP = decimal.Zero
	)
	for _, cand := range candidates {
		if p.MaxResults <= 0 {
			break
		}
		if cand.Contribution.Abs().LessThan(p.EPThreshold) {
			continue
		}
		accumEP = accumEP.Add(cand.Contribution.Abs())
		cand.Rank = len(out) + 1
		out = append(out, cand)
		if len(out) >= p.MaxResults || accumEP.GreaterThanOrEqual(p.EPTotalThreshold) {
			break
		}
	}

	zap.L().Debug("adtributor: dimension ranked",
		zap.String("dimension", dimensionID),
		zap.Int("compare_size", len(compare)),
		zap.Int("baseline_size", len(baseline)),
		zap.Int("candidates", len(candidates)),
		zap.Int("results", len(out)),
	)
	return out
}

// Candidates returns every dimension value of either period with its delta,
// EP and surprise, sorted by surprise descending. Rank is left unset.
//
// Values seen in the compare period come first in lexical order, then the
// values only present in the baseline, so ties in surprise resolve the same
// way on every run.
func (c *Calculator) Candidates(dimensionID string, compare, baseline map[string]decimal.Decimal) []model.DimensionAttributionItem {
	totalCompare := sum(compare)
	totalBaseline := sum(baseline)
	totalDelta := totalBaseline.Sub(totalCompare)

	keys := make([]string, 0, len(compare)+len(baseline))
	keys = append(keys, sortedKeys(compare, nil)...)
	keys = append(keys, sortedKeys(baseline, compare)...)

	out := make([]model.DimensionAttributionItem, 0, len(keys))
	for _, k := range keys {
		cv := compare[k]
		bv := baseline[k]
		delta := bv.Sub(cv)
		out = append(out, model.DimensionAttributionItem{
			Dimension:      dimensionID,
			DimensionValue: k,
			CompareValue:   cv,
			BaselineValue:  bv,
			DeltaValue:     delta,
			Contribution:   c.safeDivide(delta, totalDelta),
			Surprise:       c.surprise(cv, bv, totalCompare, totalBaseline),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Surprise.GreaterThan(out[j].Surprise)
	})
	return out
}

func (c *Calculator) safeDivide(num, den decimal.Decimal) decimal.Decimal {
	if den.Abs().LessThan(c.eps) {
		return decimal.Zero
	}
	return num.DivRound(den, precision)
}

// surprise is the Jensen-Shannon style divergence between the compare share p
// and the baseline share q of one value.
func (c *Calculator) surprise(compare, baseline, totalCompare, totalBaseline decimal.Decimal) decimal.Decimal {
	if totalCompare.Abs().LessThan(c.eps) || totalBaseline.Abs().LessThan(c.eps) {
		return decimal.Zero
	}
	cf, _ := compare.Float64()
	bf, _ := baseline.Float64()
	tc, _ := totalCompare.Float64()
	tb, _ := totalBaseline.Float64()
	p := cf / tc
	q := bf / tb

	pZero := math.Abs(p) < c.epsF
	qZero := math.Abs(q) < c.epsF

	var s float64
	switch {
	case pZero && qZero:
		return decimal.Zero
	case pZero:
		s = 0.5 * q * log10of2
	case qZero:
		s = 0.5 * p * log10of2
	default:
		s = 0.5 * (p*math.Log10(2*p/(p+q)) + q*math.Log10(2*q/(p+q)))
	}
	// Negative shares make the logarithms undefined.
	if math.IsNaN(s) || math.IsInf(s, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(s).Round(precision)
}

func sum(values map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// sortedKeys returns the keys of m not present in exclude, in lexical order.
func sortedKeys(m, exclude map[string]decimal.Decimal) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		if _, ok := exclude[k]; ok {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Engine binds default Params from configuration.
type Engine struct {
	calc     *Calculator
	defaults Params
}

// NewEngine creates an Engine.
func NewEngine(epsilon decimal.Decimal, defaults Params) *Engine {
	return &Engine{calc: NewCalculator(epsilon), defaults: defaults}
}

// Defaults returns the configured Params.
func (e *Engine) Defaults() Params {
	return e.defaults
}

// Analyze ranks one dimension with the configured Params.
func (e *Engine) Analyze(dimensionID string, compare, baseline map[string]decimal.Decimal) []model.DimensionAttributionItem {
	return e.calc.Calculate(dimensionID, compare, baseline, e.defaults)
}

// AnalyzeWithThreshold ranks one dimension using epThreshold in place of the
// configured per-value threshold when it is positive.
func (e *Engine) AnalyzeWithThreshold(dimensionID string, compare, baseline map[string]decimal.Decimal, epThreshold decimal.Decimal) []model.DimensionAttributionItem {
	p := e.defaults
	if epThreshold.IsPositive() {
		p.EPThreshold = epThreshold
	}
	return e.calc.Calculate(dimensionID, compare, baseline, p)
}
