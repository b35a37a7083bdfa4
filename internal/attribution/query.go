package attribution

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/metric-attribution/internal/compute"
	"github.com/sells-group/metric-attribution/internal/model"
	"github.com/sells-group/metric-attribution/internal/monitoring"
	"github.com/sells-group/metric-attribution/pkg/metricquery"
)

// UnknownDimensionValue keys rows that carry no value for the queried dimension.
const UnknownDimensionValue = "UNKNOWN"

// Calendar fields the metric service exposes per granularity.
const (
	calendarDate      = "dim_calendar_a.fmt_date"
	calendarWeekStart = "dim_calendar_a.week_begin_date"
	calendarMonth     = "dim_calendar_a.month_begin_date"
)

func timeDimensionField(g model.Granularity) string {
	switch g {
	case model.GranularityWeek:
		return calendarWeekStart
	case model.GranularityMonth:
		return calendarMonth
	default:
		return calendarDate
	}
}

// querier issues the aggregate queries of one task. Calls are sequential.
type querier struct {
	client      metricquery.Client
	metrics     *monitoring.Metrics
	limit       int
	topLimit    int
	granularity model.Granularity
	filter      *metricquery.FilterCondition
}

func (q *querier) timeDimension(date string) []metricquery.TimeDimension {
	return []metricquery.TimeDimension{{
		Dimension:   timeDimensionField(q.granularity),
		Granularity: strings.ToLower(string(q.granularity)),
		DateRange:   []string{date, date},
	}}
}

// total returns the value of metricID on date, summed over all rows.
func (q *querier) total(ctx context.Context, metricID, date string) (decimal.Decimal, error) {
	rows, err := q.client.Query(ctx, metricquery.Request{
		Metrics:        []string{metricID},
		Filters:        q.filter,
		TimeDimensions: q.timeDimension(date),
		Limit:          q.limit,
	})
	q.metrics.Queried(monitoring.QueryTotal)
	if err != nil {
		return decimal.Zero, eris.Wrapf(err, "attribution: query %s on %s", metricID, date)
	}

	sum := decimal.Zero
	for _, row := range rows {
		v, err := toDecimal(row[metricID])
		if err != nil {
			return decimal.Zero, eris.Wrapf(err, "attribution: metric %s on %s", metricID, date)
		}
		sum = sum.Add(v)
	}
	return sum, nil
}

// byDimension returns the value of metricID on date broken down by the values
// of dimension, largest first as ranked by the metric service.
func (q *querier) byDimension(ctx context.Context, metricID, dimension, date string) (map[string]decimal.Decimal, error) {
	rows, err := q.client.Query(ctx, metricquery.Request{
		Metrics:        []string{metricID},
		Dimensions:     []string{dimension},
		Filters:        q.filter,
		TimeDimensions: q.timeDimension(date),
		Sort:           []metricquery.FieldOrder{{Field: metricID, Order: metricquery.OrderDesc}},
		Limit:          q.topLimit,
	})
	q.metrics.Queried(monitoring.QueryDimension)
	if err != nil {
		return nil, eris.Wrapf(err, "attribution: query %s by %s on %s", metricID, dimension, date)
	}

	out := make(map[string]decimal.Decimal, len(rows))
	for _, row := range rows {
		v, err := toDecimal(row[metricID])
		if err != nil {
			return nil, eris.Wrapf(err, "attribution: metric %s by %s on %s", metricID, dimension, date)
		}
		key := dimensionKey(row[dimension])
		out[key] = out[key].Add(v)
	}
	return out, nil
}

// metricValues loads baseline and compare totals for every metric id.
func (q *querier) metricValues(ctx context.Context, ids []string, w compute.Window) (map[string]model.MetricValue, error) {
	values := make(map[string]model.MetricValue, len(ids))
	for _, id := range ids {
		baseline, err := q.total(ctx, id, w.Baseline)
		if err != nil {
			return nil, err
		}
		cmp, err := q.total(ctx, id, w.Compare)
		if err != nil {
			return nil, err
		}
		values[id] = model.MetricValue{Baseline: baseline, Compare: cmp}
		zap.L().Debug("attribution: metric loaded",
			zap.String("metric_id", id),
			zap.String("baseline", baseline.String()),
			zap.String("compare", cmp.String()),
		)
	}
	return values, nil
}

// toDecimal converts a row cell into an exact decimal. Absent and blank
// cells count as zero.
func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case nil:
		return decimal.Zero, nil
	case decimal.Decimal:
		return n, nil
	case json.Number:
		return parseNumber(n.String())
	case string:
		if strings.TrimSpace(n) == "" {
			return decimal.Zero, nil
		}
		return parseNumber(n)
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int32:
		return decimal.NewFromInt32(n), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case float32:
		return decimal.NewFromFloat32(n), nil
	case float64:
		return decimal.NewFromFloat(n), nil
	default:
		return decimal.Zero, eris.Wrapf(ErrConfig, "cannot parse metric value of type %T", v)
	}
}

func parseNumber(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, eris.Wrapf(ErrConfig, "cannot parse metric value %q", s)
	}
	return d, nil
}

func dimensionKey(v any) string {
	switch s := v.(type) {
	case nil:
		return UnknownDimensionValue
	case string:
		return s
	case json.Number:
		return s.String()
	default:
		return fmt.Sprint(s)
	}
}

// parseGlobalFilter decodes a tree's stored filter. An empty filter is nil.
func parseGlobalFilter(raw string) (*metricquery.FilterCondition, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" || raw == "{}" {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var f metricquery.FilterCondition
	if err := dec.Decode(&f); err != nil {
		return nil, eris.Wrapf(ErrConfig, "parse global filter: %v", err)
	}
	if f.IsEmpty() {
		return nil, nil
	}
	return &f, nil
}
