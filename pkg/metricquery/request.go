package metricquery

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
)

// Filter relations and node types.
const (
	RelationAnd = "AND"
	RelationOr  = "OR"
	RelationNot = "NOT"

	NodeRelation = "relation"
	NodeField    = "field"
)

// Sort orders.
const (
	OrderAsc  = "asc"
	OrderDesc = "desc"
)

// Request is one aggregate query against the metric service.
type Request struct {
	Metrics        []string         `json:"metrics" validate:"min=1,max=50,dive,required"`
	Dimensions     []string         `json:"dimensions,omitempty" validate:"max=15"`
	Filters        *FilterCondition `json:"filters,omitempty"`
	TimeDimensions []TimeDimension  `json:"timeDimensions,omitempty" validate:"max=15,dive"`
	Sort           []FieldOrder     `json:"sort,omitempty" validate:"max=15,dive"`
	Limit          int              `json:"limit" validate:"min=1,max=10000"`
}

// TimeDimension restricts a calendar field to an inclusive date range.
type TimeDimension struct {
	Dimension   string   `json:"dimension" validate:"required"`
	Granularity string   `json:"granularity"`
	DateRange   []string `json:"dateRange" validate:"len=2,dive,required"`
}

// FieldOrder sorts the result by one field.
type FieldOrder struct {
	Field string `json:"field" validate:"required"`
	Order string `json:"order" validate:"omitempty,oneof=asc desc"`
}

// FilterCondition is a boolean filter tree. Relation nodes combine their
// sub conditions; field nodes compare one field to a value.
type FilterCondition struct {
	NodeType      string             `json:"nodeType"`
	Relation      string             `json:"relation,omitempty"`
	Field         string             `json:"field,omitempty"`
	Op            string             `json:"op,omitempty"`
	Value         any                `json:"value,omitempty"`
	SubConditions []*FilterCondition `json:"subConditions,omitempty"`
}

// Field builds a field comparison.
func Field(field, op string, value any) *FilterCondition {
	return &FilterCondition{NodeType: NodeField, Field: field, Op: op, Value: value}
}

// And combines conditions, dropping empty ones.
func And(conds ...*FilterCondition) *FilterCondition {
	return relation(RelationAnd, conds)
}

// Or combines conditions, dropping empty ones.
func Or(conds ...*FilterCondition) *FilterCondition {
	return relation(RelationOr, conds)
}

// AndEq appends field = value to base.
func AndEq(base *FilterCondition, field string, value any) *FilterCondition {
	return And(base, Field(field, "EQ", value))
}

func relation(rel string, conds []*FilterCondition) *FilterCondition {
	out := &FilterCondition{NodeType: NodeRelation, Relation: rel}
	for _, c := range conds {
		if !c.IsEmpty() {
			out.SubConditions = append(out.SubConditions, c)
		}
	}
	if len(out.SubConditions) == 1 && rel != RelationNot {
		return out.SubConditions[0]
	}
	return out
}

// IsEmpty reports whether the condition filters nothing.
func (f *FilterCondition) IsEmpty() bool {
	if f == nil {
		return true
	}
	if strings.EqualFold(f.NodeType, NodeRelation) {
		for _, c := range f.SubConditions {
			if !c.IsEmpty() {
				return false
			}
		}
		return true
	}
	return f.Field == ""
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the request against the service limits.
func (r *Request) Validate() error {
	if err := validate.Struct(r); err != nil {
		return eris.Wrap(err, "metricquery: invalid request")
	}
	return nil
}
