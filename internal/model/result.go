package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AttributionTreeResultNode is one node of a finished attribution tree.
type AttributionTreeResultNode struct {
	NodeID               string                      `json:"nodeId"`
	NodeName             string                      `json:"nodeName"`
	MetricID             string                      `json:"metricId,omitempty"`
	IsRate               bool                        `json:"isRate"`
	Op                   Operation                   `json:"op"`
	CompareValue         decimal.Decimal             `json:"compareValue"`
	BaselineValue        decimal.Decimal             `json:"baselineValue"`
	DeltaValue           decimal.Decimal             `json:"deltaValue"`
	DeltaRate            decimal.Decimal             `json:"deltaRate"`
	ContributionLocal    decimal.Decimal             `json:"contributionLocal"`
	ContributionGlobal   decimal.Decimal             `json:"contributionGlobal"`
	DecompositionShare   *decimal.Decimal            `json:"decompositionShare,omitempty"`
	DimensionAttribution []DimensionAttributionItem  `json:"dimensionAttribution,omitempty"`
	Children             []AttributionTreeResultNode `json:"children,omitempty"`
}

// DimensionAttributionItem is one ranked dimension value.
type DimensionAttributionItem struct {
	Dimension      string          `json:"dimension"`
	DimensionValue string          `json:"dimensionValue"`
	CompareValue   decimal.Decimal `json:"compareValue"`
	BaselineValue  decimal.Decimal `json:"baselineValue"`
	DeltaValue     decimal.Decimal `json:"deltaValue"`
	Contribution   decimal.Decimal `json:"contribution"`
	Surprise       decimal.Decimal `json:"surprise"`
	Rank           int             `json:"rank"`
}

// AttributionResult is the persisted result tree of a task.
type AttributionResult struct {
	TaskID     string    `json:"taskId"`
	ResultTree string    `json:"resultTree"`
	CreatedAt  time.Time `json:"createTime"`
}

// ReportStatus is the generation state of a narrative report.
type ReportStatus string

const (
	ReportGenerating ReportStatus = "GENERATING"
	ReportCompleted  ReportStatus = "COMPLETED"
	ReportFailed     ReportStatus = "FAILED"
)

// AiReport is a narrative report attached to a task. Reports are written by
// an external generator and only stored here.
type AiReport struct {
	TaskID        string       `json:"taskId"`
	ReportStatus  ReportStatus `json:"reportStatus"`
	ReportContent string       `json:"reportContent,omitempty"`
	GeneratedAt   *time.Time   `json:"generateTime,omitempty"`
	CreatedAt     time.Time    `json:"createTime"`
}
