package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

// Operation is the arithmetic relation between a node and its children.
type Operation string

const (
	OpAdd Operation = "ADD"
	OpSub Operation = "SUB"
	OpMul Operation = "MUL"
	OpDiv Operation = "DIV"
)

// ParseOperation parses an operator case-insensitively. An empty string is ADD.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(strings.ToUpper(strings.TrimSpace(s))); op {
	case "":
		return OpAdd, nil
	case OpAdd, OpSub, OpMul, OpDiv:
		return op, nil
	default:
		return "", eris.Errorf("model: unknown operation %q", s)
	}
}

// MetricTreeNode is one node of a metric calculation tree. Trees are
// configuration and are not modified once loaded.
type MetricTreeNode struct {
	NodeID     string           `json:"nodeId" yaml:"nodeId"`
	NodeName   string           `json:"nodeName" yaml:"nodeName"`
	MetricID   string           `json:"metricId,omitempty" yaml:"metricId"`
	IsRate     bool             `json:"isRate" yaml:"isRate"`
	Op         string           `json:"op,omitempty" yaml:"op"`
	Dimensions []string         `json:"dimensions,omitempty" yaml:"dimensions"`
	Params     map[string]any   `json:"params,omitempty" yaml:"params"`
	Children   []MetricTreeNode `json:"children,omitempty" yaml:"children"`
}

// IsLeaf reports whether the node has no children.
func (n *MetricTreeNode) IsLeaf() bool {
	return len(n.Children) == 0
}

// Operation returns the parsed operator. Leaves are always ADD.
func (n *MetricTreeNode) Operation() (Operation, error) {
	if n.IsLeaf() {
		return OpAdd, nil
	}
	return ParseOperation(n.Op)
}

// Walk visits the tree in pre-order. Returning false from fn skips the
// node's subtree.
func (n *MetricTreeNode) Walk(fn func(node *MetricTreeNode, depth int) bool) {
	n.walk(fn, 0)
}

func (n *MetricTreeNode) walk(fn func(*MetricTreeNode, int) bool, depth int) {
	if !fn(n, depth) {
		return
	}
	for i := range n.Children {
		n.Children[i].walk(fn, depth+1)
	}
}

// MetricIDs returns the distinct metric ids bound anywhere in the tree, in
// pre-order of first appearance.
func (n *MetricTreeNode) MetricIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	n.Walk(func(node *MetricTreeNode, _ int) bool {
		if node.MetricID != "" && !seen[node.MetricID] {
			seen[node.MetricID] = true
			ids = append(ids, node.MetricID)
		}
		return true
	})
	return ids
}

// Validate checks that every leaf is bound to a metric, that node ids are
// unique and that every operator parses.
func (n *MetricTreeNode) Validate() error {
	var errs []string
	ids := make(map[string]bool)
	n.Walk(func(node *MetricTreeNode, _ int) bool {
		label := node.NodeID
		if label == "" {
			errs = append(errs, "node without nodeId")
			label = node.NodeName
		} else if ids[node.NodeID] {
			errs = append(errs, "duplicate nodeId "+node.NodeID)
		}
		ids[node.NodeID] = true

		if node.IsLeaf() && node.MetricID == "" {
			errs = append(errs, "leaf "+label+" has no metricId")
		}
		if _, err := ParseOperation(node.Op); err != nil {
			errs = append(errs, "node "+label+": unknown op "+node.Op)
		}
		return true
	})
	if len(errs) > 0 {
		return eris.Errorf("model: invalid tree: %s", strings.Join(errs, "; "))
	}
	return nil
}

// MetricValue is the pair of aggregated values of one metric.
type MetricValue struct {
	Baseline decimal.Decimal `json:"baseline"`
	Compare  decimal.Decimal `json:"compare"`
}

// AttributionTree is a persisted tree definition.
type AttributionTree struct {
	TreeID       string    `json:"treeId"`
	TreeName     string    `json:"treeName"`
	MetricID     string    `json:"metricId"`
	MetricName   string    `json:"metricName"`
	Version      int       `json:"version"`
	TreeConfig   string    `json:"treeConfig"`
	GlobalFilter string    `json:"globalFilter,omitempty"`
	CreatedAt    time.Time `json:"createTime"`
	UpdatedAt    time.Time `json:"updateTime"`
}

// Root parses the stored tree configuration.
func (t *AttributionTree) Root() (*MetricTreeNode, error) {
	if strings.TrimSpace(t.TreeConfig) == "" {
		return nil, eris.Errorf("model: tree %s has empty config", t.TreeID)
	}
	var root MetricTreeNode
	if err := json.Unmarshal([]byte(t.TreeConfig), &root); err != nil {
		return nil, eris.Wrapf(err, "model: parse config of tree %s", t.TreeID)
	}
	return &root, nil
}

// MetricSummary is the metric bound to the root of a tree.
type MetricSummary struct {
	MetricID   string `json:"metricId"`
	MetricName string `json:"metricName"`
	TreeID     string `json:"treeId"`
	TreeName   string `json:"treeName"`
}
