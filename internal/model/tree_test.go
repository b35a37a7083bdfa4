package model

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func revenueTree() MetricTreeNode {
	return MetricTreeNode{
		NodeID:     "revenue",
		NodeName:   "Revenue",
		MetricID:   "m_revenue",
		Op:         "mul",
		Dimensions: []string{"region"},
		Children: []MetricTreeNode{
			{NodeID: "price", NodeName: "Price", MetricID: "m_price", IsRate: true},
			{NodeID: "volume", NodeName: "Volume", MetricID: "m_volume", Dimensions: []string{"channel"}},
		},
	}
}

func TestParseOperation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Operation
		wantErr bool
	}{
		{"", OpAdd, false},
		{"add", OpAdd, false},
		{"Sub", OpSub, false},
		{" MUL ", OpMul, false},
		{"div", OpDiv, false},
		{"pow", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseOperation(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMetricTreeNode_Operation(t *testing.T) {
	t.Parallel()

	root := revenueTree()
	op, err := root.Operation()
	require.NoError(t, err)
	assert.Equal(t, OpMul, op)

	leaf := MetricTreeNode{NodeID: "x", MetricID: "m", Op: "DIV"}
	op, err = leaf.Operation()
	require.NoError(t, err)
	assert.Equal(t, OpAdd, op, "leaves are always ADD")
}

func TestMetricTreeNode_MetricIDs(t *testing.T) {
	t.Parallel()

	root := revenueTree()
	root.Children = append(root.Children, MetricTreeNode{NodeID: "dup", MetricID: "m_price"})

	assert.Equal(t, []string{"m_revenue", "m_price", "m_volume"}, root.MetricIDs())
}

func TestMetricTreeNode_Walk(t *testing.T) {
	t.Parallel()

	root := revenueTree()
	var visited []string
	var depths []int
	root.Walk(func(n *MetricTreeNode, depth int) bool {
		visited = append(visited, n.NodeID)
		depths = append(depths, depth)
		return true
	})
	assert.Equal(t, []string{"revenue", "price", "volume"}, visited)
	assert.Equal(t, []int{0, 1, 1}, depths)

	visited = nil
	root.Walk(func(n *MetricTreeNode, _ int) bool {
		visited = append(visited, n.NodeID)
		return false
	})
	assert.Equal(t, []string{"revenue"}, visited)
}

func TestMetricTreeNode_Validate(t *testing.T) {
	t.Parallel()

	root := revenueTree()
	require.NoError(t, root.Validate())

	bad := revenueTree()
	bad.Op = "pow"
	bad.Children[0].MetricID = ""
	bad.Children[1].NodeID = "price"

	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown op pow")
	assert.Contains(t, err.Error(), "leaf price has no metricId")
	assert.Contains(t, err.Error(), "duplicate nodeId price")
}

func TestMetricTreeNode_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	root := revenueTree()
	root.Params = map[string]any{"unit": "CNY"}

	data, err := json.Marshal(root)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"nodeId":"revenue"`)
	assert.Contains(t, string(data), `"isRate":true`)

	var back MetricTreeNode
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, root, back)
}

func TestAttributionTree_Root(t *testing.T) {
	t.Parallel()

	tree := AttributionTree{
		TreeID:     "T1",
		TreeConfig: `{"nodeId":"n1","nodeName":"GMV","metricId":"gmv","op":"ADD","children":[{"nodeId":"n2","metricId":"a"},{"nodeId":"n3","metricId":"b"}]}`,
	}
	root, err := tree.Root()
	require.NoError(t, err)
	assert.Equal(t, "n1", root.NodeID)
	assert.Len(t, root.Children, 2)

	_, err = (&AttributionTree{TreeID: "T2"}).Root()
	assert.Error(t, err)

	_, err = (&AttributionTree{TreeID: "T3", TreeConfig: "{not json"}).Root()
	assert.Error(t, err)
}

func TestResultNode_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	share := decimal.RequireFromString("-0.5")
	node := AttributionTreeResultNode{
		NodeID:             "revenue",
		NodeName:           "Revenue",
		Op:                 OpMul,
		CompareValue:       decimal.NewFromInt(1080),
		BaselineValue:      decimal.NewFromInt(1000),
		DeltaValue:         decimal.NewFromInt(-80),
		DeltaRate:          decimal.RequireFromString("-0.08"),
		ContributionLocal:  decimal.NewFromInt(-1),
		ContributionGlobal: decimal.NewFromInt(-1),
		Children: []AttributionTreeResultNode{
			{
				NodeID:             "price",
				Op:                 OpAdd,
				DecompositionShare: &share,
				DimensionAttribution: []DimensionAttributionItem{
					{Dimension: "region", DimensionValue: "north", Contribution: decimal.RequireFromString("0.4"), Rank: 1},
				},
			},
		},
	}

	data, err := json.Marshal(node)
	require.NoError(t, err)

	var back AttributionTreeResultNode
	require.NoError(t, json.Unmarshal(data, &back))

	assert.True(t, node.DeltaValue.Equal(back.DeltaValue))
	assert.True(t, node.DeltaRate.Equal(back.DeltaRate))
	require.Len(t, back.Children, 1)
	require.NotNil(t, back.Children[0].DecompositionShare)
	assert.True(t, share.Equal(*back.Children[0].DecompositionShare))
	assert.Equal(t, "north", back.Children[0].DimensionAttribution[0].DimensionValue)
	assert.Equal(t, 1, back.Children[0].DimensionAttribution[0].Rank)
	assert.Nil(t, back.DecompositionShare)
}
