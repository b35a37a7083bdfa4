// Package treefile loads attribution trees from YAML definitions and turns
// them into store records or SQL.
package treefile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/metric-attribution/internal/model"
	"github.com/sells-group/metric-attribution/internal/store"
)

const sqlTimeLayout = "2006-01-02 15:04:05"

// Load reads and parses the tree definition at path.
func Load(path string, now time.Time) (*model.AttributionTree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "treefile: read %s", path)
	}
	tree, err := Parse(data, now)
	if err != nil {
		return nil, eris.Wrapf(err, "treefile: %s", path)
	}
	return tree, nil
}

// Parse decodes a YAML tree definition. The root node is taken from "root",
// then "treeConfig", then the document itself when it has a nodeId. A list
// resolves to its first mapping.
func Parse(data []byte, now time.Time) (*model.AttributionTree, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "treefile: parse yaml")
	}
	if doc == nil {
		return nil, eris.New("treefile: empty document")
	}

	rootMap := resolveRoot(doc)
	if rootMap == nil {
		return nil, eris.New("treefile: missing root node")
	}
	raw, err := json.Marshal(rootMap)
	if err != nil {
		return nil, eris.Wrap(err, "treefile: encode root")
	}
	var root model.MetricTreeNode
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, eris.Wrap(err, "treefile: decode root")
	}
	if err := root.Validate(); err != nil {
		return nil, err
	}
	treeConfig, err := json.Marshal(root)
	if err != nil {
		return nil, eris.Wrap(err, "treefile: encode tree config")
	}

	treeID := readText(doc, "treeId", "tree_id")
	if treeID == "" {
		return nil, eris.New("treefile: treeId is required")
	}
	metricID := readText(doc, "metricId", "metric_id")
	if metricID == "" {
		metricID = readText(rootMap, "metricId", "metric_id")
	}
	metricName := readText(doc, "metricName", "metric_name", "nodeName")
	if metricName == "" {
		metricName = readText(rootMap, "nodeName", "metricName")
	}

	tree := &model.AttributionTree{
		TreeID:     treeID,
		TreeName:   orDefault(readText(doc, "treeName", "tree_name"), treeID),
		MetricID:   metricID,
		MetricName: metricName,
		Version:    readInt(doc, "version", 1),
		TreeConfig: string(treeConfig),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if f, ok := doc["globalFilter"]; ok && f != nil {
		b, err := json.Marshal(f)
		if err != nil {
			return nil, eris.Wrap(err, "treefile: encode global filter")
		}
		tree.GlobalFilter = string(b)
	}
	return tree, nil
}

func resolveRoot(doc map[string]any) map[string]any {
	for _, key := range []string{"root", "treeConfig"} {
		if v, ok := doc[key]; ok && v != nil {
			return firstMap(v)
		}
	}
	if _, ok := doc["nodeId"]; ok {
		return doc
	}
	return nil
}

func firstMap(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case []any:
		for _, el := range t {
			if m := firstMap(el); m != nil {
				return m
			}
		}
	}
	return nil
}

// readText returns the first non-blank scalar among keys.
func readText(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case nil, map[string]any, []any:
			continue
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		default:
			if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
				return s
			}
		}
	}
	return ""
}

func readInt(m map[string]any, key string, def int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// InsertSQL renders an INSERT INTO t_attribution_tree statement for tree.
func InsertSQL(tree *model.AttributionTree) string {
	ts := tree.CreatedAt.UTC().Format(sqlTimeLayout)
	return fmt.Sprintf(
		"INSERT INTO t_attribution_tree (tree_id, tree_name, metric_id, metric_name, version, global_filter, tree_config, create_time, update_time) "+
			"VALUES ('%s','%s','%s','%s',%d,'%s','%s','%s','%s');",
		escape(tree.TreeID),
		escape(tree.TreeName),
		escape(tree.MetricID),
		escape(tree.MetricName),
		tree.Version,
		escape(tree.GlobalFilter),
		escape(tree.TreeConfig),
		ts,
		tree.UpdatedAt.UTC().Format(sqlTimeLayout),
	)
}

func escape(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// Import inserts tree, or updates it when a tree with the same id exists.
// It reports whether a new row was created.
func Import(ctx context.Context, st store.Store, tree *model.AttributionTree) (bool, error) {
	existing, err := st.GetTree(ctx, tree.TreeID)
	switch {
	case eris.Is(err, store.ErrNotFound):
		if err := st.InsertTree(ctx, tree); err != nil {
			return false, eris.Wrap(err, "treefile: insert")
		}
		zap.L().Info("treefile: tree created", zap.String("tree_id", tree.TreeID), zap.Int("version", tree.Version))
		return true, nil
	case err != nil:
		return false, eris.Wrap(err, "treefile: lookup")
	}

	tree.CreatedAt = existing.CreatedAt
	if err := st.UpdateTree(ctx, tree); err != nil {
		return false, eris.Wrap(err, "treefile: update")
	}
	zap.L().Info("treefile: tree updated",
		zap.String("tree_id", tree.TreeID),
		zap.Int("from_version", existing.Version),
		zap.Int("to_version", tree.Version),
	)
	return false, nil
}
