package db

import (
	"fmt"
	"strings"
)

// UpsertConfig describes an INSERT ... ON CONFLICT statement.
type UpsertConfig struct {
	Table        string   // target table
	Columns      []string // inserted columns, in argument order
	ConflictKeys []string // columns of the unique constraint
	UpdateCols   []string // columns rewritten on conflict; nil means all non-key columns
}

// UpsertSQL builds a single-row upsert with $n placeholders in column order.
func UpsertSQL(cfg UpsertConfig) string {
	keys := make(map[string]bool, len(cfg.ConflictKeys))
	for _, k := range cfg.ConflictKeys {
		keys[k] = true
	}

	update := cfg.UpdateCols
	if update == nil {
		for _, c := range cfg.Columns {
			if !keys[c] {
				update = append(update, c)
			}
		}
	}

	placeholders := make([]string, len(cfg.Columns))
	for i := range cfg.Columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	sets := make([]string, len(update))
	for i, c := range update {
		sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", c, c)
	}

	action := "DO NOTHING"
	if len(sets) > 0 {
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		cfg.Table,
		strings.Join(cfg.Columns, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(cfg.ConflictKeys, ", "),
		action,
	)
}
