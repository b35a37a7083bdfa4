package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/metric-attribution/internal/treefile"
)

var treeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Manage attribution tree definitions",
}

var treeSQLCmd = &cobra.Command{
	Use:   "sql <file.yml>...",
	Short: "Print INSERT statements for YAML tree definitions",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("sql"); err != nil {
			return err
		}
		now := time.Now()
		for _, path := range args {
			tree, err := treefile.Load(path, now)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "-- %s -> %s --\n%s\n", path, tree.TreeID, treefile.InsertSQL(tree))
		}
		return nil
	},
}

var treeImportCmd = &cobra.Command{
	Use:   "import <file.yml>...",
	Short: "Validate YAML tree definitions and write them to the store",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("import"); err != nil {
			return err
		}
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		now := time.Now()
		for _, path := range args {
			tree, err := treefile.Load(path, now)
			if err != nil {
				return err
			}
			created, err := treefile.Import(ctx, st, tree)
			if err != nil {
				return err
			}
			zap.L().Info("tree imported",
				zap.String("file", path),
				zap.String("tree_id", tree.TreeID),
				zap.Bool("created", created),
			)
		}
		return nil
	},
}

func init() {
	treeCmd.AddCommand(treeSQLCmd, treeImportCmd)
	rootCmd.AddCommand(treeCmd)
}
