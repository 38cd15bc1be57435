package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ionvault/persist/internal/migration"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Work with migration plan documents",
}

var migrateValidateCmd = &cobra.Command{
	Use:   "validate <plan.toml>",
	Short: "Parse a TOML migration plan document and validate its version chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, err := migration.LoadPlanTOML(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "plan OK: current_version=%d, %d step(s)\n", plan.CurrentVersion, len(plan.Steps))
		for _, step := range plan.Steps {
			fmt.Fprintf(cmd.OutOrStdout(), "  %d -> %d (%d SQL statement(s))\n", step.FromVersion, step.ToVersion, len(step.SQLStatements))
		}
		return nil
	},
}

func init() {
	migrateCmd.AddCommand(migrateValidateCmd)
	rootCmd.AddCommand(migrateCmd)
}
