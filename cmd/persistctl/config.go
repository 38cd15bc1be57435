package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ionvault/persist/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect a root's effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show <root>",
	Short: "Load and print the effective policy for <root> as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		policy, err := config.Load(args[0])
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(policy, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling policy: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

var configWatchCmd = &cobra.Command{
	Use:   "watch <root>",
	Short: "Watch <root>/config.yaml and print the policy each time it changes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root := args[0]
		w, err := config.WatchConfig(root, func(p config.Policy) {
			out, _ := json.MarshalIndent(p, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
		}, func(err error) {
			fmt.Fprintln(cmd.ErrOrStderr(), "reload error:", err)
		})
		if err != nil {
			return err
		}
		defer w.Close()

		fmt.Fprintf(cmd.ErrOrStderr(), "watching %s/config.yaml, press Ctrl+C to stop\n", root)
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configWatchCmd)
	rootCmd.AddCommand(configCmd)
}
