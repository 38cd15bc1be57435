package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ionvault/persist/internal/cluster"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage the cluster node address directory for a root",
}

var clusterAnnounceCmd = &cobra.Command{
	Use:   "announce <root> <node-id> <address>",
	Short: "Record node-id's dial address in <root>/cluster_directory.json",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := cluster.Open(args[0])
		if err != nil {
			return err
		}
		return dir.Announce(args[1], args[2])
	},
}

var clusterWithdrawCmd = &cobra.Command{
	Use:   "withdraw <root> <node-id>",
	Short: "Remove node-id from <root>/cluster_directory.json",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := cluster.Open(args[0])
		if err != nil {
			return err
		}
		return dir.Withdraw(args[1])
	},
}

var clusterListCmd = &cobra.Command{
	Use:   "list <root>",
	Short: "List every announced node address for <root>",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := cluster.Open(args[0])
		if err != nil {
			return err
		}
		entries, err := dir.List()
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", e.NodeID, e.Address, e.UpdatedAt.Format("2006-01-02T15:04:05Z"))
		}
		return nil
	},
}

func init() {
	clusterCmd.AddCommand(clusterAnnounceCmd, clusterWithdrawCmd, clusterListCmd)
	rootCmd.AddCommand(clusterCmd)
}
