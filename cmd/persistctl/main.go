// Command persistctl is a small administrative CLI for a PersistApp root:
// inspecting configuration, validating migration plan documents, and
// managing the cluster node address directory. It never opens the SQL
// session or entity runtime itself — those require an embedding program's
// registered collections and command handlers.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "persistctl",
	Short: "Administrative CLI for a PersistApp root directory",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
