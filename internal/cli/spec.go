package cli

import "github.com/spf13/cobra"

var specCmd = &cobra.Command{
	Use:   "spec",
	Short: "Run or queue a spec's chunks",
}

func init() {
	rootCmd.AddCommand(specCmd)
}
