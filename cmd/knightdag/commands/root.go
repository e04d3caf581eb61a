package commands

import (
	"github.com/spf13/cobra"
)

// RootCmd is the root command for knightdag
var RootCmd = &cobra.Command{
	Use:              "knightdag",
	Short:            "DAG block confirmation engine",
	TraverseChildren: true,
}

func init() {
	RootCmd.AddCommand(NewRunCmd())
}
