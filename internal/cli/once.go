package cli

import (
	"github.com/spf13/cobra"

	"market-pulse-bot/internal/app"
)

var onceDryRun bool

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single publish cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Once(cmd.Context(), app.OnceOptions{DryRun: onceDryRun})
	},
}

func init() {
	onceCmd.Flags().BoolVar(&onceDryRun, "dry-run", false, "Log the post instead of publishing it")
}
