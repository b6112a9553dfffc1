package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"market-pulse-bot/internal/app"
)

var (
	showLimit     int
	showPublishes bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent cycles or the publish log",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:     showLimit,
			Publishes: showPublishes,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().BoolVar(&showPublishes, "publishes", false, "Show the publish log instead of cycles")
}
