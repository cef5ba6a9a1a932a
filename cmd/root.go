package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/civicsignal/billcost/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "billcost",
	Short: "Legislative cost-of-living impact analysis",
	Long:  "Acquires legislative documents from municipal sources, embeds them for retrieval, and runs a staged Claude pipeline estimating per-household cost-of-living impact of pending bills.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
