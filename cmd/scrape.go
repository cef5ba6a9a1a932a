package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/civicsignal/billcost/internal/store"
)

var scrapeCmd = &cobra.Command{
	Use:   "scrape <jurisdiction-id>",
	Short: "Acquire and ingest documents for one jurisdiction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "scrape")
		if err != nil {
			return err
		}
		defer env.Close()

		j, err := env.Store.GetJurisdiction(ctx, args[0])
		if err != nil {
			if eris.Is(err, store.ErrNotFound) {
				return eris.Errorf("jurisdiction %s not found", args[0])
			}
			return eris.Wrap(err, "scrape")
		}

		summary, err := env.Runner.Run(ctx, *j)
		if err != nil {
			return eris.Wrap(err, "scrape")
		}

		skipIngest, _ := cmd.Flags().GetBool("skip-ingest")
		ingested := 0
		if !skipIngest && summary.NewDocuments > 0 {
			ingested, err = env.Ingestor.RunBacklog(ctx, summary.NewDocuments)
			if err != nil {
				zap.L().Warn("ingestion incomplete", zap.Error(err))
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			JurisdictionID string `json:"jurisdiction_id"`
			ItemsFetched   int    `json:"items_fetched"`
			NewDocuments   int    `json:"new_documents"`
			Duplicates     int    `json:"duplicates"`
			UsedFallback   bool   `json:"used_fallback"`
			Ingested       int    `json:"ingested"`
		}{
			JurisdictionID: summary.JurisdictionID,
			ItemsFetched:   summary.ItemsFetched,
			NewDocuments:   summary.NewDocuments,
			Duplicates:     summary.Duplicates,
			UsedFallback:   summary.UsedFallback,
			Ingested:       ingested,
		})
	},
}

func init() {
	scrapeCmd.Flags().Bool("skip-ingest", false, "acquire documents without embedding them")
	rootCmd.AddCommand(scrapeCmd)
}
