package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/civicsignal/billcost/internal/model"
	"github.com/civicsignal/billcost/internal/monitoring"
	"github.com/civicsignal/billcost/internal/registry"
	"github.com/civicsignal/billcost/internal/store"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage the source registry",
}

// -- sources list --

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered sources",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		jurisdiction, _ := cmd.Flags().GetString("jurisdiction")
		status, _ := cmd.Flags().GetString("status")

		sources, err := st.ListSources(ctx, store.SourceFilter{
			JurisdictionID: jurisdiction,
			Status:         model.SourceStatus(status),
		})
		if err != nil {
			return eris.Wrap(err, "sources list")
		}

		if len(sources) == 0 {
			fmt.Fprintln(os.Stderr, "No sources found.")
			return nil
		}

		formatSources(os.Stdout, sources)
		return nil
	},
}

// -- sources add --

var sourcesAddCmd = &cobra.Command{
	Use:   "add <jurisdiction-id> <url>",
	Short: "Register a source directly",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		if _, err := st.GetJurisdiction(ctx, args[0]); err != nil {
			return eris.Wrapf(err, "sources add: jurisdiction %s", args[0])
		}

		category, _ := cmd.Flags().GetString("category")
		method, _ := cmd.Flags().GetString("method")

		src, err := st.CreateSource(ctx, model.Source{
			JurisdictionID: args[0],
			URL:            args[1],
			Category:       model.SourceCategory(category),
			Method:         model.AcquisitionMethod(method),
			Status:         model.SourceActive,
		})
		if err != nil {
			return eris.Wrap(err, "sources add")
		}

		fmt.Printf("Created source %s.\n", src.ID)
		return nil
	},
}

// -- sources reactivate --

var sourcesReactivateCmd = &cobra.Command{
	Use:   "reactivate <source-id>",
	Short: "Return a broken or review source to active rotation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		reg := registry.New(st, monitoring.NewAlerter(cfg.Alert), cfg.Health.FailureWindow)
		if err := reg.Reactivate(ctx, args[0]); err != nil {
			return eris.Wrap(err, "sources reactivate")
		}

		fmt.Printf("Source %s is active again.\n", args[0])
		return nil
	},
}

// -- sources health --

var sourcesHealthCmd = &cobra.Command{
	Use:   "health <source-id>",
	Short: "Show recent health history for a source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		limit, _ := cmd.Flags().GetInt("limit")
		records, err := st.RecentHealth(ctx, args[0], limit)
		if err != nil {
			return eris.Wrap(err, "sources health")
		}

		if len(records) == 0 {
			fmt.Fprintln(os.Stderr, "No health records.")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CHECKED AT\tOUTCOME\tLATENCY MS\tITEMS")
		for _, rec := range records {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n",
				rec.CheckedAt.Format("2006-01-02 15:04:05"), rec.Outcome, rec.LatencyMS, rec.ItemsFound)
		}
		tw.Flush()
		return nil
	},
}

func formatSources(w io.Writer, sources []model.Source) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tJURISDICTION\tMETHOD\tCATEGORY\tSTATUS\tURL")
	for _, s := range sources {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.JurisdictionID, s.Method, s.Category, s.Status, s.URL)
	}
	tw.Flush()
}

func init() {
	sourcesListCmd.Flags().String("jurisdiction", "", "filter by jurisdiction ID")
	sourcesListCmd.Flags().String("status", "", "filter by status (active, broken, review)")

	sourcesAddCmd.Flags().String("category", string(model.CategoryGeneral), "source category (meeting, code, general)")
	sourcesAddCmd.Flags().String("method", string(model.MethodScrape), "acquisition method (api, scrape, manual)")

	sourcesHealthCmd.Flags().Int("limit", 20, "number of health records to show")

	sourcesCmd.AddCommand(sourcesListCmd)
	sourcesCmd.AddCommand(sourcesAddCmd)
	sourcesCmd.AddCommand(sourcesReactivateCmd)
	sourcesCmd.AddCommand(sourcesHealthCmd)
	rootCmd.AddCommand(sourcesCmd)
}
