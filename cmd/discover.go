package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/civicsignal/billcost/internal/discovery"
	"github.com/civicsignal/billcost/internal/model"
	"github.com/civicsignal/billcost/pkg/search"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find and review candidate document sources",
}

// -- discover run --

var discoverRunCmd = &cobra.Command{
	Use:   "run <jurisdiction-id>",
	Short: "Search for candidate sources for a jurisdiction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if cfg.Discovery.SearchURL == "" {
			return eris.New("discovery.search_url is required (BILLCOST_DISCOVERY_SEARCH_URL)")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		j, err := st.GetJurisdiction(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "discover run")
		}

		engine, err := discovery.NewEngine(st,
			search.NewClient(cfg.Discovery.SearchURL, cfg.Discovery.SearchAPIKey),
			cfg.Discovery)
		if err != nil {
			return err
		}

		result, err := engine.Run(ctx, *j)
		if err != nil {
			return eris.Wrap(err, "discover run")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

// -- discover list --

var discoverListCmd = &cobra.Command{
	Use:   "list",
	Short: "List candidates awaiting review",
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

		status, _ := cmd.Flags().GetString("status")
		candidates, err := st.ListCandidates(ctx, model.CandidateStatus(status))
		if err != nil {
			return eris.Wrap(err, "discover list")
		}

		if len(candidates) == 0 {
			fmt.Fprintln(os.Stderr, "No candidates found.")
			return nil
		}

		formatCandidates(os.Stdout, candidates)
		return nil
	},
}

// -- discover promote --

var discoverPromoteCmd = &cobra.Command{
	Use:   "promote <candidate-id>",
	Short: "Approve a candidate into the source registry",
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

		src, err := discovery.Promote(ctx, st, args[0])
		if err != nil {
			return eris.Wrap(err, "discover promote")
		}

		fmt.Printf("Created source %s (%s, %s) in review status.\n", src.ID, src.URL, src.Method)
		fmt.Println("Activate it with: billcost sources reactivate", src.ID)
		return nil
	},
}

// -- discover reject --

var discoverRejectCmd = &cobra.Command{
	Use:   "reject <candidate-id>",
	Short: "Reject a proposed candidate",
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

		if err := discovery.Reject(ctx, st, args[0]); err != nil {
			return eris.Wrap(err, "discover reject")
		}
		fmt.Println("Candidate rejected.")
		return nil
	},
}

func formatCandidates(w io.Writer, candidates []model.SourceCandidate) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tJURISDICTION\tSCORE\tCATEGORY\tSTATUS\tURL")
	for _, c := range candidates {
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%s\t%s\t%s\n",
			c.ID, c.JurisdictionID, c.Score, c.Category, c.Status, c.URL)
	}
	tw.Flush()
}

func init() {
	discoverListCmd.Flags().String("status", string(model.CandidateProposed), "filter by candidate status (proposed, approved, rejected)")

	discoverCmd.AddCommand(discoverRunCmd)
	discoverCmd.AddCommand(discoverListCmd)
	discoverCmd.AddCommand(discoverPromoteCmd)
	discoverCmd.AddCommand(discoverRejectCmd)
	rootCmd.AddCommand(discoverCmd)
}
