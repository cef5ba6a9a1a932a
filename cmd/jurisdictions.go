package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/civicsignal/billcost/internal/model"
)

var jurisdictionsCmd = &cobra.Command{
	Use:   "jurisdictions",
	Short: "Manage tracked jurisdictions",
}

var jurisdictionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jurisdictions",
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
		jurisdictions, err := st.ListJurisdictions(ctx, model.JurisdictionStatus(status))
		if err != nil {
			return eris.Wrap(err, "jurisdictions list")
		}

		if len(jurisdictions) == 0 {
			fmt.Fprintln(os.Stderr, "No jurisdictions found.")
			return nil
		}

		formatJurisdictions(os.Stdout, jurisdictions)
		return nil
	},
}

var jurisdictionsAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Track a new jurisdiction",
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

		jType, _ := cmd.Flags().GetString("type")
		priority, _ := cmd.Flags().GetString("priority")

		j, err := st.CreateJurisdiction(ctx, model.Jurisdiction{
			Name:           args[0],
			Type:           model.JurisdictionType(jType),
			SourcePriority: model.SourcePriority(priority),
			Status:         model.JurisdictionActive,
		})
		if err != nil {
			return eris.Wrap(err, "jurisdictions add")
		}

		fmt.Printf("Created jurisdiction %s.\n", j.ID)
		return nil
	},
}

func formatJurisdictions(w io.Writer, jurisdictions []model.Jurisdiction) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tPRIORITY\tSTATUS")
	for _, j := range jurisdictions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			j.ID, j.Name, j.Type, j.SourcePriority, j.Status)
	}
	tw.Flush()
}

func init() {
	jurisdictionsListCmd.Flags().String("status", string(model.JurisdictionActive), "filter by status (active, archived)")

	jurisdictionsAddCmd.Flags().String("type", "city", "jurisdiction type (city, county, state)")
	jurisdictionsAddCmd.Flags().String("priority", string(model.PriorityAPIFirst), "source priority (api_only, web_only, api_first, web_first, both_merge)")

	jurisdictionsCmd.AddCommand(jurisdictionsListCmd)
	jurisdictionsCmd.AddCommand(jurisdictionsAddCmd)
	rootCmd.AddCommand(jurisdictionsCmd)
}
