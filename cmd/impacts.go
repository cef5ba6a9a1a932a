package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/civicsignal/billcost/internal/model"
)

var impactsCmd = &cobra.Command{
	Use:   "impacts <bill-id>",
	Short: "Show cost-of-living impact estimates for a bill",
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

		impacts, err := st.ListImpacts(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "impacts")
		}

		if len(impacts) == 0 {
			fmt.Fprintln(os.Stderr, "No impacts recorded for this bill.")
			return nil
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(impacts)
		}

		formatImpacts(os.Stdout, impacts)
		return nil
	},
}

func formatImpacts(w io.Writer, impacts []model.Impact) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCONFIDENCE\tP10\tP25\tP50\tP75\tP90\tMODEL\tCREATED")
	for _, im := range impacts {
		fmt.Fprintf(tw, "%s\t%.2f\t%.0f\t%.0f\t%.0f\t%.0f\t%.0f\t%s\t%s\n",
			im.ID, im.Confidence,
			im.Ladder.P10, im.Ladder.P25, im.Ladder.P50, im.Ladder.P75, im.Ladder.P90,
			im.ModelUsed, im.CreatedAt.Format("2006-01-02"))
	}
	tw.Flush()
}

func init() {
	impactsCmd.Flags().Bool("json", false, "print full impact records as JSON")
	rootCmd.AddCommand(impactsCmd)
}
