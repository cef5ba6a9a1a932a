package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/civicsignal/billcost/internal/model"
	"github.com/civicsignal/billcost/internal/store"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and cancel background tasks",
}

// -- tasks list --

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
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

		bill, _ := cmd.Flags().GetString("bill")
		status, _ := cmd.Flags().GetString("status")
		taskType, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")
		since, _ := cmd.Flags().GetDuration("since")

		filter := store.TaskFilter{
			BillID: bill,
			Type:   model.TaskType(taskType),
			Status: model.TaskStatus(status),
			Limit:  limit,
		}
		if since > 0 {
			filter.CreatedAfter = time.Now().Add(-since)
		}

		taskList, err := st.ListTasks(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "tasks list")
		}

		if len(taskList) == 0 {
			fmt.Fprintln(os.Stderr, "No tasks found.")
			return nil
		}

		formatTasks(os.Stdout, taskList)
		return nil
	},
}

// -- tasks show --

var tasksShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show full details of a task",
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

		task, err := st.GetTask(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "tasks show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(task)
	},
}

// -- tasks cancel --

var tasksCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a queued or running task",
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

		if err := st.CancelTask(ctx, args[0]); err != nil {
			if eris.Is(err, store.ErrInvalidTransition) {
				return eris.Errorf("task %s already finished", args[0])
			}
			return eris.Wrap(err, "tasks cancel")
		}

		fmt.Printf("Task %s cancelled.\n", args[0])
		return nil
	},
}

func formatTasks(w io.Writer, taskList []model.AnalysisTask) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tBILL\tSTATUS\tMODEL\tCREATED")
	for _, t := range taskList {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Type, t.BillID, t.Status, t.ModelUsed, t.CreatedAt.Format("2006-01-02 15:04"))
	}
	tw.Flush()
}

func init() {
	tasksListCmd.Flags().String("bill", "", "filter by bill ID")
	tasksListCmd.Flags().String("status", "", "filter by status (queued, running, completed, failed, cancelled)")
	tasksListCmd.Flags().String("type", "", "filter by type (scrape, research, generate, review)")
	tasksListCmd.Flags().Int("limit", 50, "max number of tasks to display")
	tasksListCmd.Flags().Duration("since", 0, "only tasks created within this window (e.g. 24h)")

	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksShowCmd)
	tasksCmd.AddCommand(tasksCancelCmd)
	rootCmd.AddCommand(tasksCmd)
}
