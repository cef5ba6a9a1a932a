package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/civicsignal/billcost/internal/analysis"
	"github.com/civicsignal/billcost/internal/model"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <bill-id>",
	Short: "Run one analysis stage for a bill",
	Long:  "Runs a single stage of the research, generate, review pipeline synchronously and prints the stage result. Stages must be run in order; each reads the previous stage's persisted output.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		stepFlag, _ := cmd.Flags().GetString("step")
		step := model.TaskType(stepFlag)
		if !step.AnalysisStep() {
			return eris.Errorf("--step must be research, generate, or review, got %q", stepFlag)
		}

		jurisdictionID, _ := cmd.Flags().GetString("jurisdiction")
		billTextFile, _ := cmd.Flags().GetString("bill-text")
		modelOverride, _ := cmd.Flags().GetString("model")
		skipResearch, _ := cmd.Flags().GetBool("skip-research")

		if skipResearch && step != model.TaskGenerate {
			return eris.New("--skip-research only applies to the generate step")
		}

		req := analysis.Request{
			BillID:         args[0],
			JurisdictionID: jurisdictionID,
			ModelOverride:  modelOverride,
			SkipResearch:   skipResearch,
		}
		if step == model.TaskResearch || skipResearch {
			if billTextFile == "" {
				return eris.New("--bill-text is required for this step")
			}
			text, err := os.ReadFile(billTextFile)
			if err != nil {
				return eris.Wrap(err, "read bill text")
			}
			req.BillText = string(text)
		}

		env, err := initEnv(ctx, "analyze")
		if err != nil {
			return err
		}
		defer env.Close()

		task, err := env.Store.CreateTask(ctx, model.AnalysisTask{
			Type:           step,
			BillID:         args[0],
			JurisdictionID: jurisdictionID,
		})
		if err != nil {
			return eris.Wrap(err, "create task")
		}
		if err := env.Store.MarkTaskRunning(ctx, task.ID); err != nil {
			return eris.Wrap(err, "start task")
		}

		out, err := env.Pipeline.RunStage(ctx, *task, req)
		if err != nil {
			_ = env.Store.FailTask(ctx, task.ID, "", err.Error())
			return eris.Wrapf(err, "analyze %s", step)
		}
		if err := env.Store.CompleteTask(ctx, task.ID, out.ModelUsed, out.ContextRef, out.Result); err != nil {
			return eris.Wrap(err, "record result")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			TaskID    string          `json:"task_id"`
			Step      model.TaskType  `json:"step"`
			ModelUsed string          `json:"model_used"`
			Result    json.RawMessage `json:"result"`
		}{task.ID, step, out.ModelUsed, out.Result})
	},
}

func init() {
	analyzeCmd.Flags().String("step", "research", "pipeline stage to run (research, generate, review)")
	analyzeCmd.Flags().String("jurisdiction", "", "jurisdiction ID for retrieval scoping")
	analyzeCmd.Flags().String("bill-text", "", "path to the bill text file (research step)")
	analyzeCmd.Flags().String("model", "", "model name to try first, overriding the configured priority")
	analyzeCmd.Flags().Bool("skip-research", false, "run generate without a research stage (requires --bill-text)")
	rootCmd.AddCommand(analyzeCmd)
}
