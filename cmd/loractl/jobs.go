package main

import (
	"fmt"
	"os"
	"strings"

	"lora-orchestrator/core/models"

	"github.com/spf13/cobra"
)

// NewSubmitCmd creates the submit command.
func NewSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Create a job from flags or a YAML job spec",
		Long: `Create a fine-tuning job.

Either pass --file with a YAML job spec:

  job:
    name: support-bot
    model_name: gemma2:2b
    dataset_id: faq
    training:
      num_epochs: 3

or give the name, model and dataset as flags. Omitted hyperparameters use the
server defaults.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient(cmd)
			file, _ := cmd.Flags().GetString("file")

			var (
				job *models.Job
				err error
			)
			if file != "" {
				data, readErr := os.ReadFile(file)
				if readErr != nil {
					return readErr
				}
				job, err = client.SubmitSpec(cmd.Context(), string(data))
			} else {
				req := models.NewCreateJobRequest()
				req.Name, _ = cmd.Flags().GetString("name")
				req.ModelName, _ = cmd.Flags().GetString("model")
				req.DatasetID, _ = cmd.Flags().GetString("dataset")
				if cmd.Flags().Changed("epochs") {
					req.Training.NumEpochs, _ = cmd.Flags().GetInt("epochs")
				}
				if cmd.Flags().Changed("rank") {
					req.LoRA.Rank, _ = cmd.Flags().GetInt("rank")
				}
				job, err = client.CreateJob(cmd.Context(), req)
			}
			if err != nil {
				return err
			}

			if jsonMode(cmd) {
				return writeJSON(cmd.OutOrStdout(), job)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created job %s (%s)\n", job.ID, job.Status)
			return nil
		},
	}

	cmd.Flags().StringP("file", "f", "", "YAML job spec")
	cmd.Flags().String("name", "", "job name")
	cmd.Flags().String("model", "", "base model name")
	cmd.Flags().String("dataset", "", "dataset id")
	cmd.Flags().Int("epochs", 0, "number of epochs")
	cmd.Flags().Int("rank", 0, "LoRA rank")
	return cmd
}

// NewListCmd creates the list command.
func NewListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")

			jobs, err := newClient(cmd).ListJobs(cmd.Context(), models.JobStatus(strings.ToLower(status)), limit)
			if err != nil {
				return err
			}
			if jsonMode(cmd) {
				return writeJSON(cmd.OutOrStdout(), jobs)
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs.")
				return nil
			}
			printJobs(cmd.OutOrStdout(), jobs)
			return nil
		},
	}

	cmd.Flags().String("status", "", "only jobs in this status")
	cmd.Flags().Int("limit", 0, "maximum number of jobs")
	return cmd
}

// NewGetCmd creates the get command.
func NewGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := newClient(cmd).GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonMode(cmd) {
				return writeJSON(cmd.OutOrStdout(), job)
			}
			printJob(cmd.OutOrStdout(), job)
			return nil
		},
	}
}

// NewCancelCmd creates the cancel command.
func NewCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := newClient(cmd).CancelJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonMode(cmd) {
				return writeJSON(cmd.OutOrStdout(), job)
			}
			if job.Status == models.JobStatusRunning {
				fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for %s; the worker stops at its next step\n", job.ID)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s is %s\n", job.ID, job.Status)
			return nil
		},
	}
}

// NewDeleteCmd creates the delete command.
func NewDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete a job that is not running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient(cmd).DeleteJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted job %s\n", args[0])
			return nil
		},
	}
}
