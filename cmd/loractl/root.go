package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"lora-orchestrator/client/syncclient"
	"lora-orchestrator/core/models"

	"github.com/spf13/cobra"
)

const AppName = "loractl"

// NewRootCmd builds the command tree
func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           AppName,
		Short:         "loractl - submit and follow LoRA fine-tuning jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.Version = version
	cmd.SetVersionTemplate(AppName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().String("server", envOr("LORA_SERVER", "http://localhost:8080"), "orchestrator base URL")
	cmd.PersistentFlags().Duration("timeout", syncclient.DefaultPolicy().RequestTimeout, "per-request timeout")
	cmd.PersistentFlags().Bool("json", false, "output in JSON format")

	cmd.AddCommand(
		NewSubmitCmd(),
		NewListCmd(),
		NewGetCmd(),
		NewCancelCmd(),
		NewDeleteCmd(),
		NewWatchCmd(),
	)
	return cmd
}

func newClient(cmd *cobra.Command) *syncclient.Client {
	server, _ := cmd.Flags().GetString("server")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return syncclient.NewClient(server, timeout)
}

func jsonMode(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJobs(w io.Writer, jobs []*models.Job) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tMODEL\tSTATUS\tPROGRESS\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.1f%%\t%s\n",
			j.ID, j.Name, j.ModelName, j.Status, j.Progress, j.CreatedAt.Format(time.RFC3339))
	}
	tw.Flush()
}

func printJob(w io.Writer, j *models.Job) {
	fmt.Fprintf(w, "ID:        %s\n", j.ID)
	fmt.Fprintf(w, "Name:      %s\n", j.Name)
	fmt.Fprintf(w, "Model:     %s\n", j.ModelName)
	fmt.Fprintf(w, "Dataset:   %s\n", j.DatasetID)
	fmt.Fprintf(w, "Status:    %s\n", statusLine(j))
	fmt.Fprintf(w, "Progress:  %.1f%% (epoch %d/%d, step %d/%d)\n",
		j.Progress, j.CurrentEpoch, j.TotalEpochs, j.CurrentStep, j.TotalSteps)
	if j.Loss != nil {
		fmt.Fprintf(w, "Loss:      %.4f\n", *j.Loss)
	}
	if j.ModelPath != "" {
		fmt.Fprintf(w, "Adapter:   %s\n", j.ModelPath)
	}
}

func statusLine(j *models.Job) string {
	parts := []string{string(j.Status)}
	switch {
	case j.FailureReason != "":
		parts = append(parts, j.FailureReason)
	case j.Stage != "":
		parts = append(parts, j.Stage)
	}
	if j.CancelRequested && !j.Status.IsTerminal() {
		parts = append(parts, "cancel requested")
	}
	return strings.Join(parts, " - ")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
