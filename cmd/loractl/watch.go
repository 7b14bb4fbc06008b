package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"lora-orchestrator/client/syncclient"

	"github.com/spf13/cobra"
)

// NewWatchCmd creates the watch command.
func NewWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <job-id>...",
		Short: "Follow jobs until they finish",
		Long: `Poll one or more jobs and print every change until all of them are finished.

Running jobs are polled more often than pending ones. Failed polls back off,
and after repeated failures polling pauses until you press Enter.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			session := syncclient.NewSession()
			mgr := syncclient.NewManager(newClient(cmd), session,
				syncclient.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
			defer mgr.StopAll()
			for _, id := range args {
				mgr.Watch(id)
			}

			enter := make(chan struct{})
			go func() {
				scanner := bufio.NewScanner(cmd.InOrStdin())
				for scanner.Scan() {
					select {
					case enter <- struct{}{}:
					case <-ctx.Done():
						return
					}
				}
			}()

			out := cmd.OutOrStdout()
			printed := make(map[string]string)
			done := make(map[string]bool)
			for {
				select {
				case <-ctx.Done():
					return nil
				case id := <-session.Updates():
					v, ok := session.View(id)
					if !ok {
						continue
					}
					if line := viewLine(v); line != printed[id] {
						printed[id] = line
						fmt.Fprintln(out, line)
					}
					switch v.State {
					case syncclient.StateGone:
						mgr.Unwatch(id)
						session.Forget(id)
						done[id] = true
					case syncclient.StateTerminal:
						done[id] = true
					}
					if finished(done, args) {
						return nil
					}
				case <-enter:
					for _, v := range session.Views() {
						if v.State == syncclient.StateReconnectRequired {
							mgr.Reconnect(v.JobID)
						}
					}
				}
			}
		},
	}
}

func viewLine(v syncclient.View) string {
	switch v.State {
	case syncclient.StateGone:
		return fmt.Sprintf("%s: job no longer exists", v.JobID)
	case syncclient.StateReconnectRequired:
		return fmt.Sprintf("%s: connection lost after %d attempts (%v); press Enter to reconnect", v.JobID, v.Failures, v.LastError)
	}
	if v.LastError != nil {
		return fmt.Sprintf("%s: retrying (%d failed, %s)", v.JobID, v.Failures, v.LastError.Kind)
	}

	j := v.Snapshot.Job
	if j == nil {
		return v.JobID + ": waiting"
	}
	line := fmt.Sprintf("%s: %s %.1f%% epoch %d/%d step %d/%d",
		j.ID, statusLine(j), j.Progress, j.CurrentEpoch, j.TotalEpochs, j.CurrentStep, j.TotalSteps)
	if j.Loss != nil {
		line += fmt.Sprintf(" loss %.4f", *j.Loss)
	}
	return line
}

func finished(done map[string]bool, ids []string) bool {
	for _, id := range ids {
		if !done[id] {
			return false
		}
	}
	return true
}
