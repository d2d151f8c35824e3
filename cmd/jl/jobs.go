package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"journeyline/internal/app"
	"journeyline/internal/domain"
)

func jobCmd() *cobra.Command {
	j := &cobra.Command{
		Use:   "job",
		Short: "Inspect and manage background jobs",
	}
	j.AddCommand(jobListCmd())
	j.AddCommand(jobShowCmd())
	j.AddCommand(jobCancelCmd())
	j.AddCommand(jobCleanupCmd())
	return j
}

func jobListCmd() *cobra.Command {
	var status string
	var limit int
	var running, recent bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var (
					items []domain.BackgroundJob
					err   error
				)
				switch {
				case running:
					items, err = a.Jobs.RunningJobsForUser(ctx, userID())
				case recent:
					items, err = a.Jobs.RecentJobs(ctx, userID())
				default:
					items, err = a.Jobs.ListJobsByUser(ctx, userID(), domain.JobStatus(status), limit)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Progress", "Session", "Message", "Created"})
				for _, j := range items {
					msg := j.ProgressMessage
					if j.ErrorMessage != "" {
						msg = j.ErrorMessage
					}
					tw.AppendRow(table.Row{j.ID, j.JobType, j.Status, fmt.Sprintf("%d%%", j.Progress), j.SessionID, msg, j.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	cmd.Flags().BoolVar(&running, "running", false, "only pending and running jobs")
	cmd.Flags().BoolVar(&recent, "recent", false, "only jobs from the last 24 hours")
	return cmd
}

func jobShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				j, err := a.Jobs.GetJobForUser(ctx, args[0], userID())
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	return cmd
}

func jobCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending or running job",
		Long:  "Marks the job failed. A running worker is not interrupted; its outcome is discarded and the session stays resumable.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ok, err := a.Jobs.CancelJob(ctx, args[0], userID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"job_id": args[0], "cancelled": ok})
				}
				if !ok {
					return fmt.Errorf("job %s is not yours or already finished", args[0])
				}
				fmt.Println("cancelled", args[0])
				return nil
			})
		},
	}
	return cmd
}

func jobCleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete finished jobs older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if !cmd.Flags().Changed("days") {
					days = a.Config.Jobs.RetentionDays
				}
				n, err := a.Jobs.CleanupOldJobs(ctx, days)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"deleted": n, "days_old": days})
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "age in days (defaults to jobs.retention_days)")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP API",
	}
	k.AddCommand(apiKeyCreateCmd())
	k.AddCommand(apiKeyListCmd())
	k.AddCommand(apiKeyDeleteCmd())
	return k
}

func apiKeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for --user-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				key, secret, err := a.CreateAPIKey(ctx, userID(), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "user_id": key.UserID, "name": key.Name, "key": secret})
				}
				fmt.Printf("API key %s for %s\n", key.ID, key.UserID)
				fmt.Printf("Key: %s\n", secret)
				fmt.Println("Store it now; it is not shown again.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys of --user-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.ListAPIKeys(ctx, userID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					for i := range keys {
						keys[i].KeyHash = ""
					}
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "User", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.UserID, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
	return cmd
}
