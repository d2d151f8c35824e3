package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"journeyline/internal/app"
	"journeyline/internal/domain"
	"journeyline/internal/jobs"
	"journeyline/internal/journey"
	"journeyline/internal/strategic"
)

func understandingCmd() *cobra.Command {
	u := &cobra.Command{
		Use:     "understanding",
		Aliases: []string{"u"},
		Short:   "Manage problem statements",
	}
	u.AddCommand(understandingAddCmd())
	u.AddCommand(understandingListCmd())
	return u
}

func understandingAddCmd() *cobra.Command {
	var id, title, input string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record a problem statement",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(input) == "" {
				return fmt.Errorf("--input required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				u, err := a.CreateUnderstanding(ctx, id, userID(), title, input)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "understanding id (generated when empty)")
	cmd.Flags().StringVar(&title, "title", "", "short title")
	cmd.Flags().StringVar(&input, "input", "", "problem statement")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func understandingListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List problem statements",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.ListUnderstandings(ctx, userID(), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Created"})
				for _, u := range items {
					tw.AppendRow(table.Row{u.ID, u.Title, u.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func journeyCmd() *cobra.Command {
	j := &cobra.Command{
		Use:   "journey",
		Short: "Start, run and inspect journeys",
		Long:  "A journey runs its frameworks in order, checkpointing after each one. Paused or interrupted journeys resume from the last checkpoint.",
	}
	j.AddCommand(journeyTypesCmd())
	j.AddCommand(journeyStartCmd())
	j.AddCommand(journeyExecuteCmd("execute", "Run the remaining frameworks of a journey", false))
	j.AddCommand(journeyExecuteCmd("resume", "Resume a paused or interrupted journey", true))
	j.AddCommand(journeyPauseCmd())
	j.AddCommand(journeyShowCmd())
	j.AddCommand(journeyListCmd())
	j.AddCommand(journeyProgressCmd())
	j.AddCommand(journeyInsightsCmd())
	j.AddCommand(journeyEventsCmd())
	return j
}

func journeyTypesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "types",
		Short: "List journey types and whether you may start them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				type row struct {
					Type       string   `json:"type"`
					Name       string   `json:"name"`
					Frameworks []string `json:"frameworks"`
					Available  bool     `json:"available"`
					Reason     string   `json:"reason"`
				}
				var rows []row
				for _, t := range a.Config.JourneyTypes() {
					j, _ := a.Config.Journey(t)
					ok, reason, err := a.Orchestrator.Available(ctx, t, userID())
					if err != nil {
						return err
					}
					rows = append(rows, row{Type: t, Name: j.Name, Frameworks: j.Frameworks, Available: ok, Reason: reason})
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Type", "Name", "Frameworks", "Available", "Reason"})
				for _, r := range rows {
					tw.AppendRow(table.Row{r.Type, r.Name, strings.Join(r.Frameworks, " > "), r.Available, r.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func journeyStartCmd() *cobra.Command {
	var understandingID, journeyType string
	var run, queue bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a journey for an understanding",
		RunE: func(cmd *cobra.Command, args []string) error {
			if run && queue {
				return fmt.Errorf("--run and --queue are exclusive")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				id, err := a.Orchestrator.StartJourney(ctx, understandingID, journeyType, userID())
				if err != nil {
					return err
				}
				switch {
				case run:
					s, err := a.Orchestrator.ExecuteJourney(ctx, id, printProgress)
					if err != nil {
						return err
					}
					return printSession(s, false)
				case queue:
					jobID, _, err := queueJourney(ctx, a, id, false)
					if err != nil {
						return err
					}
					return printJSONOrTable(map[string]string{"session_id": id, "job_id": jobID})
				}
				s, err := a.Orchestrator.GetSession(ctx, id)
				if err != nil {
					return err
				}
				return printSession(s, false)
			})
		},
	}
	cmd.Flags().StringVar(&understandingID, "understanding", "", "understanding id")
	cmd.Flags().StringVar(&journeyType, "type", "", "journey type")
	cmd.Flags().BoolVar(&run, "run", false, "execute in the foreground right away")
	cmd.Flags().BoolVar(&queue, "queue", false, "queue a background job right away")
	_ = cmd.MarkFlagRequired("understanding")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func journeyExecuteCmd(use, short string, resume bool) *cobra.Command {
	var background bool
	cmd := &cobra.Command{
		Use:   use + " <session-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if background {
					jobID, created, err := queueJourney(ctx, a, args[0], resume)
					if err != nil {
						return err
					}
					return printJSONOrTable(map[string]any{"session_id": args[0], "job_id": jobID, "created": created})
				}
				run := a.Orchestrator.ExecuteJourney
				if resume {
					run = a.Orchestrator.ResumeJourney
				}
				s, err := run(ctx, args[0], printProgress)
				if err != nil {
					return err
				}
				return printSession(s, false)
			})
		},
	}
	cmd.Flags().BoolVar(&background, "background", false, "queue a job instead of running in the foreground")
	return cmd
}

func journeyPauseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pause <session-id>",
		Short: "Pause a journey at its next checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Orchestrator.PauseJourney(ctx, args[0])
				if err != nil {
					return err
				}
				return printSession(s, false)
			})
		},
	}
	return cmd
}

func journeyShowCmd() *cobra.Command {
	var withContext, critical bool
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a journey session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Orchestrator.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				if critical {
					return printJSONOrTable(strategic.SynthesizeCriticalItems(s.Context))
				}
				return printSession(s, withContext)
			})
		},
	}
	cmd.Flags().BoolVar(&withContext, "context", false, "include the accumulated strategic context")
	cmd.Flags().BoolVar(&critical, "critical", false, "show risks, opportunities and constraints only")
	return cmd
}

func journeyListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List journey sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Orchestrator.ListSessions(ctx, userID(), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Step", "Completed", "Updated"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.JourneyType, s.Status, s.CurrentFrameworkIndex, strings.Join(s.CompletedFrameworks, ","), s.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func journeyProgressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "progress <session-id>",
		Short: "Show journey progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Orchestrator.GetProgress(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				printProgress(p)
				return nil
			})
		},
	}
	return cmd
}

func journeyInsightsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "insights <session-id>",
		Short: "Show the per-framework audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.SessionInsights(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Framework", "Duration (ms)", "Errors", "Created"})
				for _, rec := range items {
					tw.AppendRow(table.Row{rec.FrameworkName, rec.DurationMS, strings.Join(rec.Errors, "; "), rec.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func journeyEventsCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "events <session-id>",
		Short: "Tail a session's events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.SessionEvents(ctx, args[0], evtType, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func queueJourney(ctx context.Context, a *app.App, sessionID string, resume bool) (string, bool, error) {
	s, err := a.Orchestrator.GetSession(ctx, sessionID)
	if err != nil {
		return "", false, err
	}
	if s.Status.Terminal() {
		return "", false, fmt.Errorf("session %s is %s: %w", s.ID, s.Status, journey.ErrSessionTerminal)
	}
	return a.Jobs.CreateJobForSession(ctx, jobs.CreateParams{
		UserID:            s.UserID,
		JobType:           domain.JobTypeJourneyExecution,
		InputData:         jobs.JourneyInput{SessionID: s.ID, Resume: resume},
		SessionID:         s.ID,
		RelatedEntityID:   s.ID,
		RelatedEntityType: "journey_session",
	})
}

func printProgress(p domain.JourneyProgress) {
	if viper.GetBool("json") {
		return
	}
	current := p.CurrentFramework
	if current == "" {
		current = "-"
	}
	fmt.Printf("[%3d%%] %s step %d/%d current=%s\n", p.PercentComplete, p.Status, p.FrameworkIndex, p.TotalFrameworks, current)
}

func printSession(s domain.JourneySession, withContext bool) error {
	if viper.GetBool("json") {
		if !withContext {
			s.Context = domain.StrategicContext{}
		}
		return printJSON(s)
	}
	fmt.Printf("Session:   %s\n", s.ID)
	fmt.Printf("Journey:   %s\n", s.JourneyType)
	fmt.Printf("Status:    %s\n", s.Status)
	fmt.Printf("Step:      %d\n", s.CurrentFrameworkIndex)
	fmt.Printf("Completed: %s\n", strings.Join(s.CompletedFrameworks, ", "))
	fmt.Printf("Finished:  %s\n", orDash(s.CompletedAt))
	if s.ErrorMessage != "" {
		fmt.Printf("Error:     %s\n", s.ErrorMessage)
	}
	if withContext {
		return printJSON(s.Context)
	}
	return nil
}
