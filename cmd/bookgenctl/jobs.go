package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/yungbote/neurobridge-bookgen/internal/app"
	types "github.com/yungbote/neurobridge-bookgen/internal/domain"
	"github.com/yungbote/neurobridge-bookgen/internal/jobs/deadletter"
	"github.com/yungbote/neurobridge-bookgen/internal/services"
)

var (
	bookID, versionID string

	enqueueType    string
	enqueueChapter int
	enqueueSection int
	enqueueTitle   string
	enqueueRetries int

	showEvents int

	resetReason string
	resetRewind int
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue a root job for a book version",
	Long: `Enqueue a root job. Enqueueing the same job again while it is live returns the existing job.

Chapter jobs need --chapter, section jobs need --chapter and --section; full, index and glossary
jobs are book level.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app.App) error {
			t, err := tenant(a)
			if err != nil {
				return err
			}
			req := services.EnqueueRequest{
				TenantID:      t,
				BookID:        bookID,
				BookVersionID: versionID,
				Type:          types.JobType(enqueueType),
				Title:         enqueueTitle,
				MaxRetries:    enqueueRetries,
				Actor:         "cli",
			}
			if cmd.Flags().Changed("chapter") {
				req.ChapterIndex = types.IntPtr(enqueueChapter)
			}
			if cmd.Flags().Changed("section") {
				req.SectionIndex = types.IntPtr(enqueueSection)
			}
			job, created, err := a.Jobs.EnqueueRoot(dbc(cmd), req)
			if err != nil {
				return err
			}
			if !created {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s is already live as %s\n", job.Label(), job.ID)
			}
			return printOut(cmd.OutOrStdout(), job)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize a book version's jobs by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app.App) error {
			t, err := tenant(a)
			if err != nil {
				return err
			}
			st, err := a.Jobs.RunStatus(dbc(cmd), t, bookID, versionID)
			if err != nil {
				return err
			}
			return printOut(cmd.OutOrStdout(), st)
		})
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List every job of a book version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app.App) error {
			t, err := tenant(a)
			if err != nil {
				return err
			}
			jobs, err := a.Jobs.ListForBook(dbc(cmd), t, bookID, versionID)
			if err != nil {
				return err
			}
			return printOut(cmd.OutOrStdout(), jobs)
		})
	},
}

var showCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job and its audit events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid job id: %w", err)
		}
		return withApp(cmd, func(a *app.App) error {
			t, err := tenant(a)
			if err != nil {
				return err
			}
			job, err := a.Jobs.Get(dbc(cmd), t, id)
			if err != nil {
				return err
			}
			events, err := a.Jobs.Events(dbc(cmd), t, id, showEvents)
			if err != nil {
				return err
			}
			return printOut(cmd.OutOrStdout(), map[string]any{"job": job, "events": events})
		})
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <job-id>",
	Short: "Requeue a failed or dead-lettered job",
	Long: `Reset clears a failed or dead-lettered job's counters and error and puts it back on the queue.
For a chapter job, --rewind-to moves the section cursor back; it never moves forward.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid job id: %w", err)
		}
		opts := deadletter.ResetOptions{Actor: "cli", Reason: resetReason}
		if cmd.Flags().Changed("rewind-to") {
			opts.RewindTo = types.IntPtr(resetRewind)
		}
		return withApp(cmd, func(a *app.App) error {
			t, err := tenant(a)
			if err != nil {
				return err
			}
			job, err := a.Jobs.Reset(dbc(cmd), t, id, opts)
			if err != nil {
				return err
			}
			return printOut(cmd.OutOrStdout(), job)
		})
	},
}

func init() {
	bookFlags(enqueueCmd, &bookID, &versionID)
	enqueueCmd.Flags().StringVar(&enqueueType, "type", string(types.JobTypeFull), "job type: full, chapter, section, index or glossary")
	enqueueCmd.Flags().IntVar(&enqueueChapter, "chapter", 0, "chapter index")
	enqueueCmd.Flags().IntVar(&enqueueSection, "section", 0, "section index")
	enqueueCmd.Flags().StringVar(&enqueueTitle, "title", "", "book or chapter title")
	enqueueCmd.Flags().IntVar(&enqueueRetries, "max-retries", 0, "retry bound for leaf jobs (default: LEAF_MAX_RETRIES)")

	bookFlags(statusCmd, &bookID, &versionID)
	bookFlags(jobsCmd, &bookID, &versionID)

	showCmd.Flags().IntVar(&showEvents, "events", 200, "maximum number of events to show")

	resetCmd.Flags().StringVar(&resetReason, "reason", "", "reason recorded on the reset event")
	resetCmd.Flags().IntVar(&resetRewind, "rewind-to", 0, "chapter only: section index to resume from")
}
