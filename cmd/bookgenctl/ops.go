package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yungbote/neurobridge-bookgen/internal/app"
	"github.com/yungbote/neurobridge-bookgen/internal/clients/redis"
	"github.com/yungbote/neurobridge-bookgen/internal/jobs/autofix"
)

var (
	autofixClear bool
	autofixOnce  bool
	tickMax      int
)

var autofixCmd = &cobra.Command{
	Use:   "autofix",
	Short: "Watch a book version and requeue failed jobs until it completes",
	Long: `autofix polls a book version, requeues failed jobs with escalated parameters and stops when
every job is done on two consecutive polls. It exits non-zero when the circuit breaker trips on a
repeating failure, a job is dead-lettered, a failure is permanent or the poll budget runs out.

A halted version stays halted; --clear forgets the recorded fix state first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app.App) error {
			t, err := tenant(a)
			if err != nil {
				return err
			}
			if autofixClear {
				if err := a.FixStates.Delete(dbc(cmd), t, bookID, versionID); err != nil {
					return fmt.Errorf("clear fix state: %w", err)
				}
			}
			loop, err := a.NewAutofix(t, bookID, versionID)
			if err != nil {
				return err
			}
			if autofixOnce {
				res, err := loop.Poll(cmd.Context())
				if err != nil {
					return explainHalt(cmd, err)
				}
				return printOut(cmd.OutOrStdout(), res)
			}
			if err := loop.Run(cmd.Context()); err != nil {
				return explainHalt(cmd, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "book %s version %s complete\n", bookID, versionID)
			return nil
		})
	},
}

func explainHalt(cmd *cobra.Command, err error) error {
	var h *autofix.HaltError
	if errors.As(err, &h) {
		fmt.Fprintf(cmd.ErrOrStderr(), "halted on %s (%s) after %d attempts\nsignature: %s\n", h.Label, h.JobID, h.Attempts, h.Signature)
	}
	return err
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Claim and run queued jobs once, then exit",
	Long:  `tick runs up to --max jobs one after another and exits when the queue has nothing claimable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app.App) error {
			ran := 0
			for ran < tickMax {
				ok, err := a.Worker.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				ran++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ran %d job(s)\n", ran)
			return nil
		})
	},
}

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run the worker pool without the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app.App) error {
			return a.Worker.Start(cmd.Context())
		})
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Mark processing jobs with expired heartbeats as stale",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app.App) error {
			n, err := a.Sweep(cmd.Context(), tenantID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "marked %d job(s) stale\n", n)
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream job events from Redis",
	Long:  `watch prints job events as workers publish them. Filter with --book and --version.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app.App) error {
			if a.Events == nil {
				return fmt.Errorf("REDIS_ADDR is not configured")
			}
			out := cmd.OutOrStdout()
			err := a.Events.StartForwarder(cmd.Context(), func(m redis.JobEventMessage) {
				if tenantID != "" && m.TenantID != tenantID {
					return
				}
				if (bookID != "" && m.BookID != bookID) || (versionID != "" && m.BookVersionID != versionID) {
					return
				}
				fmt.Fprintf(out, "%s %-18s %-8s %-11s %s %s\n", m.JobID, m.Event, m.JobType, m.Status, m.Stage, m.Message)
			})
			if err != nil {
				return err
			}
			<-cmd.Context().Done()
			return nil
		})
	},
}

func init() {
	bookFlags(autofixCmd, &bookID, &versionID)
	autofixCmd.Flags().BoolVar(&autofixClear, "clear", false, "forget recorded fix state before starting")
	autofixCmd.Flags().BoolVar(&autofixOnce, "once", false, "run a single poll and print its result")

	tickCmd.Flags().IntVar(&tickMax, "max", 1, "maximum number of jobs to run")

	watchCmd.Flags().StringVar(&bookID, "book", "", "only events of this book")
	watchCmd.Flags().StringVar(&versionID, "version", "", "only events of this book version")
}
