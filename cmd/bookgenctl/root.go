package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yungbote/neurobridge-bookgen/internal/app"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/dbctx"
)

var (
	tenantID     string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "bookgenctl",
	Short: "Operate the book generation job engine",
	Long: `bookgenctl talks to the job store directly, using the same configuration as the service
(.env, .env.local and the process environment).

Examples:
  bookgenctl enqueue --book b1 --version v1 --type full
  bookgenctl status --book b1 --version v1
  bookgenctl autofix --book b1 --version v1
  bookgenctl reset <job-id> --reason "bad outline fixed"`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&tenantID, "tenant", "", "tenant id (default: DEFAULT_TENANT_ID)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "yaml", "output format: yaml or json")

	rootCmd.AddCommand(enqueueCmd, statusCmd, jobsCmd, showCmd, resetCmd)
	rootCmd.AddCommand(autofixCmd, tickCmd, workCmd, sweepCmd, watchCmd)
}

// withApp builds the application for one command and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(a *app.App) error) error {
	a, err := app.New(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func tenant(a *app.App) (string, error) {
	if tenantID != "" {
		return tenantID, nil
	}
	if a.Cfg.DefaultTenantID != "" {
		return a.Cfg.DefaultTenantID, nil
	}
	return "", fmt.Errorf("no tenant: pass --tenant or set DEFAULT_TENANT_ID")
}

func dbc(cmd *cobra.Command) dbctx.Context {
	return dbctx.Context{Ctx: cmd.Context()}
}

func bookFlags(cmd *cobra.Command, book, version *string) {
	cmd.Flags().StringVar(book, "book", "", "book id")
	cmd.Flags().StringVar(version, "version", "", "book version id")
	_ = cmd.MarkFlagRequired("book")
	_ = cmd.MarkFlagRequired("version")
}
