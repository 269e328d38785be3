package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/rules"
)

// NewEvaluateCommand creates the evaluate command.
func NewEvaluateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate <context-file>",
		Short: "Match rules against a context without dispatching actions",
		Long: `Evaluate every enabled rule against a context document (YAML or JSON).
Use "-" to read the context from stdin.

Example:
  harrier evaluate context.yaml
  echo '{"environment":{"device":{"type":"mobile"}}}' | harrier evaluate - --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvaluate(cmd, rootOpts, args[0])
		},
	}
}

// ExecuteOptions holds flags for the execute command.
type ExecuteOptions struct {
	*RootOptions
	Strategy string
}

// NewExecuteCommand creates the execute command.
func NewExecuteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExecuteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "execute <context-file>",
		Short: "Evaluate a context and dispatch the winning actions",
		Long: `Evaluate a context document and dispatch the actions of matched rules
after conflict resolution. Actions are logged rather than published.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExecute(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Strategy, "strategy", "", "conflict resolution strategy (highest-priority|first-match|merge)")

	return cmd
}

func runEvaluate(cmd *cobra.Command, opts *RootOptions, contextPath string) error {
	engine, err := offlineEngine(cmd, opts, nil)
	if err != nil {
		return err
	}
	defer engine.Close()

	rc, err := LoadContext(contextPath, cmd.InOrStdin())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load context", err)
	}

	run := engine.EvaluateRun(cmd.Context(), rc)
	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), run)
	}
	return printEvaluation(cmd.OutOrStdout(), run)
}

func runExecute(cmd *cobra.Command, opts *ExecuteOptions, contextPath string) error {
	engine, err := offlineEngine(cmd, opts.RootOptions, func(cfg *domain.Config) {
		if opts.Strategy != "" {
			cfg.Engine.ConflictResolutionStrategy = domain.Strategy(opts.Strategy).Normalize()
		}
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	rc, err := LoadContext(contextPath, cmd.InOrStdin())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load context", err)
	}

	report := engine.ExecuteReport(cmd.Context(), rc)
	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), report)
	}
	return printExecution(cmd.OutOrStdout(), report)
}

// offlineEngine builds an engine with no backing services. Logs go to stderr
// and stay quiet unless --verbose is set.
func offlineEngine(cmd *cobra.Command, opts *RootOptions, adjust func(*domain.Config)) (*rules.Engine, error) {
	cfg, err := LoadConfig(opts.ConfigPath, os.Getenv)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if adjust != nil {
		adjust(cfg)
	}

	logCfg := domain.LoggingConfig{Level: "warn", Format: "text"}
	if opts.Verbose {
		logCfg.Level = "debug"
	}
	logger := NewLogger(logCfg, cmd.ErrOrStderr())

	extra, err := extraRules(opts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load rules", err)
	}

	engine, err := newEngine(cfg, logger, nil, nil)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to start engine", err)
	}
	if err := addRules(cmd.Context(), engine, extra); err != nil {
		engine.Close()
		return nil, WrapExitError(ExitCommandError, "failed to register rules", err)
	}
	return engine, nil
}

func extraRules(opts *RootOptions) ([]domain.Rule, error) {
	if opts.RulesPath == "" {
		return nil, nil
	}
	return LoadRules(opts.RulesPath)
}

func printEvaluation(w io.Writer, run *domain.EvaluationRun) error {
	tw := table(w)
	fmt.Fprintln(tw, "RULE\tMATCHED\tCONFIDENCE\tISSUES")
	for _, res := range run.Results {
		var issues []string
		for _, c := range res.Conditions {
			if c.Issue != "" {
				issues = append(issues, c.Issue)
			}
		}
		fmt.Fprintf(tw, "%s\t%t\t%.2f\t%s\n", res.RuleID, res.Matched, res.Confidence, strings.Join(issues, "; "))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\n%d of %d rules matched in %dms\n", run.MatchedCount(), len(run.Results), run.DurationMs)
	if run.TimedOut {
		fmt.Fprintln(w, "evaluation timed out; unfinished rules did not match")
	}
	return nil
}

func printExecution(w io.Writer, report *domain.ExecutionReport) error {
	if len(report.Results) == 0 {
		fmt.Fprintln(w, "no rules matched")
		return nil
	}

	tw := table(w)
	fmt.Fprintln(tw, "RULE\tACTION\tTYPE\tTARGET\tSTATUS\tDURATION")
	for _, res := range report.Results {
		status := "ok"
		if !res.Success {
			status = "failed: " + res.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			res.RuleID, res.ActionID, res.ActionType, res.Target, status, res.ExecutionTime)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, c := range report.Conflicts {
		fmt.Fprintf(w, "conflict on %s between %s (%s)\n", c.Target, strings.Join(c.RuleIDs, ", "), c.Resolution)
	}
	for _, s := range report.Skipped {
		fmt.Fprintf(w, "skipped %s/%s on %s: %s won\n", s.RuleID, s.ActionID, s.Target, s.WinnerID)
	}
	return nil
}
