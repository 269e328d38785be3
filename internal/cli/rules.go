package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/harrier/internal/domain"
)

// NewRulesCommand creates the rules command group.
func NewRulesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and validate rules",
	}

	cmd.AddCommand(newRulesListCommand(rootOpts))
	cmd.AddCommand(newRulesValidateCommand(rootOpts))

	return cmd
}

func newRulesListCommand(rootOpts *RootOptions) *cobra.Command {
	var filter struct {
		category string
		tag      string
	}

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List the default rules plus any loaded with --rules",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := offlineEngine(cmd, rootOpts, nil)
			if err != nil {
				return err
			}
			defer engine.Close()

			list := engine.FilterRules(domain.RuleFilter{
				Category: domain.Category(filter.category),
				Tag:      filter.tag,
			})
			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), list)
			}

			tw := table(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tNAME\tCATEGORY\tPRIORITY\tENABLED\tACTIONS")
			for _, r := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\t%d\n", r.ID, r.Name, r.Category, r.Priority, r.Enabled, len(r.Actions))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&filter.category, "category", "", "only list rules in this category")
	cmd.Flags().StringVar(&filter.tag, "tag", "", "only list rules carrying this tag")
	return cmd
}

// RuleValidation is the outcome of validating one rule from a file.
type RuleValidation struct {
	ID    string `json:"id"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

func newRulesValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <rules-file>",
		Short: "Validate a rules file without registering it",
		Long: `Validate every rule in a YAML rules file. Ids are checked for
duplicates within the file; conditions are compiled.

Exits 1 when any rule is invalid.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := LoadRules(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load rules", err)
			}

			engine, err := offlineEngine(cmd, &RootOptions{
				ConfigPath: rootOpts.ConfigPath,
				Format:     rootOpts.Format,
				Verbose:    rootOpts.Verbose,
			}, nil)
			if err != nil {
				return err
			}
			defer engine.Close()

			results := make([]RuleValidation, 0, len(list))
			seen := make(map[string]bool, len(list))
			invalid := 0
			for i := range list {
				rule := &list[i]
				res := RuleValidation{ID: rule.ID, Valid: true}
				if err := engine.ValidateRule(rule); err != nil {
					res.Valid, res.Error = false, err.Error()
				} else if seen[rule.ID] {
					res.Valid, res.Error = false, fmt.Sprintf("%v: %s", domain.ErrDuplicateRule, rule.ID)
				}
				seen[rule.ID] = true
				if !res.Valid {
					invalid++
				}
				results = append(results, res)
			}

			if rootOpts.Format == "json" {
				if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
					return err
				}
			} else {
				for _, res := range results {
					if res.Valid {
						fmt.Fprintf(cmd.OutOrStdout(), "✓ %s\n", res.ID)
					} else {
						fmt.Fprintf(cmd.OutOrStdout(), "✗ %s: %s\n", res.ID, res.Error)
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "\n%d rule(s), %d invalid\n", len(results), invalid)
			}

			if invalid > 0 {
				return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("%d invalid rule(s)", invalid)}
			}
			return nil
		},
	}
}
