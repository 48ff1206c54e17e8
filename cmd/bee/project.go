package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeanhaley32/sapphire-bee/internal/config"
	"github.com/jeanhaley32/sapphire-bee/internal/promote"
	"github.com/jeanhaley32/sapphire-bee/internal/scan"
	"github.com/jeanhaley32/sapphire-bee/internal/terminal"
)

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan [DIR]",
		Short: "Report dangerous code patterns in a project tree",
		Long:  "Report dangerous code patterns in a project tree (default: PROJECT_PATH, else the current directory).",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runScan,
	}

	cmd.Flags().String("rules", "", "YAML file with extra rules")
	cmd.Flags().String("format", "text", "Output format: text or json")
	cmd.Flags().Bool("strict", false, "Exit with status 2 when anything is found")

	return cmd
}

func runScan(cmd *cobra.Command, args []string) error {
	rulesPath, err := cmd.Flags().GetString("rules")
	if err != nil {
		return fmt.Errorf("invalid rules flag: %w", err)
	}
	format, err := cmd.Flags().GetString("format")
	if err != nil {
		return fmt.Errorf("invalid format flag: %w", err)
	}
	strict, err := cmd.Flags().GetBool("strict")
	if err != nil {
		return fmt.Errorf("invalid strict flag: %w", err)
	}
	if format != "text" && format != "json" {
		return fmt.Errorf("unknown format %q (want text or json)", format)
	}

	root := "."
	if len(args) == 1 {
		root = args[0]
	} else {
		env, err := loadEnv(cmd, envOptions{})
		if err != nil {
			return err
		}
		env.Close()
		if env.cfg.ProjectPath != "" {
			root = env.cfg.ProjectPath
		}
	}

	var extra []scan.Rule
	if rulesPath != "" {
		if extra, err = scan.LoadRules(rulesPath); err != nil {
			return err
		}
	}
	scanner, err := scan.New(extra)
	if err != nil {
		return err
	}
	findings, err := scanner.Scan(root)
	if err != nil {
		return err
	}

	if format == "json" {
		err = scan.WriteJSON(os.Stdout, findings)
	} else {
		err = scan.WriteText(os.Stdout, findings)
	}
	if err != nil {
		return err
	}

	if strict && len(findings) > 0 {
		return &exitError{code: 2, msg: fmt.Sprintf("%d finding(s)", len(findings))}
	}
	return nil
}

func addTreeFlags(cmd *cobra.Command) {
	cmd.Flags().String("staging", "", "Staging tree (default: STAGING_PATH)")
	cmd.Flags().String("live", "", "Live tree (default: PROJECT_PATH)")
	cmd.Flags().StringSlice("ignore", nil, "Extra glob patterns to ignore")
}

// trees resolves the staging and live roots and the diff options.
func trees(cmd *cobra.Command) (string, string, promote.DiffOptions, *runtimeEnv, error) {
	var opts promote.DiffOptions
	env, err := loadEnv(cmd, envOptions{
		fileLog: true,
		flags:   map[string]string{"staging_path": "staging", "project_path": "live"},
	})
	if err != nil {
		return "", "", opts, nil, err
	}
	ignore, err := cmd.Flags().GetStringSlice("ignore")
	if err != nil {
		env.Close()
		return "", "", opts, nil, fmt.Errorf("invalid ignore flag: %w", err)
	}
	if len(ignore) > 0 {
		opts.Ignore = append(append([]string(nil), promote.DefaultIgnore...), ignore...)
	}

	cfg := env.cfg
	if err := requireTrees(cfg); err != nil {
		env.Close()
		return "", "", opts, nil, err
	}
	return cfg.StagingPath, cfg.ProjectPath, opts, env, nil
}

func requireTrees(cfg *config.Config) error {
	if cfg.StagingPath == "" {
		return fmt.Errorf("staging tree not set: use --staging or STAGING_PATH")
	}
	if cfg.ProjectPath == "" {
		return fmt.Errorf("live tree not set: use --live or PROJECT_PATH")
	}
	if cfg.StagingPath == cfg.ProjectPath {
		return fmt.Errorf("staging and live are the same directory: %s", cfg.ProjectPath)
	}
	return nil
}

func newDiffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Show what differs between the staging copy and the live project",
		RunE:  runDiff,
	}

	addTreeFlags(cmd)
	cmd.Flags().Bool("stat", false, "Only list changed files")

	return cmd
}

func runDiff(cmd *cobra.Command, args []string) error {
	stat, err := cmd.Flags().GetBool("stat")
	if err != nil {
		return fmt.Errorf("invalid stat flag: %w", err)
	}
	staging, live, opts, env, err := trees(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	changes, err := promote.Diff(staging, live, opts)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		fmt.Fprintln(os.Stderr, "No differences.")
		return nil
	}

	for _, c := range changes {
		fmt.Printf("%s %s\n", c.Kind.Marker(), c.Path)
	}
	if stat {
		return nil
	}
	for _, c := range changes {
		d, err := promote.UnifiedDiff(staging, live, c.Path)
		if err != nil {
			return err
		}
		if d != "" {
			fmt.Println()
			fmt.Print(d)
		}
	}
	return nil
}

func newPromoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "promote",
		Short: "Copy staging changes into the live project",
		RunE:  runPromote,
	}

	addTreeFlags(cmd)
	cmd.Flags().Bool("delete", false, "Also delete live files removed in staging")
	cmd.Flags().Bool("dry-run", false, "Show what would change without writing")
	cmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")

	return cmd
}

func runPromote(cmd *cobra.Command, args []string) error {
	del, err := cmd.Flags().GetBool("delete")
	if err != nil {
		return fmt.Errorf("invalid delete flag: %w", err)
	}
	dryRun, err := cmd.Flags().GetBool("dry-run")
	if err != nil {
		return fmt.Errorf("invalid dry-run flag: %w", err)
	}
	yes, err := cmd.Flags().GetBool("yes")
	if err != nil {
		return fmt.Errorf("invalid yes flag: %w", err)
	}
	staging, live, opts, env, err := trees(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	changes, err := promote.Diff(staging, live, opts)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		fmt.Fprintln(os.Stderr, "Nothing to promote.")
		return nil
	}
	for _, c := range changes {
		fmt.Printf("%s %s\n", c.Kind.Marker(), c.Path)
	}

	if !dryRun && !yes {
		prompter := terminal.Stdio()
		if !prompter.Interactive {
			return fmt.Errorf("refusing to promote without --yes when stdin is not a terminal")
		}
		ok, err := prompter.Confirm(fmt.Sprintf("Promote %d change(s) into %s?", len(changes), live), false)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(os.Stderr, "Aborted.")
			return nil
		}
	}

	summary, err := promote.Promote(staging, live, changes, promote.Options{Delete: del, DryRun: dryRun, Logger: env.logger})
	if err != nil {
		return err
	}

	verb := "Promoted"
	if dryRun {
		verb = "Would promote"
	}
	fmt.Fprintf(os.Stderr, "%s: %d copied, %d removed, %d skipped\n", verb, len(summary.Copied), len(summary.Removed), len(summary.Skipped))
	if len(summary.Skipped) > 0 && !del {
		fmt.Fprintln(os.Stderr, "Removed files were kept; pass --delete to remove them from live.")
	}
	return nil
}
