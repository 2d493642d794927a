// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/testpilot/pkg/ux"
	"github.com/AleutianAI/testpilot/pkg/validation"
	"github.com/AleutianAI/testpilot/services/keys"
	"github.com/AleutianAI/testpilot/services/policy"
	"github.com/AleutianAI/testpilot/services/runner"
	"github.com/AleutianAI/testpilot/services/sandbox"
	"github.com/AleutianAI/testpilot/services/triage"
)

// runOptions are shared by run and triage.
type runOptions struct {
	coverage  bool
	timeout   time.Duration
	isolation string

	createIssue bool
	repo        string
	labels      []string
	assignees   []string
	gist        bool
	githubToken string
	githubAPI   string
}

func addRunFlags(cmd *cobra.Command, opts *runOptions) {
	f := cmd.Flags()
	f.BoolVar(&opts.coverage, "coverage", false, "Measure coverage with pytest-cov")
	f.DurationVar(&opts.timeout, "timeout", runner.DefaultTimeout, "Timeout for the pytest run")
	f.StringVar(&opts.isolation, "isolation", string(sandbox.IsolationNone), "Sandbox for the pytest run (auto, bwrap, unshare, none)")
	f.StringVar(&opts.repo, "repo", "", "GitHub repository (owner/name) for failure issues")
	f.StringVar(&opts.githubToken, "github-token", "", "GitHub token for issues (overrides GITHUB_TOKEN and the keyring)")
	f.StringVar(&opts.githubAPI, "github-api", "", "GitHub API root (for GitHub Enterprise)")
	_ = f.MarkHidden("github-api")
}

func newRunCmd(a *app) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <test-file>",
		Short: "Run a pytest file",
		Long: `Run executes a pytest file and classifies the result as passed, failed,
or could not run (collection errors, import errors, timeouts). With
--create-issue a failure is filed as a GitHub issue in --repo.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.createIssue && opts.repo == "" && a.file.Triage.Repo == "" {
				return fmt.Errorf("%w: --create-issue requires --repo", errConfig)
			}
			return a.runAndTriage(cmd, opts, args[0])
		},
	}
	addRunFlags(cmd, opts)
	cmd.Flags().BoolVar(&opts.createIssue, "create-issue", false, "File a GitHub issue when tests fail")
	return cmd
}

func newTriageCmd(a *app) *cobra.Command {
	opts := &runOptions{createIssue: true}
	cmd := &cobra.Command{
		Use:   "triage <test-file>",
		Short: "Run a pytest file and file a GitHub issue if it fails",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.repo == "" && a.file.Triage.Repo == "" {
				return fmt.Errorf("%w: --repo is required", errConfig)
			}
			return a.runAndTriage(cmd, opts, args[0])
		},
	}
	addRunFlags(cmd, opts)
	f := cmd.Flags()
	f.StringArrayVar(&opts.labels, "label", nil, "Issue label (repeatable; default test-failure, testpilot-auto)")
	f.StringArrayVar(&opts.assignees, "assignee", nil, "Issue assignee (repeatable)")
	f.BoolVar(&opts.gist, "gist", false, "Attach the test file as a secret gist")
	return cmd
}

// runAndTriage runs file and, when it failed and issues are enabled,
// reports it. The exit code depends only on the test result.
func (a *app) runAndTriage(cmd *cobra.Command, opts *runOptions, file string) error {
	ctx := cmd.Context()
	a.mergeRunConfig(cmd, opts)
	a.override(keys.GitHubToken, opts.githubToken)
	opts.githubToken = ""

	isolation, err := sandbox.ParseIsolation(opts.isolation)
	if err != nil {
		return err
	}
	if opts.createIssue {
		if err := validateTriageOptions(opts); err != nil {
			return err
		}
	}

	r := runner.New(runner.WithLogger(a.logger))
	spin := ux.NewSpinner(a.printer, "Running "+file, a.color)
	spin.Start()
	res, err := r.Run(ctx, file, runner.RunOptions{
		Coverage:  opts.coverage,
		Timeout:   opts.timeout,
		Isolation: isolation,
	})
	spin.Stop()
	if err != nil {
		return err
	}

	runErr := reportRun(a.printer, res, false)
	if res.Passed() || !opts.createIssue {
		return runErr
	}
	a.fileIssue(ctx, res, opts)
	return runErr
}

func validateTriageOptions(opts *runOptions) error {
	return errors.Join(
		validation.ValidateRepo(opts.repo),
		validation.ValidateAll(opts.labels, validation.ValidateLabel),
		validation.ValidateAll(opts.assignees, validation.ValidateLogin),
	)
}

// mergeRunConfig fills unset triage flags from the config file.
func (a *app) mergeRunConfig(cmd *cobra.Command, opts *runOptions) {
	fc := a.file
	set := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	}
	if !set("repo") && fc.Triage.Repo != "" {
		opts.repo = fc.Triage.Repo
	}
	if !set("label") && len(fc.Triage.Labels) > 0 {
		opts.labels = fc.Triage.Labels
	}
	if !set("assignee") && len(fc.Triage.Assignees) > 0 {
		opts.assignees = fc.Triage.Assignees
	}
	if !set("timeout") && fc.Execution.Timeout > 0 {
		opts.timeout = fc.Execution.Timeout
	}
	if !set("isolation") && fc.Execution.Isolation != "" {
		opts.isolation = fc.Execution.Isolation
	}
}

// fileIssue reports res on GitHub. Failures are printed and logged but
// never change the command's outcome.
func (a *app) fileIssue(ctx context.Context, res *runner.Result, opts *runOptions) {
	token, err := a.credential(keys.GitHubToken)
	if err != nil {
		a.logger.Debug("no github token resolved", slog.String("error", err.Error()))
	}

	attachGist := opts.gist && a.gistAllowed(res.TestFile)

	reporterOpts := []triage.Option{triage.WithLogger(a.logger)}
	if opts.githubAPI != "" {
		reporterOpts = append(reporterOpts, triage.WithBaseURL(opts.githubAPI))
	}
	outcome := triage.NewReporter(reporterOpts...).Report(ctx, res, triage.Request{
		Repo:       opts.repo,
		Token:      token,
		Labels:     opts.labels,
		Assignees:  opts.assignees,
		AttachGist: attachGist,
	})

	switch {
	case outcome.Err != nil:
		a.printer.Warning("Could not file issue: " + outcome.Err.Error())
	case outcome.Skipped:
	default:
		a.printer.Success(fmt.Sprintf("Filed issue #%d: %s", outcome.IssueNumber, outcome.IssueURL))
		if outcome.GistErr != nil {
			a.printer.Warning("Gist upload failed: " + outcome.GistErr.Error())
		}
	}
}

// gistAllowed scans the test file for credentials before it is published
// as a gist. The issue itself is still filed when this returns false.
func (a *app) gistAllowed(testFile string) bool {
	engine, err := policy.New()
	if err != nil {
		a.logger.Error("policy patterns unusable", slog.String("error", err.Error()))
		return false
	}
	content, err := os.ReadFile(testFile)
	if err != nil {
		a.logger.Warn("cannot scan test file", slog.String("error", err.Error()))
		return false
	}
	blocked := policy.Blocking(engine.Scan(string(content)), "secret", policy.Medium)
	if len(blocked) == 0 {
		return true
	}
	a.printer.Warning(fmt.Sprintf("Not attaching a gist: %s looks like it contains credentials", testFile))
	items := make([]string, len(blocked))
	for i, f := range blocked {
		items[i] = f.String()
	}
	a.printer.List(items)
	return false
}

// reportRun prints a run result and converts it to the command error.
func reportRun(p *ux.Printer, res *runner.Result, quiet bool) error {
	switch res.Status {
	case runner.StatusPassed:
		if !quiet {
			p.Summary(res.Summary.Passed, res.Summary.Failed, res.Summary.Errors, res.Summary.Skipped)
			if res.Coverage != nil {
				p.KeyValue("coverage", fmt.Sprintf("%.0f%%", res.Coverage.Percent))
			}
			p.Success("All tests passed")
		}
		return nil

	case runner.StatusFailed:
		p.Block(res.Output)
		p.Summary(res.Summary.Passed, res.Summary.Failed, res.Summary.Errors, res.Summary.Skipped)
		if res.Coverage != nil {
			p.KeyValue("coverage", fmt.Sprintf("%.0f%%", res.Coverage.Percent))
		}
		if len(res.FailedTests) > 0 {
			p.List(res.FailedTests)
		}
		return fmt.Errorf("%w: %d failed in %s", errTestsFailed, res.Summary.Failed+res.Summary.Errors, res.TestFile)

	default:
		p.Block(res.Output)
		return res.Err()
	}
}
