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
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/testpilot/pkg/ux"
	"github.com/AleutianAI/testpilot/pkg/validation"
	"github.com/AleutianAI/testpilot/services/analyzer"
	"github.com/AleutianAI/testpilot/services/batch"
	"github.com/AleutianAI/testpilot/services/cache"
	"github.com/AleutianAI/testpilot/services/generation"
	"github.com/AleutianAI/testpilot/services/keys"
	"github.com/AleutianAI/testpilot/services/llm"
	"github.com/AleutianAI/testpilot/services/projectctx"
	"github.com/AleutianAI/testpilot/services/prompt"
	"github.com/AleutianAI/testpilot/services/providers"
	"github.com/AleutianAI/testpilot/services/runner"
	"github.com/AleutianAI/testpilot/services/sandbox"
	"github.com/AleutianAI/testpilot/services/verifier"
)

// generateOptions are the generate flags after merging the config file.
type generateOptions struct {
	provider   string
	model      string
	apiKey     string
	mode       string
	promptFile string
	promptName string
	useContext bool

	outputDir string
	overwrite bool
	appendOut bool

	temperature float64
	maxTokens   int
	maxAttempts int
	threshold   float64

	execute        bool
	isolation      string
	showAnalysis   bool
	showValidation bool
	quiet          bool

	run      bool
	timeout  time.Duration
	parallel int
}

func newGenerateCmd(a *app) *cobra.Command {
	opts := &generateOptions{}
	cmd := &cobra.Command{
		Use:   "generate <file.py>...",
		Short: "Generate pytest tests for Python source files",
		Long: `Generate asks the selected provider for a pytest file per source file,
verifies each candidate, and retries with feedback until one reaches the
quality threshold or the attempt limit runs out. The result is written to
<output-dir>/test_<name>.py. A candidate that never passed is still written,
with a header listing its problems, and the command exits with code 2.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a.mergeGenerateConfig(cmd, opts)
			return a.runGenerate(cmd.Context(), cmd, opts, args)
		},
	}
	addGenerateFlags(cmd, opts)
	return cmd
}

func addGenerateFlags(cmd *cobra.Command, opts *generateOptions) {
	f := cmd.Flags()
	f.StringVarP(&opts.provider, "provider", "p", providers.DefaultProvider, "LLM provider (openai, anthropic, gemini, ollama)")
	f.StringVarP(&opts.model, "model", "m", "", "Model name (default depends on provider)")
	f.StringVar(&opts.apiKey, "api-key", "", "Provider API key (overrides the environment and keyring)")
	f.StringVar(&opts.mode, "mode", string(prompt.ModeBasic), "Prompt mode (basic, enhanced, integration)")
	f.StringVar(&opts.promptFile, "prompt-file", "", "YAML file of prompt templates")
	f.StringVar(&opts.promptName, "prompt-name", "", "Template to use from the prompt file")
	f.BoolVar(&opts.useContext, "use-context", false, "Include project context (existing tests, conventions) in the prompt")

	f.StringVarP(&opts.outputDir, "output-dir", "o", ".", "Directory for generated test files")
	f.BoolVar(&opts.overwrite, "overwrite", false, "Replace an existing test file")
	f.BoolVar(&opts.appendOut, "append", false, "Append to an existing test file")

	f.Float64Var(&opts.temperature, "temperature", -1, "Sampling temperature (default: provider default)")
	f.IntVar(&opts.maxTokens, "max-tokens", 0, "Maximum response tokens (default: provider default)")
	f.IntVar(&opts.maxAttempts, "max-attempts", generation.DefaultConfig().MaxAttempts, "Provider calls per file before giving up")
	f.Float64Var(&opts.threshold, "quality-threshold", generation.DefaultConfig().AcceptanceThreshold, "Minimum quality score to accept a candidate (0-1)")

	f.BoolVar(&opts.execute, "execute", false, "Run each candidate under pytest during verification")
	f.StringVar(&opts.isolation, "isolation", string(sandbox.IsolationAuto), "Sandbox for executing generated code (auto, bwrap, unshare, none)")
	f.BoolVar(&opts.showAnalysis, "show-analysis", false, "Print the source analysis")
	f.BoolVar(&opts.showValidation, "show-validation", false, "Print verification details for the chosen candidate")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "Suppress progress output")

	f.BoolVar(&opts.run, "run", false, "Run the written tests")
	f.DurationVar(&opts.timeout, "timeout", runner.DefaultTimeout, "Timeout for --run")
	f.IntVar(&opts.parallel, "parallel", 1, "Files generated concurrently")
	cmd.MarkFlagsMutuallyExclusive("overwrite", "append")
}

// mergeGenerateConfig fills flags the user did not set from the config
// file. Flags win over the file; the file wins over defaults.
func (a *app) mergeGenerateConfig(cmd *cobra.Command, opts *generateOptions) {
	fc := a.file
	set := func(name string) bool { return cmd.Flags().Changed(name) }

	if !set("provider") && fc.Provider != "" {
		opts.provider = fc.Provider
	}
	if !set("model") && fc.Model != "" {
		opts.model = fc.Model
	}
	if !set("mode") && fc.Mode != "" {
		opts.mode = fc.Mode
	}
	if !set("output-dir") && fc.OutputDir != "" {
		opts.outputDir = fc.OutputDir
	}
	if !set("max-attempts") && fc.MaxAttempts > 0 {
		opts.maxAttempts = fc.MaxAttempts
	}
	if !set("quality-threshold") && fc.QualityThreshold != nil {
		opts.threshold = *fc.QualityThreshold
	}
	if !set("isolation") && fc.Execution.Isolation != "" {
		opts.isolation = fc.Execution.Isolation
	}
	if !set("timeout") && fc.Execution.Timeout > 0 {
		opts.timeout = fc.Execution.Timeout
	}
}

func (o *generateOptions) writeMode() writeMode {
	switch {
	case o.appendOut:
		return writeAppend
	case o.overwrite:
		return writeOverwrite
	default:
		return writeCreate
	}
}

// params returns sampling parameters, or nil when none were given.
func (o *generateOptions) params() *llm.GenerationParams {
	var p llm.GenerationParams
	set := false
	if o.temperature >= 0 {
		t := float32(o.temperature)
		p.Temperature = &t
		set = true
	}
	if o.maxTokens > 0 {
		n := o.maxTokens
		p.MaxTokens = &n
		set = true
	}
	if !set {
		return nil
	}
	return &p
}

// =============================================================================
// PIPELINE
// =============================================================================

// pipeline holds everything shared by the files of one generate run.
type pipeline struct {
	app      *app
	opts     *generateOptions
	printer  *ux.Printer
	logger   *slog.Logger
	mode     prompt.Mode
	gateway  providers.Gateway
	builder  *prompt.Builder
	verify   *verifier.Config
	gen      *generation.Config
	store    *cache.Cache
	analyzer *analyzer.Analyzer
	contexts *projectctx.Assembler
	runner   *runner.Runner
	animate  bool
}

// fileReport is the outcome for one source file.
type fileReport struct {
	Source  string
	Output  string
	Result  *generation.Result
	TestRun *runner.Result
}

// newPipeline validates options and constructs the shared components.
// Every configuration problem surfaces here, before any provider call.
func (a *app) newPipeline(opts *generateOptions) (*pipeline, error) {
	mode, err := prompt.ParseMode(opts.mode)
	if err != nil {
		return nil, err
	}
	if opts.threshold < 0 || opts.threshold > 1 {
		return nil, fmt.Errorf("%w: --quality-threshold must be between 0 and 1", errConfig)
	}
	if opts.maxAttempts < 1 {
		return nil, fmt.Errorf("%w: --max-attempts must be at least 1", errConfig)
	}
	isolation, err := sandbox.ParseIsolation(opts.isolation)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateModel(opts.model); err != nil {
		return nil, err
	}

	builderOpts := []prompt.Option{}
	if opts.promptFile != "" {
		raw, err := prompt.LoadTemplates(opts.promptFile)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errConfig, err)
		}
		builderOpts = append(builderOpts, prompt.WithTemplates(raw))
	}
	if opts.promptName != "" {
		builderOpts = append(builderOpts, prompt.WithTemplateName(opts.promptName))
	}
	builder, err := prompt.NewBuilder(builderOpts...)
	if err != nil {
		return nil, err
	}

	vcfg := verifier.DefaultConfig()
	vcfg.ExecutionCheck = opts.execute
	vcfg.Isolation = isolation
	if w := a.file.Quality.Weights; w != nil {
		vcfg.Weights = *w
	}
	if p := a.file.Quality.PenaltyPerIssue; p != nil {
		vcfg.PenaltyPerIssue = *p
	}
	if t := a.file.Execution.Timeout; t > 0 {
		vcfg.ExecutionTimeout = t
	}
	if err := vcfg.Validate(); err != nil {
		return nil, err
	}

	if err := a.sealAPIKey(opts); err != nil {
		return nil, err
	}
	gateway, err := a.gateway(opts.provider)
	if err != nil {
		return nil, err
	}

	gen := generation.NewConfig(
		generation.WithMaxAttempts(opts.maxAttempts),
		generation.WithAcceptanceThreshold(opts.threshold),
	)

	p := &pipeline{
		app:      a,
		opts:     opts,
		printer:  a.printer,
		logger:   a.logger,
		mode:     mode,
		gateway:  gateway,
		builder:  builder,
		verify:   vcfg,
		gen:      gen,
		analyzer: analyzer.New(analyzer.WithLogger(a.logger)),
		runner:   runner.New(runner.WithLogger(a.logger)),
		animate:  a.color && !opts.quiet,
	}
	if opts.useContext {
		root, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("locating project root: %w", err)
		}
		p.contexts = projectctx.New(root, projectctx.WithLogger(a.logger))
	}
	return p, nil
}

// sealAPIKey moves --api-key into an override for the provider's key and
// clears the plaintext.
func (a *app) sealAPIKey(opts *generateOptions) error {
	if opts.apiKey == "" {
		return nil
	}
	defer func() { opts.apiKey = "" }()

	backend, err := providers.NewRegistry(providers.WithLogger(a.logger)).Backend(opts.provider)
	if err != nil {
		return err
	}
	if !backend.NeedsKey {
		a.logger.Warn("ignoring --api-key", slog.String("provider", backend.Name))
		return nil
	}
	a.override(backend.EnvVar, opts.apiKey)
	return nil
}

// gateway resolves credentials for provider and builds its gateway.
func (a *app) gateway(provider string) (providers.Gateway, error) {
	registry := providers.NewRegistry(
		providers.WithLogger(a.logger),
		providers.WithRateLimit(a.file.RateLimit.RequestsPerSecond, a.file.RateLimit.Burst),
	)
	backend, err := registry.Backend(provider)
	if err != nil {
		return nil, err
	}

	var creds providers.Credentials
	if backend.NeedsKey {
		key, err := a.credential(backend.EnvVar)
		// A missing key is reported by Gateway as a configuration error.
		if err != nil && !errors.Is(err, keys.ErrNotFound) {
			return nil, err
		}
		creds.APIKey = key
	} else {
		creds.BaseURL = os.Getenv(backend.EnvVar)
	}
	return registry.Gateway(provider, creds)
}

func (a *app) runGenerate(ctx context.Context, cmd *cobra.Command, opts *generateOptions, files []string) error {
	if err := checkOutputPaths(opts.outputDir, files); err != nil {
		return err
	}
	p, err := a.newPipeline(opts)
	if err != nil {
		return err
	}

	store, err := a.openCache()
	if err != nil {
		a.logger.Warn("continuing without cache", slog.String("error", err.Error()))
	}
	if store != nil {
		p.store = store
		defer store.Close()
	}

	if len(files) == 1 {
		_, err := p.generateFile(ctx, files[0])
		return err
	}
	return p.generateAll(ctx, files)
}

// generateAll processes files through the batch pool. One file failing
// does not stop the others; the returned error joins every failure.
func (p *pipeline) generateAll(ctx context.Context, files []string) error {
	p.animate = false
	pool := batch.New(p.opts.parallel, batch.WithLogger(p.logger))
	results, err := batch.Run(ctx, pool, files, func(ctx context.Context, _ int, file string) (*fileReport, error) {
		return p.generateFile(ctx, file)
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Input, r.Err))
		}
	}
	if !p.opts.quiet {
		p.printer.Title(fmt.Sprintf("%d of %d files succeeded", len(files)-len(errs), len(files)))
	}
	return errors.Join(errs...)
}

// generateFile runs analysis, generation, writing, and the optional test
// run for one source file.
func (p *pipeline) generateFile(ctx context.Context, source string) (*fileReport, error) {
	report := &fileReport{Source: source, Output: outputPath(p.opts.outputDir, source)}
	logger := p.logger.With(slog.String("source", source))

	if err := preflightOutput(report.Output, p.opts.writeMode()); err != nil {
		return report, err
	}

	src, err := os.ReadFile(source)
	if err != nil {
		return report, fmt.Errorf("%w: reading source: %v", errConfig, err)
	}

	mode := p.mode
	unit, err := p.analyzer.Analyze(ctx, source, src)
	if err != nil {
		if !errors.Is(err, analyzer.ErrUnparseable) {
			return report, fmt.Errorf("%w: analyzing %s: %v", errConfig, source, err)
		}
		logger.Warn("source does not parse; falling back to basic mode", slog.String("error", err.Error()))
		if !p.opts.quiet {
			p.printer.Warning(fmt.Sprintf("%s has syntax errors; using basic mode", source))
		}
		unit = analyzer.Minimal(source, src)
		mode = prompt.ModeBasic
	}
	if p.opts.showAnalysis {
		p.printer.Box("Analysis: "+filepath.Base(source), prompt.Summary(unit))
	}

	req := &generation.Request{
		Unit:     unit,
		Provider: p.opts.provider,
		Model:    p.opts.model,
		Mode:     mode,
		Params:   p.opts.params(),
	}
	if p.contexts != nil {
		pc, err := p.contexts.Assemble(ctx, source)
		if err != nil {
			logger.Warn("project context unavailable", slog.String("error", err.Error()))
		} else {
			req.Context = pc.Render(p.contexts.Budget())
		}
	}

	v, err := verifier.New(p.verify, verifier.WithLogger(logger))
	if err != nil {
		return report, err
	}
	loopOpts := []generation.LoopOption{generation.WithLogger(logger)}
	if p.store != nil {
		loopOpts = append(loopOpts, generation.WithStore(p.store))
	}
	loop := generation.NewLoop(p.gen, p.builder, v, loopOpts...)

	var genErr error
	spin := ux.NewSpinner(p.printer, "Generating tests for "+filepath.Base(source), p.animate)
	if !p.opts.quiet {
		spin.Start()
	}
	report.Result, genErr = loop.Run(ctx, p.gateway, req)
	spin.Stop()

	if ctx.Err() != nil {
		return report, ctx.Err()
	}
	res := report.Result
	if res == nil || res.Best == nil {
		if genErr == nil {
			genErr = generation.ErrGenerationFailed
		}
		return report, genErr
	}

	text := res.Best.Final()
	if !res.Accepted() {
		text = rejectedHeader(res.Best, p.gen.AcceptanceThreshold) + text
	}
	if err := writeOutput(report.Output, text, p.opts.writeMode()); err != nil {
		return report, errors.Join(err, genErr)
	}
	p.printResult(report)

	if genErr != nil {
		return report, genErr
	}
	if !p.opts.run {
		return report, nil
	}
	return report, p.runTests(ctx, report)
}

func (p *pipeline) printResult(report *fileReport) {
	res := report.Result
	if p.opts.showValidation {
		p.printValidation(res.Best)
	}
	if p.opts.quiet {
		return
	}

	detail := fmt.Sprintf("%s (score %.2f, %d attempt(s)", report.Output, res.Best.Score, res.Attempts)
	if res.FromCache {
		detail += ", cached"
	}
	detail += ")"

	if res.Accepted() {
		p.printer.Success("Wrote " + detail)
		return
	}
	p.printer.Warning("Wrote unaccepted candidate " + detail)
}

func (p *pipeline) printValidation(c *verifier.Candidate) {
	p.printer.Title("Validation")
	p.printer.KeyValue("syntax valid", c.SyntaxValid)
	p.printer.KeyValue("quality score", fmt.Sprintf("%.2f", c.Score))
	if c.Execution != nil {
		p.printer.KeyValue("execution", c.Execution.Outcome)
	}
	if len(c.Issues) == 0 {
		p.printer.Muted("  no issues")
		return
	}
	items := make([]string, len(c.Issues))
	for i, issue := range c.Issues {
		items[i] = issue.String()
	}
	p.printer.List(items)
}

func (p *pipeline) runTests(ctx context.Context, report *fileReport) error {
	isolation, _ := sandbox.ParseIsolation(p.opts.isolation)
	res, err := p.runner.Run(ctx, report.Output, runner.RunOptions{
		Timeout:   p.opts.timeout,
		Isolation: isolation,
	})
	if err != nil {
		return err
	}
	report.TestRun = res
	return reportRun(p.printer, res, p.opts.quiet)
}
