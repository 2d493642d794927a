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
	"io"
	"log/slog"
	"os"

	"github.com/99designs/keyring"
	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/testpilot/pkg/logging"
	"github.com/AleutianAI/testpilot/pkg/ux"
	"github.com/AleutianAI/testpilot/services/cache"
	"github.com/AleutianAI/testpilot/services/keys"
	"github.com/AleutianAI/testpilot/services/llm"
	"github.com/AleutianAI/testpilot/services/telemetry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// app holds process-wide state shared by every command.
type app struct {
	stdout io.Writer
	stderr io.Writer
	stdin  io.Reader

	// Persistent flags.
	configPath    string
	logLevel      string
	logJSON       bool
	logDir        string
	noColor       bool
	cacheDir      string
	noCache       bool
	telemetryMode string
	metricsAddr   string

	// Set up by setup.
	file    *fileConfig
	logs    *logging.Logger
	logger  *slog.Logger
	printer *ux.Printer
	color   bool
	tel     *telemetry.Telemetry

	// Credentials given on the command line, sealed on parse.
	overrides map[string]*memguard.Enclave

	// Replaced in tests.
	openKeyring func() (keyring.Keyring, error)
	interactive func() bool
	confirm     func(ux.ConfirmOptions) (bool, error)
	secret      func(ux.SecretOptions) (string, error)
}

func newApp(stdout, stderr io.Writer) *app {
	a := &app{
		stdout:      stdout,
		stderr:      stderr,
		stdin:       os.Stdin,
		file:        &fileConfig{},
		logger:      slog.Default(),
		printer:     ux.NewPrinter(stdout, stderr, false),
		overrides:   make(map[string]*memguard.Enclave),
		openKeyring: keys.OpenKeyring,
		confirm:     ux.Confirm,
		secret:      ux.Secret,
	}
	a.interactive = a.onTerminal
	return a
}

// newRootCmd builds the command tree bound to a.
func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "testpilot",
		Short: "Generate, verify, run, and triage pytest tests with an LLM",
		Long: `TestPilot asks an LLM provider for pytest tests for a Python file, checks
the candidate (syntax, imports, optional execution), retries with feedback
until it is good enough, writes it next to your code, and can run it and
file a GitHub issue when it fails.`,
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errConfig, err)
	})

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "Config file (default ./"+defaultConfigFile+" when present)")
	pf.StringVar(&a.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	pf.BoolVar(&a.logJSON, "log-json", false, "Write logs to stderr as JSON")
	pf.StringVar(&a.logDir, "log-dir", "", "Also write JSON logs to this directory")
	pf.BoolVar(&a.noColor, "no-color", false, "Disable colored output")
	pf.StringVar(&a.cacheDir, "cache-dir", "", "Candidate cache directory (default ~/.cache/testpilot)")
	pf.BoolVar(&a.noCache, "no-cache", false, "Do not read or write the candidate cache")
	pf.StringVar(&a.telemetryMode, "telemetry", "", "Telemetry exporter (none, stdout, prometheus, otlp)")
	pf.StringVar(&a.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (with --telemetry prometheus)")

	root.AddCommand(
		newGenerateCmd(a),
		newRunCmd(a),
		newTriageCmd(a),
		newResetKeysCmd(a),
		newSetKeyCmd(a),
		newWatchCmd(a),
		newCacheCmd(a),
	)
	return root
}

// execute runs the CLI and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return executeApp(ctx, newApp(stdout, stderr), args)
}

func executeApp(ctx context.Context, a *app, args []string) int {
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	err := root.ExecuteContext(ctx)
	if err != nil {
		a.printer.Error(err.Error())
		a.logger.Debug("command failed", slog.String("error", err.Error()))
	}
	a.close()

	code := exitCodeFor(err)
	if err != nil && code == exitInternal && !errors.Is(err, context.Canceled) {
		a.logger.Error("unexpected failure", slog.String("error", err.Error()))
	}
	return code
}

// setup configures logging, output, config, and telemetry.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	level, err := logging.ParseLevel(a.logLevel)
	if err != nil {
		return fmt.Errorf("%w: %v", errConfig, err)
	}

	if f, ok := a.stdout.(*os.File); ok {
		a.color = ux.ColorEnabled(f, a.noColor)
	}
	a.printer = ux.NewPrinter(a.stdout, a.stderr, a.color)

	a.logs = logging.New(logging.Config{
		Level:  level,
		LogDir: a.logDir,
		JSON:   a.logJSON,
		Writer: a.stderr,
		Redact: llm.SafeLogString,
	})
	a.logger = a.logs.Slog()
	slog.SetDefault(a.logger)
	if ferr := a.logs.FileError(); ferr != nil {
		a.logger.Warn("file logging disabled", slog.String("error", ferr.Error()))
	}

	file, err := loadConfig(a.configPath)
	if err != nil {
		return err
	}
	a.file = file

	return a.startTelemetry(cmd.Context())
}

func (a *app) startTelemetry(ctx context.Context) error {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.Writer = a.stderr
	if a.telemetryMode != "" {
		cfg.Mode = telemetry.Mode(a.telemetryMode)
	}
	mode, err := telemetry.ParseMode(string(cfg.Mode))
	if err != nil {
		return err
	}
	cfg.Mode = mode

	tel, err := telemetry.Init(ctx, cfg)
	if err != nil {
		return fmt.Errorf("starting telemetry: %w", err)
	}
	a.tel = tel

	if a.metricsAddr == "" {
		return nil
	}
	if tel.Mode() != telemetry.ModePrometheus {
		a.logger.Warn("--metrics-addr ignored without --telemetry prometheus")
		return nil
	}
	addr, err := tel.Serve(ctx, a.metricsAddr, a.logger)
	if err != nil {
		return fmt.Errorf("serving metrics: %w", err)
	}
	a.logger.Info("metrics endpoint listening", slog.String("url", "http://"+addr.String()+"/metrics"))
	return nil
}

// close flushes telemetry and logs. Safe to call when setup never ran.
func (a *app) close() {
	if a.tel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.tel.Shutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
		cancel()
		a.tel = nil
	}
	if a.logs != nil {
		_ = a.logs.Close()
		a.logs = nil
	}
}

// resolveCacheDir applies --cache-dir, then the config file, then the
// per-user default.
func (a *app) resolveCacheDir() (string, error) {
	if a.cacheDir != "" {
		return a.cacheDir, nil
	}
	if a.file.Cache.Dir != "" {
		return a.file.Cache.Dir, nil
	}
	return cache.DefaultDir()
}

// openCache opens the candidate cache. It returns nil with --no-cache.
func (a *app) openCache() (*cache.Cache, error) {
	if a.noCache {
		return nil, nil
	}
	dir, err := a.resolveCacheDir()
	if err != nil {
		return nil, err
	}
	cfg := cache.DefaultConfig(dir)
	cfg.Logger = a.logger
	cfg.TTL = a.file.Cache.TTL
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	return cache.Open(cfg)
}

// override seals a credential passed as a flag. It wins over the
// environment and the keyring for the rest of the process.
func (a *app) override(name, value string) {
	if e := keys.Seal(value); e != nil {
		a.overrides[name] = e
	}
}

// credential resolves name from flag overrides, the environment, then the
// OS keyring. The keyring is only opened when nothing earlier has it.
func (a *app) credential(name string) (string, error) {
	opts := []keys.Option{keys.WithLogger(a.logger), keys.WithOverride(name, a.overrides[name])}
	v, err := keys.NewStore(opts...).Resolve(name)
	if err == nil || !errors.Is(err, keys.ErrNotFound) {
		return v, err
	}

	kr, kerr := a.openKeyring()
	if kerr != nil {
		a.logger.Debug("keyring unavailable", slog.String("error", kerr.Error()))
		return "", err
	}
	return keys.NewStore(append(opts, keys.WithKeyring(kr))...).Resolve(name)
}

// onTerminal reports whether stdin and stderr are both terminals.
func (a *app) onTerminal() bool {
	in, ok := a.stdin.(*os.File)
	if !ok || !ux.IsTerminal(in) {
		return false
	}
	f, ok := a.stderr.(*os.File)
	return ok && ux.IsTerminal(f)
}
