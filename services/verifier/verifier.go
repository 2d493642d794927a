// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package verifier

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/testpilot/services/analyzer"
)

// Verifier checks candidates.
//
// Thread Safety: Safe for concurrent use. Each Verify call parses its own
// tree and, when executing, uses its own workspace.
type Verifier struct {
	cfg    *Config
	exec   Executor
	logger *slog.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithExecutor replaces the execution stage runner. Execution still only
// happens when Config.ExecutionCheck is set.
func WithExecutor(e Executor) Option {
	return func(v *Verifier) {
		v.exec = e
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// New creates a Verifier. A nil cfg uses DefaultConfig.
//
// Outputs:
//
//	*Verifier - Ready to use.
//	error - Wraps ErrInvalidConfig when cfg fails validation.
func New(cfg *Config, opts ...Option) (*Verifier, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if err := c.Validate(); err != nil {
		return nil, err
	}
	v := &Verifier{cfg: &c, logger: slog.Default()}
	for _, opt := range opts {
		opt(v)
	}
	if v.exec == nil && c.ExecutionCheck {
		v.exec = NewPytestExecutor(&c, v.logger)
	}
	return v, nil
}

// Config returns a copy of the verifier's configuration.
func (v *Verifier) Config() Config {
	return *v.cfg
}

// Verify runs the verification stages over candidate text.
//
// Description:
//
//	Syntax errors stop verification after the first stage. Otherwise
//	missing well-known imports are added, the corrected text is re-parsed,
//	and, when enabled, the corrected text is executed against the target.
//	The returned Candidate carries every issue and the quality score.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	text - The candidate as produced by the provider.
//	target - The module under test. Must not be nil.
//
// Outputs:
//
//	*Candidate - The verified candidate.
//	error - ErrNilContext, ErrNilTarget, or ctx.Err().
func (v *Verifier) Verify(ctx context.Context, text string, target *analyzer.SourceUnit) (*Candidate, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if target == nil {
		return nil, ErrNilTarget
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := &Candidate{Text: text}
	testable := target.TestableNames()

	if strings.TrimSpace(text) == "" {
		c.Issues = append(c.Issues, Issue{Stage: StageSyntax, Message: "candidate is empty", Line: 1, Column: 1})
		c.Score = Score(c, testable, v.cfg)
		return c, nil
	}

	// Stage 1: syntax.
	src := []byte(text)
	tree, err := analyzer.ParseTree(ctx, src)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.Issues = append(c.Issues, Issue{Stage: StageSyntax, Message: err.Error()})
		c.Score = Score(c, testable, v.cfg)
		return c, nil
	}
	root := tree.RootNode()
	if perr := analyzer.FirstSyntaxError(root, src); perr != nil {
		tree.Close()
		c.Issues = append(c.Issues, Issue{
			Stage:   StageSyntax,
			Message: perr.Message,
			Line:    perr.Line,
			Column:  perr.Column,
		})
		c.Score = Score(c, testable, v.cfg)
		v.logger.Debug("candidate has syntax errors",
			slog.Int("line", perr.Line),
			slog.String("message", perr.Message),
		)
		return c, nil
	}
	c.SyntaxValid = true

	// Stage 2: imports.
	missing := findMissing(root, src, target)
	if len(missing) > 0 {
		corrected := applyImports(root, src, missing)
		if err := v.reparse(ctx, corrected); err != nil {
			c.Issues = append(c.Issues, Issue{
				Stage:   StageImports,
				Message: fmt.Sprintf("import correction produced invalid code: %v", err),
			})
		} else {
			c.Corrected = corrected
			for _, m := range missing {
				c.Issues = append(c.Issues, Issue{
					Stage:   StageImports,
					Message: fmt.Sprintf("%s is used but never imported; added %q", m.Name, m.Line),
					Fixed:   true,
				})
			}
		}
	}
	tree.Close()

	// Stage 3: execution.
	if v.cfg.ExecutionCheck && v.exec != nil {
		out, err := v.exec.Execute(ctx, target, c.Final())
		if err != nil {
			return nil, err
		}
		c.Execution = out
		if out.Outcome != OutcomePass {
			msg := out.Detail
			if msg == "" {
				msg = "execution outcome: " + string(out.Outcome)
			}
			c.Issues = append(c.Issues, Issue{Stage: StageExecution, Message: msg})
		}
	}

	c.Score = Score(c, testable, v.cfg)
	v.logger.Debug("verified candidate",
		slog.Bool("syntax_valid", c.SyntaxValid),
		slog.Int("issues", len(c.Issues)),
		slog.Float64("score", c.Score),
	)
	return c, nil
}

func (v *Verifier) reparse(ctx context.Context, text string) error {
	src := []byte(text)
	tree, err := analyzer.ParseTree(ctx, src)
	if err != nil {
		return err
	}
	defer tree.Close()
	if perr := analyzer.FirstSyntaxError(tree.RootNode(), src); perr != nil {
		return perr
	}
	return nil
}
