// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package triage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-github/v66/github"

	"github.com/AleutianAI/testpilot/services/runner"
)

// TokenEnvVar is read when Request.Token is empty.
const TokenEnvVar = "GITHUB_TOKEN"

// DefaultLabels are applied when Request.Labels is empty.
var DefaultLabels = []string{"test-failure", "testpilot-auto"}

// Request describes where and how to report.
type Request struct {
	// Repo is owner/name.
	Repo string

	// Token authenticates against GitHub. Empty falls back to GITHUB_TOKEN.
	Token string

	// Title overrides the default title.
	Title string

	Labels    []string
	Assignees []string

	// AttachGist uploads the test file as a gist and links it.
	AttachGist bool

	// PublicGist makes the gist public.
	PublicGist bool
}

// Outcome is what reporting did.
type Outcome struct {
	// Skipped is true when the result did not need an issue.
	Skipped bool

	IssueURL    string
	IssueNumber int
	GistURL     string

	// GistErr is set when the gist failed but the issue was still filed.
	GistErr error

	// Err is a *TriageError when the issue could not be filed.
	Err error
}

// Reporter files issues.
//
// Thread Safety: Safe for concurrent use.
type Reporter struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithBaseURL points the reporter at another API root, such as GitHub
// Enterprise or a test server.
func WithBaseURL(u string) Option {
	return func(r *Reporter) {
		r.baseURL = u
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Reporter) {
		if c != nil {
			r.httpClient = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reporter) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewReporter creates a Reporter.
func NewReporter(opts ...Option) *Reporter {
	r := &Reporter{httpClient: http.DefaultClient, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ParseRepo splits owner/name.
func ParseRepo(repo string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(strings.TrimSpace(repo), "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRepo, repo)
	}
	return owner, name, nil
}

func (r *Reporter) client(token string) (*github.Client, error) {
	c := github.NewClient(r.httpClient).WithAuthToken(token)
	if r.baseURL != "" {
		base := r.baseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("parsing base url: %w", err)
		}
		c.BaseURL = u
	}
	return c, nil
}

// Report files an issue for a failing or could-not-run result.
//
// Description:
//
//	A passing result is a no-op with Skipped set. Configuration problems
//	and API failures come back in Outcome.Err as *TriageError; nothing
//	panics and res is never modified. A failed gist upload is recorded in
//	Outcome.GistErr and the issue is filed without the link.
//
// Inputs:
//
//	ctx - Context for the API calls.
//	res - The run to report. A nil result is skipped.
//	req - Destination and options.
//
// Outputs:
//
//	Outcome - What was created, or why not.
func (r *Reporter) Report(ctx context.Context, res *runner.Result, req Request) Outcome {
	if res == nil || res.Status == runner.StatusPassed {
		return Outcome{Skipped: true}
	}

	token := req.Token
	if token == "" {
		token = os.Getenv(TokenEnvVar)
	}
	if token == "" {
		return Outcome{Err: &TriageError{Op: OpConfigure, Repo: req.Repo, Err: ErrMissingToken}}
	}
	owner, name, err := ParseRepo(req.Repo)
	if err != nil {
		return Outcome{Err: &TriageError{Op: OpConfigure, Repo: req.Repo, Err: err}}
	}
	gh, err := r.client(token)
	if err != nil {
		return Outcome{Err: &TriageError{Op: OpConfigure, Repo: req.Repo, Err: err}}
	}

	var out Outcome
	if req.AttachGist {
		out.GistURL, out.GistErr = r.createGist(ctx, gh, res.TestFile, req.PublicGist)
		if out.GistErr != nil {
			r.logger.Warn("gist upload failed, filing issue without it",
				slog.String("file", res.TestFile),
				slog.String("error", out.GistErr.Error()),
			)
		}
	}

	title := req.Title
	if title == "" {
		title = Title(res)
	}
	labels := req.Labels
	if len(labels) == 0 {
		labels = DefaultLabels
	}
	assignees := req.Assignees
	if assignees == nil {
		assignees = []string{}
	}
	body := Body(res, out.GistURL)

	issue, resp, err := gh.Issues.Create(ctx, owner, name, &github.IssueRequest{
		Title:     github.String(title),
		Body:      github.String(body),
		Labels:    &labels,
		Assignees: &assignees,
	})
	if err != nil {
		out.Err = apiError(OpCreateIssue, req.Repo, resp, err)
		r.logger.Error("failed to create issue",
			slog.String("repo", req.Repo),
			slog.String("error", out.Err.Error()),
		)
		return out
	}

	out.IssueURL = issue.GetHTMLURL()
	out.IssueNumber = issue.GetNumber()
	r.logger.Info("issue created",
		slog.String("repo", req.Repo),
		slog.Int("number", out.IssueNumber),
		slog.String("url", out.IssueURL),
	)
	return out
}

func (r *Reporter) createGist(ctx context.Context, gh *github.Client, path string, public bool) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", &TriageError{Op: OpCreateGist, Err: err}
	}
	filename := filepath.Base(path)
	gist, resp, err := gh.Gists.Create(ctx, &github.Gist{
		Description: github.String(fmt.Sprintf("Failing tests from TestPilot (%s)", filename)),
		Public:      github.Bool(public),
		Files: map[github.GistFilename]github.GistFile{
			github.GistFilename(filename): {Content: github.String(string(content))},
		},
	})
	if err != nil {
		return "", apiError(OpCreateGist, "", resp, err)
	}
	return gist.GetHTMLURL(), nil
}

// apiError converts a go-github failure into a *TriageError.
func apiError(op Operation, repo string, resp *github.Response, err error) *TriageError {
	te := &TriageError{Op: op, Repo: repo, Err: fmt.Errorf("%w: %v", ErrRequestFailed, err)}
	if resp != nil && resp.Response != nil {
		te.StatusCode = resp.StatusCode
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		te.StatusCode = ghErr.Response.StatusCode
		te.Err = fmt.Errorf("%w: %s", ErrRequestFailed, ghErr.Message)
	}
	return te
}
