// Package gate is the fail-closed promotion gate: nothing reaches
// the deployable branch unless a signed verdict covers the exact
// revision being pushed. The gate has two modes, a direct push and a
// pull-request flow for branch-protected repositories; both refuse
// by default and proceed only on affirmative verification.
package gate

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/google/go-github/v28/github"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/hostpilot/hostpilot/verdict"
)

// Pusher is the slice of the git layer the gate uses: where HEAD is,
// and the one push operation in the whole system.
type Pusher interface {
	HeadRevision(ctx context.Context) (string, error)
	Push(ctx context.Context, refs []string) error
}

// Gate verifies a verdict against the current HEAD and, only then,
// publishes.
type Gate struct {
	Repo   Pusher
	Signer *verdict.Signer
	// Branch is the deployable branch being promoted.
	Branch string
	Logger log.Logger
}

// Push verifies the verdict against the current HEAD and pushes the
// deployable branch. Any verification failure refuses the push with
// no side effects.
func (g *Gate) Push(ctx context.Context, v verdict.Verdict) error {
	head, err := g.Repo.HeadRevision(ctx)
	if err != nil {
		return errors.Wrap(err, "push refused: resolving HEAD")
	}
	if err := g.Signer.Check(v, head); err != nil {
		return errors.Wrap(err, "push refused")
	}
	g.logger().Log("push", g.Branch, "head", head, "verdict", v.ArtifactPath)
	return errors.Wrap(g.Repo.Push(ctx, []string{g.Branch}), "pushing")
}

// PRFlow promotes through a pull request when branch protection
// forbids direct pushes: push a work branch, open a PR, wait for the
// required check, squash-merge. The verdict verification is the same
// as for a direct push; branch protection adds a second gate on top,
// it never replaces the first.
type PRFlow struct {
	Gate   *Gate
	Client *github.Client
	Owner  string
	Repo   string
	// WorkBranch is the head branch the PR is opened from.
	WorkBranch string
	// RequiredCheck is the name of the check run that must conclude
	// successfully before the merge.
	RequiredCheck string
	// PollInterval and PollMax bound the wait for the check; zero
	// means 15s and 40 polls.
	PollInterval time.Duration
	PollMax      int
	Logger       log.Logger
}

// Promote runs the whole flow. Returns the merge commit SHA.
func (f *PRFlow) Promote(ctx context.Context, v verdict.Verdict, title string) (string, error) {
	head, err := f.Gate.Repo.HeadRevision(ctx)
	if err != nil {
		return "", errors.Wrap(err, "promotion refused: resolving HEAD")
	}
	if err := f.Gate.Signer.Check(v, head); err != nil {
		return "", errors.Wrap(err, "promotion refused")
	}

	if err := f.Gate.Repo.Push(ctx, []string{head + ":refs/heads/" + f.WorkBranch}); err != nil {
		return "", errors.Wrap(err, "pushing work branch")
	}

	pr, _, err := f.Client.PullRequests.Create(ctx, f.Owner, f.Repo, &github.NewPullRequest{
		Title: github.String(title),
		Head:  github.String(f.WorkBranch),
		Base:  github.String(f.Gate.Branch),
		Body:  github.String("Automated promotion of " + head + "\n\nVerdict: " + v.ArtifactPath),
	})
	if err != nil {
		return "", errors.Wrap(err, "opening pull request")
	}
	f.logger().Log("pr", pr.GetNumber(), "head", head, "state", "opened")

	if err := f.awaitCheck(ctx, head); err != nil {
		return "", err
	}

	merge, _, err := f.Client.PullRequests.Merge(ctx, f.Owner, f.Repo, pr.GetNumber(),
		"", &github.PullRequestOptions{MergeMethod: "squash"})
	if err != nil {
		return "", errors.Wrapf(err, "merging pull request #%d", pr.GetNumber())
	}
	if !merge.GetMerged() {
		return "", errors.Errorf("pull request #%d not merged: %s", pr.GetNumber(), merge.GetMessage())
	}
	f.logger().Log("pr", pr.GetNumber(), "state", "merged", "sha", merge.GetSHA())
	return merge.GetSHA(), nil
}

// awaitCheck polls the required check run on ref until it concludes.
// Bounded by iteration count, not wall clock: a stuck CI cannot hang
// the gate forever.
func (f *PRFlow) awaitCheck(ctx context.Context, ref string) error {
	interval := f.PollInterval
	if interval == 0 {
		interval = 15 * time.Second
	}
	max := f.PollMax
	if max == 0 {
		max = 40
	}
	for i := 0; i < max; i++ {
		runs, _, err := f.Client.Checks.ListCheckRunsForRef(ctx, f.Owner, f.Repo, ref, &github.ListCheckRunsOptions{
			CheckName: github.String(f.RequiredCheck),
		})
		if err != nil {
			return errors.Wrap(err, "listing check runs")
		}
		for _, run := range runs.CheckRuns {
			if run.GetStatus() != "completed" {
				continue
			}
			if run.GetConclusion() == "success" {
				return nil
			}
			return errors.Errorf("required check %q concluded %q", f.RequiredCheck, run.GetConclusion())
		}
		f.logger().Log("check", f.RequiredCheck, "state", "pending", "poll", i+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return errors.Errorf("required check %q did not conclude within %d polls", f.RequiredCheck, max)
}

func (f *PRFlow) logger() log.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return log.NewNopLogger()
}

func (g *Gate) logger() log.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return log.NewNopLogger()
}

// NewGitHubClient builds an authenticated client. baseURL overrides
// the API endpoint for GitHub Enterprise and tests; empty means
// github.com.
func NewGitHubClient(ctx context.Context, token, baseURL string) (*github.Client, error) {
	var hc *http.Client
	if token != "" {
		hc = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	}
	client := github.NewClient(hc)
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, errors.Wrap(err, "parsing API base URL")
		}
		client.BaseURL = u
	}
	return client, nil
}
