package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/spf13/cobra"

	"github.com/hostpilot/hostpilot/gate"
	"github.com/hostpilot/hostpilot/verdict"
)

type pushOpts struct {
	*rootOpts
	verdictPath string
	pullRequest bool
	title       string
}

func newPush(parent *rootOpts) *pushOpts {
	return &pushOpts{rootOpts: parent}
}

func (opts *pushOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push",
		Short: "promote HEAD to the deployable branch, gated on a signed verdict",
		RunE:  opts.RunE,
	}
	cmd.Flags().StringVar(&opts.verdictPath, "verdict", "", "path of the verdict file authorizing this push (required)")
	cmd.Flags().BoolVar(&opts.pullRequest, "pr", false,
		"promote through a pull request (for branch-protected repos): push a work branch, wait for the required check, squash-merge")
	cmd.Flags().StringVar(&opts.title, "title", "", "pull request title for --pr")
	return cmd
}

func (opts *pushOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return errorWantedNoArgs
	}
	if opts.verdictPath == "" {
		return newUsageError("please supply --verdict")
	}
	if err := opts.setup(cmd); err != nil {
		return err
	}

	signer, err := opts.signer()
	if err != nil {
		return err
	}
	v, err := verdict.Load(opts.verdictPath)
	if err != nil {
		return err
	}

	g := &gate.Gate{
		Repo:   opts.repo(),
		Signer: signer,
		Branch: opts.Config.Repo.Branch,
		Logger: log.With(opts.Logger, "component", "gate"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	if !opts.pullRequest {
		if err := g.Push(ctx, v); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pushed %s\n", opts.Config.Repo.Branch)
		return nil
	}

	token, err := opts.Config.GitHubToken()
	if err != nil {
		return err
	}
	client, err := gate.NewGitHubClient(ctx, token, opts.Config.GitHub.APIBaseURL)
	if err != nil {
		return err
	}
	title := opts.title
	if title == "" {
		title = "Promote " + v.RangeEndSHA
	}
	flow := &gate.PRFlow{
		Gate:          g,
		Client:        client,
		Owner:         opts.Config.GitHub.Owner,
		Repo:          opts.Config.GitHub.Repo,
		WorkBranch:    opts.Config.GitHub.WorkBranch,
		RequiredCheck: opts.Config.GitHub.RequiredCheck,
		Logger:        log.With(opts.Logger, "component", "gate"),
	}
	sha, err := flow.Promote(ctx, v, title)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "merged as %s\n", sha)
	return nil
}
