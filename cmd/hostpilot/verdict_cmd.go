package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hostpilot/hostpilot"
	"github.com/hostpilot/hostpilot/verdict"
)

type verdictOpts struct {
	*rootOpts
}

func newVerdict(parent *rootOpts) *verdictOpts {
	return &verdictOpts{rootOpts: parent}
}

func (opts *verdictOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verdict",
		Short: "sign and verify promotion approvals",
	}
	cmd.AddCommand(
		newVerdictSign(opts).Command(),
		newVerdictVerify(opts).Command(),
	)
	return cmd
}

type verdictSignOpts struct {
	*verdictOpts
	head       string
	rangeStart string
	artifact   string
	out        string
	engine     string
	model      string
	simulated  bool
}

func newVerdictSign(parent *verdictOpts) *verdictSignOpts {
	return &verdictSignOpts{verdictOpts: parent}
}

func (opts *verdictSignOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "sign an approval covering the reviewed commit range",
		RunE:  opts.RunE,
	}
	cmd.Flags().StringVar(&opts.head, "head", "", "approved head revision; default the working tree HEAD")
	cmd.Flags().StringVar(&opts.rangeStart, "range-start", "", "baseline revision the review started from (required)")
	cmd.Flags().StringVar(&opts.artifact, "artifact", "", "path of the review artifact this verdict records")
	cmd.Flags().StringVar(&opts.out, "out", "", "where to write the verdict file (required)")
	cmd.Flags().StringVar(&opts.engine, "engine", "", "review engine name; default from config")
	cmd.Flags().StringVar(&opts.model, "model", "", "review model name; default from config")
	cmd.Flags().BoolVar(&opts.simulated, "simulated", false,
		"mark the verdict as produced by a dry run; simulated verdicts never authorize a push")
	return cmd
}

func (opts *verdictSignOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return errorWantedNoArgs
	}
	if opts.rangeStart == "" {
		return newUsageError("please supply --range-start")
	}
	if opts.out == "" {
		return newUsageError("please supply --out")
	}
	if err := opts.setup(cmd); err != nil {
		return err
	}

	signer, err := opts.signer()
	if err != nil {
		return err
	}
	signer.Simulated = opts.simulated

	head := opts.head
	if head == "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		head, err = opts.repo().HeadRevision(ctx)
		if err != nil {
			return err
		}
	}
	engine := opts.engine
	if engine == "" {
		engine = opts.Config.Verdict.Engine
	}
	model := opts.model
	if model == "" {
		model = opts.Config.Verdict.Model
	}

	v, err := signer.Sign(head, opts.rangeStart, opts.artifact, engine, model)
	if err != nil {
		return err
	}
	if err := verdict.Save(opts.out, v); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "signed %s covering %s..%s\n", opts.out, v.RangeStartSHA, v.RangeEndSHA)
	return nil
}

type verdictVerifyOpts struct {
	*verdictOpts
	verdictPath string
	head        string
}

func newVerdictVerify(parent *verdictOpts) *verdictVerifyOpts {
	return &verdictVerifyOpts{verdictOpts: parent}
}

func (opts *verdictVerifyOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "check whether a verdict authorizes pushing the current HEAD",
		RunE:  opts.RunE,
	}
	cmd.Flags().StringVar(&opts.verdictPath, "verdict", "", "path of the verdict file (required)")
	cmd.Flags().StringVar(&opts.head, "head", "", "revision to verify against; default the working tree HEAD")
	return cmd
}

func (opts *verdictVerifyOpts) RunE(cmd *cobra.Command, args []string) error {
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

	head := opts.head
	if head == "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		head, err = opts.repo().HeadRevision(ctx)
		if err != nil {
			return err
		}
	}

	if err := signer.Check(v, head); err != nil {
		return exitWith(hostpilot.ExitFail, "verdict does not authorize push: %v", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "verdict authorizes pushing %s\n", head)
	return nil
}
