package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/spf13/cobra"

	"github.com/hostpilot/hostpilot"
	"github.com/hostpilot/hostpilot/green"
)

type deployOpts struct {
	*rootOpts
	target      string
	untilGreen  bool
	maxAttempts int
	sleep       time.Duration
}

func newDeploy(parent *rootOpts) *deployOpts {
	return &deployOpts{rootOpts: parent}
}

func (opts *deployOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "run one deploy attempt of the target revision",
		RunE:  opts.RunE,
	}
	cmd.Flags().StringVar(&opts.target, "target", "",
		"revision or ref to deploy; default the configured remote branch tip")
	cmd.Flags().BoolVar(&opts.untilGreen, "until-green", false,
		"retry with classified remediation until the host is green or attempts run out")
	cmd.Flags().IntVar(&opts.maxAttempts, "max-attempts", 0,
		"attempt bound for --until-green; default from config, then 3")
	cmd.Flags().DurationVar(&opts.sleep, "sleep", 30*time.Second,
		"delay between --until-green attempts")
	return cmd
}

func (opts *deployOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return errorWantedNoArgs
	}
	if err := opts.setup(cmd); err != nil {
		return err
	}
	target := opts.target
	if target == "" {
		target = opts.Config.TargetRef()
	}

	if opts.untilGreen {
		return opts.runUntilGreen(cmd, target)
	}

	rec := opts.executor().Execute(context.Background(), target)
	opts.writeResult("deploy", rec)
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", rec.Overall, rec.RunID)
	switch {
	case rec.Overall == hostpilot.OutcomePass:
		return nil
	case hostpilot.Classify(rec.ErrorClass) == hostpilot.Contention:
		return exitWith(hostpilot.ExitSkip, "deploy skipped: %s", rec.NextAutoFix)
	default:
		return exitWith(hostpilot.ExitFail, "deploy failed at step %s (%s)", rec.StepFailed, rec.ErrorClass)
	}
}

func (opts *deployOpts) runUntilGreen(cmd *cobra.Command, target string) error {
	executor := opts.executor()
	checker := opts.checker()
	services := opts.services()

	maxAttempts := opts.maxAttempts
	if maxAttempts == 0 {
		maxAttempts = opts.Config.Autopilot.MaxAttempts
	}
	if maxAttempts == 0 {
		maxAttempts = 3
	}

	orch := &green.Orchestrator{
		Deployer: executor,
		GreenCheck: func(ctx context.Context) error {
			res := checker.Run(ctx, opts.Config.Checks)
			if !res.OK {
				return fmt.Errorf("not green: %s", res.Summary)
			}
			return nil
		},
		Remediate: func(ctx context.Context, class hostpilot.ErrorClass) error {
			// The one safe, idempotent remediation: bounce the
			// dependent services.
			for _, svc := range opts.Config.Rollback.RestartServices {
				if err := services.Restart(ctx, svc); err != nil {
					return err
				}
			}
			return nil
		},
		MaxAttempts: maxAttempts,
		Sleep:       opts.sleep,
		Logger:      log.With(opts.Logger, "component", "green"),
	}

	res := orch.Run(context.Background(), target)
	opts.writeResult("deploy", res)
	if res.Green {
		fmt.Fprintf(cmd.OutOrStdout(), "green after %d attempt(s), head %s\n", res.Attempts, res.Record.GitHead)
		return nil
	}
	return exitWith(hostpilot.ExitSkip, "not green after %d attempt(s): %s (triage written)",
		res.Attempts, res.Record.ErrorClass)
}
