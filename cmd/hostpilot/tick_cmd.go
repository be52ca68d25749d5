package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hostpilot/hostpilot/autopilot"
)

type tickOpts struct {
	*rootOpts
}

func newTick(parent *rootOpts) *tickOpts {
	return &tickOpts{rootOpts: parent}
}

func (opts *tickOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "run one pass of the autopilot control loop",
		RunE:  opts.RunE,
	}
}

func (opts *tickOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return errorWantedNoArgs
	}
	if err := opts.setup(cmd); err != nil {
		return err
	}

	res := opts.controller().Tick(context.Background())
	opts.writeResult("tick", res)
	if path := opts.Config.MetricsTextfile; path != "" {
		if err := autopilot.FlushMetrics(path); err != nil {
			opts.Logger.Log("err", err)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", res.State, res.Detail)
	return exitWith(res.ExitCode(), "tick terminal %s", res.State)
}
