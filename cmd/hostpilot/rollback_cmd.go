package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hostpilot/hostpilot/rollback"
)

type rollbackOpts struct {
	*rootOpts
	approve bool
	reason  string
}

func newRollback(parent *rootOpts) *rollbackOpts {
	return &rollbackOpts{rootOpts: parent}
}

func (opts *rollbackOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "revert the host to its last known good revision",
		Long: "rollback reverts the host to the last known good revision. It is a\n" +
			"destructive operation and refuses to run unless degradation is sustained,\n" +
			"a good revision exists, and --approve is given.",
		RunE: opts.RunE,
	}
	cmd.Flags().BoolVar(&opts.approve, "approve", false,
		"explicit operator approval; without it the playbook only reports what it would do")
	cmd.Flags().StringVar(&opts.reason, "reason", "",
		"why this rollback was requested, recorded in the incident")
	return cmd
}

func (opts *rollbackOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return errorWantedNoArgs
	}
	if err := opts.setup(cmd); err != nil {
		return err
	}

	res, err := opts.playbook().Run(context.Background(), rollback.Request{
		Approved: opts.approve,
		Reason:   opts.reason,
	})
	opts.writeResult("rollback", res)
	if err != nil {
		return err
	}
	if res.Denied {
		return exitWith(res.ExitCode(), "rollback denied: %s", res.DenyReason)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s incident %s, proof at %s\n",
		res.Incident.Overall, res.Incident.IncidentID, res.ProofPath)
	return exitWith(res.ExitCode(), "rollback %s", res.Incident.Overall)
}
