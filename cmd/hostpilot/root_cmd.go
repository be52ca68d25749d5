package main

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/hostpilot/hostpilot/autopilot"
	"github.com/hostpilot/hostpilot/config"
	"github.com/hostpilot/hostpilot/dod"
	"github.com/hostpilot/hostpilot/git"
	"github.com/hostpilot/hostpilot/notify"
	"github.com/hostpilot/hostpilot/pipeline"
	"github.com/hostpilot/hostpilot/probe"
	"github.com/hostpilot/hostpilot/rollback"
	"github.com/hostpilot/hostpilot/service"
	"github.com/hostpilot/hostpilot/state"
	"github.com/hostpilot/hostpilot/verdict"
)

const EnvVariableConfig = "HOSTPILOT_CONFIG"

type rootOpts struct {
	ConfigPath string
	ResultFile string

	Config config.Config
	Logger log.Logger
}

func newRoot() *rootOpts {
	return &rootOpts{}
}

var rootLongHelp = strings.TrimSpace(`
hostpilot keeps a single host deployed, verified and recoverable.

Workflow:
  hostpilot tick                       # one scheduled control-loop pass (cron/timer entry point)
  hostpilot deploy --until-green       # deploy the target revision, retrying where safe
  hostpilot rollback --approve         # revert to the last known good revision
  hostpilot verdict sign ...           # sign an approval covering the reviewed range
  hostpilot push --verdict v.json      # promote HEAD, gated on that approval
`)

func (opts *rootOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "hostpilot",
		Long:          rootLongHelp,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "/etc/hostpilot/hostpilot.yaml",
		"path of the hostpilot config file; you can also set the environment variable "+EnvVariableConfig)
	cmd.PersistentFlags().StringVar(&opts.ResultFile, "result-file", "",
		"where to write the JSON result of this invocation; default <artifacts_root>/last-<command>.json")

	cmd.AddCommand(
		newTick(opts).Command(),
		newDeploy(opts).Command(),
		newRollback(opts).Command(),
		newVerdict(opts).Command(),
		newPush(opts).Command(),
		newVersionCommand(),
	)
	return cmd
}

// setup loads the config and builds the logger. Commands call it at
// the top of their RunE; the version command does not need it.
func (opts *rootOpts) setup(cmd *cobra.Command) error {
	path := opts.ConfigPath
	if env := os.Getenv(EnvVariableConfig); env != "" && !cmd.Flags().Changed("config") {
		path = env
	}
	c, err := config.Load(path)
	if err != nil {
		return err
	}
	opts.Config = c

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	opts.Logger = logger
	return nil
}

func (opts *rootOpts) repo() *git.Repo {
	return &git.Repo{
		Dir:    opts.Config.Repo.Dir,
		Remote: opts.Config.Repo.Remote,
		Branch: opts.Config.Repo.Branch,
	}
}

func (opts *rootOpts) store() *state.Store {
	return state.NewStore(opts.Config.StateDir)
}

func (opts *rootOpts) checker() *dod.Checker {
	return &dod.Checker{
		Prober: &probe.Prober{},
		Logger: log.With(opts.Logger, "component", "dod"),
	}
}

func (opts *rootOpts) services() *service.Manager {
	return &service.Manager{
		Dir:             opts.Config.Repo.Dir,
		BuildCommand:    opts.Config.Services.BuildCommand,
		RestartCommands: opts.Config.Services.RestartCommands,
		Logger:          log.With(opts.Logger, "component", "service"),
	}
}

func (opts *rootOpts) executor() *pipeline.Executor {
	return &pipeline.Executor{
		Repo:          opts.repo(),
		Services:      opts.services(),
		Checker:       opts.checker(),
		Checks:        opts.Config.Checks,
		State:         opts.store(),
		LockDir:       opts.Config.LockDir,
		ArtifactsRoot: opts.Config.ArtifactsRoot,
		Logger:        log.With(opts.Logger, "component", "pipeline"),
	}
}

func (opts *rootOpts) notifier() notify.Notifier {
	if opts.Config.Notify.HookURL == "" {
		return notify.Nop{}
	}
	return &notify.Webhook{
		HookURL:     opts.Config.Notify.HookURL,
		MinInterval: opts.Config.Notify.MinInterval,
		Logger:      log.With(opts.Logger, "component", "notify"),
	}
}

func (opts *rootOpts) controller() *autopilot.Controller {
	return &autopilot.Controller{
		Store:         opts.store(),
		Repo:          opts.repo(),
		Deployer:      opts.executor(),
		LockDir:       opts.Config.LockDir,
		Notifier:      opts.notifier(),
		Logger:        log.With(opts.Logger, "component", "autopilot"),
		MaxFailures:   opts.Config.Autopilot.MaxFailures,
		BackoffWindow: opts.Config.Autopilot.BackoffWindow,
	}
}

func (opts *rootOpts) playbook() *rollback.Playbook {
	return &rollback.Playbook{
		Repo:            opts.repo(),
		Deployer:        opts.executor(),
		Services:        opts.services(),
		State:           opts.store(),
		Canary:          opts.canary(),
		RestartServices: opts.Config.Rollback.RestartServices,
		LockDir:         opts.Config.LockDir,
		ArtifactsRoot:   opts.Config.ArtifactsRoot,
		Threshold:       opts.Config.Rollback.Threshold,
		Logger:          log.With(opts.Logger, "component", "rollback"),
	}
}

func (opts *rootOpts) canary() func(ctx context.Context) error {
	url := opts.Config.Rollback.CanaryURL
	if url == "" {
		return nil
	}
	prober := &probe.Prober{}
	return func(ctx context.Context) error {
		r := prober.Probe(ctx, probe.Target{Name: "canary", URL: url})
		if !r.OK {
			return errors.Errorf("canary: %s", r.Detail)
		}
		return nil
	}
}

func (opts *rootOpts) signer() (*verdict.Signer, error) {
	key, err := opts.Config.HMACKey()
	if err != nil {
		return nil, err
	}
	return &verdict.Signer{Secret: key}, nil
}

// writeResult persists the invocation's JSON result. Every command
// produces one, even on the earliest failure, so no invocation is
// silent.
func (opts *rootOpts) writeResult(name string, v interface{}) {
	path := opts.ResultFile
	if path == "" {
		path = filepath.Join(opts.Config.ArtifactsRoot, "last-"+name+".json")
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err == nil {
		err = os.MkdirAll(filepath.Dir(path), 0777)
	}
	if err == nil {
		err = ioutil.WriteFile(path, b, 0666)
	}
	if err != nil {
		opts.Logger.Log("err", errors.Wrap(err, "writing result file"))
	}
}
