// Package config loads the hostpilot YAML configuration. Secrets are
// never part of the file that ends up described in artifacts: the
// HMAC key and the GitHub token come from the environment or from
// files outside the artifacts root.
package config

import (
	"io/ioutil"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	giturls "github.com/whilp/git-urls"
	"gopkg.in/yaml.v2"

	"github.com/hostpilot/hostpilot/dod"
)

type Config struct {
	StateDir      string `yaml:"state_dir"`
	ArtifactsRoot string `yaml:"artifacts_root"`
	LockDir       string `yaml:"lock_dir"`

	Repo      Repo      `yaml:"repo"`
	Services  Services  `yaml:"services"`
	Autopilot Autopilot `yaml:"autopilot"`
	Rollback  Rollback  `yaml:"rollback"`
	Verdict   Verdict   `yaml:"verdict"`
	GitHub    GitHub    `yaml:"github"`
	Notify    Notify    `yaml:"notify"`

	Checks []dod.Check `yaml:"checks"`

	// MetricsTextfile, when set, receives a textfile-collector dump
	// of the process metrics at the end of every tick.
	MetricsTextfile string `yaml:"metrics_textfile,omitempty"`
}

type Repo struct {
	Dir    string `yaml:"dir"`
	Remote string `yaml:"remote"`
	Branch string `yaml:"branch"`
	// URL is informational and validated at load; the working tree's
	// own remote config is what the pipeline guard inspects.
	URL string `yaml:"url,omitempty"`
}

// Services configures the external build/restart commands. The
// pipeline only sequences them; what they do is the collaborator's
// business.
type Services struct {
	// BuildCommand is the argv that builds and starts the services.
	BuildCommand []string `yaml:"build_command,omitempty"`
	// RestartCommands maps a service name to its restart argv.
	RestartCommands map[string][]string `yaml:"restart_commands,omitempty"`
}

type Autopilot struct {
	MaxFailures   int           `yaml:"max_failures,omitempty"`
	BackoffWindow time.Duration `yaml:"backoff_window,omitempty"`
	MaxAttempts   int           `yaml:"max_attempts,omitempty"`
}

type Rollback struct {
	Threshold       int      `yaml:"threshold,omitempty"`
	RestartServices []string `yaml:"restart_services,omitempty"`
	// CanaryURL is probed after a rollback to confirm service came
	// back.
	CanaryURL string `yaml:"canary_url,omitempty"`
}

type Verdict struct {
	// KeyFile holds the HMAC secret; the HOSTPILOT_HMAC_KEY
	// environment variable takes precedence. Keep the file outside
	// the artifacts root.
	KeyFile string `yaml:"key_file,omitempty"`
	Engine  string `yaml:"engine,omitempty"`
	Model   string `yaml:"model,omitempty"`
}

type GitHub struct {
	Owner         string `yaml:"owner,omitempty"`
	Repo          string `yaml:"repo,omitempty"`
	WorkBranch    string `yaml:"work_branch,omitempty"`
	RequiredCheck string `yaml:"required_check,omitempty"`
	// APIBaseURL overrides the API endpoint for GitHub Enterprise.
	APIBaseURL string `yaml:"api_base_url,omitempty"`
	// TokenFile holds the API token; GITHUB_TOKEN takes precedence.
	TokenFile string `yaml:"token_file,omitempty"`
}

type Notify struct {
	HookURL     string        `yaml:"hook_url,omitempty"`
	MinInterval time.Duration `yaml:"min_interval,omitempty"`
}

// Load reads, defaults and validates a config file.
func Load(path string) (Config, error) {
	var c Config
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return c, errors.Wrap(err, "reading config file")
	}
	if err := yaml.UnmarshalStrict(b, &c); err != nil {
		return c, errors.Wrap(err, "parsing config file")
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Repo.Remote == "" {
		c.Repo.Remote = "origin"
	}
	if c.Repo.Branch == "" {
		c.Repo.Branch = "master"
	}
	if c.LockDir == "" && c.StateDir != "" {
		c.LockDir = c.StateDir
	}
	if c.GitHub.WorkBranch == "" {
		c.GitHub.WorkBranch = "autopromote"
	}
}

// Validate rejects configurations the control loop cannot run with.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return errors.New("state_dir is required")
	}
	if c.ArtifactsRoot == "" {
		return errors.New("artifacts_root is required")
	}
	if c.Repo.Dir == "" {
		return errors.New("repo.dir is required")
	}
	if c.Repo.URL != "" {
		if _, err := giturls.Parse(c.Repo.URL); err != nil {
			return errors.Wrapf(err, "repo.url %q is not a valid git URL", c.Repo.URL)
		}
	}
	for i, check := range c.Checks {
		if check.Name == "" {
			return errors.Errorf("checks[%d]: name is required", i)
		}
		if check.Kind == "" {
			return errors.Errorf("check %q: kind is required", check.Name)
		}
		switch check.Kind {
		case dod.KindHealth, dod.KindConfigValid, dod.KindRoutes:
			if check.URL == "" {
				return errors.Errorf("check %q: url is required for kind %s", check.Name, check.Kind)
			}
		case dod.KindHardFail:
			if check.OutputFile == "" {
				return errors.Errorf("check %q: output_file is required for kind %s", check.Name, check.Kind)
			}
		default:
			return errors.Errorf("check %q: unknown kind %q", check.Name, check.Kind)
		}
	}
	return nil
}

// TargetRef is the remote-tracking ref the autopilot follows.
func (c *Config) TargetRef() string {
	return c.Repo.Remote + "/" + c.Repo.Branch
}

// HMACKey returns the verdict signing secret from the environment or
// the configured key file. The key never appears in any artifact.
func (c *Config) HMACKey() ([]byte, error) {
	return secret("HOSTPILOT_HMAC_KEY", c.Verdict.KeyFile, "verdict signing key")
}

// GitHubToken returns the API token from the environment or the
// configured token file.
func (c *Config) GitHubToken() (string, error) {
	b, err := secret("GITHUB_TOKEN", c.GitHub.TokenFile, "github token")
	return string(b), err
}

func secret(envVar, file, what string) ([]byte, error) {
	if v := os.Getenv(envVar); v != "" {
		return []byte(v), nil
	}
	if file == "" {
		return nil, errors.Errorf("%s not configured: set %s or the config file path", what, envVar)
	}
	b, err := ioutil.ReadFile(file)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", what)
	}
	return []byte(strings.TrimSpace(string(b))), nil
}
