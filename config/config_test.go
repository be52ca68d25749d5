package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostpilot/hostpilot/dod"
)

const sample = `
state_dir: /var/lib/hostpilot
artifacts_root: /srv/artifacts
repo:
  dir: /srv/console
  url: git@github.com:acme/console.git
autopilot:
  max_failures: 5
  backoff_window: 45m
checks:
  - name: hostd_health
    kind: health
    url: http://127.0.0.1:8080/health
  - name: gateway_routes
    kind: routes
    url: http://127.0.0.1:8081/routes
    required_routes: [console, vnc]
  - name: console_output
    kind: hardfail
    output_file: /srv/console/logs/recent.log
    hard_fail_strings: ["Traceback", "panic:"]
notify:
  hook_url: https://hooks.example.com/T000/B000
`

func writeConfig(t *testing.T, content string) (string, func()) {
	dir, err := ioutil.TempDir("", "hostpilot-config-test")
	require.NoError(t, err)
	path := filepath.Join(dir, "hostpilot.yaml")
	require.NoError(t, ioutil.WriteFile(path, []byte(content), 0600))
	return path, func() { os.RemoveAll(dir) }
}

func TestLoad(t *testing.T) {
	path, cleanup := writeConfig(t, sample)
	defer cleanup()

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/hostpilot", c.StateDir)
	assert.Equal(t, "origin", c.Repo.Remote, "remote defaulted")
	assert.Equal(t, "master", c.Repo.Branch, "branch defaulted")
	assert.Equal(t, "/var/lib/hostpilot", c.LockDir, "lock dir defaults to state dir")
	assert.Equal(t, "origin/master", c.TargetRef())
	assert.Equal(t, 5, c.Autopilot.MaxFailures)
	assert.Equal(t, 45*time.Minute, c.Autopilot.BackoffWindow)
	require.Len(t, c.Checks, 3)
	assert.Equal(t, dod.KindRoutes, c.Checks[1].Kind)
	assert.Equal(t, []string{"console", "vnc"}, c.Checks[1].RequiredRoutes)
}

func TestLoadRejectsBadRemoteURL(t *testing.T) {
	path, cleanup := writeConfig(t, `
state_dir: /var/lib/hostpilot
artifacts_root: /srv/artifacts
repo:
  dir: /srv/console
  url: "://not-a-url"
`)
	defer cleanup()

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a valid git URL")
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path, cleanup := writeConfig(t, `
state_dir: /var/lib/hostpilot
artifacts_root: /srv/artifacts
repo:
  dir: /srv/console
stat_dir: typo
`)
	defer cleanup()

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateChecks(t *testing.T) {
	for name, fragment := range map[string]string{
		"missing url": `
checks:
  - name: hostd_health
    kind: health
`,
		"missing output file": `
checks:
  - name: console_output
    kind: hardfail
`,
		"unknown kind": `
checks:
  - name: weird
    kind: telepathy
`,
	} {
		t.Run(name, func(t *testing.T) {
			path, cleanup := writeConfig(t, `
state_dir: /var/lib/hostpilot
artifacts_root: /srv/artifacts
repo:
  dir: /srv/console
`+fragment)
			defer cleanup()
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestSecretsPreferEnvironment(t *testing.T) {
	dir, err := ioutil.TempDir("", "hostpilot-secret-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	keyFile := filepath.Join(dir, "hmac.key")
	require.NoError(t, ioutil.WriteFile(keyFile, []byte("file-secret\n"), 0600))
	c := Config{Verdict: Verdict{KeyFile: keyFile}}

	os.Unsetenv("HOSTPILOT_HMAC_KEY")
	key, err := c.HMACKey()
	require.NoError(t, err)
	assert.Equal(t, []byte("file-secret"), key, "file secret is trimmed")

	os.Setenv("HOSTPILOT_HMAC_KEY", "env-secret")
	defer os.Unsetenv("HOSTPILOT_HMAC_KEY")
	key, err = c.HMACKey()
	require.NoError(t, err)
	assert.Equal(t, []byte("env-secret"), key)
}

func TestSecretMissing(t *testing.T) {
	os.Unsetenv("HOSTPILOT_HMAC_KEY")
	c := Config{}
	_, err := c.HMACKey()
	assert.Error(t, err)
}
