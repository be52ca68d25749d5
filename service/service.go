// Package service invokes the external build and restart commands.
// The commands are opaque collaborators; the only contract is their
// exit status.
package service

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
)

// Manager runs configured argv commands. It satisfies the pipeline's
// ServiceManager interface.
type Manager struct {
	// Dir is the working directory for every command, normally the
	// deployed working tree.
	Dir string
	// BuildCommand builds and starts the services.
	BuildCommand []string
	// RestartCommands maps service name to restart argv.
	RestartCommands map[string][]string
	Logger          log.Logger
}

func (m *Manager) BuildAndStart(ctx context.Context) error {
	if len(m.BuildCommand) == 0 {
		return errors.New("no build command configured")
	}
	return m.run(ctx, m.BuildCommand)
}

func (m *Manager) Restart(ctx context.Context, service string) error {
	argv, ok := m.RestartCommands[service]
	if !ok {
		return errors.Errorf("no restart command configured for service %q", service)
	}
	return m.run(ctx, argv)
}

func (m *Manager) run(ctx context.Context, argv []string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = m.Dir
	out := &bytes.Buffer{}
	cmd.Stdout = out
	cmd.Stderr = out
	err := cmd.Run()
	if m.Logger != nil {
		m.Logger.Log("cmd", strings.Join(argv, " "), "success", err == nil)
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return errors.Wrap(ctx.Err(), strings.Join(argv, " "))
		}
		return errors.Wrapf(err, "%s: %s", strings.Join(argv, " "), lastLine(out.String()))
	}
	return nil
}

func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return lines[len(lines)-1]
}
