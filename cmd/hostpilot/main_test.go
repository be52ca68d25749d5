package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitWith(t *testing.T) {
	assert.NoError(t, exitWith(0, "clean"))

	err := exitWith(2, "tick terminal %s", "LOCK_BUSY")
	if assert.Error(t, err) {
		exit, ok := err.(exitError)
		assert.True(t, ok)
		assert.Equal(t, 2, exit.code)
		assert.Equal(t, "tick terminal LOCK_BUSY", exit.Error())
	}
}

func TestUsageErrors(t *testing.T) {
	for name, args := range map[string][]string{
		"push without verdict":     {"push"},
		"verify without verdict":   {"verdict", "verify"},
		"sign without range start": {"verdict", "sign", "--out", "/tmp/v.json"},
	} {
		t.Run(name, func(t *testing.T) {
			cmd := newRoot().Command()
			cmd.SetArgs(args)
			_, err := cmd.ExecuteC()
			_, isUsage := err.(usageError)
			assert.True(t, isUsage, "expected a usage error, got %v", err)
		})
	}
}

func TestMissingConfigIsAnError(t *testing.T) {
	cmd := newRoot().Command()
	cmd.SetArgs([]string{"tick", "--config", "/nonexistent/hostpilot.yaml"})
	_, err := cmd.ExecuteC()
	assert.Error(t, err)
}
