package state

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, func()) {
	d, err := ioutil.TempDir("", "hostpilot-state-test")
	require.NoError(t, err)
	return NewStore(d), func() { os.RemoveAll(d) }
}

func TestReadDefaults(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	st, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, AutopilotState{}, st)
}

func TestWriteRead(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	in := AutopilotState{
		LastDeployedSHA: "abc123",
		LastGoodSHA:     "abc123",
		FailCount:       2,
		FailCountAt:     1700000000,
		LastRun:         json.RawMessage(`{"overall":"FAIL"}`),
	}
	require.NoError(t, s.Write(in))

	out, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, in.LastDeployedSHA, out.LastDeployedSHA)
	assert.Equal(t, in.LastGoodSHA, out.LastGoodSHA)
	assert.Equal(t, in.FailCount, out.FailCount)
	assert.Equal(t, in.FailCountAt, out.FailCountAt)
	assert.JSONEq(t, string(in.LastRun), string(out.LastRun))
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	require.NoError(t, s.Write(AutopilotState{LastDeployedSHA: "def"}))
	entries, err := ioutil.ReadDir(s.Dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "autopilot.json", entries[0].Name())
}

func TestEnabledFlag(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	assert.False(t, s.Enabled())
	require.NoError(t, s.Enable())
	assert.True(t, s.Enabled())
	require.NoError(t, s.Disable())
	assert.False(t, s.Enabled())
	// Disabling twice is fine.
	require.NoError(t, s.Disable())
}

func TestCandidateRoundTrip(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	_, ok, err := s.ReadCandidate()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.WriteCandidate("abc123"))
	c, ok, err := s.ReadCandidate()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abc123", c.SHA)
	assert.False(t, c.At.IsZero())
}

func TestCorruptStateSurfacesError(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	require.NoError(t, os.MkdirAll(s.Dir, 0777))
	require.NoError(t, ioutil.WriteFile(filepath.Join(s.Dir, "autopilot.json"), []byte("{nope"), 0666))
	_, err := s.Read()
	assert.Error(t, err)
}
