// Package state persists the autopilot control-plane record. The
// record is tiny and single-writer: every mutation happens under the
// deploy lease, as one atomic replace of the whole file, so readers
// outside the lease may see a stale snapshot but never a torn one.
package state

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

const (
	stateFile     = "autopilot.json"
	enabledFile   = "enabled"
	candidateFile = "candidate.json"
)

// AutopilotState is the one mutable control-plane record. Pass it by
// value; mutate a copy and persist it with Store.Write.
type AutopilotState struct {
	LastDeployedSHA string          `json:"last_deployed_sha,omitempty"`
	LastGoodSHA     string          `json:"last_good_sha,omitempty"`
	FailCount       int             `json:"fail_count"`
	FailCountAt     int64           `json:"fail_count_at,omitempty"` // unix seconds of last fail_count write
	LastRun         json.RawMessage `json:"last_run,omitempty"`
}

// Store reads and writes AutopilotState under a state directory.
type Store struct {
	Dir string
}

func NewStore(dir string) *Store {
	return &Store{Dir: dir}
}

// Read returns the persisted state, or the zero state if none has
// been written yet.
func (s *Store) Read() (AutopilotState, error) {
	var st AutopilotState
	b, err := ioutil.ReadFile(filepath.Join(s.Dir, stateFile))
	if os.IsNotExist(err) {
		return st, nil
	}
	if err != nil {
		return st, errors.Wrap(err, "reading state file")
	}
	if err := json.Unmarshal(b, &st); err != nil {
		return st, errors.Wrap(err, "decoding state file")
	}
	return st, nil
}

// Write persists the state atomically (write temp, fsync, rename).
// Callers must hold the deploy lease.
func (s *Store) Write(st AutopilotState) error {
	if err := os.MkdirAll(s.Dir, 0777); err != nil {
		return errors.Wrap(err, "creating state dir")
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding state")
	}
	return atomicWrite(filepath.Join(s.Dir, stateFile), b)
}

// Enabled reports whether the autopilot enable flag is present. The
// flag is a plain file; its contents are ignored.
func (s *Store) Enabled() bool {
	_, err := os.Stat(filepath.Join(s.Dir, enabledFile))
	return err == nil
}

// Enable creates the enable flag file.
func (s *Store) Enable() error {
	if err := os.MkdirAll(s.Dir, 0777); err != nil {
		return errors.Wrap(err, "creating state dir")
	}
	f, err := os.OpenFile(filepath.Join(s.Dir, enabledFile), os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		return errors.Wrap(err, "creating enable flag")
	}
	return f.Close()
}

// Disable removes the enable flag file. Removing an absent flag is
// not an error.
func (s *Store) Disable() error {
	err := os.Remove(filepath.Join(s.Dir, enabledFile))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Candidate is the provisional snapshot a deploy attempt records
// before verification. It is informational; the authoritative state
// is only advanced by the tick controller after a PASS.
type Candidate struct {
	SHA string    `json:"sha"`
	At  time.Time `json:"at"`
}

// WriteCandidate records the revision a deploy attempt is about to
// verify.
func (s *Store) WriteCandidate(sha string) error {
	if err := os.MkdirAll(s.Dir, 0777); err != nil {
		return errors.Wrap(err, "creating state dir")
	}
	b, err := json.Marshal(Candidate{SHA: sha, At: time.Now().UTC()})
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(s.Dir, candidateFile), b)
}

// ReadCandidate returns the provisional snapshot, or ok=false if none
// has been recorded.
func (s *Store) ReadCandidate() (Candidate, bool, error) {
	var c Candidate
	b, err := ioutil.ReadFile(filepath.Join(s.Dir, candidateFile))
	if os.IsNotExist(err) {
		return c, false, nil
	}
	if err != nil {
		return c, false, errors.Wrap(err, "reading candidate file")
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, false, errors.Wrap(err, "decoding candidate file")
	}
	return c, true, nil
}

func atomicWrite(path string, b []byte) error {
	dir := filepath.Dir(path)
	tmp, err := ioutil.TempFile(dir, ".state-*")
	if err != nil {
		return errors.Wrap(err, "creating temp file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return errors.Wrap(err, "writing temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "syncing temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "closing temp file")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "replacing state file")
}
