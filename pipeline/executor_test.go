package pipeline

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostpilot/hostpilot"
	"github.com/hostpilot/hostpilot/dod"
	"github.com/hostpilot/hostpilot/lock"
	"github.com/hostpilot/hostpilot/probe"
	"github.com/hostpilot/hostpilot/state"
)

// fakeRepo is an in-memory SourceControl; it parrots back whatever it
// was configured with and records resets.
type fakeRepo struct {
	pushURLs []string
	revs     map[string]string
	head     string
	fetchErr error
	resets   []string
}

func (r *fakeRepo) Fetch(ctx context.Context) error { return r.fetchErr }
func (r *fakeRepo) ResetHard(ctx context.Context, rev string) error {
	r.resets = append(r.resets, rev)
	r.head = rev
	return nil
}
func (r *fakeRepo) Resolve(ctx context.Context, ref string) (string, error) {
	if rev, ok := r.revs[ref]; ok {
		return rev, nil
	}
	return "", errors.Errorf("unknown revision %q", ref)
}
func (r *fakeRepo) TreeID(ctx context.Context, rev string) (string, error) {
	return "tree-" + rev, nil
}
func (r *fakeRepo) HeadRevision(ctx context.Context) (string, error) { return r.head, nil }
func (r *fakeRepo) RemoteTarget(ctx context.Context) (string, error) {
	return r.revs["origin/master"], nil
}
func (r *fakeRepo) PushURLs(ctx context.Context) ([]string, error) { return r.pushURLs, nil }

type fakeServices struct {
	buildErr error
	builds   int
	restarts []string
}

func (s *fakeServices) BuildAndStart(ctx context.Context) error {
	s.builds++
	return s.buildErr
}
func (s *fakeServices) Restart(ctx context.Context, service string) error {
	s.restarts = append(s.restarts, service)
	return nil
}

type stubProber struct{ result probe.Result }

func (p stubProber) Probe(ctx context.Context, t probe.Target) probe.Result { return p.result }

func newTestExecutor(t *testing.T) (*Executor, *fakeRepo, *fakeServices, func()) {
	base, err := ioutil.TempDir("", "hostpilot-pipeline-test")
	require.NoError(t, err)

	repo := &fakeRepo{
		pushURLs: []string{"DISABLED"},
		revs:     map[string]string{"origin/master": "cafe01", "cafe01": "cafe01", "good99": "good99"},
	}
	services := &fakeServices{}
	e := &Executor{
		Repo:          repo,
		Services:      services,
		Checker:       &dod.Checker{Prober: stubProber{result: probe.Result{OK: true, StatusCode: 200, Detail: "ok", Health: &probe.Health{OK: true}}}},
		Checks:        []dod.Check{{Name: "hostd_health", Kind: dod.KindHealth}},
		State:         state.NewStore(filepath.Join(base, "state")),
		LockDir:       filepath.Join(base, "locks"),
		ArtifactsRoot: filepath.Join(base, "artifacts"),
	}
	return e, repo, services, func() { os.RemoveAll(base) }
}

func TestExecutePass(t *testing.T) {
	e, repo, services, cleanup := newTestExecutor(t)
	defer cleanup()

	rec := e.Execute(context.Background(), "origin/master")
	assert.Equal(t, hostpilot.OutcomePass, rec.Overall)
	assert.Equal(t, "cafe01", rec.GitHead)
	assert.Empty(t, rec.StepFailed)
	assert.Equal(t, []string{"cafe01"}, repo.resets)
	assert.Equal(t, 1, services.builds)
	assert.False(t, rec.Timestamps.Finished.IsZero())

	// The run record landed in the artifacts dir, finalized.
	b, err := ioutil.ReadFile(filepath.Join(e.RunDir(rec), "record.json"))
	require.NoError(t, err)
	var onDisk hostpilot.RunRecord
	require.NoError(t, json.Unmarshal(b, &onDisk))
	assert.Equal(t, rec.RunID, onDisk.RunID)
	assert.Equal(t, hostpilot.OutcomePass, onDisk.Overall)

	// The provisional candidate snapshot was recorded.
	c, ok, err := e.State.ReadCandidate()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "cafe01", c.SHA)
}

func TestExecuteGuardViolation(t *testing.T) {
	e, repo, services, cleanup := newTestExecutor(t)
	defer cleanup()
	repo.pushURLs = []string{"git@github.com:acme/app.git"}

	rec := e.Execute(context.Background(), "origin/master")
	assert.Equal(t, hostpilot.OutcomeFail, rec.Overall)
	assert.Equal(t, "guard", rec.StepFailed)
	assert.Equal(t, hostpilot.ErrClassGuard, rec.ErrorClass)
	assert.False(t, rec.ErrorClass.Retryable())
	// Nothing past the guard ran.
	assert.Empty(t, repo.resets)
	assert.Equal(t, 0, services.builds)
}

func TestExecuteLockHeld(t *testing.T) {
	e, _, _, cleanup := newTestExecutor(t)
	defer cleanup()

	lease, err := lock.TryAcquire(e.LockDir, LockName)
	require.NoError(t, err)
	defer lease.Close()

	rec := e.Execute(context.Background(), "origin/master")
	assert.Equal(t, hostpilot.OutcomeFail, rec.Overall)
	assert.Equal(t, hostpilot.ErrClassLockHeld, rec.ErrorClass)
	assert.Equal(t, hostpilot.Contention, hostpilot.Classify(rec.ErrorClass))
}

func TestExecuteUnderLeaseDoesNotReacquire(t *testing.T) {
	e, _, _, cleanup := newTestExecutor(t)
	defer cleanup()

	lease, err := lock.TryAcquire(e.LockDir, LockName)
	require.NoError(t, err)
	defer lease.Close()

	rec := e.ExecuteUnderLease(context.Background(), "origin/master")
	assert.Equal(t, hostpilot.OutcomePass, rec.Overall)
}

func TestExecuteSyncFailure(t *testing.T) {
	e, repo, _, cleanup := newTestExecutor(t)
	defer cleanup()
	repo.fetchErr = errors.New("remote unreachable")

	rec := e.Execute(context.Background(), "origin/master")
	assert.Equal(t, "pull", rec.StepFailed)
	assert.Equal(t, hostpilot.ErrClassSyncFailed, rec.ErrorClass)
	assert.True(t, rec.ErrorClass.Retryable())
}

func TestExecuteBuildFailure(t *testing.T) {
	e, _, services, cleanup := newTestExecutor(t)
	defer cleanup()
	services.buildErr = errors.New("compile error in console")

	rec := e.Execute(context.Background(), "origin/master")
	assert.Equal(t, "build", rec.StepFailed)
	assert.Equal(t, hostpilot.ErrClassBuildFailed, rec.ErrorClass)
	assert.False(t, rec.ErrorClass.Retryable())
	// The pull happened, so the head is recorded even on failure.
	assert.Equal(t, "cafe01", rec.GitHead)
}

func TestExecuteVerifyFailure(t *testing.T) {
	e, _, _, cleanup := newTestExecutor(t)
	defer cleanup()
	e.Checker = &dod.Checker{Prober: stubProber{result: probe.Result{Detail: "unreachable: connection refused"}}}

	rec := e.Execute(context.Background(), "origin/master")
	assert.Equal(t, "verify", rec.StepFailed)
	assert.Equal(t, hostpilot.ErrClassVerifyFailed, rec.ErrorClass)
	assert.Equal(t, "dod.json", rec.Artifacts["dod"])

	b, err := ioutil.ReadFile(filepath.Join(e.RunDir(rec), "dod.json"))
	require.NoError(t, err)
	var res dod.Result
	require.NoError(t, json.Unmarshal(b, &res))
	assert.False(t, res.OK)
	assert.Equal(t, "hostd_health=unreachable", res.Summary)
}

func TestRunRecordDirAlwaysCreated(t *testing.T) {
	e, _, _, cleanup := newTestExecutor(t)
	defer cleanup()

	lease, err := lock.TryAcquire(e.LockDir, LockName)
	require.NoError(t, err)
	defer lease.Close()

	rec := e.Execute(context.Background(), "origin/master")
	info, err := os.Stat(e.RunDir(rec))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	_, err = os.Stat(filepath.Join(e.RunDir(rec), "record.json"))
	assert.NoError(t, err)
}
