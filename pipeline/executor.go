// Package pipeline runs one deploy attempt end to end: guard, pull,
// build, snapshot, verify. Each attempt produces exactly one run
// record under the artifacts root, finalized once, success or failure.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/hostpilot/hostpilot"
	"github.com/hostpilot/hostpilot/dod"
	"github.com/hostpilot/hostpilot/git"
	"github.com/hostpilot/hostpilot/guid"
	"github.com/hostpilot/hostpilot/lock"
	"github.com/hostpilot/hostpilot/state"
)

// Timeouts for operations we're prepared to abandon
const (
	gitOpTimeout  = 60 * time.Second
	verifyTimeout = 5 * time.Minute
)

// LockName is the advisory lock covering the deploy critical section.
const LockName = "deploy"

// The remote push URL must be neutered to this sentinel; the deploy
// loop must never be able to publish.
const disabledPushURL = "DISABLED"

// ServiceManager builds and restarts the collaborator services.
// Implementations are external; the pipeline only sequences them.
type ServiceManager interface {
	BuildAndStart(ctx context.Context) error
	Restart(ctx context.Context, service string) error
}

// Executor is the deploy pipeline. All fields are required except
// Logger.
type Executor struct {
	Repo     git.SourceControl
	Services ServiceManager
	Checker  *dod.Checker
	Checks   []dod.Check
	State    *state.Store
	// LockDir holds the advisory lock files.
	LockDir string
	// ArtifactsRoot is where run directories are created.
	ArtifactsRoot string
	Logger        log.Logger
}

// Execute runs one deploy attempt for the given target revision,
// acquiring the deploy lease itself. If the lease is busy the attempt
// fails fast with error class deploy_lock_held; this is the one
// record written without holding the lease, precisely because the
// lease was not obtained.
func (e *Executor) Execute(ctx context.Context, target string) hostpilot.RunRecord {
	lease, err := lock.TryAcquire(e.LockDir, LockName)
	if err == lock.ErrBusy {
		run := e.newRun()
		return e.finalize(run, failure(run, "lock", hostpilot.ErrClassLockHeld,
			"another deploy or tick is running; wait for it to finish"))
	}
	if err != nil {
		run := e.newRun()
		return e.finalize(run, failure(run, "lock", hostpilot.ErrClassUnknown, err.Error()))
	}
	defer lease.Close()
	return e.ExecuteUnderLease(ctx, target)
}

// ExecuteUnderLease runs one deploy attempt assuming the caller
// already holds the deploy lease (the tick controller and the
// rollback playbook do). Acquiring again here would deadlock against
// ourselves, so it must not.
func (e *Executor) ExecuteUnderLease(ctx context.Context, target string) hostpilot.RunRecord {
	logger := e.logger()
	run := e.newRun()
	logger.Log("run", run.record.RunID, "target", target, "state", "started")

	// Step 1: guard. A push-capable remote means this installation
	// could publish, which the deploy loop is forbidden to do. Fatal
	// and never retryable.
	if rec, failed := e.step(ctx, run, "guard", gitOpTimeout, func(ctx context.Context) (string, error) {
		urls, err := e.Repo.PushURLs(ctx)
		if err != nil {
			return "", err
		}
		for _, u := range urls {
			if !strings.EqualFold(u, disabledPushURL) {
				return "", errors.Errorf("push-capable remote %q configured", u)
			}
		}
		return fmt.Sprintf("%d push urls, all disabled", len(urls)), nil
	}, fixed(hostpilot.ErrClassGuard), "neuter the push URL: git remote set-url --push origin "+disabledPushURL); failed {
		return rec
	}

	// Step 2: pull. Fetch, resolve, hard-reset. Read-only with
	// respect to the upstream.
	var head string
	if rec, failed := e.step(ctx, run, "pull", gitOpTimeout, func(ctx context.Context) (string, error) {
		if err := e.Repo.Fetch(ctx); err != nil {
			return "", err
		}
		rev, err := e.Repo.Resolve(ctx, target)
		if err != nil {
			return "", errors.Wrapf(err, "resolving %q", target)
		}
		if err := e.Repo.ResetHard(ctx, rev); err != nil {
			return "", err
		}
		head = rev
		return "now at " + rev, nil
	}, fixed(hostpilot.ErrClassSyncFailed), "check remote reachability and the target ref"); failed {
		return rec
	}
	run.record.GitHead = head

	// Step 3: build and start collaborator services. Opaque to us
	// beyond success or failure.
	if rec, failed := e.step(ctx, run, "build", verifyTimeout, func(ctx context.Context) (string, error) {
		if err := e.Services.BuildAndStart(ctx); err != nil {
			return "", err
		}
		return "services up", nil
	}, fixed(hostpilot.ErrClassBuildFailed), "inspect the console build log in the run artifacts"); failed {
		return rec
	}

	// Step 4: provisional snapshot of the candidate revision.
	if rec, failed := e.step(ctx, run, "snapshot", gitOpTimeout, func(ctx context.Context) (string, error) {
		if err := e.State.WriteCandidate(head); err != nil {
			return "", err
		}
		return "candidate " + head, nil
	}, fixed(hostpilot.ErrClassStateWrite), "check state dir permissions and free space"); failed {
		return rec
	}

	// Step 5: verification. The checker runs its whole list; any
	// failure is fatal for the attempt.
	var verify dod.Result
	if rec, failed := e.step(ctx, run, "verify", verifyTimeout, func(ctx context.Context) (string, error) {
		verify = e.Checker.Run(ctx, e.Checks)
		e.writeArtifact(run, "dod", "dod.json", verify)
		if verify.InFlight != nil {
			return "", errors.New("verification already in flight: " + verify.Summary)
		}
		if !verify.OK {
			return "", errors.New(verify.Summary)
		}
		return "all checks green", nil
	}, func() hostpilot.ErrorClass { return verifyClass(&verify) }, "read dod.json in the run artifacts for the failing checks"); failed {
		return rec
	}

	run.record.Overall = hostpilot.OutcomePass
	return e.finalize(run, run.record)
}

// run carries what Execute accumulates before finalizing.
type run struct {
	dir    string
	record hostpilot.RunRecord
}

func (e *Executor) newRun() *run {
	id := guid.NewRunID()
	r := &run{
		dir: filepath.Join(e.ArtifactsRoot, id),
		record: hostpilot.RunRecord{
			RunID:      id,
			Overall:    hostpilot.OutcomeFail,
			Timestamps: hostpilot.RunTimestamps{Started: time.Now().UTC()},
			Artifacts:  map[string]string{},
		},
	}
	if err := os.MkdirAll(r.dir, 0777); err != nil {
		e.logger().Log("run", id, "err", errors.Wrap(err, "creating run dir"))
	}
	return r
}

// fixed gives every failure of a step the same class.
func fixed(class hostpilot.ErrorClass) func() hostpilot.ErrorClass {
	return func() hostpilot.ErrorClass { return class }
}

// step runs one named pipeline step and, on failure, finalizes the
// run with the class and hint given. The class is computed after the
// step runs, so it can depend on what the step observed. The returned
// bool is true when the pipeline must stop.
func (e *Executor) step(ctx context.Context, r *run, name string, timeout time.Duration, fn func(context.Context) (string, error), classOf func() hostpilot.ErrorClass, hint string) (hostpilot.RunRecord, bool) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	detail, err := fn(ctx)
	d := time.Since(start)
	stepDuration.With("step", name, "success", fmt.Sprint(err == nil)).Observe(d.Seconds())

	if err != nil {
		r.record.Steps = append(r.record.Steps, hostpilot.StepResult{Name: name, Duration: d, Detail: err.Error()})
		e.logger().Log("run", r.record.RunID, "step", name, "err", err)
		return e.finalize(r, failure(r, name, classOf(), hint)), true
	}
	r.record.Steps = append(r.record.Steps, hostpilot.StepResult{Name: name, Ok: true, Duration: d, Detail: detail})
	e.logger().Log("run", r.record.RunID, "step", name, "ok", true, "took", d)
	return hostpilot.RunRecord{}, false
}

func failure(r *run, step string, class hostpilot.ErrorClass, hint string) hostpilot.RunRecord {
	rec := r.record
	rec.Overall = hostpilot.OutcomeFail
	rec.StepFailed = step
	rec.ErrorClass = class
	rec.NextAutoFix = hint
	return rec
}

// finalize writes the run record exactly once and returns it. A
// record that cannot be written is still returned; the caller's
// decision logic must not depend on artifact IO.
func (e *Executor) finalize(r *run, rec hostpilot.RunRecord) hostpilot.RunRecord {
	rec.Timestamps.Finished = time.Now().UTC()
	rec.Artifacts["record"] = "record.json"
	b, err := json.MarshalIndent(rec, "", "  ")
	if err == nil {
		err = ioutil.WriteFile(filepath.Join(r.dir, "record.json"), b, 0666)
	}
	if err != nil {
		e.logger().Log("run", rec.RunID, "err", errors.Wrap(err, "writing run record"))
	}
	e.logger().Log("run", rec.RunID, "state", "finalized", "overall", rec.Overall, "class", rec.ErrorClass)
	return rec
}

// writeArtifact stores a JSON artifact in the run dir and registers
// it in the record's artifact map.
func (e *Executor) writeArtifact(r *run, name, file string, v interface{}) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err == nil {
		err = ioutil.WriteFile(filepath.Join(r.dir, file), b, 0666)
	}
	if err != nil {
		e.logger().Log("run", r.record.RunID, "artifact", name, "err", err)
		return
	}
	r.record.Artifacts[name] = file
}

// verifyClass picks the error class for a verification failure once
// the result is known. In-flight conflicts are joinable, everything
// else needs a change.
func verifyClass(res *dod.Result) hostpilot.ErrorClass {
	if res != nil && res.InFlight != nil {
		return hostpilot.ErrClassVerifyInFlight
	}
	return hostpilot.ErrClassVerifyFailed
}

func (e *Executor) logger() log.Logger {
	if e.Logger == nil {
		return log.NewNopLogger()
	}
	return e.Logger
}

// RunDir returns the artifacts directory of a run.
func (e *Executor) RunDir(rec hostpilot.RunRecord) string {
	return filepath.Join(e.ArtifactsRoot, rec.RunID)
}
