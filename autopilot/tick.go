// Package autopilot is the scheduled entry point of the deploy loop.
// One Tick is one invocation: decide whether to deploy, deploy, and on
// failure fall back to the last known-good revision. The controller is
// the only component that mutates the persisted autopilot state, and
// it does so exactly once per mutating terminal.
package autopilot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-kit/kit/log"

	"github.com/hostpilot/hostpilot"
	"github.com/hostpilot/hostpilot/git"
	"github.com/hostpilot/hostpilot/lock"
	"github.com/hostpilot/hostpilot/notify"
	"github.com/hostpilot/hostpilot/pipeline"
	"github.com/hostpilot/hostpilot/state"
)

// TerminalState is where a tick ended up.
type TerminalState string

const (
	StateDisabled         TerminalState = "DISABLED"
	StateBackoff          TerminalState = "BACKOFF"
	StateLockBusy         TerminalState = "LOCK_BUSY"
	StatePass             TerminalState = "PASS"
	StateFailNoRollback   TerminalState = "FAIL_NO_ROLLBACK"
	StateFailRollbackPass TerminalState = "FAIL_ROLLBACK_PASS"
	StateFailRollbackFail TerminalState = "FAIL_ROLLBACK_FAIL"
)

// Failed reports whether the terminal is one of the FAIL_* states.
func (s TerminalState) Failed() bool {
	switch s {
	case StateFailNoRollback, StateFailRollbackPass, StateFailRollbackFail:
		return true
	}
	return false
}

// Result is the outcome of one tick, always produced, even for the
// earliest possible exit.
type Result struct {
	State    TerminalState        `json:"state"`
	Target   string               `json:"target,omitempty"`
	Detail   string               `json:"detail,omitempty"`
	Run      *hostpilot.RunRecord `json:"run,omitempty"`
	Rollback *hostpilot.RunRecord `json:"rollback,omitempty"`
	// FailCount is the consecutive-failure count after this tick.
	FailCount int       `json:"fail_count"`
	Finished  time.Time `json:"finished"`
}

// ExitCode maps the terminal state to the CLI convention: 0 for
// pass/no-op, 2 for benign contention and backoff, 1 for any FAIL_*.
func (r Result) ExitCode() int {
	switch r.State {
	case StateDisabled, StatePass:
		return hostpilot.ExitPass
	case StateBackoff, StateLockBusy:
		return hostpilot.ExitSkip
	default:
		return hostpilot.ExitFail
	}
}

// Deployer is what the controller needs from the pipeline executor.
type Deployer interface {
	ExecuteUnderLease(ctx context.Context, target string) hostpilot.RunRecord
	RunDir(rec hostpilot.RunRecord) string
}

// Controller owns the tick state machine.
type Controller struct {
	Store    *state.Store
	Repo     git.SourceControl
	Deployer Deployer
	LockDir  string
	Notifier notify.Notifier
	Logger   log.Logger
	// MaxFailures is the consecutive-failure threshold that starts
	// the backoff window; zero means 3.
	MaxFailures int
	// BackoffWindow is how long ticks stay no-ops after the
	// threshold is reached; zero means 30 minutes.
	BackoffWindow time.Duration
	// Now is the clock, overridable in tests.
	Now func() time.Time
}

const (
	defaultMaxFailures   = 3
	defaultBackoffWindow = 30 * time.Minute
	gitOpTimeout         = 60 * time.Second
)

// Tick runs one invocation of the control loop to a terminal state.
func (c *Controller) Tick(ctx context.Context) Result {
	start := c.now()
	res := c.tick(ctx)
	res.Finished = c.now()
	tickDuration.With("success", fmt.Sprint(!res.State.Failed())).Observe(res.Finished.Sub(start).Seconds())
	tickTerminals.With("state", string(res.State)).Add(1)
	c.logger().Log("tick", res.State, "target", res.Target, "fail_count", res.FailCount, "detail", res.Detail)
	return res
}

func (c *Controller) tick(ctx context.Context) Result {
	logger := c.logger()

	// Absent enable flag: terminal no-op, zero mutations.
	if !c.Store.Enabled() {
		return Result{State: StateDisabled, Detail: "enable flag absent"}
	}

	st, err := c.Store.Read()
	if err != nil {
		// Unreadable state is a real failure, and not one we can
		// count: refusing to guess is what keeps this loop fail-closed.
		return Result{State: StateFailNoRollback, Detail: "reading state: " + err.Error()}
	}

	// Consecutive-failure backoff. Once the threshold is hit, ticks
	// are no-ops until the window has elapsed; the first tick after
	// that gets a clean failure counter.
	max := c.MaxFailures
	if max == 0 {
		max = defaultMaxFailures
	}
	window := c.BackoffWindow
	if window == 0 {
		window = defaultBackoffWindow
	}
	if st.FailCount >= max {
		since := c.now().Sub(time.Unix(st.FailCountAt, 0))
		if since < window {
			return Result{
				State:     StateBackoff,
				Detail:    fmt.Sprintf("%d consecutive failures; %s of %s backoff elapsed", st.FailCount, since.Truncate(time.Second), window),
				FailCount: st.FailCount,
			}
		}
		logger.Log("backoff", "elapsed", "resetting_fail_count", st.FailCount)
		st.FailCount = 0
	}

	// The whole mutating tick happens under the deploy lease. Busy
	// means another tick or a manual deploy is in progress: skip,
	// mutating nothing.
	lease, err := lock.TryAcquire(c.LockDir, pipeline.LockName)
	if err == lock.ErrBusy {
		return Result{State: StateLockBusy, Detail: "deploy lease busy", FailCount: st.FailCount}
	}
	if err != nil {
		// Broken lock infrastructure is a real failure, not
		// contention. Reporting it as LOCK_BUSY would make the host
		// skip every tick forever without anyone being told. No state
		// write: we do not hold the lease.
		res := Result{State: StateFailNoRollback, Detail: "acquiring deploy lease: " + err.Error(), FailCount: st.FailCount}
		c.notifier().Notify(ctx, notify.Event{
			Priority: notify.PriorityWarning,
			Title:    "deploy lease unavailable",
			Message:  res.Detail,
			RateKey:  "deploy_fail",
		})
		return res
	}
	defer lease.Close()

	// Resolve the deploy target.
	gctx, cancel := context.WithTimeout(ctx, gitOpTimeout)
	defer cancel()
	if err := c.Repo.Fetch(gctx); err != nil {
		st.FailCount++
		st.FailCountAt = c.now().Unix()
		res := Result{State: StateFailNoRollback, Detail: "fetch: " + err.Error(), FailCount: st.FailCount}
		c.finishMutating(ctx, &st, res)
		return res
	}
	target, err := c.Repo.RemoteTarget(gctx)
	if err != nil {
		st.FailCount++
		st.FailCountAt = c.now().Unix()
		res := Result{State: StateFailNoRollback, Detail: "resolving remote target: " + err.Error(), FailCount: st.FailCount}
		c.finishMutating(ctx, &st, res)
		return res
	}

	// Already current: nothing to deploy.
	if target == st.LastDeployedSHA {
		res := Result{State: StatePass, Target: target, Detail: "already at target", FailCount: st.FailCount}
		c.finishMutating(ctx, &st, res)
		return res
	}

	// Deploy the new candidate.
	rec := c.Deployer.ExecuteUnderLease(ctx, target)
	if rec.Overall == hostpilot.OutcomePass {
		st.LastDeployedSHA = target
		st.LastGoodSHA = target
		st.FailCount = 0
		st.FailCountAt = c.now().Unix()
		res := Result{State: StatePass, Target: target, Run: &rec, FailCount: 0}
		c.finishMutating(ctx, &st, res)
		return res
	}

	// Real failure: count it, then try to fall back.
	st.FailCount++
	st.FailCountAt = c.now().Unix()

	if st.LastGoodSHA == "" || st.LastGoodSHA == target {
		res := Result{State: StateFailNoRollback, Target: target, Run: &rec, FailCount: st.FailCount,
			Detail: "no distinct last-good revision to fall back to"}
		c.finishMutating(ctx, &st, res)
		return res
	}

	logger.Log("deploy", "failed", "class", rec.ErrorClass, "rolling_back_to", st.LastGoodSHA)
	back := c.Deployer.ExecuteUnderLease(ctx, st.LastGoodSHA)
	if back.Overall == hostpilot.OutcomePass {
		st.LastDeployedSHA = st.LastGoodSHA
		res := Result{State: StateFailRollbackPass, Target: target, Run: &rec, Rollback: &back, FailCount: st.FailCount,
			Detail: "deploy failed; redeployed last good " + st.LastGoodSHA}
		c.finishMutating(ctx, &st, res)
		return res
	}

	// The most severe outcome: the new revision is broken and the
	// last good one would not come back either. Record everything and
	// leave the pointers untouched for a human.
	res := Result{State: StateFailRollbackFail, Target: target, Run: &rec, Rollback: &back, FailCount: st.FailCount,
		Detail: "deploy failed and rollback redeploy failed; manual intervention required"}
	c.finishMutating(ctx, &st, res)
	return res
}

// finishMutating persists the tick's single state write and emits
// notifications for failure terminals.
func (c *Controller) finishMutating(ctx context.Context, st *state.AutopilotState, res Result) {
	summary, err := json.Marshal(struct {
		State      TerminalState        `json:"state"`
		RunID      string               `json:"run_id,omitempty"`
		ErrorClass hostpilot.ErrorClass `json:"error_class,omitempty"`
		GitHead    string               `json:"git_head,omitempty"`
		Finished   time.Time            `json:"finished"`
	}{
		State:    res.State,
		Finished: c.now(),
		RunID:    runID(res.Run),
		GitHead:  gitHead(res.Run),
		ErrorClass: func() hostpilot.ErrorClass {
			if res.Run != nil {
				return res.Run.ErrorClass
			}
			return hostpilot.ErrClassNone
		}(),
	})
	if err == nil {
		st.LastRun = summary
	}
	if err := c.Store.Write(*st); err != nil {
		c.logger().Log("err", err)
	}

	switch res.State {
	case StateFailRollbackFail:
		c.notifier().Notify(ctx, notify.Event{
			Priority: notify.PriorityCritical,
			Title:    "deploy failed and rollback failed",
			Message:  res.Detail,
			RateKey:  "rollback_fail",
		})
	case StateFailRollbackPass, StateFailNoRollback:
		c.notifier().Notify(ctx, notify.Event{
			Priority: notify.PriorityWarning,
			Title:    "deploy failed: " + string(res.State),
			Message:  res.Detail,
			RateKey:  "deploy_fail",
		})
	}
}

func runID(rec *hostpilot.RunRecord) string {
	if rec == nil {
		return ""
	}
	return rec.RunID
}

func gitHead(rec *hostpilot.RunRecord) string {
	if rec == nil {
		return ""
	}
	return rec.GitHead
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}

func (c *Controller) logger() log.Logger {
	if c.Logger == nil {
		return log.NewNopLogger()
	}
	return c.Logger
}

func (c *Controller) notifier() notify.Notifier {
	if c.Notifier == nil {
		return notify.Nop{}
	}
	return c.Notifier
}
