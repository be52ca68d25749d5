// Package rollback is the last-resort reversion playbook: hard reset
// to the last known good revision and redeploy it. Every entry gate
// is fail-closed; a denied request mutates nothing and leaves a
// written reason behind.
package rollback

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/hostpilot/hostpilot"
	"github.com/hostpilot/hostpilot/git"
	"github.com/hostpilot/hostpilot/guid"
	"github.com/hostpilot/hostpilot/lock"
	"github.com/hostpilot/hostpilot/pipeline"
	"github.com/hostpilot/hostpilot/state"
)

const (
	defaultThreshold = 3
	gitOpTimeout     = 60 * time.Second
)

// Overall classifies a completed rollback. PASS means the redeploy
// and the canary both succeeded; anything less is PARTIAL and needs a
// human to look at the incident record.
const (
	OverallPass    = "PASS"
	OverallPartial = "PARTIAL"
)

// Request carries the operator's side of a rollback: the explicit
// approval and, optionally, a reason for the incident record.
type Request struct {
	Approved bool
	Reason   string
}

// IncidentRecord is the append-only artifact of one rollback
// execution. It is written exactly once, whatever the outcome.
type IncidentRecord struct {
	IncidentID    string             `json:"incident_id"`
	Reason        string             `json:"reason,omitempty"`
	PreSHA        string             `json:"pre_sha"`
	PreTree       string             `json:"pre_tree"`
	PostSHA       string             `json:"post_sha"`
	PostTree      string             `json:"post_tree"`
	CandidateSHA  string             `json:"candidate_sha,omitempty"`
	DegradedCount int                `json:"degraded_count"`
	Threshold     int                `json:"threshold"`
	DeployOutcome hostpilot.Outcome  `json:"deploy_outcome"`
	CanaryOutcome hostpilot.Outcome  `json:"canary_outcome"`
	Overall       string             `json:"overall"`
	RunID         string             `json:"run_id,omitempty"`
	Started       time.Time          `json:"started"`
	Finished      time.Time          `json:"finished"`
}

// Result is what the CLI reports. Exactly one of Denied/Incident is
// meaningful: a denied request never produces an incident.
type Result struct {
	Denied     bool            `json:"denied,omitempty"`
	DenyReason string          `json:"deny_reason,omitempty"`
	// Busy marks a denial caused by lease contention rather than a
	// failed gate; it is benign and retryable.
	Busy      bool            `json:"busy,omitempty"`
	Incident  *IncidentRecord `json:"incident,omitempty"`
	ProofPath string          `json:"proof_path,omitempty"`
}

// ExitCode follows the CLI convention: gate denials and PARTIAL are
// failures, lease contention is a skip, PASS is clean.
func (r Result) ExitCode() int {
	if r.Busy {
		return hostpilot.ExitSkip
	}
	if r.Denied {
		return hostpilot.ExitFail
	}
	if r.Incident != nil && r.Incident.Overall == OverallPass {
		return hostpilot.ExitPass
	}
	return hostpilot.ExitFail
}

// Deployer is the slice of the pipeline executor the playbook uses.
type Deployer interface {
	ExecuteUnderLease(ctx context.Context, target string) hostpilot.RunRecord
	RunDir(rec hostpilot.RunRecord) string
}

// Playbook reverts the host to its last known good revision.
type Playbook struct {
	Repo     git.SourceControl
	Deployer Deployer
	Services pipeline.ServiceManager
	State    *state.Store
	// Canary confirms service actually came back after the redeploy.
	Canary func(ctx context.Context) error
	// RestartServices are restarted best-effort after the redeploy;
	// their failures are logged, not fatal.
	RestartServices []string
	LockDir         string
	ArtifactsRoot   string
	// Threshold is the degradation count required to enter; zero
	// means 3.
	Threshold int
	Logger    log.Logger
	Now       func() time.Time
}

// Run evaluates the entry gates in order and, if all pass, executes
// the reversion. Gate denials return a Result with DenyReason set and
// a deny file written under the artifacts root; nothing else is
// touched.
func (p *Playbook) Run(ctx context.Context, req Request) (Result, error) {
	threshold := p.Threshold
	if threshold == 0 {
		threshold = defaultThreshold
	}

	// The playbook mutates the repo, the services and the state file,
	// so it runs under the same lease as every other deploy path.
	lease, err := lock.TryAcquire(p.LockDir, pipeline.LockName)
	if err == lock.ErrBusy {
		res, derr := p.deny(req, "deploy lease busy: another deploy or tick is in progress")
		res.Busy = true
		return res, derr
	}
	if err != nil {
		return Result{}, errors.Wrap(err, "acquiring deploy lease")
	}
	defer lease.Close()

	st, err := p.State.Read()
	if err != nil {
		return Result{}, errors.Wrap(err, "reading state")
	}

	// Gate 1: sustained degradation, not a transient blip.
	if st.FailCount < threshold {
		return p.deny(req, fmt.Sprintf("degraded_count %d below threshold %d: failure is not sustained", st.FailCount, threshold))
	}

	// Gate 2: somewhere good to go back to.
	if st.LastGoodSHA == "" {
		return p.deny(req, "no last-good revision recorded")
	}
	gctx, cancel := context.WithTimeout(ctx, gitOpTimeout)
	lastGood, err := p.Repo.Resolve(gctx, st.LastGoodSHA)
	cancel()
	if err != nil {
		return p.deny(req, "last-good revision "+st.LastGoodSHA+" does not resolve: "+err.Error())
	}

	// Gate 3: a human said yes.
	if !req.Approved {
		return p.deny(req, "operator approval not granted; re-run with approval to proceed")
	}

	return p.execute(ctx, req, st, lastGood, threshold)
}

func (p *Playbook) execute(ctx context.Context, req Request, st state.AutopilotState, lastGood string, threshold int) (Result, error) {
	logger := p.logger()
	inc := IncidentRecord{
		IncidentID:    guid.NewRunID(),
		Reason:        req.Reason,
		DegradedCount: st.FailCount,
		Threshold:     threshold,
		Started:       p.now(),
	}
	// The candidate snapshot names the revision we are backing away
	// from, which may differ from HEAD if the failed deploy never got
	// as far as the reset.
	if cand, ok, err := p.State.ReadCandidate(); err == nil && ok {
		inc.CandidateSHA = cand.SHA
	}

	// Pre-state: what was on disk before we touched anything.
	gctx, cancel := context.WithTimeout(ctx, gitOpTimeout)
	inc.PreSHA, _ = p.Repo.HeadRevision(gctx)
	if inc.PreSHA != "" {
		inc.PreTree, _ = p.Repo.TreeID(gctx, inc.PreSHA)
	}
	cancel()
	logger.Log("incident", inc.IncidentID, "rolling_back_to", lastGood, "pre_sha", inc.PreSHA)

	// The redeploy does the hard reset, rebuild and verification as
	// one pipeline run under our lease.
	rec := p.Deployer.ExecuteUnderLease(ctx, lastGood)
	inc.RunID = rec.RunID
	inc.DeployOutcome = rec.Overall

	gctx, cancel = context.WithTimeout(ctx, gitOpTimeout)
	inc.PostSHA, _ = p.Repo.HeadRevision(gctx)
	if inc.PostSHA != "" {
		inc.PostTree, _ = p.Repo.TreeID(gctx, inc.PostSHA)
	}
	cancel()

	// Best-effort restarts of dependents that may hold stale handles.
	for _, svc := range p.RestartServices {
		if err := p.Services.Restart(ctx, svc); err != nil {
			logger.Log("incident", inc.IncidentID, "restart", svc, "err", err)
		}
	}

	// The degradation counter is cleared whatever the outcome: this
	// incident has consumed it, and the record above preserves it.
	st.FailCount = 0
	if rec.Overall == hostpilot.OutcomePass {
		st.LastDeployedSHA = lastGood
	}
	if err := p.State.Write(st); err != nil {
		logger.Log("incident", inc.IncidentID, "err", err)
	}

	inc.CanaryOutcome = hostpilot.OutcomeFail
	if p.Canary != nil {
		if err := p.Canary(ctx); err != nil {
			logger.Log("incident", inc.IncidentID, "canary", "failed", "err", err)
		} else {
			inc.CanaryOutcome = hostpilot.OutcomePass
		}
	}

	inc.Overall = OverallPartial
	if inc.DeployOutcome == hostpilot.OutcomePass && inc.CanaryOutcome == hostpilot.OutcomePass {
		inc.Overall = OverallPass
	}
	inc.Finished = p.now()

	proof, err := p.writeIncident(inc)
	if err != nil {
		return Result{Incident: &inc}, err
	}
	logger.Log("incident", inc.IncidentID, "overall", inc.Overall, "proof", proof)
	return Result{Incident: &inc, ProofPath: proof}, nil
}

// deny records the refusal and returns it. The deny file is the only
// thing written.
func (p *Playbook) deny(req Request, reason string) (Result, error) {
	p.logger().Log("rollback", "denied", "reason", reason)
	dir := filepath.Join(p.ArtifactsRoot, "rollback-denied")
	if err := os.MkdirAll(dir, 0777); err == nil {
		b, _ := json.MarshalIndent(struct {
			Reason    string    `json:"reason"`
			Requested string    `json:"requested_reason,omitempty"`
			At        time.Time `json:"at"`
		}{reason, req.Reason, p.now()}, "", "  ")
		ioutil.WriteFile(filepath.Join(dir, p.now().UTC().Format("20060102T150405")+".json"), b, 0666)
	}
	return Result{Denied: true, DenyReason: reason}, nil
}

// writeIncident persists the machine record and a human-readable
// proof document next to it, and returns the proof path.
func (p *Playbook) writeIncident(inc IncidentRecord) (string, error) {
	dir := filepath.Join(p.ArtifactsRoot, "incident-"+inc.IncidentID)
	if err := os.MkdirAll(dir, 0777); err != nil {
		return "", errors.Wrap(err, "creating incident dir")
	}
	b, err := json.MarshalIndent(inc, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "encoding incident record")
	}
	if err := ioutil.WriteFile(filepath.Join(dir, "incident.json"), b, 0666); err != nil {
		return "", errors.Wrap(err, "writing incident record")
	}
	proof := filepath.Join(dir, "proof.md")
	if err := ioutil.WriteFile(proof, []byte(proofDoc(inc)), 0666); err != nil {
		return "", errors.Wrap(err, "writing proof document")
	}
	return proof, nil
}

func proofDoc(inc IncidentRecord) string {
	return fmt.Sprintf(`# Rollback incident %s

Overall: **%s**

| | revision | tree |
|---|---|---|
| before | %s | %s |
| after  | %s | %s |

- degraded count at entry: %d (threshold %d)
- candidate at entry: %s
- redeploy: %s (run %s)
- canary: %s
- started: %s
- finished: %s

%s
`,
		inc.IncidentID, inc.Overall,
		inc.PreSHA, inc.PreTree,
		inc.PostSHA, inc.PostTree,
		inc.DegradedCount, inc.Threshold,
		orUnknown(inc.CandidateSHA),
		inc.DeployOutcome, inc.RunID,
		inc.CanaryOutcome,
		inc.Started.Format(time.RFC3339), inc.Finished.Format(time.RFC3339),
		reasonLine(inc.Reason))
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func reasonLine(reason string) string {
	if reason == "" {
		return ""
	}
	return "Operator reason: " + reason + "\n"
}

func (p *Playbook) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

func (p *Playbook) logger() log.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return log.NewNopLogger()
}
