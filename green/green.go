// Package green wraps the deploy pipeline in a bounded retry loop:
// deploy, confirm green, classify failures, remediate where safe, and
// give up loudly (with a triage packet) where not.
package green

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"path/filepath"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/hostpilot/hostpilot"
)

// Deployer runs one deploy attempt. *pipeline.Executor satisfies it.
type Deployer interface {
	Execute(ctx context.Context, target string) hostpilot.RunRecord
	RunDir(rec hostpilot.RunRecord) string
}

// Remediator applies one safe, idempotent remediation between
// attempts (restart a dependent service, or simply wait). It must be
// harmless to run when nothing is wrong.
type Remediator func(ctx context.Context, class hostpilot.ErrorClass) error

// Orchestrator drives the deploy-until-green loop.
type Orchestrator struct {
	Deployer Deployer
	// GreenCheck is the lighter post-deploy confirmation, run only
	// after a PASS. Nil means the pipeline's own verification is
	// trusted as-is.
	GreenCheck func(ctx context.Context) error
	Remediate  Remediator
	// MaxAttempts bounds the loop; zero means one attempt.
	MaxAttempts int
	// Sleep between attempts. The loop is bounded by attempts, not
	// wall clock.
	Sleep  time.Duration
	Logger log.Logger
}

// Result is the loop's terminal outcome.
type Result struct {
	// Record is the last deploy attempt's run record.
	Record hostpilot.RunRecord
	// Attempts is how many attempts were actually made.
	Attempts int
	// Green is true when a deploy passed and the green check agreed.
	Green bool
	// FailClosed is true when the loop stopped because retrying
	// cannot help; a triage packet was written.
	FailClosed bool
	// Triage is the packet written on a fail-closed stop.
	Triage *hostpilot.TriagePacket
}

// Run deploys until green or until attempts run out. Fail-closed
// classes abort immediately without consuming the remaining attempts.
func (o *Orchestrator) Run(ctx context.Context, target string) Result {
	logger := o.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	max := o.MaxAttempts
	if max < 1 {
		max = 1
	}

	var res Result
	for attempt := 1; attempt <= max; attempt++ {
		res.Attempts = attempt
		rec := o.Deployer.Execute(ctx, target)
		res.Record = rec

		if rec.Overall == hostpilot.OutcomePass {
			if err := o.green(ctx); err != nil {
				logger.Log("attempt", attempt, "deploy", "pass", "green_check", err)
				rec.ErrorClass = hostpilot.ErrClassUnknown
				res.Record = rec
				if !o.retryDelay(ctx, logger, attempt, max, hostpilot.ErrClassUnknown) {
					break
				}
				continue
			}
			logger.Log("attempt", attempt, "green", true, "head", rec.GitHead)
			res.Green = true
			return res
		}

		if hostpilot.Classify(rec.ErrorClass) == hostpilot.FailClosed {
			// Requires a code or config change; retrying would only
			// burn attempts and hide the signal.
			logger.Log("attempt", attempt, "class", rec.ErrorClass, "disposition", "fail_closed")
			res.FailClosed = true
			res.Triage = o.writeTriage(logger, rec, attempt)
			return res
		}
		// Joinable and retryable failures (and anything unknown) get
		// one safe remediation and another attempt.
		logger.Log("attempt", attempt, "class", rec.ErrorClass, "disposition", "retry")
		if !o.retryDelay(ctx, logger, attempt, max, rec.ErrorClass) {
			break
		}
	}

	// Attempts exhausted without going green: that is itself a
	// fail-closed terminal.
	res.FailClosed = true
	res.Triage = o.writeTriage(logger, res.Record, res.Attempts)
	return res
}

func (o *Orchestrator) green(ctx context.Context) error {
	if o.GreenCheck == nil {
		return nil
	}
	return errors.Wrap(o.GreenCheck(ctx), "green check")
}

// retryDelay remediates and sleeps before the next attempt. Returns
// false when there will be no next attempt.
func (o *Orchestrator) retryDelay(ctx context.Context, logger log.Logger, attempt, max int, class hostpilot.ErrorClass) bool {
	if attempt >= max {
		return false
	}
	if o.Remediate != nil {
		if err := o.Remediate(ctx, class); err != nil {
			// Remediation is best-effort; a failed remediation is
			// logged and the retry happens anyway.
			logger.Log("attempt", attempt, "remediation_err", err)
		}
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(o.Sleep):
		return true
	}
}

func (o *Orchestrator) writeTriage(logger log.Logger, rec hostpilot.RunRecord, attempt int) *hostpilot.TriagePacket {
	pkt := &hostpilot.TriagePacket{
		RunID:           rec.RunID,
		Attempt:         attempt,
		ErrorClass:      rec.ErrorClass,
		Retryable:       rec.ErrorClass.Retryable(),
		FailingStep:     rec.StepFailed,
		RecommendedNext: rec.NextAutoFix,
	}
	dir := o.Deployer.RunDir(rec)
	pkt.ArtifactPointers = append(pkt.ArtifactPointers, dir)
	for _, rel := range rec.Artifacts {
		pkt.ArtifactPointers = append(pkt.ArtifactPointers, filepath.Join(dir, rel))
	}
	b, err := json.MarshalIndent(pkt, "", "  ")
	if err == nil {
		err = ioutil.WriteFile(filepath.Join(dir, "triage.json"), b, 0666)
	}
	if err != nil {
		logger.Log("run", rec.RunID, "err", errors.Wrap(err, "writing triage packet"))
	}
	return pkt
}
