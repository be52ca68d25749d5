package hostpilot

import "time"

// Outcome of one deploy attempt or one autopilot tick.
type Outcome string

const (
	OutcomePass Outcome = "PASS"
	OutcomeFail Outcome = "FAIL"
	OutcomeSkip Outcome = "SKIP"
)

// Exit codes for the CLI surface. SKIP is distinct from FAIL so an
// external scheduler can tell benign contention from real trouble.
const (
	ExitPass = 0
	ExitFail = 1
	ExitSkip = 2
)

// ExitCode maps an outcome to its process exit code.
func ExitCode(o Outcome) int {
	switch o {
	case OutcomePass:
		return ExitPass
	case OutcomeSkip:
		return ExitSkip
	default:
		return ExitFail
	}
}

// RunRecord describes one deploy attempt, end to end. It is created
// when the attempt starts, finalized exactly once, and never mutated
// afterwards. The pipeline executor is its only writer.
type RunRecord struct {
	RunID       string            `json:"run_id"`
	Overall     Outcome           `json:"overall"`
	StepFailed  string            `json:"step_failed,omitempty"`
	ErrorClass  ErrorClass        `json:"error_class,omitempty"`
	NextAutoFix string            `json:"next_auto_fix,omitempty"`
	GitHead     string            `json:"git_head,omitempty"`
	Timestamps  RunTimestamps     `json:"timestamps"`
	Steps       []StepResult      `json:"steps,omitempty"`
	Artifacts   map[string]string `json:"artifacts,omitempty"`
}

type RunTimestamps struct {
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
}

// StepResult records how far an attempt got and how long each step took.
type StepResult struct {
	Name     string        `json:"name"`
	Ok       bool          `json:"ok"`
	Duration time.Duration `json:"duration_ns"`
	Detail   string        `json:"detail,omitempty"`
}

// Failed reports whether the run ended in a real failure (not a skip).
func (r RunRecord) Failed() bool {
	return r.Overall == OutcomeFail
}

// TriagePacket is written when the deploy-until-green loop gives up.
// It is advisory, for a human operator; nothing in the control loop
// reads it back.
type TriagePacket struct {
	RunID            string     `json:"run_id"`
	Attempt          int        `json:"attempt"`
	ErrorClass       ErrorClass `json:"error_class"`
	Retryable        bool       `json:"retryable"`
	FailingStep      string     `json:"failing_step,omitempty"`
	RecommendedNext  string     `json:"recommended_next_action,omitempty"`
	ArtifactPointers []string   `json:"artifact_pointers,omitempty"`
}
