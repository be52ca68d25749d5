// Package dod runs the definition-of-done checks for a deploy: an
// ordered, fixed list of named checks reduced to one pass/fail. The
// whole list always runs, so the summary names every problem at once.
package dod

import (
	"context"
	"fmt"
	"io/ioutil"
	"strings"
	"time"

	"github.com/Jeffail/gabs"
	"github.com/go-kit/kit/log"

	"github.com/hostpilot/hostpilot/probe"
)

// Kind selects what a check inspects.
type Kind string

const (
	// KindHealth probes an endpoint and requires `ok: true`.
	KindHealth Kind = "health"
	// KindConfigValid additionally requires `config_valid: true`.
	KindConfigValid Kind = "config_valid"
	// KindRoutes requires named routes to be present in the
	// endpoint's route listing.
	KindRoutes Kind = "routes"
	// KindHardFail scans recent output for forbidden strings.
	KindHardFail Kind = "hardfail"
)

// Check is one named verification step.
type Check struct {
	Name   string       `yaml:"name"`
	Kind   Kind         `yaml:"kind"`
	Target probe.Target `yaml:"-"`
	// URL configures Target for checks loaded from config.
	URL string `yaml:"url,omitempty"`
	// RoutesPath is the gabs path of the route listing in the
	// response body (KindRoutes), e.g. "routes".
	RoutesPath string `yaml:"routes_path,omitempty"`
	// RequiredRoutes must all appear in the listing (KindRoutes).
	RequiredRoutes []string `yaml:"required_routes,omitempty"`
	// OutputFile is scanned for HardFailStrings (KindHardFail).
	OutputFile      string   `yaml:"output_file,omitempty"`
	HardFailStrings []string `yaml:"hard_fail_strings,omitempty"`
}

// SubResult is the outcome of one check.
type SubResult struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Tag    string `json:"tag,omitempty"` // machine-readable failure tag, e.g. hostd_health=unreachable
	Detail string `json:"detail,omitempty"`
}

// Result aggregates the full check list. OK is true iff every check
// passed; Summary joins the failure tags of everything that did not.
type Result struct {
	OK      bool        `json:"ok"`
	Summary string      `json:"summary,omitempty"`
	Subs    []SubResult `json:"subs"`
	// InFlight is set when a joinable conflict was detected and did
	// not resolve within the join window.
	InFlight *probe.InFlight `json:"in_flight,omitempty"`
}

// Prober is satisfied by *probe.Prober.
type Prober interface {
	Probe(ctx context.Context, t probe.Target) probe.Result
}

// Checker executes a check list.
type Checker struct {
	Prober Prober
	Logger log.Logger
	// Join-polling bounds for in-flight conflicts. Counted in
	// iterations, not wall clock, so a stuck collaborator cannot
	// hang the loop.
	JoinPollInterval time.Duration
	JoinPollMax      int
}

const (
	defaultJoinPollInterval = 5 * time.Second
	defaultJoinPollMax      = 12
)

// Run executes every check in order and reduces the outcomes. It
// never aborts early.
func (c *Checker) Run(ctx context.Context, checks []Check) Result {
	logger := c.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	res := Result{OK: true}
	for _, check := range checks {
		sub := c.runOne(ctx, logger, check)
		if !sub.OK && strings.HasSuffix(sub.Tag, "=in_flight") {
			joined := c.pendingConflict(ctx, logger, check)
			switch {
			case joined != nil && joined.Done && joined.OK:
				sub = SubResult{Name: check.Name, OK: true, Detail: "joined in-flight run " + joined.RunID}
			case joined != nil && joined.Done:
				sub.Tag = check.Name + "=joined_failed"
				sub.Detail = "in-flight run " + joined.RunID + " failed"
			default:
				// Unresolved within the join window; surface the
				// conflict so the caller can classify it joinable.
				res.InFlight = joined
				if res.InFlight == nil {
					res.InFlight = &probe.InFlight{}
				}
			}
		}
		res.Subs = append(res.Subs, sub)
		if !sub.OK {
			res.OK = false
			if res.Summary != "" {
				res.Summary += " "
			}
			res.Summary += sub.Tag
		}
		logger.Log("check", check.Name, "ok", sub.OK, "detail", sub.Detail)
	}
	return res
}

func (c *Checker) runOne(ctx context.Context, logger log.Logger, check Check) SubResult {
	switch check.Kind {
	case KindHealth, KindConfigValid:
		return c.runProbe(ctx, check)
	case KindRoutes:
		return c.runRoutes(ctx, check)
	case KindHardFail:
		return runHardFail(check)
	default:
		return SubResult{
			Name:   check.Name,
			Tag:    fmt.Sprintf("%s=unknown_check_kind", check.Name),
			Detail: fmt.Sprintf("unknown check kind %q", check.Kind),
		}
	}
}

func (c *Checker) runProbe(ctx context.Context, check Check) SubResult {
	r := c.Prober.Probe(ctx, target(check))
	sub := SubResult{Name: check.Name, Detail: r.Detail}
	switch {
	case r.StatusCode == 0:
		sub.Tag = check.Name + "=unreachable"
	case r.StatusCode == 409:
		sub.Tag = check.Name + "=in_flight"
	case !r.OK:
		sub.Tag = check.Name + "=unhealthy"
	case check.Kind == KindConfigValid && (r.Health == nil || r.Health.ConfigValid == nil || !*r.Health.ConfigValid):
		sub.Tag = check.Name + "=config_invalid"
		sub.Detail = "endpoint does not report a valid config"
	default:
		sub.OK = true
	}
	return sub
}

// runRoutes checks the route listing in the endpoint response. The
// listing shape is collaborator-defined, so it is inspected untyped
// via gabs paths rather than forced into a struct.
func (c *Checker) runRoutes(ctx context.Context, check Check) SubResult {
	r := c.Prober.Probe(ctx, target(check))
	sub := SubResult{Name: check.Name, Detail: r.Detail}
	if r.StatusCode != 200 {
		sub.Tag = check.Name + "=unreachable"
		return sub
	}
	parsed, err := gabs.ParseJSON(r.Body)
	if err != nil {
		sub.Tag = check.Name + "=bad_response"
		sub.Detail = err.Error()
		return sub
	}
	routesPath := check.RoutesPath
	if routesPath == "" {
		routesPath = "routes"
	}
	listing, err := parsed.Path(routesPath).Children()
	if err != nil {
		sub.Tag = check.Name + "=no_route_listing"
		sub.Detail = fmt.Sprintf("no %q array in response", routesPath)
		return sub
	}
	present := map[string]bool{}
	for _, child := range listing {
		if s, ok := child.Data().(string); ok {
			present[s] = true
		}
	}
	var missing []string
	for _, want := range check.RequiredRoutes {
		if !present[want] {
			missing = append(missing, want)
		}
	}
	if len(missing) > 0 {
		sub.Tag = check.Name + "=missing_routes"
		sub.Detail = "missing: " + strings.Join(missing, ", ")
		return sub
	}
	sub.OK = true
	sub.Detail = fmt.Sprintf("%d routes present", len(check.RequiredRoutes))
	return sub
}

func runHardFail(check Check) SubResult {
	sub := SubResult{Name: check.Name}
	b, err := ioutil.ReadFile(check.OutputFile)
	if err != nil {
		// No recent output is not a failure; there is nothing to
		// scan.
		sub.OK = true
		sub.Detail = "no output to scan"
		return sub
	}
	out := string(b)
	for _, s := range check.HardFailStrings {
		if strings.Contains(out, s) {
			sub.Tag = check.Name + "=hard_fail_string"
			sub.Detail = fmt.Sprintf("found %q in %s", s, check.OutputFile)
			return sub
		}
	}
	sub.OK = true
	return sub
}

// pendingConflict handles the joinable case: a 409 with a structured
// in_flight field. We poll the in-flight operation's own completion
// for a bounded number of iterations; if it finishes in time, its
// outcome replaces the conflict.
func (c *Checker) pendingConflict(ctx context.Context, logger log.Logger, check Check) *probe.InFlight {
	interval := c.JoinPollInterval
	if interval == 0 {
		interval = defaultJoinPollInterval
	}
	max := c.JoinPollMax
	if max == 0 {
		max = defaultJoinPollMax
	}

	var last *probe.InFlight
	for i := 0; i < max; i++ {
		select {
		case <-ctx.Done():
			return last
		case <-time.After(interval):
		}
		r := c.Prober.Probe(ctx, target(check))
		if r.Health != nil {
			last = r.Health.InFlight
		}
		if r.Health != nil && r.Health.InFlight != nil && r.Health.InFlight.Done {
			logger.Log("check", check.Name, "joined", r.Health.InFlight.RunID, "ok", r.Health.InFlight.OK)
			return r.Health.InFlight
		}
		if r.OK {
			// Conflict cleared and the endpoint is healthy.
			logger.Log("check", check.Name, "joined", "cleared")
			return &probe.InFlight{Done: true, OK: true}
		}
	}
	logger.Log("check", check.Name, "join", "window exhausted")
	return last
}

func target(check Check) probe.Target {
	t := check.Target
	if t.URL == "" {
		t.URL = check.URL
	}
	if t.Name == "" {
		t.Name = check.Name
	}
	return t
}
