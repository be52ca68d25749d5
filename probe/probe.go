// Package probe performs bounded, read-only health checks against
// collaborator services. A probe never retries; retry policy belongs
// to callers.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// Target is one endpoint to check, with its hard timeouts. Zero
// timeouts get conservative defaults; there is no way to ask for an
// unbounded wait.
type Target struct {
	Name           string
	URL            string
	ConnectTimeout time.Duration
	TotalTimeout   time.Duration
}

// Result is the reduced outcome of one probe.
type Result struct {
	OK     bool
	Detail string
	// Health is the parsed endpoint response, when one was received.
	Health *Health
	// StatusCode is the HTTP status, or 0 if no response arrived.
	StatusCode int
	// Body is the raw response body, kept for nested-field checks.
	Body []byte
}

// Health is the typed shape of a collaborator health endpoint. Parsed
// once at the boundary; nothing downstream greps raw output for
// control decisions.
type Health struct {
	OK          bool      `json:"ok"`
	Detail      string    `json:"detail,omitempty"`
	ConfigValid *bool     `json:"config_valid,omitempty"`
	InFlight    *InFlight `json:"in_flight,omitempty"`
}

// InFlight identifies an equivalent operation already running, so
// callers can join its outcome rather than failing.
type InFlight struct {
	RunID string `json:"run_id"`
	Done  bool   `json:"done"`
	OK    bool   `json:"ok"`
}

const (
	defaultConnectTimeout = 3 * time.Second
	defaultTotalTimeout   = 10 * time.Second
	maxBodyBytes          = 1 << 20
)

// Prober issues HTTP GETs with hard connect and total timeouts.
type Prober struct{}

// Probe checks one target. It returns an error only for caller
// mistakes (bad URL); an unreachable or unhealthy target is a
// Result{OK: false}, not an error.
func (p *Prober) Probe(ctx context.Context, t Target) Result {
	connect := t.ConnectTimeout
	if connect == 0 {
		connect = defaultConnectTimeout
	}
	total := t.TotalTimeout
	if total == 0 {
		total = defaultTotalTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, total)
	defer cancel()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext:       (&net.Dialer{Timeout: connect}).DialContext,
			DisableKeepAlives: true,
		},
	}

	req, err := http.NewRequest("GET", t.URL, nil)
	if err != nil {
		return Result{Detail: fmt.Sprintf("bad probe URL: %v", err)}
	}
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return Result{Detail: "unreachable: " + err.Error()}
	}
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Result{StatusCode: resp.StatusCode, Detail: "reading response: " + err.Error()}
	}

	res := Result{StatusCode: resp.StatusCode, Body: body}
	var h Health
	if err := json.Unmarshal(body, &h); err != nil {
		res.Detail = errors.Wrap(err, "decoding health response").Error()
		return res
	}
	res.Health = &h

	switch {
	case resp.StatusCode == http.StatusConflict:
		// The endpoint is telling us an equivalent operation is in
		// flight; not healthy, but not a plain failure either.
		res.Detail = "conflict: operation in flight"
	case resp.StatusCode != http.StatusOK:
		res.Detail = fmt.Sprintf("status %d", resp.StatusCode)
	case !h.OK:
		res.Detail = "endpoint reports not ok"
		if h.Detail != "" {
			res.Detail = h.Detail
		}
	default:
		res.OK = true
		res.Detail = "ok"
	}
	return res
}
