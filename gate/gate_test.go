package gate

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostpilot/hostpilot/verdict"
)

const head = "feedface0000000000000000000000000000beef"

type fakePusher struct {
	head    string
	pushed  [][]string
	pushErr error
}

func (p *fakePusher) HeadRevision(ctx context.Context) (string, error) { return p.head, nil }
func (p *fakePusher) Push(ctx context.Context, refs []string) error {
	if p.pushErr != nil {
		return p.pushErr
	}
	p.pushed = append(p.pushed, refs)
	return nil
}

func newSigner() *verdict.Signer {
	return &verdict.Signer{Secret: []byte("test-shared-secret")}
}

func signedVerdict(t *testing.T, s *verdict.Signer) verdict.Verdict {
	v, err := s.Sign(head, "c0ffee00000000000000000000000000000000ee", "/srv/artifacts/review/verdict.json", "review", "gpt-4")
	require.NoError(t, err)
	return v
}

func TestPushWithValidVerdict(t *testing.T) {
	signer := newSigner()
	pusher := &fakePusher{head: head}
	g := &Gate{Repo: pusher, Signer: signer, Branch: "master"}

	err := g.Push(context.Background(), signedVerdict(t, signer))
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"master"}}, pusher.pushed)
}

func TestPushRefusedOnTamperedVerdict(t *testing.T) {
	signer := newSigner()
	pusher := &fakePusher{head: head}
	g := &Gate{Repo: pusher, Signer: signer, Branch: "master"}

	v := signedVerdict(t, signer)
	v.Engine = "altered"
	err := g.Push(context.Background(), v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "push refused")
	assert.Empty(t, pusher.pushed)
}

func TestPushRefusedWhenHeadMoved(t *testing.T) {
	signer := newSigner()
	pusher := &fakePusher{head: "0123456701234567012345670123456701234567"}
	g := &Gate{Repo: pusher, Signer: signer, Branch: "master"}

	err := g.Push(context.Background(), signedVerdict(t, signer))
	require.Error(t, err)
	assert.Empty(t, pusher.pushed)
}

// githubStub serves just the three API calls the PR flow makes.
type githubStub struct {
	mux        *http.ServeMux
	checkPolls int
	// pendingPolls is how many check-runs calls report in_progress
	// before concluding success.
	pendingPolls int
	conclusion   string
	merged       int
}

func newGithubStub(t *testing.T) *githubStub {
	s := &githubStub{mux: http.NewServeMux(), conclusion: "success"}
	s.mux.HandleFunc("/repos/acme/console/pulls", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "POST", r.Method)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"number": 7}`)
	})
	s.mux.HandleFunc("/repos/acme/console/commits/"+head+"/check-runs", func(w http.ResponseWriter, r *http.Request) {
		s.checkPolls++
		w.Header().Set("Content-Type", "application/json")
		if s.checkPolls <= s.pendingPolls {
			fmt.Fprint(w, `{"total_count": 1, "check_runs": [{"name": "ci", "status": "in_progress"}]}`)
			return
		}
		fmt.Fprintf(w, `{"total_count": 1, "check_runs": [{"name": "ci", "status": "completed", "conclusion": %q}]}`, s.conclusion)
	})
	s.mux.HandleFunc("/repos/acme/console/pulls/7/merge", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "PUT", r.Method)
		s.merged++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"sha": "squashed123", "merged": true, "message": "Pull Request successfully merged"}`)
	})
	return s
}

func newPRFlow(t *testing.T, stub *githubStub, pusher *fakePusher, signer *verdict.Signer) (*PRFlow, func()) {
	srv := httptest.NewServer(stub.mux)
	client, err := NewGitHubClient(context.Background(), "token", srv.URL)
	require.NoError(t, err)
	return &PRFlow{
		Gate:          &Gate{Repo: pusher, Signer: signer, Branch: "master"},
		Client:        client,
		Owner:         "acme",
		Repo:          "console",
		WorkBranch:    "autopromote",
		RequiredCheck: "ci",
		PollInterval:  time.Millisecond,
	}, srv.Close
}

func TestPromoteMergesAfterCheckPasses(t *testing.T) {
	signer := newSigner()
	pusher := &fakePusher{head: head}
	stub := newGithubStub(t)
	stub.pendingPolls = 2
	flow, done := newPRFlow(t, stub, pusher, signer)
	defer done()

	sha, err := flow.Promote(context.Background(), signedVerdict(t, signer), "promote console")
	require.NoError(t, err)
	assert.Equal(t, "squashed123", sha)
	assert.Equal(t, 3, stub.checkPolls, "polled until the check concluded")
	assert.Equal(t, 1, stub.merged)
	require.Len(t, pusher.pushed, 1)
	assert.Equal(t, []string{head + ":refs/heads/autopromote"}, pusher.pushed[0])
}

func TestPromoteFailsOnCheckFailure(t *testing.T) {
	signer := newSigner()
	pusher := &fakePusher{head: head}
	stub := newGithubStub(t)
	stub.conclusion = "failure"
	flow, done := newPRFlow(t, stub, pusher, signer)
	defer done()

	_, err := flow.Promote(context.Background(), signedVerdict(t, signer), "promote console")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `concluded "failure"`)
	assert.Zero(t, stub.merged, "a failed check never merges")
}

func TestPromoteRefusedBeforeAnyAPICall(t *testing.T) {
	signer := newSigner()
	pusher := &fakePusher{head: "0123456701234567012345670123456701234567"}
	stub := newGithubStub(t)
	flow, done := newPRFlow(t, stub, pusher, signer)
	defer done()

	_, err := flow.Promote(context.Background(), signedVerdict(t, signer), "promote console")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "promotion refused")
	assert.Empty(t, pusher.pushed)
	assert.Zero(t, stub.checkPolls)
}

func TestPromoteGivesUpAfterMaxPolls(t *testing.T) {
	signer := newSigner()
	pusher := &fakePusher{head: head}
	stub := newGithubStub(t)
	stub.pendingPolls = 100
	flow, done := newPRFlow(t, stub, pusher, signer)
	defer done()
	flow.PollMax = 3

	_, err := flow.Promote(context.Background(), signedVerdict(t, signer), "promote console")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not conclude")
	assert.Equal(t, 3, stub.checkPolls)
	assert.Zero(t, stub.merged)
}
