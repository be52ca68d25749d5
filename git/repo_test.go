package git

import (
	"context"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRepo creates a real git repo with one commit and a second
// bare repo wired up as its origin.
func newTestRepo(t *testing.T) (*Repo, func()) {
	base, err := ioutil.TempDir("", "hostpilot-git-test")
	require.NoError(t, err)
	cleanup := func() { os.RemoveAll(base) }

	origin := filepath.Join(base, "origin.git")
	work := filepath.Join(base, "work")
	run(t, base, "git", "init", "--bare", origin)
	run(t, base, "git", "clone", origin, work)
	run(t, work, "git", "config", "user.name", "test")
	run(t, work, "git", "config", "user.email", "test@example.com")
	// Pin the branch name; git's default varies by version/config.
	run(t, work, "git", "checkout", "-B", "master")
	require.NoError(t, ioutil.WriteFile(filepath.Join(work, "app.txt"), []byte("v1\n"), 0666))
	run(t, work, "git", "add", "app.txt")
	run(t, work, "git", "commit", "-m", "initial")
	run(t, work, "git", "push", "origin", "master")

	return &Repo{Dir: work, Remote: "origin", Branch: "master"}, cleanup
}

func run(t *testing.T, dir string, name string, args ...string) {
	c := exec.Command(name, args...)
	c.Dir = dir
	out, err := c.CombinedOutput()
	require.NoError(t, err, string(out))
}

func testContext(t *testing.T) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func TestResolveAndHead(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()
	ctx, cancel := testContext(t)
	defer cancel()

	head, err := repo.HeadRevision(ctx)
	require.NoError(t, err)
	assert.Len(t, head, 40)

	byRef, err := repo.Resolve(ctx, "master")
	require.NoError(t, err)
	assert.Equal(t, head, byRef)
}

func TestTreeIDStableAcrossCommitsWithSameContent(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()
	ctx, cancel := testContext(t)
	defer cancel()

	head, err := repo.HeadRevision(ctx)
	require.NoError(t, err)
	tree1, err := repo.TreeID(ctx, head)
	require.NoError(t, err)

	// An empty commit changes the revision but not the tree.
	run(t, repo.Dir, "git", "commit", "--allow-empty", "-m", "no content change")
	head2, err := repo.HeadRevision(ctx)
	require.NoError(t, err)
	require.NotEqual(t, head, head2)

	tree2, err := repo.TreeID(ctx, head2)
	require.NoError(t, err)
	assert.Equal(t, tree1, tree2)
}

func TestFetchAndResetHard(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()
	ctx, cancel := testContext(t)
	defer cancel()

	old, err := repo.HeadRevision(ctx)
	require.NoError(t, err)

	require.NoError(t, ioutil.WriteFile(filepath.Join(repo.Dir, "app.txt"), []byte("v2\n"), 0666))
	run(t, repo.Dir, "git", "commit", "-am", "second")
	run(t, repo.Dir, "git", "push", "origin", "master")

	require.NoError(t, repo.Fetch(ctx))
	target, err := repo.RemoteTarget(ctx)
	require.NoError(t, err)
	require.NotEqual(t, old, target)

	require.NoError(t, repo.ResetHard(ctx, old))
	head, err := repo.HeadRevision(ctx)
	require.NoError(t, err)
	assert.Equal(t, old, head)

	content, err := ioutil.ReadFile(filepath.Join(repo.Dir, "app.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v1\n", string(content))
}

func TestPushURLs(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()
	ctx, cancel := testContext(t)
	defer cancel()

	urls, err := repo.PushURLs(ctx)
	require.NoError(t, err)
	require.Len(t, urls, 1)
	assert.Contains(t, urls[0], "origin.git")
}
