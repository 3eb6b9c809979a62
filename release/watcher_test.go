package release

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRelease(t *testing.T, path, version string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte("version: "+version+"\nmanifest: [/]\n"), 0o600))
	require.NoError(t, os.Rename(tmp, path))
}

func waitVersion(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for release")
		return ""
	}
}

func TestWatch_InitialAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "release.yaml")
	writeRelease(t, path, "v1")

	got := make(chan string, 4)
	w, err := Watch(context.Background(), path, func(ctx context.Context, r Release) error {
		got <- r.Version
		return nil
	}, WithInterval(0))
	require.NoError(t, err)
	defer w.Stop()

	assert.Equal(t, "v1", waitVersion(t, got))
	assert.Equal(t, "v1", w.Current())

	writeRelease(t, path, "v2")
	assert.Equal(t, "v2", waitVersion(t, got))
	assert.Eventually(t, func() bool { return w.Current() == "v2" }, time.Second, 10*time.Millisecond)
}

func TestWatch_SameVersionNotRedeployed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "release.yaml")
	writeRelease(t, path, "v1")

	calls := 0
	w, err := Watch(context.Background(), path, func(ctx context.Context, r Release) error {
		calls++
		return nil
	}, WithInterval(0))
	require.NoError(t, err)
	w.Stop()

	require.NoError(t, w.Check(context.Background()))
	require.NoError(t, w.Check(context.Background()))
	assert.Equal(t, 1, calls)
}

func TestWatch_PollPicksUpChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "release.yaml")
	writeRelease(t, path, "v1")

	w, err := Watch(context.Background(), path, func(ctx context.Context, r Release) error {
		return nil
	}, WithInterval(time.Hour))
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("version: v3\n"), 0o600))
	require.NoError(t, w.Check(context.Background()))
	assert.Equal(t, "v3", w.Current())
}

func TestWatch_HandlerErrorRetried(t *testing.T) {
	path := filepath.Join(t.TempDir(), "release.yaml")
	writeRelease(t, path, "v1")

	fail := true
	w, err := Watch(context.Background(), path, func(ctx context.Context, r Release) error {
		if r.Version == "v2" && fail {
			return errors.New("install failed")
		}
		return nil
	}, WithInterval(0))
	require.NoError(t, err)
	w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("version: v2\n"), 0o600))
	require.Error(t, w.Check(context.Background()))
	assert.Equal(t, "v1", w.Current())

	fail = false
	require.NoError(t, w.Check(context.Background()))
	assert.Equal(t, "v2", w.Current())
}

func TestWatch_InitialLoadMustSucceed(t *testing.T) {
	_, err := Watch(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"), func(context.Context, Release) error {
		return nil
	})
	require.Error(t, err)

	_, err = Watch(context.Background(), "release.yaml", nil)
	require.Error(t, err)
}
