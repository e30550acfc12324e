package lock

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquire_SecondCallerBlocked(t *testing.T) {
	fl, err := New(t.TempDir(), time.Second)
	require.NoError(t, err)

	h1, err := fl.TryAcquire("account-1")
	require.NoError(t, err)
	require.NotNil(t, h1)

	h2, err := fl.TryAcquire("account-1")
	require.NoError(t, err)
	assert.Nil(t, h2, "a second TryAcquire on a held lock must return nil, nil")

	require.NoError(t, h1.Release())

	h3, err := fl.TryAcquire("account-1")
	require.NoError(t, err)
	require.NotNil(t, h3)
	require.NoError(t, h3.Release())
}

func TestTryAcquire_DifferentNamesIndependent(t *testing.T) {
	fl, err := New(t.TempDir(), time.Second)
	require.NoError(t, err)

	h1, err := fl.TryAcquire("account-a")
	require.NoError(t, err)
	require.NotNil(t, h1)
	defer h1.Release()

	h2, err := fl.TryAcquire("account-b")
	require.NoError(t, err)
	require.NotNil(t, h2)
	defer h2.Release()
}

func TestAcquire_TimesOutWhenHeld(t *testing.T) {
	dir := t.TempDir()
	fl, err := New(dir, 200*time.Millisecond)
	require.NoError(t, err)

	h1, err := fl.TryAcquire("account-timeout")
	require.NoError(t, err)
	defer h1.Release()

	_, err = fl.Acquire("account-timeout")
	assert.Error(t, err)
}

func TestSweepIfStale_RemovesOldLockFile(t *testing.T) {
	dir := t.TempDir()
	fl, err := New(dir, time.Second)
	require.NoError(t, err)

	path := filepath.Join(dir, "account-stale.lock")
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0o600))
	old := time.Now().Add(-StaleAfter - time.Minute)
	require.NoError(t, os.Chtimes(path, old, old))

	h, err := fl.TryAcquire("account-stale")
	require.NoError(t, err)
	require.NotNil(t, h)
	require.NoError(t, h.Release())
}

func TestRelease_Idempotent(t *testing.T) {
	fl, err := New(t.TempDir(), time.Second)
	require.NoError(t, err)
	h, err := fl.TryAcquire("account-release")
	require.NoError(t, err)
	require.NoError(t, h.Release())
	var nilHandle *Handle
	assert.NoError(t, nilHandle.Release())
}
