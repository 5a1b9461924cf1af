package storage_test

import (
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"filedrop/internal/storage"

	"github.com/stretchr/testify/require"
)

var idPattern = regexp.MustCompile(`^[0-9a-f]{6}$`)

func TestGenerateIDShape(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range 100 {
		id := storage.GenerateID(base.Add(time.Duration(i) * time.Nanosecond))
		require.Regexp(t, idPattern, id)
	}

	// Same timestamp, same bucket.
	require.Equal(t, storage.GenerateID(base), storage.GenerateID(base))
}

func TestAllocateCreatesDirectory(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	ns := storage.NewNamespace(root)

	upload, err := ns.Allocate()
	require.NoError(t, err, "Allocate error")
	require.Regexp(t, idPattern, upload.ID)
	require.Equal(t, filepath.Join(root, upload.ID), upload.Dir)

	info, err := os.Stat(upload.Dir)
	require.NoError(t, err, "expected upload directory to exist")
	require.True(t, info.IsDir())
}

func TestSanitize(t *testing.T) {
	t.Parallel()

	forbidden := []string{
		"../etc/passwd",
		"a/../../b",
		`a\..\b`,
		"..",
		"/etc/passwd",
		`\windows`,
		"~root",
		"notes~",
		"*.txt",
		"a\x00b",
	}
	for _, p := range forbidden {
		require.ErrorIsf(t, storage.Sanitize(p), storage.ErrForbidden, "path %q", p)
	}

	allowed := []string{
		"report.txt",
		"nested/dir/report.txt",
		"my%20file.txt",
		"..hidden",
		"a..b",
		"",
	}
	for _, p := range allowed {
		require.NoErrorf(t, storage.Sanitize(p), "path %q", p)
	}
}

func TestSplitLocation(t *testing.T) {
	t.Parallel()

	id, rel, ok := storage.SplitLocation("abc123/nested/report.txt")
	require.True(t, ok)
	require.Equal(t, "abc123", id)
	require.Equal(t, "nested/report.txt", rel)

	for _, p := range []string{"", "abc123", "abc123/", "/report.txt"} {
		_, _, ok := storage.SplitLocation(p)
		require.Falsef(t, ok, "location %q", p)
	}
}

func TestResolveStaysInsideRoot(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	ns := storage.NewNamespace(root)

	p, err := ns.Resolve("abc123", "nested/report.txt")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "abc123", "nested", "report.txt"), p)

	_, err = ns.Resolve("abc123", "../../outside")
	require.ErrorIs(t, err, storage.ErrForbidden, "lexical escape")

	_, err = ns.Resolve("..", "x")
	require.ErrorIs(t, err, storage.ErrForbidden)

	_, err = ns.Resolve("abc123", "")
	require.ErrorIs(t, err, storage.ErrForbidden)
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "abc123")))

	ns := storage.NewNamespace(root)
	_, err := ns.Resolve("abc123", "secret.txt")
	require.ErrorIs(t, err, storage.ErrForbidden)
}

func TestOpenAndRemove(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	ns := storage.NewNamespace(root)

	upload, err := ns.Allocate()
	require.NoError(t, err)

	p, err := ns.Resolve(upload.ID, "nested/report.txt")
	require.NoError(t, err)

	f, err := storage.CreateFile(p)
	require.NoError(t, err, "CreateFile error")
	_, err = f.WriteString("hello")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = storage.CreateFile(p)
	require.Error(t, err, "CreateFile must not overwrite")

	rf, info, err := ns.Open(upload.ID, "nested/report.txt")
	require.NoError(t, err)
	require.EqualValues(t, 5, info.Size())
	require.NoError(t, rf.Close())

	_, _, err = ns.Open(upload.ID, "nested")
	require.ErrorIs(t, err, storage.ErrNotFound, "directories are not downloadable")

	_, _, err = ns.Open(upload.ID, "missing.txt")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, ns.Remove(upload.ID))
	_, err = os.Stat(upload.Dir)
	require.True(t, os.IsNotExist(err), "whole upload directory removed")

	require.ErrorIs(t, ns.Remove(upload.ID), storage.ErrNotFound, "second removal reports not found")
}

func TestLocksExcludeWritersFromReaders(t *testing.T) {
	t.Parallel()

	locks := storage.NewLocks()

	unlockRead := locks.RLock("abc123")
	unlockRead2 := locks.RLock("abc123")

	acquired := make(chan struct{})
	go func() {
		unlock := locks.Lock("abc123")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("writer acquired lock while readers hold it")
	case <-time.After(50 * time.Millisecond):
	}

	unlockRead()
	unlockRead2()

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("writer never acquired lock")
	}

	require.Eventually(t, func() bool { return locks.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestLocksIndependentIDs(t *testing.T) {
	t.Parallel()

	locks := storage.NewLocks()
	unlock := locks.Lock("aaaaaa")
	defer unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		locks.Lock("bbbbbb")()
	}()
	wg.Wait()
}

func TestLocksTryLock(t *testing.T) {
	t.Parallel()

	locks := storage.NewLocks()

	releaseRead := locks.RLock("abcdef")
	_, ok := locks.TryLock("abcdef")
	require.False(t, ok, "held by a reader")
	require.Equal(t, 1, locks.Len())
	releaseRead()

	release, ok := locks.TryLock("abcdef")
	require.True(t, ok)
	_, ok = locks.TryLock("abcdef")
	require.False(t, ok, "held by a writer")
	release()

	require.Zero(t, locks.Len())
}
