package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yourorg/object-persistor/internal/storage"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root, a := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := root.ExecuteContext(context.Background())
	a.teardown()
	return out.String(), err
}

func TestFilesystemWorkflow(t *testing.T) {
	t.Setenv("OBJECT_PERSISTOR_BACKEND", "fs")
	loc := t.TempDir()

	_, err := run(t, "hello", "put", loc, "dir/a", "-")
	require.NoError(t, err)
	src := filepath.Join(t.TempDir(), "b")
	require.NoError(t, os.WriteFile(src, []byte("world"), 0o600))
	_, err = run(t, "", "put", "--md5", "7d793037a0760186574b0282f2f435e7", loc, "dir/b", src)
	require.NoError(t, err)
	_, err = run(t, "", "put", "--if-absent", loc, "dir/b", src)
	require.True(t, storage.IsAlreadyWritten(err), "got %v", err)

	out, err := run(t, "", "get", loc, "dir/a")
	require.NoError(t, err)
	require.Equal(t, "hello", out)

	out, err = run(t, "", "get", "--start", "1", "--end", "3", loc, "dir/a")
	require.NoError(t, err)
	require.Equal(t, "ell", out)
	_, err = run(t, "", "get", "--start", "1", loc, "dir/a")
	require.Error(t, err)

	out, err = run(t, "", "size", loc, "dir/a")
	require.NoError(t, err)
	require.Equal(t, "5\n", out)

	out, err = run(t, "", "md5", loc, "dir/a")
	require.NoError(t, err)
	require.Equal(t, "5d41402abc4b2a76b9719d911017c592\n", out)

	_, err = run(t, "", "cp", loc, "dir/a", "copy")
	require.NoError(t, err)
	out, err = run(t, "", "exists", loc, "copy")
	require.NoError(t, err)
	require.Equal(t, "true\n", out)

	out, err = run(t, "", "du", loc, "dir")
	require.NoError(t, err)
	require.Equal(t, "10\n", out)

	_, err = run(t, "", "rmdir", loc, "dir")
	require.NoError(t, err)
	out, err = run(t, "", "du", loc, "dir")
	require.NoError(t, err)
	require.Equal(t, "0\n", out)

	_, err = run(t, "", "rm", loc, "copy")
	require.NoError(t, err)
	_, err = run(t, "", "rm", loc, "copy")
	require.NoError(t, err)
	out, err = run(t, "", "exists", loc, "copy")
	require.NoError(t, err)
	require.Equal(t, "false\n", out)

	_, err = run(t, "", "get", loc, "copy")
	require.True(t, storage.IsNotFound(err))
}

func TestUnsupportedOperations(t *testing.T) {
	t.Setenv("OBJECT_PERSISTOR_BACKEND", "fs")
	loc := t.TempDir()
	_, err := run(t, "", "url", loc, "x")
	require.Error(t, err)
	_, err = run(t, "", "ls", loc)
	require.True(t, storage.IsNotImplemented(err))
}

func TestBadConfig(t *testing.T) {
	t.Setenv("OBJECT_PERSISTOR_BACKEND", "tape")
	_, err := run(t, "", "size", "loc", "name")
	require.True(t, storage.IsSettings(err))
}
