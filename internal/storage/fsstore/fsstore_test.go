package fsstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yourorg/object-persistor/internal/storage"
)

const helloMd5 = "5d41402abc4b2a76b9719d911017c592"

func newStore(t *testing.T) (*Persistor, string) {
	t.Helper()
	return New(Settings{DeleteConcurrency: 2}), t.TempDir()
}

func put(t *testing.T, p *Persistor, loc, name, body string) {
	t.Helper()
	require.NoError(t, p.SendStream(context.Background(), loc, name, strings.NewReader(body), storage.SendOptions{}))
}

func read(t *testing.T, p *Persistor, loc, name string, opts storage.GetOptions) string {
	t.Helper()
	rc, err := p.GetObjectStream(context.Background(), loc, name, opts)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func TestNamesAreFlattened(t *testing.T) {
	p, loc := newStore(t)
	put(t, p, loc, "project/file", "hello")
	_, err := os.Stat(filepath.Join(loc, "project_file"))
	require.NoError(t, err)
	require.Equal(t, "hello", read(t, p, loc, "project/file", storage.GetOptions{}))
}

func TestSendStreamVerifiesSourceMd5(t *testing.T) {
	p, loc := newStore(t)
	ctx := context.Background()
	require.NoError(t, p.SendStream(ctx, loc, "ok", strings.NewReader("hello"), storage.SendOptions{SourceMd5: helloMd5}))

	err := p.SendStream(ctx, loc, "bad", strings.NewReader("hello"), storage.SendOptions{SourceMd5: "00000000000000000000000000000000"})
	require.True(t, storage.IsWrite(err), "got %v", err)
	exists, err := p.CheckIfObjectExists(ctx, loc, "bad")
	require.NoError(t, err)
	require.False(t, exists)

	md5, err := p.GetObjectMd5Hash(ctx, loc, "ok")
	require.NoError(t, err)
	require.Equal(t, helloMd5, md5)
}

func TestIfNoneMatchKeepsFirstWriter(t *testing.T) {
	p, loc := newStore(t)
	ctx := context.Background()
	opts := storage.SendOptions{IfNoneMatch: "*"}
	require.NoError(t, p.SendStream(ctx, loc, "k", strings.NewReader("first"), opts))
	err := p.SendStream(ctx, loc, "k", strings.NewReader("second"), opts)
	require.True(t, storage.IsAlreadyWritten(err), "got %v", err)
	require.Equal(t, "first", read(t, p, loc, "k", storage.GetOptions{}))
}

func TestConcurrentIfNoneMatchHasOneWinner(t *testing.T) {
	p, loc := newStore(t)
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = p.SendStream(context.Background(), loc, "k", strings.NewReader("v"), storage.SendOptions{IfNoneMatch: "*"})
		}(i)
	}
	wg.Wait()
	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			require.True(t, storage.IsAlreadyWritten(err))
		}
	}
	require.Equal(t, 1, wins)
}

func TestRangeRead(t *testing.T) {
	p, loc := newStore(t)
	put(t, p, loc, "ten", "0123456789")
	require.Equal(t, "01234", read(t, p, loc, "ten", storage.GetOptions{Range: &storage.ByteRange{Start: 0, End: 4}}))
	require.Equal(t, "789", read(t, p, loc, "ten", storage.GetOptions{Range: &storage.ByteRange{Start: 7, End: 20}}))

	_, err := p.GetObjectStream(context.Background(), loc, "ten", storage.GetOptions{Range: &storage.ByteRange{Start: 4, End: 1}})
	require.True(t, storage.IsRead(err))
}

func TestEmptyObject(t *testing.T) {
	p, loc := newStore(t)
	put(t, p, loc, "empty", "")
	require.Equal(t, "", read(t, p, loc, "empty", storage.GetOptions{}))
	md5, err := p.GetObjectMd5Hash(context.Background(), loc, "empty")
	require.NoError(t, err)
	require.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", md5)
}

func TestMissingObject(t *testing.T) {
	p, loc := newStore(t)
	ctx := context.Background()
	_, err := p.GetObjectStream(ctx, loc, "nope", storage.GetOptions{})
	require.True(t, storage.IsNotFound(err))
	_, err = p.GetObjectSize(ctx, loc, "nope")
	require.True(t, storage.IsNotFound(err))
	_, err = p.GetObjectMd5Hash(ctx, loc, "nope")
	require.True(t, storage.IsNotFound(err))
	require.True(t, storage.IsNotFound(p.CopyObject(ctx, loc, "nope", "dest")))
	require.NoError(t, p.DeleteObject(ctx, loc, "nope"))
	exists, err := p.CheckIfObjectExists(ctx, loc, "nope")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestCopyObject(t *testing.T) {
	p, loc := newStore(t)
	put(t, p, loc, "a/src", "payload")
	require.NoError(t, p.CopyObject(context.Background(), loc, "a/src", "a/dst"))
	require.Equal(t, "payload", read(t, p, loc, "a/dst", storage.GetOptions{}))
	require.Equal(t, "payload", read(t, p, loc, "a/src", storage.GetOptions{}))
}

func TestDirectoryOperationsStayInsidePrefix(t *testing.T) {
	p, loc := newStore(t)
	ctx := context.Background()
	put(t, p, loc, "proj/one", "12345")
	put(t, p, loc, "proj/two", "123")
	put(t, p, loc, "projX/other", "1234567")

	size, err := p.DirectorySize(ctx, loc, "proj")
	require.NoError(t, err)
	require.Equal(t, int64(8), size)

	require.NoError(t, p.DeleteDirectory(ctx, loc, "proj/"))
	size, err = p.DirectorySize(ctx, loc, "proj/")
	require.NoError(t, err)
	require.Zero(t, size)

	exists, err := p.CheckIfObjectExists(ctx, loc, "projX/other")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestDirectoryOperationsOnEmptyPrefix(t *testing.T) {
	p, loc := newStore(t)
	ctx := context.Background()
	require.NoError(t, p.DeleteDirectory(ctx, loc, "nothing/"))
	require.NoError(t, p.DeleteDirectory(ctx, filepath.Join(loc, "missing"), "nothing/"))
	size, err := p.DirectorySize(ctx, loc, "nothing/")
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestGlobMetacharactersAreLiteral(t *testing.T) {
	p, loc := newStore(t)
	put(t, p, loc, "a*/x", "1")
	put(t, p, loc, "ab/x", "22")
	size, err := p.DirectorySize(context.Background(), loc, "a*/")
	require.NoError(t, err)
	require.Equal(t, int64(1), size)
}

func TestSendFileAndRedirect(t *testing.T) {
	p, loc := newStore(t)
	src := filepath.Join(t.TempDir(), "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))
	require.NoError(t, p.SendFile(context.Background(), loc, "from/file", src))
	require.Equal(t, "hello", read(t, p, loc, "from/file", storage.GetOptions{}))

	url, err := p.GetRedirectURL(context.Background(), loc, "from/file")
	require.NoError(t, err)
	require.Empty(t, url)
}

// Flattened names cannot tell a separator from a literal filler.
func TestFillerInNameCountsAsDirectory(t *testing.T) {
	p, loc := newStore(t)
	ctx := context.Background()
	put(t, p, loc, "a/b", "1")
	put(t, p, loc, "a_c", "22")
	size, err := p.DirectorySize(ctx, loc, "a/")
	require.NoError(t, err)
	require.Equal(t, int64(3), size)

	require.NoError(t, p.DeleteDirectory(ctx, loc, "a"))
	exists, err := p.CheckIfObjectExists(ctx, loc, "a_c")
	require.NoError(t, err)
	require.False(t, exists)
}
