package migration

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/object-persistor/internal/metrics"
	"github.com/yourorg/object-persistor/internal/storage"
	"github.com/yourorg/object-persistor/internal/storage/fsstore"
	"github.com/yourorg/object-persistor/internal/storage/s3store"
	"github.com/yourorg/object-persistor/internal/storage/s3store/s3fake"
)

const (
	bucket   = "bucket"
	oldBkt   = "old-bucket"
	helloMd5 = "5d41402abc4b2a76b9719d911017c592"
)

type fixture struct {
	p        *Persistor
	primary  *s3fake.Server
	fallback *s3fake.Server
}

func s3Persistor(fake *s3fake.Server) *s3store.Persistor {
	return s3store.New(s3store.Settings{}, s3store.WithClientFactory(func(ctx context.Context, bucket string) (s3store.API, s3store.Presigner, error) {
		return fake, fake, nil
	}))
}

func newFixture(t *testing.T, copyOnMiss bool) *fixture {
	t.Helper()
	f := &fixture{primary: s3fake.New(), fallback: s3fake.New()}
	f.p = New(s3Persistor(f.primary), s3Persistor(f.fallback), Settings{
		Buckets:    map[string]string{bucket: oldBkt},
		CopyOnMiss: copyOnMiss,
	}, nil)
	t.Cleanup(f.p.Wait)
	return f
}

func read(t *testing.T, p storage.Persistor, key string, opts storage.GetOptions) string {
	t.Helper()
	rc, err := p.GetObjectStream(context.Background(), bucket, key, opts)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func TestPrimaryHitDoesNotTouchFallback(t *testing.T) {
	f := newFixture(t, true)
	f.primary.Put(bucket, "k", []byte("new"))
	f.fallback.Put(oldBkt, "k", []byte("old"))
	require.Equal(t, "new", read(t, f.p, "k", storage.GetOptions{}))
	require.Zero(t, f.fallback.Calls("GetObject"))
}

func TestReadMissCopiesInBackground(t *testing.T) {
	f := newFixture(t, true)
	f.fallback.Put(oldBkt, "k", []byte("hello"))
	before := testutil.ToFloat64(metrics.CopyOnMiss.WithLabelValues(metrics.StatusSuccess))

	require.Equal(t, "hello", read(t, f.p, "k", storage.GetOptions{}))
	f.p.Wait()

	data, ok := f.primary.Object(bucket, "k")
	require.True(t, ok)
	require.Equal(t, "hello", string(data))
	require.Equal(t, before+1, testutil.ToFloat64(metrics.CopyOnMiss.WithLabelValues(metrics.StatusSuccess)))
}

func TestRangedReadMissDoesNotCopy(t *testing.T) {
	f := newFixture(t, true)
	f.fallback.Put(oldBkt, "k", []byte("0123456789"))
	require.Equal(t, "234", read(t, f.p, "k", storage.GetOptions{Range: &storage.ByteRange{Start: 2, End: 4}}))
	f.p.Wait()
	_, ok := f.primary.Object(bucket, "k")
	require.False(t, ok)
}

func TestReadMissWithoutCopyOnMiss(t *testing.T) {
	f := newFixture(t, false)
	f.fallback.Put(oldBkt, "k", []byte("hello"))
	require.Equal(t, "hello", read(t, f.p, "k", storage.GetOptions{}))
	f.p.Wait()
	_, ok := f.primary.Object(bucket, "k")
	require.False(t, ok)
}

func TestMissOnBothIsNotFound(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	_, err := f.p.GetObjectStream(ctx, bucket, "missing", storage.GetOptions{})
	require.True(t, storage.IsNotFound(err))
	_, err = f.p.GetObjectSize(ctx, bucket, "missing")
	require.True(t, storage.IsNotFound(err))
	_, err = f.p.GetObjectMd5Hash(ctx, bucket, "missing")
	require.True(t, storage.IsNotFound(err))
	require.True(t, storage.IsNotFound(f.p.CopyObject(ctx, bucket, "missing", "dest")))
	exists, err := f.p.CheckIfObjectExists(ctx, bucket, "missing")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestOtherErrorsDoNotFallBack(t *testing.T) {
	f := newFixture(t, true)
	f.fallback.Put(oldBkt, "k", []byte("hello"))
	f.primary.Inject("GetObject", s3fake.Error("GetObject", http.StatusInternalServerError, "InternalError"))
	_, err := f.p.GetObjectStream(context.Background(), bucket, "k", storage.GetOptions{})
	require.True(t, storage.IsRead(err), "got %v", err)
	require.Zero(t, f.fallback.Calls("GetObject"))
}

func TestMetadataFallsBack(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.fallback.Put(oldBkt, "k", []byte("hello"))

	size, err := f.p.GetObjectSize(ctx, bucket, "k")
	require.NoError(t, err)
	require.Equal(t, int64(5), size)

	got, err := f.p.GetObjectMd5Hash(ctx, bucket, "k")
	require.NoError(t, err)
	require.Equal(t, helloMd5, got)

	exists, err := f.p.CheckIfObjectExists(ctx, bucket, "k")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestCopyObjectFromFallback(t *testing.T) {
	f := newFixture(t, true)
	f.fallback.Put(oldBkt, "src", []byte("hello"))
	require.NoError(t, f.p.CopyObject(context.Background(), bucket, "src", "dest"))
	f.p.Wait()

	data, ok := f.primary.Object(bucket, "dest")
	require.True(t, ok)
	require.Equal(t, "hello", string(data))
	data, ok = f.primary.Object(bucket, "src")
	require.True(t, ok)
	require.Equal(t, "hello", string(data))
}

type wrongMd5 struct {
	storage.Persistor
}

func (wrongMd5) GetObjectMd5Hash(context.Context, string, string) (string, error) {
	return strings.Repeat("0", 32), nil
}

func TestBackgroundCopyMismatchLeavesNoObject(t *testing.T) {
	primary, fallback := s3fake.New(), s3fake.New()
	fallback.Put(bucket, "k", []byte("hello"))
	p := New(s3Persistor(primary), wrongMd5{s3Persistor(fallback)}, Settings{CopyOnMiss: true}, nil)
	before := testutil.ToFloat64(metrics.CopyOnMiss.WithLabelValues(metrics.StatusError))

	require.Equal(t, "hello", read(t, p, "k", storage.GetOptions{}))
	p.Wait()

	_, ok := primary.Object(bucket, "k")
	require.False(t, ok)
	require.Equal(t, before+1, testutil.ToFloat64(metrics.CopyOnMiss.WithLabelValues(metrics.StatusError)))
}

func TestWritesGoToPrimary(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	require.NoError(t, f.p.SendStream(ctx, bucket, "k", strings.NewReader("hello"), storage.SendOptions{}))
	_, ok := f.primary.Object(bucket, "k")
	require.True(t, ok)
	require.Empty(t, f.fallback.Keys(oldBkt))

	u, err := f.p.GetRedirectURL(ctx, bucket, "k")
	require.NoError(t, err)
	require.Contains(t, u, "/bucket/k")
}

func TestDeletesHitBothSides(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.primary.Put(bucket, "k", []byte("a"))
	f.fallback.Put(oldBkt, "k", []byte("a"))
	f.primary.Put(bucket, "dir/a", []byte("a"))
	f.fallback.Put(oldBkt, "dir/b", []byte("b"))

	require.NoError(t, f.p.DeleteObject(ctx, bucket, "k"))
	require.NoError(t, f.p.DeleteDirectory(ctx, bucket, "dir"))
	require.Empty(t, f.primary.Keys(bucket))
	require.Empty(t, f.fallback.Keys(oldBkt))

	f.fallback.Inject("DeleteObject", s3fake.Error("DeleteObject", http.StatusInternalServerError, "InternalError"))
	require.True(t, storage.IsWrite(f.p.DeleteObject(ctx, bucket, "k")))
}

func TestListingIsUnion(t *testing.T) {
	f := newFixture(t, true)
	f.primary.Put(bucket, "dir/a", []byte("new"))
	f.fallback.Put(oldBkt, "dir/a", []byte("old-longer"))
	f.fallback.Put(oldBkt, "dir/b", []byte("bb"))

	stats, err := f.p.ListDirectoryStats(context.Background(), bucket, "dir/")
	require.NoError(t, err)
	require.Equal(t, []storage.ObjectStat{{Key: "dir/a", Size: 3}, {Key: "dir/b", Size: 2}}, stats)

	keys, err := f.p.ListDirectoryKeys(context.Background(), bucket, "dir")
	require.NoError(t, err)
	require.Equal(t, []string{"dir/a", "dir/b"}, keys)
}

func TestMixedBackends(t *testing.T) {
	oldDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(oldDir, "proj_file"), []byte("hello"), 0o600))
	primary := s3fake.New()
	p := New(s3Persistor(primary), fsstore.New(fsstore.Settings{}), Settings{
		Buckets:    map[string]string{bucket: oldDir},
		CopyOnMiss: true,
	}, nil)

	require.Equal(t, "hello", read(t, p, "proj/file", storage.GetOptions{}))
	p.Wait()
	data, ok := primary.Object(bucket, "proj/file")
	require.True(t, ok)
	require.Equal(t, "hello", string(data))

	_, err := p.ListDirectoryKeys(context.Background(), bucket, "proj")
	require.True(t, storage.IsNotImplemented(err))
}
