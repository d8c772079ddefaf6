package gcsstore

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

type objectInfo struct {
	Key  string
	Size int64
	// MD5 is empty for composite objects.
	MD5 []byte
}

type uploadAttrs struct {
	contentType     string
	contentEncoding string
	// md5 makes GCS reject the upload when the content differs.
	md5      []byte
	ifAbsent bool
}

// backend is the part of the GCS client the persistor needs.
type backend interface {
	Upload(ctx context.Context, bucket, key string, r io.Reader, attrs uploadAttrs) (objectInfo, error)
	// Open reads length bytes from offset; length -1 reads to the end.
	Open(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error)
	Stat(ctx context.Context, bucket, key string) (objectInfo, error)
	Copy(ctx context.Context, bucket, from, to string) error
	Delete(ctx context.Context, bucket, key string) error
	SignedURL(bucket, key string, expires time.Time) (string, error)
	// ListPage returns one page of objects below prefix and the token of the
	// next page, "" on the last one.
	ListPage(ctx context.Context, bucket, prefix, token string, pageSize int) ([]objectInfo, string, error)
}

type gcsBackend struct {
	client *gcs.Client
	// chunkSize 0 gives single request, non-resumable uploads.
	chunkSize int
}

func (b *gcsBackend) object(bucket, key string) *gcs.ObjectHandle {
	return b.client.Bucket(bucket).Object(key)
}

func (b *gcsBackend) Upload(ctx context.Context, bucket, key string, r io.Reader, attrs uploadAttrs) (objectInfo, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	oh := b.object(bucket, key)
	if attrs.ifAbsent {
		oh = oh.If(gcs.Conditions{DoesNotExist: true})
	}
	w := oh.NewWriter(ctx)
	w.ChunkSize = b.chunkSize
	w.ContentType = attrs.contentType
	w.ContentEncoding = attrs.contentEncoding
	w.MD5 = attrs.md5
	if _, err := io.Copy(w, r); err != nil {
		// cancelling abandons the upload instead of committing a partial object
		cancel()
		w.Close()
		return objectInfo{}, err
	}
	if err := w.Close(); err != nil {
		return objectInfo{}, err
	}
	a := w.Attrs()
	return objectInfo{Key: a.Name, Size: a.Size, MD5: a.MD5}, nil
}

func (b *gcsBackend) Open(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error) {
	// ReadCompressed disables decompressive transcoding so ranges and
	// hashes apply to the stored bytes
	return b.object(bucket, key).ReadCompressed(true).NewRangeReader(ctx, offset, length)
}

func (b *gcsBackend) Stat(ctx context.Context, bucket, key string) (objectInfo, error) {
	a, err := b.object(bucket, key).Attrs(ctx)
	if err != nil {
		return objectInfo{}, err
	}
	return objectInfo{Key: a.Name, Size: a.Size, MD5: a.MD5}, nil
}

func (b *gcsBackend) Copy(ctx context.Context, bucket, from, to string) error {
	_, err := b.object(bucket, to).CopierFrom(b.object(bucket, from)).Run(ctx)
	return err
}

func (b *gcsBackend) Delete(ctx context.Context, bucket, key string) error {
	return b.object(bucket, key).Delete(ctx)
}

func (b *gcsBackend) SignedURL(bucket, key string, expires time.Time) (string, error) {
	return b.client.Bucket(bucket).SignedURL(key, &gcs.SignedURLOptions{
		Method:  http.MethodGet,
		Expires: expires,
		Scheme:  gcs.SigningSchemeV4,
	})
}

func (b *gcsBackend) ListPage(ctx context.Context, bucket, prefix, token string, pageSize int) ([]objectInfo, string, error) {
	it := b.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var page []*gcs.ObjectAttrs
	next, err := iterator.NewPager(it, pageSize, token).NextPage(&page)
	if err != nil {
		return nil, "", err
	}
	out := make([]objectInfo, 0, len(page))
	for _, a := range page {
		out = append(out, objectInfo{Key: a.Name, Size: a.Size, MD5: a.MD5})
	}
	return out, next, nil
}

func apiCode(err error) int {
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return 0
}

// isNotFound treats 403 like 404, as the other backends do.
func isNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	switch apiCode(err) {
	case http.StatusNotFound, http.StatusForbidden:
		return true
	}
	return false
}

// isMissing is a strict 404, used where absence is not an error.
func isMissing(err error) bool {
	return errors.Is(err, gcs.ErrObjectNotExist) || apiCode(err) == http.StatusNotFound
}

func isPreconditionFailed(err error) bool {
	return apiCode(err) == http.StatusPreconditionFailed
}
