package s3store

import (
	"context"
	"io"

	"github.com/yourorg/object-persistor/internal/storage"
)

// View is a Persistor bound to one SSE-C key. Listing and deleting do not
// need the key and are delegated unchanged.
type View struct {
	p    *Persistor
	ssec *SSECOptions
}

var (
	_ storage.Persistor       = (*View)(nil)
	_ storage.DirectoryLister = (*View)(nil)
)

func (v *View) SSEC() *SSECOptions { return v.ssec }

func (v *View) SendFile(ctx context.Context, bucket, key, fsPath string) error {
	return v.p.sendFile(ctx, bucket, key, fsPath, v.ssec)
}

func (v *View) SendStream(ctx context.Context, bucket, key string, r io.Reader, opts storage.SendOptions) error {
	return v.p.sendStream(ctx, bucket, key, r, opts, v.ssec)
}

func (v *View) GetObjectStream(ctx context.Context, bucket, key string, opts storage.GetOptions) (io.ReadCloser, error) {
	return v.p.getObjectStream(ctx, bucket, key, opts, v.ssec)
}

// GetRedirectURL is not available: a presigned URL cannot carry the key.
func (v *View) GetRedirectURL(ctx context.Context, bucket, key string) (string, error) {
	return "", storage.NewNotImplementedError("signed links are not supported with SSE-C", storage.Info{"bucketName": bucket, "key": key}, nil)
}

func (v *View) GetObjectSize(ctx context.Context, bucket, key string) (int64, error) {
	return v.p.getObjectSize(ctx, bucket, key, v.ssec)
}

// GetObjectMd5Hash always downloads: SSE-C ETags are not content digests.
func (v *View) GetObjectMd5Hash(ctx context.Context, bucket, key string) (string, error) {
	return v.p.getObjectMd5Hash(ctx, bucket, key, v.ssec)
}

func (v *View) CopyObject(ctx context.Context, bucket, fromKey, toKey string) error {
	return v.p.copyObject(ctx, bucket, fromKey, toKey, v.ssec, v.ssec)
}

// CopyObjectFrom copies an object encrypted with src into toKey, encrypting
// the copy with the view's key.
func (v *View) CopyObjectFrom(ctx context.Context, bucket, fromKey, toKey string, src *SSECOptions) error {
	return v.p.copyObject(ctx, bucket, fromKey, toKey, src, v.ssec)
}

func (v *View) DeleteObject(ctx context.Context, bucket, key string) error {
	return v.p.DeleteObject(ctx, bucket, key)
}

func (v *View) DeleteDirectory(ctx context.Context, bucket, prefix string) error {
	return v.p.DeleteDirectory(ctx, bucket, prefix)
}

func (v *View) CheckIfObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	return v.p.checkIfObjectExists(ctx, bucket, key, v.ssec)
}

func (v *View) DirectorySize(ctx context.Context, bucket, prefix string) (int64, error) {
	return v.p.DirectorySize(ctx, bucket, prefix)
}

func (v *View) ListDirectoryKeys(ctx context.Context, bucket, prefix string) ([]string, error) {
	return v.p.ListDirectoryKeys(ctx, bucket, prefix)
}

func (v *View) ListDirectoryStats(ctx context.Context, bucket, prefix string) ([]storage.ObjectStat, error) {
	return v.p.ListDirectoryStats(ctx, bucket, prefix)
}
