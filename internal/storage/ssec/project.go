package ssec

import (
	"context"
	"io"

	"github.com/yourorg/object-persistor/internal/storage"
	"github.com/yourorg/object-persistor/internal/storage/s3store"
)

// ProjectPersistor reads and writes the objects of one project with a DEK
// resolved up front. It is meant for a batch of calls and can be dropped
// afterwards.
type ProjectPersistor struct {
	view   *s3store.View
	bucket string
	dek    [2]string
}

// ForProject resolves the DEK of the project folder prefix, creating it if
// the project has none yet.
func (p *Persistor) ForProject(ctx context.Context, bucket, prefix string) (*ProjectPersistor, error) {
	return p.forProject(ctx, bucket, prefix, true)
}

// ForProjectRO is ForProject for readers: a project without a DEK is
// NotFound.
func (p *Persistor) ForProjectRO(ctx context.Context, bucket, prefix string) (*ProjectPersistor, error) {
	return p.forProject(ctx, bucket, prefix, false)
}

func (p *Persistor) forProject(ctx context.Context, bucket, prefix string, create bool) (*ProjectPersistor, error) {
	prefix = storage.DirectoryPrefix(prefix)
	if !p.settings.PathIsProjectFolder(prefix) {
		return nil, storage.NewSettingsError("not a project folder", storage.Info{"bucketName": bucket, "prefix": prefix}, nil)
	}
	dekBucket, dekKey, err := p.dekPath(bucket, prefix)
	if err != nil {
		return nil, err
	}
	view, err := p.view(ctx, bucket, prefix, create)
	if err != nil {
		return nil, err
	}
	return &ProjectPersistor{view: view, bucket: bucket, dek: [2]string{dekBucket, dekKey}}, nil
}

func (pp *ProjectPersistor) SSEC() *s3store.SSECOptions { return pp.view.SSEC() }

// DataEncryptionKeyPath returns where the project's DEK is stored.
func (pp *ProjectPersistor) DataEncryptionKeyPath() (bucket, key string) {
	return pp.dek[0], pp.dek[1]
}

func (pp *ProjectPersistor) SendStream(ctx context.Context, key string, r io.Reader, opts storage.SendOptions) error {
	return pp.view.SendStream(ctx, pp.bucket, key, r, opts)
}

func (pp *ProjectPersistor) GetObjectStream(ctx context.Context, key string, opts storage.GetOptions) (io.ReadCloser, error) {
	return pp.view.GetObjectStream(ctx, pp.bucket, key, opts)
}
