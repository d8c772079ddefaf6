package factory

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yourorg/object-persistor/internal/config"
	"github.com/yourorg/object-persistor/internal/storage"
	"github.com/yourorg/object-persistor/internal/storage/davstore"
	"github.com/yourorg/object-persistor/internal/storage/fsstore"
	"github.com/yourorg/object-persistor/internal/storage/gcsstore"
	"github.com/yourorg/object-persistor/internal/storage/migration"
	"github.com/yourorg/object-persistor/internal/storage/s3store"
	"github.com/yourorg/object-persistor/internal/storage/s3store/s3fake"
	"github.com/yourorg/object-persistor/internal/storage/ssec"
)

func fakeClients(fake *s3fake.Server) Option {
	return WithS3ClientFactory(func(ctx context.Context, bucket string) (s3store.API, s3store.Presigner, error) {
		return fake, fake, nil
	})
}

func TestBuildsEachBackend(t *testing.T) {
	kek := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, s3store.SSECKeyLength))
	cases := []struct {
		cfg  config.Config
		want any
	}{
		{config.Config{Backend: config.BackendFS}, &fsstore.Persistor{}},
		{config.Config{Backend: config.BackendS3}, &s3store.Persistor{}},
		{config.Config{Backend: config.BackendS3SSEC, SSEC: config.SSECConfig{KEKs: []string{kek}, DEKBucket: "deks"}}, &ssec.Persistor{}},
		{config.Config{Backend: config.BackendGCS, GCS: gcsstore.Settings{Endpoint: "http://localhost:4443"}}, &gcsstore.Persistor{}},
		{config.Config{Backend: config.BackendWebDAV, WebDAV: davstore.Settings{URL: "http://localhost:8080"}}, &davstore.Persistor{}},
	}
	for _, c := range cases {
		t.Run(c.cfg.Backend, func(t *testing.T) {
			p, err := New(context.Background(), &c.cfg, nil, fakeClients(s3fake.New()))
			require.NoError(t, err)
			require.IsType(t, c.want, p)
		})
	}
}

func TestInvalidConfig(t *testing.T) {
	_, err := New(context.Background(), &config.Config{Backend: "tape"}, nil)
	require.True(t, storage.IsSettings(err))
}

func TestFallbackBuildsMigration(t *testing.T) {
	oldDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(oldDir, "k"), []byte("legacy"), 0o600))
	fake := s3fake.New()
	cfg := &config.Config{
		Backend: config.BackendS3,
		Fallback: config.FallbackConfig{
			Backend:    config.BackendFS,
			Buckets:    map[string]string{"bucket": oldDir},
			CopyOnMiss: true,
		},
	}
	p, err := New(context.Background(), cfg, nil, fakeClients(fake))
	require.NoError(t, err)
	m, ok := p.(*migration.Persistor)
	require.True(t, ok)

	rc, err := m.GetObjectStream(context.Background(), "bucket", "k", storage.GetOptions{})
	require.NoError(t, err)
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "legacy", string(b))

	m.Wait()
	data, ok := fake.Object("bucket", "k")
	require.True(t, ok)
	require.Equal(t, "legacy", string(data))
}

func TestSSECRoundtrip(t *testing.T) {
	kek := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{9}, s3store.SSECKeyLength))
	cfg := &config.Config{Backend: config.BackendS3SSEC, SSEC: config.SSECConfig{KEKs: []string{kek}, DEKBucket: "deks"}}
	fake := s3fake.New()
	p, err := New(context.Background(), cfg, nil, fakeClients(fake))
	require.NoError(t, err)

	ctx := context.Background()
	key := "5f0c9a3c2a8d7e0012345678/blob"
	require.NoError(t, p.SendStream(ctx, "data", key, strings.NewReader("secret"), storage.SendOptions{}))
	require.Equal(t, []string{"5f0c9a3c2a8d7e0012345678/dek"}, fake.Keys("deks"))
	size, err := p.GetObjectSize(ctx, "data", key)
	require.NoError(t, err)
	require.Equal(t, int64(6), size)
}
