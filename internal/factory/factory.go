// Package factory builds the persistor tree described by a Config.
package factory

import (
	"context"

	"go.uber.org/zap"

	"github.com/yourorg/object-persistor/internal/config"
	"github.com/yourorg/object-persistor/internal/keys"
	"github.com/yourorg/object-persistor/internal/storage"
	"github.com/yourorg/object-persistor/internal/storage/davstore"
	"github.com/yourorg/object-persistor/internal/storage/fsstore"
	"github.com/yourorg/object-persistor/internal/storage/gcsstore"
	"github.com/yourorg/object-persistor/internal/storage/migration"
	"github.com/yourorg/object-persistor/internal/storage/s3store"
	"github.com/yourorg/object-persistor/internal/storage/ssec"
)

type options struct {
	s3Clients s3store.ClientFactory
}

type Option func(*options)

// WithS3ClientFactory replaces the SDK clients of every S3 backed persistor.
func WithS3ClientFactory(f s3store.ClientFactory) Option {
	return func(o *options) { o.s3Clients = f }
}

// New returns the configured backend, wrapped in a migration persistor when
// a fallback is configured.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (storage.Persistor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	primary, err := build(ctx, cfg, cfg.Backend, logger, o)
	if err != nil {
		return nil, err
	}
	if cfg.Fallback.Backend == "" {
		return primary, nil
	}
	fallback, err := build(ctx, cfg, cfg.Fallback.Backend, logger.With(zap.String("role", "fallback")), o)
	if err != nil {
		return nil, err
	}
	logger.Info("migration enabled",
		zap.String("primary", cfg.Backend),
		zap.String("fallback", cfg.Fallback.Backend),
		zap.Bool("copyOnMiss", cfg.Fallback.CopyOnMiss))
	return migration.New(primary, fallback, cfg.Fallback.Migration(), logger), nil
}

func build(ctx context.Context, cfg *config.Config, backend string, logger *zap.Logger, o options) (storage.Persistor, error) {
	logger = logger.With(zap.String("backend", backend))
	switch backend {
	case config.BackendFS:
		return fsstore.New(cfg.FS), nil
	case config.BackendS3:
		return newS3(cfg, logger, o), nil
	case config.BackendS3SSEC:
		p, err := ssec.New(newS3(cfg, logger, o), ssec.Settings{
			DataEncryptionKeyPath: keys.DataEncryptionKeyPath(cfg.SSEC.DEKBucket),
			PathIsProjectFolder:   keys.IsProjectFolder,
			LoadKEKs:              ssec.StaticKEKs(cfg.SSEC.KEKs),
		}, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	case config.BackendGCS:
		p, err := gcsstore.New(ctx, cfg.GCS, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	case config.BackendWebDAV:
		p, err := davstore.New(cfg.WebDAV, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, storage.NewSettingsError("unknown backend", storage.Info{"backend": backend}, nil)
}

func newS3(cfg *config.Config, logger *zap.Logger, o options) *s3store.Persistor {
	opts := []s3store.Option{s3store.WithLogger(logger)}
	if o.s3Clients != nil {
		opts = append(opts, s3store.WithClientFactory(o.s3Clients))
	}
	return s3store.New(cfg.S3, opts...)
}
