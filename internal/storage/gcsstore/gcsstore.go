// Package gcsstore implements the persistor contract on Google Cloud Storage.
package gcsstore

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	"github.com/yourorg/object-persistor/internal/iopkg"
	"github.com/yourorg/object-persistor/internal/metrics"
	"github.com/yourorg/object-persistor/internal/storage"
)

const (
	DefaultDeleteConcurrency = 50
	DefaultSignedURLExpiry   = 15 * time.Minute
	defaultEndpoint          = "https://storage.googleapis.com"
	listPageSize             = 1000
)

type Settings struct {
	// Endpoint overrides the API endpoint, e.g. for a local emulator.
	Endpoint        string `mapstructure:"endpoint"`
	CredentialsFile string `mapstructure:"credentialsFile"`
	// UnsignedURLs makes GetRedirectURL return plain download links, for
	// emulators that cannot verify signatures.
	UnsignedURLs      bool          `mapstructure:"unsignedUrls"`
	SignedURLExpiry   time.Duration `mapstructure:"signedUrlExpiry"`
	DeleteConcurrency int           `mapstructure:"deleteConcurrency"`
	// ChunkSize enables resumable uploads in chunks of this size.
	ChunkSize int `mapstructure:"chunkSize"`
}

type Persistor struct {
	settings Settings
	backend  backend
	logger   *zap.Logger
}

var (
	_ storage.Persistor       = (*Persistor)(nil)
	_ storage.DirectoryLister = (*Persistor)(nil)
)

var shape = iopkg.ErrorShape{NotFound: isNotFound, PreconditionFailed: isPreconditionFailed}

// New connects to GCS with application default credentials unless a
// credentials file or emulator endpoint is configured.
func New(ctx context.Context, settings Settings, logger *zap.Logger) (*Persistor, error) {
	var opts []option.ClientOption
	if settings.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(strings.TrimSuffix(settings.Endpoint, "/")+"/storage/v1/"))
		if settings.CredentialsFile == "" {
			opts = append(opts, option.WithoutAuthentication())
		}
	}
	if settings.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(settings.CredentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, storage.NewSettingsError("cannot create GCS client", storage.Info{"endpoint": settings.Endpoint}, err)
	}
	return newWithBackend(settings, &gcsBackend{client: client, chunkSize: settings.ChunkSize}, logger), nil
}

func newWithBackend(settings Settings, b backend, logger *zap.Logger) *Persistor {
	if settings.DeleteConcurrency <= 0 {
		settings.DeleteConcurrency = DefaultDeleteConcurrency
	}
	if settings.SignedURLExpiry <= 0 {
		settings.SignedURLExpiry = DefaultSignedURLExpiry
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persistor{settings: settings, backend: b, logger: logger}
}

func (p *Persistor) SendFile(ctx context.Context, bucket, key, fsPath string) error {
	f, err := os.Open(fsPath)
	if err != nil {
		return shape.Wrap(err, "failed to open source file", storage.Info{"bucketName": bucket, "key": key, "fsPath": fsPath}, storage.KindRead)
	}
	defer f.Close()
	return p.SendStream(ctx, bucket, key, f, storage.SendOptions{})
}

func (p *Persistor) SendStream(ctx context.Context, bucket, key string, r io.Reader, opts storage.SendOptions) error {
	info := storage.Info{"bucketName": bucket, "key": key}
	if opts.IfNoneMatch != "" {
		info["ifNoneMatch"] = opts.IfNoneMatch
	}
	attrs := uploadAttrs{
		contentType:     opts.ContentType,
		contentEncoding: opts.ContentEncoding,
		ifAbsent:        opts.OnlyIfAbsent(),
	}
	if opts.SourceMd5 != "" {
		sum, err := hex.DecodeString(opts.SourceMd5)
		if err != nil {
			return storage.NewWriteError("invalid source md5", info, err)
		}
		attrs.md5 = sum
	}
	// with a source md5 GCS validates the upload itself
	observer := iopkg.NewObserver(r, iopkg.ObserverOptions{Metric: "gcs.egress", Container: bucket, Hash: opts.SourceMd5 == ""})
	stored, err := p.backend.Upload(ctx, bucket, key, observer, attrs)
	if err != nil {
		return shape.Wrap(err, "upload to GCS failed", info, storage.KindWrite)
	}
	if opts.SourceMd5 != "" {
		return nil
	}
	destMd5 := hex.EncodeToString(stored.MD5)
	if len(stored.MD5) == 0 {
		if destMd5, err = p.GetObjectMd5Hash(ctx, bucket, key); err != nil {
			return err
		}
	}
	return iopkg.VerifyMd5(ctx, observer.Md5(), destMd5, info, func(ctx context.Context) error {
		return p.DeleteObject(ctx, bucket, key)
	})
}

func (p *Persistor) GetObjectStream(ctx context.Context, bucket, key string, opts storage.GetOptions) (io.ReadCloser, error) {
	info := storage.Info{"bucketName": bucket, "key": key}
	offset, length := int64(0), int64(-1)
	if opts.Range != nil {
		if !opts.Range.Valid() {
			return nil, storage.NewReadError("invalid byte range", info, nil)
		}
		offset, length = opts.Range.Start, opts.Range.Length()
		info["start"], info["end"] = opts.Range.Start, opts.Range.End
	}
	rc, err := p.backend.Open(ctx, bucket, key, offset, length)
	if err != nil {
		return nil, shape.Wrap(err, "error reading file from GCS", info, storage.KindRead)
	}
	return iopkg.ObserveReadCloser(rc, iopkg.ObserverOptions{Metric: "gcs.ingress", Container: bucket}), nil
}

func (p *Persistor) GetRedirectURL(ctx context.Context, bucket, key string) (string, error) {
	if p.settings.UnsignedURLs {
		endpoint := p.settings.Endpoint
		if endpoint == "" {
			endpoint = defaultEndpoint
		}
		return fmt.Sprintf("%s/download/storage/v1/b/%s/o/%s?alt=media",
			strings.TrimSuffix(endpoint, "/"), url.PathEscape(bucket), url.PathEscape(key)), nil
	}
	u, err := p.backend.SignedURL(bucket, key, time.Now().Add(p.settings.SignedURLExpiry))
	if err != nil {
		return "", shape.Wrap(err, "error generating signed url for GCS file", storage.Info{"bucketName": bucket, "key": key}, storage.KindRead)
	}
	return u, nil
}

func (p *Persistor) GetObjectSize(ctx context.Context, bucket, key string) (int64, error) {
	st, err := p.backend.Stat(ctx, bucket, key)
	if err != nil {
		return 0, shape.Wrap(err, "error getting size of GCS object", storage.Info{"bucketName": bucket, "key": key}, storage.KindRead)
	}
	return st.Size, nil
}

// GetObjectMd5Hash reads the stored MD5, or hashes the content of composite
// objects, which have none.
func (p *Persistor) GetObjectMd5Hash(ctx context.Context, bucket, key string) (string, error) {
	info := storage.Info{"bucketName": bucket, "key": key}
	st, err := p.backend.Stat(ctx, bucket, key)
	if err != nil {
		return "", shape.Wrap(err, "error getting hash of GCS object", info, storage.KindRead)
	}
	if len(st.MD5) > 0 {
		return hex.EncodeToString(st.MD5), nil
	}
	metrics.Md5Downloads.WithLabelValues("gcs").Inc()
	p.logger.Debug("object has no md5, downloading it", zap.String("bucket", bucket), zap.String("key", key))
	rc, err := p.GetObjectStream(ctx, bucket, key, storage.GetOptions{})
	if err != nil {
		return "", err
	}
	defer rc.Close()
	md5, err := iopkg.CalculateStreamMd5(rc)
	if err != nil {
		return "", shape.Wrap(err, "error getting hash of GCS object", info, storage.KindRead)
	}
	return md5, nil
}

func (p *Persistor) CopyObject(ctx context.Context, bucket, fromKey, toKey string) error {
	if err := p.backend.Copy(ctx, bucket, fromKey, toKey); err != nil {
		return shape.Wrap(err, "failed to copy file in GCS", storage.Info{"bucketName": bucket, "sourceKey": fromKey, "destKey": toKey}, storage.KindWrite)
	}
	return nil
}

func (p *Persistor) DeleteObject(ctx context.Context, bucket, key string) error {
	err := p.backend.Delete(ctx, bucket, key)
	if err == nil || isMissing(err) {
		return nil
	}
	return shape.Wrap(err, "failed to delete file in GCS", storage.Info{"bucketName": bucket, "key": key}, storage.KindWrite)
}

// DeleteDirectory deletes page by page; GCS has no bulk delete, so objects
// go one request each with bounded concurrency.
func (p *Persistor) DeleteDirectory(ctx context.Context, bucket, prefix string) error {
	prefix = storage.DirectoryPrefix(prefix)
	return p.eachPage(ctx, bucket, prefix, func(objects []objectInfo, token string) error {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.settings.DeleteConcurrency)
		for _, o := range objects {
			key := o.Key
			g.Go(func() error {
				if err := p.backend.Delete(gctx, bucket, key); err != nil && !isMissing(err) {
					return err
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return shape.Wrap(err, "failed to delete directory in GCS", storage.Info{"bucketName": bucket, "prefix": prefix, "pageToken": token}, storage.KindWrite)
		}
		return nil
	})
}

func (p *Persistor) CheckIfObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := p.GetObjectSize(ctx, bucket, key)
	if storage.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *Persistor) DirectorySize(ctx context.Context, bucket, prefix string) (int64, error) {
	stats, err := p.ListDirectoryStats(ctx, bucket, prefix)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, s := range stats {
		total += s.Size
	}
	return total, nil
}

func (p *Persistor) ListDirectoryKeys(ctx context.Context, bucket, prefix string) ([]string, error) {
	stats, err := p.ListDirectoryStats(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(stats))
	for i, s := range stats {
		keys[i] = s.Key
	}
	return keys, nil
}

func (p *Persistor) ListDirectoryStats(ctx context.Context, bucket, prefix string) ([]storage.ObjectStat, error) {
	prefix = storage.DirectoryPrefix(prefix)
	var stats []storage.ObjectStat
	err := p.eachPage(ctx, bucket, prefix, func(objects []objectInfo, _ string) error {
		for _, o := range objects {
			stats = append(stats, storage.ObjectStat{Key: o.Key, Size: o.Size})
		}
		return nil
	})
	return stats, err
}

func (p *Persistor) eachPage(ctx context.Context, bucket, prefix string, fn func([]objectInfo, string) error) error {
	var token string
	for {
		objects, next, err := p.backend.ListPage(ctx, bucket, prefix, token, listPageSize)
		if err != nil {
			return shape.Wrap(err, "failed to list objects in GCS", storage.Info{"bucketName": bucket, "prefix": prefix, "pageToken": token}, storage.KindRead)
		}
		if len(objects) > 0 {
			if err := fn(objects, token); err != nil {
				return err
			}
		}
		if next == "" {
			return nil
		}
		token = next
	}
}
