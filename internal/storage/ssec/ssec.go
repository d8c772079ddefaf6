// Package ssec encrypts each project with its own data encryption key (DEK)
// using S3 server side encryption with customer supplied keys. DEKs are
// stored as objects themselves, encrypted with a deployment wide key
// encryption key (KEK).
package ssec

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"io"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/yourorg/object-persistor/internal/storage"
	"github.com/yourorg/object-persistor/internal/storage/s3store"
)

// KEKLoader returns the candidate key encryption keys. The first one is
// used for new DEKs; the others are only tried when reading.
type KEKLoader func(ctx context.Context) ([]*s3store.SSECOptions, error)

// StaticKEKs decodes base64 encoded keys once and always returns them.
func StaticKEKs(encoded []string) KEKLoader {
	return func(ctx context.Context) ([]*s3store.SSECOptions, error) {
		if len(encoded) == 0 {
			return nil, storage.NewSettingsError("no key encryption key configured", nil, nil)
		}
		keks := make([]*s3store.SSECOptions, 0, len(encoded))
		for i, e := range encoded {
			raw, err := base64.StdEncoding.DecodeString(e)
			if err != nil {
				return nil, storage.NewSettingsError("key encryption key is not base64", storage.Info{"index": i}, err)
			}
			kek, err := s3store.NewSSECOptions(raw)
			if err != nil {
				return nil, err
			}
			keks = append(keks, kek)
		}
		return keks, nil
	}
}

type Settings struct {
	// DataEncryptionKeyPath maps an object to the bucket and key of its DEK.
	DataEncryptionKeyPath func(bucket, key string) (string, string, error)
	// PathIsProjectFolder reports whether a prefix is a whole project, in
	// which case deleting it also deletes the DEK.
	PathIsProjectFolder func(prefix string) bool
	LoadKEKs            KEKLoader
}

type Persistor struct {
	s3       *s3store.Persistor
	settings Settings
	logger   *zap.Logger

	kekMu sync.Mutex
	keks  []*s3store.SSECOptions

	resolving singleflight.Group
}

var (
	_ storage.Persistor       = (*Persistor)(nil)
	_ storage.DirectoryLister = (*Persistor)(nil)
)

func New(s3 *s3store.Persistor, settings Settings, logger *zap.Logger) (*Persistor, error) {
	if settings.DataEncryptionKeyPath == nil || settings.PathIsProjectFolder == nil || settings.LoadKEKs == nil {
		return nil, storage.NewSettingsError("SSE-C needs a DEK path, a project folder check and a KEK loader", nil, nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persistor{s3: s3, settings: settings, logger: logger}, nil
}

// keyEncryptionKeys loads the KEKs on first use. Failures are not cached.
func (p *Persistor) keyEncryptionKeys(ctx context.Context) ([]*s3store.SSECOptions, error) {
	p.kekMu.Lock()
	defer p.kekMu.Unlock()
	if p.keks != nil {
		return p.keks, nil
	}
	keks, err := p.settings.LoadKEKs(ctx)
	if err != nil {
		return nil, err
	}
	if len(keks) == 0 {
		return nil, storage.NewSettingsError("no key encryption key configured", nil, nil)
	}
	p.keks = keks
	return keks, nil
}

// dekPath locates the DEK of key. DEKs must live in a bucket of their own:
// inside the data bucket they would be listed and sized as user objects, and
// a write to the DEK's key would lock the whole project out.
func (p *Persistor) dekPath(bucket, key string) (string, string, error) {
	info := storage.Info{"bucketName": bucket, "key": key}
	dekBucket, dekKey, err := p.settings.DataEncryptionKeyPath(bucket, key)
	if err != nil {
		return "", "", storage.NewSettingsError("cannot locate data encryption key", info, err)
	}
	if dekBucket == bucket {
		return "", "", storage.NewSettingsError("data encryption keys must not share a bucket with data", info, nil)
	}
	return dekBucket, dekKey, nil
}

// dataEncryptionKey resolves the DEK for key. With create set a missing DEK
// is generated; when another writer stores one first, that one is used.
func (p *Persistor) dataEncryptionKey(ctx context.Context, bucket, key string, create bool) (*s3store.SSECOptions, error) {
	dekBucket, dekKey, err := p.dekPath(bucket, key)
	if err != nil {
		return nil, err
	}
	flight := dekBucket + "/" + dekKey
	if create {
		flight += "+create"
	}
	// The flight is shared, so one caller giving up must not fail the others.
	flightCtx := context.WithoutCancel(ctx)
	ch := p.resolving.DoChan(flight, func() (any, error) {
		dek, err := p.fetchDEK(flightCtx, dekBucket, dekKey)
		if err == nil || !create || !storage.IsNotFound(err) {
			return dek, err
		}
		dek, err = p.createDEK(flightCtx, dekBucket, dekKey)
		if storage.IsAlreadyWritten(err) {
			p.logger.Debug("lost data encryption key race, using the winner's", zap.String("bucket", dekBucket), zap.String("key", dekKey))
			return p.fetchDEK(flightCtx, dekBucket, dekKey)
		}
		return dek, err
	})
	select {
	case <-ctx.Done():
		return nil, storage.NewReadError("gave up waiting for data encryption key", storage.Info{"bucketName": dekBucket, "key": dekKey}, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*s3store.SSECOptions), nil
	}
}

// fetchDEK tries every KEK. A 403 means the DEK was written with another
// KEK; a missing DEK object is NotFound.
func (p *Persistor) fetchDEK(ctx context.Context, bucket, key string) (*s3store.SSECOptions, error) {
	keks, err := p.keyEncryptionKeys(ctx)
	if err != nil {
		return nil, err
	}
	info := storage.Info{"bucketName": bucket, "key": key}
	for _, kek := range keks {
		rc, err := p.s3.WithSSEC(kek).GetObjectStream(ctx, bucket, key, storage.GetOptions{})
		if err != nil {
			if storage.IsNotFound(err) && s3store.IsAccessDenied(err) {
				continue
			}
			return nil, err
		}
		raw, err := io.ReadAll(io.LimitReader(rc, s3store.SSECKeyLength+1))
		rc.Close()
		if err != nil {
			return nil, storage.NewReadError("failed to read data encryption key", info, err)
		}
		dek, err := s3store.NewSSECOptions(raw)
		if err != nil {
			return nil, storage.NewReadError("data encryption key is malformed", info, err)
		}
		return dek, nil
	}
	return nil, storage.NewNoKEKMatchedError("no key encryption key matched", info, nil)
}

func (p *Persistor) createDEK(ctx context.Context, bucket, key string) (*s3store.SSECOptions, error) {
	keks, err := p.keyEncryptionKeys(ctx)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, s3store.SSECKeyLength)
	if _, err := rand.Read(raw); err != nil {
		return nil, storage.NewWriteError("failed to generate data encryption key", nil, err)
	}
	dek, err := s3store.NewSSECOptions(raw)
	if err != nil {
		return nil, err
	}
	sum := md5.Sum(raw)
	err = p.s3.WithSSEC(keks[0]).SendStream(ctx, bucket, key, bytes.NewReader(raw), storage.SendOptions{
		SourceMd5:     hex.EncodeToString(sum[:]),
		ContentLength: int64(len(raw)),
		IfNoneMatch:   storage.IfNoneMatchAny,
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info("created data encryption key", zap.String("bucket", bucket), zap.String("key", key))
	return dek, nil
}

func (p *Persistor) view(ctx context.Context, bucket, key string, create bool) (*s3store.View, error) {
	dek, err := p.dataEncryptionKey(ctx, bucket, key, create)
	if err != nil {
		return nil, err
	}
	return p.s3.WithSSEC(dek), nil
}

func (p *Persistor) SendFile(ctx context.Context, bucket, key, fsPath string) error {
	v, err := p.view(ctx, bucket, key, true)
	if err != nil {
		return err
	}
	return v.SendFile(ctx, bucket, key, fsPath)
}

func (p *Persistor) SendStream(ctx context.Context, bucket, key string, r io.Reader, opts storage.SendOptions) error {
	v, err := p.view(ctx, bucket, key, true)
	if err != nil {
		return err
	}
	return v.SendStream(ctx, bucket, key, r, opts)
}

func (p *Persistor) GetObjectStream(ctx context.Context, bucket, key string, opts storage.GetOptions) (io.ReadCloser, error) {
	v, err := p.view(ctx, bucket, key, false)
	if err != nil {
		return nil, err
	}
	return v.GetObjectStream(ctx, bucket, key, opts)
}

func (p *Persistor) GetRedirectURL(ctx context.Context, bucket, key string) (string, error) {
	return "", storage.NewNotImplementedError("signed links are not supported with SSE-C", storage.Info{"bucketName": bucket, "key": key}, nil)
}

func (p *Persistor) GetObjectSize(ctx context.Context, bucket, key string) (int64, error) {
	v, err := p.view(ctx, bucket, key, false)
	if err != nil {
		return 0, err
	}
	return v.GetObjectSize(ctx, bucket, key)
}

func (p *Persistor) GetObjectMd5Hash(ctx context.Context, bucket, key string) (string, error) {
	v, err := p.view(ctx, bucket, key, false)
	if err != nil {
		return "", err
	}
	return v.GetObjectMd5Hash(ctx, bucket, key)
}

// CopyObject decrypts with the source project's DEK and encrypts with the
// destination's, which is created when the destination project has none.
func (p *Persistor) CopyObject(ctx context.Context, bucket, fromKey, toKey string) error {
	src, err := p.dataEncryptionKey(ctx, bucket, fromKey, false)
	if err != nil {
		return err
	}
	dst, err := p.view(ctx, bucket, toKey, true)
	if err != nil {
		return err
	}
	return dst.CopyObjectFrom(ctx, bucket, fromKey, toKey, src)
}

func (p *Persistor) DeleteObject(ctx context.Context, bucket, key string) error {
	return p.s3.DeleteObject(ctx, bucket, key)
}

// DeleteDirectory also removes the DEK when prefix is a whole project.
func (p *Persistor) DeleteDirectory(ctx context.Context, bucket, prefix string) error {
	if !p.settings.PathIsProjectFolder(prefix) {
		return p.s3.DeleteDirectory(ctx, bucket, prefix)
	}
	dekBucket, dekKey, err := p.dekPath(bucket, storage.DirectoryPrefix(prefix))
	if err != nil {
		return err
	}
	if err := p.s3.DeleteDirectory(ctx, bucket, prefix); err != nil {
		return err
	}
	return p.s3.DeleteObject(ctx, dekBucket, dekKey)
}

// CheckIfObjectExists is false for projects without a DEK.
func (p *Persistor) CheckIfObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	v, err := p.view(ctx, bucket, key, false)
	if storage.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v.CheckIfObjectExists(ctx, bucket, key)
}

func (p *Persistor) DirectorySize(ctx context.Context, bucket, prefix string) (int64, error) {
	return p.s3.DirectorySize(ctx, bucket, prefix)
}

func (p *Persistor) ListDirectoryKeys(ctx context.Context, bucket, prefix string) ([]string, error) {
	return p.s3.ListDirectoryKeys(ctx, bucket, prefix)
}

func (p *Persistor) ListDirectoryStats(ctx context.Context, bucket, prefix string) ([]storage.ObjectStat, error) {
	return p.s3.ListDirectoryStats(ctx, bucket, prefix)
}
