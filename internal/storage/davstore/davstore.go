// Package davstore implements the persistor contract on a WebDAV server.
// Object names map to real paths below the location folder, so directory
// operations walk collections instead of listing pages.
package davstore

import (
	"context"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/studio-b12/gowebdav"
	"go.uber.org/zap"

	"github.com/yourorg/object-persistor/internal/iopkg"
	"github.com/yourorg/object-persistor/internal/metrics"
	"github.com/yourorg/object-persistor/internal/storage"
)

type Settings struct {
	URL      string        `mapstructure:"url"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	// Timeout bounds every request. The WebDAV client has no context support,
	// so cancelling a ctx passed to a Persistor method does not stop a request
	// in flight; this timeout is the only bound.
	Timeout time.Duration `mapstructure:"timeout"`
}

type Persistor struct {
	client *gowebdav.Client
	logger *zap.Logger
}

var (
	_ storage.Persistor       = (*Persistor)(nil)
	_ storage.DirectoryLister = (*Persistor)(nil)
)

var shape = iopkg.ErrorShape{
	NotFound: func(err error) bool {
		return gowebdav.IsErrNotFound(err) || gowebdav.IsErrCode(err, http.StatusForbidden)
	},
	PreconditionFailed: func(err error) bool {
		return gowebdav.IsErrCode(err, http.StatusPreconditionFailed)
	},
}

func New(settings Settings, logger *zap.Logger) (*Persistor, error) {
	if settings.URL == "" {
		return nil, storage.NewSettingsError("webdav url is required", nil, nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := gowebdav.NewClient(settings.URL, settings.Username, settings.Password)
	if settings.Timeout > 0 {
		c.SetTimeout(settings.Timeout)
	}
	return &Persistor{client: c, logger: logger}, nil
}

func objectPath(location, name string) string {
	return path.Join("/", location, name)
}

func (p *Persistor) SendFile(ctx context.Context, location, name, fsPath string) error {
	f, err := os.Open(fsPath)
	if err != nil {
		return shape.Wrap(err, "failed to open source file", storage.Info{"location": location, "name": name, "fsPath": fsPath}, storage.KindRead)
	}
	defer f.Close()
	return p.SendStream(ctx, location, name, f, storage.SendOptions{})
}

// SendStream uploads with a single PUT. "Only if absent" is checked with a
// PROPFIND right before the PUT and is therefore not atomic.
func (p *Persistor) SendStream(ctx context.Context, location, name string, r io.Reader, opts storage.SendOptions) error {
	info := storage.Info{"location": location, "name": name}
	if opts.IfNoneMatch != "" {
		info["ifNoneMatch"] = opts.IfNoneMatch
	}
	target := objectPath(location, name)
	if opts.OnlyIfAbsent() {
		_, err := p.client.Stat(target)
		if err == nil {
			return storage.NewAlreadyWrittenError("object already exists", info, nil)
		}
		if !gowebdav.IsErrNotFound(err) {
			return shape.Wrap(err, "upload to WebDAV failed", info, storage.KindWrite)
		}
	}
	observer := iopkg.NewObserver(r, iopkg.ObserverOptions{Metric: "webdav.egress", Container: location, Hash: true})
	if err := p.client.WriteStream(target, observer, 0o644); err != nil {
		return shape.Wrap(err, "upload to WebDAV failed", info, storage.KindWrite)
	}
	if opts.SourceMd5 == "" {
		return nil
	}
	return iopkg.VerifyMd5(ctx, opts.SourceMd5, observer.Md5(), info, func(ctx context.Context) error {
		return p.DeleteObject(ctx, location, name)
	})
}

func (p *Persistor) GetObjectStream(ctx context.Context, location, name string, opts storage.GetOptions) (io.ReadCloser, error) {
	info := storage.Info{"location": location, "name": name}
	var (
		rc  io.ReadCloser
		err error
	)
	if opts.Range != nil {
		if !opts.Range.Valid() {
			return nil, storage.NewReadError("invalid byte range", info, nil)
		}
		info["start"], info["end"] = opts.Range.Start, opts.Range.End
		rc, err = p.client.ReadStreamRange(objectPath(location, name), opts.Range.Start, opts.Range.Length())
	} else {
		rc, err = p.client.ReadStream(objectPath(location, name))
	}
	if err != nil {
		return nil, shape.Wrap(err, "error reading file from WebDAV", info, storage.KindRead)
	}
	return iopkg.ObserveReadCloser(rc, iopkg.ObserverOptions{Metric: "webdav.ingress", Container: location}), nil
}

// GetRedirectURL returns "": WebDAV has no presigned links.
func (p *Persistor) GetRedirectURL(ctx context.Context, location, name string) (string, error) {
	return "", nil
}

func (p *Persistor) GetObjectSize(ctx context.Context, location, name string) (int64, error) {
	fi, err := p.client.Stat(objectPath(location, name))
	if err != nil {
		return 0, shape.Wrap(err, "error getting size of WebDAV object", storage.Info{"location": location, "name": name}, storage.KindRead)
	}
	if fi.IsDir() {
		return 0, storage.NewNotFoundError("no such file", storage.Info{"location": location, "name": name}, nil)
	}
	return fi.Size(), nil
}

// GetObjectMd5Hash downloads the object; WebDAV reports no digests.
func (p *Persistor) GetObjectMd5Hash(ctx context.Context, location, name string) (string, error) {
	metrics.Md5Downloads.WithLabelValues("webdav").Inc()
	rc, err := p.GetObjectStream(ctx, location, name, storage.GetOptions{})
	if err != nil {
		return "", err
	}
	defer rc.Close()
	md5, err := iopkg.CalculateStreamMd5(rc)
	if err != nil {
		return "", shape.Wrap(err, "error getting hash of WebDAV object", storage.Info{"location": location, "name": name}, storage.KindRead)
	}
	return md5, nil
}

func (p *Persistor) CopyObject(ctx context.Context, location, fromName, toName string) error {
	info := storage.Info{"location": location, "fromName": fromName, "toName": toName}
	dst := objectPath(location, toName)
	if err := p.client.MkdirAll(path.Dir(dst), 0o755); err != nil {
		return shape.Wrap(err, "failed to copy file in WebDAV", info, storage.KindWrite)
	}
	if err := p.client.Copy(objectPath(location, fromName), dst, true); err != nil {
		return shape.Wrap(err, "failed to copy file in WebDAV", info, storage.KindWrite)
	}
	return nil
}

func (p *Persistor) DeleteObject(ctx context.Context, location, name string) error {
	if err := p.client.Remove(objectPath(location, name)); err != nil && !gowebdav.IsErrNotFound(err) {
		return shape.Wrap(err, "failed to delete file in WebDAV", storage.Info{"location": location, "name": name}, storage.KindWrite)
	}
	return nil
}

// DeleteDirectory removes the collection; the server deletes its members.
func (p *Persistor) DeleteDirectory(ctx context.Context, location, prefix string) error {
	dir := objectPath(location, storage.DirectoryPrefix(prefix))
	if err := p.client.RemoveAll(dir); err != nil && !gowebdav.IsErrNotFound(err) {
		return shape.Wrap(err, "failed to delete directory in WebDAV", storage.Info{"location": location, "prefix": prefix}, storage.KindWrite)
	}
	p.logger.Debug("deleted webdav collection", zap.String("path", dir))
	return nil
}

func (p *Persistor) CheckIfObjectExists(ctx context.Context, location, name string) (bool, error) {
	_, err := p.GetObjectSize(ctx, location, name)
	if storage.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *Persistor) DirectorySize(ctx context.Context, location, prefix string) (int64, error) {
	stats, err := p.ListDirectoryStats(ctx, location, prefix)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, s := range stats {
		total += s.Size
	}
	return total, nil
}

func (p *Persistor) ListDirectoryKeys(ctx context.Context, location, prefix string) ([]string, error) {
	stats, err := p.ListDirectoryStats(ctx, location, prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(stats))
	for i, s := range stats {
		keys[i] = s.Key
	}
	return keys, nil
}

// ListDirectoryStats walks the collection for prefix. A missing collection
// is an empty directory.
func (p *Persistor) ListDirectoryStats(ctx context.Context, location, prefix string) ([]storage.ObjectStat, error) {
	prefix = storage.DirectoryPrefix(prefix)
	var stats []storage.ObjectStat
	err := p.walk(ctx, location, strings.TrimSuffix(prefix, "/"), &stats)
	if gowebdav.IsErrNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, shape.Wrap(err, "failed to list WebDAV directory", storage.Info{"location": location, "prefix": prefix}, storage.KindRead)
	}
	return stats, nil
}

func (p *Persistor) walk(ctx context.Context, location, dir string, stats *[]storage.ObjectStat) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := p.client.ReadDir(objectPath(location, dir))
	if err != nil {
		return err
	}
	for _, e := range entries {
		key := path.Join(dir, e.Name())
		if e.IsDir() {
			if err := p.walk(ctx, location, key, stats); err != nil {
				return err
			}
			continue
		}
		*stats = append(*stats, storage.ObjectStat{Key: key, Size: e.Size()})
	}
	return nil
}
