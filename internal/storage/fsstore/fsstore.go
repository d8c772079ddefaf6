// Package fsstore keeps objects as files in a local directory per location.
// Object names are flattened into a single directory by replacing "/" with
// "_", so directory operations are globs over the flattened prefix.
package fsstore

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/object-persistor/internal/iopkg"
	"github.com/yourorg/object-persistor/internal/storage"
)

const (
	filler = "_"
	// uploads are staged here before they are published under their name
	stagingDir = ".staging"

	DefaultDeleteConcurrency = 50
)

type Settings struct {
	// DeleteConcurrency bounds parallel unlinks in DeleteDirectory.
	DeleteConcurrency int `mapstructure:"deleteConcurrency"`
}

type Persistor struct {
	settings Settings
}

var _ storage.Persistor = (*Persistor)(nil)

func New(settings Settings) *Persistor {
	if settings.DeleteConcurrency <= 0 {
		settings.DeleteConcurrency = DefaultDeleteConcurrency
	}
	return &Persistor{settings: settings}
}

var shape = iopkg.ErrorShape{
	NotFound: func(err error) bool { return errors.Is(err, fs.ErrNotExist) },
	PreconditionFailed: func(err error) bool {
		return errors.Is(err, fs.ErrExist)
	},
}

func filterName(name string) string {
	return strings.ReplaceAll(name, "/", filler)
}

func objectPath(location, name string) (string, error) {
	n := filterName(name)
	if n == "" || n == "." || n == ".." || n == stagingDir {
		return "", errors.New("invalid object name")
	}
	return filepath.Join(location, n), nil
}

func (p *Persistor) SendFile(ctx context.Context, location, name, fsPath string) error {
	f, err := os.Open(fsPath)
	if err != nil {
		return shape.Wrap(err, "failed to open source file", storage.Info{"location": location, "name": name, "fsPath": fsPath}, storage.KindRead)
	}
	defer f.Close()
	return p.SendStream(ctx, location, name, f, storage.SendOptions{})
}

func (p *Persistor) SendStream(ctx context.Context, location, name string, r io.Reader, opts storage.SendOptions) error {
	info := storage.Info{"location": location, "name": name}
	if opts.IfNoneMatch != "" {
		info["ifNoneMatch"] = opts.IfNoneMatch
	}
	dst, err := objectPath(location, name)
	if err != nil {
		return storage.NewWriteError("failed to write file", info, err)
	}
	tmp, md5, err := p.stage(location, r)
	if err != nil {
		return shape.Wrap(err, "failed to write file", info, storage.KindWrite)
	}
	defer os.Remove(tmp)

	if opts.SourceMd5 != "" {
		if err := iopkg.VerifyMd5(ctx, opts.SourceMd5, md5, info, func(context.Context) error {
			return os.Remove(tmp)
		}); err != nil {
			return err
		}
	}

	if opts.OnlyIfAbsent() {
		// link fails with EEXIST instead of replacing
		err = os.Link(tmp, dst)
	} else {
		err = os.Rename(tmp, dst)
	}
	if err != nil {
		return shape.Wrap(err, "failed to write file", info, storage.KindWrite)
	}
	return nil
}

// stage copies r into a fresh file under the location's staging directory
// and returns its path and md5.
func (p *Persistor) stage(location string, r io.Reader) (string, string, error) {
	dir := filepath.Join(location, stagingDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}
	path := filepath.Join(dir, uuid.NewString())
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", "", err
	}
	observer := iopkg.NewObserver(r, iopkg.ObserverOptions{Metric: "fs.egress", Container: location, Hash: true})
	if _, err := io.Copy(f, observer); err != nil {
		f.Close()
		os.Remove(path)
		return "", "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", "", err
	}
	return path, observer.Md5(), nil
}

func (p *Persistor) GetObjectStream(ctx context.Context, location, name string, opts storage.GetOptions) (io.ReadCloser, error) {
	info := storage.Info{"location": location, "name": name}
	path, err := objectPath(location, name)
	if err != nil {
		return nil, storage.NewReadError("failed to open file for streaming", info, err)
	}
	if opts.Range != nil && !opts.Range.Valid() {
		return nil, storage.NewReadError("invalid byte range", info, nil)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, shape.Wrap(err, "failed to open file for streaming", info, storage.KindRead)
	}
	var body io.Reader = f
	if opts.Range != nil {
		if _, err := f.Seek(opts.Range.Start, io.SeekStart); err != nil {
			f.Close()
			return nil, shape.Wrap(err, "failed to seek", info, storage.KindRead)
		}
		body = io.LimitReader(f, opts.Range.Length())
	}
	return iopkg.ObserveReadCloser(struct {
		io.Reader
		io.Closer
	}{body, f}, iopkg.ObserverOptions{Metric: "fs.ingress", Container: location}), nil
}

// GetRedirectURL returns "": files cannot be fetched out of band.
func (p *Persistor) GetRedirectURL(ctx context.Context, location, name string) (string, error) {
	return "", nil
}

func (p *Persistor) GetObjectSize(ctx context.Context, location, name string) (int64, error) {
	info := storage.Info{"location": location, "name": name}
	path, err := objectPath(location, name)
	if err != nil {
		return 0, storage.NewReadError("failed to stat file", info, err)
	}
	st, err := os.Stat(path)
	if err != nil {
		return 0, shape.Wrap(err, "failed to stat file", info, storage.KindRead)
	}
	return st.Size(), nil
}

func (p *Persistor) GetObjectMd5Hash(ctx context.Context, location, name string) (string, error) {
	info := storage.Info{"location": location, "name": name}
	path, err := objectPath(location, name)
	if err != nil {
		return "", storage.NewReadError("failed to hash file", info, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", shape.Wrap(err, "failed to hash file", info, storage.KindRead)
	}
	defer f.Close()
	md5, err := iopkg.CalculateStreamMd5(f)
	if err != nil {
		return "", shape.Wrap(err, "failed to hash file", info, storage.KindRead)
	}
	return md5, nil
}

func (p *Persistor) CopyObject(ctx context.Context, location, fromName, toName string) error {
	info := storage.Info{"location": location, "fromName": fromName, "toName": toName}
	src, err := objectPath(location, fromName)
	if err != nil {
		return storage.NewWriteError("failed to copy file", info, err)
	}
	f, err := os.Open(src)
	if err != nil {
		return shape.Wrap(err, "failed to copy file", info, storage.KindWrite)
	}
	defer f.Close()
	return p.SendStream(ctx, location, toName, f, storage.SendOptions{})
}

func (p *Persistor) DeleteObject(ctx context.Context, location, name string) error {
	info := storage.Info{"location": location, "name": name}
	path, err := objectPath(location, name)
	if err != nil {
		return storage.NewWriteError("failed to delete file", info, err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return shape.Wrap(err, "failed to delete file", info, storage.KindWrite)
	}
	return nil
}

func (p *Persistor) DeleteDirectory(ctx context.Context, location, prefix string) error {
	info := storage.Info{"location": location, "prefix": prefix}
	files, err := p.glob(location, prefix)
	if err != nil {
		return shape.Wrap(err, "failed to list directory", info, storage.KindRead)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.settings.DeleteConcurrency)
	for _, f := range files {
		path := f.path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return shape.Wrap(err, "failed to delete directory", info, storage.KindWrite)
	}
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
	files, err := p.glob(location, prefix)
	if err != nil {
		return 0, shape.Wrap(err, "failed to get directory size", storage.Info{"location": location, "prefix": prefix}, storage.KindRead)
	}
	var total int64
	for _, f := range files {
		total += f.size
	}
	return total, nil
}

type globbed struct {
	path string
	size int64
}

// glob returns the regular files whose flattened name starts with the
// flattened directory prefix. A missing location yields no files. Flattening
// is lossy: prefix "a/" also matches an object literally named "a_b".
func (p *Persistor) glob(location, prefix string) ([]globbed, error) {
	pattern := filepath.Join(escapeGlob(location), escapeGlob(filterName(storage.DirectoryPrefix(prefix)))+"*")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	out := make([]globbed, 0, len(matches))
	for _, m := range matches {
		st, err := os.Stat(m)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !st.Mode().IsRegular() {
			continue
		}
		out = append(out, globbed{path: m, size: st.Size()})
	}
	return out, nil
}

func escapeGlob(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
