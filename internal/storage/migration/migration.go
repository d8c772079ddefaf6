// Package migration serves objects from a primary persistor while a
// migration from a fallback persistor is in progress. Reads that miss on the
// primary are retried on the fallback; with copy-on-miss enabled the missed
// object is copied into the primary in the background.
package migration

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/object-persistor/internal/metrics"
	"github.com/yourorg/object-persistor/internal/storage"
)

type Settings struct {
	// Buckets maps primary locations to fallback locations. Unmapped
	// locations keep their name.
	Buckets    map[string]string `mapstructure:"buckets"`
	CopyOnMiss bool              `mapstructure:"copyOnMiss"`
}

type Persistor struct {
	primary  storage.Persistor
	fallback storage.Persistor
	settings Settings
	logger   *zap.Logger

	copies sync.WaitGroup
}

var (
	_ storage.Persistor       = (*Persistor)(nil)
	_ storage.DirectoryLister = (*Persistor)(nil)
)

func New(primary, fallback storage.Persistor, settings Settings, logger *zap.Logger) *Persistor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persistor{primary: primary, fallback: fallback, settings: settings, logger: logger}
}

// Wait blocks until all background copies started so far have finished.
func (p *Persistor) Wait() {
	p.copies.Wait()
}

func (p *Persistor) fallbackLocation(location string) string {
	if b, ok := p.settings.Buckets[location]; ok && b != "" {
		return b
	}
	return location
}

func (p *Persistor) SendFile(ctx context.Context, location, name, fsPath string) error {
	return p.primary.SendFile(ctx, location, name, fsPath)
}

func (p *Persistor) SendStream(ctx context.Context, location, name string, r io.Reader, opts storage.SendOptions) error {
	return p.primary.SendStream(ctx, location, name, r, opts)
}

func (p *Persistor) GetRedirectURL(ctx context.Context, location, name string) (string, error) {
	return p.primary.GetRedirectURL(ctx, location, name)
}

func (p *Persistor) GetObjectStream(ctx context.Context, location, name string, opts storage.GetOptions) (io.ReadCloser, error) {
	rc, err := p.primary.GetObjectStream(ctx, location, name, opts)
	if !storage.IsNotFound(err) {
		return rc, err
	}
	rc, err = p.fallback.GetObjectStream(ctx, p.fallbackLocation(location), name, opts)
	if err != nil {
		return nil, err
	}
	if p.settings.CopyOnMiss && opts.Range == nil {
		p.copyInBackground(ctx, location, name)
	}
	return rc, nil
}

func (p *Persistor) GetObjectSize(ctx context.Context, location, name string) (int64, error) {
	size, err := p.primary.GetObjectSize(ctx, location, name)
	if storage.IsNotFound(err) {
		return p.fallback.GetObjectSize(ctx, p.fallbackLocation(location), name)
	}
	return size, err
}

func (p *Persistor) GetObjectMd5Hash(ctx context.Context, location, name string) (string, error) {
	md5, err := p.primary.GetObjectMd5Hash(ctx, location, name)
	if storage.IsNotFound(err) {
		return p.fallback.GetObjectMd5Hash(ctx, p.fallbackLocation(location), name)
	}
	return md5, err
}

// CheckIfObjectExists consults the fallback when the primary reports the
// object as absent.
func (p *Persistor) CheckIfObjectExists(ctx context.Context, location, name string) (bool, error) {
	exists, err := p.primary.CheckIfObjectExists(ctx, location, name)
	if err != nil && !storage.IsNotFound(err) {
		return false, err
	}
	if exists {
		return true, nil
	}
	return p.fallback.CheckIfObjectExists(ctx, p.fallbackLocation(location), name)
}

func (p *Persistor) DirectorySize(ctx context.Context, location, prefix string) (int64, error) {
	size, err := p.primary.DirectorySize(ctx, location, prefix)
	if storage.IsNotFound(err) {
		return p.fallback.DirectorySize(ctx, p.fallbackLocation(location), prefix)
	}
	return size, err
}

// CopyObject copies within the primary. When the source only exists on the
// fallback it is streamed from there into the destination, and with
// copy-on-miss the source itself is migrated in the background.
func (p *Persistor) CopyObject(ctx context.Context, location, fromName, toName string) error {
	err := p.primary.CopyObject(ctx, location, fromName, toName)
	if !storage.IsNotFound(err) {
		return err
	}
	if err := p.copyFromFallback(ctx, location, fromName, toName); err != nil {
		return err
	}
	if p.settings.CopyOnMiss {
		p.copyInBackground(ctx, location, fromName)
	}
	return nil
}

func (p *Persistor) DeleteObject(ctx context.Context, location, name string) error {
	var g errgroup.Group
	g.Go(func() error { return p.primary.DeleteObject(ctx, location, name) })
	g.Go(func() error { return p.fallback.DeleteObject(ctx, p.fallbackLocation(location), name) })
	return g.Wait()
}

func (p *Persistor) DeleteDirectory(ctx context.Context, location, prefix string) error {
	var g errgroup.Group
	g.Go(func() error { return p.primary.DeleteDirectory(ctx, location, prefix) })
	g.Go(func() error { return p.fallback.DeleteDirectory(ctx, p.fallbackLocation(location), prefix) })
	return g.Wait()
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

// ListDirectoryStats returns the union of both sides sorted by key. A key
// present on both reports the primary's size.
func (p *Persistor) ListDirectoryStats(ctx context.Context, location, prefix string) ([]storage.ObjectStat, error) {
	primary, ok := p.primary.(storage.DirectoryLister)
	fallback, fok := p.fallback.(storage.DirectoryLister)
	if !ok || !fok {
		return nil, storage.NewNotImplementedError("backend cannot list directories", storage.Info{"location": location, "prefix": prefix}, nil)
	}
	var (
		g          errgroup.Group
		ours       []storage.ObjectStat
		theirs     []storage.ObjectStat
		fbLocation = p.fallbackLocation(location)
	)
	g.Go(func() (err error) {
		ours, err = primary.ListDirectoryStats(ctx, location, prefix)
		return err
	})
	g.Go(func() (err error) {
		theirs, err = fallback.ListDirectoryStats(ctx, fbLocation, prefix)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(ours))
	merged := make([]storage.ObjectStat, 0, len(ours)+len(theirs))
	for _, s := range ours {
		seen[s.Key] = true
		merged = append(merged, s)
	}
	for _, s := range theirs {
		if !seen[s.Key] {
			merged = append(merged, s)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Key < merged[j].Key })
	return merged, nil
}

// copyFromFallback streams fromName on the fallback into toName on the
// primary. The primary verifies the content against the fallback's md5 and
// removes the object on mismatch.
func (p *Persistor) copyFromFallback(ctx context.Context, location, fromName, toName string) error {
	fbLocation := p.fallbackLocation(location)
	md5, err := p.fallback.GetObjectMd5Hash(ctx, fbLocation, fromName)
	if err != nil {
		return err
	}
	rc, err := p.fallback.GetObjectStream(ctx, fbLocation, fromName, storage.GetOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	return p.primary.SendStream(ctx, location, toName, rc, storage.SendOptions{SourceMd5: md5})
}

// copyInBackground migrates name into the primary without blocking the
// caller. The outcome is only logged and counted.
func (p *Persistor) copyInBackground(ctx context.Context, location, name string) {
	ctx = context.WithoutCancel(ctx)
	p.copies.Add(1)
	go func() {
		defer p.copies.Done()
		log := p.logger.With(zap.String("location", location), zap.String("name", name))
		err := p.copyFromFallback(ctx, location, name, name)
		if err != nil {
			var se *storage.Error
			if errors.As(err, &se) {
				log = log.With(zap.String("kind", string(se.Kind)), zap.Any("info", se.Info))
			}
			metrics.CopyOnMiss.WithLabelValues(metrics.StatusError).Inc()
			log.Warn("copy on miss failed", zap.Error(err))
			return
		}
		metrics.CopyOnMiss.WithLabelValues(metrics.StatusSuccess).Inc()
		log.Info("copied object from fallback")
	}()
}
