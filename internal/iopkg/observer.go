// Package iopkg holds the stream plumbing shared by every persistor: byte
// counting and hashing observers, md5 verification, error normalization and
// body spooling.
package iopkg

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"sync"
	"time"

	"github.com/yourorg/object-persistor/internal/metrics"
)

// ObserverOptions label the telemetry of one observed stream.
type ObserverOptions struct {
	// Metric names the direction and backend, e.g. "s3.ingress".
	Metric string
	// Container is the bucket or root folder the stream belongs to.
	Container string
	// Hash enables the running MD5.
	Hash bool
}

// Observer is a pass-through reader counting bytes and optionally hashing them.
// Telemetry is recorded once, when the stream ends, fails or is closed.
type Observer struct {
	r    io.Reader
	opts ObserverOptions

	mu        sync.Mutex
	start     time.Time
	n         int64
	h         hash.Hash
	firstByte bool
	done      bool
}

func NewObserver(r io.Reader, opts ObserverOptions) *Observer {
	o := &Observer{r: r, opts: opts, start: time.Now()}
	if opts.Hash {
		o.h = md5.New()
	}
	return o
}

func (o *Observer) Read(p []byte) (int, error) {
	n, err := o.r.Read(p)
	o.mu.Lock()
	if n > 0 {
		if !o.firstByte {
			o.firstByte = true
			metrics.StreamFirstByteSeconds.WithLabelValues(o.labels(metrics.StatusSuccess)...).Observe(time.Since(o.start).Seconds())
		}
		o.n += int64(n)
		if o.h != nil {
			o.h.Write(p[:n])
		}
	}
	o.mu.Unlock()
	switch {
	case errors.Is(err, io.EOF):
		o.Finish(nil)
	case err != nil:
		o.Finish(err)
	}
	return n, err
}

// Finish records size and duration with a status derived from err.
// Only the first call has an effect.
func (o *Observer) Finish(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done {
		return
	}
	o.done = true
	status := metrics.StatusSuccess
	if err != nil {
		status = metrics.StatusError
	}
	labels := o.labels(status)
	metrics.StreamBytes.WithLabelValues(labels...).Observe(float64(o.n))
	metrics.StreamSeconds.WithLabelValues(labels...).Observe(time.Since(o.start).Seconds())
}

func (o *Observer) labels(status string) []string {
	return []string{o.opts.Metric, o.opts.Container, status}
}

// Bytes returns the number of bytes read so far.
func (o *Observer) Bytes() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.n
}

// Md5 returns the lowercase hex digest of the bytes read so far, or "" when
// hashing is disabled.
func (o *Observer) Md5() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.h == nil {
		return ""
	}
	return hex.EncodeToString(o.h.Sum(nil))
}

// ObservedReadCloser couples an Observer with the body it reads from.
type ObservedReadCloser struct {
	*Observer
	body io.Closer
}

// ObserveReadCloser wraps a download body. Closing before EOF counts as an
// error outcome.
func ObserveReadCloser(rc io.ReadCloser, opts ObserverOptions) *ObservedReadCloser {
	return &ObservedReadCloser{Observer: NewObserver(rc, opts), body: rc}
}

func (o *ObservedReadCloser) Close() error {
	o.Finish(errors.New("closed before end of stream"))
	return o.body.Close()
}

// CalculateStreamMd5 drains r and returns its lowercase hex MD5.
func CalculateStreamMd5(r io.Reader) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
