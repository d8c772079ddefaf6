package iopkg

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/yourorg/object-persistor/internal/metrics"
	"github.com/yourorg/object-persistor/internal/storage"
)

const emptyMd5 = "d41d8cd98f00b204e9800998ecf8427e"

func TestObserverCountsAndHashes(t *testing.T) {
	o := NewObserver(strings.NewReader("hello world"), ObserverOptions{Metric: "test.ingress", Container: "bucket", Hash: true})
	b, err := io.ReadAll(o)
	if err != nil { t.Fatalf("read: %v", err) }
	if string(b) != "hello world" { t.Fatalf("content %q", b) }
	if o.Bytes() != 11 { t.Fatalf("bytes got %d want 11", o.Bytes()) }
	if o.Md5() != "5eb63bbbe01eeed093cb22bb8f5acdc3" { t.Fatalf("md5 %s", o.Md5()) }
	if testutil.CollectAndCount(metrics.StreamBytes) == 0 { t.Fatalf("no stream_bytes series recorded") }
}

func TestObserverEmptyStream(t *testing.T) {
	o := NewObserver(bytes.NewReader(nil), ObserverOptions{Metric: "test.ingress", Hash: true})
	b, err := io.ReadAll(o)
	if err != nil { t.Fatalf("read: %v", err) }
	if len(b) != 0 { t.Fatalf("expected no bytes") }
	if o.Md5() != emptyMd5 { t.Fatalf("md5 %s", o.Md5()) }
}

func TestObserverWithoutHash(t *testing.T) {
	o := NewObserver(strings.NewReader("abc"), ObserverOptions{Metric: "test.egress"})
	_, _ = io.ReadAll(o)
	if o.Md5() != "" { t.Fatalf("md5 should be empty, got %s", o.Md5()) }
	if o.Bytes() != 3 { t.Fatalf("bytes %d", o.Bytes()) }
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestObserverPropagatesReadError(t *testing.T) {
	o := NewObserver(failingReader{}, ObserverOptions{Metric: "test.egress"})
	if _, err := io.ReadAll(o); err == nil { t.Fatalf("expected error") }
	o.Finish(nil) // second finish is a no-op
}

func TestCalculateStreamMd5(t *testing.T) {
	got, err := CalculateStreamMd5(strings.NewReader(""))
	if err != nil { t.Fatal(err) }
	if got != emptyMd5 { t.Fatalf("md5 %s", got) }
}

func TestVerifyMd5(t *testing.T) {
	ctx := context.Background()
	if err := VerifyMd5(ctx, "ABC", "abc", nil, nil); err != nil {
		t.Fatalf("digests differing only in case must match: %v", err)
	}

	cleaned := false
	err := VerifyMd5(ctx, "aaa", "bbb", storage.Info{"name": "k"}, func(context.Context) error {
		cleaned = true
		return nil
	})
	if !storage.IsWrite(err) { t.Fatalf("want WriteError, got %v", err) }
	if !cleaned { t.Fatalf("cleanup not called") }
	var se *storage.Error
	errors.As(err, &se)
	if se.Info["sourceMd5"] != "aaa" || se.Info["destMd5"] != "bbb" || se.Info["name"] != "k" {
		t.Fatalf("info %v", se.Info)
	}

	err = VerifyMd5(ctx, "aaa", "bbb", nil, func(context.Context) error { return errors.New("gone") })
	errors.As(err, &se)
	if se.Info["cleanupError"] != "gone" { t.Fatalf("cleanup error not attached: %v", se.Info) }
}

var errMissing = errors.New("missing")
var errPrecondition = errors.New("precondition")

func TestErrorShapeWrap(t *testing.T) {
	shape := ErrorShape{
		NotFound:           func(err error) bool { return errors.Is(err, errMissing) },
		PreconditionFailed: func(err error) bool { return errors.Is(err, errPrecondition) },
	}
	cases := []struct {
		name string
		err  error
		info storage.Info
		want storage.Kind
	}{
		{"native not found", errMissing, nil, storage.KindNotFound},
		{"canonical not found", storage.NewNotFoundError("x", nil, nil), nil, storage.KindNotFound},
		{"precondition with ifNoneMatch", errPrecondition, storage.Info{"ifNoneMatch": "*"}, storage.KindAlreadyWritten},
		{"precondition without ifNoneMatch", errPrecondition, storage.Info{}, storage.KindWrite},
		{"other", errors.New("io"), nil, storage.KindWrite},
		{"canonical passes through", storage.NewSettingsError("bad", nil, nil), nil, storage.KindSettings},
	}
	for _, tc := range cases {
		got := shape.Wrap(tc.err, "upload failed", tc.info, storage.KindWrite)
		if storage.KindOf(got) != tc.want {
			t.Fatalf("%s: got %v want %s", tc.name, got, tc.want)
		}
	}
	if shape.Wrap(nil, "x", nil, storage.KindRead) != nil { t.Fatalf("nil should stay nil") }
	if !errors.Is(shape.Wrap(errMissing, "x", nil, storage.KindRead), errMissing) {
		t.Fatalf("cause must be preserved")
	}
}

func TestHexBase64RoundTrip(t *testing.T) {
	b64, err := HexToBase64(emptyMd5)
	if err != nil { t.Fatal(err) }
	if b64 != "1B2M2Y8AsgTpgAmY7PhCfg==" { t.Fatalf("base64 %s", b64) }
	back, err := Base64ToHex(b64)
	if err != nil { t.Fatal(err) }
	if back != emptyMd5 { t.Fatalf("hex %s", back) }
}

func TestSpoolSmallStaysInMemory(t *testing.T) {
	s, err := Spool(strings.NewReader("small"), t.TempDir())
	if err != nil { t.Fatal(err) }
	defer s.Close()
	if s.Size() != 5 { t.Fatalf("size %d", s.Size()) }
	if s.file != nil { t.Fatalf("small body should not use a file") }
	b, _ := io.ReadAll(s)
	if string(b) != "small" { t.Fatalf("content %q", b) }
}

func TestSpoolLargeUsesTempFile(t *testing.T) {
	dir := t.TempDir()
	payload := bytes.Repeat([]byte("x"), SpoolMemoryLimit+10)
	s, err := Spool(bytes.NewReader(payload), dir)
	if err != nil { t.Fatal(err) }
	if s.Size() != int64(len(payload)) { t.Fatalf("size %d", s.Size()) }
	b, _ := io.ReadAll(s)
	if !bytes.Equal(b, payload) { t.Fatalf("content mismatch") }
	if err := s.Close(); err != nil { t.Fatalf("close: %v", err) }
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 { t.Fatalf("temp file left behind") }
}
