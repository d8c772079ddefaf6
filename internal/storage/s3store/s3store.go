// Package s3store implements the persistor contract on S3 compatible object
// stores with aws-sdk-go-v2, including customer supplied encryption keys.
package s3store

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/yourorg/object-persistor/internal/iopkg"
	"github.com/yourorg/object-persistor/internal/metrics"
	"github.com/yourorg/object-persistor/internal/storage"
)

// maxDeleteBatch is the most keys DeleteObjects accepts per request.
const maxDeleteBatch = 1000

var md5ETag = regexp.MustCompile(`^[a-f0-9]{32}$`)

type Persistor struct {
	settings Settings
	logger   *zap.Logger
	factory  ClientFactory

	mu      sync.Mutex
	clients map[string]*bucketClient
}

type Option func(*Persistor)

// WithClientFactory replaces the SDK client construction, e.g. with a fake.
func WithClientFactory(f ClientFactory) Option {
	return func(p *Persistor) { p.factory = f }
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Persistor) {
		if l != nil {
			p.logger = l
		}
	}
}

var (
	_ storage.Persistor       = (*Persistor)(nil)
	_ storage.DirectoryLister = (*Persistor)(nil)
)

func New(settings Settings, opts ...Option) *Persistor {
	if settings.SignedURLExpiry <= 0 {
		settings.SignedURLExpiry = DefaultSignedURLExpiry
	}
	if settings.MaxConnsPerHost <= 0 {
		settings.MaxConnsPerHost = DefaultMaxConnsPerHost
	}
	p := &Persistor{
		settings: settings,
		logger:   zap.NewNop(),
		clients:  map[string]*bucketClient{},
	}
	p.factory = settings.newClient
	for _, o := range opts {
		o(p)
	}
	return p
}

// WithSSEC returns a view of p that encrypts and decrypts every object with
// the given customer key.
func (p *Persistor) WithSSEC(o *SSECOptions) *View {
	return &View{p: p, ssec: o}
}

func (p *Persistor) client(ctx context.Context, bucket string) (*bucketClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[bucket]; ok {
		return c, nil
	}
	api, presigner, err := p.factory(ctx, bucket)
	if err != nil {
		return nil, err
	}
	c := &bucketClient{api: api, presigner: presigner}
	p.clients[bucket] = c
	return c, nil
}

func (p *Persistor) SendFile(ctx context.Context, bucket, key, fsPath string) error {
	return p.sendFile(ctx, bucket, key, fsPath, nil)
}

func (p *Persistor) sendFile(ctx context.Context, bucket, key, fsPath string, ssec *SSECOptions) error {
	f, err := os.Open(fsPath)
	if err != nil {
		return shape.Wrap(err, "failed to open source file", storage.Info{"bucketName": bucket, "key": key, "fsPath": fsPath}, storage.KindRead)
	}
	defer f.Close()
	return p.sendStream(ctx, bucket, key, f, storage.SendOptions{}, ssec)
}

func (p *Persistor) SendStream(ctx context.Context, bucket, key string, r io.Reader, opts storage.SendOptions) error {
	return p.sendStream(ctx, bucket, key, r, opts, nil)
}

func (p *Persistor) sendStream(ctx context.Context, bucket, key string, r io.Reader, opts storage.SendOptions, ssec *SSECOptions) error {
	info := storage.Info{"bucketName": bucket, "key": key}
	if opts.IfNoneMatch != "" {
		info["ifNoneMatch"] = opts.IfNoneMatch
	}
	c, err := p.client(ctx, bucket)
	if err != nil {
		return shape.Wrap(err, "upload to S3 failed", info, storage.KindWrite)
	}

	observer := iopkg.NewObserver(r, iopkg.ObserverOptions{Metric: "s3.egress", Container: bucket, Hash: true})
	in := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   observer,
	}
	if sc := p.settings.StorageClass[bucket]; sc != "" {
		in.StorageClass = types.StorageClass(sc)
	}
	if opts.ContentType != "" {
		in.ContentType = aws.String(opts.ContentType)
	}
	if opts.ContentEncoding != "" {
		in.ContentEncoding = aws.String(opts.ContentEncoding)
	}
	if opts.ContentLength > 0 {
		in.ContentLength = aws.Int64(opts.ContentLength)
	}
	if opts.SourceMd5 != "" {
		// S3 rejects the body with BadDigest when it does not match
		b64, err := iopkg.HexToBase64(opts.SourceMd5)
		if err != nil {
			return storage.NewWriteError("invalid source md5", info, err)
		}
		in.ContentMD5 = aws.String(b64)
	}
	ssec.applyPut(in)

	var etag string
	if opts.OnlyIfAbsent() || p.settings.DisableMultiPartUpload {
		// conditional writes go through a single PUT, which needs a
		// seekable body of known length
		body, err := iopkg.Spool(observer, "")
		if err != nil {
			return shape.Wrap(err, "upload to S3 failed", info, storage.KindWrite)
		}
		defer body.Close()
		in.Body = body
		in.ContentLength = aws.Int64(body.Size())
		if opts.IfNoneMatch != "" {
			in.IfNoneMatch = aws.String(opts.IfNoneMatch)
		}
		out, err := c.api.PutObject(ctx, in)
		if err != nil {
			return shape.Wrap(err, "upload to S3 failed", info, storage.KindWrite)
		}
		etag = aws.ToString(out.ETag)
	} else {
		uploader := manager.NewUploader(c.api, func(u *manager.Uploader) {
			if p.settings.PartSize > 0 {
				u.PartSize = p.settings.PartSize
			}
		})
		out, err := uploader.Upload(ctx, in)
		if err != nil {
			return shape.Wrap(err, "upload to S3 failed", info, storage.KindWrite)
		}
		etag = aws.ToString(out.ETag)
	}

	cleanup := func(ctx context.Context) error {
		return p.DeleteObject(ctx, bucket, key)
	}
	computed := observer.Md5()
	if opts.SourceMd5 != "" {
		return iopkg.VerifyMd5(ctx, opts.SourceMd5, computed, info, cleanup)
	}
	// multipart and SSE-C ETags are not content digests
	if remote := md5FromETag(etag); ssec == nil && remote != "" {
		return iopkg.VerifyMd5(ctx, computed, remote, info, cleanup)
	}
	return nil
}

func (p *Persistor) GetObjectStream(ctx context.Context, bucket, key string, opts storage.GetOptions) (io.ReadCloser, error) {
	return p.getObjectStream(ctx, bucket, key, opts, nil)
}

func (p *Persistor) getObjectStream(ctx context.Context, bucket, key string, opts storage.GetOptions, ssec *SSECOptions) (io.ReadCloser, error) {
	info := storage.Info{"bucketName": bucket, "key": key}
	in := &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}
	if opts.Range != nil {
		if !opts.Range.Valid() {
			return nil, storage.NewReadError("invalid byte range", info, nil)
		}
		in.Range = aws.String(fmt.Sprintf("bytes=%d-%d", opts.Range.Start, opts.Range.End))
		info["range"] = *in.Range
	}
	ssec.applyGet(in)

	c, err := p.client(ctx, bucket)
	if err != nil {
		return nil, shape.Wrap(err, "error reading file from S3", info, storage.KindRead)
	}
	out, err := c.api.GetObject(ctx, in)
	if err != nil {
		return nil, shape.Wrap(err, "error reading file from S3", info, storage.KindRead)
	}
	observed := iopkg.ObserveReadCloser(out.Body, iopkg.ObserverOptions{Metric: "s3.ingress", Container: bucket})
	if !opts.AutoGunzip || aws.ToString(out.ContentEncoding) != "gzip" {
		return observed, nil
	}
	zr, err := gzip.NewReader(observed)
	if err != nil {
		observed.Close()
		return nil, storage.NewReadError("error decompressing file from S3", info, err)
	}
	return &gunzipReadCloser{Reader: zr, body: observed}, nil
}

type gunzipReadCloser struct {
	*gzip.Reader
	body io.Closer
}

func (g *gunzipReadCloser) Close() error {
	g.Reader.Close()
	return g.body.Close()
}

func (p *Persistor) GetRedirectURL(ctx context.Context, bucket, key string) (string, error) {
	info := storage.Info{"bucketName": bucket, "key": key}
	c, err := p.client(ctx, bucket)
	if err != nil {
		return "", shape.Wrap(err, "error generating signed url for S3 file", info, storage.KindRead)
	}
	req, err := c.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(p.settings.SignedURLExpiry))
	if err != nil {
		return "", shape.Wrap(err, "error generating signed url for S3 file", info, storage.KindRead)
	}
	return req.URL, nil
}

func (p *Persistor) headObject(ctx context.Context, bucket, key string, ssec *SSECOptions) (*s3.HeadObjectOutput, error) {
	info := storage.Info{"bucketName": bucket, "key": key}
	c, err := p.client(ctx, bucket)
	if err != nil {
		return nil, shape.Wrap(err, "error getting metadata of s3 object", info, storage.KindRead)
	}
	in := &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}
	ssec.applyHead(in)
	out, err := c.api.HeadObject(ctx, in)
	if err != nil {
		return nil, shape.Wrap(err, "error getting metadata of s3 object", info, storage.KindRead)
	}
	return out, nil
}

func (p *Persistor) GetObjectSize(ctx context.Context, bucket, key string) (int64, error) {
	return p.getObjectSize(ctx, bucket, key, nil)
}

func (p *Persistor) getObjectSize(ctx context.Context, bucket, key string, ssec *SSECOptions) (int64, error) {
	out, err := p.headObject(ctx, bucket, key, ssec)
	if err != nil {
		return 0, err
	}
	return aws.ToInt64(out.ContentLength), nil
}

// GetObjectStorageClass returns the storage class S3 reports for the object.
func (p *Persistor) GetObjectStorageClass(ctx context.Context, bucket, key string) (string, error) {
	out, err := p.headObject(ctx, bucket, key, nil)
	if err != nil {
		return "", err
	}
	return string(out.StorageClass), nil
}

func (p *Persistor) GetObjectMd5Hash(ctx context.Context, bucket, key string) (string, error) {
	return p.getObjectMd5Hash(ctx, bucket, key, nil)
}

func (p *Persistor) getObjectMd5Hash(ctx context.Context, bucket, key string, ssec *SSECOptions) (string, error) {
	info := storage.Info{"bucketName": bucket, "key": key}
	if ssec == nil {
		out, err := p.headObject(ctx, bucket, key, nil)
		if err != nil {
			return "", err
		}
		if md5 := md5FromETag(aws.ToString(out.ETag)); md5 != "" {
			return md5, nil
		}
	}
	metrics.Md5Downloads.WithLabelValues("s3").Inc()
	p.logger.Debug("etag is not an md5, downloading object", zap.String("bucket", bucket), zap.String("key", key))
	rc, err := p.getObjectStream(ctx, bucket, key, storage.GetOptions{}, ssec)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	md5, err := iopkg.CalculateStreamMd5(rc)
	if err != nil {
		return "", shape.Wrap(err, "error getting hash of s3 object", info, storage.KindRead)
	}
	return md5, nil
}

func md5FromETag(etag string) string {
	md5 := strings.NewReplacer(`"`, "", " ", "").Replace(etag)
	if !md5ETag.MatchString(md5) {
		return ""
	}
	return md5
}

func (p *Persistor) CopyObject(ctx context.Context, bucket, fromKey, toKey string) error {
	return p.copyObject(ctx, bucket, fromKey, toKey, nil, nil)
}

func (p *Persistor) copyObject(ctx context.Context, bucket, fromKey, toKey string, src, dst *SSECOptions) error {
	info := storage.Info{"bucketName": bucket, "sourceKey": fromKey, "destKey": toKey}
	c, err := p.client(ctx, bucket)
	if err != nil {
		return shape.Wrap(err, "failed to copy file in S3", info, storage.KindWrite)
	}
	in := &s3.CopyObjectInput{
		Bucket:     aws.String(bucket),
		Key:        aws.String(toKey),
		CopySource: aws.String(copySource(bucket, fromKey)),
	}
	if sc := p.settings.StorageClass[bucket]; sc != "" {
		in.StorageClass = types.StorageClass(sc)
	}
	applyCopy(in, src, dst)
	if _, err := c.api.CopyObject(ctx, in); err != nil {
		return shape.Wrap(err, "failed to copy file in S3", info, storage.KindWrite)
	}
	return nil
}

func copySource(bucket, key string) string {
	parts := strings.Split(key, "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return bucket + "/" + strings.Join(parts, "/")
}

// DeleteObject succeeds for missing keys; S3 does not report them.
func (p *Persistor) DeleteObject(ctx context.Context, bucket, key string) error {
	info := storage.Info{"bucketName": bucket, "key": key}
	c, err := p.client(ctx, bucket)
	if err != nil {
		return shape.Wrap(err, "failed to delete file in S3", info, storage.KindWrite)
	}
	_, err = c.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil && statusCode(err) != http.StatusNotFound && errorCode(err) != "NoSuchKey" {
		return shape.Wrap(err, "failed to delete file in S3", info, storage.KindWrite)
	}
	return nil
}

func (p *Persistor) DeleteDirectory(ctx context.Context, bucket, prefix string) error {
	prefix = storage.DirectoryPrefix(prefix)
	c, err := p.client(ctx, bucket)
	if err != nil {
		return shape.Wrap(err, "failed to list objects in S3", storage.Info{"bucketName": bucket, "prefix": prefix}, storage.KindRead)
	}
	return p.eachPage(ctx, c, bucket, prefix, func(objects []types.Object, token string) error {
		for start := 0; start < len(objects); start += maxDeleteBatch {
			end := min(start+maxDeleteBatch, len(objects))
			ids := make([]types.ObjectIdentifier, 0, end-start)
			for _, o := range objects[start:end] {
				ids = append(ids, types.ObjectIdentifier{Key: o.Key})
			}
			info := storage.Info{"bucketName": bucket, "prefix": prefix, "continuationToken": token}
			out, err := c.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(bucket),
				Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
			}, p.deleteBatchRetry)
			if err != nil {
				return shape.Wrap(err, "failed to delete objects in S3", info, storage.KindWrite)
			}
			if len(out.Errors) > 0 {
				first := out.Errors[0]
				info["failedKey"] = aws.ToString(first.Key)
				info["failedCode"] = aws.ToString(first.Code)
				info["failedCount"] = len(out.Errors)
				return storage.NewWriteError("failed to delete objects in S3", info, nil)
			}
		}
		return nil
	})
}

func (p *Persistor) deleteBatchRetry(o *s3.Options) {
	if n := p.settings.Retry.DeleteBatchMaxAttempts; n > 0 {
		o.RetryMaxAttempts = n
	}
}

func (p *Persistor) CheckIfObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	return p.checkIfObjectExists(ctx, bucket, key, nil)
}

func (p *Persistor) checkIfObjectExists(ctx context.Context, bucket, key string, ssec *SSECOptions) (bool, error) {
	_, err := p.headObject(ctx, bucket, key, ssec)
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
	c, err := p.client(ctx, bucket)
	if err != nil {
		return nil, shape.Wrap(err, "failed to list objects in S3", storage.Info{"bucketName": bucket, "prefix": prefix}, storage.KindRead)
	}
	var stats []storage.ObjectStat
	err = p.eachPage(ctx, c, bucket, prefix, func(objects []types.Object, _ string) error {
		for _, o := range objects {
			stats = append(stats, storage.ObjectStat{Key: aws.ToString(o.Key), Size: aws.ToInt64(o.Size)})
		}
		return nil
	})
	return stats, err
}

// eachPage lists prefix until S3 reports no more pages. fn gets the token
// that produced the page, "" for the first one.
func (p *Persistor) eachPage(ctx context.Context, c *bucketClient, bucket, prefix string, fn func([]types.Object, string) error) error {
	var token string
	for {
		in := &s3.ListObjectsV2Input{Bucket: aws.String(bucket), Prefix: aws.String(prefix)}
		if token != "" {
			in.ContinuationToken = aws.String(token)
		}
		out, err := c.api.ListObjectsV2(ctx, in)
		if err != nil {
			return shape.Wrap(err, "failed to list objects in S3", storage.Info{"bucketName": bucket, "prefix": prefix, "continuationToken": token}, storage.KindRead)
		}
		if len(out.Contents) > 0 {
			if err := fn(out.Contents, token); err != nil {
				return err
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			return nil
		}
		token = aws.ToString(out.NextContinuationToken)
	}
}
