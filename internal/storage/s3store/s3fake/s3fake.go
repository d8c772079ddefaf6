// Package s3fake is an in-memory S3 double for tests. It enforces the
// request semantics the persistors depend on: conditional puts, Content-MD5,
// SSE-C keys, ranges, paginated listings and multipart uploads.
package s3fake

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/google/uuid"
)

type object struct {
	data            []byte
	etag            string
	contentType     string
	contentEncoding string
	storageClass    types.StorageClass
	// keyMD5 is the SSE-C key digest the object was written with.
	keyMD5 string
}

type upload struct {
	in    *s3.CreateMultipartUploadInput
	parts map[int32][]byte
}

// Server holds buckets of objects. The zero value is not usable; use New.
type Server struct {
	// PageSize caps ListObjectsV2 pages.
	PageSize int
	// FailDeleteKeys makes DeleteObjects report these keys as failed.
	FailDeleteKeys map[string]bool

	mu      sync.Mutex
	buckets map[string]map[string]*object
	uploads map[string]*upload
	calls   map[string]int
	inject  map[string]error
}

func New() *Server {
	return &Server{
		PageSize: 1000,
		buckets:  map[string]map[string]*object{},
		uploads:  map[string]*upload{},
		calls:    map[string]int{},
		inject:   map[string]error{},
	}
}

// Error builds an error shaped like the SDK's: an operation error wrapping
// an HTTP response error wrapping an API error.
func Error(op string, status int, code string) error {
	return &smithy.OperationError{
		ServiceID:     "S3",
		OperationName: op,
		Err: &awshttp.ResponseError{
			ResponseError: &smithyhttp.ResponseError{
				Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
				Err:      &smithy.GenericAPIError{Code: code, Message: code},
			},
			RequestID: "fake",
		},
	}
}

// Inject makes every call to op fail with err until cleared with a nil err.
func (s *Server) Inject(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.inject, op)
		return
	}
	s.inject[op] = err
}

// Calls returns how many times op was invoked.
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Put seeds an unencrypted object.
func (s *Server) Put(bucket, key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store(bucket, key, &object{data: append([]byte(nil), data...), etag: quote(md5Hex(data))})
}

// Object returns the stored bytes of an object, ignoring encryption.
func (s *Server) Object(bucket, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.buckets[bucket][key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), o.data...), true
}

// Keys lists the keys of a bucket in order.
func (s *Server) Keys(bucket string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedKeys(bucket, "")
}

func (s *Server) begin(op string) error {
	s.calls[op]++
	return s.inject[op]
}

func (s *Server) store(bucket, key string, o *object) {
	b, ok := s.buckets[bucket]
	if !ok {
		b = map[string]*object{}
		s.buckets[bucket] = b
	}
	b[key] = o
}

func (s *Server) sortedKeys(bucket, prefix string) []string {
	var keys []string
	for k := range s.buckets[bucket] {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func quote(s string) string { return `"` + s + `"` }

// checkKey compares the SSE-C key presented on a read with the one the
// object was written with.
func checkKey(op string, o *object, keyMD5 *string) error {
	presented := aws.ToString(keyMD5)
	switch {
	case o.keyMD5 == "" && presented == "":
		return nil
	case o.keyMD5 == "":
		return Error(op, http.StatusBadRequest, "InvalidRequest")
	case presented == "":
		return Error(op, http.StatusBadRequest, "InvalidRequest")
	case presented != o.keyMD5:
		return Error(op, http.StatusForbidden, "AccessDenied")
	}
	return nil
}

func checkKeyMaterial(op string, key, keyMD5 *string) error {
	if key == nil {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(aws.ToString(key))
	if err != nil || len(raw) != 32 {
		return Error(op, http.StatusBadRequest, "InvalidArgument")
	}
	sum := md5.Sum(raw)
	if base64.StdEncoding.EncodeToString(sum[:]) != aws.ToString(keyMD5) {
		return Error(op, http.StatusBadRequest, "InvalidArgument")
	}
	return nil
}

// etagFor mimics S3: plain objects get their content MD5, SSE-C objects
// something else.
func etagFor(data []byte, keyMD5 string) string {
	if keyMD5 == "" {
		return quote(md5Hex(data))
	}
	return quote(md5Hex(append([]byte(keyMD5), data...)))
}

func (s *Server) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	const op = "PutObject"
	var data []byte
	if in.Body != nil {
		b, err := io.ReadAll(in.Body)
		if err != nil {
			return nil, err
		}
		data = b
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(op); err != nil {
		return nil, err
	}
	if err := checkKeyMaterial(op, in.SSECustomerKey, in.SSECustomerKeyMD5); err != nil {
		return nil, err
	}
	if in.ContentMD5 != nil {
		sum := md5.Sum(data)
		if base64.StdEncoding.EncodeToString(sum[:]) != aws.ToString(in.ContentMD5) {
			return nil, Error(op, http.StatusBadRequest, "BadDigest")
		}
	}
	bucket, key := aws.ToString(in.Bucket), aws.ToString(in.Key)
	if aws.ToString(in.IfNoneMatch) == "*" {
		if _, exists := s.buckets[bucket][key]; exists {
			return nil, Error(op, http.StatusPreconditionFailed, "PreconditionFailed")
		}
	}
	o := &object{
		data:            data,
		contentType:     aws.ToString(in.ContentType),
		contentEncoding: aws.ToString(in.ContentEncoding),
		storageClass:    in.StorageClass,
		keyMD5:          aws.ToString(in.SSECustomerKeyMD5),
	}
	o.etag = etagFor(data, o.keyMD5)
	s.store(bucket, key, o)
	return &s3.PutObjectOutput{ETag: aws.String(o.etag)}, nil
}

func (s *Server) lookup(op string, bucket, key string) (*object, error) {
	o, ok := s.buckets[bucket][key]
	if !ok {
		return nil, Error(op, http.StatusNotFound, "NoSuchKey")
	}
	return o, nil
}

func (s *Server) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	const op = "GetObject"
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(op); err != nil {
		return nil, err
	}
	o, err := s.lookup(op, aws.ToString(in.Bucket), aws.ToString(in.Key))
	if err != nil {
		return nil, err
	}
	if err := checkKey(op, o, in.SSECustomerKeyMD5); err != nil {
		return nil, err
	}
	data := o.data
	if in.Range != nil {
		start, end, err := parseRange(aws.ToString(in.Range))
		if err != nil || start >= int64(len(data)) {
			return nil, Error(op, http.StatusRequestedRangeNotSatisfiable, "InvalidRange")
		}
		end = min(end, int64(len(data))-1)
		data = data[start : end+1]
	}
	out := &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(append([]byte(nil), data...))),
		ContentLength: aws.Int64(int64(len(data))),
		ETag:          aws.String(o.etag),
		StorageClass:  o.storageClass,
	}
	if o.contentType != "" {
		out.ContentType = aws.String(o.contentType)
	}
	if o.contentEncoding != "" {
		out.ContentEncoding = aws.String(o.contentEncoding)
	}
	return out, nil
}

func parseRange(r string) (int64, int64, error) {
	rng, ok := strings.CutPrefix(r, "bytes=")
	if !ok {
		return 0, 0, fmt.Errorf("bad range %q", r)
	}
	from, to, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, fmt.Errorf("bad range %q", r)
	}
	start, err := strconv.ParseInt(from, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	end, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	if end < start {
		return 0, 0, fmt.Errorf("bad range %q", r)
	}
	return start, end, nil
}

func (s *Server) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	const op = "HeadObject"
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(op); err != nil {
		return nil, err
	}
	o, err := s.lookup(op, aws.ToString(in.Bucket), aws.ToString(in.Key))
	if err != nil {
		return nil, err
	}
	if err := checkKey(op, o, in.SSECustomerKeyMD5); err != nil {
		return nil, err
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(o.data))),
		ETag:          aws.String(o.etag),
		StorageClass:  o.storageClass,
	}, nil
}

func (s *Server) CopyObject(ctx context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	const op = "CopyObject"
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(op); err != nil {
		return nil, err
	}
	srcBucket, escaped, ok := strings.Cut(aws.ToString(in.CopySource), "/")
	if !ok {
		return nil, Error(op, http.StatusBadRequest, "InvalidArgument")
	}
	srcKey, err := url.PathUnescape(escaped)
	if err != nil {
		return nil, Error(op, http.StatusBadRequest, "InvalidArgument")
	}
	src, err := s.lookup(op, srcBucket, srcKey)
	if err != nil {
		return nil, err
	}
	if err := checkKey(op, src, in.CopySourceSSECustomerKeyMD5); err != nil {
		return nil, err
	}
	if err := checkKeyMaterial(op, in.SSECustomerKey, in.SSECustomerKeyMD5); err != nil {
		return nil, err
	}
	o := &object{
		data:            src.data,
		contentType:     src.contentType,
		contentEncoding: src.contentEncoding,
		storageClass:    in.StorageClass,
		keyMD5:          aws.ToString(in.SSECustomerKeyMD5),
	}
	o.etag = etagFor(o.data, o.keyMD5)
	s.store(aws.ToString(in.Bucket), aws.ToString(in.Key), o)
	return &s3.CopyObjectOutput{CopyObjectResult: &types.CopyObjectResult{ETag: aws.String(o.etag)}}, nil
}

func (s *Server) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("DeleteObject"); err != nil {
		return nil, err
	}
	delete(s.buckets[aws.ToString(in.Bucket)], aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (s *Server) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	const op = "DeleteObjects"
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(op); err != nil {
		return nil, err
	}
	if in.Delete == nil || len(in.Delete.Objects) == 0 || len(in.Delete.Objects) > 1000 {
		return nil, Error(op, http.StatusBadRequest, "MalformedXML")
	}
	out := &s3.DeleteObjectsOutput{}
	bucket := aws.ToString(in.Bucket)
	for _, id := range in.Delete.Objects {
		key := aws.ToString(id.Key)
		if s.FailDeleteKeys[key] {
			out.Errors = append(out.Errors, types.Error{Key: aws.String(key), Code: aws.String("InternalError")})
			continue
		}
		delete(s.buckets[bucket], key)
		if !aws.ToBool(in.Delete.Quiet) {
			out.Deleted = append(out.Deleted, types.DeletedObject{Key: aws.String(key)})
		}
	}
	return out, nil
}

// ListObjectsV2 pages through keys in order; the continuation token is the
// last key of the previous page.
func (s *Server) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("ListObjectsV2"); err != nil {
		return nil, err
	}
	bucket := aws.ToString(in.Bucket)
	keys := s.sortedKeys(bucket, aws.ToString(in.Prefix))
	if token := aws.ToString(in.ContinuationToken); token != "" {
		i := sort.SearchStrings(keys, token)
		if i < len(keys) && keys[i] == token {
			i++
		}
		keys = keys[i:]
	}
	limit := s.PageSize
	if in.MaxKeys != nil && int(*in.MaxKeys) < limit {
		limit = int(*in.MaxKeys)
	}
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	if len(keys) > limit {
		keys = keys[:limit]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[len(keys)-1])
	}
	for _, k := range keys {
		o := s.buckets[bucket][k]
		out.Contents = append(out.Contents, types.Object{
			Key:  aws.String(k),
			Size: aws.Int64(int64(len(o.data))),
			ETag: aws.String(o.etag),
		})
	}
	out.KeyCount = aws.Int32(int32(len(out.Contents)))
	return out, nil
}

func (s *Server) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	const op = "CreateMultipartUpload"
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(op); err != nil {
		return nil, err
	}
	if err := checkKeyMaterial(op, in.SSECustomerKey, in.SSECustomerKeyMD5); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	s.uploads[id] = &upload{in: in, parts: map[int32][]byte{}}
	return &s3.CreateMultipartUploadOutput{Bucket: in.Bucket, Key: in.Key, UploadId: aws.String(id)}, nil
}

func (s *Server) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	const op = "UploadPart"
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(op); err != nil {
		return nil, err
	}
	u, ok := s.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, Error(op, http.StatusNotFound, "NoSuchUpload")
	}
	if aws.ToString(in.SSECustomerKeyMD5) != aws.ToString(u.in.SSECustomerKeyMD5) {
		return nil, Error(op, http.StatusBadRequest, "InvalidRequest")
	}
	u.parts[aws.ToInt32(in.PartNumber)] = data
	return &s3.UploadPartOutput{ETag: aws.String(quote(md5Hex(data)))}, nil
}

func (s *Server) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	const op = "CompleteMultipartUpload"
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(op); err != nil {
		return nil, err
	}
	id := aws.ToString(in.UploadId)
	u, ok := s.uploads[id]
	if !ok {
		return nil, Error(op, http.StatusNotFound, "NoSuchUpload")
	}
	delete(s.uploads, id)
	numbers := make([]int, 0, len(u.parts))
	for n := range u.parts {
		numbers = append(numbers, int(n))
	}
	sort.Ints(numbers)
	var data, digests []byte
	for _, n := range numbers {
		part := u.parts[int32(n)]
		data = append(data, part...)
		sum := md5.Sum(part)
		digests = append(digests, sum[:]...)
	}
	o := &object{
		data:            data,
		etag:            quote(fmt.Sprintf("%s-%d", md5Hex(digests), len(numbers))),
		contentType:     aws.ToString(u.in.ContentType),
		contentEncoding: aws.ToString(u.in.ContentEncoding),
		storageClass:    u.in.StorageClass,
		keyMD5:          aws.ToString(u.in.SSECustomerKeyMD5),
	}
	s.store(aws.ToString(u.in.Bucket), aws.ToString(u.in.Key), o)
	return &s3.CompleteMultipartUploadOutput{Bucket: u.in.Bucket, Key: u.in.Key, ETag: aws.String(o.etag)}, nil
}

func (s *Server) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("AbortMultipartUpload"); err != nil {
		return nil, err
	}
	delete(s.uploads, aws.ToString(in.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

// PresignGetObject returns a URL that names the object and the expiry.
func (s *Server) PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	var po s3.PresignOptions
	for _, fn := range optFns {
		fn(&po)
	}
	u := fmt.Sprintf("https://s3.fake/%s/%s?X-Amz-Expires=%d",
		aws.ToString(in.Bucket), aws.ToString(in.Key), int(po.Expires.Seconds()))
	return &v4.PresignedHTTPRequest{URL: u, Method: http.MethodGet, SignedHeader: http.Header{}}, nil
}
