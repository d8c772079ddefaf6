package s3store

import (
	"context"
	"errors"
	"net/http"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/yourorg/object-persistor/internal/iopkg"
)

// API is the subset of the S3 client the persistor uses; *s3.Client
// satisfies it and tests substitute s3fake. It embeds the multipart calls
// so the same client can back a manager.Uploader.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)

	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Presigner signs GET requests; *s3.PresignClient satisfies it.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

var _ API = (*s3.Client)(nil)
var _ Presigner = (*s3.PresignClient)(nil)

func statusCode(err error) int {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}

func errorCode(err error) string {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode()
	}
	return ""
}

// isNotFound treats 403 like 404: both backends and callers rely on a
// denied read meaning "absent".
func isNotFound(err error) bool {
	switch statusCode(err) {
	case http.StatusNotFound, http.StatusForbidden:
		return true
	}
	switch errorCode(err) {
	case "NoSuchKey", "NotFound", "NoSuchBucket", "AccessDenied":
		return true
	}
	return false
}

func isPreconditionFailed(err error) bool {
	if statusCode(err) == http.StatusPreconditionFailed {
		return true
	}
	switch errorCode(err) {
	case "PreconditionFailed":
		return true
	case "ConditionalRequestConflict":
		return statusCode(err) == http.StatusConflict
	}
	return false
}

// IsAccessDenied reports whether the native cause of err is a 403. Under
// SSE-C this is how S3 answers a request carrying the wrong key.
func IsAccessDenied(err error) bool {
	return statusCode(err) == http.StatusForbidden || errorCode(err) == "AccessDenied"
}

var shape = iopkg.ErrorShape{NotFound: isNotFound, PreconditionFailed: isPreconditionFailed}
