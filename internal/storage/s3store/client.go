package s3store

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/yourorg/object-persistor/internal/storage"
)

// BucketCreds overrides the static credentials for one bucket.
type BucketCreds struct {
	AuthKey    string `mapstructure:"auth_key"`
	AuthSecret string `mapstructure:"auth_secret"`
}

type RetrySettings struct {
	// MaxAttempts for every call; zero keeps the SDK default.
	MaxAttempts int `mapstructure:"maxAttempts"`
	// DeleteBatchMaxAttempts applies to DeleteObjects, which is idempotent
	// and can be retried harder than writes.
	DeleteBatchMaxAttempts int `mapstructure:"deleteBatchMaxAttempts"`
}

type Settings struct {
	Key      string `mapstructure:"key"`
	Secret   string `mapstructure:"secret"`
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
	// PathStyle forces path-style addressing, needed by most S3 compatible servers.
	PathStyle bool `mapstructure:"pathStyle"`
	// CAFile is a PEM bundle trusted for TLS to Endpoint.
	CAFile      string                 `mapstructure:"caFile"`
	BucketCreds map[string]BucketCreds `mapstructure:"bucketCreds"`
	// StorageClass per bucket for new objects.
	StorageClass           map[string]string `mapstructure:"storageClass"`
	PartSize               int64             `mapstructure:"partSize"`
	DisableMultiPartUpload bool              `mapstructure:"disableMultiPartUpload"`
	SignedURLExpiry        time.Duration     `mapstructure:"signedUrlExpiry"`
	MaxConnsPerHost        int               `mapstructure:"maxConnsPerHost"`
	Retry                  RetrySettings     `mapstructure:"retry"`
}

const (
	DefaultSignedURLExpiry = 15 * time.Minute
	DefaultMaxConnsPerHost = 300
)

// ClientFactory builds the clients used for one bucket.
type ClientFactory func(ctx context.Context, bucket string) (API, Presigner, error)

type bucketClient struct {
	api       API
	presigner Presigner
}

// newClient creates an S3 client for bucket. Without an explicit endpoint it
// honors AWS_ENDPOINT_URL_S3 and AWS_S3_FORCE_PATH_STYLE, as MinIO setups do.
func (s Settings) newClient(ctx context.Context, bucket string) (API, Presigner, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithHTTPClient(awshttp.NewBuildableClient().WithTransportOptions(func(tr *http.Transport) {
			tr.MaxConnsPerHost = s.MaxConnsPerHost
			tr.MaxIdleConnsPerHost = s.MaxConnsPerHost
		})),
	}
	if s.Region != "" {
		opts = append(opts, config.WithRegion(s.Region))
	}
	if bc, ok := s.BucketCreds[bucket]; ok {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(bc.AuthKey, bc.AuthSecret, "")))
	} else if s.Key != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(s.Key, s.Secret, "")))
	}
	if s.Retry.MaxAttempts > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(s.Retry.MaxAttempts))
	}
	if s.CAFile != "" {
		f, err := os.Open(s.CAFile)
		if err != nil {
			return nil, nil, storage.NewSettingsError("cannot read S3 CA bundle", storage.Info{"caFile": s.CAFile}, err)
		}
		defer f.Close()
		opts = append(opts, config.WithCustomCABundle(f))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, nil, storage.NewSettingsError("cannot load S3 configuration", storage.Info{"bucketName": bucket}, err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		ep := s.Endpoint
		if ep == "" {
			ep = os.Getenv("AWS_ENDPOINT_URL_S3")
		}
		if ep != "" {
			o.BaseEndpoint = aws.String(ep)
		}
		if s.PathStyle || strings.EqualFold(os.Getenv("AWS_S3_FORCE_PATH_STYLE"), "true") {
			o.UsePathStyle = true
		}
	})
	return client, s3.NewPresignClient(client), nil
}
