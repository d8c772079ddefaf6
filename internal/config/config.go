package config

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/yourorg/object-persistor/internal/storage"
	"github.com/yourorg/object-persistor/internal/storage/davstore"
	"github.com/yourorg/object-persistor/internal/storage/fsstore"
	"github.com/yourorg/object-persistor/internal/storage/gcsstore"
	"github.com/yourorg/object-persistor/internal/storage/migration"
	"github.com/yourorg/object-persistor/internal/storage/s3store"
)

// EnvPrefix prefixes every environment variable, e.g.
// OBJECT_PERSISTOR_S3_ENDPOINT for s3.endpoint.
const EnvPrefix = "OBJECT_PERSISTOR"

const (
	BackendFS     = "fs"
	BackendS3     = "s3"
	BackendGCS    = "gcs"
	BackendS3SSEC = "s3SSEC"
	BackendWebDAV = "webdav"
)

var backends = []string{BackendFS, BackendS3, BackendGCS, BackendS3SSEC, BackendWebDAV}

type SSECConfig struct {
	// KEKs are base64 encoded key encryption keys, current one first.
	KEKs []string `mapstructure:"keks"`
	// DEKBucket holds the data encryption keys. It is required for s3SSEC
	// and must not be used for data.
	DEKBucket string `mapstructure:"dekBucket"`
}

type FallbackConfig struct {
	Backend string `mapstructure:"backend"`
	// Buckets renames primary locations for the fallback.
	Buckets    map[string]string `mapstructure:"buckets"`
	CopyOnMiss bool              `mapstructure:"copyOnMiss"`
}

func (f FallbackConfig) Migration() migration.Settings {
	return migration.Settings{Buckets: f.Buckets, CopyOnMiss: f.CopyOnMiss}
}

type Config struct {
	Backend  string            `mapstructure:"backend"`
	FS       fsstore.Settings  `mapstructure:"fs"`
	S3       s3store.Settings  `mapstructure:"s3"`
	GCS      gcsstore.Settings `mapstructure:"gcs"`
	WebDAV   davstore.Settings `mapstructure:"webdav"`
	SSEC     SSECConfig        `mapstructure:"ssec"`
	Fallback FallbackConfig    `mapstructure:"fallback"`
}

// envKeys are bound explicitly so Unmarshal sees them without a config file.
var envKeys = []string{
	"s3.key", "s3.secret", "s3.endpoint", "s3.region", "s3.pathStyle", "s3.caFile",
	"s3.partSize", "s3.disableMultiPartUpload", "s3.signedUrlExpiry",
	"s3.retry.maxAttempts", "s3.retry.deleteBatchMaxAttempts",
	"gcs.endpoint", "gcs.credentialsFile", "gcs.unsignedUrls", "gcs.signedUrlExpiry", "gcs.chunkSize",
	"webdav.url", "webdav.username", "webdav.password", "webdav.timeout",
	"ssec.keks", "ssec.dekBucket",
	"fallback.backend", "fallback.copyOnMiss",
}

// Load reads an optional config file, then the environment, which wins. A
// .env file in the working directory is loaded first for local development.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, storage.NewSettingsError("failed to load .env", nil, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("backend", BackendFS)
	v.SetDefault("fs.deleteConcurrency", fsstore.DefaultDeleteConcurrency)
	v.SetDefault("gcs.deleteConcurrency", gcsstore.DefaultDeleteConcurrency)
	v.SetDefault("s3.signedUrlExpiry", s3store.DefaultSignedURLExpiry)
	v.SetDefault("s3.maxConnsPerHost", s3store.DefaultMaxConnsPerHost)
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, storage.NewSettingsError("failed to read config file", storage.Info{"path": path}, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, storage.NewSettingsError("unable to decode config", nil, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if !slices.Contains(backends, c.Backend) {
		return storage.NewSettingsError("unknown backend", storage.Info{"backend": c.Backend}, nil)
	}
	if err := c.validateBackend(c.Backend); err != nil {
		return err
	}
	if c.Fallback.Backend == "" {
		if c.Fallback.CopyOnMiss {
			return storage.NewSettingsError("copyOnMiss needs a fallback backend", nil, nil)
		}
		return nil
	}
	if !slices.Contains(backends, c.Fallback.Backend) {
		return storage.NewSettingsError("unknown fallback backend", storage.Info{"backend": c.Fallback.Backend}, nil)
	}
	if c.Fallback.Backend == c.Backend {
		return storage.NewSettingsError("fallback backend must differ from the primary", storage.Info{"backend": c.Backend}, nil)
	}
	return c.validateBackend(c.Fallback.Backend)
}

func (c *Config) validateBackend(name string) error {
	switch name {
	case BackendS3SSEC:
		if len(c.SSEC.KEKs) == 0 {
			return storage.NewSettingsError("s3SSEC needs at least one key encryption key", nil, nil)
		}
		if c.SSEC.DEKBucket == "" {
			return storage.NewSettingsError("s3SSEC needs a bucket for data encryption keys", nil, nil)
		}
	case BackendWebDAV:
		if c.WebDAV.URL == "" {
			return storage.NewSettingsError("webdav needs a url", nil, nil)
		}
	}
	return nil
}

func mask(s string) string {
	if s == "" {
		return "(empty)"
	}
	return "********"
}

// String prints the configuration with every secret masked.
func (c *Config) String() string {
	var sb strings.Builder
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("  Backend: %s\n", c.Backend))
	sb.WriteString(fmt.Sprintf("  FS.DeleteConcurrency: %d\n", c.FS.DeleteConcurrency))

	sb.WriteString(fmt.Sprintf("  S3.Endpoint: %s\n", c.S3.Endpoint))
	sb.WriteString(fmt.Sprintf("  S3.Region: %s\n", c.S3.Region))
	sb.WriteString(fmt.Sprintf("  S3.PathStyle: %v\n", c.S3.PathStyle))
	sb.WriteString(fmt.Sprintf("  S3.Key: %s\n", mask(c.S3.Key)))
	sb.WriteString(fmt.Sprintf("  S3.Secret: %s\n", mask(c.S3.Secret)))
	buckets := make([]string, 0, len(c.S3.BucketCreds))
	for b := range c.S3.BucketCreds {
		buckets = append(buckets, b)
	}
	slices.Sort(buckets)
	sb.WriteString(fmt.Sprintf("  S3.BucketCreds: %v\n", buckets))
	sb.WriteString(fmt.Sprintf("  S3.PartSize: %d\n", c.S3.PartSize))
	sb.WriteString(fmt.Sprintf("  S3.DisableMultiPartUpload: %v\n", c.S3.DisableMultiPartUpload))

	sb.WriteString(fmt.Sprintf("  GCS.Endpoint: %s\n", c.GCS.Endpoint))
	sb.WriteString(fmt.Sprintf("  GCS.CredentialsFile: %s\n", c.GCS.CredentialsFile))
	sb.WriteString(fmt.Sprintf("  GCS.UnsignedURLs: %v\n", c.GCS.UnsignedURLs))

	sb.WriteString(fmt.Sprintf("  WebDAV.URL: %s\n", c.WebDAV.URL))
	sb.WriteString(fmt.Sprintf("  WebDAV.Username: %s\n", c.WebDAV.Username))
	sb.WriteString(fmt.Sprintf("  WebDAV.Password: %s\n", mask(c.WebDAV.Password)))

	sb.WriteString(fmt.Sprintf("  SSEC.KEKs: %d configured\n", len(c.SSEC.KEKs)))
	sb.WriteString(fmt.Sprintf("  SSEC.DEKBucket: %s\n", c.SSEC.DEKBucket))

	sb.WriteString(fmt.Sprintf("  Fallback.Backend: %s\n", c.Fallback.Backend))
	sb.WriteString(fmt.Sprintf("  Fallback.Buckets: %v\n", c.Fallback.Buckets))
	sb.WriteString(fmt.Sprintf("  Fallback.CopyOnMiss: %v\n", c.Fallback.CopyOnMiss))
	return sb.String()
}
