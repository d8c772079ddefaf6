package s3store

import (
	"crypto/md5"
	"encoding/base64"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/yourorg/object-persistor/internal/storage"
)

const (
	sseAlgorithm = "AES256"
	// SSECKeyLength is the size of an SSE-C key in bytes.
	SSECKeyLength = 32
)

// SSECOptions carries a customer supplied key in the encoding S3 expects.
// It never prints the key.
type SSECOptions struct {
	key    string
	keyMD5 string
}

func NewSSECOptions(key []byte) (*SSECOptions, error) {
	if len(key) != SSECKeyLength {
		return nil, storage.NewSettingsError("SSE-C key must be 32 bytes", storage.Info{"length": len(key)}, nil)
	}
	sum := md5.Sum(key)
	return &SSECOptions{
		key:    base64.StdEncoding.EncodeToString(key),
		keyMD5: base64.StdEncoding.EncodeToString(sum[:]),
	}, nil
}

func (o *SSECOptions) String() string   { return "SSECOptions{" + sseAlgorithm + "}" }
func (o *SSECOptions) GoString() string { return o.String() }

// Equal reports whether both options carry the same key.
func (o *SSECOptions) Equal(other *SSECOptions) bool {
	return o != nil && other != nil && o.keyMD5 == other.keyMD5
}

func (o *SSECOptions) headers() (alg, key, md5 *string) {
	return aws.String(sseAlgorithm), aws.String(o.key), aws.String(o.keyMD5)
}

func (o *SSECOptions) applyPut(in *s3.PutObjectInput) {
	if o == nil {
		return
	}
	in.SSECustomerAlgorithm, in.SSECustomerKey, in.SSECustomerKeyMD5 = o.headers()
}

func (o *SSECOptions) applyGet(in *s3.GetObjectInput) {
	if o == nil {
		return
	}
	in.SSECustomerAlgorithm, in.SSECustomerKey, in.SSECustomerKeyMD5 = o.headers()
}

func (o *SSECOptions) applyHead(in *s3.HeadObjectInput) {
	if o == nil {
		return
	}
	in.SSECustomerAlgorithm, in.SSECustomerKey, in.SSECustomerKeyMD5 = o.headers()
}

// applyCopy decrypts the source with src and encrypts the copy with dst.
// Either may be nil.
func applyCopy(in *s3.CopyObjectInput, src, dst *SSECOptions) {
	if src != nil {
		in.CopySourceSSECustomerAlgorithm, in.CopySourceSSECustomerKey, in.CopySourceSSECustomerKeyMD5 = src.headers()
	}
	if dst != nil {
		in.SSECustomerAlgorithm, in.SSECustomerKey, in.SSECustomerKeyMD5 = dst.headers()
	}
}
