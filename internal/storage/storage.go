package storage

import (
	"context"
	"io"
	"strings"
)

// Persistor stores, retrieves, copies and deletes named binary objects.
// A location is a bucket, container or root folder; a name is an opaque key.
// Directories are not entities: they are the objects sharing a name prefix.
type Persistor interface {
	// SendFile uploads the local file at fsPath.
	SendFile(ctx context.Context, location, name, fsPath string) error
	// SendStream uploads r. On success the stored content hashes to the
	// source; on mismatch the written object is removed and a WriteError
	// is returned.
	SendStream(ctx context.Context, location, name string, r io.Reader, opts SendOptions) error
	// GetObjectStream returns a reader over the object, or a byte range of it.
	GetObjectStream(ctx context.Context, location, name string, opts GetOptions) (io.ReadCloser, error)
	// GetRedirectURL returns a time limited URL, or "" when the backend
	// cannot serve objects out of band.
	GetRedirectURL(ctx context.Context, location, name string) (string, error)
	GetObjectSize(ctx context.Context, location, name string) (int64, error)
	// GetObjectMd5Hash returns the lowercase hex MD5 of the content.
	GetObjectMd5Hash(ctx context.Context, location, name string) (string, error)
	CopyObject(ctx context.Context, location, fromName, toName string) error
	// DeleteObject is idempotent: a missing object is not an error.
	DeleteObject(ctx context.Context, location, name string) error
	DeleteDirectory(ctx context.Context, location, prefix string) error
	// CheckIfObjectExists never returns a NotFoundError.
	CheckIfObjectExists(ctx context.Context, location, name string) (bool, error)
	DirectorySize(ctx context.Context, location, prefix string) (int64, error)
}

// DirectoryLister is implemented by backends that can enumerate a prefix.
type DirectoryLister interface {
	ListDirectoryKeys(ctx context.Context, location, prefix string) ([]string, error)
	ListDirectoryStats(ctx context.Context, location, prefix string) ([]ObjectStat, error)
}

// ObjectStat is one entry of a directory listing.
type ObjectStat struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// IfNoneMatchAny requests that a write only succeeds when the object is absent.
const IfNoneMatchAny = "*"

// SendOptions tune an upload.
type SendOptions struct {
	// SourceMd5 is the hex MD5 of the source, when the caller knows it.
	SourceMd5       string
	ContentType     string
	ContentEncoding string
	// ContentLength is optional; zero means unknown.
	ContentLength int64
	// IfNoneMatch set to "*" turns the write into a create-only write.
	IfNoneMatch string
}

// OnlyIfAbsent reports whether the write must not replace an existing object.
func (o SendOptions) OnlyIfAbsent() bool {
	return o.IfNoneMatch == IfNoneMatchAny
}

// ByteRange is an inclusive range of byte offsets.
type ByteRange struct {
	Start int64
	End   int64
}

// Length is the number of bytes covered by the range.
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// Valid reports whether the range can be requested.
func (r ByteRange) Valid() bool {
	return r.Start >= 0 && r.End >= r.Start
}

// GetOptions tune a download.
type GetOptions struct {
	// Range restricts the read to [Start, End]; nil reads the whole object.
	Range *ByteRange
	// AutoGunzip decodes objects stored with Content-Encoding gzip, on
	// backends that record an encoding.
	AutoGunzip bool
}

// DirectoryPrefix normalizes a directory name into the key prefix that
// addresses it, so "a" and "a/" both mean every key below "a/".
func DirectoryPrefix(prefix string) string {
	if prefix == "" || strings.HasSuffix(prefix, "/") {
		return prefix
	}
	return prefix + "/"
}
