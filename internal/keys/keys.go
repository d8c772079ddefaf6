// Package keys holds the object key conventions shared by the persistors:
// sharded project ids, project folder detection and the location of a
// project's data encryption key.
package keys

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const shardedDigits = 9

var (
	shardedFolder = regexp.MustCompile(`^(\d{3}/\d{3}/\d{3}/)`)
	hexFolder     = regexp.MustCompile(`^([0-9a-f]{24}/)`)
)

// ShardProjectID zero-pads id to nine digits, reverses it and splits it
// into three segments, e.g. 123 becomes "321/000/000". Sequential ids end up
// in different key ranges.
func ShardProjectID(id string) (string, error) {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil || len(strconv.FormatUint(n, 10)) > shardedDigits {
		return "", fmt.Errorf("invalid project id %q", id)
	}
	padded := []byte(fmt.Sprintf("%0*d", shardedDigits, n))
	for i, j := 0, len(padded)-1; i < j; i, j = i+1, j-1 {
		padded[i], padded[j] = padded[j], padded[i]
	}
	s := string(padded)
	return s[0:3] + "/" + s[3:6] + "/" + s[6:9], nil
}

// ProjectFolder returns the project folder a key belongs to, with a
// trailing slash. Keys outside of project folders return false.
func ProjectFolder(key string) (string, bool) {
	if m := shardedFolder.FindStringSubmatch(key); m != nil {
		return m[1], true
	}
	if m := hexFolder.FindStringSubmatch(key); m != nil {
		return m[1], true
	}
	return "", false
}

// IsProjectFolder reports whether prefix addresses exactly one project
// folder, with or without the trailing slash.
func IsProjectFolder(prefix string) bool {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	folder, ok := ProjectFolder(prefix)
	return ok && folder == prefix
}

// DEKName is the object name of a project's data encryption key inside its
// project folder.
const DEKName = "dek"

// DataEncryptionKeyPath maps an object to where its project's data
// encryption key lives: the project folder followed by DEKName, in
// dekBucket. Keys never live next to the data they protect.
func DataEncryptionKeyPath(dekBucket string) func(bucket, key string) (string, string, error) {
	return func(bucket, key string) (string, string, error) {
		if dekBucket == "" {
			return "", "", fmt.Errorf("no bucket configured for data encryption keys")
		}
		if dekBucket == bucket {
			return "", "", fmt.Errorf("bucket %q holds data encryption keys and cannot hold data", bucket)
		}
		folder, ok := ProjectFolder(key)
		if !ok {
			return "", "", fmt.Errorf("key %q is not inside a project folder", key)
		}
		return dekBucket, folder + DEKName, nil
	}
}
