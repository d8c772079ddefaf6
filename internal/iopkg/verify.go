package iopkg

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/yourorg/object-persistor/internal/storage"
)

// VerifyMd5 compares two hex digests. On mismatch it runs cleanup, which
// should remove the object just written, and returns a WriteError carrying
// both digests. A failed cleanup is attached to the error as cleanupError.
func VerifyMd5(ctx context.Context, sourceMd5, destMd5 string, info storage.Info, cleanup func(context.Context) error) error {
	if strings.EqualFold(sourceMd5, destMd5) {
		return nil
	}
	details := storage.Info{}
	for k, v := range info {
		details[k] = v
	}
	details["sourceMd5"] = sourceMd5
	details["destMd5"] = destMd5
	if cleanup != nil {
		if err := cleanup(ctx); err != nil {
			details["cleanupError"] = err.Error()
		}
	}
	return storage.NewWriteError("source and destination hashes do not match", details, nil)
}

// ErrorShape knows how one backend spells "not found" and "precondition
// failed" in its native errors.
type ErrorShape struct {
	NotFound           func(error) bool
	PreconditionFailed func(error) bool
}

// Wrap normalizes a native error. Absence wins over everything else, then a
// failed create-only write becomes AlreadyWritten, and anything else is
// wrapped as kind. Errors that are already canonical pass through unchanged,
// except that a NotFound is re-wrapped with the new message and context.
func (s ErrorShape) Wrap(err error, msg string, info storage.Info, kind storage.Kind) error {
	if err == nil {
		return nil
	}
	if storage.IsNotFound(err) || (s.NotFound != nil && s.NotFound(err)) {
		return storage.NewNotFoundError("no such file", info, err)
	}
	if info["ifNoneMatch"] == storage.IfNoneMatchAny && s.PreconditionFailed != nil && s.PreconditionFailed(err) {
		return storage.NewAlreadyWrittenError("object already exists", info, err)
	}
	if storage.KindOf(err) != "" {
		return err
	}
	return storage.NewError(kind, msg, info, err)
}

// HexToBase64 converts a hex digest into the base64 form used by Content-MD5.
func HexToBase64(s string) (string, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// Base64ToHex converts a base64 digest into lowercase hex.
func Base64ToHex(s string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
