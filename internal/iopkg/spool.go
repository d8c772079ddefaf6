package iopkg

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// SpoolMemoryLimit is the largest body kept in memory; bigger bodies go to a
// temp file.
const SpoolMemoryLimit = 4 << 20

// Spooled is a seekable copy of a one-shot stream.
type Spooled struct {
	io.ReadSeeker
	size int64
	file *os.File
}

// Spool copies r into memory, or into a temp file under dir once it exceeds
// SpoolMemoryLimit. An empty dir means os.TempDir().
func Spool(r io.Reader, dir string) (*Spooled, error) {
	var buf bytes.Buffer
	n, err := io.CopyN(&buf, r, SpoolMemoryLimit+1)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if n <= SpoolMemoryLimit {
		return &Spooled{ReadSeeker: bytes.NewReader(buf.Bytes()), size: n}, nil
	}
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.OpenFile(filepath.Join(dir, "spool-"+uuid.NewString()), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}
	s := &Spooled{ReadSeeker: f, file: f}
	if _, err := buf.WriteTo(f); err != nil {
		s.Close()
		return nil, err
	}
	rest, err := io.Copy(f, r)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.size = n + rest
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Size is the total number of bytes spooled.
func (s *Spooled) Size() int64 { return s.size }

// Close releases the temp file, if any.
func (s *Spooled) Close() error {
	if s.file == nil {
		return nil
	}
	name := s.file.Name()
	err := s.file.Close()
	if rmErr := os.Remove(name); err == nil {
		err = rmErr
	}
	return err
}
