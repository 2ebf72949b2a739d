package upload

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Source is the local file a session reads chunk data from. ReadAt must be
// safe for concurrent use, which both *os.File and *bytes.Reader satisfy.
type Source interface {
	io.ReaderAt
	Name() string
	Size() int64
}

type fileSource struct {
	f    *os.File
	name string
	size int64
}

// NewFileSource opens a file on disk as an upload source.
func NewFileSource(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening source file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stating source file: %w", err)
	}
	return &fileSource{f: f, name: filepath.Base(path), size: info.Size()}, nil
}

func (s *fileSource) ReadAt(p []byte, off int64) (int, error) { return s.f.ReadAt(p, off) }
func (s *fileSource) Name() string                            { return s.name }
func (s *fileSource) Size() int64                             { return s.size }

type bytesSource struct {
	r    *bytes.Reader
	name string
}

// NewBytesSource wraps an in-memory byte slice as an upload source.
func NewBytesSource(name string, data []byte) Source {
	return &bytesSource{r: bytes.NewReader(data), name: name}
}

func (s *bytesSource) ReadAt(p []byte, off int64) (int, error) { return s.r.ReadAt(p, off) }
func (s *bytesSource) Name() string                            { return s.name }
func (s *bytesSource) Size() int64                             { return s.r.Size() }

// SanitizeName strips path separators and control characters from a file
// name so the derived chunk names are safe attachment file names.
func SanitizeName(name string) string {
	name = filepath.Base(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20, r == 0x7f:
			// control characters dropped
		case r == '/', r == '\\', r == ':':
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "file"
	}
	return b.String()
}

// ChunkFileName derives the deterministic attachment name for a chunk:
// <sanitized-name>.part<NNN>, with NNN 1-based and zero padded to three
// digits.
func ChunkFileName(originalName string, index int) string {
	return fmt.Sprintf("%s.part%03d", SanitizeName(originalName), index+1)
}
