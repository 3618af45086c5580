// Package blob stores uploaded audio clips on disk under server-generated
// names. Write-once, read and delete by exact name. No streaming or range
// support; clips are small.
package blob

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrBlobMissing is returned when the named blob does not exist.
	ErrBlobMissing = errors.New("blob: not found")

	// ErrBlobWrite wraps failures while persisting a blob.
	ErrBlobWrite = errors.New("blob: write failed")
)

var unsafeChars = regexp.MustCompile(`[^a-z0-9_-]+`)

// Store is a flat directory of audio blobs.
type Store struct {
	dir string
	now func() time.Time
}

// NewStore ensures dir exists and returns a store over it.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBlobWrite, err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// Save persists data under a generated name derived from the uploaded
// filename: `<sanitized-base>-<unix-millis><ext>`. Collisions bump the
// millisecond component and retry. Returns the generated name.
func (s *Store) Save(uploadName string, data []byte) (string, error) {
	base, ext := splitName(uploadName)
	millis := s.now().UnixMilli()

	for attempt := 0; attempt < 100; attempt++ {
		name := fmt.Sprintf("%s-%d%s", base, millis+int64(attempt), ext)
		f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrBlobWrite, err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(f.Name())
			return "", fmt.Errorf("%w: %v", ErrBlobWrite, err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("%w: %v", ErrBlobWrite, err)
		}
		return name, nil
	}
	return "", fmt.Errorf("%w: could not find a free name for %q", ErrBlobWrite, uploadName)
}

// Read returns the bytes of a blob by exact name.
func (s *Store) Read(name string) ([]byte, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrBlobMissing
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Delete removes a blob by exact name.
func (s *Store) Delete(name string) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return ErrBlobMissing
	}
	return err
}

// path validates a client-supplied name and resolves it inside the store
// directory. Anything that is not a plain filename is treated as missing.
func (s *Store) path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", ErrBlobMissing
	}
	return filepath.Join(s.dir, name), nil
}

func splitName(uploadName string) (base, ext string) {
	ext = strings.ToLower(filepath.Ext(uploadName))
	if unsafeChars.MatchString(strings.TrimPrefix(ext, ".")) {
		ext = ""
	}
	base = strings.TrimSuffix(filepath.Base(uploadName), filepath.Ext(uploadName))
	base = unsafeChars.ReplaceAllString(strings.ToLower(base), "-")
	base = strings.Trim(base, "-")
	if base == "" {
		base = "audio"
	}
	return base, ext
}
