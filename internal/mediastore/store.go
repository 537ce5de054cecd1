// Package mediastore persists uploaded media on disk and serves it back under
// the trusted media origin. Relayed media_message URLs must point here; the
// hub refuses anything else.
package mediastore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

const DefaultMaxUploadBytes = 10 << 20 // 10MiB

var (
	ErrTooLarge        = errors.New("mediastore: upload exceeds size limit")
	ErrUnsupportedType = errors.New("mediastore: unsupported media type")
	ErrNotFound        = errors.New("mediastore: no such object")
)

// Stored names are a UUID plus the extension derived from the sniffed type.
var storedNameRe = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}(\.[a-z0-9]+)?$`)

// Store writes uploads to a flat directory. Object names are generated, never
// caller-supplied, so the only name validation needed on reads is the pattern
// check that keeps traversal out.
type Store struct {
	dir      string
	maxBytes int64
}

func New(dir string, maxBytes int64) (*Store, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mediastore: create dir: %w", err)
	}
	return &Store{dir: dir, maxBytes: maxBytes}, nil
}

// Save sniffs the content type from the payload itself (the client-declared
// type is ignored), enforces the media allowlist and size cap, and writes the
// object under a fresh UUID name. It returns the stored name and the detected
// MIME type.
func (s *Store) Save(r io.Reader) (name, mediaType string, err error) {
	limited := io.LimitReader(r, s.maxBytes+1)

	mtype, recycled, err := detect(limited)
	if err != nil {
		return "", "", fmt.Errorf("mediastore: sniff: %w", err)
	}
	if !allowedType(mtype.String()) {
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedType, mtype.String())
	}

	name = uuid.NewString() + mtype.Extension()

	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", "", fmt.Errorf("mediastore: create object: %w", err)
	}
	n, err := io.Copy(f, recycled)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > s.maxBytes {
		err = ErrTooLarge
	}
	if err != nil {
		_ = os.Remove(filepath.Join(s.dir, name))
		if errors.Is(err, ErrTooLarge) {
			return "", "", err
		}
		return "", "", fmt.Errorf("mediastore: write object: %w", err)
	}

	return name, mtype.String(), nil
}

// Open returns a reader for a stored object together with its sniffed type.
func (s *Store) Open(name string) (io.ReadSeekCloser, string, error) {
	if !storedNameRe.MatchString(name) {
		return nil, "", ErrNotFound
	}

	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("mediastore: open object: %w", err)
	}

	mtype, err := mimetype.DetectReader(f)
	if err != nil {
		_ = f.Close()
		return nil, "", fmt.Errorf("mediastore: sniff object: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, "", fmt.Errorf("mediastore: rewind object: %w", err)
	}
	return f, mtype.String(), nil
}

// detect sniffs the MIME type without losing the bytes consumed by the
// sniffer: the returned reader replays the full payload.
func detect(r io.Reader) (*mimetype.MIME, io.Reader, error) {
	header := make([]byte, 3072) // mimetype's default read limit
	n, err := io.ReadFull(r, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, nil, err
	}
	header = header[:n]

	mtype := mimetype.Detect(header)
	return mtype, io.MultiReader(bytes.NewReader(header), r), nil
}

func allowedType(mediaType string) bool {
	return strings.HasPrefix(mediaType, "image/") ||
		strings.HasPrefix(mediaType, "video/") ||
		strings.HasPrefix(mediaType, "audio/")
}
