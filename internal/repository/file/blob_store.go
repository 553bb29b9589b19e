package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"suimessenger/internal/domain"
	"suimessenger/pkg/contentid"
)

// BlobStore keeps content-addressed blobs as files, one per content id
type BlobStore struct {
	dir string
}

var (
	_ domain.BlobWriter = (*BlobStore)(nil)
	_ domain.BlobReader = (*BlobStore)(nil)
)

// NewBlobStore creates the directory if needed
func NewBlobStore(dir string) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &BlobStore{dir: dir}, nil
}

// Name identifies the store in logs and metrics
func (s *BlobStore) Name() string { return "file:" + s.dir }

// Exists reports whether a blob with contentID is stored
func (s *BlobStore) Exists(contentID string) bool {
	if contentid.Validate(contentID) != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(s.dir, contentID))
	return err == nil
}

// Put writes data under its content id. Identical content is stored once.
func (s *BlobStore) Put(_ context.Context, data []byte, epochs int) (domain.BlobReference, error) {
	id, err := contentid.Compute(data)
	if err != nil {
		return domain.BlobReference{}, err
	}
	ref := domain.BlobReference{ContentID: id, SizeBytes: int64(len(data)), TTLEpochs: epochs}
	if s.Exists(id) {
		return ref, nil
	}
	if err := writeFile(filepath.Join(s.dir, id), data, 0o644); err != nil {
		return domain.BlobReference{}, fmt.Errorf("failed to store blob: %w", err)
	}
	return ref, nil
}

// Get reads the blob for contentID. Ids that do not parse are clean misses.
func (s *BlobStore) Get(_ context.Context, contentID string) ([]byte, error) {
	if contentid.Validate(contentID) != nil {
		return nil, domain.ErrBlobNotFound
	}
	b, err := readFile(filepath.Join(s.dir, contentID))
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	if b == nil {
		return nil, domain.ErrBlobNotFound
	}
	return b, nil
}
