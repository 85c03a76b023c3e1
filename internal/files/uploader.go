package files

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Uploader stores a byte payload and returns a publicly resolvable URL. The
// caller keeps only the URL, never the bytes.
type Uploader interface {
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
}

// DiskUploader writes uploads under a directory served at a public base URL.
type DiskUploader struct {
	dir     string
	baseURL string
}

// NewDiskUploader creates a disk-backed uploader.
func NewDiskUploader(dir, baseURL string) (*DiskUploader, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}
	return &DiskUploader{dir: dir, baseURL: baseURL}, nil
}

// Upload stores the payload and returns its URL
func (u *DiskUploader) Upload(_ context.Context, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty upload payload")
	}

	ext := ".bin"
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		ext = exts[0]
	}

	name := uuid.New().String() + ext
	path := filepath.Join(u.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write upload: %w", err)
	}

	return u.baseURL + "/" + name, nil
}
