package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalSource serves objects from a directory tree laid out as BaseDir/bucket/key.
type LocalSource struct {
	BaseDir string
}

func NewLocalSource(baseDir string) *LocalSource {
	return &LocalSource{BaseDir: baseDir}
}

// Path returns the file backing bucket/key.
func (s *LocalSource) Path(bucket, key string) (string, error) {
	p := filepath.Join(s.BaseDir, bucket, filepath.FromSlash(key))
	rel, err := filepath.Rel(s.BaseDir, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("object key %q escapes base directory", key)
	}
	return p, nil
}

func (s *LocalSource) Materialize(ctx context.Context, bucket, key, destPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := s.Path(bucket, key)
	if err != nil {
		return err
	}

	in, err := os.Open(src)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, key)
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}
