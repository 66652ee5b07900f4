package video

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Scan walks root and returns every video with extension ext, oldest first.
//
// The directory tree is the only index of recordings, so scanning has to cope
// with concurrent writers: a missing root yields an empty list, entries that
// disappear mid-walk are skipped, and files without an epoch token are logged
// and ignored. Dotfiles are staging artifacts and never listed.
func Scan(root, ext string, logger *zap.Logger) ([]*Video, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	suffix := "." + strings.TrimPrefix(ext, ".")

	videos := make([]*Video, 0, 64)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, os.ErrNotExist) {
				if path == root {
					return filepath.SkipAll
				}
				return nil
			}
			return walkErr
		}

		name := d.Name()
		if d.IsDir() {
			if path != root && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || filepath.Ext(name) != suffix {
			return nil
		}

		v, err := New(path)
		if err != nil {
			logger.Warn("Skipping file without capture timestamp",
				zap.String("path", path),
				zap.Error(err))
			return nil
		}
		videos = append(videos, v)
		return nil
	})
	if err != nil {
		return nil, err
	}

	Sort(videos)
	return videos, nil
}
