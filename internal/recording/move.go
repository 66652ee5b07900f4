package recording

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/brollyhub/nvr/internal/video"
)

// swapped by tests to simulate a cross-device rename
var renameFunc = os.Rename

// swapped by tests to simulate a raw segment that cannot be removed
var deleteSegment = (*video.Video).Delete

// maxDestinationSuffix bounds the search for a free archive name.
const maxDestinationSuffix = 1000

// uniqueDestination returns the first free path in dir for stem.ext, trying
// stem.ext, stem.1.ext, stem.2.ext and so on. Suffixed names keep the epoch
// token first, so they sort and age like the original.
func uniqueDestination(dir, stem, ext string) (string, error) {
	for i := 0; i <= maxDestinationSuffix; i++ {
		name := stem + "." + ext
		if i > 0 {
			name = stem + "." + strconv.Itoa(i) + "." + ext
		}
		path := filepath.Join(dir, name)
		_, err := os.Lstat(path)
		if errors.Is(err, os.ErrNotExist) {
			return path, nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to stat %s: %w", path, err)
		}
	}
	return "", fmt.Errorf("no free archive name for %s in %s", stem, dir)
}

// moveFile renames src to dst, falling back to copy and remove when the two
// live on different filesystems.
func moveFile(src, dst string) error {
	err := renameFunc(src, dst)
	if err == nil {
		return nil
	}
	if !isCrossDevice(err) {
		return err
	}

	if err := copyFile(src, dst); err != nil {
		return fmt.Errorf("failed to copy across devices: %w", err)
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("failed to remove source after copy: %w", err)
	}
	return nil
}

func isCrossDevice(err error) bool {
	if errors.Is(err, syscall.EXDEV) {
		return true
	}
	var le *os.LinkError
	return errors.As(err, &le) && errors.Is(le.Err, syscall.EXDEV)
}

// copyFile writes src into a hidden temp file next to dst and renames it into
// place, so a partial copy never shows up as an archived video.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	dir := filepath.Dir(dst)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, in); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, dst)
}
