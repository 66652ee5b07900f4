package video

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

// now is swapped by tests to pin ages.
var now = time.Now

// PartitionLayout is the date format of archive partition directories.
const PartitionLayout = "2006-01-02"

// Video is an immutable handle to one media file on disk. Its capture time is
// taken from the epoch-seconds token that prefixes the filename and never
// changes, even when the handle is re-pointed at a new path.
type Video struct {
	path     string
	captured time.Time
}

// NotFoundError reports that the file backing a Video no longer exists.
type NotFoundError struct {
	Path string
	Err  error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("video not found: %s", e.Path)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// MalformedNameError reports a filename without a parseable epoch token.
type MalformedNameError struct {
	Name string
}

func (e *MalformedNameError) Error() string {
	return fmt.Sprintf("malformed video name %q: expected <epoch-seconds>.<ext>", e.Name)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsMalformedName reports whether err is (or wraps) a MalformedNameError.
func IsMalformedName(err error) bool {
	var e *MalformedNameError
	return errors.As(err, &e)
}

// New creates a Video for path, parsing its capture time from the filename.
func New(path string) (*Video, error) {
	captured, err := ParseCaptureTime(filepath.Base(path))
	if err != nil {
		return nil, err
	}
	return &Video{path: path, captured: captured}, nil
}

// ParseCaptureTime extracts the capture time from a name like "1700000000.mp4"
// or "1700000000.1.mp4". Everything before the first dot must be an integer.
func ParseCaptureTime(name string) (time.Time, error) {
	token, _, _ := strings.Cut(name, ".")
	if token == "" {
		return time.Time{}, &MalformedNameError{Name: name}
	}
	sec, err := strconv.ParseInt(token, 10, 64)
	if err != nil || sec < 0 {
		return time.Time{}, &MalformedNameError{Name: name}
	}
	return time.Unix(sec, 0).UTC(), nil
}

// Path returns the absolute file path.
func (v *Video) Path() string {
	return v.path
}

// Dir returns the directory containing the file.
func (v *Video) Dir() string {
	return filepath.Dir(v.path)
}

// Filename returns the base name of the file.
func (v *Video) Filename() string {
	return filepath.Base(v.path)
}

// Stem returns the filename up to its first dot, i.e. the epoch token.
func (v *Video) Stem() string {
	stem, _, _ := strings.Cut(v.Filename(), ".")
	return stem
}

// CaptureTime returns the UTC capture start time.
func (v *Video) CaptureTime() time.Time {
	return v.captured
}

// Partition returns the archive date directory name for the capture time in loc.
func (v *Video) Partition(loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return v.captured.In(loc).Format(PartitionLayout)
}

// Age returns how long ago the video was captured. Clock skew can make it
// negative; callers treat that as not yet eligible for eviction.
func (v *Video) Age() time.Duration {
	return now().UTC().Sub(v.captured)
}

// Size stats the file. The file may have been removed concurrently, in which
// case a NotFoundError is returned.
func (v *Video) Size() (int64, error) {
	info, err := os.Stat(v.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, &NotFoundError{Path: v.path, Err: err}
		}
		return 0, fmt.Errorf("failed to stat video: %w", err)
	}
	return info.Size(), nil
}

// Exists reports whether the file is currently present.
func (v *Video) Exists() bool {
	_, err := os.Stat(v.path)
	return err == nil
}

// Delete removes the file. A file that is already gone yields NotFoundError.
func (v *Video) Delete() error {
	if err := os.Remove(v.path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &NotFoundError{Path: v.path, Err: err}
		}
		return fmt.Errorf("failed to delete video: %w", err)
	}
	return nil
}

// WithPath returns a handle for path that keeps this video's capture time.
func (v *Video) WithPath(path string) *Video {
	return &Video{path: path, captured: v.captured}
}

func (v *Video) String() string {
	return v.path
}

// Compare orders videos by capture time, then by path so ties are consistent.
func Compare(a, b *Video) int {
	if c := a.captured.Compare(b.captured); c != 0 {
		return c
	}
	return strings.Compare(a.path, b.path)
}

// Sort orders videos oldest first in place.
func Sort(videos []*Video) {
	slices.SortStableFunc(videos, Compare)
}
