package retention

import (
	"errors"
	"fmt"

	"github.com/brollyhub/nvr/internal/video"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Archive is anything that can list its archived videos, typically a Recorder.
type Archive interface {
	Name() string
	Videos() ([]*video.Video, error)
}

// ArchiveSource scopes a LimitManager to a single archive.
func ArchiveSource(a Archive) Source {
	return a.Videos
}

// GlobalSource scopes a LimitManager to the union of all archives. An archive
// that fails to list is left out of this snapshot rather than blocking
// retention for the rest of the fleet; the fleet total is then understated,
// which is logged at error level. If no archive lists, the snapshot fails.
func GlobalSource(archives []Archive, logger *zap.Logger) Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func() ([]*video.Video, error) {
		lists := make([][]*video.Video, 0, len(archives))
		var errs []error
		var failed []string
		for _, a := range archives {
			videos, err := a.Videos()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", a.Name(), err))
				failed = append(failed, a.Name())
				continue
			}
			lists = append(lists, videos)
		}

		if len(archives) > 0 && len(failed) == len(archives) {
			return nil, fmt.Errorf("failed to list every archive: %w", errors.Join(errs...))
		}
		if len(failed) > 0 {
			logger.Error("Fleet usage understated, some archives could not be listed",
				zap.Strings("cameras", failed),
				zap.Error(errors.Join(errs...)))
		}

		all := lo.Flatten(lists)
		video.Sort(all)
		return all, nil
	}
}
