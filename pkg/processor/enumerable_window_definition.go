package processor

import (
	"tumblestream/pkg/commtypes"

	"golang.org/x/xerrors"
)

// The window specification for windows that can be enumerated for a
// single event based on its time.
//
// Grace period defines how long to wait on out-of-order events: windows
// continue to accept records until stream_time >= window_end + grace.
// Records inside the grace period but past the window end are late and
// flagged as such; records past the store retention are dropped.
type EnumerableWindowDefinition interface {
	// WindowsFor lists all windows that contain the provided timestamp,
	// indexed by window start, plus the starts in ascending order.
	WindowsFor(timestamp int64) (map[int64]commtypes.Window, []int64, error)
	// MaxSize returns an upper bound on window size in ms; it lower
	// bounds store retention.
	MaxSize() int64
	// GracePeriodMs returns how long out-of-order events are admitted
	// after the window end. Delay is (stream_time - record_timestamp).
	GracePeriodMs() int64
}

var (
	WindowSizeLeqZero            = xerrors.New("Window size must be larger than zero")
	WindowAdvanceLargerThanSize  = xerrors.New("window advance interval should be less than window duration")
	WindowAdvanceSmallerThanZero = xerrors.New("window advance interval should be larger than zero")
	GraceSmallerThanZero         = xerrors.New("grace period should not be negative")
)

const (
	DEFAULT_RETENTION_MS = int64(24 * 60 * 60 * 1000)
)
