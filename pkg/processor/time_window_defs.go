package processor

import (
	"time"

	"tumblestream/pkg/commtypes"

	"github.com/rs/zerolog/log"
)

// The fixed-size time-based window specifications used for aggregations.
//
//   - If advance < size a hopping window is defined: a record may fall in
//     more than one "adjacent" window.
//   - If advance == size a tumbling window is defined: gap-less,
//     non-overlapping, so a record is contained in exactly one window.
//
// Windows are aligned to the epoch: the first window starts at
// timestamp zero, i.e. a tumbling window of size W containing timestamp
// t starts at t / W * W.
type TimeWindows struct {
	// size of the windows in ms
	SizeMs int64
	// by how much a window moves forward relative to the previous one
	AdvanceMs int64
	graceMs   int64
}

var (
	tws = NewTimeWindowsNoGrace(time.Duration(5) * time.Millisecond)
	_   = EnumerableWindowDefinition(tws)
)

// NewTimeWindowsNoGrace returns a tumbling window definition (advance
// equal to size) that admits no out-of-order events past the window end.
func NewTimeWindowsNoGrace(size time.Duration) *TimeWindows {
	sizeMs := size.Milliseconds()
	if sizeMs <= 0 {
		log.Fatal().Err(WindowSizeLeqZero)
	}
	return &TimeWindows{
		SizeMs:    sizeMs,
		AdvanceMs: sizeMs,
		graceMs:   0,
	}
}

// NewTimeWindowsWithGrace returns a tumbling window definition that
// keeps admitting out-of-order events for afterWindowEnd past the
// window end.
func NewTimeWindowsWithGrace(size time.Duration, afterWindowEnd time.Duration) *TimeWindows {
	sizeMs := size.Milliseconds()
	if sizeMs <= 0 {
		log.Fatal().Err(WindowSizeLeqZero)
	}
	afterWindowEndMs := afterWindowEnd.Milliseconds()
	if afterWindowEndMs < 0 {
		log.Fatal().Err(GraceSmallerThanZero)
	}
	return &TimeWindows{
		SizeMs:    sizeMs,
		AdvanceMs: sizeMs,
		graceMs:   afterWindowEndMs,
	}
}

// AdvanceBy sets the advance ("hop") of the window, turning the
// definition into hopping windows. Requires 0 < advance <= size.
func (w *TimeWindows) AdvanceBy(advance time.Duration) *TimeWindows {
	advanceMs := advance.Milliseconds()
	if advanceMs <= 0 {
		log.Fatal().Err(WindowAdvanceSmallerThanZero)
	}
	if advanceMs > w.SizeMs {
		log.Fatal().Err(WindowAdvanceLargerThanSize)
	}
	return &TimeWindows{
		SizeMs:    w.SizeMs,
		AdvanceMs: advanceMs,
		graceMs:   w.graceMs,
	}
}

func (w *TimeWindows) WindowsFor(timestamp int64) (map[int64]commtypes.Window, []int64, error) {
	windowStart := MaxOrdered(int64(0), timestamp-w.SizeMs+w.AdvanceMs) / w.AdvanceMs * w.AdvanceMs
	windows := make(map[int64]commtypes.Window)
	var starts []int64
	for windowStart <= timestamp {
		window, err := commtypes.NewTimeWindow(windowStart, windowStart+w.SizeMs)
		if err != nil {
			return nil, nil, err
		}
		windows[windowStart] = window
		starts = append(starts, windowStart)
		windowStart += w.AdvanceMs
	}
	return windows, starts, nil
}

func (w *TimeWindows) MaxSize() int64 {
	return w.SizeMs
}

func (w *TimeWindows) GracePeriodMs() int64 {
	return w.graceMs
}
