package commtypes

import (
	"time"

	"golang.org/x/xerrors"
)

var (
	WindowEndNotLargerStart = xerrors.New("Window endMs should be greater than window startMs")
)

type Window interface {
	// returns window start in unix timestamp (ms)
	Start() int64
	// returns window end in unix timestamp (ms)
	End() int64
	// returns window start time
	StartTime() time.Time
	// returns window end time
	EndTime() time.Time
	// check if the given window overlaps with this window
	Overlap(other Window) (bool, error)
}

type BaseWindow struct {
	StartTs int64 `json:"startTs"`
	EndTs   int64 `json:"endTs"`
}

func NewBaseWindow(startTs int64, endTs int64) BaseWindow {
	return BaseWindow{
		StartTs: startTs,
		EndTs:   endTs,
	}
}

func (w *BaseWindow) Start() int64 {
	return w.StartTs
}

func (w *BaseWindow) End() int64 {
	return w.EndTs
}

func (w *BaseWindow) StartTime() time.Time {
	return time.UnixMilli(w.StartTs)
}

func (w *BaseWindow) EndTime() time.Time {
	return time.UnixMilli(w.EndTs)
}
