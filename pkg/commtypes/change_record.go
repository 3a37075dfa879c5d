package commtypes

import "fmt"

// ChangeRecord is the unit delivered to change subscribers: one aggregate
// value transitioning from OldVal to NewVal for Key within Window.
// Window is nil for unwindowed table updates. IsLate marks updates
// produced by an event that arrived after the watermark passed the
// window end; subscribers may discard them or re-emit corrections.
//
// Delivery is at-least-once; subscribers must be idempotent on
// (Key, Window, NewVal).
type ChangeRecord struct {
	Key       string
	Window    Window
	OldVal    interface{}
	NewVal    interface{}
	Timestamp int64
	Offset    uint64
	IsLate    bool
}

func (r ChangeRecord) String() string {
	if r.Window == nil {
		return fmt.Sprintf("ChangeRecord: {Key: %s, New: %v, Old: %v, Ts: %d}", r.Key, r.NewVal, r.OldVal, r.Timestamp)
	}
	return fmt.Sprintf("ChangeRecord: {Key: %s, Win: [%d, %d), New: %v, Old: %v, Ts: %d, Late: %v}",
		r.Key, r.Window.Start(), r.Window.End(), r.NewVal, r.OldVal, r.Timestamp, r.IsLate)
}
