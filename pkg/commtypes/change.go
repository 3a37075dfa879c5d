package commtypes

import "fmt"

// Change carries the old and new aggregate value of one update. A nil
// NewVal is a tombstone: the key no longer has a live value.
type Change struct {
	NewVal interface{}
	OldVal interface{}
}

func (c Change) String() string {
	return fmt.Sprintf("Change: {NewVal: %v, OldVal: %v}", c.NewVal, c.OldVal)
}
