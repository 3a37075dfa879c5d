package commtypes

import "fmt"

type WindowedKey struct {
	Key    interface{}
	Window Window
}

func (wk WindowedKey) String() string {
	return fmt.Sprintf("WindowedKey: {Key: %v, Win: [%d, %d)}", wk.Key, wk.Window.Start(), wk.Window.End())
}
