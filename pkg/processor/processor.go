package processor

import (
	"context"

	"tumblestream/pkg/commtypes"
)

type Processor interface {
	Name() string
	// ProcessAndReturn applies the processor to one message and returns
	// zero or more output messages.
	ProcessAndReturn(context.Context, commtypes.Message) ([]commtypes.Message, error)
}
