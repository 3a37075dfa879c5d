package stats

import (
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// AtomicCounter is a tagged event counter safe for concurrent ticks.
type AtomicCounter struct {
	tag   string
	count uint64
}

func NewAtomicCounter(tag string) AtomicCounter {
	return AtomicCounter{tag: tag}
}

func (c *AtomicCounter) Tick(count uint64) {
	atomic.AddUint64(&c.count, count)
}

func (c *AtomicCounter) GetCount() uint64 {
	return atomic.LoadUint64(&c.count)
}

func (c *AtomicCounter) Report() {
	log.Info().Str("counter", c.tag).Uint64("count", c.GetCount()).Msg("counter report")
}
