package stream

import "github.com/srediag/dmaring/pkg/dma"

// remainder is the partially consumed slot carried across Read or Write
// calls. It is either empty or holding.
type remainder interface {
	isRemainder()
}

type empty struct{}

// holding is a live slot: data[offset:] is still to be read, or to be
// written for TX.
type holding struct {
	handle dma.Handle
	data   []byte
	offset int
}

func (empty) isRemainder()   {}
func (holding) isRemainder() {}

func (h holding) remaining() int { return len(h.data) - h.offset }

func (h holding) rest() []byte { return h.data[h.offset:] }
