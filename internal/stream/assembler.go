package stream

import (
	"github.com/1ureka/posecast/internal/protocol"
	"github.com/1ureka/posecast/internal/util"
)

// Frame is one decoded frame unit.
type Frame struct {
	Pose protocol.Pose
	Face protocol.Face
}

// Assembler collects the chunks of one sender's channel into frame units.
// It is goroutine-local (fed from the channel's message callback, which pion
// runs sequentially) and needs no locking.
type Assembler struct {
	buf protocol.FrameUnit
	n   int

	discarded int
}

// NewAssembler creates an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// Push appends a chunk. Once four chunks are held they are decoded and the
// accumulator is cleared; ok reports whether a frame was produced. A decode
// failure clears the accumulator and returns the error.
//
// A chunk whose shape cannot occupy the next slot means an earlier chunk was
// lost. The partial unit is discarded, and the chunk starts a new unit if it
// fits the first slot.
func (a *Assembler) Push(c protocol.Chunk) (frame Frame, ok bool, err error) {
	if !protocol.Fits(a.n, c) {
		if a.n > 0 {
			a.discarded++
			util.Stats.AddDropped()
			util.LogDebug("[stream] chunk of %d bytes does not fit slot %d, discarding %d buffered", c.Len(), a.n, a.n)
		}
		a.reset()
		if !protocol.Fits(protocol.SlotPoseConfidences, c) {
			return Frame{}, false, nil
		}
	}

	a.buf[a.n] = c
	a.n++
	if a.n < protocol.FrameUnitLen {
		return Frame{}, false, nil
	}

	unit := a.buf
	a.reset()

	pose, face, err := protocol.Decode(unit)
	if err != nil {
		a.discarded++
		util.Stats.AddDropped()
		return Frame{}, false, err
	}
	util.Stats.AddDecoded()
	return Frame{Pose: pose, Face: face}, true, nil
}

// Pending returns how many chunks are buffered toward the next unit.
func (a *Assembler) Pending() int { return a.n }

// Discarded returns how many partial or undecodable units were thrown away.
func (a *Assembler) Discarded() int { return a.discarded }

func (a *Assembler) reset() {
	a.buf = protocol.FrameUnit{}
	a.n = 0
}
