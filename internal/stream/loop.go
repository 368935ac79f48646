package stream

import (
	"context"
	"time"

	"github.com/1ureka/posecast/internal/protocol"
	"github.com/1ureka/posecast/internal/util"
)

// FrameSink accepts encoded frame units. *transport.Transport implements it.
type FrameSink interface {
	SendFrame(protocol.FrameUnit) bool
}

// RunSender runs the transmission loop: estimate, encode, hand the unit to
// sink, then wait interval before the next cycle. Cycles without a pose send
// nothing. It returns when ctx is cancelled or the estimator fails.
func RunSender(ctx context.Context, est Estimator, sink FrameSink, interval time.Duration) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil
		}

		pose, face, err := est.Estimate(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if pose != nil {
			if !sink.SendFrame(protocol.Encode(*pose, face)) {
				util.LogDebug("[stream] frame dropped")
			}
		}

		timer.Reset(interval)
	}
}

// Receive feeds every chunk from a sender through an Assembler and renders
// the frames it produces. It returns the chunk callback to register on the
// sender's transport.
func Receive(identity int, r Renderer) func(protocol.Chunk) {
	asm := NewAssembler()
	return func(c protocol.Chunk) {
		frame, ok, err := asm.Push(c)
		if err != nil {
			util.LogDebug("[stream] sender %d: %v", identity, err)
			return
		}
		if ok {
			r.Render(identity, frame)
		}
	}
}
