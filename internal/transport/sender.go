package transport

import (
	"context"

	"github.com/1ureka/posecast/internal/protocol"
	"github.com/1ureka/posecast/internal/util"
)

const (
	highWaterMark  = 256 * 1024 // drop frames while bufferedAmount exceeds this
	sendBufferSize = 4          // queued frame units; older frames are stale quickly
)

// channelWriter is the subset of *webrtc.DataChannel the sender writes to.
type channelWriter interface {
	BufferedAmount() uint64
	Send(data []byte) error
	SendText(s string) error
}

// sender is a goroutine-based frame writer that serializes all writes to a
// single DataChannel. A frame unit is written as four consecutive messages
// or not at all.
type sender struct {
	inbox chan protocol.FrameUnit
}

func newSender() *sender {
	return &sender{
		inbox: make(chan protocol.FrameUnit, sendBufferSize),
	}
}

// start launches the writer loop on dc. The loop exits when ctx is cancelled
// or a write fails.
func (s *sender) start(ctx context.Context, dc channelWriter, openSignal <-chan struct{}) {
	go s.loop(ctx, dc, openSignal)
}

// loop is the single-writer goroutine. It waits for the DataChannel to open,
// then drains the inbox, dropping whole units while the channel is backed up.
func (s *sender) loop(ctx context.Context, dc channelWriter, openSignal <-chan struct{}) {
	// Phase 1: wait for DC to be open.
	select {
	case <-openSignal:
	case <-ctx.Done():
		return
	}

	// Phase 2: send frame units, dropping under backpressure.
	for {
		select {
		case unit := <-s.inbox:
			if dc.BufferedAmount() > uint64(highWaterMark) {
				util.Stats.AddDropped()
				util.LogDebug("[transport] channel backed up, frame dropped")
				continue
			}

			if err := writeUnit(dc, unit); err != nil {
				util.LogError("failed to send frame: %v", err)
				return
			}

			util.Stats.AddFrameSent()
			util.Stats.AddSent(unit.Size())
		case <-ctx.Done():
			return
		}
	}
}

// enqueue hands a unit to the writer without blocking. A full queue drops the
// unit.
func (s *sender) enqueue(ctx context.Context, unit protocol.FrameUnit) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case s.inbox <- unit:
		return true
	default:
		util.Stats.AddDropped()
		return false
	}
}

func writeUnit(dc channelWriter, unit protocol.FrameUnit) error {
	for _, c := range unit {
		var err error
		if c.Text {
			err = dc.SendText(string(c.Data))
		} else {
			err = dc.Send(c.Data)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
