package stream

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/1ureka/posecast/internal/util"
)

// Renderer consumes decoded frames. It is called from each sender's channel
// callback, so implementations must be safe for concurrent use across
// senders.
type Renderer interface {
	Render(identity int, f Frame)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(identity int, f Frame)

// Render implements Renderer.
func (fn RendererFunc) Render(identity int, f Frame) { fn(identity, f) }

// LogRenderer writes frames to the pterm logger: one debug line per frame
// and a per-sender frame rate summary from Run.
type LogRenderer struct {
	faceDims int

	mu     sync.Mutex
	counts map[int]int
}

// NewLogRenderer creates a logging renderer. faceDims is the number of
// values per face landmark.
func NewLogRenderer(faceDims int) *LogRenderer {
	return &LogRenderer{faceDims: faceDims, counts: make(map[int]int)}
}

// Render implements Renderer.
func (l *LogRenderer) Render(identity int, f Frame) {
	l.mu.Lock()
	l.counts[identity]++
	l.mu.Unlock()

	nose := f.Pose.Keypoints[0].Position
	util.LogDebug("[render] sender %d: score %.4f nose (%.0f, %.0f) face %d landmarks (%.2f)",
		identity, f.Pose.Score, nose.X, nose.Y,
		f.Face.Landmarks(l.faceDims), f.Face.FaceInViewConfidence)
}

// Run logs a frame rate summary every interval until ctx is cancelled.
func (l *LogRenderer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			counts := l.take()
			if len(counts) == 0 {
				continue
			}
			ids := make([]int, 0, len(counts))
			for id := range counts {
				ids = append(ids, id)
			}
			slices.Sort(ids)
			for _, id := range ids {
				util.LogInfo("[render] sender %d: %.1f fps", id, float64(counts[id])/interval.Seconds())
			}
		case <-ctx.Done():
			return
		}
	}
}

func (l *LogRenderer) take() map[int]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	counts := l.counts
	l.counts = make(map[int]int)
	return counts
}
