package ingress

import (
	"time"

	"github.com/telvana/voicecore/pkg/audio"
	"github.com/telvana/voicecore/pkg/types"
)

const (
	jitterMin = 20 * time.Millisecond
	jitterMax = 200 * time.Millisecond

	// jitterStep is the adaptation increment in either direction.
	jitterStep = 10 * time.Millisecond

	// underrunWindow: two underruns inside this window adapt the target up.
	underrunWindow = time.Second

	// shrinkAfter: occupancy continuously above target for this long adapts
	// the target down.
	shrinkAfter = 5 * time.Second
)

// JitterConfig tunes the adaptive jitter buffer.
type JitterConfig struct {
	// Target is the initial occupancy target. Default 50 ms.
	Target time.Duration

	// Max is the hard occupancy cap. Default 200 ms.
	Max time.Duration
}

func (c *JitterConfig) applyDefaults() {
	if c.Target == 0 {
		c.Target = 50 * time.Millisecond
	}
	if c.Max == 0 {
		c.Max = jitterMax
	}
}

// jitterEntry pairs a frame with its VAD classification so overruns can drop
// silent frames first.
type jitterEntry struct {
	frame  types.AudioFrame
	voiced bool
}

// JitterBuffer smooths inbound frame arrival toward a steady 20 ms cadence.
// Occupancy targets adapt to observed underruns. Not safe for concurrent use.
type JitterBuffer struct {
	cfg JitterConfig

	entries []jitterEntry
	target  time.Duration

	lastUnderrun time.Time
	aboveSince   time.Time

	// Underruns and Drops are cumulative counters read by the ingress stage.
	Underruns uint64
	Drops     uint64
}

// NewJitterBuffer creates a buffer. Zero-value config fields take defaults.
func NewJitterBuffer(cfg JitterConfig) *JitterBuffer {
	cfg.applyDefaults()
	return &JitterBuffer{cfg: cfg, target: cfg.Target}
}

// Target returns the current adapted occupancy target.
func (j *JitterBuffer) Target() time.Duration { return j.target }

// Occupancy returns the buffered audio duration.
func (j *JitterBuffer) Occupancy() time.Duration {
	return time.Duration(len(j.entries)) * audio.FrameDuration
}

// Len returns the number of buffered frames.
func (j *JitterBuffer) Len() int { return len(j.entries) }

// Push appends one frame. When the hard cap is exceeded, the oldest silent
// frames are dropped first, then the oldest voiced frames; the return value is
// the number of frames dropped.
func (j *JitterBuffer) Push(frame types.AudioFrame, voiced bool) int {
	j.entries = append(j.entries, jitterEntry{frame: frame, voiced: voiced})

	dropped := 0
	for j.Occupancy() > j.cfg.Max {
		if !j.dropOldestSilent() {
			j.entries = j.entries[1:]
		}
		dropped++
	}
	j.Drops += uint64(dropped)
	return dropped
}

// dropOldestSilent removes the oldest non-voiced entry, reporting whether one
// existed.
func (j *JitterBuffer) dropOldestSilent() bool {
	for i, e := range j.entries {
		if !e.voiced {
			j.entries = append(j.entries[:i], j.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Pop removes the oldest frame. An empty buffer is an underrun: ok is false,
// the counter increments, and the adaptation clock notes it.
func (j *JitterBuffer) Pop(now time.Time) (types.AudioFrame, bool) {
	if len(j.entries) == 0 {
		j.Underruns++
		j.adaptUp(now)
		j.aboveSince = time.Time{}
		return types.AudioFrame{}, false
	}

	e := j.entries[0]
	j.entries = j.entries[1:]
	j.adaptDown(now)
	return e.frame, true
}

// adaptUp widens the target by one step when two underruns land within the
// underrun window.
func (j *JitterBuffer) adaptUp(now time.Time) {
	if !j.lastUnderrun.IsZero() && now.Sub(j.lastUnderrun) <= underrunWindow {
		j.target += jitterStep
		if j.target > jitterMax {
			j.target = jitterMax
		}
		j.lastUnderrun = time.Time{}
	} else {
		j.lastUnderrun = now
	}
}

// adaptDown narrows the target by one step after sustained occupancy above
// target.
func (j *JitterBuffer) adaptDown(now time.Time) {
	if j.Occupancy() <= j.target {
		j.aboveSince = time.Time{}
		return
	}
	if j.aboveSince.IsZero() {
		j.aboveSince = now
		return
	}
	if now.Sub(j.aboveSince) >= shrinkAfter {
		j.target -= jitterStep
		if j.target < jitterMin {
			j.target = jitterMin
		}
		j.aboveSince = now
	}
}
