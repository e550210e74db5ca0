package ingress

import (
	"github.com/telvana/voicecore/pkg/audio"
)

// Voiced-speech zero-crossing band at 8 kHz telephony. Below the band is DC
// hum or rumble; above it is fricative noise or line static.
const (
	zcrVoicedMin = 0.01
	zcrVoicedMax = 0.50
)

// noiseFloorAlpha is the EMA weight for the spectral noise-floor estimate,
// updated only on silent frames.
const noiseFloorAlpha = 0.05

// VADConfig tunes the voice activity detector.
type VADConfig struct {
	// EnergyThreshold is the minimum normalized frame energy for voiced
	// classification. Default 0.02 matches conversational speech at
	// telephony band.
	EnergyThreshold float64

	// StartFrames is the hysteresis run length to declare activity start
	// (default 2 = 40 ms).
	StartFrames int

	// EndFrames is the hysteresis run length to declare activity end
	// (default 10 = 200 ms).
	EndFrames int
}

func (c *VADConfig) applyDefaults() {
	if c.EnergyThreshold == 0 {
		c.EnergyThreshold = 0.02
	}
	if c.StartFrames == 0 {
		c.StartFrames = 2
	}
	if c.EndFrames == 0 {
		c.EndFrames = 10
	}
}

// Transition reports a VAD state change for one processed frame.
type Transition int

const (
	// TransitionNone means the activity state did not change.
	TransitionNone Transition = iota

	// TransitionStarted means the frame completed the voiced hysteresis run.
	TransitionStarted

	// TransitionEnded means the frame completed the silent hysteresis run.
	TransitionEnded
)

// VAD classifies μ-law frames as voiced or silent with hysteresis. Not safe
// for concurrent use; each call owns one VAD.
type VAD struct {
	cfg VADConfig

	active     bool
	voicedRun  int
	silentRun  int
	noiseFloor float64
}

// NewVAD creates a detector. Zero-value config fields take defaults.
func NewVAD(cfg VADConfig) *VAD {
	cfg.applyDefaults()
	return &VAD{cfg: cfg}
}

// Active reports whether the detector currently considers the caller to be
// speaking.
func (v *VAD) Active() bool { return v.active }

// Process classifies one frame and returns whether the frame itself is voiced
// plus any activity transition it caused.
func (v *VAD) Process(frame []byte) (voiced bool, tr Transition) {
	voiced = v.classify(frame)

	if voiced {
		v.voicedRun++
		v.silentRun = 0
		if !v.active && v.voicedRun >= v.cfg.StartFrames {
			v.active = true
			v.voicedRun = 0
			return true, TransitionStarted
		}
	} else {
		v.silentRun++
		v.voicedRun = 0
		if v.active && v.silentRun >= v.cfg.EndFrames {
			v.active = false
			v.silentRun = 0
			return false, TransitionEnded
		}
	}
	return voiced, TransitionNone
}

// classify applies the three-feature voiced test: energy above threshold,
// zero-crossing rate inside the voiced band, spectral centroid above the
// running noise floor.
func (v *VAD) classify(frame []byte) bool {
	energy := audio.FrameEnergy(frame)
	if energy <= v.cfg.EnergyThreshold {
		v.updateNoiseFloor(frame)
		return false
	}

	zcr := audio.ZeroCrossingRate(frame)
	if zcr < zcrVoicedMin || zcr > zcrVoicedMax {
		v.updateNoiseFloor(frame)
		return false
	}

	centroid := audio.SpectralCentroidProxy(frame)
	if centroid <= v.noiseFloor {
		return false
	}
	return true
}

func (v *VAD) updateNoiseFloor(frame []byte) {
	c := audio.SpectralCentroidProxy(frame)
	v.noiseFloor = (1-noiseFloorAlpha)*v.noiseFloor + noiseFloorAlpha*c
}
