// Package audio provides μ-law DSP helpers for the 8 kHz telephony pipeline.
//
// The core deliberately never transcodes: μ-law bytes received from the
// telephony provider are forwarded to STT as-is, and TTS output is requested
// as μ-law. The functions here therefore operate on μ-law payloads directly,
// expanding samples through a precomputed 256-entry table only for the
// per-frame measurements the VAD needs (energy, zero crossings, a
// spectral-centroid proxy). All functions are allocation-free and safe for
// concurrent use.
package audio

import "time"

const (
	// SampleRate is the fixed telephony sample rate in Hz.
	SampleRate = 8000

	// FrameDuration is the canonical internal frame length.
	FrameDuration = 20 * time.Millisecond

	// FrameBytes is the payload size of one canonical frame: 20 ms of 8 kHz
	// μ-law, one byte per sample.
	FrameBytes = 160

	// SilenceByte is the μ-law encoding of digital silence.
	SilenceByte = 0xFF

	// mulawBias is the standard G.711 μ-law bias.
	mulawBias = 0x84
)

// mulawDecode maps each μ-law byte to its linear 16-bit sample value.
// Built once at package init; 512 bytes resident.
var mulawDecode [256]int16

func init() {
	for i := 0; i < 256; i++ {
		u := ^uint8(i)
		sign := u & 0x80
		exponent := (u >> 4) & 0x07
		mantissa := u & 0x0F
		sample := (int32(mantissa)<<3 + mulawBias) << exponent
		sample -= mulawBias
		if sign != 0 {
			sample = -sample
		}
		mulawDecode[i] = int16(sample)
	}
}

// Decode returns the linear sample value of a single μ-law byte.
func Decode(b byte) int16 { return mulawDecode[b] }

// FrameEnergy returns the mean absolute linear amplitude of a μ-law payload,
// normalized to [0, 1]. Empty payloads report zero energy.
func FrameEnergy(payload []byte) float64 {
	if len(payload) == 0 {
		return 0
	}
	var sum int64
	for _, b := range payload {
		s := int64(mulawDecode[b])
		if s < 0 {
			s = -s
		}
		sum += s
	}
	return float64(sum) / float64(len(payload)) / 32768.0
}

// ZeroCrossingRate returns the fraction of adjacent sample pairs whose linear
// values change sign, in [0, 1]. Voiced telephone speech typically falls in
// roughly [0.02, 0.35]; fricatives and line noise sit higher.
func ZeroCrossingRate(payload []byte) float64 {
	if len(payload) < 2 {
		return 0
	}
	crossings := 0
	prev := mulawDecode[payload[0]]
	for _, b := range payload[1:] {
		cur := mulawDecode[b]
		if (prev < 0 && cur >= 0) || (prev >= 0 && cur < 0) {
			crossings++
		}
		prev = cur
	}
	return float64(crossings) / float64(len(payload)-1)
}

// SpectralCentroidProxy returns a cheap stand-in for the spectral centroid,
// computed from the μ-law exponent segments rather than an FFT. Each sample's
// segment (0–7) approximates its log magnitude band; the amplitude-weighted
// mean segment, normalized to [0, 1], tracks the balance between low-energy
// hiss and full-band speech well enough to gate the VAD.
func SpectralCentroidProxy(payload []byte) float64 {
	if len(payload) == 0 {
		return 0
	}
	var weighted, total float64
	for _, b := range payload {
		u := ^b
		segment := float64((u >> 4) & 0x07)
		s := int32(mulawDecode[b])
		if s < 0 {
			s = -s
		}
		mag := float64(s)
		weighted += segment * mag
		total += mag
	}
	if total == 0 {
		return 0
	}
	return (weighted / total) / 7.0
}

// IsSilence reports whether every byte of payload is the μ-law silence byte.
// Providers that send 10 ms frames pad gaps with pure silence; these frames
// may be dropped from STT input without breaking sequence.
func IsSilence(payload []byte) bool {
	for _, b := range payload {
		if b != SilenceByte {
			return false
		}
	}
	return true
}

// Silence returns a payload of n μ-law silence bytes.
func Silence(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = SilenceByte
	}
	return p
}
