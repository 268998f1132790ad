package media

import (
	"fmt"
	"math"
	"strings"
)

// EffectConfig describes the audio effect chain applied inside the decoder.
// Zero values mean "off"; the chain is rendered as a single ffmpeg -af
// argument, filters joined by commas in field order.
type EffectConfig struct {
	Pitch      float64 `json:"pitch"`      // semitones, negative shifts down
	Reverb     float64 `json:"reverb"`     // 0..1 strength
	Distortion float64 `json:"distortion"` // 0..1 strength
	Echo       bool    `json:"echo"`
	Tremolo    bool    `json:"tremolo"`
	Vibrato    bool    `json:"vibrato"`
	Robot      bool    `json:"robot"`
	Alien      bool    `json:"alien"`
}

// ParseEffect maps a named preset to its config. Recognised names: none,
// robot, alien, echo, reverb, pitchup, pitchdown.
func ParseEffect(name string) (*EffectConfig, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return nil, nil
	case "robot":
		return &EffectConfig{Robot: true}, nil
	case "alien":
		return &EffectConfig{Alien: true}, nil
	case "echo":
		return &EffectConfig{Echo: true}, nil
	case "reverb":
		return &EffectConfig{Reverb: 0.6}, nil
	case "pitchup":
		return &EffectConfig{Pitch: 4}, nil
	case "pitchdown":
		return &EffectConfig{Pitch: -4}, nil
	default:
		return nil, fmt.Errorf("media: unknown effect %q", name)
	}
}

// Empty reports whether the config renders no filters.
func (e *EffectConfig) Empty() bool {
	return e == nil || (e.Pitch == 0 && e.Reverb == 0 && e.Distortion == 0 &&
		!e.Echo && !e.Tremolo && !e.Vibrato && !e.Robot && !e.Alien)
}

// FilterChain renders the ffmpeg audio filter chain, or "" when empty.
func (e *EffectConfig) FilterChain() string {
	if e.Empty() {
		return ""
	}

	var filters []string

	if e.Pitch != 0 {
		// Shift pitch by resampling, then restore tempo. atempo only accepts
		// [0.5, 2.0] so large shifts are clamped to that band.
		ratio := math.Pow(2, e.Pitch/12)
		tempo := 1 / ratio
		if tempo < 0.5 {
			tempo = 0.5
		} else if tempo > 2.0 {
			tempo = 2.0
		}
		filters = append(filters,
			fmt.Sprintf("asetrate=%d*%.4f", SampleRate, ratio),
			fmt.Sprintf("aresample=%d", SampleRate),
			fmt.Sprintf("atempo=%.4f", tempo),
		)
	}

	if e.Reverb > 0 {
		s := clamp01(e.Reverb)
		delay := 40 + s*80
		decay := 0.25 + s*0.45
		filters = append(filters, fmt.Sprintf("aecho=0.8:0.9:%.0f:%.2f", delay, decay))
	}

	if e.Distortion > 0 {
		d := clamp01(e.Distortion)
		filters = append(filters,
			fmt.Sprintf("acompressor=threshold=0.1:ratio=%.0f:attack=5:release=50", 4+d*16),
			fmt.Sprintf("volume=%.2f", 1+d),
		)
	}

	if e.Echo {
		filters = append(filters, "aecho=0.8:0.88:120:0.4")
	}

	if e.Tremolo {
		filters = append(filters, "tremolo=f=6:d=0.7")
	}

	if e.Vibrato {
		filters = append(filters, "vibrato=f=7:d=0.5")
	}

	if e.Robot {
		filters = append(filters,
			"afftfilt=real='hypot(re,im)*sin(0)':imag='hypot(re,im)*cos(0)':win_size=512:overlap=0.75")
	}

	if e.Alien {
		filters = append(filters,
			"vibrato=f=10:d=0.9",
			fmt.Sprintf("asetrate=%d*1.25", SampleRate),
			fmt.Sprintf("aresample=%d", SampleRate),
			"atempo=0.8",
		)
	}

	return strings.Join(filters, ",")
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
