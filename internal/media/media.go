// Package media implements the outbound media pipeline: an ffmpeg-backed
// decoder feeding a frame ring buffer, and a pacer that releases frames to
// a sink at real-time cadence.
package media

import "time"

// TrackKind distinguishes the two pipelines.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Audio wire format: 48 kHz mono S16LE in 10 ms frames.
const (
	SampleRate      = 48000
	Channels        = 1
	FrameDurationMs = 10
	SamplesPerFrame = SampleRate * FrameDurationMs / 1000 // 480
	AudioFrameBytes = SamplesPerFrame * 2                 // 960

	AudioFrameDuration = FrameDurationMs * time.Millisecond
)

// Video defaults: YUV420p on a fixed canvas, sample aspect ratio 1.
const (
	DefaultVideoWidth  = 640
	DefaultVideoHeight = 360
	DefaultVideoFPS    = 30.0
)

// YUVFrameBytes returns the size of one yuv420p frame at the given canvas.
func YUVFrameBytes(width, height int) int {
	return width * height * 3 / 2
}

// VideoFrameDuration returns the frame interval for a target fps.
func VideoFrameDuration(fps float64) time.Duration {
	if fps <= 0 {
		fps = DefaultVideoFPS
	}
	return time.Duration(float64(time.Second) / fps)
}
