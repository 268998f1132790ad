package media

import (
	"context"
	"encoding/binary"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concord-chat/voicebot/internal/clock"
	"github.com/concord-chat/voicebot/internal/observability"
)

// captureSink records frames with the mock instant they were written at.
type captureSink struct {
	clk *clock.FrameClock

	mu     sync.Mutex
	frames [][]byte
	times  []time.Time
}

func (s *captureSink) WriteFrame(data []byte, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, data)
	s.times = append(s.times, s.clk.Now())
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *captureSink) firstTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.times) == 0 {
		return time.Time{}
	}
	return s.times[0]
}

func newTestPacer(cfg PacerConfig, ringFrames int) (*Pacer, *captureSink, *clock.FrameClock, *mockClock) {
	clk, mock := clock.NewMock()
	ring := NewFrameRing(frameSizeFor(cfg.Kind), ringFrames)
	sink := &captureSink{clk: clk}
	p := NewPacer(cfg, ring, sink, clk, observability.NewNopLogger())
	return p, sink, clk, &mockClock{mock}
}

type mockClock struct {
	m interface{ Add(time.Duration) }
}

func (m *mockClock) Add(d time.Duration) { m.m.Add(d) }

func frameSizeFor(kind TrackKind) int {
	if kind == TrackVideo {
		return 8 // tiny synthetic video frames keep tests readable
	}
	return AudioFrameBytes
}

func audioFrames(n int) []byte {
	return []byte(strings.Repeat("\x00", AudioFrameBytes*n))
}

// runState puts a pacer straight into the running state, bypassing the
// pump goroutine so ticks can be driven deterministically.
func runState(p *Pacer, start time.Time) {
	p.mu.Lock()
	p.state = pacerRunning
	p.start = start
	p.barrier = start
	p.mu.Unlock()
}

func TestPacerIdleDoesNotEmit(t *testing.T) {
	p, sink, _, mock := newTestPacer(PacerConfig{Kind: TrackAudio, FrameDuration: AudioFrameDuration}, 16)
	p.ring.Write(audioFrames(3))

	mock.Add(50 * time.Millisecond)
	p.tick()
	assert.Equal(t, 0, sink.count(), "no emission before unpause")
}

func TestPacerEmitsOneFramePerTick(t *testing.T) {
	p, sink, clk, mock := newTestPacer(PacerConfig{Kind: TrackAudio, FrameDuration: AudioFrameDuration}, 16)
	p.ring.Write(audioFrames(5))
	runState(p, clk.Now())

	for i := 0; i < 5; i++ {
		mock.Add(AudioFrameDuration)
		p.tick()
	}

	assert.Equal(t, 5, sink.count())
	assert.Equal(t, uint64(5), p.FramesSent())
}

func TestPacerCatchupClamps(t *testing.T) {
	cases := []struct {
		name string
		cfg  PacerConfig
		want int
	}{
		{"stream audio", PacerConfig{Kind: TrackAudio, FrameDuration: AudioFrameDuration}, 3},
		{"file audio", PacerConfig{Kind: TrackAudio, FrameDuration: AudioFrameDuration, FixedFile: true}, 1},
		{"video", PacerConfig{Kind: TrackVideo, FrameDuration: AudioFrameDuration}, 2},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, sink, clk, mock := newTestPacer(tc.cfg, 64)
			if tc.cfg.Kind == TrackVideo {
				p.ring.Write([]byte(strings.Repeat("\x00", 8*20)))
			} else {
				p.ring.Write(audioFrames(20))
			}
			runState(p, clk.Now())

			// One tick arriving 100 ms late may catch up only so far.
			mock.Add(100 * time.Millisecond)
			p.tick()
			assert.Equal(t, tc.want, sink.count())
		})
	}
}

func TestPacerBarrierHoldsEmission(t *testing.T) {
	p, sink, clk, mock := newTestPacer(PacerConfig{Kind: TrackAudio, FrameDuration: AudioFrameDuration}, 16)
	p.ring.Write(audioFrames(4))

	p.mu.Lock()
	p.state = pacerPrimed
	p.mu.Unlock()

	barrier := clk.Now().Add(120 * time.Millisecond)
	p.Unpause(barrier)

	mock.Add(50 * time.Millisecond)
	p.tick()
	assert.Equal(t, 0, sink.count(), "no emission before the barrier instant")

	mock.Add(80 * time.Millisecond)
	p.tick()
	assert.Greater(t, sink.count(), 0)
}

func TestPacerSharedBarrierAlignsTwoPacers(t *testing.T) {
	audio, audioSink, clk, mock := newTestPacer(PacerConfig{Kind: TrackAudio, FrameDuration: AudioFrameDuration}, 16)
	video, videoSink, _, _ := newTestPacer(PacerConfig{Kind: TrackVideo, FrameDuration: AudioFrameDuration}, 16)
	// Drive both pacers from the same clock.
	video.clk = clk
	videoSink.clk = clk

	audio.ring.Write(audioFrames(4))
	video.ring.Write([]byte(strings.Repeat("\x00", 8*4)))

	audio.mu.Lock()
	audio.state = pacerPrimed
	audio.mu.Unlock()
	video.mu.Lock()
	video.state = pacerPrimed
	video.mu.Unlock()

	barrier := clk.Now().Add(120 * time.Millisecond)
	audio.Unpause(barrier)
	video.Unpause(barrier)

	mock.Add(130 * time.Millisecond)
	audio.tick()
	video.tick()

	require.Greater(t, audioSink.count(), 0)
	require.Greater(t, videoSink.count(), 0)
	diff := audioSink.firstTime().Sub(videoSink.firstTime())
	if diff < 0 {
		diff = -diff
	}
	assert.LessOrEqual(t, diff, 10*time.Millisecond, "first frames released in lock-step")
}

func TestPacerDropsOverTargetBuffer(t *testing.T) {
	p, sink, clk, mock := newTestPacer(PacerConfig{Kind: TrackAudio, FrameDuration: AudioFrameDuration, TargetBuffer: 2}, 64)
	p.ring.Write(audioFrames(10))
	runState(p, clk.Now())

	mock.Add(AudioFrameDuration)
	p.tick()

	assert.Equal(t, uint64(8), p.ring.Dropped(), "overage beyond the target buffer is dropped oldest-first")
	assert.Equal(t, 1, sink.count())
}

func TestPacerAppliesVolume(t *testing.T) {
	p, sink, clk, mock := newTestPacer(PacerConfig{Kind: TrackAudio, FrameDuration: AudioFrameDuration}, 16)

	frame := make([]byte, AudioFrameBytes)
	for i := 0; i < AudioFrameBytes; i += 2 {
		binary.LittleEndian.PutUint16(frame[i:], uint16(int16(1000)))
	}
	p.ring.Write(frame)

	runState(p, clk.Now())
	p.SetVolume(0.5)

	mock.Add(AudioFrameDuration)
	p.tick()

	require.Equal(t, 1, sink.count())
	out := int16(binary.LittleEndian.Uint16(sink.frames[0]))
	assert.Equal(t, int16(500), out)
}

func TestPacerVolumeClamps(t *testing.T) {
	frame := make([]byte, 4)
	posSample := int16(30000)
	negSample := int16(-30000)
	binary.LittleEndian.PutUint16(frame[0:], uint16(posSample))
	binary.LittleEndian.PutUint16(frame[2:], uint16(negSample))

	applyVolume(frame, 4.0)

	assert.Equal(t, int16(32767), int16(binary.LittleEndian.Uint16(frame[0:])))
	assert.Equal(t, int16(-32768), int16(binary.LittleEndian.Uint16(frame[2:])))
}

func TestPacerStutterDetection(t *testing.T) {
	p, _, clk, mock := newTestPacer(PacerConfig{Kind: TrackAudio, FrameDuration: AudioFrameDuration}, 64)
	p.ring.Write(audioFrames(20))
	runState(p, clk.Now())

	stutters := 0
	p.OnStutter(func() { stutters++ })

	mock.Add(AudioFrameDuration)
	p.tick()

	// A 60 ms gap between sends blows the 45 ms floor.
	mock.Add(60 * time.Millisecond)
	p.tick()

	assert.Equal(t, 1, stutters)
	assert.Equal(t, uint64(1), p.BufferStatus().StutterCount)
}

func TestStutterThreshold(t *testing.T) {
	assert.Equal(t, 45*time.Millisecond, stutterThreshold(10*time.Millisecond), "floor applies to audio")
	base := 100 * time.Millisecond
	assert.Equal(t, time.Duration(2.2*float64(base)), stutterThreshold(base))
}

func TestPacerPositionHybrid(t *testing.T) {
	p, _, clk, mock := newTestPacer(PacerConfig{Kind: TrackAudio, FrameDuration: AudioFrameDuration}, 16)
	runState(p, clk.Now())

	// Early playback reports wall clock.
	mock.Add(1 * time.Second)
	assert.Equal(t, time.Second, p.Position())

	// Past the hybrid window it reports frame count.
	mock.Add(4 * time.Second)
	p.mu.Lock()
	p.framesSent = 450
	p.mu.Unlock()
	assert.Equal(t, 4500*time.Millisecond, p.Position())
}

func TestPacerPauseExcludesPausedTime(t *testing.T) {
	p, _, clk, mock := newTestPacer(PacerConfig{Kind: TrackAudio, FrameDuration: AudioFrameDuration}, 16)
	runState(p, clk.Now())

	mock.Add(1 * time.Second)
	p.Pause()
	mock.Add(2 * time.Second)
	p.Unpause(clk.Now())

	assert.Equal(t, time.Second, p.Position(), "paused time must not count")
}

func TestPacerResyncSeeksFrameIndex(t *testing.T) {
	p, _, clk, mock := newTestPacer(PacerConfig{Kind: TrackVideo, FrameDuration: 40 * time.Millisecond}, 16)
	runState(p, clk.Now())
	mock.Add(10 * time.Second)

	p.Resync(7 * time.Second)

	assert.Equal(t, uint64(175), p.FramesSent(), "7 s at 25 fps")
}

func TestPacerFramesSentMonotonic(t *testing.T) {
	p, _, clk, mock := newTestPacer(PacerConfig{Kind: TrackAudio, FrameDuration: AudioFrameDuration}, 64)
	p.ring.Write(audioFrames(30))
	runState(p, clk.Now())

	var last uint64
	for i := 0; i < 10; i++ {
		mock.Add(AudioFrameDuration)
		p.tick()
		sent := p.FramesSent()
		assert.GreaterOrEqual(t, sent, last)
		last = sent
	}
}

func TestPacerPrimeUnpauseStopLifecycle(t *testing.T) {
	p, sink, clk, mock := newTestPacer(PacerConfig{Kind: TrackAudio, FrameDuration: AudioFrameDuration}, 64)
	p.ring.Write(audioFrames(20))

	ctx := context.Background()
	p.Prime(ctx)
	assert.False(t, p.Running())

	p.Unpause(clk.Now())
	assert.True(t, p.Running())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			mock.Add(AudioFrameDuration)
			time.Sleep(2 * time.Millisecond)
		}
		close(done)
	}()
	<-done

	require.Eventually(t, func() bool { return sink.count() > 0 }, 2*time.Second, 5*time.Millisecond)

	p.Stop()
	assert.False(t, p.Running())
	assert.Equal(t, 0, p.ring.Frames(), "stop drops the buffer")

	p.Stop() // idempotent
}
