package media

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/concord-chat/voicebot/internal/clock"
)

// MediaSink receives paced frames. The production sink is a WebRTC track;
// tests capture frames directly.
type MediaSink interface {
	WriteFrame(data []byte, duration time.Duration) error
}

// catch-up clamps: how many frames one tick may emit when behind schedule.
const (
	catchupVideo       = 2
	catchupAudioStream = 3
	catchupAudioFile   = 1

	stutterFloor      = 45 * time.Millisecond
	stutterMultiplier = 2.2

	// Wall-clock position reporting window before switching to frame count.
	positionHybridWindow = 3 * time.Second

	recentIntervals = 20
)

type pacerState int

const (
	pacerIdle pacerState = iota
	pacerPrimed
	pacerRunning
	pacerPaused
	pacerStopped
)

// PacerConfig fixes one pacer's frame geometry and pacing behaviour.
type PacerConfig struct {
	Kind          TrackKind
	FrameDuration time.Duration
	TargetBuffer  int  // frames to keep buffered; excess is dropped
	FixedFile     bool // file-backed audio paces strictly, no burst catch-up
}

// BufferStatus is a snapshot of a pacer's pipeline health.
type BufferStatus struct {
	BufferedFrames int
	FramesSent     uint64
	StutterCount   uint64
	TargetFPS      float64
	AvgInterval    time.Duration
}

// Pacer drives frames from a ring into a MediaSink at real-time cadence,
// with bounded catch-up when ticks arrive late, drop-oldest when the ring
// backs up, and stutter detection on the emission intervals.
type Pacer struct {
	cfg  PacerConfig
	ring *FrameRing
	sink MediaSink
	clk  *clock.FrameClock
	log  zerolog.Logger

	mu           sync.Mutex
	state        pacerState
	start        time.Time // logical start of playback
	barrier      time.Time // do not emit before this instant
	pausedAt     time.Time
	pausedAccum  time.Duration
	framesSent   uint64
	stutterCount uint64
	lastSend     time.Time
	intervals    []time.Duration
	volume       float64
	lastDropLog  time.Time
	dropAccum    int
	onStutter    func()
	cancel       context.CancelFunc
	done         chan struct{}
}

// NewPacer creates a pacer reading from ring and writing into sink.
func NewPacer(cfg PacerConfig, ring *FrameRing, sink MediaSink, clk *clock.FrameClock, logger zerolog.Logger) *Pacer {
	if cfg.TargetBuffer <= 0 {
		if cfg.Kind == TrackVideo {
			cfg.TargetBuffer = 90
		} else {
			cfg.TargetBuffer = 24
		}
	}
	return &Pacer{
		cfg:    cfg,
		ring:   ring,
		sink:   sink,
		clk:    clk,
		log:    logger.With().Str("component", "pacer").Str("kind", string(cfg.Kind)).Logger(),
		volume: 1,
		done:   make(chan struct{}),
	}
}

// OnStutter registers the callback fired when an emission interval blows
// past the stutter threshold.
func (p *Pacer) OnStutter(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onStutter = fn
}

// Prime starts the pump in paused state: the ring buffers frames but none
// are released until Unpause.
func (p *Pacer) Prime(ctx context.Context) {
	p.mu.Lock()
	if p.state != pacerIdle {
		p.mu.Unlock()
		return
	}
	p.state = pacerPrimed
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	go p.pump(runCtx)
}

// Unpause releases frames. A non-zero barrier becomes the shared start
// instant, letting two pacers begin in lock-step; a zero barrier starts
// immediately.
func (p *Pacer) Unpause(barrier time.Time) {
	now := p.clk.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case pacerPrimed:
		if barrier.IsZero() {
			barrier = now
		}
		p.start = barrier
		p.barrier = barrier
		p.state = pacerRunning
	case pacerPaused:
		if barrier.IsZero() {
			barrier = now
		}
		p.pausedAccum += barrier.Sub(p.pausedAt)
		p.barrier = barrier
		p.state = pacerRunning
	default:
	}
}

// Pause stops emission, preserving the buffer and accumulating the paused
// duration for position reporting.
func (p *Pacer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != pacerRunning {
		return
	}
	p.state = pacerPaused
	p.pausedAt = p.clk.Now()
}

// Stop terminates the pump and drops the buffer.
func (p *Pacer) Stop() {
	p.mu.Lock()
	if p.state == pacerStopped || p.state == pacerIdle {
		p.state = pacerStopped
		p.mu.Unlock()
		return
	}
	p.state = pacerStopped
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-p.done
	}
	p.ring.Reset()
}

// Running reports whether the pacer is currently emitting frames.
func (p *Pacer) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == pacerRunning
}

// SetVolume sets the multiplier applied to outgoing audio samples.
func (p *Pacer) SetVolume(v float64) {
	if v < 0 {
		v = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume = v
}

// Position returns the playback position: wall clock minus paused time for
// the first seconds, frame count thereafter. The hybrid keeps startup
// reporting honest without accumulating long-run drift.
func (p *Pacer) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionLocked()
}

func (p *Pacer) positionLocked() time.Duration {
	if p.start.IsZero() {
		return 0
	}
	elapsed := p.clk.Now().Sub(p.start) - p.pausedAccum
	if p.state == pacerPaused {
		elapsed -= p.clk.Now().Sub(p.pausedAt)
	}
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed < positionHybridWindow {
		return elapsed
	}
	return time.Duration(p.framesSent) * p.cfg.FrameDuration
}

// Resync realigns the pacer: frames-sent and timing are reset so emission
// restarts cleanly. A non-negative audioPos seeks frames-sent to the
// equivalent frame index, aligning a video pacer to the audio position.
func (p *Pacer) Resync(audioPos time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if audioPos < 0 {
		audioPos = 0
	}
	p.framesSent = uint64(audioPos / p.cfg.FrameDuration)
	p.start = p.clk.Now().Add(-audioPos)
	p.pausedAccum = 0
	if p.state == pacerPaused {
		p.pausedAt = p.clk.Now()
	}
	p.lastSend = time.Time{}
}

// BufferStatus returns a snapshot of the pipeline.
func (p *Pacer) BufferStatus() BufferStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	var avg time.Duration
	if len(p.intervals) > 0 {
		var sum time.Duration
		for _, iv := range p.intervals {
			sum += iv
		}
		avg = sum / time.Duration(len(p.intervals))
	}

	return BufferStatus{
		BufferedFrames: p.ring.Frames(),
		FramesSent:     p.framesSent,
		StutterCount:   p.stutterCount,
		TargetFPS:      float64(time.Second) / float64(p.cfg.FrameDuration),
		AvgInterval:    avg,
	}
}

// FramesSent returns the monotonic count of frames pushed to the sink.
func (p *Pacer) FramesSent() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.framesSent
}

func (p *Pacer) maxCatchup() int {
	if p.cfg.Kind == TrackVideo {
		return catchupVideo
	}
	if p.cfg.FixedFile {
		return catchupAudioFile
	}
	return catchupAudioStream
}

// pump is the timer loop: one tick per frame interval.
func (p *Pacer) pump(ctx context.Context) {
	defer close(p.done)

	ticker := p.clk.Ticker(p.cfg.FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Pacer) tick() {
	now := p.clk.Now()

	p.mu.Lock()
	if p.state != pacerRunning || now.Before(p.barrier) {
		p.mu.Unlock()
		return
	}

	elapsed := now.Sub(p.start) - p.pausedAccum
	expected := int64(elapsed / p.cfg.FrameDuration)
	due := expected - int64(p.framesSent)
	if due < 1 {
		due = 1
	}
	if limit := int64(p.maxCatchup()); due > limit {
		due = limit
	}
	volume := p.volume
	p.mu.Unlock()

	// Bound latency before emitting: drop the oldest overage.
	if buffered := p.ring.Frames(); buffered > p.cfg.TargetBuffer {
		dropped := p.ring.DropOldest(buffered - p.cfg.TargetBuffer)
		p.noteDropped(dropped, now)
	}

	for i := int64(0); i < due; i++ {
		frame := p.ring.PopFrame()
		if frame == nil {
			return
		}
		if p.cfg.Kind == TrackAudio && volume != 1 {
			applyVolume(frame, volume)
		}
		if err := p.sink.WriteFrame(frame, p.cfg.FrameDuration); err != nil {
			p.log.Debug().Err(err).Msg("sink write failed")
			return
		}
		p.noteSent(now)
	}
}

func (p *Pacer) noteSent(now time.Time) {
	p.mu.Lock()
	p.framesSent++
	var stutter bool
	if !p.lastSend.IsZero() {
		iv := now.Sub(p.lastSend)
		if iv > 0 {
			p.intervals = append(p.intervals, iv)
			if len(p.intervals) > recentIntervals {
				p.intervals = p.intervals[1:]
			}
			stutter = iv > stutterThreshold(p.cfg.FrameDuration)
		}
	}
	p.lastSend = now
	if stutter {
		p.stutterCount++
	}
	fn := p.onStutter
	p.mu.Unlock()

	if stutter {
		p.log.Debug().Msg("stutter detected")
		if fn != nil {
			fn()
		}
	}
}

func (p *Pacer) noteDropped(dropped int, now time.Time) {
	if dropped <= 0 {
		return
	}
	p.mu.Lock()
	p.dropAccum += dropped
	shouldLog := p.lastDropLog.IsZero() || now.Sub(p.lastDropLog) >= dropLogInterval
	var accum int
	if shouldLog {
		accum = p.dropAccum
		p.dropAccum = 0
		p.lastDropLog = now
	}
	p.mu.Unlock()

	if shouldLog {
		p.log.Warn().Int("frames", accum).Msg("pacer over target buffer, dropped oldest frames")
	}
}

// stutterThreshold classifies an inter-send gap as a stutter.
func stutterThreshold(frameDuration time.Duration) time.Duration {
	t := time.Duration(stutterMultiplier * float64(frameDuration))
	if t < stutterFloor {
		t = stutterFloor
	}
	return t
}

// applyVolume scales S16LE samples in place, clamping back to range.
func applyVolume(frame []byte, volume float64) {
	for i := 0; i+1 < len(frame); i += 2 {
		s := int16(uint16(frame[i]) | uint16(frame[i+1])<<8)
		v := float64(s) * volume
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out := int16(v)
		frame[i] = byte(uint16(out))
		frame[i+1] = byte(uint16(out) >> 8)
	}
}
