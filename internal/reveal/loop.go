package reveal

import (
	"context"
	"sync"
	"time"
)

// FrameInterval is the default frame period, one display refresh at 60 Hz.
const FrameInterval = time.Second / 60

// Snapshot is what a Loop hands to its frame callback.
type Snapshot struct {
	Text      string
	State     State
	Animating bool
}

// FrameFunc starts a frame source. It returns the channel delivering frames and a function releasing
// the source.
type FrameFunc func() (<-chan time.Time, func())

// Ticker returns a FrameFunc backed by a time.Ticker.
func Ticker(interval time.Duration) FrameFunc {
	return func() (<-chan time.Time, func()) {
		t := time.NewTicker(interval)
		return t.C, t.Stop
	}
}

// Loop drives an Animator from a frame source on its own goroutine. Frames are only requested while the
// animator has something to reveal; the loop parks otherwise and wakes up when the target grows.
//
// Every mutation and every call of the frame callback run under one lock, so the callback never
// interleaves with SetTarget or SetStreaming. The callback must not call back into the Loop.
type Loop struct {
	mu      sync.Mutex
	anim    *Animator
	frames  FrameFunc
	onFrame func(Snapshot)

	last    Snapshot
	emitted bool

	wake    chan struct{}
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
}

// NewLoop creates a Loop ticking at FrameInterval.
func NewLoop(anim *Animator, onFrame func(Snapshot)) *Loop {
	return NewLoopWithFrames(anim, Ticker(FrameInterval), onFrame)
}

// NewLoopWithFrames creates a Loop ticking on frames.
func NewLoopWithFrames(anim *Animator, frames FrameFunc, onFrame func(Snapshot)) *Loop {
	return &Loop{
		anim:    anim,
		frames:  frames,
		onFrame: onFrame,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start runs the loop until ctx is done or Stop is called. Calling Start more than once has no effect.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ctx != nil || l.stopped {
		return
	}
	l.ctx, l.cancel = context.WithCancel(ctx)
	go l.run(l.ctx)
}

// Stop halts the loop and waits for its goroutine to exit. No frame callback runs after Stop returns.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	cancel := l.cancel
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-l.done
}

// SetTarget forwards text to the animator. A reset or snap is delivered to the callback immediately;
// growth is revealed by later frames.
func (l *Loop) SetTarget(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.anim.SetTarget(text)
	l.emitIfChanged()
	l.notify()
}

// SetStreaming forwards streaming to the animator. Turning streaming off delivers the full text to the
// callback before returning.
func (l *Loop) SetStreaming(streaming bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.anim.SetStreaming(streaming)
	l.emitIfChanged()
	l.notify()
}

// Snapshot returns the current display state.
func (l *Loop) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.snapshot()
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	var frames <-chan time.Time
	var release func()
	defer func() {
		if release != nil {
			release()
		}
	}()

	for {
		if frames == nil && l.wantsFrames() {
			frames, release = l.frames()
		}

		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		case <-frames:
			if !l.tick(ctx) {
				release()
				frames, release = nil, nil
			}
		}
	}
}

func (l *Loop) wantsFrames() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.anim.IsAnimating()
}

func (l *Loop) tick(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ctx.Err() != nil {
		return false
	}
	more := l.anim.Tick()
	l.emitIfChanged()
	return more
}

func (l *Loop) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) emitIfChanged() {
	if l.stopped || (l.ctx != nil && l.ctx.Err() != nil) {
		return
	}
	s := l.snapshot()
	if l.emitted && s == l.last {
		return
	}
	l.last = s
	l.emitted = true
	if l.onFrame != nil {
		l.onFrame(s)
	}
}

func (l *Loop) snapshot() Snapshot {
	return Snapshot{
		Text:      l.anim.Displayed(),
		State:     l.anim.State(),
		Animating: l.anim.IsAnimating(),
	}
}
