package reveal

import "github.com/rivo/uniseg"

// State is the reveal state of one message.
type State int

const (
	// StateIdle means nothing is displayed yet.
	StateIdle State = iota
	// StateAnimating means the displayed text lags behind the target and ticks are due.
	StateAnimating
	// StateSettled means the displayed text equals the target.
	StateSettled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAnimating:
		return "animating"
	case StateSettled:
		return "settled"
	}
	return "unknown"
}

// Animator reveals a growing target text a few graphemes per tick. It holds no timers: the host calls
// Tick once per frame for as long as Tick asks for another one.
//
// Animator is not safe for concurrent use. Loop wraps it for hosts without their own event loop.
type Animator struct {
	pacing Pacing

	target string
	// bounds[i] is the byte offset of the end of the i-th grapheme of target; bounds[0] is 0.
	bounds   []int
	revealed int

	streaming bool
	ticks     uint64
	state     State
}

// NewAnimator creates an Animator for a message that is about to stream.
func NewAnimator(p Pacing) *Animator {
	return &Animator{
		pacing:    p,
		bounds:    []int{0},
		streaming: true,
	}
}

// SetTarget replaces the text to reveal. A target shorter than what is already displayed resets the
// reveal to the beginning.
func (a *Animator) SetTarget(text string) {
	if len(text) < a.bounds[a.revealed] {
		a.target = ""
		a.bounds = []int{0}
		a.revealed = 0
		a.ticks = 0
		a.state = StateIdle
	}

	a.target = text
	a.bounds = graphemeBounds(text)
	a.revealed = min(a.revealed, a.total())

	if !a.streaming {
		a.snap()
		return
	}
	if a.revealed < a.total() {
		a.state = StateAnimating
	}
}

// SetStreaming toggles streaming. Turning it off displays the whole target at once and stops the
// animation.
func (a *Animator) SetStreaming(streaming bool) {
	a.streaming = streaming
	if !streaming {
		a.snap()
		return
	}
	if a.revealed < a.total() {
		a.state = StateAnimating
	}
}

// Tick advances the reveal by one frame and reports whether another tick is needed.
func (a *Animator) Tick() bool {
	if a.state != StateAnimating {
		return false
	}

	a.ticks++
	backlog := a.total() - a.revealed
	a.revealed = min(a.revealed+a.pacing.Step(backlog, a.ticks), a.total())

	if a.revealed == a.total() {
		a.state = StateSettled
		return false
	}
	return true
}

// Displayed returns the revealed prefix of the target.
func (a *Animator) Displayed() string {
	return a.target[:a.bounds[a.revealed]]
}

// Target returns the full text being revealed.
func (a *Animator) Target() string {
	return a.target
}

// Revealed returns the number of graphemes displayed.
func (a *Animator) Revealed() int {
	return a.revealed
}

// Total returns the number of graphemes of the target.
func (a *Animator) Total() int {
	return a.total()
}

// IsAnimating reports whether the displayed text lags behind the target and more ticks are due.
func (a *Animator) IsAnimating() bool {
	return a.state == StateAnimating
}

// Streaming reports whether the target may still grow.
func (a *Animator) Streaming() bool {
	return a.streaming
}

// State returns the current reveal state.
func (a *Animator) State() State {
	return a.state
}

// Reset clears the target and returns to the idle state, keeping the streaming flag.
func (a *Animator) Reset() {
	a.target = ""
	a.bounds = []int{0}
	a.revealed = 0
	a.ticks = 0
	a.state = StateIdle
}

func (a *Animator) total() int {
	return len(a.bounds) - 1
}

func (a *Animator) snap() {
	a.revealed = a.total()
	a.state = StateSettled
}

func graphemeBounds(text string) []int {
	bounds := make([]int, 1, len(text)+1)
	offset := 0
	state := -1
	rest := text
	for len(rest) > 0 {
		var cluster string
		cluster, rest, _, state = uniseg.FirstGraphemeClusterInString(rest, state)
		offset += len(cluster)
		bounds = append(bounds, offset)
	}
	return bounds
}
