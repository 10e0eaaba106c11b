package reveal

// Pacing decides how many graphemes a single tick reveals, based on how far the displayed text lags
// behind its target. The three tiers are fixed; their thresholds and steps are tunable.
type Pacing struct {
	// SmallBacklog is the largest backlog revealed at SmallStep.
	SmallBacklog int
	// LargeBacklog is the largest backlog revealed at MediumStep. Anything above it uses LargeStep.
	LargeBacklog int

	SmallStep  int
	MediumStep int
	LargeStep  int

	// SmallEvery makes the small tier advance only on every n-th tick.
	SmallEvery int
}

// DefaultPacing reveals one grapheme every other frame for a backlog up to 100, two per frame up to 200,
// and three per frame beyond that.
func DefaultPacing() Pacing {
	return Pacing{
		SmallBacklog: 100,
		LargeBacklog: 200,
		SmallStep:    1,
		MediumStep:   2,
		LargeStep:    3,
		SmallEvery:   2,
	}
}

// Step returns the number of graphemes to reveal on the given tick, counted from 1.
func (p Pacing) Step(backlog int, tick uint64) int {
	switch {
	case backlog <= 0:
		return 0
	case backlog > p.LargeBacklog:
		return max(p.LargeStep, 1)
	case backlog > p.SmallBacklog:
		return max(p.MediumStep, 1)
	}
	if p.SmallEvery > 1 && (tick-1)%uint64(p.SmallEvery) != 0 {
		return 0
	}
	return max(p.SmallStep, 1)
}

// MaxTicks returns an upper bound of the ticks needed to reveal a target of n graphemes from scratch.
func (p Pacing) MaxTicks(n int) int {
	every := max(p.SmallEvery, 1)
	return n*every + every
}
