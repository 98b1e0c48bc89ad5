// internal/timeline/swipe.go
package timeline

// DefaultThreshold is the drag distance in pixels a swipe must exceed to
// delete a record.
const DefaultThreshold = 120.0

type SwipeState int

const (
	Neutral SwipeState = iota
	Committing
	Committed
)

func (s SwipeState) String() string {
	switch s {
	case Committing:
		return "committing"
	case Committed:
		return "committed"
	default:
		return "neutral"
	}
}

// Classify maps a rightward drag distance to a swipe state. Only a release
// strictly past the threshold commits.
func Classify(distance, threshold float64, released bool) SwipeState {
	if distance <= 0 || distance <= threshold {
		return Neutral
	}
	if released {
		return Committed
	}
	return Committing
}

// Swipe tracks one drag gesture. Leftward movement keeps the last rightward
// offset.
type Swipe struct {
	threshold float64
	offset    float64
	released  bool
}

func NewSwipe(threshold float64) *Swipe {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Swipe{threshold: threshold}
}

// Move feeds the horizontal offset from the drag origin.
func (s *Swipe) Move(offset float64) SwipeState {
	if s.released {
		return s.State()
	}
	if offset > 0 {
		s.offset = offset
	}
	return s.State()
}

// Release ends the gesture. A release short of the threshold snaps back.
func (s *Swipe) Release() SwipeState {
	s.released = true
	state := s.State()
	if state != Committed {
		s.offset = 0
	}
	return state
}

func (s *Swipe) Offset() float64 {
	return s.offset
}

func (s *Swipe) State() SwipeState {
	return Classify(s.offset, s.threshold, s.released)
}
