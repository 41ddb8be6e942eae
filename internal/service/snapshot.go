package service

import (
	"time"

	"kronoterm_gateway/internal/codec"
	"kronoterm_gateway/internal/features"
)

// Snapshot is one atomic, internally consistent set of decoded readings
// from a single poll cycle. It is immutable after publishing; a new cycle
// replaces the whole snapshot rather than mutating it, so every consumer
// observing it sees values taken from the same poll round.
type Snapshot struct {
	Readings map[uint16]codec.Reading
	Flags    features.Flags
	TakenAt  time.Time
	Success  bool
}

// Reading returns the decoded reading for the given catalog address.
func (s *Snapshot) Reading(address uint16) (codec.Reading, bool) {
	if s == nil {
		return codec.Reading{}, false
	}
	reading, ok := s.Readings[address]
	return reading, ok
}

// Len returns the number of readings, absent markers included.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Readings)
}

// Present counts readings that carry a real value.
func (s *Snapshot) Present() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, reading := range s.Readings {
		if !reading.Absent {
			n++
		}
	}
	return n
}
