package core

import (
	"fmt"
)

// ClockValidator enforces that the host's logical clock never runs backwards
// across applied calls. Equal heights are allowed: many calls share a block.
// Not thread-safe: only accessed from the single-threaded deterministic core.
type ClockValidator struct {
	lastHeight  uint64
	regressions int64
}

func NewClockValidator() *ClockValidator {
	return &ClockValidator{}
}

// Validate checks height against the last applied height without advancing it.
func (cv *ClockValidator) Validate(height uint64) error {
	if height < cv.lastHeight {
		cv.regressions++
		return fmt.Errorf("height %d below last applied %d: %w", height, cv.lastHeight, ErrClockRegression)
	}
	return nil
}

// Advance records height as applied. Only called after a successful commit.
func (cv *ClockValidator) Advance(height uint64) {
	if height > cv.lastHeight {
		cv.lastHeight = height
	}
}

// LastHeight returns the highest applied height.
func (cv *ClockValidator) LastHeight() uint64 {
	return cv.lastHeight
}

// SetLastHeight initializes the clock (used during recovery).
func (cv *ClockValidator) SetLastHeight(height uint64) {
	cv.lastHeight = height
}

// Regressions returns the number of rejected calls.
func (cv *ClockValidator) Regressions() int64 {
	return cv.regressions
}
