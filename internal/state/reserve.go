package state

import (
	"errors"
	"fmt"
)

// Direction of a reserve adjustment
type Direction int8

const (
	ReserveIncrease Direction = iota
	ReserveDecrease
)

func (d Direction) String() string {
	if d == ReserveIncrease {
		return "increase"
	}
	return "decrease"
}

var (
	// ErrReserveAlreadyAdjusted guards the one-adjustment-per-call rule.
	ErrReserveAlreadyAdjusted = errors.New("reserve already adjusted in this call")
	// ErrReserveOutOfRange is returned on underflow or overflow of the reserve.
	ErrReserveOutOfRange = errors.New("reserve adjustment out of range")
)

// AdjustReserve moves the staged reserve by delta. It must be called exactly
// once per funds-moving call, in the same Tx as the matching balance write.
func (tx *Tx) AdjustReserve(delta uint64, direction Direction) error {
	if tx.reserveAdjusted {
		return ErrReserveAlreadyAdjusted
	}

	switch direction {
	case ReserveIncrease:
		if tx.reserve+delta < tx.reserve {
			return fmt.Errorf("%s by %d from %d: %w", direction, delta, tx.reserve, ErrReserveOutOfRange)
		}
		tx.reserve += delta
	case ReserveDecrease:
		if delta > tx.reserve {
			return fmt.Errorf("%s by %d from %d: %w", direction, delta, tx.reserve, ErrReserveOutOfRange)
		}
		tx.reserve -= delta
	default:
		return fmt.Errorf("unknown reserve direction %d", direction)
	}

	tx.reserveAdjusted = true
	return nil
}

// StagedReserve returns the reserve as it will be after Commit.
func (tx *Tx) StagedReserve() uint64 {
	return tx.reserve
}
