package domain

import (
	"errors"
	"fmt"
)

var (
	// The book is desynchronized and must be rebuilt from a fresh snapshot.
	ErrOrderBookUpdateIsOutOfSequence = errors.New("order book update is out of sequence")
	// Replays and late deliveries, should just be skipped.
	ErrOrderBookUpdateIsOutdated = errors.New("order book update is outdated")
)

// SequenceGapError is returned when a delta skips one or more sequence numbers.
type SequenceGapError struct {
	Symbol     string
	ProviderID int
	Expected   int64
	Received   int64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("%s: provider=%d symbol=%s expected=%d received=%d",
		ErrOrderBookUpdateIsOutOfSequence, e.ProviderID, e.Symbol, e.Expected, e.Received)
}

func (e *SequenceGapError) Unwrap() error {
	return ErrOrderBookUpdateIsOutOfSequence
}

type IDepthUpdateValidator interface {
	// if return nil, the update is valid
	IsValidUpd(update *DeltaBookItem, orderBookLastSeq int64) error
	IsErrOutOfSequence(err error) bool
	IsErrOutdated(err error) bool
}

// StrictSequenceValidator accepts only lastSeq+1. Deltas with sequence 0 are unsequenced
// and always valid.
type StrictSequenceValidator struct{}

func (v StrictSequenceValidator) IsValidUpd(update *DeltaBookItem, orderBookLastSeq int64) error {
	if update.Sequence == 0 {
		return nil
	}
	if update.Sequence <= orderBookLastSeq {
		return ErrOrderBookUpdateIsOutdated
	}
	if update.Sequence > orderBookLastSeq+1 {
		return &SequenceGapError{
			Symbol:   update.Symbol,
			Expected: orderBookLastSeq + 1,
			Received: update.Sequence,
		}
	}
	return nil
}

func (v StrictSequenceValidator) IsErrOutOfSequence(err error) bool {
	return errors.Is(err, ErrOrderBookUpdateIsOutOfSequence)
}

func (v StrictSequenceValidator) IsErrOutdated(err error) bool {
	return errors.Is(err, ErrOrderBookUpdateIsOutdated)
}

// IsSequenceGap reports whether err signals a desynchronized book.
func IsSequenceGap(err error) bool {
	return errors.Is(err, ErrOrderBookUpdateIsOutOfSequence)
}
