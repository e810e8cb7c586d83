package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStrictSequenceValidator(t *testing.T) {
	v := StrictSequenceValidator{}

	tests := []struct {
		name        string
		seq         int64
		last        int64
		outdated    bool
		outOfSeq    bool
		errExpected bool
	}{
		{"NextInLine", 124, 123, false, false, false},
		{"Duplicate", 123, 123, true, false, true},
		{"Older", 100, 123, true, false, true},
		{"Gap", 125, 123, false, true, true},
		{"Unsequenced", 0, 123, false, false, false},
		{"FirstAfterEmptyBook", 1, 0, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.IsValidUpd(&DeltaBookItem{Symbol: "BTC/USDT", Sequence: tt.seq}, tt.last)

			if !tt.errExpected {
				assert.Nil(t, err, "Error should be nil")
				return
			}
			assert.Equal(t, tt.outdated, v.IsErrOutdated(err))
			assert.Equal(t, tt.outOfSeq, v.IsErrOutOfSequence(err))
			assert.Equal(t, tt.outOfSeq, IsSequenceGap(err))
		})
	}
}

func TestSequenceGapError(t *testing.T) {
	err := StrictSequenceValidator{}.IsValidUpd(&DeltaBookItem{Symbol: "BTC/USDT", Sequence: 12}, 10)

	var gap *SequenceGapError
	assert.True(t, errors.As(err, &gap))
	assert.Equal(t, int64(11), gap.Expected)
	assert.Equal(t, int64(12), gap.Received)
	assert.Contains(t, err.Error(), "expected=11 received=12")
	assert.ErrorIs(t, err, ErrOrderBookUpdateIsOutOfSequence)
}
