package bxcan

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBitTimingValidate(t *testing.T) {
	good := BitTiming{Prescaler: 4, Seg1: 13, Seg2: 2, SJW: 1}
	assert.NoError(t, good.Validate())

	tests := []struct {
		name string
		bt   BitTiming
	}{
		{"prescaler zero", BitTiming{Prescaler: 0, Seg1: 13, Seg2: 2, SJW: 1}},
		{"prescaler too big", BitTiming{Prescaler: 1025, Seg1: 13, Seg2: 2, SJW: 1}},
		{"seg1 zero", BitTiming{Prescaler: 4, Seg1: 0, Seg2: 2, SJW: 1}},
		{"seg1 too big", BitTiming{Prescaler: 4, Seg1: 17, Seg2: 2, SJW: 1}},
		{"seg2 zero", BitTiming{Prescaler: 4, Seg1: 13, Seg2: 0, SJW: 1}},
		{"seg2 too big", BitTiming{Prescaler: 4, Seg1: 13, Seg2: 9, SJW: 1}},
		{"sjw zero", BitTiming{Prescaler: 4, Seg1: 13, Seg2: 2, SJW: 0}},
		{"sjw too big", BitTiming{Prescaler: 4, Seg1: 13, Seg2: 2, SJW: 5}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, tc.bt.Validate(), ErrInvalidTiming)
		})
	}
}

func TestBitTimingBits(t *testing.T) {
	bt := BitTiming{Prescaler: 4, Seg1: 13, Seg2: 2, SJW: 1}
	// Fields are stored minus one
	want := uint32(3) | 12<<BtimrTS1Shift | 1<<BtimrTS2Shift | 0<<BtimrSJWShift
	assert.Equal(t, want, bt.Bits(ModeNormal))
	assert.Equal(t, want|BtimrLBKM, bt.Bits(ModeLoopback))
	assert.Equal(t, want|BtimrSILM, bt.Bits(ModeSilent))
	assert.Equal(t, want|BtimrLBKM|BtimrSILM, bt.Bits(ModeLoopbackSilent))
}

func TestModeFromBits(t *testing.T) {
	bt := BitTiming{Prescaler: 4, Seg1: 13, Seg2: 2, SJW: 1}
	for _, m := range []Mode{ModeNormal, ModeLoopback, ModeSilent, ModeLoopbackSilent} {
		assert.Equal(t, m, ModeFromBits(bt.Bits(m)))
	}
}

func TestTimingForBitrate(t *testing.T) {
	t.Run("8MHz 500k", func(t *testing.T) {
		bt, err := TimingForBitrate(8_000_000, 500_000)
		assert.NoError(t, err)
		assert.Equal(t, BitTiming{Prescaler: 1, Seg1: 13, Seg2: 2, SJW: 2}, bt)
		assert.Equal(t, uint32(500_000), bt.Bitrate(8_000_000))
	})
	t.Run("36MHz 500k", func(t *testing.T) {
		bt, err := TimingForBitrate(36_000_000, 500_000)
		assert.NoError(t, err)
		assert.NoError(t, bt.Validate())
		assert.Equal(t, uint32(500_000), bt.Bitrate(36_000_000))
		// CiA sample point recommendation, allow the quanta granularity
		assert.InDelta(t, 875, int(bt.SamplePoint()), 50)
	})
	t.Run("no exact division", func(t *testing.T) {
		_, err := TimingForBitrate(10_000_000, 384_000)
		assert.ErrorIs(t, err, ErrIllegalBitrate)
	})
	t.Run("rejects zero and absurd rates", func(t *testing.T) {
		_, err := TimingForBitrate(0, 500_000)
		assert.ErrorIs(t, err, ErrIllegalBitrate)
		_, err = TimingForBitrate(8_000_000, 0)
		assert.ErrorIs(t, err, ErrIllegalBitrate)
		_, err = TimingForBitrate(8_000_000, 2_000_000)
		assert.ErrorIs(t, err, ErrIllegalBitrate)
	})
}
