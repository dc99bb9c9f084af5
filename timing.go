package bxcan

// Operating mode of the controller, chosen once at initialization
type Mode uint8

const (
	ModeNormal Mode = iota
	ModeLoopback
	ModeSilent
	ModeLoopbackSilent
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeLoopback:
		return "loopback"
	case ModeSilent:
		return "silent"
	case ModeLoopbackSilent:
		return "loopback+silent"
	}
	return "unknown"
}

// BTIMR field layout. Timing fields are stored minus one.
const (
	BtimrBRPMask  uint32 = 0x3FF
	BtimrTS1Shift        = 16
	BtimrTS1Mask  uint32 = 0xF
	BtimrTS2Shift        = 20
	BtimrTS2Mask  uint32 = 0x7
	BtimrSJWShift        = 24
	BtimrSJWMask  uint32 = 0x3

	BtimrLBKM uint32 = 1 << 30 // loopback mode
	BtimrSILM uint32 = 1 << 31 // silent mode
)

// Bit timing parameters in time quanta. Fields hold the real counts,
// the minus-one register encoding is applied by Bits.
type BitTiming struct {
	Prescaler uint16 // 1..1024, divides the peripheral clock into quanta
	Seg1      uint8  // 1..16, quanta before the sample point (without sync)
	Seg2      uint8  // 1..8, quanta after the sample point
	SJW       uint8  // 1..4, resynchronization jump width
}

// Validate range-checks every field. Out of range timing is rejected,
// never clamped.
func (bt BitTiming) Validate() error {
	if bt.Prescaler < 1 || bt.Prescaler > 1024 {
		return ErrInvalidTiming
	}
	if bt.Seg1 < 1 || bt.Seg1 > 16 {
		return ErrInvalidTiming
	}
	if bt.Seg2 < 1 || bt.Seg2 > 8 {
		return ErrInvalidTiming
	}
	if bt.SJW < 1 || bt.SJW > 4 {
		return ErrInvalidTiming
	}
	return nil
}

// Bits returns the BTIMR value encoding the timing and the mode bits
func (bt BitTiming) Bits(m Mode) uint32 {
	v := uint32(bt.Prescaler-1) & BtimrBRPMask
	v |= (uint32(bt.Seg1-1) & BtimrTS1Mask) << BtimrTS1Shift
	v |= (uint32(bt.Seg2-1) & BtimrTS2Mask) << BtimrTS2Shift
	v |= (uint32(bt.SJW-1) & BtimrSJWMask) << BtimrSJWShift
	if m == ModeLoopback || m == ModeLoopbackSilent {
		v |= BtimrLBKM
	}
	if m == ModeSilent || m == ModeLoopbackSilent {
		v |= BtimrSILM
	}
	return v
}

// ModeFromBits recovers the operating mode from a BTIMR value
func ModeFromBits(btimr uint32) Mode {
	switch {
	case btimr&BtimrLBKM != 0 && btimr&BtimrSILM != 0:
		return ModeLoopbackSilent
	case btimr&BtimrLBKM != 0:
		return ModeLoopback
	case btimr&BtimrSILM != 0:
		return ModeSilent
	}
	return ModeNormal
}

// Quanta returns the number of time quanta in one bit time
func (bt BitTiming) Quanta() uint32 {
	return 1 + uint32(bt.Seg1) + uint32(bt.Seg2)
}

// Bitrate returns the nominal bitrate for the given peripheral clock
func (bt BitTiming) Bitrate(clockHz uint32) uint32 {
	div := uint32(bt.Prescaler) * bt.Quanta()
	if div == 0 {
		return 0
	}
	return clockHz / div
}

// SamplePoint returns the sample point position in tenths of a percent
func (bt BitTiming) SamplePoint() uint32 {
	return (1 + uint32(bt.Seg1)) * 1000 / bt.Quanta()
}

// TimingForBitrate computes bit timing from the peripheral clock rate the
// platform supplies and the requested bitrate. Only exact divisions are
// accepted and the sample point is placed as close to the CiA recommended
// 87.5% as the quanta allow. Longer bit times are preferred for finer
// resynchronization granularity.
func TimingForBitrate(clockHz, bitrate uint32) (BitTiming, error) {
	if clockHz == 0 || bitrate == 0 || bitrate > 1_000_000 {
		return BitTiming{}, ErrIllegalBitrate
	}
	for total := uint32(25); total >= 8; total-- {
		if clockHz%(bitrate*total) != 0 {
			continue
		}
		prescaler := clockHz / (bitrate * total)
		if prescaler < 1 || prescaler > 1024 {
			continue
		}
		seg2 := total - (total*875+500)/1000
		if seg2 < 1 {
			seg2 = 1
		} else if seg2 > 8 {
			seg2 = 8
		}
		seg1 := total - 1 - seg2
		if seg1 < 1 || seg1 > 16 {
			continue
		}
		sjw := seg2
		if sjw > 4 {
			sjw = 4
		}
		return BitTiming{
			Prescaler: uint16(prescaler),
			Seg1:      uint8(seg1),
			Seg2:      uint8(seg2),
			SJW:       uint8(sjw),
		}, nil
	}
	return BitTiming{}, ErrIllegalBitrate
}
