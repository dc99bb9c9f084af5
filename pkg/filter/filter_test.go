package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	bxcan "github.com/samsamfire/gobxcan"
)

// regLog is a bare register file that records the FINIT state observed
// at every filter bank write
type regLog struct {
	mem        map[uint16]uint32
	bankWrites []bool
}

func newRegLog() *regLog {
	return &regLog{mem: map[uint16]uint32{bxcan.RegFCTLR: bxcan.FctlrFINIT}}
}

func (r *regLog) Read(off uint16) uint32 {
	return r.mem[off]
}

func (r *regLog) Write(off uint16, v uint32) {
	if off >= bxcan.FilterBank(0) && off <= bxcan.FilterBank(bxcan.FilterBankCount-1)+4 {
		r.bankWrites = append(r.bankWrites, r.mem[bxcan.RegFCTLR]&bxcan.FctlrFINIT != 0)
	}
	r.mem[off] = v
}

func std(id uint32) Target {
	return Target{ID: id}
}

func TestLayoutPacking(t *testing.T) {
	t.Run("consecutive 16 bit masks share a bank", func(t *testing.T) {
		specs := []Spec{
			{Kind: Mask, Scale16: true, Value: std(0x100), Mask: std(0x7FF)},
			{Kind: Mask, Scale16: true, Value: std(0x200), Mask: std(0x7FF)},
		}
		banks, asg, err := layout(specs)
		assert.Nil(t, err)
		assert.Len(t, banks, 1)
		assert.Equal(t, []uint8{0}, asg[0].Matches)
		assert.Equal(t, []uint8{1}, asg[1].Matches)
	})

	t.Run("shape change opens a new bank", func(t *testing.T) {
		specs := []Spec{
			{Kind: Mask, Scale16: true, Value: std(0x100), Mask: std(0x7FF)},
			{Kind: Mask, Scale16: true, Value: std(0x200), Mask: std(0x7FF)},
			{Kind: List, Scale16: true, Targets: []Target{std(0x10), std(0x20), std(0x30)}},
			{Kind: Mask, Scale16: true, Value: std(0x300), Mask: std(0x7FF)},
		}
		banks, asg, err := layout(specs)
		assert.Nil(t, err)
		assert.Len(t, banks, 3)
		// bank0 holds 2 slots, bank1 holds 4 regardless of the 3 targets
		assert.Equal(t, []uint8{2, 3, 4}, asg[2].Matches)
		assert.Equal(t, uint8(2), asg[3].Bank)
		assert.Equal(t, []uint8{6}, asg[3].Matches)
	})

	t.Run("match indexes count per FIFO", func(t *testing.T) {
		specs := []Spec{
			{Kind: Mask, Value: std(0x100), Mask: std(0x7FF)},
			{Kind: Mask, FIFO: 1, Value: std(0x200), Mask: std(0x7FF)},
			{Kind: Mask, Value: std(0x300), Mask: std(0x7FF)},
		}
		_, asg, err := layout(specs)
		assert.Nil(t, err)
		assert.Equal(t, []uint8{0}, asg[0].Matches)
		assert.Equal(t, []uint8{0}, asg[1].Matches)
		assert.Equal(t, []uint8{1}, asg[2].Matches)
	})

	t.Run("32 bit list numbers both slots", func(t *testing.T) {
		specs := []Spec{
			MatchIDs(0, 0x100, 0x200),
			{Kind: Mask, Value: std(0x300), Mask: std(0x7FF)},
		}
		banks, asg, err := layout(specs)
		assert.Nil(t, err)
		assert.Len(t, banks, 2)
		assert.Equal(t, []uint8{0, 1}, asg[0].Matches)
		assert.Equal(t, []uint8{2}, asg[1].Matches)
	})

	t.Run("different FIFOs never share a bank", func(t *testing.T) {
		specs := []Spec{
			{Kind: Mask, Scale16: true, Value: std(0x100), Mask: std(0x7FF)},
			{Kind: Mask, Scale16: true, FIFO: 1, Value: std(0x200), Mask: std(0x7FF)},
		}
		banks, _, err := layout(specs)
		assert.Nil(t, err)
		assert.Len(t, banks, 2)
	})
}

func TestLayoutPadsUnusedSlots(t *testing.T) {
	t.Run("single entry 32 bit list", func(t *testing.T) {
		banks, _, err := layout([]Spec{MatchIDs(0, 0x100)})
		assert.Nil(t, err)
		fr1, fr2 := banks[0].words()
		assert.Equal(t, fr1, fr2)
		assert.Equal(t, uint32(0x100)<<bxcan.MirStdShift, fr1)
	})

	t.Run("partial 16 bit list repeats the last target", func(t *testing.T) {
		banks, _, err := layout([]Spec{
			{Kind: List, Scale16: true, Targets: []Target{std(0x10), std(0x20)}},
		})
		assert.Nil(t, err)
		_, fr2 := banks[0].words()
		pattern := uint32(0x20) << 5
		assert.Equal(t, pattern|pattern<<16, fr2)
	})

	t.Run("single 16 bit mask pair is duplicated", func(t *testing.T) {
		banks, _, err := layout([]Spec{
			{Kind: Mask, Scale16: true, Value: std(0x123), Mask: std(0x7FF)},
		})
		assert.Nil(t, err)
		fr1, fr2 := banks[0].words()
		assert.Equal(t, fr1, fr2)
	})
}

func TestValidateSpec(t *testing.T) {
	cases := []struct {
		name string
		spec Spec
	}{
		{"fifo out of range", Spec{Kind: Mask, FIFO: 2}},
		{"empty list", Spec{Kind: List}},
		{"32 bit list with three targets", MatchIDs(0, 1, 2, 3)},
		{"16 bit list with five targets", Spec{Kind: List, Scale16: true,
			Targets: []Target{std(1), std(2), std(3), std(4), std(5)}}},
		{"extended target at 16 bit scale", Spec{Kind: List, Scale16: true,
			Targets: []Target{{ID: 0x18DAF110, Extended: true}}}},
		{"standard identifier too wide", Spec{Kind: Mask, Value: std(0x800)}},
		{"extended identifier too wide", Spec{Kind: Mask,
			Value: Target{ID: 0x20000000, Extended: true}}},
		{"mask wider than the identifier", Spec{Kind: Mask,
			Value: std(0x100), Mask: std(0x800)}},
		{"unknown kind", Spec{Kind: Kind(7)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := layout([]Spec{tc.spec})
			assert.ErrorIs(t, err, bxcan.ErrInvalidSpec)
		})
	}
}

func TestLayoutCapacity(t *testing.T) {
	mask := func(id uint32) Spec {
		return Spec{Kind: Mask, Value: std(id), Mask: std(0x7FF)}
	}
	specs := []Spec{}
	for i := 0; i < bxcan.FilterBankCount; i++ {
		specs = append(specs, mask(uint32(i)))
	}
	_, _, err := layout(specs)
	assert.Nil(t, err)

	specs = append(specs, mask(0x7FF))
	_, _, err = layout(specs)
	assert.ErrorIs(t, err, bxcan.ErrCapacityExceeded)
}

func TestConfigureRegisterImage(t *testing.T) {
	regs := newRegLog()
	m := NewManager(regs, nil)

	err := m.Configure([]Spec{
		MatchIDs(0, 0x100, 0x200),
		AcceptAll(1),
	})
	assert.Nil(t, err)

	assert.Equal(t, uint32(0x100)<<bxcan.MirStdShift, regs.Read(bxcan.FilterBank(0)))
	assert.Equal(t, uint32(0x200)<<bxcan.MirStdShift, regs.Read(bxcan.FilterBank(0)+4))
	assert.Equal(t, uint32(0), regs.Read(bxcan.FilterBank(1)))
	assert.Equal(t, uint32(0), regs.Read(bxcan.FilterBank(1)+4))

	assert.Equal(t, uint32(0b01), regs.Read(bxcan.RegFMCFGR), "only bank 0 is a list")
	assert.Equal(t, uint32(0b11), regs.Read(bxcan.RegFSCFGR), "both banks 32 bit")
	assert.Equal(t, uint32(0b10), regs.Read(bxcan.RegFAFIFOR), "bank 1 feeds FIFO1")
	assert.Equal(t, uint32(0b11), regs.Read(bxcan.RegFWR))

	asg := m.Assignments()
	assert.Len(t, asg, 2)
	assert.Equal(t, []uint8{0, 1}, asg[0].Matches)
	assert.Equal(t, uint8(1), asg[1].FIFO)
	assert.Equal(t, []uint8{0}, asg[1].Matches)
}

func TestConfigureHoldsFINIT(t *testing.T) {
	regs := newRegLog()
	m := NewManager(regs, nil)

	err := m.Configure([]Spec{AcceptAll(0), MatchIDs(1, 0x42)})
	assert.Nil(t, err)
	assert.NotEmpty(t, regs.bankWrites)
	for i, finit := range regs.bankWrites {
		assert.True(t, finit, "bank write %d outside of filter init mode", i)
	}
	assert.Zero(t, regs.Read(bxcan.RegFCTLR)&bxcan.FctlrFINIT, "matching still disabled after Configure")
}

func TestConfigureRejectsBeforeTouchingBanks(t *testing.T) {
	regs := newRegLog()
	m := NewManager(regs, nil)

	err := m.Configure([]Spec{AcceptAll(0), {Kind: Mask, FIFO: 5}})
	assert.ErrorIs(t, err, bxcan.ErrInvalidSpec)
	assert.Empty(t, regs.bankWrites, "bad batch must not reach the registers")
	assert.Zero(t, regs.Read(bxcan.RegFWR))
	assert.Zero(t, regs.Read(bxcan.RegFCTLR)&bxcan.FctlrFINIT, "init mode released on the error path")
}

func TestDefaultAcceptAll(t *testing.T) {
	regs := newRegLog()
	m := NewManager(regs, nil)

	assert.Nil(t, m.DefaultAcceptAll())
	assert.Equal(t, uint32(0b1), regs.Read(bxcan.RegFWR))
	assert.Zero(t, regs.Read(bxcan.RegFMCFGR))
	assert.Zero(t, regs.Read(bxcan.FilterBank(0)+4), "zero mask accepts everything")
	assert.Equal(t, []uint8{0}, m.Assignments()[0].Matches)
}
